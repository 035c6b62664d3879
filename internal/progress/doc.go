// Package progress models the hierarchical progress trees reported by
// collection workflow runs and folds partial updates into a per-run
// aggregated snapshot. Leaves carry concrete current/total counts; trees
// derive their counts by summing descendants on demand.
package progress
