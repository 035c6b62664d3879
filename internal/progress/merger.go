package progress

import "strings"

// addressSep joins path segments and the leaf name into a map key. Unit
// separator keeps ["a","b"] distinct from ["a,b"].
const addressSep = "\x1f"

// Merger folds incoming progress updates into the last-known tree per
// task id. A leaf replaces any previously stored leaf at the same
// address (path plus name); counts are never merged numerically.
// Applying the same update twice yields an identical tree.
//
// Merger is not safe for concurrent use; callers serialize access per
// tenant (see the bus package).
type Merger struct {
	runs map[string]*runState
}

type runState struct {
	name   string
	order  []string
	leaves map[string]*Leaf
}

// NewMerger returns an empty Merger.
func NewMerger() *Merger {
	return &Merger{runs: make(map[string]*runState)}
}

// Apply folds the update for the given task into the stored state and
// returns the full aggregated tree for broadcast. An update with no
// leaves is a valid no-op; the current tree is still returned so it can
// be relayed as a heartbeat.
func (m *Merger) Apply(task string, update Node) *Tree {
	run, ok := m.runs[task]
	if !ok {
		run = &runState{leaves: make(map[string]*Leaf)}
		m.runs[task] = run
	}
	if tree, ok := update.(*Tree); ok && tree.Name != "" {
		run.name = tree.Name
	}
	for _, leaf := range flatten(update) {
		key := address(leaf)
		if _, seen := run.leaves[key]; !seen {
			run.order = append(run.order, key)
		}
		run.leaves[key] = leaf
	}
	return run.tree()
}

// Tree returns the current aggregated tree for a task, or nil when the
// task has never reported progress.
func (m *Merger) Tree(task string) *Tree {
	run, ok := m.runs[task]
	if !ok {
		return nil
	}
	return run.tree()
}

// Forget drops all state for a task. Used when a tenant channel is
// evicted; runs have no explicit termination event.
func (m *Merger) Forget(task string) {
	delete(m.runs, task)
}

// Tasks returns the task ids with stored state.
func (m *Merger) Tasks() []string {
	tasks := make([]string, 0, len(m.runs))
	for task := range m.runs {
		tasks = append(tasks, task)
	}
	return tasks
}

// flatten collects the update's leaves in document order, so that the
// later of two same-address leaves in one message wins the overwrite.
func flatten(node Node) []*Leaf {
	switch n := node.(type) {
	case *Leaf:
		return []*Leaf{n}
	case *Tree:
		var leaves []*Leaf
		for _, part := range n.Parts {
			leaves = append(leaves, flatten(part)...)
		}
		return leaves
	default:
		return nil
	}
}

func address(l *Leaf) string {
	return strings.Join(append(append([]string(nil), l.Path...), l.Name), addressSep)
}

// tree rebuilds the nested tree from the flat leaf map. Leaves are
// inserted in first-seen order so repeated applies produce identical
// output. A leading path segment equal to the run name refers to the
// root itself and is not duplicated as a child level.
func (r *runState) tree() *Tree {
	root := &Tree{Name: r.name}
	for _, key := range r.order {
		leaf := r.leaves[key]
		segs := leaf.Path
		if len(segs) > 0 && segs[0] == r.name {
			segs = segs[1:]
		}
		insert(root, segs, leaf)
	}
	return root
}

func insert(t *Tree, segs []string, leaf *Leaf) {
	if len(segs) == 0 {
		t.Parts = append(t.Parts, leaf)
		return
	}
	for _, part := range t.Parts {
		if sub, ok := part.(*Tree); ok && sub.Name == segs[0] {
			insert(sub, segs[1:], leaf)
			return
		}
	}
	sub := &Tree{Name: segs[0]}
	t.Parts = append(t.Parts, sub)
	insert(sub, segs[1:], leaf)
}
