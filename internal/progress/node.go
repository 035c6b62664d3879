package progress

import (
	"encoding/json"
	"fmt"
)

// Node kinds as they appear on the wire.
const (
	kindLeaf = "progress"
	kindTree = "tree"
)

// Node is either a *Leaf reporting concrete counts or a *Tree grouping
// child nodes. Trees never store counts of their own.
type Node interface {
	json.Marshaler

	// NodeName returns the display name of this node.
	NodeName() string
}

// Leaf reports progress of one atomic unit of work. Path addresses the
// leaf's position in the run's tree; Current and Total are taken as-is,
// malformed ratios (Current > Total) are passed through untouched.
type Leaf struct {
	Name    string
	Path    []string
	Current int64
	Total   int64
}

// NodeName returns the leaf name.
func (l *Leaf) NodeName() string { return l.Name }

// MarshalJSON encodes the leaf with its wire kind tag.
func (l *Leaf) MarshalJSON() ([]byte, error) {
	path := l.Path
	if path == nil {
		path = []string{}
	}
	return json.Marshal(struct {
		Kind    string   `json:"kind"`
		Name    string   `json:"name"`
		Path    []string `json:"path"`
		Current int64    `json:"current"`
		Total   int64    `json:"total"`
	}{kindLeaf, l.Name, path, l.Current, l.Total})
}

// Tree is an aggregation container. Its counts are derived via Aggregate.
type Tree struct {
	Name  string
	Parts []Node
}

// NodeName returns the tree name.
func (t *Tree) NodeName() string { return t.Name }

// MarshalJSON encodes the tree with its wire kind tag.
func (t *Tree) MarshalJSON() ([]byte, error) {
	parts := t.Parts
	if parts == nil {
		parts = []Node{}
	}
	return json.Marshal(struct {
		Kind  string `json:"kind"`
		Name  string `json:"name"`
		Parts []Node `json:"parts"`
	}{kindTree, t.Name, parts})
}

// Aggregate sums current/total over all leaves below this tree. It only
// sums counts; percentage computation is left to consumers.
func (t *Tree) Aggregate() (current, total int64) {
	for _, part := range t.Parts {
		switch n := part.(type) {
		case *Leaf:
			current += n.Current
			total += n.Total
		case *Tree:
			c, tot := n.Aggregate()
			current += c
			total += tot
		}
	}
	return current, total
}

// Find walks the tree by child names and returns the addressed node, or
// nil if no node exists at that position.
func (t *Tree) Find(names ...string) Node {
	if len(names) == 0 {
		return t
	}
	for _, part := range t.Parts {
		if part.NodeName() != names[0] {
			continue
		}
		if len(names) == 1 {
			return part
		}
		if sub, ok := part.(*Tree); ok {
			return sub.Find(names[1:]...)
		}
		return nil
	}
	return nil
}

// Unmarshal decodes a wire node, dispatching on the kind tag. Parts of a
// tree are decoded recursively.
func Unmarshal(data []byte) (Node, error) {
	var probe struct {
		Kind string `json:"kind"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("decode progress node: %w", err)
	}
	switch probe.Kind {
	case kindLeaf:
		var raw struct {
			Name    string   `json:"name"`
			Path    []string `json:"path"`
			Current int64    `json:"current"`
			Total   int64    `json:"total"`
		}
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("decode progress leaf: %w", err)
		}
		return &Leaf{Name: raw.Name, Path: raw.Path, Current: raw.Current, Total: raw.Total}, nil
	case kindTree:
		var raw struct {
			Name  string            `json:"name"`
			Parts []json.RawMessage `json:"parts"`
		}
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("decode progress tree: %w", err)
		}
		tree := &Tree{Name: raw.Name}
		for _, part := range raw.Parts {
			node, err := Unmarshal(part)
			if err != nil {
				return nil, err
			}
			tree.Parts = append(tree.Parts, node)
		}
		return tree, nil
	default:
		return nil, fmt.Errorf("unknown progress node kind %q", probe.Kind)
	}
}
