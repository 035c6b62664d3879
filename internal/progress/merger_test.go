package progress

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

// TestMergerAggregation verifies sibling leaves sum into the parent's derived counts.
func TestMergerAggregation(t *testing.T) {
	t.Parallel()

	m := NewMerger()
	tree := m.Apply("t1", &Tree{Name: "collect", Parts: []Node{
		&Leaf{Name: "x", Path: []string{"x"}, Current: 50, Total: 100},
		&Leaf{Name: "y", Path: []string{"y"}, Current: 1, Total: 1},
	}})

	current, total := tree.Aggregate()
	require.Equal(t, int64(51), current)
	require.Equal(t, int64(101), total)
}

// TestMergerReplaceByPath verifies a later leaf at the same address replaces
// the earlier one instead of adding to it.
func TestMergerReplaceByPath(t *testing.T) {
	t.Parallel()

	m := NewMerger()
	m.Apply("t1", &Tree{Name: "collect", Parts: []Node{
		&Leaf{Name: "b", Path: []string{"a", "b"}, Current: 50, Total: 100},
	}})
	tree := m.Apply("t1", &Tree{Name: "collect", Parts: []Node{
		&Leaf{Name: "b", Path: []string{"a", "b"}, Current: 100, Total: 100},
	}})

	current, total := tree.Aggregate()
	require.Equal(t, int64(100), current)
	require.Equal(t, int64(100), total)
}

// TestMergerIdempotent verifies applying the same update twice yields an
// identical aggregated tree.
func TestMergerIdempotent(t *testing.T) {
	t.Parallel()

	update := func() Node {
		return &Tree{Name: "collect", Parts: []Node{
			&Leaf{Name: "eu-central-1", Path: []string{"collect", "aws"}, Current: 50, Total: 100},
			&Leaf{Name: "us-east-1", Path: []string{"collect", "aws"}, Current: 3, Total: 9},
		}}
	}

	m := NewMerger()
	first := m.Apply("t1", update())
	second := m.Apply("t1", update())

	firstJSON, err := json.Marshal(first)
	require.NoError(t, err)
	secondJSON, err := json.Marshal(second)
	require.NoError(t, err)
	require.JSONEq(t, string(firstJSON), string(secondJSON))
}

// TestMergerRootPathSegment verifies a leading path segment matching the run
// name addresses the root level rather than a duplicate child.
func TestMergerRootPathSegment(t *testing.T) {
	t.Parallel()

	m := NewMerger()
	tree := m.Apply("t1", &Tree{Name: "collect", Parts: []Node{
		&Leaf{Name: "eu-central-1", Path: []string{"collect", "aws"}, Current: 50, Total: 100},
	}})

	require.Equal(t, "collect", tree.Name)
	node := tree.Find("aws")
	require.NotNil(t, node)
	aws, ok := node.(*Tree)
	require.True(t, ok)
	current, total := aws.Aggregate()
	require.Equal(t, int64(50), current)
	require.Equal(t, int64(100), total)
}

// TestMergerSameMessageTieBreak verifies the later leaf in one message's part
// list wins a same-address collision.
func TestMergerSameMessageTieBreak(t *testing.T) {
	t.Parallel()

	m := NewMerger()
	tree := m.Apply("t1", &Tree{Name: "collect", Parts: []Node{
		&Leaf{Name: "b", Path: []string{"a"}, Current: 10, Total: 100},
		&Leaf{Name: "b", Path: []string{"a"}, Current: 70, Total: 100},
	}})

	current, total := tree.Aggregate()
	require.Equal(t, int64(70), current)
	require.Equal(t, int64(100), total)
}

// TestMergerEmptyUpdate verifies a zero-part update is a no-op merge that
// still yields the current tree.
func TestMergerEmptyUpdate(t *testing.T) {
	t.Parallel()

	m := NewMerger()
	m.Apply("t1", &Tree{Name: "collect", Parts: []Node{
		&Leaf{Name: "x", Path: []string{"x"}, Current: 5, Total: 10},
	}})
	tree := m.Apply("t1", &Tree{Name: "collect"})

	current, total := tree.Aggregate()
	require.Equal(t, int64(5), current)
	require.Equal(t, int64(10), total)
}

// TestMergerZeroTotalLeaf verifies total=0 leaves contribute zero without
// faulting; the merger never divides.
func TestMergerZeroTotalLeaf(t *testing.T) {
	t.Parallel()

	m := NewMerger()
	tree := m.Apply("t1", &Tree{Name: "collect", Parts: []Node{
		&Leaf{Name: "empty", Path: []string{"empty"}, Current: 0, Total: 0},
		&Leaf{Name: "x", Path: []string{"x"}, Current: 2, Total: 4},
	}})

	current, total := tree.Aggregate()
	require.Equal(t, int64(2), current)
	require.Equal(t, int64(4), total)
}

// TestMergerTasksAndForget covers run bookkeeping used by channel eviction.
func TestMergerTasksAndForget(t *testing.T) {
	t.Parallel()

	m := NewMerger()
	m.Apply("t1", &Leaf{Name: "x", Current: 1, Total: 2})
	m.Apply("t2", &Leaf{Name: "y", Current: 1, Total: 2})
	require.ElementsMatch(t, []string{"t1", "t2"}, m.Tasks())

	m.Forget("t1")
	require.ElementsMatch(t, []string{"t2"}, m.Tasks())
	require.Nil(t, m.Tree("t1"))
	require.NotNil(t, m.Tree("t2"))
}

// TestNodeRoundTrip checks wire encoding of the node union survives a
// decode/encode cycle.
func TestNodeRoundTrip(t *testing.T) {
	t.Parallel()

	original := &Tree{Name: "collect", Parts: []Node{
		&Tree{Name: "aws", Parts: []Node{
			&Leaf{Name: "eu-central-1", Path: []string{"collect", "aws"}, Current: 50, Total: 100},
		}},
		&Leaf{Name: "gcp", Path: []string{"collect"}, Current: 1, Total: 1},
	}}

	encoded, err := json.Marshal(original)
	require.NoError(t, err)
	decoded, err := Unmarshal(encoded)
	require.NoError(t, err)

	reencoded, err := json.Marshal(decoded)
	require.NoError(t, err)
	require.JSONEq(t, string(encoded), string(reencoded))
}

// TestUnmarshalUnknownKind verifies unknown node kinds are rejected.
func TestUnmarshalUnknownKind(t *testing.T) {
	t.Parallel()

	_, err := Unmarshal([]byte(`{"kind":"gauge","name":"x"}`))
	require.Error(t, err)
}
