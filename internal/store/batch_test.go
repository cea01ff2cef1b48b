package store

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/lazypower/memgraph/internal/errors"
)

func TestBatchPartialFailure(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	a, b := newNode("a"), newNode("b")
	ops := []BatchOp{
		{Kind: OpCreateNode, Node: a, EventID: "evt-a"},
		{Kind: OpCreateNode, Node: b, EventID: "evt-b"},
		{Kind: OpCreateNode, Node: newNode("dup"), EventID: "evt-a"},
		{Kind: OpCreateEdge, Edge: &Edge{SourceID: a.ID, TargetID: "ghost", Type: EdgeSemantic}},
		{Kind: OpDeleteNode, ID: "never-existed"},
		{Kind: OpCreateNode, Node: &Node{Type: NodeType(200)}},
	}
	// a.ID is assigned during the batch; the edge above targets a ghost so it fails regardless.
	res, err := db.Batch(ctx, ops)
	require.NoError(t, err)
	assert.Equal(t, 2, res.NodesAffected)
	require.Len(t, res.Errors, 4)

	assert.True(t, errors.Is(res.Errors[0], ErrDuplicateEvent))
	assert.Equal(t, 2, res.Errors[0].Index)
	assert.True(t, errors.Is(res.Errors[1], ErrDanglingEdge))
	assert.True(t, apperrors.IsNotFound(res.Errors[2].Err))
	assert.True(t, errors.Is(res.Errors[3], ErrInvalidNode))

	// the duplicate's node insert was rolled back with its savepoint
	nodes, edges, err := db.CountActive(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, nodes)
	assert.Equal(t, 0, edges)

	id, err := db.NodeForEvent(ctx, "evt-b")
	require.NoError(t, err)
	assert.Equal(t, b.ID, id)
}

func TestBatchNodesThenEdges(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	a := &Node{ID: "node-a", Type: NodeProject, Content: "a"}
	b := &Node{ID: "node-b", Type: NodeCode, Content: "b"}
	res, err := db.Batch(ctx, []BatchOp{
		{Kind: OpCreateNode, Node: a},
		{Kind: OpCreateNode, Node: b},
		{Kind: OpCreateEdge, Edge: &Edge{SourceID: "node-a", TargetID: "node-b", Type: EdgeContains, Weight: 1}},
	})
	require.NoError(t, err)
	assert.Empty(t, res.Errors)
	assert.Equal(t, 2, res.NodesAffected)
	assert.Equal(t, 1, res.EdgesAffected)
}

func TestBatchMapEvent(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	a := &Node{ID: "node-a", Type: NodeProject, Content: "a"}
	require.NoError(t, db.CreateNode(ctx, a))

	res, err := db.Batch(ctx, []BatchOp{
		{Kind: OpMapEvent, ID: "node-a", EventID: "ev-1"},
		{Kind: OpMapEvent, ID: "ghost", EventID: "ev-2"},
		{Kind: OpMapEvent, ID: "node-a", EventID: "ev-1"},
	})
	require.NoError(t, err)
	require.Len(t, res.Errors, 2)
	assert.True(t, apperrors.IsNotFound(res.Errors[0].Err))
	assert.ErrorIs(t, res.Errors[1], ErrDuplicateEvent)

	id, err := db.NodeForEvent(ctx, "ev-1")
	require.NoError(t, err)
	assert.Equal(t, "node-a", id)
	events, err := db.AllEventNodes(ctx)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, EventNode{EventID: "ev-1", NodeID: "node-a", CreatedAt: events[0].CreatedAt}, events[0])
}

func TestBatchVersionConflict(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	n := newNode("x")
	require.NoError(t, db.CreateNode(ctx, n))

	stale := *n
	stale.Version = 7
	res, err := db.Batch(ctx, []BatchOp{{Kind: OpUpdateNode, Node: &stale}})
	require.NoError(t, err)
	require.Len(t, res.Errors, 1)
	assert.True(t, IsConflict(res.Errors[0].Err))
}

func TestBatchLarge(t *testing.T) {
	db := testDB(t)
	ops := make([]BatchOp, 1000)
	for i := range ops {
		ops[i] = BatchOp{Kind: OpCreateNode, Node: newNode(fmt.Sprintf("event %d", i)), EventID: fmt.Sprintf("e%d", i)}
	}
	res, err := db.Batch(context.Background(), ops)
	require.NoError(t, err)
	assert.Equal(t, 1000, res.NodesAffected)
	assert.Empty(t, res.Errors)
}

func TestBatchCanceledContext(t *testing.T) {
	db := testDB(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := db.Batch(ctx, []BatchOp{{Kind: OpCreateNode, Node: newNode("x")}})
	require.Error(t, err)

	nodes, _, err := db.CountActive(context.Background())
	require.NoError(t, err)
	assert.Zero(t, nodes)
}
