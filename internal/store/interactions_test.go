package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInteractions(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	a, b := newNode("a"), newNode("b")
	require.NoError(t, db.CreateNode(ctx, a))
	require.NoError(t, db.CreateNode(ctx, b))

	require.NoError(t, db.AddInteraction(ctx, &Interaction{NodeID: a.ID, SessionID: "s1", Kind: "view", Strength: 2, CreatedAt: 100}))
	require.NoError(t, db.AddInteraction(ctx, &Interaction{NodeID: a.ID, SessionID: "s1", Kind: "click", Strength: 1, CreatedAt: 200}))
	require.NoError(t, db.AddInteraction(ctx, &Interaction{NodeID: b.ID, Kind: "view", Strength: 1, CreatedAt: 300}))

	got, err := db.InteractionsForNode(ctx, a.ID)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "click", got[0].Kind)

	grouped, err := db.InteractionsForNodes(ctx, []string{a.ID, b.ID, "none"})
	require.NoError(t, err)
	assert.Len(t, grouped[a.ID], 2)
	assert.Len(t, grouped[b.ID], 1)
	assert.Empty(t, grouped["none"])

	recent, err := db.RecentInteractions(ctx, 1)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, b.ID, recent[0].NodeID)
}

func TestResolveNodeID(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	n := newNode("from event")
	_, err := db.Batch(ctx, []BatchOp{{Kind: OpCreateNode, Node: n, EventID: "evt-42"}})
	require.NoError(t, err)

	id, err := db.ResolveNodeID(ctx, n.ID)
	require.NoError(t, err)
	assert.Equal(t, n.ID, id)

	id, err = db.ResolveNodeID(ctx, "evt-42")
	require.NoError(t, err)
	assert.Equal(t, n.ID, id)

	id, err = db.ResolveNodeID(ctx, "unknown")
	require.NoError(t, err)
	assert.Empty(t, id)
}
