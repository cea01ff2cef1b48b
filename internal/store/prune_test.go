package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSoftPruneAndPurge(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	a, b, c := newNode("a"), newNode("b"), newNode("c")
	for _, n := range []*Node{a, b, c} {
		require.NoError(t, db.CreateNode(ctx, n))
	}
	_, err := db.CreateEdge(ctx, &Edge{SourceID: a.ID, TargetID: b.ID, Type: EdgeSemantic, Weight: 1})
	require.NoError(t, err)
	_, err = db.CreateEdge(ctx, &Edge{SourceID: b.ID, TargetID: c.ID, Type: EdgeSemantic, Weight: 1})
	require.NoError(t, err)
	require.NoError(t, db.SaveVector(ctx, a.ID, []float64{1, 0}, "m"))
	require.NoError(t, db.AddInteraction(ctx, &Interaction{NodeID: a.ID, Kind: "view", Strength: 1}))

	nodes, edges, err := db.SoftPruneNodes(ctx, []string{a.ID})
	require.NoError(t, err)
	assert.Equal(t, 1, nodes)
	assert.Equal(t, 1, edges)

	// soft-pruned rows still count toward totals until purged
	stats, err := db.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.TotalNodes)
	assert.Equal(t, 2, stats.ActiveNodes)
	assert.Equal(t, 1, stats.ActiveEdges)

	dangling, err := db.DanglingEdges(ctx)
	require.NoError(t, err)
	assert.Zero(t, dangling)

	res, err := db.Purge(ctx)
	require.NoError(t, err)
	assert.Equal(t, PurgeResult{Nodes: 1, Edges: 1}, res)

	stats, err = db.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.TotalNodes)
	assert.Equal(t, 1, stats.TotalEdges)
	assert.Zero(t, stats.Interactions)

	v, err := db.GetVector(ctx, a.ID)
	require.NoError(t, err)
	assert.Nil(t, v)

	require.NoError(t, db.Vacuum(ctx))
}

func TestPurgeRemovesDanglingEdges(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	a, b := newNode("a"), newNode("b")
	require.NoError(t, db.CreateNode(ctx, a))
	require.NoError(t, db.CreateNode(ctx, b))
	_, err := db.CreateEdge(ctx, &Edge{SourceID: a.ID, TargetID: b.ID, Type: EdgeRelated, Weight: 1})
	require.NoError(t, err)

	// simulate an endpoint vanishing outside the normal paths
	_, err = db.Exec("DELETE FROM nodes WHERE id = ?", b.ID)
	require.NoError(t, err)
	n, err := db.DanglingEdges(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	res, err := db.Purge(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Edges)
	n, err = db.DanglingEdges(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestPruneCandidatesRespectCutoff(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	old := []*Node{newNode("old-low"), newNode("old-high")}
	old[0].RelevanceScore, old[0].CreatedAt = 0.01, 100
	old[1].RelevanceScore, old[1].CreatedAt = 0.9, 100
	recent := newNode("recent-low")
	recent.RelevanceScore, recent.CreatedAt = 0.01, 10_000
	for _, n := range append(old, recent) {
		require.NoError(t, db.CreateNode(ctx, n))
	}

	ids, err := db.LowestRelevanceNodes(ctx, 5_000, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{old[0].ID, old[1].ID}, ids)

	ids, err = db.NodesBelowRelevance(ctx, 0.05, 5_000)
	require.NoError(t, err)
	assert.Equal(t, []string{old[0].ID}, ids)
}

func TestRelevanceDistribution(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	for _, r := range []float64{0.9, 0.75, 0.5, 0.1} {
		n := newNode("n")
		n.RelevanceScore = r
		require.NoError(t, db.CreateNode(ctx, n))
	}
	d, err := db.RelevanceDistribution(ctx, 0.7, 0.3)
	require.NoError(t, err)
	assert.Equal(t, RelevanceDistribution{High: 2, Medium: 1, Low: 1}, d)
}
