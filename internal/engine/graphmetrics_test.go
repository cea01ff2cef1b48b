package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lazypower/memgraph/internal/store"
)

func link(t *testing.T, db *store.DB, a, b *store.Node) {
	t.Helper()
	_, err := db.CreateEdge(context.Background(), &store.Edge{SourceID: a.ID, TargetID: b.ID, Type: store.EdgeRelated, Weight: 1})
	require.NoError(t, err)
}

func TestRecomputeMetrics(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	a, b, c, d := codeNode("a"), codeNode("b"), codeNode("c"), codeNode("d")
	insertNodes(t, db, a, b, c, d)
	link(t, db, a, b)
	link(t, db, b, c)
	link(t, db, c, a)
	link(t, db, a, d)

	n, err := RecomputeMetrics(ctx, db, []string{a.ID})
	require.NoError(t, err)
	assert.Equal(t, 4, n, "a and its three neighbors")

	got, err := db.GetNode(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, got.Degree)
	assert.InDelta(t, 1.0/3.0, got.ClusteringCoefficient, 1e-9)
	assert.InDelta(t, 1.0, got.Centrality, 1e-9)

	got, err = db.GetNode(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.Degree)
	assert.InDelta(t, 1.0, got.ClusteringCoefficient, 1e-9)
	assert.InDelta(t, 2.0/3.0, got.Centrality, 1e-9)

	got, err = db.GetNode(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Degree)
	assert.Zero(t, got.ClusteringCoefficient)
}

func TestRecomputeMetricsEmpty(t *testing.T) {
	n, err := RecomputeMetrics(context.Background(), testDB(t), nil)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestDegreeCentrality(t *testing.T) {
	assert.Zero(t, degreeCentrality(3, 1))
	assert.InDelta(t, 0.5, degreeCentrality(2, 5), 1e-9)
	assert.Equal(t, 1.0, degreeCentrality(10, 5))
}
