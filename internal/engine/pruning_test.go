package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lazypower/memgraph/internal/config"
	apperrors "github.com/lazypower/memgraph/internal/errors"
	"github.com/lazypower/memgraph/internal/store"
)

func newTestPruning(t *testing.T, db *store.DB, clock *testClock, forget func(...string), mutate func(*config.PruningConfig)) *PruningEngine {
	t.Helper()
	cfg := config.Default().Pruning
	if mutate != nil {
		mutate(&cfg)
	}
	p, err := NewPruningEngine(db, cfg, forget, zap.NewNop(), clock.Now)
	require.NoError(t, err)
	return p
}

func scoredNode(content string, relevance float64) *store.Node {
	n := codeNode(content)
	n.RelevanceScore = relevance
	return n
}

func TestPruneNodeCeiling(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	var forgotten []string
	p := newTestPruning(t, db, newTestClock(time.Now()), func(ids ...string) { forgotten = append(forgotten, ids...) },
		func(c *config.PruningConfig) {
			c.MaxNodes = 3
			c.KeepRecent = 0
		})

	nodes := []*store.Node{
		scoredNode("n90", 0.9), scoredNode("n80", 0.8), scoredNode("n70", 0.7),
		scoredNode("n60", 0.6), scoredNode("n50", 0.5),
	}
	insertNodes(t, db, nodes...)
	link(t, db, nodes[0], nodes[4])
	link(t, db, nodes[0], nodes[1])

	res, err := p.PruneGraph(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.CapacityNodes)
	assert.Equal(t, 2, res.NodesPruned)
	assert.Equal(t, 1, res.EdgesPruned, "edge to a pruned node goes with it")
	assert.Equal(t, 3, res.ActiveNodesAfter)
	assert.Equal(t, 1, res.ActiveEdgesAfter)
	assert.False(t, res.OverCapacity)
	assert.ElementsMatch(t, []string{nodes[3].ID, nodes[4].ID}, forgotten)

	dangling, err := db.DanglingEdges(ctx)
	require.NoError(t, err)
	assert.Zero(t, dangling)
}

func TestPruneEdgeCeiling(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	p := newTestPruning(t, db, newTestClock(time.Now()), nil, func(c *config.PruningConfig) {
		c.MaxEdges = 1
		c.KeepRecent = 0
	})
	a, b, c := scoredNode("a", 0.9), scoredNode("b", 0.9), scoredNode("c", 0.9)
	insertNodes(t, db, a, b, c)
	link(t, db, a, b)
	link(t, db, b, c)
	link(t, db, c, a)

	res, err := p.PruneGraph(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.CapacityEdges)
	assert.Equal(t, 1, res.ActiveEdgesAfter)
	assert.Zero(t, res.NodesPruned)
}

func TestPruneRelevanceFloor(t *testing.T) {
	db := testDB(t)
	p := newTestPruning(t, db, newTestClock(time.Now()), nil, func(c *config.PruningConfig) { c.KeepRecent = 0 })
	keep, drop := scoredNode("keep", 0.5), scoredNode("drop", 0.01)
	insertNodes(t, db, keep, drop)

	res, err := p.PruneGraph(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.ThresholdNodes)
	got, err := db.GetNode(context.Background(), drop.ID)
	require.NoError(t, err)
	assert.True(t, got.IsPruned)
}

func TestPruneGracePeriodWins(t *testing.T) {
	db := testDB(t)
	p := newTestPruning(t, db, newTestClock(time.Now()), nil, func(c *config.PruningConfig) {
		c.MaxNodes = 1
		c.KeepRecent = time.Hour
	})
	insertNodes(t, db, scoredNode("a", 0.01), scoredNode("b", 0.5), scoredNode("c", 0.9))

	res, err := p.PruneGraph(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.NodesPruned)
	assert.True(t, res.OverCapacity)
	assert.Equal(t, 3, res.ActiveNodesAfter)
}

func TestShouldPrune(t *testing.T) {
	clock := newTestClock(epoch)
	p := newTestPruning(t, nil, clock, nil, nil)
	now := clock.Now()
	old := millis(now.Add(-48 * time.Hour))
	recent := millis(now.Add(-time.Hour))

	assert.True(t, p.ShouldPruneNode(&store.Node{RelevanceScore: 0.01, CreatedAt: old}, now))
	assert.False(t, p.ShouldPruneNode(&store.Node{RelevanceScore: 0.01, CreatedAt: recent}, now))
	assert.False(t, p.ShouldPruneNode(&store.Node{RelevanceScore: 0.5, CreatedAt: old}, now))
	assert.False(t, p.ShouldPruneNode(&store.Node{RelevanceScore: 0.01, CreatedAt: old, IsPruned: true}, now))
	assert.True(t, p.ShouldPruneEdge(&store.Edge{RelevanceScore: 0.01, CreatedAt: old}, now))
}

func TestNewPruningEngineValidates(t *testing.T) {
	cfg := config.Default().Pruning
	cfg.MaxNodes = 0
	_, err := NewPruningEngine(nil, cfg, nil, zap.NewNop(), nil)
	assert.True(t, apperrors.IsConfig(err))
}
