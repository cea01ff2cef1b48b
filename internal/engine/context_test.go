package engine

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lazypower/memgraph/internal/config"
	apperrors "github.com/lazypower/memgraph/internal/errors"
	"github.com/lazypower/memgraph/internal/store"
)

func newTestContext(t *testing.T, clock *testClock, mutate func(*config.ContextConfig)) *ContextManager {
	t.Helper()
	cfg := config.Default().Context
	if mutate != nil {
		mutate(&cfg)
	}
	s := newTestSemantic(t, testDB(t), nil)
	m, err := NewContextManager(cfg, s, zap.NewNop(), clock.Now)
	require.NoError(t, err)
	return m
}

func scored(id, content string, score float64) ScoredNode {
	return ScoredNode{Node: store.Node{ID: id, Type: store.NodeActivity, Content: content}, Score: score}
}

func TestNewContextManagerRejectsBadSizes(t *testing.T) {
	cfg := config.Default().Context
	cfg.MaxRecentNodes = 0
	_, err := NewContextManager(cfg, nil, zap.NewNop(), nil)
	assert.True(t, apperrors.IsConfig(err))
}

func TestContextCapsWindows(t *testing.T) {
	clock := newTestClock(epoch)
	m := newTestContext(t, clock, func(c *config.ContextConfig) {
		c.MaxRecentNodes = 3
		c.MaxQueryHistory = 2
		c.MaxRelevantNodes = 4
	})

	for i := range 10 {
		m.UpdateContextWithInteraction("s1", ContextUpdate{
			Kind:  ContextNodeAccess,
			Nodes: []ScoredNode{scored(fmt.Sprintf("n%d", i), "x", 0.5+float64(i)/100)},
		})
		m.UpdateContextWithInteraction("s1", ContextUpdate{Kind: ContextQuery, Query: fmt.Sprintf("q%d", i)})
	}

	sc := m.GetRelevantContext(context.Background(), "s1")
	require.Len(t, sc.RecentNodes, 3)
	assert.Equal(t, "n9", sc.RecentNodes[0].ID, "most recent first")
	assert.Len(t, sc.RelevantNodes, 4)
	assert.Equal(t, []string{"q8", "q9"}, m.RecentQueries("s1"))
	assert.Len(t, sc.QueryHistory, 2)
}

func TestContextRelevanceFilter(t *testing.T) {
	clock := newTestClock(epoch)
	m := newTestContext(t, clock, nil)
	ctx := context.Background()

	m.UpdateContextWithInteraction("s1", ContextUpdate{Kind: ContextQuery, Query: "kubernetes deployment"})
	m.UpdateContextWithInteraction("s1", ContextUpdate{
		Kind: ContextRecommendation,
		Nodes: []ScoredNode{
			scored("high", "lunch menu", 0.9),
			scored("low", "weather report", 0.1),
			scored("match", "kubernetes deployment rollout", 0.1),
		},
	})

	sc := m.GetRelevantContext(ctx, "s1")
	ids := make([]string, len(sc.RelevantNodes))
	for i, n := range sc.RelevantNodes {
		ids[i] = n.ID
	}
	assert.ElementsMatch(t, []string{"high", "match"}, ids)

	clock.Advance(3 * time.Hour)
	sc = m.GetRelevantContext(ctx, "s1")
	assert.Empty(t, sc.RelevantNodes, "outside the time range")
	assert.NotNil(t, sc.RecentNodes)
}

func TestContextRecentBoostFades(t *testing.T) {
	clock := newTestClock(epoch)
	m := newTestContext(t, clock, nil)

	m.UpdateContextWithInteraction("s1", ContextUpdate{Kind: ContextNodeAccess, Nodes: []ScoredNode{scored("a", "x", 0.5)}})
	boost := m.RecentBoost("s1")
	assert.InDelta(t, 0.15, boost("a"), 1e-9)
	assert.Zero(t, boost("b"))

	clock.Advance(150 * time.Second)
	assert.InDelta(t, 0.075, m.RecentBoost("s1")("a"), 1e-9)

	clock.Advance(10 * time.Minute)
	assert.Zero(t, m.RecentBoost("s1")("a"))
	assert.Zero(t, m.RecentBoost("unknown")("a"))
}

func TestBoostRecentInteractionsReorders(t *testing.T) {
	clock := newTestClock(epoch)
	m := newTestContext(t, clock, nil)
	m.UpdateContextWithInteraction("s1", ContextUpdate{Kind: ContextNodeAccess, Nodes: []ScoredNode{scored("b", "x", 0.5)}})

	got := m.BoostRecentInteractions("s1", []ScoredNode{scored("a", "x", 0.6), scored("b", "x", 0.5), scored("c", "x", 0.95)})
	assert.Equal(t, "c", got[0].ID)
	assert.Equal(t, "b", got[1].ID)
	assert.InDelta(t, 0.65, got[1].Score, 1e-9)

	capped := m.BoostRecentInteractions("s1", []ScoredNode{scored("b", "x", 0.95)})
	assert.Equal(t, 1.0, capped[0].Score)
}

func TestContextSessionLifecycle(t *testing.T) {
	clock := newTestClock(epoch)
	m := newTestContext(t, clock, nil)

	m.UpdateContextWithInteraction("", ContextUpdate{Kind: ContextQuery, Query: "ignored"})
	assert.Zero(t, m.Sessions())

	m.UpdateContextWithInteraction("old", ContextUpdate{Kind: ContextQuery, Query: "a"})
	clock.Advance(13 * time.Hour)
	m.UpdateContextWithInteraction("fresh", ContextUpdate{Kind: ContextQuery, Query: "b"})
	assert.Equal(t, 2, m.Sessions())

	assert.Equal(t, 1, m.Cleanup())
	assert.Equal(t, 1, m.Sessions())
	assert.Empty(t, m.RecentQueries("old"))

	m.EndSession("fresh")
	assert.Zero(t, m.Sessions())
	sc := m.GetRelevantContext(context.Background(), "fresh")
	assert.Empty(t, sc.RelevantNodes)
	assert.NotNil(t, sc.QueryHistory)
}

func TestContextEdges(t *testing.T) {
	clock := newTestClock(epoch)
	m := newTestContext(t, clock, func(c *config.ContextConfig) { c.MaxRecentEdges = 2 })
	for i := range 4 {
		m.UpdateContextWithInteraction("s1", ContextUpdate{
			Kind:  ContextQuery,
			Edges: []store.Edge{{ID: fmt.Sprintf("e%d", i), SourceID: "a", TargetID: "b"}},
		})
	}
	sc := m.GetRelevantContext(context.Background(), "s1")
	require.Len(t, sc.RecentEdges, 2)
	assert.Equal(t, "e3", sc.RecentEdges[0].ID)
	assert.Len(t, sc.RelevantEdges, 4)
}
