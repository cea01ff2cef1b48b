package engine

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lazypower/memgraph/internal/config"
	apperrors "github.com/lazypower/memgraph/internal/errors"
	"github.com/lazypower/memgraph/internal/store"
)

func newTestDecay(t *testing.T, db *store.DB, clock *testClock, mutate func(*config.DecayConfig)) *DecayEngine {
	t.Helper()
	cfg := config.Default().Decay
	if mutate != nil {
		mutate(&cfg)
	}
	d, err := NewDecayEngine(db, cfg, zap.NewNop(), clock.Now)
	require.NoError(t, err)
	return d
}

func TestDecayFactor(t *testing.T) {
	clock := newTestClock(epoch)
	now := clock.Now()

	exp := newTestDecay(t, nil, clock, nil)
	assert.Equal(t, 1.0, exp.Factor(millis(now), now))
	assert.Equal(t, 1.0, exp.Factor(millis(now.Add(time.Hour)), now), "future timestamps do not decay")
	assert.InDelta(t, math.Exp(-0.5), exp.Factor(millis(now.Add(-10*day)), now), 1e-9)
	assert.Zero(t, exp.Factor(millis(now.Add(-91*day)), now))

	lin := newTestDecay(t, nil, clock, func(c *config.DecayConfig) { c.Function = "linear" })
	assert.InDelta(t, 0.5, lin.Factor(millis(now.Add(-10*day)), now), 1e-9)
	assert.Zero(t, lin.Factor(millis(now.Add(-30*day)), now))

	pow := newTestDecay(t, nil, clock, func(c *config.DecayConfig) { c.Function = "power" })
	assert.InDelta(t, math.Pow(11, -0.05), pow.Factor(millis(now.Add(-10*day)), now), 1e-9)
}

func TestNewDecayEngineRejectsUnknownFunction(t *testing.T) {
	cfg := config.Default().Decay
	cfg.Function = "sigmoid"
	_, err := NewDecayEngine(nil, cfg, zap.NewNop(), nil)
	assert.True(t, apperrors.IsConfig(err))
}

func TestApplyDecayIsMonotonicAndIdempotent(t *testing.T) {
	// Edges are stamped with the wall clock, so the test clock starts there.
	clock := newTestClock(time.Now())
	db := testDB(t)
	d := newTestDecay(t, db, clock, nil)
	ctx := context.Background()

	a, b := codeNode("a"), codeNode("b")
	a.Timestamp, b.Timestamp = millis(clock.Now()), millis(clock.Now())
	insertNodes(t, db, a, b)
	link(t, db, a, b)

	clock.Advance(10 * day)
	res, err := d.ApplyDecay(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, 2, res.NodesDecayed)
	assert.Equal(t, 1, res.EdgesDecayed)

	got, err := db.GetNode(ctx, a.ID)
	require.NoError(t, err)
	assert.InDelta(t, math.Exp(-0.5), got.DecayFactor, 1e-9)
	assert.InDelta(t, math.Exp(-0.5), got.RelevanceScore, 1e-9)
	first := got.RelevanceScore

	res, err = d.ApplyDecay(ctx, true)
	require.NoError(t, err)
	assert.Zero(t, res.NodesDecayed, "same clock, nothing changes")

	clock.Advance(5 * day)
	_, err = d.ApplyDecay(ctx, true)
	require.NoError(t, err)
	got, err = db.GetNode(ctx, a.ID)
	require.NoError(t, err)
	assert.Less(t, got.RelevanceScore, first)
	assert.InDelta(t, math.Exp(-0.75), got.RelevanceScore, 1e-9)

	edges, err := db.EdgesForNode(ctx, a.ID)
	require.NoError(t, err)
	require.Len(t, edges, 1)
	assert.InDelta(t, math.Exp(-0.75), edges[0].RelevanceScore, 1e-6)
}

func TestApplyDecayRespectsInterval(t *testing.T) {
	clock := newTestClock(epoch)
	d := newTestDecay(t, testDB(t), clock, nil)
	ctx := context.Background()

	res, err := d.ApplyDecay(ctx, false)
	require.NoError(t, err)
	assert.False(t, res.Skipped)

	res, err = d.ApplyDecay(ctx, false)
	require.NoError(t, err)
	assert.True(t, res.Skipped)

	res, err = d.ApplyDecay(ctx, true)
	require.NoError(t, err)
	assert.False(t, res.Skipped)
}

func TestApplyDecayMarksExpiredCandidates(t *testing.T) {
	clock := newTestClock(epoch)
	db := testDB(t)
	d := newTestDecay(t, db, clock, nil)
	ctx := context.Background()

	old := codeNode("ancient")
	old.Timestamp = millis(clock.Now().Add(-100 * day))
	insertNodes(t, db, old)

	res, err := d.ApplyDecay(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Candidates)
	got, err := db.GetNode(ctx, old.ID)
	require.NoError(t, err)
	assert.Zero(t, got.DecayFactor)
	assert.Zero(t, got.RelevanceScore)
	assert.False(t, got.IsPruned, "decay never prunes")
}

func TestBoostNodeOnAccess(t *testing.T) {
	clock := newTestClock(epoch)
	db := testDB(t)
	d := newTestDecay(t, db, clock, nil)
	ctx := context.Background()

	n := codeNode("x")
	n.Timestamp = millis(clock.Now().Add(-10 * day))
	insertNodes(t, db, n)
	_, err := d.ApplyDecay(ctx, true)
	require.NoError(t, err)

	ok, err := d.BoostNodeOnAccess(ctx, n.ID)
	require.NoError(t, err)
	assert.True(t, ok)
	got, err := db.GetNode(ctx, n.ID)
	require.NoError(t, err)
	assert.InDelta(t, math.Exp(-0.5)+0.2, got.DecayFactor, 1e-9)
	assert.InDelta(t, got.DecayFactor, got.RelevanceScore, 1e-9)

	ok, err = d.BoostNodeOnAccess(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)
}
