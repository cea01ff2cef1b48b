package engine

import (
	"context"
	"math"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/lazypower/memgraph/internal/config"
	apperrors "github.com/lazypower/memgraph/internal/errors"
	"github.com/lazypower/memgraph/internal/store"
)

// DecayFunc maps days since last touch to a factor in [0,1]; f(0) = 1 and
// f is non-increasing.
type DecayFunc func(days, rate float64) float64

var decayFunctions = map[string]DecayFunc{
	"exponential": func(days, rate float64) float64 { return math.Exp(-rate * days) },
	"linear":      func(days, rate float64) float64 { return math.Max(0, 1-rate*days) },
	"power":       func(days, rate float64) float64 { return math.Pow(1+days, -rate) },
}

// DecayResult counts what one decay pass changed.
type DecayResult struct {
	NodesDecayed int  `json:"nodesDecayed"`
	EdgesDecayed int  `json:"edgesDecayed"`
	Candidates   int  `json:"pruneCandidates"`
	Conflicts    int  `json:"conflicts"`
	Skipped      bool `json:"skipped"`
}

// DecayEngine erodes relevance as time passes without interaction.
//
// A node's relevance carries its decay factor as a multiplier, so a pass
// rescales relevance by newFactor/oldFactor and stays idempotent for a
// fixed clock. Nodes past MaxAge get factor 0, which makes them pruning
// candidates; this engine never removes anything.
type DecayEngine struct {
	db        *store.DB
	cfg       config.DecayConfig
	fn        DecayFunc
	sometimes *rate.Sometimes
	log       *zap.Logger
	now       func() time.Time
}

func NewDecayEngine(db *store.DB, cfg config.DecayConfig, log *zap.Logger, now func() time.Time) (*DecayEngine, error) {
	fn, ok := decayFunctions[cfg.Function]
	if !ok {
		return nil, apperrors.Config("decay.function", "unknown decay function %q", cfg.Function)
	}
	if cfg.Rate <= 0 || cfg.BatchSize <= 0 || cfg.Interval <= 0 {
		return nil, apperrors.Config("decay", "rate, batch_size and interval must be positive")
	}
	if now == nil {
		now = time.Now
	}
	return &DecayEngine{
		db:        db,
		cfg:       cfg,
		fn:        fn,
		sometimes: &rate.Sometimes{Interval: cfg.Interval},
		log:       log,
		now:       now,
	}, nil
}

// Factor returns the decay factor for a node last touched at lastTouched.
func (d *DecayEngine) Factor(lastTouched int64, now time.Time) float64 {
	age := now.Sub(time.UnixMilli(lastTouched))
	if age <= 0 {
		return 1
	}
	if age > d.cfg.MaxAge {
		return 0
	}
	return store.Clamp01(d.fn(age.Hours()/24, d.cfg.Rate))
}

// ApplyDecay runs one pass over all active nodes and edges. Without force
// it runs at most once per configured interval and otherwise reports
// Skipped.
func (d *DecayEngine) ApplyDecay(ctx context.Context, force bool) (DecayResult, error) {
	due := force
	if !force {
		d.sometimes.Do(func() { due = true })
	}
	if !due {
		return DecayResult{Skipped: true}, nil
	}

	var res DecayResult
	if err := d.decayNodes(ctx, &res); err != nil {
		return res, err
	}
	if err := d.decayEdges(ctx, &res); err != nil {
		return res, err
	}
	d.log.Debug("decay applied",
		zap.Int("nodes", res.NodesDecayed), zap.Int("edges", res.EdgesDecayed),
		zap.Int("candidates", res.Candidates), zap.Int("conflicts", res.Conflicts))
	return res, nil
}

func (d *DecayEngine) decayNodes(ctx context.Context, res *DecayResult) error {
	now := d.now()
	after := ""
	for {
		if err := ctx.Err(); err != nil {
			return apperrors.Timeout("decay", err)
		}
		page, err := d.db.ActiveNodesPage(ctx, after, d.cfg.BatchSize)
		if err != nil {
			return err
		}
		if len(page) == 0 {
			return nil
		}
		after = page[len(page)-1].ID

		var updates []store.ScoreUpdate
		for i := range page {
			n := &page[i]
			factor := d.Factor(n.LastTouched(), now)
			rel := rescale(n.RelevanceScore, n.DecayFactor, factor)
			if rel < d.cfg.MinRelevanceThreshold || factor == 0 {
				res.Candidates++
			}
			if math.Abs(factor-n.DecayFactor) < 1e-9 && math.Abs(rel-n.RelevanceScore) < 1e-9 {
				continue
			}
			updates = append(updates, store.ScoreUpdate{
				ID:          n.ID,
				Relevance:   rel,
				DecayFactor: factor,
				DecayedAt:   now.UnixMilli(),
				Version:     n.Version,
			})
		}
		updated, conflicts, err := d.db.UpdateNodeScores(ctx, updates)
		if err != nil {
			return err
		}
		res.NodesDecayed += updated
		res.Conflicts += conflicts
	}
}

// rescale moves relevance from one decay factor to another.
func rescale(relevance, oldFactor, newFactor float64) float64 {
	if oldFactor <= 0 {
		return 0
	}
	return store.Clamp01(relevance * newFactor / oldFactor)
}

// decayEdges applies the decay function over the time since each edge was
// last decayed. For the exponential function repeated passes compose
// exactly.
func (d *DecayEngine) decayEdges(ctx context.Context, res *DecayResult) error {
	now := d.now()
	after := ""
	for {
		if err := ctx.Err(); err != nil {
			return apperrors.Timeout("decay", err)
		}
		page, err := d.db.ActiveEdgesPage(ctx, after, d.cfg.BatchSize)
		if err != nil {
			return err
		}
		if len(page) == 0 {
			return nil
		}
		after = page[len(page)-1].ID

		var updates []store.EdgeScoreUpdate
		for _, e := range page {
			since := e.CreatedAt
			if e.DecayedAt != nil {
				since = *e.DecayedAt
			}
			elapsed := now.Sub(time.UnixMilli(since))
			if elapsed <= 0 {
				continue
			}
			factor := store.Clamp01(d.fn(elapsed.Hours()/24, d.cfg.Rate))
			updates = append(updates, store.EdgeScoreUpdate{
				ID:        e.ID,
				Relevance: e.RelevanceScore * factor,
				DecayedAt: now.UnixMilli(),
			})
		}
		n, err := d.db.UpdateEdgeScores(ctx, updates)
		if err != nil {
			return err
		}
		res.EdgesDecayed += n
	}
}

// BoostNodeOnAccess raises a node's decay factor by AccessBoost, capped at
// 1, and rescales its relevance to match. It reports false for unknown or
// pruned nodes.
func (d *DecayEngine) BoostNodeOnAccess(ctx context.Context, id string) (bool, error) {
	for attempt := 0; attempt < 3; attempt++ {
		n, err := d.db.GetNode(ctx, id)
		if err != nil {
			return false, err
		}
		if n == nil || n.IsPruned {
			return false, nil
		}
		old := math.Max(0, n.DecayFactor)
		factor := math.Min(1, old+d.cfg.AccessBoost)
		rel := n.RelevanceScore
		if old > 0 {
			rel = rescale(n.RelevanceScore, old, factor)
		}
		updated, _, err := d.db.UpdateNodeScores(ctx, []store.ScoreUpdate{{
			ID: n.ID, Relevance: rel, DecayFactor: factor, Version: n.Version,
		}})
		if err != nil {
			return false, err
		}
		if updated == 1 {
			return true, nil
		}
	}
	return false, nil
}
