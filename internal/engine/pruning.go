package engine

import (
	"context"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/lazypower/memgraph/internal/config"
	apperrors "github.com/lazypower/memgraph/internal/errors"
	"github.com/lazypower/memgraph/internal/store"
)

// PruneResult counts soft-pruned items by cause.
type PruneResult struct {
	NodesPruned      int  `json:"nodesPruned"`
	EdgesPruned      int  `json:"edgesPruned"`
	CapacityNodes    int  `json:"capacityNodes"`
	CapacityEdges    int  `json:"capacityEdges"`
	ThresholdNodes   int  `json:"thresholdNodes"`
	ThresholdEdges   int  `json:"thresholdEdges"`
	OverCapacity     bool `json:"overCapacity"`
	ActiveNodesAfter int  `json:"activeNodesAfter"`
	ActiveEdgesAfter int  `json:"activeEdgesAfter"`
}

// PruningEngine keeps the graph under its ceilings and floors. Items
// created inside the KeepRecent grace period are never pruned, even when
// that leaves the graph over capacity.
type PruningEngine struct {
	db     *store.DB
	cfg    config.PruningConfig
	forget func(ids ...string)
	log    *zap.Logger
	now    func() time.Time
}

// NewPruningEngine validates cfg. forget, if set, is called with the ids of
// pruned nodes so in-memory indexes can drop them.
func NewPruningEngine(db *store.DB, cfg config.PruningConfig, forget func(ids ...string), log *zap.Logger, now func() time.Time) (*PruningEngine, error) {
	if cfg.MaxNodes <= 0 || cfg.MaxEdges <= 0 {
		return nil, apperrors.Config("pruning", "max_nodes and max_edges must be positive")
	}
	if cfg.MinRelevanceThreshold < 0 || cfg.MinRelevanceThreshold > 1 {
		return nil, apperrors.Config("pruning", "min_relevance_threshold must be in [0,1]")
	}
	if now == nil {
		now = time.Now
	}
	return &PruningEngine{db: db, cfg: cfg, forget: forget, log: log, now: now}, nil
}

// graceCutoff is the created_at bound below which items may be pruned.
func (p *PruningEngine) graceCutoff(now time.Time) int64 {
	if p.cfg.KeepRecent <= 0 {
		return math.MaxInt64
	}
	return now.Add(-p.cfg.KeepRecent).UnixMilli()
}

// ShouldPruneNode reports whether n is outside the grace period and below
// the relevance floor.
func (p *PruningEngine) ShouldPruneNode(n *store.Node, now time.Time) bool {
	if n.IsPruned || n.CreatedAt >= p.graceCutoff(now) {
		return false
	}
	return n.RelevanceScore < p.cfg.MinRelevanceThreshold
}

// ShouldPruneEdge is ShouldPruneNode for edges.
func (p *PruningEngine) ShouldPruneEdge(e *store.Edge, now time.Time) bool {
	if e.IsPruned || e.CreatedAt >= p.graceCutoff(now) {
		return false
	}
	return e.RelevanceScore < p.cfg.MinRelevanceThreshold
}

// PruneGraph evicts lowest-relevance items while over capacity, then sweeps
// items under the relevance floor. Everything is a soft prune; a later
// purge removes rows.
func (p *PruningEngine) PruneGraph(ctx context.Context) (PruneResult, error) {
	var res PruneResult
	cutoff := p.graceCutoff(p.now())

	nodes, edges, err := p.db.CountActive(ctx)
	if err != nil {
		return res, err
	}

	if excess := nodes - p.cfg.MaxNodes; excess > 0 {
		ids, err := p.db.LowestRelevanceNodes(ctx, cutoff, excess)
		if err != nil {
			return res, err
		}
		n, e, err := p.pruneNodes(ctx, ids)
		if err != nil {
			return res, err
		}
		res.CapacityNodes, res.EdgesPruned = n, e
		if n < excess {
			res.OverCapacity = true
		}
	}

	if _, edges, err = p.db.CountActive(ctx); err != nil {
		return res, err
	}
	if excess := edges - p.cfg.MaxEdges; excess > 0 {
		ids, err := p.db.LowestRelevanceEdges(ctx, cutoff, excess)
		if err != nil {
			return res, err
		}
		n, err := p.db.SoftPruneEdges(ctx, ids)
		if err != nil {
			return res, err
		}
		res.CapacityEdges = n
		if n < excess {
			res.OverCapacity = true
		}
	}

	ids, err := p.db.NodesBelowRelevance(ctx, p.cfg.MinRelevanceThreshold, cutoff)
	if err != nil {
		return res, err
	}
	n, e, err := p.pruneNodes(ctx, ids)
	if err != nil {
		return res, err
	}
	res.ThresholdNodes = n
	res.EdgesPruned += e

	edgeIDs, err := p.db.EdgesBelowRelevance(ctx, p.cfg.MinRelevanceThreshold, cutoff)
	if err != nil {
		return res, err
	}
	if res.ThresholdEdges, err = p.db.SoftPruneEdges(ctx, edgeIDs); err != nil {
		return res, err
	}

	res.NodesPruned = res.CapacityNodes + res.ThresholdNodes
	res.EdgesPruned += res.CapacityEdges + res.ThresholdEdges
	if res.ActiveNodesAfter, res.ActiveEdgesAfter, err = p.db.CountActive(ctx); err != nil {
		return res, err
	}
	if res.OverCapacity {
		p.log.Warn("graph over capacity; remaining items are inside the grace period",
			zap.Int("nodes", res.ActiveNodesAfter), zap.Int("max_nodes", p.cfg.MaxNodes),
			zap.Int("edges", res.ActiveEdgesAfter), zap.Int("max_edges", p.cfg.MaxEdges),
			zap.Duration("keep_recent", p.cfg.KeepRecent))
	}
	return res, nil
}

func (p *PruningEngine) pruneNodes(ctx context.Context, ids []string) (nodes, edges int, err error) {
	if len(ids) == 0 {
		return 0, 0, nil
	}
	nodes, edges, err = p.db.SoftPruneNodes(ctx, ids)
	if err != nil {
		return 0, 0, err
	}
	if p.forget != nil {
		p.forget(ids...)
	}
	return nodes, edges, nil
}
