package engine

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lazypower/memgraph/internal/config"
	"github.com/lazypower/memgraph/internal/store"
)

const clusterTag = "temporal_cluster"

// Window is a half-open time range [Start, End) in unix milliseconds.
type Window struct {
	Start int64 `json:"start"`
	End   int64 `json:"end"`
}

// ClusterResult summarizes one clustering run.
type ClusterResult struct {
	Windows         int      `json:"windows"`
	ClustersCreated int      `json:"clustersCreated"`
	NodesClustered  int      `json:"nodesClustered"`
	EdgesCreated    int      `json:"edgesCreated"`
	WindowErrors    int      `json:"windowErrors"`
	ClusterIDs      []string `json:"clusterIds,omitempty"`
}

// ClusteringEngine groups co-occurring nodes into Cluster nodes. Windows
// are scored concurrently; clusters are written one at a time so a node
// joins at most one cluster.
type ClusteringEngine struct {
	db     *store.DB
	cfg    config.ClusteringConfig
	scorer EdgeScorer
	log    *zap.Logger
	now    func() time.Time

	// mu serializes runs so overlapping ingests cannot cluster the same
	// nodes twice.
	mu sync.Mutex
}

func NewClusteringEngine(db *store.DB, cfg config.ClusteringConfig, scorer EdgeScorer, log *zap.Logger, now func() time.Time) (*ClusteringEngine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if now == nil {
		now = time.Now
	}
	return &ClusteringEngine{db: db, cfg: cfg, scorer: scorer, log: log, now: now}, nil
}

// GenerateWindows covers [start, end] with windows of WindowSize that
// advance by WindowSize - Overlap.
func (c *ClusteringEngine) GenerateWindows(start, end int64) []Window {
	size := c.cfg.WindowSize.Milliseconds()
	step := (c.cfg.WindowSize - c.cfg.Overlap).Milliseconds()
	if size <= 0 || step <= 0 || end < start {
		return nil
	}
	var out []Window
	for s := start; ; s += step {
		out = append(out, Window{Start: s, End: s + size})
		if s+size > end {
			break
		}
	}
	return out
}

// clusterNode caches the features used for pairwise similarity.
type clusterNode struct {
	node  *store.Node
	terms termSet
}

// Similarity is the weighted blend of temporal proximity, keyword overlap
// and metadata agreement, in [0,1].
func (c *ClusteringEngine) Similarity(a, b *store.Node) float64 {
	return c.similarity(
		clusterNode{node: a, terms: newTermSet(keywords(a.Content))},
		clusterNode{node: b, terms: newTermSet(keywords(b.Content))},
	)
}

func (c *ClusteringEngine) similarity(a, b clusterNode) float64 {
	total := c.cfg.TemporalWeight + c.cfg.ContentWeight + c.cfg.MetadataWeight
	s := c.cfg.TemporalWeight*c.temporalProximity(a.node.Timestamp, b.node.Timestamp) +
		c.cfg.ContentWeight*jaccard(a.terms, b.terms) +
		c.cfg.MetadataWeight*metadataSimilarity(a.node.Metadata, b.node.Metadata)
	return store.Clamp01(s / total)
}

// temporalProximity decays with the gap between two timestamps on a scale
// of one twelfth of the window.
func (c *ClusteringEngine) temporalProximity(a, b int64) float64 {
	scale := float64(c.cfg.WindowSize.Milliseconds()) / 12
	gap := math.Abs(float64(a - b))
	return math.Exp(-gap / scale)
}

// group greedily grows a group from each unassigned node, oldest first,
// admitting later nodes whose similarity to the seed meets the threshold.
// Groups smaller than MinClusterSize are dropped.
func (c *ClusteringEngine) group(nodes []store.Node) [][]int {
	feats := make([]clusterNode, len(nodes))
	for i := range nodes {
		feats[i] = clusterNode{node: &nodes[i], terms: newTermSet(keywords(nodes[i].Content))}
	}
	assigned := make([]bool, len(nodes))
	var groups [][]int
	for i := range nodes {
		if assigned[i] {
			continue
		}
		g := []int{i}
		for j := i + 1; j < len(nodes) && len(g) < c.cfg.MaxClusterSize; j++ {
			if assigned[j] {
				continue
			}
			if c.similarity(feats[i], feats[j]) >= c.cfg.SimilarityThreshold {
				g = append(g, j)
			}
		}
		if len(g) < c.cfg.MinClusterSize {
			continue
		}
		for _, k := range g {
			assigned[k] = true
		}
		groups = append(groups, g)
	}
	return groups
}

type proposal struct {
	window  Window
	members []store.Node
}

// ClusterAll clusters the whole active timeline.
func (c *ClusteringEngine) ClusterAll(ctx context.Context) (ClusterResult, error) {
	minTS, maxTS, ok, err := c.db.TimeBounds(ctx)
	if err != nil || !ok {
		return ClusterResult{}, err
	}
	return c.ClusterRange(ctx, minTS, maxTS)
}

// ClusterRange clusters unclustered nodes with timestamps in [from, to].
// A failing window is logged and skipped.
func (c *ClusteringEngine) ClusterRange(ctx context.Context, from, to int64) (ClusterResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	windows := c.GenerateWindows(from, to)
	res := ClusterResult{Windows: len(windows)}
	if len(windows) == 0 {
		return res, nil
	}

	proposals := make([][]proposal, len(windows))
	failed := make([]bool, len(windows))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.Concurrency)
	for i, w := range windows {
		g.Go(func() error {
			nodes, err := c.db.NodesInRange(gctx, w.Start, w.End, true)
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				c.log.Warn("cluster window failed", zap.Int64("start", w.Start), zap.Error(err))
				failed[i] = true
				return nil
			}
			for _, idx := range c.group(nodes) {
				members := make([]store.Node, len(idx))
				for k, j := range idx {
					members[k] = nodes[j]
				}
				proposals[i] = append(proposals[i], proposal{window: w, members: members})
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return res, err
	}
	for _, f := range failed {
		if f {
			res.WindowErrors++
		}
	}

	taken := make(map[string]bool)
	for _, ps := range proposals {
		for _, p := range ps {
			members := p.members[:0:0]
			for _, m := range p.members {
				if !taken[m.ID] {
					members = append(members, m)
				}
			}
			if len(members) < c.cfg.MinClusterSize {
				continue
			}
			id, edges, err := c.materialize(ctx, p.window, members)
			if err != nil {
				if ctx.Err() != nil {
					return res, ctx.Err()
				}
				c.log.Warn("materialize cluster failed", zap.Int64("start", p.window.Start), zap.Error(err))
				res.WindowErrors++
				continue
			}
			for _, m := range members {
				taken[m.ID] = true
			}
			res.ClustersCreated++
			res.NodesClustered += len(members)
			res.EdgesCreated += edges
			res.ClusterIDs = append(res.ClusterIDs, id)
		}
	}
	if res.ClustersCreated > 0 {
		c.log.Debug("clusters created",
			zap.Int("clusters", res.ClustersCreated), zap.Int("nodes", res.NodesClustered))
	}
	return res, nil
}

// materialize writes a Cluster node and its Contains edges in one batch.
func (c *ClusteringEngine) materialize(ctx context.Context, w Window, members []store.Node) (string, int, error) {
	first, last := members[0].Timestamp, members[0].Timestamp
	var text strings.Builder
	for _, m := range members {
		first = min(first, m.Timestamp)
		last = max(last, m.Timestamp)
		text.WriteString(m.Content)
		text.WriteByte(' ')
	}
	concepts := keywordFrequencies(text.String())
	if len(concepts) > 5 {
		concepts = concepts[:5]
	}
	tags := store.Tags{clusterTag}
	if topic, ok := detectTopic(text.String()); ok {
		tags = tags.Add(topic.String())
	}

	cluster := &store.Node{
		ID:        uuid.NewString(),
		Type:      store.NodeCluster,
		Timestamp: first,
		Content:   fmt.Sprintf("Cluster of %d activities: %s", len(members), strings.Join(concepts, ", ")),
		Metadata: store.Metadata{
			"memberCount": len(members),
			"windowStart": w.Start,
			"windowEnd":   w.End,
			"startTime":   first,
			"endTime":     last,
		},
		Tags:       tags,
		SourceType: "clustering",
	}
	ops := []store.BatchOp{{Kind: store.OpCreateNode, Node: cluster}}

	seed := clusterNode{node: &members[0], terms: newTermSet(keywords(members[0].Content))}
	now := c.now()
	for i := range members {
		m := &members[i]
		weight := 1.0
		if i > 0 {
			weight = c.similarity(seed, clusterNode{node: m, terms: newTermSet(keywords(m.Content))})
		}
		e := &store.Edge{
			SourceID: cluster.ID,
			TargetID: m.ID,
			Type:     store.EdgeContains,
			Weight:   weight,
		}
		if c.scorer != nil {
			e.RelevanceScore = c.scorer.EdgeRelevance(e, 0, now)
		}
		ops = append(ops, store.BatchOp{Kind: store.OpCreateEdge, Edge: e})
	}

	res, err := c.db.Batch(ctx, ops)
	if err != nil {
		return "", 0, err
	}
	if len(res.Errors) > 0 && res.Errors[0].Index == 0 {
		return "", 0, res.Errors[0]
	}
	return cluster.ID, res.EdgesAffected, nil
}

// PatternType classifies a detected activity pattern.
type PatternType string

const (
	PatternBurst    PatternType = "burst"
	PatternPeriodic PatternType = "periodic"
	PatternGap      PatternType = "gap"
)

// Pattern is one detected activity pattern. Intensity is events per minute
// for bursts; Period is the mean interval of a periodic run.
type Pattern struct {
	Type      PatternType   `json:"type"`
	Start     int64         `json:"start"`
	End       int64         `json:"end"`
	Intensity float64       `json:"intensity,omitempty"`
	Period    time.Duration `json:"period,omitempty"`
	Duration  time.Duration `json:"duration"`
	NodeCount int           `json:"nodeCount"`
}

// DetectPatterns scans activity within PatternLookback. Read failures
// degrade to no patterns.
func (c *ClusteringEngine) DetectPatterns(ctx context.Context) []Pattern {
	since := c.now().Add(-c.cfg.PatternLookback).UnixMilli()
	ts, err := c.db.ActivityTimestamps(ctx, since)
	if err != nil {
		c.log.Warn("pattern detection failed", zap.Error(err))
		return nil
	}
	patterns := c.detectBursts(ts)
	patterns = append(patterns, c.detectPeriodic(ts)...)
	patterns = append(patterns, c.detectGaps(ts)...)
	sort.SliceStable(patterns, func(i, j int) bool { return patterns[i].Start < patterns[j].Start })
	return patterns
}

func (c *ClusteringEngine) detectBursts(ts []int64) []Pattern {
	window := c.cfg.BurstWindow.Milliseconds()
	var out []Pattern
	for i := 0; i < len(ts); {
		j := i
		for j < len(ts) && ts[j]-ts[i] <= window {
			j++
		}
		if count := j - i; count >= c.cfg.BurstMinEvents {
			out = append(out, Pattern{
				Type:      PatternBurst,
				Start:     ts[i],
				End:       ts[j-1],
				Intensity: float64(count) / c.cfg.BurstWindow.Minutes(),
				Duration:  time.Duration(ts[j-1]-ts[i]) * time.Millisecond,
				NodeCount: count,
			})
			i = j
			continue
		}
		i++
	}
	return out
}

// detectPeriodic finds maximal runs of events whose inter-event intervals
// have a coefficient of variation below PeriodicMaxCV.
func (c *ClusteringEngine) detectPeriodic(ts []int64) []Pattern {
	var out []Pattern
	for start := 0; start+c.cfg.PeriodicMinEvents <= len(ts); {
		var n, mean, m2 float64
		end := start
		for k := start + 1; k < len(ts); k++ {
			x := float64(ts[k] - ts[k-1])
			n++
			delta := x - mean
			mean += delta / n
			m2 += delta * (x - mean)
			if n >= 2 && mean > 0 && math.Sqrt(m2/n)/mean >= c.cfg.PeriodicMaxCV {
				break
			}
			if mean <= 0 {
				break
			}
			end = k
		}
		if events := end - start + 1; events >= c.cfg.PeriodicMinEvents {
			period := time.Duration(float64(ts[end]-ts[start])/float64(events-1)) * time.Millisecond
			out = append(out, Pattern{
				Type:      PatternPeriodic,
				Start:     ts[start],
				End:       ts[end],
				Period:    period,
				Duration:  time.Duration(ts[end]-ts[start]) * time.Millisecond,
				NodeCount: events,
			})
			start = end + 1
			continue
		}
		start++
	}
	return out
}

func (c *ClusteringEngine) detectGaps(ts []int64) []Pattern {
	if len(ts) < 3 {
		return nil
	}
	intervals := make([]int64, len(ts)-1)
	for i := 1; i < len(ts); i++ {
		intervals[i-1] = ts[i] - ts[i-1]
	}
	sorted := append([]int64(nil), intervals...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	median := float64(sorted[len(sorted)/2])
	if len(sorted)%2 == 0 {
		median = float64(sorted[len(sorted)/2-1]+sorted[len(sorted)/2]) / 2
	}

	minGap := c.cfg.GapMinDuration.Milliseconds()
	var out []Pattern
	for i, iv := range intervals {
		if iv >= minGap && float64(iv) >= c.cfg.GapMultiplier*median {
			out = append(out, Pattern{
				Type:      PatternGap,
				Start:     ts[i],
				End:       ts[i+1],
				Duration:  time.Duration(iv) * time.Millisecond,
				NodeCount: 2,
			})
		}
	}
	return out
}
