package engine

import (
	"context"
	"errors"
	"math"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/lazypower/memgraph/internal/config"
	apperrors "github.com/lazypower/memgraph/internal/errors"
	"github.com/lazypower/memgraph/internal/store"
)

const (
	day = 24 * time.Hour

	// Relevance distribution buckets.
	highRelevance   = 0.7
	mediumRelevance = 0.3
)

// interactionKindFactor scales recorded interaction strength by kind. Its
// keys are the accepted interaction kinds.
var interactionKindFactor = map[string]float64{
	"view":      1.0,
	"click":     1.2,
	"open":      1.2,
	"search":    0.8,
	"query":     0.8,
	"recommend": 0.5,
	"bookmark":  1.5,
	"share":     1.5,
	"edit":      1.5,
	"dismiss":   -0.5,
}

// DefaultInteractionKind is recorded when a request names no kind.
const DefaultInteractionKind = "view"

// ValidInteractionKind reports whether kind is an accepted interaction kind.
// The empty kind is accepted and recorded as DefaultInteractionKind.
func ValidInteractionKind(kind string) bool {
	if kind == "" {
		return true
	}
	_, ok := interactionKindFactor[strings.ToLower(kind)]
	return ok
}

// Components are the five weighted inputs of a node's relevance, each in [0,1].
type Components struct {
	Recency     float64 `json:"recency"`
	Frequency   float64 `json:"frequency"`
	Interaction float64 `json:"interaction"`
	Semantic    float64 `json:"semantic"`
	Centrality  float64 `json:"centrality"`
}

// RelevanceContext is per-call ranking context. It is never persisted.
type RelevanceContext struct {
	SessionID     string
	RecentQueries []string
	Time          time.Time
	// Preferences multiply the type weight of the listed types.
	Preferences map[store.NodeType]float64
}

// signals are the stored inputs a node's score is derived from.
type signals struct {
	interactions  []store.Interaction
	hasEmbedding  bool
	semanticEdges int
}

// RelevanceEngine computes node and edge relevance.
type RelevanceEngine struct {
	db          *store.DB
	cfg         config.RelevanceConfig
	typeWeights [store.NumNodeTypes]float64
	decay       *DecayEngine
	log         *zap.Logger
	now         func() time.Time
}

// NewRelevanceEngine validates cfg before anything else happens. Type
// weights are keyed by node type name; types missing from the map weigh 1.
func NewRelevanceEngine(db *store.DB, cfg config.RelevanceConfig, decay *DecayEngine, log *zap.Logger, now func() time.Time) (*RelevanceEngine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	r := &RelevanceEngine{db: db, cfg: cfg, decay: decay, log: log, now: now}
	for i := range r.typeWeights {
		r.typeWeights[i] = 1
	}
	for name, w := range cfg.TypeWeights {
		t, ok := store.ParseNodeType(name)
		if !ok {
			return nil, apperrors.Config("relevance.type_weights", "unknown node type %q", name)
		}
		r.typeWeights[t] = w
	}
	if r.now == nil {
		r.now = time.Now
	}
	return r, nil
}

// TypeWeight returns the multiplier for t.
func (r *RelevanceEngine) TypeWeight(t store.NodeType) float64 {
	if !t.Valid() {
		return 1
	}
	return r.typeWeights[t]
}

// Recency is exp(-rate * days since the node was last touched). A node
// touched now scores 1.
func (r *RelevanceEngine) Recency(n *store.Node, now time.Time) float64 {
	return recencyScore(n.LastTouched(), now, r.cfg.TimeDecayRate)
}

func recencyScore(atMillis int64, now time.Time, ratePerDay float64) float64 {
	age := now.Sub(time.UnixMilli(atMillis))
	if age <= 0 {
		return 1
	}
	return math.Exp(-ratePerDay * age.Hours() / 24)
}

// Frequency saturates with access count: 0 at 0, 0.5 at 5.
func Frequency(accessCount int) float64 {
	if accessCount <= 0 {
		return 0
	}
	c := float64(accessCount)
	return c / (c + 5)
}

// Interaction sums kind-weighted strengths, each decayed by its age, and
// saturates the total. No interactions score 0.
func (r *RelevanceEngine) Interaction(ins []store.Interaction, now time.Time) float64 {
	var sum float64
	for _, in := range ins {
		// Kinds are checked on the way in; rows from older databases
		// with other kinds contribute nothing.
		factor := interactionKindFactor[strings.ToLower(in.Kind)]
		sum += in.Strength * factor * recencyScore(in.CreatedAt, now, r.cfg.TimeDecayRate)
	}
	if sum <= 0 {
		return 0
	}
	return sum / (sum + 2)
}

// Semantic is 0 without a usable embedding. With one, it grows with the
// number of semantic neighbors.
func Semantic(hasEmbedding bool, semanticEdges int) float64 {
	if !hasEmbedding {
		return 0
	}
	e := float64(semanticEdges)
	return 0.5 + 0.5*e/(e+3)
}

// Centrality combines degree and local clustering coefficient. Isolated
// nodes score 0.
func Centrality(degree int, clusteringCoefficient float64) float64 {
	if degree <= 0 {
		return 0
	}
	d := float64(degree)
	return d / (d + 10) * (0.5 + 0.5*store.Clamp01(clusteringCoefficient))
}

func (r *RelevanceEngine) components(n *store.Node, sig signals, now time.Time) Components {
	return Components{
		Recency:     r.Recency(n, now),
		Frequency:   Frequency(n.AccessCount),
		Interaction: r.Interaction(sig.interactions, now),
		Semantic:    Semantic(sig.hasEmbedding, sig.semanticEdges),
		Centrality:  Centrality(n.Degree, n.ClusteringCoefficient),
	}
}

func (r *RelevanceEngine) blend(c Components) float64 {
	return r.cfg.RecencyWeight*c.Recency +
		r.cfg.FrequencyWeight*c.Frequency +
		r.cfg.InteractionWeight*c.Interaction +
		r.cfg.SemanticWeight*c.Semantic +
		r.cfg.CentralityWeight*c.Centrality
}

// score is the pure relevance function. rc only nudges the result; the
// return value is always in [0,1].
func (r *RelevanceEngine) score(n *store.Node, sig signals, rc *RelevanceContext, now time.Time) float64 {
	weight := r.TypeWeight(n.Type)
	if rc != nil && rc.Preferences != nil {
		if p, ok := rc.Preferences[n.Type]; ok {
			weight *= p
		}
	}
	s := r.blend(r.components(n, sig, now)) * weight * effectiveDecay(n)
	if rc != nil {
		s += r.contextNudge(n, rc)
	}
	return store.Clamp01(s)
}

// effectiveDecay is the node's decay multiplier. A zero factor on a node
// that was never decayed is an unset field; after a decay pass zero is real
// and scores the node 0.
func effectiveDecay(n *store.Node) float64 {
	if n.DecayFactor == 0 && n.DecayedAt == nil {
		return 1
	}
	return store.Clamp01(n.DecayFactor)
}

// contextNudge adds up to ContextBoost for nodes matching the session's
// recent queries and for activity at the same hour of day.
func (r *RelevanceEngine) contextNudge(n *store.Node, rc *RelevanceContext) float64 {
	var nudge float64
	if len(rc.RecentQueries) > 0 {
		terms := newTermSet(nodeTerms(n))
		var q []string
		for _, rq := range rc.RecentQueries {
			q = append(q, keywords(rq)...)
		}
		if overlap := jaccard(newTermSet(q), terms); overlap > 0 {
			nudge += r.cfg.ContextBoost * math.Min(1, 2*overlap)
		}
	}
	if !rc.Time.IsZero() && n.Timestamp > 0 {
		h := time.UnixMilli(n.Timestamp).In(rc.Time.Location()).Hour()
		if d := abs(h - rc.Time.Hour()); d <= 1 || d == 23 {
			nudge += r.cfg.ContextBoost * 0.25
		}
	}
	return math.Min(nudge, r.cfg.ContextBoost)
}

// Breakdown returns the components of n with the stored signals.
func (r *RelevanceEngine) Breakdown(ctx context.Context, n *store.Node) Components {
	sig := r.loadSignals(ctx, []store.Node{*n})[n.ID]
	return r.components(n, sig, r.now())
}

// CalculateNodeRelevance scores n against stored signals. Read failures
// degrade the affected component to 0.
func (r *RelevanceEngine) CalculateNodeRelevance(ctx context.Context, n *store.Node, rc *RelevanceContext) float64 {
	sig := r.loadSignals(ctx, []store.Node{*n})[n.ID]
	return r.score(n, sig, rc, r.now())
}

func (r *RelevanceEngine) loadSignals(ctx context.Context, nodes []store.Node) map[string]signals {
	out := make(map[string]signals, len(nodes))
	ids := make([]string, len(nodes))
	for i := range nodes {
		ids[i] = nodes[i].ID
		if len(nodes[i].Embedding) > 0 {
			out[nodes[i].ID] = signals{hasEmbedding: !isZeroVector(nodes[i].Embedding)}
		}
	}

	ins, err := r.db.InteractionsForNodes(ctx, ids)
	if err != nil {
		r.log.Warn("load interactions failed, scoring without them", zap.Error(err))
	}
	vecs, err := r.db.VectorsFor(ctx, ids)
	if err != nil {
		r.log.Warn("load vectors failed, scoring without them", zap.Error(err))
	}
	edges, err := r.db.EdgesForNodes(ctx, ids)
	if err != nil {
		r.log.Warn("load edges failed, scoring without them", zap.Error(err))
	}
	semantic := make(map[string]int)
	for _, e := range edges {
		if e.Type == store.EdgeSemantic {
			semantic[e.SourceID]++
		}
	}
	for _, id := range ids {
		sig := out[id]
		sig.interactions = ins[id]
		if v, ok := vecs[id]; ok && !isZeroVector(v) {
			sig.hasEmbedding = true
		}
		sig.semanticEdges = semantic[id]
		out[id] = sig
	}
	return out
}

// ScoreNodes scores nodes against their stored signals and rc, loading the
// signals for all of them at once.
func (r *RelevanceEngine) ScoreNodes(ctx context.Context, nodes []store.Node, rc *RelevanceContext) []ScoredNode {
	sigs := r.loadSignals(ctx, nodes)
	now := r.now()
	out := make([]ScoredNode, len(nodes))
	for i := range nodes {
		out[i] = ScoredNode{Node: nodes[i], Score: r.score(&nodes[i], sigs[nodes[i].ID], rc, now)}
	}
	return out
}

// BatchUpdateNodeRelevance recomputes and stores relevance for ids. Unknown
// or pruned ids are skipped. Version conflicts are retried once against a
// fresh read.
func (r *RelevanceEngine) BatchUpdateNodeRelevance(ctx context.Context, ids []string) (int, error) {
	return r.updateRelevance(ctx, ids, 1, 2)
}

func (r *RelevanceEngine) updateRelevance(ctx context.Context, ids []string, multiplier float64, attempts int) (int, error) {
	total := 0
	pending := ids
	for attempt := 0; attempt < attempts && len(pending) > 0; attempt++ {
		nodes, err := r.db.GetNodes(ctx, pending)
		if err != nil {
			return total, err
		}
		active := nodes[:0]
		for _, n := range nodes {
			if !n.IsPruned {
				active = append(active, n)
			}
		}
		if len(active) == 0 {
			break
		}
		sigs := r.loadSignals(ctx, active)
		now := r.now()
		updates := make([]store.ScoreUpdate, len(active))
		for i := range active {
			n := &active[i]
			updates[i] = store.ScoreUpdate{
				ID:          n.ID,
				Relevance:   r.score(n, sigs[n.ID], nil, now) * multiplier,
				DecayFactor: n.DecayFactor,
				Version:     n.Version,
			}
		}
		updated, conflicts, err := r.db.UpdateNodeScores(ctx, updates)
		if err != nil {
			return total, err
		}
		total += updated
		if conflicts == 0 {
			break
		}
		pending = r.stale(ctx, updates)
	}
	return total, nil
}

// stale returns the ids whose stored version moved past the update.
func (r *RelevanceEngine) stale(ctx context.Context, updates []store.ScoreUpdate) []string {
	ids := make([]string, len(updates))
	want := make(map[string]int64, len(updates))
	for i, u := range updates {
		ids[i] = u.ID
		want[u.ID] = u.Version + 1
	}
	nodes, err := r.db.GetNodes(ctx, ids)
	if err != nil {
		return nil
	}
	var out []string
	for _, n := range nodes {
		if !n.IsPruned && n.Version != want[n.ID] {
			out = append(out, n.ID)
		}
	}
	return out
}

// RecordUserInteraction stores an interaction, counts an access, restores
// decay and rescales relevance by the interaction boost. id may be a node id
// or the id of the event that produced the node; the resolved node id is
// returned. Failures are logged and reported as false, never returned.
func (r *RelevanceEngine) RecordUserInteraction(ctx context.Context, id, kind string, strength float64, sessionID string) (string, bool) {
	log := r.log.With(zap.String("id", id), zap.String("kind", kind))
	nodeID, err := r.db.ResolveNodeID(ctx, id)
	if err != nil {
		log.Warn("resolve interaction target failed", zap.Error(err))
		return "", false
	}
	if nodeID == "" {
		log.Debug("interaction for unknown node ignored")
		return "", false
	}
	if !ValidInteractionKind(kind) {
		log.Warn("unknown interaction kind ignored")
		return "", false
	}
	kind = strings.ToLower(kind)
	if kind == "" {
		kind = DefaultInteractionKind
	}
	if strength <= 0 || math.IsNaN(strength) {
		strength = 1
	}
	now := r.now()
	if err := r.db.AddInteraction(ctx, &store.Interaction{
		NodeID: nodeID, SessionID: sessionID, Kind: kind, Strength: strength, CreatedAt: now.UnixMilli(),
	}); err != nil {
		log.Warn("store interaction failed", zap.Error(err))
		return "", false
	}
	if _, err := r.db.TouchNode(ctx, nodeID, now.UnixMilli()); err != nil {
		log.Warn("touch node failed", zap.Error(err))
	}
	if r.decay != nil {
		if _, err := r.decay.BoostNodeOnAccess(ctx, nodeID); err != nil {
			log.Warn("decay boost failed", zap.Error(err))
		}
	}
	if _, err := r.updateRelevance(ctx, []string{nodeID}, r.cfg.InteractionBoost, 3); err != nil {
		log.Warn("rescore after interaction failed", zap.Error(err))
	}
	return nodeID, true
}

// EdgeRelevance blends edge recency, strength and the interaction signal of
// its endpoints.
func (r *RelevanceEngine) EdgeRelevance(e *store.Edge, interaction float64, now time.Time) float64 {
	created := e.CreatedAt
	if created == 0 {
		created = now.UnixMilli()
	}
	s := r.cfg.EdgeRecencyWeight*recencyScore(created, now, r.cfg.TimeDecayRate) +
		r.cfg.EdgeStrengthWeight*store.Clamp01(e.Weight) +
		r.cfg.EdgeInteractionWeight*store.Clamp01(interaction)
	return store.Clamp01(s)
}

// RelevanceStats summarizes relevance across active nodes.
type RelevanceStats struct {
	Average      float64                     `json:"average"`
	Distribution store.RelevanceDistribution `json:"distribution"`
}

// GetRelevanceStats degrades to zero values on read errors.
func (r *RelevanceEngine) GetRelevanceStats(ctx context.Context) RelevanceStats {
	var out RelevanceStats
	stats, err := r.db.GetStats(ctx)
	if err != nil {
		r.log.Warn("relevance stats failed", zap.Error(err))
		return out
	}
	out.Average = stats.AverageRelevance
	dist, err := r.db.RelevanceDistribution(ctx, highRelevance, mediumRelevance)
	if err != nil && !errors.Is(err, context.Canceled) {
		r.log.Warn("relevance distribution failed", zap.Error(err))
	}
	out.Distribution = dist
	return out
}
