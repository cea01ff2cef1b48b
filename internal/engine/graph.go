package engine

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/lazypower/memgraph/internal/config"
	apperrors "github.com/lazypower/memgraph/internal/errors"
	"github.com/lazypower/memgraph/internal/store"
)

var tracer = otel.Tracer("github.com/lazypower/memgraph/internal/engine")

func startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, "memgraph."+name, trace.WithAttributes(attrs...))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// Option configures a MemoryGraph.
type Option func(*MemoryGraph)

// WithStore uses an already open store. The graph does not close it.
func WithStore(db *store.DB) Option {
	return func(g *MemoryGraph) { g.db = db }
}

// WithLogger sets the logger; engines log under named children.
func WithLogger(l *zap.Logger) Option {
	return func(g *MemoryGraph) {
		if l != nil {
			g.log = l
		}
	}
}

// WithEmbedder overrides the configured embedding provider. A nil embedder
// disables embeddings.
func WithEmbedder(e Embedder) Option {
	return func(g *MemoryGraph) {
		g.embedder = e
		g.embedderSet = true
	}
}

// WithRegistry registers metrics on reg instead of a private registry.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(g *MemoryGraph) { g.registry = reg }
}

// WithClock replaces time.Now for every engine.
func WithClock(now func() time.Time) Option {
	return func(g *MemoryGraph) {
		if now != nil {
			g.now = now
		}
	}
}

// ProcessingResult summarizes one ProcessEvents call. Success is false only
// when the store failed; rejected events are listed in Errors.
type ProcessingResult struct {
	Success             bool          `json:"success"`
	Partial             bool          `json:"partial"`
	NodesCreated        int           `json:"nodesCreated"`
	EdgesCreated        int           `json:"edgesCreated"`
	NodeIDs             []string      `json:"nodeIds,omitempty"`
	Errors              []EventError  `json:"errors"`
	ClusteringScheduled bool          `json:"clusteringScheduled"`
	ProcessingTime      time.Duration `json:"processingTime"`
}

// Recommendation is one contextual suggestion.
type Recommendation struct {
	ID        string         `json:"id"`
	Type      store.NodeType `json:"type"`
	Content   string         `json:"content"`
	Relevance float64        `json:"relevance"`
	Reason    string         `json:"reason"`
}

// AnalysisResult is a point-in-time summary of the graph.
type AnalysisResult struct {
	TotalNodes       int                `json:"totalNodes"`
	TotalEdges       int                `json:"totalEdges"`
	ActiveNodes      int                `json:"activeNodes"`
	ActiveEdges      int                `json:"activeEdges"`
	AverageRelevance float64            `json:"averageRelevance"`
	NodesByType      map[string]int     `json:"nodesByType"`
	EdgesByType      map[string]int     `json:"edgesByType"`
	Clustering       ClusteringAnalysis `json:"clustering"`
	Relevance        RelevanceStats     `json:"relevance"`
	Sessions         int                `json:"sessions"`
	AnalysisTime     time.Duration      `json:"analysisTime"`
}

// ClusteringAnalysis reports clusters and recent activity patterns.
type ClusteringAnalysis struct {
	Clusters int       `json:"clusters"`
	Patterns []Pattern `json:"patterns"`
}

// SemanticUpdateResult reports embedding refresh during maintenance.
type SemanticUpdateResult struct {
	Embedded  int `json:"embedded"`
	IndexSize int `json:"indexSize"`
}

// MaintenanceResult summarizes one maintenance pass. On timeout the
// completed steps are still reported.
type MaintenanceResult struct {
	Decay           DecayResult          `json:"decayResult"`
	Pruning         PruneResult          `json:"pruningResult"`
	Purge           store.PurgeResult    `json:"purgeResult"`
	SemanticUpdate  SemanticUpdateResult `json:"semanticUpdateResult"`
	SessionsExpired int                  `json:"sessionsExpired"`
	Success         bool                 `json:"success"`
	Errors          []string             `json:"errors,omitempty"`
	TotalTime       time.Duration        `json:"totalTime"`
}

// MaintenanceOptions tune a maintenance pass.
type MaintenanceOptions struct {
	// ForceDecay runs decay even if the decay interval has not elapsed.
	ForceDecay bool
}

// InteractionRequest is a recorded user interaction. NodeID may also be
// the id of the event that produced the node.
type InteractionRequest struct {
	NodeID    string  `json:"nodeId"`
	Kind      string  `json:"kind"`
	SessionID string  `json:"sessionId,omitempty"`
	Strength  float64 `json:"strength,omitempty"`
}

// MemoryGraph is the facade over the store and every engine. All methods
// except New and Close require a successful Initialize.
type MemoryGraph struct {
	cfg         config.Config
	log         *zap.Logger
	now         func() time.Time
	db          *store.DB
	ownsDB      bool
	embedder    Embedder
	embedderSet bool
	registry    *prometheus.Registry
	metrics     *graphMetrics

	relevance  *RelevanceEngine
	decay      *DecayEngine
	semantic   *SemanticEngine
	clustering *ClusteringEngine
	pruning    *PruningEngine
	query      *QueryEngine
	context    *ContextManager

	// mu guards the lifecycle. Operations hold it shared; Initialize and
	// Close hold it exclusively.
	mu          sync.RWMutex
	initialized bool
	closed      bool

	bg          sync.WaitGroup
	bgCtx       context.Context
	bgCancel    context.CancelFunc
	maintenance singleflight.Group
}

// New validates cfg and every engine's configuration. Nothing is opened
// until Initialize.
func New(cfg config.Config, opts ...Option) (*MemoryGraph, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	g := &MemoryGraph{cfg: cfg, log: zap.NewNop(), now: time.Now}
	for _, o := range opts {
		o(g)
	}
	if err := g.buildEngines(); err != nil {
		return nil, err
	}
	if g.registry == nil {
		g.registry = prometheus.NewRegistry()
	}
	var reg prometheus.Registerer
	if cfg.Metrics.Enabled {
		reg = g.registry
	}
	g.metrics = newGraphMetrics(reg, cfg.Metrics.Namespace)
	g.bgCtx, g.bgCancel = context.WithCancel(context.Background())
	return g, nil
}

func (g *MemoryGraph) buildEngines() error {
	var err error
	if g.decay, err = NewDecayEngine(g.db, g.cfg.Decay, g.log.Named("decay"), g.now); err != nil {
		return err
	}
	if g.relevance, err = NewRelevanceEngine(g.db, g.cfg.Relevance, g.decay, g.log.Named("relevance"), g.now); err != nil {
		return err
	}
	if g.semantic, err = NewSemanticEngine(g.db, g.cfg.Semantic, g.embedder, g.relevance, g.log.Named("semantic"), g.now); err != nil {
		return err
	}
	if g.clustering, err = NewClusteringEngine(g.db, g.cfg.Clustering, g.relevance, g.log.Named("clustering"), g.now); err != nil {
		return err
	}
	if g.pruning, err = NewPruningEngine(g.db, g.cfg.Pruning, g.semantic.Forget, g.log.Named("pruning"), g.now); err != nil {
		return err
	}
	if g.query, err = NewQueryEngine(g.db, g.cfg.Query, g.semantic, g.log.Named("query"), g.now); err != nil {
		return err
	}
	if g.context, err = NewContextManager(g.cfg.Context, g.semantic, g.log.Named("context"), g.now); err != nil {
		return err
	}
	return nil
}

// Initialize opens the store, sets up embeddings and builds the search
// index. Calling it again is a no-op.
func (g *MemoryGraph) Initialize(ctx context.Context) (err error) {
	ctx, span := startSpan(ctx, "Initialize")
	defer func() { endSpan(span, err) }()

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.initialized {
		return nil
	}
	if g.closed {
		return apperrors.NotInitialized("initialize closed graph")
	}

	if g.db == nil {
		if g.db, err = g.openStore(); err != nil {
			return err
		}
		g.ownsDB = true
	}
	if !g.embedderSet {
		if g.embedder, err = NewEmbedder(ctx, g.cfg.Semantic.Embeddings, g.db, g.log.Named("embedder")); err != nil {
			g.closeOwnedStore()
			return err
		}
	}
	if err = g.buildEngines(); err != nil {
		g.closeOwnedStore()
		return err
	}
	indexed, err := g.semantic.BuildSearchIndex(ctx)
	if err != nil {
		g.closeOwnedStore()
		return err
	}
	g.initialized = true
	g.log.Info("memory graph initialized",
		zap.String("db", g.db.Path), zap.Int("indexed", indexed),
		zap.Bool("embeddings", g.semantic.EmbeddingsEnabled()))
	return nil
}

func (g *MemoryGraph) openStore() (*store.DB, error) {
	path := g.cfg.Database.Path
	switch path {
	case ":memory:":
		return store.OpenMemory(store.WithLogger(g.log))
	case "":
		p, err := store.DefaultDBPath()
		if err != nil {
			return nil, apperrors.Storage("open", err)
		}
		path = p
	}
	return store.Open(path, store.WithLogger(g.log))
}

func (g *MemoryGraph) closeOwnedStore() {
	if g.ownsDB && g.db != nil {
		g.db.Close()
		g.db = nil
		g.ownsDB = false
	}
}

// acquire takes the shared lifecycle lock for op. The caller must call
// g.mu.RUnlock when it returns nil.
func (g *MemoryGraph) acquire(op string) error {
	g.mu.RLock()
	if !g.initialized {
		g.mu.RUnlock()
		return apperrors.NotInitialized(op)
	}
	return nil
}

// Close stops background work and releases the store if the graph opened
// it. Later calls fail with NotInitializedError.
func (g *MemoryGraph) Close() error {
	g.mu.Lock()
	wasInitialized := g.initialized
	g.initialized = false
	g.closed = true
	g.mu.Unlock()

	g.bgCancel()
	g.bg.Wait()
	if !wasInitialized {
		return nil
	}
	if g.ownsDB && g.db != nil {
		err := g.db.Close()
		g.db = nil
		return err
	}
	return nil
}

// WaitForBackground blocks until background clustering started so far has
// finished or ctx is done.
func (g *MemoryGraph) WaitForBackground(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		g.bg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Config returns the validated configuration.
func (g *MemoryGraph) Config() config.Config { return g.cfg }

// Registry returns the registry graph metrics are registered on.
func (g *MemoryGraph) Registry() *prometheus.Registry { return g.registry }

// ProcessEvents turns events into nodes in batches of Ingest.BatchSize,
// then links, measures and scores the new nodes. Rejected events are
// reported in the result and never abort the call. Clustering runs in the
// background when enabled.
func (g *MemoryGraph) ProcessEvents(ctx context.Context, events []BaseEvent) (res *ProcessingResult, err error) {
	if err := g.acquire("process events"); err != nil {
		return nil, err
	}
	defer g.mu.RUnlock()
	ctx, span := startSpan(ctx, "ProcessEvents", attribute.Int("events", len(events)))
	defer func() { endSpan(span, err) }()

	started := time.Now()
	res = &ProcessingResult{Errors: []EventError{}}
	defer func() {
		res.ProcessingTime = time.Since(started)
		g.metrics.eventsIngested.Add(float64(res.NodesCreated))
		g.metrics.eventsFailed.Add(float64(len(res.Errors)))
	}()

	type pending struct {
		index int
		event *BaseEvent
		node  *store.Node
	}
	var valid []pending
	for i := range events {
		n, verr := NodeFromEvent(&events[i])
		if verr != nil {
			res.Errors = append(res.Errors, newEventError(i, events[i].ID, verr))
			continue
		}
		valid = append(valid, pending{index: i, event: &events[i], node: n})
	}

	var created []store.Node
	for from := 0; from < len(valid); from += g.cfg.Ingest.BatchSize {
		chunk := valid[from:min(from+g.cfg.Ingest.BatchSize, len(valid))]
		ops := make([]store.BatchOp, len(chunk))
		for i, p := range chunk {
			ops[i] = store.BatchOp{Kind: store.OpCreateNode, Node: p.node, EventID: p.event.ID}
		}
		br, berr := g.db.Batch(ctx, ops)
		if berr != nil {
			g.log.Error("ingest batch failed", zap.Int("ops", len(ops)), zap.Error(berr))
			res.NodesCreated = len(created)
			return res, berr
		}
		failed := make(map[int]bool, len(br.Errors))
		for _, oe := range br.Errors {
			failed[oe.Index] = true
			p := chunk[oe.Index]
			res.Errors = append(res.Errors, newEventError(p.index, p.event.ID, oe.Err))
		}
		for i, p := range chunk {
			if !failed[i] {
				created = append(created, *p.node)
			}
		}
	}
	sort.SliceStable(res.Errors, func(i, j int) bool { return res.Errors[i].Index < res.Errors[j].Index })

	res.NodesCreated = len(created)
	res.NodeIDs = make([]string, len(created))
	for i := range created {
		res.NodeIDs[i] = created[i].ID
	}
	g.metrics.nodesCreated.Add(float64(len(created)))
	res.EdgesCreated = g.enrich(ctx, created)

	if g.cfg.Ingest.ClusterOnIngest && len(created) > 0 {
		g.scheduleClustering(created)
		res.ClusteringScheduled = true
	}
	res.Success = true
	res.Partial = len(res.Errors) > 0
	span.SetAttributes(attribute.Int("nodes_created", res.NodesCreated), attribute.Int("rejected", len(res.Errors)))
	return res, nil
}

func newEventError(index int, eventID string, err error) EventError {
	kind := string(apperrors.KindOf(err))
	switch {
	case errors.Is(err, store.ErrDuplicateEvent):
		kind = "DUPLICATE"
	case kind == "":
		kind = "REJECTED"
	}
	return EventError{Index: index, EventID: eventID, Kind: kind, Message: err.Error()}
}

// enrich indexes new nodes, links them semantically, refreshes graph
// metrics and scores them. Each step degrades independently.
func (g *MemoryGraph) enrich(ctx context.Context, nodes []store.Node) int {
	if len(nodes) == 0 {
		return 0
	}
	g.semantic.IndexNodes(nodes)
	edges, err := g.semantic.CreateSemanticEdges(ctx, nodes)
	if err != nil {
		g.log.Warn("semantic enrichment failed", zap.Error(err))
	}
	g.metrics.edgesCreated.WithLabelValues("semantic").Add(float64(edges))

	ids := make([]string, len(nodes))
	for i := range nodes {
		ids[i] = nodes[i].ID
	}
	if _, err := RecomputeMetrics(ctx, g.db, ids); err != nil {
		g.log.Warn("graph metrics failed", zap.Error(err))
	}
	if _, err := g.relevance.BatchUpdateNodeRelevance(ctx, ids); err != nil {
		g.log.Warn("relevance scoring failed", zap.Error(err))
	}
	return edges
}

// scheduleClustering clusters the time span of nodes, reaching back one
// window so new nodes can join earlier activity.
func (g *MemoryGraph) scheduleClustering(nodes []store.Node) {
	from, to := nodes[0].Timestamp, nodes[0].Timestamp
	for _, n := range nodes {
		from = min(from, n.Timestamp)
		to = max(to, n.Timestamp)
	}
	from -= g.cfg.Clustering.WindowSize.Milliseconds()

	g.bg.Add(1)
	go func() {
		defer g.bg.Done()
		ctx, cancel := context.WithTimeout(g.bgCtx, g.cfg.Maintenance.Timeout)
		defer cancel()
		ctx, span := startSpan(ctx, "ClusterRange")
		res, err := g.clustering.ClusterRange(ctx, from, to+1)
		defer func() { endSpan(span, err) }()
		if err != nil {
			g.log.Warn("background clustering failed", zap.Error(err))
			return
		}
		if res.ClustersCreated == 0 {
			return
		}
		g.metrics.nodesCreated.Add(float64(res.ClustersCreated))
		g.metrics.edgesCreated.WithLabelValues("contains").Add(float64(res.EdgesCreated))
		if _, err := RecomputeMetrics(ctx, g.db, res.ClusterIDs); err != nil {
			g.log.Warn("cluster metrics failed", zap.Error(err))
		}
		if _, err := g.relevance.BatchUpdateNodeRelevance(ctx, res.ClusterIDs); err != nil {
			g.log.Warn("cluster scoring failed", zap.Error(err))
		}
	}()
}

func (g *MemoryGraph) relevanceContext(sessionID string) *RelevanceContext {
	return &RelevanceContext{
		SessionID:     sessionID,
		RecentQueries: g.context.RecentQueries(sessionID),
		Time:          g.now(),
	}
}

// Query translates text and executes it. Hits are ranked by match and
// relevance plus the session's recent-access boost, and recorded in the
// session context.
func (g *MemoryGraph) Query(ctx context.Context, text, sessionID string) (res *QueryResult, err error) {
	if err := g.acquire("query"); err != nil {
		return nil, err
	}
	defer g.mu.RUnlock()
	ctx, span := startSpan(ctx, "Query", attribute.String("session", sessionID))
	defer func() { endSpan(span, err) }()

	t := g.query.TranslateQuery(text, g.relevanceContext(sessionID))
	started := time.Now()
	res, err = g.query.ExecuteQuery(ctx, t.Query)
	g.metrics.queryLatency.Observe(time.Since(started).Seconds())
	g.metrics.queries.WithLabelValues("text", outcome(err)).Inc()
	if err != nil {
		return nil, err
	}
	res.Translation = &t
	Rank(res.Results, g.context.RecentBoost(sessionID))
	g.context.UpdateContextWithInteraction(sessionID, ContextUpdate{
		Kind:  ContextQuery,
		Query: text,
		Nodes: hitsToScored(res.Results),
	})
	return res, nil
}

// QueryGraph executes gq as given.
func (g *MemoryGraph) QueryGraph(ctx context.Context, gq store.GraphQuery, sessionID string) (res *QueryResult, err error) {
	if err := g.acquire("query"); err != nil {
		return nil, err
	}
	defer g.mu.RUnlock()
	ctx, span := startSpan(ctx, "QueryGraph", attribute.String("target", string(gq.Target)))
	defer func() { endSpan(span, err) }()

	started := time.Now()
	res, err = g.query.ExecuteQuery(ctx, gq)
	g.metrics.queryLatency.Observe(time.Since(started).Seconds())
	g.metrics.queries.WithLabelValues("graph", outcome(err)).Inc()
	if err != nil {
		return nil, err
	}
	g.context.UpdateContextWithInteraction(sessionID, ContextUpdate{
		Kind:  ContextQuery,
		Nodes: hitsToScored(res.Results),
		Edges: res.Edges,
	})
	return res, nil
}

func hitsToScored(hits []QueryHit) []ScoredNode {
	out := make([]ScoredNode, len(hits))
	for i, h := range hits {
		out[i] = ScoredNode{Node: h.Node, Score: store.Clamp01(h.Score)}
	}
	return out
}

const defaultRecommendations = 10

// GetContextualRecommendations ranks candidate nodes for a session. With
// a hint, candidates are the hint's query hits; otherwise the most relevant
// nodes. The session's relevant nodes are always candidates. Cluster nodes
// are never recommended.
func (g *MemoryGraph) GetContextualRecommendations(ctx context.Context, sessionID, hint string, limit int) (recs []Recommendation, err error) {
	if err := g.acquire("recommendations"); err != nil {
		return nil, err
	}
	defer g.mu.RUnlock()
	ctx, span := startSpan(ctx, "GetContextualRecommendations", attribute.String("session", sessionID))
	defer func() { endSpan(span, err) }()

	if limit <= 0 {
		limit = defaultRecommendations
	}
	limit = min(limit, g.cfg.Query.MaxQueryResults)
	rc := g.relevanceContext(sessionID)
	if hint != "" {
		rc.RecentQueries = append(rc.RecentQueries, hint)
	}

	reasons := make(map[string]string)
	var ids []string
	add := func(id, reason string) {
		if _, ok := reasons[id]; !ok {
			reasons[id] = reason
			ids = append(ids, id)
		}
	}

	var gq store.GraphQuery
	reason := "relevance"
	if strings.TrimSpace(hint) != "" {
		gq = g.query.TranslateQuery(hint, rc).Query
		reason = "hint"
	} else {
		gq = store.GraphQuery{
			Target:  store.TargetNode,
			Filters: []store.Filter{{Field: "type", Operator: store.OpNe, Value: store.NodeCluster.String()}},
		}
	}
	gq.Constraints.Limit = min(limit*4, g.cfg.Query.MaxQueryResults)
	qr, err := g.query.ExecuteQuery(ctx, gq)
	if err != nil {
		return nil, err
	}
	for _, h := range qr.Results {
		add(h.ID, reason)
	}
	for _, sn := range g.context.GetRelevantContext(ctx, sessionID).RelevantNodes {
		add(sn.ID, "session")
	}

	nodes, err := g.db.GetNodes(ctx, ids)
	if err != nil {
		return nil, err
	}
	active := nodes[:0]
	for _, n := range nodes {
		if !n.IsPruned && n.Type != store.NodeCluster {
			active = append(active, n)
		}
	}
	scored := g.context.BoostRecentInteractions(sessionID, g.relevance.ScoreNodes(ctx, active, rc))
	if len(scored) > limit {
		scored = scored[:limit]
	}

	recs = make([]Recommendation, len(scored))
	for i, sn := range scored {
		recs[i] = Recommendation{
			ID:        sn.ID,
			Type:      sn.Type,
			Content:   sn.Content,
			Relevance: sn.Score,
			Reason:    reasons[sn.ID],
		}
	}
	g.context.UpdateContextWithInteraction(sessionID, ContextUpdate{Kind: ContextRecommendation, Nodes: scored})
	return recs, nil
}

// RecordInteraction stores a user interaction. Unknown kinds are rejected
// with a ValidationError. Storage failures are logged and swallowed.
func (g *MemoryGraph) RecordInteraction(ctx context.Context, req InteractionRequest) error {
	if !ValidInteractionKind(req.Kind) {
		return apperrors.Validation("record interaction", "unknown interaction kind %q", req.Kind)
	}
	if err := g.acquire("record interaction"); err != nil {
		return err
	}
	defer g.mu.RUnlock()
	ctx, span := startSpan(ctx, "RecordInteraction", attribute.String("kind", req.Kind))
	defer span.End()

	nodeID, ok := g.relevance.RecordUserInteraction(ctx, req.NodeID, req.Kind, req.Strength, req.SessionID)
	if !ok {
		return nil
	}
	g.metrics.interactions.Inc()
	if req.SessionID == "" {
		return nil
	}
	n, err := g.db.GetNode(ctx, nodeID)
	if err != nil || n == nil {
		return nil
	}
	g.context.UpdateContextWithInteraction(req.SessionID, ContextUpdate{
		Kind:  ContextNodeAccess,
		Nodes: []ScoredNode{{Node: *n, Score: n.RelevanceScore}},
	})
	return nil
}

// SessionContext returns a session's working set.
func (g *MemoryGraph) SessionContext(ctx context.Context, sessionID string) (SessionContext, error) {
	if err := g.acquire("session context"); err != nil {
		return SessionContext{}, err
	}
	defer g.mu.RUnlock()
	return g.context.GetRelevantContext(ctx, sessionID), nil
}

// EndSession drops a session's context.
func (g *MemoryGraph) EndSession(sessionID string) {
	g.context.EndSession(sessionID)
}

// Analyze summarizes the graph. Pattern and relevance failures degrade to
// empty sections.
func (g *MemoryGraph) Analyze(ctx context.Context) (res *AnalysisResult, err error) {
	if err := g.acquire("analyze"); err != nil {
		return nil, err
	}
	defer g.mu.RUnlock()
	ctx, span := startSpan(ctx, "Analyze")
	defer func() { endSpan(span, err) }()

	started := time.Now()
	stats, err := g.db.GetStats(ctx)
	if err != nil {
		return nil, err
	}
	g.observeStats(stats)
	patterns := g.clustering.DetectPatterns(ctx)
	if patterns == nil {
		patterns = []Pattern{}
	}
	return &AnalysisResult{
		TotalNodes:       stats.TotalNodes,
		TotalEdges:       stats.TotalEdges,
		ActiveNodes:      stats.ActiveNodes,
		ActiveEdges:      stats.ActiveEdges,
		AverageRelevance: stats.AverageRelevance,
		NodesByType:      stats.NodesByType,
		EdgesByType:      stats.EdgesByType,
		Clustering: ClusteringAnalysis{
			Clusters: stats.NodesByType[store.NodeCluster.String()],
			Patterns: patterns,
		},
		Relevance:    g.relevance.GetRelevanceStats(ctx),
		Sessions:     g.context.Sessions(),
		AnalysisTime: time.Since(started),
	}, nil
}

// GetStats returns aggregate store counts.
func (g *MemoryGraph) GetStats(ctx context.Context) (*store.Stats, error) {
	if err := g.acquire("stats"); err != nil {
		return nil, err
	}
	defer g.mu.RUnlock()
	stats, err := g.db.GetStats(ctx)
	if err != nil {
		return nil, err
	}
	g.observeStats(stats)
	return stats, nil
}

func (g *MemoryGraph) observeStats(s *store.Stats) {
	g.metrics.activeNodes.Set(float64(s.ActiveNodes))
	g.metrics.activeEdges.Set(float64(s.ActiveEdges))
	g.metrics.sessions.Set(float64(g.context.Sessions()))
}

// PerformMaintenance decays, prunes, purges, refreshes embeddings and
// vacuums, bounded by Maintenance.Timeout. Concurrent callers share one
// pass, which does not stop when the caller that started it goes away.
// Step failures are recorded and the pass continues; running out of time
// returns the partial result with a TimeoutError.
func (g *MemoryGraph) PerformMaintenance(ctx context.Context, opts MaintenanceOptions) (*MaintenanceResult, error) {
	if err := g.acquire("maintenance"); err != nil {
		return nil, err
	}
	defer g.mu.RUnlock()

	v, err, shared := g.maintenance.Do("maintenance", func() (any, error) {
		return g.maintain(context.WithoutCancel(ctx), opts)
	})
	if shared {
		g.log.Debug("joined running maintenance pass")
	}
	res, _ := v.(*MaintenanceResult)
	return res, err
}

func (g *MemoryGraph) maintain(ctx context.Context, opts MaintenanceOptions) (res *MaintenanceResult, err error) {
	ctx, span := startSpan(ctx, "PerformMaintenance", attribute.Bool("force_decay", opts.ForceDecay))
	defer func() { endSpan(span, err) }()
	ctx, cancel := context.WithTimeout(ctx, g.cfg.Maintenance.Timeout)
	defer cancel()

	started := time.Now()
	res = &MaintenanceResult{}
	defer func() {
		res.TotalTime = time.Since(started)
		res.Success = err == nil && len(res.Errors) == 0
		g.metrics.maintenanceTime.Observe(res.TotalTime.Seconds())
		g.metrics.maintenanceRuns.WithLabelValues(outcome(err)).Inc()
	}()

	step := func(name string, fn func() error) error {
		if ctx.Err() != nil {
			return apperrors.Timeout("maintenance", ctx.Err())
		}
		if err := fn(); err != nil {
			if ctx.Err() != nil {
				return apperrors.Timeout("maintenance", ctx.Err())
			}
			g.log.Warn("maintenance step failed", zap.String("step", name), zap.Error(err))
			res.Errors = append(res.Errors, name+": "+err.Error())
		}
		return nil
	}

	steps := []struct {
		name string
		fn   func() error
	}{
		{"decay", func() (err error) {
			res.Decay, err = g.decay.ApplyDecay(ctx, opts.ForceDecay)
			return err
		}},
		{"prune", func() (err error) {
			res.Pruning, err = g.pruning.PruneGraph(ctx)
			return err
		}},
		{"purge", func() (err error) {
			res.Purge, err = g.db.Purge(ctx)
			return err
		}},
		{"embeddings", func() (err error) {
			res.SemanticUpdate.Embedded, err = g.semantic.UpdateEmbeddings(ctx)
			return err
		}},
		{"index", func() (err error) {
			res.SemanticUpdate.IndexSize, err = g.semantic.BuildSearchIndex(ctx)
			return err
		}},
		{"sessions", func() error {
			res.SessionsExpired = g.context.Cleanup()
			return nil
		}},
		{"vacuum", func() error {
			if res.Purge.Nodes == 0 && res.Purge.Edges == 0 {
				return nil
			}
			return g.db.Vacuum(ctx)
		}},
	}
	for _, s := range steps {
		if err = step(s.name, s.fn); err != nil {
			g.log.Warn("maintenance timed out", zap.String("step", s.name), zap.Duration("timeout", g.cfg.Maintenance.Timeout))
			return res, err
		}
	}
	g.log.Info("maintenance complete",
		zap.Int("decayed", res.Decay.NodesDecayed),
		zap.Int("pruned_nodes", res.Pruning.NodesPruned),
		zap.Int("pruned_edges", res.Pruning.EdgesPruned),
		zap.Int("purged_nodes", res.Purge.Nodes),
		zap.Int("embedded", res.SemanticUpdate.Embedded),
		zap.Int("errors", len(res.Errors)))
	return res, nil
}
