package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/lazypower/memgraph/internal/config"
	apperrors "github.com/lazypower/memgraph/internal/errors"
	"github.com/lazypower/memgraph/internal/store"
)

// ContextKind names what happened in a session.
type ContextKind string

const (
	ContextQuery          ContextKind = "query"
	ContextNodeAccess     ContextKind = "node_access"
	ContextRecommendation ContextKind = "recommendation"
)

// ContextUpdate is one session event. Query is set for ContextQuery; Nodes
// and Edges carry whatever the event touched, with Score as the relevance
// the caller observed.
type ContextUpdate struct {
	Kind  ContextKind
	Query string
	Nodes []ScoredNode
	Edges []store.Edge
}

// ScoredNode is a node with a ranking score.
type ScoredNode struct {
	store.Node
	Score float64 `json:"score"`
}

// QueryRecord is one entry of a session's query history.
type QueryRecord struct {
	Text string    `json:"text"`
	At   time.Time `json:"at"`
}

// SessionContext is a snapshot of one session's working set.
type SessionContext struct {
	SessionID     string        `json:"sessionId"`
	RelevantNodes []ScoredNode  `json:"relevantNodes"`
	RelevantEdges []store.Edge  `json:"relevantEdges"`
	RecentNodes   []store.Node  `json:"recentNodes"`
	RecentEdges   []store.Edge  `json:"recentEdges"`
	QueryHistory  []QueryRecord `json:"queryHistory"`
}

// textScorer rates a node against free text.
type textScorer interface {
	TextSimilarity(ctx context.Context, text string, n *store.Node) float64
}

type nodeEntry struct {
	node  store.Node
	score float64
	at    time.Time
}

type edgeEntry struct {
	edge store.Edge
	at   time.Time
}

// session holds one session's capped windows. Oldest entries sit at the
// front of each slice.
type session struct {
	mu            sync.Mutex
	recentNodes   []nodeEntry
	relevantNodes []nodeEntry
	recentEdges   []edgeEntry
	relevantEdges []edgeEntry
	queries       []QueryRecord
	lastSeen      time.Time
}

// ContextManager owns ephemeral per-session state. It never touches the
// store; sessions can be dropped at any time.
type ContextManager struct {
	cfg      config.ContextConfig
	sessions *lru.Cache[string, *session]
	scorer   textScorer
	log      *zap.Logger
	now      func() time.Time
}

// NewContextManager validates cfg. scorer may be nil, which disables the
// semantic filter against query history.
func NewContextManager(cfg config.ContextConfig, scorer textScorer, log *zap.Logger, now func() time.Time) (*ContextManager, error) {
	if cfg.MaxRecentNodes <= 0 || cfg.MaxRelevantNodes <= 0 || cfg.MaxRecentEdges <= 0 ||
		cfg.MaxRelevantEdges <= 0 || cfg.MaxQueryHistory <= 0 || cfg.MaxSessions <= 0 {
		return nil, apperrors.Config("context", "window sizes and max_sessions must be positive")
	}
	if cfg.TimeRange <= 0 || cfg.SessionTTL <= 0 {
		return nil, apperrors.Config("context", "time_range and session_ttl must be positive")
	}
	sessions, err := lru.New[string, *session](cfg.MaxSessions)
	if err != nil {
		return nil, fmt.Errorf("session cache: %w", err)
	}
	if now == nil {
		now = time.Now
	}
	return &ContextManager{cfg: cfg, sessions: sessions, scorer: scorer, log: log, now: now}, nil
}

func (m *ContextManager) session(id string, create bool) *session {
	if s, ok := m.sessions.Get(id); ok {
		return s
	}
	if !create {
		return nil
	}
	s := &session{}
	if prev, ok, _ := m.sessions.PeekOrAdd(id, s); ok {
		return prev
	}
	return s
}

// UpdateContextWithInteraction records u into the session window, creating
// the session if needed. An empty session id is ignored.
func (m *ContextManager) UpdateContextWithInteraction(sessionID string, u ContextUpdate) {
	if sessionID == "" {
		return
	}
	s := m.session(sessionID, true)
	now := m.now()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastSeen = now

	if u.Kind == ContextQuery && u.Query != "" {
		s.queries = capFront(append(s.queries, QueryRecord{Text: u.Query, At: now}), m.cfg.MaxQueryHistory)
	}
	for _, sn := range u.Nodes {
		e := nodeEntry{node: sn.Node, score: sn.Score, at: now}
		if u.Kind == ContextNodeAccess {
			s.recentNodes = capFront(append(dropNode(s.recentNodes, sn.ID), e), m.cfg.MaxRecentNodes)
		}
		s.relevantNodes = keepBest(append(dropNode(s.relevantNodes, sn.ID), e), m.cfg.MaxRelevantNodes)
	}
	for _, edge := range u.Edges {
		e := edgeEntry{edge: edge, at: now}
		s.recentEdges = capFront(append(dropEdge(s.recentEdges, edge.ID), e), m.cfg.MaxRecentEdges)
		s.relevantEdges = capFront(append(dropEdge(s.relevantEdges, edge.ID), e), m.cfg.MaxRelevantEdges)
	}
}

// GetRelevantContext returns the session's working set. Relevant nodes must
// fall inside TimeRange and either meet RelevanceThreshold or resemble a
// recent query by at least SemanticSimilarityThreshold. Unknown sessions
// return an empty context.
func (m *ContextManager) GetRelevantContext(ctx context.Context, sessionID string) SessionContext {
	out := SessionContext{
		SessionID:     sessionID,
		RelevantNodes: []ScoredNode{},
		RelevantEdges: []store.Edge{},
		RecentNodes:   []store.Node{},
		RecentEdges:   []store.Edge{},
		QueryHistory:  []QueryRecord{},
	}
	s := m.session(sessionID, false)
	if s == nil {
		return out
	}
	now := m.now()
	cutoff := now.Add(-m.cfg.TimeRange)

	s.mu.Lock()
	relevant := append([]nodeEntry(nil), s.relevantNodes...)
	queries := append([]QueryRecord(nil), s.queries...)
	for i := len(s.recentNodes) - 1; i >= 0; i-- {
		if s.recentNodes[i].at.After(cutoff) {
			out.RecentNodes = append(out.RecentNodes, s.recentNodes[i].node)
		}
	}
	for i := len(s.recentEdges) - 1; i >= 0; i-- {
		if s.recentEdges[i].at.After(cutoff) {
			out.RecentEdges = append(out.RecentEdges, s.recentEdges[i].edge)
		}
	}
	for i := len(s.relevantEdges) - 1; i >= 0; i-- {
		if s.relevantEdges[i].at.After(cutoff) {
			out.RelevantEdges = append(out.RelevantEdges, s.relevantEdges[i].edge)
		}
	}
	s.mu.Unlock()
	out.QueryHistory = append(out.QueryHistory, queries...)

	for _, e := range relevant {
		if !e.at.After(cutoff) {
			continue
		}
		if e.score >= m.cfg.RelevanceThreshold || m.resemblesQuery(ctx, &e.node, queries) {
			out.RelevantNodes = append(out.RelevantNodes, ScoredNode{Node: e.node, Score: e.score})
		}
	}
	out.RelevantNodes = m.BoostRecentInteractions(sessionID, out.RelevantNodes)
	return out
}

func (m *ContextManager) resemblesQuery(ctx context.Context, n *store.Node, queries []QueryRecord) bool {
	if m.scorer == nil {
		return false
	}
	for _, q := range queries {
		if m.scorer.TextSimilarity(ctx, q.Text, n) >= m.cfg.SemanticSimilarityThreshold {
			return true
		}
	}
	return false
}

// RecentBoost returns a function giving the boost for a node id: RecentBoost
// for a node accessed now, fading linearly to 0 at RecentBoostWindow.
func (m *ContextManager) RecentBoost(sessionID string) func(id string) float64 {
	s := m.session(sessionID, false)
	if s == nil {
		return func(string) float64 { return 0 }
	}
	now := m.now()
	touched := make(map[string]float64)
	s.mu.Lock()
	for _, e := range s.recentNodes {
		age := now.Sub(e.at)
		if age < 0 {
			age = 0
		}
		if age >= m.cfg.RecentBoostWindow {
			continue
		}
		touched[e.node.ID] = m.cfg.RecentBoost * (1 - float64(age)/float64(m.cfg.RecentBoostWindow))
	}
	s.mu.Unlock()
	return func(id string) float64 { return touched[id] }
}

// BoostRecentInteractions adds the recent-access boost to each score and
// re-sorts by score, highest first. Scores stay within [0,1].
func (m *ContextManager) BoostRecentInteractions(sessionID string, nodes []ScoredNode) []ScoredNode {
	boost := m.RecentBoost(sessionID)
	for i := range nodes {
		nodes[i].Score = store.Clamp01(nodes[i].Score + boost(nodes[i].ID))
	}
	sort.SliceStable(nodes, func(i, j int) bool { return nodes[i].Score > nodes[j].Score })
	return nodes
}

// RecentQueries returns the session's query texts, oldest first.
func (m *ContextManager) RecentQueries(sessionID string) []string {
	s := m.session(sessionID, false)
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.queries))
	for i, q := range s.queries {
		out[i] = q.Text
	}
	return out
}

// EndSession discards a session. Operations still holding it finish
// against the detached state.
func (m *ContextManager) EndSession(sessionID string) {
	m.sessions.Remove(sessionID)
}

// Cleanup evicts sessions idle longer than SessionTTL and returns how many
// were removed.
func (m *ContextManager) Cleanup() int {
	cutoff := m.now().Add(-m.cfg.SessionTTL)
	removed := 0
	for _, id := range m.sessions.Keys() {
		s, ok := m.sessions.Peek(id)
		if !ok {
			continue
		}
		s.mu.Lock()
		idle := s.lastSeen.Before(cutoff)
		s.mu.Unlock()
		if idle && m.sessions.Remove(id) {
			removed++
		}
	}
	if removed > 0 {
		m.log.Debug("expired sessions removed", zap.Int("count", removed))
	}
	return removed
}

// Sessions returns the number of live sessions.
func (m *ContextManager) Sessions() int { return m.sessions.Len() }

func capFront[T any](s []T, n int) []T {
	if len(s) <= n {
		return s
	}
	return append(s[:0:0], s[len(s)-n:]...)
}

func dropNode(s []nodeEntry, id string) []nodeEntry {
	for i := range s {
		if s[i].node.ID == id {
			return append(s[:i], s[i+1:]...)
		}
	}
	return s
}

func dropEdge(s []edgeEntry, id string) []edgeEntry {
	for i := range s {
		if s[i].edge.ID == id {
			return append(s[:i], s[i+1:]...)
		}
	}
	return s
}

// keepBest trims to n entries by evicting the lowest score, oldest first on
// ties.
func keepBest(s []nodeEntry, n int) []nodeEntry {
	for len(s) > n {
		worst := 0
		for i := 1; i < len(s); i++ {
			if s[i].score < s[worst].score {
				worst = i
			}
		}
		s = append(s[:worst], s[worst+1:]...)
	}
	return s
}
