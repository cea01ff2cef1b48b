package engine

import (
	"context"
	"errors"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lazypower/memgraph/internal/config"
	apperrors "github.com/lazypower/memgraph/internal/errors"
	"github.com/lazypower/memgraph/internal/store"
)

// Translation is the structured reading of a natural-language query.
type Translation struct {
	Query    store.GraphQuery    `json:"query"`
	Keywords []string            `json:"keywords"`
	Topics   []string            `json:"topics,omitempty"`
	Types    []string            `json:"types,omitempty"`
	Since    int64               `json:"since,omitempty"`
	Fuzzy    map[string][]string `json:"fuzzy,omitempty"`
	// Fallback is set when nothing was recognized and the raw text is used
	// as a full-text filter.
	Fallback bool `json:"fallback"`
}

// QueryHit is one ranked node result.
type QueryHit struct {
	store.Node
	Match float64 `json:"match"`
	Score float64 `json:"score"`
}

// QueryResult is returned by Execute. Results is never nil.
type QueryResult struct {
	Query         store.GraphQuery `json:"query"`
	Results       []QueryHit       `json:"results"`
	Edges         []store.Edge     `json:"edges,omitempty"`
	Total         int              `json:"total"`
	ExecutionTime time.Duration    `json:"executionTime"`
	// Translation is set for natural-language queries.
	Translation *Translation `json:"translation,omitempty"`
}

// vocabulary answers fuzzy lookups against indexed terms.
type vocabulary interface {
	HasTerm(term string) bool
	FuzzyTerms(term string, threshold float64) []string
}

// QueryEngine translates natural language into GraphQuery and executes
// queries with a result cap and a timeout.
type QueryEngine struct {
	db    *store.DB
	cfg   config.QueryConfig
	vocab vocabulary
	log   *zap.Logger
	now   func() time.Time
}

func NewQueryEngine(db *store.DB, cfg config.QueryConfig, vocab vocabulary, log *zap.Logger, now func() time.Time) (*QueryEngine, error) {
	if cfg.MaxQueryResults <= 0 || cfg.DefaultQueryTimeout <= 0 {
		return nil, apperrors.Config("query", "max_query_results and default_query_timeout must be positive")
	}
	if now == nil {
		now = time.Now
	}
	return &QueryEngine{db: db, cfg: cfg, vocab: vocab, log: log, now: now}, nil
}

var (
	lastNPattern = regexp.MustCompile(`\b(?:last|past)\s+(\d+)\s+(minute|minutes|min|mins|hour|hours|hr|hrs|day|days|week|weeks)\b`)

	recencyPhrases = []struct {
		phrase string
		since  func(now time.Time) time.Time
	}{
		{"last hour", func(now time.Time) time.Time { return now.Add(-time.Hour) }},
		{"past hour", func(now time.Time) time.Time { return now.Add(-time.Hour) }},
		{"yesterday", func(now time.Time) time.Time { return startOfDay(now).AddDate(0, 0, -1) }},
		{"today", startOfDay},
		{"this morning", startOfDay},
		{"this week", func(now time.Time) time.Time { return startOfDay(now).AddDate(0, 0, -int(now.Weekday())) }},
		{"last week", func(now time.Time) time.Time { return now.AddDate(0, 0, -7) }},
		{"past week", func(now time.Time) time.Time { return now.AddDate(0, 0, -7) }},
		{"this month", func(now time.Time) time.Time { return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location()) }},
		{"last month", func(now time.Time) time.Time { return now.AddDate(0, -1, 0) }},
		{"recently", func(now time.Time) time.Time { return now.Add(-day) }},
		{"recent", func(now time.Time) time.Time { return now.Add(-day) }},
		{"latest", func(now time.Time) time.Time { return now.Add(-day) }},
	}

	// typeHints maps words to the node type they ask for. Topic words such
	// as "code" or "github" are deliberately absent.
	typeHints = map[string]store.NodeType{
		"activity": store.NodeActivity, "activities": store.NodeActivity,
		"pattern": store.NodePattern, "patterns": store.NodePattern,
		"resource": store.NodeResource, "resources": store.NodeResource,
		"concept": store.NodeConcept, "concepts": store.NodeConcept,
		"project": store.NodeProject, "projects": store.NodeProject,
		"workflow": store.NodeWorkflow, "workflows": store.NodeWorkflow,
		"email": store.NodeEmail, "emails": store.NodeEmail,
		"cluster": store.NodeCluster, "clusters": store.NodeCluster,
	}
)

func startOfDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}

func unitDuration(unit string) time.Duration {
	switch {
	case strings.HasPrefix(unit, "min"):
		return time.Minute
	case strings.HasPrefix(unit, "h"):
		return time.Hour
	case strings.HasPrefix(unit, "day"):
		return day
	default:
		return 7 * day
	}
}

// TranslateQuery extracts recency phrases, type hints and topic words from
// text. Remaining keywords, expanded by topic and fuzzy matches, become a
// full-text filter. Text with no recognizable structure is used verbatim as
// the full-text filter.
func (q *QueryEngine) TranslateQuery(text string, rc *RelevanceContext) Translation {
	now := q.now()
	if rc != nil && !rc.Time.IsZero() {
		now = rc.Time
	}
	lower := strings.ToLower(strings.TrimSpace(text))
	t := Translation{Query: store.GraphQuery{ID: uuid.NewString(), Target: store.TargetNode}}

	var since time.Time
	if m := lastNPattern.FindStringSubmatch(lower); m != nil {
		n, _ := strconv.Atoi(m[1])
		since = now.Add(-time.Duration(n) * unitDuration(m[2]))
		lower = strings.Replace(lower, m[0], " ", 1)
	}
	for _, p := range recencyPhrases {
		if !strings.Contains(lower, p.phrase) {
			continue
		}
		if since.IsZero() {
			since = p.since(now)
		}
		lower = strings.ReplaceAll(lower, p.phrase, " ")
	}
	if !since.IsZero() {
		t.Since = since.UnixMilli()
		t.Query.Filters = append(t.Query.Filters, store.Filter{Field: "timestamp", Operator: store.OpGte, Value: t.Since})
	}

	var types []string
	var terms []string
	topics := make(map[Topic]bool)
	for _, tok := range tokenize(lower) {
		if nt, ok := typeHints[tok]; ok {
			types = appendUnique(types, nt.String())
			continue
		}
		if topic, ok := ParseTopic(tok); ok {
			topics[topic] = true
			continue
		}
		for _, kw := range keywords(tok) {
			terms = appendUnique(terms, kw)
		}
	}
	t.Types = types
	if len(types) > 0 {
		t.Query.Filters = append(t.Query.Filters, store.Filter{Field: "type", Operator: store.OpIn, Value: types})
	} else {
		t.Query.Filters = append(t.Query.Filters, store.Filter{Field: "type", Operator: store.OpNe, Value: store.NodeCluster.String()})
	}

	t.Keywords = terms
	expanded := append([]string(nil), terms...)
	topicList := make([]Topic, 0, len(topics))
	for topic := range topics {
		topicList = append(topicList, topic)
	}
	sort.Slice(topicList, func(i, j int) bool { return topicList[i] < topicList[j] })
	for _, topic := range topicList {
		t.Topics = append(t.Topics, topic.String())
		expanded = appendUnique(expanded, topic.String())
		for _, kw := range topic.Keywords() {
			expanded = appendUnique(expanded, kw)
		}
	}

	if q.cfg.EnableFuzzyMatching && q.vocab != nil {
		for _, term := range terms {
			if q.vocab.HasTerm(term) {
				continue
			}
			if alts := q.vocab.FuzzyTerms(term, q.cfg.FuzzyThreshold); len(alts) > 0 {
				if t.Fuzzy == nil {
					t.Fuzzy = make(map[string][]string)
				}
				t.Fuzzy[term] = alts
				for _, a := range alts {
					expanded = appendUnique(expanded, a)
				}
			}
		}
	}

	switch {
	case len(expanded) > 0:
		t.Query.Filters = append(t.Query.Filters, store.Filter{Operator: store.OpMatch, Value: strings.Join(expanded, " ")})
	case since.IsZero() && len(types) == 0:
		t.Fallback = true
		t.Query.Filters = append(t.Query.Filters, store.Filter{Operator: store.OpMatch, Value: text})
	}
	t.Query.Constraints.Limit = q.cfg.MaxQueryResults
	return t
}

func appendUnique(list []string, s string) []string {
	for _, x := range list {
		if x == s {
			return list
		}
	}
	return append(list, s)
}

// ExecuteQuery runs gq as given, capped at MaxQueryResults and bounded by
// DefaultQueryTimeout. An expired budget is a TimeoutError, never a
// truncated result.
func (q *QueryEngine) ExecuteQuery(ctx context.Context, gq store.GraphQuery) (*QueryResult, error) {
	start := time.Now()
	if gq.Target == "" {
		gq.Target = store.TargetNode
	}
	if gq.ID == "" {
		gq.ID = uuid.NewString()
	}
	if gq.Constraints.Limit <= 0 || gq.Constraints.Limit > q.cfg.MaxQueryResults {
		gq.Constraints.Limit = q.cfg.MaxQueryResults
	}

	ctx, cancel := context.WithTimeout(ctx, q.cfg.DefaultQueryTimeout)
	defer cancel()

	res := &QueryResult{Query: gq, Results: []QueryHit{}}
	switch gq.Target {
	case store.TargetNode:
		nr, err := q.db.QueryNodes(ctx, gq)
		if err != nil {
			return nil, q.timeoutOr(ctx, err)
		}
		for _, m := range nr.Nodes {
			res.Results = append(res.Results, QueryHit{Node: m.Node, Match: m.Match, Score: m.RelevanceScore})
		}
		res.Total = nr.Total
	case store.TargetEdge:
		er, err := q.db.QueryEdges(ctx, gq)
		if err != nil {
			return nil, q.timeoutOr(ctx, err)
		}
		res.Edges = er.Edges
		res.Total = er.Total
	default:
		return nil, apperrors.Validation("query", "unknown target %q", gq.Target)
	}
	if err := ctx.Err(); err != nil {
		return nil, apperrors.Timeout("query", err)
	}
	res.ExecutionTime = time.Since(start)
	return res, nil
}

func (q *QueryEngine) timeoutOr(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) && !apperrors.IsTimeout(err) {
		return apperrors.Timeout("query", err)
	}
	return err
}

// Rank reorders hits of a translated query by an even blend of full-text
// match and relevance, plus any per-node boost.
func Rank(hits []QueryHit, boost func(id string) float64) {
	for i := range hits {
		s := 0.5*hits[i].Match + 0.5*hits[i].RelevanceScore
		if boost != nil {
			s += boost(hits[i].ID)
		}
		hits[i].Score = s
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
}
