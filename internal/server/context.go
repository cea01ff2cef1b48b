package server

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/lazypower/memgraph/internal/engine"
	"github.com/lazypower/memgraph/internal/store"
)

// maxContextItems caps each section of the rendered context.
const maxContextItems = 15

func (s *Server) handleGetContext(w http.ResponseWriter, r *http.Request) {
	text, err := s.buildContext(r.Context(), r.URL.Query().Get("session_id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"context": text})
}

// buildContext renders a session's working set as markdown for injection
// into an assistant prompt. Without a session it falls back to the most
// relevant nodes in the graph.
func (s *Server) buildContext(ctx context.Context, sessionID string) (string, error) {
	var b strings.Builder
	b.WriteString("<context>\n## memgraph: activity memory\n")

	var relevant []engine.ScoredNode
	var recent []store.Node
	var queries []engine.QueryRecord
	if sessionID != "" {
		sc, err := s.graph.SessionContext(ctx, sessionID)
		if err != nil {
			return "", err
		}
		relevant, recent, queries = sc.RelevantNodes, sc.RecentNodes, sc.QueryHistory
	}
	if len(relevant) == 0 {
		recs, err := s.graph.GetContextualRecommendations(ctx, sessionID, "", maxContextItems)
		if err != nil {
			return "", err
		}
		for _, rec := range recs {
			relevant = append(relevant, engine.ScoredNode{
				Node:  store.Node{ID: rec.ID, Type: rec.Type, Content: rec.Content},
				Score: rec.Relevance,
			})
		}
	}

	sort.SliceStable(relevant, func(i, j int) bool { return nodeScore(relevant[i]) > nodeScore(relevant[j]) })
	if len(relevant) > maxContextItems {
		relevant = relevant[:maxContextItems]
	}
	if len(relevant) > 0 {
		b.WriteString("\n### Relevant\n")
		for _, sn := range relevant {
			fmt.Fprintf(&b, "- [%s] %s (%.2f)\n", sn.Type, oneLine(sn.Content), sn.Score)
		}
	}

	if len(recent) > 0 {
		b.WriteString("\n### Recently Accessed\n")
		for i, n := range recent {
			if i == maxContextItems {
				break
			}
			ts := time.UnixMilli(n.Timestamp).Format("2006-01-02 15:04")
			fmt.Fprintf(&b, "- [%s] %s\n", ts, oneLine(n.Content))
		}
	}

	if len(queries) > 0 {
		b.WriteString("\n### Recent Queries\n")
		for i := len(queries) - 1; i >= 0 && len(queries)-i <= 5; i-- {
			fmt.Fprintf(&b, "- %s\n", queries[i].Text)
		}
	}

	b.WriteString("</context>")
	return b.String(), nil
}

// nodeScore ranks a node for context injection. Frequently accessed nodes
// stay prominent: log2(access)+1 gives 1->1.0, 2->2.0, 4->3.0.
func nodeScore(sn engine.ScoredNode) float64 {
	accessBoost := 1.0
	if sn.AccessCount > 0 {
		accessBoost = 1.0 + math.Log2(float64(sn.AccessCount))
	}
	return sn.Score * accessBoost
}

func oneLine(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	if r := []rune(s); len(r) > 160 {
		s = string(r[:157]) + "..."
	}
	return s
}
