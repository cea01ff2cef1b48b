package server

import (
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/lazypower/memgraph/internal/engine"
	"github.com/lazypower/memgraph/internal/scheduler"
)

func eventsJSON(base time.Time) string {
	ts := base.UnixMilli()
	return fmt.Sprintf(`[
		{"id":"ev-github","type":"browser_tab","timestamp":%d,"source":"chrome","sessionId":"s1",
		 "metadata":{"url":"https://github.com/lazypower/memgraph","title":"memgraph repository development"}},
		{"id":"ev-docs","type":"browser_tab","timestamp":%d,"source":"chrome","sessionId":"s1",
		 "metadata":{"url":"https://pkg.go.dev/modernc.org/sqlite","title":"sqlite driver docs"}}
	]`, ts, ts+30_000)
}

func seed(t *testing.T, srv *Server) engine.ProcessingResult {
	t.Helper()
	w := do(t, srv, "POST", "/api/events", eventsJSON(time.Now().Add(-time.Minute)))
	if w.Code != http.StatusOK {
		t.Fatalf("seed status = %d: %s", w.Code, w.Body.String())
	}
	var res engine.ProcessingResult
	decode(t, w, &res)
	return res
}

func TestPostEventsArray(t *testing.T) {
	srv := testServer(t)
	res := seed(t, srv)
	if !res.Success {
		t.Errorf("success = false, errors = %v", res.Errors)
	}
	if res.NodesCreated != 2 {
		t.Errorf("nodesCreated = %d, want 2", res.NodesCreated)
	}
}

func TestPostEventsWrapped(t *testing.T) {
	srv := testServer(t)
	body := `{"events":` + eventsJSON(time.Now().Add(-time.Minute)) + `}`
	w := do(t, srv, "POST", "/api/events", body)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	var res engine.ProcessingResult
	decode(t, w, &res)
	if res.NodesCreated != 2 {
		t.Errorf("nodesCreated = %d, want 2", res.NodesCreated)
	}
}

func TestPostEventsPartialFailure(t *testing.T) {
	srv := testServer(t)
	seed(t, srv)

	// Same batch again: every event is a duplicate.
	w := do(t, srv, "POST", "/api/events", eventsJSON(time.Now().Add(-time.Minute)))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var res engine.ProcessingResult
	decode(t, w, &res)
	if res.NodesCreated != 0 || len(res.Errors) != 2 {
		t.Errorf("nodesCreated = %d errors = %d, want 0 and 2", res.NodesCreated, len(res.Errors))
	}
}

func TestPostEventsInvalidJSON(t *testing.T) {
	srv := testServer(t)
	w := do(t, srv, "POST", "/api/events", "{not json")
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}
}

func TestQueryEndpoints(t *testing.T) {
	srv := testServer(t)
	seed(t, srv)

	w := do(t, srv, "GET", "/api/query?q=sqlite&session_id=s1", "")
	if w.Code != http.StatusOK {
		t.Fatalf("GET status = %d: %s", w.Code, w.Body.String())
	}
	var res engine.QueryResult
	decode(t, w, &res)
	if res.Total == 0 || len(res.Results) == 0 {
		t.Fatalf("expected results for sqlite, got %+v", res)
	}
	if res.Results[0].ID == "" {
		t.Error("result missing node id")
	}
	if res.Translation == nil {
		t.Error("text query should carry its translation")
	}

	w = do(t, srv, "POST", "/api/query", `{"query":{"target":"node","constraints":{"limit":1}}}`)
	if w.Code != http.StatusOK {
		t.Fatalf("POST status = %d: %s", w.Code, w.Body.String())
	}
	res = engine.QueryResult{}
	decode(t, w, &res)
	if len(res.Results) != 1 {
		t.Errorf("structured query results = %d, want 1", len(res.Results))
	}
	if res.Translation != nil {
		t.Error("structured query should not carry a translation")
	}

	w = do(t, srv, "POST", "/api/query", `{"query":{"target":"everything"}}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("invalid target status = %d, want %d", w.Code, http.StatusBadRequest)
	}
}

func TestEmptyQuery(t *testing.T) {
	srv := testServer(t)
	seed(t, srv)

	w := do(t, srv, "GET", "/api/query", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var res engine.QueryResult
	decode(t, w, &res)
	if res.Total != 0 {
		t.Errorf("empty query total = %d, want 0", res.Total)
	}
}

func TestRecommendations(t *testing.T) {
	srv := testServer(t)
	seed(t, srv)

	w := do(t, srv, "GET", "/api/recommendations?session_id=s1&limit=5", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	var body struct {
		Count           int                     `json:"count"`
		Recommendations []engine.Recommendation `json:"recommendations"`
	}
	decode(t, w, &body)
	if body.Count != len(body.Recommendations) {
		t.Errorf("count = %d but %d recommendations", body.Count, len(body.Recommendations))
	}
	if body.Count == 0 {
		t.Error("expected recommendations from seeded nodes")
	}

	if w := do(t, srv, "GET", "/api/recommendations?limit=lots", ""); w.Code != http.StatusBadRequest {
		t.Errorf("bad limit status = %d, want %d", w.Code, http.StatusBadRequest)
	}
}

func TestInteractions(t *testing.T) {
	srv := testServer(t)
	res := seed(t, srv)

	if w := do(t, srv, "POST", "/api/interactions", `{"kind":"click"}`); w.Code != http.StatusBadRequest {
		t.Errorf("missing nodeId status = %d, want %d", w.Code, http.StatusBadRequest)
	}

	bad := fmt.Sprintf(`{"nodeId":%q,"kind":"teleport"}`, res.NodeIDs[0])
	if w := do(t, srv, "POST", "/api/interactions", bad); w.Code != http.StatusBadRequest {
		t.Errorf("unknown kind status = %d, want %d", w.Code, http.StatusBadRequest)
	}

	body := fmt.Sprintf(`{"nodeId":%q,"kind":"click","sessionId":"s2"}`, res.NodeIDs[0])
	w := do(t, srv, "POST", "/api/interactions", body)
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}

	w = do(t, srv, "GET", "/api/sessions/s2", "")
	if w.Code != http.StatusOK {
		t.Fatalf("session status = %d", w.Code)
	}
	var sc engine.SessionContext
	decode(t, w, &sc)
	if len(sc.RecentNodes) != 1 || sc.RecentNodes[0].ID != res.NodeIDs[0] {
		t.Errorf("recent nodes = %+v, want the interacted node", sc.RecentNodes)
	}

	if w := do(t, srv, "DELETE", "/api/sessions/s2", ""); w.Code != http.StatusOK {
		t.Errorf("end session status = %d", w.Code)
	}
	sc = engine.SessionContext{}
	decode(t, do(t, srv, "GET", "/api/sessions/s2", ""), &sc)
	if len(sc.RecentNodes) != 0 {
		t.Errorf("ended session still has %d recent nodes", len(sc.RecentNodes))
	}
}

func TestContextMarkdown(t *testing.T) {
	srv := testServer(t)
	seed(t, srv)
	do(t, srv, "GET", "/api/query?q=sqlite&session_id=s1", "")

	w := do(t, srv, "GET", "/api/context?session_id=s1", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	var body map[string]string
	decode(t, w, &body)
	ctx := body["context"]
	if !strings.HasPrefix(ctx, "<context>") || !strings.HasSuffix(strings.TrimSpace(ctx), "</context>") {
		t.Errorf("context not wrapped in tags:\n%s", ctx)
	}
	if !strings.Contains(ctx, "Recent Queries") || !strings.Contains(ctx, "sqlite") {
		t.Errorf("context missing query history:\n%s", ctx)
	}
}

func TestOneLine(t *testing.T) {
	if got := oneLine("a\nb\n c"); got != "a b c" {
		t.Errorf("oneLine = %q", got)
	}
	long := strings.Repeat("é", 200)
	got := oneLine(long)
	if !strings.HasSuffix(got, "...") {
		t.Errorf("long line not truncated: %d bytes", len(got))
	}
}

func TestAnalyzeAndStats(t *testing.T) {
	srv := testServer(t)
	seed(t, srv)

	w := do(t, srv, "GET", "/api/analyze", "")
	if w.Code != http.StatusOK {
		t.Fatalf("analyze status = %d", w.Code)
	}
	var a engine.AnalysisResult
	decode(t, w, &a)
	if a.ActiveNodes != 2 {
		t.Errorf("activeNodes = %d, want 2", a.ActiveNodes)
	}

	w = do(t, srv, "GET", "/api/stats", "")
	if w.Code != http.StatusOK {
		t.Fatalf("stats status = %d", w.Code)
	}
	var stats map[string]any
	decode(t, w, &stats)
	if len(stats) == 0 {
		t.Error("stats body empty")
	}
}

func TestMaintenanceWithoutScheduler(t *testing.T) {
	srv := testServer(t)
	seed(t, srv)

	var status map[string]any
	decode(t, do(t, srv, "GET", "/api/maintenance", ""), &status)
	if status["running"] != false {
		t.Errorf("running = %v, want false", status["running"])
	}

	w := do(t, srv, "POST", "/api/maintenance?force_decay=true", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	var res engine.MaintenanceResult
	decode(t, w, &res)
	if !res.Success {
		t.Errorf("maintenance failed: %v", res.Errors)
	}
	if res.Decay.NodesDecayed != 2 {
		t.Errorf("nodesDecayed = %d, want 2", res.Decay.NodesDecayed)
	}
}

func TestMaintenanceWithScheduler(t *testing.T) {
	g := testGraph(t)
	sched, err := scheduler.New(g, "0 3 * * *", zap.NewNop())
	if err != nil {
		t.Fatalf("scheduler.New: %v", err)
	}
	srv := New(g, "v", WithScheduler(sched))

	w := do(t, srv, "POST", "/api/maintenance", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}

	var status scheduler.Status
	decode(t, do(t, srv, "GET", "/api/maintenance", ""), &status)
	if status.Schedule != "0 3 * * *" {
		t.Errorf("schedule = %q", status.Schedule)
	}
	if status.LastRun == nil {
		t.Error("lastRun not recorded after manual run")
	}
}

func TestExportImport(t *testing.T) {
	src := testServer(t)
	seed(t, src)

	w := do(t, src, "GET", "/api/export", "")
	if w.Code != http.StatusOK {
		t.Fatalf("export status = %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("content-type = %q", ct)
	}
	snapshot := w.Body.String()

	w = do(t, src, "GET", "/api/export?format=yaml", "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "nodes:") {
		t.Errorf("yaml export status = %d", w.Code)
	}
	if w := do(t, src, "GET", "/api/export?format=xml", ""); w.Code != http.StatusUnsupportedMediaType {
		t.Errorf("xml export status = %d, want %d", w.Code, http.StatusUnsupportedMediaType)
	}

	dst := testServer(t)
	w = do(t, dst, "POST", "/api/import", snapshot)
	if w.Code != http.StatusOK {
		t.Fatalf("import status = %d: %s", w.Code, w.Body.String())
	}
	var res engine.ImportResult
	decode(t, w, &res)
	if res.NodesImported != 2 {
		t.Errorf("nodesImported = %d, want 2", res.NodesImported)
	}

	if w := do(t, dst, "POST", "/api/import", "{broken"); w.Code != http.StatusBadRequest {
		t.Errorf("malformed import status = %d, want %d", w.Code, http.StatusBadRequest)
	}
}

func TestNotInitialized(t *testing.T) {
	g := testGraph(t)
	srv := New(g, "v")
	g.Close()

	w := do(t, srv, "GET", "/api/query?q=x", "")
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", w.Code, http.StatusServiceUnavailable)
	}
	var body map[string]string
	decode(t, w, &body)
	if body["kind"] != "NOT_INITIALIZED" {
		t.Errorf("kind = %q", body["kind"])
	}
}
