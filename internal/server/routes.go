package server

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/lazypower/memgraph/internal/engine"
	"github.com/lazypower/memgraph/internal/store"
)

func decodeBody(r *http.Request, w http.ResponseWriter, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		badRequest(w, "invalid json: "+err.Error())
		return false
	}
	return true
}

// handleEvents accepts a bare array of events or {"events": [...]}.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		badRequest(w, "read body failed")
		return
	}
	var events []engine.BaseEvent
	if trimmed := bytes.TrimSpace(body); len(trimmed) > 0 && trimmed[0] == '[' {
		err = json.Unmarshal(trimmed, &events)
	} else {
		var wrapped struct {
			Events []engine.BaseEvent `json:"events"`
		}
		err = json.Unmarshal(body, &wrapped)
		events = wrapped.Events
	}
	if err != nil {
		badRequest(w, "invalid json: "+err.Error())
		return
	}

	res, err := s.graph.ProcessEvents(r.Context(), events)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleQueryText(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	res, err := s.graph.Query(r.Context(), q.Get("q"), q.Get("session_id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleQuery runs either a natural-language query ("text") or a
// structured one ("query").
func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Text      string            `json:"text"`
		Query     *store.GraphQuery `json:"query"`
		SessionID string            `json:"sessionId"`
	}
	if !decodeBody(r, w, &req) {
		return
	}

	var (
		res *engine.QueryResult
		err error
	)
	if req.Query != nil {
		res, err = s.graph.QueryGraph(r.Context(), *req.Query, req.SessionID)
	} else {
		res, err = s.graph.Query(r.Context(), req.Text, req.SessionID)
	}
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleRecommendations(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := 0
	if l := q.Get("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n < 0 {
			badRequest(w, "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	recs, err := s.graph.GetContextualRecommendations(r.Context(), q.Get("session_id"), q.Get("hint"), limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"count":           len(recs),
		"recommendations": recs,
	})
}

func (s *Server) handleInteraction(w http.ResponseWriter, r *http.Request) {
	var req engine.InteractionRequest
	if !decodeBody(r, w, &req) {
		return
	}
	if req.NodeID == "" {
		badRequest(w, "nodeId required")
		return
	}
	if err := s.graph.RecordInteraction(r.Context(), req); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "recorded"})
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	sc, err := s.graph.SessionContext(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sc)
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	s.graph.EndSession(chi.URLParam(r, "sessionID"))
	writeJSON(w, http.StatusOK, map[string]string{"status": "ended"})
}

func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	res, err := s.graph.Analyze(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.graph.GetStats(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleMaintenanceStatus(w http.ResponseWriter, r *http.Request) {
	if s.scheduler == nil {
		writeJSON(w, http.StatusOK, map[string]any{"schedule": "", "running": false})
		return
	}
	writeJSON(w, http.StatusOK, s.scheduler.Status())
}

func (s *Server) handleMaintenance(w http.ResponseWriter, r *http.Request) {
	force, _ := strconv.ParseBool(r.URL.Query().Get("force_decay"))
	opts := engine.MaintenanceOptions{ForceDecay: force}

	var (
		res *engine.MaintenanceResult
		err error
	)
	if s.scheduler != nil {
		res, err = s.scheduler.RunNow(r.Context(), opts)
	} else {
		res, err = s.graph.PerformMaintenance(r.Context(), opts)
	}
	if err != nil && res == nil {
		s.writeError(w, err)
		return
	}
	if err != nil {
		// Partial pass: report what completed alongside the failure.
		writeJSON(w, statusFor(err), map[string]any{"error": err.Error(), "result": res})
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	format := r.URL.Query().Get("format")
	if format == "" {
		format = engine.FormatJSON
	}
	data, err := s.graph.Export(r.Context(), format)
	if err != nil {
		s.writeError(w, err)
		return
	}
	ct := "application/json"
	if format == engine.FormatYAML {
		ct = "application/yaml"
	}
	w.Header().Set("Content-Type", ct)
	w.Header().Set("Content-Disposition", `attachment; filename="memgraph-export.`+format+`"`)
	w.Write(data)
}

func (s *Server) handleImport(w http.ResponseWriter, r *http.Request) {
	format := r.URL.Query().Get("format")
	if format == "" {
		format = engine.FormatJSON
	}
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		badRequest(w, "read body failed")
		return
	}
	res, err := s.graph.Import(r.Context(), format, data)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
