package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/lazypower/memgraph/internal/engine"
	apperrors "github.com/lazypower/memgraph/internal/errors"
	"github.com/lazypower/memgraph/internal/scheduler"
	"github.com/lazypower/memgraph/internal/store"
)

// maxBodyBytes bounds request bodies, imports included.
const maxBodyBytes = 64 << 20

// Server is the memgraph HTTP API server.
type Server struct {
	graph     *engine.MemoryGraph
	scheduler *scheduler.Scheduler
	log       *zap.Logger
	router    chi.Router
	version   string
	started   time.Time
}

type Option func(*Server)

// WithScheduler routes manual maintenance through s so its status reflects
// every pass.
func WithScheduler(s *scheduler.Scheduler) Option {
	return func(srv *Server) { srv.scheduler = s }
}

func WithLogger(l *zap.Logger) Option {
	return func(srv *Server) {
		if l != nil {
			srv.log = l
		}
	}
}

// New creates a Server over an initialized graph.
func New(g *engine.MemoryGraph, version string, opts ...Option) *Server {
	s := &Server{
		graph:   g,
		version: version,
		started: time.Now(),
		log:     zap.NewNop(),
	}
	for _, o := range opts {
		o(s)
	}
	s.log = s.log.Named("http")
	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)
	r.Use(s.requestLogger)

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", s.handleHealth)

		r.Post("/events", s.handleEvents)
		r.Get("/query", s.handleQueryText)
		r.Post("/query", s.handleQuery)
		r.Get("/recommendations", s.handleRecommendations)
		r.Post("/interactions", s.handleInteraction)

		r.Get("/context", s.handleGetContext)
		r.Get("/sessions/{sessionID}", s.handleSession)
		r.Delete("/sessions/{sessionID}", s.handleEndSession)

		r.Get("/analyze", s.handleAnalyze)
		r.Get("/stats", s.handleStats)
		r.Get("/maintenance", s.handleMaintenanceStatus)
		r.Post("/maintenance", s.handleMaintenance)

		r.Get("/export", s.handleExport)
		r.Post("/import", s.handleImport)
	})
	r.Handle("/metrics", promhttp.HandlerFor(s.graph.Registry(), promhttp.HandlerOpts{}))

	s.router = r
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("took", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())))
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	dbOK := true
	if _, err := s.graph.GetStats(r.Context()); err != nil {
		dbOK = false
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": s.version,
		"uptime":  time.Since(s.started).Seconds(),
		"db":      dbOK,
		"db_path": s.graph.Config().Database.Path,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// statusFor maps an error kind onto an HTTP status.
func statusFor(err error) int {
	if errors.Is(err, store.ErrVersionConflict) || errors.Is(err, store.ErrDuplicateEvent) {
		return http.StatusConflict
	}
	switch apperrors.KindOf(err) {
	case apperrors.KindValidation:
		return http.StatusBadRequest
	case apperrors.KindNotFound:
		return http.StatusNotFound
	case apperrors.KindTimeout:
		return http.StatusGatewayTimeout
	case apperrors.KindUnsupportedFormat:
		return http.StatusUnsupportedMediaType
	case apperrors.KindNotInitialized:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= 500 {
		s.log.Error("request failed", zap.Error(err))
	}
	body := map[string]string{"error": err.Error()}
	if kind := apperrors.KindOf(err); kind != "" {
		body["kind"] = string(kind)
	}
	writeJSON(w, status, body)
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, map[string]string{"error": msg, "kind": string(apperrors.KindValidation)})
}
