// Package api exposes the operational HTTP surface: health probes,
// Prometheus metrics, and read/control endpoints for crawls.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/crawlops/crawlward/internal/crawl"
	"github.com/crawlops/crawlward/internal/health"
	"github.com/crawlops/crawlward/internal/metrics"
	"github.com/crawlops/crawlward/internal/orchestrator"
)

// Server wires the router, handlers, and middleware for the service.
type Server struct {
	router       chi.Router
	logger       *zap.Logger
	registry     crawl.Registry
	orch         *orchestrator.Orchestrator
	analyzer     *health.Analyzer
	runner       *health.Runner
	apiKey       string
	reqTimeout   time.Duration
	readyChecker func(ctx context.Context) error
}

// Option customizes the server.
type Option func(*Server)

// WithAPIKey enables API-key auth on the /v1 routes.
func WithAPIKey(key string) Option {
	return func(s *Server) { s.apiKey = key }
}

// WithRequestTimeout bounds each request's handler execution.
func WithRequestTimeout(d time.Duration) Option {
	return func(s *Server) { s.reqTimeout = d }
}

// WithReadyChecker sets the dependency probe behind /readyz.
func WithReadyChecker(fn func(ctx context.Context) error) Option {
	return func(s *Server) { s.readyChecker = fn }
}

// WithRunner serves /v1/crawls/health from the background runner's
// latest snapshot instead of scanning on demand.
func WithRunner(r *health.Runner) Option {
	return func(s *Server) { s.runner = r }
}

// NewServer builds the HTTP server around the given core components.
// Any of registry, orch, or analyzer may be nil; the corresponding
// routes then answer 503.
func NewServer(logger *zap.Logger, registry crawl.Registry, orch *orchestrator.Orchestrator, analyzer *health.Analyzer, opts ...Option) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		logger:     logger,
		registry:   registry,
		orch:       orch,
		analyzer:   analyzer,
		reqTimeout: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}

	r := chi.NewRouter()
	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)

	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		if s.apiKey != "" {
			r.Use(s.apiKeyMiddleware)
		}
		r.Get("/crawls/health", s.handleFleetHealth)
		r.Get("/crawls/{crawlID}/health", s.handleCrawlHealth)
		r.Get("/crawls/{crawlID}/counts", s.handleCrawlCounts)
		r.Post("/crawls/{crawlID}/cancel", s.handleCancelCrawl)
	})

	s.router = r
	return s
}

// Handler returns the root handler with the request timeout applied.
func (s *Server) Handler() http.Handler {
	if s.reqTimeout <= 0 {
		return s.router
	}
	return http.TimeoutHandler(s.router, s.reqTimeout, `{"error":"request timed out"}`)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if s.readyChecker != nil {
		if err := s.readyChecker(r.Context()); err != nil {
			writeError(w, http.StatusServiceUnavailable, "not ready: "+err.Error())
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) handleFleetHealth(w http.ResponseWriter, r *http.Request) {
	team := r.URL.Query().Get("team")
	if s.runner != nil {
		if snap := s.runner.Latest(); snap != nil {
			writeJSON(w, http.StatusOK, filterSnapshot(*snap, team))
			return
		}
	}
	if s.analyzer == nil {
		writeError(w, http.StatusServiceUnavailable, "health analyzer not configured")
		return
	}
	reports, err := s.analyzer.AnalyzeAll(r.Context())
	if err != nil {
		s.logger.Error("fleet health scan failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "health scan failed")
		return
	}
	writeJSON(w, http.StatusOK, filterSnapshot(health.Snapshot{
		Reports:     reports,
		Aggregate:   health.Aggregated(reports),
		GeneratedAt: time.Now().UTC(),
	}, team))
}

// filterSnapshot narrows a snapshot to one team. The aggregate is
// recomputed over the surviving reports.
func filterSnapshot(snap health.Snapshot, team string) health.Snapshot {
	if team == "" {
		return snap
	}
	filtered := make([]crawl.HealthReport, 0, len(snap.Reports))
	for _, report := range snap.Reports {
		if report.TeamID == team {
			filtered = append(filtered, report)
		}
	}
	snap.Reports = filtered
	snap.Aggregate = health.Aggregated(filtered)
	return snap
}

func (s *Server) handleCrawlHealth(w http.ResponseWriter, r *http.Request) {
	if s.analyzer == nil {
		writeError(w, http.StatusServiceUnavailable, "health analyzer not configured")
		return
	}
	crawlID := chi.URLParam(r, "crawlID")
	report, err := s.analyzer.AnalyzeCrawl(r.Context(), crawlID)
	if err != nil {
		if errors.Is(err, crawl.ErrNotFound) {
			writeError(w, http.StatusNotFound, "crawl not found")
			return
		}
		s.logger.Error("crawl health scan failed", zap.String("crawl_id", crawlID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "health scan failed")
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleCrawlCounts(w http.ResponseWriter, r *http.Request) {
	if s.registry == nil {
		writeError(w, http.StatusServiceUnavailable, "registry not configured")
		return
	}
	crawlID := chi.URLParam(r, "crawlID")
	total, done, err := s.registry.JobCounts(r.Context(), crawlID)
	if err != nil {
		if errors.Is(err, crawl.ErrNotFound) {
			writeError(w, http.StatusNotFound, "crawl not found")
			return
		}
		s.logger.Error("job counts failed", zap.String("crawl_id", crawlID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "job counts failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"total": total, "done": done})
}

func (s *Server) handleCancelCrawl(w http.ResponseWriter, r *http.Request) {
	if s.orch == nil {
		writeError(w, http.StatusServiceUnavailable, "orchestrator not configured")
		return
	}
	crawlID := chi.URLParam(r, "crawlID")
	if err := s.orch.CancelCrawl(r.Context(), crawlID); err != nil {
		if errors.Is(err, crawl.ErrNotFound) {
			writeError(w, http.StatusNotFound, "crawl not found")
			return
		}
		s.logger.Error("cancel crawl failed", zap.String("crawl_id", crawlID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "cancel failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled", "crawl_id": crawlID})
}

type contextKey struct{ name string }

var requestIDKey = &contextKey{"request_id"}

func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		ctx := context.WithValue(r.Context(), requestIDKey, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)
		elapsed := time.Since(start)
		metrics.ObserveHTTPRequest(r.Method, r.URL.Path, rw.status, elapsed)
		s.logger.Info("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rw.status),
			zap.Duration("duration", elapsed),
			zap.Any("request_id", r.Context().Value(requestIDKey)),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic in handler",
					zap.Any("panic", rec),
					zap.String("path", r.URL.Path),
				)
				writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) apiKeyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("X-API-Key")
		if key == "" {
			key = r.URL.Query().Get("api_key")
		}
		if key != s.apiKey {
			writeError(w, http.StatusForbidden, "invalid or missing API key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

type responseWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (rw *responseWriter) WriteHeader(code int) {
	if rw.wroteHeader {
		return
	}
	rw.status = code
	rw.wroteHeader = true
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	if !rw.wroteHeader {
		rw.WriteHeader(http.StatusOK)
	}
	return rw.ResponseWriter.Write(b)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
