// Package api provides the HTTP interface of the orchestrator: run creation,
// approval decisions, status queries and live run events.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	gocache "github.com/patrickmn/go-cache"
	"github.com/rs/cors"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/BM-AI-solutions/decision-points-sub000/internal/diagnostics"
	"github.com/BM-AI-solutions/decision-points-sub000/internal/events"
	"github.com/BM-AI-solutions/decision-points-sub000/internal/logging"
	"github.com/BM-AI-solutions/decision-points-sub000/internal/service/workflow"
)

const (
	// DefaultIdempotencyTTL is how long an Idempotency-Key maps to its run.
	DefaultIdempotencyTTL = 10 * time.Minute

	// requestTimeout bounds non-streaming handlers.
	requestTimeout = 60 * time.Second

	// maxBodyBytes caps request bodies.
	maxBodyBytes = 1 << 20
)

// Server provides the HTTP endpoints for workflow runs.
type Server struct {
	router      chi.Router
	orch        *workflow.Orchestrator
	eventBus    *events.EventBus
	logger      *logging.Logger
	corsOrigins []string
	idemTTL     time.Duration
	idempotency *idempotencyCache
	monitor     *diagnostics.ResourceMonitor
	host        *diagnostics.HostCollector
	startedAt   time.Time
}

// ServerOption configures the server.
type ServerOption func(*Server)

// WithLogger sets the server logger.
func WithLogger(logger *logging.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithCORSOrigins enables CORS for the given origins. "*" allows any origin.
func WithCORSOrigins(origins []string) ServerOption {
	return func(s *Server) {
		s.corsOrigins = origins
	}
}

// WithIdempotencyTTL sets how long Idempotency-Key values are remembered.
func WithIdempotencyTTL(ttl time.Duration) ServerOption {
	return func(s *Server) {
		if ttl > 0 {
			s.idemTTL = ttl
		}
	}
}

// WithDiagnostics adds process and host resource figures to /health.
// Either argument may be nil.
func WithDiagnostics(monitor *diagnostics.ResourceMonitor, host *diagnostics.HostCollector) ServerOption {
	return func(s *Server) {
		s.monitor = monitor
		s.host = host
	}
}

// NewServer creates a new API server.
func NewServer(orch *workflow.Orchestrator, eventBus *events.EventBus, opts ...ServerOption) *Server {
	s := &Server{
		orch:      orch,
		eventBus:  eventBus,
		logger:    logging.NewNop(),
		idemTTL:   DefaultIdempotencyTTL,
		startedAt: time.Now(),
	}

	for _, opt := range opts {
		opt(s)
	}

	s.idempotency = newIdempotencyCache(s.idemTTL)
	s.router = s.setupRouter()
	return s
}

// Handler returns the HTTP handler for the server, instrumented for tracing.
func (s *Server) Handler() http.Handler {
	return otelhttp.NewHandler(s.router, "decisionpoints.api",
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}))
}

// setupRouter configures Chi router with all routes and middleware.
func (s *Server) setupRouter() chi.Router {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.loggingMiddleware)

	if len(s.corsOrigins) > 0 {
		corsHandler := cors.New(cors.Options{
			AllowedOrigins:   s.corsOrigins,
			AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Content-Type", "Idempotency-Key", "X-Requested-With"},
			AllowCredentials: false,
			MaxAge:           300,
		})
		r.Use(corsHandler.Handler)
	}

	r.Get("/health", s.handleHealth)

	r.Route("/a2a", func(r chi.Router) {
		r.Route("/workflow", func(r chi.Router) {
			r.Group(func(r chi.Router) {
				r.Use(middleware.Timeout(requestTimeout))
				r.Get("/", s.handleListRuns)
				r.Post("/", s.handleCreateRun)
				r.Get("/{runID}", s.handleGetRun)
				r.Get("/{runID}/steps", s.handleListSteps)
				r.Post("/{runID}/resume", s.handleResume)
			})

			// Streaming endpoints stay open for the life of the run.
			r.Get("/{runID}/events", s.handleRunEvents)
			r.Get("/{runID}/ws", s.handleRunWebSocket)
		})

		r.With(middleware.Timeout(requestTimeout)).Get("/tasks", s.handleListTasks)
	})

	return r
}

// loggingMiddleware logs HTTP requests.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		defer func() {
			s.logger.Info("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"duration", time.Since(start),
				"bytes", ww.BytesWritten(),
				"request_id", middleware.GetReqID(r.Context()),
			)
		}()

		next.ServeHTTP(ww, r)
	})
}

// respondJSON sends a JSON response.
func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		if err := json.NewEncoder(w).Encode(data); err != nil {
			slog.Error("failed to encode response", "error", err)
		}
	}
}

// respondError sends a JSON error response.
func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// healthResponse is the body of GET /health.
type healthResponse struct {
	Status        string                   `json:"status"`
	Time          string                   `json:"time"`
	Uptime        string                   `json:"uptime"`
	Metrics       workflow.MetricsSnapshot `json:"metrics"`
	DroppedEvents int64                    `json:"dropped_events"`
	Subscribers   int                      `json:"subscribers"`

	Resources *diagnostics.ResourceSnapshot `json:"resources,omitempty"`
	Trend     *diagnostics.ResourceTrend    `json:"trend,omitempty"`
	Warnings  []diagnostics.HealthWarning   `json:"warnings,omitempty"`
	Host      *diagnostics.HostMetrics      `json:"host,omitempty"`
}

// handleHealth returns server health status and run counters. A critical
// resource warning reports the server as degraded.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	resp := healthResponse{
		Status:  "healthy",
		Time:    time.Now().UTC().Format(time.RFC3339),
		Uptime:  time.Since(s.startedAt).Round(time.Second).String(),
		Metrics: s.orch.Metrics().Snapshot(),
	}
	if s.eventBus != nil {
		resp.DroppedEvents = s.eventBus.DroppedCount()
		resp.Subscribers = s.eventBus.SubscriberCount()
	}
	if s.monitor != nil {
		snapshot := s.monitor.Latest()
		trend := s.monitor.Trend()
		resp.Resources = &snapshot
		resp.Trend = &trend
		resp.Warnings = s.monitor.CheckHealth()
		for _, warning := range resp.Warnings {
			if warning.Level == "critical" {
				resp.Status = "degraded"
			}
		}
	}
	if s.host != nil {
		host := s.host.Collect()
		resp.Host = &host
	}
	respondJSON(w, http.StatusOK, resp)
}

// ListenAndServe starts the HTTP server and shuts it down when ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string, shutdownTimeout time.Duration) error {
	if shutdownTimeout <= 0 {
		shutdownTimeout = 5 * time.Second
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting API server", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	s.logger.Info("shutting down API server")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// idempotencyCache maps Idempotency-Key values to the run they created.
type idempotencyCache struct {
	mu    sync.Mutex
	cache *gocache.Cache
}

func newIdempotencyCache(ttl time.Duration) *idempotencyCache {
	return &idempotencyCache{cache: gocache.New(ttl, 2*ttl)}
}

// do returns the run remembered for key, or calls create and remembers its
// result. Requests sharing a key are serialized so only one run is created.
func (c *idempotencyCache) do(key string, create func() (string, error)) (runID string, replayed bool, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if v, ok := c.cache.Get(key); ok {
		if id, ok := v.(string); ok {
			return id, true, nil
		}
	}
	id, err := create()
	if err != nil {
		return "", false, err
	}
	c.cache.SetDefault(key, id)
	return id, false, nil
}
