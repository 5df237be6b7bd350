// Package api mounts every HTTP route of the relay on one chi router: the
// Twilio webhooks, the media stream WebSocket, health, stats and metrics.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/masseurmatch/callrelay/internal/api/middleware"
	"github.com/masseurmatch/callrelay/internal/relay"
	"github.com/masseurmatch/callrelay/internal/webhook"
)

// MediaStreamPath is where Twilio opens media streams. WebSocket upgrades on
// "/" are accepted too, so a stream URL without a path keeps working.
const MediaStreamPath = "/media-stream"

// Deps are the handlers and collaborators the router serves.
type Deps struct {
	Relay     *relay.Server
	Webhooks  *webhook.Handlers
	Gatherer  prometheus.Gatherer // nil disables /metrics
	RateLimit middleware.RateLimitConfig
	Logger    *slog.Logger
}

// Server holds HTTP handler dependencies and the chi router.
type Server struct {
	router    *chi.Mux
	deps      Deps
	limiter   *middleware.IPRateLimiter
	logger    *slog.Logger
	startedAt time.Time
}

// NewServer creates the HTTP handler with all routes mounted.
func NewServer(deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.RateLimit.Rate == 0 {
		deps.RateLimit = middleware.WebhookRateLimitConfig()
	}
	s := &Server{
		router:    chi.NewRouter(),
		deps:      deps,
		limiter:   middleware.NewIPRateLimiter(deps.RateLimit, deps.Logger),
		logger:    deps.Logger.With("subsystem", "api"),
		startedAt: time.Now(),
	}

	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Close stops the rate limiter's cleanup goroutine.
func (s *Server) Close() {
	s.limiter.Stop()
}

func (s *Server) routes() {
	r := s.router

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.StructuredLogger(s.deps.Logger))
	r.Use(middleware.Recoverer(s.deps.Logger))

	r.Get("/healthz", s.handleHealth)
	r.Get("/api/v1/stats", s.handleStats)
	if s.deps.Gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{}))
	}

	// Twilio webhooks.
	r.Group(func(r chi.Router) {
		r.Use(middleware.RateLimit(s.limiter))
		r.Post("/voice", s.deps.Webhooks.Voice)
		r.Post("/sms/missed-call", s.deps.Webhooks.MissedCall)
	})

	r.Method(http.MethodGet, MediaStreamPath, s.deps.Relay)
	r.Get("/", s.handleRoot)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		s.writeError(w, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})

	s.logger.Debug("routes mounted")
}

type healthResponse struct {
	Status         string `json:"status"`
	ActiveSessions int    `json:"active_sessions"`
	UptimeSeconds  int64  `json:"uptime_seconds"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, healthResponse{
		Status:         "ok",
		ActiveSessions: s.deps.Relay.Registry().Count(),
		UptimeSeconds:  int64(time.Since(s.startedAt).Seconds()),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.deps.Relay.Stats().Snapshot())
}

// handleRoot hands WebSocket upgrades to the relay.
func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if websocket.IsWebSocketUpgrade(r) {
		s.deps.Relay.ServeHTTP(w, r)
		return
	}
	s.writeError(w, http.StatusNotFound, "not found")
}

// envelope wraps every JSON body: {"data": ...} or {"error": "..."}.
type envelope struct {
	Data  any    `json:"data,omitempty"`
	Error string `json:"error,omitempty"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	s.writeEnvelope(w, status, envelope{Data: data})
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeEnvelope(w, status, envelope{Error: msg})
}

func (s *Server) writeEnvelope(w http.ResponseWriter, status int, env envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(env); err != nil {
		s.logger.Error("encoding json response", "status", status, "error", err)
	}
}
