package api

import (
	"context"
	"io"
	"log/slog"
	"net/http"

	"github.com/flowpbx/callforward/internal/api/middleware"
	"github.com/flowpbx/callforward/internal/database/models"
	"github.com/flowpbx/callforward/internal/numbers"
	"github.com/flowpbx/callforward/internal/provisioning"
	"github.com/flowpbx/callforward/internal/sma"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
)

// CallDispatcher handles SIP media application invocation events.
type CallDispatcher interface {
	Dispatch(ctx context.Context, ev *sma.Event) *sma.Response
}

// NumberService is the management operation set behind the admin console.
type NumberService interface {
	UpdateNumber(ctx context.Context, req numbers.UpdateRequest) (*models.ForwardingRule, error)
	QueryNumber(ctx context.Context) (*numbers.Inventory, error)
	ListVoiceConnectors(ctx context.Context) ([]provisioning.Trunk, error)
	History(ctx context.Context, dialedNumber string, limit int) ([]models.AuditEntry, error)
}

// PromptSource serves stored prompt audio.
type PromptSource interface {
	Get(ctx context.Context, key string) (io.ReadCloser, error)
}

// Options configures the HTTP surface.
type Options struct {
	// CORSOrigins lists allowed admin console origins; "*" allows all.
	CORSOrigins []string
	// Verifier authenticates management requests. Nil disables auth.
	Verifier middleware.TokenVerifier
	// RateLimit is the per-client request rate on management routes.
	// Zero or negative disables rate limiting.
	RateLimit float64
	// TLSEnabled adds HSTS to responses.
	TLSEnabled bool
	// Metrics serves GET /metrics when set.
	Metrics http.Handler
	// Prompts serves GET /prompts/{key} for console playback when set.
	Prompts PromptSource
}

// Server holds HTTP handler dependencies and the chi router.
type Server struct {
	router  *chi.Mux
	calls   CallDispatcher
	numbers NumberService
	opts    Options
	logger  *slog.Logger
	limiter *middleware.ClientRateLimiter
}

// NewServer creates the HTTP handler with all routes mounted.
func NewServer(calls CallDispatcher, svc NumberService, opts Options, logger *slog.Logger) *Server {
	s := &Server{
		router:  chi.NewRouter(),
		calls:   calls,
		numbers: svc,
		opts:    opts,
		logger:  logger.With("subsystem", "api"),
	}
	if opts.RateLimit > 0 {
		s.limiter = middleware.NewClientRateLimiter(middleware.NewRateLimitConfig(opts.RateLimit))
	}

	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Close stops background work owned by the server.
func (s *Server) Close() {
	if s.limiter != nil {
		s.limiter.Stop()
	}
}

// routes configures all middleware and mounts all route groups.
func (s *Server) routes() {
	r := s.router

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.StructuredLogger(s.logger))
	r.Use(middleware.Recoverer(s.logger))
	r.Use(middleware.SecurityHeaders(s.opts.TLSEnabled))
	r.Use(middleware.CORS(s.opts.CORSOrigins))

	r.Get("/health", s.handleHealth)
	if s.opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.opts.Metrics)
	}

	// Invocation events arrive from the telephony platform, not the console.
	r.Post("/sma/events", s.handleSMAEvent)

	r.Group(func(r chi.Router) {
		r.Use(middleware.RequireBearer(s.opts.Verifier))
		if s.limiter != nil {
			r.Use(middleware.RateLimit(s.limiter))
		}

		r.Post("/updateNumber", s.handleUpdateNumber)
		r.Post("/queryNumber", s.handleQueryNumber)
		r.Post("/listVoiceConnectors", s.handleListVoiceConnectors)
		r.Post("/numberHistory", s.handleNumberHistory)
		if s.opts.Prompts != nil {
			r.Get("/prompts/{key}", s.handleGetPrompt)
		}
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})

	if s.opts.Verifier == nil {
		s.logger.Warn("management api authentication disabled")
	}
	s.logger.Info("api routes mounted")
}

// handleHealth returns basic health status. Unauthenticated.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
