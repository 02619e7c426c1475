package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/flowdial/flowdial/internal/api/middleware"
	"github.com/flowdial/flowdial/internal/channel"
	"github.com/flowdial/flowdial/internal/database"
	"github.com/flowdial/flowdial/internal/dialer"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Dispatcher is the subset of the dial engine the HTTP layer drives.
type Dispatcher interface {
	StartCampaign(ctx context.Context, id int64) error
	PauseCampaign(ctx context.Context, id int64) error
	ResumeCampaign(ctx context.Context, id int64) error
	HandleCallStart(callID string)
	HandleCallEnd(callID string, duration int, disposition, keypress string)
	KnownCall(callID string) bool
	Status() dialer.SystemStatus
	ActiveCallCount(campaignID int64) int
}

// Config holds the HTTP server's auth settings.
type Config struct {
	APIToken    string // static bearer token for admin routes, empty disables auth
	EventSecret []byte // HMAC secret for originator event tokens
}

// Server holds HTTP handler dependencies and the chi router.
type Server struct {
	router    *chi.Mux
	cfg       Config
	engine    Dispatcher
	pool      *channel.Pool
	campaigns database.CampaignRepository
	contacts  database.ContactRepository
	callLogs  database.CallLogRepository
	dnc       database.DNCRepository
}

// NewServer creates the HTTP handler with all routes mounted.
func NewServer(
	cfg Config,
	engine Dispatcher,
	pool *channel.Pool,
	campaigns database.CampaignRepository,
	contacts database.ContactRepository,
	callLogs database.CallLogRepository,
	dnc database.DNCRepository,
) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		cfg:       cfg,
		engine:    engine,
		pool:      pool,
		campaigns: campaigns,
		contacts:  contacts,
		callLogs:  callLogs,
		dnc:       dnc,
	}

	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// routes configures all middleware and mounts all route groups.
func (s *Server) routes() {
	r := s.router

	// Global middleware stack.
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.StructuredLogger)
	r.Use(middleware.Recoverer)

	// Event webhooks burst with call volume, so they get their own limiter
	// instead of sharing the admin one.
	adminLimiter := middleware.NewIPRateLimiter(middleware.DefaultRateLimitConfig())
	eventLimiter := middleware.NewIPRateLimiter(middleware.EventRateLimitConfig())

	// Unauthenticated operational endpoints.
	r.Group(func(r chi.Router) {
		r.Use(middleware.RateLimit(adminLimiter))
		r.Get("/health", s.handleHealth)
		r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	})

	r.Route("/api/v1", func(r chi.Router) {
		// Originator event webhooks, authorized by per-call event tokens.
		r.Route("/events", func(r chi.Router) {
			r.Use(middleware.RateLimit(eventLimiter))
			r.Use(middleware.RequireEventToken(s.cfg.EventSecret))
			r.Post("/call-start", s.handleCallStartEvent)
			r.Post("/call-end", s.handleCallEndEvent)
		})

		// Admin routes behind the static bearer token.
		r.Group(func(r chi.Router) {
			r.Use(middleware.RateLimit(adminLimiter))
			r.Use(middleware.RequireToken(s.cfg.APIToken))

			r.Route("/campaigns", func(r chi.Router) {
				r.Get("/", s.handleListCampaigns)
				r.Route("/{id}", func(r chi.Router) {
					r.Get("/", s.handleGetCampaign)
					r.Post("/start", s.handleStartCampaign)
					r.Post("/pause", s.handlePauseCampaign)
					r.Post("/resume", s.handleResumeCampaign)
				})
			})

			r.Get("/channels", s.handleListChannels)
			r.Get("/calls", s.handleListCalls)
			r.Get("/dnc", s.handleListDNC)
			r.Get("/system/status", s.handleSystemStatus)
		})
	})

	slog.Info("api routes mounted")
}

// handleHealth returns basic health status. Unauthenticated.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
