package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/tdeu/blc-hedera-sub002/internal/domain"
	"github.com/tdeu/blc-hedera-sub002/internal/server/handler"
	"github.com/tdeu/blc-hedera-sub002/internal/server/middleware"
	"github.com/tdeu/blc-hedera-sub002/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	APIKey      string // if both keys are empty, authentication is disabled
	AdminKey    string

	// Limiter enables per-IP rate limiting when set.
	Limiter    domain.RateLimiter
	RateLimit  int
	RateWindow time.Duration
}

// Handlers aggregates all HTTP handlers that the server needs to register.
type Handlers struct {
	Health   *handler.HealthHandler
	Status   *handler.StatusHandler
	Markets  *handler.MarketHandler
	Disputes *handler.DisputeHandler
	Reviews  *handler.ReviewHandler
}

// Server is the HTTP + WebSocket API of the resolution engine.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer registers every route and wraps them in the middleware chain.
func NewServer(cfg Config, handlers Handlers, wsHub *ws.Hub, logger *slog.Logger) *Server {
	logger = logger.With(slog.String("component", "server"))

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      Routes(cfg, handlers, wsHub, logger),
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		logger: logger,
	}
}

// Routes builds the full handler tree. It is exported for tests.
func Routes(cfg Config, h Handlers, wsHub *ws.Hub, logger *slog.Logger) http.Handler {
	admin := func(fn http.HandlerFunc) http.Handler { return middleware.AdminOnly(fn) }

	api := http.NewServeMux()

	api.HandleFunc("GET /api/markets", h.Markets.ListMarkets)
	api.HandleFunc("GET /api/markets/{id}", h.Markets.GetMarket)
	api.HandleFunc("GET /api/markets/{id}/events", h.Markets.GetEvents)
	api.HandleFunc("GET /api/markets/{id}/disputes", h.Markets.GetDisputes)
	api.Handle("POST /api/markets/{id}/preliminary", admin(h.Markets.Preliminary))
	api.Handle("POST /api/markets/{id}/final", admin(h.Markets.Final))
	api.Handle("POST /api/markets/{id}/override", admin(h.Markets.Override))

	api.HandleFunc("GET /api/disputes/eligibility", h.Disputes.Eligibility)
	api.HandleFunc("POST /api/disputes", h.Disputes.Open)
	api.Handle("POST /api/disputes/{id}/resolve", admin(h.Disputes.Resolve))

	api.Handle("GET /api/reviews", admin(h.Reviews.ListPending))
	api.Handle("POST /api/reviews/{id}/confirm", admin(h.Reviews.Confirm))
	api.Handle("POST /api/reviews/{id}/dismiss", admin(h.Reviews.Dismiss))

	api.Handle("GET /api/status", admin(h.Status.GetStatus))

	if wsHub != nil {
		api.HandleFunc("GET /ws", wsHub.HandleWS)
	}

	var protected http.Handler = api
	protected = middleware.Auth(cfg.APIKey, cfg.AdminKey, logger)(protected)

	root := http.NewServeMux()
	root.HandleFunc("GET /api/health", h.Health.HealthCheck)
	root.Handle("/", protected)

	var out http.Handler = root
	if cfg.Limiter != nil && cfg.RateLimit > 0 {
		out = middleware.RateLimit(cfg.Limiter, cfg.RateLimit, cfg.RateWindow, logger)(out)
	}
	out = middleware.Logging(logger)(out)
	out = middleware.CORS(cfg.CORSOrigins)(out)
	return out
}

// Start listens until the server is shut down.
func (s *Server) Start() error {
	s.logger.Info("starting", slog.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown waits for in-flight requests until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
