// Package server exposes the scanner's control surface over HTTP and a
// WebSocket event stream for dashboards. Handlers never run inside the
// scan pipeline's goroutines; everything they call is safe for
// concurrent use.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/marcusholm/polyscan/internal/domain"
	"github.com/marcusholm/polyscan/internal/server/handler"
	"github.com/marcusholm/polyscan/internal/server/middleware"
	"github.com/marcusholm/polyscan/internal/server/ws"
)

// Config holds the HTTP server settings.
type Config struct {
	Port        int
	CORSOrigins []string
	APIKey      string        // empty disables auth
	APIRate     int           // requests per window per client, 0 disables limiting
	APIWindow   time.Duration // rate-limit window
}

// Handlers aggregates the route handlers the server registers.
type Handlers struct {
	Health        *handler.HealthHandler
	Status        *handler.StatusHandler
	Bot           *handler.BotHandler
	Config        *handler.ConfigHandler
	Opportunities *handler.OpportunityHandler
	History       *handler.HistoryHandler
	Markets       *handler.MarketHandler
	Prices        *handler.PriceHandler
	Events        *handler.EventsHandler
}

// Server is the control API for the scanner.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// New registers all routes and builds the middleware chain. wsHub and
// limiter may be nil; the corresponding route/middleware is then
// skipped.
func New(cfg Config, h Handlers, wsHub *ws.Hub, limiter domain.RateLimiter, logger *slog.Logger) *Server {
	mux := http.NewServeMux()

	// Liveness, reachable without auth headers for load balancers.
	mux.HandleFunc("GET /api/health", h.Health.HealthCheck)

	mux.HandleFunc("GET /api/status", h.Status.GetStatus)

	mux.HandleFunc("POST /api/scan", h.Bot.RunScan)
	mux.HandleFunc("POST /api/bot/start", h.Bot.StartBot)
	mux.HandleFunc("POST /api/bot/stop", h.Bot.StopBot)
	mux.HandleFunc("POST /api/bot/pause", h.Bot.PauseBot)
	mux.HandleFunc("POST /api/bot/resume", h.Bot.ResumeBot)

	mux.HandleFunc("GET /api/config", h.Config.GetConfig)
	mux.HandleFunc("PATCH /api/config", h.Config.UpdateConfig)

	mux.HandleFunc("GET /api/opportunities", h.Opportunities.ListRecent)
	mux.HandleFunc("GET /api/opportunities/{id}", h.Opportunities.GetByID)
	mux.HandleFunc("POST /api/opportunities/{id}/execute", h.Opportunities.Execute)

	mux.HandleFunc("GET /api/executions", h.History.ListExecutions)
	mux.HandleFunc("GET /api/scans", h.History.ListScans)

	mux.HandleFunc("GET /api/markets/{id}", h.Markets.GetMarket)
	mux.HandleFunc("GET /api/prices", h.Prices.ListPrices)
	mux.HandleFunc("GET /api/prices/{token}", h.Prices.GetPrice)
	mux.HandleFunc("GET /api/events", h.Events.ListEvents)

	if wsHub != nil {
		mux.HandleFunc("GET /ws", wsHub.HandleWS)
	}

	// Outermost first: CORS -> logging -> rate limit -> auth -> mux.
	var hdl http.Handler = mux
	hdl = middleware.Auth(cfg.APIKey)(hdl)
	if limiter != nil && cfg.APIRate > 0 {
		hdl = middleware.RateLimit(limiter, cfg.APIRate, cfg.APIWindow)(hdl)
	}
	hdl = middleware.Logging(logger)(hdl)
	hdl = middleware.CORS(cfg.CORSOrigins)(hdl)

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      hdl,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		logger: logger.With(slog.String("component", "server")),
	}
}

// Start listens until the server errors or Shutdown runs.
func (s *Server) Start() error {
	s.logger.Info("listening", slog.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests within the context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
