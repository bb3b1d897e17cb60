// Package api exposes the control surface over HTTP: bot lifecycle,
// portfolio queries, safety controls and event streaming.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/coinpilot/coinpilot/internal/bus"
	"github.com/coinpilot/coinpilot/internal/db"
	"github.com/coinpilot/coinpilot/internal/exchange"
	"github.com/coinpilot/coinpilot/internal/market"
	"github.com/coinpilot/coinpilot/internal/portfolio"
	"github.com/coinpilot/coinpilot/internal/risk"
	"github.com/coinpilot/coinpilot/internal/signal"
	"github.com/coinpilot/coinpilot/internal/trading"
)

// Config contains server wiring
type Config struct {
	Host          string
	Port          int
	Store         *db.DB
	Gateway       *exchange.Gateway
	Cache         *market.MarketDataCache
	Evaluator     *signal.Evaluator
	Ledger        *portfolio.Ledger
	Safety        *risk.SafetyState
	Monitor       *trading.Monitor
	Events        *bus.Bus
	EnableMetrics bool
}

// Server is the control API server
type Server struct {
	router    *gin.Engine
	server    *http.Server
	store     *db.DB
	gateway   *exchange.Gateway
	cache     *market.MarketDataCache
	evaluator *signal.Evaluator
	ledger    *portfolio.Ledger
	safety    *risk.SafetyState
	monitor   *trading.Monitor
	events    *bus.Bus
	addr      string
}

// NewServer creates the control API server
func NewServer(config Config) *Server {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(LoggerMiddleware())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	s := &Server{
		router:    router,
		store:     config.Store,
		gateway:   config.Gateway,
		cache:     config.Cache,
		evaluator: config.Evaluator,
		ledger:    config.Ledger,
		safety:    config.Safety,
		monitor:   config.Monitor,
		events:    config.Events,
		addr:      fmt.Sprintf("%s:%d", config.Host, config.Port),
	}

	s.setupRoutes()

	if config.EnableMetrics {
		router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	}

	return s
}

// Start runs the HTTP server until it fails or Shutdown is called
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	log.Info().Str("addr", s.addr).Msg("Control API listening")

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("control API failed: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests within the context deadline
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Router exposes the gin engine (used by tests)
func (s *Server) Router() *gin.Engine {
	return s.router
}
