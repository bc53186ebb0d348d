// Package api exposes a read-only status surface over HTTP: engine state,
// risk level, leaderboard, rate-limit usage, and a websocket event stream.
package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"weex-arena-bot/config"
	"weex-arena-bot/internal/circuit"
	"weex-arena-bot/internal/database"
	"weex-arena-bot/internal/events"
)

// EngineStatus is the slice of the engine the server reads
type EngineStatus interface {
	GetStatus() map[string]interface{}
}

// RiskStatus supplies the current circuit breaker state
type RiskStatus interface {
	Check(ctx context.Context) *circuit.Status
}

// RateUsage reports remaining rate-limit tokens per bucket
type RateUsage interface {
	Usage() map[string]map[string]float64
}

// Server is the HTTP status server
type Server struct {
	router     *gin.Engine
	httpServer *http.Server
	cfg        config.ServerConfig
	engine     EngineStatus
	risk       RiskStatus
	rates      RateUsage
	repo       *database.Repository
	hub        *WSHub
	logger     zerolog.Logger
}

// NewServer creates the status server and wires the websocket hub to the
// event bus.
func NewServer(
	cfg config.ServerConfig,
	engine EngineStatus,
	risk RiskStatus,
	rates RateUsage,
	repo *database.Repository,
	bus *events.Bus,
	logger zerolog.Logger,
) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	s := &Server{
		router: router,
		cfg:    cfg,
		engine: engine,
		risk:   risk,
		rates:  rates,
		repo:   repo,
		hub:    NewWSHub(logger),
		logger: logger.With().Str("component", "api").Logger(),
	}
	router.Use(s.requestLogger())

	corsConfig := cors.DefaultConfig()
	if cfg.AllowedOrigins == "*" {
		corsConfig.AllowAllOrigins = true
	} else {
		corsConfig.AllowOrigins = strings.Split(cfg.AllowedOrigins, ",")
	}
	corsConfig.AllowMethods = []string{"GET", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type"}
	router.Use(cors.New(corsConfig))

	s.setupRoutes()

	bus.SubscribeAll(s.hub.BroadcastEvent)
	go s.hub.Run()

	return s
}

// requestLogger logs each request with method, path, status and latency
func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Info().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Msg("request")
	}
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)

	api := s.router.Group("/api")
	{
		api.GET("/status", s.handleStatus)
		api.GET("/circuit-breaker", s.handleCircuitBreaker)
		api.GET("/leaderboard", s.handleLeaderboard)
		api.GET("/rate-limits", s.handleRateLimits)
	}

	s.router.GET("/ws", s.handleWebSocket)
}

func (s *Server) handleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	status := "ok"
	code := http.StatusOK
	if err := s.repo.HealthCheck(ctx); err != nil {
		status = "degraded"
		code = http.StatusServiceUnavailable
		s.logger.Warn().Err(err).Msg("database health check failed")
	}

	c.JSON(code, gin.H{
		"status":    status,
		"timestamp": time.Now().UTC(),
	})
}

func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.engine.GetStatus())
}

func (s *Server) handleCircuitBreaker(c *gin.Context) {
	c.JSON(http.StatusOK, s.risk.Check(c.Request.Context()))
}

func (s *Server) handleLeaderboard(c *gin.Context) {
	rows, err := s.repo.LeaderboardRows(c.Request.Context())
	if err != nil {
		s.logger.Error().Err(err).Msg("leaderboard query failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "leaderboard unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"leaderboard": rows})
}

func (s *Server) handleRateLimits(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"buckets": s.rates.Usage()})
}

// Start begins serving in a background goroutine
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  time.Duration(s.cfg.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(s.cfg.WriteTimeout) * time.Second,
	}

	go func() {
		s.logger.Info().Str("addr", addr).Msg("status server listening")
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("status server failed")
		}
	}()
	return nil
}

// Shutdown stops the server gracefully
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}
