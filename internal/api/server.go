// Package api serves the control-plane HTTP surface: pipeline lifecycle,
// activity queries, live detection streams over SSE and WebSocket, the
// circuit-breaker control endpoint and the archive cron hook.
package api

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/pumpwatch/pumpwatch/internal/archive"
	"github.com/pumpwatch/pumpwatch/internal/breaker"
	"github.com/pumpwatch/pumpwatch/internal/correlator"
	"github.com/pumpwatch/pumpwatch/internal/metrics"
	"github.com/pumpwatch/pumpwatch/internal/orchestrator"
)

// Config contains server configuration and the components it fronts.
type Config struct {
	Host        string
	Port        int
	CORSOrigins []string
	// CronSecret guards POST /cron/archive; empty leaves the endpoint
	// open.
	CronSecret string
	Version    string

	Orchestrator *orchestrator.Orchestrator
	Breaker      *breaker.Breaker
	// Archiver and Store are nil when the archive backend is disabled;
	// the cron endpoint then answers 503.
	Archiver *archive.Archiver
	Store    archive.Store
}

// Server is the REST API server.
type Server struct {
	router     *gin.Engine
	addr       string
	server     *http.Server
	orch       *orchestrator.Orchestrator
	breaker    *breaker.Breaker
	archiver   *archive.Archiver
	store      archive.Store
	cronSecret string
	version    string

	sse *sseHub
	ws  *wsHub

	// heartbeat paces SSE keepalive events.
	heartbeat time.Duration
}

// NewServer creates an API server and registers its routes. Detections
// emitted by the orchestrator fan out to the SSE and WebSocket streams.
func NewServer(config Config) *Server {
	// Set Gin to release mode for production
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()

	// Add middleware
	router.Use(gin.Recovery())
	router.Use(LoggerMiddleware())
	router.Use(MetricsMiddleware())

	origins := config.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	router.Use(cors.New(cors.Config{
		AllowOrigins:     origins,
		AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	addr := fmt.Sprintf("%s:%d", config.Host, config.Port)

	version := config.Version
	if version == "" {
		version = "dev"
	}

	server := &Server{
		router:     router,
		addr:       addr,
		orch:       config.Orchestrator,
		breaker:    config.Breaker,
		archiver:   config.Archiver,
		store:      config.Store,
		cronSecret: config.CronSecret,
		version:    version,
		sse:        newSSEHub(),
		ws:         newWSHub(),
		heartbeat:  30 * time.Second,
	}

	if server.orch != nil {
		server.orch.OnSignal(func(sig correlator.Signal) {
			server.sse.broadcast(sig)
			server.ws.Broadcast(sig)
		})
	}

	// Setup routes
	server.setupRoutes()

	return server
}

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	log.Info().Str("addr", s.addr).Msg("Starting API server")

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start server: %w", err)
	}

	return nil
}

// Stop gracefully stops the HTTP server and detaches stream clients.
func (s *Server) Stop(ctx context.Context) error {
	log.Info().Msg("Stopping API server")

	s.sse.close()
	s.ws.close()

	if s.server != nil {
		if err := s.server.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to stop server: %w", err)
		}
	}

	return nil
}

// LoggerMiddleware is a custom logging middleware for Gin
func LoggerMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		// Process request
		c.Next()

		// Log request
		latency := time.Since(start)
		statusCode := c.Writer.Status()
		clientIP := c.ClientIP()
		method := c.Request.Method

		logEvent := log.Info().
			Str("method", method).
			Str("path", path).
			Str("query", query).
			Int("status", statusCode).
			Dur("latency", latency).
			Str("client_ip", clientIP)

		if len(c.Errors) > 0 {
			logEvent.Str("errors", c.Errors.String())
		}

		logEvent.Msg("API request")
	}
}

// MetricsMiddleware instruments requests by route template so label
// cardinality stays bounded.
func MetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		status := strconv.Itoa(c.Writer.Status())

		metrics.HTTPRequests.WithLabelValues(c.Request.Method, route, status).Inc()
		metrics.APIRequestDuration.WithLabelValues(c.Request.Method, route, status).
			Observe(float64(time.Since(start).Milliseconds()))
	}
}
