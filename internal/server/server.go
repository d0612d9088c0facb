// Package server exposes the insights service over HTTP with a WebSocket
// stream per ticket.
package server

import (
	"context"
	stderrors "errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/PentesterFlow/MarketInsights/internal/gatekeeper"
	"github.com/PentesterFlow/MarketInsights/internal/logger"
	"github.com/PentesterFlow/MarketInsights/internal/metrics"
	"github.com/PentesterFlow/MarketInsights/internal/model"
)

// Service is the part of the insights service the API needs.
type Service interface {
	Submit(ctx context.Context, keyword string, opts gatekeeper.SubmitOptions) (*gatekeeper.Ticket, error)
	Subscribe(ticketID string) (<-chan model.ProgressEvent, error)
	Cancel(ticketID string) error
	Status(ticketID string) (int, bool)
	History(ctx context.Context, keyword string, limit int) ([]model.Report, error)
	Runs(ctx context.Context, keyword string, limit int) ([]model.ScrapeRun, error)
	Busy() (bool, int)
	Metrics() *metrics.Collector
}

// Config configures the HTTP server.
type Config struct {
	Addr         string
	AllowOrigin  string        // Access-Control-Allow-Origin; empty disables CORS headers
	WriteTimeout time.Duration // per WebSocket frame
	PingInterval time.Duration
}

// DefaultConfig returns the default server configuration.
func DefaultConfig() Config {
	return Config{
		Addr:         ":8080",
		AllowOrigin:  "*",
		WriteTimeout: 10 * time.Second,
		PingInterval: 30 * time.Second,
	}
}

// Server is the HTTP API.
type Server struct {
	config   Config
	service  Service
	log      *logger.Logger
	engine   *gin.Engine
	upgrader websocket.Upgrader
	http     *http.Server
}

// New creates the server and registers its routes.
func New(config Config, service Service, log *logger.Logger) *Server {
	if log == nil {
		log = logger.Nop()
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = DefaultConfig().WriteTimeout
	}
	if config.PingInterval <= 0 {
		config.PingInterval = DefaultConfig().PingInterval
	}

	s := &Server{
		config:  config,
		service: service,
		log:     log.WithComponent("server"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}

	s.engine = gin.New()
	s.engine.Use(gin.Recovery(), s.requestLogger())
	if config.AllowOrigin != "" {
		s.engine.Use(cors(config.AllowOrigin))
	}
	s.routes()

	s.http = &http.Server{
		Addr:              config.Addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) routes() {
	s.engine.GET("/health", s.health)

	api := s.engine.Group("/api")
	{
		api.POST("/analyze", s.analyze)
		api.GET("/tickets/:id", s.ticketStatus)
		api.DELETE("/tickets/:id", s.cancelTicket)
		api.GET("/tickets/:id/events", s.streamEvents)
		api.GET("/reports", s.reports)
		api.GET("/runs", s.runs)
		api.GET("/metrics", s.metrics)
	}
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// ListenAndServe serves until Shutdown.
func (s *Server) ListenAndServe() error {
	s.log.Infof("listening on %s", s.config.Addr)
	if err := s.http.ListenAndServe(); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting connections and waits for handlers to return.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// requestLogger logs one line per request.
func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.Debugf("%s %s -> %d in %s", c.Request.Method, c.FullPath(), c.Writer.Status(), time.Since(start).Round(time.Millisecond))
	}
}

// cors answers preflight requests and sets the allowed origin.
func cors(origin string) gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.Writer.Header()
		h.Set("Access-Control-Allow-Origin", origin)
		h.Set("Access-Control-Allow-Headers", "Content-Type, Accept, Origin, Cache-Control, X-Requested-With")
		h.Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, DELETE")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
