// Package api exposes the aggregator over HTTP. REST routes mirror the facade
// operations and /api/v1/ws streams live events for one symbol.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/johnayoung/go-market-aggregator/internal/aggregator"
	"github.com/johnayoung/go-market-aggregator/internal/config"
	applog "github.com/johnayoung/go-market-aggregator/internal/logger"
	"github.com/johnayoung/go-market-aggregator/internal/metrics"
	"github.com/johnayoung/go-market-aggregator/internal/models"
	"github.com/johnayoung/go-market-aggregator/internal/registry"
)

const (
	basePath = "/api/v1"

	RequestIDHeaderKey  = "X-Request-ID"
	RequestIDContextKey = "request_id"

	DefaultClientBuffer = 256
	requestTimeout      = 30 * time.Second
)

// MarketService is the facade the API serves. *aggregator.Manager implements it.
type MarketService interface {
	GetMarketData(ctx context.Context) ([]models.TradingPair, error)
	GetChartData(ctx context.Context, symbol, interval string, limit int) ([]models.Candle, error)
	Candles(symbol, interval string) ([]models.Candle, error)
	CandleIntervals() []string
	Subscribe(sub registry.Subscription) (*registry.Handle, error)
	Status() []aggregator.VenueStatus
	Reconnect(ctx context.Context, venue string) error
	HealthCheck(ctx context.Context) error
}

// Server serves the REST routes and the websocket feed.
type Server struct {
	service      MarketService
	router       *gin.Engine
	http         *http.Server
	metrics      *metrics.MetricsCollector
	logger       *slog.Logger
	clientBuffer int
	clients      int64
}

// NewServer builds the router. Call Start to listen.
func NewServer(cfg config.APIConfig, service MarketService, collector *metrics.MetricsCollector, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	buffer := cfg.ClientBuffer
	if buffer <= 0 {
		buffer = DefaultClientBuffer
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()

	s := &Server{
		service:      service,
		router:       router,
		metrics:      collector,
		logger:       logger.With("component", "api"),
		clientBuffer: buffer,
	}

	router.Use(requestIDMiddleware())
	router.Use(s.loggingMiddleware())
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())
	s.registerRoutes()

	s.http = &http.Server{
		Addr:         net.JoinHostPort(cfg.Host, fmt.Sprint(cfg.Port)),
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeoutDuration(),
		WriteTimeout: cfg.WriteTimeoutDuration(),
	}
	return s
}

// ServeHTTP lets the server be mounted or driven by httptest.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) registerRoutes() {
	v1 := s.router.Group(basePath)
	{
		v1.GET("/markets", s.getMarkets)
		v1.GET("/chart/:symbol", s.getChart)
		v1.GET("/candles/:symbol", s.getCandles)
		v1.GET("/status", s.getStatus)
		v1.POST("/venues/:venue/reconnect", s.reconnectVenue)
		v1.GET("/health", s.getHealth)
		v1.GET("/ws", s.handleWebSocket)
	}
}

// Start listens in the background. Listen errors other than a clean shutdown
// are sent on the returned channel.
func (s *Server) Start() <-chan error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("api server listening", "addr", s.http.Addr)
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	return errCh
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// Clients returns the number of connected websocket clients.
func (s *Server) Clients() int {
	return int(atomic.LoadInt64(&s.clients))
}

func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader(RequestIDHeaderKey)
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Header(RequestIDHeaderKey, requestID)
		c.Set(RequestIDContextKey, requestID)
		c.Request = c.Request.WithContext(applog.WithRequestID(c.Request.Context(), requestID))
		c.Next()
	}
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("request",
			"request_id", c.GetString(RequestIDContextKey),
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
		)
	}
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, X-Request-ID")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
