package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/johnayoung/go-market-aggregator/internal/aggregator"
	apperrors "github.com/johnayoung/go-market-aggregator/internal/errors"
	applog "github.com/johnayoung/go-market-aggregator/internal/logger"
	"github.com/johnayoung/go-market-aggregator/internal/models"
	"github.com/johnayoung/go-market-aggregator/internal/stream"
)

// errorResponse is the body of every non-2xx JSON reply.
type errorResponse struct {
	Error     string            `json:"error"`
	RequestID string            `json:"request_id,omitempty"`
	Details   map[string]string `json:"details,omitempty"`
}

func (s *Server) getMarkets(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), requestTimeout)
	defer cancel()

	pairs, err := s.service.GetMarketData(ctx)
	if err != nil {
		s.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, pairs)
}

func (s *Server) getChart(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), requestTimeout)
	defer cancel()

	symbol := strings.ToUpper(c.Param("symbol"))
	interval := c.DefaultQuery("interval", s.defaultInterval())
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			s.badRequest(c, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	history, err := s.service.GetChartData(ctx, symbol, interval, limit)
	if err != nil {
		s.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, history)
}

func (s *Server) getCandles(c *gin.Context) {
	symbol := strings.ToUpper(c.Param("symbol"))
	interval := c.DefaultQuery("interval", s.defaultInterval())

	window, err := s.service.Candles(symbol, interval)
	if err != nil {
		s.handleError(c, err)
		return
	}
	if window == nil {
		window = []models.Candle{}
	}
	c.JSON(http.StatusOK, window)
}

func (s *Server) getStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"venues":    s.service.Status(),
		"clients":   s.Clients(),
		"intervals": s.service.CandleIntervals(),
	})
}

func (s *Server) reconnectVenue(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), requestTimeout)
	defer cancel()

	venue := c.Param("venue")
	if err := s.service.Reconnect(ctx, venue); err != nil {
		s.handleError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"venue": strings.ToLower(venue), "status": "reconnecting"})
}

func (s *Server) getHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	if err := s.service.HealthCheck(ctx); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status":    "unhealthy",
			"error":     err.Error(),
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) defaultInterval() string {
	if intervals := s.service.CandleIntervals(); len(intervals) > 0 {
		return intervals[0]
	}
	return "1m"
}

// statusFor maps facade errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, aggregator.ErrUnsupportedInterval):
		return http.StatusBadRequest
	case errors.Is(err, apperrors.ErrUnknownVenue), errors.Is(err, apperrors.ErrUnknownSymbol):
		return http.StatusNotFound
	case errors.Is(err, stream.ErrConnectionActive):
		return http.StatusConflict
	case errors.Is(err, apperrors.ErrMarketDataUnavailable),
		errors.Is(err, apperrors.ErrNotStarted),
		errors.Is(err, aggregator.ErrStopped):
		return http.StatusServiceUnavailable
	case errors.Is(err, apperrors.ErrChartDataUnavailable):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleError(c *gin.Context, err error) {
	status := statusFor(err)
	resp := errorResponse{Error: err.Error(), RequestID: c.GetString(RequestIDContextKey)}

	var unavailable *apperrors.MarketDataUnavailableError
	if errors.As(err, &unavailable) {
		resp.Details = make(map[string]string, len(unavailable.Causes))
		for venue, cause := range unavailable.Causes {
			resp.Details[venue] = cause.Error()
		}
	}

	ctx := c.Request.Context()
	attrs := append(applog.Attrs(ctx), "method", c.Request.Method, "path", c.Request.URL.Path, "status", status, "error", err)
	if status >= http.StatusInternalServerError {
		s.logger.ErrorContext(ctx, "api error", attrs...)
	} else {
		s.logger.DebugContext(ctx, "api request rejected", attrs...)
	}
	c.JSON(status, resp)
}

func (s *Server) badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, errorResponse{Error: msg, RequestID: c.GetString(RequestIDContextKey)})
}
