package aggregator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/johnayoung/go-market-aggregator/internal/config"
	apperrors "github.com/johnayoung/go-market-aggregator/internal/errors"
	"github.com/johnayoung/go-market-aggregator/internal/exchange"
	"github.com/johnayoung/go-market-aggregator/internal/metrics"
	"github.com/johnayoung/go-market-aggregator/internal/stream"
	"github.com/johnayoung/go-market-aggregator/internal/symbols"
)

// Builder assembles a Manager from application configuration.
type Builder struct {
	config    *config.AppConfig
	logger    *slog.Logger
	metrics   *metrics.MetricsCollector
	cache     Cache
	sink      EventSink
	transport stream.Transport
	venues    []exchange.Venue
	sleep     func(ctx context.Context, d time.Duration) error
}

// NewBuilder starts from the default configuration.
func NewBuilder() *Builder {
	return &Builder{
		config: config.DefaultConfig(),
		logger: slog.Default(),
	}
}

// WithConfig sets the configuration.
func (b *Builder) WithConfig(cfg *config.AppConfig) *Builder {
	if cfg != nil {
		b.config = cfg
	}
	return b
}

// WithLogger sets the logger.
func (b *Builder) WithLogger(logger *slog.Logger) *Builder {
	if logger != nil {
		b.logger = logger
	}
	return b
}

// WithMetrics sets the metrics collector.
func (b *Builder) WithMetrics(collector *metrics.MetricsCollector) *Builder {
	b.metrics = collector
	return b
}

// WithCache puts a snapshot cache in front of GetMarketData.
func (b *Builder) WithCache(cache Cache) *Builder {
	b.cache = cache
	return b
}

// WithSink forwards live events to sink.
func (b *Builder) WithSink(sink EventSink) *Builder {
	b.sink = sink
	return b
}

// WithTransport overrides the websocket transport.
func (b *Builder) WithTransport(transport stream.Transport) *Builder {
	b.transport = transport
	return b
}

// WithVenues uses prebuilt venues instead of the configured ones.
func (b *Builder) WithVenues(venues ...exchange.Venue) *Builder {
	b.venues = venues
	return b
}

// WithSleep overrides the reconnect wait.
func (b *Builder) WithSleep(sleep func(ctx context.Context, d time.Duration) error) *Builder {
	b.sleep = sleep
	return b
}

// Build validates the configuration and constructs the Manager.
func (b *Builder) Build() (*Manager, error) {
	cfg := b.config

	venues := b.venues
	if len(venues) == 0 {
		built, err := BuildVenues(cfg, b.logger)
		if err != nil {
			return nil, err
		}
		venues = built
	}
	if len(venues) == 0 {
		return nil, errors.New("no enabled venues configured")
	}

	transport := b.transport
	if transport == nil {
		transport = stream.NewWebsocketTransport(cfg.Stream.Handshake())
	}

	var cacheTTL time.Duration
	if b.cache != nil {
		cacheTTL = cfg.Cache.TTLDuration()
	}

	return New(Options{
		Venues:    venues,
		Transport: transport,
		Policy: stream.ReconnectPolicy{
			Base:        cfg.Stream.ReconnectBase(),
			MaxAttempts: cfg.Stream.MaxReconnectAttempts,
		},
		HeartbeatInterval: cfg.Stream.Heartbeat(),
		SnapshotTimeout:   cfg.Snapshot.TimeoutDuration(),
		DefaultChartLimit: cfg.Snapshot.DefaultChartLimit,
		MaxChartLimit:     cfg.Snapshot.MaxChartLimit,
		CandleIntervals:   candleIntervals(cfg.Candles),
		CandleCapacity:    cfg.Candles.Capacity,
		Cache:             b.cache,
		CacheTTL:          cacheTTL,
		Sink:              b.sink,
		Metrics:           b.metrics,
		Logger:            b.logger,
		Sleep:             b.sleep,
	})
}

// BuildVenues creates an adapter for every enabled venue, sharing one
// normalizer and error classifier. Each venue gets its own circuit breaker.
func BuildVenues(cfg *config.AppConfig, logger *slog.Logger) ([]exchange.Venue, error) {
	normalizer := symbols.NewNormalizer(cfg.Symbols.BaseAliases, cfg.Symbols.QuoteAliases)
	classifier := apperrors.NewErrorClassifier(cfg.ErrorHandling, logger)

	var venues []exchange.Venue
	for _, vc := range cfg.Venues {
		if !vc.Enabled {
			continue
		}
		var breaker *apperrors.CircuitBreaker
		if cfg.ErrorHandling.EnableCircuitBreaker {
			breaker = apperrors.NewCircuitBreaker(vc.Name, cfg.ErrorHandling.CircuitBreakerConfig)
		}

		v, err := exchange.New(exchange.Options{
			Name:       vc.Name,
			StreamURL:  vc.StreamURL,
			RESTURL:    vc.RESTURL,
			Symbols:    vc.Symbols,
			RateLimit:  vc.RateLimit,
			Timeout:    vc.TimeoutDuration(),
			Normalizer: normalizer,
			Classifier: classifier,
			Breaker:    breaker,
			Logger:     logger,
		})
		if err != nil {
			return nil, fmt.Errorf("venue %s: %w", vc.Name, err)
		}
		venues = append(venues, v)
	}
	return venues, nil
}

// candleIntervals puts the default interval first, followed by the rest.
func candleIntervals(cfg config.CandleConfig) []string {
	out := make([]string, 0, len(cfg.Intervals)+1)
	if cfg.DefaultInterval != "" {
		out = append(out, cfg.DefaultInterval)
	}
	for _, iv := range cfg.Intervals {
		if iv != cfg.DefaultInterval {
			out = append(out, iv)
		}
	}
	return out
}
