// Package candles builds rolling OHLC windows from live trades.
//
// Each (symbol, interval) key owns a Series: an ordered, capacity-bounded
// sequence of candles with exactly one candle per bucket start. Updates are
// applied in arrival order. An update whose bucket is older than the tail is
// rejected with ErrOutOfOrder and leaves the series untouched.
package candles

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/johnayoung/go-market-aggregator/internal/metrics"
	"github.com/johnayoung/go-market-aggregator/internal/models"
	"github.com/shopspring/decimal"
)

// DefaultCapacity is the number of candles kept per series.
const DefaultCapacity = 500

// ErrOutOfOrder is returned for an update older than the newest stored candle.
var ErrOutOfOrder = errors.New("candle update is out of order")

// Series is a rolling window of candles for one symbol and interval.
// It is not safe for concurrent use; Builder serializes access.
type Series struct {
	interval time.Duration
	capacity int
	candles  []models.Candle
}

// NewSeries creates an empty series. A non-positive capacity means DefaultCapacity.
func NewSeries(interval time.Duration, capacity int) *Series {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Series{interval: interval, capacity: capacity}
}

// Apply folds one price observation at timestampMs into the series and
// returns the candle it touched.
func (s *Series) Apply(timestampMs int64, price decimal.Decimal, volume decimal.NullDecimal) (models.Candle, error) {
	bucket := models.BucketStart(timestampMs, s.interval)

	n := len(s.candles)
	if n > 0 {
		tail := &s.candles[n-1]
		switch {
		case bucket == tail.Time:
			tail.Apply(price, volume)
			return *tail, nil
		case bucket < tail.Time:
			return models.Candle{}, fmt.Errorf("%w: bucket %d is before %d", ErrOutOfOrder, bucket, tail.Time)
		}
	}

	candle := models.NewCandle(bucket, price, volume)
	if n == s.capacity {
		// shift in place; the backing array never grows past capacity
		copy(s.candles, s.candles[1:])
		s.candles[n-1] = candle
	} else {
		s.candles = append(s.candles, candle)
	}
	return candle, nil
}

// Seed replaces the series with historical candles. Input is sorted, deduplicated
// by bucket (last wins) and trimmed to capacity.
func (s *Series) Seed(history []models.Candle) {
	sorted := make([]models.Candle, len(history))
	copy(sorted, history)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Time < sorted[j].Time })

	out := make([]models.Candle, 0, len(sorted))
	for _, c := range sorted {
		if len(out) > 0 && out[len(out)-1].Time == c.Time {
			out[len(out)-1] = c
			continue
		}
		out = append(out, c)
	}
	if len(out) > s.capacity {
		out = out[len(out)-s.capacity:]
	}
	s.candles = out
}

// Candles returns a copy of the stored candles, oldest first.
func (s *Series) Candles() []models.Candle {
	out := make([]models.Candle, len(s.candles))
	copy(out, s.candles)
	return out
}

// Last returns the newest candle.
func (s *Series) Last() (models.Candle, bool) {
	if len(s.candles) == 0 {
		return models.Candle{}, false
	}
	return s.candles[len(s.candles)-1], true
}

// Len returns the number of stored candles.
func (s *Series) Len() int { return len(s.candles) }

// Update reports a candle that changed after an Apply.
type Update struct {
	Symbol   string
	Interval string
	Candle   models.Candle
}

type seriesKey struct {
	symbol   string
	interval string
}

type interval struct {
	name     string
	duration time.Duration
}

// Builder maintains one Series per symbol for every configured interval.
type Builder struct {
	mu        sync.Mutex
	intervals []interval
	capacity  int
	series    map[seriesKey]*Series

	logger  *slog.Logger
	metrics *metrics.MetricsCollector
}

// NewBuilder validates intervals and returns an empty builder. collector may be nil.
func NewBuilder(intervals []string, capacity int, logger *slog.Logger, collector *metrics.MetricsCollector) (*Builder, error) {
	if len(intervals) == 0 {
		return nil, errors.New("at least one candle interval is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if capacity <= 0 {
		capacity = DefaultCapacity
	}

	seen := make(map[string]bool, len(intervals))
	parsed := make([]interval, 0, len(intervals))
	for _, name := range intervals {
		d, err := models.ParseInterval(name)
		if err != nil {
			return nil, err
		}
		if seen[name] {
			continue
		}
		seen[name] = true
		parsed = append(parsed, interval{name: name, duration: d})
	}

	return &Builder{
		intervals: parsed,
		capacity:  capacity,
		series:    make(map[seriesKey]*Series),
		logger:    logger.With("component", "candles"),
		metrics:   collector,
	}, nil
}

// Intervals returns the configured interval names in configuration order.
func (b *Builder) Intervals() []string {
	out := make([]string, len(b.intervals))
	for i, iv := range b.intervals {
		out[i] = iv.name
	}
	return out
}

// Supports reports whether interval is maintained by the builder.
func (b *Builder) Supports(name string) bool {
	for _, iv := range b.intervals {
		if iv.name == name {
			return true
		}
	}
	return false
}

// ApplyTrade folds a trade into every interval of its symbol.
func (b *Builder) ApplyTrade(trade models.Trade) ([]Update, error) {
	return b.Apply(trade.Symbol, trade.Time, trade.Price, decimal.NewNullDecimal(trade.Amount))
}

// Apply folds a price observation into every interval of symbol. Rejected
// intervals are logged, counted and reported in the joined error; the
// remaining intervals still produce updates.
func (b *Builder) Apply(symbol string, timestampMs int64, price decimal.Decimal, volume decimal.NullDecimal) ([]Update, error) {
	symbol = strings.ToUpper(symbol)

	b.mu.Lock()
	defer b.mu.Unlock()

	updates := make([]Update, 0, len(b.intervals))
	var errs []error
	for _, iv := range b.intervals {
		s := b.seriesLocked(symbol, iv)
		candle, err := s.Apply(timestampMs, price, volume)
		if err != nil {
			b.logger.Warn("candle update rejected",
				"symbol", symbol,
				"interval", iv.name,
				"timestamp_ms", timestampMs,
				"error", err)
			if b.metrics != nil {
				b.metrics.RecordCounter(metrics.CandlesRejected, "out-of-order candle updates", map[string]string{"interval": iv.name})
			}
			errs = append(errs, fmt.Errorf("%s %s: %w", symbol, iv.name, err))
			continue
		}
		updates = append(updates, Update{Symbol: symbol, Interval: iv.name, Candle: candle})
	}
	return updates, errors.Join(errs...)
}

// Seed loads history into the (symbol, interval) series, replacing its contents.
func (b *Builder) Seed(symbol, name string, history []models.Candle) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, iv := range b.intervals {
		if iv.name == name {
			b.seriesLocked(strings.ToUpper(symbol), iv).Seed(history)
			return nil
		}
	}
	return fmt.Errorf("interval %q is not maintained", name)
}

// Candles returns the rolling window for symbol and interval, oldest first.
func (b *Builder) Candles(symbol, name string) []models.Candle {
	b.mu.Lock()
	defer b.mu.Unlock()

	s, ok := b.series[seriesKey{symbol: strings.ToUpper(symbol), interval: name}]
	if !ok {
		return nil
	}
	return s.Candles()
}

// Reset drops every series.
func (b *Builder) Reset() {
	b.mu.Lock()
	b.series = make(map[seriesKey]*Series)
	b.mu.Unlock()
}

func (b *Builder) seriesLocked(symbol string, iv interval) *Series {
	key := seriesKey{symbol: symbol, interval: iv.name}
	s, ok := b.series[key]
	if !ok {
		s = NewSeries(iv.duration, b.capacity)
		b.series[key] = s
	}
	return s
}
