// Package registry tracks live subscriptions per symbol and fans events out to them.
//
// Dispatch is synchronous: callbacks run one after another, in subscription
// order, on the goroutine that delivered the event. A slow callback delays
// the subscribers registered after it. A panicking callback is recovered and
// does not affect the others.
package registry

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/johnayoung/go-market-aggregator/internal/metrics"
	"github.com/johnayoung/go-market-aggregator/internal/models"
	"github.com/shopspring/decimal"
)

var ErrEmptySymbol = errors.New("subscription symbol is required")

// Subscription describes what a subscriber wants. Nil callbacks are skipped.
type Subscription struct {
	Symbol        string
	ChartInterval string // candles for other intervals are not delivered

	OnPrice     func(price decimal.Decimal, change24h float64)
	OnTrade     func(trade models.Trade)
	OnCandle    func(candle models.Candle)
	OnVolume    func(volume24h decimal.Decimal)
	OnOrderBook func(book models.OrderBook)
}

type entry struct {
	id     string
	sub    Subscription
	active atomic.Bool
}

// Handle cancels one subscription.
type Handle struct {
	registry *Registry
	entry    *entry
	symbol   string
	once     sync.Once
}

// ID returns the subscription id.
func (h *Handle) ID() string { return h.entry.id }

// Unsubscribe stops delivery immediately. Calling it again is a no-op.
func (h *Handle) Unsubscribe() {
	h.once.Do(func() {
		h.entry.active.Store(false)
		h.registry.remove(h.symbol, h.entry)
	})
}

// Registry maps symbols to their ordered subscribers.
type Registry struct {
	mu       sync.RWMutex
	bySymbol map[string][]*entry
	count    int

	logger  *slog.Logger
	metrics *metrics.MetricsCollector
}

// New creates an empty registry. collector may be nil.
func New(logger *slog.Logger, collector *metrics.MetricsCollector) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		bySymbol: make(map[string][]*entry),
		logger:   logger.With("component", "registry"),
		metrics:  collector,
	}
}

// Subscribe registers sub under its canonical symbol.
func (r *Registry) Subscribe(sub Subscription) (*Handle, error) {
	symbol := strings.ToUpper(strings.TrimSpace(sub.Symbol))
	if symbol == "" {
		return nil, ErrEmptySymbol
	}
	sub.Symbol = symbol

	e := &entry{id: uuid.NewString(), sub: sub}
	e.active.Store(true)

	r.mu.Lock()
	r.bySymbol[symbol] = append(r.bySymbol[symbol], e)
	r.count++
	count := r.count
	r.mu.Unlock()

	r.recordActive(count)
	r.logger.Debug("subscription added", "subscription_id", e.id, "symbol", symbol, "interval", sub.ChartInterval)
	return &Handle{registry: r, entry: e, symbol: symbol}, nil
}

func (r *Registry) remove(symbol string, target *entry) {
	r.mu.Lock()
	entries := r.bySymbol[symbol]
	idx := -1
	for i, e := range entries {
		if e == target {
			idx = i
			break
		}
	}
	if idx < 0 {
		r.mu.Unlock()
		return
	}

	// copy so snapshots taken by in-flight dispatches stay intact
	remaining := make([]*entry, 0, len(entries)-1)
	remaining = append(remaining, entries[:idx]...)
	remaining = append(remaining, entries[idx+1:]...)
	if len(remaining) == 0 {
		delete(r.bySymbol, symbol)
	} else {
		r.bySymbol[symbol] = remaining
	}
	r.count--
	count := r.count
	r.mu.Unlock()

	r.recordActive(count)
	r.logger.Debug("subscription removed", "subscription_id", target.id, "symbol", symbol)
}

// Clear drops every subscription. Outstanding handles become no-ops.
func (r *Registry) Clear() {
	r.mu.Lock()
	for _, entries := range r.bySymbol {
		for _, e := range entries {
			e.active.Store(false)
		}
	}
	r.bySymbol = make(map[string][]*entry)
	r.count = 0
	r.mu.Unlock()

	r.recordActive(0)
}

// Count returns the number of active subscriptions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.count
}

// Symbols returns the symbols with at least one subscriber.
func (r *Registry) Symbols() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.bySymbol))
	for symbol := range r.bySymbol {
		out = append(out, symbol)
	}
	return out
}

// Subscribers returns how many subscribers a symbol has.
func (r *Registry) Subscribers(symbol string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.bySymbol[strings.ToUpper(symbol)])
}

// DispatchTrade delivers a trade to OnTrade.
func (r *Registry) DispatchTrade(trade models.Trade) {
	r.dispatch(trade.Symbol, "trade", func(s Subscription) {
		if s.OnTrade != nil {
			s.OnTrade(trade)
		}
	})
}

// DispatchTicker delivers a ticker to OnPrice and then OnVolume.
func (r *Registry) DispatchTicker(ticker models.Ticker) {
	r.dispatch(ticker.Symbol, "ticker", func(s Subscription) {
		if s.OnPrice != nil {
			s.OnPrice(ticker.Price, ticker.Change24h)
		}
		if s.OnVolume != nil {
			s.OnVolume(ticker.Volume24h)
		}
	})
}

// DispatchCandle delivers a candle to subscribers whose ChartInterval matches.
func (r *Registry) DispatchCandle(symbol, interval string, candle models.Candle) {
	r.dispatch(symbol, "candle", func(s Subscription) {
		if s.OnCandle != nil && s.ChartInterval == interval {
			s.OnCandle(candle)
		}
	})
}

// DispatchOrderBook delivers a book snapshot. Each subscriber gets its own copy.
func (r *Registry) DispatchOrderBook(book *models.OrderBook) {
	r.dispatch(book.Symbol, "orderbook", func(s Subscription) {
		if s.OnOrderBook != nil {
			s.OnOrderBook(book.Clone())
		}
	})
}

func (r *Registry) dispatch(symbol, kind string, deliver func(Subscription)) {
	r.mu.RLock()
	entries := r.bySymbol[strings.ToUpper(symbol)]
	r.mu.RUnlock()

	for _, e := range entries {
		if !e.active.Load() {
			continue
		}
		r.deliver(e, kind, deliver)
	}
	if len(entries) > 0 && r.metrics != nil {
		r.metrics.RecordCounter(metrics.EventsDispatched, "events fanned out to subscribers", map[string]string{"type": kind})
	}
}

func (r *Registry) deliver(e *entry, kind string, deliver func(Subscription)) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("subscriber callback panicked",
				"subscription_id", e.id,
				"symbol", e.sub.Symbol,
				"event", kind,
				"panic", fmt.Sprint(p))
			if r.metrics != nil {
				r.metrics.RecordError(metrics.SubscriberPanics, "recovered subscriber panics", map[string]string{"event": kind})
			}
		}
	}()
	deliver(e.sub)
}

func (r *Registry) recordActive(count int) {
	if r.metrics != nil {
		r.metrics.RecordGauge(metrics.ActiveSubscriptions, float64(count), "active subscriptions", nil)
	}
}
