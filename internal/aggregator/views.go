package aggregator

import (
	"context"
	"sync"

	"github.com/johnayoung/go-market-aggregator/internal/models"
	"github.com/johnayoung/go-market-aggregator/internal/registry"
	"github.com/shopspring/decimal"
)

const (
	RecentTradesCapacity = 50
	ChartViewCapacity    = 500
)

// Subscriber is the part of Manager the views need.
type Subscriber interface {
	Subscribe(sub registry.Subscription) (*registry.Handle, error)
}

// ChartSource can both seed and follow a chart.
type ChartSource interface {
	Subscriber
	GetChartData(ctx context.Context, symbol, interval string, limit int) ([]models.Candle, error)
}

// PairSnapshot is a point-in-time copy of a PairView.
type PairSnapshot struct {
	Symbol    string            `json:"symbol"`
	Price     decimal.Decimal   `json:"price"`
	Change24h float64           `json:"change_24h"`
	Volume24h decimal.Decimal   `json:"volume_24h"`
	Trades    []models.Trade    `json:"trades"` // newest first
	OrderBook *models.OrderBook `json:"order_book,omitempty"`
}

// PairView follows one symbol: latest price, change, volume and order book,
// plus the most recent trades.
type PairView struct {
	mu      sync.RWMutex
	state   PairSnapshot
	handle  *registry.Handle
	updates chan struct{}
}

// WatchPair subscribes a new PairView to symbol.
func WatchPair(source Subscriber, symbol string) (*PairView, error) {
	v := &PairView{
		state:   PairSnapshot{Symbol: symbol},
		updates: make(chan struct{}, 1),
	}
	handle, err := source.Subscribe(registry.Subscription{
		Symbol:      symbol,
		OnPrice:     v.onPrice,
		OnVolume:    v.onVolume,
		OnTrade:     v.onTrade,
		OnOrderBook: v.onOrderBook,
	})
	if err != nil {
		return nil, err
	}
	v.handle = handle
	return v, nil
}

func (v *PairView) onPrice(price decimal.Decimal, change float64) {
	v.mu.Lock()
	v.state.Price = price
	v.state.Change24h = change
	v.mu.Unlock()
	v.notify()
}

func (v *PairView) onVolume(volume decimal.Decimal) {
	v.mu.Lock()
	v.state.Volume24h = volume
	v.mu.Unlock()
	v.notify()
}

func (v *PairView) onTrade(trade models.Trade) {
	v.mu.Lock()
	n := len(v.state.Trades)
	if n >= RecentTradesCapacity {
		n = RecentTradesCapacity - 1
	}
	trades := make([]models.Trade, 0, n+1)
	trades = append(trades, trade)
	trades = append(trades, v.state.Trades[:n]...)
	v.state.Trades = trades
	v.mu.Unlock()
	v.notify()
}

func (v *PairView) onOrderBook(book models.OrderBook) {
	v.mu.Lock()
	v.state.OrderBook = &book
	v.mu.Unlock()
	v.notify()
}

// notify signals Updates without blocking; bursts coalesce into one signal.
func (v *PairView) notify() {
	select {
	case v.updates <- struct{}{}:
	default:
	}
}

// Updates signals that the view changed since the last receive.
func (v *PairView) Updates() <-chan struct{} { return v.updates }

// Snapshot returns a copy of the current state.
func (v *PairView) Snapshot() PairSnapshot {
	v.mu.RLock()
	defer v.mu.RUnlock()

	out := v.state
	out.Trades = append([]models.Trade(nil), v.state.Trades...)
	if v.state.OrderBook != nil {
		book := v.state.OrderBook.Clone()
		out.OrderBook = &book
	}
	return out
}

// Close stops following the symbol.
func (v *PairView) Close() { v.handle.Unsubscribe() }

// ChartView is a history-seeded candle window kept current by live candles.
type ChartView struct {
	mu       sync.RWMutex
	symbol   string
	interval string
	candles  []models.Candle
	pending  []models.Candle
	seeded   bool
	handle   *registry.Handle
	updates  chan struct{}
}

// OpenChart subscribes to live candles, loads history and returns the merged view.
// Live candles that arrive while history is loading are applied on top of it.
func OpenChart(ctx context.Context, source ChartSource, symbol, interval string, limit int) (*ChartView, error) {
	v := &ChartView{symbol: symbol, interval: interval, updates: make(chan struct{}, 1)}

	handle, err := source.Subscribe(registry.Subscription{
		Symbol:        symbol,
		ChartInterval: interval,
		OnCandle:      v.onCandle,
	})
	if err != nil {
		return nil, err
	}
	v.handle = handle

	history, err := source.GetChartData(ctx, symbol, interval, limit)
	if err != nil {
		handle.Unsubscribe()
		return nil, err
	}

	v.mu.Lock()
	v.candles = append([]models.Candle(nil), history...)
	v.trim()
	for _, c := range v.pending {
		v.apply(c)
	}
	v.pending = nil
	v.seeded = true
	v.mu.Unlock()
	return v, nil
}

func (v *ChartView) onCandle(c models.Candle) {
	v.mu.Lock()
	if !v.seeded {
		v.pending = append(v.pending, c)
		v.mu.Unlock()
		return
	}
	v.apply(c)
	v.mu.Unlock()

	select {
	case v.updates <- struct{}{}:
	default:
	}
}

// apply replaces the tail when times match and appends newer candles.
// Candles older than the tail are ignored. Caller holds mu.
func (v *ChartView) apply(c models.Candle) {
	n := len(v.candles)
	switch {
	case n > 0 && v.candles[n-1].Time == c.Time:
		v.candles[n-1] = c
	case n == 0 || c.Time > v.candles[n-1].Time:
		v.candles = append(v.candles, c)
		v.trim()
	}
}

func (v *ChartView) trim() {
	if len(v.candles) > ChartViewCapacity {
		v.candles = append([]models.Candle(nil), v.candles[len(v.candles)-ChartViewCapacity:]...)
	}
}

// Candles returns a copy of the window, oldest first.
func (v *ChartView) Candles() []models.Candle {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return append([]models.Candle(nil), v.candles...)
}

// Updates signals that a live candle changed the window.
func (v *ChartView) Updates() <-chan struct{} { return v.updates }

// Last returns the newest candle in the window.
func (v *ChartView) Last() (models.Candle, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if len(v.candles) == 0 {
		return models.Candle{}, false
	}
	return v.candles[len(v.candles)-1], true
}

// Interval returns the chart interval.
func (v *ChartView) Interval() string { return v.interval }

// Close stops following live candles.
func (v *ChartView) Close() { v.handle.Unsubscribe() }
