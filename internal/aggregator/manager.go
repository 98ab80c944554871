// Package aggregator is the public facade over every configured venue.
//
// A Manager owns one streaming Connection per venue, a subscription registry,
// the rolling candle builder and the per-venue order books. Live events flow
//
//	Connection -> Decoder -> Manager.handleEvent -> candles / books -> Registry -> subscribers
//
// while snapshot and history requests go straight to each venue's REST API.
// A Manager is constructed explicitly (see New and Builder) and has a
// Start/Stop lifecycle; there is no package-level instance.
package aggregator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/johnayoung/go-market-aggregator/internal/candles"
	apperrors "github.com/johnayoung/go-market-aggregator/internal/errors"
	"github.com/johnayoung/go-market-aggregator/internal/exchange"
	applog "github.com/johnayoung/go-market-aggregator/internal/logger"
	"github.com/johnayoung/go-market-aggregator/internal/metrics"
	"github.com/johnayoung/go-market-aggregator/internal/models"
	"github.com/johnayoung/go-market-aggregator/internal/registry"
	"github.com/johnayoung/go-market-aggregator/internal/stream"
)

const (
	DefaultSnapshotTimeout   = 8 * time.Second
	DefaultChartLimit        = 100
	DefaultMaxChartLimit     = 1000
	DefaultHeartbeatInterval = 30 * time.Second

	marketDataCacheKey = "market_data"
)

var (
	ErrAlreadyStarted      = errors.New("manager already started")
	ErrStopped             = errors.New("manager stopped")
	ErrUnsupportedInterval = errors.New("interval is not maintained live")
)

// Cache stores serialized snapshot results. Implementations live in internal/cache.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// EventSink receives every decoded event and candle update. Publish must not block.
type EventSink interface {
	Publish(ev models.Event)
}

// Options configures a Manager. Venues is the only required field.
type Options struct {
	Venues            []exchange.Venue
	Transport         stream.Transport
	Policy            stream.ReconnectPolicy
	HeartbeatInterval time.Duration

	SnapshotTimeout   time.Duration
	DefaultChartLimit int
	MaxChartLimit     int

	CandleIntervals []string
	CandleCapacity  int

	Cache    Cache // optional
	CacheTTL time.Duration
	Sink     EventSink // optional

	Metrics *metrics.MetricsCollector // optional
	Logger  *slog.Logger

	// Sleep overrides the reconnect wait, mainly for tests.
	Sleep func(ctx context.Context, d time.Duration) error
}

// VenueStatus describes one venue for status reporting.
type VenueStatus struct {
	Name        string                 `json:"name"`
	DisplayName string                 `json:"display_name"`
	State       models.ConnectionState `json:"state"`
	Attempts    int                    `json:"reconnect_attempts"`
	Symbols     []string               `json:"symbols"`
}

type bookKey struct {
	venue  string
	symbol string
}

// Manager aggregates market data from every configured venue.
type Manager struct {
	venues  []exchange.Venue
	byName  map[string]exchange.Venue
	conns   map[string]*stream.Connection
	sources map[string]string // canonical symbol -> venue name feeding its candles

	registry *registry.Registry
	candles  *candles.Builder

	booksMu sync.RWMutex
	books   map[bookKey]*models.OrderBook

	cache    Cache
	cacheTTL time.Duration
	sink     EventSink

	snapshotTimeout time.Duration
	defaultLimit    int
	maxLimit        int

	metrics *metrics.MetricsCollector
	logger  *slog.Logger

	state    int32 // 0 idle, 1 running, 2 stopped
	stopOnce sync.Once
}

const (
	stateIdle int32 = iota
	stateRunning
	stateStopped
)

// New wires a Manager from opts. Nothing connects until Start.
func New(opts Options) (*Manager, error) {
	if len(opts.Venues) == 0 {
		return nil, errors.New("at least one venue is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "aggregator")

	intervals := opts.CandleIntervals
	if len(intervals) == 0 {
		intervals = []string{"1m"}
	}
	builder, err := candles.NewBuilder(intervals, opts.CandleCapacity, logger, opts.Metrics)
	if err != nil {
		return nil, fmt.Errorf("candle builder: %w", err)
	}

	policy := opts.Policy
	if policy.Base <= 0 {
		policy = stream.DefaultReconnectPolicy()
	}
	heartbeat := opts.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = DefaultHeartbeatInterval
	}

	m := &Manager{
		byName:          make(map[string]exchange.Venue, len(opts.Venues)),
		conns:           make(map[string]*stream.Connection, len(opts.Venues)),
		sources:         make(map[string]string),
		registry:        registry.New(logger, opts.Metrics),
		candles:         builder,
		books:           make(map[bookKey]*models.OrderBook),
		cache:           opts.Cache,
		cacheTTL:        opts.CacheTTL,
		sink:            opts.Sink,
		snapshotTimeout: orDuration(opts.SnapshotTimeout, DefaultSnapshotTimeout),
		defaultLimit:    orInt(opts.DefaultChartLimit, DefaultChartLimit),
		maxLimit:        orInt(opts.MaxChartLimit, DefaultMaxChartLimit),
		metrics:         opts.Metrics,
		logger:          logger,
	}

	for _, v := range opts.Venues {
		name := v.Name()
		if _, dup := m.byName[name]; dup {
			return nil, fmt.Errorf("venue %q configured twice", name)
		}
		m.venues = append(m.venues, v)
		m.byName[name] = v

		for _, symbol := range v.Symbols() {
			if _, taken := m.sources[symbol]; !taken {
				m.sources[symbol] = name
			}
		}

		venueName := name
		m.conns[name] = stream.New(stream.Options{
			Venue:             name,
			Protocol:          v,
			Transport:         opts.Transport,
			Policy:            policy,
			HeartbeatInterval: heartbeat,
			OnEvent:           func(ev models.Event) { m.handleEvent(venueName, ev) },
			OnStateChange:     m.onStateChange,
			Metrics:           opts.Metrics,
			Logger:            opts.Logger,
			Sleep:             opts.Sleep,
		})
	}

	return m, nil
}

// Start connects every venue. Connection failures are handled by each
// venue's reconnect policy and never fail Start.
func (m *Manager) Start(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&m.state, stateIdle, stateRunning) {
		if atomic.LoadInt32(&m.state) == stateStopped {
			return ErrStopped
		}
		return ErrAlreadyStarted
	}

	m.logger.Info("starting market data aggregator",
		"venues", m.VenueNames(),
		"candle_intervals", m.candles.Intervals())

	for _, v := range m.venues {
		if err := m.conns[v.Name()].Start(ctx); err != nil {
			return fmt.Errorf("start %s: %w", v.Name(), err)
		}
	}
	return nil
}

// Stop tears the manager down, bounded by ctx.
func (m *Manager) Stop(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		m.Disconnect()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		m.logger.Warn("aggregator stop timed out", "error", ctx.Err())
		return ctx.Err()
	}
}

// Disconnect closes every connection, clears all subscriptions and drops
// live state. It is idempotent; a disconnected manager cannot be restarted.
func (m *Manager) Disconnect() {
	m.stopOnce.Do(func() {
		atomic.StoreInt32(&m.state, stateStopped)
		m.logger.Info("disconnecting market data aggregator")

		var wg sync.WaitGroup
		for _, conn := range m.conns {
			wg.Add(1)
			go func(c *stream.Connection) {
				defer wg.Done()
				c.Stop()
			}(conn)
		}
		wg.Wait()

		m.registry.Clear()
		m.candles.Reset()

		m.booksMu.Lock()
		m.books = make(map[bookKey]*models.OrderBook)
		m.booksMu.Unlock()
	})
}

// Reconnect restarts a venue whose connection gave up after exhausting its
// reconnect policy.
func (m *Manager) Reconnect(ctx context.Context, venue string) error {
	switch atomic.LoadInt32(&m.state) {
	case stateIdle:
		return apperrors.ErrNotStarted
	case stateStopped:
		return ErrStopped
	}
	conn, ok := m.conns[strings.ToLower(venue)]
	if !ok {
		return fmt.Errorf("%w: %q", apperrors.ErrUnknownVenue, venue)
	}
	return conn.Reconnect(ctx)
}

// GetMarketData fetches a snapshot from every venue in parallel. Failed venues
// are left out of the result; only when every venue fails does it return a
// *MarketDataUnavailableError. Pairs are ordered by venue configuration order.
func (m *Manager) GetMarketData(ctx context.Context) ([]models.TradingPair, error) {
	if cached, ok := m.cachedMarketData(ctx); ok {
		return cached, nil
	}

	results := make([][]models.TradingPair, len(m.venues))
	errs := make([]error, len(m.venues))

	var g errgroup.Group
	for i, v := range m.venues {
		i, v := i, v
		g.Go(func() error {
			results[i], errs[i] = m.fetchSnapshot(ctx, v)
			return nil
		})
	}
	_ = g.Wait()

	var pairs []models.TradingPair
	causes := make(map[string]error)
	for i, v := range m.venues {
		if errs[i] != nil {
			causes[v.Name()] = errs[i]
			continue
		}
		pairs = append(pairs, results[i]...)
	}
	if len(causes) == len(m.venues) {
		return nil, &apperrors.MarketDataUnavailableError{Causes: causes}
	}
	if len(causes) > 0 {
		m.logger.Warn("partial market data", "failed_venues", len(causes), "pairs", len(pairs))
	}

	m.storeMarketData(ctx, pairs)
	return pairs, nil
}

func (m *Manager) fetchSnapshot(ctx context.Context, v exchange.Venue) ([]models.TradingPair, error) {
	ctx, cancel := context.WithTimeout(applog.WithVenue(ctx, v.Name()), m.snapshotTimeout)
	defer cancel()

	labels := map[string]string{"venue": v.Name()}
	start := time.Now()
	pairs, err := v.FetchSnapshot(ctx)
	if m.metrics != nil {
		m.metrics.RecordDuration(metrics.SnapshotDuration, time.Since(start), "venue snapshot fetch time", labels)
	}
	if err != nil {
		m.logger.WarnContext(ctx, "snapshot fetch failed", append(applog.Attrs(ctx), "error", err)...)
		if m.metrics != nil {
			m.metrics.RecordError(metrics.SnapshotFailures, "failed venue snapshot fetches", labels)
		}
		return nil, err
	}
	return pairs, nil
}

func (m *Manager) cachedMarketData(ctx context.Context) ([]models.TradingPair, bool) {
	if m.cache == nil {
		return nil, false
	}
	data, ok, err := m.cache.Get(ctx, marketDataCacheKey)
	if err != nil {
		m.logger.Warn("market data cache read failed", "error", err)
		return nil, false
	}
	if !ok {
		return nil, false
	}
	var pairs []models.TradingPair
	if err := json.Unmarshal(data, &pairs); err != nil {
		m.logger.Warn("discarding unreadable cached market data", "error", err)
		return nil, false
	}
	return pairs, true
}

func (m *Manager) storeMarketData(ctx context.Context, pairs []models.TradingPair) {
	if m.cache == nil || m.cacheTTL <= 0 {
		return
	}
	data, err := json.Marshal(pairs)
	if err != nil {
		m.logger.Warn("market data cache encode failed", "error", err)
		return
	}
	if err := m.cache.Set(ctx, marketDataCacheKey, data, m.cacheTTL); err != nil {
		m.logger.Warn("market data cache write failed", "error", err)
	}
}

// GetChartData fetches historical candles from the first configured venue
// serving symbol. limit <= 0 selects the default and is capped at the maximum.
// Every failure is a *ChartDataUnavailableError.
func (m *Manager) GetChartData(ctx context.Context, symbol, interval string, limit int) ([]models.Candle, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if limit <= 0 {
		limit = m.defaultLimit
	}
	if limit > m.maxLimit {
		limit = m.maxLimit
	}

	v, ok := m.SourceVenue(symbol)
	if !ok {
		return nil, &apperrors.ChartDataUnavailableError{
			Symbol:   symbol,
			Interval: interval,
			Err:      fmt.Errorf("%w: %s", apperrors.ErrUnknownSymbol, symbol),
		}
	}

	ctx, cancel := context.WithTimeout(applog.WithSymbol(applog.WithVenue(ctx, v.Name()), symbol), m.snapshotTimeout)
	defer cancel()

	history, err := v.FetchCandles(ctx, symbol, interval, limit)
	if err != nil {
		m.logger.WarnContext(ctx, "chart data fetch failed", append(applog.Attrs(ctx), "interval", interval, "error", err)...)
		return nil, &apperrors.ChartDataUnavailableError{Symbol: symbol, Interval: interval, Venue: v.DisplayName(), Err: err}
	}
	return history, nil
}

// Subscribe registers a live subscription. A non-empty ChartInterval must be
// one of the intervals the candle builder maintains.
func (m *Manager) Subscribe(sub registry.Subscription) (*registry.Handle, error) {
	if atomic.LoadInt32(&m.state) == stateStopped {
		return nil, ErrStopped
	}
	if sub.ChartInterval != "" && !m.candles.Supports(sub.ChartInterval) {
		return nil, fmt.Errorf("%w: %q (maintained: %s)", ErrUnsupportedInterval, sub.ChartInterval, strings.Join(m.candles.Intervals(), ", "))
	}
	return m.registry.Subscribe(sub)
}

// GetConnectionStatus returns the state of every venue keyed by venue name.
func (m *Manager) GetConnectionStatus() map[string]models.ConnectionState {
	status := make(map[string]models.ConnectionState, len(m.conns))
	for name, conn := range m.conns {
		status[name] = conn.State()
	}
	return status
}

// Status returns per-venue details in configuration order.
func (m *Manager) Status() []VenueStatus {
	out := make([]VenueStatus, 0, len(m.venues))
	for _, v := range m.venues {
		conn := m.conns[v.Name()]
		out = append(out, VenueStatus{
			Name:        v.Name(),
			DisplayName: v.DisplayName(),
			State:       conn.State(),
			Attempts:    conn.Attempts(),
			Symbols:     v.Symbols(),
		})
	}
	return out
}

// Candles returns the live rolling window for symbol and interval.
func (m *Manager) Candles(symbol, interval string) ([]models.Candle, error) {
	if !m.candles.Supports(interval) {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedInterval, interval)
	}
	return m.candles.Candles(symbol, interval), nil
}

// CandleIntervals lists the intervals maintained live.
func (m *Manager) CandleIntervals() []string { return m.candles.Intervals() }

// OrderBook returns a copy of the live book for symbol on venue.
func (m *Manager) OrderBook(venue, symbol string) (models.OrderBook, bool) {
	m.booksMu.RLock()
	defer m.booksMu.RUnlock()
	book, ok := m.books[bookKey{venue: strings.ToLower(venue), symbol: strings.ToUpper(symbol)}]
	if !ok {
		return models.OrderBook{}, false
	}
	return book.Clone(), true
}

// SourceVenue returns the venue that serves symbol's history and feeds its live candles.
func (m *Manager) SourceVenue(symbol string) (exchange.Venue, bool) {
	name, ok := m.sources[strings.ToUpper(symbol)]
	if !ok {
		return nil, false
	}
	return m.byName[name], true
}

// Symbols returns every canonical symbol served by at least one venue, sorted.
func (m *Manager) Symbols() []string {
	out := make([]string, 0, len(m.sources))
	for symbol := range m.sources {
		out = append(out, symbol)
	}
	sort.Strings(out)
	return out
}

// VenueNames returns the configured venue names in order.
func (m *Manager) VenueNames() []string {
	out := make([]string, len(m.venues))
	for i, v := range m.venues {
		out[i] = v.Name()
	}
	return out
}

// Subscriptions returns the number of live subscriptions.
func (m *Manager) Subscriptions() int { return m.registry.Count() }

// handleEvent runs on the venue's connection goroutine, so events of one
// venue are processed in wire order.
func (m *Manager) handleEvent(venue string, ev models.Event) {
	switch ev.Type {
	case models.EventTrade:
		if ev.Trade == nil {
			return
		}
		m.registry.DispatchTrade(*ev.Trade)
		if m.sources[ev.Trade.Symbol] == venue {
			m.applyTrade(*ev.Trade)
		}
	case models.EventTicker:
		if ev.Ticker == nil {
			return
		}
		m.registry.DispatchTicker(*ev.Ticker)
	case models.EventOrderBook:
		if ev.OrderBook == nil {
			return
		}
		book, ok := m.applyBook(venue, *ev.OrderBook)
		if !ok {
			return
		}
		m.registry.DispatchOrderBook(&book)
	case models.EventCandle:
		if ev.Candle == nil {
			return
		}
		m.registry.DispatchCandle(ev.Symbol, ev.Interval, *ev.Candle)
	default:
		m.logger.Debug("ignoring event", "venue", venue, "type", ev.Type)
		return
	}

	if m.sink != nil {
		m.sink.Publish(ev)
	}
}

func (m *Manager) applyTrade(trade models.Trade) {
	updates, err := m.candles.ApplyTrade(trade)
	if err != nil {
		m.logger.Debug("trade partially rejected by candle builder", "symbol", trade.Symbol, "error", err)
	}
	for _, u := range updates {
		m.registry.DispatchCandle(u.Symbol, u.Interval, u.Candle)
		if m.sink != nil {
			candle := u.Candle
			m.sink.Publish(models.Event{
				Type:     models.EventCandle,
				Symbol:   u.Symbol,
				Exchange: trade.Exchange,
				Candle:   &candle,
				Interval: u.Interval,
			})
		}
	}
}

func (m *Manager) applyBook(venue string, update models.OrderBookUpdate) (models.OrderBook, bool) {
	key := bookKey{venue: venue, symbol: strings.ToUpper(update.Symbol)}

	m.booksMu.Lock()
	defer m.booksMu.Unlock()

	book, ok := m.books[key]
	if !ok {
		// A delta means nothing without a base; wait for the venue's snapshot.
		if !update.Snapshot {
			m.logger.Debug("holding book until snapshot", "venue", venue, "symbol", key.symbol, "update_id", update.UpdateID)
			return models.OrderBook{}, false
		}
		book = models.NewOrderBook(key.symbol, update.Exchange)
		m.books[key] = book
	}
	if err := book.Apply(update); err != nil {
		if errors.Is(err, models.ErrStaleUpdate) {
			m.logger.Debug("dropping stale book update", "venue", venue, "symbol", key.symbol, "update_id", update.UpdateID)
		} else {
			m.logger.Warn("order book update failed", "venue", venue, "symbol", key.symbol, "error", err)
		}
		return models.OrderBook{}, false
	}
	return book.Clone(), true
}

func (m *Manager) onStateChange(venue string, state models.ConnectionState) {
	m.logger.Info("venue state changed", "venue", venue, "state", state)
}

// CollectMetrics reports subscription and connection gauges on each collection tick.
func (m *Manager) CollectMetrics(ctx context.Context) ([]metrics.Metric, error) {
	now := time.Now()
	out := []metrics.Metric{{
		Name:        metrics.ActiveSubscriptions,
		Type:        metrics.MetricTypeGauge,
		Value:       float64(m.registry.Count()),
		Description: "active subscriptions",
		UpdatedAt:   now,
	}}
	for _, s := range m.Status() {
		out = append(out, metrics.Metric{
			Name:        metrics.ConnectionState,
			Type:        metrics.MetricTypeGauge,
			Value:       stream.StateValue(s.State),
			Labels:      map[string]string{"venue": s.Name},
			Description: "venue connection state",
			UpdatedAt:   now,
		})
	}
	return out, nil
}

// GetMetricNames lists the metrics reported by CollectMetrics.
func (m *Manager) GetMetricNames() []string {
	return []string{metrics.ActiveSubscriptions, metrics.ConnectionState}
}

// HealthCheck fails when the manager is not running or no venue is connected.
func (m *Manager) HealthCheck(ctx context.Context) error {
	if atomic.LoadInt32(&m.state) != stateRunning {
		return apperrors.ErrNotStarted
	}
	for _, state := range m.GetConnectionStatus() {
		if state == models.StateConnected {
			return nil
		}
	}
	return errors.New("no venue is connected")
}

// GetHealthStatus reports the state of every venue.
func (m *Manager) GetHealthStatus() metrics.HealthStatus {
	status := "healthy"
	if err := m.HealthCheck(context.Background()); err != nil {
		status = "unhealthy"
	}
	details := make(map[string]string, len(m.conns)+1)
	for name, state := range m.GetConnectionStatus() {
		details[name] = string(state)
	}
	details["subscriptions"] = fmt.Sprint(m.registry.Count())
	return metrics.HealthStatus{Status: status, Timestamp: time.Now(), Details: details}
}

func orDuration(d, fallback time.Duration) time.Duration {
	if d <= 0 {
		return fallback
	}
	return d
}

func orInt(n, fallback int) int {
	if n <= 0 {
		return fallback
	}
	return n
}
