package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/johnayoung/go-market-aggregator/internal/models"
	"github.com/johnayoung/go-market-aggregator/internal/symbols"
)

const (
	coinbaseStatsEndpoint   = "/products/%s/stats"
	coinbaseCandlesEndpoint = "/products/%s/candles"
)

var coinbaseHeartbeat = []byte(`{"type":"heartbeat","on":true}`)

// Coinbase adapts the Coinbase Exchange (formerly Pro) public API.
type Coinbase struct {
	venue
	decoder *CoinbaseDecoder
}

// NewCoinbase creates a Coinbase adapter.
func NewCoinbase(opts Options) *Coinbase {
	c := &Coinbase{venue: newVenue("coinbase", "Coinbase Pro", opts)}
	c.decoder = &CoinbaseDecoder{normalizer: c.normalizer, exchange: c.displayName, now: c.now}
	return c
}

type coinbaseSubscribe struct {
	Type       string   `json:"type"`
	ProductIDs []string `json:"product_ids"`
	Channels   []string `json:"channels"`
}

// SubscribeMessages subscribes every product to the matches, ticker and level2 channels.
func (c *Coinbase) SubscribeMessages() ([][]byte, error) {
	msg, err := json.Marshal(coinbaseSubscribe{
		Type:       "subscribe",
		ProductIDs: append([]string(nil), c.native...),
		Channels:   []string{"matches", "ticker", "level2"},
	})
	if err != nil {
		return nil, err
	}
	return [][]byte{msg}, nil
}

func (c *Coinbase) HeartbeatMessage() []byte { return coinbaseHeartbeat }

func (c *Coinbase) Decoder() Decoder { return c.decoder }

type coinbaseStats struct {
	Open   numeric `json:"open"`
	High   numeric `json:"high"`
	Low    numeric `json:"low"`
	Last   numeric `json:"last"`
	Volume numeric `json:"volume"`
}

// FetchSnapshot loads 24h stats one product at a time. Products that fail are
// skipped; the call fails only when no product could be loaded.
func (c *Coinbase) FetchSnapshot(ctx context.Context) ([]models.TradingPair, error) {
	pairs := make([]models.TradingPair, 0, len(c.native))
	var lastErr error

	for _, product := range c.native {
		var stats coinbaseStats
		path := fmt.Sprintf(coinbaseStatsEndpoint, url.PathEscape(product))
		if err := c.rest.getJSON(ctx, path, nil, &stats); err != nil {
			lastErr = err
			c.logger.Warn("failed to fetch product stats", "product", product, "error", err)
			if ctx.Err() != nil {
				break
			}
			continue
		}

		pair, err := c.convertStats(product, stats)
		if err != nil {
			lastErr = err
			c.logger.Warn("skipping malformed product stats", "product", product, "error", err)
			continue
		}
		pairs = append(pairs, pair)
	}

	if len(pairs) == 0 && lastErr != nil {
		return nil, fmt.Errorf("failed to fetch coinbase stats: %w", lastErr)
	}
	return pairs, nil
}

func (c *Coinbase) convertStats(product string, s coinbaseStats) (models.TradingPair, error) {
	pair := c.pair(product)

	var err error
	if pair.Price, err = s.Last.positive("last"); err != nil {
		return pair, err
	}
	if pair.Volume24h, err = s.Volume.nonNegative("volume"); err != nil {
		return pair, err
	}
	if pair.High24h, err = s.High.nonNegative("high"); err != nil {
		return pair, err
	}
	if pair.Low24h, err = s.Low.nonNegative("low"); err != nil {
		return pair, err
	}
	if open, err := s.Open.decimal("open"); err == nil {
		pair.Change24h = models.ChangePercent(pair.Price, open)
	}
	return pair, nil
}

// FetchCandles loads candles. Coinbase returns rows of
// [time, low, high, open, close, volume], newest first.
func (c *Coinbase) FetchCandles(ctx context.Context, symbol, interval string, limit int) ([]models.Candle, error) {
	native, width, err := c.candleRequest(symbol, interval, limit)
	if err != nil {
		return nil, err
	}
	granularity, err := coinbaseGranularity(width)
	if err != nil {
		return nil, err
	}

	var rows [][]numeric
	path := fmt.Sprintf(coinbaseCandlesEndpoint, url.PathEscape(native))
	query := url.Values{"granularity": {strconv.Itoa(granularity)}}
	if err := c.rest.getJSON(ctx, path, query, &rows); err != nil {
		return nil, fmt.Errorf("failed to fetch coinbase candles: %w", err)
	}

	candles := make([]models.Candle, 0, len(rows))
	for i := len(rows) - 1; i >= 0; i-- {
		candle, err := parseOHLCVRow(rows[i], 1, 3, 2, 1, 4, 5)
		if err != nil {
			return nil, fmt.Errorf("failed to parse coinbase candle %d: %w", i, err)
		}
		candles = append(candles, candle)
	}
	return lastN(candles, limit), nil
}

// coinbaseGranularity maps an interval onto the granularities Coinbase accepts.
func coinbaseGranularity(width time.Duration) (int, error) {
	switch width {
	case time.Minute, 5 * time.Minute, 15 * time.Minute, time.Hour, 6 * time.Hour, 24 * time.Hour:
		return int(width / time.Second), nil
	default:
		return 0, fmt.Errorf("unsupported interval for coinbase: %s", width)
	}
}

// CoinbaseDecoder decodes Coinbase websocket feed messages.
type CoinbaseDecoder struct {
	normalizer *symbols.Normalizer
	exchange   string
	now        func() time.Time
}

type coinbaseMessage struct {
	Type      string      `json:"type"`
	ProductID string      `json:"product_id"`
	TradeID   numeric     `json:"trade_id"`
	Side      string      `json:"side"`
	Price     numeric     `json:"price"`
	Size      numeric     `json:"size"`
	Time      string      `json:"time"`
	Open24h   numeric     `json:"open_24h"`
	Volume24h numeric     `json:"volume_24h"`
	Bids      [][]numeric `json:"bids"`
	Asks      [][]numeric `json:"asks"`
	Changes   [][]numeric `json:"changes"`
	Message   string      `json:"message"`
	Reason    string      `json:"reason"`
}

// Decode implements Decoder.
func (d *CoinbaseDecoder) Decode(frame []byte) ([]models.Event, error) {
	var msg coinbaseMessage
	if err := json.Unmarshal(frame, &msg); err != nil {
		return nil, d.fail("malformed json", err)
	}

	switch msg.Type {
	case "match", "last_match":
		return d.match(msg)
	case "ticker":
		return d.ticker(msg)
	case "snapshot":
		return d.snapshot(msg)
	case "l2update":
		return d.l2update(msg)
	case "subscriptions", "heartbeat":
		return nil, nil
	case "error":
		return nil, d.fail(strings.TrimSpace("upstream error: "+msg.Message+" "+msg.Reason), nil)
	case "":
		return nil, d.fail("frame without type", nil)
	default:
		return nil, nil
	}
}

func (d *CoinbaseDecoder) fail(reason string, err error) error {
	return &DecodeError{Venue: "coinbase", Reason: reason, Err: err}
}

func (d *CoinbaseDecoder) symbol(msg coinbaseMessage) (string, error) {
	if msg.ProductID == "" {
		return "", d.fail(msg.Type+" without product_id", nil)
	}
	return d.normalizer.Normalize(msg.ProductID), nil
}

func (d *CoinbaseDecoder) timestamp(raw string) (int64, error) {
	if raw == "" {
		return d.now().UnixMilli(), nil
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return 0, fmt.Errorf("invalid time %q", raw)
	}
	return t.UnixMilli(), nil
}

// match decodes a trade. The side on a match is the maker order's side, so
// the taker side is its opposite.
func (d *CoinbaseDecoder) match(msg coinbaseMessage) ([]models.Event, error) {
	symbol, err := d.symbol(msg)
	if err != nil {
		return nil, err
	}
	if msg.TradeID == "" {
		return nil, d.fail("match without trade_id", nil)
	}

	var side models.Side
	switch strings.ToLower(msg.Side) {
	case "buy":
		side = models.SideSell
	case "sell":
		side = models.SideBuy
	default:
		return nil, d.fail(fmt.Sprintf("match with unknown side %q", msg.Side), nil)
	}

	price, err := msg.Price.positive("price")
	if err != nil {
		return nil, d.fail("match", err)
	}
	size, err := msg.Size.positive("size")
	if err != nil {
		return nil, d.fail("match", err)
	}
	ts, err := d.timestamp(msg.Time)
	if err != nil {
		return nil, d.fail("match", err)
	}

	trade, err := models.NewTrade("coinbase-"+string(msg.TradeID), symbol, ts, side, price, size, d.exchange)
	if err != nil {
		return nil, d.fail("match", err)
	}
	return []models.Event{{Type: models.EventTrade, Symbol: symbol, Exchange: d.exchange, Trade: trade}}, nil
}

func (d *CoinbaseDecoder) ticker(msg coinbaseMessage) ([]models.Event, error) {
	symbol, err := d.symbol(msg)
	if err != nil {
		return nil, err
	}
	price, err := msg.Price.positive("price")
	if err != nil {
		return nil, d.fail("ticker", err)
	}
	volume, err := msg.Volume24h.nonNegative("volume_24h")
	if err != nil {
		return nil, d.fail("ticker", err)
	}
	ts, err := d.timestamp(msg.Time)
	if err != nil {
		return nil, d.fail("ticker", err)
	}

	var change float64
	if open, err := msg.Open24h.decimal("open_24h"); err == nil {
		change = models.ChangePercent(price, open)
	}

	ticker := &models.Ticker{
		Symbol:    symbol,
		Time:      ts,
		Price:     price,
		Change24h: change,
		Volume24h: volume,
		Exchange:  d.exchange,
	}
	return []models.Event{{Type: models.EventTicker, Symbol: symbol, Exchange: d.exchange, Ticker: ticker}}, nil
}

func (d *CoinbaseDecoder) snapshot(msg coinbaseMessage) ([]models.Event, error) {
	symbol, err := d.symbol(msg)
	if err != nil {
		return nil, err
	}
	bids, err := levels(msg.Bids)
	if err != nil {
		return nil, d.fail("snapshot bids", err)
	}
	asks, err := levels(msg.Asks)
	if err != nil {
		return nil, d.fail("snapshot asks", err)
	}

	update := &models.OrderBookUpdate{Symbol: symbol, Exchange: d.exchange, Bids: bids, Asks: asks, Snapshot: true}
	return []models.Event{{Type: models.EventOrderBook, Symbol: symbol, Exchange: d.exchange, OrderBook: update}}, nil
}

// l2update decodes [side, price, size] changes. The feed carries no sequence
// number, so updates are unsequenced and applied in arrival order.
func (d *CoinbaseDecoder) l2update(msg coinbaseMessage) ([]models.Event, error) {
	symbol, err := d.symbol(msg)
	if err != nil {
		return nil, err
	}

	update := &models.OrderBookUpdate{Symbol: symbol, Exchange: d.exchange}
	for i, change := range msg.Changes {
		if len(change) < 3 {
			return nil, d.fail(fmt.Sprintf("l2update change %d has %d fields", i, len(change)), nil)
		}
		price, err := change[1].positive("price")
		if err != nil {
			return nil, d.fail("l2update", err)
		}
		size, err := change[2].nonNegative("size")
		if err != nil {
			return nil, d.fail("l2update", err)
		}
		level := models.PriceLevel{Price: price, Quantity: size}

		switch strings.ToLower(string(change[0])) {
		case "buy":
			update.Bids = append(update.Bids, level)
		case "sell":
			update.Asks = append(update.Asks, level)
		default:
			return nil, d.fail(fmt.Sprintf("l2update change with unknown side %q", string(change[0])), nil)
		}
	}
	return []models.Event{{Type: models.EventOrderBook, Symbol: symbol, Exchange: d.exchange, OrderBook: update}}, nil
}
