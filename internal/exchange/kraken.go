package exchange

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/johnayoung/go-market-aggregator/internal/models"
	"github.com/johnayoung/go-market-aggregator/internal/symbols"
)

const (
	krakenTickerEndpoint = "/Ticker"
	krakenOHLCEndpoint   = "/OHLC"
)

// Kraken adapts the Kraken public API (websocket v1).
type Kraken struct {
	venue
	decoder *KrakenDecoder
}

// NewKraken creates a Kraken adapter.
func NewKraken(opts Options) *Kraken {
	k := &Kraken{venue: newVenue("kraken", "Kraken", opts)}
	k.decoder = &KrakenDecoder{normalizer: k.normalizer, exchange: k.displayName, now: k.now}
	return k
}

type krakenSubscribe struct {
	Event        string             `json:"event"`
	Pair         []string           `json:"pair"`
	Subscription krakenSubscription `json:"subscription"`
}

type krakenSubscription struct {
	Name string `json:"name"`
}

// SubscribeMessages returns one subscribe request per channel.
func (k *Kraken) SubscribeMessages() ([][]byte, error) {
	var out [][]byte
	for _, channel := range []string{"trade", "ticker"} {
		msg, err := json.Marshal(krakenSubscribe{
			Event:        "subscribe",
			Pair:         append([]string(nil), k.native...),
			Subscription: krakenSubscription{Name: channel},
		})
		if err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	return out, nil
}

// HeartbeatMessage is nil: Kraken pushes its own heartbeat events.
func (k *Kraken) HeartbeatMessage() []byte { return nil }

func (k *Kraken) Decoder() Decoder { return k.decoder }

type krakenResponse struct {
	Error  []string                   `json:"error"`
	Result map[string]json.RawMessage `json:"result"`
}

// result returns the single pair entry of a Kraken result, skipping bookkeeping keys like "last".
func (r krakenResponse) result() (json.RawMessage, error) {
	if len(r.Error) > 0 {
		return nil, fmt.Errorf("kraken error: %s", strings.Join(r.Error, "; "))
	}
	keys := make([]string, 0, len(r.Result))
	for key := range r.Result {
		if key != "last" {
			keys = append(keys, key)
		}
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("kraken response has no result")
	}
	sort.Strings(keys)
	return r.Result[keys[0]], nil
}

// restPair converts the websocket pair name (XBT/USD) to the REST form (XBTUSD).
func restPair(native string) string {
	return strings.ReplaceAll(native, "/", "")
}

type krakenRESTTicker struct {
	C []numeric `json:"c"`
	V []numeric `json:"v"`
	H []numeric `json:"h"`
	L []numeric `json:"l"`
	O numeric   `json:"o"`
}

// FetchSnapshot queries each pair separately. Kraken renames pairs in its
// responses (XBTUSD becomes XXBTZUSD), so one pair per request keeps the
// mapping back to the configured symbol unambiguous.
func (k *Kraken) FetchSnapshot(ctx context.Context) ([]models.TradingPair, error) {
	pairs := make([]models.TradingPair, 0, len(k.native))
	var lastErr error

	for _, native := range k.native {
		pair, err := k.fetchTicker(ctx, native)
		if err != nil {
			lastErr = err
			k.logger.Warn("failed to fetch ticker", "pair", native, "error", err)
			if ctx.Err() != nil {
				break
			}
			continue
		}
		pairs = append(pairs, pair)
	}

	if len(pairs) == 0 && lastErr != nil {
		return nil, fmt.Errorf("failed to fetch kraken tickers: %w", lastErr)
	}
	return pairs, nil
}

func (k *Kraken) fetchTicker(ctx context.Context, native string) (models.TradingPair, error) {
	var resp krakenResponse
	if err := k.rest.getJSON(ctx, krakenTickerEndpoint, url.Values{"pair": {restPair(native)}}, &resp); err != nil {
		return models.TradingPair{}, err
	}
	raw, err := resp.result()
	if err != nil {
		return models.TradingPair{}, err
	}

	var t krakenRESTTicker
	if err := json.Unmarshal(raw, &t); err != nil {
		return models.TradingPair{}, fmt.Errorf("failed to parse ticker response: %w", err)
	}
	if len(t.C) < 1 || len(t.V) < 2 || len(t.H) < 2 || len(t.L) < 2 {
		return models.TradingPair{}, fmt.Errorf("ticker for %s is missing fields", native)
	}

	pair := k.pair(native)
	if pair.Price, err = t.C[0].positive("last"); err != nil {
		return pair, err
	}
	if pair.Volume24h, err = t.V[1].nonNegative("volume"); err != nil {
		return pair, err
	}
	if pair.High24h, err = t.H[1].nonNegative("high"); err != nil {
		return pair, err
	}
	if pair.Low24h, err = t.L[1].nonNegative("low"); err != nil {
		return pair, err
	}
	if open, err := t.O.decimal("open"); err == nil {
		pair.Change24h = models.ChangePercent(pair.Price, open)
	}
	return pair, nil
}

// FetchCandles loads OHLC rows of [time, open, high, low, close, vwap, volume, count].
func (k *Kraken) FetchCandles(ctx context.Context, symbol, interval string, limit int) ([]models.Candle, error) {
	native, width, err := k.candleRequest(symbol, interval, limit)
	if err != nil {
		return nil, err
	}
	minutes, err := krakenIntervalMinutes(width)
	if err != nil {
		return nil, err
	}

	var resp krakenResponse
	query := url.Values{"pair": {restPair(native)}, "interval": {strconv.Itoa(minutes)}}
	if err := k.rest.getJSON(ctx, krakenOHLCEndpoint, query, &resp); err != nil {
		return nil, fmt.Errorf("failed to fetch kraken ohlc: %w", err)
	}
	raw, err := resp.result()
	if err != nil {
		return nil, err
	}

	var rows [][]numeric
	if err := json.Unmarshal(raw, &rows); err != nil {
		return nil, fmt.Errorf("failed to parse ohlc response: %w", err)
	}

	candles := make([]models.Candle, 0, len(rows))
	for i, row := range rows {
		candle, err := parseOHLCVRow(row, 1, 1, 2, 3, 4, 6)
		if err != nil {
			return nil, fmt.Errorf("failed to parse kraken candle %d: %w", i, err)
		}
		candles = append(candles, candle)
	}
	return lastN(candles, limit), nil
}

func krakenIntervalMinutes(width time.Duration) (int, error) {
	minutes := int(width / time.Minute)
	switch minutes {
	case 1, 5, 15, 30, 60, 240, 1440, 10080, 21600:
		if time.Duration(minutes)*time.Minute == width {
			return minutes, nil
		}
	}
	return 0, fmt.Errorf("unsupported interval for kraken: %s", width)
}

// KrakenDecoder decodes Kraken websocket v1 frames: JSON objects for session
// events and positional arrays [channelID, payload, channelName, pair] for data.
type KrakenDecoder struct {
	normalizer *symbols.Normalizer
	exchange   string
	now        func() time.Time
}

type krakenEvent struct {
	Event        string `json:"event"`
	Status       string `json:"status"`
	ErrorMessage string `json:"errorMessage"`
}

type krakenWSTicker struct {
	C []numeric `json:"c"`
	V []numeric `json:"v"`
	O []numeric `json:"o"`
}

// Decode implements Decoder.
func (d *KrakenDecoder) Decode(frame []byte) ([]models.Event, error) {
	trimmed := bytes.TrimSpace(frame)
	if len(trimmed) == 0 {
		return nil, d.fail("empty frame", nil)
	}

	switch trimmed[0] {
	case '{':
		return d.event(trimmed)
	case '[':
		return d.channel(trimmed)
	default:
		return nil, d.fail("unrecognized frame", nil)
	}
}

func (d *KrakenDecoder) fail(reason string, err error) error {
	return &DecodeError{Venue: "kraken", Reason: reason, Err: err}
}

func (d *KrakenDecoder) event(frame []byte) ([]models.Event, error) {
	var ev krakenEvent
	if err := json.Unmarshal(frame, &ev); err != nil {
		return nil, d.fail("malformed json", err)
	}
	if ev.Event == "subscriptionStatus" && ev.Status == "error" {
		return nil, d.fail("subscription rejected: "+ev.ErrorMessage, nil)
	}
	return nil, nil
}

func (d *KrakenDecoder) channel(frame []byte) ([]models.Event, error) {
	var parts []json.RawMessage
	if err := json.Unmarshal(frame, &parts); err != nil {
		return nil, d.fail("malformed json", err)
	}
	if len(parts) < 4 {
		return nil, d.fail(fmt.Sprintf("channel frame has %d elements", len(parts)), nil)
	}

	var name, pair string
	if err := json.Unmarshal(parts[len(parts)-2], &name); err != nil {
		return nil, d.fail("channel name", err)
	}
	if err := json.Unmarshal(parts[len(parts)-1], &pair); err != nil {
		return nil, d.fail("channel pair", err)
	}
	if pair == "" {
		return nil, d.fail("channel frame without pair", nil)
	}

	switch name {
	case "trade":
		return d.trades(parts[1], pair)
	case "ticker":
		return d.ticker(parts[1], pair)
	default:
		return nil, nil
	}
}

// trades decodes rows of [price, volume, time, side, orderType, misc]. Ids are
// derived from the pair, the trade time in nanoseconds and the row index, which
// is stable across redeliveries of the same frame.
func (d *KrakenDecoder) trades(payload json.RawMessage, pair string) ([]models.Event, error) {
	var rows [][]numeric
	if err := json.Unmarshal(payload, &rows); err != nil {
		return nil, d.fail("trade payload", err)
	}

	symbol := d.normalizer.Normalize(pair)
	events := make([]models.Event, 0, len(rows))
	for i, row := range rows {
		if len(row) < 4 {
			return nil, d.fail(fmt.Sprintf("trade row %d has %d fields", i, len(row)), nil)
		}
		price, err := row[0].positive("price")
		if err != nil {
			return nil, d.fail("trade", err)
		}
		amount, err := row[1].positive("volume")
		if err != nil {
			return nil, d.fail("trade", err)
		}
		seconds, err := row[2].positive("time")
		if err != nil {
			return nil, d.fail("trade", err)
		}

		var side models.Side
		switch string(row[3]) {
		case "b":
			side = models.SideBuy
		case "s":
			side = models.SideSell
		default:
			return nil, d.fail(fmt.Sprintf("trade with unknown side %q", string(row[3])), nil)
		}

		nanos := seconds.Shift(9).IntPart()
		ms := seconds.Shift(3).IntPart()
		id := fmt.Sprintf("kraken-%s-%d-%d", restPair(pair), nanos, i)

		trade, err := models.NewTrade(id, symbol, ms, side, price, amount, d.exchange)
		if err != nil {
			return nil, d.fail("trade", err)
		}
		events = append(events, models.Event{Type: models.EventTrade, Symbol: symbol, Exchange: d.exchange, Trade: trade})
	}
	return events, nil
}

func (d *KrakenDecoder) ticker(payload json.RawMessage, pair string) ([]models.Event, error) {
	var t krakenWSTicker
	if err := json.Unmarshal(payload, &t); err != nil {
		return nil, d.fail("ticker payload", err)
	}
	if len(t.C) < 1 || len(t.V) < 2 {
		return nil, d.fail("ticker missing close or volume", nil)
	}

	price, err := t.C[0].positive("close")
	if err != nil {
		return nil, d.fail("ticker", err)
	}
	volume, err := t.V[1].nonNegative("volume")
	if err != nil {
		return nil, d.fail("ticker", err)
	}

	var change float64
	if len(t.O) > 0 {
		open, err := t.O[len(t.O)-1].decimal("open")
		if err == nil {
			change = models.ChangePercent(price, open)
		}
	}

	symbol := d.normalizer.Normalize(pair)
	ticker := &models.Ticker{
		Symbol:    symbol,
		Time:      d.now().UnixMilli(),
		Price:     price,
		Change24h: change,
		Volume24h: volume,
		Exchange:  d.exchange,
	}
	return []models.Event{{Type: models.EventTicker, Symbol: symbol, Exchange: d.exchange, Ticker: ticker}}, nil
}
