package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/johnayoung/go-market-aggregator/internal/models"
	"github.com/johnayoung/go-market-aggregator/internal/symbols"
	"github.com/shopspring/decimal"
)

const (
	binanceTickerEndpoint = "/ticker/24hr"
	binanceKlinesEndpoint = "/klines"
)

var binanceHeartbeat = []byte(`{"method":"LIST_SUBSCRIPTIONS","id":2}`)

// Binance adapts the Binance spot API.
type Binance struct {
	venue
	decoder *BinanceDecoder
}

// NewBinance creates a Binance adapter.
func NewBinance(opts Options) *Binance {
	b := &Binance{venue: newVenue("binance", "Binance", opts)}
	b.decoder = &BinanceDecoder{normalizer: b.normalizer, exchange: b.displayName}
	return b
}

type binanceRequest struct {
	Method string   `json:"method"`
	Params []string `json:"params,omitempty"`
	ID     int      `json:"id"`
}

// StreamURL returns the combined-stream endpoint for the configured base, so
// every frame arrives wrapped with its stream name. Partial depth frames carry
// no symbol of their own and depend on it.
func (b *Binance) StreamURL() string {
	u, err := url.Parse(b.streamURL)
	if err != nil {
		return b.streamURL
	}
	base := strings.TrimSuffix(strings.TrimSuffix(u.Path, "/"), "/ws")
	base = strings.TrimSuffix(base, "/stream")
	u.Path = base + "/stream"
	return u.String()
}

// SubscribeMessages subscribes to trade, ticker and top-20 book snapshot
// streams for every symbol.
func (b *Binance) SubscribeMessages() ([][]byte, error) {
	params := make([]string, 0, len(b.native)*3)
	for _, suffix := range []string{"@trade", "@ticker", "@depth20@100ms"} {
		for _, native := range b.native {
			params = append(params, strings.ToLower(native)+suffix)
		}
	}

	msg, err := json.Marshal(binanceRequest{Method: "SUBSCRIBE", Params: params, ID: 1})
	if err != nil {
		return nil, err
	}
	return [][]byte{msg}, nil
}

// HeartbeatMessage lists subscriptions, which keeps the session active.
func (b *Binance) HeartbeatMessage() []byte { return binanceHeartbeat }

func (b *Binance) Decoder() Decoder { return b.decoder }

type binanceTicker24h struct {
	Symbol             string  `json:"symbol"`
	LastPrice          numeric `json:"lastPrice"`
	PriceChangePercent numeric `json:"priceChangePercent"`
	QuoteVolume        numeric `json:"quoteVolume"`
	HighPrice          numeric `json:"highPrice"`
	LowPrice           numeric `json:"lowPrice"`
}

// FetchSnapshot loads 24h statistics for all configured symbols in one request.
func (b *Binance) FetchSnapshot(ctx context.Context) ([]models.TradingPair, error) {
	upper := make([]string, len(b.native))
	for i, native := range b.native {
		upper[i] = strings.ToUpper(native)
	}
	list, err := json.Marshal(upper)
	if err != nil {
		return nil, err
	}

	var tickers []binanceTicker24h
	if err := b.rest.getJSON(ctx, binanceTickerEndpoint, url.Values{"symbols": {string(list)}}, &tickers); err != nil {
		return nil, fmt.Errorf("failed to fetch binance tickers: %w", err)
	}

	pairs := make([]models.TradingPair, 0, len(tickers))
	for _, t := range tickers {
		pair, err := b.convertTicker(t)
		if err != nil {
			b.logger.Warn("skipping malformed ticker", "symbol", t.Symbol, "error", err)
			continue
		}
		pairs = append(pairs, pair)
	}
	return pairs, nil
}

func (b *Binance) convertTicker(t binanceTicker24h) (models.TradingPair, error) {
	pair := b.pair(t.Symbol)

	var err error
	if pair.Price, err = t.LastPrice.positive("lastPrice"); err != nil {
		return pair, err
	}
	if pair.Change24h, err = t.PriceChangePercent.float("priceChangePercent"); err != nil {
		return pair, err
	}
	if pair.Volume24h, err = t.QuoteVolume.nonNegative("quoteVolume"); err != nil {
		return pair, err
	}
	if pair.High24h, err = t.HighPrice.nonNegative("highPrice"); err != nil {
		return pair, err
	}
	if pair.Low24h, err = t.LowPrice.nonNegative("lowPrice"); err != nil {
		return pair, err
	}
	return pair, nil
}

// FetchCandles loads klines. Binance returns them oldest first.
func (b *Binance) FetchCandles(ctx context.Context, symbol, interval string, limit int) ([]models.Candle, error) {
	native, _, err := b.candleRequest(symbol, interval, limit)
	if err != nil {
		return nil, err
	}

	query := url.Values{}
	query.Set("symbol", strings.ToUpper(native))
	query.Set("interval", interval)
	query.Set("limit", strconv.Itoa(limit))

	var rows [][]numeric
	if err := b.rest.getJSON(ctx, binanceKlinesEndpoint, query, &rows); err != nil {
		return nil, fmt.Errorf("failed to fetch binance klines: %w", err)
	}

	candles := make([]models.Candle, 0, len(rows))
	for i, row := range rows {
		candle, err := parseOHLCVRow(row, 1000, 1, 2, 3, 4, 5)
		if err != nil {
			return nil, fmt.Errorf("failed to parse binance kline %d: %w", i, err)
		}
		candles = append(candles, candle)
	}
	return lastN(candles, limit), nil
}

// parseOHLCVRow reads a candle from a positional row. timeDivisor converts the
// first column to epoch seconds; the remaining arguments are column indexes.
func parseOHLCVRow(row []numeric, timeDivisor int64, open, high, low, closeIdx, volume int) (models.Candle, error) {
	need := max(open, high, low, closeIdx, volume) + 1
	if len(row) < need {
		return models.Candle{}, fmt.Errorf("row has %d columns, want %d", len(row), need)
	}

	t, err := strconv.ParseFloat(string(row[0]), 64)
	if err != nil {
		return models.Candle{}, fmt.Errorf("invalid time %q", string(row[0]))
	}

	c := models.Candle{Time: int64(t) / timeDivisor}
	if c.Open, err = row[open].positive("open"); err != nil {
		return c, err
	}
	if c.High, err = row[high].positive("high"); err != nil {
		return c, err
	}
	if c.Low, err = row[low].positive("low"); err != nil {
		return c, err
	}
	if c.Close, err = row[closeIdx].positive("close"); err != nil {
		return c, err
	}
	vol, err := row[volume].nonNegative("volume")
	if err != nil {
		return c, err
	}
	c.Volume = decimal.NewNullDecimal(vol)
	if err := c.Validate(); err != nil {
		return c, err
	}
	return c, nil
}

// BinanceDecoder decodes raw and combined-stream Binance frames.
//
// Binance payload keys differ only by case (e/E, m/M, c/C), which the
// case-insensitive struct matching in encoding/json would conflate, so fields
// are read by exact key.
type BinanceDecoder struct {
	normalizer *symbols.Normalizer
	exchange   string
}

// Decode implements Decoder.
func (d *BinanceDecoder) Decode(frame []byte) ([]models.Event, error) {
	var f fields
	if err := json.Unmarshal(frame, &f); err != nil {
		return nil, d.fail("malformed json", err)
	}

	if data, ok := f["data"]; ok {
		stream := f.text("stream")
		var inner fields
		if err := json.Unmarshal(data, &inner); err != nil {
			return nil, d.fail("malformed stream payload", err)
		}
		if _, ok := inner["lastUpdateId"]; ok {
			return d.partialDepth(stream, inner)
		}
		f = inner
	}

	switch f.text("e") {
	case "trade":
		return d.trade(f)
	case "24hrTicker":
		return d.ticker(f)
	case "depthUpdate":
		return d.depth(f)
	case "":
		if _, ok := f["result"]; ok {
			return nil, nil
		}
		if msg, ok := f["error"]; ok {
			return nil, d.fail("upstream error "+string(msg), nil)
		}
		if _, ok := f["lastUpdateId"]; ok {
			return nil, d.fail("partial depth frame without stream name", nil)
		}
		return nil, d.fail("unrecognized frame", nil)
	default:
		return nil, nil
	}
}

func (d *BinanceDecoder) fail(reason string, err error) error {
	return &DecodeError{Venue: "binance", Reason: reason, Err: err}
}

func (d *BinanceDecoder) symbol(f fields) (string, error) {
	native := f.text("s")
	if native == "" {
		return "", d.fail("missing symbol", nil)
	}
	return d.normalizer.Normalize(native), nil
}

func (d *BinanceDecoder) trade(f fields) ([]models.Event, error) {
	symbol, err := d.symbol(f)
	if err != nil {
		return nil, err
	}
	id, err := f.integer("t")
	if err != nil {
		return nil, d.fail("trade", err)
	}
	ts, err := f.integer("T")
	if err != nil {
		return nil, d.fail("trade", err)
	}
	price, err := f.number("p").positive("price")
	if err != nil {
		return nil, d.fail("trade", err)
	}
	amount, err := f.number("q").positive("quantity")
	if err != nil {
		return nil, d.fail("trade", err)
	}

	// m is set when the buyer was the maker, so the taker sold.
	side := models.SideBuy
	if f.boolean("m") {
		side = models.SideSell
	}

	trade, err := models.NewTrade(fmt.Sprintf("binance-%d", id), symbol, ts, side, price, amount, d.exchange)
	if err != nil {
		return nil, d.fail("trade", err)
	}
	return []models.Event{{Type: models.EventTrade, Symbol: symbol, Exchange: d.exchange, Trade: trade}}, nil
}

func (d *BinanceDecoder) ticker(f fields) ([]models.Event, error) {
	symbol, err := d.symbol(f)
	if err != nil {
		return nil, err
	}
	price, err := f.number("c").positive("last price")
	if err != nil {
		return nil, d.fail("ticker", err)
	}
	change, err := f.number("P").float("change percent")
	if err != nil {
		return nil, d.fail("ticker", err)
	}
	volume, err := f.number("v").nonNegative("volume")
	if err != nil {
		return nil, d.fail("ticker", err)
	}
	ts, _ := f.integer("E")

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

func (d *BinanceDecoder) depth(f fields) ([]models.Event, error) {
	symbol, err := d.symbol(f)
	if err != nil {
		return nil, err
	}
	updateID, err := f.integer("u")
	if err != nil {
		return nil, d.fail("depth", err)
	}
	update, err := d.book(symbol, updateID, f, "b", "a")
	if err != nil {
		return nil, err
	}
	return []models.Event{{Type: models.EventOrderBook, Symbol: symbol, Exchange: d.exchange, OrderBook: update}}, nil
}

// partialDepth decodes a top-N book snapshot; its symbol is only present in the stream name.
func (d *BinanceDecoder) partialDepth(stream string, f fields) ([]models.Event, error) {
	native, _, _ := strings.Cut(stream, "@")
	if native == "" {
		return nil, d.fail("partial depth frame without stream name", nil)
	}
	symbol := d.normalizer.Normalize(native)

	updateID, err := f.integer("lastUpdateId")
	if err != nil {
		return nil, d.fail("partial depth", err)
	}
	update, err := d.book(symbol, updateID, f, "bids", "asks")
	if err != nil {
		return nil, err
	}
	update.Snapshot = true
	return []models.Event{{Type: models.EventOrderBook, Symbol: symbol, Exchange: d.exchange, OrderBook: update}}, nil
}

func (d *BinanceDecoder) book(symbol string, updateID int64, f fields, bidKey, askKey string) (*models.OrderBookUpdate, error) {
	bidRows, err := f.rows(bidKey)
	if err != nil {
		return nil, d.fail("depth", err)
	}
	askRows, err := f.rows(askKey)
	if err != nil {
		return nil, d.fail("depth", err)
	}
	bids, err := levels(bidRows)
	if err != nil {
		return nil, d.fail("depth bids", err)
	}
	asks, err := levels(askRows)
	if err != nil {
		return nil, d.fail("depth asks", err)
	}
	return &models.OrderBookUpdate{
		Symbol:   symbol,
		Exchange: d.exchange,
		Bids:     bids,
		Asks:     asks,
		UpdateID: updateID,
	}, nil
}
