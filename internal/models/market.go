package models

import (
	"github.com/shopspring/decimal"
)

// TradingPair is a point-in-time snapshot of one instrument on one venue.
// A fresh value replaces the previous one on every snapshot refresh.
type TradingPair struct {
	ID          string          `json:"id"`
	Symbol      string          `json:"symbol"`
	BaseSymbol  string          `json:"base_symbol"`
	QuoteSymbol string          `json:"quote_symbol"`
	Price       decimal.Decimal `json:"price"`
	Change24h   float64         `json:"change_24h"`
	Volume24h   decimal.Decimal `json:"volume_24h"`
	High24h     decimal.Decimal `json:"high_24h"`
	Low24h      decimal.Decimal `json:"low_24h"`
	Exchange    string          `json:"exchange"`
}

// Ticker is a streamed rolling-24h statistics update.
type Ticker struct {
	Symbol    string          `json:"symbol"`
	Time      int64           `json:"time"` // epoch milliseconds
	Price     decimal.Decimal `json:"price"`
	Change24h float64         `json:"change_24h"`
	Volume24h decimal.Decimal `json:"volume_24h"`
	Exchange  string          `json:"exchange"`
}

// ChangePercent returns (last-open)/open*100, or zero when open is not positive.
func ChangePercent(last, open decimal.Decimal) float64 {
	if !open.IsPositive() {
		return 0
	}
	pct, _ := last.Sub(open).Div(open).Mul(decimal.NewFromInt(100)).Float64()
	return pct
}

// ConnectionState is the lifecycle state of a venue's streaming session.
type ConnectionState string

const (
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateDisconnected ConnectionState = "disconnected"
	StateError        ConnectionState = "error"
)

// EventType identifies the payload carried by an Event.
type EventType string

const (
	EventTrade     EventType = "trade"
	EventTicker    EventType = "ticker"
	EventOrderBook EventType = "orderbook"
	EventCandle    EventType = "candle"
)

// Event is a canonical market-data event. Exactly one payload field is set,
// matching Type.
type Event struct {
	Type      EventType        `json:"type"`
	Symbol    string           `json:"symbol"`
	Exchange  string           `json:"exchange"`
	Trade     *Trade           `json:"trade,omitempty"`
	Ticker    *Ticker          `json:"ticker,omitempty"`
	OrderBook *OrderBookUpdate `json:"order_book,omitempty"`
	Candle    *Candle          `json:"candle,omitempty"`
	Interval  string           `json:"interval,omitempty"`
}
