package models

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Side is the taker side of a trade.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Trade is a single executed trade. Notional is always price × amount and is
// computed locally rather than taken from the upstream payload.
type Trade struct {
	ID       string          `json:"id"`
	Symbol   string          `json:"symbol"`
	Time     int64           `json:"time"` // epoch milliseconds
	Side     Side            `json:"side"`
	Price    decimal.Decimal `json:"price"`
	Amount   decimal.Decimal `json:"amount"`
	Notional decimal.Decimal `json:"notional"`
	Exchange string          `json:"exchange"`
}

// NewTrade builds a trade and derives its notional value.
func NewTrade(id, symbol string, timeMs int64, side Side, price, amount decimal.Decimal, exchange string) (*Trade, error) {
	if id == "" {
		return nil, &ValidationError{Field: "id", Message: "id cannot be empty"}
	}
	if side != SideBuy && side != SideSell {
		return nil, &ValidationError{Field: "side", Message: fmt.Sprintf("unknown side %q", side)}
	}
	if !price.IsPositive() {
		return nil, &ValidationError{Field: "price", Message: "price must be greater than 0"}
	}
	if !amount.IsPositive() {
		return nil, &ValidationError{Field: "amount", Message: "amount must be greater than 0"}
	}
	if timeMs <= 0 {
		return nil, &ValidationError{Field: "time", Message: "time must be a positive epoch millisecond"}
	}

	return &Trade{
		ID:       id,
		Symbol:   symbol,
		Time:     timeMs,
		Side:     side,
		Price:    price,
		Amount:   amount,
		Notional: price.Mul(amount),
		Exchange: exchange,
	}, nil
}
