// Package models provides the canonical market-data types shared by every venue:
// trading-pair snapshots, trades, tickers, candles, order books and the events
// that carry them from decoders to subscribers.
package models

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Candle is an OHLC aggregate for one interval bucket.
// Time is the bucket start in epoch seconds, truncated to the interval.
type Candle struct {
	Time   int64               `json:"time"`
	Open   decimal.Decimal     `json:"open"`
	High   decimal.Decimal     `json:"high"`
	Low    decimal.Decimal     `json:"low"`
	Close  decimal.Decimal     `json:"close"`
	Volume decimal.NullDecimal `json:"volume"`
}

// ValidationError represents a validation failure on a specific field.
type ValidationError struct {
	Field   string // Field is the name of the field that failed validation
	Message string // Message explains the failure
}

// Error implements the error interface for ValidationError.
func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error for field %s: %s", e.Field, e.Message)
}

// NewCandle opens a candle for a bucket with a single price.
func NewCandle(bucket int64, price decimal.Decimal, volume decimal.NullDecimal) Candle {
	return Candle{
		Time:   bucket,
		Open:   price,
		High:   price,
		Low:    price,
		Close:  price,
		Volume: volume,
	}
}

// Apply folds a price (and optional volume) into the candle.
func (c *Candle) Apply(price decimal.Decimal, volume decimal.NullDecimal) {
	c.Close = price
	if price.GreaterThan(c.High) {
		c.High = price
	}
	if price.LessThan(c.Low) {
		c.Low = price
	}
	if volume.Valid {
		if c.Volume.Valid {
			c.Volume.Decimal = c.Volume.Decimal.Add(volume.Decimal)
		} else {
			c.Volume = volume
		}
	}
}

// Validate checks that prices are positive, volume is non-negative and the
// OHLC relationships hold (high >= max(open, close), low <= min(open, close)).
func (c *Candle) Validate() error {
	if c.Time <= 0 {
		return &ValidationError{Field: "time", Message: "time must be a positive epoch second"}
	}

	zero := decimal.Zero
	if c.Open.LessThanOrEqual(zero) {
		return &ValidationError{Field: "open", Message: "open price must be greater than 0"}
	}
	if c.High.LessThanOrEqual(zero) {
		return &ValidationError{Field: "high", Message: "high price must be greater than 0"}
	}
	if c.Low.LessThanOrEqual(zero) {
		return &ValidationError{Field: "low", Message: "low price must be greater than 0"}
	}
	if c.Close.LessThanOrEqual(zero) {
		return &ValidationError{Field: "close", Message: "close price must be greater than 0"}
	}
	if c.Volume.Valid && c.Volume.Decimal.LessThan(zero) {
		return &ValidationError{Field: "volume", Message: "volume must be greater than or equal to 0"}
	}

	maxOpenClose := decimal.Max(c.Open, c.Close)
	if c.High.LessThan(maxOpenClose) {
		return &ValidationError{
			Field:   "high",
			Message: fmt.Sprintf("high price (%s) must be greater than or equal to max(open, close) (%s)", c.High, maxOpenClose),
		}
	}

	minOpenClose := decimal.Min(c.Open, c.Close)
	if c.Low.GreaterThan(minOpenClose) {
		return &ValidationError{
			Field:   "low",
			Message: fmt.Sprintf("low price (%s) must be less than or equal to min(open, close) (%s)", c.Low, minOpenClose),
		}
	}

	return nil
}

// String returns a compact human readable form.
func (c Candle) String() string {
	return fmt.Sprintf("Candle{time=%d O=%s H=%s L=%s C=%s}", c.Time, c.Open, c.High, c.Low, c.Close)
}
