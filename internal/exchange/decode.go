package exchange

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/johnayoung/go-market-aggregator/internal/models"
	"github.com/shopspring/decimal"
)

// numeric accepts a JSON string or number and keeps its textual form, so
// upstream switches between "1.5" and 1.5 do not break decoding.
type numeric string

func (n *numeric) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	switch {
	case bytes.Equal(b, []byte("null")):
		*n = ""
	case len(b) > 0 && b[0] == '"':
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*n = numeric(s)
	default:
		*n = numeric(b)
	}
	return nil
}

func (n numeric) decimal(field string) (decimal.Decimal, error) {
	if n == "" {
		return decimal.Zero, fmt.Errorf("missing %s", field)
	}
	d, err := decimal.NewFromString(string(n))
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid %s %q", field, string(n))
	}
	return d, nil
}

// positive parses a price or amount. Zero, negative and non-numeric values are rejected.
func (n numeric) positive(field string) (decimal.Decimal, error) {
	d, err := n.decimal(field)
	if err != nil {
		return d, err
	}
	if !d.IsPositive() {
		return decimal.Zero, fmt.Errorf("%s must be positive, got %s", field, d)
	}
	return d, nil
}

// nonNegative parses a volume or book quantity.
func (n numeric) nonNegative(field string) (decimal.Decimal, error) {
	d, err := n.decimal(field)
	if err != nil {
		return d, err
	}
	if d.IsNegative() {
		return decimal.Zero, fmt.Errorf("%s must not be negative, got %s", field, d)
	}
	return d, nil
}

func (n numeric) float(field string) (float64, error) {
	if n == "" {
		return 0, fmt.Errorf("missing %s", field)
	}
	f, err := strconv.ParseFloat(string(n), 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q", field, string(n))
	}
	return f, nil
}

// levels parses [[price, quantity, ...], ...] rows into price levels.
func levels(rows [][]numeric) ([]models.PriceLevel, error) {
	out := make([]models.PriceLevel, 0, len(rows))
	for i, row := range rows {
		if len(row) < 2 {
			return nil, fmt.Errorf("level %d has %d fields", i, len(row))
		}
		price, err := row[0].positive("level price")
		if err != nil {
			return nil, err
		}
		qty, err := row[1].nonNegative("level quantity")
		if err != nil {
			return nil, err
		}
		out = append(out, models.PriceLevel{Price: price, Quantity: qty})
	}
	return out, nil
}

// fields reads a JSON object by exact key.
type fields map[string]json.RawMessage

func (f fields) text(key string) string {
	var s string
	if raw, ok := f[key]; ok {
		_ = json.Unmarshal(raw, &s)
	}
	return s
}

func (f fields) number(key string) numeric {
	var n numeric
	if raw, ok := f[key]; ok {
		_ = json.Unmarshal(raw, &n)
	}
	return n
}

func (f fields) integer(key string) (int64, error) {
	raw, ok := f[key]
	if !ok {
		return 0, fmt.Errorf("missing %s", key)
	}
	var n numeric
	if err := json.Unmarshal(raw, &n); err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	v, err := strconv.ParseInt(string(n), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q", key, string(n))
	}
	return v, nil
}

func (f fields) boolean(key string) bool {
	var b bool
	if raw, ok := f[key]; ok {
		_ = json.Unmarshal(raw, &b)
	}
	return b
}

func (f fields) rows(key string) ([][]numeric, error) {
	raw, ok := f[key]
	if !ok {
		return nil, fmt.Errorf("missing %s", key)
	}
	var rows [][]numeric
	if err := json.Unmarshal(raw, &rows); err != nil {
		return nil, fmt.Errorf("invalid %s: %w", key, err)
	}
	return rows, nil
}
