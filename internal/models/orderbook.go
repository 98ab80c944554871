package models

import (
	"errors"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
)

// ErrStaleUpdate is returned when a delta carries an update id that is not
// newer than the book's last applied id.
var ErrStaleUpdate = errors.New("stale order book update")

// PriceLevel is one (price, quantity) row of a book side.
type PriceLevel struct {
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity"`
}

// OrderBookUpdate is either a delta or, when Snapshot is set, a full book.
// A zero quantity in a delta removes that price level.
type OrderBookUpdate struct {
	Symbol   string       `json:"symbol"`
	Exchange string       `json:"exchange"`
	Bids     []PriceLevel `json:"bids"`
	Asks     []PriceLevel `json:"asks"`
	UpdateID int64        `json:"update_id"`
	Snapshot bool         `json:"snapshot"`
}

// OrderBook holds bids sorted descending and asks sorted ascending by price.
type OrderBook struct {
	Symbol       string       `json:"symbol"`
	Exchange     string       `json:"exchange"`
	Bids         []PriceLevel `json:"bids"`
	Asks         []PriceLevel `json:"asks"`
	LastUpdateID int64        `json:"last_update_id"`
}

// NewOrderBook creates an empty book.
func NewOrderBook(symbol, exchange string) *OrderBook {
	return &OrderBook{Symbol: symbol, Exchange: exchange}
}

// Apply merges an update into the book. Snapshots replace both sides; deltas
// upsert or remove individual levels. Updates with a non-zero id that is not
// greater than LastUpdateID are rejected with ErrStaleUpdate.
func (b *OrderBook) Apply(update OrderBookUpdate) error {
	if update.UpdateID != 0 && b.LastUpdateID != 0 && update.UpdateID <= b.LastUpdateID && !update.Snapshot {
		return fmt.Errorf("%w: id %d <= %d", ErrStaleUpdate, update.UpdateID, b.LastUpdateID)
	}

	if update.Snapshot {
		b.Bids = sortedLevels(update.Bids, true)
		b.Asks = sortedLevels(update.Asks, false)
	} else {
		b.Bids = mergeLevels(b.Bids, update.Bids, true)
		b.Asks = mergeLevels(b.Asks, update.Asks, false)
	}

	if update.UpdateID != 0 {
		b.LastUpdateID = update.UpdateID
	}
	return nil
}

// Clone returns a deep copy safe to hand to subscribers.
func (b *OrderBook) Clone() OrderBook {
	out := OrderBook{
		Symbol:       b.Symbol,
		Exchange:     b.Exchange,
		LastUpdateID: b.LastUpdateID,
		Bids:         make([]PriceLevel, len(b.Bids)),
		Asks:         make([]PriceLevel, len(b.Asks)),
	}
	copy(out.Bids, b.Bids)
	copy(out.Asks, b.Asks)
	return out
}

// BestBid returns the highest bid, if any.
func (b *OrderBook) BestBid() (PriceLevel, bool) {
	if len(b.Bids) == 0 {
		return PriceLevel{}, false
	}
	return b.Bids[0], true
}

// BestAsk returns the lowest ask, if any.
func (b *OrderBook) BestAsk() (PriceLevel, bool) {
	if len(b.Asks) == 0 {
		return PriceLevel{}, false
	}
	return b.Asks[0], true
}

func sortedLevels(levels []PriceLevel, descending bool) []PriceLevel {
	out := make([]PriceLevel, 0, len(levels))
	for _, lvl := range levels {
		if lvl.Quantity.IsPositive() {
			out = append(out, lvl)
		}
	}
	sortLevels(out, descending)
	return out
}

func mergeLevels(existing, changes []PriceLevel, descending bool) []PriceLevel {
	for _, change := range changes {
		idx := -1
		for i, lvl := range existing {
			if lvl.Price.Equal(change.Price) {
				idx = i
				break
			}
		}

		switch {
		case change.Quantity.IsZero() || change.Quantity.IsNegative():
			if idx >= 0 {
				existing = append(existing[:idx], existing[idx+1:]...)
			}
		case idx >= 0:
			existing[idx].Quantity = change.Quantity
		default:
			existing = append(existing, change)
		}
	}
	sortLevels(existing, descending)
	return existing
}

func sortLevels(levels []PriceLevel, descending bool) {
	sort.Slice(levels, func(i, j int) bool {
		if descending {
			return levels[i].Price.GreaterThan(levels[j].Price)
		}
		return levels[i].Price.LessThan(levels[j].Price)
	})
}
