package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func lvl(price, qty string) PriceLevel {
	return PriceLevel{Price: d(price), Quantity: d(qty)}
}

func TestOrderBook_Apply(t *testing.T) {
	t.Run("snapshot_replaces_book", func(t *testing.T) {
		book := NewOrderBook("BTC-USDT", "Binance")
		require.NoError(t, book.Apply(OrderBookUpdate{
			Bids:     []PriceLevel{lvl("99", "1"), lvl("100", "2")},
			Asks:     []PriceLevel{lvl("102", "1"), lvl("101", "3"), lvl("103", "0")},
			UpdateID: 10,
			Snapshot: true,
		}))

		require.Len(t, book.Bids, 2)
		assert.True(t, book.Bids[0].Price.Equal(d("100")))
		require.Len(t, book.Asks, 2)
		assert.True(t, book.Asks[0].Price.Equal(d("101")))
		assert.Equal(t, int64(10), book.LastUpdateID)
	})

	t.Run("delta_upserts_and_removes_levels", func(t *testing.T) {
		book := NewOrderBook("BTC-USDT", "Binance")
		require.NoError(t, book.Apply(OrderBookUpdate{
			Bids:     []PriceLevel{lvl("100", "2"), lvl("99", "1")},
			Asks:     []PriceLevel{lvl("101", "3")},
			UpdateID: 1,
			Snapshot: true,
		}))

		require.NoError(t, book.Apply(OrderBookUpdate{
			Bids:     []PriceLevel{lvl("100", "0"), lvl("98.5", "4"), lvl("99", "1.5")},
			Asks:     []PriceLevel{lvl("100.5", "1")},
			UpdateID: 2,
		}))

		require.Len(t, book.Bids, 2)
		assert.True(t, book.Bids[0].Price.Equal(d("99")))
		assert.True(t, book.Bids[0].Quantity.Equal(d("1.5")))
		assert.True(t, book.Bids[1].Price.Equal(d("98.5")))

		best, ok := book.BestAsk()
		require.True(t, ok)
		assert.True(t, best.Price.Equal(d("100.5")))
		assert.Len(t, book.Asks, 2)
	})

	t.Run("rejects_stale_delta", func(t *testing.T) {
		book := NewOrderBook("BTC-USDT", "Binance")
		require.NoError(t, book.Apply(OrderBookUpdate{Bids: []PriceLevel{lvl("100", "1")}, UpdateID: 5}))

		err := book.Apply(OrderBookUpdate{Bids: []PriceLevel{lvl("100", "0")}, UpdateID: 5})
		assert.ErrorIs(t, err, ErrStaleUpdate)
		assert.Len(t, book.Bids, 1)
	})

	t.Run("removing_unknown_level_is_noop", func(t *testing.T) {
		book := NewOrderBook("BTC-USDT", "Binance")
		require.NoError(t, book.Apply(OrderBookUpdate{Asks: []PriceLevel{lvl("5", "0")}}))
		assert.Empty(t, book.Asks)
	})
}

func TestOrderBook_Clone(t *testing.T) {
	book := NewOrderBook("ETH-USDT", "Kraken")
	require.NoError(t, book.Apply(OrderBookUpdate{Bids: []PriceLevel{lvl("10", "1")}, Snapshot: true}))

	clone := book.Clone()
	clone.Bids[0].Quantity = d("99")

	assert.True(t, book.Bids[0].Quantity.Equal(d("1")))
	_, ok := clone.BestAsk()
	assert.False(t, ok)
}
