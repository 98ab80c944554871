package exchange

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/johnayoung/go-market-aggregator/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestKraken(restURL string) *Kraken {
	return NewKraken(createTestOptions("kraken", restURL, "XBT/USD", "ETH/USD"))
}

func TestKrakenDecoder_Trades(t *testing.T) {
	decoder := newTestKraken("").Decoder()

	frame := `[0,[["5541.20000","0.15850568","1534614057.321597","s","l",""],["6060.00000","0.02455000","1534614057.324998","b","l",""]],"trade","XBT/USD"]`
	events, err := decoder.Decode([]byte(frame))
	require.NoError(t, err)
	require.Len(t, events, 2)

	first := events[0].Trade
	require.NotNil(t, first)
	assert.Equal(t, "BTC-USDT", first.Symbol)
	assert.Equal(t, "Kraken", first.Exchange)
	assert.Equal(t, models.SideSell, first.Side)
	assert.Equal(t, int64(1534614057321), first.Time)
	assert.Equal(t, "kraken-XBTUSD-1534614057321597000-0", first.ID)

	second := events[1].Trade
	assert.Equal(t, models.SideBuy, second.Side)
	assert.Equal(t, "kraken-XBTUSD-1534614057324998000-1", second.ID)

	// redelivery of the same frame yields the same ids
	again, err := decoder.Decode([]byte(frame))
	require.NoError(t, err)
	assert.Equal(t, first.ID, again[0].Trade.ID)
}

func TestKrakenDecoder_Ticker(t *testing.T) {
	decoder := newTestKraken("").Decoder()

	frame := `[340,{"a":["5525.4","1","1.000"],"b":["5525.1","1","1.000"],"c":["5525.10000","0.00398963"],"v":["2634.11501494","3591.17907851"],"p":["5631.44067","5653.78939"],"t":[11493,16267],"l":["5505.0","5505.0"],"h":["5783.0","5783.0"],"o":["5760.7","5500.0"]},"ticker","XBT/USD"]`
	events, err := decoder.Decode([]byte(frame))
	require.NoError(t, err)
	require.Len(t, events, 1)

	ticker := events[0].Ticker
	require.NotNil(t, ticker)
	assert.Equal(t, models.EventTicker, events[0].Type)
	assert.Equal(t, "BTC-USDT", ticker.Symbol)
	assert.Equal(t, "5525.1", ticker.Price.String())
	assert.Equal(t, "3591.17907851", ticker.Volume24h.String())
	assert.InDelta(t, 0.4563636, ticker.Change24h, 1e-6)
	assert.Equal(t, fixedNow.UnixMilli(), ticker.Time)
}

func TestKrakenDecoder_ControlAndMalformed(t *testing.T) {
	decoder := newTestKraken("").Decoder()

	tests := []struct {
		name    string
		frame   string
		wantErr bool
	}{
		{name: "heartbeat", frame: `{"event":"heartbeat"}`},
		{name: "system_status", frame: `{"connectionID":1,"event":"systemStatus","status":"online","version":"1.9.0"}`},
		{name: "subscribed", frame: `{"channelID":10,"channelName":"trade","event":"subscriptionStatus","pair":"XBT/USD","status":"subscribed"}`},
		{name: "book_channel", frame: `[1234,{"a":[["5541.3","2.5","1534614248.456738"]]},"book-10","XBT/USD"]`},
		{name: "subscription_rejected", frame: `{"errorMessage":"Currency pair not supported","event":"subscriptionStatus","status":"error"}`, wantErr: true},
		{name: "short_array", frame: `[1,2]`, wantErr: true},
		{name: "scalar", frame: `"hello"`, wantErr: true},
		{name: "empty", frame: `   `, wantErr: true},
		{name: "invalid_json", frame: `[1,`, wantErr: true},
		{name: "unknown_side", frame: `[0,[["1","1","1534614057.1","x","l",""]],"trade","XBT/USD"]`, wantErr: true},
		{name: "short_trade_row", frame: `[0,[["1","1"]],"trade","XBT/USD"]`, wantErr: true},
		{name: "ticker_without_close", frame: `[1,{"v":["1","2"]},"ticker","XBT/USD"]`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			events, err := decoder.Decode([]byte(tt.frame))
			assert.Empty(t, events)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrDecode)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestKraken_SubscribeMessages(t *testing.T) {
	k := newTestKraken("")

	msgs, err := k.SubscribeMessages()
	require.NoError(t, err)
	require.Len(t, msgs, 2)

	names := make([]string, 0, len(msgs))
	for _, msg := range msgs {
		var sub krakenSubscribe
		require.NoError(t, json.Unmarshal(msg, &sub))
		assert.Equal(t, "subscribe", sub.Event)
		assert.Equal(t, []string{"XBT/USD", "ETH/USD"}, sub.Pair)
		names = append(names, sub.Subscription.Name)
	}
	assert.Equal(t, []string{"trade", "ticker"}, names)
	assert.Nil(t, k.HeartbeatMessage())
}

func TestKraken_FetchSnapshot(t *testing.T) {
	server := createMockServer(map[string]func(w http.ResponseWriter, r *http.Request){
		krakenTickerEndpoint: func(w http.ResponseWriter, r *http.Request) {
			switch r.URL.Query().Get("pair") {
			case "XBTUSD":
				_, _ = w.Write([]byte(`{"error":[],"result":{"XXBTZUSD":{"c":["42000.0","0.1"],"v":["100","1234.5"],"h":["43000","43500"],"l":["39000","38500"],"o":"40000.0"}}}`))
			default:
				_, _ = w.Write([]byte(`{"error":["EQuery:Unknown asset pair"]}`))
			}
		},
	})
	defer server.Close()

	pairs, err := newTestKraken(server.URL).FetchSnapshot(context.Background())
	require.NoError(t, err)
	require.Len(t, pairs, 1)

	pair := pairs[0]
	assert.Equal(t, "kraken:BTC-USDT", pair.ID)
	assert.Equal(t, "BTC", pair.BaseSymbol)
	assert.Equal(t, "USDT", pair.QuoteSymbol)
	assert.Equal(t, "42000", pair.Price.String())
	assert.Equal(t, "1234.5", pair.Volume24h.String())
	assert.Equal(t, "43500", pair.High24h.String())
	assert.Equal(t, "38500", pair.Low24h.String())
	assert.InDelta(t, 5.0, pair.Change24h, 1e-9)
	assert.Equal(t, "Kraken", pair.Exchange)
}

func TestKraken_FetchCandles(t *testing.T) {
	server := createMockServer(map[string]func(w http.ResponseWriter, r *http.Request){
		krakenOHLCEndpoint: func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "XBTUSD", r.URL.Query().Get("pair"))
			assert.Equal(t, "60", r.URL.Query().Get("interval"))
			_, _ = w.Write([]byte(`{"error":[],"result":{"XXBTZUSD":[[1700000000,"100","110","90","105","102","12.5",10],[1700003600,"105","120","100","115","110","3",4]],"last":1700003600}}`))
		},
	})
	defer server.Close()

	k := newTestKraken(server.URL)

	candles, err := k.FetchCandles(context.Background(), "BTC-USDT", "1h", 1)
	require.NoError(t, err)
	require.Len(t, candles, 1)
	assert.Equal(t, int64(1700003600), candles[0].Time)
	assert.Equal(t, "115", candles[0].Close.String())
	assert.Equal(t, "3", candles[0].Volume.Decimal.String())

	_, err = k.FetchCandles(context.Background(), "BTC-USDT", "2h", 1)
	assert.ErrorContains(t, err, "unsupported interval for kraken")
}

func TestKrakenIntervalMinutes(t *testing.T) {
	tests := []struct {
		name     string
		interval string
		want     int
		wantErr  bool
	}{
		{name: "one_minute", interval: "1m", want: 1},
		{name: "four_hours", interval: "4h", want: 240},
		{name: "one_day", interval: "1d", want: 1440},
		{name: "one_week", interval: "1w", want: 10080},
		{name: "unsupported", interval: "3m", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			width, err := models.ParseInterval(tt.interval)
			require.NoError(t, err)

			got, err := krakenIntervalMinutes(width)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
