package exchange

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/johnayoung/go-market-aggregator/internal/config"
	apperrors "github.com/johnayoung/go-market-aggregator/internal/errors"
	"github.com/johnayoung/go-market-aggregator/internal/symbols"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedNow = time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)

func createTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func createMockServer(responses map[string]func(w http.ResponseWriter, r *http.Request)) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if handler, exists := responses[r.URL.Path]; exists {
			handler(w, r)
		} else {
			http.NotFound(w, r)
		}
	}))
}

func writeJSON(t *testing.T, w http.ResponseWriter, v interface{}) {
	t.Helper()
	w.Header().Set("Content-Type", "application/json")
	require.NoError(t, json.NewEncoder(w).Encode(v))
}

// createTestClassifier retries quickly so tests do not sleep.
func createTestClassifier(maxAttempts int) *apperrors.ErrorClassifier {
	cfg := config.DefaultConfig().ErrorHandling
	cfg.GlobalRetryPolicy.MaxAttempts = maxAttempts
	cfg.GlobalRetryPolicy.InitialDelay = "1ms"
	cfg.GlobalRetryPolicy.MaxDelay = "2ms"
	cfg.GlobalRetryPolicy.Jitter = false
	return apperrors.NewErrorClassifier(cfg, createTestLogger())
}

func createTestOptions(name, restURL string, native ...string) Options {
	return Options{
		Name:       name,
		StreamURL:  "wss://example.invalid/" + name,
		RESTURL:    restURL,
		Symbols:    native,
		RateLimit:  1000,
		Timeout:    2 * time.Second,
		Normalizer: symbols.NewNormalizer(nil, nil),
		Classifier: createTestClassifier(3),
		Logger:     createTestLogger(),
		Now:        func() time.Time { return fixedNow },
	}
}

func TestNew(t *testing.T) {
	tests := []struct {
		name        string
		venue       string
		wantDisplay string
		wantErr     bool
	}{
		{name: "binance", venue: "binance", wantDisplay: "Binance"},
		{name: "coinbase", venue: "coinbase", wantDisplay: "Coinbase Pro"},
		{name: "kraken", venue: "kraken", wantDisplay: "Kraken"},
		{name: "case_insensitive", venue: "KRAKEN", wantDisplay: "Kraken"},
		{name: "unknown_venue", venue: "bitfinex", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, err := New(createTestOptions(tt.venue, ""))
			if tt.wantErr {
				assert.ErrorIs(t, err, apperrors.ErrUnknownVenue)
				assert.Nil(t, v)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantDisplay, v.DisplayName())
			assert.NotNil(t, v.Decoder())
		})
	}
}

func TestVenueSymbols(t *testing.T) {
	v, err := New(createTestOptions("binance", "", "BTCUSDT", "btcusdt", "ETHUSDT"))
	require.NoError(t, err)

	assert.Equal(t, []string{"BTC-USDT", "ETH-USDT"}, v.Symbols())

	native, ok := v.NativeSymbol("btc-usdt")
	assert.True(t, ok)
	assert.Equal(t, "BTCUSDT", native)

	_, ok = v.NativeSymbol("DOGE-USDT")
	assert.False(t, ok)
}

func TestDecodeError(t *testing.T) {
	cause := errors.New("boom")
	err := error(&DecodeError{Venue: "kraken", Reason: "trade", Err: cause})

	assert.ErrorIs(t, err, ErrDecode)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "decode kraken frame: trade: boom", err.Error())

	bare := &DecodeError{Venue: "binance", Reason: "unrecognized frame"}
	assert.Equal(t, "decode binance frame: unrecognized frame", bare.Error())
}

func TestNumeric(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    string
		wantErr bool
	}{
		{name: "string", raw: `"43250.50"`, want: "43250.5"},
		{name: "number", raw: `0.25`, want: "0.25"},
		{name: "null", raw: `null`, wantErr: true},
		{name: "zero", raw: `"0"`, wantErr: true},
		{name: "negative", raw: `"-1.5"`, wantErr: true},
		{name: "not_a_number", raw: `"abc"`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var n numeric
			require.NoError(t, json.Unmarshal([]byte(tt.raw), &n))

			d, err := n.positive("price")
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, d.String())
		})
	}
}

func TestLevels(t *testing.T) {
	var rows [][]numeric
	require.NoError(t, json.Unmarshal([]byte(`[["100.5","2"],["100.0","0"]]`), &rows))

	got, err := levels(rows)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "100.5", got[0].Price.String())
	assert.True(t, got[1].Quantity.IsZero())

	require.NoError(t, json.Unmarshal([]byte(`[["0","1"]]`), &rows))
	_, err = levels(rows)
	assert.Error(t, err)
}

func TestRESTClient_GetJSON(t *testing.T) {
	t.Run("retries_server_errors", func(t *testing.T) {
		var calls int32
		server := createMockServer(map[string]func(w http.ResponseWriter, r *http.Request){
			"/ping": func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, userAgent, r.Header.Get("User-Agent"))
				if atomic.AddInt32(&calls, 1) == 1 {
					w.WriteHeader(http.StatusServiceUnavailable)
					return
				}
				writeJSON(t, w, map[string]string{"status": "ok"})
			},
		})
		defer server.Close()

		client := newRESTClient("test", createTestOptions("test", server.URL), createTestLogger())

		var out map[string]string
		require.NoError(t, client.getJSON(context.Background(), "/ping", nil, &out))
		assert.Equal(t, "ok", out["status"])
		assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
	})

	t.Run("does_not_retry_bad_request", func(t *testing.T) {
		var calls int32
		server := createMockServer(map[string]func(w http.ResponseWriter, r *http.Request){
			"/ping": func(w http.ResponseWriter, r *http.Request) {
				atomic.AddInt32(&calls, 1)
				http.Error(w, `{"msg":"bad symbol"}`, http.StatusBadRequest)
			},
		})
		defer server.Close()

		client := newRESTClient("test", createTestOptions("test", server.URL), createTestLogger())

		var out map[string]string
		err := client.getJSON(context.Background(), "/ping", nil, &out)
		require.Error(t, err)

		var statusErr *apperrors.HTTPStatusError
		require.ErrorAs(t, err, &statusErr)
		assert.Equal(t, http.StatusBadRequest, statusErr.StatusCode)
		assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	})

	t.Run("retries_rate_limit", func(t *testing.T) {
		var calls int32
		server := createMockServer(map[string]func(w http.ResponseWriter, r *http.Request){
			"/ping": func(w http.ResponseWriter, r *http.Request) {
				if atomic.AddInt32(&calls, 1) == 1 {
					w.Header().Set("Retry-After", "0")
					w.WriteHeader(http.StatusTooManyRequests)
					return
				}
				writeJSON(t, w, map[string]string{"status": "ok"})
			},
		})
		defer server.Close()

		client := newRESTClient("test", createTestOptions("test", server.URL), createTestLogger())

		var out map[string]string
		require.NoError(t, client.getJSON(context.Background(), "/ping", nil, &out))
		assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
	})

	t.Run("rejects_invalid_json", func(t *testing.T) {
		server := createMockServer(map[string]func(w http.ResponseWriter, r *http.Request){
			"/ping": func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte("not json"))
			},
		})
		defer server.Close()

		client := newRESTClient("test", createTestOptions("test", server.URL), createTestLogger())

		var out map[string]string
		err := client.getJSON(context.Background(), "/ping", nil, &out)
		assert.ErrorContains(t, err, "failed to parse /ping response")
	})

	t.Run("circuit_breaker_opens", func(t *testing.T) {
		var calls int32
		server := createMockServer(map[string]func(w http.ResponseWriter, r *http.Request){
			"/ping": func(w http.ResponseWriter, r *http.Request) {
				atomic.AddInt32(&calls, 1)
				w.WriteHeader(http.StatusInternalServerError)
			},
		})
		defer server.Close()

		opts := createTestOptions("test", server.URL)
		opts.Classifier = createTestClassifier(1)
		opts.Breaker = apperrors.NewCircuitBreaker("test", config.CircuitBreakerConfig{
			FailureThreshold: 2,
			RecoveryTimeout:  "1m",
			HalfOpenRequests: 1,
		})
		client := newRESTClient("test", opts, createTestLogger())

		var out map[string]string
		for i := 0; i < 2; i++ {
			require.Error(t, client.getJSON(context.Background(), "/ping", nil, &out))
		}
		assert.Equal(t, apperrors.CircuitOpen, opts.Breaker.GetState())

		err := client.getJSON(context.Background(), "/ping", nil, &out)
		require.Error(t, err)
		assert.Equal(t, apperrors.ErrorTypeCircuitOpen, apperrors.GetErrorType(err))
		assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
	})
}

func TestParseRetryAfter(t *testing.T) {
	tests := []struct {
		name   string
		header string
		want   time.Duration
	}{
		{name: "empty", header: "", want: 0},
		{name: "seconds", header: "2", want: 2 * time.Second},
		{name: "capped", header: "120", want: maxRetryAfter},
		{name: "negative", header: "-5", want: 0},
		{name: "garbage", header: "soon", want: 0},
		{name: "past_date", header: time.Now().Add(-time.Hour).UTC().Format(http.TimeFormat), want: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, parseRetryAfter(tt.header))
		})
	}
}

func TestCandleRequest(t *testing.T) {
	v := newVenue("binance", "Binance", createTestOptions("binance", "", "BTCUSDT"))

	native, width, err := v.candleRequest("BTC-USDT", "5m", 10)
	require.NoError(t, err)
	assert.Equal(t, "BTCUSDT", native)
	assert.Equal(t, 5*time.Minute, width)

	_, _, err = v.candleRequest("ETH-USDT", "5m", 10)
	assert.ErrorIs(t, err, apperrors.ErrUnknownSymbol)

	_, _, err = v.candleRequest("BTC-USDT", "5x", 10)
	assert.Error(t, err)

	_, _, err = v.candleRequest("BTC-USDT", "5m", 0)
	assert.Error(t, err)
}
