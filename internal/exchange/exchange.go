// Package exchange defines the venue adapters that feed the aggregator.
//
// A Venue bundles everything the rest of the system needs to know about one
// upstream exchange: how to talk to its streaming endpoint (subscribe and
// heartbeat messages plus a Decoder for inbound frames) and how to fetch REST
// snapshots and historical candles. Each exchange gets its own implementation
// so that venue-specific parsing stays isolated.
package exchange

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	apperrors "github.com/johnayoung/go-market-aggregator/internal/errors"
	"github.com/johnayoung/go-market-aggregator/internal/models"
	"github.com/johnayoung/go-market-aggregator/internal/symbols"
)

// Decoder translates one raw wire frame into zero or more canonical events.
//
// Implementations must not retain the frame. Control frames (subscription
// acks, heartbeats, status messages) yield no events and no error. A frame
// that cannot be parsed yields an error wrapping ErrDecode; callers drop the
// frame and keep reading.
type Decoder interface {
	Decode(frame []byte) ([]models.Event, error)
}

// StreamProtocol describes a venue's streaming session.
type StreamProtocol interface {
	// StreamURL is the websocket endpoint to dial.
	StreamURL() string

	// SubscribeMessages are written, in order, right after each successful connect.
	SubscribeMessages() ([][]byte, error)

	// HeartbeatMessage is the keep-alive written periodically while connected.
	// Nil means the venue has no application-level heartbeat.
	HeartbeatMessage() []byte

	// Decoder returns the decoder for frames received on this venue's stream.
	Decoder() Decoder
}

// SnapshotFetcher retrieves point-in-time 24h statistics for every configured symbol.
type SnapshotFetcher interface {
	FetchSnapshot(ctx context.Context) ([]models.TradingPair, error)
}

// CandleFetcher retrieves historical candles for a canonical symbol, oldest first.
// Symbols the venue does not serve return an error wrapping ErrUnknownSymbol.
type CandleFetcher interface {
	FetchCandles(ctx context.Context, symbol, interval string, limit int) ([]models.Candle, error)
}

// Venue combines every capability of an upstream exchange.
type Venue interface {
	StreamProtocol
	SnapshotFetcher
	CandleFetcher

	// Name is the lower-case configuration key, e.g. "binance".
	Name() string
	// DisplayName is the exchange name stamped onto events, e.g. "Binance".
	DisplayName() string
	// Symbols returns the canonical symbols this venue serves, in configuration order.
	Symbols() []string
	// NativeSymbol maps a canonical symbol back to the venue's own identifier.
	NativeSymbol(symbol string) (string, bool)
}

// Options configures a venue adapter.
type Options struct {
	Name       string
	StreamURL  string
	RESTURL    string
	Symbols    []string // venue-native identifiers
	RateLimit  float64  // REST requests per second
	Timeout    time.Duration
	Normalizer *symbols.Normalizer
	Classifier *apperrors.ErrorClassifier
	Breaker    *apperrors.CircuitBreaker // optional
	HTTPClient *http.Client              // optional, overrides Timeout
	Logger     *slog.Logger
	Now        func() time.Time // clock for frames without timestamps
}

// New builds the adapter registered under opts.Name.
func New(opts Options) (Venue, error) {
	switch strings.ToLower(opts.Name) {
	case "binance":
		return NewBinance(opts), nil
	case "coinbase":
		return NewCoinbase(opts), nil
	case "kraken":
		return NewKraken(opts), nil
	default:
		return nil, fmt.Errorf("%w: %q", apperrors.ErrUnknownVenue, opts.Name)
	}
}

// ErrDecode marks frames that could not be turned into events.
var ErrDecode = errors.New("decode failed")

// DecodeError describes a dropped frame.
type DecodeError struct {
	Venue  string
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("decode %s frame: %s: %v", e.Venue, e.Reason, e.Err)
	}
	return fmt.Sprintf("decode %s frame: %s", e.Venue, e.Reason)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Is reports ErrDecode for every DecodeError.
func (e *DecodeError) Is(target error) bool { return target == ErrDecode }

// venue holds the state shared by all adapters.
type venue struct {
	name        string
	displayName string
	streamURL   string
	native      []string
	canonical   []string
	byCanonical map[string]string
	normalizer  *symbols.Normalizer
	rest        *restClient
	logger      *slog.Logger
	now         func() time.Time
}

func newVenue(name, displayName string, opts Options) venue {
	normalizer := opts.Normalizer
	if normalizer == nil {
		normalizer = symbols.NewNormalizer(nil, nil)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	v := venue{
		name:        name,
		displayName: displayName,
		streamURL:   opts.StreamURL,
		byCanonical: make(map[string]string, len(opts.Symbols)),
		normalizer:  normalizer,
		logger:      logger.With("venue", name),
		now:         now,
	}
	for _, native := range opts.Symbols {
		canonical := normalizer.Normalize(native)
		if _, dup := v.byCanonical[canonical]; dup {
			continue
		}
		v.native = append(v.native, native)
		v.canonical = append(v.canonical, canonical)
		v.byCanonical[canonical] = native
	}
	v.rest = newRESTClient(name, opts, v.logger)
	return v
}

func (v *venue) Name() string        { return v.name }
func (v *venue) DisplayName() string { return v.displayName }
func (v *venue) StreamURL() string   { return v.streamURL }

func (v *venue) Symbols() []string {
	return append([]string(nil), v.canonical...)
}

func (v *venue) NativeSymbol(symbol string) (string, bool) {
	native, ok := v.byCanonical[strings.ToUpper(symbol)]
	return native, ok
}

// pair builds a snapshot record with the id "<venue>:<symbol>".
func (v *venue) pair(native string) models.TradingPair {
	base, quote := v.normalizer.Split(native)
	symbol := v.normalizer.Normalize(native)
	return models.TradingPair{
		ID:          v.name + ":" + symbol,
		Symbol:      symbol,
		BaseSymbol:  base,
		QuoteSymbol: quote,
		Exchange:    v.displayName,
	}
}

// candleRequest resolves the native symbol and validates the interval for a history fetch.
func (v *venue) candleRequest(symbol, interval string, limit int) (string, time.Duration, error) {
	native, ok := v.NativeSymbol(symbol)
	if !ok {
		return "", 0, fmt.Errorf("%w: %s on %s", apperrors.ErrUnknownSymbol, symbol, v.name)
	}
	width, err := models.ParseInterval(interval)
	if err != nil {
		return "", 0, err
	}
	if limit <= 0 {
		return "", 0, fmt.Errorf("limit must be positive, got %d", limit)
	}
	return native, width, nil
}

// lastN keeps the most recent n candles of an ascending slice.
func lastN(candles []models.Candle, n int) []models.Candle {
	if n > 0 && len(candles) > n {
		return candles[len(candles)-n:]
	}
	return candles
}
