// Package errors holds the failures surfaced by the aggregation facade and the
// classification, retry and circuit breaking applied to venue REST calls.
package errors

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Facade sentinels. Match with errors.Is.
var (
	ErrMarketDataUnavailable = errors.New("market data unavailable")
	ErrChartDataUnavailable  = errors.New("chart data unavailable")
	ErrUnknownVenue          = errors.New("unknown venue")
	ErrUnknownSymbol         = errors.New("no venue serves symbol")
	ErrNotStarted            = errors.New("manager not started")
)

// MarketDataUnavailableError is returned when every venue's snapshot fetch failed.
type MarketDataUnavailableError struct {
	Causes map[string]error
}

func (e *MarketDataUnavailableError) Error() string {
	if len(e.Causes) == 0 {
		return "market data unavailable: no venues configured"
	}
	parts := make([]string, 0, len(e.Causes))
	for venue, err := range e.Causes {
		parts = append(parts, fmt.Sprintf("%s: %v", venue, err))
	}
	sort.Strings(parts)
	return fmt.Sprintf("market data unavailable: %s", strings.Join(parts, "; "))
}

// Is matches ErrMarketDataUnavailable.
func (e *MarketDataUnavailableError) Is(target error) bool {
	return target == ErrMarketDataUnavailable
}

// ChartDataUnavailableError wraps the cause of a failed historical fetch.
type ChartDataUnavailableError struct {
	Symbol   string
	Interval string
	Venue    string
	Err      error
}

func (e *ChartDataUnavailableError) Error() string {
	if e.Venue == "" {
		return fmt.Sprintf("chart data unavailable for %s %s: %v", e.Symbol, e.Interval, e.Err)
	}
	return fmt.Sprintf("chart data unavailable for %s %s from %s: %v", e.Symbol, e.Interval, e.Venue, e.Err)
}

func (e *ChartDataUnavailableError) Unwrap() error {
	return e.Err
}

// Is matches ErrChartDataUnavailable.
func (e *ChartDataUnavailableError) Is(target error) bool {
	return target == ErrChartDataUnavailable
}

// HTTPStatusError is a non-2xx REST response.
type HTTPStatusError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *HTTPStatusError) Error() string {
	body := e.Body
	if len(body) > 256 {
		body = body[:256]
	}
	return fmt.Sprintf("http %d from %s: %s", e.StatusCode, e.URL, body)
}
