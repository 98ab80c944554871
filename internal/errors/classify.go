package errors

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/johnayoung/go-market-aggregator/internal/config"
)

// ErrorType is the retry-relevant class of a venue call failure.
type ErrorType string

const (
	ErrorTypeNetwork     ErrorType = "network"
	ErrorTypeTimeout     ErrorType = "timeout"
	ErrorTypeRateLimit   ErrorType = "rate_limit"
	ErrorTypeServerError ErrorType = "server_error"
	ErrorTypeTemporary   ErrorType = "temporary"
	ErrorTypeCircuitOpen ErrorType = "circuit_open"

	ErrorTypeBadRequest    ErrorType = "bad_request"
	ErrorTypeValidation    ErrorType = "validation"
	ErrorTypeConfiguration ErrorType = "configuration"
	ErrorTypeCanceled      ErrorType = "canceled"
	ErrorTypePanic         ErrorType = "panic"

	ErrorTypeUnknown ErrorType = "unknown"
)

// Severity ranks a failure for logging.
type Severity int

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

var severityNames = [...]string{"low", "medium", "high", "critical"}

func (s Severity) String() string {
	if s < 0 || int(s) >= len(severityNames) {
		return "unknown"
	}
	return severityNames[s]
}

var severities = map[ErrorType]Severity{
	ErrorTypePanic:         SeverityCritical,
	ErrorTypeConfiguration: SeverityHigh,
	ErrorTypeNetwork:       SeverityLow,
	ErrorTypeTimeout:       SeverityLow,
	ErrorTypeRateLimit:     SeverityLow,
	ErrorTypeCanceled:      SeverityLow,
}

func severityOf(t ErrorType) Severity {
	if s, ok := severities[t]; ok {
		return s
	}
	return SeverityMedium
}

// Failures that a second attempt cannot fix. Everything else is retried,
// unknown errors included.
var permanent = map[ErrorType]bool{
	ErrorTypeCanceled:      true,
	ErrorTypeBadRequest:    true,
	ErrorTypeValidation:    true,
	ErrorTypeConfiguration: true,
	ErrorTypePanic:         true,
	ErrorTypeCircuitOpen:   true,
}

// messageRules classify errors that carry no type information. Checked in order.
var messageRules = []struct {
	typ      ErrorType
	patterns []string
}{
	{ErrorTypeTimeout, []string{"timeout", "deadline exceeded"}},
	{ErrorTypeNetwork, []string{"connection refused", "connection reset", "no route to host",
		"host unreachable", "network unreachable", "no such host"}},
	{ErrorTypeRateLimit, []string{"rate limit", "too many requests"}},
	{ErrorTypeValidation, []string{"invalid", "malformed", "unmarshal", "parse"}},
	{ErrorTypeConfiguration, []string{"config", "not configured"}},
	{ErrorTypePanic, []string{"panic"}},
	{ErrorTypeTemporary, []string{"unexpected eof", "close 1006", "broken pipe"}},
}

// ClassifiedError is a venue call failure annotated for retry decisions.
type ClassifiedError struct {
	Err       error     `json:"error"`
	Type      ErrorType `json:"type"`
	Severity  Severity  `json:"severity"`
	Retryable bool      `json:"retryable"`
	Component string    `json:"component"`
	Operation string    `json:"operation"`
	Timestamp time.Time `json:"timestamp"`
	Attempts  int       `json:"attempts"`
}

func (ce *ClassifiedError) Error() string {
	return fmt.Sprintf("[%s/%s] %s: %v", ce.Component, ce.Type, ce.Operation, ce.Err)
}

func (ce *ClassifiedError) Unwrap() error {
	return ce.Err
}

// Is matches another ClassifiedError of the same type, or the wrapped error.
func (ce *ClassifiedError) Is(target error) bool {
	if t, ok := target.(*ClassifiedError); ok {
		return ce.Type == t.Type
	}
	return errors.Is(ce.Err, target)
}

// ErrorStats counts classified failures of one type.
type ErrorStats struct {
	Count     int64     `json:"count"`
	FirstSeen time.Time `json:"first_seen"`
	LastSeen  time.Time `json:"last_seen"`
}

// ErrorClassifier classifies venue call failures and retries them under the
// configured per-venue policy.
type ErrorClassifier struct {
	config config.ErrorHandlingConfig
	logger *slog.Logger

	mu    sync.Mutex
	stats map[ErrorType]ErrorStats
}

func NewErrorClassifier(cfg config.ErrorHandlingConfig, logger *slog.Logger) *ErrorClassifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &ErrorClassifier{
		config: cfg,
		logger: logger,
		stats:  make(map[ErrorType]ErrorStats),
	}
}

// Classify annotates err. An error that is already classified is returned as is.
func (ec *ErrorClassifier) Classify(err error, component, operation string) *ClassifiedError {
	if err == nil {
		return nil
	}
	var existing *ClassifiedError
	if errors.As(err, &existing) {
		return existing
	}

	typ := typeOf(err)
	ce := &ClassifiedError{
		Err:       err,
		Type:      typ,
		Severity:  severityOf(typ),
		Retryable: ec.retryable(typ),
		Component: component,
		Operation: operation,
		Timestamp: time.Now(),
	}
	ec.count(typ, ce.Timestamp)

	ec.logger.Debug("error classified", "component", component, "operation", operation,
		"type", typ, "severity", ce.Severity.String(), "retryable", ce.Retryable, "error", err)
	return ce
}

func typeOf(err error) ErrorType {
	switch {
	case errors.Is(err, context.Canceled):
		return ErrorTypeCanceled
	case errors.Is(err, context.DeadlineExceeded):
		return ErrorTypeTimeout
	}

	var statusErr *HTTPStatusError
	if errors.As(err, &statusErr) {
		switch {
		case statusErr.StatusCode == http.StatusTooManyRequests:
			return ErrorTypeRateLimit
		case statusErr.StatusCode >= http.StatusInternalServerError:
			return ErrorTypeServerError
		default:
			return ErrorTypeBadRequest
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return ErrorTypeTimeout
		}
		return ErrorTypeNetwork
	}

	msg := strings.ToLower(err.Error())
	for _, rule := range messageRules {
		for _, p := range rule.patterns {
			if strings.Contains(msg, p) {
				return rule.typ
			}
		}
	}
	return ErrorTypeUnknown
}

func (ec *ErrorClassifier) retryable(t ErrorType) bool {
	return !permanent[t]
}

func (ec *ErrorClassifier) count(t ErrorType, at time.Time) {
	ec.mu.Lock()
	defer ec.mu.Unlock()

	s := ec.stats[t]
	s.Count++
	s.LastSeen = at
	if s.FirstSeen.IsZero() {
		s.FirstSeen = at
	}
	ec.stats[t] = s
}

// GetStats returns a copy of the per-type failure counts.
func (ec *ErrorClassifier) GetStats() map[ErrorType]ErrorStats {
	ec.mu.Lock()
	defer ec.mu.Unlock()

	out := make(map[ErrorType]ErrorStats, len(ec.stats))
	for k, v := range ec.stats {
		out[k] = v
	}
	return out
}

// Retry calls fn until it succeeds, fails permanently, exhausts the policy for
// component (usually the venue name) or ctx ends.
func (ec *ErrorClassifier) Retry(ctx context.Context, component, operation string, fn func() error) error {
	policy := ec.policyFor(component)
	maxAttempts := policy.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	attempts := 0
	op := func() error {
		attempts++
		err := fn()
		if err == nil {
			return nil
		}
		ce := ec.Classify(err, component, operation)
		ce.Attempts = attempts
		if !ce.Retryable {
			return backoff.Permanent(ce)
		}
		return ce
	}
	notify := func(err error, wait time.Duration) {
		ec.logger.Warn("venue call failed, retrying", "component", component, "operation", operation,
			"attempt", attempts, "max_attempts", maxAttempts, "wait", wait, "error", err)
	}

	schedule := backoff.WithContext(backoff.WithMaxRetries(newSchedule(policy), uint64(maxAttempts-1)), ctx)
	if err := backoff.RetryNotify(op, schedule, notify); err != nil {
		// ctx ending between attempts surfaces as ctx.Err()
		return fmt.Errorf("operation failed after %d attempts: %w", attempts, err)
	}
	if attempts > 1 {
		ec.logger.Debug("venue call succeeded after retry", "component", component, "operation", operation, "attempts", attempts)
	}
	return nil
}

func (ec *ErrorClassifier) policyFor(component string) config.RetryPolicyConfig {
	if p, ok := ec.config.ComponentPolicies[component]; ok {
		return p
	}
	return ec.config.GlobalRetryPolicy
}

func newSchedule(policy config.RetryPolicyConfig) backoff.BackOff {
	initial, _ := time.ParseDuration(policy.InitialDelay)
	if initial <= 0 {
		initial = 500 * time.Millisecond
	}
	ceiling, _ := time.ParseDuration(policy.MaxDelay)
	if ceiling < initial {
		ceiling = initial
	}

	if policy.BackoffStrategy == "fixed" {
		return backoff.NewConstantBackOff(initial)
	}
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = initial
	exp.MaxInterval = ceiling
	exp.MaxElapsedTime = 0
	if !policy.Jitter {
		exp.RandomizationFactor = 0
	}
	exp.Reset()
	return exp
}

// IsRetryable reports whether err was classified as retryable.
func IsRetryable(err error) bool {
	var ce *ClassifiedError
	return errors.As(err, &ce) && ce.Retryable
}

// GetErrorType returns the classified type of err, or ErrorTypeUnknown.
func GetErrorType(err error) ErrorType {
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Type
	}
	return ErrorTypeUnknown
}
