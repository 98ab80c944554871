package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/johnayoung/go-market-aggregator/internal/config"
	apperrors "github.com/johnayoung/go-market-aggregator/internal/errors"
	"golang.org/x/time/rate"
)

const (
	userAgent       = "go-market-aggregator/1.0"
	maxResponseSize = 8 << 20
	maxRetryAfter   = 10 * time.Second
)

// restClient performs rate-limited, retried GETs against one venue's REST API.
type restClient struct {
	venue      string
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	classifier *apperrors.ErrorClassifier
	breaker    *apperrors.CircuitBreaker
	logger     *slog.Logger
}

func newRESTClient(venue string, opts Options, logger *slog.Logger) *restClient {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		httpClient = &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		}
	}

	rps := opts.RateLimit
	if rps <= 0 {
		rps = 1
	}
	burst := int(math.Ceil(rps))

	classifier := opts.Classifier
	if classifier == nil {
		classifier = apperrors.NewErrorClassifier(config.DefaultConfig().ErrorHandling, logger)
	}

	return &restClient{
		venue:      venue,
		baseURL:    opts.RESTURL,
		httpClient: httpClient,
		limiter:    rate.NewLimiter(rate.Limit(rps), burst),
		classifier: classifier,
		breaker:    opts.Breaker,
		logger:     logger,
	}
}

// getJSON fetches path with query and decodes the JSON body into out.
func (c *restClient) getJSON(ctx context.Context, path string, query url.Values, out interface{}) error {
	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var body []byte
	attempt := func() error {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
		b, err := c.do(ctx, endpoint)
		if err != nil {
			return err
		}
		body = b
		return nil
	}

	call := attempt
	if c.breaker != nil {
		call = func() error { return c.breaker.Call(attempt) }
	}

	if err := c.classifier.Retry(ctx, c.venue, "GET "+path, call); err != nil {
		return err
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to parse %s response: %w", path, err)
	}
	return nil
}

func (c *restClient) do(ctx context.Context, endpoint string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode >= 400 {
		if resp.StatusCode == http.StatusTooManyRequests {
			if wait := parseRetryAfter(resp.Header.Get("Retry-After")); wait > 0 {
				c.logger.Warn("rate limited, waiting", "retry_after", wait)
				timer := time.NewTimer(wait)
				select {
				case <-timer.C:
				case <-ctx.Done():
					timer.Stop()
					return nil, ctx.Err()
				}
			}
		}
		return nil, &apperrors.HTTPStatusError{StatusCode: resp.StatusCode, URL: endpoint, Body: string(body)}
	}

	return body, nil
}

// parseRetryAfter reads a Retry-After header in seconds or HTTP-date form,
// capped at maxRetryAfter.
func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}

	var wait time.Duration
	if seconds, err := strconv.Atoi(header); err == nil {
		wait = time.Duration(seconds) * time.Second
	} else if t, err := http.ParseTime(header); err == nil {
		wait = time.Until(t)
	}

	if wait < 0 {
		return 0
	}
	if wait > maxRetryAfter {
		return maxRetryAfter
	}
	return wait
}
