package slack

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"slack-monthly-archiver/internal/clock"
	"slack-monthly-archiver/internal/metrics"
)

const (
	DefaultMaxRetries        = 5
	DefaultRetryDelay        = 3 * time.Second
	DefaultRetryAfter        = 5 * time.Second
	defaultHTTPClientTimeout = 60 * time.Second
)

// RetryingClient issues Web API requests, waiting out HTTP 429 responses and
// retrying transport failures. Every attempt, rate limited or not, counts
// against maxRetries.
type RetryingClient struct {
	httpClient        *http.Client
	clock             clock.Clock
	logger            *zap.Logger
	maxRetries        int
	retryDelay        time.Duration
	defaultRetryAfter time.Duration
}

type Option func(*RetryingClient)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *RetryingClient) { c.httpClient = hc }
}

func WithClock(clk clock.Clock) Option {
	return func(c *RetryingClient) { c.clock = clk }
}

func WithMaxRetries(n int) Option {
	return func(c *RetryingClient) {
		if n > 0 {
			c.maxRetries = n
		}
	}
}

func WithRetryDelay(d time.Duration) Option {
	return func(c *RetryingClient) { c.retryDelay = d }
}

func NewRetryingClient(logger *zap.Logger, opts ...Option) *RetryingClient {
	c := &RetryingClient{
		httpClient:        &http.Client{Timeout: defaultHTTPClientTimeout},
		clock:             clock.Real{},
		logger:            logger,
		maxRetries:        DefaultMaxRetries,
		retryDelay:        DefaultRetryDelay,
		defaultRetryAfter: DefaultRetryAfter,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Request performs the call and returns the JSON body of the first
// non-429 response that parses. The API's own ok flag is not inspected.
// GET params go in the query string, anything else is form encoded.
func (c *RetryingClient) Request(ctx context.Context, method, rawURL string, headers http.Header, params url.Values) (json.RawMessage, error) {
	apiMethod := path.Base(rawURL)
	var lastErr error

	for attempt := 1; attempt <= c.maxRetries; attempt++ {
		resp, err := c.do(ctx, method, rawURL, headers, params)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = err
			metrics.SlackRequestsTotal.WithLabelValues(apiMethod, "transport_error").Inc()
			c.logger.Warn("request failed",
				zap.String("method", apiMethod), zap.Int("attempt", attempt), zap.Error(err))
			if err := c.clock.Sleep(ctx, c.retryDelay); err != nil {
				return nil, err
			}
			continue
		}

		if resp.StatusCode == http.StatusTooManyRequests {
			wait := c.retryAfter(resp.Header.Get("Retry-After"))
			resp.Body.Close()
			lastErr = fmt.Errorf("rate limited, retry after %s", wait)
			metrics.SlackRequestsTotal.WithLabelValues(apiMethod, "rate_limited").Inc()
			metrics.SlackRateLimitedTotal.WithLabelValues(apiMethod).Inc()
			c.logger.Warn("rate limited",
				zap.String("method", apiMethod), zap.Int("attempt", attempt), zap.Duration("retry_after", wait))
			if err := c.clock.Sleep(ctx, wait); err != nil {
				return nil, err
			}
			continue
		}

		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err == nil && !json.Valid(body) {
			err = fmt.Errorf("invalid JSON body (HTTP %d)", resp.StatusCode)
		}
		if err != nil {
			lastErr = err
			metrics.SlackRequestsTotal.WithLabelValues(apiMethod, "invalid_body").Inc()
			c.logger.Warn("unreadable response",
				zap.String("method", apiMethod), zap.Int("attempt", attempt), zap.Error(err))
			if err := c.clock.Sleep(ctx, c.retryDelay); err != nil {
				return nil, err
			}
			continue
		}

		metrics.SlackRequestsTotal.WithLabelValues(apiMethod, "ok").Inc()
		return json.RawMessage(body), nil
	}

	metrics.SlackRequestsTotal.WithLabelValues(apiMethod, "exhausted").Inc()
	c.logger.Error("maximum retries exceeded",
		zap.String("method", apiMethod), zap.Int("max_retries", c.maxRetries), zap.Error(lastErr))
	return nil, fmt.Errorf("%w (%s): %v", ErrRetriesExhausted, apiMethod, lastErr)
}

func (c *RetryingClient) do(ctx context.Context, method, rawURL string, headers http.Header, params url.Values) (*http.Response, error) {
	var body io.Reader
	target := rawURL
	if method == http.MethodGet {
		if len(params) > 0 {
			target = rawURL + "?" + params.Encode()
		}
	} else {
		body = strings.NewReader(params.Encode())
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, err
	}
	for key, values := range headers {
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	return c.httpClient.Do(req)
}

// retryAfter accepts delta-seconds or an HTTP date and falls back to the
// default wait for anything else.
func (c *RetryingClient) retryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return c.defaultRetryAfter
	}
	if secs, err := strconv.Atoi(header); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(header); err == nil {
		if d := at.Sub(c.clock.Now()); d > 0 {
			return d
		}
		return 0
	}
	return c.defaultRetryAfter
}
