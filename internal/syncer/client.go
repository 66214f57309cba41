package syncer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"math/rand"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/esobuild/companion/internal/auth"
	"github.com/esobuild/companion/internal/ratelimit"
)

const (
	defaultMaxRetries = 5
	defaultBaseDelay  = time.Second
	defaultMaxDelay   = time.Minute
)

// Client sends authenticated requests to the companion API with rate
// limiting and retry. Transient failures (429, 5xx, network errors) are
// retried with capped exponential backoff; a 401 triggers one token refresh
// before becoming fatal; other 4xx responses fail immediately.
type Client struct {
	http    *http.Client
	baseURL string
	auth    *auth.Manager
	limiter *ratelimit.Limiter
	logger  *log.Logger

	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration

	// sleep is swappable for tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewClient creates an API client. A nil httpClient gets a default with a
// 30s timeout; a nil logger logs to stderr.
func NewClient(baseURL string, am *auth.Manager, limiter *ratelimit.Limiter, httpClient *http.Client, logger *log.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = log.New(os.Stderr, "[syncer] ", log.LstdFlags)
	}
	return &Client{
		http:       httpClient,
		baseURL:    baseURL,
		auth:       am,
		limiter:    limiter,
		logger:     logger,
		maxRetries: defaultMaxRetries,
		baseDelay:  defaultBaseDelay,
		maxDelay:   defaultMaxDelay,
		sleep:      sleepCtx,
	}
}

// SetRetryPolicy overrides the default retry bounds. Non-positive values
// keep the current setting.
func (c *Client) SetRetryPolicy(maxRetries int, baseDelay, maxDelay time.Duration) {
	if maxRetries > 0 {
		c.maxRetries = maxRetries
	}
	if baseDelay > 0 {
		c.baseDelay = baseDelay
	}
	if maxDelay > 0 {
		c.maxDelay = maxDelay
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// apiResponse is a fully-read HTTP response.
type apiResponse struct {
	status int
	header http.Header
	body   []byte
}

// request runs the retry pipeline for one logical API call. 2xx and 304
// responses are returned to the caller; everything else is classified and
// either retried or surfaced as a typed error.
func (c *Client) request(ctx context.Context, method, path string, query url.Values, body []byte, extra http.Header) (*apiResponse, error) {
	fullURL := c.baseURL + path
	if len(query) > 0 {
		fullURL += "?" + query.Encode()
	}

	refreshed := false
	var lastErr error

	for attempt := 0; attempt < c.maxRetries; attempt++ {
		if err := c.limiter.Acquire(ctx); err != nil {
			return nil, err
		}

		token, err := c.auth.Valid(ctx)
		if err != nil {
			return nil, err
		}

		resp, err := c.doOnce(ctx, method, fullURL, body, extra, auth.Header(token))
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = &NetworkError{Err: err}
			wait := c.backoff(attempt)
			c.logger.Printf("%s %s: network error, retry in %s: %v", method, path, wait, err)
			if err := c.sleep(ctx, wait); err != nil {
				return nil, err
			}
			continue
		}

		switch {
		case resp.status == http.StatusTooManyRequests:
			retryAfter := parseRetryAfter(resp.header)
			lastErr = &RateLimitError{RetryAfter: retryAfter}
			wait := retryAfter
			if wait <= 0 {
				wait = c.backoff(attempt)
			}
			c.logger.Printf("%s %s: rate limited, waiting %s", method, path, wait)
			if err := c.sleep(ctx, wait); err != nil {
				return nil, err
			}

		case resp.status == http.StatusUnauthorized:
			if refreshed {
				return nil, &auth.Error{Reason: "authentication rejected by server"}
			}
			refreshed = true
			c.logger.Printf("%s %s: got 401, refreshing token", method, path)
			if _, err := c.auth.ForceRefresh(ctx); err != nil {
				return nil, err
			}

		case resp.status >= 500:
			lastErr = &APIError{StatusCode: resp.status, Body: string(resp.body)}
			wait := c.backoff(attempt)
			c.logger.Printf("%s %s: server error %d, retry in %s", method, path, resp.status, wait)
			if err := c.sleep(ctx, wait); err != nil {
				return nil, err
			}

		case resp.status >= 400:
			return nil, &APIError{StatusCode: resp.status, Body: string(resp.body)}

		default:
			return resp, nil
		}
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("max retries exceeded")
	}
	return nil, lastErr
}

func (c *Client) doOnce(ctx context.Context, method, fullURL string, body []byte, extra http.Header, authHeader string) (*apiResponse, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, fullURL, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", authHeader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for key, values := range extra {
		for _, v := range values {
			req.Header.Set(key, v)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	return &apiResponse{
		status: resp.StatusCode,
		header: resp.Header,
		body:   data,
	}, nil
}

// backoff returns base*2^attempt plus up to 25% jitter, capped at maxDelay.
func (c *Client) backoff(attempt int) time.Duration {
	delay := c.baseDelay << uint(attempt)
	if delay <= 0 || delay > c.maxDelay {
		delay = c.maxDelay
	}
	jitter := time.Duration(rand.Int63n(int64(delay)/4 + 1))
	delay += jitter
	if delay > c.maxDelay {
		delay = c.maxDelay
	}
	return delay
}

func parseRetryAfter(header http.Header) time.Duration {
	v := header.Get("Retry-After")
	if v == "" {
		return 0
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

// retryable reports whether err is transient. Used by callers that fall
// back to stale cached data only for transient failures.
func retryable(err error) bool {
	var netErr *NetworkError
	var rlErr *RateLimitError
	var apiErr *APIError
	if errors.As(err, &netErr) || errors.As(err, &rlErr) {
		return true
	}
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode >= 500
	}
	return false
}
