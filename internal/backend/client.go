package backend

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/rand/v2"
	"net/http"
	"strconv"
	"time"
)

// Retry and backoff constants. Only throttling responses are retried here;
// transport failures return immediately so callers can fall back to the
// offline queue without waiting out a backoff schedule.
const (
	maxRetries       = 3
	baseBackoff      = 1 * time.Second
	maxBackoff       = 30 * time.Second
	backoffFactor    = 2.0
	jitterFraction   = 0.25
	defaultUserAgent = "sectorsync/0.1"
)

// TokenSource provides bearer tokens for authenticated requests.
type TokenSource interface {
	Token() (string, error)
}

// Client talks to the backend's REST, auth and health endpoints.
type Client struct {
	baseURL          string
	apiKey           string
	internetProbeURL string
	httpClient       *http.Client
	token            TokenSource
	logger           *slog.Logger
	userAgent        string

	// sleepFunc is called to wait between retries. Tests override it.
	sleepFunc func(ctx context.Context, d time.Duration) error
}

// Options configures a Client. Zero values select defaults.
type Options struct {
	APIKey           string
	InternetProbeURL string
	HTTPClient       *http.Client
	UserAgent        string
	Logger           *slog.Logger
}

// NewClient creates a backend client rooted at baseURL
// (e.g. "https://project.example.co"). token may be nil for anonymous use;
// the API key is then sent as the bearer token.
func NewClient(baseURL string, token TokenSource, opts Options) *Client {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	if opts.HTTPClient == nil {
		opts.HTTPClient = http.DefaultClient
	}

	if opts.UserAgent == "" {
		opts.UserAgent = defaultUserAgent
	}

	return &Client{
		baseURL:          baseURL,
		apiKey:           opts.APIKey,
		internetProbeURL: opts.InternetProbeURL,
		httpClient:       opts.HTTPClient,
		token:            token,
		logger:           opts.Logger,
		userAgent:        opts.UserAgent,
		sleepFunc:        timeSleep,
	}
}

// WithToken returns a copy of the client that authenticates with token.
func (c *Client) WithToken(token TokenSource) *Client {
	cp := *c
	cp.token = token

	return &cp
}

// Do executes a request against the backend. path is appended to the base
// URL. Non-2xx responses are returned as *Error. The caller closes the body
// on success.
func (c *Client) Do(ctx context.Context, method, path string, body []byte, header http.Header) (*http.Response, error) {
	url := c.baseURL + path

	var attempt int
	for {
		resp, err := c.doOnce(ctx, method, url, body, header)
		if err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("backend: request canceled: %w", ctx.Err())
			}

			c.logger.Debug("request failed before response",
				slog.String("method", method),
				slog.String("path", path),
				slog.String("error", err.Error()),
			)

			return nil, err
		}

		if resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices {
			c.logger.Debug("request succeeded",
				slog.String("method", method),
				slog.String("path", path),
				slog.Int("status", resp.StatusCode),
			)

			return resp, nil
		}

		errBody, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()

		if readErr != nil {
			errBody = []byte("(failed to read response body)")
		}

		if isRetryable(resp.StatusCode) && attempt < maxRetries {
			backoff := c.retryBackoff(resp, attempt)
			c.logger.Warn("retrying after HTTP error",
				slog.String("method", method),
				slog.String("path", path),
				slog.Int("status", resp.StatusCode),
				slog.Int("attempt", attempt+1),
				slog.Duration("backoff", backoff),
			)

			if err := c.sleepFunc(ctx, backoff); err != nil {
				return nil, fmt.Errorf("backend: request canceled: %w", err)
			}

			attempt++

			continue
		}

		be := decodeError(resp.StatusCode, errBody)

		c.logger.Debug("request rejected",
			slog.String("method", method),
			slog.String("path", path),
			slog.Int("status", resp.StatusCode),
			slog.String("kind", be.Kind.String()),
			slog.String("code", be.Code),
		)

		return nil, be
	}
}

// doOnce executes a single HTTP request (no retry).
func (c *Client) doOnce(ctx context.Context, method, url string, body []byte, header http.Header) (*http.Response, error) {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, rd)
	if err != nil {
		return nil, fmt.Errorf("backend: creating request: %w", err)
	}

	bearer := c.apiKey
	if c.token != nil {
		tok, tokErr := c.token.Token()
		if tokErr != nil {
			return nil, tokErr
		}

		bearer = tok
	}

	for k, vals := range header {
		for _, v := range vals {
			req.Header.Add(k, v)
		}
	}

	if c.apiKey != "" {
		req.Header.Set("apikey", c.apiKey)
	}

	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	req.Header.Set("User-Agent", c.userAgent)

	if body != nil && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, transportError(err)
	}

	return resp, nil
}

// isRetryable reports whether a status is worth retrying in-place.
func isRetryable(code int) bool {
	return code == http.StatusTooManyRequests || code == http.StatusServiceUnavailable
}

// retryBackoff honors Retry-After on throttled responses.
func (c *Client) retryBackoff(resp *http.Response, attempt int) time.Duration {
	if ra := resp.Header.Get("Retry-After"); ra != "" {
		if seconds, err := strconv.Atoi(ra); err == nil && seconds > 0 {
			return time.Duration(seconds) * time.Second
		}
	}

	return c.calcBackoff(attempt)
}

// calcBackoff computes exponential backoff with ±25% jitter.
func (c *Client) calcBackoff(attempt int) time.Duration {
	backoff := float64(baseBackoff) * math.Pow(backoffFactor, float64(attempt))
	if backoff > float64(maxBackoff) {
		backoff = float64(maxBackoff)
	}

	jitter := backoff * jitterFraction * (rand.Float64()*2 - 1) //nolint:gosec // jitter does not need crypto rand
	backoff += jitter

	return time.Duration(backoff)
}

// timeSleep waits for d or until ctx is canceled.
func timeSleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
