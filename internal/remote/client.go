package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/rand/v2"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/oauth2"
)

// Retry and backoff constants.
const (
	defaultMaxRetries = 5
	baseBackoff       = 1 * time.Second
	maxBackoff        = 60 * time.Second
	backoffFactor     = 2.0
	jitterFraction    = 0.25
	userAgent         = "docsync/0.1"
)

// Connection defaults.
const (
	DefaultMaxConnsPerHost = 6
	DefaultRequestTimeout  = 60 * time.Second
	DefaultAPIVersion      = 3
)

// Headers exchanged with the backend.
const (
	HeaderRequestStart = "X-Kinvey-Request-Start"
	HeaderRequestID    = "X-Kinvey-Request-Id"
	HeaderAPIVersion   = "X-Kinvey-API-Version"
)

// Config holds the backend coordinates and tuning knobs of a Client.
type Config struct {
	BaseURL    string
	AppKey     string
	AppSecret  string
	APIVersion int

	// MaxRetries bounds retries of transport failures and retryable
	// statuses. Zero means the default; negative disables retries.
	MaxRetries int

	// MaxConcurrency is the number of requests callers should keep in
	// flight at once when fanning out (page fetches, multi-save).
	MaxConcurrency int
}

// Response is a fully-read 2xx response.
type Response struct {
	StatusCode   int
	Header       http.Header
	Body         []byte
	RequestStart string
}

type authMode int

const (
	authSession authMode = iota
	authApp
)

// Client talks to the backend's data API. It attaches credentials, retries
// transient failures with exponential backoff and classifies every failure
// into one of this package's error kinds.
type Client struct {
	cfg        Config
	httpClient *http.Client
	tokens     oauth2.TokenSource
	logger     *slog.Logger

	// sleepFunc waits between retries. Tests override it to avoid delays.
	sleepFunc func(ctx context.Context, d time.Duration) error
}

// NewHTTPClient returns an http.Client bounded to maxConnsPerHost
// connections per host with the given per-request timeout.
func NewHTTPClient(maxConnsPerHost int, timeout time.Duration) *http.Client {
	if maxConnsPerHost <= 0 {
		maxConnsPerHost = DefaultMaxConnsPerHost
	}

	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}

	transport := http.DefaultTransport.(*http.Transport).Clone() //nolint:forcetypeassert // stdlib default
	transport.MaxConnsPerHost = maxConnsPerHost
	transport.MaxIdleConnsPerHost = maxConnsPerHost

	return &http.Client{Transport: transport, Timeout: timeout}
}

// NewClient creates a client. tokens supplies the active user's session
// token; it may be nil when only Login is used.
func NewClient(cfg Config, httpClient *http.Client, tokens oauth2.TokenSource, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}

	if httpClient == nil {
		httpClient = NewHTTPClient(cfg.MaxConcurrency, DefaultRequestTimeout)
	}

	if cfg.APIVersion == 0 {
		cfg.APIVersion = DefaultAPIVersion
	}

	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = defaultMaxRetries
	} else if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}

	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = DefaultMaxConnsPerHost
	}

	return &Client{
		cfg:        cfg,
		httpClient: httpClient,
		tokens:     tokens,
		logger:     logger,
		sleepFunc:  timeSleep,
	}
}

// SetSleepFunc replaces the wait used between retries.
func (c *Client) SetSleepFunc(fn func(ctx context.Context, d time.Duration) error) {
	c.sleepFunc = fn
}

// MaxConcurrency reports how many requests callers may keep in flight.
func (c *Client) MaxConcurrency() int {
	return c.cfg.MaxConcurrency
}

// Replay sends a previously built request (typically a captured pending
// operation) with the active user's credentials.
func (c *Client) Replay(ctx context.Context, req *http.Request) (*Response, error) {
	return c.do(ctx, req, authSession)
}

// do sends req, retrying transport errors and retryable statuses. The body
// is buffered once so every attempt sends identical bytes.
func (c *Client) do(ctx context.Context, req *http.Request, auth authMode) (*Response, error) {
	var body []byte

	if req.Body != nil && req.Body != http.NoBody {
		data, err := io.ReadAll(req.Body)
		req.Body.Close()

		if err != nil {
			return nil, fmt.Errorf("remote: reading request body: %w", err)
		}

		body = data
	}

	method, target := req.Method, req.URL.Path

	var attempt int
	for {
		resp, err := c.doOnce(ctx, req, body, auth)
		if err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("%w: %w", ErrRequestCancelled, ctx.Err())
			}

			var credErr *credentialError
			if errors.As(err, &credErr) {
				return nil, credErr.err
			}

			if attempt < c.cfg.MaxRetries {
				backoff := c.calcBackoff(attempt)
				c.logger.Warn("retrying after network error",
					slog.String("method", method),
					slog.String("path", target),
					slog.Int("attempt", attempt+1),
					slog.Duration("backoff", backoff),
					slog.String("error", err.Error()),
				)

				if sleepErr := c.sleepFunc(ctx, backoff); sleepErr != nil {
					return nil, fmt.Errorf("%w: %w", ErrRequestCancelled, sleepErr)
				}

				attempt++

				continue
			}

			return nil, fmt.Errorf("%w: %s %s failed after %d retries: %w", ErrNetwork, method, target, attempt, err)
		}

		data, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()

		if resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices {
			if readErr != nil {
				return nil, fmt.Errorf("%w: reading %s %s: %w", ErrInvalidResponse, method, target, readErr)
			}

			c.logger.Debug("request succeeded",
				slog.String("method", method),
				slog.String("path", target),
				slog.Int("status", resp.StatusCode),
			)

			return &Response{
				StatusCode:   resp.StatusCode,
				Header:       resp.Header,
				Body:         data,
				RequestStart: resp.Header.Get(HeaderRequestStart),
			}, nil
		}

		if readErr != nil {
			data = []byte("(failed to read response body)")
		}

		if isRetryable(resp.StatusCode) && attempt < c.cfg.MaxRetries {
			backoff := c.retryBackoff(resp, attempt)
			c.logger.Warn("retrying after HTTP error",
				slog.String("method", method),
				slog.String("path", target),
				slog.Int("status", resp.StatusCode),
				slog.Int("attempt", attempt+1),
				slog.Duration("backoff", backoff),
			)

			if err := c.sleepFunc(ctx, backoff); err != nil {
				return nil, fmt.Errorf("%w: %w", ErrRequestCancelled, err)
			}

			attempt++

			continue
		}

		apiErr := newError(resp.StatusCode, resp.Header.Get(HeaderRequestID), data)

		if attempt > 0 {
			c.logger.Error("request failed after retries",
				slog.String("method", method),
				slog.String("path", target),
				slog.Int("status", resp.StatusCode),
				slog.Int("attempts", attempt+1),
			)
		}

		return nil, apiErr
	}
}

// doOnce sends one attempt of req.
func (c *Client) doOnce(ctx context.Context, orig *http.Request, body []byte, auth authMode) (*http.Response, error) {
	req := orig.Clone(ctx)
	req.Body = http.NoBody
	req.ContentLength = 0

	if body != nil {
		req.Body = io.NopCloser(bytes.NewReader(body))
		req.ContentLength = int64(len(body))

		if req.Header.Get("Content-Type") == "" {
			req.Header.Set("Content-Type", "application/json")
		}
	}

	switch auth {
	case authApp:
		req.SetBasicAuth(c.cfg.AppKey, c.cfg.AppSecret)
	default:
		if err := c.authorize(req); err != nil {
			return nil, err
		}
	}

	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/json")
	req.Header.Set(HeaderAPIVersion, strconv.Itoa(c.cfg.APIVersion))

	return c.httpClient.Do(req)
}

// credentialError marks failures to obtain a session token so do() does not
// retry them as network errors.
type credentialError struct{ err error }

func (e *credentialError) Error() string { return e.err.Error() }
func (e *credentialError) Unwrap() error { return e.err }

func (c *Client) authorize(req *http.Request) error {
	if c.tokens == nil {
		return &credentialError{err: ErrNoActiveUser}
	}

	tok, err := c.tokens.Token()
	if err != nil {
		return &credentialError{err: fmt.Errorf("%w: %w", ErrNoActiveUser, err)}
	}

	if tok == nil || tok.AccessToken == "" {
		return &credentialError{err: ErrNoActiveUser}
	}

	tok.SetAuthHeader(req)

	return nil
}

// retryBackoff returns the backoff duration for a retryable response.
// For 429 and 503 responses with a Retry-After header, that value is used.
func (c *Client) retryBackoff(resp *http.Response, attempt int) time.Duration {
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusServiceUnavailable {
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			if seconds, err := strconv.Atoi(ra); err == nil && seconds > 0 {
				return time.Duration(seconds) * time.Second
			}
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
