package github

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
	"strings"
	"time"

	"golang.org/x/oauth2"
)

// Retry and backoff constants.
const (
	defaultMaxRetries = 3
	baseBackoff       = 500 * time.Millisecond
	maxBackoff        = 30 * time.Second
	backoffFactor     = 2.0
	jitterFraction    = 0.20
	maxRetryAfter     = 5 * time.Minute
	apiVersion        = "2022-11-28"
	acceptHeader      = "application/vnd.github+json"
	maxErrorBody      = 64 << 10
)

// Pagination defaults, used when Options leaves a field zero.
const (
	defaultPerPage     = 100
	defaultMaxPages    = 100
	defaultMaxItems    = 10000
	defaultPageTimeout = 30 * time.Second
)

// Options tunes a Client. Zero fields take defaults.
type Options struct {
	UserAgent   string
	PerPage     int
	MaxPages    int
	MaxItems    int
	PageTimeout time.Duration
	HTTPClient  *http.Client
}

// Client is an HTTP client for the GitHub REST API.
// It handles request construction, authentication, retry with
// exponential backoff, and error classification.
type Client struct {
	baseURL    string
	httpClient *http.Client
	tokens     oauth2.TokenSource
	logger     *slog.Logger
	userAgent  string

	perPage     int
	maxPages    int
	maxItems    int
	pageTimeout time.Duration
	maxRetries  int

	// sleepFunc is called to wait between retries. Tests override this to
	// avoid real delays.
	sleepFunc func(ctx context.Context, d time.Duration) error
	now       func() time.Time
}

// NewClient creates a GitHub API client. baseURL is typically
// "https://api.github.com". Tokens are requested per attempt; wrap
// expensive sources in oauth2.ReuseTokenSource.
func NewClient(baseURL string, tokens oauth2.TokenSource, logger *slog.Logger, opts Options) *Client {
	if logger == nil {
		logger = slog.Default()
	}

	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	c := &Client{
		baseURL:     strings.TrimRight(baseURL, "/"),
		httpClient:  httpClient,
		tokens:      tokens,
		logger:      logger,
		userAgent:   opts.UserAgent,
		perPage:     orDefault(opts.PerPage, defaultPerPage),
		maxPages:    orDefault(opts.MaxPages, defaultMaxPages),
		maxItems:    orDefault(opts.MaxItems, defaultMaxItems),
		pageTimeout: opts.PageTimeout,
		maxRetries:  defaultMaxRetries,
		sleepFunc:   timeSleep,
		now:         time.Now,
	}

	if c.userAgent == "" {
		c.userAgent = "tasksync"
	}

	if c.pageTimeout <= 0 {
		c.pageTimeout = defaultPageTimeout
	}

	return c
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}

	return v
}

// Do executes an HTTP request against the GitHub API. path is either
// relative to the base URL or an absolute URL on the same host (as returned
// in Link headers). body may be nil. The caller closes the response body on
// success.
func (c *Client) Do(ctx context.Context, method, path string, body []byte) (*http.Response, error) {
	target, err := c.resolveURL(path)
	if err != nil {
		return nil, err
	}

	var attempt int
	for {
		resp, err := c.doOnce(ctx, method, target, body)
		if err != nil {
			var te *tokenError
			if errors.As(err, &te) {
				return nil, fmt.Errorf("%w: obtaining token: %w", ErrUnauthorized, te.err)
			}

			// Context cancellation is not retryable.
			if ctx.Err() != nil {
				return nil, fmt.Errorf("github: request canceled: %w", ctx.Err())
			}

			// Network errors are retryable.
			if attempt < c.maxRetries {
				backoff := c.calcBackoff(attempt)
				c.logger.Warn("retrying after network error",
					slog.String("method", method),
					slog.String("path", path),
					slog.Int("attempt", attempt+1),
					slog.Duration("backoff", backoff),
					slog.String("error", err.Error()),
				)

				if sleepErr := c.sleepFunc(ctx, backoff); sleepErr != nil {
					return nil, fmt.Errorf("github: request canceled: %w", sleepErr)
				}

				attempt++

				continue
			}

			return nil, fmt.Errorf("github: %s %s failed after %d retries: %w", method, path, c.maxRetries, err)
		}

		// 2xx: success.
		if resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices {
			c.logger.Debug("request succeeded",
				slog.String("method", method),
				slog.String("path", path),
				slog.Int("status", resp.StatusCode),
			)

			return resp, nil
		}

		// Read and close body for error responses.
		errBody, readErr := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		resp.Body.Close()

		if readErr != nil {
			errBody = []byte("(failed to read response body)")
		}

		rateLimited := isRateLimited(resp)

		if (isRetryable(resp.StatusCode) || rateLimited) && attempt < c.maxRetries {
			backoff := c.retryBackoff(resp, attempt)
			c.logger.Warn("retrying after HTTP error",
				slog.String("method", method),
				slog.String("path", path),
				slog.Int("status", resp.StatusCode),
				slog.Int("attempt", attempt+1),
				slog.Duration("backoff", backoff),
			)

			if err := c.sleepFunc(ctx, backoff); err != nil {
				return nil, fmt.Errorf("github: request canceled: %w", err)
			}

			attempt++

			continue
		}

		sentinel := classifyStatus(resp.StatusCode)
		if rateLimited {
			sentinel = ErrRateLimited
		}

		apiErr := &APIError{
			StatusCode: resp.StatusCode,
			RequestID:  resp.Header.Get("X-GitHub-Request-Id"),
			Message:    string(errBody),
			Err:        sentinel,
		}

		if attempt > 0 {
			c.logger.Error("request failed after retries",
				slog.String("method", method),
				slog.String("path", path),
				slog.Int("status", resp.StatusCode),
				slog.Int("attempts", attempt+1),
			)
		}

		return nil, apiErr
	}
}

// tokenError marks a token acquisition failure so Do can fail fast instead
// of treating it as a retryable network error.
type tokenError struct{ err error }

func (e *tokenError) Error() string { return e.err.Error() }

// doOnce executes a single HTTP request (no retry).
func (c *Client) doOnce(ctx context.Context, method, url string, body []byte) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	if c.tokens != nil {
		tok, err := c.tokens.Token()
		if err != nil {
			return nil, &tokenError{err: err}
		}

		tok.SetAuthHeader(req)
	}

	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", acceptHeader)
	req.Header.Set("X-GitHub-Api-Version", apiVersion)

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	return c.httpClient.Do(req)
}

// resolveURL joins a relative path to the base URL. Absolute URLs must point
// at the base URL so that a Link header cannot redirect the token elsewhere.
func (c *Client) resolveURL(path string) (string, error) {
	if !strings.HasPrefix(path, "http://") && !strings.HasPrefix(path, "https://") {
		return c.baseURL + path, nil
	}

	if !strings.HasPrefix(path, c.baseURL+"/") {
		return "", fmt.Errorf("github: URL %q does not match base URL %q", path, c.baseURL)
	}

	return path, nil
}

// isRateLimited detects GitHub's primary (403 with an exhausted quota) and
// secondary (403 with Retry-After) rate limits, plus plain 429.
func isRateLimited(resp *http.Response) bool {
	if resp.StatusCode == http.StatusTooManyRequests {
		return true
	}

	if resp.StatusCode != http.StatusForbidden {
		return false
	}

	return resp.Header.Get("X-RateLimit-Remaining") == "0" || resp.Header.Get("Retry-After") != ""
}

// retryBackoff returns the backoff duration for a retryable response.
// Rate-limited responses honor Retry-After, then X-RateLimit-Reset.
func (c *Client) retryBackoff(resp *http.Response, attempt int) time.Duration {
	if isRateLimited(resp) {
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			if seconds, err := strconv.Atoi(ra); err == nil && seconds > 0 {
				return min(time.Duration(seconds)*time.Second, maxRetryAfter)
			}
		}

		if reset := resp.Header.Get("X-RateLimit-Reset"); reset != "" {
			if epoch, err := strconv.ParseInt(reset, 10, 64); err == nil {
				if wait := time.Unix(epoch, 0).Sub(c.now()); wait > 0 {
					return min(wait, maxRetryAfter)
				}
			}
		}
	}

	return c.calcBackoff(attempt)
}

// calcBackoff computes exponential backoff with ±20% jitter.
func (c *Client) calcBackoff(attempt int) time.Duration {
	backoff := float64(baseBackoff) * math.Pow(backoffFactor, float64(attempt))
	if backoff > float64(maxBackoff) {
		backoff = float64(maxBackoff)
	}

	jitter := backoff * jitterFraction * (rand.Float64()*2 - 1) //nolint:gosec // jitter does not need crypto rand
	backoff += jitter

	return time.Duration(backoff)
}

// timeSleep waits for the given duration or until the context is canceled.
// It is the default sleepFunc for Client.
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
