package github

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

// noopSleep is a sleep function that returns immediately, for fast tests.
func noopSleep(_ context.Context, _ time.Duration) error {
	return nil
}

// testLogger returns a debug-level logger that writes to t.Log.
func testLogger(t *testing.T) *slog.Logger {
	t.Helper()

	return slog.New(slog.NewTextHandler(testWriter{t}, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(string(p))
	return len(p), nil
}

// failingToken is a TokenSource that always returns an error.
type failingToken struct{}

func (failingToken) Token() (*oauth2.Token, error) {
	return nil, errors.New("token file missing")
}

// newTestClient creates a Client pointing at the given httptest server
// with instant retry sleeps for fast tests.
func newTestClient(t *testing.T, url string, opts Options) *Client {
	t.Helper()

	c := NewClient(url, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: "test-token"}), testLogger(t), opts)
	c.sleepFunc = noopSleep

	return c
}

func TestDo_SetsHeaders(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
		assert.Equal(t, acceptHeader, r.Header.Get("Accept"))
		assert.Equal(t, apiVersion, r.Header.Get("X-GitHub-Api-Version"))
		assert.Equal(t, "tasksync-test", r.Header.Get("User-Agent"))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, Options{UserAgent: "tasksync-test"})

	resp, err := c.Do(t.Context(), http.MethodGet, "/rate_limit", nil)
	require.NoError(t, err)
	resp.Body.Close()
}

func TestDo_RetriesTransientThenSucceeds(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		assert.Equal(t, `{"a":1}`, string(body), "body must be resent on retry")

		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}

		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, Options{})

	resp, err := c.Do(t.Context(), http.MethodPost, "/x", []byte(`{"a":1}`))
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, int32(3), calls.Load())
}

func TestDo_GivesUpAfterThreeRetries(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.Header().Set("X-GitHub-Request-Id", "ABC:123")
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"message":"unavailable"}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, Options{})

	_, err := c.Do(t.Context(), http.MethodGet, "/x", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrServerError)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "ABC:123", apiErr.RequestID)
	assert.Contains(t, apiErr.Error(), "unavailable")

	// One initial attempt plus three retries.
	assert.Equal(t, int32(4), calls.Load())
}

func TestDo_NonTransient4xxAbortsImmediately(t *testing.T) {
	t.Parallel()

	tests := []struct {
		status int
		want   error
	}{
		{http.StatusBadRequest, ErrBadRequest},
		{http.StatusUnauthorized, ErrUnauthorized},
		{http.StatusForbidden, ErrForbidden},
		{http.StatusNotFound, ErrNotFound},
		{http.StatusGone, ErrGone},
		{http.StatusUnprocessableEntity, ErrValidation},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			t.Parallel()

			var calls atomic.Int32

			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				calls.Add(1)
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			c := newTestClient(t, srv.URL, Options{})

			_, err := c.Do(t.Context(), http.MethodGet, "/x", nil)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)
			assert.Equal(t, int32(1), calls.Load())
		})
	}
}

func TestDo_HonorsRetryAfterOn429(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "7")
			w.WriteHeader(http.StatusTooManyRequests)

			return
		}

		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, Options{})

	var mu sync.Mutex

	var slept []time.Duration

	c.sleepFunc = func(_ context.Context, d time.Duration) error {
		mu.Lock()
		defer mu.Unlock()

		slept = append(slept, d)

		return nil
	}

	resp, err := c.Do(t.Context(), http.MethodGet, "/x", nil)
	require.NoError(t, err)
	resp.Body.Close()

	require.Len(t, slept, 1)
	assert.Equal(t, 7*time.Second, slept[0])
}

func TestDo_PrimaryRateLimitUsesReset(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	var calls atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.Header().Set("X-RateLimit-Remaining", "0")
		w.Header().Set("X-RateLimit-Reset", "1767225620") // now + 20s
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, Options{})
	c.now = func() time.Time { return now }

	var slept []time.Duration
	c.sleepFunc = func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}

	_, err := c.Do(t.Context(), http.MethodGet, "/x", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRateLimited)
	assert.Equal(t, int32(4), calls.Load())

	for _, d := range slept {
		assert.Equal(t, 20*time.Second, d)
	}
}

func TestDo_TokenFailureIsUnauthorized(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, failingToken{}, testLogger(t), Options{})
	c.sleepFunc = noopSleep

	_, err := c.Do(t.Context(), http.MethodGet, "/x", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnauthorized)
	assert.Contains(t, err.Error(), "token file missing")
	assert.Zero(t, calls.Load())
}

func TestDo_ContextCanceled(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, Options{})

	ctx, cancel := context.WithCancel(t.Context())
	cancel()

	_, err := c.Do(ctx, http.MethodGet, "/x", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDo_RejectsForeignAbsoluteURL(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, "https://api.github.com", Options{})

	_, err := c.Do(t.Context(), http.MethodGet, "https://evil.example.com/repos", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not match base URL")
}

func TestCalcBackoff_JitterBounds(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, "http://localhost", Options{})

	for attempt := range 4 {
		base := float64(baseBackoff) * float64(int(1)<<attempt)

		for range 50 {
			d := float64(c.calcBackoff(attempt))
			assert.GreaterOrEqual(t, d, base*0.8)
			assert.LessOrEqual(t, d, base*1.2)
		}
	}
}

func TestIsTransient(t *testing.T) {
	t.Parallel()

	assert.False(t, IsTransient(&APIError{StatusCode: 401, Err: ErrUnauthorized}))
	assert.False(t, IsTransient(&APIError{StatusCode: 422, Err: ErrValidation}))
	assert.True(t, IsTransient(&APIError{StatusCode: 503, Err: ErrServerError}))
	assert.True(t, IsTransient(errors.New("connection reset")))
}
