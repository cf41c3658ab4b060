package backend

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// noopSleep returns immediately, for fast tests.
func noopSleep(_ context.Context, _ time.Duration) error {
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// newTestClient points a Client at srv with instant retry sleeps.
func newTestClient(t *testing.T, url string, token TokenSource) *Client {
	t.Helper()

	c := NewClient(url, token, Options{APIKey: "anon-key", Logger: testLogger(), UserAgent: "test-agent"})
	c.sleepFunc = noopSleep

	return c
}

func TestDo_SetsAuthHeaders(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "anon-key", r.Header.Get("apikey"))
		assert.Equal(t, "Bearer user-token", r.Header.Get("Authorization"))
		assert.Equal(t, "test-agent", r.Header.Get("User-Agent"))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, staticToken("user-token"))
	resp, err := c.Do(context.Background(), http.MethodGet, "/rest/v1/sectors", nil, nil)
	require.NoError(t, err)
	resp.Body.Close()
}

func TestDo_AnonymousUsesAPIKeyAsBearer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer anon-key", r.Header.Get("Authorization"))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	require.NoError(t, newTestClient(t, srv.URL, nil).PingBackend(context.Background()))
}

func TestDo_ErrorClassification(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		kind   Kind
		code   string
	}{
		{"unauthorized", http.StatusUnauthorized, `{"message":"nope"}`, KindAuth, ""},
		{"forbidden", http.StatusForbidden, `{}`, KindAuth, ""},
		{"jwt expired code", http.StatusBadRequest, `{"code":"PGRST301","message":"JWT expired"}`, KindAuth, "PGRST301"},
		{"token in message", http.StatusInternalServerError, `{"message":"invalid token signature"}`, KindAuth, ""},
		{"duplicate code", http.StatusConflict,
			`{"code":"23505","message":"duplicate key value violates unique constraint \"sectors_tag_cycle_count_key\""}`,
			KindDuplicate, "23505"},
		{"duplicate message only", http.StatusInternalServerError, `duplicate key value`, KindDuplicate, ""},
		{"not null", http.StatusBadRequest, `{"code":"23502","message":"null value in column"}`, KindValidation, "23502"},
		{"bad request", http.StatusBadRequest, `{"message":"malformed"}`, KindValidation, ""},
		{"not found", http.StatusNotFound, `{}`, KindNotFound, ""},
		{"bad gateway", http.StatusBadGateway, `upstream down`, KindNetwork, ""},
		{"numeric code", http.StatusUnauthorized, `{"code":401,"msg":"expired"}`, KindAuth, "401"},
		{"server error", http.StatusInternalServerError, `{"message":"boom"}`, KindUnknown, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			_, err := newTestClient(t, srv.URL, nil).Do(context.Background(), http.MethodGet, "/x", nil, nil)
			require.Error(t, err)

			var be *Error
			require.True(t, errors.As(err, &be))
			assert.Equal(t, tt.kind, be.Kind)
			assert.Equal(t, tt.status, be.StatusCode)
			assert.Equal(t, tt.code, be.Code)
			assert.Equal(t, tt.kind, KindOf(err))
			assert.ErrorIs(t, err, kindSentinel[tt.kind])
		})
	}
}

func TestDo_DuplicateConstraint(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		constraint string
		primaryKey bool
	}{
		{"own id", `{"code":"23505","details":"Key (id)=(s-1) already exists.","hint":null,` +
			`"message":"duplicate key value violates unique constraint \"sectors_pkey\""}`, "sectors_pkey", true},
		{"cycle count", `{"code":"23505","details":"Key (tag, cycle_count)=(F-1, 7) already exists.",` +
			`"message":"duplicate key value violates unique constraint \"sectors_tag_cycle_count_key\""}`,
			"sectors_tag_cycle_count_key", false},
		{"unnamed", `{"code":"23505","message":"duplicate key"}`, "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(http.StatusConflict)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			err := newTestClient(t, srv.URL, nil).Insert(context.Background(), TableSectors, map[string]string{"id": "s-1"})
			require.Error(t, err)

			var be *Error
			require.True(t, errors.As(err, &be))
			assert.True(t, IsDuplicate(err))
			assert.Equal(t, tt.constraint, be.Constraint)
			assert.Equal(t, tt.primaryKey, IsPrimaryKeyDuplicate(err))
		})
	}

	assert.False(t, IsPrimaryKeyDuplicate(&Error{Kind: KindNetwork, Constraint: "sectors_pkey"}))
}

func TestDo_RetriesThrottledThenSucceeds(t *testing.T) {
	var calls atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 3 {
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)

			return
		}

		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, nil)

	var slept []time.Duration
	c.sleepFunc = func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}

	resp, err := c.Do(context.Background(), http.MethodGet, "/x", nil, nil)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, []time.Duration{time.Second, time.Second}, slept)
}

func TestDo_ThrottledExhaustsRetries(t *testing.T) {
	var calls atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := newTestClient(t, srv.URL, nil).Do(context.Background(), http.MethodGet, "/x", nil, nil)
	require.Error(t, err)
	assert.True(t, IsNetwork(err))
	assert.Equal(t, int32(maxRetries+1), calls.Load())
}

func TestDo_TransportErrorIsNetworkAndNotRetried(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	c := newTestClient(t, url, nil)
	c.sleepFunc = func(context.Context, time.Duration) error {
		t.Fatal("transport errors must not be retried")
		return nil
	}

	_, err := c.Do(context.Background(), http.MethodGet, "/x", nil, nil)
	require.Error(t, err)
	assert.True(t, IsNetwork(err))
	assert.ErrorIs(t, err, ErrUnreachable)
}

func TestDo_CanceledContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := newTestClient(t, srv.URL, nil).Do(ctx, http.MethodGet, "/x", nil, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, KindUnknown, KindOf(err))
}

func TestDo_TokenErrorPropagates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		t.Fatal("request must not be sent without a token")
	}))
	defer srv.Close()

	tokErr := &Error{Kind: KindAuth, Message: "no session", Err: ErrNotLoggedIn}
	c := newTestClient(t, srv.URL, tokenFunc(func() (string, error) { return "", tokErr }))

	_, err := c.Do(context.Background(), http.MethodGet, "/x", nil, nil)
	assert.True(t, IsAuth(err))
	assert.ErrorIs(t, err, ErrNotLoggedIn)
}

func TestTables_RequestShapes(t *testing.T) {
	type seen struct {
		method, path, query, prefer, body string
	}

	var (
		mu  sync.Mutex
		got []seen
	)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)

		mu.Lock()
		got = append(got, seen{r.Method, r.URL.Path, r.URL.RawQuery, r.Header.Get("Prefer"), string(body)})
		mu.Unlock()

		if r.Method == http.MethodGet {
			_, _ = w.Write([]byte(`[{"id":"s1","tag":"F-01"}]`))
			return
		}

		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, staticToken("tok"))
	ctx := context.Background()

	require.NoError(t, c.Insert(ctx, TableSectors, map[string]string{"tag": "F-01"}))
	require.NoError(t, c.Update(ctx, TableSectors, "s1", map[string]string{"stage": "execucao"}))
	require.NoError(t, c.Delete(ctx, TableServices, "sv1"))

	var rows []map[string]string
	require.NoError(t, c.Select(ctx, TableSectors, url.Values{"tag": {Eq("F-01")}}, &rows))

	mu.Lock()
	defer mu.Unlock()

	require.Len(t, got, 4)
	assert.Equal(t, seen{"POST", "/rest/v1/sectors", "", "return=minimal", `{"tag":"F-01"}`}, got[0])
	assert.Equal(t, seen{"PATCH", "/rest/v1/sectors", "id=eq.s1", "return=minimal", `{"stage":"execucao"}`}, got[1])
	assert.Equal(t, seen{"DELETE", "/rest/v1/cycle_services", "id=eq.sv1", "return=minimal", ""}, got[2])
	assert.Equal(t, "GET", got[3].method)

	q, err := url.ParseQuery(got[3].query)
	require.NoError(t, err)
	assert.Equal(t, "*", q.Get("select"))
	assert.Equal(t, "eq.F-01", q.Get("tag"))
	assert.Equal(t, []map[string]string{{"id": "s1", "tag": "F-01"}}, rows)
}

func TestPingInternet(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodHead, r.Method)
		w.WriteHeader(http.StatusNoContent)
	}))

	c := NewClient("http://unused", nil, Options{InternetProbeURL: srv.URL, Logger: testLogger()})
	require.NoError(t, c.PingInternet(context.Background()))

	srv.Close()

	err := c.PingInternet(context.Background())
	require.Error(t, err)
	assert.True(t, IsNetwork(err))
}

func TestKindOf_ForeignErrors(t *testing.T) {
	assert.Equal(t, KindUnknown, KindOf(nil))
	assert.Equal(t, KindUnknown, KindOf(errors.New("plain")))
	assert.Equal(t, KindNetwork, KindOf(context.DeadlineExceeded))

	wrapped := json.Unmarshal([]byte("x"), new(int))
	assert.Equal(t, KindUnknown, KindOf(wrapped))
}

// tokenFunc adapts a function to TokenSource.
type tokenFunc func() (string, error)

func (f tokenFunc) Token() (string, error) { return f() }
