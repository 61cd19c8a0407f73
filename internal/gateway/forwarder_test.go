package gateway

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyrodovalexey/keyarc-gateway/internal/router"
)

func newTestMetrics() *Metrics {
	return NewMetricsWithRegisterer("test", prometheus.NewRegistry())
}

// countingServer serves responses in order, repeating the last one.
func countingServer(t *testing.T, statuses ...int) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		n := int(calls.Add(1)) - 1
		if n >= len(statuses) {
			n = len(statuses) - 1
		}
		w.WriteHeader(statuses[n])
		_, _ = io.WriteString(w, http.StatusText(statuses[n]))
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func newTestForwarder(t *testing.T, svc router.Service, cfg ForwarderConfig) (*Forwarder, *router.Match) {
	t.Helper()
	f, err := NewForwarder([]router.Service{svc}, cfg, WithForwarderMetrics(newTestMetrics()))
	require.NoError(t, err)
	return f, &router.Match{Service: &svc, UpstreamPath: "/teams/t1/keys"}
}

func TestForwarder_RelaysResponse(t *testing.T) {
	t.Parallel()

	var got *http.Request
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Clone(context.Background())
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("X-Downstream", "keys")
		w.WriteHeader(http.StatusCreated)
		_, _ = io.WriteString(w, `{"id":"k1"}`)
	}))
	t.Cleanup(srv.Close)

	f, m := newTestForwarder(t, router.Service{Name: "keys", URL: srv.URL + "/api"}, ForwarderConfig{})

	r := httptest.NewRequest(http.MethodPost, "/keys/teams/t1/keys?labels=a", strings.NewReader(`{"name":"k1"}`))
	r.Header.Set("Authorization", "Bearer token")
	rec := httptest.NewRecorder()

	status, err := f.Forward(rec, r, m, Identity{PrincipalID: "user-1", TeamID: "t1", Role: "member"})
	require.NoError(t, err)

	assert.Equal(t, http.StatusCreated, status)
	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, `{"id":"k1"}`, rec.Body.String())
	assert.Equal(t, "keys", rec.Header().Get("X-Downstream"))

	require.NotNil(t, got)
	assert.Equal(t, "/api/teams/t1/keys", got.URL.Path)
	assert.Equal(t, "labels=a", got.URL.RawQuery)
	assert.Equal(t, "user-1", got.Header.Get(HeaderPrincipalID))
	assert.Equal(t, "member", got.Header.Get(HeaderPrincipalRole))
	assert.Empty(t, got.Header.Get("Authorization"))
}

func TestForwarder_Retry(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		method     string
		body       string
		retry      bool
		statuses   []int
		wantStatus int
		wantCalls  int32
	}{
		{
			name: "idempotent retried once", method: http.MethodGet, retry: true,
			statuses: []int{http.StatusServiceUnavailable, http.StatusOK}, wantStatus: http.StatusOK, wantCalls: 2,
		},
		{
			name: "second failure relayed verbatim", method: http.MethodGet, retry: true,
			statuses: []int{http.StatusBadGateway, http.StatusGatewayTimeout}, wantStatus: http.StatusGatewayTimeout, wantCalls: 2,
		},
		{
			name: "head retried", method: http.MethodHead, retry: true,
			statuses: []int{http.StatusBadGateway, http.StatusNoContent}, wantStatus: http.StatusNoContent, wantCalls: 2,
		},
		{
			name: "mutation never retried", method: http.MethodPost, body: `{}`, retry: true,
			statuses: []int{http.StatusServiceUnavailable, http.StatusOK}, wantStatus: http.StatusServiceUnavailable, wantCalls: 1,
		},
		{
			name: "delete never retried", method: http.MethodDelete, retry: true,
			statuses: []int{http.StatusBadGateway, http.StatusOK}, wantStatus: http.StatusBadGateway, wantCalls: 1,
		},
		{
			name: "client errors not retried", method: http.MethodGet, retry: true,
			statuses: []int{http.StatusNotFound, http.StatusOK}, wantStatus: http.StatusNotFound, wantCalls: 1,
		},
		{
			name: "retry disabled", method: http.MethodGet, retry: false,
			statuses: []int{http.StatusServiceUnavailable, http.StatusOK}, wantStatus: http.StatusServiceUnavailable, wantCalls: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			srv, calls := countingServer(t, tt.statuses...)
			f, m := newTestForwarder(t, router.Service{Name: "keys", URL: srv.URL},
				ForwarderConfig{Retry: tt.retry, RetryBackoff: time.Millisecond})

			var body io.Reader
			if tt.body != "" {
				body = strings.NewReader(tt.body)
			}
			r := httptest.NewRequest(tt.method, "/keys/teams/t1/keys", body)
			rec := httptest.NewRecorder()

			status, err := f.Forward(rec, r, m, Identity{PrincipalID: "user-1"})
			require.NoError(t, err)
			assert.Equal(t, tt.wantStatus, status)
			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Equal(t, tt.wantCalls, calls.Load())
		})
	}
}

func TestForwarder_Unreachable(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	f, m := newTestForwarder(t, router.Service{Name: "keys", URL: url},
		ForwarderConfig{Retry: true, RetryBackoff: time.Millisecond})

	rec := httptest.NewRecorder()
	_, err := f.Forward(rec, httptest.NewRequest(http.MethodGet, "/keys/teams/t1/keys", nil), m, Identity{PrincipalID: "user-1"})

	var derr *DownstreamError
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, "keys", derr.Service)
	assert.ErrorIs(t, err, ErrDownstreamUnavailable)
	assert.NotErrorIs(t, err, ErrDownstreamTimeout)
	assert.Zero(t, rec.Body.Len())
}

func TestForwarder_Timeout(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	f, m := newTestForwarder(t, router.Service{Name: "keys", URL: srv.URL, Timeout: 50 * time.Millisecond},
		ForwarderConfig{Retry: true, RetryBackoff: time.Millisecond})

	rec := httptest.NewRecorder()
	start := time.Now()
	_, err := f.Forward(rec, httptest.NewRequest(http.MethodGet, "/keys/teams/t1/keys", nil), m, Identity{PrincipalID: "user-1"})

	assert.ErrorIs(t, err, ErrDownstreamTimeout)
	assert.ErrorIs(t, err, ErrDownstreamUnavailable)
	assert.Less(t, time.Since(start), time.Second)
	assert.Zero(t, rec.Body.Len())
	assert.Empty(t, rec.Header())
}

func TestForwarder_CircuitBreaker(t *testing.T) {
	t.Parallel()

	srv, calls := countingServer(t, http.StatusServiceUnavailable)
	f, m := newTestForwarder(t, router.Service{Name: "keys", URL: srv.URL}, ForwarderConfig{
		Breaker: BreakerConfig{Enabled: true, FailureThreshold: 2, Timeout: time.Minute},
	})

	for range 2 {
		rec := httptest.NewRecorder()
		status, err := f.Forward(rec, httptest.NewRequest(http.MethodGet, "/keys/teams/t1/keys", nil), m, Identity{PrincipalID: "user-1"})
		require.NoError(t, err)
		assert.Equal(t, http.StatusServiceUnavailable, status)
	}

	rec := httptest.NewRecorder()
	_, err := f.Forward(rec, httptest.NewRequest(http.MethodGet, "/keys/teams/t1/keys", nil), m, Identity{PrincipalID: "user-1"})
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.ErrorIs(t, err, ErrDownstreamUnavailable)
	assert.Equal(t, int32(2), calls.Load())
}

func TestForwarder_ClientCancelled(t *testing.T) {
	t.Parallel()

	srv, calls := countingServer(t, http.StatusOK)
	f, m := newTestForwarder(t, router.Service{Name: "keys", URL: srv.URL},
		ForwarderConfig{Breaker: BreakerConfig{Enabled: true, FailureThreshold: 1}})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r := httptest.NewRequest(http.MethodGet, "/keys/teams/t1/keys", nil).WithContext(ctx)

	_, err := f.Forward(httptest.NewRecorder(), r, m, Identity{PrincipalID: "user-1"})
	assert.ErrorIs(t, err, ErrClientGone)
	assert.NotErrorIs(t, err, ErrDownstreamUnavailable)
	assert.Zero(t, calls.Load())

	// A cancelled client does not trip the breaker.
	status, err := f.Forward(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/keys/teams/t1/keys", nil), m, Identity{PrincipalID: "user-1"})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, status)
}

func TestNewForwarder_InvalidService(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		url  string
	}{
		{name: "relative", url: "/keys"},
		{name: "unsupported scheme", url: "ftp://keys:21"},
		{name: "unparsable", url: "http://[::1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := NewForwarder([]router.Service{{Name: "keys", URL: tt.url}}, ForwarderConfig{},
				WithForwarderMetrics(newTestMetrics()))
			assert.ErrorIs(t, err, ErrInvalidService)
		})
	}
}

func TestDownstreamError(t *testing.T) {
	t.Parallel()

	cause := errors.New("dial tcp: connection refused")
	err := &DownstreamError{Service: "keys", Kind: ErrDownstreamTimeout, Cause: cause}

	assert.ErrorIs(t, err, ErrDownstreamTimeout)
	assert.ErrorIs(t, err, ErrDownstreamUnavailable)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "service keys")
}
