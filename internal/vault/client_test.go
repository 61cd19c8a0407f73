package vault

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyrodovalexey/keyarc-gateway/internal/auth/jwt"
	"github.com/vyrodovalexey/keyarc-gateway/internal/retry"
)

var _ jwt.SecretResolver = (*Client)(nil)

const testToken = "s.test-token"

// fakeVault serves the subset of the Vault HTTP API the client uses.
type fakeVault struct {
	t        *testing.T
	secrets  map[string]map[string]any // "<mount>/<path>" -> data
	failures atomic.Int32              // respond 503 this many times first
	reads    atomic.Int32
	sealed   atomic.Bool
}

func newFakeVault(t *testing.T) (*fakeVault, *httptest.Server) {
	t.Helper()
	fv := &fakeVault{t: t, secrets: map[string]map[string]any{}}
	srv := httptest.NewServer(fv)
	t.Cleanup(srv.Close)
	return fv, srv
}

func (fv *fakeVault) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func (fv *fakeVault) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/v1/sys/health":
		fv.writeJSON(w, http.StatusOK, map[string]any{
			"initialized": true, "sealed": fv.sealed.Load(), "standby": false, "version": "1.17.0",
		})
		return
	case "/v1/auth/approle/login":
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["role_id"] != "gateway" || body["secret_id"] != "s3cret" {
			fv.writeJSON(w, http.StatusBadRequest, map[string]any{"errors": []string{"invalid role or secret ID"}})
			return
		}
		fv.writeJSON(w, http.StatusOK, map[string]any{
			"auth": map[string]any{"client_token": testToken, "lease_duration": 3600, "renewable": true},
		})
		return
	}

	if fv.failures.Load() > 0 {
		fv.failures.Add(-1)
		fv.writeJSON(w, http.StatusServiceUnavailable, map[string]any{"errors": []string{"temporarily unavailable"}})
		return
	}
	if r.Header.Get("X-Vault-Token") != testToken {
		fv.writeJSON(w, http.StatusForbidden, map[string]any{"errors": []string{"permission denied"}})
		return
	}

	fv.reads.Add(1)

	// KV v2: /v1/<mount>/data/<path>; KV v1: /v1/<mount>/<path>
	for key, data := range fv.secrets {
		mount, path, _ := strings.Cut(key, "/")
		switch r.URL.Path {
		case "/v1/" + mount + "/data/" + path:
			fv.writeJSON(w, http.StatusOK, map[string]any{
				"data": map[string]any{
					"data": data,
					"metadata": map[string]any{
						"created_time":    "2026-01-01T00:00:00Z",
						"custom_metadata": nil,
						"deletion_time":   "",
						"destroyed":       false,
						"version":         1,
					},
				},
			})
			return
		case "/v1/" + mount + "/" + path:
			fv.writeJSON(w, http.StatusOK, map[string]any{"data": data})
			return
		}
	}

	fv.writeJSON(w, http.StatusNotFound, map[string]any{"errors": []string{}})
}

func newTestClient(t *testing.T, cfg *Config) (*Client, *Metrics) {
	t.Helper()
	cfg.Retry = &retry.Config{MaxRetries: 3, InitialBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond}
	m := NewMetricsWithRegisterer("test", prometheus.NewRegistry())
	c, err := New(cfg, WithClientMetrics(m))
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c, m
}

func TestConfig_Validate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		cfg     *Config
		wantErr bool
	}{
		{name: "nil", cfg: nil, wantErr: true},
		{name: "disabled", cfg: &Config{}},
		{name: "token", cfg: &Config{Enabled: true, Address: "http://vault:8200", Token: "t"}},
		{name: "no address", cfg: &Config{Enabled: true, Token: "t"}, wantErr: true},
		{name: "token missing", cfg: &Config{Enabled: true, Address: "http://vault:8200"}, wantErr: true},
		{name: "approle", cfg: &Config{Enabled: true, Address: "http://vault:8200", AuthMethod: AuthMethodAppRole,
			AppRole: &AppRoleAuthConfig{RoleID: "r", SecretID: "s"}}},
		{name: "approle incomplete", cfg: &Config{Enabled: true, Address: "http://vault:8200", AuthMethod: AuthMethodAppRole,
			AppRole: &AppRoleAuthConfig{RoleID: "r"}}, wantErr: true},
		{name: "unknown method", cfg: &Config{Enabled: true, Address: "http://vault:8200", AuthMethod: "kubernetes"}, wantErr: true},
		{name: "bad kv version", cfg: &Config{Enabled: true, Address: "http://vault:8200", Token: "t", KVVersion: 3}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.cfg.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidConfig)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestNew_Disabled(t *testing.T) {
	t.Parallel()

	_, err := New(&Config{})
	assert.ErrorIs(t, err, ErrDisabled)
}

func TestParseRef(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in      string
		want    Ref
		wantErr bool
	}{
		{in: "secret/gateway/jwt#signing_key", want: Ref{Mount: "secret", Path: "gateway/jwt", Field: "signing_key"}},
		{in: "vault:kv/jwt#key", want: Ref{Mount: "kv", Path: "jwt", Field: "key"}},
		{in: "/secret/jwt/#key", want: Ref{Mount: "secret", Path: "jwt", Field: "key"}},
		{in: "secret/jwt", wantErr: true},
		{in: "secret/jwt#", wantErr: true},
		{in: "secret#key", wantErr: true},
		{in: "secret/../sys#key", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			t.Parallel()
			got, err := ParseRef(tt.in)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidPath)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	assert.Equal(t, "secret/gateway/jwt#signing_key", Ref{Mount: "secret", Path: "gateway/jwt", Field: "signing_key"}.String())
}

func TestClient_ResolveSecretKV2(t *testing.T) {
	t.Parallel()

	fv, srv := newFakeVault(t)
	fv.secrets["secret/gateway/jwt"] = map[string]any{"signing_key": "very-secret", "count": 3}

	c, m := newTestClient(t, &Config{Enabled: true, Address: srv.URL, Token: testToken})
	require.NoError(t, c.Authenticate(context.Background()))

	secret, err := c.ResolveSecret(context.Background(), "secret/gateway/jwt#signing_key")
	require.NoError(t, err)
	assert.Equal(t, []byte("very-secret"), secret)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.requestsTotal.WithLabelValues("read", "success")))

	_, err = c.ResolveSecret(context.Background(), "secret/gateway/jwt#missing")
	assert.ErrorIs(t, err, ErrSecretNotFound)

	_, err = c.ResolveSecret(context.Background(), "secret/gateway/jwt#count")
	assert.ErrorIs(t, err, ErrInvalidPath)

	_, err = c.ResolveSecret(context.Background(), "secret/gateway/other#signing_key")
	assert.ErrorIs(t, err, ErrSecretNotFound)

	_, err = c.ResolveSecret(context.Background(), "not-a-ref")
	assert.ErrorIs(t, err, ErrInvalidPath)
}

func TestClient_KV1(t *testing.T) {
	t.Parallel()

	fv, srv := newFakeVault(t)
	fv.secrets["kv/jwt"] = map[string]any{"key": "v1-secret"}

	c, _ := newTestClient(t, &Config{Enabled: true, Address: srv.URL, Token: testToken, KVVersion: 1})
	require.NoError(t, c.Authenticate(context.Background()))

	secret, err := c.ResolveSecret(context.Background(), "kv/jwt#key")
	require.NoError(t, err)
	assert.Equal(t, []byte("v1-secret"), secret)
}

func TestClient_PermissionDenied(t *testing.T) {
	t.Parallel()

	fv, srv := newFakeVault(t)
	fv.secrets["secret/jwt"] = map[string]any{"key": "x"}

	c, _ := newTestClient(t, &Config{Enabled: true, Address: srv.URL, Token: "wrong"})
	require.NoError(t, c.Authenticate(context.Background()))

	_, err := c.ResolveSecret(context.Background(), "secret/jwt#key")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPermissionDenied)
	assert.False(t, IsRetryable(err))

	var vaultErr *Error
	require.True(t, errors.As(err, &vaultErr))
	assert.Equal(t, http.StatusForbidden, vaultErr.Code)
}

func TestClient_RetriesTransientFailures(t *testing.T) {
	t.Parallel()

	fv, srv := newFakeVault(t)
	fv.secrets["secret/jwt"] = map[string]any{"key": "eventually"}
	fv.failures.Store(2)

	c, _ := newTestClient(t, &Config{Enabled: true, Address: srv.URL, Token: testToken})
	require.NoError(t, c.Authenticate(context.Background()))

	secret, err := c.ResolveSecret(context.Background(), "secret/jwt#key")
	require.NoError(t, err)
	assert.Equal(t, []byte("eventually"), secret)
	assert.Equal(t, int32(1), fv.reads.Load())
}

func TestClient_RetryExhausted(t *testing.T) {
	t.Parallel()

	fv, srv := newFakeVault(t)
	fv.secrets["secret/jwt"] = map[string]any{"key": "never"}
	fv.failures.Store(100)

	c, _ := newTestClient(t, &Config{Enabled: true, Address: srv.URL, Token: testToken})
	require.NoError(t, c.Authenticate(context.Background()))

	_, err := c.ResolveSecret(context.Background(), "secret/jwt#key")
	require.Error(t, err)
	assert.True(t, IsRetryable(err))
	assert.Equal(t, int32(100-4), fv.failures.Load())
}

func TestClient_AppRole(t *testing.T) {
	t.Parallel()

	fv, srv := newFakeVault(t)
	fv.secrets["secret/jwt"] = map[string]any{"key": "approle-secret"}

	c, _ := newTestClient(t, &Config{
		Enabled:    true,
		Address:    srv.URL,
		AuthMethod: AuthMethodAppRole,
		AppRole:    &AppRoleAuthConfig{RoleID: "gateway", SecretID: "s3cret"},
	})
	require.NoError(t, c.Authenticate(context.Background()))

	secret, err := c.ResolveSecret(context.Background(), "secret/jwt#key")
	require.NoError(t, err)
	assert.Equal(t, []byte("approle-secret"), secret)

	bad, _ := newTestClient(t, &Config{
		Enabled:    true,
		Address:    srv.URL,
		AuthMethod: AuthMethodAppRole,
		AppRole:    &AppRoleAuthConfig{RoleID: "gateway", SecretID: "wrong"},
	})
	assert.Error(t, bad.Authenticate(context.Background()))
}

func TestClient_CheckAndClose(t *testing.T) {
	t.Parallel()

	fv, srv := newFakeVault(t)
	c, _ := newTestClient(t, &Config{Enabled: true, Address: srv.URL, Token: testToken})

	require.NoError(t, c.Check(context.Background()))

	fv.sealed.Store(true)
	assert.ErrorIs(t, c.Check(context.Background()), ErrConnectionFailed)

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	assert.ErrorIs(t, c.Check(context.Background()), ErrClientClosed)
	_, err := c.ReadKV(context.Background(), "secret", "jwt")
	assert.ErrorIs(t, err, ErrClientClosed)
	assert.ErrorIs(t, c.Authenticate(context.Background()), ErrClientClosed)
}

func TestClient_ConnectionFailure(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()

	c, _ := newTestClient(t, &Config{Enabled: true, Address: addr, Token: testToken, Timeout: time.Second})
	require.NoError(t, c.Authenticate(context.Background()))

	_, err := c.ResolveSecret(context.Background(), "secret/jwt#key")
	assert.ErrorIs(t, err, ErrConnectionFailed)
}

func TestError_Message(t *testing.T) {
	t.Parallel()

	err := NewError("read", "secret/jwt", "boom", errors.New("cause"))
	assert.Equal(t, "vault read on path secret/jwt: boom: cause", err.Error())
	assert.Equal(t, "vault health", (&Error{Operation: "health"}).Error())
}
