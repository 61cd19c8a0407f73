package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyrodovalexey/keyarc-gateway/internal/audit"
	"github.com/vyrodovalexey/keyarc-gateway/internal/auth/jwt"
	"github.com/vyrodovalexey/keyarc-gateway/internal/authz/rbac"
	"github.com/vyrodovalexey/keyarc-gateway/internal/observability"
	"github.com/vyrodovalexey/keyarc-gateway/internal/router"
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

// eventLog is a synchronous audit.Recorder.
type eventLog struct {
	mu     sync.Mutex
	events []audit.Event
}

func (l *eventLog) Record(e audit.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *eventLog) all() []audit.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]audit.Event(nil), l.events...)
}

type harness struct {
	dispatcher *Dispatcher
	members    *rbac.MemoryStore
	events     *eventLog
	signer     *jwt.Signer
	calls      *atomic.Int32
	upstream   chan *http.Request
}

type harnessOptions struct {
	store    rbac.MembershipStore
	handler  http.Handler
	timeout  time.Duration
	recorder audit.Recorder
}

func newHarness(t *testing.T, opts harnessOptions) *harness {
	t.Helper()

	h := &harness{
		members:  rbac.NewMemoryStore(),
		events:   &eventLog{},
		calls:    &atomic.Int32{},
		upstream: make(chan *http.Request, 8),
	}

	handler := opts.handler
	if handler == nil {
		handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			body, _ := io.ReadAll(r.Body)
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write(body)
		})
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.calls.Add(1)
		select {
		case h.upstream <- r.Clone(context.Background()):
		default:
		}
		handler.ServeHTTP(w, r)
	}))
	t.Cleanup(srv.Close)

	timeout := opts.timeout
	if timeout == 0 {
		timeout = time.Second
	}
	services := []router.Service{
		{
			Name: "account", Prefix: "/account", URL: srv.URL, Timeout: timeout, StripPrefix: true,
			Rules: []router.Rule{{Path: "/me", ResourceType: "account"}},
		},
		{
			Name: "keys", Prefix: "/keys", URL: srv.URL, Timeout: timeout, StripPrefix: true,
			Rules: []router.Rule{
				{Path: "/teams/{team_id}/keys", ResourceType: "key"},
				{Path: "/teams/{team_id}/keys/{resource_id}", ResourceType: "key"},
			},
		},
	}
	table, err := router.NewTable(services)
	require.NoError(t, err)

	keys, err := jwt.NewKeySetFromKeys(mustKey(t))
	require.NoError(t, err)
	verifier, err := jwt.NewVerifier(&jwt.Config{Algorithm: jwt.AlgHS256}, keys,
		jwt.WithVerifierMetrics(jwt.NewMetricsWithRegisterer("test", prometheus.NewRegistry())))
	require.NoError(t, err)

	h.signer, err = jwt.NewSigner(jwt.AlgHS256, "k1", testSecret)
	require.NoError(t, err)

	store := opts.store
	if store == nil {
		store = h.members
	}
	engine := rbac.NewEngine(store, rbac.Config{
		CacheTTL:      time.Minute,
		NegativeTTL:   time.Second,
		LookupTimeout: time.Second,
	}, rbac.WithEngineMetrics(rbac.NewMetricsWithRegisterer("test", prometheus.NewRegistry())))

	metrics := newTestMetrics()
	forwarder, err := NewForwarder(services, ForwarderConfig{RetryBackoff: time.Millisecond},
		WithForwarderMetrics(metrics))
	require.NoError(t, err)

	var recorder audit.Recorder = h.events
	if opts.recorder != nil {
		recorder = opts.recorder
	}
	h.dispatcher, err = NewDispatcher(verifier, engine, table, forwarder, recorder,
		WithDispatcherMetrics(metrics))
	require.NoError(t, err)

	return h
}

func mustKey(t *testing.T) jwk.Key {
	t.Helper()
	key, err := jwt.SymmetricKey("k1", "", testSecret)
	require.NoError(t, err)
	return key
}

func (h *harness) token(t *testing.T, subject string) string {
	t.Helper()
	token, err := h.signer.Sign(jwt.TokenRequest{Subject: subject, TTL: time.Hour})
	require.NoError(t, err)
	return token
}

func (h *harness) do(r *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.dispatcher.ServeHTTP(rec, r)
	return rec
}

func newRequest(method, path, token string, body io.Reader) *http.Request {
	r := httptest.NewRequest(method, path, body)
	if token != "" {
		r.Header.Set("Authorization", "Bearer "+token)
	}
	return r
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	assert.Equal(t, ContentTypeJSON, rec.Header().Get(HeaderContentType))
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func TestDispatcher_Permitted(t *testing.T) {
	t.Parallel()

	h := newHarness(t, harnessOptions{})
	h.members.SetRole("t1", "user-1", rbac.RoleMember)

	r := newRequest(http.MethodGet, "/keys/teams/t1/keys?limit=5", h.token(t, "user-1"), nil)
	r.Header.Set("X-Principal-Role", "owner")
	r = r.WithContext(observability.ContextWithRequestID(r.Context(), "req-1"))
	rec := h.do(r)

	assert.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, h.upstream, 1)
	up := <-h.upstream
	assert.Equal(t, "/teams/t1/keys", up.URL.Path)
	assert.Equal(t, "limit=5", up.URL.RawQuery)
	assert.Equal(t, "user-1", up.Header.Get(HeaderPrincipalID))
	assert.Equal(t, "member", up.Header.Get(HeaderPrincipalRole))
	assert.Equal(t, "t1", up.Header.Get(HeaderTeamID))
	assert.Equal(t, "req-1", up.Header.Get(HeaderRequestID))
	assert.Empty(t, up.Header.Get("Authorization"))

	events := h.events.all()
	require.Len(t, events, 1)
	e := events[0]
	assert.Equal(t, "user-1", e.Actor)
	assert.Equal(t, router.ActionRead, e.Action)
	assert.Equal(t, "key", e.ResourceType)
	assert.Equal(t, "t1", e.ResourceID)
	assert.Equal(t, audit.OutcomeAllowed, e.Outcome)
	assert.Equal(t, rbac.ReasonGranted, e.Metadata[audit.MetaReason])
	assert.Equal(t, "member", e.Metadata[audit.MetaRole])
	assert.Equal(t, "viewer", e.Metadata[audit.MetaRequired])
	assert.Equal(t, "t1", e.Metadata[audit.MetaTeamID])
	assert.Equal(t, "keys", e.Metadata[audit.MetaService])
	assert.Equal(t, "req-1", e.Metadata[audit.MetaRequestID])
}

func TestDispatcher_AuthenticationRejected(t *testing.T) {
	t.Parallel()

	expiredSigner, err := jwt.NewSigner(jwt.AlgHS256, "k1", testSecret,
		jwt.WithSignerClock(func() time.Time { return time.Now().Add(-2 * time.Hour) }))
	require.NoError(t, err)
	expired, err := expiredSigner.Sign(jwt.TokenRequest{Subject: "user-1", TTL: time.Hour})
	require.NoError(t, err)

	otherSigner, err := jwt.NewSigner(jwt.AlgHS256, "k1", []byte("another-secret-another-secret-00"))
	require.NoError(t, err)
	forged, err := otherSigner.Sign(jwt.TokenRequest{Subject: "user-1", TTL: time.Hour})
	require.NoError(t, err)

	tests := []struct {
		name       string
		authz      string
		wantReason string
	}{
		{name: "missing", authz: "", wantReason: jwt.ReasonMissingToken},
		{name: "wrong scheme", authz: "Basic dXNlcjpwYXNz", wantReason: jwt.ReasonMissingToken},
		{name: "empty bearer", authz: "Bearer ", wantReason: jwt.ReasonMissingToken},
		{name: "malformed", authz: "Bearer not-a-token", wantReason: jwt.ReasonMalformed},
		{name: "expired", authz: "Bearer " + expired, wantReason: jwt.ReasonExpired},
		{name: "bad signature", authz: "Bearer " + forged, wantReason: jwt.ReasonInvalidSignature},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			h := newHarness(t, harnessOptions{})
			h.members.SetRole("t1", "user-1", rbac.RoleOwner)

			r := newRequest(http.MethodGet, "/keys/teams/t1/keys", "", nil)
			if tt.authz != "" {
				r.Header.Set("Authorization", tt.authz)
			}
			rec := h.do(r)

			assert.Equal(t, http.StatusUnauthorized, rec.Code)
			assert.NotEmpty(t, rec.Header().Get(HeaderWWWAuthenticate))
			assert.Equal(t, CodeUnauthorized, decodeError(t, rec).Error)
			assert.Zero(t, h.calls.Load())

			events := h.events.all()
			require.Len(t, events, 1)
			assert.Equal(t, audit.AnonymousActor, events[0].Actor)
			assert.Equal(t, audit.OutcomeDenied, events[0].Outcome)
			assert.Equal(t, tt.wantReason, events[0].Metadata[audit.MetaReason])
			assert.Equal(t, ActionAuthenticate, events[0].Action)
		})
	}
}

func TestDispatcher_AuthorizationDenied(t *testing.T) {
	t.Parallel()

	storeErr := errors.New("membership database down")

	tests := []struct {
		name       string
		method     string
		path       string
		role       rbac.Role
		store      rbac.MembershipStore
		wantReason string
		wantRole   string
	}{
		{
			name: "viewer cannot delete", method: http.MethodDelete, path: "/keys/teams/t1/keys/k1",
			role: rbac.RoleViewer, wantReason: rbac.ReasonInsufficientRole, wantRole: "viewer",
		},
		{
			name: "viewer cannot create", method: http.MethodPost, path: "/keys/teams/t1/keys",
			role: rbac.RoleViewer, wantReason: rbac.ReasonInsufficientRole, wantRole: "viewer",
		},
		{
			name: "not a member", method: http.MethodGet, path: "/keys/teams/t2/keys",
			role: rbac.RoleOwner, wantReason: rbac.ReasonNotMember,
		},
		{
			name: "lookup failure fails closed", method: http.MethodGet, path: "/keys/teams/t1/keys",
			store: rbac.MembershipStoreFunc(func(context.Context, string, string) (rbac.Role, error) {
				return rbac.RoleNone, storeErr
			}),
			wantReason: rbac.ReasonLookupFailed,
		},
		{
			name: "unknown prefix", method: http.MethodGet, path: "/billing/invoices",
			role: rbac.RoleOwner, wantReason: ReasonNoRoute,
		},
		{
			name: "no rule in service", method: http.MethodGet, path: "/keys/export",
			role: rbac.RoleOwner, wantReason: ReasonNoRoute,
		},
		{
			name: "traversal", method: http.MethodGet, path: "/keys/teams/t1/../t2/keys",
			role: rbac.RoleOwner, wantReason: ReasonNoRoute,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			h := newHarness(t, harnessOptions{store: tt.store})
			if tt.role.Valid() {
				h.members.SetRole("t1", "user-1", tt.role)
			}

			r := newRequest(tt.method, "/", h.token(t, "user-1"), nil)
			r.URL.Path = tt.path
			rec := h.do(r)

			assert.Equal(t, http.StatusForbidden, rec.Code)
			assert.Equal(t, CodeForbidden, decodeError(t, rec).Error)
			assert.Zero(t, h.calls.Load())

			events := h.events.all()
			require.Len(t, events, 1)
			assert.Equal(t, "user-1", events[0].Actor)
			assert.Equal(t, audit.OutcomeDenied, events[0].Outcome)
			assert.Equal(t, tt.wantReason, events[0].Metadata[audit.MetaReason])
			if tt.wantRole != "" {
				assert.Equal(t, tt.wantRole, events[0].Metadata[audit.MetaRole])
			}
		})
	}
}

func TestDispatcher_AuthenticationOnlyRoute(t *testing.T) {
	t.Parallel()

	h := newHarness(t, harnessOptions{})

	r := newRequest(http.MethodGet, "/account/me", h.token(t, "user-9"), nil)
	r.Header.Set("X-Team-ID", "t1")
	rec := h.do(r)

	assert.Equal(t, http.StatusOK, rec.Code)
	up := <-h.upstream
	assert.Equal(t, "/me", up.URL.Path)
	assert.Equal(t, "user-9", up.Header.Get(HeaderPrincipalID))
	assert.Empty(t, up.Header.Get(HeaderTeamID))
	assert.Empty(t, up.Header.Get(HeaderPrincipalRole))

	events := h.events.all()
	require.Len(t, events, 1)
	assert.Equal(t, audit.OutcomeAllowed, events[0].Outcome)
	assert.Equal(t, ReasonAuthenticated, events[0].Metadata[audit.MetaReason])
	assert.NotContains(t, events[0].Metadata, audit.MetaTeamID)
}

func TestDispatcher_DownstreamTimeoutKeepsDecision(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	t.Cleanup(func() { close(release) })

	h := newHarness(t, harnessOptions{
		timeout: 50 * time.Millisecond,
		handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			select {
			case <-r.Context().Done():
			case <-release:
			}
			w.WriteHeader(http.StatusOK)
		}),
	})
	h.members.SetRole("t1", "user-1", rbac.RoleAdmin)

	rec := h.do(newRequest(http.MethodDelete, "/keys/teams/t1/keys/k1", h.token(t, "user-1"), nil))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	resp := decodeError(t, rec)
	assert.Equal(t, CodeServiceUnavailable, resp.Error)

	events := h.events.all()
	require.Len(t, events, 1)
	assert.Equal(t, audit.OutcomeAllowed, events[0].Outcome)
	assert.Equal(t, router.ActionDelete, events[0].Action)
	assert.Equal(t, "k1", events[0].ResourceID)
	assert.Equal(t, "admin", events[0].Metadata[audit.MetaRequired])
}

func TestDispatcher_DownstreamStatusPassesThrough(t *testing.T) {
	t.Parallel()

	h := newHarness(t, harnessOptions{
		handler: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/problem+json")
			w.WriteHeader(http.StatusConflict)
			_, _ = io.WriteString(w, `{"title":"exists"}`)
		}),
	})
	h.members.SetRole("t1", "user-1", rbac.RoleMember)

	rec := h.do(newRequest(http.MethodPost, "/keys/teams/t1/keys", h.token(t, "user-1"), strings.NewReader(`{}`)))

	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))
	assert.Equal(t, `{"title":"exists"}`, rec.Body.String())
}

func TestDispatcher_ClientCancelledBeforeDecision(t *testing.T) {
	t.Parallel()

	entered := make(chan struct{})
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })

	store := rbac.MembershipStoreFunc(func(ctx context.Context, _, _ string) (rbac.Role, error) {
		close(entered)
		select {
		case <-release:
		case <-ctx.Done():
		}
		return rbac.RoleNone, ctx.Err()
	})
	h := newHarness(t, harnessOptions{store: store})

	ctx, cancel := context.WithCancel(context.Background())
	r := newRequest(http.MethodGet, "/keys/teams/t1/keys", h.token(t, "user-1"), nil).WithContext(ctx)

	go func() {
		<-entered
		cancel()
	}()
	rec := h.do(r)

	assert.Zero(t, rec.Body.Len())
	assert.Zero(t, h.calls.Load())

	events := h.events.all()
	require.Len(t, events, 1)
	assert.Equal(t, audit.OutcomeError, events[0].Outcome)
	assert.Equal(t, ReasonClientCancelled, events[0].Metadata[audit.MetaReason])
}

func TestDispatcher_CachedDenialWithCancelledClient(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		member rbac.Role
		method string
		reason string
	}{
		{name: "not a member", member: rbac.RoleNone, method: http.MethodGet, reason: rbac.ReasonNotMember},
		{name: "insufficient role", member: rbac.RoleViewer, method: http.MethodDelete, reason: rbac.ReasonInsufficientRole},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			h := newHarness(t, harnessOptions{})
			if tt.member.Valid() {
				h.members.SetRole("t1", "user-1", tt.member)
			}
			token := h.token(t, "user-1")
			path := "/keys/teams/t1/keys/k1"

			// Warm the cache so the second decision needs no lookup.
			require.Equal(t, http.StatusForbidden, h.do(newRequest(tt.method, path, token, nil)).Code)

			ctx, cancel := context.WithCancel(context.Background())
			cancel()
			rec := h.do(newRequest(tt.method, path, token, nil).WithContext(ctx))

			assert.Equal(t, http.StatusForbidden, rec.Code)
			assert.Zero(t, h.calls.Load())

			events := h.events.all()
			require.Len(t, events, 2)
			assert.Equal(t, audit.OutcomeDenied, events[1].Outcome)
			assert.Equal(t, tt.reason, events[1].Metadata[audit.MetaReason])
		})
	}
}

// A full queue costs the oldest event, never the request.
func TestDispatcher_AuditQueueFull(t *testing.T) {
	t.Parallel()

	writer := audit.NewWriter(audit.NewMemoryStore(), audit.WriterConfig{
		QueueCapacity: 1,
		BatchSize:     1,
	}, audit.WithWriterRegisterer(prometheus.NewRegistry()))
	t.Cleanup(func() { _ = writer.Close(context.Background()) })

	h := newHarness(t, harnessOptions{recorder: writer})
	h.members.SetRole("t1", "user-1", rbac.RoleMember)
	token := h.token(t, "user-1")

	first := h.do(newRequest(http.MethodGet, "/keys/teams/t1/keys", token, nil))
	require.Equal(t, http.StatusOK, first.Code)
	assert.Zero(t, writer.Dropped())

	done := make(chan *httptest.ResponseRecorder, 1)
	go func() {
		done <- h.do(newRequest(http.MethodGet, "/keys/teams/t1/keys", token, nil))
	}()

	select {
	case rec := <-done:
		assert.Equal(t, http.StatusOK, rec.Code)
	case <-time.After(2 * time.Second):
		t.Fatal("request blocked on the audit queue")
	}
	assert.Equal(t, uint64(1), writer.Dropped())
	assert.Equal(t, 1, writer.Len())
	assert.Equal(t, int32(2), h.calls.Load())
}

// Secret material travels in request bodies and credentials. None of it
// may reach an audit record.
func TestDispatcher_AuditRedaction(t *testing.T) {
	t.Parallel()

	const sentinel = "SENTINEL-7f3c9a-do-not-log"

	var buf bytes.Buffer
	writer := audit.NewWriter(audit.NewStreamStore(&buf), audit.WriterConfig{
		QueueCapacity: 16,
		BatchSize:     4,
		FlushInterval: 10 * time.Millisecond,
	}, audit.WithWriterRegisterer(prometheus.NewRegistry()))
	writer.Start()

	log := &eventLog{}
	recorder := audit.RecorderFunc(func(e audit.Event) {
		log.Record(e)
		writer.Record(e)
	})

	h := newHarness(t, harnessOptions{recorder: recorder})
	h.members.SetRole("t1", "user-1", rbac.RoleMember)
	token := h.token(t, "user-1")

	body := `{"name":"db-password","value":"` + sentinel + `"}`
	r := newRequest(http.MethodPut, "/keys/teams/t1/keys/k1", token, strings.NewReader(body))
	r.Header.Set("X-Secret-Value", sentinel)
	rec := h.do(r)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), sentinel)

	denied := newRequest(http.MethodPut, "/keys/teams/t1/keys/k1", sentinel, strings.NewReader(body))
	assert.Equal(t, http.StatusUnauthorized, h.do(denied).Code)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, writer.Close(ctx))

	events := log.all()
	require.Len(t, events, 2)
	encoded, err := json.Marshal(events)
	require.NoError(t, err)
	assert.NotContains(t, string(encoded), sentinel)
	assert.NotContains(t, string(encoded), token)

	// Close waited for the final flush.
	assert.Contains(t, buf.String(), `"outcome":"allowed"`)
	assert.NotContains(t, buf.String(), sentinel)
	assert.NotContains(t, buf.String(), token)
}

func TestNewDispatcher_RequiresCollaborators(t *testing.T) {
	t.Parallel()

	_, err := NewDispatcher(nil, nil, nil, nil, nil)
	assert.Error(t, err)
}
