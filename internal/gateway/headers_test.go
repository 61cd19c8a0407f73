package gateway

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOutboundHeaders(t *testing.T) {
	t.Parallel()

	r := httptest.NewRequest(http.MethodGet, "http://gw.local/keys/teams/t1/keys", nil)
	r.RemoteAddr = "203.0.113.7:51000"
	r.Header.Set("Authorization", "Bearer secret-token")
	r.Header.Set("Cookie", "session=abc")
	r.Header.Set("X-Principal-ID", "forged")
	r.Header.Set("X-Principal-Role", "owner")
	r.Header.Set("X-Principal-Anything", "forged")
	r.Header.Set("X-Team-ID", "other-team")
	r.Header.Set("Connection", "keep-alive, X-Hop")
	r.Header.Set("X-Hop", "1")
	r.Header.Set("Keep-Alive", "timeout=5")
	r.Header.Set("X-Forwarded-For", "198.51.100.1")
	r.Header.Set("Accept", "application/json")

	h := outboundHeaders(r, Identity{PrincipalID: "user-1", TeamID: "t1", Role: "member", RequestID: "req-1"})

	assert.Empty(t, h.Get("Authorization"))
	assert.Empty(t, h.Get("Cookie"))
	assert.Empty(t, h.Get("X-Principal-Anything"))
	assert.Empty(t, h.Get("Connection"))
	assert.Empty(t, h.Get("X-Hop"))
	assert.Empty(t, h.Get("Keep-Alive"))

	assert.Equal(t, "user-1", h.Get(HeaderPrincipalID))
	assert.Equal(t, "member", h.Get(HeaderPrincipalRole))
	assert.Equal(t, "t1", h.Get(HeaderTeamID))
	assert.Equal(t, "req-1", h.Get(HeaderRequestID))
	assert.Equal(t, "198.51.100.1, 203.0.113.7", h.Get("X-Forwarded-For"))
	assert.Equal(t, "http", h.Get("X-Forwarded-Proto"))
	assert.Equal(t, "gw.local", h.Get("X-Forwarded-Host"))
	assert.Equal(t, "application/json", h.Get("Accept"))

	// The client request is untouched.
	assert.Equal(t, "Bearer secret-token", r.Header.Get("Authorization"))
}

func TestOutboundHeaders_AuthenticationOnly(t *testing.T) {
	t.Parallel()

	r := httptest.NewRequest(http.MethodGet, "/account/me", nil)
	r.Header.Set("X-Team-ID", "forged")
	r.Header.Set("X-Principal-Role", "owner")

	h := outboundHeaders(r, Identity{PrincipalID: "user-1"})

	assert.Equal(t, "user-1", h.Get(HeaderPrincipalID))
	assert.Empty(t, h.Values(HeaderTeamID))
	assert.Empty(t, h.Values(HeaderPrincipalRole))
}

func TestCopyResponseHeaders(t *testing.T) {
	t.Parallel()

	src := http.Header{}
	src.Add("Content-Type", "application/json")
	src.Add("Set-Cookie", "a=1")
	src.Add("Set-Cookie", "b=2")
	src.Set("Transfer-Encoding", "chunked")
	src.Set("Upgrade", "h2c")

	dst := http.Header{}
	copyResponseHeaders(dst, src)

	assert.Equal(t, "application/json", dst.Get("Content-Type"))
	assert.Equal(t, []string{"a=1", "b=2"}, dst.Values("Set-Cookie"))
	assert.Empty(t, dst.Get("Transfer-Encoding"))
	assert.Empty(t, dst.Get("Upgrade"))
}
