package gateway

import (
	"net"
	"net/http"
	"strings"

	"github.com/vyrodovalexey/keyarc-gateway/internal/observability"
)

// Headers set by the gateway on forwarded requests. Resource services
// must trust only these.
const (
	HeaderPrincipalID   = "X-Principal-ID"
	HeaderPrincipalRole = "X-Principal-Role"
	HeaderTeamID        = "X-Team-ID"
	HeaderRequestID     = "X-Request-ID"

	headerForwardedFor   = "X-Forwarded-For"
	headerForwardedProto = "X-Forwarded-Proto"
	headerForwardedHost  = "X-Forwarded-Host"
	principalPrefix      = "X-Principal-"
)

// hopHeaders are removed from both directions.
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// Identity is the verified context injected into a forwarded request.
type Identity struct {
	PrincipalID string
	TeamID      string
	Role        string
	RequestID   string
}

// removeHopHeaders deletes hop-by-hop headers, including those named by
// the Connection header.
func removeHopHeaders(h http.Header) {
	for _, v := range h.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				h.Del(name)
			}
		}
	}
	for _, name := range hopHeaders {
		h.Del(name)
	}
}

// outboundHeaders builds the headers of a forwarded request from the
// client request. Credentials and identity headers from the client are
// never passed through.
func outboundHeaders(r *http.Request, id Identity) http.Header {
	h := r.Header.Clone()
	if h == nil {
		h = make(http.Header)
	}
	removeHopHeaders(h)
	h.Del("Authorization")
	h.Del("Cookie")
	h.Del(HeaderTeamID)
	for name := range h {
		if strings.HasPrefix(name, principalPrefix) {
			delete(h, name)
		}
	}

	h.Set(HeaderPrincipalID, id.PrincipalID)
	if id.TeamID != "" {
		h.Set(HeaderTeamID, id.TeamID)
	}
	if id.Role != "" {
		h.Set(HeaderPrincipalRole, id.Role)
	}
	if id.RequestID != "" {
		h.Set(HeaderRequestID, id.RequestID)
	}

	if clientIP, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		if prior := h.Values(headerForwardedFor); len(prior) > 0 {
			clientIP = strings.Join(prior, ", ") + ", " + clientIP
		}
		h.Set(headerForwardedFor, clientIP)
	}
	proto := "http"
	if r.TLS != nil {
		proto = "https"
	}
	h.Set(headerForwardedProto, proto)
	h.Set(headerForwardedHost, r.Host)

	observability.InjectHeaders(r.Context(), h)
	return h
}

// copyResponseHeaders copies downstream response headers to the client.
func copyResponseHeaders(dst, src http.Header) {
	for name, values := range src {
		for _, v := range values {
			dst.Add(name, v)
		}
	}
	removeHopHeaders(dst)
}
