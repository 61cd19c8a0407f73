package gateway

import (
	"context"
	"net"
	"net/http"
)

type clientIPContextKey struct{}

// ContextWithClientIP records the client address resolved by the
// server, which knows the trusted proxies.
func ContextWithClientIP(ctx context.Context, ip string) context.Context {
	return context.WithValue(ctx, clientIPContextKey{}, ip)
}

// clientIP returns the address recorded by ContextWithClientIP, falling
// back to the connection's remote address.
func clientIP(r *http.Request) string {
	if ip, ok := r.Context().Value(clientIPContextKey{}).(string); ok && ip != "" {
		return ip
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
