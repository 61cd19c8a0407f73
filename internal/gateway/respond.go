package gateway

import (
	"encoding/json"
	"net/http"
)

// Header names and values used in gateway-originated responses.
const (
	HeaderContentType     = "Content-Type"
	HeaderRetryAfter      = "Retry-After"
	HeaderWWWAuthenticate = "WWW-Authenticate"
	ContentTypeJSON       = "application/json"
)

// StatusClientClosedRequest is recorded when the client went away before
// a response could be written.
const StatusClientClosedRequest = 499

// WriteError writes a gateway-originated JSON error.
func WriteError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set(HeaderContentType, ContentTypeJSON)
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorResponse{Error: code, Message: message})
}
