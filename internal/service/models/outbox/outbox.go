package outbox

import (
	"net/http"
	"time"
)

// OutboxEntry represents a write request that failed to reach the remote
// backend and is queued for replay.
type OutboxEntry struct {
	ID        int64
	Method    string
	URL       string
	Headers   http.Header
	Body      []byte
	Attempts  int
	CreatedAt time.Time
}

// Clone returns a deep copy of the entry. An entry is never mutated in place;
// a drain pass keeps it whole or discards it whole.
func (e OutboxEntry) Clone() OutboxEntry {
	c := e
	c.Headers = e.Headers.Clone()
	c.Body = append([]byte(nil), e.Body...)

	return c
}

// hopHeaders are connection-scoped and must not be forwarded upstream.
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// ProxyHeaders returns a copy of h with hop-by-hop headers removed, suitable
// for carrying requests and responses across the proxy hop.
func ProxyHeaders(h http.Header) http.Header {
	out := h.Clone()
	for _, name := range hopHeaders {
		out.Del(name)
	}

	return out
}
