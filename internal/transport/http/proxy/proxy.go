package proxy

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/hearthside/sync-gateway/internal/metrics"
	"github.com/hearthside/sync-gateway/internal/service/models/outbox"
)

// service is an interface for the service layer.
type service interface {
	IsQueueableWrite(method, path string) bool
	UpstreamURL(u *url.URL) string
	Forward(
		ctx context.Context,
		method string,
		targetURL string,
		headers http.Header,
		body []byte,
	) (*http.Response, error)
	EnqueueWrite(
		ctx context.Context,
		method string,
		targetURL string,
		headers http.Header,
		body []byte,
	) (outbox.OutboxEntry, error)
}

// queuedResponse is the synthetic accepted-for-later-delivery body.
type queuedResponse struct {
	Queued  bool  `json:"queued"`
	EntryID int64 `json:"entryId,omitempty"`
}

// Proxy relays an intercepted request upstream. A live response, whatever its
// status, is passed through unchanged; a connectivity failure on a queueable
// write is captured into the outbox and answered with 202.
func Proxy(w http.ResponseWriter, r *http.Request, service service) {
	// The body stream is single-read: buffer it before the upstream attempt
	// so a failed send can still capture it.
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		slog.Error("Error reading request body for proxy", "error", err)

		return
	}

	targetURL := service.UpstreamURL(r.URL)

	resp, err := service.Forward(r.Context(), r.Method, targetURL, r.Header, body)
	if err == nil {
		defer resp.Body.Close()
		relay(w, resp)
		metrics.RequestsProxied.WithLabelValues("upstream").Inc()

		return
	}

	if !service.IsQueueableWrite(r.Method, r.URL.Path) {
		http.Error(w, "upstream unreachable", http.StatusBadGateway)
		slog.Error("Upstream unreachable for non-queueable request",
			"method", r.Method,
			"url", targetURL,
			"error", err,
		)
		metrics.RequestsProxied.WithLabelValues("error").Inc()

		return
	}

	entry, queueErr := service.EnqueueWrite(r.Context(), r.Method, targetURL, r.Header, body)
	if queueErr != nil {
		// The store failed too; losing the write silently is worse than an
		// error, so surface the outage.
		http.Error(w, "upstream unreachable", http.StatusBadGateway)
		slog.Error("Failed to queue write after upstream failure",
			"method", r.Method,
			"url", targetURL,
			"error", queueErr,
		)
		metrics.RequestsProxied.WithLabelValues("error").Inc()

		return
	}

	slog.Info("Write queued for later delivery",
		"outbox_id", entry.ID,
		"method", entry.Method,
		"url", entry.URL,
	)
	metrics.RequestsProxied.WithLabelValues("queued").Inc()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	if err := json.NewEncoder(w).Encode(queuedResponse{Queued: true, EntryID: entry.ID}); err != nil {
		slog.Error("Error sending queued response", "error", err)
	}
}

// relay copies an upstream response to the caller, dropping hop-by-hop
// headers that belong to the upstream connection rather than the response.
func relay(w http.ResponseWriter, resp *http.Response) {
	for name, values := range outbox.ProxyHeaders(resp.Header) {
		for _, value := range values {
			w.Header().Add(name, value)
		}
	}
	w.WriteHeader(resp.StatusCode)

	if _, err := io.Copy(w, resp.Body); err != nil {
		slog.Error("Error relaying upstream response body", "error", err)
	}
}
