package listentries

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/hearthside/sync-gateway/internal/service/models/outbox"
)

// service is an interface for the service layer.
type service interface {
	ListEntries(ctx context.Context) ([]outbox.OutboxEntry, error)
}

// entryInListResponse represents a queued entry in a list response. Bodies
// are elided; this is a diagnostics view.
type entryInListResponse struct {
	ID        int64     `json:"id"`
	Method    string    `json:"method"`
	URL       string    `json:"url"`
	Attempts  int       `json:"attempts"`
	CreatedAt time.Time `json:"createdAt"`
}

// listEntriesResponse represents a list entries response.
type listEntriesResponse struct {
	Entries []entryInListResponse `json:"entries"`
}

// ListEntries handles the outbox inspection request.
func ListEntries(w http.ResponseWriter, r *http.Request, service service) {
	entries, err := service.ListEntries(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		slog.Error("Error listing outbox entries", "error", err)

		return
	}

	resp := listEntriesResponse{
		Entries: make([]entryInListResponse, 0, len(entries)),
	}
	for _, entry := range entries {
		resp.Entries = append(resp.Entries, entryInListResponse{
			ID:        entry.ID,
			Method:    entry.Method,
			URL:       entry.URL,
			Attempts:  entry.Attempts,
			CreatedAt: entry.CreatedAt,
		})
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.Error("Error sending response for list entries", "error", err)
	}
}
