package triggersync

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

// service is an interface for the service layer.
type service interface {
	TriggerSync() bool
}

// triggerSyncResponse represents a trigger sync response.
type triggerSyncResponse struct {
	Accepted bool `json:"accepted"`
}

// TriggerSync handles a manual sync request. A trigger that lands while a
// drain is already pending is a no-op and still answered with 202.
func TriggerSync(w http.ResponseWriter, r *http.Request, service service) {
	accepted := service.TriggerSync()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	if err := json.NewEncoder(w).Encode(triggerSyncResponse{Accepted: accepted}); err != nil {
		slog.Error("Error sending response for trigger sync", "error", err)
	}
}
