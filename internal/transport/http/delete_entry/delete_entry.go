package deleteentry

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
)

// service is an interface for the service layer.
type service interface {
	DeleteEntry(ctx context.Context, id int64) (bool, error)
}

// deleteEntryRequest represents a delete entry request.
type deleteEntryRequest struct {
	ID int64 `validate:"gt=0"`
}

// Validate validates the delete entry request.
func (r *deleteEntryRequest) Validate() error {
	return validator.New().Struct(r)
}

// DeleteEntry handles manual removal of a queued entry by id.
func DeleteEntry(w http.ResponseWriter, r *http.Request, service service) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		slog.Error("Error parsing entry id for delete", "error", err)

		return
	}

	req := deleteEntryRequest{ID: id}
	if err := req.Validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		slog.Error("Error validating delete entry request", "error", err)

		return
	}

	deleted, err := service.DeleteEntry(r.Context(), req.ID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		slog.Error("Error deleting outbox entry", "entry_id", req.ID, "error", err)

		return
	}

	if !deleted {
		http.Error(w, "entry not found", http.StatusNotFound)

		return
	}

	slog.Info("Outbox entry deleted manually", "entry_id", req.ID)
	w.WriteHeader(http.StatusNoContent)
}
