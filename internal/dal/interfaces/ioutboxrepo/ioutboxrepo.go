package ioutboxrepo

import (
	"context"

	"github.com/hearthside/sync-gateway/internal/service/models/outbox"
)

// IOutboxRepository defines the interface for outbox operations.
type IOutboxRepository interface {
	// Insert appends a new entry to the outbox and returns it with its
	// assigned id and creation time
	Insert(ctx context.Context, entry outbox.OutboxEntry) (outbox.OutboxEntry, error)

	// GetAll retrieves every stored entry in insertion order
	GetAll(ctx context.Context) ([]outbox.OutboxEntry, error)

	// ReplaceUpTo atomically replaces the entries with id <= maxID with the
	// given survivors, preserving their ids and order. Entries appended
	// after the caller's snapshot are left untouched
	ReplaceUpTo(ctx context.Context, maxID int64, entries []outbox.OutboxEntry) error

	// DeleteByID removes a single entry; returns false when no such entry exists
	DeleteByID(ctx context.Context, id int64) (bool, error)

	// Count returns the number of currently stored entries
	Count(ctx context.Context) (int64, error)
}
