package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	sq "github.com/Masterminds/squirrel"
	"github.com/hearthside/sync-gateway/internal/dal/postgres"
	"github.com/hearthside/sync-gateway/internal/service/models/outbox"
)

// OutboxRepository implements the outbox repository for PostgreSQL.
type OutboxRepository struct {
	client *postgres.Client
}

// NewOutboxRepository creates a new outbox repository.
func NewOutboxRepository(client *postgres.Client) *OutboxRepository {
	return &OutboxRepository{
		client: client,
	}
}

// Insert appends a new entry to the outbox.
func (r *OutboxRepository) Insert(
	ctx context.Context,
	entry outbox.OutboxEntry,
) (outbox.OutboxEntry, error) {
	headers, err := json.Marshal(entry.Headers)
	if err != nil {
		return outbox.OutboxEntry{}, fmt.Errorf("failed to marshal entry headers: %w", err)
	}

	query, args, err := sq.Insert("outbox_entries").
		Columns(
			"method",
			"url",
			"headers",
			"body",
			"attempts",
		).
		Values(
			entry.Method,
			entry.URL,
			headers,
			string(entry.Body),
			entry.Attempts,
		).
		Suffix("RETURNING id, created_at").
		PlaceholderFormat(sq.Dollar).
		ToSql()
	if err != nil {
		return outbox.OutboxEntry{}, fmt.Errorf("failed to build insert query: %w", err)
	}

	row := r.client.Pool().QueryRow(ctx, query, args...)
	if err := row.Scan(&entry.ID, &entry.CreatedAt); err != nil {
		return outbox.OutboxEntry{}, fmt.Errorf("failed to insert outbox entry: %w", err)
	}

	return entry, nil
}

// GetAll retrieves every stored entry in insertion order.
func (r *OutboxRepository) GetAll(ctx context.Context) ([]outbox.OutboxEntry, error) {
	query, args, err := sq.Select(
		"id",
		"method",
		"url",
		"headers",
		"body",
		"attempts",
		"created_at",
	).
		From("outbox_entries").
		OrderBy("id ASC").
		PlaceholderFormat(sq.Dollar).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build select query: %w", err)
	}

	rows, err := r.client.Pool().Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query outbox entries: %w", err)
	}
	defer rows.Close()

	var entries []outbox.OutboxEntry
	for rows.Next() {
		var (
			entry   outbox.OutboxEntry
			headers []byte
			body    string
		)
		err := rows.Scan(
			&entry.ID,
			&entry.Method,
			&entry.URL,
			&headers,
			&body,
			&entry.Attempts,
			&entry.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan outbox entry: %w", err)
		}

		entry.Headers = http.Header{}
		if err := json.Unmarshal(headers, &entry.Headers); err != nil {
			return nil, fmt.Errorf("failed to unmarshal entry headers: %w", err)
		}
		entry.Body = []byte(body)

		entries = append(entries, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating outbox entries: %w", err)
	}

	return entries, nil
}

// ReplaceUpTo atomically replaces the entries with id <= maxID with the given
// survivors, preserving their ids and order. Entries inserted after the
// caller's snapshot have higher ids and are left untouched. A crash mid-call
// leaves the previous committed state intact.
func (r *OutboxRepository) ReplaceUpTo(
	ctx context.Context,
	maxID int64,
	entries []outbox.OutboxEntry,
) error {
	tx, err := r.client.Pool().Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin replace transaction: %w", err)
	}
	// Rollback after a successful commit is a no-op.
	defer func() { _ = tx.Rollback(ctx) }()

	deleteQuery, deleteArgs, err := sq.Delete("outbox_entries").
		Where(sq.LtOrEq{"id": maxID}).
		PlaceholderFormat(sq.Dollar).
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build delete query: %w", err)
	}

	if _, err := tx.Exec(ctx, deleteQuery, deleteArgs...); err != nil {
		return fmt.Errorf("failed to clear outbox: %w", err)
	}

	if len(entries) > 0 {
		builder := sq.Insert("outbox_entries").
			Columns(
				"id",
				"method",
				"url",
				"headers",
				"body",
				"attempts",
				"created_at",
			).
			PlaceholderFormat(sq.Dollar)

		for _, entry := range entries {
			headers, err := json.Marshal(entry.Headers)
			if err != nil {
				return fmt.Errorf("failed to marshal entry headers: %w", err)
			}

			builder = builder.Values(
				entry.ID,
				entry.Method,
				entry.URL,
				headers,
				string(entry.Body),
				entry.Attempts,
				entry.CreatedAt,
			)
		}

		insertQuery, insertArgs, err := builder.ToSql()
		if err != nil {
			return fmt.Errorf("failed to build insert query: %w", err)
		}

		if _, err := tx.Exec(ctx, insertQuery, insertArgs...); err != nil {
			return fmt.Errorf("failed to repopulate outbox: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit replace transaction: %w", err)
	}

	return nil
}

// DeleteByID removes a single entry from the outbox.
func (r *OutboxRepository) DeleteByID(ctx context.Context, id int64) (bool, error) {
	query, args, err := sq.Delete("outbox_entries").
		Where(sq.Eq{"id": id}).
		PlaceholderFormat(sq.Dollar).
		ToSql()
	if err != nil {
		return false, fmt.Errorf("failed to build delete query: %w", err)
	}

	tag, err := r.client.Pool().Exec(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("failed to delete outbox entry: %w", err)
	}

	return tag.RowsAffected() > 0, nil
}

// Count returns the number of currently stored entries.
func (r *OutboxRepository) Count(ctx context.Context) (int64, error) {
	query, args, err := sq.Select("COUNT(*)").
		From("outbox_entries").
		PlaceholderFormat(sq.Dollar).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("failed to build count query: %w", err)
	}

	var count int64
	row := r.client.Pool().QueryRow(ctx, query, args...)
	if err := row.Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count outbox entries: %w", err)
	}

	return count, nil
}
