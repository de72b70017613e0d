package sync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/hearthside/sync-gateway/internal/dal/interfaces/ioutboxrepo"
	"github.com/hearthside/sync-gateway/internal/dal/rabbitmq"
	"github.com/hearthside/sync-gateway/internal/metrics"
	"github.com/hearthside/sync-gateway/internal/service/models/outbox"
	"github.com/spf13/viper"
	"go.opentelemetry.io/otel"
)

// Worker drains the outbox when connectivity is believed restored.
type Worker struct {
	outboxRepo    ioutboxrepo.IOutboxRepository
	rabbitClient  *rabbitmq.Client
	httpClient    *http.Client
	pollInterval  time.Duration
	maxAttempts   int
	maxAge        time.Duration
	haltOnFailure bool
	deliveryQueue string
	kickCh        chan struct{}
	stopCh        chan struct{}
	draining      atomic.Bool
}

// deliveryEvent is published after an entry is successfully replayed.
type deliveryEvent struct {
	EntryID     int64     `json:"entryId"`
	Method      string    `json:"method"`
	URL         string    `json:"url"`
	DeliveredAt time.Time `json:"deliveredAt"`
}

// NewWorker creates a new sync worker.
func NewWorker(
	outboxRepo ioutboxrepo.IOutboxRepository,
	rabbitClient *rabbitmq.Client,
) *Worker {
	pollIntervalSeconds := viper.GetInt("sync.poll_interval_seconds")
	if pollIntervalSeconds == 0 {
		pollIntervalSeconds = 60
	}

	maxAttempts := viper.GetInt("sync.max_attempts")
	if maxAttempts == 0 {
		maxAttempts = 25
	}

	maxAgeHours := viper.GetInt("sync.max_age_hours")
	if maxAgeHours == 0 {
		maxAgeHours = 168
	}

	haltOnFailure := true
	if viper.IsSet("sync.halt_on_failure") {
		haltOnFailure = viper.GetBool("sync.halt_on_failure")
	}

	timeoutSeconds := viper.GetInt("upstream.timeout_seconds")
	if timeoutSeconds == 0 {
		timeoutSeconds = 15
	}

	return &Worker{
		outboxRepo:   outboxRepo,
		rabbitClient: rabbitClient,
		httpClient: &http.Client{
			Timeout: time.Duration(timeoutSeconds) * time.Second,
		},
		pollInterval:  time.Duration(pollIntervalSeconds) * time.Second,
		maxAttempts:   maxAttempts,
		maxAge:        time.Duration(maxAgeHours) * time.Hour,
		haltOnFailure: haltOnFailure,
		deliveryQueue: viper.GetString("rabbitmq.delivery_queue"),
		kickCh:        make(chan struct{}, 1),
		stopCh:        make(chan struct{}),
	}
}

// Start begins draining the outbox on kicks and on the poll interval.
func (w *Worker) Start(ctx context.Context) {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	slog.Info("Sync worker started",
		"poll_interval", w.pollInterval,
		"halt_on_failure", w.haltOnFailure,
	)

	for {
		select {
		case <-ctx.Done():
			slog.Info("Sync worker shutting down")

			return
		case <-w.stopCh:
			slog.Info("Sync worker stopped")

			return
		case <-w.kickCh:
			w.drain(ctx)
		case <-ticker.C:
			w.drain(ctx)
		}
	}
}

// Stop stops the worker.
func (w *Worker) Stop() {
	close(w.stopCh)
}

// Kick requests a drain pass. Non-blocking; returns false when a kick is
// already pending.
func (w *Worker) Kick() bool {
	select {
	case w.kickCh <- struct{}{}:
		return true
	default:
		return false
	}
}

// drain replays every queued entry in insertion order and persists the
// survivors in a single atomic replace. Overlapping triggers are no-ops.
func (w *Worker) drain(ctx context.Context) {
	if !w.draining.CompareAndSwap(false, true) {
		return
	}
	defer w.draining.Store(false)

	ctx, span := otel.Tracer("sync-gateway").Start(ctx, "outbox.drain")
	defer span.End()

	start := time.Now()
	passID := uuid.NewString()

	entries, err := w.outboxRepo.GetAll(ctx)
	if err != nil {
		slog.Error("Failed to read outbox", "pass_id", passID, "error", err)
		metrics.DrainPasses.WithLabelValues("error").Inc()

		return
	}

	if len(entries) == 0 {
		metrics.DrainPasses.WithLabelValues("empty").Inc()

		return
	}

	slog.Info("Draining outbox", "pass_id", passID, "entries", len(entries))

	survivors := make([]outbox.OutboxEntry, 0, len(entries))
	result := "completed"

	for i, entry := range entries {
		err := w.replay(ctx, entry)
		if err == nil {
			slog.Info("Outbox entry delivered",
				"pass_id", passID,
				"outbox_id", entry.ID,
				"method", entry.Method,
				"url", entry.URL,
			)
			metrics.Replays.WithLabelValues("delivered").Inc()
			w.publishDelivered(entry)

			continue
		}

		retained := entry.Clone()
		retained.Attempts++

		slog.Warn("Outbox entry replay failed",
			"pass_id", passID,
			"outbox_id", entry.ID,
			"attempts", retained.Attempts,
			"error", err,
		)

		if w.shouldEvict(retained) {
			slog.Error("Evicting undeliverable outbox entry",
				"pass_id", passID,
				"outbox_id", retained.ID,
				"method", retained.Method,
				"url", retained.URL,
				"attempts", retained.Attempts,
				"age", time.Since(retained.CreatedAt).String(),
			)
			metrics.Replays.WithLabelValues("evicted").Inc()
		} else {
			survivors = append(survivors, retained)
			metrics.Replays.WithLabelValues("failed").Inc()
		}

		// Later entries may depend on this one having landed; halting keeps
		// them out of the backend's sight until the next pass.
		if w.haltOnFailure {
			survivors = append(survivors, entries[i+1:]...)
			result = "halted"

			break
		}
	}

	// The replace is bounded to the snapshot: entries enqueued while this
	// pass was replaying have higher ids and survive untouched.
	maxID := entries[len(entries)-1].ID
	if err := w.outboxRepo.ReplaceUpTo(ctx, maxID, survivors); err != nil {
		slog.Error("Failed to persist outbox survivors, old state retained",
			"pass_id", passID,
			"error", err,
		)
		metrics.DrainPasses.WithLabelValues("error").Inc()

		return
	}

	slog.Info("Drain pass finished",
		"pass_id", passID,
		"result", result,
		"remaining", len(survivors),
	)
	if count, err := w.outboxRepo.Count(ctx); err == nil {
		metrics.QueueDepth.Set(float64(count))
	}
	metrics.DrainPasses.WithLabelValues(result).Inc()
	metrics.ReplayDuration.Observe(time.Since(start).Seconds())
}

// replay re-issues a captured request. Only a 2xx response counts as
// delivered; a transport error or any other status retains the entry.
func (w *Worker) replay(ctx context.Context, entry outbox.OutboxEntry) error {
	req, err := http.NewRequestWithContext(ctx, entry.Method, entry.URL, bytes.NewReader(entry.Body))
	if err != nil {
		return fmt.Errorf("failed to build replay request: %w", err)
	}
	req.Header = outbox.ProxyHeaders(entry.Headers)

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("replay request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return fmt.Errorf("upstream returned status %d", resp.StatusCode)
	}

	return nil
}

// shouldEvict reports whether a retained entry has exhausted its retry budget.
func (w *Worker) shouldEvict(entry outbox.OutboxEntry) bool {
	if entry.Attempts > w.maxAttempts {
		return true
	}

	return !entry.CreatedAt.IsZero() && time.Since(entry.CreatedAt) > w.maxAge
}

// publishDelivered notifies the application layer that a queued write landed.
// Best-effort: delivery events are advisory.
func (w *Worker) publishDelivered(entry outbox.OutboxEntry) {
	if w.rabbitClient == nil || w.deliveryQueue == "" {
		return
	}

	payload, err := json.Marshal(deliveryEvent{
		EntryID:     entry.ID,
		Method:      entry.Method,
		URL:         entry.URL,
		DeliveredAt: time.Now(),
	})
	if err != nil {
		slog.Error("Failed to marshal delivery event", "outbox_id", entry.ID, "error", err)

		return
	}

	if err := w.rabbitClient.Publish(w.deliveryQueue, "application/json", payload); err != nil {
		slog.Warn("Failed to publish delivery event", "outbox_id", entry.ID, "error", err)
	}
}
