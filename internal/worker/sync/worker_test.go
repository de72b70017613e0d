package sync

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	stdsync "sync"
	"testing"
	"time"

	"github.com/hearthside/sync-gateway/internal/service/models/outbox"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubOutboxRepo is an in-memory outbox that counts repository calls.
type stubOutboxRepo struct {
	mu             stdsync.Mutex
	entries        []outbox.OutboxEntry
	nextID         int64
	getAllCalls    int
	replaceUpCalls int
}

func (s *stubOutboxRepo) Insert(_ context.Context, entry outbox.OutboxEntry) (outbox.OutboxEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	entry.ID = s.nextID
	s.entries = append(s.entries, entry.Clone())

	return entry, nil
}

func (s *stubOutboxRepo) GetAll(_ context.Context) ([]outbox.OutboxEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.getAllCalls++

	out := make([]outbox.OutboxEntry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e.Clone())
	}

	return out, nil
}

func (s *stubOutboxRepo) ReplaceUpTo(_ context.Context, maxID int64, entries []outbox.OutboxEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.replaceUpCalls++

	replaced := make([]outbox.OutboxEntry, 0, len(entries))
	for _, e := range entries {
		replaced = append(replaced, e.Clone())
	}
	for _, e := range s.entries {
		if e.ID > maxID {
			replaced = append(replaced, e.Clone())
		}
	}
	s.entries = replaced

	return nil
}

func (s *stubOutboxRepo) DeleteByID(_ context.Context, id int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, e := range s.entries {
		if e.ID == id {
			s.entries = append(s.entries[:i], s.entries[i+1:]...)

			return true, nil
		}
	}

	return false, nil
}

func (s *stubOutboxRepo) Count(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return int64(len(s.entries)), nil
}

func (s *stubOutboxRepo) stored() []outbox.OutboxEntry {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]outbox.OutboxEntry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e.Clone())
	}

	return out
}

// recordingUpstream captures replayed requests in arrival order.
type recordingUpstream struct {
	mu       stdsync.Mutex
	requests []recordedRequest
	status   int
}

type recordedRequest struct {
	method string
	path   string
	header http.Header
	body   []byte
}

func (u *recordingUpstream) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)

		u.mu.Lock()
		u.requests = append(u.requests, recordedRequest{
			method: r.Method,
			path:   r.URL.Path,
			header: r.Header.Clone(),
			body:   body,
		})
		status := u.status
		u.mu.Unlock()

		if status == 0 {
			status = http.StatusOK
		}
		w.WriteHeader(status)
	}
}

func (u *recordingUpstream) recorded() []recordedRequest {
	u.mu.Lock()
	defer u.mu.Unlock()

	return append([]recordedRequest(nil), u.requests...)
}

func newTestWorker(t *testing.T, repo *stubOutboxRepo, haltOnFailure bool) *Worker {
	t.Helper()

	viper.Set("sync.poll_interval_seconds", 3600)
	viper.Set("sync.halt_on_failure", haltOnFailure)
	viper.Set("sync.max_attempts", 3)
	viper.Set("sync.max_age_hours", 168)
	viper.Set("upstream.timeout_seconds", 2)

	return NewWorker(repo, nil)
}

func seed(t *testing.T, repo *stubOutboxRepo, method, url, body string) outbox.OutboxEntry {
	t.Helper()

	entry, err := repo.Insert(context.Background(), outbox.OutboxEntry{
		Method:  method,
		URL:     url,
		Headers: http.Header{"Content-Type": {"application/json"}},
		Body:    []byte(body),
	})
	require.NoError(t, err)

	return entry
}

func TestDrainReplaysInFIFOOrder(t *testing.T) {
	upstream := &recordingUpstream{}
	server := httptest.NewServer(upstream.handler())
	defer server.Close()

	repo := &stubOutboxRepo{}
	seed(t, repo, http.MethodPost, server.URL+"/data/clients", `{"name":"Avery"}`)
	seed(t, repo, http.MethodPut, server.URL+"/data/clients/1", `{"name":"Avery B."}`)

	w := newTestWorker(t, repo, true)
	w.drain(context.Background())

	recorded := upstream.recorded()
	require.Len(t, recorded, 2)
	assert.Equal(t, http.MethodPost, recorded[0].method)
	assert.Equal(t, "/data/clients", recorded[0].path)
	assert.Equal(t, http.MethodPut, recorded[1].method)
	assert.Equal(t, "/data/clients/1", recorded[1].path)

	assert.Empty(t, repo.stored(), "delivered entries are dropped")
}

func TestDrainReplaysBodyAndHeadersVerbatim(t *testing.T) {
	upstream := &recordingUpstream{}
	server := httptest.NewServer(upstream.handler())
	defer server.Close()

	repo := &stubOutboxRepo{}
	body := `{"name":"Avery","notes":"prefers ground floor é"}`
	seed(t, repo, http.MethodPost, server.URL+"/data/clients", body)

	w := newTestWorker(t, repo, true)
	w.drain(context.Background())

	recorded := upstream.recorded()
	require.Len(t, recorded, 1)
	assert.Equal(t, []byte(body), recorded[0].body)
	assert.Equal(t, "application/json", recorded[0].header.Get("Content-Type"))
}

func TestDrainRetainsFailedEntry(t *testing.T) {
	upstream := &recordingUpstream{}
	server := httptest.NewServer(upstream.handler())
	defer server.Close()

	repo := &stubOutboxRepo{}
	seed(t, repo, http.MethodPost, server.URL+"/data/clients", `{"name":"A"}`)
	unreachable := seed(t, repo, http.MethodPut, "http://127.0.0.1:1/data/clients/1", `{"name":"B"}`)

	w := newTestWorker(t, repo, true)
	w.drain(context.Background())

	stored := repo.stored()
	require.Len(t, stored, 1)
	assert.Equal(t, unreachable.ID, stored[0].ID)
	assert.Equal(t, 1, stored[0].Attempts)
	assert.Equal(t, unreachable.Body, stored[0].Body)
}

func TestDrainRetainsOnUpstreamRejection(t *testing.T) {
	upstream := &recordingUpstream{status: http.StatusInternalServerError}
	server := httptest.NewServer(upstream.handler())
	defer server.Close()

	repo := &stubOutboxRepo{}
	seed(t, repo, http.MethodPost, server.URL+"/data/clients", `{"name":"A"}`)

	w := newTestWorker(t, repo, true)
	w.drain(context.Background())

	stored := repo.stored()
	require.Len(t, stored, 1)
	assert.Equal(t, 1, stored[0].Attempts)
}

func TestDrainHaltsOnFirstFailure(t *testing.T) {
	upstream := &recordingUpstream{}
	server := httptest.NewServer(upstream.handler())
	defer server.Close()

	repo := &stubOutboxRepo{}
	failed := seed(t, repo, http.MethodPost, "http://127.0.0.1:1/data/clients", `{"name":"A"}`)
	dependent := seed(t, repo, http.MethodPut, server.URL+"/data/clients/1", `{"name":"A2"}`)

	w := newTestWorker(t, repo, true)
	w.drain(context.Background())

	// The dependent update was never shown to the backend.
	assert.Empty(t, upstream.recorded())

	stored := repo.stored()
	require.Len(t, stored, 2)
	assert.Equal(t, failed.ID, stored[0].ID)
	assert.Equal(t, 1, stored[0].Attempts)
	assert.Equal(t, dependent.ID, stored[1].ID)
	assert.Equal(t, 0, stored[1].Attempts, "unattempted entries are retained untouched")
}

func TestDrainContinuesPastFailureWhenConfigured(t *testing.T) {
	upstream := &recordingUpstream{}
	server := httptest.NewServer(upstream.handler())
	defer server.Close()

	repo := &stubOutboxRepo{}
	failed := seed(t, repo, http.MethodPost, "http://127.0.0.1:1/data/clients", `{"name":"A"}`)
	seed(t, repo, http.MethodPost, server.URL+"/data/visits", `{"clientId":2}`)

	w := newTestWorker(t, repo, false)
	w.drain(context.Background())

	require.Len(t, upstream.recorded(), 1)

	stored := repo.stored()
	require.Len(t, stored, 1)
	assert.Equal(t, failed.ID, stored[0].ID)
}

func TestDrainOnEmptyOutboxIsNoOp(t *testing.T) {
	repo := &stubOutboxRepo{}

	w := newTestWorker(t, repo, true)
	w.drain(context.Background())

	repo.mu.Lock()
	defer repo.mu.Unlock()
	assert.Equal(t, 1, repo.getAllCalls)
	assert.Equal(t, 0, repo.replaceUpCalls, "no replace is issued for an empty pass")
}

func TestDrainEvictsExhaustedEntry(t *testing.T) {
	repo := &stubOutboxRepo{}
	entry := seed(t, repo, http.MethodPost, "http://127.0.0.1:1/data/clients", `{"name":"A"}`)
	entry.Attempts = 3
	require.NoError(t, repo.ReplaceUpTo(context.Background(), entry.ID, []outbox.OutboxEntry{entry}))

	w := newTestWorker(t, repo, true)
	w.drain(context.Background())

	assert.Empty(t, repo.stored(), "entry past the retry budget is dropped")
}

func TestDrainEvictsStaleEntry(t *testing.T) {
	repo := &stubOutboxRepo{}
	entry := seed(t, repo, http.MethodPost, "http://127.0.0.1:1/data/clients", `{"name":"A"}`)
	entry.CreatedAt = time.Now().Add(-14 * 24 * time.Hour)
	require.NoError(t, repo.ReplaceUpTo(context.Background(), entry.ID, []outbox.OutboxEntry{entry}))

	w := newTestWorker(t, repo, true)
	w.drain(context.Background())

	assert.Empty(t, repo.stored(), "entry older than the age cap is dropped")
}

func TestDrainKeepsEntryQueuedMidPass(t *testing.T) {
	repo := &stubOutboxRepo{}

	// The upstream handler stands in for a caller enqueueing another write
	// while the pass is replaying.
	var midPass outbox.OutboxEntry
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var err error
		midPass, err = repo.Insert(r.Context(), outbox.OutboxEntry{
			Method: http.MethodPost,
			URL:    "http://127.0.0.1:1/data/visits",
			Body:   []byte(`{"clientId":7}`),
		})
		require.NoError(t, err)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	seed(t, repo, http.MethodPost, server.URL+"/data/clients", `{"name":"Avery"}`)

	w := newTestWorker(t, repo, true)
	w.drain(context.Background())

	stored := repo.stored()
	require.Len(t, stored, 1, "a write accepted during the pass must survive it")
	assert.Equal(t, midPass.ID, stored[0].ID)
	assert.Equal(t, midPass.Body, stored[0].Body)
	assert.Equal(t, 0, stored[0].Attempts)
}

func TestPublishDeliveredWithoutBroker(t *testing.T) {
	w := newTestWorker(t, &stubOutboxRepo{}, true)

	// No broker wired: delivery events are advisory and must be skipped.
	w.publishDelivered(outbox.OutboxEntry{
		ID:     1,
		Method: http.MethodPost,
		URL:    "http://backend:9090/data/clients",
	})
}

func TestDrainSkipsWhenAlreadyDraining(t *testing.T) {
	repo := &stubOutboxRepo{}

	w := newTestWorker(t, repo, true)
	w.draining.Store(true)
	w.drain(context.Background())

	repo.mu.Lock()
	defer repo.mu.Unlock()
	assert.Equal(t, 0, repo.getAllCalls, "an overlapping drain is a no-op")
}

func TestKickIsNonBlocking(t *testing.T) {
	repo := &stubOutboxRepo{}
	w := newTestWorker(t, repo, true)

	assert.True(t, w.Kick())
	assert.False(t, w.Kick(), "a second kick while one is pending is dropped")
}
