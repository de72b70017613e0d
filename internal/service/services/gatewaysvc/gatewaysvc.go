package gatewaysvc

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hearthside/sync-gateway/internal/dal/interfaces/ioutboxrepo"
	"github.com/hearthside/sync-gateway/internal/dal/postgres"
	"github.com/hearthside/sync-gateway/internal/metrics"
	"github.com/hearthside/sync-gateway/internal/service/models/outbox"
	"github.com/spf13/viper"
)

// queueableMethods are the mutating verbs subject to offline queuing.
var queueableMethods = map[string]struct{}{
	http.MethodPost:   {},
	http.MethodPut:    {},
	http.MethodPatch:  {},
	http.MethodDelete: {},
}

// GatewayService routes intercepted requests between the upstream backend and
// the durable outbox.
type GatewayService struct {
	pgClient    *postgres.Client
	outboxRepo  ioutboxrepo.IOutboxRepository
	httpClient  *http.Client
	upstream    *url.URL
	writePrefix string
	syncTrigger func() bool
}

// option is a function that configures the GatewayService.
type option func(*GatewayService)

// MustNewGatewayService creates a new GatewayService.
func MustNewGatewayService(opts ...option) *GatewayService {
	upstream, err := url.Parse(viper.GetString("upstream.base_url"))
	if err != nil {
		panic("invalid upstream.base_url: " + err.Error())
	}

	writePrefix := viper.GetString("upstream.write_prefix")
	if writePrefix == "" {
		writePrefix = "/data/"
	}

	timeoutSeconds := viper.GetInt("upstream.timeout_seconds")
	if timeoutSeconds == 0 {
		timeoutSeconds = 15
	}

	s := &GatewayService{
		httpClient: &http.Client{
			Timeout: time.Duration(timeoutSeconds) * time.Second,
		},
		upstream:    upstream,
		writePrefix: writePrefix,
	}
	for _, opt := range opts {
		opt(s)
	}

	return s
}

// WithPostgresClient sets the Postgres client for the GatewayService.
//
//goland:noinspection GoExportedFuncWithUnexportedType
func WithPostgresClient(pgClient *postgres.Client) option {
	return func(s *GatewayService) {
		s.pgClient = pgClient
	}
}

// WithOutboxRepository sets the outbox repository for the GatewayService.
//
//goland:noinspection GoExportedFuncWithUnexportedType
func WithOutboxRepository(repo ioutboxrepo.IOutboxRepository) option {
	return func(s *GatewayService) {
		s.outboxRepo = repo
	}
}

// WithSyncTrigger sets the deferred-sync trigger requested after an enqueue.
//
//goland:noinspection GoExportedFuncWithUnexportedType
func WithSyncTrigger(trigger func() bool) option {
	return func(s *GatewayService) {
		s.syncTrigger = trigger
	}
}

// WithHTTPClient sets the upstream HTTP client for the GatewayService.
//
//goland:noinspection GoExportedFuncWithUnexportedType
func WithHTTPClient(client *http.Client) option {
	return func(s *GatewayService) {
		s.httpClient = client
	}
}

// IsQueueableWrite reports whether a request targets the backend's write
// endpoint with a mutating method and is therefore subject to offline queuing.
func (s *GatewayService) IsQueueableWrite(method, path string) bool {
	if _, ok := queueableMethods[method]; !ok {
		return false
	}

	return strings.HasPrefix(path, s.writePrefix)
}

// UpstreamURL resolves the original request URL against the upstream base.
// Percent-encoded path segments are carried through unchanged.
func (s *GatewayService) UpstreamURL(u *url.URL) string {
	target := *s.upstream
	base := strings.TrimSuffix(target.Path, "/")
	baseRaw := strings.TrimSuffix(target.EscapedPath(), "/")
	target.Path = base + u.Path
	target.RawPath = baseRaw + u.EscapedPath()
	target.RawQuery = u.RawQuery

	return target.String()
}

// Forward sends the request upstream and returns the live response. A non-nil
// response is returned whatever its status; an error means no response at all
// was obtained (the connectivity-failure case).
func (s *GatewayService) Forward(
	ctx context.Context,
	method string,
	targetURL string,
	headers http.Header,
	body []byte,
) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, targetURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build upstream request: %w", err)
	}
	req.Header = outbox.ProxyHeaders(headers)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upstream request failed: %w", err)
	}

	return resp, nil
}

// EnqueueWrite captures a failed write into the outbox and requests a
// deferred sync. Headers and body are stored verbatim so replay is
// indistinguishable from the original call.
func (s *GatewayService) EnqueueWrite(
	ctx context.Context,
	method string,
	targetURL string,
	headers http.Header,
	body []byte,
) (outbox.OutboxEntry, error) {
	entry, err := s.outboxRepo.Insert(ctx, outbox.OutboxEntry{
		Method:  method,
		URL:     targetURL,
		Headers: headers.Clone(),
		Body:    append([]byte(nil), body...),
	})
	if err != nil {
		return outbox.OutboxEntry{}, fmt.Errorf("failed to enqueue write: %w", err)
	}

	s.refreshQueueDepth(ctx)

	// Deferred-sync registration is best-effort: no registered trigger is
	// not an error.
	if s.syncTrigger != nil {
		s.syncTrigger()
	}

	return entry, nil
}

// ListEntries returns every queued entry in insertion order.
func (s *GatewayService) ListEntries(ctx context.Context) ([]outbox.OutboxEntry, error) {
	return s.outboxRepo.GetAll(ctx)
}

// DeleteEntry removes a single queued entry, used to clear poison entries.
func (s *GatewayService) DeleteEntry(ctx context.Context, id int64) (bool, error) {
	deleted, err := s.outboxRepo.DeleteByID(ctx, id)
	if err != nil {
		return false, err
	}
	if deleted {
		s.refreshQueueDepth(ctx)
	}

	return deleted, nil
}

// refreshQueueDepth re-reads the stored entry count so the depth gauge always
// reflects the store rather than a running delta. Best-effort.
func (s *GatewayService) refreshQueueDepth(ctx context.Context) {
	if count, err := s.outboxRepo.Count(ctx); err == nil {
		metrics.QueueDepth.Set(float64(count))
	}
}

// TriggerSync kicks the sync worker. Returns false when no worker is wired or
// a drain is already pending.
func (s *GatewayService) TriggerSync() bool {
	if s.syncTrigger == nil {
		return false
	}

	return s.syncTrigger()
}

// Ping checks the durable store.
func (s *GatewayService) Ping(ctx context.Context) error {
	if s.pgClient == nil {
		return nil
	}

	return s.pgClient.Ping(ctx)
}
