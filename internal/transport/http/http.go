package httptransport

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/hearthside/sync-gateway/internal/service/models/outbox"
	deleteentry "github.com/hearthside/sync-gateway/internal/transport/http/delete_entry"
	listentries "github.com/hearthside/sync-gateway/internal/transport/http/list_entries"
	"github.com/hearthside/sync-gateway/internal/transport/http/proxy"
	triggersync "github.com/hearthside/sync-gateway/internal/transport/http/trigger_sync"
	"github.com/hearthside/sync-gateway/pkg/http/middleware/trace"
	"github.com/hearthside/sync-gateway/pkg/logger"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/viper"
)

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
	ListEntries(ctx context.Context) ([]outbox.OutboxEntry, error)
	DeleteEntry(ctx context.Context, id int64) (bool, error)
	TriggerSync() bool
	Ping(ctx context.Context) error
}

type HTTPTransport struct {
	server  *http.Server
	router  *chi.Mux
	service service
}

func NewHTTPTransport(service service) *HTTPTransport {
	router := newRouter()
	server := newServer(router)
	return &HTTPTransport{
		server:  server,
		router:  router,
		service: service,
	}
}

func (h *HTTPTransport) Run() error {
	return h.server.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (h *HTTPTransport) Shutdown(ctx context.Context) error {
	return h.server.Shutdown(ctx)
}

// RegisterRoutes registers the routes for the HTTPTransport.
// Everything outside /internal and /metrics is intercepted and proxied.
func (h *HTTPTransport) RegisterRoutes() {
	h.router.Route("/internal", func(r chi.Router) {
		r.Get("/outbox", h.listEntries)
		r.Delete("/outbox/{id}", h.deleteEntry)
		r.Post("/sync", h.triggerSync)
		r.Get("/health", h.health)
	})

	h.router.Handle("/metrics", promhttp.Handler())

	h.router.NotFound(h.proxy)
	h.router.MethodNotAllowed(h.proxy)
}

func (h *HTTPTransport) proxy(w http.ResponseWriter, r *http.Request) {
	proxy.Proxy(w, r, h.service)
}

func (h *HTTPTransport) listEntries(w http.ResponseWriter, r *http.Request) {
	listentries.ListEntries(w, r, h.service)
}

func (h *HTTPTransport) deleteEntry(w http.ResponseWriter, r *http.Request) {
	deleteentry.DeleteEntry(w, r, h.service)
}

func (h *HTTPTransport) triggerSync(w http.ResponseWriter, r *http.Request) {
	triggersync.TriggerSync(w, r, h.service)
}

func (h *HTTPTransport) health(w http.ResponseWriter, r *http.Request) {
	if err := h.service.Ping(r.Context()); err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		slog.Error("Health check failed", "error", err)

		return
	}

	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte("ok")); err != nil {
		slog.Error("Error sending health response", "error", err)
	}
}

func newRouter() *chi.Mux {
	router := chi.NewMux()
	router.Use(middleware.RequestID)
	router.Use(logger.NewLoggerMiddleware(slog.Default()))
	router.Use(trace.NewTraceMiddleware)

	allowedOrigins := viper.GetStringSlice("server.http.cors.allowed_origins")
	allowedMethods := viper.GetStringSlice("server.http.cors.allowed_methods")
	allowedHeaders := viper.GetStringSlice("server.http.cors.allowed_headers")
	exposedHeaders := viper.GetStringSlice("server.http.cors.exposed_headers")
	allowCredentials := viper.GetBool("server.http.cors.allow_credentials")
	maxAge := viper.GetInt("server.http.cors.max_age")

	c := cors.New(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   allowedMethods,
		AllowedHeaders:   allowedHeaders,
		ExposedHeaders:   exposedHeaders,
		AllowCredentials: allowCredentials,
		MaxAge:           maxAge,
	})

	router.Use(c.Handler)

	return router
}

func newServer(router http.Handler) *http.Server {
	return &http.Server{
		Addr:    "0.0.0.0:" + viper.GetString("server.http.port"),
		Handler: router,
	}
}
