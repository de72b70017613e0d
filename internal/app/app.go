package app

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hearthside/sync-gateway/internal/dal/postgres"
	"github.com/hearthside/sync-gateway/internal/dal/rabbitmq"
	outboxrepo "github.com/hearthside/sync-gateway/internal/dal/repositories/outbox/postgres"
	"github.com/hearthside/sync-gateway/internal/otel"
	"github.com/hearthside/sync-gateway/internal/service/services/gatewaysvc"
	httptransport "github.com/hearthside/sync-gateway/internal/transport/http"
	syncworker "github.com/hearthside/sync-gateway/internal/worker/sync"
	"github.com/spf13/viper"
)

// App represents the application.
type App struct {
	gatewaySvc     *gatewaysvc.GatewayService
	transport      *httptransport.HTTPTransport
	syncWorker     *syncworker.Worker
	rabbitMqClient *rabbitmq.Client
	postgresClient *postgres.Client
	otelController *otel.OtelController
}

// MustNewApp creates a new application.
func MustNewApp() *App {
	otelController := otel.MustInitOtel()
	postgresClient := postgres.MustNewClient()
	rabbitMqClient := rabbitmq.MustNewClient()

	if _, err := rabbitMqClient.DeclareQueue(rabbitmq.DeclareQueueConfig{
		Name:    viper.GetString("rabbitmq.delivery_queue"),
		Durable: true,
	}); err != nil {
		panic(err)
	}

	outboxRepository := outboxrepo.NewOutboxRepository(postgresClient)

	syncWorker := syncworker.NewWorker(outboxRepository, rabbitMqClient)

	gatewaySvc := gatewaysvc.MustNewGatewayService(
		gatewaysvc.WithPostgresClient(postgresClient),
		gatewaysvc.WithOutboxRepository(outboxRepository),
		gatewaysvc.WithSyncTrigger(syncWorker.Kick),
	)

	transport := httptransport.NewHTTPTransport(gatewaySvc)
	transport.RegisterRoutes()

	return &App{
		gatewaySvc:     gatewaySvc,
		transport:      transport,
		syncWorker:     syncWorker,
		rabbitMqClient: rabbitMqClient,
		postgresClient: postgresClient,
		otelController: otelController,
	}
}

// Run starts the application.
// Tracks interrupt signal to gracefully shut down the application.
func (a *App) Run() {
	// Create a channel to receive OS signals
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		slog.Info("Starting HTTP server")
		if err := a.transport.Run(); err != nil {
			slog.Error("HTTP server error", "error", err)
		}
	}()

	go func() {
		slog.Info("Starting sync worker")
		a.syncWorker.Start(ctx)
	}()

	<-stop
	slog.Info("Shutdown signal received")
	cancel()

	a.gracefulShutdown()
}

// gracefulShutdown performs graceful shutdown of all application components.
// It shuts down components sequentially: sync worker, HTTP server, RabbitMQ,
// PostgreSQL, and OpenTelemetry.
func (a *App) gracefulShutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	a.syncWorker.Stop()
	slog.Info("Sync worker stopped gracefully")

	if err := a.transport.Shutdown(ctx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	} else {
		slog.Info("HTTP server stopped gracefully")
	}

	if err := a.rabbitMqClient.Close(); err != nil {
		slog.Error("RabbitMQ connection close error", "error", err)
	} else {
		slog.Info("RabbitMQ connection closed gracefully")
	}

	a.postgresClient.Close()

	if err := a.otelController.Shutdown(); err != nil {
		slog.Error("Otel trace provider connection close error", "error", err)
	} else {
		slog.Info("Otel trace provider connection closed gracefully")
	}

	slog.Info("Application shutdown complete")
}
