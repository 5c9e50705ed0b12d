// Package main is the eventhubd entry point: it loads configuration, wires
// the storage, delivery, projection, and HTTP components together, runs the
// bootstrap sequence, and serves until signalled.
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/fluxledger/eventhub/infrastructure/logging"
	"github.com/fluxledger/eventhub/infrastructure/metrics"
	"github.com/fluxledger/eventhub/infrastructure/middleware"
	"github.com/fluxledger/eventhub/infrastructure/ratelimit"
	"github.com/fluxledger/eventhub/internal/auth"
	"github.com/fluxledger/eventhub/internal/authz"
	"github.com/fluxledger/eventhub/internal/bootstrap"
	"github.com/fluxledger/eventhub/internal/consumer"
	"github.com/fluxledger/eventhub/internal/control"
	"github.com/fluxledger/eventhub/internal/delivery"
	"github.com/fluxledger/eventhub/internal/dispatcher"
	"github.com/fluxledger/eventhub/internal/eventstore"
	"github.com/fluxledger/eventhub/internal/httpapi"
	"github.com/fluxledger/eventhub/internal/projection"
	"github.com/fluxledger/eventhub/internal/publish"
	"github.com/fluxledger/eventhub/internal/schema"
	"github.com/fluxledger/eventhub/internal/topicregistry"
	"github.com/fluxledger/eventhub/pkg/config"
	"github.com/fluxledger/eventhub/pkg/version"
	"github.com/fluxledger/eventhub/system/framework/lifecycle"
)

const serviceName = "eventhubd"

func main() {
	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logging.InitDefault(serviceName, cfg.Logging.Level, cfg.Logging.Format)
	logger := logging.Default()
	m := metrics.Init(serviceName)

	// Storage and sequencing layer.
	store, err := eventstore.New(cfg.EventStore.DataRoot, cfg.EventStore.EventsPerBucket)
	if err != nil {
		log.Fatalf("Failed to open event store: %v", err)
	}
	topics, err := topicregistry.New(cfg.EventStore.ConfigRoot)
	if err != nil {
		log.Fatalf("Failed to open topic registry: %v", err)
	}
	consumers, err := consumer.New(cfg.EventStore.ConsumerRoot)
	if err != nil {
		log.Fatalf("Failed to open consumer registry: %v", err)
	}
	schemas := schema.NewCache()
	pipeline := publish.New(store, topics, schemas, m, logger)
	pipeline.SetMaxPayloadBytes(cfg.EventStore.MaxPayloadBytes)

	// Projections and the reconciliation fallback.
	projections := projection.New()
	pipeline.SetProjection(projections)

	// Delivery layer: one adapter per consumer kind, shared by every
	// per-topic dispatcher.
	httpAdapter := delivery.NewHTTPAdapter(ratelimit.DefaultConfig())
	inMemAdapter := delivery.NewInMemoryAdapter()
	wsAdapter := delivery.NewWebSocketAdapter()
	resolveAdapter := func(kind consumer.Kind) (delivery.Adapter, bool) {
		return delivery.ForKind(string(kind), httpAdapter, inMemAdapter, wsAdapter)
	}

	dispatchers := dispatcher.NewManager(store, topics, consumers, resolveAdapter, m, logger, dispatcher.Config{
		TickInterval: cfg.Dispatcher.TickInterval,
		BatchMax:     cfg.Dispatcher.BatchMax,
		MaxAttempts:  cfg.Dispatcher.MaxAttempts,
	})
	pipeline.SetNudger(dispatchers)
	dispatchers.Start(ctx)

	// Authentication and authorization over the projection read models.
	var sessions auth.SessionStore
	switch cfg.Auth.SessionBackend {
	case "redis":
		sessions = auth.NewRedisSessionStore(cfg.Auth.RedisAddr)
	default:
		sessions = auth.NewMemorySessionStore()
	}
	authn := auth.NewAuthenticator(projections, sessions, cfg.Auth.SessionTTL, cfg.Auth.BcryptCost)
	engine := authz.New(projections)
	commands := control.New(pipeline, projections)

	boot := bootstrap.New(store, topics, consumers, pipeline, projections, dispatchers, logger)
	if err := boot.Run(ctx, bootstrap.AdminConfig{
		Email:      cfg.Auth.AdminEmail,
		Password:   cfg.Auth.AdminPassword,
		BcryptCost: cfg.Auth.BcryptCost,
	}); err != nil {
		log.Fatalf("Bootstrap failed: %v", err)
	}

	guard := lifecycle.NewGracefulShutdown()
	reconciler := projection.NewReconciler(projections, store, topics, logger, guard, cfg.Dispatcher.ReconcileEvery)
	if err := reconciler.Start(ctx); err != nil {
		log.Fatalf("Failed to start projection reconciler: %v", err)
	}

	server := httpapi.NewServer(httpapi.Config{
		Authn:        authn,
		Authz:        engine,
		Control:      commands,
		Projections:  projections,
		Topics:       topics,
		Consumers:    consumers,
		Store:        store,
		Pipeline:     pipeline,
		Dispatchers:  dispatchers,
		Schemas:      schemas,
		Logger:       logger,
		Metrics:      m,
		ServiceName:  serviceName,
		Version:      version.Version,
		MaxBodyBytes:     cfg.EventStore.MaxPayloadBytes,
		BcryptCost:       cfg.Auth.BcryptCost,
		EdgeSharedSecret: cfg.Server.EdgeSharedSecret,
	})

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      server.Handler(),
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeoutSec) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeoutSec) * time.Second,
	}

	shutdown := middleware.NewGracefulShutdown(httpServer, 30*time.Second)
	shutdown.OnShutdown(func() {
		reconciler.Stop()
		dispatchers.StopAll()
		guard.Shutdown()
		if err := guard.WaitWithTimeout(35 * time.Second); err != nil {
			logger.Error(ctx, "in-flight operations did not drain before timeout", err, nil)
		}
	})
	shutdown.ListenForSignals()

	logger.Info(ctx, fmt.Sprintf("eventhubd %s listening on %s", version.FullVersion(), addr), nil)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("HTTP server failed: %v", err)
	}
	shutdown.Wait()
}
