package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/agentx-dev/agentx/internal/observability"
	"github.com/agentx-dev/agentx/pkg/bus"
	"github.com/agentx-dev/agentx/pkg/config"
	"github.com/agentx-dev/agentx/pkg/engine"
	"github.com/agentx-dev/agentx/pkg/event"
	obs "github.com/agentx-dev/agentx/pkg/observability"
	"github.com/agentx-dev/agentx/pkg/session"
	"github.com/agentx-dev/agentx/pkg/store"
)

var (
	// Version information (set via ldflags)
	Version = "dev"

	// Command line flags
	configFile = flag.String("config", getEnv("CONFIG_FILE", ""), "Configuration file")
	rawSocket  = flag.String("raw-events", getEnv("RAW_EVENTS", ""), "NDJSON raw event source (path or - for stdin)")
)

func main() {
	flag.Parse()

	log.Printf("Starting agentx runtime v%s", Version)

	cfg := config.Default()
	if *configFile != "" {
		loaded, err := config.LoadConfig(*configFile)
		if err != nil {
			log.Fatalf("Config error: %v", err)
		}
		cfg = loaded
	}

	// Observability
	obs.InitMetrics()
	if err := observability.InitFromEnv(); err != nil {
		log.Printf("Tracing init failed, continuing without: %v", err)
	}

	storage, err := openStorage(cfg)
	if err != nil {
		log.Fatalf("Storage error: %v", err)
	}
	defer storage.Close()

	health := obs.NewHealthChecker()
	health.RegisterCheck(&obs.HealthCheck{
		Name:     "storage",
		Critical: true,
		CheckFunc: func(ctx context.Context) error {
			_, err := storage.Keys(ctx, "sessions:")
			return err
		},
	})

	errChan := make(chan error, 2)

	var obsServer *obs.Server
	if cfg.Metrics.Enabled {
		obsServer = obs.NewServer(cfg.Metrics.Port, health)
		go func() {
			log.Printf("Metrics server on :%d", cfg.Metrics.Port)
			if err := obsServer.Start(); err != nil {
				errChan <- fmt.Errorf("metrics server error: %w", err)
			}
		}()
	}

	// Core wiring: engine -> bus -> repository, driven by the manager.
	repo := session.NewRepository(storage)
	eventBus := bus.New(
		bus.WithQueueCapacity(cfg.Bus.QueueCapacity),
		bus.WithPolicy(busPolicy(cfg.Bus.Policy)),
		bus.WithBlockTimeout(time.Duration(cfg.Bus.BlockTimeoutMs)*time.Millisecond),
	)
	manager := session.NewManager(engine.New(), eventBus, repo)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Reconcile.Enabled {
		rc := session.NewReconciler(repo, storage)
		cronJob, err := rc.Schedule(ctx, cfg.Reconcile.Schedule)
		if err != nil {
			log.Fatalf("Reconciler error: %v", err)
		}
		defer cronJob.Stop()
	}

	source, err := openRawSource(ctx, *rawSocket)
	if err != nil {
		log.Fatalf("Raw event source error: %v", err)
	}
	go func() {
		if err := manager.Run(ctx, source); err != nil && err != context.Canceled {
			errChan <- err
		}
	}()

	// Wait for shutdown signal or error
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		log.Printf("Error: %v", err)
	case <-quit:
		log.Println("Shutting down...")
	}

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if obsServer != nil {
		if err := obsServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("Metrics server shutdown error: %v", err)
		}
	}
	if err := eventBus.Close(); err != nil {
		log.Printf("Bus shutdown error: %v", err)
	}
	if err := observability.Shutdown(shutdownCtx); err != nil {
		log.Printf("Tracing shutdown error: %v", err)
	}

	log.Println("Runtime stopped")
}

func openStorage(cfg *config.Config) (store.Storage, error) {
	switch cfg.Storage.Backend {
	case "sqlite":
		return store.NewSQLiteStorage(cfg.Storage.SQLitePath)
	case "redis":
		return store.NewRedisStorage(store.RedisConfig{
			Addr:     cfg.Storage.RedisAddr,
			Password: cfg.Storage.RedisPassword,
			DB:       cfg.Storage.RedisDB,
			Prefix:   cfg.Storage.RedisPrefix,
		})
	default:
		return store.NewMemoryStorage(), nil
	}
}

func busPolicy(name string) bus.BackpressurePolicy {
	if name == "block" {
		return bus.BlockWithTimeout
	}
	return bus.DropOldest
}

// openRawSource reads NDJSON raw events from a file or stdin and feeds them
// to the manager. An empty path means no source: the runtime still serves
// metrics and reconciliation, which is useful for maintenance runs.
func openRawSource(ctx context.Context, path string) (<-chan event.Raw, error) {
	ch := make(chan event.Raw, 64)
	if path == "" {
		close(ch)
		return ch, nil
	}

	r := os.Stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		r = f
	}

	go func() {
		defer close(ch)
		if r != os.Stdin {
			defer r.Close()
		}
		if err := event.ReadRawStream(ctx, r, ch); err != nil {
			log.Printf("raw event source: %v", err)
		}
	}()
	return ch, nil
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
