package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/agentworkforce/pulse/internal/config"
	"github.com/agentworkforce/pulse/internal/httpapi"
	"github.com/agentworkforce/pulse/internal/ingest"
	"github.com/agentworkforce/pulse/internal/pulse"
)

func main() {
	cfg, err := config.Load(strings.TrimSpace(os.Getenv("PULSE_CONFIG_FILE")))
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	applyEnvOverrides(cfg)

	kvStore, err := pulse.BuildKeyValueStoreFromDSN(cfg.KVDSN)
	if err != nil {
		log.Fatalf("failed to initialize key-value backend: %v", err)
	}
	defer kvStore.Close()

	eventStore := pulse.NewEventStore(pulse.EventStoreOptions{
		MaxEvents: cfg.EventStore.MaxEvents,
		MaxAge:    time.Duration(cfg.EventStore.MaxAgeHours) * time.Hour,
	})
	subscriptions := pulse.NewSubscriptionManager(kvStore)
	dedup := pulse.NewDedupCache(pulse.DedupCacheOptions{
		Store:  kvStore,
		Window: time.Duration(cfg.DedupWindowMinutes) * time.Minute,
	})

	hub := httpapi.NewHub()
	defer hub.Close()

	broadcaster := pulse.NewBroadcaster(pulse.BroadcasterOptions{
		Store:               eventStore,
		Subscriptions:       subscriptions,
		Dedup:               dedup,
		Publisher:           hub,
		PublishTimeout:      time.Duration(cfg.Broadcast.PublishTimeoutSeconds) * time.Second,
		RetryDelay:          time.Duration(cfg.Broadcast.RetryDelayMillis) * time.Millisecond,
		EnrichmentWorkers:   cfg.Broadcast.EnrichmentWorkers,
		EnrichmentQueueSize: cfg.Broadcast.EnrichmentQueueSize,
		DisableEnrichment:   cfg.Broadcast.DisableEnrichment,
	})
	defer broadcaster.Close()

	pipeline := pulse.NewPipeline(pulse.PipelineOptions{
		Broadcaster: broadcaster,
		Conflicts: pulse.ConflictOptions{
			BackToBackThresholdMinutes: cfg.Conflicts.BackToBackThresholdMinutes,
			MinOverlapMinutes:          cfg.Conflicts.MinOverlapMinutes,
			DisableBackToBack:          cfg.Conflicts.BackToBackThresholdMinutes < 0,
		},
		Expand: pulse.ExpandOptions{
			Horizon:        time.Duration(cfg.Recurrence.HorizonDays) * 24 * time.Hour,
			MaxOccurrences: cfg.Recurrence.MaxOccurrences,
		},
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := httpapi.ServerOptions{
		Hub:           hub,
		Pipeline:      pipeline,
		Events:        eventStore,
		Subscriptions: subscriptions,
		Broadcaster:   broadcaster,
	}
	if cfg.SpoolDir != "" {
		watcher, err := ingest.NewWatcher(ingest.Options{
			SpoolDir: cfg.SpoolDir,
			Pipeline: pipeline,
		})
		if err != nil {
			log.Fatalf("failed to initialize spool watcher: %v", err)
		}
		if err := watcher.Start(ctx); err != nil {
			log.Fatalf("failed to start spool watcher: %v", err)
		}
		defer watcher.Close()
		opts.IngestStats = func() any { return watcher.Stats() }
		log.Printf("pulsed watching spool %s", cfg.SpoolDir)
	}

	server := httpapi.NewServerWithConfig(opts, httpapi.ServerConfig{
		JWTSecret:       cfg.JWTSecret,
		RateLimitMax:    cfg.RateLimitMax,
		RateLimitWindow: time.Duration(cfg.RateLimitWindowSeconds) * time.Second,
		MaxBodyBytes:    int64Env("PULSE_MAX_BODY_BYTES", 0),
	})

	httpServer := &http.Server{Addr: cfg.Listen, Handler: server}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	log.Printf("pulsed listening on %s", cfg.Listen)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("server failed: %v", err)
	}
}

func applyEnvOverrides(cfg *config.Config) {
	if addr := strings.TrimSpace(os.Getenv("PULSE_ADDR")); addr != "" {
		cfg.Listen = addr
	}
	if spool := strings.TrimSpace(os.Getenv("PULSE_SPOOL_DIR")); spool != "" {
		cfg.SpoolDir = spool
	}
	if dsn := strings.TrimSpace(os.Getenv("PULSE_KV_DSN")); dsn != "" {
		cfg.KVDSN = dsn
	}
	if secret := os.Getenv("PULSE_JWT_SECRET"); secret != "" {
		cfg.JWTSecret = secret
	}
	cfg.DedupWindowMinutes = intEnv("PULSE_DEDUP_WINDOW_MINUTES", cfg.DedupWindowMinutes)
	cfg.RateLimitMax = intEnv("PULSE_RATE_LIMIT_MAX", cfg.RateLimitMax)
	cfg.EventStore.MaxEvents = intEnv("PULSE_MAX_STORED_EVENTS", cfg.EventStore.MaxEvents)
	cfg.Broadcast.EnrichmentWorkers = intEnv("PULSE_ENRICHMENT_WORKERS", cfg.Broadcast.EnrichmentWorkers)
}

func intEnv(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func int64Env(name string, fallback int64) int64 {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}
