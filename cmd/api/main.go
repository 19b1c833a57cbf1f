package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"chargeflow/auth"
	"chargeflow/caselock"
	"chargeflow/config"
	"chargeflow/db"
	"chargeflow/dispute"
	"chargeflow/evidence"
	"chargeflow/logger"
	"chargeflow/notify"
	"chargeflow/settlement"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(envOrDefault("CHARGEFLOW_CONFIG", "chargeflow.yaml"))
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	zl, err := logger.New(cfg.LogLevel)
	if err != nil {
		log.Fatalf("build logger: %v", err)
	}
	defer zl.Sync()

	if err := run(ctx, cfg, zl); err != nil {
		zl.Fatal("chargeflow stopped", zap.Error(err))
	}
}

func run(ctx context.Context, cfg config.Config, zl *zap.Logger) error {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := dispute.NewMetrics(registry)

	var store dispute.CaseStore = dispute.NewMemoryStore()
	if cfg.DatabaseURL != "" {
		pool, err := db.NewPool(ctx, cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer pool.Close()
		store = dispute.NewPGStore(pool)
	} else {
		zl.Warn("DATABASE_URL not set, cases are kept in memory")
	}

	var (
		locker dispute.Locker    = caselock.NewKeyed()
		blobs  dispute.BlobStore = evidence.NewMemoryStore()
	)
	if cfg.RedisURL != "" {
		client, err := db.NewRedis(ctx, cfg.RedisURL)
		if err != nil {
			return err
		}
		defer client.Close()
		locker = caselock.NewRedis(client, cfg.LockTTL)
		blobs = evidence.NewRedisStore(client, cfg.EvidenceTTL)
	}

	var (
		notifier dispute.Notifier = notify.NewLogNotifier(zl)
		settler  dispute.Settler  = settlement.NewLogSettler(zl)
	)
	if len(cfg.KafkaBrokers) > 0 {
		kn, err := notify.NewKafkaNotifier(cfg.KafkaBrokers, cfg.NotificationTopic)
		if err != nil {
			return err
		}
		defer kn.Close()
		ks, err := settlement.NewKafkaSettler(cfg.KafkaBrokers, cfg.SettlementTopic)
		if err != nil {
			return err
		}
		defer ks.Close()
		notifier, settler = kn, ks
	}

	hooks := dispute.NewDispatcher(notifier, settler, zl).
		WithRetry(cfg.HookTimeout, cfg.HookMaxAttempts, cfg.HookBackoff).
		WithMetrics(metrics)
	svc := dispute.NewService(store, locker, zl).
		WithBlobStore(blobs).
		WithDispatcher(hooks).
		WithMetrics(metrics).
		WithTimeouts(cfg.OperationTimeout, cfg.StorageTimeout)
	defer svc.Close()

	verifier, err := auth.NewService(cfg.JWTSecret)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: NewServer(svc, verifier, registry, zl).Routes(),
	}
	errCh := make(chan error, 1)
	go func() {
		zl.Info("chargeflow listening", zap.String("addr", cfg.HTTPAddr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.ShutdownTimeout)
	defer cancel()
	zl.Info("shutting down")
	return srv.Shutdown(shutdownCtx)
}

func envOrDefault(name, fallback string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return fallback
}
