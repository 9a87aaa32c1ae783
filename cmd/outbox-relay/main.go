// Package main provides the outbox relay service entry point.
// Publishes reconciliation events written by the reconciler's outbox sink.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/drfirst/go-pathsync/internal/config"
	"github.com/drfirst/go-pathsync/internal/infrastructure/postgres"
	"github.com/drfirst/go-pathsync/internal/infrastructure/redpanda"
	"github.com/drfirst/go-pathsync/internal/observability/logging"
	"github.com/drfirst/go-pathsync/internal/observability/metrics"
)

const (
	statsInterval   = 15 * time.Second
	sweepInterval   = time.Minute
	processedMaxAge = 7 * 24 * time.Hour
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		os.Stderr.WriteString("config: " + err.Error() + "\n")
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Logging, cfg.Service)
	if err != nil {
		os.Stderr.WriteString("logger: " + err.Error() + "\n")
		os.Exit(1)
	}
	logger = logger.Named("outbox-relay")
	defer logger.Sync()

	if cfg.Database.URL == "" {
		logger.Fatal("DATABASE_URL is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Connect to database
	pool, err := pgxpool.New(ctx, cfg.Database.URL)
	if err != nil {
		logger.Fatal("database connection failed", zap.Error(err))
	}
	defer pool.Close()
	if err := postgres.EnsureOutboxSchema(ctx, pool); err != nil {
		logger.Fatal("outbox schema failed", zap.Error(err))
	}
	logger.Info("connected to database")

	m := metrics.New()

	producerCfg := redpanda.DefaultProducerConfig()
	producerCfg.Brokers = cfg.Kafka.Brokers
	producerCfg.OnProduced = m.Produced
	producer, err := redpanda.NewProducer(producerCfg, logger)
	if err != nil {
		logger.Fatal("producer creation failed", zap.Error(err))
	}
	defer producer.Close()
	logger.Info("connected to Redpanda", zap.Strings("brokers", cfg.Kafka.Brokers))

	outboxCfg := postgres.DefaultOutboxConfig()
	outboxCfg.DeadLetterTopic = redpanda.TopicDeadLetter
	outboxCfg.OnPublished = func(eventType string, err error) {
		if err != nil {
			logger.Warn("relay failed", zap.String("event_type", eventType), zap.Error(err))
		}
	}
	outbox := postgres.NewOutbox(pool, &producerAdapter{producer}, outboxCfg, logger)

	outbox.Start()
	logger.Info("outbox relay started")

	go housekeeping(ctx, outbox, m, logger)

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := pool.Ping(r.Context()); err != nil {
			http.Error(w, "database unavailable", http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte("ok"))
	})
	server := &http.Server{Addr: cfg.Admin.Addr, Handler: mux, ReadTimeout: 5 * time.Second}
	go func() {
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	server.Shutdown(shutdownCtx)
	outbox.Stop()
	logger.Info("outbox relay stopped")
}

// housekeeping exports the pending gauge, dead-letters exhausted entries and prunes old rows.
func housekeeping(ctx context.Context, outbox *postgres.Outbox, m *metrics.Metrics, logger *zap.Logger) {
	stats := time.NewTicker(statsInterval)
	defer stats.Stop()
	sweep := time.NewTicker(sweepInterval)
	defer sweep.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stats.C:
			s, err := outbox.GetStats(ctx)
			if err != nil {
				logger.Warn("outbox stats failed", zap.Error(err))
				continue
			}
			m.Outbox(s.Pending)
		case <-sweep.C:
			if n, err := outbox.MoveToDeadLetter(ctx); err != nil {
				logger.Warn("dead letter sweep failed", zap.Error(err))
			} else if n > 0 {
				logger.Warn("moved entries to dead letter", zap.Int64("count", n))
			}
			if _, err := outbox.CleanupProcessed(ctx, processedMaxAge); err != nil {
				logger.Warn("outbox cleanup failed", zap.Error(err))
			}
		}
	}
}

// producerAdapter adapts the Redpanda producer to the outbox Producer interface
type producerAdapter struct {
	producer *redpanda.Producer
}

func (a *producerAdapter) Publish(ctx context.Context, topic, key string, value []byte) error {
	return a.producer.ProduceMessage(ctx, topic, key, value)
}
