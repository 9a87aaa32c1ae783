package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Schema creates the ledger table when missing.
const Schema = `
CREATE TABLE IF NOT EXISTS task_failures (
	ledger_key   TEXT PRIMARY KEY,
	enactment_id TEXT        NOT NULL,
	task_name    TEXT        NOT NULL,
	status       TEXT        NOT NULL,
	failures     INT         NOT NULL DEFAULT 0,
	last_error   TEXT,
	updated_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	expires_at   TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS task_failures_expires_idx ON task_failures (expires_at);
`

// Postgres is a ledger shared by every replica
type Postgres struct {
	pool   *pgxpool.Pool
	config Config
	logger *zap.Logger
	tracer trace.Tracer

	// Control for cleanup goroutine
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewPostgres creates a Postgres-backed ledger
func NewPostgres(pool *pgxpool.Pool, cfg Config, logger *zap.Logger) *Postgres {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultConfig()
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = def.MaxFailures
	}
	if cfg.TTL <= 0 {
		cfg.TTL = def.TTL
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = def.CleanupInterval
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Postgres{
		pool:   pool,
		config: cfg,
		logger: logger,
		tracer: otel.Tracer("ledger"),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// EnsureSchema creates the ledger table
func (p *Postgres) EnsureSchema(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("create ledger schema: %w", err)
	}
	return nil
}

// Allowed reports whether the task may be processed
func (p *Postgres) Allowed(ctx context.Context, enactmentID, task string) (bool, error) {
	query := `
		SELECT status FROM task_failures
		WHERE ledger_key = $1 AND expires_at > NOW()
	`

	var status Status
	err := p.pool.QueryRow(ctx, query, Key(enactmentID, task)).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check ledger: %w", err)
	}
	return status != StatusFailed, nil
}

// RecordFailure counts a failure. An expired entry restarts from one.
func (p *Postgres) RecordFailure(ctx context.Context, enactmentID, task string, cause error) (Status, error) {
	ctx, span := p.tracer.Start(ctx, "ledger_record_failure",
		trace.WithAttributes(
			attribute.String("enactment_id", enactmentID),
			attribute.String("task", task),
		))
	defer span.End()

	query := `
		INSERT INTO task_failures (ledger_key, enactment_id, task_name, status, failures, last_error, expires_at)
		VALUES ($1, $2, $3, $4, 1, $5, NOW() + $6::interval)
		ON CONFLICT (ledger_key) DO UPDATE
		SET failures = CASE WHEN task_failures.expires_at <= NOW() THEN 1 ELSE task_failures.failures + 1 END,
		    last_error = EXCLUDED.last_error,
		    updated_at = NOW(),
		    expires_at = EXCLUDED.expires_at
		RETURNING failures
	`

	key := Key(enactmentID, task)
	var failures int
	err := p.pool.QueryRow(ctx, query, key, enactmentID, task, StatusRetrying, errText(cause), p.config.TTL.String()).Scan(&failures)
	if err != nil {
		span.RecordError(err)
		return "", fmt.Errorf("failed to record failure: %w", err)
	}

	status := statusFor(failures, p.config.MaxFailures)
	if _, err := p.pool.Exec(ctx, "UPDATE task_failures SET status = $1 WHERE ledger_key = $2", status, key); err != nil {
		span.RecordError(err)
		return "", fmt.Errorf("failed to set ledger status: %w", err)
	}
	span.SetAttributes(attribute.Int("failures", failures), attribute.String("status", string(status)))
	return status, nil
}

// RecordSuccess clears the task's entry
func (p *Postgres) RecordSuccess(ctx context.Context, enactmentID, task string) error {
	if _, err := p.pool.Exec(ctx, "DELETE FROM task_failures WHERE ledger_key = $1", Key(enactmentID, task)); err != nil {
		return fmt.Errorf("failed to clear ledger entry: %w", err)
	}
	return nil
}

// List returns live entries, FAILED first then most recent
func (p *Postgres) List(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT ledger_key, enactment_id, task_name, status, failures, COALESCE(last_error, ''), updated_at, expires_at
		FROM task_failures
		WHERE expires_at > NOW()
		ORDER BY (status = 'FAILED') DESC, updated_at DESC
		LIMIT $1
	`
	rows, err := p.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (Entry, error) {
		var e Entry
		err := row.Scan(&e.Key, &e.EnactmentID, &e.Task, &e.Status, &e.Failures, &e.LastError, &e.UpdatedAt, &e.ExpiresAt)
		return e, err
	})
}

// StartCleanup starts the background cleanup goroutine
func (p *Postgres) StartCleanup() {
	go p.cleanupLoop()
	p.logger.Info("ledger cleanup started", zap.Duration("interval", p.config.CleanupInterval))
}

// Stop stops the ledger cleanup
func (p *Postgres) Stop() {
	p.cancel()
	<-p.done
	p.logger.Info("ledger stopped")
}

func (p *Postgres) cleanupLoop() {
	defer close(p.done)

	ticker := time.NewTicker(p.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			if _, err := p.Cleanup(p.ctx); err != nil {
				p.logger.Error("ledger cleanup failed", zap.Error(err))
			}
		}
	}
}

// Cleanup removes expired entries
func (p *Postgres) Cleanup(ctx context.Context) (int64, error) {
	result, err := p.pool.Exec(ctx, "DELETE FROM task_failures WHERE expires_at <= NOW()")
	if err != nil {
		return 0, err
	}

	if result.RowsAffected() > 0 {
		p.logger.Info("ledger cleanup completed", zap.Int64("deleted", result.RowsAffected()))
	}

	return result.RowsAffected(), nil
}

// GetStats returns current ledger statistics
func (p *Postgres) GetStats(ctx context.Context) (*Stats, error) {
	query := `
		SELECT
			COUNT(*) as total,
			COUNT(*) FILTER (WHERE status = 'RETRYING') as retrying,
			COUNT(*) FILTER (WHERE status = 'FAILED') as failed
		FROM task_failures
		WHERE expires_at > NOW()
	`

	stats := &Stats{}
	if err := p.pool.QueryRow(ctx, query).Scan(&stats.TotalEntries, &stats.Retrying, &stats.Failed); err != nil {
		return nil, err
	}

	return stats, nil
}
