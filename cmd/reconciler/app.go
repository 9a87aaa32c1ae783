package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/drfirst/go-pathsync/internal/config"
	"github.com/drfirst/go-pathsync/internal/domain/coding"
	"github.com/drfirst/go-pathsync/internal/domain/reconciliation"
	fhir "github.com/drfirst/go-pathsync/internal/fhir/r4"
	"github.com/drfirst/go-pathsync/internal/infrastructure/conflictcheck"
	"github.com/drfirst/go-pathsync/internal/infrastructure/decisionengine"
	"github.com/drfirst/go-pathsync/internal/infrastructure/fhirstore"
	"github.com/drfirst/go-pathsync/internal/infrastructure/postgres"
	"github.com/drfirst/go-pathsync/internal/infrastructure/redis"
	"github.com/drfirst/go-pathsync/internal/infrastructure/redpanda"
	"github.com/drfirst/go-pathsync/internal/infrastructure/restclient"
	"github.com/drfirst/go-pathsync/internal/observability/logging"
	"github.com/drfirst/go-pathsync/internal/observability/metrics"
	"github.com/drfirst/go-pathsync/internal/observability/tracing"
	"github.com/drfirst/go-pathsync/internal/reconcile"
	"github.com/drfirst/go-pathsync/pkg/circuitbreaker"
	"github.com/drfirst/go-pathsync/pkg/idempotency"
	"github.com/drfirst/go-pathsync/pkg/ledger"
	"github.com/drfirst/go-pathsync/pkg/workerpool"
)

// app holds the wired reconciler. Closers run in reverse order of registration.
type app struct {
	cfg       config.Config
	logger    *zap.Logger
	metrics   *metrics.Metrics
	breakers  *circuitbreaker.Manager
	de        *decisionengine.Client
	db        *pgxpool.Pool
	ledger    ledger.Ledger
	ready     []func(context.Context) error
	engine    *reconcile.Engine
	scheduler *reconcile.Scheduler

	closers []func(context.Context) error
}

func newApp(ctx context.Context, cfg config.Config) (a *app, err error) {
	logger, err := logging.New(cfg.Logging, cfg.Service)
	if err != nil {
		return nil, err
	}
	a = &app{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			a.close(context.Background())
		}
	}()

	tp, err := tracing.Init(ctx, tracing.FromConfig(cfg.Tracing, cfg.Service))
	if err != nil {
		return a, fmt.Errorf("init tracing: %w", err)
	}
	a.onClose(tp.Shutdown)

	a.metrics = metrics.New()
	a.breakers = circuitbreaker.NewManager(logger)

	deRest, err := a.restClient("decision-engine", cfg.DecisionEngine.BaseURL, "application/json",
		map[string]string{decisionengine.HeaderAPIKey: cfg.DecisionEngine.APIKey})
	if err != nil {
		return a, err
	}
	a.de = decisionengine.New(deRest, logger)

	repoRest, err := a.restClient("repository", cfg.Repository.BaseURL, "application/fhir+json", nil)
	if err != nil {
		return a, err
	}
	store := fhirstore.New(repoRest, logger)

	var conflicts reconcile.ConflictChecker = conflictcheck.Disabled{}
	if cfg.ConflictCheck.Enabled {
		ccRest, err := a.restClient("conflict-check", cfg.ConflictCheck.BaseURL, "application/json", nil)
		if err != nil {
			return a, err
		}
		conflicts = conflictcheck.New(ccRest, logger)
	}

	if cfg.Database.URL != "" {
		if err := a.connectDB(ctx); err != nil {
			return a, err
		}
	}

	if err := a.setupLedger(ctx); err != nil {
		return a, err
	}
	lease, err := a.setupLease(ctx)
	if err != nil {
		return a, err
	}
	publisher, err := a.setupPublisher(ctx)
	if err != nil {
		return a, err
	}

	window, err := cfg.Rules.Window()
	if err != nil {
		return a, fmt.Errorf("rules window: %w", err)
	}

	a.engine, err = reconcile.New(reconcile.Config{
		MetaPathway:        cfg.DecisionEngine.MetaPathway,
		MaxIterations:      cfg.Scheduler.MaxIterations,
		MaxSubPathwayDepth: cfg.Scheduler.MaxSubPathwayDepth,
		PatientTimeout:     cfg.Scheduler.PatientTimeout,
		DayWindow:          window,
		PathwayCacheTTL:    cfg.DecisionEngine.PathwayCacheTTL,
		PathwayCacheSize:   cfg.DecisionEngine.PathwayCacheSize,
	}, reconcile.Deps{
		Repository: store,
		Engine:     a.de,
		Conflicts:  conflicts,
		Translator: coding.NewTranslator(cfg.CodingSystems),
		Ledger:     a.ledger,
		Lease:      lease,
		Publisher:  publisher,
		Metrics:    a.metrics,
	}, logger.Named("reconcile"))
	if err != nil {
		return a, err
	}

	a.scheduler, err = reconcile.NewScheduler(a.engine, reconcile.SchedulerConfig{
		Interval: cfg.Scheduler.Interval,
		NodeID:   cfg.Service.NodeID,
		Workers: workerpool.Config{
			Workers:                 cfg.Workers.Count,
			QueueSize:               cfg.Workers.QueueSize,
			MaxRetries:              cfg.Workers.MaxRetries,
			RetryDelay:              cfg.Workers.RetryDelay,
			GracefulShutdownTimeout: cfg.Workers.ShutdownTimeout,
		},
	}, a.metrics, logger.Named("scheduler"))
	if err != nil {
		return a, err
	}
	a.onClose(func(context.Context) error { return a.scheduler.Stop() })

	logger.Info("reconciler wired",
		zap.String("meta_pathway", cfg.DecisionEngine.MetaPathway),
		zap.String("event_sink", cfg.Kafka.EventSink),
		zap.Bool("postgres", a.db != nil),
		zap.Bool("redis_lease", cfg.Lease.RedisURL != ""),
		zap.Bool("conflict_check", cfg.ConflictCheck.Enabled))
	return a, nil
}

func (a *app) restClient(name, baseURL, contentType string, headers map[string]string) (*restclient.Client, error) {
	breaker := circuitbreaker.DefaultConfig(name)
	breaker.FailureThreshold = a.cfg.Breaker.FailureThreshold
	breaker.Timeout = a.cfg.Breaker.Timeout
	breaker.Interval = a.cfg.Breaker.Interval
	breaker.OnStateChange = func(name string, _, to circuitbreaker.State) {
		a.metrics.BreakerState(name, string(to))
	}

	c, err := restclient.New(restclient.Config{
		Name:        name,
		BaseURL:     baseURL,
		ContentType: contentType,
		Headers:     headers,
		CallTimeout: a.cfg.HTTP.CallTimeout,
		Retry: restclient.RetryConfig{
			MaxTries:        a.cfg.HTTP.Retry.MaxTries,
			InitialInterval: a.cfg.HTTP.Retry.InitialInterval,
			MaxInterval:     a.cfg.HTTP.Retry.MaxInterval,
			MaxElapsed:      a.cfg.HTTP.Retry.MaxElapsed,
		},
		Breaker: breaker,
	}, a.breakers, a.logger)
	if err != nil {
		return nil, fmt.Errorf("create %s client: %w", name, err)
	}
	a.metrics.BreakerState(name, string(circuitbreaker.StateClosed))
	return c, nil
}

func (a *app) connectDB(ctx context.Context) error {
	pool, err := pgxpool.New(ctx, a.cfg.Database.URL)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	a.onClose(func(context.Context) error {
		pool.Close()
		return nil
	})
	if err := pool.Ping(ctx); err != nil {
		return fmt.Errorf("database ping: %w", err)
	}
	a.db = pool
	a.ready = append(a.ready, pool.Ping)
	a.logger.Info("connected to database")
	return nil
}

func (a *app) setupLedger(ctx context.Context) error {
	cfg := ledger.Config{
		MaxFailures:     a.cfg.Ledger.MaxFailures,
		TTL:             a.cfg.Ledger.TTL,
		CleanupInterval: a.cfg.Ledger.CleanupInterval,
	}
	if a.db == nil {
		a.ledger = ledger.NewMemory(cfg)
		return nil
	}

	pg := ledger.NewPostgres(a.db, cfg, a.logger.Named("ledger"))
	if err := pg.EnsureSchema(ctx); err != nil {
		return err
	}
	pg.StartCleanup()
	a.onClose(func(context.Context) error {
		pg.Stop()
		return nil
	})
	a.ledger = pg
	return nil
}

func (a *app) setupLease(ctx context.Context) (reconcile.Lease, error) {
	if a.cfg.Lease.RedisURL == "" {
		return reconcile.NewMemoryLease(a.cfg.Lease.TTL), nil
	}
	lease, err := redis.NewLease(a.cfg.Lease.RedisURL, a.cfg.Lease.TTL)
	if err != nil {
		return nil, err
	}
	a.onClose(func(context.Context) error { return lease.Close() })
	if err := lease.Ping(ctx); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	a.ready = append(a.ready, lease.Ping)
	return lease, nil
}

func (a *app) setupPublisher(ctx context.Context) (reconciliation.Publisher, error) {
	switch a.cfg.Kafka.EventSink {
	case config.SinkKafka:
		producer, err := a.newProducer()
		if err != nil {
			return nil, err
		}
		return redpanda.NewEventPublisher(producer, a.cfg.Kafka.EventTopic, a.logger), nil
	case config.SinkOutbox:
		if a.db == nil {
			return nil, errors.New("outbox sink requires a database")
		}
		if err := postgres.EnsureOutboxSchema(ctx, a.db); err != nil {
			return nil, err
		}
		return postgres.NewEventWriter(a.db, a.cfg.Kafka.EventTopic, a.logger), nil
	default:
		return reconciliation.LogPublisher{Logger: a.logger.Named("events")}, nil
	}
}

func (a *app) newProducer() (*redpanda.Producer, error) {
	cfg := redpanda.DefaultProducerConfig()
	cfg.Brokers = a.cfg.Kafka.Brokers
	cfg.OnProduced = a.metrics.Produced
	producer, err := redpanda.NewProducer(cfg, a.logger)
	if err != nil {
		return nil, fmt.Errorf("create producer: %w", err)
	}
	a.onClose(func(context.Context) error { return producer.Close() })
	return producer, nil
}

// newConsumer feeds reconcile requests from the broker into the scheduler.
// A patient that is already queued counts as handled. With a database, requests pass through the
// idempotency inbox so a redelivered request is accepted once.
func (a *app) newConsumer(ctx context.Context) (*redpanda.Consumer, error) {
	cfg := redpanda.DefaultConsumerConfig()
	cfg.Brokers = a.cfg.Kafka.Brokers
	cfg.GroupID = a.cfg.Kafka.GroupID
	cfg.Topics = []string{a.cfg.Kafka.RequestTopic}
	cfg.OnConsumed = a.metrics.Consumed

	var inbox *idempotency.Inbox
	if a.db != nil {
		inbox = idempotency.NewInbox(a.db, idempotency.InboxConfig{
			Terminal: func(err error) bool { return errors.Is(err, reconcile.ErrEmptyPatient) },
		}, a.logger.Named("inbox"))
		if err := inbox.EnsureSchema(ctx); err != nil {
			return nil, err
		}
		inbox.StartCleanup()
		a.onClose(func(context.Context) error {
			inbox.Stop()
			return nil
		})
	}

	return redpanda.NewConsumer(cfg, func(ctx context.Context, msg *redpanda.ConsumedMessage) error {
		req, err := reconciliation.DecodeReconcileRequest(msg.Value)
		if err != nil {
			a.logger.Warn("dropping malformed reconcile request",
				zap.String("topic", msg.Topic),
				zap.Int64("offset", msg.Offset),
				zap.Error(err))
			return nil
		}

		enqueue := func(context.Context, json.RawMessage) (json.RawMessage, error) {
			tickID, err := a.scheduler.Enqueue(fhir.PatientReference(req.Patient))
			if errors.Is(err, workerpool.ErrDuplicateTask) {
				return nil, nil
			}
			if err != nil {
				return nil, err
			}
			a.logger.Debug("reconcile request accepted",
				zap.String("patient", req.Patient),
				zap.String("reason", req.Reason),
				zap.String("tick", tickID))
			return json.Marshal(map[string]string{"tick_id": tickID})
		}

		if inbox == nil {
			_, err = enqueue(ctx, msg.Value)
		} else {
			requestedAt := req.RequestedAt
			if requestedAt.IsZero() {
				requestedAt = msg.Timestamp
			}
			key := idempotency.RequestKey(fhir.PatientReference(req.Patient), req.Reason, requestedAt)
			res, perr := inbox.Process(ctx, key, "reconcile-request", msg.Value, enqueue)
			switch {
			case errors.Is(perr, idempotency.ErrDuplicateMessage),
				errors.Is(perr, idempotency.ErrMessageInProgress),
				errors.Is(perr, idempotency.ErrPreviouslyFailed):
				a.logger.Debug("reconcile request already handled", zap.String("patient", req.Patient), zap.Error(perr))
				return nil
			case perr == nil && !res.IsNew && !res.WasRecovered:
				a.logger.Debug("reconcile request redelivered", zap.String("patient", req.Patient))
			}
			err = perr
		}

		if errors.Is(err, reconcile.ErrEmptyPatient) {
			a.logger.Warn("dropping reconcile request without patient", zap.Int64("offset", msg.Offset))
			return nil
		}
		return err
	}, a.logger.Named("consumer"))
}

// checkReady runs every dependency probe.
func (a *app) checkReady(ctx context.Context) error {
	var errs []error
	for _, probe := range a.ready {
		if err := probe(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (a *app) onClose(fn func(context.Context) error) {
	a.closers = append(a.closers, fn)
}

func (a *app) close(ctx context.Context) {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			a.logger.Warn("shutdown step failed", zap.Error(err))
		}
	}
	a.closers = nil
	_ = a.logger.Sync()
}
