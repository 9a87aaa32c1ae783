package reconcile

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	fhir "github.com/drfirst/go-pathsync/internal/fhir/r4"
	"github.com/drfirst/go-pathsync/internal/observability/metrics"
	"github.com/drfirst/go-pathsync/pkg/workerpool"
)

const submitRetryDelay = 50 * time.Millisecond

// ErrEmptyPatient is returned by Enqueue for a blank patient id.
var ErrEmptyPatient = errors.New("patient id is required")

// SchedulerConfig holds scheduler configuration
type SchedulerConfig struct {
	// Interval between ticks
	Interval time.Duration
	// NodeID is the snowflake node of this replica, 0-1023
	NodeID int64
	// Workers sizes the per-patient worker pool
	Workers workerpool.Config
}

// TickReport summarizes one tick.
type TickReport struct {
	ID         string `json:"tick_id"`
	Skipped    bool   `json:"skipped"`
	Patients   int    `json:"patients"`
	Submitted  int    `json:"submitted"`
	Duplicates int    `json:"duplicates"`
	// Carried counts patients handed over from earlier ticks
	Carried    int    `json:"carried"`
}

type job struct {
	target Target
	tick   string
}

// Scheduler runs intake on a timer and reconciles each claimed patient on a bounded worker pool.
// A tick is skipped while patients submitted by the previous tick are still in flight. On-demand
// work does not hold ticks back. A claimed patient that could not be worked on, because its lease was
// held or it was already in flight, is carried into the next tick.
type Scheduler struct {
	engine   *Engine
	pool     *workerpool.Pool
	node     *snowflake.Node
	interval time.Duration
	metrics  *metrics.Metrics
	logger   *zap.Logger
	tracer   trace.Tracer

	ticking atomic.Bool
	started atomic.Bool

	// lastTick is only touched by Tick, which never runs concurrently with itself
	lastTick []string

	mu      sync.Mutex
	carried map[string]Target

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewScheduler creates a scheduler and starts its worker pool.
func NewScheduler(engine *Engine, cfg SchedulerConfig, m *metrics.Metrics, logger *zap.Logger) (*Scheduler, error) {
	if engine == nil {
		return nil, fmt.Errorf("engine is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}

	node, err := snowflake.NewNode(cfg.NodeID)
	if err != nil {
		return nil, fmt.Errorf("create tick id node: %w", err)
	}

	s := &Scheduler{
		engine:   engine,
		node:     node,
		interval: cfg.Interval,
		metrics:  m,
		logger:   logger,
		tracer:   otel.Tracer("reconcile"),
		carried:  make(map[string]Target),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}

	s.pool, err = workerpool.New(cfg.Workers, s.work, logger.Named("workers"))
	if err != nil {
		return nil, err
	}
	s.pool.Start()
	go s.drain()
	return s, nil
}

func (s *Scheduler) work(ctx context.Context, task *workerpool.Task) *workerpool.Result {
	j, ok := task.Payload.(job)
	if !ok {
		return &workerpool.Result{TaskID: task.ID, Error: fmt.Errorf("unexpected payload %T", task.Payload)}
	}
	err := s.engine.ReconcilePatient(ctx, j.target, j.tick)
	if errors.Is(err, ErrLeaseHeld) {
		s.carry(j.target)
		return &workerpool.Result{TaskID: task.ID, Success: true}
	}
	return &workerpool.Result{TaskID: task.ID, Success: err == nil, Error: err}
}

func (s *Scheduler) drain() {
	for range s.pool.Results() {
		s.metrics.QueueDepth(s.pool.InFlight())
	}
}

// Start ticks every interval until Stop.
func (s *Scheduler) Start(ctx context.Context) {
	if !s.started.CompareAndSwap(false, true) {
		return
	}
	go s.loop(ctx)
	s.logger.Info("scheduler started", zap.Duration("interval", s.interval))
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		if _, err := s.Tick(ctx); err != nil {
			s.logger.Error("tick failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
		}
	}
}

// Tick claims notifications and submits one unit of work per patient.
func (s *Scheduler) Tick(ctx context.Context) (TickReport, error) {
	if !s.ticking.CompareAndSwap(false, true) {
		s.metrics.TickSkipped()
		return TickReport{Skipped: true}, nil
	}
	defer s.ticking.Store(false)

	if n := s.previousInFlight(); n > 0 {
		s.logger.Debug("previous tick still in flight, skipping tick", zap.Int("in_flight", n))
		s.metrics.TickSkipped()
		return TickReport{Skipped: true}, nil
	}
	s.lastTick = s.lastTick[:0]

	start := time.Now()
	report := TickReport{ID: s.node.Generate().String()}

	ctx, span := s.tracer.Start(ctx, "tick", trace.WithAttributes(attribute.String("tick", report.ID)))
	defer span.End()

	targets, err := s.engine.Intake(ctx)
	if err != nil {
		span.RecordError(err)
		s.metrics.Tick(time.Since(start))
		return report, err
	}
	carried := s.takeCarried()
	report.Carried = len(carried)
	targets = mergeTargets(carried, targets)
	report.Patients = len(targets)

	for _, t := range targets {
		err := s.submit(ctx, &workerpool.Task{ID: t.Patient, Payload: job{target: t, tick: report.ID}})
		switch {
		case err == nil:
			report.Submitted++
			s.lastTick = append(s.lastTick, t.Patient)
			continue
		case errors.Is(err, workerpool.ErrDuplicateTask):
			// the running unit may have read the patient before this notification arrived
			report.Duplicates++
		default:
			s.logger.Error("failed to submit patient",
				zap.String("tick", report.ID),
				zap.String("patient", t.Patient),
				zap.Error(err))
		}
		s.carry(t)
	}

	s.metrics.QueueDepth(s.pool.InFlight())
	s.metrics.Tick(time.Since(start))
	span.SetAttributes(attribute.Int("patients", report.Patients), attribute.Int("submitted", report.Submitted))
	if report.Patients > 0 {
		s.logger.Info("tick dispatched",
			zap.String("tick", report.ID),
			zap.Int("patients", report.Patients),
			zap.Int("submitted", report.Submitted),
			zap.Int("duplicates", report.Duplicates))
	}
	return report, nil
}

func (s *Scheduler) previousInFlight() int {
	n := 0
	for _, patient := range s.lastTick {
		if s.pool.IsInFlight(patient) {
			n++
		}
	}
	return n
}

// carry keeps a claimed patient for the next tick.
func (s *Scheduler) carry(t Target) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.carried[t.Patient]; ok {
		t.New = t.New && prev.New
	}
	s.carried[t.Patient] = t
}

func (s *Scheduler) takeCarried() []Target {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.carried) == 0 {
		return nil
	}
	out := make([]Target, 0, len(s.carried))
	for _, t := range s.carried {
		out = append(out, t)
	}
	s.carried = make(map[string]Target)
	return out
}

// Carried returns the number of patients waiting for the next tick.
func (s *Scheduler) Carried() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.carried)
}

// mergeTargets joins targets by patient. A patient is new only if every entry says so.
func mergeTargets(lists ...[]Target) []Target {
	var out []Target
	index := make(map[string]int)
	for _, list := range lists {
		for _, t := range list {
			if i, ok := index[t.Patient]; ok {
				out[i].New = out[i].New && t.New
				continue
			}
			index[t.Patient] = len(out)
			out = append(out, t)
		}
	}
	return out
}

// submit waits for queue space; the patients of a tick are already claimed and must not be dropped.
func (s *Scheduler) submit(ctx context.Context, task *workerpool.Task) error {
	for {
		err := s.pool.Submit(task)
		if !errors.Is(err, workerpool.ErrQueueFull) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(submitRetryDelay):
		}
	}
}

// RunOnce runs one tick and waits for its work to finish.
func (s *Scheduler) RunOnce(ctx context.Context) (TickReport, error) {
	report, err := s.Tick(ctx)
	if err != nil {
		return report, err
	}
	return report, s.pool.Wait(ctx)
}

// Enqueue reconciles one patient outside the timer and returns the correlation id of the run.
// A patient already queued or running is rejected with workerpool.ErrDuplicateTask.
func (s *Scheduler) Enqueue(patient string) (string, error) {
	if strings.TrimSpace(patient) == "" {
		return "", ErrEmptyPatient
	}
	target := Target{Patient: fhir.PatientReference(patient)}
	id := s.node.Generate().String()
	if err := s.pool.Submit(&workerpool.Task{ID: target.Patient, Payload: job{target: target, tick: id}}); err != nil {
		return "", err
	}
	s.metrics.QueueDepth(s.pool.InFlight())
	s.logger.Info("patient enqueued", zap.String("patient", target.Patient), zap.String("tick", id))
	return id, nil
}

// Wait blocks until no patient is queued or running.
func (s *Scheduler) Wait(ctx context.Context) error {
	return s.pool.Wait(ctx)
}

// Stats returns worker pool statistics
func (s *Scheduler) Stats() workerpool.Stats {
	return s.pool.Stats()
}

// IsHealthy reports whether the worker queue is not backing up
func (s *Scheduler) IsHealthy() bool {
	return s.pool.IsHealthy()
}

// Stop stops ticking and drains the worker pool.
func (s *Scheduler) Stop() error {
	var err error
	s.stopOnce.Do(func() {
		close(s.stop)
		if s.started.Load() {
			<-s.done
		}
		err = s.pool.Stop()
		s.logger.Info("scheduler stopped")
	})
	return err
}
