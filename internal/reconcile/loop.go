package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-pathsync/internal/domain/pathway"
	"github.com/drfirst/go-pathsync/internal/domain/reconciliation"
	fhir "github.com/drfirst/go-pathsync/internal/fhir/r4"
)

const (
	leaseReleaseTimeout = 5 * time.Second
	publishTimeout      = 10 * time.Second
)

// run is the state of one patient's reconciliation.
type run struct {
	patient string
	tick    string
	logger  *zap.Logger
	events  []*reconciliation.Event
	// errors of sub-pathways, which do not fail the action that started them
	deferred []error
}

func (r *run) emit(eventType reconciliation.EventType, data interface{}) {
	ev, err := reconciliation.NewEvent(r.patient, eventType, data)
	if err != nil {
		r.logger.Warn("failed to build event", zap.String("event_type", string(eventType)), zap.Error(err))
		return
	}
	r.events = append(r.events, ev.WithTick(r.tick))
}

// enactment is an enactment with its live session.
type enactment struct {
	id      string
	session string
	depth   int
}

// ReconcilePatient drives every enactment of the patient as far as the current data allows.
// It returns ErrLeaseHeld without doing any work when another holder owns the patient's lease.
func (e *Engine) ReconcilePatient(ctx context.Context, target Target, tickID string) error {
	start := time.Now()
	patient := fhir.PatientReference(target.Patient)

	ctx, span := e.tracer.Start(ctx, "reconcile_patient",
		trace.WithAttributes(
			attribute.String("patient", patient),
			attribute.String("tick", tickID),
			attribute.Bool("new", target.New),
		))
	defer span.End()

	if e.cfg.PatientTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.PatientTimeout)
		defer cancel()
	}

	logger := e.logger.With(zap.String("patient", patient), zap.String("tick", tickID))

	token, ok, err := e.lease.Acquire(ctx, patient)
	if err != nil {
		err = fmt.Errorf("acquire lease for %s: %w", patient, err)
		span.RecordError(err)
		e.metrics.Patient(time.Since(start), err)
		return err
	}
	if !ok {
		logger.Debug("patient is being reconciled elsewhere")
		return ErrLeaseHeld
	}
	defer func() {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), leaseReleaseTimeout)
		defer cancel()
		if err := e.lease.Release(rctx, patient, token); err != nil {
			logger.Warn("failed to release patient lease", zap.Error(err))
		}
	}()

	r := &run{patient: patient, tick: tickID, logger: logger}
	err = e.reconcile(ctx, r, target.New)
	err = errors.Join(append([]error{err}, r.deferred...)...)
	e.flush(ctx, r)

	e.metrics.Patient(time.Since(start), err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Warn("patient reconciliation incomplete", zap.Error(err), zap.Duration("duration", time.Since(start)))
		return err
	}
	logger.Debug("patient reconciled", zap.Duration("duration", time.Since(start)))
	return nil
}

func (e *Engine) reconcile(ctx context.Context, r *run, isNew bool) error {
	if isNew {
		return e.startMetaPathway(ctx, r)
	}

	enactments, err := e.de.EnactmentsByPatient(ctx, r.patient)
	if err != nil {
		return fmt.Errorf("list enactments: %w", err)
	}
	if len(enactments) == 0 {
		return e.startMetaPathway(ctx, r)
	}

	var errs []error
	for _, en := range enactments {
		session, err := e.de.Connect(ctx, en.ID)
		if err != nil {
			errs = append(errs, fmt.Errorf("connect enactment %s: %w", en.ID, err))
			continue
		}
		if err := e.processEnactment(ctx, r, &enactment{id: en.ID, session: session}); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (e *Engine) startMetaPathway(ctx context.Context, r *run) error {
	en, err := e.enactPathway(ctx, r, e.cfg.MetaPathway, "", 0)
	if errors.Is(err, ErrPathwayNotFound) {
		r.logger.Warn("meta-pathway not found, patient not enrolled", zap.String("pathway", e.cfg.MetaPathway))
		return nil
	}
	if err != nil {
		return err
	}
	return e.processEnactment(ctx, r, en)
}

// enactPathway creates an enactment of the named pathway. The session returned by the enact call
// is the enactment's session for the rest of the run.
func (e *Engine) enactPathway(ctx context.Context, r *run, name, parent string, depth int) (*enactment, error) {
	found, err := e.pathwayExists(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("look up pathway %s: %w", name, err)
	}
	if !found {
		return nil, fmt.Errorf("%w: %s", ErrPathwayNotFound, name)
	}

	pathwayID := name + pathway.PathwayFileSuffix
	res, err := e.de.Enact(ctx, pathwayID, r.patient)
	if err != nil {
		return nil, fmt.Errorf("enact %s: %w", pathwayID, err)
	}

	e.metrics.EnactmentCreated()
	r.emit(reconciliation.EventEnactmentCreated, reconciliation.EnactmentData{
		EnactmentID: res.EnactmentID,
		PathwayID:   pathwayID,
		Parent:      parent,
	})
	r.logger.Info("enactment created",
		zap.String("enactment", res.EnactmentID),
		zap.String("pathway", pathwayID),
		zap.Int("depth", depth))

	return &enactment{id: res.EnactmentID, session: res.SessionID, depth: depth}, nil
}

// processEnactment drains the enactment's open tasks. A confirmed task queues the unhandled tasks of
// its subtree. When the queue is empty the full open set is fetched again: an empty set deletes the
// enactment, unhandled tasks are queued, and a set of already handled tasks ends the run.
func (e *Engine) processEnactment(ctx context.Context, r *run, en *enactment) error {
	ctx, span := e.tracer.Start(ctx, "process_enactment",
		trace.WithAttributes(
			attribute.String("enactment", en.id),
			attribute.Int("depth", en.depth),
		))
	defer span.End()

	open, err := e.de.OpenTasks(ctx, en.session)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("fetch open tasks of %s: %w", en.id, err)
	}

	handled := make(map[string]bool)
	iterations := 0
	var errs []error

	for {
		if len(open) == 0 {
			if err := e.deleteEnactment(ctx, r, en); err != nil {
				errs = append(errs, err)
			}
			break
		}

		queue := unhandled(open, handled)
		if len(queue) == 0 {
			break
		}

		for len(queue) > 0 {
			task := queue[0]
			queue = queue[1:]
			if handled[task.Name] {
				continue
			}
			if iterations >= e.cfg.MaxIterations {
				r.logger.Warn("enactment keeps producing tasks, stopping for this run",
					zap.String("enactment", en.id),
					zap.Int("iterations", iterations))
				span.SetAttributes(attribute.Int("iterations", iterations))
				return errors.Join(append(errs, fmt.Errorf("%w: enactment %s", ErrIterationLimit, en.id))...)
			}
			handled[task.Name] = true
			iterations++

			confirmed, err := e.dispatch(ctx, r, en, task)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			if !confirmed {
				continue
			}

			under, err := e.de.OpenTasksUnder(ctx, en.session, subtreeOf(task))
			if err != nil {
				errs = append(errs, fmt.Errorf("fetch tasks under %s: %w", subtreeOf(task), err))
				continue
			}
			queue = append(queue, unhandled(under, handled)...)
		}

		open, err = e.de.OpenTasks(ctx, en.session)
		if err != nil {
			errs = append(errs, fmt.Errorf("refetch open tasks of %s: %w", en.id, err))
			break
		}
	}

	span.SetAttributes(attribute.Int("iterations", iterations))
	if err := errors.Join(errs...); err != nil {
		span.RecordError(err)
		return err
	}
	return nil
}

func (e *Engine) deleteEnactment(ctx context.Context, r *run, en *enactment) error {
	deleted, err := e.de.DeleteEnactment(ctx, en.session, en.id)
	if err != nil {
		return fmt.Errorf("delete enactment %s: %w", en.id, err)
	}
	if !deleted {
		r.logger.Warn("decision engine kept finished enactment", zap.String("enactment", en.id))
		return nil
	}

	e.metrics.EnactmentDeleted()
	r.emit(reconciliation.EventEnactmentDeleted, reconciliation.EnactmentData{EnactmentID: en.id})
	r.logger.Info("enactment finished and deleted", zap.String("enactment", en.id))
	return nil
}

// flush publishes the run's events in one batch, even when the run's context is done.
func (e *Engine) flush(ctx context.Context, r *run) {
	if len(r.events) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()

	if err := e.publisher.Publish(ctx, r.events...); err != nil {
		r.logger.Warn("failed to publish reconciliation events",
			zap.Int("events", len(r.events)),
			zap.Error(err))
	}
}

// subtreeOf is the name whose subtree is refetched after the task is confirmed.
func subtreeOf(task pathway.PlanTask) string {
	if task.Context != "" {
		return task.Context
	}
	return task.Name
}

func unhandled(tasks []pathway.PlanTask, handled map[string]bool) []pathway.PlanTask {
	out := make([]pathway.PlanTask, 0, len(tasks))
	for _, t := range tasks {
		if !handled[t.Name] {
			out = append(out, t)
		}
	}
	return out
}
