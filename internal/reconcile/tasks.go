package reconcile

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-pathsync/internal/domain/pathway"
	"github.com/drfirst/go-pathsync/internal/domain/reconciliation"
	fhir "github.com/drfirst/go-pathsync/internal/fhir/r4"
	"github.com/drfirst/go-pathsync/internal/observability/metrics"
	"github.com/drfirst/go-pathsync/pkg/ledger"
)

// dispatch resolves one plan task and reports whether it was confirmed.
// Transport failures are counted in the ledger; a parked task is not touched until its entry expires.
func (e *Engine) dispatch(ctx context.Context, r *run, en *enactment, task pathway.PlanTask) (bool, error) {
	allowed, err := e.ledger.Allowed(ctx, en.id, task.Name)
	if err != nil {
		r.logger.Warn("failure ledger unavailable, processing task", zap.String("task", task.Name), zap.Error(err))
		allowed = true
	}
	if !allowed {
		r.logger.Debug("task parked after repeated failures",
			zap.String("enactment", en.id),
			zap.String("task", task.Name))
		e.metrics.Task("parked", metrics.OutcomeSkipped)
		return false, nil
	}

	kind, err := pathway.ParseTaskKind(task)
	if err != nil {
		r.logger.Info("skipping task",
			zap.String("enactment", en.id),
			zap.String("task", task.Name),
			zap.Error(err))
		e.metrics.Task("unknown", metrics.OutcomeSkipped)
		return false, nil
	}

	ctx, span := e.tracer.Start(ctx, "resolve_task",
		trace.WithAttributes(
			attribute.String("enactment", en.id),
			attribute.String("task", task.Name),
			attribute.String("kind", kind.Kind()),
		))
	defer span.End()

	var outcome string
	switch k := kind.(type) {
	case pathway.EnquiryTask:
		outcome, err = e.resolveEnquiry(ctx, r, en, task)
	case pathway.AutomaticAction:
		outcome, err = e.resolveAutomatic(ctx, r, en, task, k)
	case pathway.InteractiveAction:
		outcome, err = e.resolveInteractive(ctx, r, en, task, k)
	}
	if err != nil {
		span.RecordError(err)
		e.metrics.Task(kind.Kind(), metrics.OutcomeFailed)
		e.recordFailure(ctx, r, en, task, kind, err)
		return false, fmt.Errorf("task %s of %s: %w", task.Name, en.id, err)
	}

	span.SetAttributes(attribute.String("outcome", outcome))
	e.metrics.Task(kind.Kind(), outcome)
	if outcome != metrics.OutcomeConfirmed {
		return false, nil
	}
	if err := e.ledger.RecordSuccess(ctx, en.id, task.Name); err != nil {
		r.logger.Warn("failed to clear ledger entry", zap.String("task", task.Name), zap.Error(err))
	}
	return true, nil
}

func (e *Engine) recordFailure(ctx context.Context, r *run, en *enactment, task pathway.PlanTask, kind pathway.TaskKind, cause error) {
	data := reconciliation.TaskData{
		EnactmentID: en.id,
		Task:        task.Name,
		Kind:        kind.Kind(),
		Error:       cause.Error(),
	}

	// a run cut short by its deadline is not the task's fault
	if ctx.Err() != nil {
		r.logger.Warn("task interrupted", zap.String("task", task.Name), zap.Error(cause))
		r.emit(reconciliation.EventTaskFailed, data)
		return
	}

	status, err := e.ledger.RecordFailure(ctx, en.id, task.Name, cause)
	if err != nil {
		r.logger.Warn("failed to record task failure", zap.String("task", task.Name), zap.Error(err))
	}
	data.State = string(status)
	r.emit(reconciliation.EventTaskFailed, data)

	fields := []zap.Field{
		zap.String("enactment", en.id),
		zap.String("task", task.Name),
		zap.String("ledger_status", string(status)),
		zap.Error(cause),
	}
	if status == ledger.StatusFailed {
		r.logger.Error("task parked after repeated failures", fields...)
		return
	}
	r.logger.Warn("task failed", fields...)
}

// resolveEnquiry fills the enquiry's data items in one batched write, then tries to confirm it.
func (e *Engine) resolveEnquiry(ctx context.Context, r *run, en *enactment, task pathway.PlanTask) (string, error) {
	items, err := e.de.ItemData(ctx, en.session, task.Name)
	if err != nil {
		return "", fmt.Errorf("fetch data items: %w", err)
	}

	values := make([]pathway.DataValue, 0, len(items))
	for _, item := range items {
		src, err := pathway.ParseItemSource(item, e.translator)
		if err != nil {
			r.logger.Info("skipping data item",
				zap.String("task", task.Name),
				zap.String("item", item.Name),
				zap.Error(err))
			continue
		}
		value, ok, err := e.resolveValue(ctx, r, src)
		if err != nil {
			return "", fmt.Errorf("resolve %s item %s: %w", src.Source(), item.Name, err)
		}
		if ok {
			values = append(values, pathway.DataValue{Name: item.Name, Value: value})
		}
	}

	if len(values) > 0 {
		if err := e.writeValues(ctx, r, en, task, values); err != nil {
			return "", err
		}
	}
	return e.complete(ctx, r, en, task, pathway.EnquiryTask{}.Kind())
}

func (e *Engine) writeValues(ctx context.Context, r *run, en *enactment, task pathway.PlanTask, values []pathway.DataValue) error {
	out, err := e.de.WriteDataValues(ctx, en.session, values)
	if err != nil {
		return fmt.Errorf("write data values: %w", err)
	}

	var rejected []string
	for _, o := range out {
		if bool(o.Success) {
			continue
		}
		rejected = append(rejected, o.Name)
		r.logger.Warn("data value rejected",
			zap.String("task", task.Name),
			zap.String("item", o.Name),
			zap.String("error_code", o.ErrorCode.String()),
			zap.String("error_message", o.ErrorMessage))
	}

	written := make(map[string]string, len(values))
	for _, v := range values {
		written[v.Name] = v.Value
	}
	e.metrics.Values(len(values) - len(rejected))
	r.emit(reconciliation.EventDataValuesWritten, reconciliation.DataValuesData{
		EnactmentID: en.id,
		Task:        task.Name,
		Values:      written,
		Rejected:    rejected,
	})
	r.logger.Debug("data values written",
		zap.String("task", task.Name),
		zap.Int("values", len(values)),
		zap.Int("rejected", len(rejected)))
	return nil
}

// resolveAutomatic enacts the action's procedure as a sub-pathway for the same patient, reconciles it,
// and then tries to confirm the action itself. A sub-pathway that is already running is not enacted again.
func (e *Engine) resolveAutomatic(ctx context.Context, r *run, en *enactment, task pathway.PlanTask, action pathway.AutomaticAction) (string, error) {
	if en.depth >= e.cfg.MaxSubPathwayDepth {
		r.logger.Warn("sub-pathway depth limit reached",
			zap.String("task", task.Name),
			zap.String("procedure", action.Procedure),
			zap.Int("depth", en.depth))
		return metrics.OutcomeSkipped, nil
	}

	pathwayID := action.Procedure + pathway.PathwayFileSuffix
	existing, err := e.de.EnactmentsByPatient(ctx, r.patient)
	if err != nil {
		return "", fmt.Errorf("list enactments: %w", err)
	}
	running := false
	for _, x := range existing {
		if x.PathwayID == pathwayID && x.ID != en.id {
			running = true
			break
		}
	}

	if running {
		r.logger.Debug("sub-pathway already enacted", zap.String("pathway", pathwayID))
	} else {
		sub, err := e.enactPathway(ctx, r, action.Procedure, en.id, en.depth+1)
		if errors.Is(err, ErrPathwayNotFound) {
			r.logger.Info("skipping automatic action", zap.String("task", task.Name), zap.Error(err))
			return metrics.OutcomeSkipped, nil
		}
		if err != nil {
			return "", err
		}
		if err := e.processEnactment(ctx, r, sub); err != nil {
			r.deferred = append(r.deferred, err)
		}
	}

	return e.complete(ctx, r, en, task, action.Kind())
}

// resolveInteractive asks a clinician to decide on the medication request embedded in the action.
// An open administrative task for the same medication means the request was already made: an active or
// cancelled request answers it, anything else is still pending. Otherwise a proposal is created.
func (e *Engine) resolveInteractive(ctx context.Context, r *run, en *enactment, task pathway.PlanTask, action pathway.InteractiveAction) (string, error) {
	if action.ResourceType != fhir.TypeMedicationRequest {
		r.logger.Info("skipping interactive action",
			zap.String("task", task.Name),
			zap.String("resource_type", action.ResourceType))
		return metrics.OutcomeSkipped, nil
	}
	proposed, err := fhir.ParseMedicationRequest(action.Resource)
	if err != nil {
		r.logger.Info("skipping interactive action", zap.String("task", task.Name), zap.Error(err))
		return metrics.OutcomeSkipped, nil
	}
	medication := proposed.MedicationCoding()
	if medication.System == "" || medication.Code == "" {
		r.logger.Info("skipping interactive action without medication coding", zap.String("task", task.Name))
		return metrics.OutcomeSkipped, nil
	}

	pending, err := e.findMedicationRequest(ctx, r, medication)
	if err != nil {
		return "", err
	}
	if pending != nil {
		switch pending.request.Status {
		case fhir.StatusActive, fhir.StatusCancelled:
			if err := e.repo.UpdateTaskStatus(ctx, pending.task, fhir.TaskCompleted); err != nil {
				return "", fmt.Errorf("complete administrative task %s: %w", pending.task.ID, err)
			}
			r.logger.Info("medication decision received",
				zap.String("task", task.Name),
				zap.String("medication_request", pending.ref),
				zap.String("status", pending.request.Status))
			return e.complete(ctx, r, en, task, action.Kind())
		default:
			return metrics.OutcomePending, nil
		}
	}

	proposed.ID = ""
	proposed.Meta = nil
	proposed.Status = fhir.StatusDraft
	proposed.Intent = fhir.IntentProposal
	proposed.Subject = fhir.NewReference(r.patient)

	mrRef, err := e.repo.CreateMedicationRequest(ctx, proposed)
	if err != nil {
		return "", fmt.Errorf("create medication proposal: %w", err)
	}
	taskRef, err := e.createAdminTask(ctx, r.patient, mrRef)
	if err != nil {
		return "", err
	}

	resolved, err := e.conflicts.Ping(ctx, mrRef)
	if err != nil {
		r.logger.Warn("conflict check failed", zap.String("medication_request", mrRef), zap.Error(err))
	} else {
		r.logger.Info("conflict check done",
			zap.String("medication_request", mrRef),
			zap.Bool("resolved_conflict", resolved))
	}

	commRef, err := e.notify(ctx, r.patient, mrRef)
	if err != nil {
		return "", err
	}

	e.metrics.Requested(fhir.TypeMedicationRequest)
	r.emit(reconciliation.EventMedicationProposed, reconciliation.RequestData{
		Resource: mrRef,
		Task:     taskRef,
		Notice:   commRef,
		Coding:   medication.Token(),
	})
	r.logger.Info("medication proposed",
		zap.String("task", task.Name),
		zap.String("medication_request", mrRef),
		zap.String("coding", medication.Token()))
	return metrics.OutcomePending, nil
}
