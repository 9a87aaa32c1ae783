package reconcile

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/drfirst/go-pathsync/internal/domain/pathway"
	"github.com/drfirst/go-pathsync/internal/domain/reconciliation"
	fhir "github.com/drfirst/go-pathsync/internal/fhir/r4"
	"github.com/drfirst/go-pathsync/internal/infrastructure/restclient"
)

// resolveValue returns the item's value. ok is false when no value can be contributed this run.
func (e *Engine) resolveValue(ctx context.Context, r *run, src pathway.ItemSource) (value string, ok bool, err error) {
	switch s := src.(type) {
	case pathway.StoredSource:
		return e.stored(ctx, r, s)
	case pathway.AbstractedSource:
		return e.abstracted(ctx, r, s.Coding)
	case pathway.ReportedSource:
		return e.reported(ctx, r, s)
	default:
		r.logger.Info("unsupported item source", zap.String("source", src.Source()))
		return "", false, nil
	}
}

// stored reads the value from the patient's current resource. An Observation yields its quantity, or
// an empty string when none is current. A MedicationRequest yields "1" when an active one is current.
func (e *Engine) stored(ctx context.Context, r *run, src pathway.StoredSource) (string, bool, error) {
	now := e.now()
	switch src.ResourceType {
	case fhir.TypeObservation:
		found, err := e.repo.SearchObservations(ctx, r.patient, src.Coding)
		if err != nil {
			return "", false, fmt.Errorf("search observations: %w", err)
		}
		if o := currentObservation(found, now); o != nil {
			return observationValue(o), true, nil
		}
		return "", true, nil
	case fhir.TypeMedicationRequest:
		found, err := e.repo.SearchMedicationRequests(ctx, r.patient, src.Coding, fhir.StatusActive)
		if err != nil {
			return "", false, fmt.Errorf("search medication requests: %w", err)
		}
		return flag(currentMedicationRequest(found, now) != nil), true, nil
	default:
		r.logger.Info("unsupported stored resource type", zap.String("resource_type", src.ResourceType))
		return "", false, nil
	}
}

// reported returns a value recorded by an external actor. The first request creates a preliminary
// Observation with an administrative task and a notification; later runs find that task and wait for
// the Observation to be registered.
func (e *Engine) reported(ctx context.Context, r *run, src pathway.ReportedSource) (string, bool, error) {
	pending, err := e.findObservationRequest(ctx, r, src.Coding)
	if err != nil {
		return "", false, err
	}
	if pending != nil {
		if pending.observation.Status != fhir.ObservationRegistered {
			return "", false, nil
		}
		if err := e.repo.UpdateTaskStatus(ctx, pending.task, fhir.TaskCompleted); err != nil {
			return "", false, fmt.Errorf("complete administrative task %s: %w", pending.task.ID, err)
		}
		r.logger.Info("reported value received",
			zap.String("observation", pending.ref),
			zap.String("coding", src.Coding.Token()))
		return observationValue(pending.observation), true, nil
	}

	subject := fhir.NewReference(r.patient)
	obsRef, err := e.repo.CreateObservation(ctx, &fhir.Observation{
		ResourceType: fhir.TypeObservation,
		Status:       fhir.ObservationPreliminary,
		Code:         fhir.CodeableConcept{Coding: []fhir.Coding{src.Coding}},
		Subject:      &subject,
	})
	if err != nil {
		return "", false, fmt.Errorf("create observation request: %w", err)
	}
	taskRef, err := e.createAdminTask(ctx, r.patient, obsRef)
	if err != nil {
		return "", false, err
	}
	commRef, err := e.notify(ctx, r.patient, obsRef)
	if err != nil {
		return "", false, err
	}

	e.metrics.Requested(fhir.TypeObservation)
	r.emit(reconciliation.EventObservationRequested, reconciliation.RequestData{
		Resource: obsRef,
		Task:     taskRef,
		Notice:   commRef,
		Coding:   src.Coding.Token(),
	})
	r.logger.Info("observation requested",
		zap.String("observation", obsRef),
		zap.String("coding", src.Coding.Token()))
	return "", false, nil
}

type observationRequest struct {
	task        *fhir.Task
	ref         string
	observation *fhir.Observation
}

type medicationRequest struct {
	task    *fhir.Task
	ref     string
	request *fhir.MedicationRequest
}

// openAdminTasks returns the patient's requested administrative tasks focused on resources of type typ.
func (e *Engine) openAdminTasks(ctx context.Context, patient, typ string) ([]fhir.Task, error) {
	tasks, err := e.repo.SearchTasks(ctx, patient, fhir.TaskRequested)
	if err != nil {
		return nil, fmt.Errorf("search administrative tasks: %w", err)
	}
	out := tasks[:0]
	for _, t := range tasks {
		if t.Focus != nil && t.Focus.ResourceType() == typ && t.Focus.ID() != "" {
			out = append(out, t)
		}
	}
	return out, nil
}

func (e *Engine) findObservationRequest(ctx context.Context, r *run, c fhir.Coding) (*observationRequest, error) {
	tasks, err := e.openAdminTasks(ctx, r.patient, fhir.TypeObservation)
	if err != nil {
		return nil, err
	}
	for i := range tasks {
		ref := fhir.TypeObservation + "/" + tasks[i].Focus.ID()
		obs, err := e.repo.ReadObservation(ctx, ref)
		if restclient.IsNotFound(err) {
			r.logger.Debug("administrative task points at a missing observation", zap.String("task", tasks[i].ID))
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", ref, err)
		}
		if hasCoding(obs.Code, c) {
			return &observationRequest{task: &tasks[i], ref: ref, observation: obs}, nil
		}
	}
	return nil, nil
}

func (e *Engine) findMedicationRequest(ctx context.Context, r *run, c fhir.Coding) (*medicationRequest, error) {
	tasks, err := e.openAdminTasks(ctx, r.patient, fhir.TypeMedicationRequest)
	if err != nil {
		return nil, err
	}
	for i := range tasks {
		ref := fhir.TypeMedicationRequest + "/" + tasks[i].Focus.ID()
		mr, err := e.repo.ReadMedicationRequest(ctx, ref)
		if restclient.IsNotFound(err) {
			r.logger.Debug("administrative task points at a missing medication request", zap.String("task", tasks[i].ID))
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", ref, err)
		}
		if fhir.CodingsMatch(mr.MedicationCoding(), c) {
			return &medicationRequest{task: &tasks[i], ref: ref, request: mr}, nil
		}
	}
	return nil, nil
}

// createAdminTask links the patient to a resource awaiting an external value or decision.
func (e *Engine) createAdminTask(ctx context.Context, patient, focus string) (string, error) {
	forRef := fhir.NewReference(patient)
	focusRef := fhir.NewReference(focus)
	ref, err := e.repo.CreateTask(ctx, &fhir.Task{
		ResourceType: fhir.TypeTask,
		Status:       fhir.TaskRequested,
		Intent:       fhir.IntentOrder,
		For:          &forRef,
		Focus:        &focusRef,
		AuthoredOn:   fhir.FormatDateTime(e.now()),
	})
	if err != nil {
		return "", fmt.Errorf("create administrative task for %s: %w", focus, err)
	}
	return ref, nil
}

// notify creates the notification that brings the patient back once the resource changes.
// It starts in preparation; whoever records the value moves it to in-progress.
func (e *Engine) notify(ctx context.Context, patient, about string) (string, error) {
	subject := fhir.NewReference(patient)
	payload := fhir.NewReference(about)
	ref, err := e.repo.CreateCommunication(ctx, &fhir.Communication{
		ResourceType: fhir.TypeCommunication,
		Status:       fhir.CommunicationPreparation,
		Subject:      &subject,
		Sent:         fhir.FormatDateTime(e.now()),
		Payload:      []fhir.CommunicationPayload{{ContentReference: &payload}},
	})
	if err != nil {
		return "", fmt.Errorf("create notification for %s: %w", about, err)
	}
	return ref, nil
}

// currentObservation is the most recent observation that is not in the future.
func currentObservation(found []fhir.Observation, now time.Time) *fhir.Observation {
	var best *fhir.Observation
	var bestAt time.Time
	for i := range found {
		at, ok := effectiveAt(&found[i], now)
		if !ok {
			continue
		}
		if best == nil || at.After(bestAt) {
			best, bestAt = &found[i], at
		}
	}
	return best
}

// currentMedicationRequest is the request whose dosage window contains now, ending last.
func currentMedicationRequest(found []fhir.MedicationRequest, now time.Time) *fhir.MedicationRequest {
	var best *fhir.MedicationRequest
	var bestEnd time.Time
	for i := range found {
		start, end, ok := found[i].DosageWindow()
		if !ok || now.Before(start) || now.After(end) {
			continue
		}
		if best == nil || end.After(bestEnd) {
			best, bestEnd = &found[i], end
		}
	}
	return best
}

func observationValue(o *fhir.Observation) string {
	if v := o.ValueQuantity.PlainString(); v != "" {
		return v
	}
	return o.ValueString
}

func hasCoding(cc fhir.CodeableConcept, c fhir.Coding) bool {
	for _, x := range cc.Coding {
		if fhir.CodingsMatch(x, c) {
			return true
		}
	}
	return false
}

func flag(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
