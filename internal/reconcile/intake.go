package reconcile

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	fhir "github.com/drfirst/go-pathsync/internal/fhir/r4"
	"github.com/drfirst/go-pathsync/internal/infrastructure/restclient"
)

var (
	// ErrNoPayload indicates a notification without a payload reference.
	ErrNoPayload = errors.New("notification has no payload reference")
	// ErrUnsupportedPayload indicates a payload that does not lead to a patient.
	ErrUnsupportedPayload = errors.New("unsupported notification payload")
	// ErrNoSubject indicates a referenced resource without a patient subject.
	ErrNoSubject = errors.New("resource has no subject")
)

// Target is one patient to reconcile. New is set for a patient announced by a Patient notification.
type Target struct {
	Patient string `json:"patient"`
	New     bool   `json:"new"`
}

// Intake claims every in-progress notification and returns the patients they point at, each once.
// A notification is claimed by moving it to completed before it is looked at, so a later tick never
// sees it again. A notification that cannot be claimed is left for the next tick.
func (e *Engine) Intake(ctx context.Context) ([]Target, error) {
	ctx, span := e.tracer.Start(ctx, "intake")
	defer span.End()

	comms, err := e.repo.SearchCommunications(ctx, fhir.CommunicationInProgress)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("search notifications: %w", err)
	}
	if len(comms) == 0 {
		return nil, nil
	}

	claimed := make([]*fhir.Communication, 0, len(comms))
	for i := range comms {
		c := &comms[i]
		if err := e.repo.UpdateCommunicationStatus(ctx, c, fhir.CommunicationCompleted); err != nil {
			e.logger.Warn("failed to claim notification",
				zap.String("communication", c.ID),
				zap.Error(err))
			continue
		}
		claimed = append(claimed, c)
	}

	var targets []Target
	visited := make(map[string]int)
	for _, c := range claimed {
		target, err := e.resolveNotification(ctx, c)
		if err != nil {
			logIntakeError(e.logger, c, err)
			continue
		}
		if i, seen := visited[target.Patient]; seen {
			// any non-Patient notification turns the patient into an existing one
			targets[i].New = targets[i].New && target.New
			continue
		}
		visited[target.Patient] = len(targets)
		targets = append(targets, target)
	}

	e.logger.Info("notifications claimed",
		zap.Int("fetched", len(comms)),
		zap.Int("claimed", len(claimed)),
		zap.Int("patients", len(targets)))
	return targets, nil
}

func (e *Engine) resolveNotification(ctx context.Context, c *fhir.Communication) (Target, error) {
	ref := c.PayloadReference()
	if ref == nil || ref.ID() == "" {
		return Target{}, ErrNoPayload
	}

	typ, id := ref.ResourceType(), ref.ID()
	switch typ {
	case fhir.TypePatient:
		return Target{Patient: fhir.PatientReference(id), New: true}, nil
	case fhir.TypeObservation:
		obs, err := e.repo.ReadObservation(ctx, typ+"/"+id)
		if err != nil {
			return Target{}, err
		}
		if obs.Subject == nil || obs.Subject.ID() == "" {
			return Target{}, fmt.Errorf("%w: %s/%s", ErrNoSubject, typ, id)
		}
		return Target{Patient: fhir.PatientReference(obs.Subject.ID())}, nil
	case fhir.TypeMedicationRequest:
		mr, err := e.repo.ReadMedicationRequest(ctx, typ+"/"+id)
		if err != nil {
			return Target{}, err
		}
		if mr.Subject.ID() == "" {
			return Target{}, fmt.Errorf("%w: %s/%s", ErrNoSubject, typ, id)
		}
		return Target{Patient: fhir.PatientReference(mr.Subject.ID())}, nil
	default:
		return Target{}, fmt.Errorf("%w: %q", ErrUnsupportedPayload, typ)
	}
}

func logIntakeError(logger *zap.Logger, c *fhir.Communication, err error) {
	fields := []zap.Field{zap.String("communication", c.ID), zap.Error(err)}
	switch {
	case errors.Is(err, ErrNoPayload), errors.Is(err, ErrUnsupportedPayload), errors.Is(err, ErrNoSubject),
		restclient.IsNotFound(err):
		logger.Info("skipping notification", fields...)
	default:
		logger.Warn("failed to resolve notification", fields...)
	}
}
