// Package reconcile drives each patient's pathway enactments toward completion: it claims change
// notifications, resolves the data the decision engine asks for, executes the actions it prescribes
// and confirms tasks until no open task remains.
package reconcile

import (
	"context"

	"github.com/drfirst/go-pathsync/internal/domain/pathway"
	fhir "github.com/drfirst/go-pathsync/internal/fhir/r4"
)

// Repository is the clinical data repository. *fhirstore.Store implements it.
type Repository interface {
	SearchCommunications(ctx context.Context, status string) ([]fhir.Communication, error)
	UpdateCommunicationStatus(ctx context.Context, comm *fhir.Communication, status string) error
	CreateCommunication(ctx context.Context, c *fhir.Communication) (string, error)

	ReadObservation(ctx context.Context, ref string) (*fhir.Observation, error)
	SearchObservations(ctx context.Context, patient string, c fhir.Coding) ([]fhir.Observation, error)
	CreateObservation(ctx context.Context, o *fhir.Observation) (string, error)

	ReadMedicationRequest(ctx context.Context, ref string) (*fhir.MedicationRequest, error)
	SearchMedicationRequests(ctx context.Context, patient string, c fhir.Coding, status string) ([]fhir.MedicationRequest, error)
	CreateMedicationRequest(ctx context.Context, mr *fhir.MedicationRequest) (string, error)

	SearchTasks(ctx context.Context, patient, status string) ([]fhir.Task, error)
	UpdateTaskStatus(ctx context.Context, task *fhir.Task, status string) error
	CreateTask(ctx context.Context, t *fhir.Task) (string, error)
}

// DecisionEngine is the pathway engine. *decisionengine.Client implements it.
type DecisionEngine interface {
	EnactmentsByPatient(ctx context.Context, patient string) ([]pathway.Enactment, error)
	PathwaysByName(ctx context.Context, name string) ([]pathway.Pathway, error)
	Enact(ctx context.Context, pathwayID, patient string) (*pathway.EnactResult, error)
	Connect(ctx context.Context, enactmentID string) (string, error)
	OpenTasks(ctx context.Context, sessionID string) ([]pathway.PlanTask, error)
	OpenTasksUnder(ctx context.Context, sessionID, name string) ([]pathway.PlanTask, error)
	ItemData(ctx context.Context, sessionID, enquiry string) ([]pathway.ItemData, error)
	WriteDataValues(ctx context.Context, sessionID string, values []pathway.DataValue) ([]pathway.DataValueOutput, error)
	QueryConfirmTask(ctx context.Context, sessionID, name string) (*pathway.QueryConfirmTask, error)
	ConfirmTask(ctx context.Context, sessionID, name string) (string, error)
	DeleteEnactment(ctx context.Context, sessionID, enactmentID string) (bool, error)
}

// ConflictChecker is notified of every proposed medication request.
type ConflictChecker interface {
	Ping(ctx context.Context, medicationRequest string) (bool, error)
}

// Lease grants exclusive per-patient work across ticks and replicas.
type Lease interface {
	Acquire(ctx context.Context, key string) (token string, ok bool, err error)
	Release(ctx context.Context, key, token string) error
}
