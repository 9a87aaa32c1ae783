// Package fhirstore is the clinical repository gateway for a FHIR R4 server.
package fhirstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"go.uber.org/zap"

	fhir "github.com/drfirst/go-pathsync/internal/fhir/r4"
	"github.com/drfirst/go-pathsync/internal/infrastructure/restclient"
)

// ContentType is the FHIR JSON media type.
const ContentType = "application/fhir+json"

// maxPages bounds paging so a server that keeps returning next links cannot stall a tick.
const maxPages = 1000

var (
	ErrNoID         = errors.New("created resource has no id")
	ErrTooManyPages = errors.New("search result exceeds page limit")
)

// Store reads and writes resources over the FHIR REST API.
type Store struct {
	client *restclient.Client
	logger *zap.Logger
}

// New creates a store over a client configured with the repository base URL.
func New(client *restclient.Client, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{client: client, logger: logger}
}

type resourceHeader struct {
	ResourceType string `json:"resourceType"`
	ID           string `json:"id"`
}

// search runs a type search and drains every page.
func search[T any](ctx context.Context, s *Store, resourceType string, params url.Values) ([]T, error) {
	var out []T
	path := resourceType
	query := params

	for page := 0; path != ""; page++ {
		if page == maxPages {
			return nil, fmt.Errorf("%w: %s", ErrTooManyPages, resourceType)
		}

		var bundle fhir.Bundle
		if err := s.client.Get(ctx, path, query, nil, &bundle); err != nil {
			return nil, fmt.Errorf("search %s: %w", resourceType, err)
		}

		for _, entry := range bundle.Entry {
			var head resourceHeader
			if err := json.Unmarshal(entry.Resource, &head); err != nil {
				return nil, fmt.Errorf("decode %s entry: %w", resourceType, err)
			}
			// Skip OperationOutcome and included resources.
			if head.ResourceType != resourceType {
				continue
			}
			var v T
			if err := json.Unmarshal(entry.Resource, &v); err != nil {
				return nil, fmt.Errorf("decode %s/%s: %w", resourceType, head.ID, err)
			}
			if rc, ok := any(&v).(fhir.RawCarrier); ok {
				rc.SetRaw(append(json.RawMessage(nil), entry.Resource...))
			}
			out = append(out, v)
		}

		path, query = bundle.NextURL(), nil
	}
	return out, nil
}

func read[T any](ctx context.Context, s *Store, ref string) (*T, error) {
	typ, id, ok := fhir.SplitReference(ref)
	if !ok {
		return nil, fmt.Errorf("read: invalid reference %q", ref)
	}
	var raw json.RawMessage
	if err := s.client.Get(ctx, typ+"/"+id, nil, nil, &raw); err != nil {
		return nil, fmt.Errorf("read %s/%s: %w", typ, id, err)
	}
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("decode %s/%s: %w", typ, id, err)
	}
	if rc, ok := any(&v).(fhir.RawCarrier); ok {
		rc.SetRaw(raw)
	}
	return &v, nil
}

func codeParam(c fhir.Coding) string {
	if c.System == "" {
		return c.Code
	}
	return c.Token()
}

// SearchCommunications returns notifications in the given status.
func (s *Store) SearchCommunications(ctx context.Context, status string) ([]fhir.Communication, error) {
	return search[fhir.Communication](ctx, s, fhir.TypeCommunication, url.Values{"status": {status}})
}

// SearchObservations returns the patient's observations with the coding.
func (s *Store) SearchObservations(ctx context.Context, patient string, c fhir.Coding) ([]fhir.Observation, error) {
	return search[fhir.Observation](ctx, s, fhir.TypeObservation, url.Values{
		"subject": {fhir.PatientReference(patient)},
		"code":    {codeParam(c)},
	})
}

// SearchMedicationRequests returns the patient's medication requests with the coding and status.
// An empty status matches every status.
func (s *Store) SearchMedicationRequests(ctx context.Context, patient string, c fhir.Coding, status string) ([]fhir.MedicationRequest, error) {
	params := url.Values{
		"subject": {fhir.PatientReference(patient)},
		"code":    {codeParam(c)},
	}
	if status != "" {
		params.Set("status", status)
	}
	return search[fhir.MedicationRequest](ctx, s, fhir.TypeMedicationRequest, params)
}

// SearchTasks returns administrative tasks for the patient in the given status.
func (s *Store) SearchTasks(ctx context.Context, patient, status string) ([]fhir.Task, error) {
	tasks, err := search[fhir.Task](ctx, s, fhir.TypeTask, url.Values{
		"subject": {fhir.PatientReference(patient)},
		"status":  {status},
	})
	if err != nil {
		return nil, err
	}
	// Servers without the subject search parameter on Task ignore it.
	want := fhir.PatientReference(patient)
	out := tasks[:0]
	for _, t := range tasks {
		if t.For != nil && fhir.PatientReference(t.For.Reference) == want {
			out = append(out, t)
		}
	}
	return out, nil
}

// ReadObservation reads one Observation.
func (s *Store) ReadObservation(ctx context.Context, ref string) (*fhir.Observation, error) {
	return read[fhir.Observation](ctx, s, ref)
}

// ReadMedicationRequest reads one MedicationRequest.
func (s *Store) ReadMedicationRequest(ctx context.Context, ref string) (*fhir.MedicationRequest, error) {
	return read[fhir.MedicationRequest](ctx, s, ref)
}

// Create posts a new resource and returns its relative reference.
func (s *Store) Create(ctx context.Context, resourceType string, resource any) (string, error) {
	var created resourceHeader
	resp, err := s.client.Do(ctx, restclient.Request{
		Method: http.MethodPost,
		Path:   resourceType,
		Body:   resource,
	}, &created)
	if err != nil {
		return "", fmt.Errorf("create %s: %w", resourceType, err)
	}

	if created.ID != "" && created.ResourceType == resourceType {
		return resourceType + "/" + created.ID, nil
	}
	if loc := resp.Header.Get("Location"); loc != "" {
		if typ, id, ok := fhir.SplitReference(loc); ok {
			return typ + "/" + id, nil
		}
	}
	return "", fmt.Errorf("create %s: %w", resourceType, ErrNoID)
}

// UpdateStatus sets the status element of a resource and writes it back.
// Elements the model does not cover are preserved from the JSON the resource was read with.
func (s *Store) UpdateStatus(ctx context.Context, resourceType, id string, rc fhir.RawCarrier, status string) error {
	var doc map[string]any
	if raw := rc.Raw(); len(raw) > 0 {
		if err := json.Unmarshal(raw, &doc); err != nil {
			return fmt.Errorf("decode %s/%s: %w", resourceType, id, err)
		}
	} else {
		b, err := json.Marshal(rc)
		if err != nil {
			return err
		}
		if err := json.Unmarshal(b, &doc); err != nil {
			return err
		}
	}
	doc["resourceType"] = resourceType
	doc["id"] = id
	doc["status"] = status

	_, err := s.client.Do(ctx, restclient.Request{
		Method: http.MethodPut,
		Path:   resourceType + "/" + id,
		Body:   doc,
	}, nil)
	if err != nil {
		return fmt.Errorf("update %s/%s status=%s: %w", resourceType, id, status, err)
	}

	s.logger.Debug("resource status updated",
		zap.String("resource", resourceType+"/"+id),
		zap.String("status", status))
	return nil
}

// UpdateTaskStatus sets an administrative task's status.
func (s *Store) UpdateTaskStatus(ctx context.Context, task *fhir.Task, status string) error {
	if err := s.UpdateStatus(ctx, fhir.TypeTask, task.ID, task, status); err != nil {
		return err
	}
	task.Status = status
	return nil
}

// UpdateCommunicationStatus sets a notification's status.
func (s *Store) UpdateCommunicationStatus(ctx context.Context, comm *fhir.Communication, status string) error {
	if err := s.UpdateStatus(ctx, fhir.TypeCommunication, comm.ID, comm, status); err != nil {
		return err
	}
	comm.Status = status
	return nil
}

// CreateObservation creates an Observation.
func (s *Store) CreateObservation(ctx context.Context, o *fhir.Observation) (string, error) {
	o.ResourceType = fhir.TypeObservation
	return s.Create(ctx, fhir.TypeObservation, o)
}

// CreateMedicationRequest creates a MedicationRequest.
func (s *Store) CreateMedicationRequest(ctx context.Context, mr *fhir.MedicationRequest) (string, error) {
	mr.ResourceType = fhir.TypeMedicationRequest
	return s.Create(ctx, fhir.TypeMedicationRequest, mr)
}

// CreateTask creates an administrative Task.
func (s *Store) CreateTask(ctx context.Context, t *fhir.Task) (string, error) {
	t.ResourceType = fhir.TypeTask
	return s.Create(ctx, fhir.TypeTask, t)
}

// CreateCommunication creates a notification.
func (s *Store) CreateCommunication(ctx context.Context, c *fhir.Communication) (string, error) {
	c.ResourceType = fhir.TypeCommunication
	return s.Create(ctx, fhir.TypeCommunication, c)
}
