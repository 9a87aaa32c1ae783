// Package reconciliation defines the events emitted while reconciling a patient.
package reconciliation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// EventType represents the type of reconciliation event
type EventType string

const (
	EventEnactmentCreated     EventType = "EnactmentCreated"
	EventEnactmentDeleted     EventType = "EnactmentDeleted"
	EventTaskConfirmed        EventType = "TaskConfirmed"
	EventTaskBlocked          EventType = "TaskBlocked"
	EventTaskFailed           EventType = "TaskFailed"
	EventDataValuesWritten    EventType = "DataValuesWritten"
	EventObservationRequested EventType = "ObservationRequested"
	EventMedicationProposed   EventType = "MedicationProposed"
)

// AggregatePatient is the aggregate type of every reconciliation event.
const AggregatePatient = "Patient"

// Event represents a reconciliation event. The aggregate is the patient.
type Event struct {
	ID            string          `json:"id"`
	AggregateID   string          `json:"aggregate_id"`
	AggregateType string          `json:"aggregate_type"`
	EventType     EventType       `json:"event_type"`
	EventData     json.RawMessage `json:"event_data"`
	TickID        string          `json:"tick_id,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
}

// NewEvent creates a new event
func NewEvent(patient string, eventType EventType, data interface{}) (*Event, error) {
	eventData, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return &Event{
		ID:            uuid.New().String(),
		AggregateID:   patient,
		AggregateType: AggregatePatient,
		EventType:     eventType,
		EventData:     eventData,
		Timestamp:     time.Now().UTC(),
	}, nil
}

// WithTick sets the tick correlation id
func (e *Event) WithTick(tickID string) *Event {
	e.TickID = tickID
	return e
}

// EnactmentData describes an enactment lifecycle change
type EnactmentData struct {
	EnactmentID string `json:"enactment_id"`
	PathwayID   string `json:"pathway_id,omitempty"`
	Parent      string `json:"parent_enactment_id,omitempty"`
}

// TaskData describes a plan task outcome
type TaskData struct {
	EnactmentID string   `json:"enactment_id"`
	Task        string   `json:"task"`
	Kind        string   `json:"kind,omitempty"`
	State       string   `json:"state,omitempty"`
	Reasons     []string `json:"reasons,omitempty"`
	Error       string   `json:"error,omitempty"`
}

// DataValuesData describes a batched data-value write
type DataValuesData struct {
	EnactmentID string            `json:"enactment_id"`
	Task        string            `json:"task"`
	Values      map[string]string `json:"values"`
	Rejected    []string          `json:"rejected,omitempty"`
}

// RequestData describes a repository-side request for an external value or decision
type RequestData struct {
	Resource string `json:"resource"`
	Task     string `json:"admin_task"`
	Notice   string `json:"communication,omitempty"`
	Coding   string `json:"coding"`
}

// Publisher delivers events to a sink.
type Publisher interface {
	Publish(ctx context.Context, events ...*Event) error
}

// LogPublisher writes events to the log. It is the default sink.
type LogPublisher struct {
	Logger *zap.Logger
}

// Publish logs each event at info level.
func (p LogPublisher) Publish(_ context.Context, events ...*Event) error {
	logger := p.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	for _, ev := range events {
		logger.Info("reconciliation event",
			zap.String("event_id", ev.ID),
			zap.String("event_type", string(ev.EventType)),
			zap.String("patient", ev.AggregateID),
			zap.String("tick", ev.TickID),
			zap.ByteString("data", ev.EventData))
	}
	return nil
}

// ReconcileRequest asks for one patient to be reconciled outside the timer.
type ReconcileRequest struct {
	Patient     string    `json:"patient"`
	Reason      string    `json:"reason,omitempty"`
	RequestedAt time.Time `json:"requested_at,omitempty"`
}

// DecodeReconcileRequest parses a request message. A bare "Patient/id" or id is accepted too.
func DecodeReconcileRequest(value []byte) (ReconcileRequest, error) {
	var req ReconcileRequest
	trimmed := strings.TrimSpace(string(value))
	if strings.HasPrefix(trimmed, "{") {
		if err := json.Unmarshal(value, &req); err != nil {
			return req, fmt.Errorf("decode reconcile request: %w", err)
		}
	} else {
		req.Patient = strings.Trim(trimmed, `"`)
	}
	if req.Patient == "" {
		return req, errors.New("reconcile request without patient")
	}
	return req, nil
}
