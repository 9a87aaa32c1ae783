package r4

import (
	"encoding/json"
	"fmt"
	"time"
)

// MedicationRequest represents a FHIR R4 MedicationRequest resource.
type MedicationRequest struct {
	ResourceType string `json:"resourceType"`
	ID           string `json:"id,omitempty"`
	Meta         *Meta  `json:"meta,omitempty"`

	Identifier []Identifier `json:"identifier,omitempty"`

	Status string `json:"status"` // active | on-hold | cancelled | completed | entered-in-error | stopped | draft | unknown
	Intent string `json:"intent"` // proposal | plan | order | ...

	Category []CodeableConcept `json:"category,omitempty"`
	Priority string            `json:"priority,omitempty"`

	// R4 carries the medication as a choice of concept or reference
	MedicationCodeableConcept *CodeableConcept `json:"medicationCodeableConcept,omitempty"`
	MedicationReference       *Reference       `json:"medicationReference,omitempty"`

	Subject    Reference  `json:"subject"`
	AuthoredOn string     `json:"authoredOn,omitempty"`
	Requester  *Reference `json:"requester,omitempty"`

	ReasonCode []CodeableConcept `json:"reasonCode,omitempty"`
	Note       []Annotation      `json:"note,omitempty"`

	DosageInstruction []Dosage `json:"dosageInstruction,omitempty"`
}

// Dosage describes how the medication is to be taken.
type Dosage struct {
	Sequence    int               `json:"sequence,omitempty"`
	Text        string            `json:"text,omitempty"`
	Timing      *Timing           `json:"timing,omitempty"`
	Route       *CodeableConcept  `json:"route,omitempty"`
	DoseAndRate []json.RawMessage `json:"doseAndRate,omitempty"`
}

// Timing describes when the medication should be taken.
type Timing struct {
	Event  []string      `json:"event,omitempty"`
	Repeat *TimingRepeat `json:"repeat,omitempty"`
}

// TimingRepeat holds the repeat rules of a Timing.
type TimingRepeat struct {
	BoundsPeriod *Period `json:"boundsPeriod,omitempty"`
	Frequency    int     `json:"frequency,omitempty"`
	Period       float64 `json:"period,omitempty"`
	PeriodUnit   string  `json:"periodUnit,omitempty"`
}

// MedicationCoding returns the first coding of the medication concept.
func (m *MedicationRequest) MedicationCoding() Coding {
	return m.MedicationCodeableConcept.FirstCoding()
}

// PatientReference returns the subject reference.
func (m *MedicationRequest) PatientReference() string {
	return m.Subject.Reference
}

// DosageWindow returns the bounds period of the first dosage instruction.
// ok is false when either bound is missing or unparseable.
func (m *MedicationRequest) DosageWindow() (start, end time.Time, ok bool) {
	if len(m.DosageInstruction) == 0 {
		return time.Time{}, time.Time{}, false
	}
	t := m.DosageInstruction[0].Timing
	if t == nil || t.Repeat == nil || t.Repeat.BoundsPeriod == nil {
		return time.Time{}, time.Time{}, false
	}
	p := t.Repeat.BoundsPeriod
	start, err := ParseDateTime(p.Start)
	if err != nil {
		return time.Time{}, time.Time{}, false
	}
	end, err = ParseDateTimeEnd(p.End)
	if err != nil {
		return time.Time{}, time.Time{}, false
	}
	return start, end, true
}

// ParseMedicationRequest decodes an embedded resource. The payload may be the resource object
// itself or a JSON string holding it.
func ParseMedicationRequest(raw json.RawMessage) (*MedicationRequest, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("empty medication request payload")
	}
	if raw[0] == '"' {
		var inner string
		if err := json.Unmarshal(raw, &inner); err != nil {
			return nil, fmt.Errorf("decode medication request string: %w", err)
		}
		raw = json.RawMessage(inner)
	}
	var mr MedicationRequest
	if err := json.Unmarshal(raw, &mr); err != nil {
		return nil, fmt.Errorf("decode medication request: %w", err)
	}
	if mr.ResourceType != "" && mr.ResourceType != TypeMedicationRequest {
		return nil, fmt.Errorf("unexpected resource type %q", mr.ResourceType)
	}
	mr.ResourceType = TypeMedicationRequest
	return &mr, nil
}
