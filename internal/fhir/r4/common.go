// Package r4 provides the FHIR R4 data structures exchanged with the clinical data repository.
// Only the elements the reconciler reads or writes are modelled.
package r4

import (
	"encoding/json"
	"strconv"
	"strings"
)

// Meta contains metadata about a resource.
type Meta struct {
	VersionID   string `json:"versionId,omitempty"`
	LastUpdated string `json:"lastUpdated,omitempty"`
	Source      string `json:"source,omitempty"`
}

// Identifier represents a FHIR Identifier.
type Identifier struct {
	Use    string `json:"use,omitempty"` // usual | official | temp | secondary | old
	System string `json:"system,omitempty"`
	Value  string `json:"value,omitempty"`
}

// CodeableConcept represents a concept with text and codings.
type CodeableConcept struct {
	Coding []Coding `json:"coding,omitempty"`
	Text   string   `json:"text,omitempty"`
}

// FirstCoding returns the first coding, or the zero Coding when there is none.
func (c *CodeableConcept) FirstCoding() Coding {
	if c == nil || len(c.Coding) == 0 {
		return Coding{}
	}
	return c.Coding[0]
}

// Coding represents a code from a terminology system.
type Coding struct {
	System  string `json:"system,omitempty"`
	Version string `json:"version,omitempty"`
	Code    string `json:"code,omitempty"`
	Display string `json:"display,omitempty"`
}

// Token renders the coding as a FHIR token search value (system|code).
func (c Coding) Token() string {
	return c.System + "|" + c.Code
}

// CodingsMatch reports whether two codings name the same concept.
// All four values must be present.
func CodingsMatch(a, b Coding) bool {
	if a.Code == "" || b.Code == "" || a.System == "" || b.System == "" {
		return false
	}
	return a.Code == b.Code && a.System == b.System
}

// Period represents a time period. Bounds keep their FHIR dateTime text.
type Period struct {
	Start string `json:"start,omitempty"`
	End   string `json:"end,omitempty"`
}

// Quantity represents a measured amount.
type Quantity struct {
	Value      json.Number `json:"value,omitempty"`
	Comparator string      `json:"comparator,omitempty"`
	Unit       string      `json:"unit,omitempty"`
	System     string      `json:"system,omitempty"`
	Code       string      `json:"code,omitempty"`
}

// PlainString renders the value as plain decimal text, expanding exponent notation.
func (q *Quantity) PlainString() string {
	if q == nil || q.Value == "" {
		return ""
	}
	s := q.Value.String()
	if !strings.ContainsAny(s, "eE") {
		return s
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return s
	}
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// Annotation represents a note or comment.
type Annotation struct {
	AuthorString string `json:"authorString,omitempty"`
	Time         string `json:"time,omitempty"`
	Text         string `json:"text"`
}

// OperationOutcome represents errors and warnings from FHIR operations.
type OperationOutcome struct {
	ResourceType string                  `json:"resourceType"`
	Issue        []OperationOutcomeIssue `json:"issue"`
}

// OperationOutcomeIssue represents a single issue in an OperationOutcome.
type OperationOutcomeIssue struct {
	Severity    string `json:"severity"` // fatal | error | warning | information
	Code        string `json:"code"`
	Diagnostics string `json:"diagnostics,omitempty"`
}

// Common code systems
const (
	SystemSNOMED = "http://snomed.info/sct"
	SystemLOINC  = "http://loinc.org"
	SystemUCUM   = "http://unitsofmeasure.org"
)

// Resource type names
const (
	TypePatient           = "Patient"
	TypeObservation       = "Observation"
	TypeMedicationRequest = "MedicationRequest"
	TypeTask              = "Task"
	TypeCommunication     = "Communication"
	TypeBundle            = "Bundle"
)

// MedicationRequest statuses
const (
	StatusActive         = "active"
	StatusOnHold         = "on-hold"
	StatusCancelled      = "cancelled"
	StatusCompleted      = "completed"
	StatusEnteredInError = "entered-in-error"
	StatusStopped        = "stopped"
	StatusDraft          = "draft"
	StatusUnknown        = "unknown"
)

// MedicationRequest intents
const (
	IntentProposal = "proposal"
	IntentPlan     = "plan"
	IntentOrder    = "order"
)

// Observation statuses
const (
	ObservationRegistered  = "registered"
	ObservationPreliminary = "preliminary"
	ObservationFinal       = "final"
)

// Task statuses
const (
	TaskRequested = "requested"
	TaskCompleted = "completed"
)

// Communication statuses
const (
	CommunicationPreparation = "preparation"
	CommunicationInProgress  = "in-progress"
	CommunicationCompleted   = "completed"
	CommunicationUnknown     = "unknown"
)
