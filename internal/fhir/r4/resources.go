package r4

import "encoding/json"

// Patient represents the parts of a FHIR R4 Patient the reconciler reads.
type Patient struct {
	ResourceType string       `json:"resourceType"`
	ID           string       `json:"id,omitempty"`
	Meta         *Meta        `json:"meta,omitempty"`
	Identifier   []Identifier `json:"identifier,omitempty"`
	Active       *bool        `json:"active,omitempty"`
	BirthDate    string       `json:"birthDate,omitempty"`
	Gender       string       `json:"gender,omitempty"`
}

// Observation represents a FHIR R4 Observation.
type Observation struct {
	ResourceType      string          `json:"resourceType"`
	ID                string          `json:"id,omitempty"`
	Meta              *Meta           `json:"meta,omitempty"`
	Status            string          `json:"status"` // registered | preliminary | final | amended | ...
	Code              CodeableConcept `json:"code"`
	Subject           *Reference      `json:"subject,omitempty"`
	EffectiveDateTime string          `json:"effectiveDateTime,omitempty"`
	EffectiveInstant  string          `json:"effectiveInstant,omitempty"`
	EffectivePeriod   *Period         `json:"effectivePeriod,omitempty"`
	Issued            string          `json:"issued,omitempty"`
	ValueQuantity     *Quantity       `json:"valueQuantity,omitempty"`
	ValueString       string          `json:"valueString,omitempty"`
	Note              []Annotation    `json:"note,omitempty"`
}

// Effective returns the effective time text: dateTime, then instant, then period start.
func (o *Observation) Effective() string {
	switch {
	case o.EffectiveDateTime != "":
		return o.EffectiveDateTime
	case o.EffectiveInstant != "":
		return o.EffectiveInstant
	case o.EffectivePeriod != nil:
		return o.EffectivePeriod.Start
	}
	return ""
}

// Task represents a FHIR R4 Task used as an administrative marker.
type Task struct {
	ResourceType string     `json:"resourceType"`
	ID           string     `json:"id,omitempty"`
	Meta         *Meta      `json:"meta,omitempty"`
	Status       string     `json:"status"`
	Intent       string     `json:"intent"`
	Focus        *Reference `json:"focus,omitempty"`
	For          *Reference `json:"for,omitempty"`
	AuthoredOn   string     `json:"authoredOn,omitempty"`
	LastModified string     `json:"lastModified,omitempty"`

	raw json.RawMessage
}

// Communication represents a FHIR R4 Communication used as a change notification.
type Communication struct {
	ResourceType string                 `json:"resourceType"`
	ID           string                 `json:"id,omitempty"`
	Meta         *Meta                  `json:"meta,omitempty"`
	Status       string                 `json:"status"`
	Subject      *Reference             `json:"subject,omitempty"`
	Sent         string                 `json:"sent,omitempty"`
	Payload      []CommunicationPayload `json:"payload,omitempty"`

	raw json.RawMessage
}

// CommunicationPayload carries one piece of communication content.
type CommunicationPayload struct {
	ContentString    string     `json:"contentString,omitempty"`
	ContentReference *Reference `json:"contentReference,omitempty"`
}

// PayloadReference returns the first payload's content reference, if any.
func (c *Communication) PayloadReference() *Reference {
	if len(c.Payload) == 0 {
		return nil
	}
	return c.Payload[0].ContentReference
}

// Bundle represents a FHIR Bundle returned by searches.
type Bundle struct {
	ResourceType string        `json:"resourceType"`
	ID           string        `json:"id,omitempty"`
	Type         string        `json:"type"`
	Total        *int          `json:"total,omitempty"`
	Link         []BundleLink  `json:"link,omitempty"`
	Entry        []BundleEntry `json:"entry,omitempty"`
}

// BundleLink is a paging or self link.
type BundleLink struct {
	Relation string `json:"relation"`
	URL      string `json:"url"`
}

// BundleEntry wraps one matched resource.
type BundleEntry struct {
	FullURL  string          `json:"fullUrl,omitempty"`
	Resource json.RawMessage `json:"resource,omitempty"`
}

// NextURL returns the "next" paging link, or "" when the result set is exhausted.
func (b *Bundle) NextURL() string {
	for _, l := range b.Link {
		if l.Relation == "next" {
			return l.URL
		}
	}
	return ""
}

// RawCarrier is implemented by resources that keep the JSON they were decoded from,
// so updates can round-trip elements this package does not model.
type RawCarrier interface {
	Raw() json.RawMessage
	SetRaw(json.RawMessage)
}

func (t *Task) Raw() json.RawMessage { return t.raw }

func (t *Task) SetRaw(raw json.RawMessage) { t.raw = raw }

func (c *Communication) Raw() json.RawMessage { return c.raw }

func (c *Communication) SetRaw(raw json.RawMessage) { c.raw = raw }
