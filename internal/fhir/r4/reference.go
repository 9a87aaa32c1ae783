package r4

import "strings"

// Reference represents a reference to another resource.
type Reference struct {
	Reference  string      `json:"reference,omitempty"`
	Type       string      `json:"type,omitempty"`
	Identifier *Identifier `json:"identifier,omitempty"`
	Display    string      `json:"display,omitempty"`
}

// NewReference builds a reference from a relative "Type/id" string, filling type and identifier.
func NewReference(ref string) Reference {
	r := Reference{Reference: ref}
	if typ, id, ok := SplitReference(ref); ok {
		r.Type = typ
		r.Identifier = &Identifier{Value: id}
	}
	return r
}

// ResourceType returns the declared type, falling back to the reference prefix.
func (r *Reference) ResourceType() string {
	if r == nil {
		return ""
	}
	if r.Type != "" {
		return r.Type
	}
	typ, _, _ := SplitReference(r.Reference)
	return typ
}

// ID returns the id part of the reference.
func (r *Reference) ID() string {
	if r == nil {
		return ""
	}
	if _, id, ok := SplitReference(r.Reference); ok {
		return id
	}
	if r.Identifier != nil {
		return r.Identifier.Value
	}
	return ""
}

// SplitReference splits "Type/id" (optionally absolute or versioned) into its parts.
func SplitReference(ref string) (resourceType, id string, ok bool) {
	ref = strings.TrimSpace(ref)
	if i := strings.Index(ref, "/_history/"); i >= 0 {
		ref = ref[:i]
	}
	parts := strings.Split(strings.TrimSuffix(ref, "/"), "/")
	if len(parts) < 2 {
		return "", "", false
	}
	resourceType, id = parts[len(parts)-2], parts[len(parts)-1]
	if resourceType == "" || id == "" {
		return "", "", false
	}
	return resourceType, id, true
}

// PatientReference normalizes a patient key to the relative "Patient/id" form.
func PatientReference(patient string) string {
	if typ, id, ok := SplitReference(patient); ok {
		return typ + "/" + id
	}
	return TypePatient + "/" + strings.TrimSpace(patient)
}
