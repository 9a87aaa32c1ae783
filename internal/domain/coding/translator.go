// Package coding translates the decision engine's compact ontology codings into repository codings.
package coding

import (
	"errors"
	"fmt"
	"strings"

	fhir "github.com/drfirst/go-pathsync/internal/fhir/r4"
)

var (
	// ErrMalformed indicates the value is not of the form "SYSTEM:CODE [display]".
	ErrMalformed = errors.New("malformed ontology coding")
	// ErrUnknownSystem indicates the system prefix has no configured mapping.
	ErrUnknownSystem = errors.New("unknown coding system")
)

// DefaultSystems maps engine system prefixes to repository system URIs.
func DefaultSystems() map[string]string {
	return map[string]string{
		"SCT": fhir.SystemSNOMED,
	}
}

// Translator converts "SCT:386661006 Diarrhoea" into a structured Coding.
type Translator struct {
	systems map[string]string
}

// NewTranslator creates a translator over the given prefix table.
func NewTranslator(systems map[string]string) *Translator {
	if len(systems) == 0 {
		systems = DefaultSystems()
	}
	cp := make(map[string]string, len(systems))
	for k, v := range systems {
		cp[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	return &Translator{systems: cp}
}

// Translate parses an ontology coding string.
func (t *Translator) Translate(value string) (fhir.Coding, error) {
	prefix, rest, ok := strings.Cut(strings.TrimSpace(value), ":")
	if !ok || prefix == "" {
		return fhir.Coding{}, fmt.Errorf("%w: %q", ErrMalformed, value)
	}

	fields := strings.Fields(rest)
	if len(fields) == 0 {
		return fhir.Coding{}, fmt.Errorf("%w: %q", ErrMalformed, value)
	}

	system, known := t.systems[prefix]
	if !known {
		return fhir.Coding{}, fmt.Errorf("%w: %q", ErrUnknownSystem, prefix)
	}

	return fhir.Coding{
		System:  system,
		Code:    fields[0],
		Display: strings.Join(fields[1:], " "),
	}, nil
}
