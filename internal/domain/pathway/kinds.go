package pathway

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/drfirst/go-pathsync/internal/domain/coding"
	fhir "github.com/drfirst/go-pathsync/internal/fhir/r4"
)

// Metaprops keys.
const (
	metaSource         = "source"
	metaOntologyCoding = "ontology.coding"
	metaResourceType   = "resourceType"
	metaInteractive    = "interactive"
	metaProcedure      = "procedure"
	metaResource       = "resource"
)

// Item sources.
const (
	SourceStored     = "stored"
	SourceAbstracted = "abstracted"
	SourceReported   = "reported"
)

var (
	ErrMissingSource       = errors.New("item has no source")
	ErrUnknownSource       = errors.New("unknown item source")
	ErrMissingCoding       = errors.New("item has no ontology coding")
	ErrMissingResourceType = errors.New("missing resource type")
	ErrUnsupportedResource = errors.New("unsupported resource type")
	ErrUnknownTaskType     = errors.New("unknown task type")
	ErrMissingInteractive  = errors.New("action has no interactive flag")
	ErrMissingProcedure    = errors.New("automatic action has no procedure")
	ErrMissingResource     = errors.New("interactive action has no resource")
)

// ItemSource tells the resolver where an item's value comes from.
type ItemSource interface {
	Source() string
	isItemSource()
}

// StoredSource reads the current matching resource from the repository.
type StoredSource struct {
	ResourceType string
	Coding       fhir.Coding
}

// AbstractedSource evaluates a fixed rule keyed by coding.
type AbstractedSource struct {
	Coding fhir.Coding
}

// ReportedSource asks an external actor to record the value.
type ReportedSource struct {
	Coding fhir.Coding
}

func (StoredSource) Source() string     { return SourceStored }
func (AbstractedSource) Source() string { return SourceAbstracted }
func (ReportedSource) Source() string   { return SourceReported }

func (StoredSource) isItemSource()     {}
func (AbstractedSource) isItemSource() {}
func (ReportedSource) isItemSource()   {}

// ParseItemSource inspects the item's metaprops.
func ParseItemSource(item ItemData, tr *coding.Translator) (ItemSource, error) {
	props, err := decodeMetaProps(item.MetaProps)
	if err != nil {
		return nil, err
	}

	source, ok := findScalar(props, metaSource)
	if !ok || source == "" {
		return nil, ErrMissingSource
	}

	switch source {
	case SourceStored, SourceAbstracted, SourceReported:
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownSource, source)
	}

	c, err := ontologyCoding(props, tr)
	if err != nil {
		return nil, err
	}

	switch source {
	case SourceStored:
		rt, _ := findScalar(props, metaResourceType)
		switch rt {
		case "":
			return nil, ErrMissingResourceType
		case fhir.TypeObservation, fhir.TypeMedicationRequest:
			return StoredSource{ResourceType: rt, Coding: c}, nil
		default:
			return nil, fmt.Errorf("%w: %q", ErrUnsupportedResource, rt)
		}
	case SourceAbstracted:
		return AbstractedSource{Coding: c}, nil
	default:
		return ReportedSource{Coding: c}, nil
	}
}

func ontologyCoding(props any, tr *coding.Translator) (fhir.Coding, error) {
	raw, ok := findScalar(props, metaOntologyCoding)
	if !ok {
		// {"ontology": {"coding": "..."}}
		if ont, found := findValue(props, "ontology"); found {
			raw, ok = findScalar(ont, "coding")
		}
	}
	if !ok || strings.TrimSpace(raw) == "" {
		return fhir.Coding{}, ErrMissingCoding
	}
	return tr.Translate(raw)
}

// TaskKind is the dispatch variant of a plan task.
type TaskKind interface {
	Kind() string
	isTaskKind()
}

// EnquiryTask needs item data filled.
type EnquiryTask struct{}

// AutomaticAction enacts a sub-pathway for the same patient.
type AutomaticAction struct {
	Procedure string
}

// InteractiveAction proposes an order for a clinician to decide on.
type InteractiveAction struct {
	ResourceType string
	Resource     json.RawMessage
}

func (EnquiryTask) Kind() string       { return "enquiry" }
func (AutomaticAction) Kind() string   { return "automatic" }
func (InteractiveAction) Kind() string { return "interactive" }

func (EnquiryTask) isTaskKind()       {}
func (AutomaticAction) isTaskKind()   {}
func (InteractiveAction) isTaskKind() {}

// ParseTaskKind classifies a plan task by type and metaprops.
func ParseTaskKind(task PlanTask) (TaskKind, error) {
	switch task.Type {
	case TaskTypeEnquiry:
		return EnquiryTask{}, nil
	case TaskTypeAction:
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownTaskType, task.Type)
	}

	props, err := decodeMetaProps(task.MetaProps)
	if err != nil {
		return nil, err
	}

	interactive, ok := findScalar(props, metaInteractive)
	if !ok || interactive == "" {
		return nil, ErrMissingInteractive
	}

	switch interactive {
	case "0", "false":
		procedure := task.Procedure
		if procedure == "" {
			procedure, _ = findScalar(props, metaProcedure)
		}
		if procedure == "" {
			return nil, ErrMissingProcedure
		}
		return AutomaticAction{Procedure: procedure}, nil
	case "1", "true":
		rt, _ := findScalar(props, metaResourceType)
		if rt == "" {
			return nil, ErrMissingResourceType
		}
		res, found := findRaw(props, metaResource)
		if !found {
			return nil, ErrMissingResource
		}
		return InteractiveAction{ResourceType: rt, Resource: res}, nil
	default:
		return nil, fmt.Errorf("%w: interactive=%q", ErrMissingInteractive, interactive)
	}
}

func decodeMetaProps(raw json.RawMessage) (any, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return map[string]any{}, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("decode metaprops: %w", err)
	}
	// Some pathways ship metaprops as an encoded JSON string.
	if s, ok := v.(string); ok {
		return decodeMetaProps(json.RawMessage(s))
	}
	return v, nil
}

// findValue returns the first value stored under key, searching depth first.
func findValue(node any, key string) (any, bool) {
	switch n := node.(type) {
	case map[string]any:
		if v, ok := n[key]; ok {
			return v, true
		}
		for _, child := range n {
			if v, ok := findValue(child, key); ok {
				return v, true
			}
		}
	case []any:
		for _, child := range n {
			if v, ok := findValue(child, key); ok {
				return v, true
			}
		}
	}
	return nil, false
}

func findScalar(node any, key string) (string, bool) {
	v, ok := findValue(node, key)
	if !ok {
		return "", false
	}
	switch s := v.(type) {
	case string:
		return strings.TrimSpace(s), true
	case json.Number:
		return s.String(), true
	case bool:
		if s {
			return "true", true
		}
		return "false", true
	case nil:
		return "", true
	default:
		return "", false
	}
}

func findRaw(node any, key string) (json.RawMessage, bool) {
	v, ok := findValue(node, key)
	if !ok || v == nil {
		return nil, false
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, false
	}
	return b, true
}
