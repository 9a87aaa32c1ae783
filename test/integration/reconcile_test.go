// Package integration runs the reconciler against HTTP fakes of the clinical repository and the decision engine.
package integration

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/drfirst/go-pathsync/internal/domain/pathway"
	"github.com/drfirst/go-pathsync/internal/domain/reconciliation"
	fhir "github.com/drfirst/go-pathsync/internal/fhir/r4"
	"github.com/drfirst/go-pathsync/internal/infrastructure/decisionengine"
	"github.com/drfirst/go-pathsync/internal/infrastructure/fhirstore"
	"github.com/drfirst/go-pathsync/internal/infrastructure/restclient"
	"github.com/drfirst/go-pathsync/internal/reconcile"
	"github.com/drfirst/go-pathsync/pkg/circuitbreaker"
	"github.com/drfirst/go-pathsync/pkg/ledger"
	"github.com/drfirst/go-pathsync/pkg/workerpool"
)

const (
	metaPathway = "meta"
	weightCode  = "27113001"
	session     = "s1"
	enactmentID = "en1"
)

// hapi is a minimal in-memory FHIR server.
type hapi struct {
	mu           sync.Mutex
	comms        map[string]map[string]any
	observations map[string]map[string]any
}

func newHAPI() *hapi {
	return &hapi{comms: map[string]map[string]any{}, observations: map[string]map[string]any{}}
}

func (h *hapi) notify(id, payload string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.comms[id] = map[string]any{
		"resourceType": "Communication",
		"id":           id,
		"status":       fhir.CommunicationInProgress,
		"payload":      []any{map[string]any{"contentReference": map[string]any{"reference": payload}}},
	}
}

func (h *hapi) addWeight(id, patient, value string, at time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.observations[id] = map[string]any{
		"resourceType":      "Observation",
		"id":                id,
		"status":            fhir.ObservationFinal,
		"code":              map[string]any{"coding": []any{map[string]any{"system": fhir.SystemSNOMED, "code": weightCode}}},
		"subject":           map[string]any{"reference": patient},
		"effectiveDateTime": at.UTC().Format(time.RFC3339),
		"valueQuantity":     map[string]any{"value": json.Number(value), "unit": "kg"},
	}
}

func (h *hapi) status(id string) string {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, _ := h.comms[id]["status"].(string)
	return s
}

func bundle(w http.ResponseWriter, resources []map[string]any) {
	entries := make([]map[string]any, 0, len(resources))
	for _, r := range resources {
		entries = append(entries, map[string]any{"resource": r})
	}
	w.Header().Set("Content-Type", fhirstore.ContentType)
	json.NewEncoder(w).Encode(map[string]any{"resourceType": "Bundle", "type": "searchset", "entry": entries})
}

func (h *hapi) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /baseR4/Communication", func(w http.ResponseWriter, r *http.Request) {
		h.mu.Lock()
		defer h.mu.Unlock()
		var out []map[string]any
		for _, c := range h.comms {
			if c["status"] == r.URL.Query().Get("status") {
				out = append(out, c)
			}
		}
		bundle(w, out)
	})
	mux.HandleFunc("PUT /baseR4/Communication/{id}", func(w http.ResponseWriter, r *http.Request) {
		var doc map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&doc))
		h.mu.Lock()
		h.comms[r.PathValue("id")] = doc
		h.mu.Unlock()
		json.NewEncoder(w).Encode(doc)
	})
	mux.HandleFunc("GET /baseR4/Observation", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		h.mu.Lock()
		defer h.mu.Unlock()
		var out []map[string]any
		if q.Get("code") == fhir.SystemSNOMED+"|"+weightCode {
			for _, o := range h.observations {
				if o["subject"].(map[string]any)["reference"] == q.Get("subject") {
					out = append(out, o)
				}
			}
		}
		bundle(w, out)
	})
	mux.HandleFunc("GET /baseR4/Observation/{id}", func(w http.ResponseWriter, r *http.Request) {
		h.mu.Lock()
		defer h.mu.Unlock()
		o, ok := h.observations[r.PathValue("id")]
		if !ok {
			http.NotFound(w, r)
			return
		}
		json.NewEncoder(w).Encode(o)
	})
	mux.HandleFunc("GET /baseR4/MedicationRequest", func(w http.ResponseWriter, _ *http.Request) {
		bundle(w, nil)
	})
	return mux
}

// dwe is a decision engine with one meta-pathway holding a single enquiry that needs a weight.
type dwe struct {
	mu        sync.Mutex
	enacted   bool
	confirmed bool
	deleted   bool
	written   map[string]string
}

func (d *dwe) handler(t *testing.T) http.Handler {
	reply := func(w http.ResponseWriter, v any) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(v)
	}
	inSession := func(r *http.Request) {
		assert.Equal(t, session, r.Header.Get(decisionengine.HeaderSession), r.URL.Path)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /tenant/prsapi/Pathways", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("name") != metaPathway {
			reply(w, []pathway.Pathway{})
			return
		}
		reply(w, []pathway.Pathway{{ID: metaPathway + pathway.PathwayFileSuffix, Name: metaPathway}})
	})
	mux.HandleFunc("GET /tenant/prsapi/EnactmentsExtended", func(w http.ResponseWriter, r *http.Request) {
		d.mu.Lock()
		defer d.mu.Unlock()
		if !d.enacted || d.deleted {
			reply(w, []pathway.Enactment{})
			return
		}
		reply(w, []pathway.Enactment{{ID: enactmentID, PatientID: r.URL.Query().Get("groupid"), PathwayID: metaPathway + pathway.PathwayFileSuffix}})
	})
	mux.HandleFunc("POST /tenant/dreapi/Enact", func(w http.ResponseWriter, r *http.Request) {
		var req pathway.EnactRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, metaPathway+pathway.PathwayFileSuffix, req.PathwayID)
		d.mu.Lock()
		d.enacted = true
		d.mu.Unlock()
		reply(w, pathway.EnactResult{EnactmentID: enactmentID, SessionID: session})
	})
	mux.HandleFunc("GET /tenant/dreapi/Connect", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, enactmentID, r.URL.Query().Get("enactmentid"))
		reply(w, pathway.ConnectResult{SessionID: session})
	})
	mux.HandleFunc("GET /tenant/dreapi/PlanTasks", func(w http.ResponseWriter, r *http.Request) {
		inSession(r)
		d.mu.Lock()
		defer d.mu.Unlock()
		if d.confirmed || r.URL.Query().Get("name") != "" {
			reply(w, []pathway.PlanTask{})
			return
		}
		reply(w, []pathway.PlanTask{{Name: "assess", Type: pathway.TaskTypeEnquiry, State: pathway.StateInProgress}})
	})
	mux.HandleFunc("GET /tenant/dreapi/Data", func(w http.ResponseWriter, r *http.Request) {
		inSession(r)
		assert.Equal(t, "assess", r.URL.Query().Get("enquiryname"))
		reply(w, []pathway.ItemData{
			{Name: "weight", MetaProps: json.RawMessage(`{"source":"stored","resourceType":"Observation","ontology.coding":"SCT:` + weightCode + ` Body weight"}`)},
			{Name: "on_nivolumab", MetaProps: json.RawMessage(`{"source":"stored","resourceType":"MedicationRequest","ontology.coding":"SCT:704191007"}`)},
			{Name: "free_text"},
		})
	})
	mux.HandleFunc("PUT /tenant/dreapi/DataValue", func(w http.ResponseWriter, r *http.Request) {
		inSession(r)
		var values []pathway.DataValue
		require.NoError(t, json.NewDecoder(r.Body).Decode(&values))
		out := make([]pathway.DataValueOutput, 0, len(values))
		d.mu.Lock()
		for _, v := range values {
			d.written[v.Name] = v.Value
			out = append(out, pathway.DataValueOutput{Name: v.Name, Success: true})
		}
		d.mu.Unlock()
		reply(w, out)
	})
	mux.HandleFunc("GET /tenant/dreapi/QueryConfirmTask", func(w http.ResponseWriter, r *http.Request) {
		inSession(r)
		d.mu.Lock()
		defer d.mu.Unlock()
		if d.written["weight"] == "" {
			reply(w, pathway.QueryConfirmTask{Precondition: &pathway.Precondition{Message: "weight is required"}})
			return
		}
		reply(w, pathway.QueryConfirmTask{})
	})
	mux.HandleFunc("PUT /tenant/dreapi/ConfirmTask", func(w http.ResponseWriter, r *http.Request) {
		inSession(r)
		d.mu.Lock()
		d.confirmed = true
		d.mu.Unlock()
		reply(w, pathway.ConfirmTaskOutput{State: pathway.StateCompleted})
	})
	mux.HandleFunc("PUT /tenant/prsapi/EnactmentDelete", func(w http.ResponseWriter, r *http.Request) {
		inSession(r)
		assert.Equal(t, enactmentID, r.URL.Query().Get("id"))
		d.mu.Lock()
		d.deleted = true
		d.mu.Unlock()
		reply(w, pathway.EnactmentDeleteOutput{Deleted: true})
	})
	return mux
}

type dweState struct {
	enacted, confirmed, deleted bool
	written                     map[string]string
}

func (d *dwe) snapshot() dweState {
	d.mu.Lock()
	defer d.mu.Unlock()
	written := make(map[string]string, len(d.written))
	for k, v := range d.written {
		written[k] = v
	}
	return dweState{enacted: d.enacted, confirmed: d.confirmed, deleted: d.deleted, written: written}
}

type recorder struct {
	mu     sync.Mutex
	events []*reconciliation.Event
}

func (r *recorder) Publish(_ context.Context, events ...*reconciliation.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, events...)
	return nil
}

func (r *recorder) types() []reconciliation.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]reconciliation.EventType, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.EventType)
	}
	return out
}

func (r *recorder) reset() {
	r.mu.Lock()
	r.events = nil
	r.mu.Unlock()
}

type system struct {
	repo      *hapi
	engine    *dwe
	events    *recorder
	scheduler *reconcile.Scheduler
}

func newSystem(t *testing.T) *system {
	t.Helper()
	logger := zaptest.NewLogger(t)
	s := &system{repo: newHAPI(), engine: &dwe{written: map[string]string{}}, events: &recorder{}}

	repoSrv := httptest.NewServer(s.repo.handler(t))
	t.Cleanup(repoSrv.Close)
	deSrv := httptest.NewServer(s.engine.handler(t))
	t.Cleanup(deSrv.Close)

	breakers := circuitbreaker.NewManager(logger)
	client := func(name, baseURL, contentType string) *restclient.Client {
		c, err := restclient.New(restclient.Config{
			Name:        name,
			BaseURL:     baseURL,
			ContentType: contentType,
			CallTimeout: 2 * time.Second,
			Retry:       restclient.RetryConfig{MaxTries: 1},
			Breaker:     circuitbreaker.DefaultConfig(name),
		}, breakers, logger)
		require.NoError(t, err)
		return c
	}

	engine, err := reconcile.New(reconcile.Config{MetaPathway: metaPathway, PatientTimeout: 10 * time.Second}, reconcile.Deps{
		Repository: fhirstore.New(client("repository", repoSrv.URL+"/baseR4", fhirstore.ContentType), logger),
		Engine:     decisionengine.New(client("decision-engine", deSrv.URL+"/tenant", "application/json"), logger),
		Ledger:     ledger.NewMemory(ledger.Config{MaxFailures: 3, TTL: time.Hour}),
		Publisher:  s.events,
	}, logger.Named("reconcile"))
	require.NoError(t, err)

	s.scheduler, err = reconcile.NewScheduler(engine, reconcile.SchedulerConfig{
		Interval: time.Hour,
		NodeID:   1,
		Workers:  workerpool.Config{Workers: 2, QueueSize: 8, GracefulShutdownTimeout: 5 * time.Second},
	}, nil, logger.Named("scheduler"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.scheduler.Stop() })
	return s
}

func (s *system) runOnce(t *testing.T) reconcile.TickReport {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	report, err := s.scheduler.RunOnce(ctx)
	require.NoError(t, err)
	return report
}

func TestNewPatientRunsToCompletion(t *testing.T) {
	s := newSystem(t)
	s.repo.addWeight("o1", "Patient/1", "7.25e1", time.Now().Add(-time.Hour))
	s.repo.notify("c1", "Patient/1")

	report := s.runOnce(t)
	assert.Equal(t, 1, report.Patients)
	assert.Equal(t, 1, report.Submitted)
	assert.Equal(t, fhir.CommunicationCompleted, s.repo.status("c1"))

	de := s.engine.snapshot()
	assert.Equal(t, map[string]string{"weight": "72.5", "on_nivolumab": "0"}, de.written)
	assert.True(t, de.confirmed)
	assert.True(t, de.deleted)
	assert.Equal(t, []reconciliation.EventType{
		reconciliation.EventEnactmentCreated,
		reconciliation.EventDataValuesWritten,
		reconciliation.EventTaskConfirmed,
		reconciliation.EventEnactmentDeleted,
	}, s.events.types())
	for _, ev := range s.events.events {
		assert.Equal(t, "Patient/1", ev.AggregateID)
		assert.Equal(t, report.ID, ev.TickID)
	}

	s.events.reset()
	idle := s.runOnce(t)
	assert.Zero(t, idle.Patients)
	assert.NotEqual(t, report.ID, idle.ID)
	assert.Empty(t, s.events.types())
}

func TestBlockedEnquiryResumesWhenDataArrives(t *testing.T) {
	s := newSystem(t)
	s.repo.notify("c1", "Patient/1")

	s.runOnce(t)
	de := s.engine.snapshot()
	assert.True(t, de.enacted)
	assert.False(t, de.confirmed)
	assert.False(t, de.deleted)
	assert.Equal(t, map[string]string{"weight": "", "on_nivolumab": "0"}, de.written)
	assert.Contains(t, s.events.types(), reconciliation.EventTaskBlocked)

	// the weight is recorded and announced; the patient is now an existing one
	s.events.reset()
	s.repo.addWeight("o2", "Patient/1", "80", time.Now().Add(-time.Minute))
	s.repo.notify("c2", "Observation/o2")

	report := s.runOnce(t)
	assert.Equal(t, 1, report.Patients)
	de = s.engine.snapshot()
	assert.Equal(t, "80", de.written["weight"])
	assert.True(t, de.confirmed)
	assert.True(t, de.deleted)
	assert.Equal(t, []reconciliation.EventType{
		reconciliation.EventDataValuesWritten,
		reconciliation.EventTaskConfirmed,
		reconciliation.EventEnactmentDeleted,
	}, s.events.types())
}

func TestUnresolvableNotificationsAreClaimedAndSkipped(t *testing.T) {
	s := newSystem(t)
	s.repo.notify("c1", "Observation/missing")
	s.repo.notify("c2", "Device/d1")

	report := s.runOnce(t)
	assert.Zero(t, report.Patients)
	for _, id := range []string{"c1", "c2"} {
		assert.Equal(t, fhir.CommunicationCompleted, s.repo.status(id), id)
	}
	assert.False(t, s.engine.snapshot().enacted)
}

func TestOnDemandRequestsAreDeduplicated(t *testing.T) {
	s := newSystem(t)
	s.repo.addWeight("o1", "Patient/7", "64", time.Now().Add(-time.Hour))

	// an existing patient without enactments is enrolled in the meta-pathway
	id, err := s.scheduler.Enqueue("7")
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	require.NoError(t, s.scheduler.Wait(ctx))

	de := s.engine.snapshot()
	assert.Equal(t, "64", de.written["weight"])
	assert.True(t, de.deleted)
	types := s.events.types()
	require.NotEmpty(t, types)
	assert.Equal(t, reconciliation.EventEnactmentCreated, types[0])

	_, err = s.scheduler.Enqueue(" ")
	assert.ErrorIs(t, err, reconcile.ErrEmptyPatient)
}
