package fhirstore

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	fhir "github.com/drfirst/go-pathsync/internal/fhir/r4"
	"github.com/drfirst/go-pathsync/internal/infrastructure/restclient"
	"github.com/drfirst/go-pathsync/pkg/circuitbreaker"
)

func newStore(t *testing.T, h http.Handler) (*Store, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	client, err := restclient.New(restclient.Config{
		Name:        "repository",
		BaseURL:     srv.URL + "/baseR4",
		ContentType: ContentType,
		CallTimeout: time.Second,
		Retry:       restclient.RetryConfig{MaxTries: 1},
		Breaker:     circuitbreaker.DefaultConfig("repository"),
	}, nil, nil)
	require.NoError(t, err)
	return New(client, nil), srv
}

func TestSearchDrainsPages(t *testing.T) {
	var srvURL string
	mux := http.NewServeMux()
	mux.HandleFunc("/baseR4/Communication", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "in-progress", r.URL.Query().Get("status"))
		_, _ = io.WriteString(w, `{"resourceType":"Bundle","type":"searchset",
			"link":[{"relation":"next","url":"`+srvURL+`/baseR4?_getpages=p2"}],
			"entry":[{"resource":{"resourceType":"Communication","id":"c1","status":"in-progress",
				"payload":[{"contentReference":{"reference":"Patient/1"}}],"extra":{"kept":true}}}]}`)
	})
	mux.HandleFunc("/baseR4", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "p2", r.URL.Query().Get("_getpages"))
		_, _ = io.WriteString(w, `{"resourceType":"Bundle","type":"searchset",
			"entry":[{"resource":{"resourceType":"Communication","id":"c2","status":"in-progress"}},
			         {"resource":{"resourceType":"OperationOutcome","id":"warn"}}]}`)
	})
	store, srv := newStore(t, mux)
	srvURL = srv.URL

	comms, err := store.SearchCommunications(context.Background(), fhir.CommunicationInProgress)
	require.NoError(t, err)
	require.Len(t, comms, 2)
	assert.Equal(t, "c1", comms[0].ID)
	assert.Equal(t, "Patient/1", comms[0].PayloadReference().Reference)
	assert.Contains(t, string(comms[0].Raw()), `"extra"`)
	assert.Equal(t, "c2", comms[1].ID)
}

func TestUpdateStatusPreservesUnknownElements(t *testing.T) {
	var put map[string]any
	mux := http.NewServeMux()
	mux.HandleFunc("/baseR4/Communication/c1", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPut, r.Method)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&put))
		_, _ = io.WriteString(w, `{}`)
	})
	store, _ := newStore(t, mux)

	comm := &fhir.Communication{ID: "c1", Status: fhir.CommunicationInProgress}
	comm.SetRaw(json.RawMessage(`{"resourceType":"Communication","id":"c1","status":"in-progress","extra":{"kept":true}}`))

	require.NoError(t, store.UpdateCommunicationStatus(context.Background(), comm, fhir.CommunicationCompleted))
	assert.Equal(t, fhir.CommunicationCompleted, comm.Status)
	assert.Equal(t, "completed", put["status"])
	assert.Equal(t, map[string]any{"kept": true}, put["extra"])
}

func TestCreateReturnsReference(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/baseR4/Observation", func(w http.ResponseWriter, r *http.Request) {
		var obs fhir.Observation
		require.NoError(t, json.NewDecoder(r.Body).Decode(&obs))
		assert.Equal(t, fhir.TypeObservation, obs.ResourceType)
		assert.Equal(t, fhir.ObservationPreliminary, obs.Status)
		w.WriteHeader(http.StatusCreated)
		_, _ = io.WriteString(w, `{"resourceType":"Observation","id":"o9"}`)
	})
	mux.HandleFunc("/baseR4/Task", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Location", "http://hapi/baseR4/Task/t3/_history/1")
		w.WriteHeader(http.StatusCreated)
	})
	store, _ := newStore(t, mux)
	ctx := context.Background()

	ref, err := store.CreateObservation(ctx, &fhir.Observation{Status: fhir.ObservationPreliminary})
	require.NoError(t, err)
	assert.Equal(t, "Observation/o9", ref)

	ref, err = store.CreateTask(ctx, &fhir.Task{Status: fhir.TaskRequested, Intent: fhir.IntentOrder})
	require.NoError(t, err)
	assert.Equal(t, "Task/t3", ref)
}

func TestSearchTasksFiltersByPatient(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/baseR4/Task", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Patient/1", r.URL.Query().Get("subject"))
		assert.Equal(t, "requested", r.URL.Query().Get("status"))
		_, _ = io.WriteString(w, `{"resourceType":"Bundle","entry":[
			{"resource":{"resourceType":"Task","id":"a","status":"requested","intent":"order","for":{"reference":"Patient/1"},"focus":{"reference":"Observation/o1"}}},
			{"resource":{"resourceType":"Task","id":"b","status":"requested","intent":"order","for":{"reference":"Patient/2"}}}]}`)
	})
	store, _ := newStore(t, mux)

	tasks, err := store.SearchTasks(context.Background(), "1", fhir.TaskRequested)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "a", tasks[0].ID)
	assert.Equal(t, fhir.TypeObservation, tasks[0].Focus.ResourceType())
}

func TestSearchObservationsQuery(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/baseR4/Observation", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Patient/7", r.URL.Query().Get("subject"))
		assert.Equal(t, fhir.SystemSNOMED+"|386661006", r.URL.Query().Get("code"))
		_, _ = io.WriteString(w, `{"resourceType":"Bundle","entry":[{"resource":{"resourceType":"Observation","id":"o","status":"final",
			"code":{"coding":[{"system":"http://snomed.info/sct","code":"386661006"}]},"effectiveDateTime":"2024-01-01T10:00:00Z",
			"valueQuantity":{"value":2.5}}}]}`)
	})
	store, _ := newStore(t, mux)

	obs, err := store.SearchObservations(context.Background(), "Patient/7", fhir.Coding{System: fhir.SystemSNOMED, Code: "386661006"})
	require.NoError(t, err)
	require.Len(t, obs, 1)
	assert.Equal(t, "2.5", obs[0].ValueQuantity.PlainString())
}
