package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/drfirst/go-pathsync/internal/api/middleware"
	"github.com/drfirst/go-pathsync/internal/domain/pathway"
	"github.com/drfirst/go-pathsync/internal/infrastructure/restclient"
	"github.com/drfirst/go-pathsync/internal/reconcile"
	"github.com/drfirst/go-pathsync/pkg/circuitbreaker"
	"github.com/drfirst/go-pathsync/pkg/ledger"
	"github.com/drfirst/go-pathsync/pkg/workerpool"
)

const testKey = "test-admin-key"

type fakeQueue struct {
	queued map[string]bool
	err    error
}

func (q *fakeQueue) Enqueue(patient string) (string, error) {
	if q.err != nil {
		return "", q.err
	}
	if strings.TrimSpace(patient) == "" {
		return "", reconcile.ErrEmptyPatient
	}
	if q.queued[patient] {
		return "", fmt.Errorf("%w: %s", workerpool.ErrDuplicateTask, patient)
	}
	q.queued[patient] = true
	return "1234", nil
}

func (q *fakeQueue) Stats() workerpool.Stats {
	return workerpool.Stats{InFlight: len(q.queued), Workers: 4}
}

func (q *fakeQueue) IsHealthy() bool { return true }

type fakeEnactments struct {
	enactments []pathway.Enactment
	pathways   []pathway.Pathway
	lastTemp   bool
	err        error
}

func (f *fakeEnactments) Enactments(context.Context) ([]pathway.Enactment, error) {
	return f.enactments, f.err
}

func (f *fakeEnactments) EnactmentsByPatient(_ context.Context, patient string) ([]pathway.Enactment, error) {
	var out []pathway.Enactment
	for _, en := range f.enactments {
		if en.PatientID == patient {
			out = append(out, en)
		}
	}
	return out, f.err
}

func (f *fakeEnactments) EnactmentByID(_ context.Context, id string) ([]pathway.Enactment, error) {
	for _, en := range f.enactments {
		if en.ID == id {
			return []pathway.Enactment{en}, f.err
		}
	}
	return nil, f.err
}

func (f *fakeEnactments) Pathways(_ context.Context, temp bool) ([]pathway.Pathway, error) {
	f.lastTemp = temp
	return f.pathways, f.err
}

func (f *fakeEnactments) PathwaysByName(_ context.Context, name string) ([]pathway.Pathway, error) {
	var out []pathway.Pathway
	for _, p := range f.pathways {
		if p.Name == name {
			out = append(out, p)
		}
	}
	return out, f.err
}

type testServer struct {
	queue      *fakeQueue
	enactments *fakeEnactments
	ledger     *ledger.Memory
	router     chi.Router
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	s := &testServer{
		queue: &fakeQueue{queued: map[string]bool{}},
		enactments: &fakeEnactments{
			enactments: []pathway.Enactment{
				{ID: "e1", PatientID: "Patient/1", PathwayID: "meta.pf"},
				{ID: "e2", PatientID: "Patient/2", PathwayID: "meta.pf"},
			},
			pathways: []pathway.Pathway{{ID: "meta.pf", Name: "meta"}},
		},
		ledger: ledger.NewMemory(ledger.Config{MaxFailures: 1, TTL: time.Hour}),
	}

	breakers := circuitbreaker.NewManager(zaptest.NewLogger(t))
	_, err := breakers.GetOrCreate("decision-engine", circuitbreaker.DefaultConfig("decision-engine"))
	require.NoError(t, err)

	h := NewReconcileHandler(s.queue, s.enactments, breakers, s.ledger, zaptest.NewLogger(t))
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.APIKeyAuth([]string{testKey}))
		r.Mount("/", h.Routes())
	})
	s.router = r
	return s
}

func (s *testServer) do(t *testing.T, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	req.Header.Set("X-API-Key", testKey)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&v))
	return v
}

func TestReconcileAcceptsAndRejectsDuplicates(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodPost, "/api/v1/patients/42/reconcile")
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	resp := decode[ReconcileResponse](t, rec)
	assert.Equal(t, "42", resp.Patient)
	assert.Equal(t, "1234", resp.TickID)

	rec = s.do(t, http.MethodPost, "/api/v1/patients/42/reconcile")
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestReconcileErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"empty patient", reconcile.ErrEmptyPatient, http.StatusBadRequest},
		{"queue full", workerpool.ErrQueueFull, http.StatusServiceUnavailable},
		{"shutting down", workerpool.ErrStopped, http.StatusServiceUnavailable},
		{"other", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t)
			s.queue.err = tt.err
			rec := s.do(t, http.MethodPost, "/api/v1/patients/42/reconcile")
			assert.Equal(t, tt.want, rec.Code)
			assert.Contains(t, decode[map[string]string](t, rec), "error")
		})
	}
}

func TestAPIKeyRequired(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/workers", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/v1/workers", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	rec = httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/v1/workers", nil)
	req.Header.Set("Authorization", "Bearer "+testKey)
	rec = httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestEnactments(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodGet, "/api/v1/enactments?patient=Patient/2")
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode[[]pathway.Enactment](t, rec)
	require.Len(t, got, 1)
	assert.Equal(t, "e2", got[0].ID)

	rec = s.do(t, http.MethodGet, "/api/v1/enactments")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]pathway.Enactment](t, rec), 2)

	rec = s.do(t, http.MethodGet, "/api/v1/enactments?patient=Patient/9")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "[]\n", rec.Body.String())

	rec = s.do(t, http.MethodGet, "/api/v1/enactments/e1")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Patient/1", decode[pathway.Enactment](t, rec).PatientID)

	rec = s.do(t, http.MethodGet, "/api/v1/enactments/e9")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestUpstreamErrors(t *testing.T) {
	s := newTestServer(t)

	s.enactments.err = &restclient.StatusError{StatusCode: http.StatusServiceUnavailable}
	rec := s.do(t, http.MethodGet, "/api/v1/enactments")
	assert.Equal(t, http.StatusBadGateway, rec.Code)

	s.enactments.err = &restclient.StatusError{StatusCode: http.StatusNotFound}
	rec = s.do(t, http.MethodGet, "/api/v1/pathways")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPathways(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodGet, "/api/v1/pathways?temp=true")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, s.enactments.lastTemp)
	assert.Len(t, decode[[]pathway.Pathway](t, rec), 1)

	rec = s.do(t, http.MethodGet, "/api/v1/pathways?name=missing")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decode[[]pathway.Pathway](t, rec))

	rec = s.do(t, http.MethodGet, "/api/v1/pathways?temp=maybe")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestOperationalViews(t *testing.T) {
	s := newTestServer(t)
	_, err := s.ledger.RecordFailure(context.Background(), "e1", "assess", errors.New("timeout"))
	require.NoError(t, err)

	rec := s.do(t, http.MethodGet, "/api/v1/ledger?limit=10")
	require.Equal(t, http.StatusOK, rec.Code)
	l := decode[LedgerResponse](t, rec)
	require.Len(t, l.Entries, 1)
	assert.Equal(t, ledger.StatusFailed, l.Entries[0].Status)
	assert.Equal(t, int64(1), l.Stats.Failed)

	rec = s.do(t, http.MethodGet, "/api/v1/ledger?limit=-1")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodGet, "/api/v1/breakers")
	require.Equal(t, http.StatusOK, rec.Code)
	breakers := decode[[]circuitbreaker.HealthStatus](t, rec)
	require.Len(t, breakers, 1)
	assert.Equal(t, "decision-engine", breakers[0].Name)
	assert.True(t, breakers[0].Healthy)

	rec = s.do(t, http.MethodGet, "/api/v1/workers")
	require.Equal(t, http.StatusOK, rec.Code)
	w := decode[WorkersResponse](t, rec)
	assert.True(t, w.Healthy)
	assert.Equal(t, 4, w.Stats.Workers)
}
