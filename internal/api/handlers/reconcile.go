// Package handlers provides HTTP handlers for the reconciler admin API.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/drfirst/go-pathsync/internal/api/middleware"
	"github.com/drfirst/go-pathsync/internal/domain/pathway"
	"github.com/drfirst/go-pathsync/internal/infrastructure/restclient"
	"github.com/drfirst/go-pathsync/internal/reconcile"
	"github.com/drfirst/go-pathsync/pkg/circuitbreaker"
	"github.com/drfirst/go-pathsync/pkg/ledger"
	"github.com/drfirst/go-pathsync/pkg/workerpool"
)

const defaultLedgerLimit = 100

// Queue accepts on-demand reconciliations.
type Queue interface {
	Enqueue(patient string) (string, error)
	Stats() workerpool.Stats
	IsHealthy() bool
}

// Enactments reads enactments and pathways from the decision engine.
type Enactments interface {
	Enactments(ctx context.Context) ([]pathway.Enactment, error)
	EnactmentsByPatient(ctx context.Context, patient string) ([]pathway.Enactment, error)
	EnactmentByID(ctx context.Context, id string) ([]pathway.Enactment, error)
	Pathways(ctx context.Context, temp bool) ([]pathway.Pathway, error)
	PathwaysByName(ctx context.Context, name string) ([]pathway.Pathway, error)
}

// Breakers reports gateway circuit breaker state.
type Breakers interface {
	GetHealthStatus() []circuitbreaker.HealthStatus
}

// ReconcileHandler handles the admin endpoints
type ReconcileHandler struct {
	queue      Queue
	enactments Enactments
	breakers   Breakers
	ledger     ledger.Ledger
	logger     *zap.Logger
}

// NewReconcileHandler creates a new handler
func NewReconcileHandler(queue Queue, enactments Enactments, breakers Breakers, l ledger.Ledger, logger *zap.Logger) *ReconcileHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ReconcileHandler{
		queue:      queue,
		enactments: enactments,
		breakers:   breakers,
		ledger:     l,
		logger:     logger,
	}
}

// Routes returns the handler routes
func (h *ReconcileHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/patients/{patientID}/reconcile", h.Reconcile)
	r.Get("/enactments", h.ListEnactments)
	r.Get("/enactments/{id}", h.GetEnactment)
	r.Get("/pathways", h.ListPathways)
	r.Get("/breakers", h.ListBreakers)
	r.Get("/workers", h.Workers)
	r.Get("/ledger", h.ListLedger)
	return r
}

// ReconcileResponse is the response for an accepted reconciliation
type ReconcileResponse struct {
	Patient    string    `json:"patient"`
	TickID     string    `json:"tick_id"`
	AcceptedAt time.Time `json:"accepted_at"`
}

// Reconcile handles POST /patients/{patientID}/reconcile
func (h *ReconcileHandler) Reconcile(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	_, span := otel.Tracer("reconcile-handler").Start(ctx, "enqueue_patient")
	defer span.End()

	patient := chi.URLParam(r, "patientID")
	span.SetAttributes(attribute.String("patient", patient))

	tickID, err := h.queue.Enqueue(patient)
	switch {
	case err == nil:
	case errors.Is(err, reconcile.ErrEmptyPatient):
		h.jsonError(w, err.Error(), http.StatusBadRequest)
		return
	case errors.Is(err, workerpool.ErrDuplicateTask):
		h.jsonError(w, "patient is already queued or running", http.StatusConflict)
		return
	case errors.Is(err, workerpool.ErrQueueFull), errors.Is(err, workerpool.ErrStopped):
		h.jsonError(w, err.Error(), http.StatusServiceUnavailable)
		return
	default:
		span.RecordError(err)
		h.logger.Error("enqueue failed", zap.String("patient", patient), zap.Error(err))
		h.jsonError(w, "failed to enqueue patient", http.StatusInternalServerError)
		return
	}

	h.logger.Info("reconciliation requested",
		zap.String("patient", patient),
		zap.String("tick", tickID),
		zap.String("request_id", middleware.GetRequestID(ctx)),
		zap.String("client_id", middleware.GetClientID(ctx)),
	)

	h.writeJSON(w, http.StatusAccepted, ReconcileResponse{
		Patient:    patient,
		TickID:     tickID,
		AcceptedAt: time.Now().UTC(),
	})
}

// ListEnactments handles GET /enactments?patient=
func (h *ReconcileHandler) ListEnactments(w http.ResponseWriter, r *http.Request) {
	var (
		out []pathway.Enactment
		err error
	)
	if patient := r.URL.Query().Get("patient"); patient != "" {
		out, err = h.enactments.EnactmentsByPatient(r.Context(), patient)
	} else {
		out, err = h.enactments.Enactments(r.Context())
	}
	if err != nil {
		h.upstreamError(w, "failed to list enactments", err)
		return
	}
	if out == nil {
		out = []pathway.Enactment{}
	}
	h.writeJSON(w, http.StatusOK, out)
}

// GetEnactment handles GET /enactments/{id}
func (h *ReconcileHandler) GetEnactment(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	found, err := h.enactments.EnactmentByID(r.Context(), id)
	if err != nil {
		h.upstreamError(w, "failed to get enactment", err)
		return
	}
	if len(found) == 0 {
		h.jsonError(w, "enactment not found", http.StatusNotFound)
		return
	}
	h.writeJSON(w, http.StatusOK, found[0])
}

// ListPathways handles GET /pathways?name=&temp=
func (h *ReconcileHandler) ListPathways(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	var (
		out []pathway.Pathway
		err error
	)
	if name := q.Get("name"); name != "" {
		out, err = h.enactments.PathwaysByName(r.Context(), name)
	} else {
		temp, perr := parseBool(q.Get("temp"))
		if perr != nil {
			h.jsonError(w, "temp must be a boolean", http.StatusBadRequest)
			return
		}
		out, err = h.enactments.Pathways(r.Context(), temp)
	}
	if err != nil {
		h.upstreamError(w, "failed to list pathways", err)
		return
	}
	if out == nil {
		out = []pathway.Pathway{}
	}
	h.writeJSON(w, http.StatusOK, out)
}

// ListBreakers handles GET /breakers
func (h *ReconcileHandler) ListBreakers(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, http.StatusOK, h.breakers.GetHealthStatus())
}

// WorkersResponse is the worker pool state
type WorkersResponse struct {
	Healthy bool             `json:"healthy"`
	Stats   workerpool.Stats `json:"stats"`
}

// Workers handles GET /workers
func (h *ReconcileHandler) Workers(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, http.StatusOK, WorkersResponse{
		Healthy: h.queue.IsHealthy(),
		Stats:   h.queue.Stats(),
	})
}

// LedgerResponse lists parked and retrying tasks
type LedgerResponse struct {
	Stats   *ledger.Stats  `json:"stats"`
	Entries []ledger.Entry `json:"entries"`
}

// ListLedger handles GET /ledger?limit=
func (h *ReconcileHandler) ListLedger(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	limit := defaultLedgerLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			h.jsonError(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = n
	}

	entries, err := h.ledger.List(ctx, limit)
	if err != nil {
		h.logger.Error("ledger list failed", zap.Error(err))
		h.jsonError(w, "failed to list ledger", http.StatusInternalServerError)
		return
	}
	stats, err := h.ledger.GetStats(ctx)
	if err != nil {
		h.logger.Error("ledger stats failed", zap.Error(err))
		h.jsonError(w, "failed to read ledger stats", http.StatusInternalServerError)
		return
	}
	if entries == nil {
		entries = []ledger.Entry{}
	}
	h.writeJSON(w, http.StatusOK, LedgerResponse{Stats: stats, Entries: entries})
}

func parseBool(raw string) (bool, error) {
	if raw == "" {
		return false, nil
	}
	return strconv.ParseBool(raw)
}

func (h *ReconcileHandler) upstreamError(w http.ResponseWriter, message string, err error) {
	if restclient.IsNotFound(err) {
		h.jsonError(w, "not found", http.StatusNotFound)
		return
	}
	h.logger.Warn(message, zap.Error(err))
	h.jsonError(w, message, http.StatusBadGateway)
}

func (h *ReconcileHandler) writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func (h *ReconcileHandler) jsonError(w http.ResponseWriter, message string, code int) {
	h.writeJSON(w, code, map[string]string{"error": message})
}
