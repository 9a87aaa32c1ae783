// Package metrics provides Prometheus metrics for the reconciler.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Outcome labels.
const (
	OutcomeConfirmed = "confirmed"
	OutcomeBlocked   = "blocked"
	OutcomeSkipped   = "skipped"
	OutcomeFailed    = "failed"
	OutcomePending   = "pending"
)

// Metrics holds all application metrics. A nil *Metrics records nothing.
type Metrics struct {
	TicksTotal            prometheus.Counter
	TicksSkipped          prometheus.Counter
	TickDuration          prometheus.Histogram
	PatientsReconciled    prometheus.Counter
	PatientsFailed        prometheus.Counter
	PatientDuration       prometheus.Histogram
	Tasks                 *prometheus.CounterVec
	EnactmentsCreated     prometheus.Counter
	EnactmentsDeleted     prometheus.Counter
	ValuesWritten         prometheus.Counter
	ValuesRequested       *prometheus.CounterVec
	WorkerQueueDepth      prometheus.Gauge
	KafkaMessagesProduced *prometheus.CounterVec
	KafkaMessagesConsumed *prometheus.CounterVec
	OutboxPending         prometheus.Gauge
	CircuitBreakerState   *prometheus.GaugeVec
}

// New creates metrics on the default registerer
func New() *Metrics {
	return NewWithRegistry(prometheus.DefaultRegisterer)
}

// NewWithRegistry creates and registers all metrics on reg
func NewWithRegistry(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		TicksTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "reconcile_ticks_total",
			Help: "Total reconciliation ticks started",
		}),
		TicksSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "reconcile_ticks_skipped_total",
			Help: "Ticks skipped because the previous tick still had work in flight",
		}),
		TickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "reconcile_tick_duration_seconds",
			Help:    "Time spent claiming notifications and enqueueing patients",
			Buckets: prometheus.DefBuckets,
		}),
		PatientsReconciled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "reconcile_patients_total",
			Help: "Total patients reconciled",
		}),
		PatientsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "reconcile_patients_failed_total",
			Help: "Total patient reconciliations that ended with an error",
		}),
		PatientDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "reconcile_patient_duration_seconds",
			Help:    "Per-patient reconciliation duration",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
		}),
		Tasks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "reconcile_tasks_total",
			Help: "Plan task outcomes",
		}, []string{"kind", "outcome"}),
		EnactmentsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "reconcile_enactments_created_total",
			Help: "Enactments created",
		}),
		EnactmentsDeleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "reconcile_enactments_deleted_total",
			Help: "Enactments deleted after their open task set emptied",
		}),
		ValuesWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "reconcile_data_values_written_total",
			Help: "Data values written to the decision engine",
		}),
		ValuesRequested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "reconcile_requests_created_total",
			Help: "Repository requests created for values or decisions",
		}, []string{"resource"}),
		WorkerQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "reconcile_worker_queue_depth",
			Help: "Per-patient units of work queued or running",
		}),
		KafkaMessagesProduced: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kafka_messages_produced_total",
			Help: "Total Kafka messages produced",
		}, []string{"topic", "result"}),
		KafkaMessagesConsumed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kafka_messages_consumed_total",
			Help: "Total Kafka messages consumed",
		}, []string{"topic", "result"}),
		OutboxPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "outbox_pending_entries",
			Help: "Pending outbox entries",
		}),
		CircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		}, []string{"name"}),
	}

	reg.MustRegister(
		m.TicksTotal,
		m.TicksSkipped,
		m.TickDuration,
		m.PatientsReconciled,
		m.PatientsFailed,
		m.PatientDuration,
		m.Tasks,
		m.EnactmentsCreated,
		m.EnactmentsDeleted,
		m.ValuesWritten,
		m.ValuesRequested,
		m.WorkerQueueDepth,
		m.KafkaMessagesProduced,
		m.KafkaMessagesConsumed,
		m.OutboxPending,
		m.CircuitBreakerState,
	)

	return m
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// Tick records a started tick and its duration
func (m *Metrics) Tick(d time.Duration) {
	if m == nil {
		return
	}
	m.TicksTotal.Inc()
	m.TickDuration.Observe(d.Seconds())
}

// TickSkipped records a skipped tick
func (m *Metrics) TickSkipped() {
	if m == nil {
		return
	}
	m.TicksSkipped.Inc()
}

// Patient records one patient reconciliation
func (m *Metrics) Patient(d time.Duration, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.PatientsFailed.Inc()
	} else {
		m.PatientsReconciled.Inc()
	}
	m.PatientDuration.Observe(d.Seconds())
}

// Task records a plan task outcome
func (m *Metrics) Task(kind, outcome string) {
	if m == nil {
		return
	}
	m.Tasks.WithLabelValues(kind, outcome).Inc()
}

// EnactmentCreated records a new enactment
func (m *Metrics) EnactmentCreated() {
	if m == nil {
		return
	}
	m.EnactmentsCreated.Inc()
}

// EnactmentDeleted records a deleted enactment
func (m *Metrics) EnactmentDeleted() {
	if m == nil {
		return
	}
	m.EnactmentsDeleted.Inc()
}

// Values records written data values
func (m *Metrics) Values(n int) {
	if m == nil {
		return
	}
	m.ValuesWritten.Add(float64(n))
}

// Requested records a created repository request
func (m *Metrics) Requested(resourceType string) {
	if m == nil {
		return
	}
	m.ValuesRequested.WithLabelValues(resourceType).Inc()
}

// QueueDepth sets the worker queue depth
func (m *Metrics) QueueDepth(n int) {
	if m == nil {
		return
	}
	m.WorkerQueueDepth.Set(float64(n))
}

// Produced records a produced Kafka record
func (m *Metrics) Produced(topic string, err error) {
	if m == nil {
		return
	}
	m.KafkaMessagesProduced.WithLabelValues(topic, result(err)).Inc()
}

// Consumed records a consumed Kafka record
func (m *Metrics) Consumed(topic string, err error) {
	if m == nil {
		return
	}
	m.KafkaMessagesConsumed.WithLabelValues(topic, result(err)).Inc()
}

// Outbox sets the pending outbox gauge
func (m *Metrics) Outbox(pending int64) {
	if m == nil {
		return
	}
	m.OutboxPending.Set(float64(pending))
}

// BreakerState sets a breaker's state gauge from its state name
func (m *Metrics) BreakerState(name, state string) {
	if m == nil {
		return
	}
	var v float64
	switch state {
	case "half-open":
		v = 1
	case "open":
		v = 2
	}
	m.CircuitBreakerState.WithLabelValues(name).Set(v)
}

// Handler returns the Prometheus HTTP handler for the default registry
func Handler() http.Handler {
	return promhttp.Handler()
}

// HandlerFor returns the Prometheus HTTP handler for a registry
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
