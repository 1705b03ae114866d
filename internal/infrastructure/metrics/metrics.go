// Package metrics exposes the engine's Prometheus metrics.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/campusflow/attendance-engine/internal/application/engine"
	"github.com/campusflow/attendance-engine/internal/infrastructure/messaging"
	"github.com/campusflow/attendance-engine/internal/infrastructure/scheduler"
	"github.com/campusflow/attendance-engine/pkg/circuitbreaker"
)

const namespace = "attendance_engine"

var durationBuckets = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 300}

// Recorder holds every engine metric on its own registry.
type Recorder struct {
	registry *prometheus.Registry

	badgeEvaluations *prometheus.HistogramVec
	studentDuration  *prometheus.HistogramVec
	awards           *prometheus.CounterVec

	batchRuns     prometheus.Counter
	batchStudents prometheus.Counter
	batchFailed   prometheus.Counter
	batchAwards   prometheus.Counter
	batchDuration prometheus.Histogram
	lastBatch     prometheus.Gauge

	triggers *prometheus.HistogramVec
	jobs     *prometheus.HistogramVec
	breaker  *prometheus.GaugeVec
}

var (
	_ engine.Metrics           = (*Recorder)(nil)
	_ messaging.TriggerMetrics = (*Recorder)(nil)
	_ scheduler.JobMetrics     = (*Recorder)(nil)
)

// NewRecorder creates a Recorder and registers its metrics, plus the Go
// runtime and process collectors.
func NewRecorder() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),

		badgeEvaluations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "badge_evaluation_seconds",
			Help:      "Duration of one badge criterion evaluation by criterion kind and outcome",
			Buckets:   durationBuckets,
		}, []string{"kind", "status"}),

		studentDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "student_evaluation_seconds",
			Help:      "Duration of evaluating every badge for one student",
			Buckets:   durationBuckets,
		}, []string{"result"}),

		awards: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "badges_awarded_total",
			Help:      "Badges newly awarded by badge code and origin",
		}, []string{"badge_code", "manual"}),

		batchRuns: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batch_runs_total",
			Help:      "Completed evaluate-all runs",
		}),
		batchStudents: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batch_students_total",
			Help:      "Students evaluated by evaluate-all runs",
		}),
		batchFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batch_student_failures_total",
			Help:      "Students whose evaluation failed during evaluate-all runs",
		}),
		batchAwards: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batch_awards_total",
			Help:      "Badges awarded by evaluate-all runs",
		}),
		batchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_duration_seconds",
			Help:      "Wall time of evaluate-all runs",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		}),
		lastBatch: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "batch_last_completed_timestamp_seconds",
			Help:      "Unix time the last evaluate-all run finished",
		}),

		triggers: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "trigger_handling_seconds",
			Help:      "Duration of handling a queued trigger by type and status",
			Buckets:   durationBuckets,
		}, []string{"type", "status"}),

		jobs: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "scheduled_job_seconds",
			Help:      "Duration of scheduled job runs by job and result",
			Buckets:   durationBuckets,
		}, []string{"job", "result"}),

		breaker: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state: 0 closed, 1 half-open, 2 open",
		}, []string{"name"}),
	}

	r.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		r.badgeEvaluations, r.studentDuration, r.awards,
		r.batchRuns, r.batchStudents, r.batchFailed, r.batchAwards, r.batchDuration, r.lastBatch,
		r.triggers, r.jobs, r.breaker,
	)
	return r
}

// Registry returns the underlying registry.
func (r *Recorder) Registry() *prometheus.Registry { return r.registry }

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}

// ─────────────────────────────────────────────────────────────────────────────
// Engine
// ─────────────────────────────────────────────────────────────────────────────

// ObserveBadge implements engine.Metrics.
func (r *Recorder) ObserveBadge(kind, status string, d time.Duration) {
	r.badgeEvaluations.WithLabelValues(kind, status).Observe(d.Seconds())
}

// ObserveStudent implements engine.Metrics.
func (r *Recorder) ObserveStudent(d time.Duration, failed bool) {
	r.studentDuration.WithLabelValues(result(!failed)).Observe(d.Seconds())
}

// ObserveBatch implements engine.Metrics.
func (r *Recorder) ObserveBatch(students, failed, awards int, d time.Duration) {
	r.batchRuns.Inc()
	r.batchStudents.Add(float64(students))
	r.batchFailed.Add(float64(failed))
	r.batchAwards.Add(float64(awards))
	r.batchDuration.Observe(d.Seconds())
	r.lastBatch.SetToCurrentTime()
}

// AwardCreated implements engine.Metrics.
func (r *Recorder) AwardCreated(badgeCode string, manual bool) {
	r.awards.WithLabelValues(badgeCode, strconv.FormatBool(manual)).Inc()
}

// ─────────────────────────────────────────────────────────────────────────────
// Worker
// ─────────────────────────────────────────────────────────────────────────────

// TriggerHandled implements messaging.TriggerMetrics.
func (r *Recorder) TriggerHandled(triggerType, status string, d time.Duration) {
	r.triggers.WithLabelValues(triggerType, status).Observe(d.Seconds())
}

// JobRun implements scheduler.JobMetrics.
func (r *Recorder) JobRun(jobName string, success bool, d time.Duration) {
	r.jobs.WithLabelValues(jobName, result(success)).Observe(d.Seconds())
}

// BreakerStateChanged records a circuit breaker transition; it matches the
// circuitbreaker.WithOnStateChange callback.
func (r *Recorder) BreakerStateChanged(name string, _, to circuitbreaker.State) {
	r.breaker.WithLabelValues(name).Set(float64(to))
}

func result(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}
