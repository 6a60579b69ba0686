package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type schedulerMetrics struct {
	queueDepth   *prometheus.GaugeVec
	runningTasks *prometheus.GaugeVec
	dlqSize      *prometheus.GaugeVec

	submittedTotal   *prometheus.CounterVec
	attemptsTotal    *prometheus.CounterVec
	retriesTotal     *prometheus.CounterVec
	deadLettersTotal *prometheus.CounterVec
	cancelledTotal   *prometheus.CounterVec

	attemptDuration *prometheus.HistogramVec
}

var (
	metricsOnce sync.Once
	metricsInst *schedulerMetrics
	registry    *prometheus.Registry
)

func getMetrics() *schedulerMetrics {
	metricsOnce.Do(func() {
		m := &schedulerMetrics{
			queueDepth: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "laneq_queue_depth",
					Help: "Pending envelopes by lane.",
				},
				[]string{"lane"},
			),
			runningTasks: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "laneq_running_tasks",
					Help: "Running envelopes by lane.",
				},
				[]string{"lane"},
			),
			dlqSize: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "laneq_dlq_size",
					Help: "Dead letter queue size by lane.",
				},
				[]string{"lane"},
			),
			submittedTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "laneq_submitted_total",
					Help: "Total commands submitted by lane.",
				},
				[]string{"lane"},
			),
			attemptsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "laneq_attempts_total",
					Help: "Total execution attempts by lane and outcome.",
				},
				[]string{"lane", "outcome"},
			),
			retriesTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "laneq_retries_total",
					Help: "Total re-enqueued attempts by lane.",
				},
				[]string{"lane"},
			),
			deadLettersTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "laneq_dead_letters_total",
					Help: "Total commands moved to the DLQ by lane.",
				},
				[]string{"lane"},
			),
			cancelledTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "laneq_cancelled_total",
					Help: "Total cancelled commands by lane.",
				},
				[]string{"lane"},
			),
			attemptDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "laneq_attempt_duration_seconds",
					Help:    "Duration of execution attempts in seconds.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"lane"},
			),
		}

		registry = prometheus.NewRegistry()
		registry.MustRegister(
			m.queueDepth,
			m.runningTasks,
			m.dlqSize,
			m.submittedTotal,
			m.attemptsTotal,
			m.retriesTotal,
			m.deadLettersTotal,
			m.cancelledTotal,
			m.attemptDuration,
		)

		metricsInst = m
	})
	return metricsInst
}

// EnsureRegistered forces metric registration. Call once at startup.
func EnsureRegistered() {
	getMetrics()
}

// Handler returns an HTTP handler exposing the scheduler metrics.
func Handler() http.Handler {
	getMetrics()
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// RecordSubmitted counts submitted commands and updates queue depth.
func RecordSubmitted(lane string, count int, depth int) {
	m := getMetrics()
	m.submittedTotal.WithLabelValues(lane).Add(float64(count))
	m.queueDepth.WithLabelValues(lane).Set(float64(depth))
}

// RecordAdmitted tracks an envelope moving from pending to running.
func RecordAdmitted(lane string, depth int, running int) {
	m := getMetrics()
	m.queueDepth.WithLabelValues(lane).Set(float64(depth))
	m.runningTasks.WithLabelValues(lane).Set(float64(running))
}

// RecordAttempt records one finished execution attempt.
func RecordAttempt(lane, outcome string, duration time.Duration, running int) {
	m := getMetrics()
	m.attemptsTotal.WithLabelValues(lane, outcome).Inc()
	m.attemptDuration.WithLabelValues(lane).Observe(duration.Seconds())
	m.runningTasks.WithLabelValues(lane).Set(float64(running))
}

// RecordRetry counts a re-enqueued attempt.
func RecordRetry(lane string, depth int) {
	m := getMetrics()
	m.retriesTotal.WithLabelValues(lane).Inc()
	m.queueDepth.WithLabelValues(lane).Set(float64(depth))
}

// RecordDeadLetter counts a command moved to the DLQ.
func RecordDeadLetter(lane string, dlqSize int) {
	m := getMetrics()
	m.deadLettersTotal.WithLabelValues(lane).Inc()
	m.dlqSize.WithLabelValues(lane).Set(float64(dlqSize))
}

// RecordCancelled counts a cancelled command.
func RecordCancelled(lane string, depth int) {
	m := getMetrics()
	m.cancelledTotal.WithLabelValues(lane).Inc()
	m.queueDepth.WithLabelValues(lane).Set(float64(depth))
}
