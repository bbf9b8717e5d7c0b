package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Rollout metrics
	RolloutsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shepherd_rollouts_total",
			Help: "Total number of rollouts by strategy and terminal status",
		},
		[]string{"strategy", "status"},
	)

	RolloutDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "shepherd_rollout_duration_seconds",
			Help:    "Rollout duration in seconds",
			Buckets: []float64{10, 30, 60, 120, 300, 600, 1200, 1800, 3600},
		},
		[]string{"strategy"},
	)

	CanaryWeight = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "shepherd_canary_weight",
			Help: "Traffic percentage currently routed to the candidate release",
		},
		[]string{"environment"},
	)

	// Rollback metrics
	RollbackAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shepherd_rollback_attempts_total",
			Help: "Total number of recovery strategy attempts by strategy and outcome",
		},
		[]string{"strategy", "outcome"},
	)

	WatchdogConsecutiveFailures = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "shepherd_watchdog_consecutive_failures",
			Help: "Consecutive failed evaluations seen by the watchdog",
		},
		[]string{"environment"},
	)

	// Health metrics
	HealthEvaluationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shepherd_health_evaluations_total",
			Help: "Total number of health evaluations by result",
		},
		[]string{"result"},
	)

	HealthCheckFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shepherd_health_check_failures_total",
			Help: "Total number of failed health checks by check name",
		},
		[]string{"check"},
	)

	HealthEvaluationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "shepherd_health_evaluation_duration_seconds",
			Help:    "Time taken by one health evaluation in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Notification and backup metrics
	NotificationsFailedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shepherd_notifications_failed_total",
			Help: "Total number of failed notification deliveries by channel",
		},
		[]string{"channel"},
	)

	BackupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shepherd_backups_total",
			Help: "Total number of backup attempts by result",
		},
		[]string{"result"},
	)

	BackupsStored = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "shepherd_backups_stored",
			Help: "Number of backups currently retained",
		},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(RolloutsTotal)
	prometheus.MustRegister(RolloutDuration)
	prometheus.MustRegister(CanaryWeight)
	prometheus.MustRegister(RollbackAttemptsTotal)
	prometheus.MustRegister(WatchdogConsecutiveFailures)
	prometheus.MustRegister(HealthEvaluationsTotal)
	prometheus.MustRegister(HealthCheckFailuresTotal)
	prometheus.MustRegister(HealthEvaluationDuration)
	prometheus.MustRegister(NotificationsFailedTotal)
	prometheus.MustRegister(BackupsTotal)
	prometheus.MustRegister(BackupsStored)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer measures the duration of an operation
type Timer struct {
	start time.Time
}

// NewTimer starts a timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the time elapsed since the timer started
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// ObserveDuration records the elapsed seconds in o
func (t *Timer) ObserveDuration(o prometheus.Observer) {
	o.Observe(t.Duration().Seconds())
}

// ObserveDurationVec records the elapsed seconds in the child of vec selected by labels
func (t *Timer) ObserveDurationVec(vec *prometheus.HistogramVec, labels ...string) {
	vec.WithLabelValues(labels...).Observe(t.Duration().Seconds())
}
