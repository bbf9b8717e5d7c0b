/*
Package metrics provides Prometheus metrics and health endpoints for Shepherd.

All metrics are package-level vars registered with the default Prometheus
registry in init, so any component can record into them without wiring:

	metrics.RolloutsTotal.WithLabelValues("canary", "rolled-back").Inc()

	timer := metrics.NewTimer()
	verdict := evaluator.Evaluate(ctx, target)
	timer.ObserveDuration(metrics.HealthEvaluationDuration)

# Metrics Catalog

Rollouts:
  - shepherd_rollouts_total{strategy,status}: counter of finished rollouts
  - shepherd_rollout_duration_seconds{strategy}: histogram of rollout durations
  - shepherd_canary_weight{environment}: gauge of candidate traffic percentage

Rollbacks:
  - shepherd_rollback_attempts_total{strategy,outcome}: counter of recovery attempts
  - shepherd_watchdog_consecutive_failures{environment}: gauge of the watchdog counter

Health:
  - shepherd_health_evaluations_total{result}: counter of verdicts, pass or fail
  - shepherd_health_check_failures_total{check}: counter of failed sub-checks
  - shepherd_health_evaluation_duration_seconds: histogram of Evaluate durations

Notifications and backups:
  - shepherd_notifications_failed_total{channel}: counter of failed deliveries
  - shepherd_backups_total{result}: counter of backup attempts
  - shepherd_backups_stored: gauge of retained backups

# Endpoints

Handler serves the registry in the Prometheus text format. HealthChecker
aggregates component health for /health and /ready; the Collector refreshes
the traffic and backup gauges every 15 seconds and reports the orchestrator
and storage components to the HealthChecker as a side effect.
*/
package metrics
