/*
Package health implements the health gate that every rollout step and the
rollback watchdog consult before acting.

# Architecture

An Evaluator combines four independent sub-checks into one verdict:

	┌──────────────────────────────────────────────────────────┐
	│                  Evaluator.Evaluate(target)               │
	└───┬──────────────┬───────────────┬───────────────┬───────┘
	    │              │               │               │
	    ▼              ▼               ▼               ▼
	┌────────┐   ┌──────────┐   ┌────────────┐   ┌───────────┐
	│  App   │   │Readiness │   │ Error rate │   │ CPU and   │
	│ probe  │   │ ready ==  │   │ p95 latency│   │ memory vs │
	│ 2xx    │   │ total > 0 │   │ (Provider) │   │ limits    │
	└────────┘   └──────────┘   └────────────┘   └───────────┘

The sub-checks run concurrently in an errgroup. Each one is bounded by
CheckTimeout and runs in its own goroutine, so a stuck probe or metrics query
is reported as a timed out check instead of blocking the verdict. Every failed
check is recorded in HealthVerdict.FailedChecks together with a reason.

# Application Probes

HTTP probes pass on any 2xx status within ProbeTimeout and are retried
ProbeRetries times, ProbeRetryDelay apart (10 x 5s by default), before the
application check fails. TCP probes only verify that the port accepts
connections:

	checker := health.NewHTTPChecker("http://checkout-green.shop.svc.cluster.local/health").
		WithTimeout(5 * time.Second)
	result := checker.Check(ctx)

# Thresholds

	errorRate  <= 0.05 over the trailing metrics window
	latency    p95 <= 2000 ms
	cpu        average usage <= 80% of limits.cpu
	memory     average usage <= 85% of limits.memory

A metrics provider that cannot be reached fails the metric checks; an empty
result (no traffic yet) reads as zero and passes.

# Consecutive Failures

Status counts consecutive failed evaluations. Update reports when the streak
reaches Config.Retries; the watchdog uses that edge to trigger exactly one
rollback and then calls Reset.
*/
package health
