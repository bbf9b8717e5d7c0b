package rollback

import (
	"context"
	"time"

	"github.com/cuemby/shepherd/pkg/health"
	"github.com/cuemby/shepherd/pkg/log"
	"github.com/cuemby/shepherd/pkg/metrics"
	"github.com/cuemby/shepherd/pkg/types"
	"github.com/rs/zerolog"
)

// TrafficReader reads the routing state to find the active release
type TrafficReader interface {
	Traffic(ctx context.Context) (types.TrafficState, error)
}

// Trigger starts a gated rollback
type Trigger interface {
	Gated(ctx context.Context, req Request) (*Result, error)
}

// VerdictLog is the append-only audit trail of health verdicts
type VerdictLog interface {
	AppendVerdict(environment string, verdict *types.HealthVerdict) error
}

// WatchdogConfig configures continuous monitoring
type WatchdogConfig struct {
	Environment string

	// Interval between evaluations
	Interval time.Duration

	// FailureThreshold is the number of consecutive failed evaluations that
	// triggers one rollback
	FailureThreshold int

	// FallbackLabel is evaluated when the routing state cannot be read
	FallbackLabel string
}

// Watchdog evaluates the active release on a fixed interval and triggers
// exactly one gated rollback each time the failure streak reaches the
// threshold, then starts counting again from zero.
type Watchdog struct {
	cfg      WatchdogConfig
	traffic  TrafficReader
	gate     HealthGate
	target   TargetFunc
	trigger  Trigger
	verdicts VerdictLog
	status   *health.Status
	logger   zerolog.Logger

	label string
}

// NewWatchdog creates a watchdog
func NewWatchdog(cfg WatchdogConfig, traffic TrafficReader, gate HealthGate, target TargetFunc, trigger Trigger, verdicts VerdictLog) *Watchdog {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.FailureThreshold < 1 {
		cfg.FailureThreshold = 3
	}
	return &Watchdog{
		cfg:      cfg,
		traffic:  traffic,
		gate:     gate,
		target:   target,
		trigger:  trigger,
		verdicts: verdicts,
		status:   health.NewStatus(),
		logger:   log.WithEnvironment("watchdog", cfg.Environment),
		label:    cfg.FallbackLabel,
	}
}

// Run polls until ctx is cancelled. Each iteration sleeps one interval, then
// checks for cancellation before evaluating.
func (w *Watchdog) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	w.logger.Info().
		Dur("interval", w.cfg.Interval).
		Int("failure_threshold", w.cfg.FailureThreshold).
		Msg("Watchdog started")

	for {
		select {
		case <-ctx.Done():
			w.logger.Info().Msg("Watchdog stopped")
			return nil
		case <-ticker.C:
		}

		if ctx.Err() != nil {
			w.logger.Info().Msg("Watchdog stopped")
			return nil
		}
		w.Tick(ctx)
	}
}

// Tick runs one evaluation and reports whether it triggered a rollback
func (w *Watchdog) Tick(ctx context.Context) bool {
	if state, err := w.traffic.Traffic(ctx); err != nil {
		w.logger.Warn().Err(err).Str("label", w.label).Msg("Failed to read traffic, evaluating last known release")
	} else if state.ActiveVersion != "" {
		w.label = state.ActiveVersion
	}

	verdict := w.gate.Evaluate(ctx, w.target(w.label))
	if err := w.verdicts.AppendVerdict(w.cfg.Environment, &verdict); err != nil {
		w.logger.Warn().Err(err).Msg("Failed to record verdict")
	}

	triggered := w.status.Update(health.Result{
		Healthy:   verdict.Passed,
		Message:   verdict.Reason(),
		CheckedAt: verdict.Timestamp,
	}, health.Config{
		Interval: w.cfg.Interval,
		Retries:  w.cfg.FailureThreshold,
	})
	failures := w.status.ConsecutiveFailures()
	metrics.WatchdogConsecutiveFailures.WithLabelValues(w.cfg.Environment).Set(float64(failures))

	if !verdict.Passed {
		w.logger.Warn().
			Str("label", w.label).
			Int("consecutive_failures", failures).
			Int("threshold", w.cfg.FailureThreshold).
			Msg(verdict.Reason())
	}
	if !triggered {
		return false
	}

	w.logger.Error().Str("label", w.label).Msg("Failure threshold reached, triggering rollback")
	result, err := w.trigger.Gated(ctx, Request{
		Reason:       types.TriggerHealthCheckFailure,
		FailingLabel: w.label,
	})
	if err != nil {
		w.logger.Error().Err(err).Msg("Rollback did not restore health")
	} else if result != nil && result.Traffic.ActiveVersion != "" {
		w.label = result.Traffic.ActiveVersion
	}

	w.status.Reset()
	metrics.WatchdogConsecutiveFailures.WithLabelValues(w.cfg.Environment).Set(0)
	return true
}

// ConsecutiveFailures returns the current failure streak
func (w *Watchdog) ConsecutiveFailures() int {
	return w.status.ConsecutiveFailures()
}
