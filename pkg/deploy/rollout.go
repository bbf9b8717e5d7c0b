package deploy

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cuemby/shepherd/pkg/metrics"
	"github.com/cuemby/shepherd/pkg/orchestrator"
	"github.com/cuemby/shepherd/pkg/rollback"
	"github.com/cuemby/shepherd/pkg/types"
	"github.com/rs/zerolog"
)

// rollout is the state of one Run
type rollout struct {
	*Engine
	rev    *types.DeploymentRevision
	client orchestrator.Client
	dryRun bool
	timer  *metrics.Timer
	logger zerolog.Logger

	// active is the release serving traffic when the rollout started
	active string
}

func (r *rollout) run(ctx context.Context, force bool) error {
	state, err := r.client.Traffic(ctx)
	if err != nil {
		return r.fail(fmt.Errorf("failed to read traffic state: %w", err))
	}
	r.active = state.ActiveVersion

	if r.active != "" && !force && !r.dryRun {
		verdict := r.gate.Evaluate(ctx, r.target(r.active))
		if !verdict.Passed {
			return r.fail(fmt.Errorf("%w: active release %s is unhealthy and would not be a valid fallback (%s)",
				types.ErrHealthCheck, r.active, verdict.Reason()))
		}
	}

	if !r.dryRun {
		if _, err := r.backups.CreateBackup(ctx, r.active); err != nil {
			r.logger.Warn().Err(err).Msg("Backup before rollout failed, continuing")
		}
	}

	r.logger.Info().Str("image", r.rev.ImageRef).Str("active", r.active).Bool("dry_run", r.dryRun).Msg("Rollout started")
	r.emit(ctx, types.SeverityInfo, "rollout %s of %s started (%s)", r.rev.ID, r.rev.ImageRef, r.rev.Strategy)

	switch r.rev.Strategy {
	case types.StrategyBlueGreen:
		return r.blueGreen(ctx)
	case types.StrategyCanary:
		return r.canary(ctx)
	default:
		return r.rolling(ctx)
	}
}

// blueGreen: Deploying(inactive) -> HealthChecking -> Promoting ->
// Stabilizing -> FinalHealthChecking -> Completed. The previous color is only
// removed after the final health check passed.
func (r *rollout) blueGreen(ctx context.Context) error {
	target := inactiveColor(r.active, r.cfg.PrimaryLabel)
	r.rev.EnvironmentLabel = target
	previous := r.currentRevision(ctx, r.active)

	if err := r.transition(types.RevisionDeploying, "deploying "+target); err != nil {
		return err
	}
	if err := r.call(ctx, func(ctx context.Context) error { return r.client.Deploy(ctx, r.rev) }); err != nil {
		r.uninstall(ctx, target)
		return r.fail(fmt.Errorf("failed to deploy %s: %w", target, err))
	}

	if err := r.transition(types.RevisionHealthChecking, "health checking "+target); err != nil {
		return err
	}
	if verdict := r.evaluate(ctx, target); !verdict.Passed {
		return r.rollback(ctx, types.TriggerHealthCheckFailure, target, previous, healthError(target, verdict))
	}

	if err := r.transition(types.RevisionPromoting, "switching traffic to "+target); err != nil {
		return err
	}
	if err := r.call(ctx, func(ctx context.Context) error { return r.client.SwitchActive(ctx, target) }); err != nil {
		return r.rollback(ctx, types.TriggerPromotionFailure, target, previous, fmt.Errorf("failed to switch traffic to %s: %w", target, err))
	}

	r.logger.Info().Dur("wait", r.cfg.StabilizationWait).Msg("Stabilizing")
	if err := r.wait(ctx, r.cfg.StabilizationWait); err != nil {
		return r.rollback(ctx, types.TriggerHealthCheckFailure, target, previous, err)
	}

	if err := r.transition(types.RevisionHealthChecking, "final health check of "+target); err != nil {
		return err
	}
	if verdict := r.evaluate(ctx, target); !verdict.Passed {
		return r.rollback(ctx, types.TriggerHealthCheckFailure, target, previous, healthError(target, verdict))
	}

	if r.cfg.CleanupPrevious && r.active != "" && r.active != target {
		r.uninstall(ctx, r.active)
	}
	return r.complete(ctx, target+" is active")
}

// inactiveColor picks the release a blue-green rollout deploys to. It never
// returns active, so a live release that is neither blue nor green is
// replaced by blue rather than overwritten.
func inactiveColor(active, primary string) string {
	switch active {
	case "":
		return primary
	case LabelBlue:
		return LabelGreen
	default:
		return LabelBlue
	}
}

// canary: Deploying(canary) -> for each weight HealthChecking -> Promoting
// -> Completed. Any failed sample aborts the step and rolls back.
func (r *rollout) canary(ctx context.Context) error {
	primary := r.active
	if primary == "" {
		return r.fail(fmt.Errorf("%w: canary requires an active release to shift traffic from", types.ErrConfiguration))
	}
	previous := r.currentRevision(ctx, primary)

	r.rev.EnvironmentLabel = LabelCanary
	r.rev.Replicas = 1
	if err := r.transition(types.RevisionDeploying, "deploying canary"); err != nil {
		return err
	}
	if err := r.call(ctx, func(ctx context.Context) error { return r.client.Deploy(ctx, r.rev) }); err != nil {
		r.uninstall(ctx, LabelCanary)
		return r.fail(fmt.Errorf("failed to deploy canary: %w", err))
	}

	for _, weight := range r.cfg.CanarySteps {
		if err := r.transition(types.RevisionHealthChecking, fmt.Sprintf("canary at %d%%", weight)); err != nil {
			return err
		}
		if err := r.call(ctx, func(ctx context.Context) error { return r.client.SetTrafficWeight(ctx, LabelCanary, weight) }); err != nil {
			return r.abortCanary(ctx, types.TriggerPromotionFailure, previous, fmt.Errorf("failed to route %d%% to canary: %w", weight, err))
		}
		if err := r.rev.SetWeight(weight); err != nil {
			return r.abortCanary(ctx, types.TriggerPromotionFailure, previous, err)
		}
		r.save()
		if !r.dryRun {
			metrics.CanaryWeight.WithLabelValues(r.cfg.Environment).Set(float64(weight))
		}
		r.logger.Info().Int("weight", weight).Msg("Canary weight set")

		if err := r.monitor(ctx, weight); err != nil {
			return r.abortCanary(ctx, types.TriggerHealthCheckFailure, previous, err)
		}
	}

	if err := r.transition(types.RevisionPromoting, "promoting canary to "+primary); err != nil {
		return err
	}
	promoted := *r.rev
	promoted.EnvironmentLabel = primary
	promoted.Replicas = r.cfg.Replicas
	if err := r.call(ctx, func(ctx context.Context) error { return r.client.Deploy(ctx, &promoted) }); err != nil {
		return r.abortCanary(ctx, types.TriggerPromotionFailure, previous, fmt.Errorf("failed to promote canary: %w", err))
	}
	if err := r.call(ctx, func(ctx context.Context) error { return r.client.SwitchActive(ctx, primary) }); err != nil {
		return r.abortCanary(ctx, types.TriggerPromotionFailure, previous, fmt.Errorf("failed to switch traffic to %s: %w", primary, err))
	}
	r.uninstall(ctx, LabelCanary)
	r.rev.EnvironmentLabel = primary
	if !r.dryRun {
		metrics.CanaryWeight.WithLabelValues(r.cfg.Environment).Set(0)
	}
	return r.complete(ctx, "canary promoted to "+primary)
}

// monitor samples the canary every SampleInterval for StepDuration
func (r *rollout) monitor(ctx context.Context, weight int) error {
	samples := int(r.cfg.StepDuration / r.cfg.SampleInterval)
	if samples < 1 {
		samples = 1
	}
	for i := 0; i < samples; i++ {
		if err := r.wait(ctx, r.cfg.SampleInterval); err != nil {
			return err
		}
		if verdict := r.evaluate(ctx, LabelCanary); !verdict.Passed {
			return fmt.Errorf("at %d%%: %w", weight, healthError(LabelCanary, verdict))
		}
	}
	return nil
}

// abortCanary rolls back to the primary release and removes the canary
func (r *rollout) abortCanary(ctx context.Context, reason types.TriggerReason, previous string, cause error) error {
	err := r.rollback(ctx, reason, LabelCanary, previous, cause)
	r.uninstall(ctx, LabelCanary)
	if !r.dryRun {
		metrics.CanaryWeight.WithLabelValues(r.cfg.Environment).Set(0)
	}
	return err
}

// rolling delegates to the orchestrator's native rolling update, then runs
// one health check
func (r *rollout) rolling(ctx context.Context) error {
	label := r.active
	if label == "" {
		label = r.cfg.PrimaryLabel
	}
	r.rev.EnvironmentLabel = label

	if err := r.transition(types.RevisionDeploying, "rolling update of "+label); err != nil {
		return err
	}
	if err := r.call(ctx, func(ctx context.Context) error { return r.client.Deploy(ctx, r.rev) }); err != nil {
		return r.fail(fmt.Errorf("rolling update of %s failed: %w", label, err))
	}
	if r.active == "" {
		if err := r.call(ctx, func(ctx context.Context) error { return r.client.SwitchActive(ctx, label) }); err != nil {
			return r.fail(fmt.Errorf("failed to route traffic to %s: %w", label, err))
		}
	}

	if err := r.transition(types.RevisionHealthChecking, "health checking "+label); err != nil {
		return err
	}
	if verdict := r.evaluate(ctx, label); !verdict.Passed {
		return r.rollback(ctx, types.TriggerHealthCheckFailure, label, "", healthError(label, verdict))
	}
	return r.complete(ctx, label+" updated")
}

// rollback hands a failed rollout to the rollback coordinator. The revision
// ends RolledBack when health was restored and Failed otherwise. An
// interrupted rollout is still rolled back, bounded by the coordinator's
// timeout, and is recorded as a manual request.
func (r *rollout) rollback(ctx context.Context, reason types.TriggerReason, failing, previous string, cause error) error {
	if errors.Is(ctx.Err(), context.Canceled) {
		reason = types.TriggerManualRequest
	}
	ctx = context.WithoutCancel(ctx)

	r.logger.Warn().Err(cause).Str("reason", string(reason)).Msg("Rollout failed, rolling back")
	if r.dryRun {
		return r.fail(cause)
	}

	result, err := r.rollbacks.Gated(ctx, rollback.Request{
		Reason:           reason,
		FailingLabel:     failing,
		PreviousRevision: previous,
	})
	if err != nil {
		return r.fail(fmt.Errorf("%w; rollback failed: %w", cause, err))
	}
	if failing != result.Traffic.ActiveVersion && failing != LabelCanary {
		r.uninstall(ctx, failing)
	}

	reasonText := fmt.Sprintf("%v; recovered with %s", cause, result.Strategy)
	if terr := r.transition(types.RevisionRolledBack, reasonText); terr != nil {
		return terr
	}
	r.logger.Warn().Str("strategy", string(result.Strategy)).Msg("Rollout rolled back")
	r.emit(ctx, types.SeverityError, "rollout %s rolled back: %s", r.rev.ID, reasonText)
	return fmt.Errorf("rolled back: %w", cause)
}

func (r *rollout) complete(ctx context.Context, reason string) error {
	if err := r.transition(types.RevisionCompleted, reason); err != nil {
		return err
	}
	r.logger.Info().Dur("duration", r.timer.Duration()).Msg("Rollout completed")
	r.emit(ctx, types.SeverityInfo, "rollout %s of %s completed: %s", r.rev.ID, r.rev.ImageRef, reason)
	return nil
}

func (r *rollout) fail(cause error) error {
	if terr := r.transition(types.RevisionFailed, cause.Error()); terr != nil {
		return terr
	}
	r.logger.Error().Err(cause).Msg("Rollout failed")
	r.emit(context.Background(), types.SeverityError, "rollout %s failed: %v", r.rev.ID, cause)
	return cause
}

func (r *rollout) transition(status types.RevisionStatus, reason string) error {
	if err := r.rev.Transition(status, reason); err != nil {
		return err
	}
	r.logger.Debug().Str("status", string(status)).Msg(reason)
	r.save()
	return nil
}

func (r *rollout) save() {
	if r.dryRun {
		return
	}
	if err := r.revisions.SaveRevision(r.rev); err != nil {
		r.logger.Warn().Err(err).Msg("Failed to persist revision")
	}
}

func (r *rollout) record() {
	if r.dryRun || !r.rev.Status.Terminal() {
		return
	}
	metrics.RolloutsTotal.WithLabelValues(string(r.rev.Strategy), string(r.rev.Status)).Inc()
	r.timer.ObserveDurationVec(metrics.RolloutDuration, string(r.rev.Strategy))
}

func (r *rollout) emit(ctx context.Context, severity types.Severity, format string, args ...interface{}) {
	if r.dryRun {
		return
	}
	r.notifier.Emit(ctx, severity, format, args...)
}

// evaluate runs the health gate. Dry runs pass every gate.
func (r *rollout) evaluate(ctx context.Context, label string) types.HealthVerdict {
	if r.dryRun {
		r.logger.Info().Str("label", label).Msg("[dry-run] would evaluate health")
		return types.HealthVerdict{Timestamp: time.Now(), EnvironmentLabel: label, Passed: true}
	}
	return r.gate.Evaluate(ctx, r.target(label))
}

// call bounds one orchestrator call by the rollout timeout
func (r *rollout) call(ctx context.Context, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.RolloutTimeout)
	defer cancel()
	return fn(ctx)
}

// uninstall removes a release. It runs even after ctx ended and failures are
// logged only.
func (r *rollout) uninstall(ctx context.Context, label string) {
	if err := r.call(context.WithoutCancel(ctx), func(ctx context.Context) error { return r.client.Uninstall(ctx, label) }); err != nil {
		r.logger.Warn().Err(err).Str("label", label).Msg("Best-effort uninstall failed")
	}
}

func (r *rollout) currentRevision(ctx context.Context, label string) string {
	if label == "" {
		return ""
	}
	rev, err := r.client.CurrentRevision(ctx, label)
	if err != nil {
		if !errors.Is(err, types.ErrRevisionNotFound) {
			r.logger.Warn().Err(err).Str("label", label).Msg("Failed to read current revision")
		}
		return ""
	}
	return rev
}

// wait sleeps for d unless ctx ends first. Dry runs do not wait.
func (r *rollout) wait(ctx context.Context, d time.Duration) error {
	if r.dryRun || d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("rollout interrupted: %w", ctx.Err())
	case <-t.C:
		return nil
	}
}

func healthError(label string, verdict types.HealthVerdict) error {
	return fmt.Errorf("%w: %s %s", types.ErrHealthCheck, label, strings.TrimPrefix(verdict.Reason(), "failed checks: "))
}
