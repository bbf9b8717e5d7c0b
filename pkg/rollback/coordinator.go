package rollback

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cuemby/shepherd/pkg/health"
	"github.com/cuemby/shepherd/pkg/log"
	"github.com/cuemby/shepherd/pkg/metrics"
	"github.com/cuemby/shepherd/pkg/orchestrator"
	"github.com/cuemby/shepherd/pkg/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// lastResortTimeout bounds ScaleToZero when the cascade already used up its deadline
const lastResortTimeout = time.Minute

// HealthGate evaluates one release
type HealthGate interface {
	Evaluate(ctx context.Context, target health.Target) types.HealthVerdict
}

// TargetFunc builds the evaluation target of the release carrying label
type TargetFunc func(label string) health.Target

// Backups is the backup store the coordinator snapshots into and restores
// from. LatestBackup returns only pre-change backups.
type Backups interface {
	Capture(ctx context.Context, label string, kind types.BackupKind) (*types.Backup, error)
	LatestBackup() (*types.Backup, error)
}

// AttemptLog is the append-only audit trail of recovery attempts
type AttemptLog interface {
	AppendAttempt(attempt *types.RollbackAttempt) error
}

// Emitter publishes operator notifications. Implementations never fail.
type Emitter interface {
	Emit(ctx context.Context, severity types.Severity, format string, args ...interface{})
}

// Config configures a Coordinator
type Config struct {
	Environment string

	// Timeout bounds a whole cascade
	Timeout time.Duration

	// StableRevisions are known-good revision IDs tried in order after the
	// previous revision failed
	StableRevisions []string
}

// Request describes why and from where a rollback starts
type Request struct {
	Reason types.TriggerReason

	// FailingLabel is the release that failed its health gate. It is scaled
	// to zero when every other strategy failed.
	FailingLabel string

	// PreviousRevision is the revision to return to first. When empty it is
	// resolved from the orchestrator as the revision preceding FailingLabel's
	// current one.
	PreviousRevision string
}

// Result summarizes a cascade
type Result struct {
	Recovered bool
	Strategy  types.RecoveryStrategy
	Attempts  []*types.RollbackAttempt
	Traffic   types.TrafficState
}

// Coordinator runs the recovery cascade
// PreviousRevision -> StableRevisionList -> BackupRestore -> ScaleToZero.
// One Coordinator serves one environment; cascades must not run concurrently.
type Coordinator struct {
	cfg      Config
	client   orchestrator.Client
	gate     HealthGate
	target   TargetFunc
	backups  Backups
	attempts AttemptLog
	notifier Emitter
	logger   zerolog.Logger
}

// NewCoordinator creates a rollback coordinator
func NewCoordinator(cfg Config, client orchestrator.Client, gate HealthGate, target TargetFunc, backups Backups, attempts AttemptLog, notifier Emitter) *Coordinator {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Minute
	}
	return &Coordinator{
		cfg:      cfg,
		client:   client,
		gate:     gate,
		target:   target,
		backups:  backups,
		attempts: attempts,
		notifier: notifier,
		logger:   log.WithEnvironment("rollback", cfg.Environment),
	}
}

// cascade carries the state of one Gated run
type cascade struct {
	req         Request
	restoreFrom *types.Backup
	tried       map[string]bool
	result      *Result
}

// Gated runs the cascade until a strategy restores health. Every strategy
// tried is appended to the attempt log before the next one starts. When all
// of them fail the failing release is scaled to zero, one critical event is
// emitted and the returned error wraps types.ErrRollback.
func (c *Coordinator) Gated(ctx context.Context, req Request) (*Result, error) {
	if req.Reason == "" {
		req.Reason = types.TriggerHealthCheckFailure
	}
	if req.FailingLabel == "" {
		state, err := c.client.Traffic(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve failing release: %w", err)
		}
		req.FailingLabel = state.ActiveVersion
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	cs := &cascade{
		req:    req,
		tried:  make(map[string]bool),
		result: &Result{},
	}

	// The failing state is kept for analysis but never restored, so earlier
	// cascades cannot shadow the pre-change backup.
	if b, err := c.backups.LatestBackup(); err == nil {
		cs.restoreFrom = b
	} else if !errors.Is(err, types.ErrBackupNotFound) {
		c.logger.Warn().Err(err).Msg("Failed to read latest backup")
	}
	if _, err := c.backups.Capture(ctx, req.FailingLabel, types.BackupFailureState); err != nil {
		c.logger.Warn().Err(err).Msg("Failure-state snapshot failed, continuing")
	}

	c.logger.Warn().
		Str("reason", string(req.Reason)).
		Str("failing_label", req.FailingLabel).
		Msg("Rollback started")
	c.notifier.Emit(ctx, types.SeverityWarning, "rollback started for %s (%s)", req.FailingLabel, req.Reason)

	if c.previousRevision(ctx, cs) ||
		c.stableRevisions(ctx, cs) ||
		c.backupRestore(ctx, cs) {
		c.notifier.Emit(ctx, types.SeverityWarning, "rollback succeeded with %s, %s is active",
			cs.result.Strategy, cs.result.Traffic.ActiveVersion)
		return cs.result, nil
	}

	c.scaleToZero(ctx, cs)
	return cs.result, fmt.Errorf("%w: every recovery strategy failed, %s scaled to zero", types.ErrRollback, req.FailingLabel)
}

// Emergency runs the full cascade immediately with reason ManualRequest
func (c *Coordinator) Emergency(ctx context.Context, label string) (*Result, error) {
	return c.Gated(ctx, Request{
		Reason:       types.TriggerManualRequest,
		FailingLabel: label,
	})
}

// RollbackToRevision returns to one explicit revision outside the cascade.
// The current state is captured first and the attempt is recorded either way.
func (c *Coordinator) RollbackToRevision(ctx context.Context, revisionID string, reason types.TriggerReason) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	label := ""
	if state, err := c.client.Traffic(ctx); err == nil {
		label = state.ActiveVersion
	}
	if _, err := c.backups.Capture(ctx, label, types.BackupFailureState); err != nil {
		c.logger.Warn().Err(err).Msg("Failure-state snapshot failed, continuing")
	}

	cs := &cascade{
		req:    Request{Reason: reason, FailingLabel: label},
		tried:  make(map[string]bool),
		result: &Result{},
	}
	if c.tryRevision(ctx, cs, types.RecoveryExplicitRevision, revisionID) {
		c.notifier.Emit(ctx, types.SeverityWarning, "rolled back to %s", revisionID)
		return cs.result, nil
	}
	c.notifier.Emit(ctx, types.SeverityError, "rollback to %s failed", revisionID)
	last := cs.result.Attempts[len(cs.result.Attempts)-1]
	return cs.result, fmt.Errorf("%w: %s", types.ErrRollback, last.Message)
}

func (c *Coordinator) previousRevision(ctx context.Context, cs *cascade) bool {
	revision := cs.req.PreviousRevision
	if revision == "" {
		prev, err := c.client.PreviousRevision(ctx, cs.req.FailingLabel)
		if err != nil {
			c.record(cs, types.RecoveryPreviousRevision, "", types.OutcomeFailure,
				fmt.Sprintf("no previous revision: %v", err))
			return false
		}
		revision = prev
	}
	return c.tryRevision(ctx, cs, types.RecoveryPreviousRevision, revision)
}

func (c *Coordinator) stableRevisions(ctx context.Context, cs *cascade) bool {
	for _, revision := range c.cfg.StableRevisions {
		if cs.tried[revision] {
			continue
		}
		if ctx.Err() != nil {
			return false
		}
		if c.tryRevision(ctx, cs, types.RecoveryStableRevisionList, revision) {
			return true
		}
	}
	return false
}

func (c *Coordinator) backupRestore(ctx context.Context, cs *cascade) bool {
	if cs.restoreFrom == nil {
		c.logger.Warn().Msg("No backup available, skipping BackupRestore")
		return false
	}
	b := cs.restoreFrom
	if err := c.client.Restore(ctx, b); err != nil {
		c.record(cs, types.RecoveryBackupRestore, b.RevisionBeforeChange, types.OutcomeFailure,
			fmt.Sprintf("restore of backup %s failed: %v", b.ID, err))
		return false
	}
	return c.verify(ctx, cs, types.RecoveryBackupRestore, b.RevisionBeforeChange)
}

// scaleToZero is the terminal strategy. It runs even when the cascade
// deadline passed, so the environment ends scaled down rather than unknown.
func (c *Coordinator) scaleToZero(ctx context.Context, cs *cascade) {
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), lastResortTimeout)
	defer cancel()

	// every attempt recorded so far failed, or the cascade would have returned
	failed := len(cs.result.Attempts)

	label := cs.req.FailingLabel
	outcome := fmt.Sprintf("%s scaled to zero", label)
	if err := c.client.Scale(sctx, label, 0); err != nil {
		outcome = fmt.Sprintf("scaling %s to zero failed: %v", label, err)
		c.record(cs, types.RecoveryScaleToZero, "", types.OutcomeFailure, outcome)
	} else {
		c.record(cs, types.RecoveryScaleToZero, "", types.OutcomeSuccess, outcome+", manual intervention required")
	}
	cs.result.Strategy = types.RecoveryScaleToZero
	if state, err := c.client.Traffic(sctx); err == nil {
		cs.result.Traffic = state
	}

	c.logger.Error().Str("failing_label", label).Int("failed_attempts", failed).Msg("Rollback cascade exhausted")
	c.notifier.Emit(sctx, types.SeverityCritical,
		"rollback cascade exhausted after %d failed recovery attempts: %s, manual intervention required",
		failed, outcome)
}

func (c *Coordinator) tryRevision(ctx context.Context, cs *cascade, strategy types.RecoveryStrategy, revision string) bool {
	cs.tried[revision] = true
	if err := c.client.RollbackTo(ctx, revision); err != nil {
		c.record(cs, strategy, revision, types.OutcomeFailure, fmt.Sprintf("rollback to %s failed: %v", revision, err))
		return false
	}
	return c.verify(ctx, cs, strategy, revision)
}

// verify re-runs the health gate against whatever release is active now
func (c *Coordinator) verify(ctx context.Context, cs *cascade, strategy types.RecoveryStrategy, source string) bool {
	state, err := c.client.Traffic(ctx)
	if err != nil {
		c.record(cs, strategy, source, types.OutcomeFailure, fmt.Sprintf("failed to read traffic: %v", err))
		return false
	}

	verdict := c.gate.Evaluate(ctx, c.target(state.ActiveVersion))
	if !verdict.Passed {
		c.record(cs, strategy, source, types.OutcomeFailure, fmt.Sprintf("%s unhealthy after rollback: %s", state.ActiveVersion, verdict.Reason()))
		return false
	}

	c.record(cs, strategy, source, types.OutcomeSuccess, fmt.Sprintf("%s healthy", state.ActiveVersion))
	cs.result.Recovered = true
	cs.result.Strategy = strategy
	cs.result.Traffic = state
	return true
}

func (c *Coordinator) record(cs *cascade, strategy types.RecoveryStrategy, source string, outcome types.Outcome, message string) {
	attempt := &types.RollbackAttempt{
		ID:             uuid.New().String(),
		Environment:    c.cfg.Environment,
		TriggerReason:  cs.req.Reason,
		StrategyTried:  strategy,
		SourceRevision: source,
		Outcome:        outcome,
		Message:        message,
		Timestamp:      time.Now(),
	}
	cs.result.Attempts = append(cs.result.Attempts, attempt)
	metrics.RollbackAttemptsTotal.WithLabelValues(string(strategy), string(outcome)).Inc()

	event := c.logger.Info()
	if outcome == types.OutcomeFailure {
		event = c.logger.Warn()
	}
	event.Str("strategy", string(strategy)).
		Str("source_revision", source).
		Str("outcome", string(outcome)).
		Msg(message)

	if err := c.attempts.AppendAttempt(attempt); err != nil {
		c.logger.Error().Err(err).Str("attempt_id", attempt.ID).Msg("Failed to record rollback attempt")
	}
}
