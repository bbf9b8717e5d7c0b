package controller

import (
	"context"
	"fmt"

	"github.com/cuemby/shepherd/pkg/deploy"
	"github.com/cuemby/shepherd/pkg/rollback"
	"github.com/cuemby/shepherd/pkg/types"
)

// RollbackOptions controls a manual rollback
type RollbackOptions struct {
	// To rolls back to this revision ID instead of running the cascade
	To string

	// Force skips the health check of the active release
	Force bool
}

// StatusReport is the current state of an environment
type StatusReport struct {
	Environment      string                   `json:"environment"`
	Traffic          types.TrafficState       `json:"traffic"`
	CurrentRevision  string                   `json:"currentRevision,omitempty"`
	PreviousRevision string                   `json:"previousRevision,omitempty"`
	LatestBackup     *types.Backup            `json:"latestBackup,omitempty"`
	LastVerdict      *types.HealthVerdict     `json:"lastVerdict,omitempty"`
	RecentAttempts   []*types.RollbackAttempt `json:"recentAttempts,omitempty"`

	// ConsecutiveFailures is only reported while monitoring
	ConsecutiveFailures int `json:"consecutiveFailures"`
}

// History is the persisted audit trail of an environment
type History struct {
	Revisions []*types.DeploymentRevision `json:"revisions"`
	Attempts  []*types.RollbackAttempt    `json:"attempts"`
	Verdicts  []*types.HealthVerdict      `json:"verdicts"`
}

// Deploy runs one rollout
func (c *Controller) Deploy(ctx context.Context, req deploy.Request) (*types.DeploymentRevision, error) {
	c.logger.Info().
		Str("strategy", string(req.Strategy)).
		Str("image_tag", req.ImageTag).
		Bool("dry_run", req.DryRun).
		Msg("Deploy requested")
	return c.engine.Run(ctx, req)
}

// Plan lists the steps Deploy takes for strategy
func (c *Controller) Plan(strategy types.Strategy) ([]string, error) {
	return c.engine.Plan(strategy)
}

// Rollback restores the environment on operator request. Unless forced it
// first evaluates the active release and refuses with ErrActiveHealthy when
// that release passes.
func (c *Controller) Rollback(ctx context.Context, opts RollbackOptions) (*rollback.Result, error) {
	if !opts.Force {
		label, err := c.activeLabel(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to read traffic: %w", err)
		}
		if verdict := c.evaluator.Evaluate(ctx, c.Target(label)); verdict.Passed {
			return nil, fmt.Errorf("%w: %s passed all checks, use --force to roll back anyway", ErrActiveHealthy, label)
		}
	}

	if opts.To != "" {
		return c.rollbacks.RollbackToRevision(ctx, opts.To, types.TriggerManualRequest)
	}
	return c.rollbacks.Gated(ctx, rollback.Request{Reason: types.TriggerManualRequest})
}

// Emergency runs the full recovery cascade against the active release without
// waiting for a failure streak
func (c *Controller) Emergency(ctx context.Context) (*rollback.Result, error) {
	label, err := c.activeLabel(ctx)
	if err != nil {
		c.logger.Warn().Err(err).Str("label", label).Msg("Failed to read traffic, recovering primary release")
	}
	return c.rollbacks.Emergency(ctx, label)
}

// Check evaluates the active release once and records the verdict
func (c *Controller) Check(ctx context.Context) types.HealthVerdict {
	label, err := c.activeLabel(ctx)
	if err != nil {
		c.logger.Warn().Err(err).Str("label", label).Msg("Failed to read traffic, checking primary release")
	}

	verdict := c.evaluator.Evaluate(ctx, c.Target(label))
	if err := c.store.AppendVerdict(c.cfg.Environment, &verdict); err != nil {
		c.logger.Warn().Err(err).Msg("Failed to record verdict")
	}
	return verdict
}

// Status reports traffic, revisions, the latest restorable backup and recent
// rollback attempts. Only the traffic read is required to succeed.
func (c *Controller) Status(ctx context.Context) (*StatusReport, error) {
	state, err := c.client.Traffic(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read traffic: %w", err)
	}

	report := &StatusReport{
		Environment: c.cfg.Environment,
		Traffic:     state,
	}
	if state.ActiveVersion != "" {
		if rev, err := c.client.CurrentRevision(ctx, state.ActiveVersion); err == nil {
			report.CurrentRevision = rev
		}
		if rev, err := c.client.PreviousRevision(ctx, state.ActiveVersion); err == nil {
			report.PreviousRevision = rev
		}
	}
	if b, err := c.backups.LatestBackup(); err == nil {
		report.LatestBackup = b
	}
	if verdicts, err := c.store.ListVerdicts(c.cfg.Environment, 1); err == nil && len(verdicts) > 0 {
		report.LastVerdict = verdicts[0]
	}
	if attempts, err := c.store.ListAttempts(c.cfg.Environment, 5); err == nil {
		report.RecentAttempts = attempts
	}
	return report, nil
}

// Backups lists the retained backups, oldest first
func (c *Controller) Backups() ([]*types.Backup, error) {
	return c.backups.List()
}

// PruneBackups deletes all but the newest keep backups
func (c *Controller) PruneBackups(keep int) (int, error) {
	return c.backups.Prune(keep)
}

// History returns up to limit entries of each audit record kind
func (c *Controller) History(limit int) (*History, error) {
	revisions, err := c.store.ListRevisions(c.cfg.Environment, limit)
	if err != nil {
		return nil, err
	}
	attempts, err := c.store.ListAttempts(c.cfg.Environment, limit)
	if err != nil {
		return nil, err
	}
	verdicts, err := c.store.ListVerdicts(c.cfg.Environment, limit)
	if err != nil {
		return nil, err
	}
	return &History{
		Revisions: revisions,
		Attempts:  attempts,
		Verdicts:  verdicts,
	}, nil
}
