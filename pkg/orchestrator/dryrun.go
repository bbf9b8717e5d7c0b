package orchestrator

import (
	"context"

	"github.com/cuemby/shepherd/pkg/log"
	"github.com/cuemby/shepherd/pkg/types"
	"github.com/rs/zerolog"
)

// DryRun delegates reads to the wrapped Client and only logs mutations
type DryRun struct {
	next   Client
	logger zerolog.Logger
}

// NewDryRun wraps next so that nothing is changed in the cluster
func NewDryRun(next Client) *DryRun {
	return &DryRun{next: next, logger: log.WithComponent("orchestrator").With().Bool("dry_run", true).Logger()}
}

func (d *DryRun) Deploy(_ context.Context, rev *types.DeploymentRevision) error {
	d.logger.Info().Str("label", rev.EnvironmentLabel).Str("image", rev.ImageRef).Msg("Would deploy release")
	return nil
}

func (d *DryRun) SetTrafficWeight(_ context.Context, candidate string, weight int) error {
	if err := types.ValidateWeight(weight); err != nil {
		return err
	}
	d.logger.Info().Str("candidate", candidate).Int("weight", weight).Msg("Would set traffic weight")
	return nil
}

func (d *DryRun) SwitchActive(_ context.Context, version string) error {
	d.logger.Info().Str("active", version).Msg("Would switch active release")
	return nil
}

func (d *DryRun) Uninstall(_ context.Context, label string) error {
	d.logger.Info().Str("label", label).Msg("Would uninstall release")
	return nil
}

func (d *DryRun) RollbackTo(_ context.Context, revisionID string) error {
	d.logger.Info().Str("revision", revisionID).Msg("Would roll back to revision")
	return nil
}

func (d *DryRun) Scale(_ context.Context, label string, replicas int) error {
	d.logger.Info().Str("label", label).Int("replicas", replicas).Msg("Would scale release")
	return nil
}

func (d *DryRun) SnapshotCurrentState(ctx context.Context) (*types.Backup, error) {
	return d.next.SnapshotCurrentState(ctx)
}

func (d *DryRun) Restore(_ context.Context, backup *types.Backup) error {
	d.logger.Info().Str("backup_id", backup.ID).Msg("Would restore backup")
	return nil
}

func (d *DryRun) Traffic(ctx context.Context) (types.TrafficState, error) {
	return d.next.Traffic(ctx)
}

func (d *DryRun) CurrentRevision(ctx context.Context, label string) (string, error) {
	return d.next.CurrentRevision(ctx, label)
}

func (d *DryRun) PreviousRevision(ctx context.Context, label string) (string, error) {
	return d.next.PreviousRevision(ctx, label)
}
