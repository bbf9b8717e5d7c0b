package orchestrator

import (
	"context"

	"github.com/cuemby/shepherd/pkg/types"
)

// Client is the typed boundary towards the cluster. Every call blocks until the
// operation finished or ctx expired; callers bound calls with context timeouts.
type Client interface {
	// Deploy creates or updates the release for rev.EnvironmentLabel with
	// rev.ImageRef and waits for the rollout to complete. Deploying an identical
	// revision twice is a no-op success.
	Deploy(ctx context.Context, rev *types.DeploymentRevision) error

	// SetTrafficWeight routes weight percent of traffic to candidate.
	// Weights outside 0-100 fail with types.ErrConfiguration.
	SetTrafficWeight(ctx context.Context, candidate string, weight int) error

	// SwitchActive makes version the sole active target.
	SwitchActive(ctx context.Context, version string) error

	// Uninstall removes the release for label. Callers treat failures as
	// best-effort cleanup.
	Uninstall(ctx context.Context, label string) error

	// RollbackTo reverts to a recorded revision and makes its release the
	// sole active target. Missing revisions fail with types.ErrRollback.
	RollbackTo(ctx context.Context, revisionID string) error

	// Scale sets the replica count of the release for label.
	Scale(ctx context.Context, label string, replicas int) error

	// SnapshotCurrentState captures manifest and values of the active release.
	SnapshotCurrentState(ctx context.Context) (*types.Backup, error)

	// Restore re-applies the manifest captured in a backup.
	Restore(ctx context.Context, backup *types.Backup) error

	// Traffic returns the routing configuration currently applied.
	Traffic(ctx context.Context) (types.TrafficState, error)

	// CurrentRevision returns the revision ID currently deployed for label.
	CurrentRevision(ctx context.Context, label string) (string, error)

	// PreviousRevision returns the revision immediately preceding the current
	// one for label, or types.ErrRevisionNotFound.
	PreviousRevision(ctx context.Context, label string) (string, error)
}

// ReadinessReader reports pod readiness for the release carrying label
type ReadinessReader interface {
	PodReadiness(ctx context.Context, label string) (ready, total int, err error)
}
