package orchestrator

import (
	"context"
	"errors"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/cuemby/shepherd/pkg/log"
	"github.com/cuemby/shepherd/pkg/types"
	"github.com/rs/zerolog"
)

// RetryPolicy bounds retries of transient orchestrator failures
type RetryPolicy struct {
	Attempts uint
	Delay    time.Duration
}

// Retrying wraps a Client and retries calls that failed with
// types.ErrTransientInfra. Other errors are returned immediately.
type Retrying struct {
	next   Client
	policy RetryPolicy
	logger zerolog.Logger
}

// NewRetrying wraps next with policy
func NewRetrying(next Client, policy RetryPolicy) *Retrying {
	if policy.Attempts == 0 {
		policy.Attempts = 1
	}
	return &Retrying{
		next:   next,
		policy: policy,
		logger: log.WithComponent("orchestrator"),
	}
}

func (r *Retrying) do(ctx context.Context, op string, fn func() error) error {
	return retry.New(
		retry.Context(ctx),
		retry.Attempts(r.policy.Attempts),
		retry.Delay(r.policy.Delay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			return errors.Is(err, types.ErrTransientInfra)
		}),
		retry.OnRetry(func(n uint, err error) {
			r.logger.Warn().Err(err).Str("operation", op).Uint("attempt", n+1).Msg("Transient orchestrator failure, retrying")
		}),
	).Do(fn)
}

func (r *Retrying) Deploy(ctx context.Context, rev *types.DeploymentRevision) error {
	return r.do(ctx, "deploy", func() error { return r.next.Deploy(ctx, rev) })
}

func (r *Retrying) SetTrafficWeight(ctx context.Context, candidate string, weight int) error {
	return r.do(ctx, "set-traffic-weight", func() error { return r.next.SetTrafficWeight(ctx, candidate, weight) })
}

func (r *Retrying) SwitchActive(ctx context.Context, version string) error {
	return r.do(ctx, "switch-active", func() error { return r.next.SwitchActive(ctx, version) })
}

func (r *Retrying) Uninstall(ctx context.Context, label string) error {
	return r.do(ctx, "uninstall", func() error { return r.next.Uninstall(ctx, label) })
}

func (r *Retrying) RollbackTo(ctx context.Context, revisionID string) error {
	return r.do(ctx, "rollback-to", func() error { return r.next.RollbackTo(ctx, revisionID) })
}

func (r *Retrying) Scale(ctx context.Context, label string, replicas int) error {
	return r.do(ctx, "scale", func() error { return r.next.Scale(ctx, label, replicas) })
}

func (r *Retrying) SnapshotCurrentState(ctx context.Context) (*types.Backup, error) {
	var backup *types.Backup
	err := r.do(ctx, "snapshot", func() error {
		var err error
		backup, err = r.next.SnapshotCurrentState(ctx)
		return err
	})
	return backup, err
}

func (r *Retrying) Restore(ctx context.Context, backup *types.Backup) error {
	return r.do(ctx, "restore", func() error { return r.next.Restore(ctx, backup) })
}

func (r *Retrying) Traffic(ctx context.Context) (types.TrafficState, error) {
	var state types.TrafficState
	err := r.do(ctx, "traffic", func() error {
		var err error
		state, err = r.next.Traffic(ctx)
		return err
	})
	return state, err
}

func (r *Retrying) CurrentRevision(ctx context.Context, label string) (string, error) {
	var id string
	err := r.do(ctx, "current-revision", func() error {
		var err error
		id, err = r.next.CurrentRevision(ctx, label)
		return err
	})
	return id, err
}

func (r *Retrying) PreviousRevision(ctx context.Context, label string) (string, error) {
	var id string
	err := r.do(ctx, "previous-revision", func() error {
		var err error
		id, err = r.next.PreviousRevision(ctx, label)
		return err
	})
	return id, err
}

var (
	_ Client = (*KubeClient)(nil)
	_ Client = (*Retrying)(nil)
	_ Client = (*DryRun)(nil)

	_ ReadinessReader = (*KubeClient)(nil)
)
