package deploy

import (
	"context"
	"fmt"
	"time"

	"github.com/cuemby/shepherd/pkg/log"
	"github.com/cuemby/shepherd/pkg/metrics"
	"github.com/cuemby/shepherd/pkg/orchestrator"
	"github.com/cuemby/shepherd/pkg/rollback"
	"github.com/cuemby/shepherd/pkg/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Environment labels used by the strategies
const (
	LabelBlue   = "blue"
	LabelGreen  = "green"
	LabelCanary = "canary"
)

// Rollbacker starts a gated rollback
type Rollbacker interface {
	Gated(ctx context.Context, req rollback.Request) (*rollback.Result, error)
}

// Backups snapshots the active release before a rollout changes it
type Backups interface {
	CreateBackup(ctx context.Context, label string) (*types.Backup, error)
}

// RevisionLog persists rollout revisions
type RevisionLog interface {
	SaveRevision(rev *types.DeploymentRevision) error
}

// Config configures an Engine
type Config struct {
	Environment string

	// Image is the repository new tags are appended to
	Image    string
	Replicas int

	// PrimaryLabel is the release rolling updates target and canaries are
	// promoted into when no release is active yet
	PrimaryLabel string

	// RolloutTimeout bounds each orchestrator call
	RolloutTimeout time.Duration

	StabilizationWait time.Duration
	CleanupPrevious   bool

	CanarySteps    []int
	StepDuration   time.Duration
	SampleInterval time.Duration
}

// Request asks for one rollout
type Request struct {
	Strategy types.Strategy
	ImageTag string

	// DryRun walks the strategy without mutating the cluster or evaluating health
	DryRun bool

	// Force skips the pre-flight check of the active release
	Force bool
}

// Engine runs rollouts. One Engine serves one environment; rollouts must not
// run concurrently.
type Engine struct {
	cfg       Config
	client    orchestrator.Client
	gate      rollback.HealthGate
	target    rollback.TargetFunc
	backups   Backups
	rollbacks Rollbacker
	revisions RevisionLog
	notifier  rollback.Emitter
	logger    zerolog.Logger
}

// NewEngine creates a strategy engine
func NewEngine(cfg Config, client orchestrator.Client, gate rollback.HealthGate, target rollback.TargetFunc, backups Backups, rollbacks Rollbacker, revisions RevisionLog, notifier rollback.Emitter) *Engine {
	if cfg.Replicas < 1 {
		cfg.Replicas = 1
	}
	if cfg.PrimaryLabel == "" {
		cfg.PrimaryLabel = LabelBlue
	}
	if cfg.RolloutTimeout <= 0 {
		cfg.RolloutTimeout = 10 * time.Minute
	}
	if len(cfg.CanarySteps) == 0 {
		cfg.CanarySteps = []int{10, 25, 50, 75, 100}
	}
	if cfg.SampleInterval <= 0 {
		cfg.SampleInterval = 30 * time.Second
	}
	if cfg.StepDuration < cfg.SampleInterval {
		cfg.StepDuration = cfg.SampleInterval
	}
	return &Engine{
		cfg:       cfg,
		client:    client,
		gate:      gate,
		target:    target,
		backups:   backups,
		rollbacks: rollbacks,
		revisions: revisions,
		notifier:  notifier,
		logger:    log.WithEnvironment("deploy", cfg.Environment),
	}
}

// ImageRef joins the configured repository with tag
func (e *Engine) ImageRef(tag string) string {
	return e.cfg.Image + ":" + tag
}

// Run executes one rollout and returns its revision in a terminal state.
// A rollout that ends RolledBack or Failed also returns an error describing
// why.
func (e *Engine) Run(ctx context.Context, req Request) (*types.DeploymentRevision, error) {
	switch req.Strategy {
	case types.StrategyBlueGreen, types.StrategyCanary, types.StrategyRolling:
	default:
		return nil, fmt.Errorf("%w: unknown strategy %q", types.ErrConfiguration, req.Strategy)
	}
	if req.ImageTag == "" {
		return nil, fmt.Errorf("%w: image tag is required", types.ErrConfiguration)
	}

	now := time.Now()
	rev := &types.DeploymentRevision{
		ID:          uuid.New().String(),
		Environment: e.cfg.Environment,
		Strategy:    req.Strategy,
		ImageRef:    e.ImageRef(req.ImageTag),
		Status:      types.RevisionPending,
		Replicas:    e.cfg.Replicas,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	r := &rollout{
		Engine: e,
		rev:    rev,
		client: e.client,
		dryRun: req.DryRun,
		timer:  metrics.NewTimer(),
		logger: log.WithRevision(e.logger, rev.ID, string(req.Strategy)),
	}
	if req.DryRun {
		r.client = orchestrator.NewDryRun(e.client)
	}

	err := r.run(ctx, req.Force)
	r.record()
	return rev, err
}

// Plan describes the steps Run takes for strategy
func (e *Engine) Plan(strategy types.Strategy) ([]string, error) {
	switch strategy {
	case types.StrategyBlueGreen:
		steps := []string{
			"back up the active release",
			"deploy the new image to the inactive color",
			"health check the inactive color",
			"switch all traffic to the inactive color",
			fmt.Sprintf("wait %s for stabilization", e.cfg.StabilizationWait),
			"final health check of the new active color",
		}
		if e.cfg.CleanupPrevious {
			steps = append(steps, "uninstall the previous color")
		}
		return steps, nil

	case types.StrategyCanary:
		steps := []string{
			"back up the active release",
			"deploy the new image as a 1 replica canary",
		}
		for _, w := range e.cfg.CanarySteps {
			steps = append(steps, fmt.Sprintf("route %d%% of traffic to the canary and sample health every %s for %s",
				w, e.cfg.SampleInterval, e.cfg.StepDuration))
		}
		return append(steps,
			"deploy the new image to the primary release",
			"switch all traffic to the primary release",
			"uninstall the canary",
		), nil

	case types.StrategyRolling:
		return []string{
			"back up the active release",
			fmt.Sprintf("rolling update of the active release to the new image (timeout %s)", e.cfg.RolloutTimeout),
			"health check the active release",
		}, nil
	}
	return nil, fmt.Errorf("%w: unknown strategy %q", types.ErrConfiguration, strategy)
}
