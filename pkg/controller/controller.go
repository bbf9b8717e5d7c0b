package controller

import (
	"context"
	"errors"
	"fmt"

	"github.com/cuemby/shepherd/pkg/backup"
	"github.com/cuemby/shepherd/pkg/config"
	"github.com/cuemby/shepherd/pkg/deploy"
	"github.com/cuemby/shepherd/pkg/health"
	"github.com/cuemby/shepherd/pkg/log"
	"github.com/cuemby/shepherd/pkg/metricsource"
	"github.com/cuemby/shepherd/pkg/notify"
	"github.com/cuemby/shepherd/pkg/orchestrator"
	"github.com/cuemby/shepherd/pkg/rollback"
	"github.com/cuemby/shepherd/pkg/storage"
	"github.com/cuemby/shepherd/pkg/types"
	"github.com/rs/zerolog"
)

// ErrActiveHealthy is returned by Rollback when the active release passes
// its health check and the caller did not force the rollback
var ErrActiveHealthy = errors.New("active release is healthy")

// Dependencies are the external collaborators of a Controller
type Dependencies struct {
	Client    orchestrator.Client
	Readiness orchestrator.ReadinessReader
	Metrics   metricsource.Provider
	Store     storage.Store
	Notifiers []notify.Notifier
}

// Controller runs every operation for one environment. Controllers of
// different environments share nothing.
type Controller struct {
	cfg *config.Config

	client    orchestrator.Client
	metrics   metricsource.Provider
	store     storage.Store
	backups   *backup.Store
	notifier  *notify.Dispatcher
	evaluator *health.Evaluator
	rollbacks *rollback.Coordinator
	engine    *deploy.Engine
	logger    zerolog.Logger
}

// New connects to the cluster, Prometheus and the local state store described
// by cfg
func New(cfg *config.Config) (*Controller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	clientset, err := orchestrator.NewClientset(cfg.Kubeconfig)
	if err != nil {
		return nil, err
	}
	kube := orchestrator.NewKubeClient(clientset, orchestrator.KubeConfig{
		Namespace:      cfg.Namespace,
		App:            cfg.App,
		Replicas:       int32(cfg.Replicas),
		Port:           int32(cfg.Port),
		WaitForRollout: true,
	})

	provider, err := metricsource.NewPrometheus(metricsource.PrometheusConfig{
		Address:        cfg.Prometheus.Address,
		Timeout:        cfg.Prometheus.Timeout,
		RetryAttempts:  uint(cfg.Rollout.RetryAttempts),
		RetryDelay:     cfg.Rollout.RetryDelay,
		ErrorRateQuery: cfg.Prometheus.ErrorRateQuery,
		LatencyQuery:   cfg.Prometheus.LatencyQuery,
		CPUQuery:       cfg.Prometheus.CPUQuery,
		MemoryQuery:    cfg.Prometheus.MemoryQuery,
	})
	if err != nil {
		return nil, err
	}

	notifiers, err := Notifiers(cfg.Notify)
	if err != nil {
		return nil, err
	}

	store, err := storage.NewBoltStore(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to open state store: %w", err)
	}

	c, err := NewWithDependencies(cfg, Dependencies{
		Client: orchestrator.NewRetrying(kube, orchestrator.RetryPolicy{
			Attempts: uint(cfg.Rollout.RetryAttempts),
			Delay:    cfg.Rollout.RetryDelay,
		}),
		Readiness: kube,
		Metrics:   provider,
		Store:     store,
		Notifiers: notifiers,
	})
	if err != nil {
		store.Close()
		return nil, err
	}
	c.logger.Debug().Str("path", store.Path()).Msg("State store opened")
	return c, nil
}

// Notifiers builds the log channel plus one channel per configured webhook
func Notifiers(cfg config.NotifyConfig) ([]notify.Notifier, error) {
	notifiers := []notify.Notifier{notify.NewLogNotifier()}
	for _, endpoint := range cfg.Webhooks {
		w, err := notify.NewWebhook(endpoint, notify.FormatJSON)
		if err != nil {
			return nil, err
		}
		notifiers = append(notifiers, w)
	}
	for _, endpoint := range cfg.SlackWebhooks {
		w, err := notify.NewWebhook(endpoint, notify.FormatSlack)
		if err != nil {
			return nil, err
		}
		notifiers = append(notifiers, w)
	}
	return notifiers, nil
}

// NewWithDependencies wires a controller around already constructed
// collaborators. The controller takes ownership of deps.Store.
func NewWithDependencies(cfg *config.Config, deps Dependencies) (*Controller, error) {
	cpu, err := cfg.CPULimitCores()
	if err != nil {
		return nil, fmt.Errorf("%w: limits.cpu: %v", types.ErrConfiguration, err)
	}
	memory, err := cfg.MemoryLimitBytes()
	if err != nil {
		return nil, fmt.Errorf("%w: limits.memory: %v", types.ErrConfiguration, err)
	}

	c := &Controller{
		cfg:     cfg,
		client:  deps.Client,
		metrics: deps.Metrics,
		store:   deps.Store,
		logger:  log.WithEnvironment("controller", cfg.Environment),
	}

	c.evaluator = health.NewEvaluator(health.EvaluatorConfig{
		Namespace:         cfg.Namespace,
		App:               cfg.App,
		ProbeType:         health.CheckType(cfg.Health.ProbeType),
		ProbeTimeout:      cfg.Health.ProbeTimeout,
		ProbeRetries:      cfg.Health.ProbeRetries,
		ProbeRetryDelay:   cfg.Health.ProbeRetryDelay,
		CheckTimeout:      cfg.Health.CheckTimeout,
		EvaluationTimeout: cfg.Health.EvaluationTimeout,
		MetricsWindow:     cfg.Health.MetricsWindow,
		Thresholds: health.Thresholds{
			ErrorRate:     cfg.Thresholds.ErrorRate,
			LatencyP95Ms:  cfg.Thresholds.LatencyP95Ms,
			CPUPercent:    cfg.Thresholds.CPUPercent,
			MemoryPercent: cfg.Thresholds.MemoryPercent,
		},
		Limits: health.Limits{
			CPUCores:    cpu,
			MemoryBytes: memory,
		},
	}, deps.Readiness, deps.Metrics)

	c.notifier = notify.NewDispatcher(cfg.Environment, cfg.Notify.Timeout, deps.Notifiers...)
	c.backups = backup.NewStore(cfg.Environment, deps.Client, deps.Store)

	c.rollbacks = rollback.NewCoordinator(rollback.Config{
		Environment:     cfg.Environment,
		Timeout:         cfg.Rollback.Timeout,
		StableRevisions: cfg.Rollback.StableRevisions,
	}, deps.Client, c.evaluator, c.Target, c.backups, deps.Store, c.notifier)

	c.engine = deploy.NewEngine(deploy.Config{
		Environment:       cfg.Environment,
		Image:             cfg.Image,
		Replicas:          cfg.Replicas,
		PrimaryLabel:      cfg.PrimaryLabel,
		RolloutTimeout:    cfg.Rollout.Timeout,
		StabilizationWait: cfg.BlueGreen.StabilizationWait,
		CleanupPrevious:   cfg.BlueGreen.CleanupPrevious,
		CanarySteps:       cfg.Canary.Steps,
		StepDuration:      cfg.Canary.StepDuration,
		SampleInterval:    cfg.Canary.SampleInterval,
	}, deps.Client, c.evaluator, c.Target, c.backups, c.rollbacks, deps.Store, c.notifier)

	return c, nil
}

// Target builds the evaluation target of the release carrying label
func (c *Controller) Target(label string) health.Target {
	return health.Target{
		Label: label,
		URL:   c.cfg.HealthURL(label),
	}
}

// Config returns the effective configuration
func (c *Controller) Config() *config.Config {
	return c.cfg
}

// Close releases the state store
func (c *Controller) Close() error {
	return c.store.Close()
}

// activeLabel resolves the release currently receiving traffic, falling back
// to the primary label when nothing is routed yet
func (c *Controller) activeLabel(ctx context.Context) (string, error) {
	state, err := c.client.Traffic(ctx)
	if err != nil {
		return c.cfg.PrimaryLabel, err
	}
	if state.ActiveVersion == "" {
		return c.cfg.PrimaryLabel, nil
	}
	return state.ActiveVersion, nil
}
