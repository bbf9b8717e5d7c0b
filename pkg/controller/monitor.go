package controller

import (
	"context"
	"time"

	"github.com/cuemby/shepherd/pkg/api"
	"github.com/cuemby/shepherd/pkg/metrics"
	"github.com/cuemby/shepherd/pkg/rollback"
	"github.com/cuemby/shepherd/pkg/storage"
	"github.com/cuemby/shepherd/pkg/types"
	"golang.org/x/sync/errgroup"
)

// Components reported on /health and /ready while monitoring
const (
	ComponentWatchdog     = "watchdog"
	ComponentOrchestrator = "orchestrator"
	ComponentStorage      = "storage"
)

const shutdownTimeout = 5 * time.Second

// MonitorOptions controls continuous monitoring
type MonitorOptions struct {
	// Listen is the address of the monitor endpoints, empty disables them
	Listen string

	// Version is reported on /health
	Version string
}

// Monitor runs the watchdog until ctx is cancelled, serving the monitor
// endpoints next to it when opts.Listen is set
func (c *Controller) Monitor(ctx context.Context, opts MonitorOptions) error {
	checker := metrics.NewHealthChecker(opts.Version, ComponentWatchdog, ComponentOrchestrator, ComponentStorage)
	watchdog := c.Watchdog(checker)

	collector := metrics.NewCollector(c.cfg.Environment, c.client, c.backups, checker)
	collector.Start()
	defer collector.Stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return watchdog.Run(gctx)
	})

	if opts.Listen != "" {
		server := api.NewHealthServer(checker, func(ctx context.Context) (interface{}, error) {
			report, err := c.Status(ctx)
			if err != nil {
				return nil, err
			}
			report.ConsecutiveFailures = watchdog.ConsecutiveFailures()
			return report, nil
		})
		g.Go(func() error {
			return server.Start(opts.Listen)
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		})
	}

	c.notifier.Emit(ctx, types.SeverityInfo, "monitoring started (interval %s, threshold %d)",
		c.cfg.Health.Interval, c.cfg.Thresholds.FailureCount)
	return g.Wait()
}

// Watchdog builds the environment's watchdog. Recorded verdicts mark the
// watchdog component of checker healthy; checker may be nil.
func (c *Controller) Watchdog(checker *metrics.HealthChecker) *rollback.Watchdog {
	return rollback.NewWatchdog(rollback.WatchdogConfig{
		Environment:      c.cfg.Environment,
		Interval:         c.cfg.Health.Interval,
		FailureThreshold: c.cfg.Thresholds.FailureCount,
		FallbackLabel:    c.cfg.PrimaryLabel,
	}, c.client, c.evaluator, c.Target, c.rollbacks, &verdictRecorder{
		store:   c.store,
		checker: checker,
	})
}

// verdictRecorder persists watchdog verdicts and reports progress to the
// monitor health checker
type verdictRecorder struct {
	store   storage.Store
	checker *metrics.HealthChecker
}

func (r *verdictRecorder) AppendVerdict(environment string, verdict *types.HealthVerdict) error {
	err := r.store.AppendVerdict(environment, verdict)
	if r.checker != nil {
		r.checker.Update(ComponentWatchdog, true, "")
		if err != nil {
			r.checker.Update(ComponentStorage, false, err.Error())
		}
	}
	return err
}
