package controller

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/cuemby/shepherd/pkg/metricsource"
	"github.com/cuemby/shepherd/pkg/types"
)

// pinger is implemented by metric providers that can check connectivity
// without running a real query
type pinger interface {
	Ping(ctx context.Context) error
}

// SmokeCheck is the result of one rollback readiness check
type SmokeCheck struct {
	Name    string `json:"name"`
	Passed  bool   `json:"passed"`
	Message string `json:"message,omitempty"`
}

// SmokeReport collects the checks run by TestRollback
type SmokeReport struct {
	Checks []SmokeCheck `json:"checks"`
}

// Passed reports whether every check passed
func (r *SmokeReport) Passed() bool {
	for _, c := range r.Checks {
		if !c.Passed {
			return false
		}
	}
	return true
}

func (r *SmokeReport) add(name string, err error, format string, args ...interface{}) {
	check := SmokeCheck{Name: name, Passed: err == nil}
	if err != nil {
		check.Message = err.Error()
	} else {
		check.Message = fmt.Sprintf(format, args...)
	}
	r.Checks = append(r.Checks, check)
}

// TestRollback verifies everything a rollback depends on without touching
// the live release: cluster connectivity, a resolvable previous revision, the
// metrics provider, a backup round trip and notification delivery
func (c *Controller) TestRollback(ctx context.Context) *SmokeReport {
	report := &SmokeReport{}

	label := c.cfg.PrimaryLabel
	state, err := c.client.Traffic(ctx)
	if err == nil && state.ActiveVersion != "" {
		label = state.ActiveVersion
	}
	report.add("orchestrator", err, "active release %s", label)

	previous, err := c.client.PreviousRevision(ctx, label)
	report.add("previous-revision", err, "%s", previous)

	report.add("metrics", c.pingMetrics(ctx, label), "reachable")

	report.add("backup", c.backupRoundTrip(ctx, label), "created and read back")

	err = c.notifier.Test(ctx, types.Event{
		Severity:    types.SeverityInfo,
		Environment: c.cfg.Environment,
		Message:     "rollback smoke test",
		Timestamp:   time.Now().UTC(),
	})
	report.add("notification", err, "delivered to %d channels", len(c.notifier.Channels()))

	for _, check := range report.Checks {
		ev := c.logger.Info()
		if !check.Passed {
			ev = c.logger.Warn()
		}
		ev.Str("check", check.Name).Bool("passed", check.Passed).Msg(check.Message)
	}
	return report
}

func (c *Controller) pingMetrics(ctx context.Context, label string) error {
	if p, ok := c.metrics.(pinger); ok {
		return p.Ping(ctx)
	}
	_, err := c.metrics.ErrorRate(ctx, metricsource.Query{
		Namespace: c.cfg.Namespace,
		App:       c.cfg.App,
		Label:     label,
	}, c.cfg.Health.MetricsWindow)
	return err
}

func (c *Controller) backupRoundTrip(ctx context.Context, label string) error {
	created, err := c.backups.Capture(ctx, label, types.BackupVerification)
	if err != nil {
		return err
	}
	read, err := c.backups.Get(created.ID)
	if err != nil {
		return err
	}
	if !bytes.Equal(read.ManifestSnapshot, created.ManifestSnapshot) {
		return fmt.Errorf("backup %s read back with a different manifest", created.ID)
	}
	return nil
}
