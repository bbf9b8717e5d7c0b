package controller

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cuemby/shepherd/pkg/config"
	"github.com/cuemby/shepherd/pkg/deploy"
	"github.com/cuemby/shepherd/pkg/metricsource"
	"github.com/cuemby/shepherd/pkg/notify"
	"github.com/cuemby/shepherd/pkg/orchestrator/orchestratortest"
	"github.com/cuemby/shepherd/pkg/storage"
	"github.com/cuemby/shepherd/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	imageV1 = "registry/checkout:v1"
	imageV2 = "registry/checkout:v2"
)

// staticMetrics reports healthy service metrics for every release
type staticMetrics struct {
	pings   atomic.Int32
	pingErr error
}

func (s *staticMetrics) ErrorRate(context.Context, metricsource.Query, time.Duration) (float64, error) {
	return 0.01, nil
}

func (s *staticMetrics) LatencyP95(context.Context, metricsource.Query, time.Duration) (float64, error) {
	return 120, nil
}

func (s *staticMetrics) ResourceUsage(context.Context, metricsource.Query) (metricsource.Usage, error) {
	return metricsource.Usage{CPUCores: 0.2, MemoryBytes: 128 << 20}, nil
}

func (s *staticMetrics) Ping(context.Context) error {
	s.pings.Add(1)
	return s.pingErr
}

// application serves /<label>/health, failing releases that run a bad image
type application struct {
	cluster *orchestratortest.Memory

	mu  sync.Mutex
	bad map[string]bool
}

func (a *application) markBad(image string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.bad[image] = true
}

func (a *application) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	label := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/"), "/health")
	rel, ok := a.cluster.Release(label)

	a.mu.Lock()
	bad := a.bad[rel.Image]
	a.mu.Unlock()

	if !ok || bad {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
}

type harness struct {
	cluster *orchestratortest.Memory
	app     *application
	metrics *staticMetrics
	ctrl    *Controller
}

func testConfig(t *testing.T, healthURL string) *config.Config {
	cfg := config.Default()
	cfg.App = "checkout"
	cfg.Image = "registry/checkout"
	cfg.DataDir = t.TempDir()
	cfg.Health.URL = healthURL + "/{label}/health"
	cfg.Health.ProbeRetries = 1
	cfg.Health.ProbeRetryDelay = 0
	cfg.Health.ProbeTimeout = time.Second
	cfg.Health.Interval = 5 * time.Millisecond
	cfg.Thresholds.FailureCount = 2
	cfg.BlueGreen.StabilizationWait = time.Millisecond
	cfg.Canary.StepDuration = 3 * time.Millisecond
	cfg.Canary.SampleInterval = time.Millisecond
	cfg.Rollback.Timeout = 10 * time.Second
	return cfg
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	cluster := orchestratortest.NewMemory()
	cluster.Seed("blue", imageV1, 3)

	app := &application{cluster: cluster, bad: make(map[string]bool)}
	srv := httptest.NewServer(app)
	t.Cleanup(srv.Close)

	cfg := testConfig(t, srv.URL)
	require.NoError(t, cfg.Validate())

	db, err := storage.NewBoltStore(cfg.DataDir)
	require.NoError(t, err)

	provider := &staticMetrics{}
	ctrl, err := NewWithDependencies(cfg, Dependencies{
		Client:    cluster,
		Readiness: cluster,
		Metrics:   provider,
		Store:     db,
		Notifiers: []notify.Notifier{notify.NewLogNotifier()},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = ctrl.Close() })

	return &harness{cluster: cluster, app: app, metrics: provider, ctrl: ctrl}
}

func (h *harness) image(t *testing.T, label string) string {
	t.Helper()
	rel, ok := h.cluster.Release(label)
	require.True(t, ok, "release %s missing", label)
	return rel.Image
}

func TestDeployBlueGreen(t *testing.T) {
	h := newHarness(t)

	rev, err := h.ctrl.Deploy(context.Background(), deploy.Request{
		Strategy: types.StrategyBlueGreen,
		ImageTag: "v2",
	})
	require.NoError(t, err)
	assert.Equal(t, types.RevisionCompleted, rev.Status)
	assert.Equal(t, imageV2, rev.ImageRef)

	status, err := h.ctrl.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "green", status.Traffic.ActiveVersion)
	assert.Equal(t, "green:1", status.CurrentRevision)
	assert.NotNil(t, status.LatestBackup)

	history, err := h.ctrl.History(10)
	require.NoError(t, err)
	require.NotEmpty(t, history.Revisions)
	assert.Equal(t, rev.ID, history.Revisions[len(history.Revisions)-1].ID)
}

func TestCheckRecordsVerdict(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	verdict := h.ctrl.Check(ctx)
	assert.True(t, verdict.Passed, verdict.Reason())
	assert.Equal(t, "blue", verdict.EnvironmentLabel)

	h.app.markBad(imageV1)
	verdict = h.ctrl.Check(ctx)
	assert.False(t, verdict.Passed)
	assert.Contains(t, verdict.FailedChecks, types.CheckApplication)

	history, err := h.ctrl.History(0)
	require.NoError(t, err)
	assert.Len(t, history.Verdicts, 2)

	status, err := h.ctrl.Status(ctx)
	require.NoError(t, err)
	require.NotNil(t, status.LastVerdict)
	assert.False(t, status.LastVerdict.Passed)
}

func TestRollbackRefusesHealthyActive(t *testing.T) {
	h := newHarness(t)
	h.cluster.SeedRevision("blue", imageV2)

	_, err := h.ctrl.Rollback(context.Background(), RollbackOptions{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrActiveHealthy))
	assert.Empty(t, h.cluster.CallsTo(orchestratortest.OpRollbackTo))
	assert.Equal(t, imageV2, h.image(t, "blue"))
}

func TestRollbackUnhealthyRunsCascade(t *testing.T) {
	h := newHarness(t)
	h.cluster.SeedRevision("blue", imageV2)
	h.app.markBad(imageV2)

	result, err := h.ctrl.Rollback(context.Background(), RollbackOptions{})
	require.NoError(t, err)
	assert.True(t, result.Recovered)
	assert.Equal(t, types.RecoveryPreviousRevision, result.Strategy)
	assert.Equal(t, imageV1, h.image(t, "blue"))

	history, err := h.ctrl.History(0)
	require.NoError(t, err)
	require.NotEmpty(t, history.Attempts)
	last := history.Attempts[len(history.Attempts)-1]
	assert.Equal(t, types.TriggerManualRequest, last.TriggerReason)
	assert.Equal(t, types.OutcomeSuccess, last.Outcome)
}

func TestRollbackForcedToRevision(t *testing.T) {
	h := newHarness(t)
	h.cluster.SeedRevision("blue", imageV2)

	result, err := h.ctrl.Rollback(context.Background(), RollbackOptions{To: "blue:1", Force: true})
	require.NoError(t, err)
	assert.True(t, result.Recovered)
	assert.Equal(t, types.RecoveryExplicitRevision, result.Strategy)
	assert.Equal(t, imageV1, h.image(t, "blue"))

	backups, err := h.ctrl.Backups()
	require.NoError(t, err)
	assert.Len(t, backups, 1)
}

func TestEmergencyBypassesFailureGate(t *testing.T) {
	h := newHarness(t)
	h.cluster.SeedRevision("blue", imageV2)

	result, err := h.ctrl.Emergency(context.Background())
	require.NoError(t, err)
	assert.True(t, result.Recovered)
	assert.Equal(t, types.RecoveryPreviousRevision, result.Strategy)
	assert.Equal(t, imageV1, h.image(t, "blue"))
}

func TestTestRollback(t *testing.T) {
	t.Run("all checks pass", func(t *testing.T) {
		h := newHarness(t)
		h.cluster.SeedRevision("blue", imageV2)

		report := h.ctrl.TestRollback(context.Background())
		assert.True(t, report.Passed(), "%+v", report.Checks)
		require.Len(t, report.Checks, 5)
		assert.Equal(t, int32(1), h.metrics.pings.Load())

		// Only the backup snapshot touches the orchestrator
		for _, call := range h.cluster.Calls() {
			assert.Equal(t, orchestratortest.OpSnapshot, call.Op)
		}

		// the self-test snapshot is never a restore target
		backups, err := h.ctrl.Backups()
		require.NoError(t, err)
		require.Len(t, backups, 1)
		assert.Equal(t, types.BackupVerification, backups[0].Kind)
		status, err := h.ctrl.Status(context.Background())
		require.NoError(t, err)
		assert.Nil(t, status.LatestBackup)
	})

	t.Run("missing previous revision", func(t *testing.T) {
		h := newHarness(t)

		report := h.ctrl.TestRollback(context.Background())
		assert.False(t, report.Passed())
		for _, check := range report.Checks {
			assert.Equal(t, check.Name != "previous-revision", check.Passed, check.Name)
		}
	})

	t.Run("metrics unreachable", func(t *testing.T) {
		h := newHarness(t)
		h.cluster.SeedRevision("blue", imageV2)
		h.metrics.pingErr = types.ErrTransientInfra

		report := h.ctrl.TestRollback(context.Background())
		assert.False(t, report.Passed())
	})
}

func TestPruneBackups(t *testing.T) {
	h := newHarness(t)
	h.cluster.SeedRevision("blue", imageV2)

	for i := 0; i < 3; i++ {
		h.ctrl.TestRollback(context.Background())
		time.Sleep(time.Millisecond)
	}

	backups, err := h.ctrl.Backups()
	require.NoError(t, err)
	require.Len(t, backups, 3)

	removed, err := h.ctrl.PruneBackups(1)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	remaining, err := h.ctrl.Backups()
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Equal(t, backups[2].ID, remaining[0].ID)
}

func TestMonitorRollsBackSustainedFailure(t *testing.T) {
	h := newHarness(t)
	h.cluster.SeedRevision("blue", imageV2)
	h.app.markBad(imageV2)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- h.ctrl.Monitor(ctx, MonitorOptions{Version: "test"})
	}()

	require.Eventually(t, func() bool {
		rel, ok := h.cluster.Release("blue")
		return ok && rel.Image == imageV1
	}, 5*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("monitor did not stop")
	}

	history, err := h.ctrl.History(0)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(history.Verdicts), 2)
	require.NotEmpty(t, history.Attempts)
	assert.Equal(t, types.TriggerHealthCheckFailure, history.Attempts[0].TriggerReason)
}

func TestNotifiers(t *testing.T) {
	tests := []struct {
		name     string
		cfg      config.NotifyConfig
		expected int
		wantErr  bool
	}{
		{name: "log only", cfg: config.NotifyConfig{}, expected: 1},
		{
			name: "webhook and slack",
			cfg: config.NotifyConfig{
				Webhooks:      []string{"https://hooks.example.com/deploys"},
				SlackWebhooks: []string{"https://hooks.slack.com/services/T000/B000/XXXX"},
			},
			expected: 3,
		},
		{name: "invalid webhook", cfg: config.NotifyConfig{Webhooks: []string{"ftp://example.com"}}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			notifiers, err := Notifiers(tt.cfg)
			if tt.wantErr {
				assert.ErrorIs(t, err, types.ErrConfiguration)
				return
			}
			require.NoError(t, err)
			assert.Len(t, notifiers, tt.expected)
			assert.Equal(t, "log", notifiers[0].Name())
		})
	}
}

func TestNewWithDependenciesRejectsBadLimits(t *testing.T) {
	cfg := testConfig(t, "http://127.0.0.1")
	cfg.Limits.CPU = "lots"

	_, err := NewWithDependencies(cfg, Dependencies{})
	assert.ErrorIs(t, err, types.ErrConfiguration)
}
