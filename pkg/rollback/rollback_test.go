package rollback

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cuemby/shepherd/pkg/backup"
	"github.com/cuemby/shepherd/pkg/health"
	"github.com/cuemby/shepherd/pkg/orchestrator/orchestratortest"
	"github.com/cuemby/shepherd/pkg/storage"
	"github.com/cuemby/shepherd/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// imageGate fails every release running one of the bad images
type imageGate struct {
	cluster *orchestratortest.Memory

	mu   sync.Mutex
	bad  map[string]bool
	seen []string
}

func newImageGate(cluster *orchestratortest.Memory, bad ...string) *imageGate {
	g := &imageGate{cluster: cluster, bad: make(map[string]bool)}
	for _, image := range bad {
		g.bad[image] = true
	}
	return g
}

func (g *imageGate) Evaluate(_ context.Context, target health.Target) types.HealthVerdict {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.seen = append(g.seen, target.Label)

	verdict := types.HealthVerdict{Timestamp: time.Now(), EnvironmentLabel: target.Label, Passed: true}
	rel, ok := g.cluster.Release(target.Label)
	if !ok || rel.Replicas == 0 || g.bad[rel.Image] {
		verdict.Passed = false
		verdict.FailedChecks = []types.CheckName{types.CheckErrorRate}
		verdict.Reasons = map[types.CheckName]string{types.CheckErrorRate: "error rate 0.0600 above 0.0500"}
	}
	return verdict
}

type emitted struct {
	severity types.Severity
	message  string
}

type recordingEmitter struct {
	mu     sync.Mutex
	events []emitted
}

func (r *recordingEmitter) Emit(_ context.Context, severity types.Severity, format string, args ...interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, emitted{severity: severity, message: fmt.Sprintf(format, args...)})
}

func (r *recordingEmitter) messages(severity types.Severity) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, e := range r.events {
		if e.severity == severity {
			out = append(out, e.message)
		}
	}
	return out
}

func (r *recordingEmitter) count(severity types.Severity) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.severity == severity {
			n++
		}
	}
	return n
}

type fixture struct {
	cluster     *orchestratortest.Memory
	db          *storage.BoltStore
	backups     *backup.Store
	notifier    *recordingEmitter
	coordinator *Coordinator
}

func newFixture(t *testing.T, gate HealthGate, stable ...string) *fixture {
	t.Helper()
	db, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	cluster := orchestratortest.NewMemory()
	f := &fixture{
		cluster:  cluster,
		db:       db,
		backups:  backup.NewStore("production", cluster, db),
		notifier: &recordingEmitter{},
	}
	if gate == nil {
		gate = newImageGate(cluster)
	}
	f.coordinator = NewCoordinator(
		Config{Environment: "production", Timeout: time.Minute, StableRevisions: stable},
		cluster, gate, labelTarget, f.backups, db, f.notifier,
	)
	return f
}

func labelTarget(label string) health.Target {
	return health.Target{Label: label, URL: "http://checkout-" + label + "/health"}
}

func deploy(t *testing.T, cluster *orchestratortest.Memory, label, image string) {
	t.Helper()
	require.NoError(t, cluster.Deploy(context.Background(), &types.DeploymentRevision{
		EnvironmentLabel: label,
		ImageRef:         image,
		Replicas:         3,
	}))
}

func strategies(attempts []*types.RollbackAttempt) []types.RecoveryStrategy {
	out := make([]types.RecoveryStrategy, 0, len(attempts))
	for _, a := range attempts {
		out = append(out, a.StrategyTried)
	}
	return out
}

func TestGatedPreviousRevision(t *testing.T) {
	f := newFixture(t, nil)
	f.coordinator.gate = newImageGate(f.cluster, "checkout:v2")
	f.cluster.Seed("blue", "checkout:v1", 3)
	deploy(t, f.cluster, "blue", "checkout:v2")

	result, err := f.coordinator.Gated(context.Background(), Request{
		Reason:       types.TriggerHealthCheckFailure,
		FailingLabel: "blue",
	})
	require.NoError(t, err)
	assert.True(t, result.Recovered)
	assert.Equal(t, types.RecoveryPreviousRevision, result.Strategy)
	assert.Equal(t, "blue", result.Traffic.ActiveVersion)

	rel, _ := f.cluster.Release("blue")
	assert.Equal(t, "checkout:v1", rel.Image)

	stored, err := f.db.ListAttempts("production", 0)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, types.RecoveryPreviousRevision, stored[0].StrategyTried)
	assert.Equal(t, types.OutcomeSuccess, stored[0].Outcome)
	assert.Equal(t, types.TriggerHealthCheckFailure, stored[0].TriggerReason)
	assert.Equal(t, "blue:1", stored[0].SourceRevision)
	assert.Zero(t, f.notifier.count(types.SeverityCritical))
}

func TestGatedFallsBackToStableRevisions(t *testing.T) {
	f := newFixture(t, nil, "blue:2", "blue:1")
	f.coordinator.gate = newImageGate(f.cluster, "checkout:v2", "checkout:v3")
	f.cluster.Seed("blue", "checkout:v1", 3)
	deploy(t, f.cluster, "blue", "checkout:v2")
	deploy(t, f.cluster, "blue", "checkout:v3")

	result, err := f.coordinator.Gated(context.Background(), Request{FailingLabel: "blue"})
	require.NoError(t, err)
	assert.Equal(t, types.RecoveryStableRevisionList, result.Strategy)

	// blue:2 was the previous revision and is not tried twice
	assert.Equal(t, []types.RecoveryStrategy{
		types.RecoveryPreviousRevision,
		types.RecoveryStableRevisionList,
	}, strategies(result.Attempts))
	assert.Equal(t, "blue:2", result.Attempts[0].SourceRevision)
	assert.Equal(t, types.OutcomeFailure, result.Attempts[0].Outcome)
	assert.Equal(t, "blue:1", result.Attempts[1].SourceRevision)

	rel, _ := f.cluster.Release("blue")
	assert.Equal(t, "checkout:v1", rel.Image)
}

func TestGatedRestoresPreChangeBackup(t *testing.T) {
	f := newFixture(t, nil, "green:1")
	f.coordinator.gate = newImageGate(f.cluster, "checkout:v2")
	f.cluster.Seed("blue", "checkout:v1", 3)

	preChange, err := f.backups.CreateBackup(context.Background(), "blue")
	require.NoError(t, err)
	deploy(t, f.cluster, "blue", "checkout:v2")
	f.cluster.Fail(orchestratortest.OpRollbackTo, errors.New("apiserver timeout"))

	result, err := f.coordinator.Gated(context.Background(), Request{FailingLabel: "blue"})
	require.NoError(t, err)
	assert.Equal(t, types.RecoveryBackupRestore, result.Strategy)
	assert.Equal(t, []types.RecoveryStrategy{
		types.RecoveryPreviousRevision,
		types.RecoveryStableRevisionList,
		types.RecoveryBackupRestore,
	}, strategies(result.Attempts))

	restores := f.cluster.CallsTo(orchestratortest.OpRestore)
	require.Len(t, restores, 1)
	assert.Equal(t, preChange.ID, restores[0].Value)

	rel, _ := f.cluster.Release("blue")
	assert.Equal(t, "checkout:v1", rel.Image)

	// the failing state was captured too
	all, err := f.backups.List()
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestGatedExhaustedScalesToZero(t *testing.T) {
	f := newFixture(t, nil, "green:1")
	f.coordinator.gate = newImageGate(f.cluster, "checkout:v2")
	f.cluster.Seed("blue", "checkout:v1", 3)
	_, err := f.backups.CreateBackup(context.Background(), "blue")
	require.NoError(t, err)
	deploy(t, f.cluster, "blue", "checkout:v2")

	f.cluster.Fail(orchestratortest.OpRollbackTo, errors.New("apiserver timeout"))
	f.cluster.Fail(orchestratortest.OpRestore, errors.New("manifest rejected"))

	result, err := f.coordinator.Gated(context.Background(), Request{
		Reason:       types.TriggerHealthCheckFailure,
		FailingLabel: "blue",
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrRollback)
	assert.False(t, result.Recovered)
	assert.Equal(t, types.RecoveryScaleToZero, result.Strategy)

	scales := f.cluster.CallsTo(orchestratortest.OpScale)
	require.Len(t, scales, 1)
	assert.Equal(t, "blue", scales[0].Label)
	assert.Equal(t, 0, scales[0].Weight)
	critical := f.notifier.messages(types.SeverityCritical)
	require.Len(t, critical, 1)
	assert.Contains(t, critical[0], "after 3 failed recovery attempts: blue scaled to zero")

	stored, err := f.db.ListAttempts("production", 0)
	require.NoError(t, err)
	assert.Equal(t, []types.RecoveryStrategy{
		types.RecoveryPreviousRevision,
		types.RecoveryStableRevisionList,
		types.RecoveryBackupRestore,
		types.RecoveryScaleToZero,
	}, strategies(stored))
}

func TestGatedExhaustedScaleFailureIsReported(t *testing.T) {
	f := newFixture(t, nil)
	f.coordinator.gate = newImageGate(f.cluster, "checkout:v1")
	f.cluster.Seed("blue", "checkout:v1", 3)
	f.cluster.Fail(orchestratortest.OpScale, errors.New("forbidden"))

	result, err := f.coordinator.Gated(context.Background(), Request{FailingLabel: "blue"})
	require.ErrorIs(t, err, types.ErrRollback)

	last := result.Attempts[len(result.Attempts)-1]
	assert.Equal(t, types.RecoveryScaleToZero, last.StrategyTried)
	assert.Equal(t, types.OutcomeFailure, last.Outcome)

	critical := f.notifier.messages(types.SeverityCritical)
	require.Len(t, critical, 1)
	assert.Contains(t, critical[0], "after 1 failed recovery attempts: scaling blue to zero failed: forbidden")
	assert.NotContains(t, critical[0], "blue scaled to zero")
}

func TestGatedRestoresPreChangeAfterEarlierCascade(t *testing.T) {
	f := newFixture(t, nil)
	f.coordinator.gate = newImageGate(f.cluster, "checkout:v2")
	f.cluster.Seed("blue", "checkout:v1", 3)
	ctx := context.Background()

	preChange, err := f.backups.CreateBackup(ctx, "blue")
	require.NoError(t, err)
	time.Sleep(time.Millisecond)

	// the first cascade recovers and snapshots the failing v2 state
	deploy(t, f.cluster, "blue", "checkout:v2")
	_, err = f.coordinator.Gated(ctx, Request{FailingLabel: "blue"})
	require.NoError(t, err)
	time.Sleep(time.Millisecond)

	// an operator run snapshots the v2 state again
	deploy(t, f.cluster, "blue", "checkout:v2")
	time.Sleep(time.Millisecond)
	f.cluster.Fail(orchestratortest.OpRollbackTo, errors.New("apiserver timeout"))
	result, err := f.coordinator.Emergency(ctx, "blue")
	require.NoError(t, err)
	assert.Equal(t, types.RecoveryBackupRestore, result.Strategy)

	restores := f.cluster.CallsTo(orchestratortest.OpRestore)
	require.Len(t, restores, 1)
	assert.Equal(t, preChange.ID, restores[0].Value)
	rel, _ := f.cluster.Release("blue")
	assert.Equal(t, "checkout:v1", rel.Image)

	all, err := f.backups.List()
	require.NoError(t, err)
	require.Len(t, all, 3)
	for _, b := range all[1:] {
		assert.Equal(t, types.BackupFailureState, b.Kind)
	}
}

func TestGatedSkipsBackupRestoreWithoutBackup(t *testing.T) {
	f := newFixture(t, nil)
	f.coordinator.gate = newImageGate(f.cluster, "checkout:v1")
	f.cluster.Seed("blue", "checkout:v1", 3)

	_, err := f.coordinator.Gated(context.Background(), Request{FailingLabel: "blue"})
	require.ErrorIs(t, err, types.ErrRollback)

	assert.Empty(t, f.cluster.CallsTo(orchestratortest.OpRestore))
	stored, err := f.db.ListAttempts("production", 0)
	require.NoError(t, err)
	assert.Equal(t, []types.RecoveryStrategy{
		types.RecoveryPreviousRevision,
		types.RecoveryScaleToZero,
	}, strategies(stored))
}

func TestBackupPrecedesRollback(t *testing.T) {
	f := newFixture(t, nil)
	f.coordinator.gate = newImageGate(f.cluster, "checkout:v2")
	f.cluster.Seed("blue", "checkout:v1", 3)
	deploy(t, f.cluster, "blue", "checkout:v2")

	_, err := f.coordinator.Gated(context.Background(), Request{FailingLabel: "blue"})
	require.NoError(t, err)

	rollbacks := f.cluster.CallsTo(orchestratortest.OpRollbackTo)
	require.NotEmpty(t, rollbacks)
	backups, err := f.backups.List()
	require.NoError(t, err)
	require.NotEmpty(t, backups)
	assert.False(t, backups[0].CreatedAt.After(rollbacks[0].At))
}

func TestRollbackToRevisionIdempotent(t *testing.T) {
	f := newFixture(t, nil)
	f.cluster.Seed("blue", "checkout:v1", 3)
	deploy(t, f.cluster, "blue", "checkout:v2")

	_, err := f.coordinator.RollbackToRevision(context.Background(), "blue:1", types.TriggerManualRequest)
	require.NoError(t, err)
	once, err := f.cluster.Traffic(context.Background())
	require.NoError(t, err)
	onceRel, _ := f.cluster.Release("blue")

	result, err := f.coordinator.RollbackToRevision(context.Background(), "blue:1", types.TriggerManualRequest)
	require.NoError(t, err)
	twice, err := f.cluster.Traffic(context.Background())
	require.NoError(t, err)
	twiceRel, _ := f.cluster.Release("blue")

	assert.Equal(t, once, twice)
	assert.Equal(t, onceRel, twiceRel)
	assert.Equal(t, types.RecoveryExplicitRevision, result.Strategy)
}

func TestRollbackToMissingRevision(t *testing.T) {
	f := newFixture(t, nil)
	f.cluster.Seed("blue", "checkout:v1", 3)

	result, err := f.coordinator.RollbackToRevision(context.Background(), "blue:7", types.TriggerManualRequest)
	require.ErrorIs(t, err, types.ErrRollback)
	require.Len(t, result.Attempts, 1)
	assert.Equal(t, types.OutcomeFailure, result.Attempts[0].Outcome)
	assert.Equal(t, 1, f.notifier.count(types.SeverityError))
}

func TestEmergencyUsesActiveRelease(t *testing.T) {
	f := newFixture(t, nil)
	f.coordinator.gate = newImageGate(f.cluster, "checkout:v2")
	f.cluster.Seed("green", "checkout:v1", 3)
	deploy(t, f.cluster, "green", "checkout:v2")

	result, err := f.coordinator.Emergency(context.Background(), "")
	require.NoError(t, err)
	assert.True(t, result.Recovered)
	require.NotEmpty(t, result.Attempts)
	assert.Equal(t, types.TriggerManualRequest, result.Attempts[0].TriggerReason)
	assert.Equal(t, "green:1", result.Attempts[0].SourceRevision)
}

type countingTrigger struct {
	calls atomic.Int32
	reqs  chan Request
}

func (c *countingTrigger) Gated(_ context.Context, req Request) (*Result, error) {
	c.calls.Add(1)
	if c.reqs != nil {
		select {
		case c.reqs <- req:
		default:
		}
	}
	return &Result{Recovered: true}, nil
}

type switchGate struct {
	healthy atomic.Bool
}

func (s *switchGate) Evaluate(_ context.Context, target health.Target) types.HealthVerdict {
	return types.HealthVerdict{EnvironmentLabel: target.Label, Passed: s.healthy.Load(), Timestamp: time.Now()}
}

func newTestWatchdog(t *testing.T, gate HealthGate, trigger Trigger, interval time.Duration) (*Watchdog, *storage.BoltStore) {
	t.Helper()
	db, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	cluster := orchestratortest.NewMemory()
	cluster.Seed("blue", "checkout:v1", 3)
	w := NewWatchdog(WatchdogConfig{
		Environment:      "production",
		Interval:         interval,
		FailureThreshold: 3,
		FallbackLabel:    "blue",
	}, cluster, gate, labelTarget, trigger, db)
	return w, db
}

func TestWatchdogTriggersOncePerStreak(t *testing.T) {
	gate := &switchGate{}
	trigger := &countingTrigger{}
	w, db := newTestWatchdog(t, gate, trigger, time.Hour)
	ctx := context.Background()

	// two failures, then a pass resets the streak
	assert.False(t, w.Tick(ctx))
	assert.False(t, w.Tick(ctx))
	assert.Equal(t, 2, w.ConsecutiveFailures())
	gate.healthy.Store(true)
	assert.False(t, w.Tick(ctx))
	assert.Equal(t, 0, w.ConsecutiveFailures())

	gate.healthy.Store(false)
	assert.False(t, w.Tick(ctx))
	assert.False(t, w.Tick(ctx))
	assert.True(t, w.Tick(ctx))
	assert.Equal(t, int32(1), trigger.calls.Load())
	assert.Equal(t, 0, w.ConsecutiveFailures())

	// counting starts again from zero
	assert.False(t, w.Tick(ctx))
	assert.Equal(t, 1, w.ConsecutiveFailures())
	assert.Equal(t, int32(1), trigger.calls.Load())

	verdicts, err := db.ListVerdicts("production", 0)
	require.NoError(t, err)
	assert.Len(t, verdicts, 7)
}

func TestWatchdogRunStopsOnCancel(t *testing.T) {
	gate := &switchGate{}
	trigger := &countingTrigger{reqs: make(chan Request, 1)}
	w, _ := newTestWatchdog(t, gate, trigger, 5*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	select {
	case req := <-trigger.reqs:
		assert.Equal(t, types.TriggerHealthCheckFailure, req.Reason)
		assert.Equal(t, "blue", req.FailingLabel)
	case <-time.After(5 * time.Second):
		t.Fatal("watchdog never triggered a rollback")
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("watchdog did not stop after cancellation")
	}
}
