package storage

import (
	"fmt"
	"testing"
	"time"

	"github.com/cuemby/shepherd/pkg/types"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	store, err := NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func newBackup(env, revision string, at time.Time) *types.Backup {
	return &types.Backup{
		ID:                   uuid.New().String(),
		Environment:          env,
		EnvironmentLabel:     "blue",
		RevisionBeforeChange: revision,
		ManifestSnapshot:     []byte("kind: Deployment"),
		ValuesSnapshot:       []byte("image: checkout:v1"),
		CreatedAt:            at,
	}
}

func TestBackupsOrderedByTime(t *testing.T) {
	store := newTestStore(t)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	// saved out of order on purpose
	second := newBackup("production", "blue:2", base.Add(time.Minute))
	first := newBackup("production", "blue:1", base)
	third := newBackup("production", "blue:3", base.Add(2*time.Minute))
	other := newBackup("staging", "green:9", base.Add(time.Hour))

	for _, b := range []*types.Backup{second, first, third, other} {
		location, err := store.SaveBackup(b)
		require.NoError(t, err)
		assert.Contains(t, location, "bolt://")
		assert.Equal(t, location, b.Location)
	}

	list, err := store.ListBackups("production")
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, []string{first.ID, second.ID, third.ID}, []string{list[0].ID, list[1].ID, list[2].ID})

	latest, err := store.LatestBackup("production")
	require.NoError(t, err)
	assert.Equal(t, third.ID, latest.ID)
	assert.Equal(t, []byte("kind: Deployment"), latest.ManifestSnapshot)

	latest, err = store.LatestBackup("staging")
	require.NoError(t, err)
	assert.Equal(t, other.ID, latest.ID)

	n, err := store.CountBackups()
	require.NoError(t, err)
	assert.Equal(t, 4, n)
}

func TestLatestBackupMissing(t *testing.T) {
	store := newTestStore(t)
	_, err := store.LatestBackup("production")
	assert.ErrorIs(t, err, types.ErrBackupNotFound)

	// an environment whose name is a prefix of another must not see its backups
	_, err = store.SaveBackup(newBackup("production-eu", "blue:1", time.Now()))
	require.NoError(t, err)
	_, err = store.LatestBackup("production")
	assert.ErrorIs(t, err, types.ErrBackupNotFound)
}

func TestGetAndDeleteBackup(t *testing.T) {
	store := newTestStore(t)
	b := newBackup("production", "blue:4", time.Now())
	_, err := store.SaveBackup(b)
	require.NoError(t, err)

	got, err := store.GetBackup(b.ID)
	require.NoError(t, err)
	assert.Equal(t, "blue:4", got.RevisionBeforeChange)

	require.NoError(t, store.DeleteBackup(b.ID))
	_, err = store.GetBackup(b.ID)
	assert.ErrorIs(t, err, types.ErrBackupNotFound)
	assert.ErrorIs(t, store.DeleteBackup(b.ID), types.ErrBackupNotFound)
}

func TestAttemptsAppendOnly(t *testing.T) {
	store := newTestStore(t)
	strategies := []types.RecoveryStrategy{
		types.RecoveryPreviousRevision,
		types.RecoveryStableRevisionList,
		types.RecoveryBackupRestore,
		types.RecoveryScaleToZero,
	}
	for _, s := range strategies {
		require.NoError(t, store.AppendAttempt(&types.RollbackAttempt{
			ID:            uuid.New().String(),
			Environment:   "production",
			TriggerReason: types.TriggerHealthCheckFailure,
			StrategyTried: s,
			Outcome:       types.OutcomeFailure,
			Timestamp:     time.Now(),
		}))
	}
	require.NoError(t, store.AppendAttempt(&types.RollbackAttempt{Environment: "staging", StrategyTried: types.RecoveryPreviousRevision}))

	all, err := store.ListAttempts("production", 0)
	require.NoError(t, err)
	require.Len(t, all, 4)
	for i, s := range strategies {
		assert.Equal(t, s, all[i].StrategyTried)
	}

	tail, err := store.ListAttempts("production", 2)
	require.NoError(t, err)
	require.Len(t, tail, 2)
	assert.Equal(t, types.RecoveryBackupRestore, tail[0].StrategyTried)
	assert.Equal(t, types.RecoveryScaleToZero, tail[1].StrategyTried)

	staging, err := store.ListAttempts("staging", 0)
	require.NoError(t, err)
	assert.Len(t, staging, 1)
}

func TestVerdicts(t *testing.T) {
	store := newTestStore(t)
	for i := 0; i < 5; i++ {
		require.NoError(t, store.AppendVerdict("production", &types.HealthVerdict{
			EnvironmentLabel: fmt.Sprintf("label-%d", i),
			Passed:           i%2 == 0,
		}))
	}

	verdicts, err := store.ListVerdicts("production", 3)
	require.NoError(t, err)
	require.Len(t, verdicts, 3)
	assert.Equal(t, "label-2", verdicts[0].EnvironmentLabel)
	assert.Equal(t, "label-4", verdicts[2].EnvironmentLabel)
}

func TestRevisions(t *testing.T) {
	store := newTestStore(t)
	base := time.Now()

	older := &types.DeploymentRevision{ID: "r1", Environment: "production", Status: types.RevisionCompleted, CreatedAt: base}
	newer := &types.DeploymentRevision{ID: "r2", Environment: "production", Status: types.RevisionDeploying, CreatedAt: base.Add(time.Minute)}
	require.NoError(t, store.SaveRevision(newer))
	require.NoError(t, store.SaveRevision(older))
	require.NoError(t, store.SaveRevision(&types.DeploymentRevision{ID: "r3", Environment: "staging", CreatedAt: base}))

	// upsert
	newer.Status = types.RevisionRolledBack
	require.NoError(t, store.SaveRevision(newer))

	got, err := store.GetRevision("r2")
	require.NoError(t, err)
	assert.Equal(t, types.RevisionRolledBack, got.Status)

	revs, err := store.ListRevisions("production", 0)
	require.NoError(t, err)
	require.Len(t, revs, 2)
	assert.Equal(t, "r1", revs[0].ID)
	assert.Equal(t, "r2", revs[1].ID)

	_, err = store.GetRevision("missing")
	assert.ErrorIs(t, err, types.ErrRevisionNotFound)
}
