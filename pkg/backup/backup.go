package backup

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cuemby/shepherd/pkg/log"
	"github.com/cuemby/shepherd/pkg/metrics"
	"github.com/cuemby/shepherd/pkg/storage"
	"github.com/cuemby/shepherd/pkg/types"
	"github.com/rs/zerolog"
)

// Snapshotter captures the active release of an environment
type Snapshotter interface {
	SnapshotCurrentState(ctx context.Context) (*types.Backup, error)
}

// Store creates and retains backups for one environment
type Store struct {
	environment string
	snapshots   Snapshotter
	store       storage.Store
	logger      zerolog.Logger
}

// NewStore creates a backup store for environment
func NewStore(environment string, snapshots Snapshotter, store storage.Store) *Store {
	return &Store{
		environment: environment,
		snapshots:   snapshots,
		store:       store,
		logger:      log.WithEnvironment("backup", environment),
	}
}

// CreateBackup snapshots the active release before a destructive change and
// persists it. label is the release about to be changed; it is recorded when
// the snapshot does not name one. Callers treat failures as non-fatal to
// forward progress.
func (s *Store) CreateBackup(ctx context.Context, label string) (*types.Backup, error) {
	return s.Capture(ctx, label, types.BackupPreChange)
}

// Capture snapshots the active release as a backup of kind. Only
// pre-change backups are ever returned by LatestBackup.
func (s *Store) Capture(ctx context.Context, label string, kind types.BackupKind) (*types.Backup, error) {
	b, err := s.snapshots.SnapshotCurrentState(ctx)
	if err != nil {
		metrics.BackupsTotal.WithLabelValues("failure").Inc()
		s.logger.Warn().Err(err).Str("label", label).Str("kind", string(kind)).Msg("Failed to snapshot current state")
		return nil, fmt.Errorf("failed to snapshot %s: %w", s.environment, err)
	}

	b.Environment = s.environment
	b.Kind = kind
	if b.EnvironmentLabel == "" {
		b.EnvironmentLabel = label
	}
	if b.CreatedAt.IsZero() {
		b.CreatedAt = time.Now()
	}

	location, err := s.store.SaveBackup(b)
	if err != nil {
		metrics.BackupsTotal.WithLabelValues("failure").Inc()
		s.logger.Warn().Err(err).Str("backup_id", b.ID).Msg("Failed to persist backup")
		return nil, err
	}

	metrics.BackupsTotal.WithLabelValues("success").Inc()
	s.logger.Info().
		Str("backup_id", b.ID).
		Str("kind", string(kind)).
		Str("label", b.EnvironmentLabel).
		Str("revision", b.RevisionBeforeChange).
		Str("location", location).
		Msg("Backup created")
	return b, nil
}

// LatestBackup returns the newest restorable backup, or
// types.ErrBackupNotFound. Failure-state and verification snapshots are
// skipped.
func (s *Store) LatestBackup() (*types.Backup, error) {
	latest, err := s.store.LatestBackup(s.environment)
	if err != nil || latest.Restorable() {
		return latest, err
	}

	backups, err := s.List()
	if err != nil {
		return nil, err
	}
	for i := len(backups) - 1; i >= 0; i-- {
		if backups[i].Restorable() {
			return backups[i], nil
		}
	}
	return nil, fmt.Errorf("%w: no restorable backup for environment %s", types.ErrBackupNotFound, s.environment)
}

// Get returns a backup by ID
func (s *Store) Get(id string) (*types.Backup, error) {
	return s.store.GetBackup(id)
}

// List returns every retained backup, oldest first
func (s *Store) List() ([]*types.Backup, error) {
	return s.store.ListBackups(s.environment)
}

// Prune deletes all but the newest keep backups and returns how many were
// removed. Backups are never pruned implicitly.
func (s *Store) Prune(keep int) (int, error) {
	if keep < 1 {
		return 0, fmt.Errorf("%w: keep must be at least 1, got %d", types.ErrConfiguration, keep)
	}
	backups, err := s.List()
	if err != nil {
		return 0, err
	}
	if len(backups) <= keep {
		return 0, nil
	}

	var removed int
	var errs []error
	for _, b := range backups[:len(backups)-keep] {
		if err := s.store.DeleteBackup(b.ID); err != nil {
			errs = append(errs, err)
			continue
		}
		removed++
	}
	s.logger.Info().Int("removed", removed).Int("kept", keep).Msg("Pruned backups")
	return removed, errors.Join(errs...)
}

// Count returns the number of backups retained for the environment
func (s *Store) Count() (int, error) {
	backups, err := s.List()
	return len(backups), err
}
