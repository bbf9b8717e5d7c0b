package storage

import (
	"github.com/cuemby/shepherd/pkg/types"
)

// Store defines the interface for controller state storage.
// Backups and audit records are scoped by environment name.
type Store interface {
	// Backups, listed oldest first
	SaveBackup(backup *types.Backup) (location string, err error)
	GetBackup(id string) (*types.Backup, error)
	ListBackups(environment string) ([]*types.Backup, error)
	LatestBackup(environment string) (*types.Backup, error)
	DeleteBackup(id string) error

	// Rollback attempts, append-only
	AppendAttempt(attempt *types.RollbackAttempt) error
	ListAttempts(environment string, limit int) ([]*types.RollbackAttempt, error)

	// Health verdicts, append-only
	AppendVerdict(environment string, verdict *types.HealthVerdict) error
	ListVerdicts(environment string, limit int) ([]*types.HealthVerdict, error)

	// Deployment revisions
	SaveRevision(rev *types.DeploymentRevision) error
	GetRevision(id string) (*types.DeploymentRevision, error)
	ListRevisions(environment string, limit int) ([]*types.DeploymentRevision, error)

	// Utility
	Close() error
}
