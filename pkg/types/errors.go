package types

import "errors"

var (
	// ErrConfiguration indicates an invalid strategy, weight or threshold.
	// It is fatal and raised before any cluster mutation.
	ErrConfiguration = errors.New("configuration error")

	// ErrTransientInfra indicates a connectivity failure towards the cluster or
	// the metrics backend that may succeed on retry.
	ErrTransientInfra = errors.New("transient infrastructure error")

	// ErrHealthCheck indicates one or more health checks failed.
	ErrHealthCheck = errors.New("health check failure")

	// ErrRollback indicates a recovery strategy did not restore health.
	ErrRollback = errors.New("rollback failure")

	// ErrNotification indicates delivery to a notification channel failed.
	ErrNotification = errors.New("notification failure")

	// ErrRevisionNotFound indicates a revision is no longer recorded.
	ErrRevisionNotFound = errors.New("revision not found")

	// ErrBackupNotFound indicates no backup exists.
	ErrBackupNotFound = errors.New("backup not found")

	// ErrTerminalRevision indicates a mutation of a completed, rolled back or failed revision.
	ErrTerminalRevision = errors.New("revision is in a terminal state")
)
