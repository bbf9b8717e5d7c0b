/*
Package rollback restores a healthy release after a failed health gate.

# Cascade

Coordinator.Gated tries each recovery strategy in order and stops at the first
one after which the active release passes the health gate again:

	PreviousRevision    RollbackTo the revision preceding the failing one
	StableRevisionList  RollbackTo each configured known-good revision
	BackupRestore       Restore the newest backup taken before the cascade
	ScaleToZero         scale the failing release to zero, emit a critical event

A backup of the failing state is taken before the first strategy runs. Every
strategy tried is appended to the attempt log before the next one starts, so
the full decision trail survives even when the cascade is exhausted.
BackupRestore is skipped when no backup existed when the cascade began.
ScaleToZero is terminal and leaves the environment for an operator.

# Watchdog

Watchdog evaluates the active release every Interval. When FailureThreshold
consecutive evaluations fail it triggers exactly one gated rollback and resets
the streak. A passing evaluation also resets it. Cancellation is checked at
the top of every iteration.
*/
package rollback
