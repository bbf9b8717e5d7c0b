/*
Package types defines the core data structures shared by every Shepherd component.

The types package is the foundation of Shepherd's data model. It describes a
rollout attempt, the health evidence gathered while it progresses, the routing
state of an environment, the snapshots taken before destructive changes and the
audit trail written by the rollback coordinator.

# Core Types

Rollouts:
  - DeploymentRevision: one rollout attempt (strategy, image, label, weight, status)
  - Strategy: blue-green, canary or rolling
  - RevisionStatus: pending, deploying, health-checking, promoting and the
    terminal completed, rolled-back and failed states

Health:
  - HealthVerdict: pass/fail result of one evaluation round
  - CheckName: application, readiness, errorRate, latency, cpu, memory

Routing:
  - TrafficState: active version, candidate version and candidate weight

Recovery:
  - Backup: manifest and values snapshot taken before a destructive call
  - RollbackAttempt: one append-only audit entry per recovery strategy tried
  - TriggerReason: HealthCheckFailure, ManualRequest, PromotionFailure
  - RecoveryStrategy: PreviousRevision, StableRevisionList, BackupRestore, ScaleToZero

Notifications:
  - Event: severity, environment, message and timestamp
  - Severity: info, warning, error, critical

# Lifecycle Rules

A DeploymentRevision only changes through Transition and SetWeight. Both refuse
to touch a revision once it reached a terminal status:

	rev := &types.DeploymentRevision{ID: uuid.NewString(), Status: types.RevisionPending}
	_ = rev.Transition(types.RevisionDeploying, "")
	_ = rev.SetWeight(10)
	_ = rev.SetWeight(25)
	_ = rev.Transition(types.RevisionCompleted, "promoted")

	err := rev.SetWeight(50) // errors.Is(err, types.ErrTerminalRevision)

SetWeight also refuses to lower the canary weight, so the recorded sequence of
weights is non-decreasing for the whole rollout.

# Errors

The sentinel errors in errors.go form the error taxonomy used across packages:

  - ErrConfiguration: fatal, raised before any cluster mutation
  - ErrTransientInfra: retried with backoff by the callers that own the call
  - ErrHealthCheck: drives strategy-level rollback decisions
  - ErrRollback: one recovery strategy failed, the cascade continues
  - ErrNotification: logged only

Callers classify errors with errors.Is; every package wraps with %w.
*/
package types
