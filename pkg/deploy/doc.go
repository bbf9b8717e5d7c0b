/*
Package deploy implements the blue-green, canary and rolling strategies.

Every rollout starts Pending and ends Completed, RolledBack or Failed with a
reason. The active release is backed up before anything changes.

# Strategies

Blue-green deploys to the inactive color and only switches traffic once it
passed the health gate:

	Deploying(inactive) -> HealthChecking -> Promoting -> Stabilizing
	    -> FinalHealthChecking -> Completed

The previous color keeps running until the final health check passed, so a
fallback is always available.

Canary deploys a one replica canary and walks the weight sequence
(10, 25, 50, 75, 100 by default). Each step samples health every
SampleInterval for StepDuration; a single failed sample aborts:

	Deploying(canary) -> [SetTrafficWeight -> monitor]* -> Promoting -> Completed

Reaching 100% deploys the new image to the primary release, switches traffic
back to it and removes the canary.

Rolling relies on the orchestrator's native rolling update, then runs one
health check.

# Failure Handling

An orchestrator error before the first health check fails the rollout. No
traffic moved, so only the partially created release is removed. A failed
health check after that hands the rollout to the rollback coordinator with
reason HealthCheckFailure; a failed traffic switch uses PromotionFailure.

Unless forced, a rollout refuses to start when the active release is itself
unhealthy, because it would not be a valid fallback.

# Dry Runs

With DryRun the strategy runs against orchestrator.DryRun: mutations are
logged, health gates pass, waits are skipped and nothing is persisted.
*/
package deploy
