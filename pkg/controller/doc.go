/*
Package controller wires the shepherd components for one environment and
exposes the operations behind the command line.

A Controller owns an orchestrator client, a metrics provider, the local
state store and the components built on top of them: the health evaluator,
backup store, notifier, rollback coordinator and deployment engine. New
connects to a real cluster and Prometheus; NewWithDependencies accepts any
implementation, which is how the tests run against orchestratortest.Memory.

Operations:

	Deploy        run one rollout (blue-green, canary or rolling)
	Rollback      gated cascade, or an explicit revision with --to
	Emergency     full cascade immediately, no failure streak required
	Check         one evaluation of the active release
	Monitor       watchdog plus /health, /ready, /metrics and /status
	TestRollback  smoke checks that never mutate the live release
	Status        traffic, revisions, latest backup, recent attempts
	Backups       list and prune backups
	History       rollback attempts, verdicts and revisions

Controllers of different environments share no state and may run side by
side. Two controllers must never drive the same environment at once.
*/
package controller
