/*
Package log provides structured logging for Shepherd using zerolog.

The log package wraps zerolog with a package-level Logger, a single Init entry
point and helpers that derive child loggers carrying the fields every Shepherd
component logs with.

# Configuration

	log.Init(log.Config{
		Level:      log.ParseLevel("debug"),
		JSONOutput: true,
		Output:     os.Stderr,
	})

JSON output is meant for log shippers; the default console writer is meant for
operators running the CLI interactively. Logs go to stderr so that command
output (verdicts, plans, status tables) stays clean on stdout.

# Component Loggers

Each component creates its logger once at construction:

	logger := log.WithEnvironment("rollback", cfg.Environment)
	logger.Warn().
		Str("strategy", string(types.RecoveryPreviousRevision)).
		Str("source_revision", rev).
		Msg("Recovery strategy failed")

Rollout code adds the revision being driven:

	rlog := log.WithRevision(logger, rev.ID, string(rev.Strategy))

# Standard Fields

  - component: deploy, rollback, watchdog, health, backup, notify, orchestrator
  - environment: the environment the controller instance owns
  - revision_id, strategy: the rollout being driven
  - label, weight, check, source_revision: step specific context
*/
package log
