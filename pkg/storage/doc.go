/*
Package storage persists controller state in a BoltDB file.

Buckets:

	backups            <environment>/<timestamp>/<revision>/<id> -> Backup (JSON)
	backup_ids         <id> -> backups key
	rollback_attempts  <environment>/<sequence> -> RollbackAttempt, append-only
	health_verdicts    <environment>/<sequence> -> HealthVerdict, append-only
	revisions          <id> -> DeploymentRevision

Backup keys sort by time, so the newest backup of an environment is found with
a single cursor seek. Audit records use the bucket sequence so prefix scans
return them in append order. Nothing in this package deletes a backup unless
DeleteBackup is called explicitly.
*/
package storage
