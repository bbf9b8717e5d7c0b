// Package backup takes a snapshot of the active release before every change
// that can destroy or replace it, and keeps every snapshot until it is pruned
// explicitly. The newest backup is the last-resort source of the rollback
// cascade.
package backup
