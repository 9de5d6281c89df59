// Package storage persists the append-only link-audit trail. Queue and
// campaign state are deliberately ephemeral (in-memory only); the audit
// records exist for export and post-hoc inspection, never for rebuilding
// queue state.
package storage
