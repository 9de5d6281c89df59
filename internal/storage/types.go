package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures the audit store.
//
// Driver values:
//   - "file": dependency-free jsonl backend
//   - "sqlite": SQLite database file
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// LinkRecord is one audit row for a discovered link. Keep it compact and
// schema-stable.
type LinkRecord struct {
	URL     string    `json:"url"`
	Kind    string    `json:"kind"`
	Session string    `json:"session"`
	Status  string    `json:"status"` // queued | joined | blacklisted | dropped
	AddedAt time.Time `json:"added_at"`
}
