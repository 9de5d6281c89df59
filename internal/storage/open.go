package storage

import (
	"context"
	"errors"
	"strings"

	"groupcast/pkg/logx"
)

// Store is the minimal persistence API used by the engines.
type Store interface {
	AppendLink(ctx context.Context, rec LinkRecord) error
	// ListLinks returns up to limit most recent records, optionally
	// filtered by session ("" means all).
	ListLinks(ctx context.Context, session string, limit int) ([]LinkRecord, error)
	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
