package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	logx "spidersched/pkg/logx"
)

const defaultRecentLimit = 50

// Store is the persistence API used by the controller and the notifier.
// Schedules are never persisted; only trigger attempts and alert dedup state.
type Store interface {
	AppendTrigger(ctx context.Context, r TriggerRecord) error
	// RecentTriggers returns the newest records first. An empty project means all projects.
	RecentTriggers(ctx context.Context, project string, limit int) ([]TriggerRecord, error)

	PutDedup(ctx context.Context, key string, until time.Time) error
	GetDedup(ctx context.Context, key string) (until time.Time, ok bool, err error)

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
	log = log.With(logx.String("comp", "storage"), logx.String("driver", driver))

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return defaultRecentLimit
	}
	return min(limit, 1000)
}
