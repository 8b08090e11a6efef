package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "file": JSON Lines files next to Path
//   - "sqlite": SQLite database file (modernc.org/sqlite, no cgo)
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
	// TailSize bounds the in-memory tail the file driver serves RecentTriggers from.
	TailSize int
}

// TriggerRecord is one schedule.json attempt. Keep it compact and schema-stable.
type TriggerRecord struct {
	TaskID   string        `json:"task_id"`
	At       time.Time     `json:"at"`
	Project  string        `json:"project"`
	Spider   string        `json:"spider"`
	Attempt  int           `json:"attempt"`
	JobID    string        `json:"job_id,omitempty"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
}

// OK reports whether the attempt succeeded.
func (r TriggerRecord) OK() bool { return r.Error == "" }
