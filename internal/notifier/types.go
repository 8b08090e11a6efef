package notifier

import (
	"context"
	"time"
)

// Config controls failure alerts.
type Config struct {
	Enabled       bool
	QueueSize     int
	RatePerSec    float64
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	DedupWindow   time.Duration
	PersistDedup  bool
}

// Sender delivers one alert text to an operator channel.
type Sender interface {
	Send(ctx context.Context, text string) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, text string) error

func (f SenderFunc) Send(ctx context.Context, text string) error { return f(ctx, text) }

// Alert is derived from one task lifecycle event.
type Alert struct {
	Type     string    `json:"type"`
	Key      string    `json:"key"`
	TaskID   string    `json:"task_id"`
	Attempts int       `json:"attempts,omitempty"`
	Reason   string    `json:"reason"`
	At       time.Time `json:"at"`
}

type HistoryItem struct {
	At    time.Time `json:"at"`
	Text  string    `json:"text"`
	Error string    `json:"error,omitempty"`
}
