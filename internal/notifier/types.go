package notifier

import (
	"time"
)

type Config struct {
	Enabled bool
	// Token and ChatID identify the Telegram bot and the operator chat
	// that receives notifications. The notifier is send-only.
	Token  string
	ChatID int64

	// MinLevel filters forwarded log notices ("warn" by default).
	MinLevel string

	// QueueSize bounds the async send queue; overflow drops the oldest.
	QueueSize int

	// RatePerSec caps outbound sends.
	RatePerSec float64

	// DedupWindow suppresses identical messages within the window.
	DedupWindow time.Duration
}

func (c Config) withDefaults() Config {
	if c.MinLevel == "" {
		c.MinLevel = "warn"
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 64
	}
	if c.RatePerSec <= 0 {
		c.RatePerSec = 1
	}
	if c.DedupWindow <= 0 {
		c.DedupWindow = time.Minute
	}
	return c
}

// Sender delivers one rendered notification. The production implementation
// wraps a Telegram bot; tests substitute their own.
type Sender interface {
	Send(text string) error
}

// HistoryItem is kept in a small in-memory ring for operator visibility.
type HistoryItem struct {
	Text string    `json:"text"`
	At   time.Time `json:"at"`
	Sent bool      `json:"sent"`
	Err  string    `json:"err,omitempty"`
}

const historyCap = 50
