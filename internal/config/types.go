package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the on-disk configuration (JSON, or YAML coerced to JSON).
// All durations are Go duration strings (e.g. "500ms", "10s", "2m").
type Config struct {
	Server   ServerConfig   `json:"server"`
	Logging  LoggingConfig  `json:"logging"`
	Sessions SessionsConfig `json:"sessions"`
	Queue    QueueConfig    `json:"queue"`
	Campaign CampaignConfig `json:"campaign"`

	// GC overrides the built-in sweep rules per table name.
	GC map[string]GCRule `json:"gc,omitempty"`

	Storage  *StorageConfig  `json:"storage,omitempty"`
	Metrics  MetricsConfig   `json:"metrics,omitempty"`
	Notifier *NotifierConfig `json:"notifier,omitempty"`
}

// NotifierConfig wires the operator-chat notifier (send-only Telegram bot).
type NotifierConfig struct {
	Enabled     bool    `json:"enabled,omitempty"`
	Token       string  `json:"token,omitempty"`
	ChatID      int64   `json:"chat_id,omitempty"`
	MinLevel    string  `json:"min_level,omitempty"`
	RatePerSec  float64 `json:"rate_per_sec,omitempty"`
	DedupWindow string  `json:"dedup_window,omitempty"`
}

type ServerConfig struct {
	// Addr is the HTTP API listen address, e.g. ":8080". Empty disables it.
	Addr string `json:"addr,omitempty"`
}

type LoggingConfig struct {
	Level   string           `json:"level,omitempty"`
	Console *bool            `json:"console,omitempty"` // nil means enabled
	File    FileLogConfig    `json:"file,omitempty"`
	Notify  NotifyLogConfig  `json:"notify,omitempty"`
}

type FileLogConfig struct {
	Enabled bool   `json:"enabled,omitempty"`
	Path    string `json:"path,omitempty"`
}

type NotifyLogConfig struct {
	Enabled    bool   `json:"enabled,omitempty"`
	MinLevel   string `json:"min_level,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}

type SessionsConfig struct {
	// Provider selects the registered wire adapter (see provider.Register).
	Provider string `json:"provider,omitempty"`

	// Dir holds one credential directory per session, keyed by the
	// validated session name.
	Dir string `json:"dir,omitempty"`

	// ChallengeTimeout bounds how long an unanswered QR/pairing challenge
	// may stay pending. Default 60s, floor 10s.
	ChallengeTimeout string `json:"challenge_timeout,omitempty"`

	// ReconnectBackoff applies after an unexpected disconnect,
	// ConflictBackoff after a competing-session conflict.
	ReconnectBackoff string `json:"reconnect_backoff,omitempty"`
	ConflictBackoff  string `json:"conflict_backoff,omitempty"`
}

// Intervals is a [min,max] second range for jittered pacing.
// Bounds: 3 <= min <= max <= 3600.
type Intervals struct {
	Min int `json:"min,omitempty"`
	Max int `json:"max,omitempty"`
}

type QueueConfig struct {
	// Intervals is the default per-session join pacing (defaults 5,30).
	Intervals Intervals `json:"intervals,omitempty"`

	// ItemPause is the fixed pause between queue items once a join attempt
	// finished (default 2s).
	ItemPause string `json:"item_pause,omitempty"`
}

type CampaignConfig struct {
	// Intervals is the default send pacing when a campaign does not carry
	// its own policy.
	Intervals Intervals `json:"intervals,omitempty"`

	// GroupCacheTTL bounds the group snapshot cache (default 2m).
	GroupCacheTTL string `json:"group_cache_ttl,omitempty"`

	// RatePerSec caps sends across all campaigns; 0 keeps the built-in
	// default budget.
	RatePerSec int `json:"rate_per_sec,omitempty"`
}

type GCRule struct {
	TTL           string `json:"ttl,omitempty"`
	CheckInterval string `json:"check_interval,omitempty"`
}

// StorageConfig configures the link-audit store.
//
// Driver values:
//   - "file": dependency-free jsonl backend
//   - "sqlite": SQLite database file
//
// If Driver is empty or "none", auditing is disabled.
type StorageConfig struct {
	Driver      string `json:"driver,omitempty"`
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}

type MetricsConfig struct {
	Enabled bool `json:"enabled,omitempty"`
}

const (
	IntervalFloorSec = 3
	IntervalCeilSec  = 3600
)

func (iv Intervals) MinDuration() time.Duration { return time.Duration(iv.Min) * time.Second }
func (iv Intervals) MaxDuration() time.Duration { return time.Duration(iv.Max) * time.Second }

// ValidateIntervals enforces the global interval bounds. A zero value is
// accepted (caller applies defaults).
func ValidateIntervals(path string, iv Intervals) error {
	if iv.Min == 0 && iv.Max == 0 {
		return nil
	}
	if iv.Min < IntervalFloorSec || iv.Max > IntervalCeilSec {
		return fmt.Errorf("%s: intervals must be within [%d,%d] seconds", path, IntervalFloorSec, IntervalCeilSec)
	}
	if iv.Min > iv.Max {
		return fmt.Errorf("%s: min must be <= max", path)
	}
	return nil
}

// Validate checks cross-field constraints. It is installed as the watch
// validator so bad edits never reach subscribers.
func (c *Config) Validate() error {
	if err := ValidateIntervals("queue.intervals", c.Queue.Intervals); err != nil {
		return err
	}
	if err := ValidateIntervals("campaign.intervals", c.Campaign.Intervals); err != nil {
		return err
	}
	if d, err := FieldDuration("sessions.challenge_timeout", c.Sessions.ChallengeTimeout, 0); err != nil {
		return err
	} else if d != 0 && d < 10*time.Second {
		return fmt.Errorf("sessions.challenge_timeout: must be at least 10s")
	}
	for _, field := range []struct{ path, raw string }{
		{"sessions.reconnect_backoff", c.Sessions.ReconnectBackoff},
		{"sessions.conflict_backoff", c.Sessions.ConflictBackoff},
		{"queue.item_pause", c.Queue.ItemPause},
		{"campaign.group_cache_ttl", c.Campaign.GroupCacheTTL},
	} {
		if _, err := FieldDuration(field.path, field.raw, 0); err != nil {
			return err
		}
	}
	for name, rule := range c.GC {
		if _, err := FieldDuration("gc."+name+".ttl", rule.TTL, 0); err != nil {
			return err
		}
		if _, err := FieldDuration("gc."+name+".check_interval", rule.CheckInterval, 0); err != nil {
			return err
		}
	}
	if c.Notifier != nil {
		if c.Notifier.Enabled && (c.Notifier.Token == "" || c.Notifier.ChatID == 0) {
			return fmt.Errorf("notifier: token and chat_id are required when enabled")
		}
		if _, err := FieldDuration("notifier.dedup_window", c.Notifier.DedupWindow, 0); err != nil {
			return err
		}
	}
	if c.Storage != nil {
		switch strings.ToLower(strings.TrimSpace(c.Storage.Driver)) {
		case "", "none", "file", "sqlite", "sqlite3":
		default:
			return fmt.Errorf("storage.driver: unknown driver %q", c.Storage.Driver)
		}
		if _, err := FieldDuration("storage.busy_timeout", c.Storage.BusyTimeout, 0); err != nil {
			return err
		}
	}
	return nil
}
