package session

import (
	"errors"
	"sync"
	"time"

	"groupcast/internal/provider"
)

type Status string

const (
	StatusInactive          Status = "inactive"
	StatusAwaitingChallenge Status = "awaiting_challenge"
	StatusSyncing           Status = "syncing"
	StatusActive            Status = "active"
	StatusError             Status = "error"
)

var statusText = map[Status]string{
	StatusInactive:          "disconnected",
	StatusAwaitingChallenge: "waiting for challenge confirmation",
	StatusSyncing:           "connecting",
	StatusActive:            "connected and ready",
	StatusError:             "failed",
}

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionExists   = errors.New("session already exists")
)

// StatusEvent is the payload of eventbus.TypeSessionStatus.
type StatusEvent struct {
	Name       string `json:"name"`
	Status     Status `json:"status"`
	StatusText string `json:"status_text"`
}

// ChallengeEvent is the payload of eventbus.TypeChallengeTick. Payload is
// set on the first tick after a fresh challenge so the presentation layer
// can (re)render it; later ticks only carry the countdown.
type ChallengeEvent struct {
	Name      string `json:"name"`
	Payload   string `json:"payload,omitempty"`
	Remaining int    `json:"remaining_sec"`
	Expired   bool   `json:"expired,omitempty"`
}

type Config struct {
	// Dir is the sessions directory (one credential dir per session).
	Dir string

	// ChallengeTimeout bounds a pending challenge. Default 60s.
	ChallengeTimeout time.Duration

	// ReconnectBackoff is the base delay after an unexpected disconnect;
	// the actual delay is jittered up to twice the base. Default 5s.
	ReconnectBackoff time.Duration

	// ConflictBackoff applies when the same identity is live elsewhere;
	// substantially longer to avoid two ends thrashing. Default 30s.
	ConflictBackoff time.Duration

	// DefaultIntervals seed each session's pacing policy (seconds).
	DefaultIntervalMin time.Duration
	DefaultIntervalMax time.Duration
}

func (c Config) withDefaults() Config {
	if c.ChallengeTimeout <= 0 {
		c.ChallengeTimeout = 60 * time.Second
	}
	if c.ReconnectBackoff <= 0 {
		c.ReconnectBackoff = 5 * time.Second
	}
	if c.ConflictBackoff <= 0 {
		c.ConflictBackoff = 30 * time.Second
	}
	if c.DefaultIntervalMin <= 0 {
		c.DefaultIntervalMin = 5 * time.Second
	}
	if c.DefaultIntervalMax < c.DefaultIntervalMin {
		c.DefaultIntervalMax = 30 * time.Second
	}
	return c
}

// ConnectOptions mirror the two caller intents: create a brand new session
// (issuing a challenge) vs. re-activate an existing one.
type ConnectOptions struct {
	// CreateIfMissing allows connecting a name with no stored credential.
	CreateIfMissing bool
	// ForceNewChallenge discards the stored credential so the adapter must
	// issue a fresh challenge.
	ForceNewChallenge bool
}

// Info is a read-only snapshot of one session.
type Info struct {
	Name            string    `json:"name"`
	Status          Status    `json:"status"`
	StatusText      string    `json:"status_text"`
	StatusChangedAt time.Time `json:"status_changed_at"`
	IntervalMinSec  int       `json:"interval_min_sec"`
	IntervalMaxSec  int       `json:"interval_max_sec"`
}

// session is the per-name mutable state. All fields below mu are guarded by
// it; gen invalidates event pumps and timers that belong to a torn-down
// connection attempt.
type session struct {
	name string

	mu              sync.Mutex
	gen             uint64
	status          Status
	statusChangedAt time.Time
	conn            provider.Conn
	challenge       *challengeTimer
	reconnect       *time.Timer
	createdByAttempt bool

	intervalMin time.Duration
	intervalMax time.Duration
}
