package joinqueue

import (
	"errors"
	"time"

	"groupcast/internal/provider"
)

// Sessions is the view of the session registry the queue engine needs.
type Sessions interface {
	IsActive(name string) bool
	Conn(name string) (provider.Conn, bool)
	Intervals(name string) (min, max time.Duration)
}

// Config tunes the engine. Zero values pick sane defaults.
type Config struct {
	// ItemPause is the fixed settle delay after each join attempt,
	// applied in addition to the per-session jittered interval.
	ItemPause time.Duration
	// MaxAttempts bounds retries for transient join failures.
	MaxAttempts int
}

func (c Config) withDefaults() Config {
	if c.ItemPause <= 0 {
		c.ItemPause = 2 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	return c
}

type EnqueueResult string

const (
	ResultQueued    EnqueueResult = "queued"
	ResultDuplicate EnqueueResult = "duplicate"
	ResultJoined    EnqueueResult = "already_joined"
	ResultBad       EnqueueResult = "blacklisted"
)

// Entry is a queued join task.
type Entry struct {
	Link     Link
	Session  string
	AddedAt  time.Time
	Attempts int
}

// Discovery is the payload of eventbus.TypeLinkDiscovered: free-form text
// seen on behalf of a session that may contain group links.
type Discovery struct {
	Session string
	Text    string
}

// QueueEvent is published on eventbus.TypeQueueUpdate.
type QueueEvent struct {
	Session string
	Link    string
	Result  EnqueueResult
	Depth   int
	// EstWait is a rough upper bound until this entry is processed,
	// computed from the session's max interval and queue position.
	EstWait time.Duration
}

// JoinResult is published on eventbus.TypeJoinResult after each attempt
// concludes (success, terminal failure, or retries exhausted).
type JoinResult struct {
	Session  string
	Link     string
	OK       bool
	Terminal bool
	Category provider.TerminalCategory
	Err      string
	Attempts int
}

var ErrSessionUnknown = errors.New("unknown session")
