package broadcast

import (
	"errors"
	"sync"
	"time"

	"groupcast/internal/provider"
)

// Sessions is the view of the session registry the engine needs.
type Sessions interface {
	IsActive(name string) bool
	Conn(name string) (provider.Conn, bool)
	Intervals(name string) (min, max time.Duration)
}

type Config struct {
	// GroupCacheTTL bounds how long a fetched group list is reused
	// before FetchGroups is called again.
	GroupCacheTTL time.Duration
	// RatePerMinute caps sends across all campaigns combined.
	RatePerMinute float64
	// RecentResults is the size of the per-campaign recent outcome ring.
	RecentResults int
	// DefaultIntervals is applied to campaigns started without their own
	// policy. Zero falls through to the session's pacing.
	DefaultIntervals IntervalPolicy
}

// IntervalPolicy is the jittered inter-send pacing a campaign carries. The
// zero value defers to the owning session's intervals.
type IntervalPolicy struct {
	Min time.Duration
	Max time.Duration
}

func (p IntervalPolicy) isZero() bool { return p.Min == 0 && p.Max == 0 }

func (c Config) withDefaults() Config {
	if c.GroupCacheTTL <= 0 {
		c.GroupCacheTTL = 2 * time.Minute
	}
	if c.RatePerMinute <= 0 {
		c.RatePerMinute = 20
	}
	if c.RecentResults <= 0 {
		c.RecentResults = 5
	}
	return c
}

type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusStopped   Status = "stopped"
	StatusError     Status = "error"
)

// SendOutcome records one delivery attempt within a campaign.
type SendOutcome struct {
	GroupID   string    `json:"group_id"`
	GroupName string    `json:"group_name"`
	OK        bool      `json:"ok"`
	Err       string    `json:"err,omitempty"`
	ElapsedMS int64     `json:"elapsed_ms"`
	At        time.Time `json:"at"`
}

type campaign struct {
	id      string
	session string
	msg     provider.Message
	policy  IntervalPolicy
	targets []provider.Group

	mu          sync.Mutex
	status      Status
	sent        int
	failed      int
	startedAt   time.Time
	completedAt time.Time
	recent      []SendOutcome
	detail      []SendOutcome

	stopOnce sync.Once
	stopCh   chan struct{}
}

// Snapshot is the externally visible state of a campaign.
type Snapshot struct {
	ID          string        `json:"id"`
	Session     string        `json:"session"`
	Status      Status        `json:"status"`
	Total       int           `json:"total"`
	Sent        int           `json:"sent"`
	Failed      int           `json:"failed"`
	StartedAt   time.Time     `json:"started_at"`
	CompletedAt time.Time     `json:"completed_at,omitzero"`
	Recent      []SendOutcome `json:"recent,omitempty"`
}

// Progress is published on eventbus.TypeCampaignUpdate.
type Progress struct {
	ID      string
	Session string
	Status  Status
	Total   int
	Sent    int
	Failed  int
	Last    *SendOutcome
}

// ScheduleInfo describes a pending scheduled campaign.
type ScheduleInfo struct {
	ID        string    `json:"id"`
	Session   string    `json:"session"`
	FireAt    time.Time `json:"fire_at"`
	CreatedAt time.Time `json:"created_at"`
}

// ScheduleCancelled is published on eventbus.TypeScheduleCancelled.
type ScheduleCancelled struct {
	ID      string
	Session string
	Reason  string
}

var (
	ErrSessionNotActive = errors.New("session is not active")
	ErrNoTargets        = errors.New("no target groups")
	ErrCampaignRunning  = errors.New("campaign already running for session")
	ErrCampaignNotFound = errors.New("campaign not found")
	ErrScheduleNotFound = errors.New("schedule not found")
	ErrPastSchedule     = errors.New("schedule time is in the past")
)
