// Package broadcast runs message campaigns against a session's group list,
// paced by per-session jitter and a global send budget.
package broadcast

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"groupcast/internal/eventbus"
	"groupcast/internal/provider"
	"groupcast/pkg/logx"
)

type groupCache struct {
	groups    []provider.Group
	fetchedAt time.Time
}

type Engine struct {
	cfg      Config
	sessions Sessions
	bus      eventbus.Bus
	log      logx.Logger
	limiter  *rate.Limiter
	rng      *rand.Rand

	mu        sync.Mutex
	campaigns map[string]*campaign
	running   map[string]string // session -> campaign id
	groups    map[string]groupCache
	schedules map[string]*schedule
	stopped   bool

	wg sync.WaitGroup
}

func New(cfg Config, sessions Sessions, bus eventbus.Bus, log logx.Logger) *Engine {
	cfg = cfg.withDefaults()
	return &Engine{
		cfg:       cfg,
		sessions:  sessions,
		bus:       bus,
		log:       log,
		limiter:   rate.NewLimiter(rate.Limit(cfg.RatePerMinute/60), 1),
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
		campaigns: make(map[string]*campaign),
		running:   make(map[string]string),
		groups:    make(map[string]groupCache),
		schedules: make(map[string]*schedule),
	}
}

// Groups returns the session's group list, refetching when the cache is
// stale or refresh is forced.
func (e *Engine) Groups(ctx context.Context, session string, refresh bool) ([]provider.Group, error) {
	e.mu.Lock()
	cached, ok := e.groups[session]
	ttl := e.cfg.GroupCacheTTL
	e.mu.Unlock()
	if ok && !refresh && time.Since(cached.fetchedAt) < ttl {
		return cached.groups, nil
	}

	conn, ok := e.sessions.Conn(session)
	if !ok || !e.sessions.IsActive(session) {
		return nil, ErrSessionNotActive
	}
	groups, err := conn.FetchGroups(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch groups: %w", err)
	}
	e.mu.Lock()
	e.groups[session] = groupCache{groups: groups, fetchedAt: time.Now()}
	e.mu.Unlock()
	return groups, nil
}

// InvalidateGroups drops the cached list for a session. Wired as a registry
// cleanup hook.
func (e *Engine) InvalidateGroups(session string) {
	e.mu.Lock()
	delete(e.groups, session)
	e.mu.Unlock()
}

// Start launches a campaign sending msg to the given targets, or to every
// group of the session when targets is nil. A zero policy falls back to the
// engine default and then to the session's pacing. One campaign runs per
// session at a time.
func (e *Engine) Start(ctx context.Context, session string, msg provider.Message, policy IntervalPolicy, targets []provider.Group) (Snapshot, error) {
	if !e.sessions.IsActive(session) {
		return Snapshot{}, ErrSessionNotActive
	}
	if targets == nil {
		var err error
		targets, err = e.Groups(ctx, session, false)
		if err != nil {
			return Snapshot{}, err
		}
	}
	if len(targets) == 0 {
		return Snapshot{}, ErrNoTargets
	}
	if policy.isZero() {
		policy = e.cfg.DefaultIntervals
	}

	c := &campaign{
		id:        uuid.NewString(),
		session:   session,
		msg:       msg,
		policy:    policy,
		targets:   targets,
		status:    StatusRunning,
		startedAt: time.Now(),
		stopCh:    make(chan struct{}),
	}

	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return Snapshot{}, context.Canceled
	}
	if id, busy := e.running[session]; busy {
		e.mu.Unlock()
		return Snapshot{}, fmt.Errorf("%w: %s", ErrCampaignRunning, id)
	}
	e.running[session] = c.id
	e.campaigns[c.id] = c
	e.wg.Add(1)
	e.mu.Unlock()

	e.log.Info("campaign started",
		logx.String("campaign", c.id),
		logx.String("session", session),
		logx.Int("targets", len(targets)))
	go e.dispatch(c)
	return c.snapshot(), nil
}

// Stop requests a cooperative stop; the in-flight send finishes first.
func (e *Engine) Stop(id string) error {
	e.mu.Lock()
	c, ok := e.campaigns[id]
	e.mu.Unlock()
	if !ok {
		return ErrCampaignNotFound
	}
	c.stopOnce.Do(func() { close(c.stopCh) })
	return nil
}

// StopSession stops whatever campaign is running for the session.
func (e *Engine) StopSession(session string) {
	e.mu.Lock()
	id, ok := e.running[session]
	e.mu.Unlock()
	if ok {
		_ = e.Stop(id)
	}
}

func (e *Engine) Get(id string) (Snapshot, error) {
	e.mu.Lock()
	c, ok := e.campaigns[id]
	e.mu.Unlock()
	if !ok {
		return Snapshot{}, ErrCampaignNotFound
	}
	return c.snapshot(), nil
}

// Detail returns the full per-group outcome log for a finished or running
// campaign.
func (e *Engine) Detail(id string) ([]SendOutcome, error) {
	e.mu.Lock()
	c, ok := e.campaigns[id]
	e.mu.Unlock()
	if !ok {
		return nil, ErrCampaignNotFound
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]SendOutcome(nil), c.detail...), nil
}

func (e *Engine) List() []Snapshot {
	e.mu.Lock()
	out := make([]Snapshot, 0, len(e.campaigns))
	for _, c := range e.campaigns {
		out = append(out, c.snapshot())
	}
	e.mu.Unlock()
	return out
}

// Shutdown stops every running campaign and pending schedule, then waits.
func (e *Engine) Shutdown() {
	e.mu.Lock()
	e.stopped = true
	for _, c := range e.campaigns {
		c.stopOnce.Do(func() { close(c.stopCh) })
	}
	for _, s := range e.schedules {
		s.timer.Stop()
	}
	e.schedules = make(map[string]*schedule)
	e.mu.Unlock()
	e.wg.Wait()
}

func (c *campaign) snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Snapshot{
		ID:          c.id,
		Session:     c.session,
		Status:      c.status,
		Total:       len(c.targets),
		Sent:        c.sent,
		Failed:      c.failed,
		StartedAt:   c.startedAt,
		CompletedAt: c.completedAt,
		Recent:      append([]SendOutcome(nil), c.recent...),
	}
}
