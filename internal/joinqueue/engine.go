// Package joinqueue implements per-session, rate-limited group join queues
// with global dedupe across blacklisted and already-joined links.
package joinqueue

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"groupcast/internal/eventbus"
	"groupcast/internal/metrics"
	"groupcast/internal/storage"
	"groupcast/pkg/logx"
)

// Engine runs one rate-limited join worker per session. Entries are
// processed strictly in arrival order; a session's worker only runs while
// the session is active and its queue is non-empty.
type Engine struct {
	cfg      Config
	sessions Sessions
	bus      eventbus.Bus
	store    storage.Store
	log      logx.Logger
	rng      *rand.Rand

	mu         sync.Mutex
	queues     map[string][]*Entry
	processing map[string]bool
	bad        map[string]time.Time
	joined     map[string]time.Time
	stopped    bool

	stopCh chan struct{}
	wg     sync.WaitGroup
}

func New(cfg Config, sessions Sessions, bus eventbus.Bus, store storage.Store, log logx.Logger) *Engine {
	return &Engine{
		cfg:        cfg.withDefaults(),
		sessions:   sessions,
		bus:        bus,
		store:      store,
		log:        log,
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
		queues:     make(map[string][]*Entry),
		processing: make(map[string]bool),
		bad:        make(map[string]time.Time),
		joined:     make(map[string]time.Time),
		stopCh:     make(chan struct{}),
	}
}

// Enqueue normalizes raw and appends it to the session's queue unless the
// link is blacklisted, already joined, or already pending for that session.
func (e *Engine) Enqueue(session, raw string) (EnqueueResult, error) {
	link, err := Normalize(raw)
	if err != nil {
		return "", err
	}

	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return "", context.Canceled
	}
	if _, ok := e.bad[link.Canonical]; ok {
		e.mu.Unlock()
		e.publish(session, link.Canonical, ResultBad, 0, 0)
		return ResultBad, nil
	}
	if _, ok := e.joined[link.Canonical]; ok {
		e.mu.Unlock()
		e.publish(session, link.Canonical, ResultJoined, 0, 0)
		return ResultJoined, nil
	}
	for _, pending := range e.queues[session] {
		if pending.Link.Canonical == link.Canonical {
			e.mu.Unlock()
			e.publish(session, link.Canonical, ResultDuplicate, 0, 0)
			return ResultDuplicate, nil
		}
	}

	e.queues[session] = append(e.queues[session], &Entry{
		Link:    link,
		Session: session,
		AddedAt: time.Now(),
	})
	depth := len(e.queues[session])
	e.maybeStartLocked(session)
	e.mu.Unlock()

	// First in line gets one concrete jitter draw; deeper positions get
	// position times the mean interval.
	var est time.Duration
	if depth == 1 {
		est = e.interval(session)
	} else {
		minIv, maxIv := e.sessions.Intervals(session)
		est = time.Duration(depth) * (minIv + maxIv) / 2
	}
	e.audit(link, session, "queued")
	if m := metrics.Global(); m != nil {
		m.QueueDepth.WithLabelValues(session).Set(float64(depth))
	}
	e.publish(session, link.Canonical, ResultQueued, depth, est)
	e.log.Debug("link queued",
		logx.String("session", session),
		logx.String("link", link.Canonical),
		logx.Int("depth", depth))
	return ResultQueued, nil
}

// Kick wakes the session's worker if it has pending entries. Called when a
// session transitions to active.
func (e *Engine) Kick(session string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return
	}
	e.maybeStartLocked(session)
}

// maybeStartLocked launches the per-session worker when the session is
// active, has work, and no worker is already running.
func (e *Engine) maybeStartLocked(session string) {
	if e.processing[session] || len(e.queues[session]) == 0 {
		return
	}
	if !e.sessions.IsActive(session) {
		return
	}
	e.processing[session] = true
	e.wg.Add(1)
	go e.run(session)
}

// Clear drops a session's pending queue. Wired as a registry cleanup hook
// so deleted sessions leave no orphaned work behind.
func (e *Engine) Clear(session string) {
	e.mu.Lock()
	n := len(e.queues[session])
	delete(e.queues, session)
	e.mu.Unlock()
	if n > 0 {
		e.log.Info("queue cleared", logx.String("session", session), logx.Int("dropped", n))
	}
	if m := metrics.Global(); m != nil {
		m.QueueDepth.WithLabelValues(session).Set(0)
	}
}

// Depth reports pending entries for the session.
func (e *Engine) Depth(session string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.queues[session])
}

// Snapshot returns a copy of every pending entry, keyed by session.
func (e *Engine) Snapshot() map[string][]Entry {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string][]Entry, len(e.queues))
	for name, q := range e.queues {
		items := make([]Entry, len(q))
		for i, en := range q {
			items[i] = *en
		}
		out[name] = items
	}
	return out
}

// Stop prevents new workers from starting, wakes any worker waiting out a
// pacing interval, and waits for in-flight join attempts to finish.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.stopped {
		e.stopped = true
		close(e.stopCh)
	}
	e.mu.Unlock()
	e.wg.Wait()
}

func (e *Engine) publish(session, link string, res EnqueueResult, depth int, est time.Duration) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(eventbus.Event{
		Type: eventbus.TypeQueueUpdate,
		Time: time.Now(),
		Data: QueueEvent{Session: session, Link: link, Result: res, Depth: depth, EstWait: est},
	})
}

func (e *Engine) audit(link Link, session, status string) {
	if e.store == nil {
		return
	}
	err := e.store.AppendLink(context.Background(), storage.LinkRecord{
		URL:     link.Canonical,
		Kind:    string(link.Kind),
		Session: session,
		Status:  status,
		AddedAt: time.Now(),
	})
	if err != nil {
		e.log.Warn("link audit write failed", logx.Err(err))
	}
}
