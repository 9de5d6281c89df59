package session

import (
	"os"
	"sync"
	"time"

	"groupcast/internal/eventbus"
	"groupcast/pkg/logx"
)

// challengeTimer tracks one pending authentication challenge. The timeout is
// a wall-clock deadline anchored at the first challenge of the attempt, not
// an idle timeout; fresh payloads (e.g. a rotated QR) do not extend it.
type challengeTimer struct {
	payload   string // guarded by the owning session's mu
	startedAt time.Time
	deadline  time.Time

	cancel   chan struct{}
	stopOnce sync.Once
}

func (ct *challengeTimer) stop() {
	ct.stopOnce.Do(func() { close(ct.cancel) })
}

func (r *Registry) armChallengeLocked(s *session, gen uint64, payload string) {
	if ct := s.challenge; ct != nil {
		ct.payload = payload
		r.publishTick(s.name, payload, ct.deadline)
		return
	}
	now := time.Now()
	ct := &challengeTimer{
		payload:   payload,
		startedAt: now,
		deadline:  now.Add(r.cfg.ChallengeTimeout),
		cancel:    make(chan struct{}),
	}
	s.challenge = ct
	r.publishTick(s.name, payload, ct.deadline)
	go r.runChallenge(s, ct, gen)
}

func (r *Registry) stopChallengeLocked(s *session) {
	if s.challenge != nil {
		s.challenge.stop()
		s.challenge = nil
	}
}

func (r *Registry) runChallenge(s *session, ct *challengeTimer, gen uint64) {
	tick := time.NewTicker(time.Second)
	defer tick.Stop()
	expire := time.NewTimer(time.Until(ct.deadline))
	defer expire.Stop()

	for {
		select {
		case <-ct.cancel:
			return
		case <-tick.C:
			s.mu.Lock()
			stale := s.challenge != ct || s.gen != gen
			payload := ct.payload
			s.mu.Unlock()
			if stale {
				return
			}
			r.publishTick(s.name, payload, ct.deadline)
		case <-expire.C:
			r.challengeExpired(s, gen)
			return
		}
	}
}

// challengeExpired cancels the connection attempt and, when this attempt
// created the session, removes its partial on-disk state.
func (r *Registry) challengeExpired(s *session, gen uint64) {
	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return
	}
	conn := r.teardownLocked(s)
	created := s.createdByAttempt
	s.createdByAttempt = false
	r.setStatusLocked(s, StatusInactive)
	s.mu.Unlock()

	if conn != nil {
		conn.Disconnect()
	}
	if created {
		if dir, err := SafePath(r.cfg.Dir, s.name); err == nil {
			_ = os.RemoveAll(dir)
		}
		r.mu.Lock()
		delete(r.sessions, s.name)
		r.mu.Unlock()
	}

	r.log.Info("challenge timed out", logx.String("session", s.name), logx.Bool("removed", created))
	if r.bus != nil {
		r.bus.Publish(eventbus.Event{
			Type: eventbus.TypeChallengeTick,
			Data: ChallengeEvent{Name: s.name, Expired: true},
		})
	}
}

func (r *Registry) publishTick(name, payload string, deadline time.Time) {
	if r.bus == nil {
		return
	}
	rem := int(time.Until(deadline).Round(time.Second) / time.Second)
	if rem < 0 {
		rem = 0
	}
	r.bus.Publish(eventbus.Event{
		Type: eventbus.TypeChallengeTick,
		Data: ChallengeEvent{Name: name, Payload: payload, Remaining: rem},
	})
}

// ---- GC table hooks ----

// ForEachChallenge iterates pending challenge timers for the GC sweep. A
// timer still inside its deadline is protected; anything older is a leak
// (its goroutine died) and may be evicted.
func (r *Registry) ForEachChallenge(fn func(key string, ts time.Time, protected bool)) {
	for _, s := range r.snapshot() {
		s.mu.Lock()
		ct := s.challenge
		if ct != nil {
			fn(s.name, ct.startedAt, time.Now().Before(ct.deadline))
		}
		s.mu.Unlock()
	}
}

// EvictChallenge cancels the timer first, then applies the same teardown as
// a natural expiry, so no dangling callback survives the eviction.
func (r *Registry) EvictChallenge(name string) {
	s, ok := r.lookup(name)
	if !ok {
		return
	}
	s.mu.Lock()
	if s.challenge == nil {
		s.mu.Unlock()
		return
	}
	gen := s.gen
	s.mu.Unlock()
	r.challengeExpired(s, gen)
}

// ForEachIdle iterates sessions for the stale-entry sweep: disconnected
// sessions whose registry entry hasn't changed state recently. Connected or
// connecting sessions are protected.
func (r *Registry) ForEachIdle(fn func(key string, ts time.Time, protected bool)) {
	for _, s := range r.snapshot() {
		s.mu.Lock()
		busy := s.conn != nil || s.challenge != nil ||
			(s.status != StatusInactive && s.status != StatusError)
		fn(s.name, s.statusChangedAt, busy)
		s.mu.Unlock()
	}
}

// EvictIdle drops the in-memory entry only; the credential directory stays,
// so the session can still be connected again later.
func (r *Registry) EvictIdle(name string) {
	s, ok := r.lookup(name)
	if !ok {
		return
	}
	s.mu.Lock()
	busy := s.conn != nil || s.challenge != nil ||
		(s.status != StatusInactive && s.status != StatusError)
	s.mu.Unlock()
	if busy {
		return
	}
	r.mu.Lock()
	delete(r.sessions, name)
	r.mu.Unlock()
}

func (r *Registry) snapshot() []*session {
	r.mu.Lock()
	defer r.mu.Unlock()
	all := make([]*session, 0, len(r.sessions))
	for _, s := range r.sessions {
		all = append(all, s)
	}
	return all
}
