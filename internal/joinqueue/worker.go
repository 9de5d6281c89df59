package joinqueue

import (
	"context"
	"time"

	"groupcast/internal/eventbus"
	"groupcast/internal/metrics"
	"groupcast/internal/provider"
	"groupcast/pkg/logx"
)

// run drains one session's queue. The entry at the head stays in place
// across transient retries so ordering is preserved.
func (e *Engine) run(session string) {
	defer e.wg.Done()
	for {
		e.mu.Lock()
		if e.stopped || len(e.queues[session]) == 0 {
			e.processing[session] = false
			e.mu.Unlock()
			return
		}
		entry := e.queues[session][0]
		e.mu.Unlock()

		// Pacing happens before the attempt; a session that went
		// inactive during the wait parks its queue untouched.
		e.sleep(e.interval(session))
		if e.isStopped() {
			e.finish(session)
			return
		}
		conn, ok := e.sessions.Conn(session)
		if !ok || !e.sessions.IsActive(session) {
			e.finish(session)
			return
		}

		entry.Attempts++
		err := conn.JoinGroup(context.Background(), entry.Link.Identifier)
		switch {
		case err == nil:
			e.settle(session, entry, true, nil)
		case provider.Terminal(err):
			e.settle(session, entry, false, err)
		case entry.Attempts >= e.cfg.MaxAttempts:
			e.settle(session, entry, false, err)
		default:
			if m := metrics.Global(); m != nil {
				m.JoinsTotal.WithLabelValues("transient").Inc()
			}
			e.log.Warn("join attempt failed, retrying",
				logx.String("session", session),
				logx.String("link", entry.Link.Canonical),
				logx.Int("attempt", entry.Attempts),
				logx.Err(err))
		}

		e.sleep(e.cfg.ItemPause)
	}
}

// settle removes the head entry and records the outcome. Joined links and
// terminally bad links are memoized so future enqueues short-circuit; a link
// that merely exhausted its transient retries is dropped without memoization
// and may be enqueued again later.
func (e *Engine) settle(session string, entry *Entry, ok bool, err error) {
	now := time.Now()
	terminal := provider.Terminal(err)
	// Being a participant already is still an outcome worth remembering
	// as joined, not as a bad link.
	asJoined := ok || provider.TerminalCategoryOf(err) == provider.AlreadyParticipant

	e.mu.Lock()
	if q := e.queues[session]; len(q) > 0 && q[0] == entry {
		e.queues[session] = q[1:]
		if len(e.queues[session]) == 0 {
			delete(e.queues, session)
		}
	}
	switch {
	case asJoined:
		e.joined[entry.Link.Canonical] = now
	case terminal:
		e.bad[entry.Link.Canonical] = now
	}
	depth := len(e.queues[session])
	e.mu.Unlock()

	res := JoinResult{
		Session:  session,
		Link:     entry.Link.Canonical,
		OK:       ok,
		Attempts: entry.Attempts,
	}
	status := "joined"
	metric := "joined"
	if !asJoined {
		res.Err = err.Error()
		if terminal {
			res.Terminal = true
			res.Category = provider.TerminalCategoryOf(err)
			status = "blacklisted"
			metric = "terminal"
		} else {
			status = "dropped"
			metric = "dropped"
		}
	}
	e.audit(entry.Link, session, status)
	if m := metrics.Global(); m != nil {
		m.JoinsTotal.WithLabelValues(metric).Inc()
		m.QueueDepth.WithLabelValues(session).Set(float64(depth))
	}
	if e.bus != nil {
		e.bus.Publish(eventbus.Event{Type: eventbus.TypeJoinResult, Time: now, Data: res})
	}
	if ok {
		e.log.Info("group joined",
			logx.String("session", session),
			logx.String("link", entry.Link.Canonical),
			logx.Int("attempts", entry.Attempts))
	} else {
		e.log.Warn("join failed",
			logx.String("session", session),
			logx.String("link", entry.Link.Canonical),
			logx.Bool("terminal", res.Terminal),
			logx.Err(err))
	}
}

func (e *Engine) finish(session string) {
	e.mu.Lock()
	e.processing[session] = false
	e.mu.Unlock()
}

func (e *Engine) interval(session string) time.Duration {
	min, max := e.sessions.Intervals(session)
	if max <= min {
		return min
	}
	e.mu.Lock()
	d := min + time.Duration(e.rng.Int63n(int64(max-min)))
	e.mu.Unlock()
	return d
}

// sleep waits for d or until the engine stops, whichever comes first, so
// Stop never blocks on a production-scale pacing interval.
func (e *Engine) sleep(d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-e.stopCh:
	}
}

func (e *Engine) isStopped() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stopped
}
