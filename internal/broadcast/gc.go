package broadcast

import "time"

// Collector hooks. Finished campaigns age out from completion time; running
// ones are protected. Schedules are protected until they fire.

func (e *Engine) ForEachCampaign(fn func(key string, ts time.Time, protected bool)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for id, c := range e.campaigns {
		c.mu.Lock()
		ts := c.completedAt
		running := c.status == StatusRunning
		if running {
			ts = c.startedAt
		}
		c.mu.Unlock()
		fn(id, ts, running)
	}
}

func (e *Engine) EvictCampaign(key string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if c, ok := e.campaigns[key]; ok {
		c.mu.Lock()
		running := c.status == StatusRunning
		c.mu.Unlock()
		if !running {
			delete(e.campaigns, key)
		}
	}
}

func (e *Engine) ForEachSchedule(fn func(key string, ts time.Time, protected bool)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	now := time.Now()
	for id, s := range e.schedules {
		fn(id, s.createdAt, s.fireAt.After(now))
	}
}

func (e *Engine) EvictSchedule(key string) {
	e.mu.Lock()
	s, ok := e.schedules[key]
	if ok && !s.fireAt.After(time.Now()) {
		s.timer.Stop()
		delete(e.schedules, key)
	} else {
		ok = false
	}
	e.mu.Unlock()
	if ok {
		e.publishCancelled(s, "expired")
	}
}

// ForEachGroupCache ages out stale group lists.
func (e *Engine) ForEachGroupCache(fn func(key string, ts time.Time, protected bool)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for session, gc := range e.groups {
		fn(session, gc.fetchedAt, false)
	}
}

func (e *Engine) EvictGroupCache(key string) {
	e.mu.Lock()
	delete(e.groups, key)
	e.mu.Unlock()
}
