package joinqueue

import "time"

// Collector hooks. Blacklisted and joined links age out so a group can be
// retried after its record expires; queued entries age out too, except the
// head of an actively processing queue.

func (e *Engine) ForEachBad(fn func(key string, ts time.Time, protected bool)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for k, ts := range e.bad {
		fn(k, ts, false)
	}
}

func (e *Engine) EvictBad(key string) {
	e.mu.Lock()
	delete(e.bad, key)
	e.mu.Unlock()
}

func (e *Engine) ForEachJoined(fn func(key string, ts time.Time, protected bool)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for k, ts := range e.joined {
		fn(k, ts, false)
	}
}

func (e *Engine) EvictJoined(key string) {
	e.mu.Lock()
	delete(e.joined, key)
	e.mu.Unlock()
}

// ForEachQueued keys entries as "<session>\n<canonical>".
func (e *Engine) ForEachQueued(fn func(key string, ts time.Time, protected bool)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for session, q := range e.queues {
		for i, en := range q {
			protected := i == 0 && e.processing[session]
			fn(session+"\n"+en.Link.Canonical, en.AddedAt, protected)
		}
	}
}

func (e *Engine) EvictQueued(key string) {
	session, canonical, ok := splitKey(key)
	if !ok {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	q := e.queues[session]
	for i, en := range q {
		if en.Link.Canonical == canonical {
			if i == 0 && e.processing[session] {
				return
			}
			e.queues[session] = append(q[:i:i], q[i+1:]...)
			if len(e.queues[session]) == 0 {
				delete(e.queues, session)
			}
			return
		}
	}
}

func splitKey(key string) (session, canonical string, ok bool) {
	for i := 0; i < len(key); i++ {
		if key[i] == '\n' {
			return key[:i], key[i+1:], true
		}
	}
	return "", "", false
}
