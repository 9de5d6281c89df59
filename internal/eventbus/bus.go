package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Well-known event types. Payloads are defined by the publishing package;
// subscribers type-assert on Data.
const (
	TypeSessionStatus     = "session.status"
	TypeChallengeTick     = "challenge.tick"
	TypeQueueUpdate       = "queue.update"
	TypeJoinResult        = "join.result"
	TypeLinkDiscovered    = "link.discovered"
	TypeCampaignUpdate    = "campaign.update"
	TypeScheduleCancelled = "schedule.cancelled"
	TypeLogNotice         = "log.notice"
)

// Event is a lightweight, in-memory signal used to decouple the engines from
// whatever presentation layer is attached (bot UI, web UI, log forwarder).
//
// Contract:
//   - Publish MUST be non-blocking.
//   - Slow subscribers lose events rather than stall publishers.
//
// Data should be small and ideally JSON-serializable.
type Event struct {
	Type string
	Time time.Time
	Data any
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns an in-memory fanout bus. It owns no background goroutines.
func New() Bus {
	return &memBus{subs: map[uint64]*subscriber{}}
}

type subscriber struct {
	mu     sync.Mutex
	ch     chan Event
	closed bool
}

func (s *subscriber) deliver(e Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- e:
	default:
		// Subscriber is behind; drop rather than block the publisher.
	}
}

func (s *subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

type memBus struct {
	mu   sync.RWMutex
	subs map[uint64]*subscriber
	seq  atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	// Snapshot so Publish never holds the registry lock while sending.
	b.mu.RLock()
	snap := make([]*subscriber, 0, len(b.subs))
	for _, s := range b.subs {
		snap = append(snap, s)
	}
	b.mu.RUnlock()

	for _, s := range snap {
		s.deliver(e)
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	s := &subscriber{ch: make(chan Event, buffer)}
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = s
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			s.close()
		})
	}
	return s.ch, unsub
}
