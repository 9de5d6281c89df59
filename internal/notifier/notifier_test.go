package notifier

import (
	"errors"
	"sync"
	"testing"
	"time"

	"groupcast/internal/broadcast"
	"groupcast/internal/eventbus"
	"groupcast/pkg/logx"
)

type memSender struct {
	mu   sync.Mutex
	sent []string
	err  error
}

func (m *memSender) Send(text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.sent = append(m.sent, text)
	return nil
}

func (m *memSender) all() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.sent...)
}

func newTestNotifier(t *testing.T, cfg Config, sender Sender) (*Service, eventbus.Bus) {
	t.Helper()
	cfg.Enabled = true
	if cfg.RatePerSec == 0 {
		cfg.RatePerSec = 10000
	}
	bus := eventbus.New()
	s := NewWithSender(cfg, bus, logx.Nop(), sender)
	if err := s.Start(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(s.Stop)
	return s, bus
}

func waitSent(t *testing.T, m *memSender, n int) []string {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if got := m.all(); len(got) >= n {
			return got
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out, sent = %v", m.all())
	return nil
}

func TestDisabledRefusesStart(t *testing.T) {
	t.Parallel()
	s := NewWithSender(Config{}, eventbus.New(), logx.Nop(), &memSender{})
	if err := s.Start(); !errors.Is(err, ErrDisabled) {
		t.Fatalf("Start err = %v, want ErrDisabled", err)
	}
}

func TestForwardsQualifyingNotices(t *testing.T) {
	t.Parallel()
	m := &memSender{}
	_, bus := newTestNotifier(t, Config{MinLevel: "warn"}, m)

	bus.Publish(eventbus.Event{Type: eventbus.TypeLogNotice, Data: logx.Notice{Level: "info", Message: "routine"}})
	bus.Publish(eventbus.Event{Type: eventbus.TypeLogNotice, Data: logx.Notice{Level: "error", Message: "sync broke", Session: "alpha", Err: "boom"}})

	got := waitSent(t, m, 1)
	if len(got) != 1 {
		t.Fatalf("sent = %v, want only the error notice", got)
	}
}

func TestCampaignTerminalOnly(t *testing.T) {
	t.Parallel()
	m := &memSender{}
	_, bus := newTestNotifier(t, Config{}, m)

	bus.Publish(eventbus.Event{Type: eventbus.TypeCampaignUpdate, Data: broadcast.Progress{ID: "c1", Session: "alpha", Status: broadcast.StatusRunning, Sent: 1}})
	bus.Publish(eventbus.Event{Type: eventbus.TypeCampaignUpdate, Data: broadcast.Progress{ID: "c1", Session: "alpha", Status: broadcast.StatusCompleted, Sent: 3, Total: 3}})

	got := waitSent(t, m, 1)
	if len(got) != 1 {
		t.Fatalf("sent = %v, want only the terminal update", got)
	}
}

func TestDedupWindowSuppressesRepeats(t *testing.T) {
	t.Parallel()
	m := &memSender{}
	s, bus := newTestNotifier(t, Config{DedupWindow: time.Hour}, m)

	for range 3 {
		bus.Publish(eventbus.Event{Type: eventbus.TypeLogNotice, Data: logx.Notice{Level: "warn", Message: "same thing"}})
	}
	got := waitSent(t, m, 1)
	time.Sleep(20 * time.Millisecond)
	if got = m.all(); len(got) != 1 {
		t.Fatalf("sent = %v, want dedup to 1", got)
	}
	if h := s.History(); len(h) != 1 || !h[0].Sent {
		t.Fatalf("history = %+v", h)
	}
}
