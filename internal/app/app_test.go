package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"groupcast/internal/config"
	"groupcast/internal/eventbus"
	"groupcast/internal/joinqueue"
	"groupcast/internal/provider/providertest"
	"groupcast/internal/session"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func newTestApp(t *testing.T) (*App, *providertest.Adapter) {
	t.Helper()
	adapter := &providertest.Adapter{
		OnConnect: func(_ string, c *providertest.Conn) { c.EmitReady() },
	}
	cfgPath := writeConfig(t, `{
		"sessions": {"dir": `+quote(filepath.Join(t.TempDir(), "sessions"))+`},
		"metrics": {"enabled": true},
		"logging": {"console": false}
	}`)
	a, err := New(Options{ConfigPath: cfgPath, Adapter: adapter})
	if err != nil {
		t.Fatal(err)
	}
	if err := a.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { a.Stop(context.Background()) })
	return a, adapter
}

func quote(s string) string {
	out := make([]byte, 0, len(s)+2)
	out = append(out, '"')
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' || s[i] == '"' {
			out = append(out, '\\')
		}
		out = append(out, s[i])
	}
	return string(append(out, '"'))
}

func waitActive(t *testing.T, a *App, name string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if a.sessions.IsActive(name) {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("session %s never became active", name)
}

func TestAppWiresEnginesTogether(t *testing.T) {
	t.Parallel()
	a, adapter := newTestApp(t)

	if _, err := a.sessions.Connect(context.Background(), "alpha", session.ConnectOptions{CreateIfMissing: true}); err != nil {
		t.Fatal(err)
	}
	waitActive(t, a, "alpha")
	if err := a.sessions.SetIntervals("alpha", time.Millisecond, 2*time.Millisecond); err != nil {
		t.Fatal(err)
	}

	// Park an entry while the session is down, then reconnect; the bus
	// subscription must wake the queue without an explicit kick.
	if err := a.sessions.Disconnect("alpha"); err != nil {
		t.Fatal(err)
	}
	if _, err := a.queue.Enqueue("alpha", "https://t.me/wired_group"); err != nil {
		t.Fatal(err)
	}
	if _, err := a.sessions.Connect(context.Background(), "alpha", session.ConnectOptions{}); err != nil {
		t.Fatal(err)
	}
	waitActive(t, a, "alpha")

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		conn := adapter.Last()
		if conn != nil && len(conn.Joined()) == 1 {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("parked entry was never joined after reconnect")
}

func TestDiscoveredLinksAreQueued(t *testing.T) {
	t.Parallel()
	a, adapter := newTestApp(t)

	if _, err := a.sessions.Connect(context.Background(), "beta", session.ConnectOptions{CreateIfMissing: true}); err != nil {
		t.Fatal(err)
	}
	waitActive(t, a, "beta")
	if err := a.sessions.SetIntervals("beta", time.Millisecond, 2*time.Millisecond); err != nil {
		t.Fatal(err)
	}

	a.bus.Publish(eventbus.Event{
		Type: eventbus.TypeLinkDiscovered,
		Data: joinqueue.Discovery{Session: "beta", Text: "seen https://t.me/found_one and noise"},
	})

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		conn := adapter.Last()
		if conn != nil && len(conn.Joined()) == 1 {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("discovered link was never joined")
}

func TestNewRejectsBrokenConfig(t *testing.T) {
	t.Parallel()
	cfgPath := writeConfig(t, `{"queue": {"intervals": {"min": 1, "max": 2}}}`)
	if _, err := New(Options{ConfigPath: cfgPath, Adapter: &providertest.Adapter{}}); err == nil {
		t.Fatal("out-of-range intervals accepted")
	}
}

func TestGCRuleValidation(t *testing.T) {
	t.Parallel()
	a, _ := newTestApp(t)
	err := applyGCRules(a.collector, map[string]config.GCRule{
		"no.such.table": {TTL: "1h", CheckInterval: "1m"},
	})
	if err == nil {
		t.Fatal("override of unknown table accepted")
	}
	if err := applyGCRules(a.collector, map[string]config.GCRule{
		"queue.bad": {TTL: "48h", CheckInterval: "30m"},
	}); err != nil {
		t.Fatal(err)
	}
}
