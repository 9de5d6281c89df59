package session

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"groupcast/internal/eventbus"
	"groupcast/internal/provider"
	"groupcast/internal/provider/providertest"
	"groupcast/pkg/logx"
)

func newTestRegistry(t *testing.T, cfg Config) (*Registry, *providertest.Adapter) {
	t.Helper()
	if cfg.Dir == "" {
		cfg.Dir = t.TempDir()
	}
	ad := &providertest.Adapter{}
	r, err := New(cfg, ad, eventbus.New(), logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		r.Stop(ctx)
	})
	return r, ad
}

func waitStatus(t *testing.T, r *Registry, name string, want Status) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if in, ok := r.Get(name); ok && in.Status == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	in, ok := r.Get(name)
	t.Fatalf("status never became %q (have %+v, known=%v)", want, in, ok)
}

func TestConnectUnknownWithoutCreate(t *testing.T) {
	t.Parallel()
	r, _ := newTestRegistry(t, Config{})
	_, err := r.Connect(context.Background(), "ghost-1", ConnectOptions{})
	if !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("err = %v, want ErrSessionNotFound", err)
	}
}

func TestConnectRejectsBadName(t *testing.T) {
	t.Parallel()
	r, _ := newTestRegistry(t, Config{})
	if _, err := r.Connect(context.Background(), "!!!", ConnectOptions{CreateIfMissing: true}); !errors.Is(err, ErrBadName) {
		t.Fatalf("err = %v, want ErrBadName", err)
	}
}

func TestLifecycleChallengeToActive(t *testing.T) {
	t.Parallel()
	r, ad := newTestRegistry(t, Config{ChallengeTimeout: time.Minute})
	name, err := r.Connect(context.Background(), "work-1", ConnectOptions{CreateIfMissing: true})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	waitStatus(t, r, name, StatusSyncing)

	conn := ad.Last()
	conn.EmitChallenge("qr-payload")
	waitStatus(t, r, name, StatusAwaitingChallenge)

	conn.EmitReady()
	waitStatus(t, r, name, StatusActive)
	if !r.IsActive(name) {
		t.Fatal("IsActive should be true")
	}
	if _, ok := r.Conn(name); !ok {
		t.Fatal("Conn should return the live handle")
	}
}

func TestConnSurvivesStatusDrop(t *testing.T) {
	t.Parallel()
	r, ad := newTestRegistry(t, Config{ChallengeTimeout: time.Minute})
	name, err := r.Connect(context.Background(), "work-2", ConnectOptions{CreateIfMissing: true})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	conn := ad.Last()
	conn.EmitReady()
	waitStatus(t, r, name, StatusActive)

	// A challenge re-issue drops the session out of active but keeps the
	// handle; consumers with in-flight work keep their connection.
	conn.EmitChallenge("qr-again")
	waitStatus(t, r, name, StatusAwaitingChallenge)
	if r.IsActive(name) {
		t.Fatal("IsActive should be false")
	}
	if _, ok := r.Conn(name); !ok {
		t.Fatal("Conn should still return the handle while one exists")
	}

	if err := r.Disconnect(name); err != nil {
		t.Fatal(err)
	}
	if _, ok := r.Conn(name); ok {
		t.Fatal("Conn should be gone after teardown")
	}
}

func TestChallengeTimeoutRemovesNewSession(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	r, ad := newTestRegistry(t, Config{Dir: dir, ChallengeTimeout: 80 * time.Millisecond})
	name, err := r.Connect(context.Background(), "fresh-1", ConnectOptions{CreateIfMissing: true})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	ad.Last().EmitChallenge("qr")
	waitStatus(t, r, name, StatusAwaitingChallenge)

	// Deadline passes with no confirmation: connection cancelled, partial
	// on-disk state removed.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := r.Get(name); !ok {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if _, ok := r.Get(name); ok {
		t.Fatal("session entry should be gone after challenge timeout")
	}
	if _, err := os.Stat(filepath.Join(dir, name)); !os.IsNotExist(err) {
		t.Fatalf("session dir should be removed, stat err = %v", err)
	}
	if !ad.Last().IsClosed() {
		t.Fatal("connection should be torn down")
	}
}

func TestChallengeTimeoutKeepsExistingSession(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	// Pre-existing credential directory.
	if err := os.MkdirAll(filepath.Join(dir, "old-1"), 0o700); err != nil {
		t.Fatal(err)
	}
	r, ad := newTestRegistry(t, Config{Dir: dir, ChallengeTimeout: 80 * time.Millisecond})
	name, err := r.Connect(context.Background(), "old-1", ConnectOptions{ForceNewChallenge: true})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	ad.Last().EmitChallenge("qr")
	waitStatus(t, r, name, StatusAwaitingChallenge)
	waitStatus(t, r, name, StatusInactive)
	if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
		t.Fatalf("pre-existing session dir must survive: %v", err)
	}
}

func TestLoggedOutStopsRetrying(t *testing.T) {
	t.Parallel()
	r, ad := newTestRegistry(t, Config{ReconnectBackoff: 10 * time.Millisecond})
	name, _ := r.Connect(context.Background(), "s-1", ConnectOptions{CreateIfMissing: true})
	conn := ad.Last()
	conn.EmitReady()
	waitStatus(t, r, name, StatusActive)

	conn.Close(provider.CloseLoggedOut)
	waitStatus(t, r, name, StatusInactive)

	time.Sleep(100 * time.Millisecond)
	if n := ad.ConnCount(); n != 1 {
		t.Fatalf("no reconnect expected after logout, got %d connections", n)
	}
}

func TestUnexpectedDropReconnects(t *testing.T) {
	t.Parallel()
	r, ad := newTestRegistry(t, Config{ReconnectBackoff: 10 * time.Millisecond})
	name, _ := r.Connect(context.Background(), "s-2", ConnectOptions{CreateIfMissing: true})
	first := ad.Last()
	first.EmitReady()
	waitStatus(t, r, name, StatusActive)

	first.Close(provider.CloseOther)
	waitStatus(t, r, name, StatusSyncing)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && ad.ConnCount() < 2 {
		time.Sleep(5 * time.Millisecond)
	}
	if n := ad.ConnCount(); n < 2 {
		t.Fatalf("expected automatic reconnect, got %d connections", n)
	}
}

func TestConnectIsIdempotent(t *testing.T) {
	t.Parallel()
	r, ad := newTestRegistry(t, Config{})
	name, _ := r.Connect(context.Background(), "s-3", ConnectOptions{CreateIfMissing: true})
	first := ad.Last()

	if _, err := r.Connect(context.Background(), name, ConnectOptions{}); err != nil {
		t.Fatalf("second Connect: %v", err)
	}
	if !first.IsClosed() {
		t.Fatal("prior handle must be torn down")
	}
	if n := ad.ConnCount(); n != 2 {
		t.Fatalf("ConnCount = %d, want 2", n)
	}
}

func TestDeleteRunsHooksAndLogsOut(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	r, ad := newTestRegistry(t, Config{Dir: dir})

	var cleaned []string
	r.RegisterCleanup(func(_ context.Context, name string) { cleaned = append(cleaned, name) })

	name, _ := r.Connect(context.Background(), "s-4", ConnectOptions{CreateIfMissing: true})
	conn := ad.Last()
	conn.EmitReady()
	waitStatus(t, r, name, StatusActive)

	if err := r.Delete(context.Background(), name); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if !conn.LoggedOut() {
		t.Fatal("remote credential should be revoked")
	}
	if len(cleaned) != 1 || cleaned[0] != name {
		t.Fatalf("cleanup hooks = %v", cleaned)
	}
	if _, err := os.Stat(filepath.Join(dir, name)); !os.IsNotExist(err) {
		t.Fatal("credential dir should be removed")
	}
	if _, ok := r.Get(name); ok {
		t.Fatal("session should be gone")
	}
	if err := r.Delete(context.Background(), name); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("second Delete err = %v", err)
	}
}

func TestIntervals(t *testing.T) {
	t.Parallel()
	r, _ := newTestRegistry(t, Config{DefaultIntervalMin: 5 * time.Second, DefaultIntervalMax: 30 * time.Second})
	name, _ := r.Connect(context.Background(), "s-5", ConnectOptions{CreateIfMissing: true})

	min, max := r.Intervals(name)
	if min != 5*time.Second || max != 30*time.Second {
		t.Fatalf("defaults = [%v,%v]", min, max)
	}
	if err := r.SetIntervals(name, 10*time.Second, 20*time.Second); err != nil {
		t.Fatalf("SetIntervals: %v", err)
	}
	if min, max = r.Intervals(name); min != 10*time.Second || max != 20*time.Second {
		t.Fatalf("updated = [%v,%v]", min, max)
	}
	if err := r.SetIntervals(name, 20*time.Second, 10*time.Second); err == nil {
		t.Fatal("inverted range must be rejected")
	}
}

func TestBootListsExistingDirs(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "seeded-1"), 0o700); err != nil {
		t.Fatal(err)
	}
	r, _ := newTestRegistry(t, Config{Dir: dir})
	list := r.List()
	if len(list) != 1 || list[0].Name != "seeded-1" || list[0].Status != StatusInactive {
		t.Fatalf("List = %+v", list)
	}
}
