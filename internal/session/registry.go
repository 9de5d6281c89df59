package session

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"runtime/debug"
	"sync"
	"time"

	"groupcast/internal/eventbus"
	"groupcast/internal/provider"
	"groupcast/pkg/logx"
)

// CleanupHook runs when a session is deleted so per-session substructures
// (queues, campaigns, caches) owned by other engines are cleared too.
type CleanupHook func(ctx context.Context, name string)

type Registry struct {
	cfg     Config
	adapter provider.Adapter
	bus     eventbus.Bus
	log     logx.Logger

	mu       sync.Mutex
	sessions map[string]*session
	cleanups []CleanupHook

	rngMu sync.Mutex
	rng   *rand.Rand

	wg sync.WaitGroup
}

func New(cfg Config, adapter provider.Adapter, bus eventbus.Bus, log logx.Logger) (*Registry, error) {
	cfg = cfg.withDefaults()
	if cfg.Dir == "" {
		cfg.Dir = "./sessions"
	}
	if err := os.MkdirAll(cfg.Dir, 0o700); err != nil {
		return nil, fmt.Errorf("sessions dir: %w", err)
	}
	r := &Registry{
		cfg:      cfg,
		adapter:  adapter,
		bus:      bus,
		log:      log,
		sessions: map[string]*session{},
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	// Surface sessions that already have credentials on disk.
	for _, name := range ListDirs(cfg.Dir) {
		r.sessions[name] = r.newSession(name)
	}
	return r, nil
}

func (r *Registry) newSession(name string) *session {
	return &session{
		name:            name,
		status:          StatusInactive,
		statusChangedAt: time.Now(),
		intervalMin:     r.cfg.DefaultIntervalMin,
		intervalMax:     r.cfg.DefaultIntervalMax,
	}
}

// RegisterCleanup adds a hook invoked on Delete. Not safe to call once
// traffic is flowing; wire hooks during app construction.
func (r *Registry) RegisterCleanup(fn CleanupHook) {
	r.mu.Lock()
	r.cleanups = append(r.cleanups, fn)
	r.mu.Unlock()
}

// Resolve canonicalizes and validates a caller-supplied session name.
func Resolve(raw string) (string, error) {
	if ValidName(raw) {
		return raw, nil
	}
	name := Canonize(raw)
	if !ValidName(name) {
		return "", fmt.Errorf("%w: %q", ErrBadName, raw)
	}
	return name, nil
}

func (r *Registry) getOrCreate(name string) *session {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[name]
	if !ok {
		s = r.newSession(name)
		r.sessions[name] = s
	}
	return s
}

func (r *Registry) lookup(name string) (*session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[name]
	return s, ok
}

// Connect starts (or restarts) a connection attempt for name. It returns the
// canonical name. A prior in-progress handle is torn down first, so calling
// Connect twice is safe.
func (r *Registry) Connect(ctx context.Context, rawName string, opts ConnectOptions) (string, error) {
	name, err := Resolve(rawName)
	if err != nil {
		return "", err
	}
	dir, err := SafePath(r.cfg.Dir, name)
	if err != nil {
		return "", err
	}

	s := r.getOrCreate(name)
	s.mu.Lock()
	defer s.mu.Unlock()

	if old := r.teardownLocked(s); old != nil {
		old.Disconnect()
	}

	existed := dirExists(dir)
	if !existed && !opts.CreateIfMissing {
		return name, fmt.Errorf("%w: %q has no stored credential", ErrSessionNotFound, name)
	}
	if opts.ForceNewChallenge && existed {
		if err := os.RemoveAll(dir); err != nil {
			return name, fmt.Errorf("discard credential: %w", err)
		}
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return name, err
	}
	s.createdByAttempt = !existed

	conn, err := r.adapter.Connect(ctx, dir)
	if err != nil {
		r.setStatusLocked(s, StatusError)
		if s.createdByAttempt {
			_ = os.RemoveAll(dir)
		}
		return name, err
	}
	s.conn = conn
	gen := s.gen
	r.setStatusLocked(s, StatusSyncing)

	r.wg.Add(1)
	go r.pump(s, conn, gen)

	r.log.Info("session connecting", logx.String("session", name), logx.Bool("new", s.createdByAttempt))
	return name, nil
}

// Disconnect gracefully drops the connection and parks the session as
// inactive. The stored credential stays usable.
func (r *Registry) Disconnect(name string) error {
	s, ok := r.lookup(name)
	if !ok {
		return ErrSessionNotFound
	}
	s.mu.Lock()
	conn := r.teardownLocked(s)
	r.setStatusLocked(s, StatusInactive)
	s.mu.Unlock()
	if conn != nil {
		conn.Disconnect()
	}
	return nil
}

// Delete revokes the remote credential (best-effort), clears every
// per-session substructure via the registered hooks, and removes the
// credential directory.
func (r *Registry) Delete(ctx context.Context, rawName string) error {
	name, err := Resolve(rawName)
	if err != nil {
		return err
	}
	dir, err := SafePath(r.cfg.Dir, name)
	if err != nil {
		return err
	}

	r.mu.Lock()
	s, ok := r.sessions[name]
	if ok {
		delete(r.sessions, name)
	}
	hooks := append([]CleanupHook(nil), r.cleanups...)
	r.mu.Unlock()

	if !ok && !dirExists(dir) {
		return ErrSessionNotFound
	}

	if ok {
		s.mu.Lock()
		conn := r.teardownLocked(s)
		r.setStatusLocked(s, StatusInactive)
		s.mu.Unlock()
		if conn != nil {
			if err := conn.Logout(ctx); err != nil {
				r.log.Warn("remote logout failed", logx.String("session", name), logx.Err(err))
			}
		}
	}
	for _, h := range hooks {
		h(ctx, name)
	}
	if err := os.RemoveAll(dir); err != nil {
		return err
	}
	r.log.Info("session deleted", logx.String("session", name))
	return nil
}

// Stop disconnects everything without touching credentials. Used on
// process shutdown.
func (r *Registry) Stop(ctx context.Context) {
	r.mu.Lock()
	all := make([]*session, 0, len(r.sessions))
	for _, s := range r.sessions {
		all = append(all, s)
	}
	r.mu.Unlock()

	for _, s := range all {
		s.mu.Lock()
		conn := r.teardownLocked(s)
		s.status = StatusInactive
		s.statusChangedAt = time.Now()
		s.mu.Unlock()
		if conn != nil {
			conn.Disconnect()
		}
	}

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
}

func (r *Registry) IsActive(name string) bool {
	s, ok := r.lookup(name)
	if !ok {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status == StatusActive
}

func (r *Registry) Get(name string) (Info, bool) {
	s, ok := r.lookup(name)
	if !ok {
		return Info{}, false
	}
	return r.info(s), true
}

func (r *Registry) List() []Info {
	r.mu.Lock()
	all := make([]*session, 0, len(r.sessions))
	for _, s := range r.sessions {
		all = append(all, s)
	}
	r.mu.Unlock()

	out := make([]Info, 0, len(all))
	for _, s := range all {
		out = append(out, r.info(s))
	}
	return out
}

func (r *Registry) info(s *session) Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Info{
		Name:            s.name,
		Status:          s.status,
		StatusText:      statusText[s.status],
		StatusChangedAt: s.statusChangedAt,
		IntervalMinSec:  int(s.intervalMin / time.Second),
		IntervalMaxSec:  int(s.intervalMax / time.Second),
	}
}

// Conn returns the session's connection handle whenever one exists,
// regardless of status. A session that dropped out of active keeps its
// handle until teardown, so a running broadcast can keep attempting sends
// (and counting failures) instead of aborting on the first status wobble.
// Callers that require an active session check IsActive as well.
func (r *Registry) Conn(name string) (provider.Conn, bool) {
	s, ok := r.lookup(name)
	if !ok {
		return nil, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil, false
	}
	return s.conn, true
}

// SetIntervals updates the session's pacing policy. Callers validate the
// [3,3600] clamp; the registry only enforces ordering.
func (r *Registry) SetIntervals(name string, min, max time.Duration) error {
	if min <= 0 || max < min {
		return fmt.Errorf("invalid interval range [%v,%v]", min, max)
	}
	s, ok := r.lookup(name)
	if !ok {
		return ErrSessionNotFound
	}
	s.mu.Lock()
	s.intervalMin, s.intervalMax = min, max
	s.mu.Unlock()
	return nil
}

// Intervals returns the pacing policy for name, falling back to defaults
// when the session is unknown.
func (r *Registry) Intervals(name string) (min, max time.Duration) {
	s, ok := r.lookup(name)
	if !ok {
		return r.cfg.DefaultIntervalMin, r.cfg.DefaultIntervalMax
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.intervalMin, s.intervalMax
}

// ---- connection event pump ----

func (r *Registry) pump(s *session, conn provider.Conn, gen uint64) {
	defer r.wg.Done()
	defer func() {
		if p := recover(); p != nil {
			r.log.Error("panic in session event pump",
				logx.String("session", s.name), logx.Any("panic", p),
				logx.String("stack", string(debug.Stack())))
		}
	}()

	for ev := range conn.Events() {
		s.mu.Lock()
		if s.gen != gen {
			s.mu.Unlock()
			return
		}
		switch ev.Kind {
		case provider.EventChallenge:
			r.setStatusLocked(s, StatusAwaitingChallenge)
			r.armChallengeLocked(s, gen, ev.Challenge)
		case provider.EventPairing:
			r.stopChallengeLocked(s)
			r.setStatusLocked(s, StatusSyncing)
		case provider.EventReady:
			r.stopChallengeLocked(s)
			// The adapter has persisted a usable credential now; a later
			// teardown must not wipe the directory.
			s.createdByAttempt = false
			r.setStatusLocked(s, StatusActive)
		case provider.EventClosed:
			r.handleCloseLocked(s, gen, ev)
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()
	}
}

func (r *Registry) handleCloseLocked(s *session, gen uint64, ev provider.Event) {
	r.stopChallengeLocked(s)
	s.conn = nil

	switch ev.Reason {
	case provider.CloseLoggedOut:
		// Credential revoked remotely. Final; no retry.
		r.log.Info("session logged out", logx.String("session", s.name))
		r.setStatusLocked(s, StatusInactive)
	case provider.CloseConflict:
		delay := r.cfg.ConflictBackoff
		r.log.Warn("session conflict; backing off",
			logx.String("session", s.name), logx.Duration("backoff", delay))
		r.setStatusLocked(s, StatusSyncing)
		r.scheduleReconnectLocked(s, gen, delay)
	default:
		delay := r.jitter(r.cfg.ReconnectBackoff, 2*r.cfg.ReconnectBackoff)
		r.log.Info("session disconnected; reconnecting",
			logx.String("session", s.name), logx.Duration("backoff", delay), logx.Err(ev.Err))
		r.setStatusLocked(s, StatusSyncing)
		r.scheduleReconnectLocked(s, gen, delay)
	}
}

func (r *Registry) scheduleReconnectLocked(s *session, gen uint64, delay time.Duration) {
	if s.reconnect != nil {
		s.reconnect.Stop()
	}
	s.reconnect = time.AfterFunc(delay, func() {
		s.mu.Lock()
		stale := s.gen != gen
		s.mu.Unlock()
		if stale {
			return
		}
		if _, err := r.Connect(context.Background(), s.name, ConnectOptions{}); err != nil {
			r.log.Warn("reconnect failed", logx.String("session", s.name), logx.Err(err))
		}
	})
}

// teardownLocked invalidates the current attempt and returns the old handle
// (if any) for the caller to Disconnect or Logout outside the lock.
func (r *Registry) teardownLocked(s *session) provider.Conn {
	s.gen++
	r.stopChallengeLocked(s)
	if s.reconnect != nil {
		s.reconnect.Stop()
		s.reconnect = nil
	}
	conn := s.conn
	s.conn = nil
	return conn
}

func (r *Registry) setStatusLocked(s *session, st Status) {
	if s.status == st {
		return
	}
	s.status = st
	s.statusChangedAt = time.Now()
	if r.bus != nil {
		r.bus.Publish(eventbus.Event{
			Type: eventbus.TypeSessionStatus,
			Data: StatusEvent{Name: s.name, Status: st, StatusText: statusText[st]},
		})
	}
}

func (r *Registry) jitter(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	r.rngMu.Lock()
	defer r.rngMu.Unlock()
	return min + time.Duration(r.rng.Int63n(int64(max-min)))
}

func dirExists(path string) bool {
	st, err := os.Stat(path)
	return err == nil && st.IsDir()
}
