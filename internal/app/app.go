// Package app composes the engines into a runnable service: config, logging,
// storage, session registry, join queue, broadcast, GC, notifier, HTTP API.
package app

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"groupcast/internal/broadcast"
	"groupcast/internal/config"
	"groupcast/internal/eventbus"
	"groupcast/internal/gc"
	"groupcast/internal/httpapi"
	"groupcast/internal/joinqueue"
	"groupcast/internal/metrics"
	"groupcast/internal/notifier"
	"groupcast/internal/provider"
	"groupcast/internal/session"
	"groupcast/internal/storage"
	"groupcast/pkg/logx"
)

type Options struct {
	ConfigPath string

	// Adapter overrides config-based provider selection. Tests inject a
	// fake here; production binaries usually leave it nil and register a
	// wire adapter (see provider.Register).
	Adapter provider.Adapter
}

type App struct {
	cfgm *config.Manager
	logs *logx.Service
	log  logx.Logger
	bus  eventbus.Bus

	store     storage.Store
	prom      *metrics.Metrics
	sessions  *session.Registry
	queue     *joinqueue.Engine
	campaigns *broadcast.Engine
	collector *gc.Collector
	notif     *notifier.Service

	httpSrv *http.Server

	cancelWatch context.CancelFunc
	busUnsub    func()
	wg          sync.WaitGroup
}

func New(opts Options) (*App, error) {
	cfgm := config.NewManager(opts.ConfigPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	bus := eventbus.New()
	logs, log := logx.New(mapLogConfig(cfg), bus)
	log = log.With(logx.String("comp", "app"))
	cfgm.SetLogger(log.With(logx.String("comp", "config")))
	cfgm.SetValidator(func(_ context.Context, c *config.Config) error { return c.Validate() })

	var prom *metrics.Metrics
	if cfg.Metrics.Enabled {
		prom = metrics.New()
	}
	metrics.SetGlobal(prom)

	var store storage.Store
	if cfg.Storage != nil {
		sc, err := mapStorageConfig(cfg.Storage)
		if err != nil {
			return nil, err
		}
		store, err = storage.Open(sc, log.With(logx.String("comp", "storage")))
		if err != nil {
			return nil, err
		}
		if store != nil {
			log.Info("link audit enabled", logx.String("driver", sc.Driver))
		}
	}

	adapter := opts.Adapter
	if adapter == nil {
		adapter, err = provider.Open(cfg.Sessions.Provider)
		if err != nil {
			return nil, err
		}
	}

	sessCfg, err := mapSessionConfig(cfg)
	if err != nil {
		return nil, err
	}
	sessions, err := session.New(sessCfg, adapter, bus, log.With(logx.String("comp", "sessions")))
	if err != nil {
		return nil, err
	}

	itemPause, err := config.FieldDuration("queue.item_pause", cfg.Queue.ItemPause, 2*time.Second)
	if err != nil {
		return nil, err
	}
	queue := joinqueue.New(joinqueue.Config{ItemPause: itemPause},
		sessions, bus, store, log.With(logx.String("comp", "queue")))

	cacheTTL, err := config.FieldDuration("campaign.group_cache_ttl", cfg.Campaign.GroupCacheTTL, 2*time.Minute)
	if err != nil {
		return nil, err
	}
	campaigns := broadcast.New(broadcast.Config{
		GroupCacheTTL: cacheTTL,
		RatePerMinute: float64(cfg.Campaign.RatePerSec) * 60,
		DefaultIntervals: broadcast.IntervalPolicy{
			Min: cfg.Campaign.Intervals.MinDuration(),
			Max: cfg.Campaign.Intervals.MaxDuration(),
		},
	}, sessions, bus, log.With(logx.String("comp", "broadcast")))

	// Deleting a session clears everything hanging off it.
	sessions.RegisterCleanup(func(_ context.Context, name string) {
		campaigns.StopSession(name)
		campaigns.InvalidateGroups(name)
		queue.Clear(name)
	})

	collector := gc.New(log.With(logx.String("comp", "gc")))
	if err := registerTables(collector, cfg, sessions, queue, campaigns); err != nil {
		return nil, err
	}

	var notif *notifier.Service
	if cfg.Notifier != nil && cfg.Notifier.Enabled {
		ncfg, err := mapNotifierConfig(cfg.Notifier)
		if err != nil {
			return nil, err
		}
		notif = notifier.New(ncfg, bus, log.With(logx.String("comp", "notifier")))
	}

	a := &App{
		cfgm:      cfgm,
		logs:      logs,
		log:       log,
		bus:       bus,
		store:     store,
		prom:      prom,
		sessions:  sessions,
		queue:     queue,
		campaigns: campaigns,
		collector: collector,
		notif:     notif,
	}
	if cfg.Server.Addr != "" {
		api := httpapi.New(sessions, queue, campaigns, store, prom, log.With(logx.String("comp", "api")))
		a.httpSrv = &http.Server{
			Addr:              cfg.Server.Addr,
			Handler:           api.Router(),
			ReadHeaderTimeout: 5 * time.Second,
		}
	}
	return a, nil
}

func (a *App) Start(ctx context.Context) error {
	events, unsub := a.bus.Subscribe(128)
	a.busUnsub = unsub
	a.wg.Add(1)
	go a.pumpEvents(events)

	a.collector.Start()

	if a.notif != nil {
		if err := a.notif.Start(); err != nil {
			a.log.Warn("notifier not started", logx.Err(err))
			a.notif = nil
		}
	}

	if a.httpSrv != nil {
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			a.log.Info("http api listening", logx.String("addr", a.httpSrv.Addr))
			if err := a.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.log.Error("http api failed", logx.Err(err))
			}
		}()
	}

	watchCtx, cancel := context.WithCancel(ctx)
	a.cancelWatch = cancel
	updates := a.cfgm.Subscribe(4)
	a.wg.Add(2)
	go func() {
		defer a.wg.Done()
		if err := a.cfgm.Watch(watchCtx); err != nil && !errors.Is(err, context.Canceled) {
			a.log.Warn("config watch stopped", logx.Err(err))
		}
	}()
	go a.applyUpdates(watchCtx, updates)

	a.log.Info("started")
	return nil
}

func (a *App) Stop(ctx context.Context) {
	if a.cancelWatch != nil {
		a.cancelWatch()
	}
	if a.httpSrv != nil {
		shutCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		_ = a.httpSrv.Shutdown(shutCtx)
		cancel()
	}
	a.collector.Stop()
	if a.notif != nil {
		a.notif.Stop()
	}
	a.campaigns.Shutdown()
	a.queue.Stop()
	a.sessions.Stop(ctx)
	if a.busUnsub != nil {
		a.busUnsub()
	}
	a.wg.Wait()
	if a.store != nil {
		_ = a.store.Close()
	}
	_ = a.logs.Close()
	a.log.Info("stopped")
}

// pumpEvents reacts to engine signals: a session turning active wakes its
// parked join queue, and the active-session gauge tracks status changes.
func (a *App) pumpEvents(events <-chan eventbus.Event) {
	defer a.wg.Done()
	for ev := range events {
		switch ev.Type {
		case eventbus.TypeSessionStatus:
			st, ok := ev.Data.(session.StatusEvent)
			if !ok {
				continue
			}
			if st.Status == session.StatusActive {
				a.queue.Kick(st.Name)
			}
			if a.prom != nil {
				var active int
				for _, info := range a.sessions.List() {
					if info.Status == session.StatusActive {
						active++
					}
				}
				a.prom.SessionsActive.Set(float64(active))
			}
		case eventbus.TypeLinkDiscovered:
			d, ok := ev.Data.(joinqueue.Discovery)
			if !ok {
				continue
			}
			for _, raw := range joinqueue.Extract(d.Text) {
				if _, err := a.queue.Enqueue(d.Session, raw); err != nil {
					a.log.Warn("discovered link rejected",
						logx.String("session", d.Session), logx.Err(err))
				}
			}
		}
	}
}

// applyUpdates handles validated hot reloads: log levels, GC timings.
func (a *App) applyUpdates(ctx context.Context, updates chan *config.Config) {
	defer a.wg.Done()
	defer a.cfgm.Unsubscribe(updates)
	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-updates:
			if !ok {
				return
			}
			a.logs.Apply(mapLogConfig(cfg))
			if err := applyGCRules(a.collector, cfg.GC); err != nil {
				a.log.Warn("gc override rejected", logx.Err(err))
			}
			a.log.Info("configuration applied")
		}
	}
}

func mapLogConfig(cfg *config.Config) logx.Config {
	console := true
	if cfg.Logging.Console != nil {
		console = *cfg.Logging.Console
	}
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Notify: logx.NotifyConfig{
			Enabled:    cfg.Logging.Notify.Enabled,
			MinLevel:   cfg.Logging.Notify.MinLevel,
			RatePerSec: cfg.Logging.Notify.RatePerSec,
		},
	}
}

func mapStorageConfig(sc *config.StorageConfig) (storage.Config, error) {
	busy, err := config.FieldDuration("storage.busy_timeout", sc.BusyTimeout, 0)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{Driver: sc.Driver, Path: sc.Path, BusyTimeout: busy}, nil
}

func mapSessionConfig(cfg *config.Config) (session.Config, error) {
	challenge, err := config.FieldDuration("sessions.challenge_timeout", cfg.Sessions.ChallengeTimeout, 60*time.Second)
	if err != nil {
		return session.Config{}, err
	}
	reconnect, err := config.FieldDuration("sessions.reconnect_backoff", cfg.Sessions.ReconnectBackoff, 5*time.Second)
	if err != nil {
		return session.Config{}, err
	}
	conflict, err := config.FieldDuration("sessions.conflict_backoff", cfg.Sessions.ConflictBackoff, 30*time.Second)
	if err != nil {
		return session.Config{}, err
	}
	sc := session.Config{
		Dir:              cfg.Sessions.Dir,
		ChallengeTimeout: challenge,
		ReconnectBackoff: reconnect,
		ConflictBackoff:  conflict,
	}
	if iv := cfg.Queue.Intervals; iv.Min > 0 {
		sc.DefaultIntervalMin = iv.MinDuration()
		sc.DefaultIntervalMax = iv.MaxDuration()
	}
	return sc, nil
}

func mapNotifierConfig(nc *config.NotifierConfig) (notifier.Config, error) {
	dedup, err := config.FieldDuration("notifier.dedup_window", nc.DedupWindow, 0)
	if err != nil {
		return notifier.Config{}, err
	}
	return notifier.Config{
		Enabled:     nc.Enabled,
		Token:       nc.Token,
		ChatID:      nc.ChatID,
		MinLevel:    nc.MinLevel,
		RatePerSec:  nc.RatePerSec,
		DedupWindow: dedup,
	}, nil
}
