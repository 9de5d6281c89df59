package app

import (
	"time"

	"groupcast/internal/broadcast"
	"groupcast/internal/config"
	"groupcast/internal/gc"
	"groupcast/internal/joinqueue"
	"groupcast/internal/session"
)

// registerTables wires every engine keyspace into the collector with its
// built-in timings, then applies config overrides on top.
func registerTables(c *gc.Collector, cfg *config.Config, sessions *session.Registry, queue *joinqueue.Engine, campaigns *broadcast.Engine) error {
	tables := []gc.Table{
		{Name: "sessions.challenges", TTL: 10 * time.Minute, CheckInterval: time.Minute,
			ForEach: sessions.ForEachChallenge, Evict: sessions.EvictChallenge},
		{Name: "sessions.idle", TTL: 24 * time.Hour, CheckInterval: 10 * time.Minute,
			ForEach: sessions.ForEachIdle, Evict: sessions.EvictIdle},
		{Name: "queue.entries", TTL: 12 * time.Hour, CheckInterval: 10 * time.Minute,
			ForEach: queue.ForEachQueued, Evict: queue.EvictQueued},
		{Name: "queue.bad", TTL: 7 * 24 * time.Hour, CheckInterval: time.Hour,
			ForEach: queue.ForEachBad, Evict: queue.EvictBad},
		{Name: "queue.joined", TTL: 30 * 24 * time.Hour, CheckInterval: time.Hour,
			ForEach: queue.ForEachJoined, Evict: queue.EvictJoined},
		{Name: "campaigns", TTL: 24 * time.Hour, CheckInterval: time.Hour,
			ForEach: campaigns.ForEachCampaign, Evict: campaigns.EvictCampaign},
		{Name: "schedules", TTL: time.Hour, CheckInterval: 10 * time.Minute,
			ForEach: campaigns.ForEachSchedule, Evict: campaigns.EvictSchedule},
		{Name: "groups.cache", TTL: 10 * time.Minute, CheckInterval: time.Minute,
			ForEach: campaigns.ForEachGroupCache, Evict: campaigns.EvictGroupCache},
	}
	for _, t := range tables {
		if err := c.Register(t); err != nil {
			return err
		}
	}
	return applyGCRules(c, cfg.GC)
}

func applyGCRules(c *gc.Collector, rules map[string]config.GCRule) error {
	for name, rule := range rules {
		ttl, err := config.FieldDuration("gc."+name+".ttl", rule.TTL, 0)
		if err != nil {
			return err
		}
		check, err := config.FieldDuration("gc."+name+".check_interval", rule.CheckInterval, 0)
		if err != nil {
			return err
		}
		if err := c.Override(name, ttl, check); err != nil {
			return err
		}
	}
	return nil
}
