// Package gc sweeps registered tables on a cron schedule, evicting entries
// older than their table's TTL unless the owner marks them protected.
package gc

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"groupcast/pkg/logx"
)

// Table is one collectible keyspace. ForEach must call fn for every live
// entry with its timestamp; Evict removes one key. Owners may refuse an
// eviction that raced with new activity.
type Table struct {
	Name          string
	TTL           time.Duration
	CheckInterval time.Duration
	ForEach       func(fn func(key string, ts time.Time, protected bool))
	Evict         func(key string)
}

var ErrBadTable = errors.New("invalid gc table")

type entry struct {
	table  Table
	cronID cron.EntryID
}

type Collector struct {
	log  logx.Logger
	cron *cron.Cron

	mu     sync.Mutex
	tables map[string]*entry
}

func New(log logx.Logger) *Collector {
	return &Collector{
		log:    log,
		cron:   cron.New(),
		tables: make(map[string]*entry),
	}
}

// Register adds or replaces a table and schedules its sweep.
func (c *Collector) Register(t Table) error {
	if t.Name == "" || t.TTL <= 0 || t.CheckInterval <= 0 || t.ForEach == nil || t.Evict == nil {
		return fmt.Errorf("%w: %q", ErrBadTable, t.Name)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if prev, ok := c.tables[t.Name]; ok {
		c.cron.Remove(prev.cronID)
	}
	name := t.Name
	id, err := c.cron.AddFunc("@every "+t.CheckInterval.String(), func() { c.Sweep(name) })
	if err != nil {
		return fmt.Errorf("schedule %s: %w", t.Name, err)
	}
	c.tables[t.Name] = &entry{table: t, cronID: id}
	c.log.Debug("gc table registered",
		logx.String("table", t.Name),
		logx.Duration("ttl", t.TTL),
		logx.Duration("check", t.CheckInterval))
	return nil
}

// Override re-arms an existing table with new timings. Zero values keep the
// current ones.
func (c *Collector) Override(name string, ttl, check time.Duration) error {
	c.mu.Lock()
	prev, ok := c.tables[name]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: unknown table %q", ErrBadTable, name)
	}
	t := prev.table
	if ttl > 0 {
		t.TTL = ttl
	}
	if check > 0 {
		t.CheckInterval = check
	}
	return c.Register(t)
}

// Sweep runs one pass over the named table and returns how many entries
// were evicted.
func (c *Collector) Sweep(name string) int {
	c.mu.Lock()
	en, ok := c.tables[name]
	c.mu.Unlock()
	if !ok {
		return 0
	}
	t := en.table

	now := time.Now()
	var expired []string
	t.ForEach(func(key string, ts time.Time, protected bool) {
		if !protected && now.Sub(ts) > t.TTL {
			expired = append(expired, key)
		}
	})
	for _, key := range expired {
		t.Evict(key)
	}
	if len(expired) > 0 {
		c.log.Info("gc sweep",
			logx.String("table", t.Name),
			logx.Int("evicted", len(expired)))
	}
	return len(expired)
}

// SweepAll runs one pass over every table. Used at startup and in tests.
func (c *Collector) SweepAll() {
	c.mu.Lock()
	names := make([]string, 0, len(c.tables))
	for name := range c.tables {
		names = append(names, name)
	}
	c.mu.Unlock()
	for _, name := range names {
		c.Sweep(name)
	}
}

func (c *Collector) Start() { c.cron.Start() }

// Stop halts scheduling and waits for a running sweep to finish.
func (c *Collector) Stop() {
	ctx := c.cron.Stop()
	<-ctx.Done()
}
