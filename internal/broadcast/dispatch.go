package broadcast

import (
	"context"
	"time"

	"groupcast/internal/eventbus"
	"groupcast/internal/metrics"
	"groupcast/pkg/logx"
)

// dispatch walks the target list in order. Sends are paced by the global
// budget plus a per-session jittered gap; a stop request lands between
// sends, never mid-send.
func (e *Engine) dispatch(c *campaign) {
	defer e.wg.Done()

	final := StatusCompleted
	total := len(c.targets)
loop:
	for i, g := range c.targets {
		select {
		case <-c.stopCh:
			final = StatusStopped
			break loop
		default:
		}
		if err := e.waitBudget(c.stopCh); err != nil {
			final = StatusStopped
			break loop
		}

		conn, ok := e.sessions.Conn(c.session)
		if !ok {
			e.log.Warn("campaign lost its connection",
				logx.String("campaign", c.id), logx.String("session", c.session))
			final = StatusError
			break loop
		}

		sendStart := time.Now()
		err := conn.SendMessage(context.Background(), g.ID, c.msg)
		out := SendOutcome{
			GroupID:   g.ID,
			GroupName: g.DisplayName,
			OK:        err == nil,
			ElapsedMS: time.Since(sendStart).Milliseconds(),
			At:        time.Now(),
		}
		if err != nil {
			out.Err = err.Error()
		}
		c.record(out, e.cfg.RecentResults)
		if m := metrics.Global(); m != nil {
			if err == nil {
				m.SendsTotal.WithLabelValues("ok").Inc()
			} else {
				m.SendsTotal.WithLabelValues("error").Inc()
			}
		}

		done := i + 1
		if done == 1 || done == total || done%3 == 0 {
			e.publishProgress(c, &out)
		}

		if done < total {
			select {
			case <-time.After(e.gap(c)):
			case <-c.stopCh:
				final = StatusStopped
				break loop
			}
		}
	}

	e.finish(c, final)
}

func (c *campaign) record(out SendOutcome, ring int) {
	c.mu.Lock()
	if out.OK {
		c.sent++
	} else {
		c.failed++
	}
	c.detail = append(c.detail, out)
	c.recent = append(c.recent, out)
	if len(c.recent) > ring {
		c.recent = c.recent[len(c.recent)-ring:]
	}
	c.mu.Unlock()
}

func (e *Engine) finish(c *campaign, final Status) {
	c.mu.Lock()
	c.status = final
	c.completedAt = time.Now()
	c.mu.Unlock()

	e.mu.Lock()
	if e.running[c.session] == c.id {
		delete(e.running, c.session)
	}
	e.mu.Unlock()

	if m := metrics.Global(); m != nil {
		m.CampaignsTotal.WithLabelValues(string(final)).Inc()
	}
	e.publishProgress(c, nil)
	e.log.Info("campaign finished",
		logx.String("campaign", c.id),
		logx.String("session", c.session),
		logx.String("status", string(final)))
}

func (e *Engine) publishProgress(c *campaign, last *SendOutcome) {
	if e.bus == nil {
		return
	}
	c.mu.Lock()
	p := Progress{
		ID:      c.id,
		Session: c.session,
		Status:  c.status,
		Total:   len(c.targets),
		Sent:    c.sent,
		Failed:  c.failed,
		Last:    last,
	}
	c.mu.Unlock()
	e.bus.Publish(eventbus.Event{Type: eventbus.TypeCampaignUpdate, Time: time.Now(), Data: p})
}

// waitBudget blocks on the global limiter until a token is available or the
// campaign is stopped.
func (e *Engine) waitBudget(stopCh <-chan struct{}) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()
	return e.limiter.Wait(ctx)
}

// gap draws the jittered inter-send delay from the campaign's own policy,
// falling back to the session's pacing when the campaign carries none.
func (e *Engine) gap(c *campaign) time.Duration {
	min, max := c.policy.Min, c.policy.Max
	if c.policy.isZero() {
		min, max = e.sessions.Intervals(c.session)
	}
	if max <= min {
		return min
	}
	e.mu.Lock()
	d := min + time.Duration(e.rng.Int63n(int64(max-min)))
	e.mu.Unlock()
	return d
}
