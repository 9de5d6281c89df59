package broadcast

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"groupcast/internal/eventbus"
	"groupcast/internal/provider"
	"groupcast/pkg/logx"
)

type schedule struct {
	id        string
	session   string
	msg       provider.Message
	policy    IntervalPolicy
	targets   []provider.Group
	fireAt    time.Time
	createdAt time.Time
	timer     *time.Timer
}

// Schedule arms a one-shot campaign for fireAt, carrying the same policy and
// optional explicit target list as Start. The session is revalidated when
// the timer fires, not at schedule time.
func (e *Engine) Schedule(session string, msg provider.Message, policy IntervalPolicy, targets []provider.Group, fireAt time.Time) (ScheduleInfo, error) {
	if !fireAt.After(time.Now()) {
		return ScheduleInfo{}, fmt.Errorf("%w: %s", ErrPastSchedule, fireAt.Format(time.RFC3339))
	}

	s := &schedule{
		id:        uuid.NewString(),
		session:   session,
		msg:       msg,
		policy:    policy,
		targets:   targets,
		fireAt:    fireAt,
		createdAt: time.Now(),
	}

	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return ScheduleInfo{}, context.Canceled
	}
	e.schedules[s.id] = s
	s.timer = time.AfterFunc(time.Until(fireAt), func() { e.fire(s.id) })
	e.mu.Unlock()

	e.log.Info("campaign scheduled",
		logx.String("schedule", s.id),
		logx.String("session", session),
		logx.Time("fire_at", fireAt))
	return s.info(), nil
}

func (e *Engine) fire(id string) {
	e.mu.Lock()
	s, ok := e.schedules[id]
	delete(e.schedules, id)
	e.mu.Unlock()
	if !ok {
		return
	}

	if _, err := e.Start(context.Background(), s.session, s.msg, s.policy, s.targets); err != nil {
		e.log.Warn("scheduled campaign not started",
			logx.String("schedule", s.id),
			logx.String("session", s.session),
			logx.Err(err))
		e.publishCancelled(s, err.Error())
	}
}

// CancelScheduled disarms a pending schedule.
func (e *Engine) CancelScheduled(id string) error {
	e.mu.Lock()
	s, ok := e.schedules[id]
	if ok {
		s.timer.Stop()
		delete(e.schedules, id)
	}
	e.mu.Unlock()
	if !ok {
		return ErrScheduleNotFound
	}
	e.publishCancelled(s, "cancelled")
	e.log.Info("schedule cancelled", logx.String("schedule", id))
	return nil
}

func (e *Engine) Schedules() []ScheduleInfo {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]ScheduleInfo, 0, len(e.schedules))
	for _, s := range e.schedules {
		out = append(out, s.info())
	}
	return out
}

func (e *Engine) publishCancelled(s *schedule, reason string) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(eventbus.Event{
		Type: eventbus.TypeScheduleCancelled,
		Time: time.Now(),
		Data: ScheduleCancelled{ID: s.id, Session: s.session, Reason: reason},
	})
}

func (s *schedule) info() ScheduleInfo {
	return ScheduleInfo{ID: s.id, Session: s.session, FireAt: s.fireAt, CreatedAt: s.createdAt}
}
