// Package notifier forwards high-signal events (log notices, campaign
// results, expired challenges) to an operator chat. It is strictly
// send-only; session configuration happens elsewhere.
package notifier

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	"groupcast/internal/broadcast"
	"groupcast/internal/eventbus"
	"groupcast/internal/session"
	"groupcast/pkg/logx"
)

var ErrDisabled = errors.New("notifier disabled")

type Service struct {
	cfg     Config
	log     logx.Logger
	bus     eventbus.Bus
	sender  Sender
	limiter *rate.Limiter

	queue  chan string
	stopCh chan struct{}
	unsub  func()
	wg     sync.WaitGroup

	dmu   sync.Mutex
	dedup map[string]time.Time

	hmu     sync.Mutex
	history []HistoryItem
}

// New builds a Telegram-backed notifier. The bot handle is dialed lazily in
// Start so construction never blocks on the network.
func New(cfg Config, bus eventbus.Bus, log logx.Logger) *Service {
	return newService(cfg, bus, log, nil)
}

// NewWithSender injects a delivery transport. Used by tests.
func NewWithSender(cfg Config, bus eventbus.Bus, log logx.Logger, sender Sender) *Service {
	return newService(cfg, bus, log, sender)
}

func newService(cfg Config, bus eventbus.Bus, log logx.Logger, sender Sender) *Service {
	cfg = cfg.withDefaults()
	return &Service{
		cfg:     cfg,
		log:     log,
		bus:     bus,
		sender:  sender,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), 1),
		queue:   make(chan string, cfg.QueueSize),
		stopCh:  make(chan struct{}),
		dedup:   make(map[string]time.Time),
	}
}

func (s *Service) Start() error {
	if !s.cfg.Enabled {
		return ErrDisabled
	}
	if s.sender == nil {
		bot, err := tele.NewBot(tele.Settings{Token: s.cfg.Token})
		if err != nil {
			return fmt.Errorf("notifier bot: %w", err)
		}
		s.sender = &telegramSender{bot: bot, chat: tele.ChatID(s.cfg.ChatID)}
	}

	events, unsub := s.bus.Subscribe(s.cfg.QueueSize)
	s.unsub = unsub
	s.wg.Add(2)
	go s.consume(events)
	go s.deliver()
	s.log.Info("notifier started", logx.Int64("chat_id", s.cfg.ChatID))
	return nil
}

func (s *Service) Stop() {
	select {
	case <-s.stopCh:
		return
	default:
	}
	close(s.stopCh)
	if s.unsub != nil {
		s.unsub()
	}
	s.wg.Wait()
}

// History returns the most recent notifications, newest last.
func (s *Service) History() []HistoryItem {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	return append([]HistoryItem(nil), s.history...)
}

// consume renders bus events into notification lines.
func (s *Service) consume(events <-chan eventbus.Event) {
	defer s.wg.Done()
	for {
		select {
		case <-s.stopCh:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if text := s.render(ev); text != "" {
				s.enqueue(text)
			}
		}
	}
}

func (s *Service) render(ev eventbus.Event) string {
	switch ev.Type {
	case eventbus.TypeLogNotice:
		n, ok := ev.Data.(logx.Notice)
		if !ok || !s.levelQualifies(n.Level) {
			return ""
		}
		text := fmt.Sprintf("⚠ %s", n.Message)
		if n.Session != "" {
			text += fmt.Sprintf(" [%s]", n.Session)
		}
		if n.Err != "" {
			text += ": " + n.Err
		}
		return text
	case eventbus.TypeCampaignUpdate:
		p, ok := ev.Data.(broadcast.Progress)
		if !ok || p.Status == broadcast.StatusRunning {
			return ""
		}
		return fmt.Sprintf("📢 campaign %s on %s: %s (%d sent, %d failed of %d)",
			p.ID, p.Session, p.Status, p.Sent, p.Failed, p.Total)
	case eventbus.TypeChallengeTick:
		c, ok := ev.Data.(session.ChallengeEvent)
		if !ok || !c.Expired {
			return ""
		}
		return fmt.Sprintf("⏱ challenge for %s expired without confirmation", c.Name)
	case eventbus.TypeScheduleCancelled:
		sc, ok := ev.Data.(broadcast.ScheduleCancelled)
		if !ok {
			return ""
		}
		return fmt.Sprintf("🗓 schedule %s for %s dropped: %s", sc.ID, sc.Session, sc.Reason)
	}
	return ""
}

func (s *Service) levelQualifies(level string) bool {
	rank := func(l string) int {
		switch l {
		case "trace":
			return 0
		case "debug":
			return 1
		case "info":
			return 2
		case "warn":
			return 3
		default:
			return 4
		}
	}
	return rank(level) >= rank(s.cfg.MinLevel)
}

// enqueue applies the dedup window, then pushes with drop-oldest overflow.
func (s *Service) enqueue(text string) {
	now := time.Now()
	s.dmu.Lock()
	if until, seen := s.dedup[text]; seen && now.Before(until) {
		s.dmu.Unlock()
		return
	}
	s.dedup[text] = now.Add(s.cfg.DedupWindow)
	for k, until := range s.dedup {
		if now.After(until) {
			delete(s.dedup, k)
		}
	}
	s.dmu.Unlock()

	for {
		select {
		case s.queue <- text:
			return
		default:
			select {
			case <-s.queue:
			default:
			}
		}
	}
}

func (s *Service) deliver() {
	defer s.wg.Done()
	for {
		select {
		case <-s.stopCh:
			return
		case text := <-s.queue:
			if err := s.waitBudget(); err != nil {
				return
			}
			err := s.sender.Send(text)
			s.remember(text, err)
			if err != nil {
				s.log.Warn("notification send failed", logx.Err(err))
			}
		}
	}
}

func (s *Service) waitBudget() error {
	for {
		if s.limiter.Allow() {
			return nil
		}
		select {
		case <-s.stopCh:
			return errors.New("stopped")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func (s *Service) remember(text string, err error) {
	item := HistoryItem{Text: text, At: time.Now(), Sent: err == nil}
	if err != nil {
		item.Err = err.Error()
	}
	s.hmu.Lock()
	s.history = append(s.history, item)
	if len(s.history) > historyCap {
		s.history = s.history[len(s.history)-historyCap:]
	}
	s.hmu.Unlock()
}

type telegramSender struct {
	bot  *tele.Bot
	chat tele.ChatID
}

func (t *telegramSender) Send(text string) error {
	_, err := t.bot.Send(t.chat, text)
	return err
}
