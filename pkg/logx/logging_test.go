package logx

import (
	"testing"
	"time"

	"github.com/rs/zerolog"

	"groupcast/internal/eventbus"
)

func TestParseLevel(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   string
		want zerolog.Level
	}{
		{"debug", zerolog.DebugLevel},
		{"WARN", zerolog.WarnLevel},
		{"warning", zerolog.WarnLevel},
		{"", zerolog.InfoLevel},
		{"bogus", zerolog.InfoLevel},
	}
	for _, tt := range tests {
		if got := parseLevel(tt.in, zerolog.InfoLevel); got != tt.want {
			t.Fatalf("parseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestNopLoggerIsSafe(t *testing.T) {
	t.Parallel()
	var l Logger
	l.Info("zero value must not panic")
	Nop().Error("nop must not panic", Err(nil))
}

func TestNoticeSinkPublishes(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(8)
	defer unsub()

	svc, log := New(Config{
		Level:   "debug",
		Console: false,
		Notify:  NotifyConfig{Enabled: true, MinLevel: "warn", RatePerSec: 100},
	}, bus)
	defer svc.Close()

	log.Info("below min level", String("session", "s1"))
	log.Warn("queue stalled", String("session", "s1"))

	select {
	case e := <-ch:
		n, ok := e.Data.(Notice)
		if !ok {
			t.Fatalf("Data = %T, want Notice", e.Data)
		}
		if n.Message != "queue stalled" || n.Session != "s1" {
			t.Fatalf("unexpected notice: %+v", n)
		}
		if n.Level != "warn" {
			t.Fatalf("Level = %q, want warn", n.Level)
		}
	case <-time.After(time.Second):
		t.Fatal("no notice published")
	}

	select {
	case e := <-ch:
		t.Fatalf("unexpected extra event: %+v", e)
	default:
	}
}

func TestDecodeNoticeBadJSON(t *testing.T) {
	t.Parallel()
	if n := decodeNotice([]byte("not json")); n.Message != "" {
		t.Fatalf("expected empty notice, got %+v", n)
	}
}
