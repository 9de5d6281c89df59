package logx

import (
	"encoding/json"

	"github.com/rs/zerolog"

	"groupcast/internal/eventbus"
)

// Notice is the payload of eventbus.TypeLogNotice events. It carries enough
// to render a human message without re-parsing log output.
type Notice struct {
	Level   string `json:"level"`
	Message string `json:"message"`
	Err     string `json:"err,omitempty"`
	Session string `json:"session,omitempty"`
}

// noticeWriter is a zerolog sink that forwards qualifying records to the
// event bus. Publishing is non-blocking by bus contract, so logging never
// stalls on a slow subscriber.
type noticeWriter struct{ svc *Service }

func (w *noticeWriter) Write(p []byte) (int, error) {
	return w.WriteLevel(zerolog.InfoLevel, p)
}

func (w *noticeWriter) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	s := w.svc
	if s == nil {
		return len(p), nil
	}

	s.mu.Lock()
	bus := s.bus
	lim := s.limiter
	min := s.minLevel
	s.mu.Unlock()

	if bus == nil || lim == nil || level < min {
		return len(p), nil
	}
	if !lim.Allow() {
		return len(p), nil
	}

	n := decodeNotice(p)
	if n.Message == "" && n.Err == "" {
		return len(p), nil
	}
	bus.Publish(eventbus.Event{Type: eventbus.TypeLogNotice, Data: n})
	return len(p), nil
}

// decodeNotice best-effort decodes a zerolog JSON line.
func decodeNotice(p []byte) Notice {
	var raw map[string]any
	if err := json.Unmarshal(p, &raw); err != nil {
		return Notice{}
	}
	get := func(k string) string {
		v, _ := raw[k].(string)
		return v
	}
	return Notice{
		Level:   get(zerolog.LevelFieldName),
		Message: get(zerolog.MessageFieldName),
		Err:     get(zerolog.ErrorFieldName),
		Session: get("session"),
	}
}
