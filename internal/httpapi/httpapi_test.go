package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"groupcast/internal/broadcast"
	"groupcast/internal/eventbus"
	"groupcast/internal/joinqueue"
	"groupcast/internal/provider"
	"groupcast/internal/provider/providertest"
	"groupcast/internal/session"
	"groupcast/pkg/logx"
)

type testStack struct {
	srv       *httptest.Server
	adapter   *providertest.Adapter
	sessions  *session.Registry
	campaigns *broadcast.Engine
}

func newTestStack(t *testing.T) *testStack {
	t.Helper()
	bus := eventbus.New()
	adapter := &providertest.Adapter{
		OnConnect: func(_ string, c *providertest.Conn) { c.EmitReady() },
	}
	reg, err := session.New(session.Config{Dir: t.TempDir()}, adapter, bus, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	queue := joinqueue.New(joinqueue.Config{ItemPause: time.Millisecond}, reg, bus, nil, logx.Nop())
	campaigns := broadcast.New(broadcast.Config{RatePerMinute: 600000}, reg, bus, logx.Nop())

	api := New(reg, queue, campaigns, nil, nil, logx.Nop())
	srv := httptest.NewServer(api.Router())
	t.Cleanup(func() {
		srv.Close()
		campaigns.Shutdown()
		queue.Stop()
		reg.Stop(context.Background())
	})
	return &testStack{srv: srv, adapter: adapter, sessions: reg, campaigns: campaigns}
}

func (ts *testStack) do(t *testing.T, method, path string, body any) (*http.Response, []byte) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req, err := http.NewRequest(method, ts.srv.URL+path, &buf)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := ts.srv.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var out bytes.Buffer
	if _, err := out.ReadFrom(resp.Body); err != nil {
		t.Fatal(err)
	}
	return resp, out.Bytes()
}

// connectActive drives a session through connect until it reports active.
func (ts *testStack) connectActive(t *testing.T, name string) {
	t.Helper()
	resp, body := ts.do(t, http.MethodPost, "/api/v1/sessions/"+name+"/connect", map[string]bool{"create": true})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("connect status = %d, body %s", resp.StatusCode, body)
	}
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if ts.sessions.IsActive(name) {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("session %s never became active", name)
}

func TestHealthz(t *testing.T) {
	t.Parallel()
	ts := newTestStack(t)
	resp, body := ts.do(t, http.MethodGet, "/healthz", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body %s", resp.StatusCode, body)
	}
}

func TestSessionLifecycle(t *testing.T) {
	t.Parallel()
	ts := newTestStack(t)
	ts.connectActive(t, "alpha")

	resp, body := ts.do(t, http.MethodGet, "/api/v1/sessions/", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list status = %d", resp.StatusCode)
	}
	var infos []session.Info
	if err := json.Unmarshal(body, &infos); err != nil {
		t.Fatal(err)
	}
	if len(infos) != 1 || infos[0].Name != "alpha" || infos[0].Status != session.StatusActive {
		t.Fatalf("list = %s", body)
	}

	resp, _ = ts.do(t, http.MethodPut, "/api/v1/sessions/alpha/intervals", map[string]int{"min": 1, "max": 2})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("out-of-range intervals status = %d, want 400", resp.StatusCode)
	}
	resp, body = ts.do(t, http.MethodPut, "/api/v1/sessions/alpha/intervals", map[string]int{"min": 5, "max": 30})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("intervals status = %d, body %s", resp.StatusCode, body)
	}

	resp, _ = ts.do(t, http.MethodPost, "/api/v1/sessions/alpha/disconnect", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("disconnect status = %d", resp.StatusCode)
	}
	resp, _ = ts.do(t, http.MethodDelete, "/api/v1/sessions/alpha/", nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete status = %d", resp.StatusCode)
	}
}

func TestSessionNameValidation(t *testing.T) {
	t.Parallel()
	ts := newTestStack(t)
	resp, _ := ts.do(t, http.MethodGet, "/api/v1/sessions/%21%21%21/", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad name status = %d, want 400", resp.StatusCode)
	}
	resp, _ = ts.do(t, http.MethodGet, "/api/v1/sessions/never-created/", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown session status = %d, want 404", resp.StatusCode)
	}
}

func TestEnqueueEndpoint(t *testing.T) {
	t.Parallel()
	ts := newTestStack(t)
	ts.connectActive(t, "alpha")
	ts.sessions.SetIntervals("alpha", time.Millisecond, 2*time.Millisecond)

	resp, body := ts.do(t, http.MethodPost, "/api/v1/sessions/alpha/queue",
		map[string][]string{"links": {"https://t.me/good_group", "https://example.com/bad"}})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("enqueue status = %d, body %s", resp.StatusCode, body)
	}
	var results []enqueueResponse
	if err := json.Unmarshal(body, &results); err != nil {
		t.Fatal(err)
	}
	if len(results) != 2 || results[0].Result != string(joinqueue.ResultQueued) || results[1].Error == "" {
		t.Fatalf("results = %s", body)
	}

	resp, _ = ts.do(t, http.MethodPost, "/api/v1/sessions/alpha/queue", map[string][]string{"links": {}})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("empty enqueue status = %d, want 400", resp.StatusCode)
	}
}

func TestBroadcastEndpoints(t *testing.T) {
	t.Parallel()
	ts := newTestStack(t)
	ts.adapter.OnConnect = func(_ string, c *providertest.Conn) {
		c.Groups = []provider.Group{
			{ID: "a@g.us", DisplayName: "A"},
			{ID: "b@g.us", DisplayName: "B"},
		}
		c.EmitReady()
	}
	ts.connectActive(t, "alpha")
	ts.sessions.SetIntervals("alpha", time.Millisecond, 2*time.Millisecond)

	resp, body := ts.do(t, http.MethodGet, "/api/v1/sessions/alpha/groups", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("groups status = %d, body %s", resp.StatusCode, body)
	}

	resp, body = ts.do(t, http.MethodPost, "/api/v1/sessions/alpha/broadcasts", map[string]string{"text": "hi"})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("start status = %d, body %s", resp.StatusCode, body)
	}
	var snap broadcast.Snapshot
	if err := json.Unmarshal(body, &snap); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		resp, body = ts.do(t, http.MethodGet, "/api/v1/broadcasts/"+snap.ID, nil)
		var cur broadcast.Snapshot
		if err := json.Unmarshal(body, &cur); err != nil {
			t.Fatal(err)
		}
		if cur.Status == broadcast.StatusCompleted {
			break
		}
		time.Sleep(2 * time.Millisecond)
	}

	resp, body = ts.do(t, http.MethodGet, "/api/v1/broadcasts/"+snap.ID+"/detail", nil)
	var detail []broadcast.SendOutcome
	if err := json.Unmarshal(body, &detail); err != nil {
		t.Fatal(err)
	}
	if len(detail) != 2 {
		t.Fatalf("detail = %s", body)
	}

	resp, _ = ts.do(t, http.MethodGet, "/api/v1/broadcasts/no-such-id", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown campaign status = %d, want 404", resp.StatusCode)
	}
}

func TestBroadcastRequiresActiveSession(t *testing.T) {
	t.Parallel()
	ts := newTestStack(t)
	resp, _ := ts.do(t, http.MethodPost, "/api/v1/sessions/ghost/broadcasts", map[string]string{"text": "hi"})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("status = %d, want 409", resp.StatusCode)
	}
}

func TestCampaignRequestOptions(t *testing.T) {
	t.Parallel()
	ts := newTestStack(t)
	ts.adapter.OnConnect = func(_ string, c *providertest.Conn) {
		c.Groups = []provider.Group{
			{ID: "a@g.us", DisplayName: "A"},
			{ID: "b@g.us", DisplayName: "B"},
			{ID: "c@g.us", DisplayName: "C"},
		}
		c.EmitReady()
	}
	ts.connectActive(t, "alpha")
	ts.sessions.SetIntervals("alpha", time.Millisecond, 2*time.Millisecond)

	resp, body := ts.do(t, http.MethodPost, "/api/v1/sessions/alpha/broadcasts", map[string]any{
		"text":      "hi",
		"intervals": map[string]int{"min": 1, "max": 2},
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("out-of-range intervals status = %d, body %s", resp.StatusCode, body)
	}

	// An explicit target list narrows the campaign below the group count.
	resp, body = ts.do(t, http.MethodPost, "/api/v1/sessions/alpha/broadcasts", map[string]any{
		"text":    "hi",
		"targets": []string{"a@g.us", "c@g.us"},
	})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("start with targets status = %d, body %s", resp.StatusCode, body)
	}
	var snap broadcast.Snapshot
	if err := json.Unmarshal(body, &snap); err != nil {
		t.Fatal(err)
	}
	if snap.Total != 2 {
		t.Fatalf("total = %d, want the explicit target count", snap.Total)
	}
}

func TestScheduleEndpoints(t *testing.T) {
	t.Parallel()
	ts := newTestStack(t)

	resp, _ := ts.do(t, http.MethodPost, "/api/v1/schedules/", map[string]any{
		"session": "alpha",
		"fire_at": time.Now().Add(-time.Minute).Format(time.RFC3339),
		"message": map[string]string{"text": "x"},
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("past schedule status = %d, want 400", resp.StatusCode)
	}

	resp, body := ts.do(t, http.MethodPost, "/api/v1/schedules/", map[string]any{
		"session": "alpha",
		"fire_at": time.Now().Add(time.Hour).Format(time.RFC3339),
		"message": map[string]string{"text": "x"},
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d, body %s", resp.StatusCode, body)
	}
	var info broadcast.ScheduleInfo
	if err := json.Unmarshal(body, &info); err != nil {
		t.Fatal(err)
	}

	resp, body = ts.do(t, http.MethodGet, "/api/v1/schedules/", nil)
	var list []broadcast.ScheduleInfo
	if err := json.Unmarshal(body, &list); err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || list[0].ID != info.ID {
		t.Fatalf("list = %s", body)
	}

	resp, _ = ts.do(t, http.MethodDelete, "/api/v1/schedules/"+info.ID, nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("cancel status = %d", resp.StatusCode)
	}
	resp, _ = ts.do(t, http.MethodDelete, "/api/v1/schedules/"+info.ID, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("double cancel status = %d, want 404", resp.StatusCode)
	}
}

func TestMessageValidation(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		body messageBody
		ok   bool
	}{
		{name: "text only", body: messageBody{Text: "hi"}, ok: true},
		{name: "empty", body: messageBody{}, ok: false},
	}
	for _, tc := range cases {
		_, err := tc.body.toMessage()
		if (err == nil) != tc.ok {
			t.Errorf("%s: err = %v", tc.name, err)
		}
	}

	var withMedia messageBody
	raw := `{"text":"","media":{"kind":"image","url":"https://cdn/x.png"}}`
	if err := json.Unmarshal([]byte(raw), &withMedia); err != nil {
		t.Fatal(err)
	}
	msg, err := withMedia.toMessage()
	if err != nil || msg.Media == nil || msg.Media.Kind != provider.MediaImage {
		t.Fatalf("media message = %+v, err %v", msg, err)
	}
}
