package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeTemp(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadJSON(t *testing.T) {
	t.Parallel()
	path := writeTemp(t, "config.json", `{
		"server": {"addr": ":8080"},
		"logging": {"level": "debug"},
		"sessions": {"dir": "./sessions", "challenge_timeout": "60s"},
		"queue": {"intervals": {"min": 5, "max": 30}, "item_pause": "2s"},
		"campaign": {"intervals": {"min": 5, "max": 30}, "group_cache_ttl": "2m"}
	}`)
	m := NewManager(path)
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Addr != ":8080" {
		t.Fatalf("Addr = %q", cfg.Server.Addr)
	}
	if cfg.Queue.Intervals.Min != 5 || cfg.Queue.Intervals.Max != 30 {
		t.Fatalf("intervals = %+v", cfg.Queue.Intervals)
	}
	if got := m.Get(); got != cfg {
		t.Fatal("Get should return the committed snapshot")
	}
}

func TestLoadYAML(t *testing.T) {
	t.Parallel()
	path := writeTemp(t, "config.yaml", `
server:
  addr: ":9090"
logging:
  level: info
sessions:
  dir: ./sessions
queue:
  intervals:
    min: 5
    max: 10
campaign: {}
`)
	cfg, err := NewManager(path).Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Addr != ":9090" {
		t.Fatalf("Addr = %q", cfg.Server.Addr)
	}
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	t.Parallel()
	path := writeTemp(t, "config.json", `{"serverr": {}}`)
	if _, err := NewManager(path).Load(); err == nil {
		t.Fatal("expected unknown-field error")
	}
}

func TestValidateIntervals(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		iv      Intervals
		wantErr bool
	}{
		{"zero ok", Intervals{}, false},
		{"valid", Intervals{Min: 5, Max: 30}, false},
		{"bounds", Intervals{Min: 3, Max: 3600}, false},
		{"below floor", Intervals{Min: 1, Max: 10}, true},
		{"above ceil", Intervals{Min: 5, Max: 5000}, true},
		{"inverted", Intervals{Min: 30, Max: 5}, true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateIntervals("x", tt.iv)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr = %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateChallengeFloor(t *testing.T) {
	t.Parallel()
	cfg := &Config{Sessions: SessionsConfig{ChallengeTimeout: "5s"}}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected floor violation")
	}
	cfg.Sessions.ChallengeTimeout = "10s"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestFieldDuration(t *testing.T) {
	t.Parallel()
	if d, err := FieldDuration("x", " 90s ", 0); err != nil || d != 90*time.Second {
		t.Fatalf("got %v, %v", d, err)
	}
	if d, err := FieldDuration("x", "", 0); err != nil || d != 0 {
		t.Fatalf("empty should be zero, got %v, %v", d, err)
	}
	if _, err := FieldDuration("x", "-1s", 0); err == nil {
		t.Fatal("negative must fail")
	}
	if d, err := FieldDuration("x", "", time.Minute); err != nil || d != time.Minute {
		t.Fatalf("default not applied: %v, %v", d, err)
	}
	if d, err := FieldDuration("x", "0s", time.Minute); err != nil || d != time.Minute {
		t.Fatalf("explicit zero should take the default: %v, %v", d, err)
	}
}
