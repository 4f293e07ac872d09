package stationd

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "stationd.toml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadConfigAndNew(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, `
[remote]
base_url = "http://localhost:9180/api"
ws_url = "ws://localhost:9180/api/events"

[store]
dsn = "sqlite://`+filepath.Join(dir, "state.db")+`"

[[history]]
dsn = "sqlite://`+filepath.Join(dir, "history.db")+`"
`)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Server.Addr != ":8080" {
		t.Fatalf("defaults not applied: %+v", cfg.Server)
	}

	agent, err := New(cfg)
	if err != nil {
		t.Fatalf("new agent: %v", err)
	}
	// the agent is never started here, so only the passive surface is used
	if got := agent.Subscriptions(); len(got) != 0 {
		t.Fatalf("fresh agent has subscriptions: %v", got)
	}
	if agent.FallbackActive() {
		t.Fatalf("fresh agent reports fallback active")
	}
	if h := NewRouterHandler("/api", agent); h == nil {
		t.Fatalf("router handler is nil")
	}
}

func TestNewRejectsBadStoreDSN(t *testing.T) {
	path := writeConfig(t, `
[remote]
ws_url = "ws://localhost:9180/api/events"

[store]
dsn = "redis://localhost:6379"
`)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if _, err := New(cfg); err == nil {
		t.Fatalf("expected error for unsupported store dsn")
	}
}

func TestNewHistorySink(t *testing.T) {
	sink, err := NewHistorySink("sqlite://" + filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatalf("new sink: %v", err)
	}
	if sink == nil {
		t.Fatalf("sink is nil")
	}
}

func TestRegisterMetrics(t *testing.T) {
	if err := RegisterMetrics(prometheus.NewRegistry()); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := RegisterMetricsDefault(); err != nil {
		t.Fatalf("register default: %v", err)
	}
}
