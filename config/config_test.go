package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte(`
mode: manual
manual_target: "59.3"
default_latency_ms: 250
skip_status_check: true
tick: 50ms
ntp:
  servers: ["time.cloudflare.com"]
  timeout: 1s
probe:
  endpoints: ["10.0.0.1"]
  count: 3
dispatch:
  cookie: "tok"
  proxy: "socks5://127.0.0.1:1080"
`), 0644)

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Mode != ModeManual {
		t.Errorf("expected manual, got %s", cfg.Mode)
	}
	if cfg.ManualTarget != "59.3" {
		t.Errorf("expected 59.3, got %s", cfg.ManualTarget)
	}
	if cfg.DefaultLatencyMs != 250 {
		t.Errorf("expected 250, got %d", cfg.DefaultLatencyMs)
	}
	if !cfg.SkipStatusCheck {
		t.Error("expected skip_status_check")
	}
	if cfg.Tick != 50*time.Millisecond {
		t.Errorf("expected 50ms tick, got %s", cfg.Tick)
	}
	if len(cfg.NTP.Servers) != 1 || cfg.NTP.Servers[0] != "time.cloudflare.com" {
		t.Errorf("unexpected servers %v", cfg.NTP.Servers)
	}
	if cfg.NTP.Timeout != time.Second {
		t.Errorf("expected 1s ntp timeout, got %s", cfg.NTP.Timeout)
	}
	if cfg.Probe.Count != 3 {
		t.Errorf("expected count 3, got %d", cfg.Probe.Count)
	}
	if cfg.Dispatch.Proxy != "socks5://127.0.0.1:1080" {
		t.Errorf("unexpected proxy %s", cfg.Dispatch.Proxy)
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("dispatch:\n  cookie: abc\n"), 0644)

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Mode != ModeAuto {
		t.Errorf("expected default auto, got %s", cfg.Mode)
	}
	if cfg.DefaultLatencyMs != 300 {
		t.Errorf("expected default 300, got %d", cfg.DefaultLatencyMs)
	}
	if cfg.Deadline.Hour != 23 || cfg.Deadline.Minute != 59 || cfg.Deadline.CheckpointSecond != 48 {
		t.Errorf("unexpected deadline %+v", cfg.Deadline)
	}
	if cfg.NTP.Version != 3 {
		t.Errorf("expected ntp version 3, got %d", cfg.NTP.Version)
	}
	if len(cfg.NTP.Servers) != 8 {
		t.Errorf("expected 8 default servers, got %d", len(cfg.NTP.Servers))
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}
}

func TestLoadConfigMissing(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if !os.IsNotExist(err) {
		t.Errorf("expected not-exist error, got %v", err)
	}
}

func TestSaveAndReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	cfg := Default()
	cfg.DefaultLatencyMs = 180
	cfg.Probe.Interval = 250 * time.Millisecond
	if err := Save(path, cfg); err != nil {
		t.Fatal(err)
	}
	loaded, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.DefaultLatencyMs != 180 {
		t.Errorf("expected 180, got %d", loaded.DefaultLatencyMs)
	}
	if loaded.Probe.Interval != 250*time.Millisecond {
		t.Errorf("expected 250ms, got %s", loaded.Probe.Interval)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
		ok     bool
	}{
		{"defaults", func(c *Config) {}, true},
		{"bad mode", func(c *Config) { c.Mode = "turbo" }, false},
		{"manual numeric", func(c *Config) { c.Mode = ModeManual; c.ManualTarget = "59.0" }, true},
		{"manual garbage", func(c *Config) { c.Mode = ModeManual; c.ManualTarget = "soon" }, false},
		{"zero latency", func(c *Config) { c.DefaultLatencyMs = 0 }, false},
		{"negative latency", func(c *Config) { c.DefaultLatencyMs = -5 }, false},
		{"bad timezone", func(c *Config) { c.Timezone = "Mars/Olympus" }, false},
		{"bad hour", func(c *Config) { c.Deadline.Hour = 24 }, false},
		{"no servers", func(c *Config) { c.NTP.Servers = nil }, false},
		{"no endpoints", func(c *Config) { c.Probe.Endpoints = nil }, false},
		{"no endpoints skip probe", func(c *Config) { c.Probe.Endpoints = nil; c.SkipProbe = true }, true},
		{"zero tick", func(c *Config) { c.Tick = 0 }, false},
		{"spin over tick", func(c *Config) { c.Spin = c.Tick }, false},
		{"no spin", func(c *Config) { c.Spin = 0 }, true},
		{"no apply url", func(c *Config) { c.Dispatch.ApplyURL = "" }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Default()
			tt.mutate(c)
			err := c.Validate()
			if tt.ok && err != nil {
				t.Errorf("expected valid, got %v", err)
			}
			if !tt.ok && err == nil {
				t.Error("expected error")
			}
		})
	}
}
