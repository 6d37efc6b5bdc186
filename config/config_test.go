package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	if cfg.Scan.BatchSize != 150 {
		t.Errorf("BatchSize = %d, want 150", cfg.Scan.BatchSize)
	}
	if cfg.Scan.CheckpointKey != "checkPostsAddresses:lastId" {
		t.Errorf("CheckpointKey = %q", cfg.Scan.CheckpointKey)
	}
	if cfg.Sweep.Window != 30*time.Minute || cfg.Sweep.Limit != 50 {
		t.Errorf("sweep defaults = %v / %d", cfg.Sweep.Window, cfg.Sweep.Limit)
	}
	if !cfg.MockTelegram() {
		t.Error("empty token should mean mock transport")
	}
	if cfg.Redis.Addr != "" || cfg.Scan.CheckpointTTL != 0 {
		t.Errorf("checkpoint defaults = %q / %v, want in-memory without expiry", cfg.Redis.Addr, cfg.Scan.CheckpointTTL)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"PORT":                "9090",
		"REDIS_ADDR":          "redis:6379",
		"REDIS_DB":            "3",
		"SCAN_CHECKPOINT_TTL": "168h",
		"SCAN_INTERVAL":       "10s",
		"SWEEP_CONCURRENCY":   "2",
		"TELEGRAM_TOKEN":      "123:abc",
		"TELEGRAM_RPS":        "5.5",
	}
	cfg := Default()
	if err := ApplyEnv(cfg, func(k string) string { return env[k] }); err != nil {
		t.Fatalf("ApplyEnv() error = %v", err)
	}

	if cfg.Port != "9090" || cfg.Redis.DB != 3 || cfg.Scan.Interval != 10*time.Second ||
		cfg.Sweep.Concurrency != 2 || cfg.Telegram.RPS != 5.5 {
		t.Errorf("ApplyEnv() = %+v", cfg)
	}
	if cfg.Redis.Addr != "redis:6379" || cfg.Scan.CheckpointTTL != 168*time.Hour {
		t.Errorf("checkpoint settings = %q / %v", cfg.Redis.Addr, cfg.Scan.CheckpointTTL)
	}
	if cfg.MockTelegram() {
		t.Error("token set, transport should not be mocked")
	}
	// Untouched values keep defaults.
	if cfg.Scan.BatchSize != 150 {
		t.Errorf("BatchSize = %d, want default", cfg.Scan.BatchSize)
	}
}

func TestApplyEnvInvalid(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  string
	}{
		{"bad int", "REDIS_DB", "three"},
		{"bad duration", "SCAN_INTERVAL", "5 seconds"},
		{"bad ttl", "SCAN_CHECKPOINT_TTL", "forever"},
		{"bad float", "TELEGRAM_RPS", "fast"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ApplyEnv(Default(), func(k string) string {
				if k == tt.key {
					return tt.val
				}
				return ""
			})
			if err == nil {
				t.Errorf("ApplyEnv(%s=%s) error = nil", tt.key, tt.val)
			}
		})
	}
}

func TestLoadFile(t *testing.T) {
	for _, k := range []string{"PORT", "LOG_LEVEL", "REDIS_ADDR", "SCAN_CHECKPOINT_TTL", "SCAN_BATCH_SIZE", "SCAN_INTERVAL", "STORAGE_BUCKET", "LOCAL_STORAGE", "SWEEP_LIMIT"} {
		t.Setenv(k, "")
	}
	path := filepath.Join(t.TempDir(), "forumwatch.yaml")
	data := `
port: "7000"
log_level: debug
redis:
  addr: redis:6379
scan:
  batch_size: 50
  interval: 1m
  checkpoint_ttl: 72h
storage:
  bucket: my-bucket
`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Port != "7000" || cfg.Redis.Addr != "redis:6379" || cfg.Scan.BatchSize != 50 || cfg.Scan.Interval != time.Minute {
		t.Errorf("Load() = %+v", cfg)
	}
	if cfg.Scan.CheckpointTTL != 72*time.Hour {
		t.Errorf("CheckpointTTL = %v, want 72h", cfg.Scan.CheckpointTTL)
	}
	if cfg.Storage.Bucket != "my-bucket" || cfg.Storage.LocalPath != "" {
		t.Errorf("storage = %+v, want bucket only", cfg.Storage)
	}
	// Not in the file: defaults remain.
	if cfg.Sweep.Limit != 50 {
		t.Errorf("Sweep.Limit = %d, want default 50", cfg.Sweep.Limit)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("Load() of missing file should fail")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero batch", func(c *Config) { c.Scan.BatchSize = 0 }},
		{"unknown level", func(c *Config) { c.LogLevel = "loud" }},
		{"negative ttl", func(c *Config) { c.Scan.CheckpointTTL = -time.Second }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("Validate() error = nil, want error")
			}
		})
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{"debug", slog.LevelDebug, false},
		{"INFO", slog.LevelInfo, false},
		{"", slog.LevelInfo, false},
		{"warning", slog.LevelWarn, false},
		{"error", slog.LevelError, false},
		{"trace", slog.LevelInfo, true},
	}
	for _, tt := range tests {
		got, err := ParseLevel(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, %v; want %v, err=%v", tt.in, got, err, tt.want, tt.wantErr)
		}
	}
}
