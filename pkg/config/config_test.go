package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadConfigFromEnvPath(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	content := `{
	  "pipeline": {"dedup_window_ms": 8000, "short_interval_ms": 2000},
	  "socket": {"url": "ws://127.0.0.1:9000/ws"},
	  "store": {"driver": "memory"},
	  "gateway": {"host": "0.0.0.0", "port": 18800},
	  "logging": {"format": "json", "level": "debug", "add_source": true}
	}`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config file: %v", err)
	}

	t.Setenv("BEACON_CONFIG", path)

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig error: %v", err)
	}

	if cfg.Logging.Format != "json" {
		t.Fatalf("logging.format = %q, want %q", cfg.Logging.Format, "json")
	}
	if !cfg.Logging.AddSource {
		t.Fatal("logging.add_source = false, want true")
	}
	if cfg.Pipeline.DedupWindowMs != 8000 {
		t.Fatalf("pipeline.dedup_window_ms = %d, want 8000", cfg.Pipeline.DedupWindowMs)
	}
	if cfg.Pipeline.SteadyIntervalMs != 30000 {
		t.Fatalf("pipeline.steady_interval_ms = %d, want default 30000", cfg.Pipeline.SteadyIntervalMs)
	}
	if cfg.Socket.IdentityKey != "user" {
		t.Fatalf("socket.identity_key = %q, want %q", cfg.Socket.IdentityKey, "user")
	}
}

func TestLoadConfigYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := "pipeline:\n  successes_before_widen: 5\nstore:\n  driver: redis\n  redis_addr: 127.0.0.1:6379\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	t.Setenv("BEACON_CONFIG", path)

	cfg, err := LoadConfig()
	require.NoError(t, err)
	require.Equal(t, 5, cfg.Pipeline.SuccessesBeforeWiden)
	require.Equal(t, "redis", cfg.Store.Driver)
	require.Equal(t, "127.0.0.1:6379", cfg.Store.RedisAddr)
}

func TestEnvOverridesFileValues(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"gateway": {"port": 18800}, "presenters": {"telegram": {"token": "file"}}}`), 0o600))

	t.Setenv("BEACON_CONFIG", path)
	t.Setenv("BEACON_GATEWAY_PORT", "19000")
	t.Setenv("BEACON_PRESENTERS_TELEGRAM_TOKEN", "env-token")
	t.Setenv("BEACON_PIPELINE_CALL_AUTO_EXPIRE_MS", "30000")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	require.Equal(t, 19000, cfg.Gateway.Port)
	require.Equal(t, "env-token", cfg.Presenters.Telegram.Token)
	require.Equal(t, 30*time.Second, Millis(cfg.Pipeline.CallAutoExpireMs))
}

func TestLoadConfigInvalidEnvPath(t *testing.T) {
	t.Setenv("BEACON_CONFIG", filepath.Join(t.TempDir(), "missing.json"))

	if _, err := LoadConfig(); err == nil {
		t.Fatal("expected error for missing config path")
	}
}

func TestDefaults(t *testing.T) {
	cfg := Default()

	require.Equal(t, 5000, cfg.Pipeline.DedupWindowMs)
	require.Equal(t, 5000, cfg.Pipeline.ShortIntervalMs)
	require.Equal(t, 30000, cfg.Pipeline.SteadyIntervalMs)
	require.Equal(t, 3, cfg.Pipeline.SuccessesBeforeWiden)
	require.Equal(t, 45000, cfg.Pipeline.CallAutoExpireMs)
	require.Equal(t, "sqlite", cfg.Store.Driver)
}
