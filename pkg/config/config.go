package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const envPrefix = "BEACON_"

// Config is the root runtime configuration loaded from config.json or config.yaml.
type Config struct {
	Pipeline   PipelineConfig   `json:"pipeline" yaml:"pipeline" envPrefix:"PIPELINE_"`
	Socket     SocketConfig     `json:"socket" yaml:"socket" envPrefix:"SOCKET_"`
	Store      StoreConfig      `json:"store" yaml:"store" envPrefix:"STORE_"`
	Gateway    GatewayConfig    `json:"gateway" yaml:"gateway" envPrefix:"GATEWAY_"`
	Presenters PresentersConfig `json:"presenters" yaml:"presenters" envPrefix:"PRESENTERS_"`
	Speech     SpeechConfig     `json:"speech" yaml:"speech" envPrefix:"SPEECH_"`
	Bridge     BridgeConfig     `json:"bridge" yaml:"bridge" envPrefix:"BRIDGE_"`
	Logging    LoggingConfig    `json:"logging,omitempty" yaml:"logging,omitempty" envPrefix:"LOG_"`
}

// LoggingConfig controls structured log output format and verbosity.
type LoggingConfig struct {
	Format    string `json:"format,omitempty" yaml:"format,omitempty" env:"FORMAT"`
	Level     string `json:"level,omitempty" yaml:"level,omitempty" env:"LEVEL"`
	AddSource bool   `json:"add_source,omitempty" yaml:"add_source,omitempty" env:"ADD_SOURCE"`
}

// PipelineConfig holds the delivery tunables. All durations are milliseconds.
type PipelineConfig struct {
	DedupWindowMs        int `json:"dedup_window_ms" yaml:"dedup_window_ms" env:"DEDUP_WINDOW_MS"`
	DedupMaxEntries      int `json:"dedup_max_entries" yaml:"dedup_max_entries" env:"DEDUP_MAX_ENTRIES"`
	ShortIntervalMs      int `json:"short_interval_ms" yaml:"short_interval_ms" env:"SHORT_INTERVAL_MS"`
	SteadyIntervalMs     int `json:"steady_interval_ms" yaml:"steady_interval_ms" env:"STEADY_INTERVAL_MS"`
	SuccessesBeforeWiden int `json:"successes_before_widen" yaml:"successes_before_widen" env:"SUCCESSES_BEFORE_WIDEN"`
	ErrorLogEvery        int `json:"error_log_every" yaml:"error_log_every" env:"ERROR_LOG_EVERY"`
	CallAutoExpireMs     int `json:"call_auto_expire_ms" yaml:"call_auto_expire_ms" env:"CALL_AUTO_EXPIRE_MS"`
	InboundQueueSize     int `json:"inbound_queue_size" yaml:"inbound_queue_size" env:"INBOUND_QUEUE_SIZE"`
	IngressRatePerSecond int `json:"ingress_rate_per_second" yaml:"ingress_rate_per_second" env:"INGRESS_RATE_PER_SECOND"`
	IngressBurst         int `json:"ingress_burst" yaml:"ingress_burst" env:"INGRESS_BURST"`
}

// SocketConfig configures the realtime transport.
type SocketConfig struct {
	URL           string `json:"url" yaml:"url" env:"URL"`
	DialTimeoutMs int    `json:"dial_timeout_ms" yaml:"dial_timeout_ms" env:"DIAL_TIMEOUT_MS"`
	IdentityKey   string `json:"identity_key" yaml:"identity_key" env:"IDENTITY_KEY"`
}

// StoreConfig selects the durable key-value backend.
type StoreConfig struct {
	Driver        string `json:"driver" yaml:"driver" env:"DRIVER"`
	Path          string `json:"path" yaml:"path" env:"PATH"`
	RedisAddr     string `json:"redis_addr" yaml:"redis_addr" env:"REDIS_ADDR"`
	RedisPassword string `json:"redis_password" yaml:"redis_password" env:"REDIS_PASSWORD"`
	RedisDB       int    `json:"redis_db" yaml:"redis_db" env:"REDIS_DB"`
	RedisPrefix   string `json:"redis_prefix" yaml:"redis_prefix" env:"REDIS_PREFIX"`
}

// GatewayConfig configures HTTP ingress bind settings.
type GatewayConfig struct {
	Host string `json:"host" yaml:"host" env:"HOST"`
	Port int    `json:"port" yaml:"port" env:"PORT"`
}

// PresentersConfig lists the enabled notification presentation surfaces.
type PresentersConfig struct {
	Console  ConsoleConfig  `json:"console" yaml:"console" envPrefix:"CONSOLE_"`
	Telegram TelegramConfig `json:"telegram" yaml:"telegram" envPrefix:"TELEGRAM_"`
}

// ConsoleConfig configures the terminal presenter.
type ConsoleConfig struct {
	Enabled bool `json:"enabled" yaml:"enabled" env:"ENABLED"`
}

// TelegramConfig configures Telegram delivery of notifications.
type TelegramConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled" env:"ENABLED"`
	Token   string `json:"token" yaml:"token" env:"TOKEN"`
	ChatID  int64  `json:"chat_id" yaml:"chat_id" env:"CHAT_ID"`
}

// SpeechConfig configures the text-to-speech surface.
type SpeechConfig struct {
	Enabled   bool    `json:"enabled" yaml:"enabled" env:"ENABLED"`
	Model     string  `json:"model" yaml:"model" env:"MODEL"`
	Voice     string  `json:"voice" yaml:"voice" env:"VOICE"`
	Rate      float64 `json:"rate" yaml:"rate" env:"RATE"`
	OutputDir string  `json:"output_dir" yaml:"output_dir" env:"OUTPUT_DIR"`
	Player    string  `json:"player" yaml:"player" env:"PLAYER"`
	BaseURL   string  `json:"base_url" yaml:"base_url" env:"BASE_URL"`
	APIKeyEnv string  `json:"api_key_env" yaml:"api_key_env" env:"API_KEY_ENV"`
}

// BridgeConfig configures the native call-screen bridge.
type BridgeConfig struct {
	WebhookURL string `json:"webhook_url" yaml:"webhook_url" env:"WEBHOOK_URL"`
	TimeoutMs  int    `json:"timeout_ms" yaml:"timeout_ms" env:"TIMEOUT_MS"`
}

// Default returns a config with every tunable set to its baseline value.
func Default() *Config {
	cfg := &Config{}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills zero-valued tunables.
func (c *Config) ApplyDefaults() {
	p := &c.Pipeline
	setDefault(&p.DedupWindowMs, 5000)
	setDefault(&p.DedupMaxEntries, 5000)
	setDefault(&p.ShortIntervalMs, 5000)
	setDefault(&p.SteadyIntervalMs, 30000)
	setDefault(&p.SuccessesBeforeWiden, 3)
	setDefault(&p.ErrorLogEvery, 10)
	setDefault(&p.CallAutoExpireMs, 45000)
	setDefault(&p.InboundQueueSize, 100)
	setDefault(&p.IngressRatePerSecond, 20)
	setDefault(&p.IngressBurst, 40)

	setDefault(&c.Socket.DialTimeoutMs, 20000)
	if strings.TrimSpace(c.Socket.IdentityKey) == "" {
		c.Socket.IdentityKey = "user"
	}

	if strings.TrimSpace(c.Store.Driver) == "" {
		c.Store.Driver = "sqlite"
	}
	if strings.TrimSpace(c.Store.Path) == "" {
		c.Store.Path = "beacon.db"
	}
	if strings.TrimSpace(c.Store.RedisPrefix) == "" {
		c.Store.RedisPrefix = "beacon:kv"
	}

	if strings.TrimSpace(c.Gateway.Host) == "" {
		c.Gateway.Host = "127.0.0.1"
	}
	setDefault(&c.Gateway.Port, 18791)

	if strings.TrimSpace(c.Speech.Model) == "" {
		c.Speech.Model = "gpt-4o-mini-tts"
	}
	if strings.TrimSpace(c.Speech.Voice) == "" {
		c.Speech.Voice = "alloy"
	}
	if c.Speech.Rate <= 0 {
		c.Speech.Rate = 1.0
	}

	setDefault(&c.Bridge.TimeoutMs, 3000)
}

func setDefault(value *int, fallback int) {
	if *value <= 0 {
		*value = fallback
	}
}

// Millis converts a millisecond tunable to a duration.
func Millis(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

// LoadConfig resolves the config file, unmarshals it, and applies environment overrides.
//
// A missing config file is not an error; the daemon then runs on defaults and env.
func LoadConfig() (*Config, error) {
	if err := LoadEnv(); err != nil {
		return nil, err
	}

	var cfg Config

	configPath, err := findConfigPath()
	if err != nil {
		return nil, err
	}
	if configPath != "" {
		if err := decodeFile(configPath, &cfg); err != nil {
			return nil, err
		}
	}

	if err := applyEnvOverrides(&cfg); err != nil {
		return nil, err
	}
	cfg.ApplyDefaults()

	return &cfg, nil
}

// LoadEnv loads ENV_FILE (or .env when present) into the process environment.
func LoadEnv() error {
	if envFile := strings.TrimSpace(os.Getenv("ENV_FILE")); envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return fmt.Errorf("load env file %s: %w", envFile, err)
		}
		return nil
	}

	if _, err := os.Stat(".env"); err != nil {
		return nil
	}
	if err := godotenv.Load(); err != nil {
		return fmt.Errorf("load .env: %w", err)
	}
	return nil
}

func decodeFile(path string, cfg *Config) error {
	content, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(content, cfg); err != nil {
			return fmt.Errorf("parse config file: %w", err)
		}
	default:
		if err := json.Unmarshal(content, cfg); err != nil {
			return fmt.Errorf("parse config file: %w", err)
		}
	}
	return nil
}

// applyEnvOverrides injects BEACON_* settings on top of file config.
func applyEnvOverrides(cfg *Config) error {
	if cfg == nil {
		return nil
	}
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: envPrefix}); err != nil {
		return fmt.Errorf("parse environment: %w", err)
	}
	return nil
}

// findConfigPath resolves the active config file location.
//
// Precedence is BEACON_CONFIG first, then cwd-local fallback paths.
func findConfigPath() (string, error) {
	if value := strings.TrimSpace(os.Getenv("BEACON_CONFIG")); value != "" {
		if info, err := os.Stat(value); err == nil && !info.IsDir() {
			return value, nil
		}
		return "", fmt.Errorf("BEACON_CONFIG does not point to a file: %s", value)
	}

	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("get current working directory: %w", err)
	}

	candidates := []string{
		filepath.Join(cwd, "config.json"),
		filepath.Join(cwd, "config.yaml"),
		filepath.Join(cwd, "config", "config.json"),
		filepath.Join(cwd, "config", "config.yaml"),
	}

	if i := slices.IndexFunc(candidates, isFile); i >= 0 {
		return candidates[i], nil
	}

	return "", nil
}

func isFile(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
