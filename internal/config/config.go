package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// SelectorConfig configures the external vision-language candidate selector.
// Exactly one of Command or Endpoint is used; Command wins when both are set.
type SelectorConfig struct {
	Command   string   `yaml:"command"`
	Args      []string `yaml:"args"`
	Endpoint  string   `yaml:"endpoint"`
	TimeoutMs int      `yaml:"timeout_ms"` // clamped 600–12000, default 2800
}

// ExecutorConfig configures the external desktop execution agent.
type ExecutorConfig struct {
	Command   string   `yaml:"command"`
	Args      []string `yaml:"args"`
	Endpoint  string   `yaml:"endpoint"` // ws:// or wss:// endpoint
	TimeoutMs int      `yaml:"timeout_ms"`
}

// AcceptanceConfig holds the KPI acceptance thresholds. Ratios compare <=,
// rates compare >=; a zero-denominator sample passes vacuously.
type AcceptanceConfig struct {
	MaxVLMCallRatio        float64 `yaml:"max_vlm_call_ratio"`
	MinSomPathHitRate      float64 `yaml:"min_som_path_hit_rate"`
	MaxHighRiskMisfireRate float64 `yaml:"max_high_risk_misfire_rate"`
	MaxReuseP95Ms          int     `yaml:"max_reuse_p95_ms"`
	MaxFirstP95Ms          int     `yaml:"max_first_p95_ms"`
}

// BridgeConfig tunes the desktop perception-action bridge.
type BridgeConfig struct {
	ActionMemoryTTLHours int  `yaml:"action_memory_ttl_hours"` // clamped 1h–180d, default 30d
	MaxVLMCallsPerStep   int  `yaml:"max_vlm_calls_per_step"`  // clamped 1–2
	UIAFirst             bool `yaml:"uia_first"`               // prefer L1 over a stale memory hit

	Selector   SelectorConfig   `yaml:"selector"`
	Acceptance AcceptanceConfig `yaml:"acceptance"`
}

// MutexConfig tunes the global input-device mutex.
type MutexConfig struct {
	AcquireTimeoutMs int `yaml:"acquire_timeout_ms"` // default 20000
	StrikeThreshold  int `yaml:"strike_threshold"`   // default 3
	CooldownMinutes  int `yaml:"cooldown_minutes"`   // default 15
}

// TelegramConfig configures the telegram sendable channel.
type TelegramConfig struct {
	Token   string `yaml:"token"`
	Enabled bool   `yaml:"enabled"`
}

// OTelConfig mirrors internal/otel.Config for yaml loading.
type OTelConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"`
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	LogLevel string `yaml:"log_level"`

	Mutex    MutexConfig    `yaml:"mutex"`
	Bridge   BridgeConfig   `yaml:"bridge"`
	Executor ExecutorConfig `yaml:"executor"`
	Telegram TelegramConfig `yaml:"telegram"`
	OTel     OTelConfig     `yaml:"otel"`
}

// HomeDir resolves the data directory: OUTPOST_HOME or ~/.outpost.
func HomeDir() (string, error) {
	if dir := os.Getenv("OUTPOST_HOME"); dir != "" {
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home dir: %w", err)
	}
	return filepath.Join(home, ".outpost"), nil
}

// Load reads <home>/config.yaml, applies defaults and env overrides.
// A missing file yields the default config, not an error.
func Load(homeDir string) (*Config, error) {
	cfg := &Config{HomeDir: homeDir}
	data, err := os.ReadFile(filepath.Join(homeDir, "config.yaml"))
	if err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config.yaml: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config.yaml: %w", err)
	}
	cfg.HomeDir = homeDir
	cfg.applyEnv()
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("OUTPOST_TELEGRAM_BOT_TOKEN"); v != "" {
		c.Telegram.Token = v
		c.Telegram.Enabled = true
	}
	if v, ok := envInt("OUTPOST_INPUT_MUTEX_TIMEOUT_MS"); ok {
		c.Mutex.AcquireTimeoutMs = v
	}
	if v, ok := envInt("OUTPOST_ACTION_MEMORY_TTL_HOURS"); ok {
		c.Bridge.ActionMemoryTTLHours = v
	}
	if v, ok := envInt("OUTPOST_MAX_VLM_CALLS_PER_STEP"); ok {
		c.Bridge.MaxVLMCallsPerStep = v
	}
	if v := os.Getenv("OUTPOST_SELECTOR_COMMAND"); v != "" {
		c.Bridge.Selector.Command = v
	}
	if v := os.Getenv("OUTPOST_SELECTOR_ENDPOINT"); v != "" {
		c.Bridge.Selector.Endpoint = v
	}
	if v, ok := envInt("OUTPOST_SELECTOR_TIMEOUT_MS"); ok {
		c.Bridge.Selector.TimeoutMs = v
	}
	if v := os.Getenv("OUTPOST_UIA_FIRST"); v == "1" || v == "true" {
		c.Bridge.UIAFirst = true
	}
	if v := os.Getenv("OUTPOST_EXECUTOR_COMMAND"); v != "" {
		c.Executor.Command = v
	}
	if v := os.Getenv("OUTPOST_EXECUTOR_ENDPOINT"); v != "" {
		c.Executor.Endpoint = v
	}
}

func (c *Config) applyDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Mutex.AcquireTimeoutMs <= 0 {
		c.Mutex.AcquireTimeoutMs = 20_000
	}
	if c.Mutex.StrikeThreshold <= 0 {
		c.Mutex.StrikeThreshold = 3
	}
	if c.Mutex.CooldownMinutes <= 0 {
		c.Mutex.CooldownMinutes = 15
	}
	c.Bridge.ActionMemoryTTLHours = clampInt(c.Bridge.ActionMemoryTTLHours, 1, 180*24, 30*24)
	c.Bridge.MaxVLMCallsPerStep = clampInt(c.Bridge.MaxVLMCallsPerStep, 1, 2, 2)
	c.Bridge.Selector.TimeoutMs = clampInt(c.Bridge.Selector.TimeoutMs, 600, 12_000, 2_800)
	if c.Executor.TimeoutMs <= 0 {
		c.Executor.TimeoutMs = 15_000
	}
	if c.Bridge.Acceptance.MaxVLMCallRatio <= 0 {
		c.Bridge.Acceptance.MaxVLMCallRatio = 0.25
	}
	if c.Bridge.Acceptance.MinSomPathHitRate <= 0 {
		c.Bridge.Acceptance.MinSomPathHitRate = 0.80
	}
	if c.Bridge.Acceptance.MaxHighRiskMisfireRate <= 0 {
		c.Bridge.Acceptance.MaxHighRiskMisfireRate = 0.01
	}
	if c.Bridge.Acceptance.MaxReuseP95Ms <= 0 {
		c.Bridge.Acceptance.MaxReuseP95Ms = 8_000
	}
	if c.Bridge.Acceptance.MaxFirstP95Ms <= 0 {
		c.Bridge.Acceptance.MaxFirstP95Ms = 20_000
	}
}

// MutexTimeout returns the acquire timeout as a duration.
func (c *Config) MutexTimeout() time.Duration {
	return time.Duration(c.Mutex.AcquireTimeoutMs) * time.Millisecond
}

// ActionMemoryTTL returns the hot-record TTL as a duration.
func (c *Config) ActionMemoryTTL() time.Duration {
	return time.Duration(c.Bridge.ActionMemoryTTLHours) * time.Hour
}

func envInt(key string) (int, bool) {
	raw := os.Getenv(key)
	if raw == "" {
		return 0, false
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return v, true
}

func clampInt(v, min, max, def int) int {
	if v <= 0 {
		return def
	}
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}
