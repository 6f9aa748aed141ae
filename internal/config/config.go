package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/basket/clawforge/internal/otel"
	"gopkg.in/yaml.v3"
)

// LLMConfig selects the model used by the manager and in-process workers.
type LLMConfig struct {
	// Provider is one of "google", "anthropic", "openai_compatible", or "none".
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
	APIKey   string `yaml:"api_key"`
	BaseURL  string `yaml:"base_url"`
}

type QueueConfig struct {
	Dir           string `yaml:"dir"`
	LockTimeoutMs int    `yaml:"lock_timeout_ms"`
}

type ExecutorConfig struct {
	Enabled              bool   `yaml:"enabled"`
	PollIntervalMs       int    `yaml:"poll_interval_ms"`
	CancelPollIntervalMs int    `yaml:"cancel_poll_interval_ms"`
	TaskTimeoutSeconds   int    `yaml:"task_timeout_seconds"`
	DefaultBackend       string `yaml:"default_backend"`
	FallbackInProcess    bool   `yaml:"fallback_in_process"`
	ShellTimeoutSeconds  int    `yaml:"shell_timeout_seconds"`
	MaxOutputBytes       int    `yaml:"max_output_bytes"`
	DockerImage          string `yaml:"docker_image"`
	DockerMemoryMB       int64  `yaml:"docker_memory_mb"`
	DockerNetwork        string `yaml:"docker_network"`
}

type HeartbeatConfig struct {
	Enabled            bool   `yaml:"enabled"`
	TickSeconds        int    `yaml:"tick_seconds"`
	Schedule           string `yaml:"schedule"`
	LockTTLSeconds     int    `yaml:"lock_ttl_seconds"`
	LockRefreshSeconds int    `yaml:"lock_refresh_seconds"`
	Timezone           string `yaml:"timezone"`
	MarketOpen         string `yaml:"market_open"`
	MarketClose        string `yaml:"market_close"`
}

type RelayConfig struct {
	Enabled               bool `yaml:"enabled"`
	TickSeconds           int  `yaml:"tick_seconds"`
	ProgressNoticeSeconds int  `yaml:"progress_notice_seconds"`
	ProgressRepeatSeconds int  `yaml:"progress_repeat_seconds"`
	ProgressStaleSeconds  int  `yaml:"progress_stale_seconds"`
	BatchLimit            int  `yaml:"batch_limit"`
}

type OrchestratorConfig struct {
	MaxTurns              int `yaml:"max_turns"`
	RecoveryBudget        int `yaml:"recovery_budget"`
	LoopGuardRepeat       int `yaml:"loop_guard_repeat"`
	ConfirmTimeoutMinutes int `yaml:"confirm_timeout_minutes"`
	PreviewChars          int `yaml:"preview_chars"`

	// WorkspaceDir roots the file and shell tools; relative to the home dir.
	WorkspaceDir string `yaml:"workspace_dir"`
}

type TelegramConfig struct {
	Token   string `yaml:"token"`
	Enabled bool   `yaml:"enabled"`
}

type DiscordConfig struct {
	Token   string `yaml:"token"`
	Enabled bool   `yaml:"enabled"`
}

type ChannelsConfig struct {
	Telegram TelegramConfig `yaml:"telegram"`
	Discord  DiscordConfig  `yaml:"discord"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	LogLevel string `yaml:"log_level"`

	LLM          LLMConfig          `yaml:"llm"`
	Queue        QueueConfig        `yaml:"queue"`
	Executor     ExecutorConfig     `yaml:"executor"`
	Heartbeat    HeartbeatConfig    `yaml:"heartbeat"`
	Relay        RelayConfig        `yaml:"relay"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Channels     ChannelsConfig     `yaml:"channels"`
	OTel         otel.Config        `yaml:"otel"`
}

// Fingerprint returns a stable hash of the settings that shape daemon behavior.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "log=%s|llm=%s/%s|backend=%s|fallback=%t|hb=%d/%s|relay=%d|turns=%d",
		c.LogLevel, c.LLM.Provider, c.LLM.Model, c.Executor.DefaultBackend, c.Executor.FallbackInProcess,
		c.Heartbeat.TickSeconds, c.Heartbeat.Schedule, c.Relay.TickSeconds, c.Orchestrator.MaxTurns)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func (c Config) QueueDir() string {
	if filepath.IsAbs(c.Queue.Dir) {
		return c.Queue.Dir
	}
	return filepath.Join(c.HomeDir, c.Queue.Dir)
}

func (c Config) DBPath() string      { return filepath.Join(c.HomeDir, "clawforge.db") }
func (c Config) PolicyPath() string  { return filepath.Join(c.HomeDir, "policy.yaml") }
func (c Config) WorkersPath() string { return filepath.Join(c.HomeDir, "workers.yaml") }

func (c Config) WorkspaceDir() string {
	dir := c.Orchestrator.WorkspaceDir
	if dir == "" {
		dir = "workspace"
	}
	if filepath.IsAbs(dir) {
		return dir
	}
	return filepath.Join(c.HomeDir, dir)
}

func (c Config) LockTimeout() time.Duration {
	return time.Duration(c.Queue.LockTimeoutMs) * time.Millisecond
}

func defaultConfig() Config {
	return Config{
		LogLevel: "info",
		LLM: LLMConfig{
			Provider: "google",
			Model:    "gemini-2.5-flash",
		},
		Queue: QueueConfig{
			Dir:           "queues",
			LockTimeoutMs: 5000,
		},
		Executor: ExecutorConfig{
			Enabled:              true,
			PollIntervalMs:       1000,
			CancelPollIntervalMs: 2000,
			TaskTimeoutSeconds:   int((10 * time.Minute).Seconds()),
			DefaultBackend:       "agent",
			FallbackInProcess:    true,
			ShellTimeoutSeconds:  30,
			MaxOutputBytes:       8 * 1024,
			DockerImage:          "alpine:3.20",
			DockerMemoryMB:       512,
			DockerNetwork:        "none",
		},
		Heartbeat: HeartbeatConfig{
			Enabled:            true,
			TickSeconds:        60,
			Schedule:           "*/30 * * * *",
			LockTTLSeconds:     300,
			LockRefreshSeconds: 60,
			Timezone:           "America/New_York",
			MarketOpen:         "09:30",
			MarketClose:        "16:00",
		},
		Relay: RelayConfig{
			Enabled:               true,
			TickSeconds:           5,
			ProgressNoticeSeconds: 60,
			ProgressRepeatSeconds: 300,
			ProgressStaleSeconds:  900,
			BatchLimit:            20,
		},
		Orchestrator: OrchestratorConfig{
			MaxTurns:              12,
			RecoveryBudget:        2,
			LoopGuardRepeat:       3,
			ConfirmTimeoutMinutes: 30,
			PreviewChars:          280,
		},
	}
}

// Default returns the built-in configuration rooted at homeDir.
func Default(homeDir string) Config {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir
	return cfg
}

func HomeDir() string {
	if override := os.Getenv("CLAWFORGE_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".clawforge")
}

func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

func Load() (Config, error) {
	return LoadFrom(HomeDir())
}

// LoadFrom reads config.yaml under homeDir, then applies CLAWFORGE_*
// environment overrides.
func LoadFrom(homeDir string) (Config, error) {
	cfg := Default(homeDir)

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create clawforge home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil && !os.IsNotExist(err) {
		return cfg, fmt.Errorf("read config.yaml: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func normalize(cfg *Config) {
	def := defaultConfig()
	if cfg.LogLevel == "" {
		cfg.LogLevel = def.LogLevel
	}
	cfg.LLM.Provider = strings.ToLower(strings.TrimSpace(cfg.LLM.Provider))
	if cfg.LLM.Provider == "" || cfg.LLM.Provider == "gemini" {
		cfg.LLM.Provider = "google"
	}
	if strings.TrimSpace(cfg.Queue.Dir) == "" {
		cfg.Queue.Dir = def.Queue.Dir
	}
	positive(&cfg.Queue.LockTimeoutMs, def.Queue.LockTimeoutMs)
	positive(&cfg.Executor.PollIntervalMs, def.Executor.PollIntervalMs)
	positive(&cfg.Executor.CancelPollIntervalMs, def.Executor.CancelPollIntervalMs)
	positive(&cfg.Executor.TaskTimeoutSeconds, def.Executor.TaskTimeoutSeconds)
	positive(&cfg.Executor.ShellTimeoutSeconds, def.Executor.ShellTimeoutSeconds)
	positive(&cfg.Executor.MaxOutputBytes, def.Executor.MaxOutputBytes)
	cfg.Executor.DefaultBackend = strings.ToLower(strings.TrimSpace(cfg.Executor.DefaultBackend))
	if cfg.Executor.DefaultBackend == "" {
		cfg.Executor.DefaultBackend = def.Executor.DefaultBackend
	}
	if cfg.Executor.DockerImage == "" {
		cfg.Executor.DockerImage = def.Executor.DockerImage
	}
	positive(&cfg.Heartbeat.TickSeconds, def.Heartbeat.TickSeconds)
	positive(&cfg.Heartbeat.LockTTLSeconds, def.Heartbeat.LockTTLSeconds)
	positive(&cfg.Heartbeat.LockRefreshSeconds, def.Heartbeat.LockRefreshSeconds)
	if cfg.Heartbeat.LockRefreshSeconds >= cfg.Heartbeat.LockTTLSeconds {
		cfg.Heartbeat.LockRefreshSeconds = cfg.Heartbeat.LockTTLSeconds / 3
		if cfg.Heartbeat.LockRefreshSeconds <= 0 {
			cfg.Heartbeat.LockRefreshSeconds = 1
		}
	}
	if strings.TrimSpace(cfg.Heartbeat.Schedule) == "" {
		cfg.Heartbeat.Schedule = def.Heartbeat.Schedule
	}
	if cfg.Heartbeat.Timezone == "" {
		cfg.Heartbeat.Timezone = def.Heartbeat.Timezone
	}
	if cfg.Heartbeat.MarketOpen == "" {
		cfg.Heartbeat.MarketOpen = def.Heartbeat.MarketOpen
	}
	if cfg.Heartbeat.MarketClose == "" {
		cfg.Heartbeat.MarketClose = def.Heartbeat.MarketClose
	}
	positive(&cfg.Relay.TickSeconds, def.Relay.TickSeconds)
	positive(&cfg.Relay.ProgressNoticeSeconds, def.Relay.ProgressNoticeSeconds)
	positive(&cfg.Relay.ProgressRepeatSeconds, def.Relay.ProgressRepeatSeconds)
	positive(&cfg.Relay.ProgressStaleSeconds, def.Relay.ProgressStaleSeconds)
	positive(&cfg.Relay.BatchLimit, def.Relay.BatchLimit)
	positive(&cfg.Orchestrator.MaxTurns, def.Orchestrator.MaxTurns)
	if cfg.Orchestrator.RecoveryBudget < 0 {
		cfg.Orchestrator.RecoveryBudget = 0
	}
	positive(&cfg.Orchestrator.LoopGuardRepeat, def.Orchestrator.LoopGuardRepeat)
	positive(&cfg.Orchestrator.ConfirmTimeoutMinutes, def.Orchestrator.ConfirmTimeoutMinutes)
	positive(&cfg.Orchestrator.PreviewChars, def.Orchestrator.PreviewChars)
}

func positive(v *int, def int) {
	if *v <= 0 {
		*v = def
	}
}

var knownBackends = map[string]struct{}{
	"agent":  {},
	"shell":  {},
	"docker": {},
}

func validate(cfg Config) error {
	if _, ok := knownBackends[cfg.Executor.DefaultBackend]; !ok {
		return fmt.Errorf("executor.default_backend %q: must be one of agent, shell, docker", cfg.Executor.DefaultBackend)
	}
	switch cfg.LLM.Provider {
	case "google", "anthropic", "openai_compatible", "none":
	default:
		return fmt.Errorf("llm.provider %q: must be one of google, anthropic, openai_compatible, none", cfg.LLM.Provider)
	}
	if _, err := time.LoadLocation(cfg.Heartbeat.Timezone); err != nil {
		return fmt.Errorf("heartbeat.timezone %q: %w", cfg.Heartbeat.Timezone, err)
	}
	return nil
}

// ProviderAPIKey returns the API key for the configured provider, checking
// the provider's conventional env var first.
func (c Config) ProviderAPIKey() string {
	envMap := map[string]string{
		"google":            "GEMINI_API_KEY",
		"anthropic":         "ANTHROPIC_API_KEY",
		"openai_compatible": "OPENAI_API_KEY",
	}
	if envVar, ok := envMap[c.LLM.Provider]; ok {
		if v := os.Getenv(envVar); v != "" {
			return v
		}
	}
	return c.LLM.APIKey
}

func applyEnvOverrides(cfg *Config) {
	envInt("CLAWFORGE_QUEUE_LOCK_TIMEOUT_MS", &cfg.Queue.LockTimeoutMs)
	envInt("CLAWFORGE_EXECUTOR_POLL_INTERVAL_MS", &cfg.Executor.PollIntervalMs)
	envInt("CLAWFORGE_EXECUTOR_CANCEL_POLL_INTERVAL_MS", &cfg.Executor.CancelPollIntervalMs)
	envInt("CLAWFORGE_TASK_TIMEOUT_SECONDS", &cfg.Executor.TaskTimeoutSeconds)
	envInt("CLAWFORGE_HEARTBEAT_TICK_SECONDS", &cfg.Heartbeat.TickSeconds)
	envInt("CLAWFORGE_HEARTBEAT_LOCK_TTL_SECONDS", &cfg.Heartbeat.LockTTLSeconds)
	envInt("CLAWFORGE_HEARTBEAT_LOCK_REFRESH_SECONDS", &cfg.Heartbeat.LockRefreshSeconds)
	envInt("CLAWFORGE_RELAY_TICK_SECONDS", &cfg.Relay.TickSeconds)
	envInt("CLAWFORGE_PROGRESS_NOTICE_SECONDS", &cfg.Relay.ProgressNoticeSeconds)
	envInt("CLAWFORGE_PROGRESS_REPEAT_SECONDS", &cfg.Relay.ProgressRepeatSeconds)
	envInt("CLAWFORGE_PROGRESS_STALE_SECONDS", &cfg.Relay.ProgressStaleSeconds)
	envBool("CLAWFORGE_EXECUTOR_ENABLED", &cfg.Executor.Enabled)
	envBool("CLAWFORGE_HEARTBEAT_ENABLED", &cfg.Heartbeat.Enabled)
	envBool("CLAWFORGE_RELAY_ENABLED", &cfg.Relay.Enabled)
	envBool("CLAWFORGE_FALLBACK_IN_PROCESS", &cfg.Executor.FallbackInProcess)
	if raw := os.Getenv("CLAWFORGE_DEFAULT_BACKEND"); raw != "" {
		cfg.Executor.DefaultBackend = raw
	}
	if raw := os.Getenv("CLAWFORGE_HEARTBEAT_SCHEDULE"); raw != "" {
		cfg.Heartbeat.Schedule = raw
	}
	if raw := os.Getenv("CLAWFORGE_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("CLAWFORGE_LLM_PROVIDER"); raw != "" {
		cfg.LLM.Provider = raw
	}
	if raw := os.Getenv("CLAWFORGE_LLM_MODEL"); raw != "" {
		cfg.LLM.Model = raw
	}
	if raw := os.Getenv("TELEGRAM_TOKEN"); raw != "" {
		cfg.Channels.Telegram.Token = raw
	}
	if raw := os.Getenv("DISCORD_TOKEN"); raw != "" {
		cfg.Channels.Discord.Token = raw
	}
}

func envInt(key string, dst *int) {
	if raw := os.Getenv(key); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			*dst = v
		}
	}
}

func envBool(key string, dst *bool) {
	if raw := os.Getenv(key); raw != "" {
		if v, err := strconv.ParseBool(raw); err == nil {
			*dst = v
		}
	}
}
