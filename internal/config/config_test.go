package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/basket/clawforge/internal/config"
)

func writeConfig(t *testing.T, home, body string) {
	t.Helper()
	if err := os.MkdirAll(home, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(home, "config.yaml"), []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

func TestLoad_FromClawforgeHome(t *testing.T) {
	home := filepath.Join(t.TempDir(), "cf")
	writeConfig(t, home, "executor:\n  default_backend: shell\n  shell_timeout_seconds: 12\nrelay:\n  tick_seconds: 9\n")
	t.Setenv("CLAWFORGE_HOME", home)

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.HomeDir != home {
		t.Fatalf("expected home %q, got %q", home, cfg.HomeDir)
	}
	if cfg.Executor.DefaultBackend != "shell" {
		t.Fatalf("expected shell backend, got %q", cfg.Executor.DefaultBackend)
	}
	if cfg.Executor.ShellTimeoutSeconds != 12 {
		t.Fatalf("expected shell timeout 12, got %d", cfg.Executor.ShellTimeoutSeconds)
	}
	if cfg.Relay.TickSeconds != 9 {
		t.Fatalf("expected relay tick 9, got %d", cfg.Relay.TickSeconds)
	}
	// Untouched sections keep defaults.
	if cfg.Heartbeat.LockTTLSeconds != 300 {
		t.Fatalf("expected default lock ttl 300, got %d", cfg.Heartbeat.LockTTLSeconds)
	}
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	home := filepath.Join(t.TempDir(), "fresh")
	cfg, err := config.LoadFrom(home)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if _, err := os.Stat(home); err != nil {
		t.Fatalf("expected home dir to be created: %v", err)
	}
	if cfg.Executor.DefaultBackend != "agent" || !cfg.Executor.FallbackInProcess {
		t.Fatalf("unexpected executor defaults: %+v", cfg.Executor)
	}
	if cfg.Queue.LockTimeoutMs != 5000 {
		t.Fatalf("expected lock timeout 5000, got %d", cfg.Queue.LockTimeoutMs)
	}
	if cfg.QueueDir() != filepath.Join(home, "queues") {
		t.Fatalf("unexpected queue dir %q", cfg.QueueDir())
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	home := t.TempDir()
	writeConfig(t, home, "heartbeat:\n  tick_seconds: 30\n")
	t.Setenv("CLAWFORGE_HEARTBEAT_TICK_SECONDS", "15")
	t.Setenv("CLAWFORGE_RELAY_ENABLED", "false")
	t.Setenv("CLAWFORGE_DEFAULT_BACKEND", "docker")
	t.Setenv("CLAWFORGE_QUEUE_LOCK_TIMEOUT_MS", "250")
	t.Setenv("CLAWFORGE_HEARTBEAT_SCHEDULE", "0 * * * *")

	cfg, err := config.LoadFrom(home)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Heartbeat.TickSeconds != 15 {
		t.Fatalf("expected env tick 15, got %d", cfg.Heartbeat.TickSeconds)
	}
	if cfg.Relay.Enabled {
		t.Fatal("expected relay disabled by env")
	}
	if cfg.Executor.DefaultBackend != "docker" {
		t.Fatalf("expected docker backend, got %q", cfg.Executor.DefaultBackend)
	}
	if cfg.LockTimeout().Milliseconds() != 250 {
		t.Fatalf("expected 250ms lock timeout, got %v", cfg.LockTimeout())
	}
	if cfg.Heartbeat.Schedule != "0 * * * *" {
		t.Fatalf("unexpected schedule %q", cfg.Heartbeat.Schedule)
	}
}

func TestLoad_InvalidEnvIntIgnored(t *testing.T) {
	home := t.TempDir()
	t.Setenv("CLAWFORGE_RELAY_TICK_SECONDS", "soon")
	cfg, err := config.LoadFrom(home)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Relay.TickSeconds != 5 {
		t.Fatalf("expected default relay tick, got %d", cfg.Relay.TickSeconds)
	}
}

func TestLoad_RejectsUnknownBackend(t *testing.T) {
	home := t.TempDir()
	writeConfig(t, home, "executor:\n  default_backend: kubernetes\n")
	_, err := config.LoadFrom(home)
	if err == nil || !strings.Contains(err.Error(), "default_backend") {
		t.Fatalf("expected backend validation error, got %v", err)
	}
}

func TestLoad_RejectsMalformedYAML(t *testing.T) {
	home := t.TempDir()
	writeConfig(t, home, "executor: [\n")
	if _, err := config.LoadFrom(home); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestLoad_RefreshClampedBelowTTL(t *testing.T) {
	home := t.TempDir()
	writeConfig(t, home, "heartbeat:\n  lock_ttl_seconds: 30\n  lock_refresh_seconds: 60\n")
	cfg, err := config.LoadFrom(home)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Heartbeat.LockRefreshSeconds != 10 {
		t.Fatalf("expected refresh clamped to 10, got %d", cfg.Heartbeat.LockRefreshSeconds)
	}
}

func TestProviderAPIKey_EnvWins(t *testing.T) {
	home := t.TempDir()
	writeConfig(t, home, "llm:\n  provider: anthropic\n  api_key: from-file\n")
	cfg, err := config.LoadFrom(home)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if got := cfg.ProviderAPIKey(); got != "from-file" {
		t.Fatalf("expected file key, got %q", got)
	}
	t.Setenv("ANTHROPIC_API_KEY", "from-env")
	if got := cfg.ProviderAPIKey(); got != "from-env" {
		t.Fatalf("expected env key, got %q", got)
	}
}

func TestFingerprint_ChangesWithBackend(t *testing.T) {
	a := config.Default("/tmp/a")
	b := config.Default("/tmp/a")
	if a.Fingerprint() != b.Fingerprint() {
		t.Fatal("identical configs should share a fingerprint")
	}
	b.Executor.DefaultBackend = "shell"
	if a.Fingerprint() == b.Fingerprint() {
		t.Fatal("expected fingerprint to change")
	}
}
