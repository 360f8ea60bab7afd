package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("PORT", "")
	t.Setenv("ENV", "")
	t.Setenv("MODE_PENDING_TIMEOUT", "")
	t.Setenv("MODE_TRANSITION_COOLDOWN", "")
	t.Setenv("RATE_FAIL_OPEN_CHECKS", "")
	cfg := Load()
	if cfg.Port != "8080" {
		t.Fatalf("expected default port, got %s", cfg.Port)
	}
	if cfg.Env != "development" {
		t.Fatalf("expected default env, got %s", cfg.Env)
	}
	if cfg.PendingTransitionTimeout != 30*time.Minute {
		t.Fatalf("expected 30m pending timeout, got %s", cfg.PendingTransitionTimeout)
	}
	if cfg.TransitionCooldown != 5*time.Minute {
		t.Fatalf("expected 5m cooldown, got %s", cfg.TransitionCooldown)
	}
	if len(cfg.RateLimitFailOpenChecks) != 3 {
		t.Fatalf("expected default fail-open checks, got %v", cfg.RateLimitFailOpenChecks)
	}
	if cfg.FallbackReply == "" || cfg.OptOutConfirmation == "" {
		t.Fatalf("expected fixed replies to have defaults")
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("ENV", "production")
	t.Setenv("MODE_PENDING_TIMEOUT", "10m")
	t.Setenv("RATE_RECIPIENT_MIN_INTERVAL", "7s")
	t.Setenv("DELAY_PEAK_MULTIPLIER", "2.25")
	t.Setenv("OUTBOUND_ALLOWLIST", " +5511999990000 , ,+5511888880000")
	t.Setenv("RATE_GLOBAL_DAILY", "not-a-number")
	cfg := Load()
	if cfg.Port != "9090" {
		t.Fatalf("expected override port, got %s", cfg.Port)
	}
	if !cfg.IsProduction() {
		t.Fatalf("expected production env")
	}
	if cfg.PendingTransitionTimeout != 10*time.Minute {
		t.Fatalf("expected pending timeout override, got %s", cfg.PendingTransitionTimeout)
	}
	if cfg.RecipientMinInterval != 7*time.Second {
		t.Fatalf("expected interval override, got %s", cfg.RecipientMinInterval)
	}
	if cfg.DelayPeakMultiplier != 2.25 {
		t.Fatalf("expected multiplier override, got %v", cfg.DelayPeakMultiplier)
	}
	if len(cfg.RecipientAllowlist) != 2 || cfg.RecipientAllowlist[1] != "+5511888880000" {
		t.Fatalf("unexpected allowlist %v", cfg.RecipientAllowlist)
	}
	if cfg.GlobalDailyLimit != 5000 {
		t.Fatalf("expected invalid int to fall back to default, got %d", cfg.GlobalDailyLimit)
	}
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	if err := os.WriteFile(path, []byte("CHATAGENT_DOTENV_PROBE=loaded\n"), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}
	t.Setenv("CHATAGENT_DOTENV_PROBE", "")
	os.Unsetenv("CHATAGENT_DOTENV_PROBE")

	if err := LoadDotEnv(path); err != nil {
		t.Fatalf("LoadDotEnv: %v", err)
	}
	if got := os.Getenv("CHATAGENT_DOTENV_PROBE"); got != "loaded" {
		t.Fatalf("expected value from .env, got %q", got)
	}
	if err := LoadDotEnv(filepath.Join(dir, "missing.env")); err != nil {
		t.Fatalf("missing file should be ignored, got %v", err)
	}
}
