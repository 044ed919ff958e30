package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/viper"
)

func TestLoadConfig_Defaults(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	for _, key := range []string{"PORT", "SERVER_PORT", "OTP_TTL_SECONDS", "OTP_MAX_ATTEMPTS", "EVENT_EXCHANGE", "REDIS_KEY_PREFIX"} {
		unsetEnvWithCleanup(t, key)
	}

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.ServerPort != "8080" {
		t.Fatalf("expected default port 8080, got %q", cfg.ServerPort)
	}
	if cfg.OTPTTLSeconds != 300 {
		t.Fatalf("expected default OTP TTL 300, got %d", cfg.OTPTTLSeconds)
	}
	if cfg.OTPMaxAttempts != 3 {
		t.Fatalf("expected default OTP attempts 3, got %d", cfg.OTPMaxAttempts)
	}
	if cfg.EventExchange != "ledger.events" {
		t.Fatalf("expected default exchange ledger.events, got %q", cfg.EventExchange)
	}
	if cfg.ExpirySweepSchedule != "@every 1m" {
		t.Fatalf("unexpected sweep schedule %q", cfg.ExpirySweepSchedule)
	}
}

func TestLoadConfig_PortAliasOverridesServerPort(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	setEnvWithCleanup(t, "SERVER_PORT", "9000")
	setEnvWithCleanup(t, "PORT", "9100")

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.ServerPort != "9100" {
		t.Fatalf("expected PORT to win, got %q", cfg.ServerPort)
	}
}

func TestLoadConfig_ClampsOTPMaxAttempts(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	setEnvWithCleanup(t, "OTP_MAX_ATTEMPTS", "10")

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.OTPMaxAttempts != 3 {
		t.Fatalf("expected attempts clamped to 3, got %d", cfg.OTPMaxAttempts)
	}
}

func TestLoadConfig_ReadsEnvFile(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	unsetEnvWithCleanup(t, "JWT_SECRET")
	unsetEnvWithCleanup(t, "REDIS_KEY_PREFIX")

	dir := t.TempDir()
	content := "JWT_SECRET=from-file\nREDIS_KEY_PREFIX=bank:\n"
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte(content), 0o600); err != nil {
		t.Fatalf("failed to write .env: %v", err)
	}

	cfg, err := LoadConfig(dir)
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.JWTSecret != "from-file" {
		t.Fatalf("expected JWT secret from .env, got %q", cfg.JWTSecret)
	}
	if cfg.RedisKeyPrefix != "bank" {
		t.Fatalf("expected trailing colon trimmed from prefix, got %q", cfg.RedisKeyPrefix)
	}
}

func TestAllowedOrigins(t *testing.T) {
	cfg := Config{CORSAllowedOrigins: " https://a.example , ,https://b.example"}
	origins := cfg.AllowedOrigins()
	if len(origins) != 2 || origins[0] != "https://a.example" || origins[1] != "https://b.example" {
		t.Fatalf("unexpected origins %v", origins)
	}
	if got := (Config{}).AllowedOrigins(); len(got) != 1 || got[0] != "*" {
		t.Fatalf("expected wildcard fallback, got %v", got)
	}
}

func setEnvWithCleanup(t *testing.T, key string, value string) {
	t.Helper()
	prev, hadPrev := os.LookupEnv(key)
	if err := os.Setenv(key, value); err != nil {
		t.Fatalf("failed to set env %s: %v", key, err)
	}
	t.Cleanup(func() {
		if hadPrev {
			_ = os.Setenv(key, prev)
			return
		}
		_ = os.Unsetenv(key)
	})
}

func unsetEnvWithCleanup(t *testing.T, key string) {
	t.Helper()
	prev, hadPrev := os.LookupEnv(key)
	if err := os.Unsetenv(key); err != nil {
		t.Fatalf("failed to unset env %s: %v", key, err)
	}
	t.Cleanup(func() {
		if hadPrev {
			_ = os.Setenv(key, prev)
		}
	})
}
