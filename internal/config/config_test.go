package config

import (
	"log/slog"
	"os"
	"testing"
)

func clearLightvoiceEnv(t *testing.T) {
	t.Helper()
	for _, env := range []string{
		"LIGHTVOICE_LISTEN_PORT", "LIGHTVOICE_LOOP_POOL_SIZE", "LIGHTVOICE_ADMIN_HTTP_PORT",
		"LIGHTVOICE_LOG_LEVEL", "LIGHTVOICE_LOG_FORMAT", "LIGHTVOICE_JWT_SECRET",
		"LIGHTVOICE_HISTORY_DB", "LIGHTVOICE_RATE_LIMIT_HZ", "LIGHTVOICE_RATE_BURST",
	} {
		t.Setenv(env, "")
		os.Unsetenv(env)
	}
}

func TestDefaults(t *testing.T) {
	clearLightvoiceEnv(t)

	os.Args = []string{"lightvoice"}
	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.ListenPort != defaultListenPort {
		t.Errorf("ListenPort = %d, want %d", cfg.ListenPort, defaultListenPort)
	}
	if cfg.LoopPoolSize != defaultLoopPoolSize {
		t.Errorf("LoopPoolSize = %d, want %d", cfg.LoopPoolSize, defaultLoopPoolSize)
	}
	if cfg.AdminHTTPPort != defaultAdminHTTPPort {
		t.Errorf("AdminHTTPPort = %d, want %d", cfg.AdminHTTPPort, defaultAdminHTTPPort)
	}
	if cfg.LogLevel != defaultLogLevel {
		t.Errorf("LogLevel = %q, want %q", cfg.LogLevel, defaultLogLevel)
	}
}

func TestEnvVarOverride(t *testing.T) {
	clearLightvoiceEnv(t)
	os.Args = []string{"lightvoice"}
	t.Setenv("LIGHTVOICE_LISTEN_PORT", "9090")
	t.Setenv("LIGHTVOICE_LOG_LEVEL", "debug")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.ListenPort != 9090 {
		t.Errorf("ListenPort = %d, want 9090", cfg.ListenPort)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want debug", cfg.LogLevel)
	}
}

func TestCLIFlagsPrecedence(t *testing.T) {
	clearLightvoiceEnv(t)
	os.Args = []string{"lightvoice", "--listen-port", "3000", "--log-level", "warn"}
	t.Setenv("LIGHTVOICE_LISTEN_PORT", "9090")
	t.Setenv("LIGHTVOICE_LOG_LEVEL", "debug")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.ListenPort != 3000 {
		t.Errorf("ListenPort = %d, want 3000 (CLI should override env)", cfg.ListenPort)
	}
	if cfg.LogLevel != "warn" {
		t.Errorf("LogLevel = %q, want warn (CLI should override env)", cfg.LogLevel)
	}
}

func TestValidateInvalidPort(t *testing.T) {
	clearLightvoiceEnv(t)
	os.Args = []string{"lightvoice", "--listen-port", "99999"}
	_, err := Load()
	if err == nil {
		t.Fatal("expected error for invalid port, got nil")
	}
}

func TestValidateInvalidLogLevel(t *testing.T) {
	clearLightvoiceEnv(t)
	os.Args = []string{"lightvoice", "--log-level", "verbose"}
	_, err := Load()
	if err == nil {
		t.Fatal("expected error for invalid log level, got nil")
	}
}

func TestValidateNegativeLoopPoolSize(t *testing.T) {
	clearLightvoiceEnv(t)
	os.Args = []string{"lightvoice", "--loop-pool-size", "-1"}
	_, err := Load()
	if err == nil {
		t.Fatal("expected error for negative loop-pool-size, got nil")
	}
}

func TestJWTSecretBytesGeneratesEphemeralKey(t *testing.T) {
	cfg := &Config{}
	key, err := cfg.JWTSecretBytes()
	if err != nil {
		t.Fatalf("JWTSecretBytes: %v", err)
	}
	if len(key) != 32 {
		t.Fatalf("len(key) = %d, want 32", len(key))
	}
	if cfg.JWTSecret == "" {
		t.Fatal("JWTSecret was not persisted back onto the config")
	}
}

func TestSlogLevel(t *testing.T) {
	tests := []struct {
		level string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			cfg := &Config{LogLevel: tt.level}
			if got := cfg.SlogLevel(); got != tt.want {
				t.Errorf("SlogLevel() = %v, want %v", got, tt.want)
			}
		})
	}
}
