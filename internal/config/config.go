// Package config loads LightVoice's runtime configuration from CLI
// flags with environment variable overrides, CLI taking precedence.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
)

// Config holds all runtime configuration for the LightVoice server.
// Precedence: CLI flags > env vars > defaults.
type Config struct {
	ListenPort    int
	LoopPoolSize  int
	AdminHTTPPort int
	LogLevel      string
	LogFormat     string
	JWTSecret     string // hex-encoded 32-byte secret signing opaque identity tokens
	HistoryDBPath string
	RateLimitHz   float64 // per-connection control-message rate, messages/sec
	RateBurst     int
}

const (
	defaultListenPort    = 8888
	defaultLoopPoolSize  = 4
	defaultAdminHTTPPort = 8081
	defaultLogLevel      = "info"
	defaultLogFormat     = "text"
	defaultHistoryDBPath = "./data/lightvoice.db"
	defaultRateLimitHz   = 50.0
	defaultRateBurst     = 100
)

// envPrefix is the prefix for all LightVoice environment variables.
const envPrefix = "LIGHTVOICE_"

// Load parses configuration from CLI flags and environment variables.
func Load() (*Config, error) {
	cfg := &Config{}

	fs := flag.NewFlagSet("lightvoice", flag.ContinueOnError)

	fs.IntVar(&cfg.ListenPort, "listen-port", defaultListenPort, "TCP port clients connect to")
	fs.IntVar(&cfg.LoopPoolSize, "loop-pool-size", defaultLoopPoolSize, "number of worker reactor loops (0 = single-reactor mode)")
	fs.IntVar(&cfg.AdminHTTPPort, "admin-http-port", defaultAdminHTTPPort, "HTTP port for the read-only admin API")
	fs.StringVar(&cfg.LogLevel, "log-level", defaultLogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.LogFormat, "log-format", defaultLogFormat, "log output format (text, json)")
	fs.StringVar(&cfg.JWTSecret, "jwt-secret", "", "hex-encoded 32-byte secret for identity tokens (auto-generated if empty)")
	fs.StringVar(&cfg.HistoryDBPath, "history-db", defaultHistoryDBPath, "path to the room session history sqlite database")
	fs.Float64Var(&cfg.RateLimitHz, "rate-limit-hz", defaultRateLimitHz, "per-connection control-message rate limit, messages/sec")
	fs.IntVar(&cfg.RateBurst, "rate-burst", defaultRateBurst, "per-connection control-message burst allowance")

	if err := fs.Parse(os.Args[1:]); err != nil {
		return nil, fmt.Errorf("parsing flags: %w", err)
	}

	applyEnvOverrides(fs, cfg)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// applyEnvOverrides checks environment variables for any flag not
// explicitly provided on the command line, preserving CLI > env > default.
func applyEnvOverrides(fs *flag.FlagSet, cfg *Config) {
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		set[f.Name] = true
	})

	envMap := map[string]string{
		"listen-port":     envPrefix + "LISTEN_PORT",
		"loop-pool-size":  envPrefix + "LOOP_POOL_SIZE",
		"admin-http-port": envPrefix + "ADMIN_HTTP_PORT",
		"log-level":       envPrefix + "LOG_LEVEL",
		"log-format":      envPrefix + "LOG_FORMAT",
		"jwt-secret":      envPrefix + "JWT_SECRET",
		"history-db":      envPrefix + "HISTORY_DB",
		"rate-limit-hz":   envPrefix + "RATE_LIMIT_HZ",
		"rate-burst":      envPrefix + "RATE_BURST",
	}

	for flagName, envVar := range envMap {
		if set[flagName] {
			continue
		}
		val, ok := os.LookupEnv(envVar)
		if !ok || val == "" {
			continue
		}
		switch flagName {
		case "listen-port":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.ListenPort = v
			}
		case "loop-pool-size":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.LoopPoolSize = v
			}
		case "admin-http-port":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.AdminHTTPPort = v
			}
		case "log-level":
			cfg.LogLevel = val
		case "log-format":
			cfg.LogFormat = val
		case "jwt-secret":
			cfg.JWTSecret = val
		case "history-db":
			cfg.HistoryDBPath = val
		case "rate-limit-hz":
			if v, err := strconv.ParseFloat(val, 64); err == nil {
				cfg.RateLimitHz = v
			}
		case "rate-burst":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.RateBurst = v
			}
		}
	}
}

// validate checks that the config values are sane.
func (c *Config) validate() error {
	if c.ListenPort < 1 || c.ListenPort > 65535 {
		return fmt.Errorf("listen-port must be between 1 and 65535, got %d", c.ListenPort)
	}
	if c.AdminHTTPPort < 1 || c.AdminHTTPPort > 65535 {
		return fmt.Errorf("admin-http-port must be between 1 and 65535, got %d", c.AdminHTTPPort)
	}
	if c.LoopPoolSize < 0 {
		return fmt.Errorf("loop-pool-size must be >= 0, got %d", c.LoopPoolSize)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.LogLevel)] {
		return fmt.Errorf("log-level must be one of debug, info, warn, error; got %q", c.LogLevel)
	}
	c.LogLevel = strings.ToLower(c.LogLevel)

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[strings.ToLower(c.LogFormat)] {
		return fmt.Errorf("log-format must be one of text, json; got %q", c.LogFormat)
	}
	c.LogFormat = strings.ToLower(c.LogFormat)

	if c.RateLimitHz <= 0 {
		return fmt.Errorf("rate-limit-hz must be > 0, got %f", c.RateLimitHz)
	}
	if c.RateBurst < 1 {
		return fmt.Errorf("rate-burst must be >= 1, got %d", c.RateBurst)
	}

	return nil
}

// JWTSecretBytes returns the decoded 32-byte JWT signing secret. If
// none is configured, it generates a random 32-byte key and stores the
// hex-encoded value back in the config for the process lifetime.
func (c *Config) JWTSecretBytes() ([]byte, error) {
	if c.JWTSecret == "" {
		key := make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("generating jwt secret: %w", err)
		}
		c.JWTSecret = hex.EncodeToString(key)
		slog.Warn("no jwt-secret configured, generated ephemeral key (tokens will not survive restart)")
		return key, nil
	}
	key, err := hex.DecodeString(c.JWTSecret)
	if err != nil {
		return nil, fmt.Errorf("decoding jwt secret: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("jwt secret must decode to 32 bytes, got %d", len(key))
	}
	return key, nil
}

// SlogHandler returns a slog.Handler configured with the appropriate
// format (text or json) and log level.
func (c *Config) SlogHandler(w *os.File) slog.Handler {
	opts := &slog.HandlerOptions{Level: c.SlogLevel()}
	if c.LogFormat == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// SlogLevel returns the slog.Level corresponding to the configured log level.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
