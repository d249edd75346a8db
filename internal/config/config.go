// Package config loads loom's configuration from defaults, an optional .env
// file, and LOOM_* environment variables (highest precedence).
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/joho/godotenv"
)

type Config struct {
	Server   ServerConfig
	Upstream UpstreamConfig
	Storage  StorageConfig
	Context  ContextConfig
	Auth     AuthConfig
	Log      LogConfig
}

type ServerConfig struct {
	Port int
}

type UpstreamConfig struct {
	APIKey       string
	BaseURL      string
	DefaultModel string
	FastModel    string // cheap model used for summarization
}

type StorageConfig struct {
	DataDir string
}

type ContextConfig struct {
	MaxMessages int // direct-path message cap
	// CompressThreshold is the exchange count that triggers background
	// summarization; CompressAt is the (higher) count at which assembly
	// switches to the summary-plus-tail form. Keeping them apart means a
	// summary is ready before the assembler needs it.
	CompressThreshold int
	CompressAt        int
	Selection         string // "sandwich" or "relevance"
}

type AuthConfig struct {
	APIToken string // bearer token for management endpoints
}

type LogConfig struct {
	Level string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 4200,
		},
		Upstream: UpstreamConfig{
			BaseURL:      "https://openrouter.ai/api/v1",
			DefaultModel: "anthropic/claude-opus-4",
			FastModel:    "openai/gpt-4o-mini",
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Context: ContextConfig{
			MaxMessages:       10,
			CompressThreshold: 20,
			CompressAt:        30,
			Selection:         "sandwich",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

func defaultDataDir() string {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "loom")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".loom"
	}
	return filepath.Join(home, ".local", "share", "loom")
}

// Load reads configuration. A .env file in the working directory is applied
// first (missing files are fine), then LOOM_* environment variables override
// everything. The upstream API key is required.
func Load() (Config, error) {
	// Best-effort: absence of a .env file is the normal case.
	_ = godotenv.Load()
	return loadFromEnv(os.Getenv)
}

// loadFromEnv builds a Config from an environment lookup (injected for tests).
func loadFromEnv(getenv func(string) string) (Config, error) {
	cfg := defaults()

	setString(getenv, "LOOM_UPSTREAM_API_KEY", &cfg.Upstream.APIKey)
	setString(getenv, "LOOM_UPSTREAM_BASE_URL", &cfg.Upstream.BaseURL)
	setString(getenv, "LOOM_DEFAULT_MODEL", &cfg.Upstream.DefaultModel)
	setString(getenv, "LOOM_FAST_MODEL", &cfg.Upstream.FastModel)
	setString(getenv, "LOOM_DATA_DIR", &cfg.Storage.DataDir)
	setString(getenv, "LOOM_API_TOKEN", &cfg.Auth.APIToken)
	setString(getenv, "LOOM_LOG_LEVEL", &cfg.Log.Level)
	setString(getenv, "LOOM_HISTORY_SELECTION", &cfg.Context.Selection)
	setInt(getenv, "LOOM_PORT", &cfg.Server.Port)
	setInt(getenv, "LOOM_MAX_MESSAGES", &cfg.Context.MaxMessages)
	setInt(getenv, "LOOM_COMPRESS_THRESHOLD", &cfg.Context.CompressThreshold)
	setInt(getenv, "LOOM_COMPRESS_AT", &cfg.Context.CompressAt)

	if cfg.Upstream.APIKey == "" {
		return Config{}, fmt.Errorf("missing required config: upstream API key. Set LOOM_UPSTREAM_API_KEY")
	}
	if cfg.Context.Selection != "sandwich" && cfg.Context.Selection != "relevance" {
		return Config{}, fmt.Errorf("invalid LOOM_HISTORY_SELECTION %q (want sandwich or relevance)", cfg.Context.Selection)
	}

	return cfg, nil
}

func setString(getenv func(string) string, key string, dst *string) {
	if v := getenv(key); v != "" {
		*dst = v
	}
}

func setInt(getenv func(string) string, key string, dst *int) {
	v := getenv(key)
	if v == "" {
		return
	}
	if n, err := strconv.Atoi(v); err == nil && n > 0 {
		*dst = n
	}
}
