// Package config loads the viewerd server configuration from a YAML file,
// layered over built-in defaults and environment variable overrides.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the fully resolved server configuration.
type Config struct {
	// ListenAddr is the address the HTTP server binds to.
	ListenAddr string `yaml:"listenAddr"`

	// DataDir is the directory holding changesets and annotations.
	DataDir string `yaml:"dataDir"`

	// SchemaDir is the dr CLI schema directory (.dr/schemas).
	SchemaDir string `yaml:"schemaDir"`

	// ModelDir is the dr CLI model directory containing manifest.yaml.
	ModelDir string `yaml:"modelDir"`

	// StaticDir is the built viewer app to serve at /. Empty disables static
	// serving.
	StaticDir string `yaml:"staticDir"`

	// AllowedOrigins are the CORS origins and WebSocket origin patterns
	// accepted from browser clients.
	AllowedOrigins []string `yaml:"allowedOrigins"`

	// AnthropicAPIKey authenticates chat generation requests. Usually set
	// via the ANTHROPIC_API_KEY environment variable.
	AnthropicAPIKey string `yaml:"anthropicAPIKey"`

	// SessionMaxAge is how long inactive chat conversations are kept before
	// eviction.
	SessionMaxAge time.Duration `yaml:"sessionMaxAge"`

	// SessionSweepInterval is how often the eviction sweep runs.
	SessionSweepInterval time.Duration `yaml:"sessionSweepInterval"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"logLevel"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		ListenAddr: ":8765",
		DataDir:    "data",
		SchemaDir:  ".dr/schemas",
		ModelDir:   "documentation-robotics/model",
		AllowedOrigins: []string{
			"http://localhost:3000",
			"http://localhost:3001",
		},
		SessionMaxAge:        24 * time.Hour,
		SessionSweepInterval: time.Hour,
		LogLevel:             "info",
	}
}

// Load reads the configuration from path layered over defaults, then applies
// environment overrides. An empty path skips the file and uses defaults plus
// environment only; a missing file at an explicit path is an error.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read config file: %w", err)
		}

		var parsed Config
		if err := yaml.Unmarshal(data, &parsed); err != nil {
			return Config{}, fmt.Errorf("failed to parse config file: %w", err)
		}
		merge(&cfg, parsed)
	}

	applyEnvOverrides(&cfg)
	return cfg, nil
}

func merge(dst *Config, src Config) {
	if src.ListenAddr != "" {
		dst.ListenAddr = src.ListenAddr
	}
	if src.DataDir != "" {
		dst.DataDir = src.DataDir
	}
	if src.SchemaDir != "" {
		dst.SchemaDir = src.SchemaDir
	}
	if src.ModelDir != "" {
		dst.ModelDir = src.ModelDir
	}
	if src.StaticDir != "" {
		dst.StaticDir = src.StaticDir
	}
	if src.AllowedOrigins != nil {
		dst.AllowedOrigins = src.AllowedOrigins
	}
	if src.AnthropicAPIKey != "" {
		dst.AnthropicAPIKey = src.AnthropicAPIKey
	}
	if src.SessionMaxAge != 0 {
		dst.SessionMaxAge = src.SessionMaxAge
	}
	if src.SessionSweepInterval != 0 {
		dst.SessionSweepInterval = src.SessionSweepInterval
	}
	if src.LogLevel != "" {
		dst.LogLevel = src.LogLevel
	}
}

func applyEnvOverrides(cfg *Config) {
	if key := strings.TrimSpace(os.Getenv("ANTHROPIC_API_KEY")); key != "" {
		cfg.AnthropicAPIKey = key
	}
	if addr := strings.TrimSpace(os.Getenv("VIEWERD_LISTEN_ADDR")); addr != "" {
		cfg.ListenAddr = addr
	}
	if level := strings.TrimSpace(os.Getenv("VIEWERD_LOG_LEVEL")); level != "" {
		cfg.LogLevel = level
	}
}
