// Package config loads parley client configuration from layered sources.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

// Config is the client configuration.
type Config struct {
	// BaseURL is the chat backend's base URL.
	BaseURL string `json:"baseUrl" yaml:"base_url"`
	// StorePath is the session record file.
	StorePath string `json:"storePath" yaml:"store_path"`
	// ChatTimeoutSeconds bounds one streaming chat call.
	ChatTimeoutSeconds int `json:"chatTimeoutSeconds" yaml:"chat_timeout_seconds"`
	// EnableWebSearch is forwarded on every chat request.
	EnableWebSearch bool `json:"enableWebSearch" yaml:"enable_web_search"`
	// LogLevel is one of DEBUG, INFO, WARN, ERROR.
	LogLevel string `json:"logLevel" yaml:"log_level"`
	// CompletionPhrases overrides the default conversation-completion
	// phrase list.
	CompletionPhrases []string `json:"completionPhrases" yaml:"completion_phrases"`
	// UserID is the identity the CLI presents; real UIs take identity
	// from the auth collaborator instead.
	UserID string `json:"userId" yaml:"user_id"`
}

// Default returns the built-in configuration.
func Default() *Config {
	paths := GetPaths()
	return &Config{
		BaseURL:            "http://localhost:8080",
		StorePath:          filepath.Join(paths.Data, "session.json"),
		ChatTimeoutSeconds: 60,
		LogLevel:           "INFO",
	}
}

// Load builds the configuration from (in priority order, later wins):
// built-in defaults, the global config file (parley.json / parley.jsonc /
// parley.yaml in the config directory), the PARLEY_CONFIG file, and
// environment variables.
func Load() (*Config, error) {
	cfg := Default()

	dir := GetPaths().Config
	for _, name := range []string{"parley.json", "parley.jsonc", "parley.yaml", "parley.yml"} {
		if err := loadFile(filepath.Join(dir, name), cfg); err != nil {
			return nil, err
		}
	}

	if path := os.Getenv("PARLEY_CONFIG"); path != "" {
		if err := loadFile(path, cfg); err != nil {
			return nil, err
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadFile merges one config file into cfg. A missing file is skipped;
// a present but unparsable file is an error.
func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("config: read %s: %w", path, err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("config: parse %s: %w", path, err)
		}
	default:
		data = jsonc.ToJSON(data)
		if err := json.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	return nil
}

// applyEnvOverrides applies PARLEY_* environment variables, the highest
// priority source.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("PARLEY_BASE_URL"); v != "" {
		cfg.BaseURL = v
	}
	if v := os.Getenv("PARLEY_STORE_PATH"); v != "" {
		cfg.StorePath = v
	}
	if v := os.Getenv("PARLEY_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("PARLEY_USER_ID"); v != "" {
		cfg.UserID = v
	}
	if v := os.Getenv("PARLEY_CHAT_TIMEOUT_SECONDS"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			cfg.ChatTimeoutSeconds = secs
		}
	}
	if v := os.Getenv("PARLEY_WEB_SEARCH"); v != "" {
		cfg.EnableWebSearch = v == "1" || strings.EqualFold(v, "true")
	}
}

func (c *Config) validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("config: base URL must not be empty")
	}
	if c.StorePath == "" {
		return fmt.Errorf("config: store path must not be empty")
	}
	if c.ChatTimeoutSeconds <= 0 {
		return fmt.Errorf("config: chat timeout must be positive, got %d", c.ChatTimeoutSeconds)
	}
	return nil
}

// ChatTimeout returns the chat timeout as a duration.
func (c *Config) ChatTimeout() time.Duration {
	return time.Duration(c.ChatTimeoutSeconds) * time.Second
}
