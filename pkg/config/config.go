// Package config loads betagate configuration with a three-level fallback
// chain: embedded defaults, the global config in ~/.config/betagate, and a
// local .betagate file in the working directory. a few environment variables
// override the merged result for container deployments.
package config

import (
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/umputun/betagate/pkg/notify"
)

//go:embed defaults
var defaultsFS embed.FS

// local config file name, looked up in the working directory.
const localConfigName = ".betagate"

// environment overrides, highest precedence.
const (
	envBasePath = "BETA_BASE_PATH"
	envMode     = "BETA_MODE"
	envPort     = "BETA_PORT"
)

// Config is the merged betagate configuration.
type Config struct {
	Values
	ConfigDir string // global config directory
}

// Load loads the configuration. configDir is the global config directory;
// empty uses ~/.config/betagate. the directory is created with a default
// config template on first run.
func Load(configDir string) (*Config, error) {
	if configDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolve home dir: %w", err)
		}
		configDir = filepath.Join(home, ".config", "betagate")
	}

	if err := installDefaults(configDir); err != nil {
		return nil, fmt.Errorf("install defaults: %w", err)
	}

	vals, err := newValuesLoader(defaultsFS).Load(localConfigName, filepath.Join(configDir, "config"))
	if err != nil {
		return nil, err
	}

	cfg := &Config{Values: vals, ConfigDir: configDir}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides loaded values from the environment.
func (c *Config) applyEnv() error {
	if v := os.Getenv(envBasePath); v != "" {
		c.BasePath = v
	}
	if v := os.Getenv(envMode); v != "" {
		c.Mode = v
	}
	if v := os.Getenv(envPort); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", envPort, v, err)
		}
		if port < 0 || port > 65535 {
			return fmt.Errorf("invalid %s: must be 0..65535, got %d", envPort, port)
		}
		c.Port = port
	}
	return nil
}

// StatePath returns the rollout state file location under the base path.
func (c *Config) StatePath() string { return filepath.Join(c.BasePath, "state.json") }

// EvidenceDir returns the evidence root directory under the base path.
func (c *Config) EvidenceDir() string { return filepath.Join(c.BasePath, "evidence") }

// JournalPath returns the operations journal location under the base path.
func (c *Config) JournalPath() string { return filepath.Join(c.BasePath, "journal.log") }

// NotifyParams maps the notification values to notify.Params.
func (c *Config) NotifyParams() notify.Params {
	return notify.Params{
		Channels:         c.NotifyChannels,
		TimeoutMs:        c.NotifyTimeoutMs,
		TelegramToken:    c.TelegramToken,
		TelegramChat:     c.TelegramChat,
		TelegramAudience: c.TelegramAudience,
		SlackToken:       c.SlackToken,
		SlackChannel:     c.SlackChannel,
		SlackAudience:    c.SlackAudience,
		SMTPHost:         c.SMTPHost,
		SMTPPort:         c.SMTPPort,
		SMTPUsername:     c.SMTPUsername,
		SMTPPassword:     c.SMTPPassword,
		SMTPStartTLS:     c.SMTPStartTLS,
		EmailFrom:        c.EmailFrom,
		EmailTo:          c.EmailTo,
		EmailAudience:    c.EmailAudience,
		WebhookURLs:      c.WebhookURLs,
		WebhookAudience:  c.WebhookAudience,
		CustomScript:     c.NotifyScript,
	}
}

// installDefaults creates the config directory and writes the default config
// template on first run. never overwrites an existing config file.
func installDefaults(configDir string) error {
	if err := os.MkdirAll(configDir, 0o700); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	configPath := filepath.Join(configDir, "config")
	_, statErr := os.Stat(configPath)
	if statErr != nil && !os.IsNotExist(statErr) {
		return fmt.Errorf("check config file: %w", statErr)
	}
	if os.IsNotExist(statErr) {
		data, err := defaultsFS.ReadFile("defaults/config")
		if err != nil {
			return fmt.Errorf("read embedded config: %w", err)
		}
		if err := os.WriteFile(configPath, data, 0o600); err != nil {
			return fmt.Errorf("write config file: %w", err)
		}
	}
	return nil
}
