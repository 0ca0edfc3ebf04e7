package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete depotsyncd configuration.
type Config struct {
	Remote RemoteConfig `yaml:"remote"`
	Local  LocalConfig  `yaml:"local"`
	Sync   SyncConfig   `yaml:"sync"`
	Serve  ServeConfig  `yaml:"serve"`
}

// RemoteConfig configures the remote manifest tree.
type RemoteConfig struct {
	// BaseURL is the bare URL of the remote root, no trailing slash.
	BaseURL string `yaml:"base_url"`
}

// LocalConfig configures the local mirror path.
type LocalConfig struct {
	// BasePath is the local directory the remote tree is mirrored into.
	// The hash cache lives at BasePath/.hashes.
	BasePath string `yaml:"base_path"`
}

// SyncConfig configures sync behavior.
type SyncConfig struct {
	// Concurrency bounds the number of HTTP requests the engine keeps
	// in flight at once. Zero means "use the default".
	Concurrency int `yaml:"concurrency"`
}

// ServeConfig configures the resync-trigger webhook server.
type ServeConfig struct {
	Enabled    bool   `yaml:"enabled"`
	ListenAddr string `yaml:"listen_addr"`
	SecretFile string `yaml:"secret_file"`
	// DebounceInterval is given as a duration string such as "5s" (yaml.v3
	// decodes time.Duration from a duration string and rejects a plain
	// integer). Leave unset to use the default.
	DebounceInterval time.Duration `yaml:"debounce_interval"`
}

const defaultConcurrency = 8

const defaultDebounce = 2 * time.Second

// Load reads and parses the configuration file.
func Load(path string) (*Config, error) {
	// Expand environment variables in path
	path = os.ExpandEnv(path)

	// Read file
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Parse YAML
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Expand environment variables in string fields
	cfg.expandEnv()

	// Apply defaults
	cfg.applyDefaults()

	// Validate
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// expandEnv expands environment variables in all string fields
func (c *Config) expandEnv() {
	c.Remote.BaseURL = os.ExpandEnv(c.Remote.BaseURL)
	c.Local.BasePath = os.ExpandEnv(c.Local.BasePath)
	c.Serve.ListenAddr = os.ExpandEnv(c.Serve.ListenAddr)
	c.Serve.SecretFile = os.ExpandEnv(c.Serve.SecretFile)
}

// applyDefaults fills in zero-value fields with sensible defaults.
func (c *Config) applyDefaults() {
	if c.Sync.Concurrency == 0 {
		c.Sync.Concurrency = defaultConcurrency
	}
	if c.Serve.DebounceInterval == 0 {
		c.Serve.DebounceInterval = defaultDebounce
	}
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	if c.Remote.BaseURL == "" {
		return fmt.Errorf("remote.base_url is required")
	}

	if c.Local.BasePath == "" {
		return fmt.Errorf("local.base_path is required")
	}

	// Ensure paths are absolute
	if !filepath.IsAbs(c.Local.BasePath) {
		return fmt.Errorf("local.base_path must be an absolute path: %s", c.Local.BasePath)
	}

	if c.Sync.Concurrency < 0 {
		return fmt.Errorf("sync.concurrency must not be negative")
	}

	// Validate serve config if enabled
	if c.Serve.Enabled {
		if c.Serve.ListenAddr == "" {
			return fmt.Errorf("serve.listen_addr is required when serve is enabled")
		}
		if c.Serve.SecretFile == "" {
			return fmt.Errorf("serve.secret_file is required when serve is enabled")
		}
	}

	return nil
}

// HashCachePath returns the path to the persistent hash cache file.
func (c *Config) HashCachePath() string {
	return filepath.Join(c.Local.BasePath, ".hashes")
}

// IsHTTPS returns true if the remote base URL uses HTTPS.
func (c *Config) IsHTTPS() bool {
	return strings.HasPrefix(c.Remote.BaseURL, "https://")
}
