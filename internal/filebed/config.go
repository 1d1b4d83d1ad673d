// ABOUTME: TOML configuration for the file-bed service with env expansion
// ABOUTME: Duration fields are raw strings parsed into time.Duration siblings

package filebed

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"github.com/BurntSushi/toml"
)

// Config holds the file-bed service configuration.
type Config struct {
	ListenAddr    string `toml:"listen_addr"`
	UploadDir     string `toml:"upload_dir"`
	Database      string `toml:"database"`
	APIKey        string `toml:"api_key"`
	PublicBaseURL string `toml:"public_base_url"`
	MaxFileBytes  int64  `toml:"max_file_bytes"`

	// FileTTL zero keeps uploads forever.
	FileTTL         time.Duration `toml:"-"`
	CleanupInterval time.Duration `toml:"-"`

	FileTTLRaw         string `toml:"file_ttl"`
	CleanupIntervalRaw string `toml:"cleanup_interval"`
}

// DefaultConfig returns the baseline used when fields are absent from the
// TOML file.
func DefaultConfig() Config {
	return Config{
		ListenAddr:      ":5180",
		UploadDir:       "uploads",
		Database:        "filebed.db",
		MaxFileBytes:    20 << 20,
		FileTTL:         24 * time.Hour,
		CleanupInterval: 10 * time.Minute,
	}
}

// LoadConfig reads a TOML configuration file, expanding ${VAR} environment
// references before parsing.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultConfig()
	if _, err := toml.Decode(expandEnvVars(string(data)), &cfg); err != nil {
		return Config{}, fmt.Errorf("parsing config file: %w", err)
	}

	if cfg.FileTTLRaw != "" {
		d, err := time.ParseDuration(cfg.FileTTLRaw)
		if err != nil {
			return Config{}, fmt.Errorf("parsing file_ttl: %w", err)
		}
		cfg.FileTTL = d
	}
	if cfg.CleanupIntervalRaw != "" {
		d, err := time.ParseDuration(cfg.CleanupIntervalRaw)
		if err != nil {
			return Config{}, fmt.Errorf("parsing cleanup_interval: %w", err)
		}
		cfg.CleanupInterval = d
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

// expandEnvVars replaces ${VAR} with environment variable values.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)
	return re.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(re.FindStringSubmatch(match)[1])
	})
}

// Validate returns the first configuration problem found.
func (c Config) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("listen_addr is required")
	}
	if c.UploadDir == "" {
		return fmt.Errorf("upload_dir is required")
	}
	if c.Database == "" {
		return fmt.Errorf("database is required")
	}
	if c.MaxFileBytes <= 0 {
		return fmt.Errorf("max_file_bytes must be positive")
	}
	if c.CleanupInterval <= 0 {
		return fmt.Errorf("cleanup_interval must be positive")
	}
	return nil
}
