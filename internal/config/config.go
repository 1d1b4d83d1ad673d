// ABOUTME: Configuration loading and parsing for arena-bridge
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete arena-bridge configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Tailscale TailscaleConfig `yaml:"tailscale"`
	Tunnel    TunnelConfig    `yaml:"tunnel"`
	Timeouts  TimeoutsConfig  `yaml:"timeouts"`
	Tables    TablesConfig    `yaml:"tables"`
	Chat      ChatConfig      `yaml:"chat"`
	FileBed   FileBedConfig   `yaml:"filebed"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig holds the client-facing HTTP listener configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
	// APIKey, when set, requires "Authorization: Bearer <key>" on /v1 endpoints
	APIKey string `yaml:"api_key"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Hostname  string `yaml:"hostname"`
	AuthKey   string `yaml:"auth_key"`
	StateDir  string `yaml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral"`
	Funnel    bool   `yaml:"funnel"` // Enable public Funnel (implies HTTPS)
}

// TunnelConfig holds the browser tunnel endpoint configuration
type TunnelConfig struct {
	// Path is the WebSocket endpoint the userscript connects to
	Path string `yaml:"path"`
	// AllowedOrigins restricts upgrade requests; empty allows any origin
	AllowedOrigins []string `yaml:"allowed_origins"`
	// ChannelBuffer is the per-request delivery channel capacity
	ChannelBuffer int `yaml:"channel_buffer"`

	// AdmissionWait bounds how long a new request waits for a live tunnel
	// before failing. Zero rejects immediately.
	AdmissionWait time.Duration `yaml:"-"`

	AdmissionWaitRaw string `yaml:"admission_wait"`
}

// TimeoutsConfig holds per-request streaming deadlines
type TimeoutsConfig struct {
	FirstFragment time.Duration `yaml:"-"`
	StreamIdle    time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	FirstFragmentRaw string `yaml:"first_fragment"`
	StreamIdleRaw    string `yaml:"stream_idle"`
}

// TablesConfig holds paths to the model and session tables
type TablesConfig struct {
	ModelsFile  string `yaml:"models_file"`
	PoolsFile   string `yaml:"pools_file"`
	CatalogFile string `yaml:"catalog_file"`
	// FallbackToDefault falls back to the pool's "default" entry when a model
	// has no session mapping of its own
	FallbackToDefault bool `yaml:"fallback_to_default"`
}

// ChatConfig holds request shaping options
type ChatConfig struct {
	// TavernMode merges all system messages into a single leading one
	TavernMode bool `yaml:"tavern_mode"`
	// BypassMode appends an empty user turn to text requests
	BypassMode bool `yaml:"bypass_mode"`
	// MaxImageFanout caps the n parameter on image requests
	MaxImageFanout int `yaml:"max_image_fanout"`
}

// FileBedConfig holds the attachment externalization client configuration
type FileBedConfig struct {
	Enabled   bool   `yaml:"enabled"`
	UploadURL string `yaml:"upload_url"`
	APIKey    string `yaml:"api_key"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the baseline configuration used when a field is absent
// from the YAML file. Serves as the starting point for `arena-bridge init`.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			HTTPAddr: ":5102",
		},
		Tunnel: TunnelConfig{
			Path:          "/ws",
			ChannelBuffer: 64,
			AdmissionWait: 0,
		},
		Timeouts: TimeoutsConfig{
			FirstFragment: 60 * time.Second,
			StreamIdle:    180 * time.Second,
		},
		Tables: TablesConfig{
			ModelsFile:        "models.jsonc",
			PoolsFile:         "session_pools.jsonc",
			CatalogFile:       "available_models.json",
			FallbackToDefault: true,
		},
		Chat: ChatConfig{
			MaxImageFanout: 10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expandedData), cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	// Parse duration fields
	if err := parseDurations(cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	// Match ${VAR_NAME} pattern
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		// Extract variable name from ${VAR_NAME}
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	// The HTTP address is required unless Tailscale provides the listener
	if !c.Tailscale.Enabled && c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required (or enable tailscale)")
	}

	// Tailscale requires a hostname
	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	if c.Tunnel.Path == "" {
		return fmt.Errorf("tunnel.path is required")
	}
	if c.Tunnel.ChannelBuffer <= 0 {
		return fmt.Errorf("tunnel.channel_buffer must be positive")
	}

	if c.Timeouts.FirstFragment <= 0 {
		return fmt.Errorf("timeouts.first_fragment must be positive")
	}
	if c.Timeouts.StreamIdle <= 0 {
		return fmt.Errorf("timeouts.stream_idle must be positive")
	}

	if c.Tables.ModelsFile == "" {
		return fmt.Errorf("tables.models_file is required")
	}
	if c.Tables.PoolsFile == "" {
		return fmt.Errorf("tables.pools_file is required")
	}

	if c.Chat.MaxImageFanout <= 0 {
		return fmt.Errorf("chat.max_image_fanout must be positive")
	}

	if c.FileBed.Enabled && c.FileBed.UploadURL == "" {
		return fmt.Errorf("filebed.upload_url is required when filebed is enabled")
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Tunnel.AdmissionWaitRaw != "" {
		cfg.Tunnel.AdmissionWait, err = time.ParseDuration(cfg.Tunnel.AdmissionWaitRaw)
		if err != nil {
			return fmt.Errorf("parsing admission_wait %q: %w", cfg.Tunnel.AdmissionWaitRaw, err)
		}
	}

	if cfg.Timeouts.FirstFragmentRaw != "" {
		cfg.Timeouts.FirstFragment, err = time.ParseDuration(cfg.Timeouts.FirstFragmentRaw)
		if err != nil {
			return fmt.Errorf("parsing first_fragment %q: %w", cfg.Timeouts.FirstFragmentRaw, err)
		}
	}

	if cfg.Timeouts.StreamIdleRaw != "" {
		cfg.Timeouts.StreamIdle, err = time.ParseDuration(cfg.Timeouts.StreamIdleRaw)
		if err != nil {
			return fmt.Errorf("parsing stream_idle %q: %w", cfg.Timeouts.StreamIdleRaw, err)
		}
	}

	return nil
}
