// Package config provides configuration management for Tether.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the daemon. Load returns an
// immutable snapshot; components must not mutate it after startup.
type Config struct {
	Agent      AgentConfig      `mapstructure:"agent"`
	Daemon     DaemonConfig     `mapstructure:"daemon"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Database   DatabaseConfig   `mapstructure:"database"`
	NATS       NATSConfig       `mapstructure:"nats"`
	Session    SessionConfig    `mapstructure:"session"`
	Transcript TranscriptConfig `mapstructure:"transcript"`
	Channels   ChannelsConfig   `mapstructure:"channels"`
	Scheduler  SchedulerConfig  `mapstructure:"scheduler"`
	AgentComms AgentCommsConfig `mapstructure:"agentComms"`
	Network    NetworkConfig    `mapstructure:"network"`
	Security   SecurityConfig   `mapstructure:"security"`
	Sidecars   []SidecarConfig  `mapstructure:"sidecars"`
	State      StateConfig      `mapstructure:"state"`
}

// AgentConfig identifies this agent.
type AgentConfig struct {
	// Name is the agent's protocol name, normalized to lowercase.
	Name string `mapstructure:"name"`
}

// DaemonConfig holds HTTP control-plane configuration.
type DaemonConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// DatabaseConfig selects the backing store for the replay-nonce and
// message-dedup tables. SQLite by default; Postgres for shared deployments.
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"` // sqlite or postgres
	Path     string `mapstructure:"path"`   // sqlite file path
	DSN      string `mapstructure:"dsn"`    // postgres DSN
	MaxConns int    `mapstructure:"maxConns"`
	MinConns int    `mapstructure:"minConns"`
}

// NATSConfig holds NATS messaging configuration. An empty URL selects the
// in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// SessionConfig describes the multiplexer pane hosting the REPL.
type SessionConfig struct {
	SessionName  string   `mapstructure:"sessionName"`
	PaneID       string   `mapstructure:"paneId"`
	PromptMarker []string `mapstructure:"promptMarker"` // regexes marking an idle input prompt
	ScreenRows   int      `mapstructure:"screenRows"`
	ScreenCols   int      `mapstructure:"screenCols"`
}

// TranscriptConfig tunes the capture layers of the transcript stream.
type TranscriptConfig struct {
	Path              string   `mapstructure:"path"`              // transcript JSONL; empty until the first hook reports one
	RetryInterval     int      `mapstructure:"retryInterval"`     // ms between tight-retry parses
	RetryHorizon      int      `mapstructure:"retryHorizon"`      // seconds before the tight retry gives up
	PollInterval      int      `mapstructure:"pollInterval"`      // seconds between background polls
	PaneCaptureAfter  int      `mapstructure:"paneCaptureAfter"`  // seconds before the pane fallback fires
	PaneCaptureLines  int      `mapstructure:"paneCaptureLines"`  // pane lines fetched by the fallback
	DedupWindow       int      `mapstructure:"dedupWindow"`       // fingerprints remembered in the LRU
	StatusLineFilters []string `mapstructure:"statusLineFilters"` // regexes stripped from pane captures
	VerboseThinking   bool     `mapstructure:"verboseThinking"`   // include thinking parts in responses
}

// ChannelsConfig holds the outbound channel adapters.
type ChannelsConfig struct {
	Chat  ChatConfig  `mapstructure:"chat"`
	Email EmailConfig `mapstructure:"email"`
}

// ChatConfig configures the chat-messenger adapter.
type ChatConfig struct {
	Providers []ChatProviderConfig `mapstructure:"providers"`
	MaxLength int                  `mapstructure:"maxLength"`
}

// ChatProviderConfig is one pluggable chat provider.
type ChatProviderConfig struct {
	Name    string `mapstructure:"name"`
	BaseURL string `mapstructure:"baseUrl"`
	// SecretName is the secret-store key holding the provider credential.
	SecretName string `mapstructure:"secretName"`
}

// EmailConfig configures the email adapter.
type EmailConfig struct {
	Providers []EmailProviderConfig `mapstructure:"providers"`
}

// EmailProviderConfig is one pluggable email provider.
type EmailProviderConfig struct {
	Name       string `mapstructure:"name"`
	BaseURL    string `mapstructure:"baseUrl"`
	Address    string `mapstructure:"address"`
	SecretName string `mapstructure:"secretName"`
}

// SchedulerConfig holds the scheduled task definitions.
type SchedulerConfig struct {
	// TasksFile optionally points at a YAML file with extra task definitions.
	TasksFile string       `mapstructure:"tasksFile"`
	Tasks     []TaskConfig `mapstructure:"tasks"`
}

// TaskConfig declares one scheduled task.
type TaskConfig struct {
	Name        string `mapstructure:"name" yaml:"name"`
	Interval    int    `mapstructure:"interval" yaml:"interval"` // seconds; 0 when cron is set
	Cron        string `mapstructure:"cron" yaml:"cron"`         // 5-field cron, local time
	Enabled     bool   `mapstructure:"enabled" yaml:"enabled"`
	BusyGate    bool   `mapstructure:"busyGate" yaml:"busyGate"`
	MinGap      int    `mapstructure:"minGap" yaml:"minGap"`           // seconds
	MaxDuration int    `mapstructure:"maxDuration" yaml:"maxDuration"` // seconds
}

// AgentCommsConfig configures the LAN peer path.
type AgentCommsConfig struct {
	Enabled bool         `mapstructure:"enabled"`
	// SharedSecretName is the secret-store key for the LAN bearer token.
	SharedSecretName string `mapstructure:"sharedSecretName"`
	// LANTransport selects the outbound HTTP transport for LAN peers:
	// "native" (default) or "subprocess" (curl; platform quirk fallback).
	LANTransport string       `mapstructure:"lanTransport"`
	Peers        []PeerConfig `mapstructure:"peers"`
}

// PeerConfig is one LAN-reachable peer agent.
type PeerConfig struct {
	Name string `mapstructure:"name"`
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// NetworkConfig configures the Ed25519 relay path.
type NetworkConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	RelayURL     string `mapstructure:"relay_url"`
	OwnerEmail   string `mapstructure:"owner_email"`
	PollInterval int    `mapstructure:"poll_interval"` // seconds, floor 30
}

// SecurityConfig holds the rate-limit knobs.
type SecurityConfig struct {
	RateLimits RateLimitConfig `mapstructure:"rate_limits"`
}

// RateLimitConfig defines sliding-window limits per sender and recipient.
type RateLimitConfig struct {
	InboundPerSender     int `mapstructure:"inboundPerSender"` // messages per window
	OutboundPerRecipient int `mapstructure:"outboundPerRecipient"`
	WindowSeconds        int `mapstructure:"windowSeconds"`
	QueueCap             int `mapstructure:"queueCap"`
}

// SidecarConfig declares one supervised child process.
type SidecarConfig struct {
	Name           string   `mapstructure:"name"`
	Command        string   `mapstructure:"command"`
	Args           []string `mapstructure:"args"`
	Port           int      `mapstructure:"port"`
	TTY            bool     `mapstructure:"tty"`
	StartupTimeout int      `mapstructure:"startupTimeout"` // seconds
}

// StateConfig locates the on-disk state directory.
type StateConfig struct {
	Dir string `mapstructure:"dir"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (d *DaemonConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(d.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (d *DaemonConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(d.WriteTimeout) * time.Second
}

// PollIntervalDuration returns the relay inbox poll interval, clamped to the
// 30-second floor.
func (n *NetworkConfig) PollIntervalDuration() time.Duration {
	secs := n.PollInterval
	if secs < 30 {
		secs = 30
	}
	return time.Duration(secs) * time.Second
}

// WindowDuration returns the sliding-window length.
func (r *RateLimitConfig) WindowDuration() time.Duration {
	return time.Duration(r.WindowSeconds) * time.Second
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Daemon defaults
	v.SetDefault("daemon.host", "127.0.0.1")
	v.SetDefault("daemon.port", 3847)
	v.SetDefault("daemon.readTimeout", 30)
	v.SetDefault("daemon.writeTimeout", 30)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")

	// Database defaults - sqlite lives inside the state dir unless overridden
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "")
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.maxConns", 25)
	v.SetDefault("database.minConns", 5)

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "tetherd")
	v.SetDefault("nats.maxReconnects", 10)

	// Session defaults
	v.SetDefault("session.sessionName", "tether")
	v.SetDefault("session.paneId", "")
	v.SetDefault("session.promptMarker", []string{})
	v.SetDefault("session.screenRows", 50)
	v.SetDefault("session.screenCols", 200)

	// Transcript capture defaults
	v.SetDefault("transcript.path", "")
	v.SetDefault("transcript.retryInterval", 500)
	v.SetDefault("transcript.retryHorizon", 30)
	v.SetDefault("transcript.pollInterval", 15)
	v.SetDefault("transcript.paneCaptureAfter", 60)
	v.SetDefault("transcript.paneCaptureLines", 40)
	v.SetDefault("transcript.dedupWindow", 128)
	v.SetDefault("transcript.statusLineFilters", []string{})
	v.SetDefault("transcript.verboseThinking", false)

	// Channel defaults
	v.SetDefault("channels.chat.maxLength", 4000)

	// Agent comms defaults
	v.SetDefault("agentComms.enabled", false)
	v.SetDefault("agentComms.sharedSecretName", "tether-lan")
	v.SetDefault("agentComms.lanTransport", "native")

	// Network defaults
	v.SetDefault("network.enabled", false)
	v.SetDefault("network.relay_url", "")
	v.SetDefault("network.poll_interval", 60)

	// Security defaults
	v.SetDefault("security.rate_limits.inboundPerSender", 10)
	v.SetDefault("security.rate_limits.outboundPerRecipient", 20)
	v.SetDefault("security.rate_limits.windowSeconds", 60)
	v.SetDefault("security.rate_limits.queueCap", 16)

	// State defaults
	v.SetDefault("state.dir", "~/.tether/state")
}

// detectDefaultLogFormat returns "json" in production environments and
// "text" (human-readable console format) for terminal use.
func detectDefaultLogFormat() string {
	if env := os.Getenv("TETHER_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix TETHER_ with snake_case naming.
// Config file should be named tether.yaml and placed in ~/.tether or the
// current directory.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("TETHER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings where env var naming differs from the config key.
	_ = v.BindEnv("agent.name", "TETHER_AGENT_NAME")
	_ = v.BindEnv("daemon.port", "TETHER_DAEMON_PORT")
	_ = v.BindEnv("network.relay_url", "TETHER_NETWORK_RELAY_URL")
	_ = v.BindEnv("network.poll_interval", "TETHER_NETWORK_POLL_INTERVAL")

	v.SetConfigName("tether")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	if home, err := os.UserHomeDir(); err == nil {
		v.AddConfigPath(home + "/.tether")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	// Protocol names are always lowercase on the wire.
	cfg.Agent.Name = strings.ToLower(strings.TrimSpace(cfg.Agent.Name))

	return &cfg, nil
}

// validate enforces the options that have no usable default.
func validate(cfg *Config) error {
	if strings.TrimSpace(cfg.Agent.Name) == "" {
		return fmt.Errorf("agent.name is required")
	}
	if cfg.Daemon.Port <= 0 || cfg.Daemon.Port > 65535 {
		return fmt.Errorf("daemon.port must be between 1 and 65535, got %d", cfg.Daemon.Port)
	}
	if cfg.Database.Driver != "sqlite" && cfg.Database.Driver != "postgres" {
		return fmt.Errorf("database.driver must be sqlite or postgres, got %q", cfg.Database.Driver)
	}
	if cfg.Database.Driver == "postgres" && cfg.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required when database.driver is postgres")
	}
	if cfg.Network.Enabled && cfg.Network.RelayURL == "" {
		return fmt.Errorf("network.relay_url is required when network.enabled is true")
	}
	for _, task := range cfg.Scheduler.Tasks {
		if task.Name == "" {
			return fmt.Errorf("scheduler task with empty name")
		}
		if task.Interval <= 0 && task.Cron == "" {
			return fmt.Errorf("scheduler task %q needs an interval or a cron expression", task.Name)
		}
	}
	return nil
}
