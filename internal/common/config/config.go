// Package config provides configuration management for the agentview supervisor.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the supervisor.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Store   StoreConfig   `mapstructure:"store"`
	Agent   AgentConfig   `mapstructure:"agent"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// StoreConfig holds durable event log configuration.
type StoreConfig struct {
	// Dir is the writable directory holding the metadata database and
	// events/<sessionId>.jsonl files.
	Dir string `mapstructure:"dir"`

	// MaxTailEvents caps how many events are surfaced to subscribers at
	// load time. The file on disk may grow beyond this.
	MaxTailEvents int `mapstructure:"maxTailEvents"`

	// CoalesceWindowMs is the flush timer for merged streaming chunks.
	CoalesceWindowMs int `mapstructure:"coalesceWindowMs"`

	// MetadataDebounceMs is the debounce window for updated_at flushes
	// after event appends.
	MetadataDebounceMs int `mapstructure:"metadataDebounceMs"`
}

// AgentConfig holds agent child process configuration.
type AgentConfig struct {
	// SpawnTimeout bounds spawn plus the ACP initialize handshake, in seconds.
	SpawnTimeout int `mapstructure:"spawnTimeout"`

	// StopGrace is how long to wait for a child to exit after stdin is
	// closed before escalating to a kill, in seconds.
	StopGrace int `mapstructure:"stopGrace"`

	// Commands overrides the executable and argv per agent kind, e.g.
	// commands: { gemini: ["gemini", "--experimental-acp"] }.
	Commands map[string][]string `mapstructure:"commands"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// CoalesceWindow returns the coalesce flush timer as a time.Duration.
func (s *StoreConfig) CoalesceWindow() time.Duration {
	return time.Duration(s.CoalesceWindowMs) * time.Millisecond
}

// MetadataDebounce returns the updated_at debounce window as a time.Duration.
func (s *StoreConfig) MetadataDebounce() time.Duration {
	return time.Duration(s.MetadataDebounceMs) * time.Millisecond
}

// SpawnTimeoutDuration returns the spawn timeout as a time.Duration.
func (a *AgentConfig) SpawnTimeoutDuration() time.Duration {
	return time.Duration(a.SpawnTimeout) * time.Second
}

// StopGraceDuration returns the stop grace period as a time.Duration.
func (a *AgentConfig) StopGraceDuration() time.Duration {
	return time.Duration(a.StopGrace) * time.Second
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("AGENTVIEW_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 8844)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Store defaults
	v.SetDefault("store.dir", ".agent-store")
	v.SetDefault("store.maxTailEvents", 20000)
	v.SetDefault("store.coalesceWindowMs", 500)
	v.SetDefault("store.metadataDebounceMs", 2000)

	// Agent defaults
	v.SetDefault("agent.spawnTimeout", 60)
	v.SetDefault("agent.stopGrace", 5)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix AGENTVIEW_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory
// or /etc/agentview/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("AGENTVIEW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for snake_case env vars (camelCase config keys).
	_ = v.BindEnv("store.dir", "AGENTVIEW_STORE_DIR")
	_ = v.BindEnv("store.maxTailEvents", "AGENTVIEW_STORE_MAX_TAIL_EVENTS")
	_ = v.BindEnv("agent.spawnTimeout", "AGENTVIEW_AGENT_SPAWN_TIMEOUT")
	_ = v.BindEnv("agent.stopGrace", "AGENTVIEW_AGENT_STOP_GRACE")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/agentview/")

	// Read config file (ignore if not found)
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

	return &cfg, nil
}

// validate checks that all required configuration fields are sane.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}
	if cfg.Store.Dir == "" {
		errs = append(errs, "store.dir must not be empty")
	}
	if cfg.Store.MaxTailEvents <= 0 {
		errs = append(errs, "store.maxTailEvents must be positive")
	}
	if cfg.Agent.StopGrace < 0 {
		errs = append(errs, "agent.stopGrace must not be negative")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}
