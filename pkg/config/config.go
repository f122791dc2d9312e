// Package config loads the kaguyad server configuration.
//
// Configuration is resolved in three layers: built-in defaults, an optional
// YAML file, then KAGUYA_-prefixed environment variables. Command-line flags
// in cmd/kaguyad apply last. All values are read once at startup; the server
// never re-reads configuration while running.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

var (
	ErrBadPort           = errors.New("config: port must be 1-65535")
	ErrNoServerName      = errors.New("config: server name must not be empty")
	ErrBadDefaultChannel = errors.New("config: default channel must start with '#'")
)

// Config holds all server configuration.
type Config struct {
	Host       string `yaml:"host" envconfig:"HOST"`             // listen interface (default all)
	Port       int    `yaml:"port" envconfig:"PORT"`             // TCP listen port
	ServerName string `yaml:"server_name" envconfig:"SERVER_NAME"`
	Version    string `yaml:"version" envconfig:"VERSION"` // empty = build version

	// Testing enables the testing-phase notice sent after registration.
	Testing bool `yaml:"testing" envconfig:"TESTING"`

	// OperatorPassword is the shared secret accepted by OPER.
	OperatorPassword string `yaml:"operator_password" envconfig:"OPERATOR_PASSWORD"`

	// DefaultChannel is seeded at startup and survives at zero members.
	DefaultChannel string `yaml:"default_channel" envconfig:"DEFAULT_CHANNEL"`

	// OperatorOnlyCreate restricts CREATE to server operators.
	OperatorOnlyCreate bool `yaml:"operator_only_create" envconfig:"OPERATOR_ONLY_CREATE"`

	// OwnerOnlyTopic restricts TOPIC-set to channel owners and operators.
	OwnerOnlyTopic bool `yaml:"owner_only_topic" envconfig:"OWNER_ONLY_TOPIC"`

	// CreateOnJoin lets JOIN create a missing channel instead of refusing.
	CreateOnJoin bool `yaml:"create_on_join" envconfig:"CREATE_ON_JOIN"`

	// ChannelsFile is an optional YAML file of channels to seed at startup.
	ChannelsFile string `yaml:"channels_file" envconfig:"CHANNELS_FILE"`

	// MetricsAddr is the HTTP bind address for /metrics (empty = disabled).
	MetricsAddr string `yaml:"metrics_addr" envconfig:"METRICS_ADDR"`

	Log LogConfig `yaml:"log"`
}

// LogConfig controls the structured log output.
type LogConfig struct {
	Level  string `yaml:"level" envconfig:"LOG_LEVEL"`
	Format string `yaml:"format" envconfig:"LOG_FORMAT"`
	File   string `yaml:"file" envconfig:"LOG_FILE"` // mirrored alongside console output
}

// Default returns a config with sensible defaults.
func Default() Config {
	return Config{
		Host:             "",
		Port:             6667,
		ServerName:       "KaguyaIRC",
		OperatorPassword: "admin",
		DefaultChannel:   "#lobby",
		OwnerOnlyTopic:   true,
		MetricsAddr:      ":9667",
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load resolves the configuration: defaults, then the YAML file at path
// (skipped when path is empty), then KAGUYA_-prefixed environment variables.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path) //nolint:gosec // path from user-provided CLI flag
		if err != nil {
			return cfg, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	if err := envconfig.Process("kaguya", &cfg); err != nil {
		return cfg, fmt.Errorf("config: environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks the resolved configuration.
func (c Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return ErrBadPort
	}
	if strings.TrimSpace(c.ServerName) == "" {
		return ErrNoServerName
	}
	if !strings.HasPrefix(c.DefaultChannel, "#") {
		return ErrBadDefaultChannel
	}
	return nil
}

// Addr returns the listen address in host:port form.
func (c Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}
