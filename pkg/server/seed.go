package server

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"
)

// ChannelSeed defines a channel created at startup from the channels file.
type ChannelSeed struct {
	Name     string `yaml:"name"`
	Topic    string `yaml:"topic,omitempty"`
	Password string `yaml:"password,omitempty"`
}

// ChannelsConfig is the top-level YAML schema for the channels file.
type ChannelsConfig struct {
	Channels []ChannelSeed `yaml:"channels"`
}

// LoadChannelsFromYAML reads a channels YAML file and seeds the registry.
func (r *Registry) LoadChannelsFromYAML(path string) error {
	data, err := os.ReadFile(path) //nolint:gosec // path from user-provided config
	if err != nil {
		return fmt.Errorf("read channels file: %w", err)
	}
	var cfg ChannelsConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return fmt.Errorf("parse channels file: %w", err)
	}
	r.SeedChannels(cfg.Channels)
	return nil
}

// SeedChannels creates the given channels, skipping names already taken.
// Seeded channels have no creator session to deliver the ownership key to,
// so each key is surfaced once in the startup log instead.
func (r *Registry) SeedChannels(seeds []ChannelSeed) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, seed := range seeds {
		ch, key, err := r.createChannel(seed.Name, seed.Password)
		if errors.Is(err, ErrChannelExists) {
			continue
		}
		if err != nil {
			slog.Error("failed to seed channel", "name", seed.Name, "err", err)
			continue
		}
		ch.Topic = seed.Topic
		slog.Info("seeded channel ownership key (save this!)", "channel", ch.Name, "key", key)
	}
	slog.Info("seeded channels from YAML", "count", len(seeds))
}
