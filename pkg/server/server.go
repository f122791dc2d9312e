// Package server implements the kaguyad chat server: per-connection
// session lifecycle, the shared registry of sessions, channels, and bans,
// and the command handlers enforcing the authorization tiers.
package server

import (
	"context"
	"net"

	"github.com/kaguya-irc/kaguyad/pkg/config"
	"github.com/kaguya-irc/kaguyad/pkg/version"
)

// Server wires the registry to a TCP listener and owns process lifecycle.
type Server struct {
	cfg      config.Config
	registry *Registry
	metrics  *Metrics
	listener net.Listener
	ctx      context.Context
	cancel   context.CancelFunc
}

// New creates a new Server instance with the default channel seeded.
func New(cfg config.Config) (*Server, error) {
	if cfg.Version == "" {
		cfg.Version = version.String()
	}
	ctx, cancel := context.WithCancel(context.Background())
	metrics := NewMetrics()
	registry, err := NewRegistry(cfg, metrics)
	if err != nil {
		cancel()
		return nil, err
	}
	return &Server{
		cfg:      cfg,
		registry: registry,
		metrics:  metrics,
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// Registry returns the shared state registry.
func (s *Server) Registry() *Registry {
	return s.registry
}

// Metrics returns the server metrics.
func (s *Server) Metrics() *Metrics {
	return s.metrics
}
