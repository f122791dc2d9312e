package server

import (
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"
)

// Run starts the listener and blocks until a shutdown signal.
func (s *Server) Run() error {
	if s.cfg.ChannelsFile != "" {
		if err := s.registry.LoadChannelsFromYAML(s.cfg.ChannelsFile); err != nil {
			slog.Error("failed to load channels file", "err", err)
		}
	}

	ln, err := net.Listen("tcp", s.cfg.Addr())
	if err != nil {
		return fmt.Errorf("server: listen: %w", err)
	}
	s.listener = ln

	slog.Info("kaguyad running",
		"addr", s.cfg.Addr(),
		"server_name", s.cfg.ServerName,
		"version", s.cfg.Version,
	)

	go s.acceptLoop()

	// Start Prometheus metrics HTTP endpoint
	s.StartMetricsHTTP()

	// Start periodic metrics logging (every 60s)
	s.metrics.StartPeriodicLog(60*time.Second, s.ctx.Done())

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	slog.Info("shutting down...")
	s.Shutdown()
	return nil
}

func (s *Server) acceptLoop() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
				slog.Error("accept error", "err", err)
				continue
			}
		}
		go s.registry.HandleConn(conn)
	}
}

// Shutdown gracefully stops the server, notifying connected sessions.
func (s *Server) Shutdown() {
	s.cancel()
	if s.listener != nil {
		_ = s.listener.Close()
	}
	s.registry.CloseAll("Server shutting down")
}
