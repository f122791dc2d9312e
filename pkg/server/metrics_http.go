package server

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// StartMetricsHTTP starts a lightweight HTTP server that exposes /metrics
// in Prometheus text exposition format. It runs in the background and
// shuts down when the server context is cancelled.
//
// Bind address is :9667 by default — configurable via Config.MetricsAddr.
func (s *Server) StartMetricsHTTP() {
	addr := s.cfg.MetricsAddr
	if addr == "" {
		return // metrics endpoint disabled
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", s.handleMetrics)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		slog.Info("metrics HTTP listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("metrics HTTP error", "err", err)
		}
	}()

	go func() {
		<-s.ctx.Done()
		_ = srv.Close()
	}()
}

// handleMetrics writes all metrics in Prometheus text exposition format.
func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	m := s.metrics
	uptime := time.Since(m.startTime).Seconds()

	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

	// Helper for gauge/counter lines.
	// Write errors to http.ResponseWriter are non-actionable; suppress errcheck.
	write := func(name, help, mtype string, value int64) {
		_, _ = fmt.Fprintf(w, "# HELP %s %s\n", name, help)
		_, _ = fmt.Fprintf(w, "# TYPE %s %s\n", name, mtype)
		_, _ = fmt.Fprintf(w, "%s %d\n", name, value)
	}
	writeFloat := func(name, help, mtype string, value float64) {
		_, _ = fmt.Fprintf(w, "# HELP %s %s\n", name, help)
		_, _ = fmt.Fprintf(w, "# TYPE %s %s\n", name, mtype)
		_, _ = fmt.Fprintf(w, "%s %f\n", name, value)
	}

	writeFloat("kaguya_uptime_seconds", "Server uptime in seconds.", "gauge", uptime)

	write("kaguya_connections_active", "Current active connections.", "gauge",
		m.ActiveConnections.Load())
	write("kaguya_connections_total", "Lifetime TCP connections accepted.", "counter",
		m.TotalConnections.Load())
	write("kaguya_disconnects_total", "Total client disconnects.", "counter",
		m.TotalDisconnects.Load())
	write("kaguya_registrations_total", "Completed registrations.", "counter",
		m.Registrations.Load())

	write("kaguya_commands_total", "Dispatched commands.", "counter",
		m.CommandsProcessed.Load())
	write("kaguya_unknown_commands_total", "Commands answered with 421.", "counter",
		m.UnknownCommands.Load())

	write("kaguya_messages_total", "PRIVMSG/MSG lines delivered.", "counter",
		m.MessagesRelayed.Load())

	write("kaguya_channels_created_total", "Channels created.", "counter",
		m.ChannelsCreated.Load())
	write("kaguya_channels_deleted_total", "Empty channels removed.", "counter",
		m.ChannelsDeleted.Load())

	write("kaguya_kicks_total", "Users kicked from channels.", "counter",
		m.Kicks.Load())
	write("kaguya_bans_total", "Channel bans added.", "counter",
		m.Bans.Load())
	write("kaguya_global_bans_total", "Global bans added.", "counter",
		m.GlobalBans.Load())

	write("kaguya_oper_success_total", "Successful OPER attempts.", "counter",
		m.OperSuccesses.Load())
	write("kaguya_oper_failed_total", "Failed OPER attempts.", "counter",
		m.OperFailures.Load())
}
