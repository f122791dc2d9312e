package server

import (
	"encoding/json"
	"log/slog"
	"sync/atomic"
	"time"
)

// Metrics tracks server runtime statistics.
// All counters use atomic operations for lock-free concurrent access.
type Metrics struct {
	startTime time.Time

	// Connection counters
	TotalConnections  atomic.Int64 // lifetime TCP connections accepted
	ActiveConnections atomic.Int64 // current active connections
	TotalDisconnects  atomic.Int64 // total client disconnects (clean + unclean)
	Registrations     atomic.Int64 // completed NICK+USER registrations

	// Command counters
	CommandsProcessed atomic.Int64 // dispatched commands
	UnknownCommands   atomic.Int64 // commands answered with 421

	// Chat counters
	MessagesRelayed atomic.Int64 // PRIVMSG/MSG lines delivered

	// Channel counters
	ChannelsCreated atomic.Int64 // channels created during this run
	ChannelsDeleted atomic.Int64 // empty channels removed during this run

	// Moderation counters
	Kicks      atomic.Int64 // users kicked from channels
	Bans       atomic.Int64 // channel bans added
	GlobalBans atomic.Int64 // global bans added

	// Elevation counters
	OperSuccesses atomic.Int64 // successful OPER attempts
	OperFailures  atomic.Int64 // failed OPER attempts
}

// NewMetrics creates a new Metrics instance with the start time set to now.
func NewMetrics() *Metrics {
	return &Metrics{
		startTime: time.Now(),
	}
}

// MetricsSnapshot is a point-in-time view of all metrics as a serializable
// struct.
type MetricsSnapshot struct {
	Uptime        string `json:"uptime"`
	UptimeSeconds int64  `json:"uptime_seconds"`

	ActiveConnections int64 `json:"active_connections"`
	TotalConnections  int64 `json:"total_connections"`
	TotalDisconnects  int64 `json:"total_disconnects"`
	Registrations     int64 `json:"registrations"`

	CommandsProcessed int64 `json:"commands_processed"`
	UnknownCommands   int64 `json:"unknown_commands"`

	MessagesRelayed int64 `json:"messages_relayed"`

	ChannelsCreated int64 `json:"channels_created"`
	ChannelsDeleted int64 `json:"channels_deleted"`

	Kicks      int64 `json:"kicks"`
	Bans       int64 `json:"bans"`
	GlobalBans int64 `json:"global_bans"`

	OperSuccesses int64 `json:"oper_successes"`
	OperFailures  int64 `json:"oper_failures"`
}

// Snapshot returns a read-consistent snapshot of all metrics.
func (m *Metrics) Snapshot() MetricsSnapshot {
	uptime := time.Since(m.startTime)
	return MetricsSnapshot{
		Uptime:            uptime.Truncate(time.Second).String(),
		UptimeSeconds:     int64(uptime.Seconds()),
		ActiveConnections: m.ActiveConnections.Load(),
		TotalConnections:  m.TotalConnections.Load(),
		TotalDisconnects:  m.TotalDisconnects.Load(),
		Registrations:     m.Registrations.Load(),
		CommandsProcessed: m.CommandsProcessed.Load(),
		UnknownCommands:   m.UnknownCommands.Load(),
		MessagesRelayed:   m.MessagesRelayed.Load(),
		ChannelsCreated:   m.ChannelsCreated.Load(),
		ChannelsDeleted:   m.ChannelsDeleted.Load(),
		Kicks:             m.Kicks.Load(),
		Bans:              m.Bans.Load(),
		GlobalBans:        m.GlobalBans.Load(),
		OperSuccesses:     m.OperSuccesses.Load(),
		OperFailures:      m.OperFailures.Load(),
	}
}

// JSON returns the metrics snapshot as a JSON string.
func (m *Metrics) JSON() string {
	data, err := json.MarshalIndent(m.Snapshot(), "", "  ")
	if err != nil {
		return "{}"
	}
	return string(data)
}

// LogSummary writes a periodic metrics summary to the logger.
func (m *Metrics) LogSummary() {
	s := m.Snapshot()
	slog.Info("metrics",
		"uptime", s.Uptime,
		"connections", s.ActiveConnections,
		"total_connections", s.TotalConnections,
		"registrations", s.Registrations,
		"commands", s.CommandsProcessed,
		"messages", s.MessagesRelayed,
		"kicks", s.Kicks,
		"bans", s.Bans,
	)
}

// StartPeriodicLog starts a goroutine that logs metrics every interval.
// It stops when the done channel is closed.
func (m *Metrics) StartPeriodicLog(interval time.Duration, done <-chan struct{}) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				m.LogSummary()
			}
		}
	}()
}
