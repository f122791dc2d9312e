package server

import (
	"bufio"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/kaguya-irc/kaguyad/pkg/config"
	"github.com/kaguya-irc/kaguyad/pkg/crypto"
	"github.com/kaguya-irc/kaguyad/pkg/model"
	"github.com/kaguya-irc/kaguyad/pkg/protocol"
	"github.com/kaguya-irc/kaguyad/pkg/version"
)

// maxLineLength bounds a single inbound protocol line.
const maxLineLength = 4096

// ErrChannelExists is returned when creating a channel whose name is taken.
var ErrChannelExists = errors.New("channel already exists")

// Registry is the process-wide shared state: the session set, the
// nickname map, the channel map, and the global banned-address set. It
// owns connection accept/teardown and command dispatch.
//
// A single coarse mutex serializes every handler end-to-end, so each
// inbound line runs as a critical section relative to every other
// handler. A session's commands are processed strictly in arrival order;
// different sessions interleave only at whole-handler granularity.
type Registry struct {
	mu sync.Mutex

	cfg      config.Config
	metrics  *Metrics
	commands map[string]handlerFunc

	sessions   map[*Session]struct{}
	nicknames  map[string]*Session
	channels   map[string]*Channel
	globalBans map[string]struct{}
}

// NewRegistry creates a registry with the default channel seeded.
func NewRegistry(cfg config.Config, m *Metrics) (*Registry, error) {
	if cfg.Version == "" {
		cfg.Version = version.String()
	}
	r := &Registry{
		cfg:        cfg,
		metrics:    m,
		commands:   newCommandTable(),
		sessions:   make(map[*Session]struct{}),
		nicknames:  make(map[string]*Session),
		channels:   make(map[string]*Channel),
		globalBans: make(map[string]struct{}),
	}

	_, key, err := r.createChannel(cfg.DefaultChannel, "")
	if err != nil {
		return nil, fmt.Errorf("server: seed default channel: %w", err)
	}
	slog.Info("default channel ownership key (save this!)",
		"channel", cfg.DefaultChannel, "key", key)
	return r, nil
}

// HandleConn owns the lifecycle of one accepted connection: session
// creation, the read loop, and teardown. Blocks until the connection ends.
func (r *Registry) HandleConn(conn net.Conn) {
	s := newSession(conn, r.cfg.ServerName)
	r.mu.Lock()
	r.sessions[s] = struct{}{}
	r.mu.Unlock()

	r.metrics.TotalConnections.Add(1)
	r.metrics.ActiveConnections.Add(1)
	slog.Info("connection accepted", "remote", conn.RemoteAddr().String())

	sc := bufio.NewScanner(conn)
	sc.Buffer(make([]byte, 0, 512), maxLineLength)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if !utf8.ValidString(line) {
			slog.Debug("dropped undecodable line", "remote", s.Addr())
			continue
		}
		if !r.Dispatch(s, line) {
			return // QUIT already tore the session down
		}
	}
	if err := sc.Err(); err != nil {
		slog.Info("read error", "peer", s.DisplayName(), "err", err)
	}

	r.mu.Lock()
	r.disconnectLocked(s, "Connection closed")
	r.mu.Unlock()
}

// Dispatch handles one inbound line to completion under the registry
// lock. It returns false once the session has been torn down. A panicking
// handler is recovered and logged; the session and all others survive.
func (r *Registry) Dispatch(s *Session, line string) (alive bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	defer func() {
		if p := recover(); p != nil {
			slog.Error("handler fault isolated", "peer", s.DisplayName(), "line", line, "panic", p)
		}
		_, alive = r.sessions[s]
	}()

	cmd, tail := protocol.SplitCommand(line)
	slog.Info("command received", "peer", s.DisplayName(), "cmd", cmd)

	handler, ok := r.commands[cmd]
	if !ok {
		r.metrics.UnknownCommands.Add(1)
		slog.Warn("unknown command", "peer", s.DisplayName(), "cmd", cmd)
		r.numericParams(s, protocol.ErrUnknownCommand, []string{cmd}, "Unknown command")
		return
	}
	r.metrics.CommandsProcessed.Add(1)
	handler(r, s, protocol.Fields(tail))
	return
}

// CloseAll notifies and disconnects every session. Used on shutdown.
func (r *Registry) CloseAll(reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for s := range r.sessions {
		s.Send(protocol.Notice(r.cfg.ServerName, s.Target(), reason))
		r.disconnectLocked(s, reason)
	}
}

// disconnectLocked removes the session from every joined channel
// (broadcasting a departure per channel and deleting channels left empty),
// drops its nickname and owner entries, removes it from the session set,
// and best-effort closes the transport. Idempotent. Caller holds r.mu.
func (r *Registry) disconnectLocked(s *Session, reason string) {
	if _, ok := r.sessions[s]; !ok {
		return
	}
	slog.Info("client disconnected", "peer", s.DisplayName(), "reason", reason)

	for _, ch := range s.Channels() {
		ch.RemoveMember(s)
		ch.Broadcast(":"+s.Prefix()+" PART "+ch.Name+" :"+reason, nil)
		r.deleteIfEmpty(ch)
	}
	// Ownership is session-scoped and must not outlive the connection.
	for _, ch := range r.channels {
		ch.RevokeOwner(s)
	}
	if s.Nickname != "" {
		delete(r.nicknames, s.Nickname)
	}
	delete(r.sessions, s)

	r.metrics.ActiveConnections.Add(-1)
	r.metrics.TotalDisconnects.Add(1)

	if err := s.Close(); err != nil {
		slog.Debug("close failed", "peer", s.DisplayName(), "err", err)
	}
}

// createChannel validates the name, generates the one-time ownership key,
// and registers the channel. It returns the clear key for delivery to the
// creator; only the hash is retained. Caller holds r.mu.
func (r *Registry) createChannel(name, password string) (*Channel, string, error) {
	if err := model.ValidateChannelName(name); err != nil {
		return nil, "", err
	}
	if _, ok := r.channels[name]; ok {
		return nil, "", ErrChannelExists
	}

	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, "", err
	}
	hash, err := crypto.HashKey(key)
	if err != nil {
		return nil, "", err
	}

	ch := newChannel(name, password, hash)
	r.channels[name] = ch
	r.metrics.ChannelsCreated.Add(1)
	slog.Info("channel created", "channel", name, "private", password != "")
	return ch, key, nil
}

// deleteIfEmpty removes a channel whose last member left. The default
// channel is exempt and persists at zero members. Caller holds r.mu.
func (r *Registry) deleteIfEmpty(ch *Channel) {
	if ch.Size() > 0 || ch.Name == r.cfg.DefaultChannel {
		return
	}
	delete(r.channels, ch.Name)
	r.metrics.ChannelsDeleted.Add(1)
	slog.Info("empty channel removed", "channel", ch.Name)
}

// resolveAddr maps a live nickname to its session's address; anything
// else is treated as a literal address. Caller holds r.mu.
func (r *Registry) resolveAddr(target string) string {
	if sess, ok := r.nicknames[target]; ok {
		return sess.Addr()
	}
	return target
}

// Channel returns the channel with the given name, or nil.
func (r *Registry) Channel(name string) *Channel {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.channels[name]
}

// SessionByNick returns the live session holding nick, or nil.
func (r *Registry) SessionByNick(nick string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.nicknames[nick]
}

// IsGloballyBanned reports whether addr is in the global ban set.
func (r *Registry) IsGloballyBanned(addr string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.globalBans[addr]
	return ok
}

// SessionCount returns the number of connected sessions.
func (r *Registry) SessionCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}
