package server

import (
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/kaguya-irc/kaguyad/pkg/protocol"
)

// writeTimeout bounds how long a single Send may block on a stalled peer.
const writeTimeout = 10 * time.Second

// Session holds the server-side state for one connected client, registered
// or not. All fields except the transport are mutated only under the
// registry lock.
type Session struct {
	conn net.Conn
	addr string // remote host, fixed at accept

	Nickname   string
	Username   string
	Realname   string
	Registered bool
	Operator   bool

	// channels the session has joined, keyed by channel name. Kept
	// consistent with Channel.members by AddMember/RemoveMember.
	channels map[string]*Channel

	serverName string
}

func newSession(conn net.Conn, serverName string) *Session {
	host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		host = conn.RemoteAddr().String()
	}
	return &Session{
		conn:       conn,
		addr:       host,
		channels:   make(map[string]*Channel),
		serverName: serverName,
	}
}

// Addr returns the remote address captured at accept.
func (s *Session) Addr() string { return s.addr }

// Send writes one protocol line, appending the line terminator if missing.
// Delivery is best-effort: write failures are logged and swallowed, never
// aborting the session. Disconnection is detected on the next read.
func (s *Session) Send(line string) {
	if !strings.HasSuffix(line, protocol.LineTerminator) {
		line += protocol.LineTerminator
	}
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if _, err := s.conn.Write([]byte(line)); err != nil {
		slog.Warn("send failed", "peer", s.DisplayName(), "err", err)
	}
}

// Prefix returns the nick!user@addr origin once both identity parts are
// set, else the server name.
func (s *Session) Prefix() string {
	if s.Nickname != "" && s.Username != "" {
		return protocol.UserPrefix(s.Nickname, s.Username, s.addr)
	}
	return s.serverName
}

// Target returns the reply target: the nickname, or "*" before one is set.
func (s *Session) Target() string {
	if s.Nickname != "" {
		return s.Nickname
	}
	return "*"
}

// DisplayName identifies the session in log events: the nickname when set,
// else the remote address.
func (s *Session) DisplayName() string {
	if s.Nickname != "" {
		return s.Nickname
	}
	return s.addr
}

// Channels returns a snapshot of the channels the session has joined.
func (s *Session) Channels() []*Channel {
	out := make([]*Channel, 0, len(s.channels))
	for _, c := range s.channels {
		out = append(out, c)
	}
	return out
}

// On reports whether the session is a member of c.
func (s *Session) On(c *Channel) bool {
	_, ok := s.channels[c.Name]
	return ok
}

// Close closes the transport.
func (s *Session) Close() error { return s.conn.Close() }
