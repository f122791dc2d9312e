package server

import (
	"bytes"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kaguya-irc/kaguyad/pkg/config"
	"github.com/kaguya-irc/kaguyad/pkg/protocol"
)

// ---- test transport ----

type recordedAddr string

func (a recordedAddr) Network() string { return "tcp" }
func (a recordedAddr) String() string  { return string(a) }

// recordedConn is a net.Conn that captures everything written to it, so
// tests can assert on the exact protocol lines a client would receive.
// Scripted client input may be supplied through in; reads hit EOF once it
// is exhausted (or immediately when nil).
type recordedConn struct {
	mu      sync.Mutex
	buf     bytes.Buffer
	remote  string
	in      io.Reader
	onWrite func() // optional, runs after each recorded write
	closed  bool
}

func (c *recordedConn) Read(p []byte) (int, error) {
	if c.in == nil {
		return 0, io.EOF
	}
	return c.in.Read(p)
}

func (c *recordedConn) Write(p []byte) (int, error) {
	c.mu.Lock()
	c.buf.Write(p)
	hook := c.onWrite
	c.mu.Unlock()
	if hook != nil {
		hook()
	}
	return len(p), nil
}

func (c *recordedConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *recordedConn) LocalAddr() net.Addr { return recordedAddr("127.0.0.1:6667") }

func (c *recordedConn) RemoteAddr() net.Addr { return recordedAddr(c.remote) }

func (c *recordedConn) SetDeadline(time.Time) error { return nil }

func (c *recordedConn) SetReadDeadline(time.Time) error { return nil }

func (c *recordedConn) SetWriteDeadline(time.Time) error { return nil }

// Lines returns every complete protocol line received so far.
func (c *recordedConn) Lines() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	raw := strings.Split(c.buf.String(), protocol.LineTerminator)
	if n := len(raw); n > 0 && raw[n-1] == "" {
		raw = raw[:n-1]
	}
	return raw
}

func (c *recordedConn) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.buf.Reset()
}

// ---- harness ----

func newTestRegistry(t *testing.T, mutate ...func(*config.Config)) *Registry {
	t.Helper()
	cfg := config.Default()
	cfg.OperatorPassword = "sekrit"
	cfg.MetricsAddr = ""
	for _, m := range mutate {
		m(&cfg)
	}
	r, err := NewRegistry(cfg, NewMetrics())
	require.NoError(t, err)
	return r
}

// dial attaches a fake connection the way HandleConn would, minus the read
// loop: the tests drive commands through Dispatch directly.
func dial(r *Registry, remote string) (*Session, *recordedConn) {
	conn := &recordedConn{remote: remote}
	s := newSession(conn, r.cfg.ServerName)
	r.mu.Lock()
	r.sessions[s] = struct{}{}
	r.mu.Unlock()
	r.metrics.TotalConnections.Add(1)
	r.metrics.ActiveConnections.Add(1)
	return s, conn
}

func register(t *testing.T, r *Registry, s *Session, nick string) {
	t.Helper()
	require.True(t, r.Dispatch(s, "NICK "+nick))
	require.True(t, r.Dispatch(s, "USER "+nick+" 0 * :"+nick))
	require.True(t, s.Registered, "session did not complete registration")
}

func linesContaining(c *recordedConn, substr string) []string {
	var out []string
	for _, line := range c.Lines() {
		if strings.Contains(line, substr) {
			out = append(out, line)
		}
	}
	return out
}

func hasLine(c *recordedConn, substr string) bool {
	return len(linesContaining(c, substr)) > 0
}

// ---- registration ----

func TestRegistrationLifecycle(t *testing.T) {
	r := newTestRegistry(t)
	s, conn := dial(r, "203.0.113.1:50001")

	// Anything but NICK/USER/PING/QUIT is refused before registration.
	r.Dispatch(s, "JOIN #lobby")
	require.True(t, hasLine(conn, " 451 "), "pre-registration JOIN not refused")
	conn.reset()

	r.Dispatch(s, "NICK alice")
	assert.False(t, hasLine(conn, " 001 "), "welcome fired on NICK alone")
	assert.False(t, s.Registered)

	r.Dispatch(s, "USER alice 0 * :Alice Example")
	require.True(t, s.Registered)
	assert.Equal(t, "alice", s.Username)
	assert.Equal(t, "Alice Example", s.Realname)
	assert.Len(t, linesContaining(conn, " 001 "), 1, "welcome must fire exactly once")
	assert.True(t, hasLine(conn, " 002 "))
	assert.True(t, hasLine(conn, " 003 "))
	assert.True(t, hasLine(conn, " 004 "))
	assert.False(t, hasLine(conn, " 999 "), "testing notice sent while testing disabled")

	// Repeated USER is refused and changes nothing.
	conn.reset()
	r.Dispatch(s, "USER mallory 0 * :Mallory")
	assert.True(t, hasLine(conn, " 462 "))
	assert.Equal(t, "alice", s.Username)
	assert.False(t, hasLine(conn, " 001 "), "welcome re-fired on repeated USER")
}

func TestRegistrationUserFirst(t *testing.T) {
	r := newTestRegistry(t)
	s, conn := dial(r, "203.0.113.1:50001")

	r.Dispatch(s, "USER bob 0 * :Bob")
	assert.False(t, s.Registered)
	r.Dispatch(s, "NICK bob")
	require.True(t, s.Registered)
	assert.Len(t, linesContaining(conn, " 001 "), 1)
}

func TestTestingNotice(t *testing.T) {
	r := newTestRegistry(t, func(c *config.Config) { c.Testing = true })
	s, conn := dial(r, "203.0.113.1:50001")
	register(t, r, s, "alice")
	require.True(t, hasLine(conn, " 999 "))
	assert.True(t, hasLine(conn, "testing phase"))
}

func TestNickValidationAndCollision(t *testing.T) {
	r := newTestRegistry(t)
	s1, _ := dial(r, "203.0.113.1:50001")
	register(t, r, s1, "alice")

	s2, conn2 := dial(r, "203.0.113.2:50002")
	r.Dispatch(s2, "NICK")
	assert.True(t, hasLine(conn2, " 431 "))

	conn2.reset()
	r.Dispatch(s2, "NICK bad nick") // second token ignored, "bad" is fine
	assert.Equal(t, "bad", s2.Nickname)

	conn2.reset()
	r.Dispatch(s2, "NICK such.invalid")
	assert.True(t, hasLine(conn2, " 432 "))
	assert.Equal(t, "bad", s2.Nickname, "invalid NICK must leave the old nickname")

	conn2.reset()
	r.Dispatch(s2, "NICK alice")
	assert.True(t, hasLine(conn2, " 433 "), "nickname collision not refused")
	assert.Equal(t, "bad", s2.Nickname)
	assert.Same(t, s1, r.SessionByNick("alice"), "holder lost its nickname in a collision")

	// Re-claiming your own nickname is not a collision.
	conn2.reset()
	r.Dispatch(s2, "NICK bad")
	assert.False(t, hasLine(conn2, " 433 "))
}

func TestNickChangeBroadcast(t *testing.T) {
	r := newTestRegistry(t)
	s1, conn1 := dial(r, "203.0.113.1:50001")
	s2, conn2 := dial(r, "203.0.113.2:50002")
	register(t, r, s1, "alice")
	register(t, r, s2, "bob")
	r.Dispatch(s1, "JOIN #lobby")
	r.Dispatch(s2, "JOIN #lobby")
	conn1.reset()
	conn2.reset()

	r.Dispatch(s1, "NICK alicia")
	want := ":alice!alice@203.0.113.1 NICK :alicia"
	assert.Len(t, linesContaining(conn1, want), 1, "actor did not get exactly one echo")
	assert.Len(t, linesContaining(conn2, want), 1, "channel peer did not hear the change")
	assert.Same(t, s1, r.SessionByNick("alicia"))
	assert.Nil(t, r.SessionByNick("alice"))
}

// ---- keepalive and teardown ----

func TestPing(t *testing.T) {
	r := newTestRegistry(t)
	s, conn := dial(r, "203.0.113.1:50001")

	r.Dispatch(s, "PING")
	assert.True(t, hasLine(conn, "PONG :"+r.cfg.ServerName))

	conn.reset()
	r.Dispatch(s, "PING :token123")
	assert.True(t, hasLine(conn, "PONG :token123"))
}

func TestQuitTeardown(t *testing.T) {
	r := newTestRegistry(t)
	s1, _ := dial(r, "203.0.113.1:50001")
	s2, conn2 := dial(r, "203.0.113.2:50002")
	register(t, r, s1, "alice")
	register(t, r, s2, "bob")
	r.Dispatch(s1, "JOIN #lobby")
	r.Dispatch(s2, "JOIN #lobby")
	conn2.reset()

	alive := r.Dispatch(s1, "QUIT :gone fishing")
	assert.False(t, alive, "Dispatch must report a torn-down session")
	assert.Nil(t, r.SessionByNick("alice"), "nickname not released on quit")
	assert.Equal(t, 1, r.SessionCount())
	assert.True(t, hasLine(conn2, "PART #lobby :gone fishing"), "peer did not hear the departure")

	ch := r.Channel("#lobby")
	require.NotNil(t, ch)
	assert.Equal(t, 1, ch.Size())

	// The freed nickname is immediately claimable.
	s3, _ := dial(r, "203.0.113.3:50003")
	register(t, r, s3, "alice")
}

func TestDisconnectIdempotent(t *testing.T) {
	r := newTestRegistry(t)
	s, _ := dial(r, "203.0.113.1:50001")
	register(t, r, s, "alice")

	r.mu.Lock()
	r.disconnectLocked(s, "Connection closed")
	r.disconnectLocked(s, "Connection closed")
	r.mu.Unlock()
	assert.Equal(t, 0, r.SessionCount())
}

// ---- membership ----

func TestJoinRequiresExistingChannel(t *testing.T) {
	r := newTestRegistry(t)
	s, conn := dial(r, "203.0.113.1:50001")
	register(t, r, s, "alice")

	r.Dispatch(s, "JOIN #nope")
	assert.True(t, hasLine(conn, " 403 "))
	assert.Nil(t, r.Channel("#nope"))
}

func TestJoinCreatesWhenConfigured(t *testing.T) {
	r := newTestRegistry(t, func(c *config.Config) { c.CreateOnJoin = true })
	s, conn := dial(r, "203.0.113.1:50001")
	register(t, r, s, "alice")

	r.Dispatch(s, "JOIN #fresh")
	ch := r.Channel("#fresh")
	require.NotNil(t, ch, "JOIN did not create the channel")
	assert.True(t, ch.IsOwner(s), "creator-by-join did not become owner")
	assert.Len(t, linesContaining(conn, "Ownership key for #fresh:"), 5)
	assert.True(t, hasLine(conn, " 353 "))
	assert.True(t, hasLine(conn, " 366 "))
}

func TestJoinPartMembershipInvariant(t *testing.T) {
	r := newTestRegistry(t)
	s, conn := dial(r, "203.0.113.1:50001")
	register(t, r, s, "alice")
	r.Dispatch(s, "CREATE #room")
	conn.reset()

	r.Dispatch(s, "JOIN #room")
	ch := r.Channel("#room")
	require.NotNil(t, ch)
	assert.True(t, s.On(ch))
	assert.Contains(t, ch.Members(), s)
	assert.True(t, hasLine(conn, " JOIN #room"))
	assert.True(t, hasLine(conn, " 353 "))

	// Duplicate JOIN is a silent no-op.
	conn.reset()
	r.Dispatch(s, "JOIN #room")
	assert.Equal(t, 1, ch.Size())
	assert.Empty(t, conn.Lines())

	conn.reset()
	r.Dispatch(s, "PART #room :done here")
	assert.False(t, s.On(ch))
	assert.NotContains(t, ch.Members(), s)
	assert.True(t, hasLine(conn, "PART #room :done here"), "actor did not get departure confirmation")
	assert.Nil(t, r.Channel("#room"), "empty non-default channel not deleted")
}

func TestDefaultChannelSurvivesEmpty(t *testing.T) {
	r := newTestRegistry(t)
	s, _ := dial(r, "203.0.113.1:50001")
	register(t, r, s, "alice")

	r.Dispatch(s, "JOIN #lobby")
	r.Dispatch(s, "PART #lobby")
	ch := r.Channel("#lobby")
	require.NotNil(t, ch, "default channel deleted at zero members")
	assert.Equal(t, 0, ch.Size())
}

func TestPartWhenNotMember(t *testing.T) {
	r := newTestRegistry(t)
	s, conn := dial(r, "203.0.113.1:50001")
	register(t, r, s, "alice")

	r.Dispatch(s, "PART #lobby")
	assert.True(t, hasLine(conn, " 442 "))
}

func TestJoinPasswordGate(t *testing.T) {
	r := newTestRegistry(t)
	s1, conn1 := dial(r, "203.0.113.1:50001")
	register(t, r, s1, "alice")
	r.Dispatch(s1, "CREATE #priv letmein")
	r.Dispatch(s1, "JOIN #priv letmein")

	s2, conn2 := dial(r, "203.0.113.2:50002")
	register(t, r, s2, "bob")

	r.Dispatch(s2, "JOIN #priv")
	assert.True(t, hasLine(conn2, " 475 "), "missing password not refused")

	conn2.reset()
	r.Dispatch(s2, "JOIN #priv wrong")
	assert.True(t, hasLine(conn2, " 475 "), "wrong password not refused")

	conn1.reset()
	conn2.reset()
	r.Dispatch(s2, "JOIN #priv letmein")
	ch := r.Channel("#priv")
	require.NotNil(t, ch)
	assert.True(t, s2.On(ch))

	// The join is announced to the full roster, joiner included.
	joined := ":bob!bob@203.0.113.2 JOIN #priv"
	assert.True(t, hasLine(conn1, joined))
	assert.True(t, hasLine(conn2, joined))
}

// ---- messaging ----

func TestPrivmsgChannelFanout(t *testing.T) {
	r := newTestRegistry(t)
	s1, conn1 := dial(r, "203.0.113.1:50001")
	s2, conn2 := dial(r, "203.0.113.2:50002")
	s3, conn3 := dial(r, "203.0.113.3:50003")
	register(t, r, s1, "alice")
	register(t, r, s2, "bob")
	register(t, r, s3, "carol")
	r.Dispatch(s1, "JOIN #lobby")
	r.Dispatch(s2, "JOIN #lobby")
	conn1.reset()
	conn2.reset()

	r.Dispatch(s1, "PRIVMSG #lobby :hello there")
	want := ":alice!alice@203.0.113.1 PRIVMSG #lobby :hello there"
	assert.Len(t, linesContaining(conn2, want), 1)
	assert.False(t, hasLine(conn1, "PRIVMSG #lobby"), "sender must not receive its own channel message")
	assert.False(t, hasLine(conn3, "PRIVMSG #lobby"), "non-member received a channel message")

	// Non-members cannot send to the channel.
	conn3.reset()
	r.Dispatch(s3, "PRIVMSG #lobby :sneaky")
	assert.True(t, hasLine(conn3, " 404 "))
}

func TestPrivmsgDirect(t *testing.T) {
	r := newTestRegistry(t)
	s1, conn1 := dial(r, "203.0.113.1:50001")
	s2, conn2 := dial(r, "203.0.113.2:50002")
	register(t, r, s1, "alice")
	register(t, r, s2, "bob")
	conn1.reset()

	r.Dispatch(s1, "PRIVMSG bob :psst")
	assert.True(t, hasLine(conn2, ":alice!alice@203.0.113.1 PRIVMSG bob :psst"))

	r.Dispatch(s1, "PRIVMSG ghost :anyone?")
	assert.True(t, hasLine(conn1, " 401 "))

	// MSG is an alias for PRIVMSG.
	conn2.reset()
	r.Dispatch(s1, "MSG bob :again")
	assert.True(t, hasLine(conn2, "PRIVMSG bob :again"))
}

// ---- topic ----

func TestTopic(t *testing.T) {
	r := newTestRegistry(t)
	s1, conn1 := dial(r, "203.0.113.1:50001")
	s2, conn2 := dial(r, "203.0.113.2:50002")
	register(t, r, s1, "alice")
	register(t, r, s2, "bob")
	r.Dispatch(s1, "CREATE #room")
	r.Dispatch(s1, "JOIN #room")
	r.Dispatch(s2, "JOIN #room")
	conn1.reset()
	conn2.reset()

	r.Dispatch(s2, "TOPIC #room")
	assert.True(t, hasLine(conn2, " 331 "), "unset topic did not report 331")

	// Owner-only topic is the default; a plain member is refused.
	conn2.reset()
	r.Dispatch(s2, "TOPIC #room :bob was here")
	assert.True(t, hasLine(conn2, " 482 "))
	assert.Empty(t, r.Channel("#room").Topic)

	r.Dispatch(s1, "TOPIC #room :launch day")
	assert.Equal(t, "launch day", r.Channel("#room").Topic)
	assert.True(t, hasLine(conn1, "TOPIC #room :launch day"), "setter did not hear the topic broadcast")
	assert.True(t, hasLine(conn2, "TOPIC #room :launch day"))

	conn2.reset()
	r.Dispatch(s2, "TOPIC #room")
	assert.True(t, hasLine(conn2, " 332 "))
	assert.True(t, hasLine(conn2, "launch day"))
}

func TestTopicOpenWhenConfigured(t *testing.T) {
	r := newTestRegistry(t, func(c *config.Config) { c.OwnerOnlyTopic = false })
	s, _ := dial(r, "203.0.113.1:50001")
	register(t, r, s, "alice")
	r.Dispatch(s, "JOIN #lobby")

	r.Dispatch(s, "TOPIC #lobby :anyone may set this")
	assert.Equal(t, "anyone may set this", r.Channel("#lobby").Topic)
}

// ---- discovery ----

func TestList(t *testing.T) {
	r := newTestRegistry(t)
	s, conn := dial(r, "203.0.113.1:50001")
	register(t, r, s, "alice")
	r.Dispatch(s, "CREATE #zebra")
	r.Dispatch(s, "JOIN #lobby")
	conn.reset()

	r.Dispatch(s, "LIST")
	assert.True(t, hasLine(conn, " 321 "))
	assert.True(t, hasLine(conn, " 322 alice #lobby 1 "))
	assert.True(t, hasLine(conn, " 322 alice #zebra 0 "))
	assert.True(t, hasLine(conn, " 323 "))
}

func TestHelp(t *testing.T) {
	r := newTestRegistry(t)
	s, conn := dial(r, "203.0.113.1:50001")
	register(t, r, s, "alice")
	conn.reset()

	r.Dispatch(s, "HELP")
	assert.True(t, hasLine(conn, "/CREATE"))
	assert.True(t, hasLine(conn, "/CHANNEL"))
	assert.False(t, hasLine(conn, "/ALLBAN"), "operator commands shown to a plain user")

	r.Dispatch(s, "OPER sekrit")
	conn.reset()
	r.Dispatch(s, "HELP")
	assert.True(t, hasLine(conn, "/ALLBAN"))
	assert.True(t, hasLine(conn, "/LISTALLBAN"))
}

// ---- dispatch robustness ----

func TestUnknownCommand(t *testing.T) {
	r := newTestRegistry(t)
	s, conn := dial(r, "203.0.113.1:50001")

	r.Dispatch(s, "WOBBLE now")
	assert.True(t, hasLine(conn, " 421 "))
	assert.True(t, hasLine(conn, "WOBBLE"))
}

func TestHandlerPanicIsolated(t *testing.T) {
	r := newTestRegistry(t)
	r.commands["BOOM"] = func(r *Registry, s *Session, args []string) {
		panic("handler blew up")
	}
	s, conn := dial(r, "203.0.113.1:50001")

	alive := r.Dispatch(s, "BOOM")
	assert.True(t, alive, "panic tore the session down")
	assert.Equal(t, 1, r.SessionCount())

	// The session keeps working afterwards.
	r.Dispatch(s, "PING :still-here")
	assert.True(t, hasLine(conn, "PONG :still-here"))
}

// HandleConn drives the whole read loop: registration, blank and
// undecodable line handling, and the QUIT short-circuit.
func TestHandleConnEndToEnd(t *testing.T) {
	r := newTestRegistry(t)
	script := "NICK alice\r\n" +
		"\r\n" +
		"USER alice 0 * :Alice\r\n" +
		"JOIN #lobby\r\n" +
		"PRIVMSG\xff\xfe garbage\r\n" +
		"QUIT :done\r\n" +
		"LIST\r\n"
	conn := &recordedConn{remote: "203.0.113.1:50001", in: strings.NewReader(script)}

	r.HandleConn(conn)

	assert.True(t, hasLine(conn, " 001 "))
	assert.True(t, hasLine(conn, " 353 "))
	assert.False(t, hasLine(conn, " 421 "), "undecodable line reached dispatch")
	assert.False(t, hasLine(conn, " 321 "), "command processed after QUIT")
	assert.Equal(t, 0, r.SessionCount())
	assert.True(t, conn.closed)
}

func TestHandleConnEOFTeardown(t *testing.T) {
	r := newTestRegistry(t)
	script := "NICK bob\r\nUSER bob 0 * :Bob\r\nJOIN #lobby\r\n"
	conn := &recordedConn{remote: "203.0.113.2:50002", in: strings.NewReader(script)}

	r.HandleConn(conn)

	assert.Equal(t, 0, r.SessionCount())
	assert.Nil(t, r.SessionByNick("bob"))
	assert.Equal(t, 0, r.Channel("#lobby").Size())
	assert.True(t, conn.closed)
}

func TestBroadcastSurvivesMidFanoutRemoval(t *testing.T) {
	r := newTestRegistry(t)
	s1, conn1 := dial(r, "203.0.113.1:50001")
	s2, conn2 := dial(r, "203.0.113.2:50002")
	s3, conn3 := dial(r, "203.0.113.3:50003")
	register(t, r, s1, "alice")
	register(t, r, s2, "bob")
	register(t, r, s3, "carol")
	r.Dispatch(s1, "JOIN #lobby")
	r.Dispatch(s2, "JOIN #lobby")
	r.Dispatch(s3, "JOIN #lobby")
	ch := r.Channel("#lobby")
	require.NotNil(t, ch)
	conn1.reset()
	conn2.reset()
	conn3.reset()

	// The first delivery removes the last member, as a KICK landing in the
	// middle of a fan-out would.
	fired := false
	conn1.onWrite = func() {
		if !fired {
			fired = true
			ch.RemoveMember(s3)
		}
	}

	ch.Broadcast("first", nil)
	assert.True(t, hasLine(conn1, "first"))
	assert.True(t, hasLine(conn2, "first"))
	assert.True(t, hasLine(conn3, "first"), "snapshot member dropped mid-fan-out")

	ch.Broadcast("second", nil)
	assert.True(t, hasLine(conn2, "second"))
	assert.False(t, hasLine(conn3, "second"), "removed member still receiving channel traffic")
}
