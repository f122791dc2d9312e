package server

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"

	"github.com/kaguya-irc/kaguyad/pkg/crypto"
	"github.com/kaguya-irc/kaguyad/pkg/model"
	"github.com/kaguya-irc/kaguyad/pkg/protocol"
	"github.com/kaguya-irc/kaguyad/pkg/rbac"
)

// ownershipKeyDeliveries is how many times CREATE repeats the clear key to
// the creator: redundancy against a dropped first delivery, not an added
// right.
const ownershipKeyDeliveries = 5

// ---- reply helpers ----

func (r *Registry) numeric(s *Session, code, trailing string) {
	s.Send(protocol.Reply(r.cfg.ServerName, code, s.Target(), trailing))
}

func (r *Registry) numericParams(s *Session, code string, params []string, trailing string) {
	s.Send(protocol.Numeric(r.cfg.ServerName, code, s.Target(), params, trailing))
}

func (r *Registry) notice(s *Session, text string) {
	s.Send(protocol.Notice(r.cfg.ServerName, s.Target(), text))
}

// ---- precondition helpers ----

// requireRegistered enforces the registration precondition shared by every
// command except NICK, USER, PING, and QUIT.
func (r *Registry) requireRegistered(s *Session) bool {
	if s.Registered {
		return true
	}
	slog.Info("authorization denied", "peer", s.DisplayName(), "reason", "not registered")
	r.numeric(s, protocol.ErrNotRegistered, "You have not registered")
	return false
}

func (r *Registry) needMoreParams(s *Session, cmd string) {
	r.numericParams(s, protocol.ErrNeedMoreParams, []string{cmd}, "Not enough parameters")
}

// requireChannelPerm checks a channel-scoped permission: granted to owners
// of the channel and to server operators.
func (r *Registry) requireChannelPerm(s *Session, ch *Channel, perm rbac.Permission) bool {
	tier := rbac.TierOf(s.Operator, ch.IsOwner(s))
	if msg := rbac.RequirePermission(tier, perm); msg != "" {
		slog.Info("authorization denied", "peer", s.DisplayName(), "channel", ch.Name, "reason", msg)
		r.numericParams(s, protocol.ErrChanOPrivsNeeded, []string{ch.Name}, "You're not a channel owner")
		return false
	}
	slog.Debug("authorization granted", "peer", s.DisplayName(), "channel", ch.Name, "tier", tier)
	return true
}

// requireOperator checks a server-scoped permission: operators only.
func (r *Registry) requireOperator(s *Session, perm rbac.Permission) bool {
	if msg := rbac.RequirePermission(rbac.TierOf(s.Operator, false), perm); msg != "" {
		slog.Info("authorization denied", "peer", s.DisplayName(), "reason", msg)
		r.numeric(s, protocol.ErrNoPrivileges, "Permission Denied- You're not an IRC operator")
		return false
	}
	return true
}

// ---- registration ----

func (r *Registry) handleNick(s *Session, args []string) {
	if len(args) < 1 {
		r.numeric(s, protocol.ErrNoNicknameGiven, "No nickname given")
		return
	}
	newNick := args[0]
	if err := model.ValidateNickname(newNick); err != nil {
		r.numericParams(s, protocol.ErrErroneusNickname, []string{newNick}, err.Error())
		return
	}
	if other, ok := r.nicknames[newNick]; ok && other != s {
		r.numericParams(s, protocol.ErrNicknameInUse, []string{newNick}, "Nickname is already in use")
		return
	}

	oldPrefix := s.Prefix()
	if s.Nickname != "" {
		delete(r.nicknames, s.Nickname)
	}
	r.nicknames[newNick] = s
	s.Nickname = newNick

	// A registered session announces the change to every joined channel
	// and gets a direct echo itself.
	if s.Registered {
		notification := ":" + oldPrefix + " NICK :" + newNick
		s.Send(notification)
		for _, ch := range s.Channels() {
			ch.Broadcast(notification, s)
		}
	}
	r.maybeWelcome(s)
}

func (r *Registry) handleUser(s *Session, args []string) {
	if len(args) < 4 {
		r.needMoreParams(s, "USER")
		return
	}
	if s.Username != "" {
		r.numeric(s, protocol.ErrAlreadyRegistered, "You may not reregister")
		return
	}
	s.Username = args[0]
	// args[1] and args[2] (host and server) are ignored.
	s.Realname = protocol.Trailing(args, 3)
	r.maybeWelcome(s)
}

// maybeWelcome completes registration the instant both nickname and
// username are present, firing the welcome sequence exactly once.
func (r *Registry) maybeWelcome(s *Session) {
	if s.Registered || s.Nickname == "" || s.Username == "" {
		return
	}
	s.Registered = true
	r.metrics.Registrations.Add(1)

	name, ver := r.cfg.ServerName, r.cfg.Version
	r.numeric(s, protocol.RplWelcome, fmt.Sprintf("Welcome to the %s IRC server, %s", name, s.Nickname))
	r.numeric(s, protocol.RplYourHost, fmt.Sprintf("Your host is %s, running version %s", name, ver))
	r.numeric(s, protocol.RplCreated, "This server was created on a clear day")
	s.Send(protocol.Raw(name, protocol.RplMyInfo, s.Target(), name, ver, "i", "o"))
	if r.cfg.Testing {
		r.numeric(s, protocol.RplTestingNotice,
			"This server is still in a testing phase. Please do not leave confidential information!")
	}
	slog.Info("registration completed", "peer", s.DisplayName(), "remote", s.Addr())
}

// ---- connection keepalive and teardown ----

func (r *Registry) handlePing(s *Session, args []string) {
	payload := r.cfg.ServerName
	if len(args) > 0 {
		payload = protocol.Trailing(args, 0)
	}
	s.Send("PONG :" + payload)
}

func (r *Registry) handleQuit(s *Session, args []string) {
	reason := protocol.Trailing(args, 0)
	if reason == "" {
		reason = "Client quit"
	}
	r.disconnectLocked(s, reason)
}

// ---- membership ----

func (r *Registry) handleJoin(s *Session, args []string) {
	if !r.requireRegistered(s) {
		return
	}
	if len(args) < 1 {
		r.needMoreParams(s, "JOIN")
		return
	}
	name := args[0]

	ch, ok := r.channels[name]
	if !ok {
		if !r.cfg.CreateOnJoin {
			r.numericParams(s, protocol.ErrNoSuchChannel, []string{name},
				"No such channel, it must be created first")
			return
		}
		var key string
		var err error
		ch, key, err = r.createChannel(name, "")
		if err != nil {
			r.numericParams(s, protocol.ErrNoSuchChannel, []string{name}, err.Error())
			return
		}
		ch.GrantOwner(s)
		r.deliverOwnershipKey(s, ch, key)
	}
	if s.On(ch) {
		return
	}

	// Ban checks apply only here, at JOIN time.
	if _, banned := r.globalBans[s.Addr()]; banned {
		slog.Info("authorization denied", "peer", s.DisplayName(), "channel", name, "reason", "global ban")
		r.numeric(s, protocol.ErrBannedFromServer, "You are banned from this server")
		return
	}
	if ch.IsBanned(s.Addr()) {
		slog.Info("authorization denied", "peer", s.DisplayName(), "channel", name, "reason", "channel ban")
		r.numericParams(s, protocol.ErrBannedFromChan, []string{name},
			"Cannot join channel (+b) - you are banned")
		return
	}
	if ch.Password != "" && (len(args) < 2 || args[1] != ch.Password) {
		r.numericParams(s, protocol.ErrBadChannelKey, []string{name},
			"Cannot join channel (+k) - incorrect password")
		return
	}

	ch.AddMember(s)
	slog.Info("joined channel", "peer", s.DisplayName(), "channel", name)

	ch.Broadcast(":"+s.Prefix()+" JOIN "+name, nil)
	r.numericParams(s, protocol.RplNamReply, []string{"=", name}, ch.NamesList())
	r.numericParams(s, protocol.RplEndOfNames, []string{name}, "End of /NAMES list.")
}

func (r *Registry) handlePart(s *Session, args []string) {
	if !r.requireRegistered(s) {
		return
	}
	if len(args) < 1 {
		r.needMoreParams(s, "PART")
		return
	}
	name := args[0]
	reason := protocol.Trailing(args, 1)
	if reason == "" {
		reason = "Leaving"
	}

	ch, ok := r.channels[name]
	if !ok || !s.On(ch) {
		r.numericParams(s, protocol.ErrNotOnChannel, []string{name}, "You're not on that channel")
		return
	}

	// Full roster including the actor, so the client gets its own
	// departure confirmation.
	ch.Broadcast(":"+s.Prefix()+" PART "+name+" :"+reason, nil)
	ch.RemoveMember(s)
	slog.Info("left channel", "peer", s.DisplayName(), "channel", name)
	r.deleteIfEmpty(ch)
}

// ---- messaging ----

func (r *Registry) handlePrivmsg(s *Session, args []string) {
	if !r.requireRegistered(s) {
		return
	}
	if len(args) < 2 {
		r.needMoreParams(s, "PRIVMSG")
		return
	}
	target := args[0]
	text := protocol.Trailing(args, 1)
	full := ":" + s.Prefix() + " PRIVMSG " + target + " :" + text

	if strings.HasPrefix(target, "#") {
		ch, ok := r.channels[target]
		if !ok || !s.On(ch) {
			r.numericParams(s, protocol.ErrCannotSendToChan, []string{target}, "Cannot send to channel")
			return
		}
		ch.Broadcast(full, s) // sender excluded from channel fan-out
	} else {
		t, ok := r.nicknames[target]
		if !ok {
			r.numericParams(s, protocol.ErrNoSuchNick, []string{target}, "No such nick/channel")
			return
		}
		t.Send(full)
	}
	r.metrics.MessagesRelayed.Add(1)
}

func (r *Registry) handleTopic(s *Session, args []string) {
	if !r.requireRegistered(s) {
		return
	}
	if len(args) < 1 {
		r.needMoreParams(s, "TOPIC")
		return
	}
	name := args[0]
	ch, ok := r.channels[name]
	if !ok {
		r.numericParams(s, protocol.ErrNoSuchChannel, []string{name}, "No such channel")
		return
	}
	if !s.On(ch) {
		r.numericParams(s, protocol.ErrNotOnChannel, []string{name}, "You're not on that channel")
		return
	}

	if len(args) == 1 {
		if ch.Topic != "" {
			r.numericParams(s, protocol.RplTopic, []string{name}, ch.Topic)
		} else {
			r.numericParams(s, protocol.RplNoTopic, []string{name}, "No topic is set")
		}
		return
	}

	if r.cfg.OwnerOnlyTopic && !r.requireChannelPerm(s, ch, rbac.PermSetTopic) {
		return
	}
	ch.Topic = protocol.Trailing(args, 1)
	slog.Info("topic changed", "peer", s.DisplayName(), "channel", name, "topic", ch.Topic)
	ch.Broadcast(":"+s.Prefix()+" TOPIC "+name+" :"+ch.Topic, nil)
}

func (r *Registry) handleList(s *Session, args []string) {
	if !r.requireRegistered(s) {
		return
	}
	r.numericParams(s, protocol.RplListStart, []string{"Channel"}, "Users  Name")
	names := make([]string, 0, len(r.channels))
	for name := range r.channels {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		ch := r.channels[name]
		topic := ch.Topic
		if topic == "" {
			topic = "No topic is set"
		}
		r.numericParams(s, protocol.RplList, []string{name, strconv.Itoa(ch.Size())}, topic)
	}
	r.numeric(s, protocol.RplListEnd, "End of /LIST")
}

func (r *Registry) handleHelp(s *Session, args []string) {
	if !r.requireRegistered(s) {
		return
	}
	lines := []string{
		"--- Available commands ---",
		"/NICK <nickname>                    - change your nickname",
		"/JOIN <#channel> [password]         - join a channel",
		"/PART <#channel> [reason]           - leave a channel",
		"/MSG <nick|#channel> <message>      - send a message",
		"/TOPIC <#channel> [topic]           - view or set a channel topic",
		"/LIST                               - list all channels",
		"/CREATE <#channel> [password]       - create a channel; you receive its ownership key",
		"/CHANNEL <#channel> <key>           - present an ownership key to become channel owner",
		"/KICK <#channel> <nick> [reason]    - remove a user (owner or operator)",
		"/BAN <#channel> <nick|address>      - ban an address from a channel (owner or operator)",
		"/UNBAN <#channel> <address>         - lift a channel ban (owner or operator)",
		"/OPER <password>                    - authenticate as server operator",
		"/QUIT [reason]                      - disconnect from the server",
	}
	if s.Operator {
		lines = append(lines,
			"/ALLBAN <nick|address>              - ban an address from the whole server",
			"/UNALLBAN <address>                 - lift a global ban",
			"/LISTALLBAN                         - list global bans",
		)
	}
	lines = append(lines, "--- END OF HELP ---")
	for _, line := range lines {
		r.notice(s, line)
	}
}

// ---- channel creation and ownership ----

func (r *Registry) handleCreate(s *Session, args []string) {
	if !r.requireRegistered(s) {
		return
	}
	if r.cfg.OperatorOnlyCreate && !r.requireOperator(s, rbac.PermCreateChannel) {
		return
	}
	if len(args) < 1 {
		r.needMoreParams(s, "CREATE")
		return
	}
	name := args[0]
	password := ""
	if len(args) > 1 {
		password = args[1]
	}

	ch, key, err := r.createChannel(name, password)
	if errors.Is(err, ErrChannelExists) {
		r.notice(s, "Channel "+name+" already exists.")
		return
	}
	if err != nil {
		r.numericParams(s, protocol.ErrNoSuchChannel, []string{name}, err.Error())
		return
	}

	ch.GrantOwner(s)
	r.deliverOwnershipKey(s, ch, key)
	if password != "" {
		r.notice(s, "Private channel "+name+" has been created successfully.")
	} else {
		r.notice(s, "Channel "+name+" has been created successfully.")
	}
}

func (r *Registry) deliverOwnershipKey(s *Session, ch *Channel, key string) {
	for i := 0; i < ownershipKeyDeliveries; i++ {
		r.notice(s, fmt.Sprintf("Ownership key for %s: %s (present it with /CHANNEL after reconnecting)", ch.Name, key))
	}
}

func (r *Registry) handleChannelKey(s *Session, args []string) {
	if !r.requireRegistered(s) {
		return
	}
	if len(args) < 2 {
		r.needMoreParams(s, "CHANNEL")
		return
	}
	name := args[0]
	ch, ok := r.channels[name]
	if !ok {
		r.numericParams(s, protocol.ErrNoSuchChannel, []string{name}, "No such channel")
		return
	}
	if !ch.VerifyKey(args[1]) {
		slog.Warn("authorization denied", "peer", s.DisplayName(), "channel", name, "reason", "bad ownership key")
		r.numericParams(s, protocol.ErrPasswdMismatch, []string{name}, "Ownership key incorrect")
		return
	}
	ch.GrantOwner(s)
	slog.Info("ownership granted", "peer", s.DisplayName(), "channel", name)
	r.notice(s, "You are now an owner of "+name)
}

// ---- moderation ----

func (r *Registry) handleKick(s *Session, args []string) {
	if !r.requireRegistered(s) {
		return
	}
	if len(args) < 2 {
		r.needMoreParams(s, "KICK")
		return
	}
	name := args[0]
	ch, ok := r.channels[name]
	if !ok {
		r.numericParams(s, protocol.ErrNoSuchChannel, []string{name}, "No such channel")
		return
	}
	if !r.requireChannelPerm(s, ch, rbac.PermKickUser) {
		return
	}
	target, ok := r.nicknames[args[1]]
	if !ok || !target.On(ch) {
		r.numericParams(s, protocol.ErrUserNotInChannel, []string{args[1], name}, "They aren't on that channel")
		return
	}
	reason := protocol.Trailing(args, 2)
	if reason == "" {
		reason = target.Nickname
	}

	// Broadcast before removal so the target hears its own kick.
	ch.Broadcast(fmt.Sprintf(":%s KICK %s %s :%s", s.Prefix(), name, target.Nickname, reason), nil)
	ch.RemoveMember(target)
	r.metrics.Kicks.Add(1)
	slog.Info("user kicked", "target", target.Nickname, "channel", name, "by", s.DisplayName(), "reason", reason)
	r.deleteIfEmpty(ch)
}

func (r *Registry) handleBan(s *Session, args []string) {
	if !r.requireRegistered(s) {
		return
	}
	if len(args) < 2 {
		r.needMoreParams(s, "BAN")
		return
	}
	name := args[0]
	ch, ok := r.channels[name]
	if !ok {
		r.numericParams(s, protocol.ErrNoSuchChannel, []string{name}, "No such channel")
		return
	}
	if !r.requireChannelPerm(s, ch, rbac.PermBanUser) {
		return
	}

	addr := r.resolveAddr(args[1])
	ch.Ban(addr)
	r.metrics.Bans.Add(1)
	slog.Info("channel ban added", "channel", name, "addr", addr, "by", s.DisplayName())

	// A ban takes effect immediately: kick every present member with the
	// banned address.
	for _, m := range ch.Members() {
		if m.Addr() != addr {
			continue
		}
		ch.Broadcast(fmt.Sprintf(":%s KICK %s %s :Banned", s.Prefix(), name, m.Nickname), nil)
		ch.RemoveMember(m)
		r.metrics.Kicks.Add(1)
	}
	r.deleteIfEmpty(ch)
	r.notice(s, addr+" is now banned from "+name)
}

func (r *Registry) handleUnban(s *Session, args []string) {
	if !r.requireRegistered(s) {
		return
	}
	if len(args) < 2 {
		r.needMoreParams(s, "UNBAN")
		return
	}
	name := args[0]
	ch, ok := r.channels[name]
	if !ok {
		r.numericParams(s, protocol.ErrNoSuchChannel, []string{name}, "No such channel")
		return
	}
	if !r.requireChannelPerm(s, ch, rbac.PermUnbanUser) {
		return
	}

	addr := r.resolveAddr(args[1])
	if !ch.Unban(addr) {
		r.notice(s, "No ban on "+addr+" in "+name)
		return
	}
	slog.Info("channel ban removed", "channel", name, "addr", addr, "by", s.DisplayName())
	r.notice(s, addr+" is no longer banned from "+name)
}

func (r *Registry) handleAllban(s *Session, args []string) {
	if !r.requireRegistered(s) {
		return
	}
	if !r.requireOperator(s, rbac.PermGlobalBan) {
		return
	}
	if len(args) < 1 {
		r.needMoreParams(s, "ALLBAN")
		return
	}

	addr := r.resolveAddr(args[0])
	r.globalBans[addr] = struct{}{}
	r.metrics.GlobalBans.Add(1)
	slog.Info("global ban added", "addr", addr, "by", s.DisplayName())

	// Proactively remove every connected session sharing the address from
	// every channel it occupies.
	for sess := range r.sessions {
		if sess.Addr() != addr {
			continue
		}
		for _, ch := range sess.Channels() {
			ch.Broadcast(fmt.Sprintf(":%s KICK %s %s :Banned from server", r.cfg.ServerName, ch.Name, sess.Nickname), nil)
			ch.RemoveMember(sess)
			r.deleteIfEmpty(ch)
		}
	}
	r.notice(s, addr+" is now banned from this server")
}

func (r *Registry) handleUnallban(s *Session, args []string) {
	if !r.requireRegistered(s) {
		return
	}
	if !r.requireOperator(s, rbac.PermGlobalBan) {
		return
	}
	if len(args) < 1 {
		r.needMoreParams(s, "UNALLBAN")
		return
	}

	addr := r.resolveAddr(args[0])
	if _, ok := r.globalBans[addr]; !ok {
		r.notice(s, "No global ban on "+addr)
		return
	}
	delete(r.globalBans, addr)
	slog.Info("global ban removed", "addr", addr, "by", s.DisplayName())
	r.notice(s, addr+" is no longer banned from this server")
}

func (r *Registry) handleListAllban(s *Session, args []string) {
	if !r.requireRegistered(s) {
		return
	}
	if !r.requireOperator(s, rbac.PermListGlobalBans) {
		return
	}

	if len(r.globalBans) == 0 {
		r.notice(s, "No global bans set")
		return
	}
	addrs := make([]string, 0, len(r.globalBans))
	for addr := range r.globalBans {
		addrs = append(addrs, addr)
	}
	sort.Strings(addrs)
	for _, addr := range addrs {
		r.notice(s, "Banned: "+addr)
	}
	r.notice(s, "End of global ban list")
}

// ---- elevation ----

func (r *Registry) handleOper(s *Session, args []string) {
	if !r.requireRegistered(s) {
		return
	}
	if len(args) < 1 {
		r.needMoreParams(s, "OPER")
		return
	}

	if r.cfg.OperatorPassword == "" || !crypto.SecretsEqual(args[0], r.cfg.OperatorPassword) {
		r.metrics.OperFailures.Add(1)
		slog.Warn("authorization denied", "peer", s.DisplayName(), "remote", s.Addr(), "reason", "bad operator password")
		r.numeric(s, protocol.ErrPasswdMismatch, "Password incorrect")
		return
	}

	// Operator status lasts for the remainder of the connection; there is
	// no expiry or revocation path.
	s.Operator = true
	r.metrics.OperSuccesses.Add(1)
	slog.Info("operator authenticated", "peer", s.DisplayName(), "remote", s.Addr())
	r.numeric(s, protocol.RplYoureOper, "You are now an IRC operator")
}
