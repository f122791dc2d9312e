package server

import (
	"strings"

	"github.com/kaguya-irc/kaguyad/pkg/crypto"
)

// Channel is a named multi-member broadcast group with an optional topic,
// an optional join password, an immutable ownership key, a session-scoped
// owner set, and a local banned-address set. Mutated only under the
// registry lock.
type Channel struct {
	Name     string
	Topic    string
	Password string // gates JOIN when non-empty

	// keyHash is the argon2id hash of the ownership key, set once at
	// creation and never rotated.
	keyHash string

	owners  map[*Session]struct{}
	bans    map[string]struct{} // banned remote addresses
	members []*Session          // insertion order drives fan-out order
}

func newChannel(name, password, keyHash string) *Channel {
	return &Channel{
		Name:     name,
		Password: password,
		keyHash:  keyHash,
		owners:   make(map[*Session]struct{}),
		bans:     make(map[string]struct{}),
	}
}

// AddMember inserts s, keeping Session.channels and Channel.members
// mutually consistent. No-op when already a member.
func (c *Channel) AddMember(s *Session) {
	if s.On(c) {
		return
	}
	c.members = append(c.members, s)
	s.channels[c.Name] = c
}

// RemoveMember removes s, preserving the insertion order of the rest.
// No-op when s is not a member.
func (c *Channel) RemoveMember(s *Session) {
	for i, m := range c.members {
		if m == s {
			c.members = append(c.members[:i], c.members[i+1:]...)
			delete(s.channels, c.Name)
			return
		}
	}
}

// Members returns a snapshot of the member list in insertion order.
func (c *Channel) Members() []*Session {
	return append([]*Session(nil), c.members...)
}

// Size returns the current member count.
func (c *Channel) Size() int { return len(c.members) }

// Broadcast sends line to every member except exclude (nil excludes no
// one). It iterates a snapshot taken before the first send, so a handler
// that mutates membership mid-broadcast cannot corrupt iteration or
// drop/duplicate deliveries.
func (c *Channel) Broadcast(line string, exclude *Session) {
	for _, m := range c.Members() {
		if m != exclude {
			m.Send(line)
		}
	}
}

// GrantOwner adds s to the owner set. Ownership is a session-scoped
// capability: it does not survive reconnect.
func (c *Channel) GrantOwner(s *Session) { c.owners[s] = struct{}{} }

// RevokeOwner removes s from the owner set.
func (c *Channel) RevokeOwner(s *Session) { delete(c.owners, s) }

// IsOwner reports whether s holds ownership of the channel.
func (c *Channel) IsOwner(s *Session) bool {
	_, ok := c.owners[s]
	return ok
}

// VerifyKey reports whether key matches the ownership key issued at
// creation.
func (c *Channel) VerifyKey(key string) bool {
	return crypto.VerifyKey(key, c.keyHash)
}

// Ban adds addr to the channel's local ban set.
func (c *Channel) Ban(addr string) { c.bans[addr] = struct{}{} }

// Unban removes addr from the ban set, reporting whether it was present.
func (c *Channel) Unban(addr string) bool {
	if _, ok := c.bans[addr]; !ok {
		return false
	}
	delete(c.bans, addr)
	return true
}

// IsBanned reports whether addr is in the channel's local ban set.
func (c *Channel) IsBanned(addr string) bool {
	_, ok := c.bans[addr]
	return ok
}

// NamesList returns the space-joined nicknames of current members, in
// insertion order.
func (c *Channel) NamesList() string {
	nicks := make([]string, 0, len(c.members))
	for _, m := range c.members {
		nicks = append(nicks, m.Nickname)
	}
	return strings.Join(nicks, " ")
}
