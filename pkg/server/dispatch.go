package server

import "strings"

// handlerFunc handles one parsed command for a session. It runs under the
// registry lock and must complete without blocking on anything but the
// session transports.
type handlerFunc func(r *Registry, s *Session, args []string)

// newCommandTable builds the finite command-token-to-handler map. An
// unknown token is an ordinary data case handled in Dispatch, never a
// missing-symbol fault. Validated at startup: every key must be a
// non-empty uppercase token.
func newCommandTable() map[string]handlerFunc {
	table := map[string]handlerFunc{
		"NICK":       (*Registry).handleNick,
		"USER":       (*Registry).handleUser,
		"PING":       (*Registry).handlePing,
		"QUIT":       (*Registry).handleQuit,
		"JOIN":       (*Registry).handleJoin,
		"PART":       (*Registry).handlePart,
		"PRIVMSG":    (*Registry).handlePrivmsg,
		"MSG":        (*Registry).handlePrivmsg,
		"TOPIC":      (*Registry).handleTopic,
		"LIST":       (*Registry).handleList,
		"HELP":       (*Registry).handleHelp,
		"CREATE":     (*Registry).handleCreate,
		"CHANNEL":    (*Registry).handleChannelKey,
		"KICK":       (*Registry).handleKick,
		"BAN":        (*Registry).handleBan,
		"UNBAN":      (*Registry).handleUnban,
		"ALLBAN":     (*Registry).handleAllban,
		"UNALLBAN":   (*Registry).handleUnallban,
		"LISTALLBAN": (*Registry).handleListAllban,
		"OPER":       (*Registry).handleOper,
	}
	for name, fn := range table {
		if name == "" || name != strings.ToUpper(name) || fn == nil {
			panic("server: malformed command table entry: " + name)
		}
	}
	return table
}
