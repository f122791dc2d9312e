// Package protocol implements the line-oriented text protocol spoken by
// kaguyad: inbound command splitting and outbound reply framing.
//
// Inbound lines are split into an uppercase command token and an argument
// tail; the tail is further split on whitespace, and trailing multi-word
// parameters are reconstituted by rejoining the remaining tokens and
// stripping one leading ':' marker.
//
// Outbound replies are framed as
//
//	:<server> <3-digit-code> <target> <params...> :<trailing>
//
// for numerics, or ":<server> NOTICE <target> :<text>" for notices.
package protocol

import "strings"

// LineTerminator ends every outbound protocol line.
const LineTerminator = "\r\n"

// SplitCommand splits an inbound line into its uppercase command token and
// the raw argument tail. The tail may be empty.
func SplitCommand(line string) (cmd, tail string) {
	cmd, tail, _ = strings.Cut(line, " ")
	return strings.ToUpper(cmd), strings.TrimSpace(tail)
}

// Fields splits an argument tail on whitespace.
func Fields(tail string) []string {
	return strings.Fields(tail)
}

// Trailing rejoins args[i:] into a single parameter, stripping one leading
// ':' marker. Returns "" when i is out of range.
func Trailing(args []string, i int) string {
	if i >= len(args) {
		return ""
	}
	return strings.TrimPrefix(strings.Join(args[i:], " "), ":")
}

// Numeric formats a numeric reply with optional middle params and a
// trailing text parameter.
func Numeric(server, code, target string, params []string, trailing string) string {
	var b strings.Builder
	b.WriteByte(':')
	b.WriteString(server)
	b.WriteByte(' ')
	b.WriteString(code)
	b.WriteByte(' ')
	b.WriteString(target)
	for _, p := range params {
		b.WriteByte(' ')
		b.WriteString(p)
	}
	b.WriteString(" :")
	b.WriteString(trailing)
	return b.String()
}

// Raw formats a numeric reply whose params carry no trailing text marker,
// such as the 004 server-info numeric.
func Raw(server, code, target string, params ...string) string {
	var b strings.Builder
	b.WriteByte(':')
	b.WriteString(server)
	b.WriteByte(' ')
	b.WriteString(code)
	b.WriteByte(' ')
	b.WriteString(target)
	for _, p := range params {
		b.WriteByte(' ')
		b.WriteString(p)
	}
	return b.String()
}

// Reply formats a numeric reply with no middle params.
func Reply(server, code, target, trailing string) string {
	return Numeric(server, code, target, nil, trailing)
}

// Notice formats a server notice to target.
func Notice(server, target, text string) string {
	return ":" + server + " NOTICE " + target + " :" + text
}

// UserPrefix formats the nick!user@host origin used on relayed lines.
func UserPrefix(nick, user, host string) string {
	return nick + "!" + user + "@" + host
}
