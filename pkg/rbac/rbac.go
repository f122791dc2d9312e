// Package rbac implements the command authorization tiers: registered user,
// channel owner, and server operator.
package rbac

// Permission represents a guarded action.
type Permission int

const (
	PermSetTopic Permission = iota // channel-scoped
	PermKickUser                   // channel-scoped
	PermBanUser                    // channel-scoped
	PermUnbanUser                  // channel-scoped
	PermCreateChannel              // server-scoped when creation is restricted
	PermGlobalBan                  // server-scoped
	PermListGlobalBans             // server-scoped
)

// Tier is an authorization level, narrowest to broadest.
type Tier int

const (
	TierRegistered Tier = iota
	TierOwner           // channel owner, scoped to channels the actor owns
	TierOperator        // server operator, any channel
)

// permissionMatrix maps tiers to their allowed permissions. Higher tiers do
// not implicitly inherit lower ones; the matrix lists every grant.
var permissionMatrix = map[Tier]map[Permission]bool{
	TierOperator: {
		PermSetTopic:       true,
		PermKickUser:       true,
		PermBanUser:        true,
		PermUnbanUser:      true,
		PermCreateChannel:  true,
		PermGlobalBan:      true,
		PermListGlobalBans: true,
	},
	TierOwner: {
		PermSetTopic:  true,
		PermKickUser:  true,
		PermBanUser:   true,
		PermUnbanUser: true,
	},
	TierRegistered: {
		// No elevated permissions; can join channels and talk.
	},
}

// TierOf returns the broadest tier an actor holds for a given channel.
func TierOf(operator, owner bool) Tier {
	switch {
	case operator:
		return TierOperator
	case owner:
		return TierOwner
	default:
		return TierRegistered
	}
}

// HasPermission checks if a tier grants a specific permission.
func HasPermission(tier Tier, perm Permission) bool {
	perms, ok := permissionMatrix[tier]
	if !ok {
		return false
	}
	return perms[perm]
}

// RequirePermission returns an error message if the tier lacks the
// permission, or empty string if allowed.
func RequirePermission(tier Tier, perm Permission) string {
	if HasPermission(tier, perm) {
		return ""
	}
	return "permission denied: " + permName(perm) + " requires a higher tier"
}

func permName(p Permission) string {
	switch p {
	case PermSetTopic:
		return "set_topic"
	case PermKickUser:
		return "kick_user"
	case PermBanUser:
		return "ban_user"
	case PermUnbanUser:
		return "unban_user"
	case PermCreateChannel:
		return "create_channel"
	case PermGlobalBan:
		return "global_ban"
	case PermListGlobalBans:
		return "list_global_bans"
	default:
		return "unknown"
	}
}
