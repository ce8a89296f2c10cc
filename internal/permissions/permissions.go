package permissions

import (
	"slices"
	"strings"
)

// Capabilities is a bitset of action rights. A role or channel override
// never stores Capabilities directly; it stores an Override so that
// "unset" stays distinguishable from "denied".
type Capabilities uint32

const (
	SendMessages Capabilities = 1 << iota
	ManageMessages
	ManageChannels
	ManageRoles
	KickMembers
	BanMembers
	TimeoutMembers
	MentionEveryone
	ManageCommunity
	CreateInvites
	Connect
	ScreenShare
	Administrator

	capCount = iota
)

// All has every capability bit set.
const All = Capabilities(1<<capCount) - 1

// Everyone is the default grant of the base role in a fresh community.
const Everyone = SendMessages | MentionEveryone | CreateInvites | Connect | ScreenShare

var capNames = map[Capabilities]string{
	SendMessages:    "sendMessages",
	ManageMessages:  "manageMessages",
	ManageChannels:  "manageChannels",
	ManageRoles:     "manageRoles",
	KickMembers:     "kickMembers",
	BanMembers:      "banMembers",
	TimeoutMembers:  "timeoutMembers",
	MentionEveryone: "mentionEveryone",
	ManageCommunity: "manageCommunity",
	CreateInvites:   "createInvites",
	Connect:         "connect",
	ScreenShare:     "screenShare",
	Administrator:   "administrator",
}

func (c Capabilities) Has(cap Capabilities) bool {
	return c&cap == cap
}

func (c Capabilities) String() string {
	var names []string
	for bit := Capabilities(1); bit < 1<<capCount; bit <<= 1 {
		if c.Has(bit) {
			names = append(names, capNames[bit])
		}
	}
	return strings.Join(names, "|")
}

// Override is a tri-state permission set: bits in Allow force a
// capability on, bits in Deny force it off, bits in neither are left
// as they were. The zero value is a no-op.
type Override struct {
	Allow Capabilities `json:"allow"`
	Deny  Capabilities `json:"deny"`
}

func (o Override) Apply(c Capabilities) Capabilities {
	return (c &^ o.Deny) | o.Allow
}

func (o Override) IsZero() bool {
	return o.Allow == 0 && o.Deny == 0
}

// RoleGrant is one held role's contribution to a resolve: its position
// in the community hierarchy, the permission set the role itself
// carries, and the channel-level override for that role if a channel
// is in scope.
type RoleGrant struct {
	Position int
	Role     Override
	Channel  Override
}

// Resolve computes the effective capability set for one member.
//
// Precedence, lowest to highest: the everyone role's grant, each held
// role ascending by position, the channel's everyone override, each
// held role's channel override ascending by position, and finally the
// owner/admin escalation which forces every capability on. Within a
// step, higher-position roles win field by field; an unset override
// bit changes nothing.
//
// Pure function. Callers must not cache the result across mutations.
func Resolve(everyone Capabilities, everyoneChannel Override, grants []RoleGrant, isOwner bool) Capabilities {
	sorted := slices.Clone(grants)
	slices.SortStableFunc(sorted, func(a, b RoleGrant) int {
		return a.Position - b.Position
	})

	caps := everyone
	for _, g := range sorted {
		caps = g.Role.Apply(caps)
	}

	// channel overrides, everyone (position 0) first
	caps = everyoneChannel.Apply(caps)
	for _, g := range sorted {
		caps = g.Channel.Apply(caps)
	}

	if isOwner || caps.Has(Administrator) {
		return All
	}
	return caps
}

// CanActOnRole reports whether a member whose highest held role sits at
// highestPosition may create, edit or delete a role at rolePosition.
// Owners may act on any role; everyone else only on roles strictly
// below their own highest role.
func CanActOnRole(isOwner bool, highestPosition int, rolePosition int) bool {
	if isOwner {
		return true
	}
	return highestPosition > rolePosition
}
