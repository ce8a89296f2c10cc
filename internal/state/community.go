package state

import (
	"slices"
	"sync"
	"time"

	"nexus-backend/internal/models"
	"nexus-backend/internal/permissions"
)

// Community is the authoritative in-memory record of one community.
// All mutation happens under its lock; other components read through
// query methods, never by reaching into the maps.
type Community struct {
	mu sync.Mutex

	Meta       models.Community
	Categories map[int64]*models.Category
	Channels   map[int64]*Channel
	Roles      map[int64]*models.Role
	Members    map[int64]*models.Member
	Bans       map[int64]*models.Ban
}

// Channel pairs channel metadata with its recent-message ring buffer.
// Voice channels carry a nil buffer; their occupancy lives in the
// voice coordinator and is never persisted.
type Channel struct {
	Meta   models.Channel
	Recent *RingBuffer
}

func newCommunity(meta models.Community) *Community {
	return &Community{
		Meta:       meta,
		Categories: map[int64]*models.Category{},
		Channels:   map[int64]*Channel{},
		Roles:      map[int64]*models.Role{},
		Members:    map[int64]*models.Member{},
		Bans:       map[int64]*models.Ban{},
	}
}

// Lock serializes all mutation of this community. Cross-community
// sweeps must acquire per-community locks one at a time in ascending
// id order.
func (c *Community) Lock()   { c.mu.Lock() }
func (c *Community) Unlock() { c.mu.Unlock() }

// AddChannel registers a channel, giving text channels their ring
// buffer. Callers hold the lock.
func (c *Community) AddChannel(meta models.Channel) *Channel {
	ch := &Channel{Meta: meta}
	if meta.Type == models.ChannelTypeText {
		ch.Recent = NewRingBuffer(RingCapacity)
	}
	c.Channels[meta.ID] = ch
	return ch
}

// everyoneRole finds the sentinel base role. Every community has one;
// a community without it is corrupt.
func (c *Community) everyoneRole() *models.Role {
	for _, role := range c.Roles {
		if role.Sentinel == models.RoleEveryone {
			return role
		}
	}
	return nil
}

// Resolve computes the acting account's effective capability set for
// channelID (zero for community scope). Callers hold the lock.
func (c *Community) Resolve(accountID int64, channelID int64) permissions.Capabilities {
	member, exists := c.Members[accountID]
	if !exists {
		return 0
	}

	var overrides map[int64]permissions.Override
	if channelID != 0 {
		if ch, ok := c.Channels[channelID]; ok {
			overrides = ch.Meta.Overrides
		}
	}

	everyone := c.everyoneRole()
	var base permissions.Capabilities
	var baseChannel permissions.Override
	if everyone != nil {
		base = everyone.Permissions.Allow
		baseChannel = overrides[everyone.ID]
	}

	grants := make([]permissions.RoleGrant, 0, len(member.RoleIDs))
	for _, roleID := range member.RoleIDs {
		role, ok := c.Roles[roleID]
		if !ok || role.Sentinel == models.RoleEveryone {
			continue
		}
		grants = append(grants, permissions.RoleGrant{
			Position: role.Position,
			Role:     role.Permissions,
			Channel:  overrides[roleID],
		})
	}

	return permissions.Resolve(base, baseChannel, grants, accountID == c.Meta.OwnerID)
}

// HighestRolePosition is the seniority of the member's highest held
// role; 0 when it only holds everyone.
func (c *Community) HighestRolePosition(accountID int64) int {
	member, exists := c.Members[accountID]
	if !exists {
		return 0
	}
	highest := 0
	for _, roleID := range member.RoleIDs {
		if role, ok := c.Roles[roleID]; ok && role.Position > highest {
			highest = role.Position
		}
	}
	return highest
}

// CanActOnRole applies the escalation rule: non-owners may only touch
// roles strictly below their own highest position.
func (c *Community) CanActOnRole(accountID int64, rolePosition int) bool {
	return permissions.CanActOnRole(
		accountID == c.Meta.OwnerID,
		c.HighestRolePosition(accountID),
		rolePosition,
	)
}

// RemoveRole deletes the role and strips it from every member holding
// it in the same critical section.
func (c *Community) RemoveRole(roleID int64) []*models.Member {
	delete(c.Roles, roleID)

	var touched []*models.Member
	for _, member := range c.Members {
		idx := slices.Index(member.RoleIDs, roleID)
		if idx >= 0 {
			member.RoleIDs = slices.Delete(member.RoleIDs, idx, idx+1)
			touched = append(touched, member)
		}
	}
	return touched
}

// ActiveBan returns the ban or timeout excluding accountID right now,
// clearing expired timeouts as a side effect of the check.
func (c *Community) ActiveBan(accountID int64) *models.Ban {
	ban, exists := c.Bans[accountID]
	if !exists {
		return nil
	}
	if ban.ExpiresAt != 0 && ban.ExpiresAt <= time.Now().UnixMilli() {
		delete(c.Bans, accountID)
		return nil
	}
	return ban
}

// OldestMember returns the longest-standing member other than the
// excluded account. Ownership transfer on account deletion picks it.
func (c *Community) OldestMember(excludeID int64) *models.Member {
	var oldest *models.Member
	for _, member := range c.Members {
		if member.AccountID == excludeID {
			continue
		}
		if oldest == nil || member.JoinedAt < oldest.JoinedAt ||
			(member.JoinedAt == oldest.JoinedAt && member.AccountID < oldest.AccountID) {
			oldest = member
		}
	}
	return oldest
}

// MemberIDs copies out the current member account ids.
func (c *Community) MemberIDs() []int64 {
	ids := make([]int64, 0, len(c.Members))
	for id := range c.Members {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// SortedRoles returns roles ascending by position for wire payloads.
func (c *Community) SortedRoles() []models.Role {
	roles := make([]models.Role, 0, len(c.Roles))
	for _, role := range c.Roles {
		roles = append(roles, *role)
	}
	slices.SortFunc(roles, func(a, b models.Role) int { return a.Position - b.Position })
	return roles
}
