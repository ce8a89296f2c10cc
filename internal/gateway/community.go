package gateway

import (
	"encoding/json"
	"errors"
	"slices"
	"strconv"
	"time"

	"nexus-backend/internal/apperr"
	"nexus-backend/internal/database"
	"nexus-backend/internal/hub"
	"nexus-backend/internal/keyValue"
	"nexus-backend/internal/models"
	"nexus-backend/internal/permissions"
	"nexus-backend/internal/snowflake"
	"nexus-backend/internal/state"

	"github.com/google/uuid"
)

// adminPosition is where the sentinel admin role sits in a fresh
// community; custom roles slot in between.
const adminPosition = 1000

type serverCreateRequest struct {
	Name string `json:"name" validate:"required,min=1,max=64"`
}

// handleServerCreate builds a community with its two sentinel roles, a
// default category and a text plus a voice channel, owned by the
// caller.
func (g *Gateway) handleServerCreate(c *hub.Client, accountID int64, data json.RawMessage) error {
	var req serverCreateRequest
	if err := g.decode(data, &req); err != nil {
		return err
	}

	account, err := g.db.GetAccount(accountID)
	if errors.Is(err, database.ErrNotFound) {
		return apperr.New(apperr.Unauthenticated, "no such account")
	} else if err != nil {
		return apperr.New(apperr.Internal, "account lookup failed")
	}

	ids := make([]int64, 6)
	for i := range ids {
		if ids[i], err = snowflake.Generate(); err != nil {
			return apperr.New(apperr.Internal, "id generation failed")
		}
	}
	communityID, everyoneID, adminID, categoryID, textID, voiceID := ids[0], ids[1], ids[2], ids[3], ids[4], ids[5]

	meta := models.Community{ID: communityID, OwnerID: accountID, Name: req.Name}
	community := g.store.AddCommunity(meta)

	community.Lock()
	community.Roles[everyoneID] = &models.Role{
		ID: everyoneID, CommunityID: communityID, Name: "everyone", Position: 0,
		Sentinel:    models.RoleEveryone,
		Permissions: permissions.Override{Allow: permissions.Everyone},
	}
	community.Roles[adminID] = &models.Role{
		ID: adminID, CommunityID: communityID, Name: "admin", Position: adminPosition,
		Sentinel:    models.RoleAdmin,
		Permissions: permissions.Override{Allow: permissions.Administrator},
	}
	community.Categories[categoryID] = &models.Category{
		ID: categoryID, CommunityID: communityID, Name: "General",
		ChannelIDs: []int64{textID, voiceID},
	}
	community.AddChannel(models.Channel{
		ID: textID, CommunityID: communityID, CategoryID: categoryID,
		Type: models.ChannelTypeText, Name: "general",
	})
	community.AddChannel(models.Channel{
		ID: voiceID, CommunityID: communityID, CategoryID: categoryID,
		Type: models.ChannelTypeVoice, Name: "Voice",
	})
	community.Members[accountID] = &models.Member{
		CommunityID: communityID, AccountID: accountID, JoinedAt: memberJoinedAt(),
		Username: account.Username, DisplayName: account.DisplayName,
		Avatar: account.Avatar, Color: account.Color,
	}
	community.Unlock()

	g.persistCommunity(community)

	hub.Subscribe(c, hub.RoomCommunity(communityID))
	hub.Subscribe(c, hub.RoomChannel(textID))
	hub.Subscribe(c, hub.RoomChannel(voiceID))
	c.SetCurrentCommunityID(communityID)

	detail, err := g.enterCommunitySnapshot(community, accountID)
	if err != nil {
		return err
	}
	hub.SendTo(c.SessionID, "server:created", detail)
	return nil
}

// persistCommunity queues the write-through of a freshly built
// community graph.
func (g *Gateway) persistCommunity(community *state.Community) {
	community.Lock()
	meta := community.Meta
	roles := make([]models.Role, 0, len(community.Roles))
	for _, role := range community.Roles {
		roles = append(roles, *role)
	}
	categories := make([]models.Category, 0, len(community.Categories))
	for _, category := range community.Categories {
		categories = append(categories, *category)
	}
	channels := make([]models.Channel, 0, len(community.Channels))
	for _, channel := range community.Channels {
		channels = append(channels, channel.Meta)
	}
	members := make([]models.Member, 0, len(community.Members))
	for _, member := range community.Members {
		members = append(members, *member)
	}
	community.Unlock()

	g.store.Async("persist community", func() error {
		if err := g.db.UpsertCommunity(&meta); err != nil {
			return err
		}
		for i := range roles {
			if err := g.db.UpsertRole(&roles[i]); err != nil {
				return err
			}
		}
		for i := range categories {
			if err := g.db.UpsertCategory(&categories[i]); err != nil {
				return err
			}
		}
		for i := range channels {
			if err := g.db.UpsertChannel(&channels[i]); err != nil {
				return err
			}
		}
		for i := range members {
			if err := g.db.UpsertMember(&members[i]); err != nil {
				return err
			}
		}
		return nil
	})
}

// enterCommunitySnapshot builds the communityPayload outside a join.
func (g *Gateway) enterCommunitySnapshot(community *state.Community, accountID int64) (*communityPayload, error) {
	community.Lock()
	defer community.Unlock()

	detail := &communityPayload{
		Meta:       community.Meta,
		Roles:      community.SortedRoles(),
		VoiceState: g.voice.CommunitySnapshot(community.Meta.ID),
	}
	for _, category := range community.Categories {
		detail.Categories = append(detail.Categories, *category)
	}
	for _, member := range community.Members {
		detail.Members = append(detail.Members, *member)
		if hub.IsOnline(member.AccountID) {
			detail.OnlineUsers = append(detail.OnlineUsers, member.AccountID)
		}
	}
	for _, channel := range community.Channels {
		if channelVisible(community, accountID, &channel.Meta) {
			detail.Channels = append(detail.Channels, channel.Meta)
		}
	}
	return detail, nil
}

type serverUpdateRequest struct {
	CommunityID  int64  `json:"communityId,string" validate:"required"`
	Name         string `json:"name" validate:"omitempty,min=1,max=64"`
	Icon         string `json:"icon" validate:"omitempty,max=256"`
	Description  string `json:"description" validate:"omitempty,max=512"`
	EmojiSharing *bool  `json:"emojiSharing"`
}

func (g *Gateway) handleServerUpdate(c *hub.Client, accountID int64, data json.RawMessage) error {
	var req serverUpdateRequest
	if err := g.decode(data, &req); err != nil {
		return err
	}

	community, exists := g.store.Community(req.CommunityID)
	if !exists {
		return apperr.New(apperr.NotFound, "no such community")
	}

	community.Lock()
	if !community.Resolve(accountID, 0).Has(permissions.ManageCommunity) {
		community.Unlock()
		return apperr.New(apperr.Forbidden, "you can't manage this community")
	}

	if req.Name != "" {
		community.Meta.Name = req.Name
	}
	if req.Icon != "" {
		community.Meta.Icon = req.Icon
	}
	if req.Description != "" {
		community.Meta.Description = req.Description
	}
	if req.EmojiSharing != nil {
		community.Meta.EmojiSharing = *req.EmojiSharing
	}
	meta := community.Meta
	community.Unlock()

	g.store.Async("update community", func() error {
		return g.db.UpsertCommunity(&meta)
	})
	hub.Emit(hub.RoomCommunity(req.CommunityID), "server:updated", meta)
	return nil
}

type communityRequest struct {
	CommunityID int64 `json:"communityId,string" validate:"required"`
}

func (g *Gateway) handleServerDelete(c *hub.Client, accountID int64, data json.RawMessage) error {
	var req communityRequest
	if err := g.decode(data, &req); err != nil {
		return err
	}

	community, exists := g.store.Community(req.CommunityID)
	if !exists {
		return apperr.New(apperr.NotFound, "no such community")
	}

	community.Lock()
	isOwner := community.Meta.OwnerID == accountID
	community.Unlock()
	if !isOwner {
		return apperr.New(apperr.Forbidden, "only the owner can delete a community")
	}

	g.store.RemoveCommunity(req.CommunityID)
	g.store.Async("delete community", func() error {
		return g.db.DeleteCommunity(req.CommunityID)
	})
	hub.Emit(hub.RoomCommunity(req.CommunityID), "server:deleted", map[string]string{
		"communityId": idString(req.CommunityID),
	})
	return nil
}

func (g *Gateway) handleServerLeave(c *hub.Client, accountID int64, data json.RawMessage) error {
	var req communityRequest
	if err := g.decode(data, &req); err != nil {
		return err
	}

	community, exists := g.store.Community(req.CommunityID)
	if !exists {
		return apperr.New(apperr.NotFound, "no such community")
	}

	community.Lock()
	if community.Meta.OwnerID == accountID {
		community.Unlock()
		return apperr.New(apperr.Invalid, "owners must transfer or delete the community instead")
	}
	if _, isMember := community.Members[accountID]; !isMember {
		community.Unlock()
		return apperr.New(apperr.NotFound, "you are not a member of this community")
	}
	delete(community.Members, accountID)
	community.Unlock()

	g.store.Async("remove member", func() error {
		return g.db.RemoveMember(req.CommunityID, accountID)
	})
	g.unsubscribeCommunity(c, req.CommunityID)
	hub.Emit(hub.RoomCommunity(req.CommunityID), "member:left", map[string]string{
		"communityId": idString(req.CommunityID),
		"accountId":   idString(accountID),
	})
	return nil
}

type moderationRequest struct {
	CommunityID int64  `json:"communityId,string" validate:"required"`
	AccountID   int64  `json:"accountId,string" validate:"required"`
	Reason      string `json:"reason" validate:"omitempty,max=256"`
	Seconds     int    `json:"seconds" validate:"omitempty,min=1,max=2419200"`
}

// moderationGate runs the shared checks: capability, target exists,
// target isn't the owner, and the actor outranks the target's highest
// role.
func (g *Gateway) moderationGate(community *state.Community, actorID int64, targetID int64, cap permissions.Capabilities) error {
	if !community.Resolve(actorID, 0).Has(cap) {
		return apperr.New(apperr.Forbidden, "you can't moderate this community")
	}
	if targetID == community.Meta.OwnerID {
		return apperr.New(apperr.Forbidden, "the owner can't be moderated")
	}
	if _, isMember := community.Members[targetID]; !isMember {
		return apperr.New(apperr.NotFound, "no such member")
	}
	if !community.CanActOnRole(actorID, community.HighestRolePosition(targetID)) {
		return apperr.New(apperr.Forbidden, "that member outranks you")
	}
	return nil
}

func (g *Gateway) handleKick(c *hub.Client, accountID int64, data json.RawMessage) error {
	var req moderationRequest
	if err := g.decode(data, &req); err != nil {
		return err
	}

	community, exists := g.store.Community(req.CommunityID)
	if !exists {
		return apperr.New(apperr.NotFound, "no such community")
	}

	community.Lock()
	if err := g.moderationGate(community, accountID, req.AccountID, permissions.KickMembers); err != nil {
		community.Unlock()
		return err
	}
	delete(community.Members, req.AccountID)
	community.Unlock()

	g.store.Async("remove member", func() error {
		return g.db.RemoveMember(req.CommunityID, req.AccountID)
	})
	g.evictFromCommunity(req.AccountID, req.CommunityID)
	hub.Emit(hub.RoomCommunity(req.CommunityID), "member:kicked", map[string]string{
		"communityId": idString(req.CommunityID),
		"accountId":   idString(req.AccountID),
	})
	return nil
}

func (g *Gateway) handleBan(c *hub.Client, accountID int64, data json.RawMessage) error {
	var req moderationRequest
	if err := g.decode(data, &req); err != nil {
		return err
	}

	community, exists := g.store.Community(req.CommunityID)
	if !exists {
		return apperr.New(apperr.NotFound, "no such community")
	}

	ban := models.Ban{CommunityID: req.CommunityID, AccountID: req.AccountID, Reason: req.Reason}

	community.Lock()
	if err := g.moderationGate(community, accountID, req.AccountID, permissions.BanMembers); err != nil {
		community.Unlock()
		return err
	}
	delete(community.Members, req.AccountID)
	community.Bans[req.AccountID] = &ban
	community.Unlock()

	g.store.Async("record ban", func() error {
		if err := g.db.RecordBan(&ban); err != nil {
			return err
		}
		return g.db.RemoveMember(req.CommunityID, req.AccountID)
	})
	g.evictFromCommunity(req.AccountID, req.CommunityID)
	hub.Emit(hub.RoomCommunity(req.CommunityID), "member:banned", map[string]string{
		"communityId": idString(req.CommunityID),
		"accountId":   idString(req.AccountID),
	})
	return nil
}

// handleTimeout records a timed ban; membership stays and the timeout
// only gates sending until it lapses.
func (g *Gateway) handleTimeout(c *hub.Client, accountID int64, data json.RawMessage) error {
	var req moderationRequest
	if err := g.decode(data, &req); err != nil {
		return err
	}
	if req.Seconds <= 0 {
		return apperr.New(apperr.Invalid, "timeout needs a duration in seconds")
	}

	community, exists := g.store.Community(req.CommunityID)
	if !exists {
		return apperr.New(apperr.NotFound, "no such community")
	}

	ban := models.Ban{
		CommunityID: req.CommunityID,
		AccountID:   req.AccountID,
		Reason:      req.Reason,
		ExpiresAt:   time.Now().Add(time.Duration(req.Seconds) * time.Second).UnixMilli(),
	}

	community.Lock()
	if err := g.moderationGate(community, accountID, req.AccountID, permissions.TimeoutMembers); err != nil {
		community.Unlock()
		return err
	}
	community.Bans[req.AccountID] = &ban
	community.Unlock()

	g.store.Async("record timeout", func() error {
		return g.db.RecordBan(&ban)
	})
	hub.Emit(hub.RoomCommunity(req.CommunityID), "member:timeout", ban)
	return nil
}

func (g *Gateway) handleUnban(c *hub.Client, accountID int64, data json.RawMessage) error {
	var req moderationRequest
	if err := g.decode(data, &req); err != nil {
		return err
	}

	community, exists := g.store.Community(req.CommunityID)
	if !exists {
		return apperr.New(apperr.NotFound, "no such community")
	}

	community.Lock()
	if !community.Resolve(accountID, 0).Has(permissions.BanMembers) {
		community.Unlock()
		return apperr.New(apperr.Forbidden, "you can't moderate this community")
	}
	if _, banned := community.Bans[req.AccountID]; !banned {
		community.Unlock()
		return apperr.New(apperr.NotFound, "no ban on record")
	}
	delete(community.Bans, req.AccountID)
	community.Unlock()

	g.store.Async("remove ban", func() error {
		return g.db.RemoveBan(req.CommunityID, req.AccountID)
	})
	hub.Emit(hub.RoomCommunity(req.CommunityID), "member:unbanned", map[string]string{
		"communityId": idString(req.CommunityID),
		"accountId":   idString(req.AccountID),
	})
	return nil
}

// evictFromCommunity drops every session of the target account out of
// the community's rooms.
func (g *Gateway) evictFromCommunity(accountID int64, communityID int64) {
	for _, sessionID := range hub.SessionsForAccount(accountID) {
		if client, exists := hub.GetClient(sessionID); exists {
			g.unsubscribeCommunity(client, communityID)
		}
	}
}

type channelCreateRequest struct {
	CommunityID int64  `json:"communityId,string" validate:"required"`
	CategoryID  int64  `json:"categoryId,string" validate:"required"`
	Type        string `json:"type" validate:"required,oneof=text voice"`
	Name        string `json:"name" validate:"required,min=1,max=64"`
	Private     bool   `json:"private"`
}

func (g *Gateway) handleChannelCreate(c *hub.Client, accountID int64, data json.RawMessage) error {
	var req channelCreateRequest
	if err := g.decode(data, &req); err != nil {
		return err
	}

	community, exists := g.store.Community(req.CommunityID)
	if !exists {
		return apperr.New(apperr.NotFound, "no such community")
	}

	id, err := snowflake.Generate()
	if err != nil {
		return apperr.New(apperr.Internal, "id generation failed")
	}

	community.Lock()
	if !community.Resolve(accountID, 0).Has(permissions.ManageChannels) {
		community.Unlock()
		return apperr.New(apperr.Forbidden, "you can't manage channels here")
	}
	category, ok := community.Categories[req.CategoryID]
	if !ok {
		community.Unlock()
		return apperr.New(apperr.NotFound, "no such category")
	}

	meta := models.Channel{
		ID: id, CommunityID: req.CommunityID, CategoryID: req.CategoryID,
		Type: req.Type, Name: req.Name, Private: req.Private,
	}
	community.AddChannel(meta)
	category.ChannelIDs = append(category.ChannelIDs, id)
	categorySnapshot := *category
	community.Unlock()

	g.store.Async("create channel", func() error {
		if err := g.db.UpsertChannel(&meta); err != nil {
			return err
		}
		return g.db.UpsertCategory(&categorySnapshot)
	})
	hub.Emit(hub.RoomCommunity(req.CommunityID), "channel:created", meta)
	return nil
}

type channelUpdateRequest struct {
	ChannelID       int64                           `json:"channelId,string" validate:"required"`
	Name            string                          `json:"name" validate:"omitempty,min=1,max=64"`
	Topic           *string                         `json:"topic"`
	SlowModeSeconds *int                            `json:"slowModeSeconds" validate:"omitempty,min=0,max=21600"`
	Private         *bool                           `json:"private"`
	Overrides       *map[int64]permissions.Override `json:"overrides"`
}

func (g *Gateway) handleChannelUpdate(c *hub.Client, accountID int64, data json.RawMessage) error {
	var req channelUpdateRequest
	if err := g.decode(data, &req); err != nil {
		return err
	}

	community, exists := g.store.FindCommunityByChannel(req.ChannelID)
	if !exists {
		return apperr.New(apperr.NotFound, "no such channel")
	}

	community.Lock()
	if !community.Resolve(accountID, 0).Has(permissions.ManageChannels) {
		community.Unlock()
		return apperr.New(apperr.Forbidden, "you can't manage channels here")
	}
	channel := community.Channels[req.ChannelID]

	if req.Name != "" {
		channel.Meta.Name = req.Name
	}
	if req.Topic != nil {
		channel.Meta.Topic = *req.Topic
	}
	if req.SlowModeSeconds != nil {
		channel.Meta.SlowModeSeconds = *req.SlowModeSeconds
	}
	if req.Private != nil {
		channel.Meta.Private = *req.Private
	}
	if req.Overrides != nil {
		channel.Meta.Overrides = *req.Overrides
	}
	meta := channel.Meta
	communityID := community.Meta.ID
	community.Unlock()

	g.store.Async("update channel", func() error {
		return g.db.UpsertChannel(&meta)
	})
	hub.Emit(hub.RoomCommunity(communityID), "channel:updated", meta)
	return nil
}

type channelDeleteRequest struct {
	ChannelID int64 `json:"channelId,string" validate:"required"`
}

func (g *Gateway) handleChannelDelete(c *hub.Client, accountID int64, data json.RawMessage) error {
	var req channelDeleteRequest
	if err := g.decode(data, &req); err != nil {
		return err
	}

	community, exists := g.store.FindCommunityByChannel(req.ChannelID)
	if !exists {
		return apperr.New(apperr.NotFound, "no such channel")
	}

	community.Lock()
	if !community.Resolve(accountID, 0).Has(permissions.ManageChannels) {
		community.Unlock()
		return apperr.New(apperr.Forbidden, "you can't manage channels here")
	}
	channel := community.Channels[req.ChannelID]
	delete(community.Channels, req.ChannelID)
	if category, ok := community.Categories[channel.Meta.CategoryID]; ok {
		if idx := slices.Index(category.ChannelIDs, req.ChannelID); idx >= 0 {
			category.ChannelIDs = slices.Delete(category.ChannelIDs, idx, idx+1)
		}
	}
	communityID := community.Meta.ID
	community.Unlock()

	g.store.Async("delete channel", func() error {
		return g.db.DeleteChannel(req.ChannelID)
	})
	hub.Emit(hub.RoomCommunity(communityID), "channel:deleted", map[string]string{
		"channelId": idString(req.ChannelID),
	})
	return nil
}

type categoryCreateRequest struct {
	CommunityID int64  `json:"communityId,string" validate:"required"`
	Name        string `json:"name" validate:"required,min=1,max=64"`
	Position    int    `json:"position" validate:"min=0"`
}

func (g *Gateway) handleCategoryCreate(c *hub.Client, accountID int64, data json.RawMessage) error {
	var req categoryCreateRequest
	if err := g.decode(data, &req); err != nil {
		return err
	}

	community, exists := g.store.Community(req.CommunityID)
	if !exists {
		return apperr.New(apperr.NotFound, "no such community")
	}

	id, err := snowflake.Generate()
	if err != nil {
		return apperr.New(apperr.Internal, "id generation failed")
	}

	community.Lock()
	if !community.Resolve(accountID, 0).Has(permissions.ManageChannels) {
		community.Unlock()
		return apperr.New(apperr.Forbidden, "you can't manage channels here")
	}
	category := models.Category{ID: id, CommunityID: req.CommunityID, Name: req.Name, Position: req.Position}
	community.Categories[id] = &category
	community.Unlock()

	g.store.Async("create category", func() error {
		return g.db.UpsertCategory(&category)
	})
	hub.Emit(hub.RoomCommunity(req.CommunityID), "category:created", category)
	return nil
}

type roleCreateRequest struct {
	CommunityID int64                `json:"communityId,string" validate:"required"`
	Name        string               `json:"name" validate:"required,min=1,max=64"`
	Color       string               `json:"color" validate:"omitempty,max=16"`
	Position    int                  `json:"position" validate:"min=1"`
	Permissions permissions.Override `json:"permissions"`
}

func (g *Gateway) handleRoleCreate(c *hub.Client, accountID int64, data json.RawMessage) error {
	var req roleCreateRequest
	if err := g.decode(data, &req); err != nil {
		return err
	}

	community, exists := g.store.Community(req.CommunityID)
	if !exists {
		return apperr.New(apperr.NotFound, "no such community")
	}

	id, err := snowflake.Generate()
	if err != nil {
		return apperr.New(apperr.Internal, "id generation failed")
	}

	community.Lock()
	if !community.Resolve(accountID, 0).Has(permissions.ManageRoles) {
		community.Unlock()
		return apperr.New(apperr.Forbidden, "you can't manage roles here")
	}
	if !community.CanActOnRole(accountID, req.Position) {
		community.Unlock()
		return apperr.New(apperr.Forbidden, "you can't create a role at or above your own")
	}
	role := models.Role{
		ID: id, CommunityID: req.CommunityID, Name: req.Name, Color: req.Color,
		Position: req.Position, Permissions: req.Permissions,
	}
	community.Roles[id] = &role
	community.Unlock()

	g.store.Async("create role", func() error {
		return g.db.UpsertRole(&role)
	})
	hub.Emit(hub.RoomCommunity(req.CommunityID), "role:created", role)
	return nil
}

type roleUpdateRequest struct {
	CommunityID int64                 `json:"communityId,string" validate:"required"`
	RoleID      int64                 `json:"roleId,string" validate:"required"`
	Name        string                `json:"name" validate:"omitempty,min=1,max=64"`
	Color       string                `json:"color" validate:"omitempty,max=16"`
	Position    *int                  `json:"position" validate:"omitempty,min=1"`
	Permissions *permissions.Override `json:"permissions"`
}

func (g *Gateway) handleRoleUpdate(c *hub.Client, accountID int64, data json.RawMessage) error {
	var req roleUpdateRequest
	if err := g.decode(data, &req); err != nil {
		return err
	}

	community, exists := g.store.Community(req.CommunityID)
	if !exists {
		return apperr.New(apperr.NotFound, "no such community")
	}

	community.Lock()
	if !community.Resolve(accountID, 0).Has(permissions.ManageRoles) {
		community.Unlock()
		return apperr.New(apperr.Forbidden, "you can't manage roles here")
	}
	role, ok := community.Roles[req.RoleID]
	if !ok {
		community.Unlock()
		return apperr.New(apperr.NotFound, "no such role")
	}
	if !community.CanActOnRole(accountID, role.Position) {
		community.Unlock()
		return apperr.New(apperr.Forbidden, "that role is at or above your own")
	}
	// sentinels keep their slot and meaning
	if req.Position != nil && role.Sentinel == "" {
		if !community.CanActOnRole(accountID, *req.Position) {
			community.Unlock()
			return apperr.New(apperr.Forbidden, "you can't move a role to or above your own")
		}
		role.Position = *req.Position
	}
	if req.Name != "" && role.Sentinel == "" {
		role.Name = req.Name
	}
	if req.Color != "" {
		role.Color = req.Color
	}
	if req.Permissions != nil && role.Sentinel != models.RoleAdmin {
		role.Permissions = *req.Permissions
	}
	updated := *role
	community.Unlock()

	g.store.Async("update role", func() error {
		return g.db.UpsertRole(&updated)
	})
	hub.Emit(hub.RoomCommunity(req.CommunityID), "role:updated", updated)
	return nil
}

type roleDeleteRequest struct {
	CommunityID int64 `json:"communityId,string" validate:"required"`
	RoleID      int64 `json:"roleId,string" validate:"required"`
}

// handleRoleDelete removes the role and strips it from every holder in
// one critical section.
func (g *Gateway) handleRoleDelete(c *hub.Client, accountID int64, data json.RawMessage) error {
	var req roleDeleteRequest
	if err := g.decode(data, &req); err != nil {
		return err
	}

	community, exists := g.store.Community(req.CommunityID)
	if !exists {
		return apperr.New(apperr.NotFound, "no such community")
	}

	community.Lock()
	if !community.Resolve(accountID, 0).Has(permissions.ManageRoles) {
		community.Unlock()
		return apperr.New(apperr.Forbidden, "you can't manage roles here")
	}
	role, ok := community.Roles[req.RoleID]
	if !ok {
		community.Unlock()
		return apperr.New(apperr.NotFound, "no such role")
	}
	if role.Sentinel != "" {
		community.Unlock()
		return apperr.New(apperr.Invalid, "built-in roles can't be deleted")
	}
	if !community.CanActOnRole(accountID, role.Position) {
		community.Unlock()
		return apperr.New(apperr.Forbidden, "that role is at or above your own")
	}

	touched := community.RemoveRole(req.RoleID)
	snapshots := make([]models.Member, 0, len(touched))
	for _, member := range touched {
		snapshots = append(snapshots, *member)
	}
	community.Unlock()

	g.store.Async("delete role", func() error {
		if err := g.db.DeleteRole(req.RoleID); err != nil {
			return err
		}
		for i := range snapshots {
			if err := g.db.UpsertMember(&snapshots[i]); err != nil {
				return err
			}
		}
		return nil
	})
	hub.Emit(hub.RoomCommunity(req.CommunityID), "role:deleted", map[string]string{
		"communityId": idString(req.CommunityID),
		"roleId":      idString(req.RoleID),
	})
	return nil
}

type memberRoleRequest struct {
	CommunityID int64 `json:"communityId,string" validate:"required"`
	AccountID   int64 `json:"accountId,string" validate:"required"`
	RoleID      int64 `json:"roleId,string" validate:"required"`
	Grant       bool  `json:"grant"`
}

func (g *Gateway) handleMemberRole(c *hub.Client, accountID int64, data json.RawMessage) error {
	var req memberRoleRequest
	if err := g.decode(data, &req); err != nil {
		return err
	}

	community, exists := g.store.Community(req.CommunityID)
	if !exists {
		return apperr.New(apperr.NotFound, "no such community")
	}

	community.Lock()
	if !community.Resolve(accountID, 0).Has(permissions.ManageRoles) {
		community.Unlock()
		return apperr.New(apperr.Forbidden, "you can't manage roles here")
	}
	role, ok := community.Roles[req.RoleID]
	if !ok {
		community.Unlock()
		return apperr.New(apperr.NotFound, "no such role")
	}
	if role.Sentinel == models.RoleEveryone {
		community.Unlock()
		return apperr.New(apperr.Invalid, "everyone is implicit, not assignable")
	}
	if !community.CanActOnRole(accountID, role.Position) {
		community.Unlock()
		return apperr.New(apperr.Forbidden, "that role is at or above your own")
	}
	member, ok := community.Members[req.AccountID]
	if !ok {
		community.Unlock()
		return apperr.New(apperr.NotFound, "no such member")
	}

	idx := slices.Index(member.RoleIDs, req.RoleID)
	if req.Grant && idx < 0 {
		member.RoleIDs = append(member.RoleIDs, req.RoleID)
	} else if !req.Grant && idx >= 0 {
		member.RoleIDs = slices.Delete(member.RoleIDs, idx, idx+1)
	}
	snapshot := *member
	community.Unlock()

	g.store.Async("update member roles", func() error {
		return g.db.UpsertMember(&snapshot)
	})
	hub.Emit(hub.RoomCommunity(req.CommunityID), "member:updated", snapshot)
	return nil
}

type inviteCreateRequest struct {
	CommunityID    int64 `json:"communityId,string" validate:"required"`
	MaxUses        int   `json:"maxUses" validate:"min=0,max=1000"`
	ExpiresSeconds int   `json:"expiresSeconds" validate:"min=0,max=2592000"`
}

func (g *Gateway) handleInviteCreate(c *hub.Client, accountID int64, data json.RawMessage) error {
	var req inviteCreateRequest
	if err := g.decode(data, &req); err != nil {
		return err
	}

	community, exists := g.store.Community(req.CommunityID)
	if !exists {
		return apperr.New(apperr.NotFound, "no such community")
	}

	community.Lock()
	allowed := community.Resolve(accountID, 0).Has(permissions.CreateInvites)
	community.Unlock()
	if !allowed {
		return apperr.New(apperr.Forbidden, "you can't create invites here")
	}

	invite := models.Invite{
		Code:        uuid.NewString(),
		CommunityID: req.CommunityID,
		CreatorID:   accountID,
		MaxUses:     req.MaxUses,
	}
	if req.ExpiresSeconds > 0 {
		invite.ExpiresAt = time.Now().Add(time.Duration(req.ExpiresSeconds) * time.Second).UnixMilli()
	}

	if err := g.db.CreateInvite(&invite); err != nil {
		return apperr.New(apperr.Internal, "invite creation failed")
	}
	if invite.MaxUses > 0 {
		if err := keyValue.Set(inviteUsesKey(invite.Code), "0", time.Duration(req.ExpiresSeconds)*time.Second); err != nil {
			g.sugar.Errorf("Seeding use counter for invite %s failed: %v", invite.Code, err)
		}
	}

	hub.SendTo(c.SessionID, "invite:created", invite)
	return nil
}

func inviteUsesKey(code string) string {
	return "invite:uses:" + code
}

// inviteExhausted burns one use through the atomic counter, so two
// redemptions racing for the last slot can't both win it. After a
// restart the counter is reseeded from the durable count.
func inviteExhausted(invite *models.Invite) bool {
	key := inviteUsesKey(invite.Code)
	if current, err := keyValue.Get(key); err == nil && current == "" {
		if err := keyValue.Set(key, strconv.Itoa(invite.Uses), 0); err != nil {
			return invite.Uses >= invite.MaxUses
		}
	}

	count, err := keyValue.Incr(key)
	if err != nil {
		return invite.Uses >= invite.MaxUses
	}
	return count > int64(invite.MaxUses)
}

type inviteRedeemRequest struct {
	Code string `json:"code" validate:"required,uuid"`
}

// handleInviteRedeem joins the caller to the invite's community,
// enforcing expiry, use counts and bans.
func (g *Gateway) handleInviteRedeem(c *hub.Client, accountID int64, data json.RawMessage) error {
	var req inviteRedeemRequest
	if err := g.decode(data, &req); err != nil {
		return err
	}

	invite, err := g.db.GetInvite(req.Code)
	if errors.Is(err, database.ErrNotFound) {
		return apperr.New(apperr.NotFound, "no such invite")
	} else if err != nil {
		return apperr.New(apperr.Internal, "invite lookup failed")
	}
	if invite.ExpiresAt != 0 && invite.ExpiresAt <= time.Now().UnixMilli() {
		return apperr.New(apperr.NotFound, "this invite has expired")
	}

	community, exists := g.store.Community(invite.CommunityID)
	if !exists {
		return apperr.New(apperr.NotFound, "that community no longer exists")
	}

	account, err := g.db.GetAccount(accountID)
	if errors.Is(err, database.ErrNotFound) {
		return apperr.New(apperr.Unauthenticated, "no such account")
	} else if err != nil {
		return apperr.New(apperr.Internal, "account lookup failed")
	}

	community.Lock()
	if _, isMember := community.Members[accountID]; isMember {
		community.Unlock()
		return apperr.New(apperr.Conflict, "already a member")
	}
	if ban := community.ActiveBan(accountID); ban != nil {
		community.Unlock()
		return apperr.New(apperr.Forbidden, "you are banned from this community")
	}
	if invite.MaxUses > 0 && inviteExhausted(invite) {
		community.Unlock()
		return apperr.New(apperr.NotFound, "this invite has been used up")
	}
	member := models.Member{
		CommunityID: invite.CommunityID, AccountID: accountID, JoinedAt: memberJoinedAt(),
		Username: account.Username, DisplayName: account.DisplayName,
		Avatar: account.Avatar, Color: account.Color,
	}
	community.Members[accountID] = &member
	community.Unlock()

	g.store.Async("record invite use", func() error {
		if err := g.db.RecordInviteUse(req.Code); err != nil {
			return err
		}
		return g.db.UpsertMember(&member)
	})

	hub.Emit(hub.RoomCommunity(invite.CommunityID), "member:joined", member)
	hub.SendTo(c.SessionID, "invite:redeemed", map[string]string{
		"communityId": idString(invite.CommunityID),
	})
	return nil
}
