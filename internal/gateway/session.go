package gateway

import (
	"encoding/json"
	"time"

	"nexus-backend/internal/apperr"
	"nexus-backend/internal/hub"
	"nexus-backend/internal/jwt"
	"nexus-backend/internal/models"
	"nexus-backend/internal/permissions"
	"nexus-backend/internal/state"
	"nexus-backend/internal/voice"
)

type joinRequest struct {
	Token       string `json:"token" validate:"required"`
	CommunityID int64  `json:"communityId,string"`
}

type communityPayload struct {
	Meta        models.Community           `json:"meta"`
	Categories  []models.Category          `json:"categories"`
	Channels    []models.Channel           `json:"channels"`
	Roles       []models.Role              `json:"roles"`
	Members     []models.Member            `json:"members"`
	OnlineUsers []int64                    `json:"onlineUsers"`
	VoiceState  map[int64][]voice.Occupant `json:"voiceState"`
}

type initPayload struct {
	Identity       models.Account     `json:"identity"`
	Community      *communityPayload  `json:"community,omitempty"`
	AllCommunities []models.Community `json:"allCommunities"`
	DMs            []models.DMChannel `json:"dms"`
	OnlineUsers    []int64            `json:"onlineUsers"`
}

// handleJoin authenticates the session and answers with the full init
// snapshot. Re-joining with a different communityId switches the
// session's community subscription.
func (g *Gateway) handleJoin(c *hub.Client, data json.RawMessage) error {
	var req joinRequest
	if err := g.decode(data, &req); err != nil {
		return err
	}

	accountID, err := jwt.ValidateSessionToken(req.Token)
	if err != nil {
		return apperr.New(apperr.Unauthenticated, "invalid session token")
	}

	account, err := g.db.GetAccount(accountID)
	if err != nil {
		return apperr.New(apperr.Unauthenticated, "no such account")
	}

	firstAuth := c.AccountID() == 0
	if firstAuth {
		hub.Authenticate(c, accountID)
		hub.Subscribe(c, hub.RoomAccount(accountID))
		hub.Subscribe(c, hub.RoomCommunityList)

		if len(hub.SessionsForAccount(accountID)) == 1 {
			for _, communityID := range g.store.CommunitiesForAccount(accountID) {
				hub.Emit(hub.RoomCommunity(communityID), "presence", presencePayload{
					AccountID: accountID,
					Online:    true,
				})
			}
		}
	}

	if prev := c.CurrentCommunityID(); prev != 0 && prev != req.CommunityID {
		g.unsubscribeCommunity(c, prev)
	}

	identity := *account
	identity.Password = nil

	payload := initPayload{
		Identity:    identity,
		OnlineUsers: hub.OnlineAccounts(),
	}

	for _, communityID := range g.store.CommunitiesForAccount(accountID) {
		if community, exists := g.store.Community(communityID); exists {
			community.Lock()
			payload.AllCommunities = append(payload.AllCommunities, community.Meta)
			community.Unlock()
		}
	}

	payload.DMs = g.store.DMsForAccount(accountID)
	for _, dm := range payload.DMs {
		hub.Subscribe(c, hub.RoomDM(dm.ID))
	}

	if req.CommunityID != 0 {
		detail, err := g.enterCommunity(c, accountID, req.CommunityID)
		if err != nil {
			return err
		}
		payload.Community = detail
	}

	hub.SendTo(c.SessionID, "init", payload)
	return nil
}

// enterCommunity subscribes the session to a community's rooms and
// snapshots it for the init payload.
func (g *Gateway) enterCommunity(c *hub.Client, accountID int64, communityID int64) (*communityPayload, error) {
	community, exists := g.store.Community(communityID)
	if !exists {
		return nil, apperr.New(apperr.NotFound, "no such community")
	}

	community.Lock()
	defer community.Unlock()

	if _, isMember := community.Members[accountID]; !isMember {
		return nil, apperr.New(apperr.Forbidden, "you are not a member of this community")
	}
	if ban := community.ActiveBan(accountID); ban != nil && ban.ExpiresAt == 0 {
		return nil, apperr.New(apperr.Forbidden, "you are banned from this community")
	}

	detail := &communityPayload{
		Meta:       community.Meta,
		Roles:      community.SortedRoles(),
		VoiceState: g.voice.CommunitySnapshot(communityID),
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

	hub.Subscribe(c, hub.RoomCommunity(communityID))
	for _, channel := range community.Channels {
		if !channelVisible(community, accountID, &channel.Meta) {
			continue
		}
		detail.Channels = append(detail.Channels, channel.Meta)
		hub.Subscribe(c, hub.RoomChannel(channel.Meta.ID))
	}

	c.SetCurrentCommunityID(communityID)
	return detail, nil
}

func (g *Gateway) unsubscribeCommunity(c *hub.Client, communityID int64) {
	hub.Unsubscribe(c, hub.RoomCommunity(communityID))

	community, exists := g.store.Community(communityID)
	if !exists {
		return
	}
	community.Lock()
	defer community.Unlock()
	for channelID := range community.Channels {
		hub.Unsubscribe(c, hub.RoomChannel(channelID))
	}
	c.SetCurrentCommunityID(0)
}

// channelVisible gates private channels: visible only to members whose
// resolved capability set grants them something in that channel.
func channelVisible(community *state.Community, accountID int64, channel *models.Channel) bool {
	if !channel.Private {
		return true
	}
	caps := community.Resolve(accountID, channel.ID)
	return caps.Has(permissions.SendMessages) || caps.Has(permissions.Connect)
}

type channelJoinRequest struct {
	ChannelID int64 `json:"channelId,string" validate:"required"`
}

type channelMessagesPayload struct {
	ChannelID int64            `json:"channelId,string"`
	Messages  []models.Message `json:"messages"`
}

// handleChannelJoin subscribes the session and replies with the recent
// history. DM views apply the per-user deletion watermark.
func (g *Gateway) handleChannelJoin(c *hub.Client, accountID int64, data json.RawMessage) error {
	var req channelJoinRequest
	if err := g.decode(data, &req); err != nil {
		return err
	}

	if dm, exists := g.store.DM(req.ChannelID); exists {
		dm.Lock()
		defer dm.Unlock()

		if !dm.HasParticipant(accountID) {
			return apperr.New(apperr.Forbidden, "not your conversation")
		}

		hub.Subscribe(c, hub.RoomDM(req.ChannelID))
		hub.SendTo(c.SessionID, "channel:messages", channelMessagesPayload{
			ChannelID: req.ChannelID,
			Messages:  dm.Recent.Snapshot(dm.View(accountID).DeletedBefore),
		})
		return nil
	}

	community, exists := g.store.FindCommunityByChannel(req.ChannelID)
	if !exists {
		return apperr.New(apperr.NotFound, "no such channel")
	}

	community.Lock()
	defer community.Unlock()

	if _, isMember := community.Members[accountID]; !isMember {
		return apperr.New(apperr.Forbidden, "you are not a member of this community")
	}
	channel, ok := community.Channels[req.ChannelID]
	if !ok || !channelVisible(community, accountID, &channel.Meta) {
		return apperr.New(apperr.NotFound, "no such channel")
	}

	hub.Subscribe(c, hub.RoomChannel(req.ChannelID))

	var messages []models.Message
	if channel.Recent != nil {
		messages = channel.Recent.Snapshot(0)
	}
	hub.SendTo(c.SessionID, "channel:messages", channelMessagesPayload{
		ChannelID: req.ChannelID,
		Messages:  messages,
	})
	return nil
}

type userUpdateRequest struct {
	DisplayName string `json:"displayName" validate:"omitempty,max=32"`
	Avatar      string `json:"avatar" validate:"omitempty,max=256"`
	Color       string `json:"color" validate:"omitempty,max=16"`
	Bio         string `json:"bio" validate:"omitempty,max=512"`
	Status      string `json:"status" validate:"omitempty,max=128"`
}

// handleUserUpdate commits profile changes and sweeps the denormalized
// member snapshots across every community the account belongs to.
func (g *Gateway) handleUserUpdate(c *hub.Client, accountID int64, data json.RawMessage) error {
	var req userUpdateRequest
	if err := g.decode(data, &req); err != nil {
		return err
	}

	account, err := g.db.GetAccount(accountID)
	if err != nil {
		return apperr.New(apperr.Internal, "account lookup failed")
	}

	if req.DisplayName != "" {
		account.DisplayName = req.DisplayName
	}
	if req.Avatar != "" {
		account.Avatar = req.Avatar
	}
	if req.Color != "" {
		account.Color = req.Color
	}
	if req.Bio != "" {
		account.Bio = req.Bio
	}
	if req.Status != "" {
		account.Status = req.Status
	}

	if err := g.db.UpdateAccount(account); err != nil {
		return apperr.New(apperr.Internal, "profile update failed")
	}

	for _, communityID := range g.store.UpdateProfileSweep(account) {
		community, exists := g.store.Community(communityID)
		if !exists {
			continue
		}
		community.Lock()
		member, isMember := community.Members[accountID]
		if isMember {
			snapshot := *member
			g.store.Async("upsert member snapshot", func() error {
				return g.db.UpsertMember(&snapshot)
			})
			hub.Emit(hub.RoomCommunity(communityID), "member:updated", snapshot)
		}
		community.Unlock()
	}

	identity := *account
	identity.Password = nil
	hub.Emit(hub.RoomAccount(accountID), "user:updated", identity)
	return nil
}

// handleUserDelete removes the account everywhere: deferred command
// jobs, community memberships with ownership transfer, the durable
// record, then every live session.
func (g *Gateway) handleUserDelete(c *hub.Client, accountID int64) error {
	g.commands.CancelJobsFor(accountID)

	for _, action := range g.store.DeleteAccountSweep(accountID) {
		communityID := action.CommunityID
		g.store.Async("remove member", func() error {
			return g.db.RemoveMember(communityID, accountID)
		})

		switch {
		case action.CommunityDeleted:
			g.store.Async("delete community", func() error {
				return g.db.DeleteCommunity(communityID)
			})
			hub.Emit(hub.RoomCommunity(communityID), "server:deleted", map[string]string{
				"communityId": idString(communityID),
			})
		case action.NewOwnerID != 0:
			community, exists := g.store.Community(communityID)
			if exists {
				community.Lock()
				meta := community.Meta
				community.Unlock()
				g.store.Async("transfer ownership", func() error {
					return g.db.UpsertCommunity(&meta)
				})
				hub.Emit(hub.RoomCommunity(communityID), "server:updated", meta)
			}
			fallthrough
		default:
			hub.Emit(hub.RoomCommunity(communityID), "member:left", map[string]string{
				"communityId": idString(communityID),
				"accountId":   idString(accountID),
			})
		}
	}

	if err := g.db.DeleteAccount(accountID); err != nil {
		g.sugar.Errorf("Account %d row deletion failed: %v", accountID, err)
	}

	for _, sessionID := range hub.SessionsForAccount(accountID) {
		if client, exists := hub.GetClient(sessionID); exists {
			client.Close()
		}
	}
	return nil
}

type blockRequest struct {
	AccountID int64 `json:"accountId,string" validate:"required"`
}

func (g *Gateway) handleBlock(c *hub.Client, accountID int64, data json.RawMessage, block bool) error {
	var req blockRequest
	if err := g.decode(data, &req); err != nil {
		return err
	}
	if req.AccountID == accountID {
		return apperr.New(apperr.Invalid, "you can't block yourself")
	}

	var err error
	if block {
		err = g.db.BlockAccount(accountID, req.AccountID)
	} else {
		err = g.db.UnblockAccount(accountID, req.AccountID)
	}
	if err != nil {
		return apperr.New(apperr.Internal, "block update failed")
	}

	hub.SendTo(c.SessionID, "user:blocked", map[string]any{
		"accountId": idString(req.AccountID),
		"blocked":   block,
	})
	return nil
}

// memberJoinedAt timestamps membership records.
func memberJoinedAt() int64 {
	return time.Now().UnixMilli()
}
