package gateway

import (
	"encoding/json"
	"slices"

	"nexus-backend/internal/apperr"
	"nexus-backend/internal/hub"
	"nexus-backend/internal/models"
	"nexus-backend/internal/snowflake"
	"nexus-backend/internal/state"
)

type dmCreateRequest struct {
	RecipientID int64 `json:"recipientId,string" validate:"required"`
}

// handleDMCreate opens (or reuses) the 1:1 conversation between two
// accounts. At most one pair channel ever exists per account pair.
func (g *Gateway) handleDMCreate(c *hub.Client, accountID int64, data json.RawMessage) error {
	var req dmCreateRequest
	if err := g.decode(data, &req); err != nil {
		return err
	}
	if req.RecipientID == accountID {
		return apperr.New(apperr.Invalid, "you can't message yourself")
	}

	if blocked, err := g.db.IsBlocked(accountID, req.RecipientID); err == nil && blocked {
		return apperr.New(apperr.Forbidden, "you can't message this user")
	}
	if _, err := g.db.GetAccount(req.RecipientID); err != nil {
		return apperr.New(apperr.NotFound, "no such account")
	}

	if existing, found := g.store.FindPairDM(accountID, req.RecipientID); found {
		existing.Lock()
		meta := existing.Meta
		// reopening a hidden conversation un-hides it for the caller
		view := existing.View(accountID)
		if view.Hidden {
			view.Hidden = false
			existing.Views[accountID] = view
			restored := view
			g.store.Async("unhide dm view", func() error {
				return g.db.UpsertDMView(meta.ID, accountID, restored)
			})
		}
		existing.Unlock()

		hub.Subscribe(c, hub.RoomDM(meta.ID))
		hub.SendTo(c.SessionID, "dm:created", meta)
		return nil
	}

	id, err := snowflake.Generate()
	if err != nil {
		return apperr.New(apperr.Internal, "id generation failed")
	}

	meta := models.DMChannel{
		ID:             id,
		Kind:           models.DMKindPair,
		CreatorID:      accountID,
		ParticipantIDs: []int64{accountID, req.RecipientID},
	}
	g.store.AddDM(meta, false)
	g.store.Async("create dm channel", func() error {
		return g.db.CreateDMChannel(&meta)
	})

	g.subscribeAccountSessions(accountID, hub.RoomDM(id))
	g.subscribeAccountSessions(req.RecipientID, hub.RoomDM(id))
	hub.Emit(hub.RoomAccount(req.RecipientID), "dm:created", meta)
	hub.SendTo(c.SessionID, "dm:created", meta)
	return nil
}

type groupDMCreateRequest struct {
	ParticipantIDs []int64 `json:"participantIds" validate:"required,min=2,max=50"`
}

// maxGroupDMParticipants bounds a group at the creator plus fifty
// others, matching the create-time validator.
const maxGroupDMParticipants = 51

func (g *Gateway) handleGroupDMCreate(c *hub.Client, accountID int64, data json.RawMessage) error {
	var req groupDMCreateRequest
	if err := g.decode(data, &req); err != nil {
		return err
	}

	participants := []int64{accountID}
	for _, id := range req.ParticipantIDs {
		if id == accountID || slices.Contains(participants, id) {
			continue
		}
		if _, err := g.db.GetAccount(id); err != nil {
			return apperr.New(apperr.NotFound, "no such account %d", id)
		}
		participants = append(participants, id)
	}
	if len(participants) < 3 {
		return apperr.New(apperr.Invalid, "a group needs at least two other members")
	}

	id, err := snowflake.Generate()
	if err != nil {
		return apperr.New(apperr.Internal, "id generation failed")
	}

	meta := models.DMChannel{
		ID:             id,
		Kind:           models.DMKindGroup,
		CreatorID:      accountID,
		ParticipantIDs: participants,
	}
	g.store.AddDM(meta, false)
	g.store.Async("create group dm", func() error {
		return g.db.CreateDMChannel(&meta)
	})

	for _, participantID := range participants {
		g.subscribeAccountSessions(participantID, hub.RoomDM(id))
		if participantID != accountID {
			hub.Emit(hub.RoomAccount(participantID), "dm:created", meta)
		}
	}
	hub.SendTo(c.SessionID, "dm:created", meta)
	return nil
}

type groupDMMemberRequest struct {
	DMID      int64 `json:"dmId,string" validate:"required"`
	AccountID int64 `json:"accountId,string" validate:"required"`
}

func (g *Gateway) handleGroupDMAdd(c *hub.Client, accountID int64, data json.RawMessage) error {
	var req groupDMMemberRequest
	if err := g.decode(data, &req); err != nil {
		return err
	}

	dm, _, err := g.groupDM(req.DMID, accountID)
	if err != nil {
		return err
	}

	dm.Lock()
	switch {
	case dm.HasParticipant(req.AccountID):
		dm.Unlock()
		return apperr.New(apperr.Conflict, "already in this group")
	case len(dm.Meta.ParticipantIDs) >= maxGroupDMParticipants:
		dm.Unlock()
		return apperr.New(apperr.Invalid, "this group is full")
	}
	dm.Unlock()

	if _, err := g.db.GetAccount(req.AccountID); err != nil {
		return apperr.New(apperr.NotFound, "no such account")
	}

	dm.Lock()
	if dm.HasParticipant(req.AccountID) || len(dm.Meta.ParticipantIDs) >= maxGroupDMParticipants {
		dm.Unlock()
		return apperr.New(apperr.Conflict, "already in this group")
	}
	dm.Meta.ParticipantIDs = append(dm.Meta.ParticipantIDs, req.AccountID)
	updated := dm.Meta
	dm.Unlock()

	g.store.Async("add dm participant", func() error {
		return g.db.AddDMParticipant(req.DMID, req.AccountID)
	})

	g.subscribeAccountSessions(req.AccountID, hub.RoomDM(req.DMID))
	hub.Emit(hub.RoomAccount(req.AccountID), "dm:created", updated)
	hub.Emit(hub.RoomDM(req.DMID), "dm:participants", updated)
	return nil
}

// handleGroupDMRemove covers both self-leave and the creator removing
// someone else.
func (g *Gateway) handleGroupDMRemove(c *hub.Client, accountID int64, data json.RawMessage) error {
	var req groupDMMemberRequest
	if err := g.decode(data, &req); err != nil {
		return err
	}

	dm, meta, err := g.groupDM(req.DMID, accountID)
	if err != nil {
		return err
	}
	if req.AccountID != accountID && meta.CreatorID != accountID {
		return apperr.New(apperr.Forbidden, "only the group creator can remove others")
	}

	dm.Lock()
	idx := slices.Index(dm.Meta.ParticipantIDs, req.AccountID)
	if idx < 0 {
		dm.Unlock()
		return apperr.New(apperr.NotFound, "not in this group")
	}
	dm.Meta.ParticipantIDs = slices.Delete(dm.Meta.ParticipantIDs, idx, idx+1)
	updated := dm.Meta
	dm.Unlock()

	g.store.Async("remove dm participant", func() error {
		return g.db.RemoveDMParticipant(req.DMID, req.AccountID)
	})

	for _, sessionID := range hub.SessionsForAccount(req.AccountID) {
		if client, exists := hub.GetClient(sessionID); exists {
			hub.Unsubscribe(client, hub.RoomDM(req.DMID))
		}
	}
	hub.Emit(hub.RoomDM(req.DMID), "dm:participants", updated)
	return nil
}

type dmViewRequest struct {
	DMID int64 `json:"dmId,string" validate:"required"`
}

// handleDMHide hides the conversation from the caller's list. The
// other side's view is untouched; new traffic un-hides it.
func (g *Gateway) handleDMHide(c *hub.Client, accountID int64, data json.RawMessage) error {
	var req dmViewRequest
	if err := g.decode(data, &req); err != nil {
		return err
	}

	dm, exists := g.store.DM(req.DMID)
	if !exists {
		return apperr.New(apperr.NotFound, "no such conversation")
	}

	dm.Lock()
	if !dm.HasParticipant(accountID) {
		dm.Unlock()
		return apperr.New(apperr.Forbidden, "not your conversation")
	}
	view := dm.View(accountID)
	view.Hidden = true
	dm.Views[accountID] = view
	hidden := view
	dm.Unlock()

	g.store.Async("hide dm view", func() error {
		return g.db.UpsertDMView(req.DMID, accountID, hidden)
	})

	hub.SendTo(c.SessionID, "dm:hidden", map[string]string{"dmId": idString(req.DMID)})
	return nil
}

// handleDMDelete moves the caller's deletion watermark to now. Only
// this participant's history view changes; messages at or after the
// watermark stay visible and the other side sees everything.
func (g *Gateway) handleDMDelete(c *hub.Client, accountID int64, data json.RawMessage) error {
	var req dmViewRequest
	if err := g.decode(data, &req); err != nil {
		return err
	}

	dm, exists := g.store.DM(req.DMID)
	if !exists {
		return apperr.New(apperr.NotFound, "no such conversation")
	}

	watermark, err := snowflake.Generate()
	if err != nil {
		return apperr.New(apperr.Internal, "id generation failed")
	}

	dm.Lock()
	if !dm.HasParticipant(accountID) {
		dm.Unlock()
		return apperr.New(apperr.Forbidden, "not your conversation")
	}
	view := dm.View(accountID)
	view.DeletedBefore = watermark
	dm.Views[accountID] = view
	updated := view
	dm.Unlock()

	g.store.Async("set dm watermark", func() error {
		return g.db.UpsertDMView(req.DMID, accountID, updated)
	})

	hub.SendTo(c.SessionID, "dm:deleted", map[string]string{"dmId": idString(req.DMID)})
	return nil
}

// groupDM loads a group conversation the caller participates in.
func (g *Gateway) groupDM(dmID int64, accountID int64) (*state.DMChannel, models.DMChannel, error) {
	dm, exists := g.store.DM(dmID)
	if !exists {
		return nil, models.DMChannel{}, apperr.New(apperr.NotFound, "no such conversation")
	}

	dm.Lock()
	defer dm.Unlock()

	if dm.Meta.Kind != models.DMKindGroup {
		return nil, models.DMChannel{}, apperr.New(apperr.Invalid, "not a group conversation")
	}
	if !dm.HasParticipant(accountID) {
		return nil, models.DMChannel{}, apperr.New(apperr.Forbidden, "not your conversation")
	}
	return dm, dm.Meta, nil
}

func (g *Gateway) subscribeAccountSessions(accountID int64, room string) {
	for _, sessionID := range hub.SessionsForAccount(accountID) {
		if client, exists := hub.GetClient(sessionID); exists {
			hub.Subscribe(client, room)
		}
	}
}
