package gateway

import (
	"encoding/json"

	"nexus-backend/internal/apperr"
	"nexus-backend/internal/fanout"
	"nexus-backend/internal/hub"
)

type messageSendRequest struct {
	ChannelID   int64    `json:"channelId,string" validate:"required"`
	Content     string   `json:"content"`
	Attachments []string `json:"attachments"`
	ReplyTo     int64    `json:"replyTo,string"`
}

func (g *Gateway) handleMessageSend(c *hub.Client, accountID int64, data json.RawMessage) error {
	var req messageSendRequest
	if err := g.decode(data, &req); err != nil {
		return err
	}

	send := fanout.SendRequest{
		ChannelID:   req.ChannelID,
		Content:     req.Content,
		Attachments: req.Attachments,
		ReplyToID:   req.ReplyTo,
	}

	var err error
	if _, isDM := g.store.DM(req.ChannelID); isDM {
		_, err = g.engine.SubmitDM(accountID, req.ChannelID, send)
	} else {
		_, err = g.engine.Submit(accountID, send)
	}
	return err
}

type messageEditRequest struct {
	ChannelID int64  `json:"channelId,string" validate:"required"`
	MessageID int64  `json:"messageId,string" validate:"required"`
	Content   string `json:"content" validate:"required"`
}

func (g *Gateway) handleMessageEdit(c *hub.Client, accountID int64, data json.RawMessage) error {
	var req messageEditRequest
	if err := g.decode(data, &req); err != nil {
		return err
	}
	_, err := g.engine.Edit(accountID, req.ChannelID, req.MessageID, req.Content)
	return err
}

type messageDeleteRequest struct {
	ChannelID int64 `json:"channelId,string" validate:"required"`
	MessageID int64 `json:"messageId,string" validate:"required"`
}

func (g *Gateway) handleMessageDelete(c *hub.Client, accountID int64, data json.RawMessage) error {
	var req messageDeleteRequest
	if err := g.decode(data, &req); err != nil {
		return err
	}
	return g.engine.Delete(accountID, req.ChannelID, req.MessageID)
}

type messageReactRequest struct {
	ChannelID int64  `json:"channelId,string" validate:"required"`
	MessageID int64  `json:"messageId,string" validate:"required"`
	Emoji     string `json:"emoji" validate:"required,max=64"`
}

func (g *Gateway) handleMessageReact(c *hub.Client, accountID int64, data json.RawMessage) error {
	var req messageReactRequest
	if err := g.decode(data, &req); err != nil {
		return err
	}
	_, err := g.engine.React(accountID, req.ChannelID, req.MessageID, req.Emoji)
	return err
}

type pollVoteRequest struct {
	ChannelID int64 `json:"channelId,string" validate:"required"`
	MessageID int64 `json:"messageId,string" validate:"required"`
	Option    int   `json:"option" validate:"min=0"`
}

func (g *Gateway) handlePollVote(c *hub.Client, accountID int64, data json.RawMessage) error {
	var req pollVoteRequest
	if err := g.decode(data, &req); err != nil {
		return err
	}
	_, err := g.engine.VotePoll(accountID, req.ChannelID, req.MessageID, req.Option)
	return err
}

type typingRequest struct {
	ChannelID int64 `json:"channelId,string" validate:"required"`
}

type typingPayload struct {
	ChannelID int64 `json:"channelId,string"`
	AccountID int64 `json:"accountId,string"`
	Typing    bool  `json:"typing"`
}

// handleTyping broadcasts the transient indicator to the channel room.
// Never persisted; the session remembers the channel so a disconnect
// can clear it.
func (g *Gateway) handleTyping(c *hub.Client, accountID int64, data json.RawMessage, typing bool) error {
	var req typingRequest
	if err := g.decode(data, &req); err != nil {
		return err
	}

	if dm, isDM := g.store.DM(req.ChannelID); isDM {
		dm.Lock()
		participant := dm.HasParticipant(accountID)
		dm.Unlock()
		if !participant {
			return apperr.New(apperr.Forbidden, "not your conversation")
		}
	} else {
		community, exists := g.store.FindCommunityByChannel(req.ChannelID)
		if !exists {
			return apperr.New(apperr.NotFound, "no such channel")
		}
		community.Lock()
		_, isMember := community.Members[accountID]
		community.Unlock()
		if !isMember {
			return apperr.New(apperr.Forbidden, "you are not a member of this community")
		}
	}

	if typing {
		c.SetTypingChannelID(req.ChannelID)
	} else {
		c.SetTypingChannelID(0)
	}
	g.broadcastTyping(req.ChannelID, accountID, typing)
	return nil
}

func (g *Gateway) broadcastTyping(channelID int64, accountID int64, typing bool) {
	payload := typingPayload{ChannelID: channelID, AccountID: accountID, Typing: typing}
	if _, isDM := g.store.DM(channelID); isDM {
		hub.Emit(hub.RoomDM(channelID), "typing", payload)
		return
	}
	hub.Emit(hub.RoomChannel(channelID), "typing", payload)
}
