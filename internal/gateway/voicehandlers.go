package gateway

import (
	"encoding/json"
	"time"

	"nexus-backend/internal/apperr"
	"nexus-backend/internal/hub"
	"nexus-backend/internal/models"
	"nexus-backend/internal/permissions"
	"nexus-backend/internal/voice"

	"github.com/pion/webrtc/v4"
)

type voiceJoinRequest struct {
	ChannelID int64 `json:"channelId,string" validate:"required"`
}

type voiceJoinedPayload struct {
	ChannelID  int64              `json:"channelId,string"`
	Peers      []voice.Occupant   `json:"peers"`
	IceServers []webrtc.ICEServer `json:"iceServers"`
}

// handleVoiceJoin gates and joins a voice channel. DM channels double
// as ephemeral call channels; community channels need the Connect
// capability.
func (g *Gateway) handleVoiceJoin(c *hub.Client, accountID int64, data json.RawMessage) error {
	var req voiceJoinRequest
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

		peers := g.voice.Join(c.SessionID, accountID, req.ChannelID, 0, true)
		hub.Subscribe(c, hub.RoomDM(req.ChannelID))
		hub.SendTo(c.SessionID, "voice:joined", voiceJoinedPayload{
			ChannelID:  req.ChannelID,
			Peers:      peers,
			IceServers: voice.ICEServers(g.cfg, accountID, time.Now()),
		})
		return nil
	}

	community, exists := g.store.FindCommunityByChannel(req.ChannelID)
	if !exists {
		return apperr.New(apperr.NotFound, "no such channel")
	}

	community.Lock()
	channel, ok := community.Channels[req.ChannelID]
	if !ok || channel.Meta.Type != models.ChannelTypeVoice {
		community.Unlock()
		return apperr.New(apperr.NotFound, "no such voice channel")
	}
	if community.ActiveBan(accountID) != nil {
		community.Unlock()
		return apperr.New(apperr.Forbidden, "you are banned from this community")
	}
	caps := community.Resolve(accountID, req.ChannelID)
	communityID := community.Meta.ID
	iceOverride := community.Meta.IceOverride
	community.Unlock()

	if !caps.Has(permissions.Connect) {
		return apperr.New(apperr.Forbidden, "you can't connect to this channel")
	}

	peers := g.voice.Join(c.SessionID, accountID, req.ChannelID, communityID, false)
	hub.Subscribe(c, hub.RoomChannel(req.ChannelID))
	hub.SendTo(c.SessionID, "voice:joined", voiceJoinedPayload{
		ChannelID:  req.ChannelID,
		Peers:      peers,
		IceServers: voice.CommunityICEServers(g.cfg, iceOverride, accountID, time.Now()),
	})
	return nil
}

type voiceFlagsRequest struct {
	Muted    *bool `json:"muted"`
	Deafened *bool `json:"deafened"`
}

func (g *Gateway) handleVoiceFlags(c *hub.Client, data json.RawMessage) error {
	var req voiceFlagsRequest
	if err := g.decode(data, &req); err != nil {
		return err
	}

	if req.Muted != nil {
		c.Muted = *req.Muted
	}
	if req.Deafened != nil {
		c.Deafened = *req.Deafened
	}
	g.voice.SetFlags(c.SessionID, c.Muted, c.Deafened)
	return nil
}

// handleScreenStart needs the ScreenShare capability when the session
// sits in a community voice channel; DM calls are ungated.
func (g *Gateway) handleScreenStart(c *hub.Client, accountID int64) error {
	channelID := g.voice.ChannelOf(c.SessionID)
	if channelID == 0 {
		return apperr.New(apperr.Invalid, "join a voice channel first")
	}

	if community, exists := g.store.FindCommunityByChannel(channelID); exists {
		community.Lock()
		caps := community.Resolve(accountID, channelID)
		community.Unlock()
		if !caps.Has(permissions.ScreenShare) {
			return apperr.New(apperr.Forbidden, "you can't share your screen here")
		}
	}

	if !g.voice.ScreenStart(c.SessionID) {
		return apperr.New(apperr.Invalid, "join a voice channel first")
	}
	return nil
}

type screenWatchRequest struct {
	SharerID int64 `json:"sharerId,string" validate:"required"`
}

func (g *Gateway) handleScreenWatch(c *hub.Client, data json.RawMessage) error {
	var req screenWatchRequest
	if err := g.decode(data, &req); err != nil {
		return err
	}
	if !g.voice.ScreenWatch(c.SessionID, req.SharerID) {
		return apperr.New(apperr.NotFound, "no active share from that session")
	}
	return nil
}

type relayRequest struct {
	TargetID int64           `json:"targetId,string" validate:"required"`
	Payload  json.RawMessage `json:"payload" validate:"required"`
}

// handleRelay forwards signaling payloads 1:1 and verbatim. A missing
// target is a silent no-op, not an error.
func (g *Gateway) handleRelay(c *hub.Client, event string, data json.RawMessage) error {
	var req relayRequest
	if err := g.decode(data, &req); err != nil {
		return err
	}
	g.voice.Relay(c.SessionID, req.TargetID, event, req.Payload)
	return nil
}
