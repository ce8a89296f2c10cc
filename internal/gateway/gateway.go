package gateway

import (
	"encoding/json"
	"strconv"

	"nexus-backend/internal/apperr"
	"nexus-backend/internal/commands"
	"nexus-backend/internal/database"
	"nexus-backend/internal/fanout"
	"nexus-backend/internal/hub"
	"nexus-backend/internal/models"
	"nexus-backend/internal/ratelimit"
	"nexus-backend/internal/state"
	"nexus-backend/internal/voice"

	pv "github.com/go-playground/validator/v10"
	"go.uber.org/zap"
)

// Gateway is the typed socket event dispatcher: every inbound frame
// lands in HandleEvent, gets decoded against its request schema, runs
// the gates, mutates state and fans out. One entry point, exhaustive
// event switch.
type Gateway struct {
	sugar    *zap.SugaredLogger
	cfg      *models.ConfigFile
	store    *state.Store
	db       *database.DB
	engine   *fanout.Engine
	voice    *voice.Coordinator
	limiter  *ratelimit.Limiter
	commands *commands.Dispatcher
	validate *pv.Validate
}

func New(sugar *zap.SugaredLogger, cfg *models.ConfigFile, store *state.Store, db *database.DB,
	engine *fanout.Engine, coordinator *voice.Coordinator, limiter *ratelimit.Limiter, dispatcher *commands.Dispatcher) *Gateway {
	return &Gateway{
		sugar:    sugar,
		cfg:      cfg,
		store:    store,
		db:       db,
		engine:   engine,
		voice:    coordinator,
		limiter:  limiter,
		commands: dispatcher,
		validate: pv.New(pv.WithRequiredStructEnabled()),
	}
}

// Register plugs the gateway into the hub's connection loop.
func (g *Gateway) Register() {
	hub.SetHandlers(g.HandleEvent, g.HandleDisconnect)
}

// Caster adapts the hub's package-level emit functions onto the
// Broadcaster interfaces the fan-out engine and voice coordinator
// expect.
type Caster struct{}

var (
	_ fanout.Broadcaster = Caster{}
	_ voice.Broadcaster  = Caster{}
)

func (Caster) EmitChannel(channelID int64, event string, payload any) {
	hub.Emit(hub.RoomChannel(channelID), event, payload)
}

func (Caster) EmitCommunity(communityID int64, event string, payload any) {
	hub.Emit(hub.RoomCommunity(communityID), event, payload)
}

func (Caster) EmitDM(dmID int64, event string, payload any) {
	hub.Emit(hub.RoomDM(dmID), event, payload)
}

func (Caster) SendTo(sessionID int64, event string, payload any) {
	hub.SendTo(sessionID, event, payload)
}

// HandleEvent is the single dispatch point for inbound frames. Events
// from sessions that never authenticated are dropped without a reply;
// everything after `join` answers rejections with a structured error
// on this connection only.
func (g *Gateway) HandleEvent(c *hub.Client, event string, data json.RawMessage) {
	if event == "join" {
		if err := g.handleJoin(c, data); err != nil {
			g.sendError(c, event, err)
		}
		return
	}

	accountID := c.AccountID()
	if accountID == 0 {
		g.sugar.Debugf("Dropping [%s] from unauthenticated session %d", event, c.SessionID)
		return
	}

	var err error
	switch event {
	case "message:send":
		err = g.handleMessageSend(c, accountID, data)
	case "message:edit":
		err = g.handleMessageEdit(c, accountID, data)
	case "message:delete":
		err = g.handleMessageDelete(c, accountID, data)
	case "message:react":
		err = g.handleMessageReact(c, accountID, data)
	case "poll:vote":
		err = g.handlePollVote(c, accountID, data)
	case "typing:start":
		err = g.handleTyping(c, accountID, data, true)
	case "typing:stop":
		err = g.handleTyping(c, accountID, data, false)
	case "channel:join":
		err = g.handleChannelJoin(c, accountID, data)

	case "voice:join":
		err = g.handleVoiceJoin(c, accountID, data)
	case "voice:leave":
		g.voice.Leave(c.SessionID)
	case "voice:mute", "voice:deafen":
		err = g.handleVoiceFlags(c, data)
	case "screen:start":
		err = g.handleScreenStart(c, accountID)
	case "screen:stop":
		g.voice.ScreenStop(c.SessionID)
	case "screen:watch":
		err = g.handleScreenWatch(c, data)
	case "webrtc:offer", "webrtc:answer", "webrtc:ice":
		err = g.handleRelay(c, event, data)

	case "dm:create":
		err = g.handleDMCreate(c, accountID, data)
	case "group-dm:create":
		err = g.handleGroupDMCreate(c, accountID, data)
	case "group-dm:add-participant":
		err = g.handleGroupDMAdd(c, accountID, data)
	case "group-dm:remove-participant":
		err = g.handleGroupDMRemove(c, accountID, data)
	case "dm:hide":
		err = g.handleDMHide(c, accountID, data)
	case "dm:delete":
		err = g.handleDMDelete(c, accountID, data)

	case "server:create":
		err = g.handleServerCreate(c, accountID, data)
	case "server:update":
		err = g.handleServerUpdate(c, accountID, data)
	case "server:delete":
		err = g.handleServerDelete(c, accountID, data)
	case "server:leave":
		err = g.handleServerLeave(c, accountID, data)
	case "server:kick-user":
		err = g.handleKick(c, accountID, data)
	case "server:ban-user":
		err = g.handleBan(c, accountID, data)
	case "server:timeout-user":
		err = g.handleTimeout(c, accountID, data)
	case "server:unban-user":
		err = g.handleUnban(c, accountID, data)

	case "channel:create":
		err = g.handleChannelCreate(c, accountID, data)
	case "channel:update":
		err = g.handleChannelUpdate(c, accountID, data)
	case "channel:delete":
		err = g.handleChannelDelete(c, accountID, data)
	case "category:create":
		err = g.handleCategoryCreate(c, accountID, data)

	case "role:create":
		err = g.handleRoleCreate(c, accountID, data)
	case "role:update":
		err = g.handleRoleUpdate(c, accountID, data)
	case "role:delete":
		err = g.handleRoleDelete(c, accountID, data)
	case "member:role":
		err = g.handleMemberRole(c, accountID, data)

	case "invite:create":
		err = g.handleInviteCreate(c, accountID, data)
	case "invite:redeem":
		err = g.handleInviteRedeem(c, accountID, data)

	case "user:update":
		err = g.handleUserUpdate(c, accountID, data)
	case "user:delete":
		err = g.handleUserDelete(c, accountID)
	case "user:block":
		err = g.handleBlock(c, accountID, data, true)
	case "user:unblock":
		err = g.handleBlock(c, accountID, data, false)

	default:
		err = apperr.New(apperr.NotFound, "unknown event %q", event)
	}

	if err != nil {
		g.sendError(c, event, err)
	}
}

// HandleDisconnect runs while the client is still registered: voice
// teardown, typing clear, then presence if this was the last session.
func (g *Gateway) HandleDisconnect(c *hub.Client) {
	g.voice.Leave(c.SessionID)

	if channelID := c.TypingChannelID(); channelID != 0 {
		g.broadcastTyping(channelID, c.AccountID(), false)
	}

	accountID := c.AccountID()
	if accountID == 0 {
		return
	}

	if len(hub.SessionsForAccount(accountID)) <= 1 {
		for _, communityID := range g.store.CommunitiesForAccount(accountID) {
			hub.Emit(hub.RoomCommunity(communityID), "presence", presencePayload{
				AccountID: accountID,
				Online:    false,
			})
		}
	}
}

type errorPayload struct {
	Event   string `json:"event,omitempty"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (g *Gateway) sendError(c *hub.Client, event string, err error) {
	payload := errorPayload{Event: event, Code: string(apperr.CodeOf(err))}
	if appErr, ok := err.(*apperr.Error); ok {
		payload.Message = appErr.Message
	} else {
		g.sugar.Errorf("Internal failure handling [%s]: %v", event, err)
		payload.Message = "something went wrong"
	}
	hub.SendTo(c.SessionID, "error", payload)
}

// decode unmarshals and schema-validates one request payload.
func (g *Gateway) decode(data json.RawMessage, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return apperr.New(apperr.Invalid, "malformed payload")
	}
	if err := g.validate.Struct(v); err != nil {
		return apperr.New(apperr.Invalid, "invalid payload: %v", err)
	}
	return nil
}

type presencePayload struct {
	AccountID int64 `json:"accountId,string"`
	Online    bool  `json:"online"`
}

func idString(id int64) string {
	return strconv.FormatInt(id, 10)
}
