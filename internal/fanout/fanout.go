package fanout

import (
	"fmt"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"nexus-backend/internal/apperr"
	"nexus-backend/internal/commands"
	"nexus-backend/internal/models"
	"nexus-backend/internal/permissions"
	"nexus-backend/internal/ratelimit"
	"nexus-backend/internal/snowflake"
	"nexus-backend/internal/state"

	"go.uber.org/zap"
)

const (
	maxContentLength = 2000
	maxAttachments   = 4

	EventMessageNew    = "message:new"
	EventMessageEdit   = "message:edited"
	EventMessageDelete = "message:deleted"
	EventMessageReact  = "message:reaction"
)

// Broadcaster delivers an event to every connection subscribed to a
// channel or DM room.
type Broadcaster interface {
	EmitChannel(channelID int64, event string, payload any)
	EmitDM(dmID int64, event string, payload any)
}

// Persister is the slice of the gateway the engine writes through to.
type Persister interface {
	AppendMessage(msg *models.Message) error
	UpdateMessage(msg *models.Message) error
	DeleteMessage(messageID int64) error
	IsBlocked(accountID int64, otherID int64) (bool, error)
	GetAccount(accountID int64) (*models.Account, error)
	UpsertDMView(dmID int64, accountID int64, view models.DMView) error
}

// Engine runs the message pipeline: gate, trim, route commands, parse
// mentions, commit to the ring, queue the write-through, broadcast.
type Engine struct {
	sugar    *zap.SugaredLogger
	store    *state.Store
	limiter  *ratelimit.Limiter
	commands *commands.Dispatcher
	db       Persister
	cast     Broadcaster

	slowMu   sync.Mutex
	lastSend map[string]time.Time
}

func New(sugar *zap.SugaredLogger, store *state.Store, limiter *ratelimit.Limiter, dispatcher *commands.Dispatcher, db Persister, cast Broadcaster) *Engine {
	e := &Engine{
		sugar:    sugar,
		store:    store,
		limiter:  limiter,
		commands: dispatcher,
		db:       db,
		cast:     cast,
		lastSend: map[string]time.Time{},
	}
	dispatcher.SetEmitter(e.EmitDeferred)
	go e.runSlowModeSweeper()
	return e
}

type SendRequest struct {
	ChannelID   int64    `json:"channelID,string"`
	Content     string   `json:"content"`
	Attachments []string `json:"attachments"`
	ReplyToID   int64    `json:"replyToID,string"`
}

// Submit runs one inbound channel message through the pipeline and
// returns the committed message.
func (e *Engine) Submit(actorID int64, req SendRequest) (*models.Message, error) {
	if !e.limiter.Allow(actorID, ratelimit.ActionSend) {
		return nil, apperr.New(apperr.RateLimited, "sending too fast, slow down")
	}

	community, exists := e.store.FindCommunityByChannel(req.ChannelID)
	if !exists {
		return nil, apperr.New(apperr.NotFound, "no such channel")
	}

	community.Lock()
	defer community.Unlock()

	channel, exists := community.Channels[req.ChannelID]
	if !exists || channel.Meta.Type != models.ChannelTypeText {
		return nil, apperr.New(apperr.NotFound, "no such text channel")
	}
	if community.ActiveBan(actorID) != nil {
		return nil, apperr.New(apperr.Forbidden, "you are banned from this community")
	}

	caps := community.Resolve(actorID, req.ChannelID)
	if !caps.Has(permissions.SendMessages) {
		return nil, apperr.New(apperr.Forbidden, "you can't send messages here")
	}

	if err := e.checkSlowMode(channel, actorID, caps); err != nil {
		return nil, err
	}

	content, attachments := trim(req.Content, req.Attachments)
	if content == "" && len(attachments) == 0 {
		return nil, apperr.New(apperr.Invalid, "empty message")
	}

	msg := models.Message{
		ChannelID:   req.ChannelID,
		AuthorID:    actorID,
		Content:     content,
		Attachments: attachments,
		ReplyToID:   req.ReplyToID,
	}

	if name, args, isCommand := commands.Parse(content); isCommand {
		if !e.limiter.Allow(actorID, ratelimit.ActionCommand) {
			return nil, apperr.New(apperr.RateLimited, "too many commands, slow down")
		}
		result, err := e.commands.Dispatch(name, args, actorID, req.ChannelID)
		if err != nil {
			return nil, err
		}
		if result != nil {
			msg.Content = result.DisplayContent
			msg.Command = result.Payload
		}
		// unrecognized commands fall through as a literal message
	}

	if msg.Command == nil {
		msg.Mentions, msg.ChannelRefs = parseMentions(msg.Content, community, caps.Has(permissions.MentionEveryone))
	}

	id, err := snowflake.Generate()
	if err != nil {
		return nil, apperr.New(apperr.Internal, "id generation failed")
	}
	msg.ID = id
	msg.Author = e.authorSnapshot(community, actorID)

	channel.Recent.Append(msg)
	e.recordSend(req.ChannelID, actorID)

	committed := msg
	e.store.Async("append message", func() error {
		return e.db.AppendMessage(&committed)
	})

	e.cast.EmitChannel(req.ChannelID, EventMessageNew, msg)
	return &msg, nil
}

// SubmitDM is the DM variant: participant and block gates instead of
// permission resolution, and hidden views un-hide on traffic.
func (e *Engine) SubmitDM(actorID int64, dmID int64, req SendRequest) (*models.Message, error) {
	if !e.limiter.Allow(actorID, ratelimit.ActionSend) {
		return nil, apperr.New(apperr.RateLimited, "sending too fast, slow down")
	}

	dm, exists := e.store.DM(dmID)
	if !exists {
		return nil, apperr.New(apperr.NotFound, "no such conversation")
	}

	dm.Lock()
	defer dm.Unlock()

	if !dm.HasParticipant(actorID) {
		return nil, apperr.New(apperr.Forbidden, "not your conversation")
	}
	if dm.Meta.Kind == models.DMKindPair {
		for _, participantID := range dm.Meta.ParticipantIDs {
			if participantID == actorID {
				continue
			}
			blocked, err := e.db.IsBlocked(actorID, participantID)
			if err != nil {
				e.sugar.Errorf("Block lookup failed for %d/%d: %v", actorID, participantID, err)
			}
			if blocked {
				return nil, apperr.New(apperr.Forbidden, "you can't message this user")
			}
		}
	}

	content, attachments := trim(req.Content, req.Attachments)
	if content == "" && len(attachments) == 0 {
		return nil, apperr.New(apperr.Invalid, "empty message")
	}

	msg := models.Message{
		ChannelID:   dmID,
		AuthorID:    actorID,
		Content:     content,
		Attachments: attachments,
		ReplyToID:   req.ReplyToID,
	}

	if name, args, isCommand := commands.Parse(content); isCommand {
		if !e.limiter.Allow(actorID, ratelimit.ActionCommand) {
			return nil, apperr.New(apperr.RateLimited, "too many commands, slow down")
		}
		result, err := e.commands.Dispatch(name, args, actorID, dmID)
		if err != nil {
			return nil, err
		}
		if result != nil {
			msg.Content = result.DisplayContent
			msg.Command = result.Payload
		}
	}

	id, err := snowflake.Generate()
	if err != nil {
		return nil, apperr.New(apperr.Internal, "id generation failed")
	}
	msg.ID = id
	if account, err := e.db.GetAccount(actorID); err == nil {
		msg.Author = models.Account{
			ID:          account.ID,
			DisplayName: account.DisplayName,
			Avatar:      account.Avatar,
			Color:       account.Color,
		}
	} else {
		msg.Author = models.Account{ID: actorID}
	}

	dm.Recent.Append(msg)

	// new traffic un-hides the conversation for everyone who hid it
	for accountID, view := range dm.Views {
		if view.Hidden {
			view.Hidden = false
			dm.Views[accountID] = view
			unhidden := view
			hiddenFor := accountID
			e.store.Async("unhide dm view", func() error {
				return e.db.UpsertDMView(dmID, hiddenFor, unhidden)
			})
		}
	}

	committed := msg
	e.store.Async("append dm message", func() error {
		return e.db.AppendMessage(&committed)
	})

	e.cast.EmitDM(dmID, EventMessageNew, msg)
	return &msg, nil
}

// Edit rewrites a message's content. Authors edit their own; in
// community channels ManageMessages holders may edit anyone's, the
// same gate Delete applies.
func (e *Engine) Edit(actorID int64, channelID int64, messageID int64, content string) (*models.Message, error) {
	if !e.limiter.Allow(actorID, ratelimit.ActionEdit) {
		return nil, apperr.New(apperr.RateLimited, "editing too fast, slow down")
	}

	return e.withMessage(actorID, channelID, messageID, func(msg *models.Message, caps permissions.Capabilities, community *state.Community) (string, error) {
		if msg.AuthorID != actorID && (community == nil || !caps.Has(permissions.ManageMessages)) {
			return "", apperr.New(apperr.Forbidden, "you can't edit that message")
		}
		if msg.Command != nil {
			return "", apperr.New(apperr.Invalid, "command results can't be edited")
		}

		trimmed, _ := trim(content, nil)
		if trimmed == "" {
			return "", apperr.New(apperr.Invalid, "empty message")
		}

		msg.Content = trimmed
		msg.Edited = true
		msg.EditedAt = time.Now().UnixMilli()
		if community != nil {
			msg.Mentions, msg.ChannelRefs = parseMentions(trimmed, community, caps.Has(permissions.MentionEveryone))
		}
		return EventMessageEdit, nil
	})
}

// Delete removes a message. Authors always may; others need
// ManageMessages in the channel's scope.
func (e *Engine) Delete(actorID int64, channelID int64, messageID int64) error {
	if community, exists := e.store.FindCommunityByChannel(channelID); exists {
		community.Lock()
		defer community.Unlock()

		channel, ok := community.Channels[channelID]
		if !ok || channel.Recent == nil {
			return apperr.New(apperr.NotFound, "no such channel")
		}
		msg := channel.Recent.Get(messageID)
		if msg == nil {
			return apperr.New(apperr.NotFound, "no such message")
		}

		caps := community.Resolve(actorID, channelID)
		if msg.AuthorID != actorID && !caps.Has(permissions.ManageMessages) {
			return apperr.New(apperr.Forbidden, "you can't delete that message")
		}

		channel.Recent.Remove(messageID)
		e.store.Async("delete message", func() error {
			return e.db.DeleteMessage(messageID)
		})
		e.cast.EmitChannel(channelID, EventMessageDelete, map[string]string{
			"channelID": strconv.FormatInt(channelID, 10),
			"messageID": strconv.FormatInt(messageID, 10),
		})
		return nil
	}

	dm, exists := e.store.DM(channelID)
	if !exists {
		return apperr.New(apperr.NotFound, "no such channel")
	}

	dm.Lock()
	defer dm.Unlock()

	msg := dm.Recent.Get(messageID)
	if msg == nil {
		return apperr.New(apperr.NotFound, "no such message")
	}
	if msg.AuthorID != actorID {
		return apperr.New(apperr.Forbidden, "you can't delete that message")
	}

	dm.Recent.Remove(messageID)
	e.store.Async("delete dm message", func() error {
		return e.db.DeleteMessage(messageID)
	})
	e.cast.EmitDM(channelID, EventMessageDelete, map[string]string{
		"channelID": strconv.FormatInt(channelID, 10),
		"messageID": strconv.FormatInt(messageID, 10),
	})
	return nil
}

// React toggles actorID's reaction. An emoji whose reactor set goes
// empty is dropped from the map entirely.
func (e *Engine) React(actorID int64, channelID int64, messageID int64, emoji string) (*models.Message, error) {
	if !e.limiter.Allow(actorID, ratelimit.ActionReact) {
		return nil, apperr.New(apperr.RateLimited, "reacting too fast, slow down")
	}
	if emoji == "" || len(emoji) > 64 {
		return nil, apperr.New(apperr.Invalid, "bad emoji")
	}

	return e.withMessage(actorID, channelID, messageID, func(msg *models.Message, caps permissions.Capabilities, community *state.Community) (string, error) {
		if msg.Reactions == nil {
			msg.Reactions = map[string][]int64{}
		}

		reactors := msg.Reactions[emoji]
		idx := slices.Index(reactors, actorID)
		if idx >= 0 {
			reactors = slices.Delete(reactors, idx, idx+1)
		} else {
			reactors = append(reactors, actorID)
		}

		if len(reactors) == 0 {
			delete(msg.Reactions, emoji)
		} else {
			msg.Reactions[emoji] = reactors
		}
		return EventMessageReact, nil
	})
}

// VotePoll records actorID's vote on a poll message, replacing any
// prior vote, and fans out the updated message.
func (e *Engine) VotePoll(actorID int64, channelID int64, messageID int64, optionIndex int) (*models.Message, error) {
	return e.withMessage(actorID, channelID, messageID, func(msg *models.Message, caps permissions.Capabilities, community *state.Community) (string, error) {
		if msg.Command == nil || msg.Command.Poll == nil {
			return "", apperr.New(apperr.Invalid, "that message is not a poll")
		}
		if err := commands.Vote(msg.Command.Poll, actorID, optionIndex); err != nil {
			return "", err
		}
		return EventMessageEdit, nil
	})
}

// EmitDeferred injects a synthetic message from a deferred command job
// (reminder fire, roast tick). No gates: the gates ran when the job was
// scheduled.
func (e *Engine) EmitDeferred(channelID int64, actorID int64, content string, payload *models.CommandPayload) {
	id, err := snowflake.Generate()
	if err != nil {
		e.sugar.Errorf("Deferred message id generation failed: %v", err)
		return
	}

	msg := models.Message{
		ID:        id,
		ChannelID: channelID,
		AuthorID:  actorID,
		Content:   content,
		Command:   payload,
	}

	if community, exists := e.store.FindCommunityByChannel(channelID); exists {
		community.Lock()
		channel, ok := community.Channels[channelID]
		if !ok || channel.Recent == nil {
			community.Unlock()
			return
		}
		msg.Author = e.authorSnapshot(community, actorID)
		channel.Recent.Append(msg)
		community.Unlock()

		committed := msg
		e.store.Async("append deferred message", func() error {
			return e.db.AppendMessage(&committed)
		})
		e.cast.EmitChannel(channelID, EventMessageNew, msg)
		return
	}

	if dm, exists := e.store.DM(channelID); exists {
		dm.Lock()
		dm.Recent.Append(msg)
		dm.Unlock()

		committed := msg
		e.store.Async("append deferred dm message", func() error {
			return e.db.AppendMessage(&committed)
		})
		e.cast.EmitDM(channelID, EventMessageNew, msg)
	}
}

// withMessage locates the message in either a community channel or a
// DM, applies mutate under the owning lock, persists and broadcasts.
func (e *Engine) withMessage(actorID int64, channelID int64, messageID int64, mutate func(msg *models.Message, caps permissions.Capabilities, community *state.Community) (string, error)) (*models.Message, error) {
	if community, exists := e.store.FindCommunityByChannel(channelID); exists {
		community.Lock()
		defer community.Unlock()

		channel, ok := community.Channels[channelID]
		if !ok || channel.Recent == nil {
			return nil, apperr.New(apperr.NotFound, "no such channel")
		}
		msg := channel.Recent.Get(messageID)
		if msg == nil {
			return nil, apperr.New(apperr.NotFound, "no such message")
		}

		event, err := mutate(msg, community.Resolve(actorID, channelID), community)
		if err != nil {
			return nil, err
		}

		updated := *msg
		e.store.Async("update message", func() error {
			return e.db.UpdateMessage(&updated)
		})
		e.cast.EmitChannel(channelID, event, updated)
		return &updated, nil
	}

	dm, exists := e.store.DM(channelID)
	if !exists {
		return nil, apperr.New(apperr.NotFound, "no such channel")
	}

	dm.Lock()
	defer dm.Unlock()

	msg := dm.Recent.Get(messageID)
	if msg == nil {
		return nil, apperr.New(apperr.NotFound, "no such message")
	}

	event, err := mutate(msg, 0, nil)
	if err != nil {
		return nil, err
	}

	updated := *msg
	e.store.Async("update dm message", func() error {
		return e.db.UpdateMessage(&updated)
	})
	e.cast.EmitDM(channelID, event, updated)
	return &updated, nil
}

// checkSlowMode enforces the channel's per-member send interval.
// Members who can manage messages are exempt.
func (e *Engine) checkSlowMode(channel *state.Channel, actorID int64, caps permissions.Capabilities) error {
	seconds := channel.Meta.SlowModeSeconds
	if seconds <= 0 || caps.Has(permissions.ManageMessages) {
		return nil
	}

	e.slowMu.Lock()
	defer e.slowMu.Unlock()

	key := fmt.Sprintf("%d:%d", channel.Meta.ID, actorID)
	last, sent := e.lastSend[key]
	wait := time.Duration(seconds) * time.Second
	if sent && time.Since(last) < wait {
		return apperr.New(apperr.RateLimited, "slow mode is on, wait %ds between messages", seconds)
	}
	return nil
}

func (e *Engine) recordSend(channelID int64, actorID int64) {
	e.slowMu.Lock()
	defer e.slowMu.Unlock()
	e.lastSend[fmt.Sprintf("%d:%d", channelID, actorID)] = time.Now()
}

// sweepSlowMode drops send timestamps older than the longest slow-mode
// interval a channel can be set to. Anything older can never gate a
// send again, so keeping it only grows the map.
func (e *Engine) sweepSlowMode(now time.Time) {
	e.slowMu.Lock()
	defer e.slowMu.Unlock()
	for key, last := range e.lastSend {
		if now.Sub(last) > time.Duration(models.MaxSlowModeSeconds)*time.Second {
			delete(e.lastSend, key)
		}
	}
}

func (e *Engine) runSlowModeSweeper() {
	ticker := time.NewTicker(10 * time.Minute)
	for range ticker.C {
		e.sweepSlowMode(time.Now())
	}
}

func (e *Engine) authorSnapshot(community *state.Community, actorID int64) models.Account {
	if member, ok := community.Members[actorID]; ok {
		return models.Account{
			ID:          actorID,
			Username:    member.Username,
			DisplayName: member.DisplayName,
			Avatar:      member.Avatar,
			Color:       member.Color,
		}
	}
	return models.Account{ID: actorID}
}

// trim caps content length and attachment count instead of rejecting.
// The cut lands on a rune boundary so a multibyte character at the
// limit is dropped whole, never split into invalid UTF-8.
func trim(content string, attachments []string) (string, []string) {
	content = strings.TrimSpace(content)
	if len(content) > maxContentLength {
		cut := maxContentLength
		for cut > 0 && !utf8.RuneStart(content[cut]) {
			cut--
		}
		content = content[:cut]
	}
	if len(attachments) > maxAttachments {
		attachments = attachments[:maxAttachments]
	}
	return content, attachments
}

var (
	userMentionRe   = regexp.MustCompile(`<@(\d+)>`)
	roleMentionRe   = regexp.MustCompile(`<@&(\d+)>`)
	channelRefRe    = regexp.MustCompile(`<#(\d+)>`)
	nameMentionRe   = regexp.MustCompile(`@([A-Za-z0-9_.-]+)`)
	nameRefRe       = regexp.MustCompile(`#([A-Za-z0-9_-]+)`)
	everyoneMention = "@everyone"
)

// parseMentions resolves mention tokens and in-text channel references
// against the community snapshot; the caller holds the community lock.
// Both the structured id forms and the textual @name / #name forms are
// accepted, and anything that doesn't resolve to a live member, role
// or channel is dropped rather than recorded. The everyone flag only
// sticks when the author holds the capability; the literal text is
// left alone either way.
func parseMentions(content string, community *state.Community, canMentionEveryone bool) (models.Mentions, []int64) {
	var m models.Mentions
	var refs []int64

	if strings.Contains(content, everyoneMention) && canMentionEveryone {
		m.Everyone = true
	}

	addUser := func(id int64) {
		if _, ok := community.Members[id]; ok && !slices.Contains(m.UserIDs, id) {
			m.UserIDs = append(m.UserIDs, id)
		}
	}
	addRole := func(id int64) {
		if _, ok := community.Roles[id]; ok && !slices.Contains(m.RoleIDs, id) {
			m.RoleIDs = append(m.RoleIDs, id)
		}
	}
	addRef := func(id int64) {
		if _, ok := community.Channels[id]; ok && !slices.Contains(refs, id) {
			refs = append(refs, id)
		}
	}

	for _, match := range userMentionRe.FindAllStringSubmatch(content, -1) {
		if id, err := strconv.ParseInt(match[1], 10, 64); err == nil {
			addUser(id)
		}
	}
	for _, match := range roleMentionRe.FindAllStringSubmatch(content, -1) {
		if id, err := strconv.ParseInt(match[1], 10, 64); err == nil {
			addRole(id)
		}
	}
	for _, match := range channelRefRe.FindAllStringSubmatch(content, -1) {
		if id, err := strconv.ParseInt(match[1], 10, 64); err == nil {
			addRef(id)
		}
	}

	// textual forms: @name matches a role first, then a member's
	// username; #name matches a channel name
	for _, match := range nameMentionRe.FindAllStringSubmatch(content, -1) {
		name := match[1]
		if name == "everyone" {
			continue
		}
		if role := roleByName(community, name); role != 0 {
			addRole(role)
			continue
		}
		if member := memberByUsername(community, name); member != 0 {
			addUser(member)
		}
	}
	for _, match := range nameRefRe.FindAllStringSubmatch(content, -1) {
		for _, channel := range community.Channels {
			if channel.Meta.Name == match[1] {
				addRef(channel.Meta.ID)
				break
			}
		}
	}
	return m, refs
}

func roleByName(community *state.Community, name string) int64 {
	for _, role := range community.Roles {
		if role.Name == name {
			return role.ID
		}
	}
	return 0
}

func memberByUsername(community *state.Community, name string) int64 {
	for _, member := range community.Members {
		if member.Username == name {
			return member.AccountID
		}
	}
	return 0
}
