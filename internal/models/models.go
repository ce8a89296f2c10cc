package models

import (
	"nexus-backend/internal/permissions"
)

type Account struct {
	ID          int64  `json:"id,string"`
	Email       string `json:"email,omitempty"`
	Username    string `json:"username,omitempty"`
	DisplayName string `json:"displayName"`
	Avatar      string `json:"avatar"`
	Color       string `json:"color"`
	Bio         string `json:"bio,omitempty"`
	Status      string `json:"status,omitempty"`
	Settings    string `json:"-"`
	Password    []byte `json:"-"`
}

type Community struct {
	ID           int64  `json:"id,string"`
	OwnerID      int64  `json:"ownerID,string"`
	Name         string `json:"name"`
	Icon         string `json:"icon"`
	Description  string `json:"description"`
	EmojiSharing bool   `json:"emojiSharing"`
	// IceOverride, when non-empty, is a JSON-encoded []webrtc.ICEServer
	// replacing the instance-wide STUN/TURN config for this community.
	IceOverride string `json:"-"`
}

type Category struct {
	ID          int64   `json:"id,string"`
	CommunityID int64   `json:"communityID,string"`
	Name        string  `json:"name"`
	Position    int     `json:"position"`
	ChannelIDs  []int64 `json:"channelIDs"`
}

const (
	ChannelTypeText  = "text"
	ChannelTypeVoice = "voice"

	// MaxSlowModeSeconds caps a channel's slow-mode interval at six hours.
	MaxSlowModeSeconds = 21600
)

type Channel struct {
	ID          int64  `json:"id,string"`
	CommunityID int64  `json:"communityID,string"`
	CategoryID  int64  `json:"categoryID,string"`
	Type        string `json:"type"`
	Name        string `json:"name"`
	Topic       string `json:"topic"`
	Private     bool   `json:"private"`
	// SlowModeSeconds is the minimum interval between sends per member,
	// zero disables slow mode.
	SlowModeSeconds int                            `json:"slowModeSeconds"`
	Overrides       map[int64]permissions.Override `json:"overrides"`
}

type Role struct {
	ID          int64  `json:"id,string"`
	CommunityID int64  `json:"communityID,string"`
	Name        string `json:"name"`
	Color       string `json:"color"`
	// Position orders roles within a community, higher is more senior.
	// The everyone role always sits at position 0.
	Position    int                  `json:"position"`
	Permissions permissions.Override `json:"permissions"`
	// Sentinel marks the two non-deletable roles, "everyone" and "admin".
	Sentinel string `json:"sentinel,omitempty"`
}

const (
	RoleEveryone = "everyone"
	RoleAdmin    = "admin"
)

type Member struct {
	CommunityID int64   `json:"communityID,string"`
	AccountID   int64   `json:"accountID,string"`
	RoleIDs     []int64 `json:"roleIDs"`
	JoinedAt    int64   `json:"joinedAt"`
	// Display snapshot, denormalized so member lists render while the
	// account is offline.
	Username    string `json:"username"`
	DisplayName string `json:"displayName"`
	Avatar      string `json:"avatar"`
	Color       string `json:"color"`
}

type Message struct {
	ID          int64    `json:"id,string"`
	ChannelID   int64    `json:"channelID,string"`
	AuthorID    int64    `json:"authorID,string"`
	Webhook     string   `json:"webhook,omitempty"`
	Content     string   `json:"content"`
	Attachments []string `json:"attachments"`
	ReplyToID   int64    `json:"replyToID,string,omitempty"`
	Edited      bool     `json:"edited"`
	EditedAt    int64    `json:"editedAt,omitempty"`
	// Reactions maps emoji to the set of reacting account IDs. A key
	// with an empty set is removed rather than kept.
	Reactions map[string][]int64 `json:"reactions,omitempty"`
	Mentions  Mentions           `json:"mentions,omitempty"`
	// ChannelRefs lists channel IDs referenced in-text as #channel.
	ChannelRefs []int64         `json:"channelRefs,omitempty"`
	Command     *CommandPayload `json:"command,omitempty"`
	Author      Account         `json:"author"`
}

type Mentions struct {
	Everyone bool    `json:"everyone,omitempty"`
	UserIDs  []int64 `json:"userIDs,omitempty"`
	RoleIDs  []int64 `json:"roleIDs,omitempty"`
}

// CommandPayload is the structured result of a slash command, attached
// to the synthetic message so clients can render it richly.
type CommandPayload struct {
	Kind string `json:"kind"`
	// Detail is command-specific: dice faces, the 8-ball answer, the
	// rock-paper-scissors hands, and so on.
	Detail string       `json:"detail,omitempty"`
	Poll   *PollPayload `json:"poll,omitempty"`
}

type PollPayload struct {
	Question string   `json:"question"`
	Options  []string `json:"options"`
	// Voters maps account ID to the option index it currently backs,
	// one active vote per account.
	Voters map[int64]int `json:"voters"`
}

// Tally counts current votes per option.
func (p *PollPayload) Tally() []int {
	counts := make([]int, len(p.Options))
	for _, idx := range p.Voters {
		if idx >= 0 && idx < len(counts) {
			counts[idx]++
		}
	}
	return counts
}

const (
	DMKindPair  = "pair"
	DMKindGroup = "group"
)

type DMChannel struct {
	ID             int64   `json:"id,string"`
	Kind           string  `json:"kind"`
	CreatorID      int64   `json:"creatorID,string"`
	ParticipantIDs []int64 `json:"participantIDs"`
}

// DMView is one participant's private view state over a DM channel.
// Hiding and deletion are per user, never global.
type DMView struct {
	Hidden        bool  `json:"hidden"`
	DeletedBefore int64 `json:"deletedBefore"`
}

type Invite struct {
	Code        string `json:"code"`
	CommunityID int64  `json:"communityID,string"`
	CreatorID   int64  `json:"creatorID,string"`
	ExpiresAt   int64  `json:"expiresAt,omitempty"`
	MaxUses     int    `json:"maxUses,omitempty"`
	Uses        int    `json:"uses"`
}

type Ban struct {
	CommunityID int64  `json:"communityID,string"`
	AccountID   int64  `json:"accountID,string"`
	Reason      string `json:"reason,omitempty"`
	// ExpiresAt is zero for a permanent ban, otherwise a timeout.
	ExpiresAt int64 `json:"expiresAt,omitempty"`
}

type ConfigFile struct {
	Address           string
	Port              string
	BehindNginx       bool
	TlsCert           string
	TlsKey            string
	PrintHttpRequests bool
	LogToFile         bool
	LogLevel          string
	JwtSecret         string
	SnowflakeWorkerID int64
	SelfContained     bool
	DbUser            string
	DbPassword        string
	DbAddress         string
	DbPort            string
	DbDatabase        string
	RedisAddress      string
	RedisPassword     string
	StunURLs          []string
	TurnURLs          []string
	TurnSecret        string
	TurnTTLSeconds    int
	RateLimitSends    int
	RateLimitWindow   int
}
