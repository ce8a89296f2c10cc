package database

import (
	"database/sql"
	"encoding/json"
	"errors"

	"nexus-backend/internal/models"
	"nexus-backend/internal/permissions"
)

// ErrNotFound is returned by the Get* lookups when no row matches.
// Callers branch on it instead of on driver-level sentinels.
var ErrNotFound = errors.New("not found")

// messageExtra is the JSON side-car column for the message fields that
// don't earn their own columns: attachments, reactions, mentions,
// channel refs and command payloads.
type messageExtra struct {
	Attachments []string               `json:"attachments,omitempty"`
	Reactions   map[string][]int64     `json:"reactions,omitempty"`
	Mentions    models.Mentions        `json:"mentions,omitempty"`
	ChannelRefs []int64                `json:"channelRefs,omitempty"`
	Command     *models.CommandPayload `json:"command,omitempty"`
}

func encodeJSON(v any) string {
	bytes, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(bytes)
}

func decodeJSON(data string, v any) {
	if data == "" {
		return
	}
	// a corrupt column degrades to the zero value, never a failed load
	_ = json.Unmarshal([]byte(data), v)
}

func (db *DB) LoadAllCommunities() ([]models.Community, error) {
	rows, err := db.conn.Query("SELECT id, owner_id, name, icon, description, emoji_sharing, ice_override FROM communities ORDER BY id ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	communities := []models.Community{}
	for rows.Next() {
		var c models.Community
		err := rows.Scan(&c.ID, &c.OwnerID, &c.Name, &c.Icon, &c.Description, &c.EmojiSharing, &c.IceOverride)
		if err != nil {
			return nil, err
		}
		communities = append(communities, c)
	}
	return communities, rows.Err()
}

func (db *DB) LoadCategories(communityID int64) ([]models.Category, error) {
	rows, err := db.conn.Query("SELECT id, community_id, name, position FROM categories WHERE community_id = ? ORDER BY position ASC", communityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	categories := []models.Category{}
	for rows.Next() {
		var cat models.Category
		err := rows.Scan(&cat.ID, &cat.CommunityID, &cat.Name, &cat.Position)
		if err != nil {
			return nil, err
		}
		categories = append(categories, cat)
	}
	return categories, rows.Err()
}

func (db *DB) LoadChannels(communityID int64) ([]models.Channel, error) {
	rows, err := db.conn.Query("SELECT id, community_id, category_id, type, name, topic, private, slow_mode_seconds, overrides FROM channels WHERE community_id = ? ORDER BY id ASC", communityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	channels := []models.Channel{}
	for rows.Next() {
		var ch models.Channel
		var overrides string
		err := rows.Scan(&ch.ID, &ch.CommunityID, &ch.CategoryID, &ch.Type, &ch.Name, &ch.Topic, &ch.Private, &ch.SlowModeSeconds, &overrides)
		if err != nil {
			return nil, err
		}
		ch.Overrides = map[int64]permissions.Override{}
		decodeJSON(overrides, &ch.Overrides)
		channels = append(channels, ch)
	}
	return channels, rows.Err()
}

func (db *DB) LoadRoles(communityID int64) ([]models.Role, error) {
	rows, err := db.conn.Query("SELECT id, community_id, name, color, position, allow, deny, sentinel FROM roles WHERE community_id = ? ORDER BY position ASC", communityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	roles := []models.Role{}
	for rows.Next() {
		var r models.Role
		err := rows.Scan(&r.ID, &r.CommunityID, &r.Name, &r.Color, &r.Position, &r.Permissions.Allow, &r.Permissions.Deny, &r.Sentinel)
		if err != nil {
			return nil, err
		}
		roles = append(roles, r)
	}
	return roles, rows.Err()
}

func (db *DB) LoadMembers(communityID int64) ([]models.Member, error) {
	rows, err := db.conn.Query("SELECT community_id, account_id, role_ids, joined_at, username, display_name, avatar, color FROM members WHERE community_id = ?", communityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	members := []models.Member{}
	for rows.Next() {
		var m models.Member
		var roleIDs string
		err := rows.Scan(&m.CommunityID, &m.AccountID, &roleIDs, &m.JoinedAt, &m.Username, &m.DisplayName, &m.Avatar, &m.Color)
		if err != nil {
			return nil, err
		}
		m.RoleIDs = []int64{}
		decodeJSON(roleIDs, &m.RoleIDs)
		members = append(members, m)
	}
	return members, rows.Err()
}

func (db *DB) LoadRecentMessages(channelID int64, limit int, beforeID int64) ([]models.Message, error) {
	query := "SELECT id, channel_id, author_id, content, reply_to_id, edited, edited_at, extra FROM messages WHERE channel_id = ?"
	args := []any{channelID}
	if beforeID > 0 {
		query += " AND id < ?"
		args = append(args, beforeID)
	}
	query += " ORDER BY id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := db.conn.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	messages := []models.Message{}
	for rows.Next() {
		var msg models.Message
		var extra string
		err := rows.Scan(&msg.ID, &msg.ChannelID, &msg.AuthorID, &msg.Content, &msg.ReplyToID, &msg.Edited, &msg.EditedAt, &extra)
		if err != nil {
			return nil, err
		}
		var side messageExtra
		decodeJSON(extra, &side)
		msg.Attachments = side.Attachments
		msg.Reactions = side.Reactions
		msg.Mentions = side.Mentions
		msg.ChannelRefs = side.ChannelRefs
		msg.Command = side.Command
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// oldest first, the order ring buffers append in
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

func (db *DB) AppendMessage(msg *models.Message) error {
	extra := encodeJSON(messageExtra{
		Attachments: msg.Attachments,
		Reactions:   msg.Reactions,
		Mentions:    msg.Mentions,
		ChannelRefs: msg.ChannelRefs,
		Command:     msg.Command,
	})
	_, err := db.conn.Exec("INSERT INTO messages VALUES(?, ?, ?, ?, ?, ?, ?, ?)",
		msg.ID, msg.ChannelID, msg.AuthorID, msg.Content, msg.ReplyToID, msg.Edited, msg.EditedAt, extra)
	return err
}

func (db *DB) UpdateMessage(msg *models.Message) error {
	extra := encodeJSON(messageExtra{
		Attachments: msg.Attachments,
		Reactions:   msg.Reactions,
		Mentions:    msg.Mentions,
		ChannelRefs: msg.ChannelRefs,
		Command:     msg.Command,
	})
	_, err := db.conn.Exec("UPDATE messages SET content = ?, edited = ?, edited_at = ?, extra = ? WHERE id = ?",
		msg.Content, msg.Edited, msg.EditedAt, extra, msg.ID)
	return err
}

func (db *DB) DeleteMessage(messageID int64) error {
	_, err := db.conn.Exec("DELETE FROM messages WHERE id = ?", messageID)
	return err
}

func (db *DB) UpsertCommunity(c *models.Community) error {
	_, err := db.conn.Exec(`REPLACE INTO communities VALUES(?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.OwnerID, c.Name, c.Icon, c.Description, c.EmojiSharing, c.IceOverride)
	return err
}

func (db *DB) DeleteCommunity(communityID int64) error {
	_, err := db.conn.Exec("DELETE FROM communities WHERE id = ?", communityID)
	return err
}

func (db *DB) UpsertCategory(cat *models.Category) error {
	_, err := db.conn.Exec("REPLACE INTO categories VALUES(?, ?, ?, ?)",
		cat.ID, cat.CommunityID, cat.Name, cat.Position)
	return err
}

func (db *DB) UpsertChannel(ch *models.Channel) error {
	_, err := db.conn.Exec("REPLACE INTO channels VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)",
		ch.ID, ch.CommunityID, ch.CategoryID, ch.Type, ch.Name, ch.Topic, ch.Private, ch.SlowModeSeconds, encodeJSON(ch.Overrides))
	return err
}

func (db *DB) DeleteChannel(channelID int64) error {
	if _, err := db.conn.Exec("DELETE FROM messages WHERE channel_id = ?", channelID); err != nil {
		return err
	}
	_, err := db.conn.Exec("DELETE FROM channels WHERE id = ?", channelID)
	return err
}

func (db *DB) UpsertRole(r *models.Role) error {
	_, err := db.conn.Exec("REPLACE INTO roles VALUES(?, ?, ?, ?, ?, ?, ?, ?)",
		r.ID, r.CommunityID, r.Name, r.Color, r.Position, r.Permissions.Allow, r.Permissions.Deny, r.Sentinel)
	return err
}

func (db *DB) DeleteRole(roleID int64) error {
	_, err := db.conn.Exec("DELETE FROM roles WHERE id = ?", roleID)
	return err
}

func (db *DB) UpsertMember(m *models.Member) error {
	_, err := db.conn.Exec("REPLACE INTO members VALUES(?, ?, ?, ?, ?, ?, ?, ?)",
		m.CommunityID, m.AccountID, encodeJSON(m.RoleIDs), m.JoinedAt, m.Username, m.DisplayName, m.Avatar, m.Color)
	return err
}

func (db *DB) RemoveMember(communityID int64, accountID int64) error {
	_, err := db.conn.Exec("DELETE FROM members WHERE community_id = ? AND account_id = ?", communityID, accountID)
	return err
}

func (db *DB) RecordBan(ban *models.Ban) error {
	_, err := db.conn.Exec("REPLACE INTO bans VALUES(?, ?, ?, ?)",
		ban.CommunityID, ban.AccountID, ban.Reason, ban.ExpiresAt)
	return err
}

func (db *DB) LoadBans(communityID int64) ([]models.Ban, error) {
	rows, err := db.conn.Query("SELECT community_id, account_id, reason, expires_at FROM bans WHERE community_id = ?", communityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	bans := []models.Ban{}
	for rows.Next() {
		var ban models.Ban
		err := rows.Scan(&ban.CommunityID, &ban.AccountID, &ban.Reason, &ban.ExpiresAt)
		if err != nil {
			return nil, err
		}
		bans = append(bans, ban)
	}
	return bans, rows.Err()
}

func (db *DB) RemoveBan(communityID int64, accountID int64) error {
	_, err := db.conn.Exec("DELETE FROM bans WHERE community_id = ? AND account_id = ?", communityID, accountID)
	return err
}

func (db *DB) CreateAccount(account *models.Account) error {
	_, err := db.conn.Exec("INSERT INTO accounts VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)",
		account.ID, account.Email, account.Username, account.DisplayName,
		account.Avatar, account.Color, account.Bio, account.Status, account.Settings, account.Password)
	return err
}

func (db *DB) GetAccount(accountID int64) (*models.Account, error) {
	var a models.Account
	err := db.conn.QueryRow("SELECT id, email, username, display_name, avatar, color, bio, status, settings, password FROM accounts WHERE id = ?", accountID).
		Scan(&a.ID, &a.Email, &a.Username, &a.DisplayName, &a.Avatar, &a.Color, &a.Bio, &a.Status, &a.Settings, &a.Password)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, err
	}
	return &a, nil
}

func (db *DB) GetAccountByEmail(email string) (*models.Account, error) {
	var a models.Account
	err := db.conn.QueryRow("SELECT id, email, username, display_name, avatar, color, bio, status, settings, password FROM accounts WHERE email = ?", email).
		Scan(&a.ID, &a.Email, &a.Username, &a.DisplayName, &a.Avatar, &a.Color, &a.Bio, &a.Status, &a.Settings, &a.Password)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, err
	}
	return &a, nil
}

func (db *DB) GetAccountByUsername(username string) (*models.Account, error) {
	var a models.Account
	err := db.conn.QueryRow("SELECT id, email, username, display_name, avatar, color, bio, status, settings, password FROM accounts WHERE username = ?", username).
		Scan(&a.ID, &a.Email, &a.Username, &a.DisplayName, &a.Avatar, &a.Color, &a.Bio, &a.Status, &a.Settings, &a.Password)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, err
	}
	return &a, nil
}

func (db *DB) UpdateAccount(account *models.Account) error {
	_, err := db.conn.Exec("UPDATE accounts SET display_name = ?, avatar = ?, color = ?, bio = ?, status = ?, settings = ? WHERE id = ?",
		account.DisplayName, account.Avatar, account.Color, account.Bio, account.Status, account.Settings, account.ID)
	return err
}

func (db *DB) DeleteAccount(accountID int64) error {
	_, err := db.conn.Exec("DELETE FROM accounts WHERE id = ?", accountID)
	return err
}

func (db *DB) IsBlocked(accountID int64, otherID int64) (bool, error) {
	var blocked bool
	err := db.conn.QueryRow(`SELECT EXISTS(
		SELECT 1 FROM account_blocks
		WHERE (account_id = ? AND blocked_id = ?) OR (account_id = ? AND blocked_id = ?)
	)`, accountID, otherID, otherID, accountID).Scan(&blocked)
	return blocked, err
}

func (db *DB) BlockAccount(accountID int64, blockedID int64) error {
	_, err := db.conn.Exec("REPLACE INTO account_blocks VALUES(?, ?)", accountID, blockedID)
	return err
}

func (db *DB) UnblockAccount(accountID int64, blockedID int64) error {
	_, err := db.conn.Exec("DELETE FROM account_blocks WHERE account_id = ? AND blocked_id = ?", accountID, blockedID)
	return err
}

func (db *DB) CreateDMChannel(dm *models.DMChannel) error {
	_, err := db.conn.Exec("INSERT INTO dm_channels VALUES(?, ?, ?)", dm.ID, dm.Kind, dm.CreatorID)
	if err != nil {
		return err
	}
	for _, accountID := range dm.ParticipantIDs {
		_, err = db.conn.Exec("INSERT INTO dm_participants VALUES(?, ?)", dm.ID, accountID)
		if err != nil {
			return err
		}
	}
	return nil
}

func (db *DB) LoadDMChannels(accountID int64) ([]models.DMChannel, error) {
	rows, err := db.conn.Query(`SELECT c.id, c.kind, c.creator_id FROM dm_channels c
		JOIN dm_participants p ON c.id = p.dm_id WHERE p.account_id = ? ORDER BY c.id ASC`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	dms := []models.DMChannel{}
	for rows.Next() {
		var dm models.DMChannel
		err := rows.Scan(&dm.ID, &dm.Kind, &dm.CreatorID)
		if err != nil {
			return nil, err
		}
		dms = append(dms, dm)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range dms {
		participants, err := db.loadDMParticipants(dms[i].ID)
		if err != nil {
			return nil, err
		}
		dms[i].ParticipantIDs = participants
	}
	return dms, nil
}

func (db *DB) LoadAllDMChannels() ([]models.DMChannel, error) {
	rows, err := db.conn.Query("SELECT id, kind, creator_id FROM dm_channels ORDER BY id ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	dms := []models.DMChannel{}
	for rows.Next() {
		var dm models.DMChannel
		err := rows.Scan(&dm.ID, &dm.Kind, &dm.CreatorID)
		if err != nil {
			return nil, err
		}
		dms = append(dms, dm)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range dms {
		participants, err := db.loadDMParticipants(dms[i].ID)
		if err != nil {
			return nil, err
		}
		dms[i].ParticipantIDs = participants
	}
	return dms, nil
}

func (db *DB) loadDMParticipants(dmID int64) ([]int64, error) {
	rows, err := db.conn.Query("SELECT account_id FROM dm_participants WHERE dm_id = ?", dmID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	participants := []int64{}
	for rows.Next() {
		var accountID int64
		if err := rows.Scan(&accountID); err != nil {
			return nil, err
		}
		participants = append(participants, accountID)
	}
	return participants, rows.Err()
}

func (db *DB) AddDMParticipant(dmID int64, accountID int64) error {
	_, err := db.conn.Exec("INSERT INTO dm_participants VALUES(?, ?)", dmID, accountID)
	return err
}

func (db *DB) RemoveDMParticipant(dmID int64, accountID int64) error {
	_, err := db.conn.Exec("DELETE FROM dm_participants WHERE dm_id = ? AND account_id = ?", dmID, accountID)
	return err
}

func (db *DB) UpsertDMView(dmID int64, accountID int64, view models.DMView) error {
	_, err := db.conn.Exec("REPLACE INTO dm_views VALUES(?, ?, ?, ?)",
		dmID, accountID, view.Hidden, view.DeletedBefore)
	return err
}

func (db *DB) LoadDMViews(dmID int64) (map[int64]models.DMView, error) {
	rows, err := db.conn.Query("SELECT account_id, hidden, deleted_before FROM dm_views WHERE dm_id = ?", dmID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	views := map[int64]models.DMView{}
	for rows.Next() {
		var accountID int64
		var view models.DMView
		if err := rows.Scan(&accountID, &view.Hidden, &view.DeletedBefore); err != nil {
			return nil, err
		}
		views[accountID] = view
	}
	return views, rows.Err()
}

func (db *DB) CreateInvite(invite *models.Invite) error {
	_, err := db.conn.Exec("INSERT INTO invites VALUES(?, ?, ?, ?, ?, ?)",
		invite.Code, invite.CommunityID, invite.CreatorID, invite.ExpiresAt, invite.MaxUses, invite.Uses)
	return err
}

func (db *DB) GetInvite(code string) (*models.Invite, error) {
	var invite models.Invite
	err := db.conn.QueryRow("SELECT code, community_id, creator_id, expires_at, max_uses, uses FROM invites WHERE code = ?", code).
		Scan(&invite.Code, &invite.CommunityID, &invite.CreatorID, &invite.ExpiresAt, &invite.MaxUses, &invite.Uses)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, err
	}
	return &invite, nil
}

func (db *DB) RecordInviteUse(code string) error {
	_, err := db.conn.Exec("UPDATE invites SET uses = uses + 1 WHERE code = ?", code)
	return err
}

func (db *DB) DeleteInvite(code string) error {
	_, err := db.conn.Exec("DELETE FROM invites WHERE code = ?", code)
	return err
}
