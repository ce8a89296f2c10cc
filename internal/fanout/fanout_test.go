package fanout

import (
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"nexus-backend/internal/apperr"
	"nexus-backend/internal/commands"
	"nexus-backend/internal/models"
	"nexus-backend/internal/permissions"
	"nexus-backend/internal/ratelimit"
	"nexus-backend/internal/state"

	"go.uber.org/zap"
)

type fakePersister struct {
	mu       sync.Mutex
	appended []models.Message
	blocked  bool
}

func (f *fakePersister) AppendMessage(msg *models.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.appended = append(f.appended, *msg)
	return nil
}

func (f *fakePersister) UpdateMessage(msg *models.Message) error { return nil }
func (f *fakePersister) DeleteMessage(messageID int64) error     { return nil }

func (f *fakePersister) IsBlocked(accountID int64, otherID int64) (bool, error) {
	return f.blocked, nil
}

func (f *fakePersister) GetAccount(accountID int64) (*models.Account, error) {
	return &models.Account{ID: accountID, DisplayName: "tester"}, nil
}

func (f *fakePersister) UpsertDMView(dmID int64, accountID int64, view models.DMView) error {
	return nil
}

type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) EmitChannel(channelID int64, event string, payload any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, fmt.Sprintf("channel/%d/%s", channelID, event))
}

func (r *recorder) EmitDM(dmID int64, event string, payload any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, fmt.Sprintf("dm/%d/%s", dmID, event))
}

func (r *recorder) has(entry string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.events {
		if e == entry {
			return true
		}
	}
	return false
}

const (
	testCommunityID = int64(1)
	testChannelID   = int64(100)
	ownerID         = int64(99)
	memberID        = int64(7)
)

// newTestEngine builds a store with one community: an owner, a plain
// member and a text channel whose everyone role grants the given caps.
func newTestEngine(t *testing.T, everyoneCaps permissions.Capabilities, rules map[string]ratelimit.Rule) (*Engine, *recorder, *state.Store) {
	t.Helper()

	sugar := zap.NewNop().Sugar()
	store := state.New(sugar)
	t.Cleanup(store.Close)

	community := store.AddCommunity(models.Community{ID: testCommunityID, OwnerID: ownerID, Name: "testing"})
	community.Lock()
	community.Roles[1] = &models.Role{
		ID: 1, CommunityID: testCommunityID, Name: "everyone", Position: 0,
		Sentinel:    models.RoleEveryone,
		Permissions: permissions.Override{Allow: everyoneCaps},
	}
	community.Channels[testChannelID] = &state.Channel{
		Meta:   models.Channel{ID: testChannelID, CommunityID: testCommunityID, Type: models.ChannelTypeText, Name: "general"},
		Recent: state.NewRingBuffer(state.RingCapacity),
	}
	community.Members[ownerID] = &models.Member{CommunityID: testCommunityID, AccountID: ownerID, Username: "boss", DisplayName: "owner"}
	community.Members[memberID] = &models.Member{CommunityID: testCommunityID, AccountID: memberID, Username: "pat", DisplayName: "member"}
	community.Unlock()

	cast := &recorder{}
	engine := New(sugar, store, ratelimit.New(rules), commands.New(sugar, 1), &fakePersister{}, cast)
	return engine, cast, store
}

func TestSubmitBroadcastsAndCommits(t *testing.T) {
	engine, cast, store := newTestEngine(t, permissions.SendMessages, nil)

	msg, err := engine.Submit(memberID, SendRequest{ChannelID: testChannelID, Content: "hello"})
	if err != nil {
		t.Fatal(err)
	}
	if msg.ID == 0 {
		t.Error("committed message has no id")
	}
	if msg.Author.DisplayName != "member" {
		t.Errorf("author snapshot = %q, want member", msg.Author.DisplayName)
	}
	if !cast.has("channel/100/message:new") {
		t.Errorf("no message:new broadcast, got %v", cast.events)
	}

	community, _ := store.Community(testCommunityID)
	community.Lock()
	defer community.Unlock()
	if community.Channels[testChannelID].Recent.Get(msg.ID) == nil {
		t.Error("message missing from the ring buffer")
	}
}

func TestSubmitRateLimitedNotBroadcast(t *testing.T) {
	rules := map[string]ratelimit.Rule{
		ratelimit.ActionSend: {Max: 2, Window: time.Minute},
	}
	engine, cast, _ := newTestEngine(t, permissions.SendMessages, rules)

	for i := range 2 {
		if _, err := engine.Submit(memberID, SendRequest{ChannelID: testChannelID, Content: fmt.Sprintf("msg %d", i)}); err != nil {
			t.Fatal(err)
		}
	}

	before := len(cast.events)
	_, err := engine.Submit(memberID, SendRequest{ChannelID: testChannelID, Content: "one too many"})
	if apperr.CodeOf(err) != apperr.RateLimited {
		t.Fatalf("want rate_limited, got %v", err)
	}
	if len(cast.events) != before {
		t.Error("rejected message was still broadcast")
	}
}

func TestSubmitWithoutSendCapability(t *testing.T) {
	engine, _, _ := newTestEngine(t, 0, nil)

	_, err := engine.Submit(memberID, SendRequest{ChannelID: testChannelID, Content: "hello"})
	if apperr.CodeOf(err) != apperr.Forbidden {
		t.Fatalf("want forbidden, got %v", err)
	}

	// the owner resolves to everything regardless of the everyone role
	if _, err := engine.Submit(ownerID, SendRequest{ChannelID: testChannelID, Content: "hello"}); err != nil {
		t.Fatalf("owner send failed: %v", err)
	}
}

func TestMentionEveryoneRequiresCapability(t *testing.T) {
	engine, _, _ := newTestEngine(t, permissions.SendMessages, nil)

	msg, err := engine.Submit(memberID, SendRequest{ChannelID: testChannelID, Content: "@everyone hi"})
	if err != nil {
		t.Fatal(err)
	}
	if msg.Mentions.Everyone {
		t.Error("everyone flag set without the capability")
	}

	msg, err = engine.Submit(ownerID, SendRequest{ChannelID: testChannelID, Content: "@everyone hi"})
	if err != nil {
		t.Fatal(err)
	}
	if !msg.Mentions.Everyone {
		t.Error("owner's everyone mention was scrubbed")
	}
}

func TestMentionParsing(t *testing.T) {
	engine, _, store := newTestEngine(t, permissions.SendMessages, nil)

	community, _ := store.Community(testCommunityID)
	community.Lock()
	community.Roles[9] = &models.Role{ID: 9, CommunityID: testCommunityID, Name: "mods", Position: 5}
	community.Unlock()

	msg, err := engine.Submit(memberID, SendRequest{
		ChannelID: testChannelID,
		Content:   fmt.Sprintf("hey <@%d> and <@&9>, see <#100>, also <@%d> again", ownerID, ownerID),
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(msg.Mentions.UserIDs) != 1 || msg.Mentions.UserIDs[0] != ownerID {
		t.Errorf("user mentions = %v, want [%d] deduplicated", msg.Mentions.UserIDs, ownerID)
	}
	if len(msg.Mentions.RoleIDs) != 1 || msg.Mentions.RoleIDs[0] != 9 {
		t.Errorf("role mentions = %v, want [9]", msg.Mentions.RoleIDs)
	}
	if len(msg.ChannelRefs) != 1 || msg.ChannelRefs[0] != 100 {
		t.Errorf("channel refs = %v, want [100]", msg.ChannelRefs)
	}
}

// mention tokens that don't resolve against the community's current
// members, roles and channels are dropped, not recorded.
func TestMentionUnknownIDsDropped(t *testing.T) {
	engine, _, _ := newTestEngine(t, permissions.SendMessages, nil)

	msg, err := engine.Submit(memberID, SendRequest{
		ChannelID: testChannelID,
		Content:   "ping <@424242> and <@&555>, see <#9999>",
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(msg.Mentions.UserIDs) != 0 {
		t.Errorf("user mentions = %v, want none for unknown ids", msg.Mentions.UserIDs)
	}
	if len(msg.Mentions.RoleIDs) != 0 {
		t.Errorf("role mentions = %v, want none", msg.Mentions.RoleIDs)
	}
	if len(msg.ChannelRefs) != 0 {
		t.Errorf("channel refs = %v, want none", msg.ChannelRefs)
	}
}

func TestMentionTextualForms(t *testing.T) {
	engine, _, store := newTestEngine(t, permissions.SendMessages, nil)

	community, _ := store.Community(testCommunityID)
	community.Lock()
	community.Roles[9] = &models.Role{ID: 9, CommunityID: testCommunityID, Name: "mods", Position: 5}
	community.Unlock()

	msg, err := engine.Submit(memberID, SendRequest{
		ChannelID: testChannelID,
		Content:   "@boss @mods @nobody meet in #general not #void",
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(msg.Mentions.UserIDs) != 1 || msg.Mentions.UserIDs[0] != ownerID {
		t.Errorf("user mentions = %v, want @boss to resolve to %d", msg.Mentions.UserIDs, ownerID)
	}
	if len(msg.Mentions.RoleIDs) != 1 || msg.Mentions.RoleIDs[0] != 9 {
		t.Errorf("role mentions = %v, want @mods to resolve to 9", msg.Mentions.RoleIDs)
	}
	if len(msg.ChannelRefs) != 1 || msg.ChannelRefs[0] != testChannelID {
		t.Errorf("channel refs = %v, want #general only", msg.ChannelRefs)
	}
}

func TestUnknownCommandFallsThroughAsLiteral(t *testing.T) {
	engine, _, _ := newTestEngine(t, permissions.SendMessages, nil)

	msg, err := engine.Submit(memberID, SendRequest{ChannelID: testChannelID, Content: "/shrug whatever"})
	if err != nil {
		t.Fatal(err)
	}
	if msg.Command != nil {
		t.Error("unknown command produced a payload")
	}
	if msg.Content != "/shrug whatever" {
		t.Errorf("content = %q, want the literal text", msg.Content)
	}
}

func TestCommandProducesSyntheticMessage(t *testing.T) {
	engine, _, _ := newTestEngine(t, permissions.SendMessages, nil)

	msg, err := engine.Submit(memberID, SendRequest{ChannelID: testChannelID, Content: "/flip"})
	if err != nil {
		t.Fatal(err)
	}
	if msg.Command == nil || msg.Command.Kind != "flip" {
		t.Fatalf("command payload = %+v, want flip", msg.Command)
	}
	if !strings.Contains(msg.Content, "heads") && !strings.Contains(msg.Content, "tails") {
		t.Errorf("flip content = %q", msg.Content)
	}
}

func TestContentTrimmed(t *testing.T) {
	engine, _, _ := newTestEngine(t, permissions.SendMessages, nil)

	long := strings.Repeat("x", maxContentLength+500)
	attachments := []string{"a", "b", "c", "d", "e", "f"}

	msg, err := engine.Submit(memberID, SendRequest{ChannelID: testChannelID, Content: long, Attachments: attachments})
	if err != nil {
		t.Fatal(err)
	}
	if len(msg.Content) != maxContentLength {
		t.Errorf("content length = %d, want %d", len(msg.Content), maxContentLength)
	}
	if len(msg.Attachments) != maxAttachments {
		t.Errorf("attachment count = %d, want %d", len(msg.Attachments), maxAttachments)
	}
}

// a multibyte character straddling the length cap is dropped whole,
// never cut mid-rune.
func TestTrimKeepsRuneBoundary(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"two-byte runes", strings.Repeat("é", maxContentLength)},
		{"four-byte runes", strings.Repeat("🙂", maxContentLength/2)},
		{"ascii then emoji at the cut", strings.Repeat("x", maxContentLength-1) + "🙂🙂"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, _ := trim(tt.content, nil)
			if len(got) > maxContentLength {
				t.Fatalf("trimmed length = %d, over the cap", len(got))
			}
			if !utf8.ValidString(got) {
				t.Fatalf("trimmed content is not valid UTF-8 at %d bytes", len(got))
			}
		})
	}
}

func TestReactToggleRemovesEmptyKey(t *testing.T) {
	engine, _, _ := newTestEngine(t, permissions.SendMessages, nil)

	msg, err := engine.Submit(memberID, SendRequest{ChannelID: testChannelID, Content: "react to me"})
	if err != nil {
		t.Fatal(err)
	}

	updated, err := engine.React(memberID, testChannelID, msg.ID, "👍")
	if err != nil {
		t.Fatal(err)
	}
	if len(updated.Reactions["👍"]) != 1 {
		t.Fatalf("reactions = %v, want one reactor", updated.Reactions)
	}

	updated, err = engine.React(memberID, testChannelID, msg.ID, "👍")
	if err != nil {
		t.Fatal(err)
	}
	if _, exists := updated.Reactions["👍"]; exists {
		t.Error("toggled-off emoji key still present")
	}
}

// Edit follows the same gate as Delete: the author, or anyone holding
// ManageMessages.
func TestEditByAuthorAndModerator(t *testing.T) {
	engine, cast, store := newTestEngine(t, permissions.SendMessages, nil)

	msg, err := engine.Submit(memberID, SendRequest{ChannelID: testChannelID, Content: "typo"})
	if err != nil {
		t.Fatal(err)
	}

	// another plain member may not edit it
	community, _ := store.Community(testCommunityID)
	community.Lock()
	community.Members[33] = &models.Member{CommunityID: testCommunityID, AccountID: 33}
	community.Unlock()

	if _, err := engine.Edit(33, testChannelID, msg.ID, "hijacked"); apperr.CodeOf(err) != apperr.Forbidden {
		t.Fatalf("non-author edit: want forbidden, got %v", err)
	}

	updated, err := engine.Edit(memberID, testChannelID, msg.ID, "fixed")
	if err != nil {
		t.Fatal(err)
	}
	if !updated.Edited || updated.Content != "fixed" {
		t.Errorf("edit not applied: %+v", updated)
	}
	if !cast.has("channel/100/message:edited") {
		t.Error("no message:edited broadcast")
	}

	// the owner carries ManageMessages through escalation
	updated, err = engine.Edit(ownerID, testChannelID, msg.ID, "moderated")
	if err != nil {
		t.Fatalf("moderator edit failed: %v", err)
	}
	if updated.Content != "moderated" {
		t.Errorf("moderator edit content = %q", updated.Content)
	}
}

// DM messages stay author-only for edits, there is no moderator role
// inside a conversation.
func TestEditDMOnlyByAuthor(t *testing.T) {
	sugar := zap.NewNop().Sugar()
	store := state.New(sugar)
	defer store.Close()

	store.AddDM(models.DMChannel{ID: 500, Kind: models.DMKindPair, ParticipantIDs: []int64{7, 8}}, false)
	engine := New(sugar, store, ratelimit.New(nil), commands.New(sugar, 1), &fakePersister{}, &recorder{})

	msg, err := engine.SubmitDM(7, 500, SendRequest{Content: "typo"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := engine.Edit(8, 500, msg.ID, "hijacked"); apperr.CodeOf(err) != apperr.Forbidden {
		t.Fatalf("want forbidden, got %v", err)
	}
	if _, err := engine.Edit(7, 500, msg.ID, "fixed"); err != nil {
		t.Fatal(err)
	}
}

func TestDeleteByAuthorAndModerator(t *testing.T) {
	engine, cast, store := newTestEngine(t, permissions.SendMessages, nil)

	msg, err := engine.Submit(memberID, SendRequest{ChannelID: testChannelID, Content: "gone soon"})
	if err != nil {
		t.Fatal(err)
	}

	// another plain member may not delete it
	community, _ := store.Community(testCommunityID)
	community.Lock()
	community.Members[33] = &models.Member{CommunityID: testCommunityID, AccountID: 33}
	community.Unlock()

	if err := engine.Delete(33, testChannelID, msg.ID); apperr.CodeOf(err) != apperr.Forbidden {
		t.Fatalf("want forbidden, got %v", err)
	}

	// the owner carries ManageMessages through escalation
	if err := engine.Delete(ownerID, testChannelID, msg.ID); err != nil {
		t.Fatal(err)
	}
	if !cast.has("channel/100/message:deleted") {
		t.Error("no message:deleted broadcast")
	}

	community.Lock()
	defer community.Unlock()
	if community.Channels[testChannelID].Recent.Get(msg.ID) != nil {
		t.Error("deleted message still in the ring")
	}
}

func TestSlowMode(t *testing.T) {
	engine, _, store := newTestEngine(t, permissions.SendMessages, nil)

	community, _ := store.Community(testCommunityID)
	community.Lock()
	community.Channels[testChannelID].Meta.SlowModeSeconds = 30
	community.Unlock()

	if _, err := engine.Submit(memberID, SendRequest{ChannelID: testChannelID, Content: "first"}); err != nil {
		t.Fatal(err)
	}
	if _, err := engine.Submit(memberID, SendRequest{ChannelID: testChannelID, Content: "second"}); apperr.CodeOf(err) != apperr.RateLimited {
		t.Fatalf("want rate_limited under slow mode, got %v", err)
	}

	// moderators are exempt
	if _, err := engine.Submit(ownerID, SendRequest{ChannelID: testChannelID, Content: "a"}); err != nil {
		t.Fatal(err)
	}
	if _, err := engine.Submit(ownerID, SendRequest{ChannelID: testChannelID, Content: "b"}); err != nil {
		t.Fatalf("owner hit slow mode: %v", err)
	}
}

// send timestamps older than the longest possible slow-mode interval
// are swept, recent ones kept.
func TestSlowModeSweep(t *testing.T) {
	engine, _, _ := newTestEngine(t, permissions.SendMessages, nil)

	engine.recordSend(testChannelID, memberID)
	engine.slowMu.Lock()
	engine.lastSend["100:8"] = time.Now().Add(-time.Duration(models.MaxSlowModeSeconds+60) * time.Second)
	engine.slowMu.Unlock()

	engine.sweepSlowMode(time.Now())

	engine.slowMu.Lock()
	defer engine.slowMu.Unlock()
	if _, stale := engine.lastSend["100:8"]; stale {
		t.Error("stale send timestamp survived the sweep")
	}
	if _, kept := engine.lastSend[fmt.Sprintf("%d:%d", testChannelID, memberID)]; !kept {
		t.Error("fresh send timestamp was swept")
	}
}

func TestPollVoteReplaces(t *testing.T) {
	engine, _, _ := newTestEngine(t, permissions.SendMessages, nil)

	msg, err := engine.Submit(memberID, SendRequest{ChannelID: testChannelID, Content: "/poll lunch? | pizza | sushi"})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := engine.VotePoll(ownerID, testChannelID, msg.ID, 0); err != nil {
		t.Fatal(err)
	}
	updated, err := engine.VotePoll(ownerID, testChannelID, msg.ID, 1)
	if err != nil {
		t.Fatal(err)
	}

	tally := updated.Command.Poll.Tally()
	if tally[0] != 0 || tally[1] != 1 {
		t.Errorf("tally = %v, want the re-vote to replace", tally)
	}
}

func TestSubmitDMBlockedPair(t *testing.T) {
	sugar := zap.NewNop().Sugar()
	store := state.New(sugar)
	defer store.Close()

	store.AddDM(models.DMChannel{ID: 500, Kind: models.DMKindPair, ParticipantIDs: []int64{7, 8}}, false)

	db := &fakePersister{blocked: true}
	cast := &recorder{}
	engine := New(sugar, store, ratelimit.New(nil), commands.New(sugar, 1), db, cast)

	_, err := engine.SubmitDM(7, 500, SendRequest{Content: "hello?"})
	if apperr.CodeOf(err) != apperr.Forbidden {
		t.Fatalf("want forbidden for blocked pair, got %v", err)
	}

	db.blocked = false
	msg, err := engine.SubmitDM(7, 500, SendRequest{Content: "hello"})
	if err != nil {
		t.Fatal(err)
	}
	if msg.Author.DisplayName != "tester" {
		t.Errorf("author = %+v", msg.Author)
	}
	if !cast.has("dm/500/message:new") {
		t.Errorf("no dm broadcast, got %v", cast.events)
	}

	if _, err := engine.SubmitDM(9, 500, SendRequest{Content: "intruder"}); apperr.CodeOf(err) != apperr.Forbidden {
		t.Fatalf("non-participant send: want forbidden, got %v", err)
	}
}
