package gateway

import (
	"encoding/json"
	"testing"

	"nexus-backend/internal/apperr"
	"nexus-backend/internal/commands"
	"nexus-backend/internal/fanout"
	"nexus-backend/internal/hub"
	"nexus-backend/internal/jwt"
	"nexus-backend/internal/keyValue"
	"nexus-backend/internal/models"
	"nexus-backend/internal/ratelimit"
	"nexus-backend/internal/state"
	"nexus-backend/internal/voice"

	"go.uber.org/zap"
)

func newTestGateway(t *testing.T) *Gateway {
	t.Helper()

	sugar := zap.NewNop().Sugar()
	hub.Setup(sugar, nil, true)
	jwt.Setup("test-secret", false)

	store := state.New(sugar)
	t.Cleanup(store.Close)

	limiter := ratelimit.New(nil)
	dispatcher := commands.New(sugar, 1)
	engine := fanout.New(sugar, store, limiter, dispatcher, nil, Caster{})
	coordinator := voice.New(sugar, Caster{}, func(int64) bool { return false })

	return New(sugar, &models.ConfigFile{}, store, nil, engine, coordinator, limiter, dispatcher)
}

func TestUnauthenticatedEventsAreSilentlyDropped(t *testing.T) {
	g := newTestGateway(t)
	c := &hub.Client{SessionID: 1}

	// none of these may panic, reply, or touch state for a session
	// that never authenticated
	events := []struct {
		name string
		data string
	}{
		{"message:send", `{"channelId":"100","content":"hi"}`},
		{"voice:join", `{"channelId":"100"}`},
		{"server:create", `{"name":"sneaky"}`},
		{"nonsense:event", `{}`},
		{"message:send", `not even json`},
	}

	for _, event := range events {
		g.HandleEvent(c, event.name, json.RawMessage(event.data))
	}

	if c.AccountID() != 0 {
		t.Error("unauthenticated session acquired an account")
	}
	if len(g.store.CommunityIDs()) != 0 {
		t.Error("unauthenticated event mutated the store")
	}
}

func TestJoinRejectsBadToken(t *testing.T) {
	g := newTestGateway(t)
	c := &hub.Client{SessionID: 2}

	g.HandleEvent(c, "join", json.RawMessage(`{"token":"garbage"}`))

	if c.AccountID() != 0 {
		t.Error("session authenticated with a garbage token")
	}
}

func TestJoinRequiresToken(t *testing.T) {
	g := newTestGateway(t)
	c := &hub.Client{SessionID: 3}

	g.HandleEvent(c, "join", json.RawMessage(`{}`))
	g.HandleEvent(c, "join", json.RawMessage(`{"token":""}`))

	if c.AccountID() != 0 {
		t.Error("session authenticated without a token")
	}
}

func TestUnknownEventFromAuthenticatedSessionDoesNotPanic(t *testing.T) {
	g := newTestGateway(t)
	c := &hub.Client{SessionID: 4}
	hub.Authenticate(c, 42)

	g.HandleEvent(c, "definitely:not:real", json.RawMessage(`{}`))
	g.HandleEvent(c, "message:send", json.RawMessage(`{"channelId":"0"}`))
}

func TestDisconnectWithoutVoiceOrAuth(t *testing.T) {
	g := newTestGateway(t)
	c := &hub.Client{SessionID: 5}

	g.HandleDisconnect(c)
}

// the use counter burns exactly MaxUses redemptions.
func TestInviteUseCounter(t *testing.T) {
	keyValue.Setup(zap.NewNop().Sugar(), nil, true)

	invite := &models.Invite{Code: "11111111-2222-3333-4444-555555555555", MaxUses: 2}
	if err := keyValue.Set(inviteUsesKey(invite.Code), "0", 0); err != nil {
		t.Fatal(err)
	}

	if inviteExhausted(invite) {
		t.Fatal("first redemption refused")
	}
	if inviteExhausted(invite) {
		t.Fatal("second redemption refused")
	}
	if !inviteExhausted(invite) {
		t.Fatal("third redemption allowed past MaxUses")
	}
}

// after a restart the counter key is gone; the gate reseeds it from
// the durable count instead of starting over at zero.
func TestInviteUseCounterReseedsFromDurableCount(t *testing.T) {
	keyValue.Setup(zap.NewNop().Sugar(), nil, true)

	// no counter key: simulates a fresh process with one use already
	// recorded durably
	invite := &models.Invite{Code: "99999999-8888-7777-6666-555555555555", MaxUses: 2, Uses: 1}

	if inviteExhausted(invite) {
		t.Fatal("remaining slot refused after reseed")
	}
	if !inviteExhausted(invite) {
		t.Fatal("redemption allowed past the reseeded count")
	}
}

// a group at the participant cap refuses further additions before any
// account lookup happens.
func TestGroupDMAddRefusedWhenFull(t *testing.T) {
	g := newTestGateway(t)
	c := &hub.Client{SessionID: 1}
	hub.Authenticate(c, 42)

	participants := []int64{42}
	for i := int64(0); i < maxGroupDMParticipants-1; i++ {
		participants = append(participants, 1000+i)
	}
	g.store.AddDM(models.DMChannel{ID: 600, Kind: models.DMKindGroup, CreatorID: 42, ParticipantIDs: participants}, false)

	payload, _ := json.Marshal(map[string]string{"dmId": "600", "accountId": "7777"})
	err := g.handleGroupDMAdd(c, 42, payload)
	if apperr.CodeOf(err) != apperr.Invalid {
		t.Fatalf("add to a full group: want invalid, got %v", err)
	}

	dm, _ := g.store.DM(600)
	dm.Lock()
	defer dm.Unlock()
	if len(dm.Meta.ParticipantIDs) != maxGroupDMParticipants {
		t.Errorf("participant count = %d, want unchanged %d", len(dm.Meta.ParticipantIDs), maxGroupDMParticipants)
	}
}
