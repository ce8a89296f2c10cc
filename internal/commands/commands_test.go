package commands

import (
	"strings"
	"testing"
	"time"

	"nexus-backend/internal/apperr"
	"nexus-backend/internal/models"

	"go.uber.org/zap"
)

func newTestDispatcher() *Dispatcher {
	return New(zap.NewNop().Sugar(), 42)
}

func TestParse(t *testing.T) {
	tests := []struct {
		content string
		name    string
		args    string
		ok      bool
	}{
		{"/roll 2d6", "roll", "2d6", true},
		{"/flip", "flip", "", true},
		{"/ROLL 2d6", "roll", "2d6", true},
		{"hello /roll", "", "", false},
		{"plain message", "", "", false},
		{"/", "", "", false},
	}

	for _, test := range tests {
		name, args, ok := Parse(test.content)
		if name != test.name || args != test.args || ok != test.ok {
			t.Errorf("Parse(%q) = %q, %q, %v, want %q, %q, %v",
				test.content, name, args, ok, test.name, test.args, test.ok)
		}
	}
}

func TestDispatchUnknownFallsThrough(t *testing.T) {
	d := newTestDispatcher()

	result, err := d.Dispatch("shrug", "", 1, 100)
	if result != nil || err != nil {
		t.Fatalf("unknown command should return nil, nil, got %v, %v", result, err)
	}
}

func TestRollDeterministicWithSeed(t *testing.T) {
	first := newTestDispatcher()
	second := newTestDispatcher()

	a, err := first.Dispatch("roll", "3d20", 1, 100)
	if err != nil {
		t.Fatal(err)
	}
	b, err := second.Dispatch("roll", "3d20", 1, 100)
	if err != nil {
		t.Fatal(err)
	}
	if a.DisplayContent != b.DisplayContent {
		t.Errorf("same seed produced different rolls: %q vs %q", a.DisplayContent, b.DisplayContent)
	}
	if a.Payload.Kind != "roll" {
		t.Errorf("payload kind = %q, want roll", a.Payload.Kind)
	}
}

func TestRollValidation(t *testing.T) {
	d := newTestDispatcher()

	for _, args := range []string{"garbage", "0d6", "2d1", "101d6", "2d1001"} {
		_, err := d.Dispatch("roll", args, 1, 100)
		if apperr.CodeOf(err) != apperr.Invalid {
			t.Errorf("roll %q: want invalid error, got %v", args, err)
		}
	}

	result, err := d.Dispatch("roll", "", 1, 100)
	if err != nil {
		t.Fatalf("bare /roll should default to 1d6: %v", err)
	}
	if !strings.Contains(result.DisplayContent, "1d6") {
		t.Errorf("bare roll display = %q, want a 1d6 roll", result.DisplayContent)
	}
}

func TestRpsOutcomes(t *testing.T) {
	d := newTestDispatcher()

	for range 20 {
		result, err := d.Dispatch("rps", "rock", 1, 100)
		if err != nil {
			t.Fatal(err)
		}
		if !strings.Contains(result.DisplayContent, "win") &&
			!strings.Contains(result.DisplayContent, "lose") &&
			!strings.Contains(result.DisplayContent, "draw") {
			t.Fatalf("rps display has no outcome: %q", result.DisplayContent)
		}
	}

	if _, err := d.Dispatch("rps", "lizard", 1, 100); apperr.CodeOf(err) != apperr.Invalid {
		t.Errorf("invalid hand should be rejected, got %v", err)
	}
}

func TestChoosePicksFromOptions(t *testing.T) {
	d := newTestDispatcher()

	result, err := d.Dispatch("choose", "tea | coffee | water", 1, 100)
	if err != nil {
		t.Fatal(err)
	}
	pick := result.Payload.Detail
	if pick != "tea" && pick != "coffee" && pick != "water" {
		t.Errorf("choose picked %q, not one of the options", pick)
	}

	if _, err := d.Dispatch("choose", "only-one", 1, 100); apperr.CodeOf(err) != apperr.Invalid {
		t.Errorf("single option should be rejected, got %v", err)
	}
}

func TestPollCreation(t *testing.T) {
	d := newTestDispatcher()

	result, err := d.Dispatch("poll", "lunch? | pizza | sushi | salad", 1, 100)
	if err != nil {
		t.Fatal(err)
	}
	poll := result.Payload.Poll
	if poll == nil {
		t.Fatal("poll payload is nil")
	}
	if poll.Question != "lunch?" {
		t.Errorf("question = %q", poll.Question)
	}
	if len(poll.Options) != 3 {
		t.Errorf("got %d options, want 3", len(poll.Options))
	}

	if _, err := d.Dispatch("poll", "no options here", 1, 100); apperr.CodeOf(err) != apperr.Invalid {
		t.Errorf("poll without options should be rejected, got %v", err)
	}
}

func TestVoteReplacesPriorVote(t *testing.T) {
	poll := &models.PollPayload{
		Question: "lunch?",
		Options:  []string{"pizza", "sushi"},
		Voters:   map[int64]int{},
	}

	if err := Vote(poll, 7, 0); err != nil {
		t.Fatal(err)
	}
	if err := Vote(poll, 7, 1); err != nil {
		t.Fatal(err)
	}

	tally := poll.Tally()
	if tally[0] != 0 || tally[1] != 1 {
		t.Errorf("tally = %v, want [0 1] after re-vote", tally)
	}

	if err := Vote(poll, 7, 5); apperr.CodeOf(err) != apperr.Invalid {
		t.Errorf("out-of-range option should be rejected, got %v", err)
	}
}

func TestRemindValidation(t *testing.T) {
	d := newTestDispatcher()

	if _, err := d.Dispatch("remind", "8d stretch", 1, 100); apperr.CodeOf(err) != apperr.Invalid {
		t.Errorf("8 day reminder should be rejected, got %v", err)
	}
	if _, err := d.Dispatch("remind", "10m", 1, 100); apperr.CodeOf(err) != apperr.Invalid {
		t.Errorf("reminder without text should be rejected, got %v", err)
	}

	result, err := d.Dispatch("remind", "1h stand up", 1, 100)
	if err != nil {
		t.Fatal(err)
	}
	if result.Payload.Detail != "1h0m0s" {
		t.Errorf("reminder detail = %q", result.Payload.Detail)
	}
	d.CancelJobsFor(1)
}

// a fired reminder removes itself from the pending list; only live
// jobs stay tracked.
func TestFiredReminderForgotten(t *testing.T) {
	d := newTestDispatcher()

	fired := make(chan struct{}, 1)
	d.SetEmitter(func(channelID int64, actorID int64, content string, payload *models.CommandPayload) {
		fired <- struct{}{}
	})

	if _, err := d.Dispatch("remind", "1s blink", 1, 100); err != nil {
		t.Fatal(err)
	}
	if _, err := d.Dispatch("remind", "1h stand up", 1, 100); err != nil {
		t.Fatal(err)
	}

	select {
	case <-fired:
	case <-time.After(5 * time.Second):
		t.Fatal("reminder never fired")
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		d.mu.Lock()
		pending := len(d.reminders[1])
		d.mu.Unlock()
		if pending == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("pending reminders = %d, want only the unfired one", pending)
		}
		time.Sleep(10 * time.Millisecond)
	}
	d.CancelJobsFor(1)
}

func TestRoastToggles(t *testing.T) {
	d := newTestDispatcher()

	on, err := d.Dispatch("roast", "dave", 1, 100)
	if err != nil {
		t.Fatal(err)
	}
	if on.Payload.Detail != "on" {
		t.Errorf("first invocation detail = %q, want on", on.Payload.Detail)
	}

	off, err := d.Dispatch("roast", "dave", 1, 100)
	if err != nil {
		t.Fatal(err)
	}
	if off.Payload.Detail != "off" {
		t.Errorf("second invocation detail = %q, want off", off.Payload.Detail)
	}
}

func TestCancelJobsForStopsRoasts(t *testing.T) {
	d := newTestDispatcher()

	if _, err := d.Dispatch("roast", "dave", 1, 100); err != nil {
		t.Fatal(err)
	}
	if _, err := d.Dispatch("roast", "erin", 2, 100); err != nil {
		t.Fatal(err)
	}

	d.CancelJobsFor(1)

	d.mu.Lock()
	defer d.mu.Unlock()
	if _, running := d.roasts["1:dave"]; running {
		t.Error("account 1's roast survived teardown")
	}
	if _, running := d.roasts["2:erin"]; !running {
		t.Error("account 2's roast was torn down too")
	}
}
