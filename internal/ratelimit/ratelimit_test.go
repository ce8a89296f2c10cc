package ratelimit

import (
	"testing"
	"time"
)

func newTestLimiter(rules map[string]Rule) (*Limiter, *time.Time) {
	l := New(rules)
	current := time.Unix(1_700_000_000, 0)
	l.now = func() time.Time { return current }
	return l, &current
}

func TestAllowWithinLimit(t *testing.T) {
	l, _ := newTestLimiter(map[string]Rule{
		ActionSend: {Max: 30, Window: 10 * time.Second},
	})

	for i := range 30 {
		if !l.Allow(1, ActionSend) {
			t.Fatalf("send %d rejected, want all 30 allowed", i+1)
		}
	}
}

func TestRejectsExactlyTheOverflowing(t *testing.T) {
	l, _ := newTestLimiter(map[string]Rule{
		ActionSend: {Max: 30, Window: 10 * time.Second},
	})

	rejected := 0
	for range 31 {
		if !l.Allow(1, ActionSend) {
			rejected++
		}
	}
	if rejected != 1 {
		t.Errorf("got %d rejections for 31 sends under a 30/10s limit, want 1", rejected)
	}
}

func TestWindowSlides(t *testing.T) {
	l, current := newTestLimiter(map[string]Rule{
		ActionSend: {Max: 30, Window: 10 * time.Second},
	})

	for range 30 {
		l.Allow(1, ActionSend)
	}
	if l.Allow(1, ActionSend) {
		t.Fatal("31st send within the window was allowed")
	}

	*current = current.Add(10*time.Second + time.Millisecond)

	if !l.Allow(1, ActionSend) {
		t.Error("send after the window elapsed was rejected")
	}
}

func TestRejectionDoesNotExtendWindow(t *testing.T) {
	l, current := newTestLimiter(map[string]Rule{
		ActionSend: {Max: 2, Window: 10 * time.Second},
	})

	l.Allow(1, ActionSend)
	l.Allow(1, ActionSend)

	// hammer while limited; none of these may count as events
	for range 50 {
		if l.Allow(1, ActionSend) {
			t.Fatal("send allowed while window full")
		}
	}

	*current = current.Add(10*time.Second + time.Millisecond)
	if !l.Allow(1, ActionSend) {
		t.Error("probing while limited extended the window")
	}
}

func TestKeysAreIndependent(t *testing.T) {
	l, _ := newTestLimiter(map[string]Rule{
		ActionSend: {Max: 1, Window: 10 * time.Second},
	})

	if !l.Allow(1, ActionSend) {
		t.Fatal("first send for account 1 rejected")
	}
	if l.Allow(1, ActionSend) {
		t.Fatal("second send for account 1 allowed")
	}
	if !l.Allow(2, ActionSend) {
		t.Error("account 2 was limited by account 1's window")
	}
	if !l.Allow(1, ActionEdit) {
		t.Error("unconfigured action class was limited")
	}
}

func TestSweepDropsDeadKeys(t *testing.T) {
	l, current := newTestLimiter(map[string]Rule{
		ActionSend: {Max: 30, Window: 10 * time.Second},
	})

	l.Allow(1, ActionSend)
	l.Allow(2, ActionSend)

	*current = current.Add(time.Minute)
	l.sweep()

	l.mu.Lock()
	remaining := len(l.windows)
	l.mu.Unlock()

	if remaining != 0 {
		t.Errorf("sweep left %d dead windows, want 0", remaining)
	}
}
