package ratelimit

import (
	"fmt"
	"sync"
	"time"
)

// Rule caps an action class at Max events per sliding Window.
type Rule struct {
	Max    int
	Window time.Duration
}

const (
	ActionSend    = "message:send"
	ActionEdit    = "message:edit"
	ActionReact   = "message:react"
	ActionCommand = "command"
	ActionManage  = "manage"
)

func DefaultRules() map[string]Rule {
	return map[string]Rule{
		ActionSend:    {Max: 30, Window: 10 * time.Second},
		ActionEdit:    {Max: 15, Window: 10 * time.Second},
		ActionReact:   {Max: 30, Window: 10 * time.Second},
		ActionCommand: {Max: 10, Window: 10 * time.Second},
		ActionManage:  {Max: 20, Window: 10 * time.Second},
	}
}

// Limiter counts events per (account, action class) in a sliding
// window and rejects once the rule's threshold is reached. Windows
// self-expire; a periodic sweep drops dead keys.
type Limiter struct {
	mu      sync.Mutex
	rules   map[string]Rule
	windows map[string][]time.Time
	now     func() time.Time
}

func New(rules map[string]Rule) *Limiter {
	if rules == nil {
		rules = DefaultRules()
	}
	return &Limiter{
		rules:   rules,
		windows: make(map[string][]time.Time),
		now:     time.Now,
	}
}

// Allow records one event for the account and action class and reports
// whether it fits the window. A rejected event is not recorded, so
// probing while limited does not extend the limit.
func (l *Limiter) Allow(accountID int64, action string) bool {
	rule, exists := l.rules[action]
	if !exists {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	key := fmt.Sprintf("%d:%s", accountID, action)
	now := l.now()
	cutoff := now.Add(-rule.Window)

	kept := l.windows[key][:0]
	for _, ts := range l.windows[key] {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}

	if len(kept) >= rule.Max {
		l.windows[key] = kept
		return false
	}

	l.windows[key] = append(kept, now)
	return true
}

// StartSweeper garbage-collects empty windows until stop is closed.
func (l *Limiter) StartSweeper(interval time.Duration, stop <-chan struct{}) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				l.sweep()
			}
		}
	}()
}

func (l *Limiter) sweep() {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	for key, window := range l.windows {
		live := false
		for _, ts := range window {
			// the longest configured window bounds how stale an entry
			// can be and still matter
			if now.Sub(ts) < l.longestWindow() {
				live = true
				break
			}
		}
		if !live {
			delete(l.windows, key)
		}
	}
}

func (l *Limiter) longestWindow() time.Duration {
	var longest time.Duration
	for _, rule := range l.rules {
		if rule.Window > longest {
			longest = rule.Window
		}
	}
	return longest
}
