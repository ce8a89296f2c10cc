package commands

import (
	"fmt"
	"math/rand/v2"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"nexus-backend/internal/apperr"
	"nexus-backend/internal/models"

	"go.uber.org/zap"
)

const (
	// Prefix marks a message as a command attempt.
	Prefix = "/"

	maxReminderDuration  = 7 * 24 * time.Hour
	defaultRoastInterval = time.Hour
)

// Result is what a recognized command produces: a human-readable
// summary plus a structured payload for rich rendering.
type Result struct {
	DisplayContent string
	Payload        *models.CommandPayload
}

// Emitter injects a synthetic chat message into a channel. Deferred
// jobs (reminders, roasts) fire through this.
type Emitter func(channelID int64, actorID int64, content string, payload *models.CommandPayload)

// Dispatcher interprets slash commands. Deterministic commands draw
// from a seeded source; stateful ones register deferred emissions that
// die with the process.
type Dispatcher struct {
	sugar *zap.SugaredLogger

	mu   sync.Mutex
	rng  *rand.Rand
	emit Emitter

	roastInterval time.Duration
	roasts        map[string]chan struct{}
	reminders     map[int64][]chan struct{}
}

func New(sugar *zap.SugaredLogger, seed uint64) *Dispatcher {
	return &Dispatcher{
		sugar:         sugar,
		rng:           rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		roastInterval: defaultRoastInterval,
		roasts:        map[string]chan struct{}{},
		reminders:     map[int64][]chan struct{}{},
	}
}

// SetEmitter wires the fan-out path in after construction.
func (d *Dispatcher) SetEmitter(emit Emitter) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.emit = emit
}

// Parse splits a message into command name and argument string, or
// returns false when the content is not a command attempt.
func Parse(content string) (string, string, bool) {
	if !strings.HasPrefix(content, Prefix) || len(content) < 2 {
		return "", "", false
	}
	rest := content[len(Prefix):]
	name, args, _ := strings.Cut(rest, " ")
	return strings.ToLower(name), strings.TrimSpace(args), true
}

// Dispatch runs one command. A nil, nil return means the name is not
// a recognized command and the caller should fall through to a
// literal message.
func (d *Dispatcher) Dispatch(name string, args string, actorID int64, channelID int64) (*Result, error) {
	switch name {
	case "roll":
		return d.roll(args)
	case "flip":
		return d.flip()
	case "rps":
		return d.rps(args)
	case "choose":
		return d.choose(args)
	case "8ball":
		return d.eightBall(args)
	case "poll":
		return d.poll(args)
	case "remind":
		return d.remind(args, actorID, channelID)
	case "roast":
		return d.roast(args, actorID, channelID)
	default:
		return nil, nil
	}
}

func (d *Dispatcher) draw(n int) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.rng.IntN(n)
}

// roll parses NdM dice notation, defaulting to 1d6.
func (d *Dispatcher) roll(args string) (*Result, error) {
	count, sides := 1, 6
	if args != "" {
		countStr, sidesStr, found := strings.Cut(args, "d")
		if !found {
			return nil, apperr.New(apperr.Invalid, "dice notation is NdM, like 2d20")
		}
		var err error
		if countStr != "" {
			count, err = strconv.Atoi(countStr)
			if err != nil {
				return nil, apperr.New(apperr.Invalid, "dice notation is NdM, like 2d20")
			}
		}
		sides, err = strconv.Atoi(sidesStr)
		if err != nil {
			return nil, apperr.New(apperr.Invalid, "dice notation is NdM, like 2d20")
		}
	}
	if count < 1 || count > 100 || sides < 2 || sides > 1000 {
		return nil, apperr.New(apperr.Invalid, "dice out of range, max 100d1000")
	}

	rolls := make([]string, count)
	total := 0
	for i := range count {
		value := d.draw(sides) + 1
		total += value
		rolls[i] = strconv.Itoa(value)
	}

	return &Result{
		DisplayContent: fmt.Sprintf("🎲 rolled %dd%d: %s = %d", count, sides, strings.Join(rolls, " + "), total),
		Payload: &models.CommandPayload{
			Kind:   "roll",
			Detail: strings.Join(rolls, ","),
		},
	}, nil
}

func (d *Dispatcher) flip() (*Result, error) {
	face := "heads"
	if d.draw(2) == 1 {
		face = "tails"
	}
	return &Result{
		DisplayContent: fmt.Sprintf("🪙 %s", face),
		Payload:        &models.CommandPayload{Kind: "flip", Detail: face},
	}, nil
}

func (d *Dispatcher) rps(args string) (*Result, error) {
	hands := []string{"rock", "paper", "scissors"}

	player := strings.ToLower(args)
	playerIdx := -1
	for i, hand := range hands {
		if hand == player {
			playerIdx = i
		}
	}
	if playerIdx < 0 {
		return nil, apperr.New(apperr.Invalid, "pick rock, paper or scissors")
	}

	houseIdx := d.draw(3)
	outcome := "it's a draw"
	switch (playerIdx - houseIdx + 3) % 3 {
	case 1:
		outcome = "you win"
	case 2:
		outcome = "you lose"
	}

	return &Result{
		DisplayContent: fmt.Sprintf("✊ %s vs %s — %s", hands[playerIdx], hands[houseIdx], outcome),
		Payload:        &models.CommandPayload{Kind: "rps", Detail: fmt.Sprintf("%s:%s", hands[playerIdx], hands[houseIdx])},
	}, nil
}

func (d *Dispatcher) choose(args string) (*Result, error) {
	var options []string
	for _, raw := range strings.Split(args, "|") {
		if trimmed := strings.TrimSpace(raw); trimmed != "" {
			options = append(options, trimmed)
		}
	}
	if len(options) < 2 {
		return nil, apperr.New(apperr.Invalid, "give at least two options separated by |")
	}

	pick := options[d.draw(len(options))]
	return &Result{
		DisplayContent: fmt.Sprintf("🤔 I choose: %s", pick),
		Payload:        &models.CommandPayload{Kind: "choose", Detail: pick},
	}, nil
}

var eightBallAnswers = []string{
	"It is certain.",
	"Without a doubt.",
	"Most likely.",
	"Signs point to yes.",
	"Reply hazy, try again.",
	"Ask again later.",
	"Don't count on it.",
	"My sources say no.",
	"Very doubtful.",
	"Outlook not so good.",
}

func (d *Dispatcher) eightBall(args string) (*Result, error) {
	if strings.TrimSpace(args) == "" {
		return nil, apperr.New(apperr.Invalid, "ask the 8-ball a question")
	}
	answer := eightBallAnswers[d.draw(len(eightBallAnswers))]
	return &Result{
		DisplayContent: fmt.Sprintf("🎱 %s", answer),
		Payload:        &models.CommandPayload{Kind: "8ball", Detail: answer},
	}, nil
}

// poll builds a poll payload from "Question | option | option".
func (d *Dispatcher) poll(args string) (*Result, error) {
	parts := strings.Split(args, "|")
	if len(parts) < 3 {
		return nil, apperr.New(apperr.Invalid, "poll format: question | option | option [| ...]")
	}

	question := strings.TrimSpace(parts[0])
	var options []string
	for _, raw := range parts[1:] {
		if trimmed := strings.TrimSpace(raw); trimmed != "" {
			options = append(options, trimmed)
		}
	}
	if question == "" || len(options) < 2 {
		return nil, apperr.New(apperr.Invalid, "poll needs a question and at least two options")
	}

	return &Result{
		DisplayContent: fmt.Sprintf("📊 %s", question),
		Payload: &models.CommandPayload{
			Kind: "poll",
			Poll: &models.PollPayload{
				Question: question,
				Options:  options,
				Voters:   map[int64]int{},
			},
		},
	}, nil
}

// Vote records a poll vote, replacing any prior vote by the same
// account: exactly one active vote per account per poll. Callers hold
// the lock of the community or DM owning the message.
func Vote(poll *models.PollPayload, accountID int64, optionIndex int) error {
	if optionIndex < 0 || optionIndex >= len(poll.Options) {
		return apperr.New(apperr.Invalid, "option index out of range")
	}
	if poll.Voters == nil {
		poll.Voters = map[int64]int{}
	}
	poll.Voters[accountID] = optionIndex
	return nil
}

// remind schedules a one-shot delayed emission: "/remind 10m take a
// break". Max seven days out; dies with the process.
func (d *Dispatcher) remind(args string, actorID int64, channelID int64) (*Result, error) {
	durationStr, text, found := strings.Cut(args, " ")
	if !found || strings.TrimSpace(text) == "" {
		return nil, apperr.New(apperr.Invalid, "reminder format: /remind 10m message")
	}

	duration, err := parseDuration(durationStr)
	if err != nil {
		return nil, apperr.New(apperr.Invalid, "can't parse %q as a duration", durationStr)
	}
	if duration <= 0 || duration > maxReminderDuration {
		return nil, apperr.New(apperr.Invalid, "reminders run from 1s up to 7d")
	}

	cancel := make(chan struct{})
	d.mu.Lock()
	d.reminders[actorID] = append(d.reminders[actorID], cancel)
	d.mu.Unlock()

	go func() {
		timer := time.NewTimer(duration)
		defer timer.Stop()
		defer d.dropReminder(actorID, cancel)

		select {
		case <-cancel:
			return
		case <-timer.C:
		}

		d.mu.Lock()
		emit := d.emit
		d.mu.Unlock()
		if emit != nil {
			emit(channelID, actorID, fmt.Sprintf("⏰ reminder: %s", strings.TrimSpace(text)),
				&models.CommandPayload{Kind: "reminder", Detail: strings.TrimSpace(text)})
		}
	}()

	return &Result{
		DisplayContent: fmt.Sprintf("⏰ ok, reminding you in %s", duration),
		Payload:        &models.CommandPayload{Kind: "remind", Detail: duration.String()},
	}, nil
}

// dropReminder forgets one reminder's cancel channel once the job has
// fired or been cancelled, so the pending list tracks only live jobs.
func (d *Dispatcher) dropReminder(actorID int64, cancel chan struct{}) {
	d.mu.Lock()
	defer d.mu.Unlock()

	pending := d.reminders[actorID]
	for i, c := range pending {
		if c == cancel {
			d.reminders[actorID] = slices.Delete(pending, i, i+1)
			break
		}
	}
	if len(d.reminders[actorID]) == 0 {
		delete(d.reminders, actorID)
	}
}

// roast toggles a recurring jab at the target, keyed by actor and
// target: invoking it again with the same pair stops the job.
func (d *Dispatcher) roast(args string, actorID int64, channelID int64) (*Result, error) {
	target := strings.TrimSpace(args)
	if target == "" {
		return nil, apperr.New(apperr.Invalid, "roast who?")
	}

	key := fmt.Sprintf("%d:%s", actorID, target)

	d.mu.Lock()
	if stop, running := d.roasts[key]; running {
		close(stop)
		delete(d.roasts, key)
		d.mu.Unlock()

		return &Result{
			DisplayContent: fmt.Sprintf("🔥 roast of %s is off", target),
			Payload:        &models.CommandPayload{Kind: "roast", Detail: "off"},
		}, nil
	}

	stop := make(chan struct{})
	d.roasts[key] = stop
	interval := d.roastInterval
	d.mu.Unlock()

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				line := roastLines[d.draw(len(roastLines))]
				d.mu.Lock()
				emit := d.emit
				d.mu.Unlock()
				if emit != nil {
					emit(channelID, actorID, fmt.Sprintf("🔥 %s, %s", target, line),
						&models.CommandPayload{Kind: "roast", Detail: target})
				}
			}
		}
	}()

	return &Result{
		DisplayContent: fmt.Sprintf("🔥 roast of %s is on, same time every hour", target),
		Payload:        &models.CommandPayload{Kind: "roast", Detail: "on"},
	}, nil
}

var roastLines = []string{
	"your code reviews itself out of shame",
	"even the linter gave up on you",
	"you're the reason we have a staging environment",
	"your commits are the real easter eggs",
	"404: comeback not found",
}

// CancelJobsFor tears down every deferred job the account owns. Runs
// during account deletion.
func (d *Dispatcher) CancelJobsFor(accountID int64) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, cancel := range d.reminders[accountID] {
		close(cancel)
	}
	delete(d.reminders, accountID)

	prefix := fmt.Sprintf("%d:", accountID)
	for key, stop := range d.roasts {
		if strings.HasPrefix(key, prefix) {
			close(stop)
			delete(d.roasts, key)
		}
	}
}

// parseDuration accepts Go durations plus a bare "d" suffix for days.
func parseDuration(s string) (time.Duration, error) {
	if strings.HasSuffix(s, "d") {
		days, err := strconv.Atoi(strings.TrimSuffix(s, "d"))
		if err != nil {
			return 0, err
		}
		return time.Duration(days) * 24 * time.Hour, nil
	}
	return time.ParseDuration(s)
}
