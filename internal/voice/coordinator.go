package voice

import (
	"encoding/json"
	"sync"

	"go.uber.org/zap"
)

// Broadcast event names.
const (
	EventPeerJoined    = "peer:joined"
	EventPeerLeft      = "peer:left"
	EventVoiceState    = "voice:state"
	EventScreenStarted = "screen:started"
	EventScreenStopped = "screen:stopped"
	EventScreenWatch   = "screen:watch"
)

// Broadcaster is the slice of the fan-out transport the coordinator
// needs; the gateway adapts the hub onto it.
type Broadcaster interface {
	EmitChannel(channelID int64, event string, payload any)
	EmitCommunity(communityID int64, event string, payload any)
	SendTo(sessionID int64, event string, payload any)
}

// SessionLookup reports whether a session is still connected. Relay
// uses it as its only check; a vanished target is a no-op.
type SessionLookup func(sessionID int64) bool

type Occupant struct {
	SessionID     int64 `json:"sessionID,string"`
	AccountID     int64 `json:"accountID,string"`
	Muted         bool  `json:"muted"`
	Deafened      bool  `json:"deafened"`
	ScreenSharing bool  `json:"screenSharing"`
}

// channelState is one voice channel's occupancy. It has its own lock;
// the coordinator lock only guards the channel map and the
// session-to-channel index.
type channelState struct {
	mu sync.Mutex

	channelID   int64
	communityID int64
	ephemeral   bool
	occupants   map[int64]*Occupant
	// watchers maps a sharing session to the viewer sessions that
	// explicitly opted in. No implicit broadcast of media.
	watchers map[int64]map[int64]bool
}

// Coordinator tracks voice occupancy and relays signaling payloads.
// It never stores or inspects media; everything here is rebuilt from
// scratch at process start.
type Coordinator struct {
	sugar     *zap.SugaredLogger
	broadcast Broadcaster
	connected SessionLookup

	mu        sync.Mutex
	channels  map[int64]*channelState
	bySession map[int64]int64

	// OnEphemeralEmpty, when set, fires after an ephemeral call
	// channel loses its last occupant and is torn down.
	OnEphemeralEmpty func(channelID int64)
}

func New(sugar *zap.SugaredLogger, broadcast Broadcaster, connected SessionLookup) *Coordinator {
	return &Coordinator{
		sugar:     sugar,
		broadcast: broadcast,
		connected: connected,
		channels:  map[int64]*channelState{},
		bySession: map[int64]int64{},
	}
}

// Join moves the session into the target channel, leaving any channel
// it currently occupies first — a session is in at most one voice
// channel at any time. Returns the occupants that were already there
// so the joiner can establish peer links. Joining the channel the
// session already occupies changes nothing and broadcasts nothing; the
// caller just gets the peer list again.
func (v *Coordinator) Join(sessionID int64, accountID int64, channelID int64, communityID int64, ephemeral bool) []Occupant {
	v.mu.Lock()
	if current, occupied := v.bySession[sessionID]; occupied && current == channelID {
		ch := v.channels[channelID]
		v.mu.Unlock()
		return v.peersExcept(ch, sessionID)
	}
	v.mu.Unlock()

	v.Leave(sessionID)

	v.mu.Lock()
	ch, exists := v.channels[channelID]
	if !exists {
		ch = &channelState{
			channelID:   channelID,
			communityID: communityID,
			ephemeral:   ephemeral,
			occupants:   map[int64]*Occupant{},
			watchers:    map[int64]map[int64]bool{},
		}
		v.channels[channelID] = ch
	}
	v.bySession[sessionID] = channelID
	v.mu.Unlock()

	ch.mu.Lock()
	peers := ch.snapshot()
	occupant := &Occupant{SessionID: sessionID, AccountID: accountID}
	ch.occupants[sessionID] = occupant
	joined := *occupant
	ch.mu.Unlock()

	v.broadcast.EmitChannel(channelID, EventPeerJoined, joined)
	v.emitState(ch)

	return peers
}

// Leave removes the session from whatever channel it occupies.
// Explicit voice:leave and disconnect both land here.
func (v *Coordinator) Leave(sessionID int64) {
	v.mu.Lock()
	channelID, occupied := v.bySession[sessionID]
	if !occupied {
		v.mu.Unlock()
		return
	}
	delete(v.bySession, sessionID)
	ch := v.channels[channelID]
	v.mu.Unlock()

	if ch == nil {
		return
	}

	ch.mu.Lock()
	occupant := ch.occupants[sessionID]
	delete(ch.occupants, sessionID)
	delete(ch.watchers, sessionID)
	for _, viewers := range ch.watchers {
		delete(viewers, sessionID)
	}
	empty := len(ch.occupants) == 0
	ch.mu.Unlock()

	if occupant == nil {
		return
	}

	v.broadcast.EmitChannel(channelID, EventPeerLeft, Occupant{SessionID: sessionID, AccountID: occupant.AccountID})
	v.emitState(ch)

	if empty && ch.ephemeral {
		v.mu.Lock()
		delete(v.channels, channelID)
		v.mu.Unlock()

		if v.OnEphemeralEmpty != nil {
			v.OnEphemeralEmpty(channelID)
		}
	}
}

// ChannelOf reports which voice channel the session occupies, zero for
// none.
func (v *Coordinator) ChannelOf(sessionID int64) int64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.bySession[sessionID]
}

// SetFlags updates the session's transient mute/deafen flags and
// broadcasts the new channel state.
func (v *Coordinator) SetFlags(sessionID int64, muted bool, deafened bool) {
	ch := v.channelFor(sessionID)
	if ch == nil {
		return
	}

	ch.mu.Lock()
	occupant := ch.occupants[sessionID]
	if occupant != nil {
		occupant.Muted = muted
		occupant.Deafened = deafened
	}
	ch.mu.Unlock()

	if occupant != nil {
		v.emitState(ch)
	}
}

// ScreenStart marks the session as sharing and announces it. Viewers
// receive no media until they explicitly call ScreenWatch.
func (v *Coordinator) ScreenStart(sessionID int64) bool {
	ch := v.channelFor(sessionID)
	if ch == nil {
		return false
	}

	ch.mu.Lock()
	occupant := ch.occupants[sessionID]
	if occupant == nil {
		ch.mu.Unlock()
		return false
	}
	occupant.ScreenSharing = true
	if ch.watchers[sessionID] == nil {
		ch.watchers[sessionID] = map[int64]bool{}
	}
	ch.mu.Unlock()

	v.broadcast.EmitChannel(ch.channelID, EventScreenStarted, Occupant{SessionID: sessionID, AccountID: occupant.AccountID})
	v.emitState(ch)
	return true
}

func (v *Coordinator) ScreenStop(sessionID int64) {
	ch := v.channelFor(sessionID)
	if ch == nil {
		return
	}

	ch.mu.Lock()
	occupant := ch.occupants[sessionID]
	if occupant == nil || !occupant.ScreenSharing {
		ch.mu.Unlock()
		return
	}
	occupant.ScreenSharing = false
	delete(ch.watchers, sessionID)
	ch.mu.Unlock()

	v.broadcast.EmitChannel(ch.channelID, EventScreenStopped, Occupant{SessionID: sessionID, AccountID: occupant.AccountID})
	v.emitState(ch)
}

// ScreenWatch registers the viewer's opt-in for one sharer's stream
// and tells the sharer to open a media link to exactly that viewer.
// Both sessions must occupy the same channel and the sharer must
// actually be sharing.
func (v *Coordinator) ScreenWatch(viewerSessionID int64, sharerSessionID int64) bool {
	ch := v.channelFor(viewerSessionID)
	if ch == nil || ch != v.channelFor(sharerSessionID) {
		return false
	}

	ch.mu.Lock()
	sharer := ch.occupants[sharerSessionID]
	if sharer == nil || !sharer.ScreenSharing {
		ch.mu.Unlock()
		return false
	}
	ch.watchers[sharerSessionID][viewerSessionID] = true
	ch.mu.Unlock()

	v.broadcast.SendTo(sharerSessionID, EventScreenWatch, struct {
		ViewerID int64 `json:"viewerID,string"`
	}{viewerSessionID})
	return true
}

// Relay forwards a signaling payload verbatim to the target session.
// The only check is that the target is still connected; the payload is
// never inspected or stored.
func (v *Coordinator) Relay(fromSessionID int64, targetSessionID int64, event string, payload json.RawMessage) {
	if !v.connected(targetSessionID) {
		// target gone mid-negotiation, nothing to do
		return
	}

	v.broadcast.SendTo(targetSessionID, event, struct {
		FromID  int64           `json:"fromID,string"`
		Payload json.RawMessage `json:"payload"`
	}{fromSessionID, payload})
}

// Occupants snapshots one channel's occupant list.
func (v *Coordinator) Occupants(channelID int64) []Occupant {
	v.mu.Lock()
	ch := v.channels[channelID]
	v.mu.Unlock()

	if ch == nil {
		return []Occupant{}
	}

	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.snapshot()
}

// CommunitySnapshot collects occupancy for every voice channel of one
// community, the voiceState block of the init payload.
func (v *Coordinator) CommunitySnapshot(communityID int64) map[int64][]Occupant {
	v.mu.Lock()
	var states []*channelState
	for _, ch := range v.channels {
		if ch.communityID == communityID {
			states = append(states, ch)
		}
	}
	v.mu.Unlock()

	snapshot := map[int64][]Occupant{}
	for _, ch := range states {
		ch.mu.Lock()
		snapshot[ch.channelID] = ch.snapshot()
		ch.mu.Unlock()
	}
	return snapshot
}

func (v *Coordinator) channelFor(sessionID int64) *channelState {
	v.mu.Lock()
	defer v.mu.Unlock()

	channelID, occupied := v.bySession[sessionID]
	if !occupied {
		return nil
	}
	return v.channels[channelID]
}

// emitState pushes the occupancy snapshot community-wide so sidebars
// update without being subscribed to the channel itself.
func (v *Coordinator) emitState(ch *channelState) {
	ch.mu.Lock()
	payload := struct {
		ChannelID int64      `json:"channelID,string"`
		Occupants []Occupant `json:"occupants"`
	}{ch.channelID, ch.snapshot()}
	communityID := ch.communityID
	ch.mu.Unlock()

	if communityID != 0 {
		v.broadcast.EmitCommunity(communityID, EventVoiceState, payload)
	} else {
		v.broadcast.EmitChannel(ch.channelID, EventVoiceState, payload)
	}
}

// peersExcept copies a channel's occupant list minus one session.
func (v *Coordinator) peersExcept(ch *channelState, sessionID int64) []Occupant {
	if ch == nil {
		return []Occupant{}
	}

	ch.mu.Lock()
	defer ch.mu.Unlock()

	out := make([]Occupant, 0, len(ch.occupants))
	for id, occupant := range ch.occupants {
		if id != sessionID {
			out = append(out, *occupant)
		}
	}
	return out
}

// snapshot copies the occupant list; callers hold ch.mu.
func (ch *channelState) snapshot() []Occupant {
	out := make([]Occupant, 0, len(ch.occupants))
	for _, occupant := range ch.occupants {
		out = append(out, *occupant)
	}
	return out
}
