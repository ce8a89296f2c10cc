package state

import (
	"slices"
	"sync"
	"time"

	"nexus-backend/internal/models"

	"go.uber.org/zap"
)

// Loader is the slice of the persistence gateway the store replays at
// cold start. Failure here aborts process startup; there is no partial
// hydration.
type Loader interface {
	LoadAllCommunities() ([]models.Community, error)
	LoadCategories(communityID int64) ([]models.Category, error)
	LoadChannels(communityID int64) ([]models.Channel, error)
	LoadRoles(communityID int64) ([]models.Role, error)
	LoadMembers(communityID int64) ([]models.Member, error)
	LoadBans(communityID int64) ([]models.Ban, error)
	LoadRecentMessages(channelID int64, limit int, beforeID int64) ([]models.Message, error)
	LoadAllDMChannels() ([]models.DMChannel, error)
	LoadDMViews(dmID int64) (map[int64]models.DMView, error)
}

// DMChannel is the runtime record of a direct-message conversation,
// with its own lock independent of any community.
type DMChannel struct {
	mu sync.Mutex

	Meta   models.DMChannel
	Views  map[int64]models.DMView
	Recent *RingBuffer
	// Ephemeral call channels tear down when the last voice occupant
	// leaves; persisted group/pair DMs never do.
	Ephemeral bool
}

func (dm *DMChannel) Lock()   { dm.mu.Lock() }
func (dm *DMChannel) Unlock() { dm.mu.Unlock() }

// View returns accountID's private view state. The zero value means
// nothing hidden, nothing deleted.
func (dm *DMChannel) View(accountID int64) models.DMView {
	return dm.Views[accountID]
}

func (dm *DMChannel) HasParticipant(accountID int64) bool {
	return slices.Contains(dm.Meta.ParticipantIDs, accountID)
}

// persistOp is one queued write-through. desc names the operation in
// the failure log.
type persistOp struct {
	desc string
	fn   func() error
}

// Store holds the authoritative in-memory mirror of every community
// and DM channel, plus the fire-and-forget write-through queue.
type Store struct {
	sugar *zap.SugaredLogger

	mu          sync.RWMutex
	communities map[int64]*Community
	dms         map[int64]*DMChannel

	persist    chan persistOp
	quit       chan struct{}
	retryDelay time.Duration
}

func New(sugar *zap.SugaredLogger) *Store {
	s := &Store{
		sugar:       sugar,
		communities: map[int64]*Community{},
		dms:         map[int64]*DMChannel{},
		persist:     make(chan persistOp, 1024),
		quit:        make(chan struct{}),
		retryDelay:  2 * time.Second,
	}
	go s.persistLoop()
	return s
}

func (s *Store) Close() {
	close(s.quit)
}

// Async queues a persistence write behind the already-committed
// in-memory change. Failures are logged and retried once, never
// surfaced to the client and never rolled back in memory.
func (s *Store) Async(desc string, fn func() error) {
	op := persistOp{desc: desc, fn: fn}
	select {
	case s.persist <- op:
	default:
		// queue full; don't stall the hot path
		go s.run(op)
	}
}

func (s *Store) persistLoop() {
	for {
		select {
		case <-s.quit:
			return
		case op := <-s.persist:
			s.run(op)
		}
	}
}

func (s *Store) run(op persistOp) {
	err := op.fn()
	if err == nil {
		return
	}
	s.sugar.Errorf("Persistence write [%s] failed: %v, retrying once", op.desc, err)

	time.Sleep(s.retryDelay)
	if err := op.fn(); err != nil {
		s.sugar.Errorf("Persistence write [%s] failed on retry: %v, in-memory state stays authoritative", op.desc, err)
	}
}

// Hydrate replays the gateway into memory: communities, categories,
// channels, roles, members, recent messages, bans, then DM channels.
// Voice occupancy is deliberately not loaded; it is rebuilt from
// scratch as sessions join.
func (s *Store) Hydrate(loader Loader) error {
	communities, err := loader.LoadAllCommunities()
	if err != nil {
		return err
	}

	for _, meta := range communities {
		community := newCommunity(meta)

		categories, err := loader.LoadCategories(meta.ID)
		if err != nil {
			return err
		}
		for i := range categories {
			community.Categories[categories[i].ID] = &categories[i]
		}

		channels, err := loader.LoadChannels(meta.ID)
		if err != nil {
			return err
		}
		for _, ch := range channels {
			runtime := community.AddChannel(ch)
			if cat, ok := community.Categories[ch.CategoryID]; ok {
				cat.ChannelIDs = append(cat.ChannelIDs, ch.ID)
			}
			if runtime.Recent != nil {
				recent, err := loader.LoadRecentMessages(ch.ID, RingCapacity, 0)
				if err != nil {
					return err
				}
				for _, msg := range recent {
					runtime.Recent.Append(msg)
				}
			}
		}

		roles, err := loader.LoadRoles(meta.ID)
		if err != nil {
			return err
		}
		for i := range roles {
			community.Roles[roles[i].ID] = &roles[i]
		}

		members, err := loader.LoadMembers(meta.ID)
		if err != nil {
			return err
		}
		for i := range members {
			community.Members[members[i].AccountID] = &members[i]
		}

		bans, err := loader.LoadBans(meta.ID)
		if err != nil {
			return err
		}
		for i := range bans {
			community.Bans[bans[i].AccountID] = &bans[i]
		}

		s.communities[meta.ID] = community
	}

	dms, err := loader.LoadAllDMChannels()
	if err != nil {
		return err
	}
	for _, meta := range dms {
		views, err := loader.LoadDMViews(meta.ID)
		if err != nil {
			return err
		}
		recent, err := loader.LoadRecentMessages(meta.ID, RingCapacity, 0)
		if err != nil {
			return err
		}

		dm := &DMChannel{
			Meta:   meta,
			Views:  views,
			Recent: NewRingBuffer(RingCapacity),
		}
		for _, msg := range recent {
			dm.Recent.Append(msg)
		}
		s.dms[meta.ID] = dm
	}

	s.sugar.Infof("Hydrated %d communities and %d DM channels", len(s.communities), len(s.dms))
	return nil
}

func (s *Store) Community(communityID int64) (*Community, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	community, exists := s.communities[communityID]
	return community, exists
}

func (s *Store) AddCommunity(meta models.Community) *Community {
	s.mu.Lock()
	defer s.mu.Unlock()

	community := newCommunity(meta)
	s.communities[meta.ID] = community
	return community
}

func (s *Store) RemoveCommunity(communityID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.communities, communityID)
}

// CommunityIDs returns all ids ascending, the lock acquisition order
// for cross-community sweeps.
func (s *Store) CommunityIDs() []int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]int64, 0, len(s.communities))
	for id := range s.communities {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// CommunitiesForAccount returns ids of communities the account is a
// member of, ascending.
func (s *Store) CommunitiesForAccount(accountID int64) []int64 {
	var ids []int64
	for _, id := range s.CommunityIDs() {
		community, exists := s.Community(id)
		if !exists {
			continue
		}
		community.Lock()
		_, isMember := community.Members[accountID]
		community.Unlock()
		if isMember {
			ids = append(ids, id)
		}
	}
	return ids
}

// FindCommunityByChannel locates the community owning a channel id.
func (s *Store) FindCommunityByChannel(channelID int64) (*Community, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, community := range s.communities {
		community.Lock()
		_, owns := community.Channels[channelID]
		community.Unlock()
		if owns {
			return community, true
		}
	}
	return nil, false
}

func (s *Store) DM(dmID int64) (*DMChannel, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	dm, exists := s.dms[dmID]
	return dm, exists
}

func (s *Store) AddDM(meta models.DMChannel, ephemeral bool) *DMChannel {
	s.mu.Lock()
	defer s.mu.Unlock()

	dm := &DMChannel{
		Meta:      meta,
		Views:     map[int64]models.DMView{},
		Recent:    NewRingBuffer(RingCapacity),
		Ephemeral: ephemeral,
	}
	s.dms[meta.ID] = dm
	return dm
}

func (s *Store) RemoveDM(dmID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.dms, dmID)
}

// FindPairDM returns the existing 1:1 channel between two accounts,
// the pair uniqueness invariant.
func (s *Store) FindPairDM(a int64, b int64) (*DMChannel, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, dm := range s.dms {
		if dm.Meta.Kind != models.DMKindPair {
			continue
		}
		if dm.HasParticipant(a) && dm.HasParticipant(b) {
			return dm, true
		}
	}
	return nil, false
}

// DMsForAccount lists DM channels the account participates in and has
// not hidden, ascending by id. This is the derived "personal"
// community view; it is never stored as a real community.
func (s *Store) DMsForAccount(accountID int64) []models.DMChannel {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.DMChannel
	for _, dm := range s.dms {
		dm.Lock()
		visible := dm.HasParticipant(accountID) && !dm.View(accountID).Hidden
		meta := dm.Meta
		dm.Unlock()
		if visible {
			out = append(out, meta)
		}
	}
	slices.SortFunc(out, func(a, b models.DMChannel) int {
		if a.ID < b.ID {
			return -1
		}
		return 1
	})
	return out
}

// SweepAction describes one community's outcome during an
// account-deletion sweep.
type SweepAction struct {
	CommunityID      int64
	RemovedMember    bool
	NewOwnerID       int64
	CommunityDeleted bool
}

// DeleteAccountSweep removes the account from every community,
// transferring ownership to the oldest remaining member or deleting
// communities left empty. Locks are taken one community at a time in
// ascending id order.
func (s *Store) DeleteAccountSweep(accountID int64) []SweepAction {
	var actions []SweepAction

	for _, id := range s.CommunityIDs() {
		community, exists := s.Community(id)
		if !exists {
			continue
		}

		community.Lock()
		_, isMember := community.Members[accountID]
		if !isMember {
			community.Unlock()
			continue
		}

		action := SweepAction{CommunityID: id, RemovedMember: true}
		delete(community.Members, accountID)

		if community.Meta.OwnerID == accountID {
			heir := community.OldestMember(accountID)
			if heir == nil {
				action.CommunityDeleted = true
			} else {
				community.Meta.OwnerID = heir.AccountID
				action.NewOwnerID = heir.AccountID
			}
		}
		community.Unlock()

		if action.CommunityDeleted {
			s.RemoveCommunity(id)
		}
		actions = append(actions, action)
	}
	return actions
}

// UpdateProfileSweep refreshes the denormalized member display
// snapshot in every community the account belongs to, ascending.
// Returns the touched community ids for fan-out and write-through.
func (s *Store) UpdateProfileSweep(account *models.Account) []int64 {
	var touched []int64

	for _, id := range s.CommunityIDs() {
		community, exists := s.Community(id)
		if !exists {
			continue
		}

		community.Lock()
		member, isMember := community.Members[account.ID]
		if isMember {
			member.DisplayName = account.DisplayName
			member.Avatar = account.Avatar
			member.Color = account.Color
			touched = append(touched, id)
		}
		community.Unlock()
	}
	return touched
}
