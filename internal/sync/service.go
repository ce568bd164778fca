// Package sync ties the gate, caches, fetcher, expander and merger
// into the friend-calendar synchronization service.
package sync

import (
	"context"
	"errors"
	"fmt"
	gosync "sync"
	"time"

	"friendcal/internal/access"
	"friendcal/internal/cache"
	"friendcal/internal/clock"
	applog "friendcal/internal/log"
	"friendcal/internal/merge"
	"friendcal/internal/model"
	"friendcal/internal/recur"
)

// State is the per-owner sync state.
type State string

const (
	StateIdle     State = "idle"
	StateFetching State = "fetching"
)

// backgroundTimeout bounds a fire-and-forget refresh triggered by
// serving stale durable data.
const backgroundTimeout = time.Minute

// Fetcher performs the remote windowed fetch.
type Fetcher interface {
	FetchWindow(ctx context.Context, ownerID string, start, end time.Time) ([]model.RawEvent, error)
}

// AccessChecker validates a viewer's access to an owner's calendar.
type AccessChecker interface {
	ValidateAccess(ctx context.Context, viewerID, ownerID string) (model.Role, error)
}

// Fallback is the durable secondary cache behind the memory cache.
type Fallback interface {
	Load(ctx context.Context, ownerID, windowKey string) ([]model.FriendEvent, time.Time, bool, error)
	Save(ctx context.Context, ownerID, windowKey string, events []model.FriendEvent, writtenAt time.Time) error
	PurgeOwner(ctx context.Context, ownerID string) error
}

// ownerState serializes cache commits for one owner. The generation
// counter implements "last request started wins": a commit is dropped
// when its generation is no longer current, so a stale fetch can never
// overwrite the state produced by a newer request or survive a purge.
type ownerState struct {
	mu         gosync.Mutex
	generation uint64
	state      State
	status     model.SyncStatus
	friend     model.Friend
	registered bool
}

// Config wires a Service.
type Config struct {
	Access      AccessChecker
	Cache       *cache.WindowCache
	Fallback    Fallback
	Fetcher     Fetcher
	Coordinator *recur.Coordinator
	Clock       clock.Clock
	// HorizonDays sizes the window used by forced refreshes: one day
	// of backfill plus this many future days.
	HorizonDays int
}

// Service exposes the friend-calendar operations. Different owners'
// cache entries and in-flight state are fully independent; there is no
// global lock around I/O.
type Service struct {
	gate     AccessChecker
	cache    *cache.WindowCache
	fallback Fallback
	fetcher  Fetcher
	coord    *recur.Coordinator
	clk      clock.Clock
	horizon  int

	mu     gosync.Mutex
	owners map[string]*ownerState

	bg gosync.WaitGroup
}

// NewService creates a Service from cfg. Cache, Fetcher and Access are
// required; a nil Coordinator, Clock or Fallback gets a default (the
// fallback default is a no-op store).
func NewService(cfg Config) *Service {
	if cfg.Coordinator == nil {
		cfg.Coordinator = recur.NewCoordinator(0)
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Fallback == nil {
		cfg.Fallback = noopFallback{}
	}
	if cfg.HorizonDays <= 0 {
		cfg.HorizonDays = 30
	}
	return &Service{
		gate:     cfg.Access,
		cache:    cfg.Cache,
		fallback: cfg.Fallback,
		fetcher:  cfg.Fetcher,
		coord:    cfg.Coordinator,
		clk:      cfg.Clock,
		horizon:  cfg.HorizonDays,
		owners:   make(map[string]*ownerState),
	}
}

// RegisterFriend registers a friend feed for sync and periodic refresh.
func (s *Service) RegisterFriend(f model.Friend) {
	st := s.ownerState(f.ID)
	st.mu.Lock()
	st.friend = f
	st.registered = true
	st.mu.Unlock()
}

// DeregisterFriend removes the owner's feed registration. Cached state
// is left alone; use PurgeFriendCache for revocations.
func (s *Service) DeregisterFriend(ownerID string) {
	st := s.ownerState(ownerID)
	st.mu.Lock()
	st.registered = false
	st.mu.Unlock()
}

// RegisteredFriends lists the currently registered friend feeds.
func (s *Service) RegisteredFriends() []model.Friend {
	s.mu.Lock()
	states := make([]*ownerState, 0, len(s.owners))
	for _, st := range s.owners {
		states = append(states, st)
	}
	s.mu.Unlock()

	out := make([]model.Friend, 0, len(states))
	for _, st := range states {
		st.mu.Lock()
		if st.registered {
			out = append(out, st.friend)
		}
		st.mu.Unlock()
	}
	return out
}

// FetchFriendEvents returns the owner's events inside [start, end] for
// the viewer. Control flow: gate, memory cache, durable fallback (serve
// stale + refresh in background), foreground fetch. Permission denial
// is surfaced as an empty result, not a fault.
func (s *Service) FetchFriendEvents(ctx context.Context, viewerID, ownerID string, start, end time.Time) ([]model.FriendEvent, error) {
	if end.Before(start) {
		return nil, recur.ErrInvalidWindow
	}

	if _, err := s.gate.ValidateAccess(ctx, viewerID, ownerID); err != nil {
		if errors.Is(err, access.ErrPermissionDenied) {
			applog.Debug("friend events denied", "viewer_id", viewerID, "owner_id", ownerID)
			return []model.FriendEvent{}, nil
		}
		return nil, err
	}

	key := model.WindowKey(start, end)
	if events, ok := s.cache.Get(ownerID, key); ok {
		return events, nil
	}

	friend := s.friendFor(ownerID, viewerID)

	// Memory miss or stale: a durable hit is served immediately while
	// a refresh runs in the background. Its failure is logged, never
	// surfaced on this call.
	if events, _, found, err := s.fallback.Load(ctx, ownerID, key); err == nil && found {
		s.scheduleRefresh(friend, start, end)
		return events, nil
	}

	events, err := s.fetchAndCommit(ctx, friend, start, end)
	if err != nil {
		return nil, err
	}
	return events, nil
}

// RefreshFriendEvents performs a forced fetch for a registered owner
// over the default horizon window, bypassing cache freshness.
func (s *Service) RefreshFriendEvents(ctx context.Context, ownerID string) error {
	st := s.ownerState(ownerID)
	st.mu.Lock()
	friend := st.friend
	registered := st.registered
	st.mu.Unlock()

	if !registered {
		return fmt.Errorf("owner %s is not registered", ownerID)
	}

	if _, err := s.gate.ValidateAccess(ctx, friend.ViewerID, ownerID); err != nil {
		return err
	}

	now := s.clk.Now()
	start := now.AddDate(0, 0, -1)
	end := now.AddDate(0, 0, s.horizon)

	_, err := s.fetchAndCommit(ctx, friend, start, end)
	return err
}

// RefreshAll refreshes every registered friend feed. Failures are
// logged per owner and never block the other owners.
func (s *Service) RefreshAll(ctx context.Context) {
	for _, friend := range s.RegisteredFriends() {
		if err := s.RefreshFriendEvents(ctx, friend.ID); err != nil {
			applog.Error("scheduled refresh failed", err, "owner_id", friend.ID)
		}
	}
}

// PurgeFriendCache empties both cache layers for the owner. Atomic
// from the caller's view: the generation bump makes any in-flight
// fetch for this owner discard its result, and no interleaved read can
// observe a partially-purged state.
func (s *Service) PurgeFriendCache(ctx context.Context, ownerID string) error {
	st := s.ownerState(ownerID)
	st.mu.Lock()
	defer st.mu.Unlock()

	st.generation++
	st.state = StateIdle
	st.registered = false

	if canceler, ok := s.fetcher.(interface{ CancelOwner(string) }); ok {
		canceler.CancelOwner(ownerID)
	}

	s.cache.Purge(ownerID)
	if err := s.fallback.PurgeOwner(ctx, ownerID); err != nil {
		return fmt.Errorf("purging durable cache for %s: %w", ownerID, err)
	}
	applog.Info("friend cache purged", "owner_id", ownerID)
	return nil
}

// Status reports the owner's sync metadata and state.
func (s *Service) Status(ownerID string) (model.SyncStatus, State) {
	st := s.ownerState(ownerID)
	st.mu.Lock()
	defer st.mu.Unlock()
	state := st.state
	if state == "" {
		state = StateIdle
	}
	return st.status, state
}

// fetchAndCommit fetches the owner's raw events, runs them through
// expansion and merging, and commits the result to both cache layers
// unless a newer request or a purge superseded this one.
func (s *Service) fetchAndCommit(ctx context.Context, friend model.Friend, start, end time.Time) ([]model.FriendEvent, error) {
	st := s.ownerState(friend.ID)

	st.mu.Lock()
	st.generation++
	gen := st.generation
	st.state = StateFetching
	st.mu.Unlock()

	raw, err := s.fetcher.FetchWindow(ctx, friend.ID, start, end)
	if err != nil {
		st.mu.Lock()
		if gen == st.generation {
			st.state = StateIdle
			st.status.LastError = err.Error()
		}
		st.mu.Unlock()
		return nil, err
	}

	events := s.pipeline(friend, raw, start, end)
	key := model.WindowKey(start, end)

	st.mu.Lock()
	defer st.mu.Unlock()
	if gen != st.generation {
		// A newer request started or a purge ran while we were in
		// flight; this result must not touch the cache.
		applog.Debug("discarding superseded fetch result", "owner_id", friend.ID)
		return events, nil
	}

	now := s.clk.Now()
	s.cache.Put(friend.ID, key, events)
	if err := s.fallback.Save(ctx, friend.ID, key, events, now); err != nil {
		applog.Error("durable write-through failed", err, "owner_id", friend.ID)
	}
	st.state = StateIdle
	st.status = model.SyncStatus{LastSuccess: now}
	return events, nil
}

// pipeline expands recurring raw events into window instances and
// merges everything into annotated friend events. Every raw record is
// treated as a master event; non-recurring records come back as their
// single occurrence when it lies inside the window.
func (s *Service) pipeline(friend model.Friend, raw []model.RawEvent, start, end time.Time) []model.FriendEvent {
	masters := make([]model.MasterEvent, 0, len(raw))
	byID := make(map[string]model.RawEvent, len(raw))
	for _, r := range raw {
		id := r.CanonicalID()
		if _, dup := byID[id]; dup {
			// The merger resolves duplicate identities; keep the first
			// for expansion to avoid double-expanding one series.
			continue
		}
		byID[id] = r
		masters = append(masters, model.MasterEvent{
			ID:             id,
			Title:          r.Title,
			Description:    r.Description,
			Start:          r.StartTime,
			End:            r.EndTime,
			AllDay:         r.IsAllDay,
			RecurrenceRule: r.RecurrenceRule,
			Exceptions:     r.Exceptions,
			Sequence:       r.Sequence,
			ModifiedAt:     r.ModifiedAt,
		})
	}

	instancesByID, err := s.coord.ExpandMultiple(masters, start, end)
	if err != nil {
		// Only an inverted window reaches here and callers validate
		// windows up front; degrade to nothing rather than panic.
		applog.Error("expansion failed", err, "owner_id", friend.ID)
		return []model.FriendEvent{}
	}

	flattened := make([]model.RawEvent, 0, len(raw))
	for _, master := range masters {
		source := byID[master.ID]
		for _, inst := range instancesByID[master.ID] {
			rec := source
			rec.ID = inst.InstanceID
			rec.ExternalID = ""
			rec.StartTime = inst.Start
			rec.EndTime = inst.End
			rec.IsAllDay = inst.AllDay
			rec.RecurrenceRule = ""
			rec.Exceptions = nil
			flattened = append(flattened, rec)
		}
	}

	return merge.Merge(friend, flattened)
}

// scheduleRefresh starts a fire-and-forget refresh for the owner
// unless one is already in flight. The detached task's failure is
// captured only by the logging sink.
func (s *Service) scheduleRefresh(friend model.Friend, start, end time.Time) {
	st := s.ownerState(friend.ID)
	st.mu.Lock()
	busy := st.state == StateFetching
	st.mu.Unlock()
	if busy {
		return
	}

	s.bg.Add(1)
	go func() {
		defer s.bg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), backgroundTimeout)
		defer cancel()
		if _, err := s.fetchAndCommit(ctx, friend, start, end); err != nil {
			applog.Error("background refresh failed", err, "owner_id", friend.ID)
		}
	}()
}

// friendFor returns the registered friend metadata for the owner, or a
// minimal synthesized one for unregistered ad-hoc queries.
func (s *Service) friendFor(ownerID, viewerID string) model.Friend {
	st := s.ownerState(ownerID)
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.registered {
		return st.friend
	}
	return model.Friend{ID: ownerID, ViewerID: viewerID, DisplayName: ownerID}
}

func (s *Service) ownerState(ownerID string) *ownerState {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.owners[ownerID]
	if !ok {
		st = &ownerState{state: StateIdle}
		s.owners[ownerID] = st
	}
	return st
}

// noopFallback satisfies Fallback when no durable store is configured.
type noopFallback struct{}

func (noopFallback) Load(context.Context, string, string) ([]model.FriendEvent, time.Time, bool, error) {
	return nil, time.Time{}, false, nil
}

func (noopFallback) Save(context.Context, string, string, []model.FriendEvent, time.Time) error {
	return nil
}

func (noopFallback) PurgeOwner(context.Context, string) error { return nil }
