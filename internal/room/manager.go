package room

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/epicenterhq/sync-core/internal/bus"
	"github.com/epicenterhq/sync-core/internal/crdtdoc"
	"github.com/epicenterhq/sync-core/internal/logging"
	"github.com/epicenterhq/sync-core/internal/metrics"
	"go.uber.org/zap"
)

// Manager is the central registry of rooms: it creates them on first join,
// routes subsequent joins to the existing instance, and evicts rooms after
// a grace period once they go empty — cancelling that eviction atomically
// if a member rejoins before the timer fires, the same race the teacher's
// Hub.getOrCreateRoom/removeRoom pair closes.
//
// Two modes, per spec.md §4.1: standalone (GetDoc unset) creates a fresh
// Doc on first join and calls OnRoomCreated; integrated (GetDoc set) asks
// a host for the room's doc first, rejecting unknown rooms, and never
// calls OnRoomCreated since the host already owns the doc it returned.
type Manager struct {
	mu                  sync.Mutex
	rooms               map[ID]*Room
	pendingRoomEviction map[ID]*time.Timer
	bus                 *bus.Service
	evictionGracePeriod time.Duration
	log                 *zap.Logger

	getDoc        func(id ID) (*crdtdoc.Doc, bool)
	onRoomCreated func(id ID, doc *crdtdoc.Doc)
	onRoomEvicted func(id ID, doc *crdtdoc.Doc)
}

// ManagerOptions configures integrated-mode hooks alongside the plain
// constructor arguments NewManager already takes. Zero value for every
// field here means standalone mode: rooms are always created fresh.
type ManagerOptions struct {
	Bus                 *bus.Service
	EvictionGracePeriod time.Duration
	Log                 *zap.Logger

	// GetDoc, if set, puts the Manager in integrated mode (spec.md §4.1):
	// GetOrCreateRoom asks it for roomId's doc before creating anything.
	// ok=false rejects the join (GetOrCreateRoom returns nil); ok=true
	// uses the returned doc as the room's document without calling
	// OnRoomCreated, since the host already owns it.
	GetDoc func(id ID) (*crdtdoc.Doc, bool)

	// OnRoomCreated is called once, in standalone mode only, right after
	// a room is created on demand.
	OnRoomCreated func(id ID, doc *crdtdoc.Doc)

	// OnRoomEvicted is called exactly once when a room's eviction timer
	// fires with the room still empty, in either mode. Not called when
	// Destroy discards rooms.
	OnRoomEvicted func(id ID, doc *crdtdoc.Doc)
}

// NewManager constructs a standalone-mode Manager. bus may be nil for
// single-instance mode. Equivalent to
// NewManagerWithOptions(ManagerOptions{Bus: bus, EvictionGracePeriod: evictionGracePeriod, Log: log}).
func NewManager(bus *bus.Service, evictionGracePeriod time.Duration, log *zap.Logger) *Manager {
	return NewManagerWithOptions(ManagerOptions{
		Bus:                 bus,
		EvictionGracePeriod: evictionGracePeriod,
		Log:                 log,
	})
}

// NewManagerWithOptions constructs a Manager with optional integrated-mode
// hooks. See ManagerOptions.
func NewManagerWithOptions(opts ManagerOptions) *Manager {
	if opts.EvictionGracePeriod <= 0 {
		opts.EvictionGracePeriod = 5 * time.Second
	}
	return &Manager{
		rooms:               make(map[ID]*Room),
		pendingRoomEviction: make(map[ID]*time.Timer),
		bus:                 opts.Bus,
		evictionGracePeriod: opts.EvictionGracePeriod,
		log:                 opts.Log,
		getDoc:              opts.GetDoc,
		onRoomCreated:       opts.OnRoomCreated,
		onRoomEvicted:       opts.OnRoomEvicted,
	}
}

// GetOrCreateRoom returns the existing room for id, cancelling any pending
// eviction, or creates a fresh one. In integrated mode (GetDoc configured)
// an unknown room — GetDoc returns ok=false — is rejected: GetOrCreateRoom
// returns nil, matching spec.md §4.1's "join returns undefined." Safe for
// concurrent use.
func (m *Manager) GetOrCreateRoom(id ID) *Room {
	m.mu.Lock()
	defer m.mu.Unlock()

	if r, ok := m.rooms[id]; ok {
		if timer, pending := m.pendingRoomEviction[id]; pending {
			timer.Stop()
			delete(m.pendingRoomEviction, id)
			metrics.RoomEvictionsCancelledTotal.Inc()
			logging.Info(context.Background(), "cancelled pending room eviction due to rejoin", zap.String("roomId", string(id)))
		}
		return r
	}

	var doc *crdtdoc.Doc
	hostOwned := false
	if m.getDoc != nil {
		d, ok := m.getDoc(id)
		if !ok {
			return nil
		}
		doc = d
		hostOwned = true
	}

	logging.Info(context.Background(), fmt.Sprintf("Room created: %s", id), zap.String("roomId", string(id)))
	r := newRoom(id, m.scheduleEviction, m.bus, m.log, doc)
	m.rooms[id] = r
	metrics.ActiveRooms.Inc()

	if !hostOwned && m.onRoomCreated != nil {
		m.onRoomCreated(id, r.Doc)
	}
	return r
}

// Room returns the room for id if it currently exists, without creating one.
func (m *Manager) Room(id ID) (*Room, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rooms[id]
	return r, ok
}

// Rooms returns a snapshot of every currently-registered room ID.
func (m *Manager) Rooms() []ID {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]ID, 0, len(m.rooms))
	for id := range m.rooms {
		ids = append(ids, id)
	}
	return ids
}

// scheduleEviction is invoked by a Room when its member count drops to
// zero. It arms a one-shot timer that removes the room from the registry
// after the grace period, unless GetOrCreateRoom cancels it first.
func (m *Manager) scheduleEviction(id ID) {
	m.mu.Lock()

	if existing, exists := m.pendingRoomEviction[id]; exists {
		existing.Stop()
		delete(m.pendingRoomEviction, id)
	}

	timer := time.AfterFunc(m.evictionGracePeriod, func() {
		m.mu.Lock()
		defer m.mu.Unlock()

		r, ok := m.rooms[id]
		if ok && r.MemberCount() == 0 {
			delete(m.rooms, id)
			delete(m.pendingRoomEviction, id)
			metrics.ActiveRooms.Dec()
			metrics.RoomMembers.DeleteLabelValues(string(id))
			metrics.RoomEvictionsTotal.Inc()
			logging.Info(context.Background(), fmt.Sprintf("Room evicted: %s", id), zap.String("roomId", string(id)))

			if m.onRoomEvicted != nil {
				m.onRoomEvicted(id, r.Doc)
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := r.Shutdown(shutdownCtx); err != nil {
				logging.Warn(context.Background(), "room shutdown did not complete cleanly", zap.String("roomId", string(id)), zap.Error(err))
			}
		} else {
			delete(m.pendingRoomEviction, id)
		}
	})

	m.pendingRoomEviction[id] = timer
	m.mu.Unlock()
}

// Destroy shuts down every room and their bus subscriptions. Called during
// graceful server shutdown.
func (m *Manager) Destroy(ctx context.Context) {
	m.mu.Lock()
	rooms := make([]*Room, 0, len(m.rooms))
	for _, r := range m.rooms {
		rooms = append(rooms, r)
	}
	for id, timer := range m.pendingRoomEviction {
		timer.Stop()
		delete(m.pendingRoomEviction, id)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, r := range rooms {
		wg.Add(1)
		go func(r *Room) {
			defer wg.Done()
			if err := r.Shutdown(ctx); err != nil {
				logging.Warn(ctx, "room shutdown during manager destroy did not complete", zap.String("roomId", string(r.ID)), zap.Error(err))
			}
		}(r)
	}
	wg.Wait()
}
