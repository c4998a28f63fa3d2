// Package room implements the single authoritative CRDT document per room
// and the manager that creates, looks up, and evicts rooms. It follows the
// teacher's Hub/Room split: Manager owns the registry and the eviction
// timer bookkeeping, Room owns its own member set under its own mutex.
package room

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/epicenterhq/sync-core/internal/bus"
	"github.com/epicenterhq/sync-core/internal/crdtdoc"
	"github.com/epicenterhq/sync-core/internal/logging"
	"github.com/epicenterhq/sync-core/internal/metrics"
	"github.com/epicenterhq/sync-core/internal/wire"
	"go.uber.org/zap"
)

// ID identifies a room; the opaque roomId path parameter from spec.md §6.2.
type ID string

// Member is the subset of a sync session a Room needs in order to fan out
// frames and identify the sender. internal/syncsession.Session implements
// this; tests use lightweight fakes.
type Member interface {
	SessionID() string
	Send(frame []byte)
}

// Room holds the single authoritative CRDT document and awareness state
// for one roomId, plus the set of sessions currently connected to it.
type Room struct {
	ID ID

	mu      sync.RWMutex
	members map[string]Member

	Doc       *crdtdoc.Doc
	Awareness *crdtdoc.Awareness

	onEmpty func(ID)
	bus     *bus.Service

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc

	log *zap.Logger
}

// newRoom constructs a Room and, if busService is non-nil, subscribes it to
// cross-pod updates for this room's channel. If doc is non-nil, it is used
// as-is (integrated mode: the host already owns it); otherwise a fresh Doc
// is created (standalone mode). Awareness is always room-owned — it is
// ephemeral, not persisted, so no host callback supplies it.
func newRoom(id ID, onEmpty func(ID), busService *bus.Service, log *zap.Logger, doc *crdtdoc.Doc) *Room {
	if doc == nil {
		doc = crdtdoc.New(roomClientID(id))
	}
	r := &Room{
		ID:        id,
		members:   make(map[string]Member),
		Doc:       doc,
		Awareness: crdtdoc.NewAwareness(roomClientID(id)),
		onEmpty:   onEmpty,
		bus:       busService,
		log:       log,
	}
	r.ctx, r.cancel = context.WithCancel(context.Background())

	if busService != nil {
		r.subscribeToRedis()
	}
	return r
}

// roomClientID derives a stable clientID from the room id for the room's
// own Doc (standalone mode) and Awareness.
func roomClientID(id ID) uint64 {
	var h uint64 = 1469598103934665603 // FNV-1a offset basis
	for _, b := range []byte(id) {
		h ^= uint64(b)
		h *= 1099511628211
	}
	return h
}

// AddMember registers a newly-joined session and returns the current
// member count. A pending eviction is cancelled by
// Manager.GetOrCreateRoom, not here.
func (r *Room) AddMember(m Member) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.members[m.SessionID()] = m
	count := len(r.members)
	metrics.RoomMembers.WithLabelValues(string(r.ID)).Set(float64(count))
	return count
}

// RemoveMember unregisters a session, e.g. on disconnect, and returns
// whether the room is now empty.
func (r *Room) RemoveMember(m Member) (empty bool) {
	r.mu.Lock()
	delete(r.members, m.SessionID())
	count := len(r.members)
	r.mu.Unlock()

	if count > 0 {
		metrics.RoomMembers.WithLabelValues(string(r.ID)).Set(float64(count))
	} else {
		metrics.RoomMembers.DeleteLabelValues(string(r.ID))
	}

	empty = count == 0
	if empty && r.onEmpty != nil {
		go r.onEmpty(r.ID)
	}
	return empty
}

// MemberCount returns the number of currently connected sessions.
func (r *Room) MemberCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.members)
}

// Broadcast fans a wire frame out to every member except the session that
// produced it (excludeSessionID), then republishes it over the bus for
// other pods. Mirrors the teacher's Room.Broadcast marshal-once pattern.
func (r *Room) Broadcast(frame []byte, excludeSessionID string) {
	r.mu.RLock()
	targets := make([]Member, 0, len(r.members))
	for id, m := range r.members {
		if id == excludeSessionID {
			continue
		}
		targets = append(targets, m)
	}
	r.mu.RUnlock()

	for _, m := range targets {
		m.Send(frame)
	}

	if r.bus != nil {
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			if err := r.bus.Publish(r.ctx, string(r.ID), frame, excludeSessionID); err != nil {
				logging.Error(r.ctx, "failed to publish update to bus", zap.String("roomId", string(r.ID)), zap.Error(err))
			}
		}()
	}
}

// Shutdown cancels the room's background work (bus subscription) and waits
// for it to finish, or for ctx to expire.
func (r *Room) Shutdown(ctx context.Context) error {
	r.cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		r.wg.Wait()
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Room) subscribeToRedis() {
	r.bus.Subscribe(r.ctx, string(r.ID), &r.wg, r.handleBusMessage)
}

// handleBusMessage applies an update published by another pod to the local
// document/awareness state and fans it out to local members, skipping the
// originating session to avoid echo.
func (r *Room) handleBusMessage(payload bus.PubSubPayload) {
	var frame []byte
	if err := json.Unmarshal(payload.Update, &frame); err != nil {
		logging.Error(r.ctx, "failed to unmarshal bus update", zap.Error(err))
		return
	}

	if f, err := wire.DecodeFrame(frame); err == nil {
		switch f.Type {
		case wire.MessageSync:
			if msg, err := wire.DecodeSyncMessage(f.Body); err == nil && msg.Step == wire.SyncStepUpdate {
				_ = r.Doc.Apply(msg.Payload, payload.SenderID)
			}
		case wire.MessageAwareness:
			_ = r.Awareness.ApplyUpdate(f.Body)
		}
	}

	r.mu.RLock()
	targets := make([]Member, 0, len(r.members))
	for id, m := range r.members {
		if id == payload.SenderID {
			continue
		}
		targets = append(targets, m)
	}
	r.mu.RUnlock()

	for _, m := range targets {
		m.Send(frame)
	}
}
