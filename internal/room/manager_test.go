package room

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/epicenterhq/sync-core/internal/crdtdoc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeMember struct {
	id       string
	mu       sync.Mutex
	received [][]byte
}

func (f *fakeMember) SessionID() string { return f.id }
func (f *fakeMember) Send(frame []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.received = append(f.received, frame)
}
func (f *fakeMember) receivedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.received)
}

func TestGetOrCreateRoomReturnsSameInstance(t *testing.T) {
	m := NewManager(nil, 10*time.Millisecond, nil)
	r1 := m.GetOrCreateRoom("room-1")
	r2 := m.GetOrCreateRoom("room-1")
	assert.Same(t, r1, r2)
}

func TestRejoinCancelsPendingEviction(t *testing.T) {
	m := NewManager(nil, 50*time.Millisecond, nil)
	r := m.GetOrCreateRoom("room-1")

	member := &fakeMember{id: "s1"}
	r.AddMember(member)
	r.RemoveMember(member) // triggers scheduleEviction

	// Rejoin before the grace period elapses: must cancel the eviction and
	// preserve the same Room/Doc identity.
	time.Sleep(10 * time.Millisecond)
	r2 := m.GetOrCreateRoom("room-1")
	assert.Same(t, r, r2)

	time.Sleep(80 * time.Millisecond)

	_, ok := m.Room("room-1")
	assert.True(t, ok, "room must still exist after rejoin cancelled eviction")
}

func TestRoomEvictedAfterGracePeriodWhenStillEmpty(t *testing.T) {
	m := NewManager(nil, 20*time.Millisecond, nil)
	r := m.GetOrCreateRoom("room-1")

	member := &fakeMember{id: "s1"}
	r.AddMember(member)
	r.RemoveMember(member)

	require.Eventually(t, func() bool {
		_, ok := m.Room("room-1")
		return !ok
	}, time.Second, 5*time.Millisecond)
}

func TestBroadcastExcludesSender(t *testing.T) {
	m := NewManager(nil, time.Second, nil)
	r := m.GetOrCreateRoom("room-1")

	sender := &fakeMember{id: "sender"}
	other1 := &fakeMember{id: "other-1"}
	other2 := &fakeMember{id: "other-2"}
	r.AddMember(sender)
	r.AddMember(other1)
	r.AddMember(other2)

	r.Broadcast([]byte("hello"), sender.SessionID())

	assert.Equal(t, 0, sender.receivedCount())
	assert.Equal(t, 1, other1.receivedCount())
	assert.Equal(t, 1, other2.receivedCount())
}

func TestRoomsListsActiveRoomIDs(t *testing.T) {
	m := NewManager(nil, time.Second, nil)
	m.GetOrCreateRoom("a")
	m.GetOrCreateRoom("b")

	ids := m.Rooms()
	assert.ElementsMatch(t, []ID{"a", "b"}, ids)
}

func TestIntegratedModeRejectsUnknownRoom(t *testing.T) {
	m := NewManagerWithOptions(ManagerOptions{
		EvictionGracePeriod: time.Second,
		GetDoc: func(id ID) (*crdtdoc.Doc, bool) {
			return nil, false
		},
	})

	r := m.GetOrCreateRoom("unknown-room")
	assert.Nil(t, r, "integrated mode must reject a roomId GetDoc doesn't know")

	_, ok := m.Room("unknown-room")
	assert.False(t, ok)
}

func TestIntegratedModeUsesHostDocWithoutOnRoomCreated(t *testing.T) {
	hostDoc := crdtdoc.New(42)
	var onRoomCreatedCalls int

	m := NewManagerWithOptions(ManagerOptions{
		EvictionGracePeriod: time.Second,
		GetDoc: func(id ID) (*crdtdoc.Doc, bool) {
			return hostDoc, true
		},
		OnRoomCreated: func(id ID, doc *crdtdoc.Doc) {
			onRoomCreatedCalls++
		},
	})

	r := m.GetOrCreateRoom("host-room")
	require.NotNil(t, r)
	assert.Same(t, hostDoc, r.Doc)
	assert.Equal(t, 0, onRoomCreatedCalls, "onRoomCreated must not fire when the host already owns the doc")
}

func TestStandaloneModeCallsOnRoomCreated(t *testing.T) {
	var created []ID
	m := NewManagerWithOptions(ManagerOptions{
		EvictionGracePeriod: time.Second,
		OnRoomCreated: func(id ID, doc *crdtdoc.Doc) {
			created = append(created, id)
		},
	})

	m.GetOrCreateRoom("room-1")
	m.GetOrCreateRoom("room-1") // existing room: must not fire again

	assert.Equal(t, []ID{"room-1"}, created)
}

func TestOnRoomEvictedFiresOnceWhenTimerFiresEmpty(t *testing.T) {
	var evicted []ID
	var mu sync.Mutex

	m := NewManagerWithOptions(ManagerOptions{
		EvictionGracePeriod: 10 * time.Millisecond,
		OnRoomEvicted: func(id ID, doc *crdtdoc.Doc) {
			mu.Lock()
			defer mu.Unlock()
			evicted = append(evicted, id)
		},
	})

	r := m.GetOrCreateRoom("room-1")
	member := &fakeMember{id: "s1"}
	r.AddMember(member)
	r.RemoveMember(member)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(evicted) == 1
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []ID{"room-1"}, evicted)
}

func TestDestroyDoesNotCallOnRoomEvicted(t *testing.T) {
	var evicted []ID
	m := NewManagerWithOptions(ManagerOptions{
		EvictionGracePeriod: time.Hour,
		OnRoomEvicted: func(id ID, doc *crdtdoc.Doc) {
			evicted = append(evicted, id)
		},
	})

	m.GetOrCreateRoom("room-1")
	m.Destroy(context.Background())

	assert.Empty(t, evicted, "Destroy must not trigger onRoomEvicted")
}
