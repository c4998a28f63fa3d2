package crdtdoc

import (
	"encoding/json"
	"sync"

	"github.com/epicenterhq/sync-core/internal/wire"
)

// awarenessState is one client's ephemeral presence payload plus the clock
// it was published under.
type awarenessState struct {
	clock uint64
	state []byte // nil means the client has gone offline
}

// Awareness tracks ephemeral per-client presence state (cursors, selection,
// online status) for a single room, mirroring y-protocols' Awareness
// module. Unlike Doc it is not persisted: state is rebuilt from a
// QUERY_AWARENESS round trip whenever a client (re)joins.
type Awareness struct {
	mu       sync.RWMutex
	clientID uint64
	clock    uint64
	local    []byte
	remote   map[uint64]*awarenessState
	onChange []func(added, updated, removed []uint64)
}

// NewAwareness creates an Awareness instance for the given local client.
func NewAwareness(clientID uint64) *Awareness {
	return &Awareness{
		clientID: clientID,
		remote:   make(map[uint64]*awarenessState),
	}
}

// ClientID returns the local client id this Awareness instance publishes
// state under.
func (a *Awareness) ClientID() uint64 {
	return a.clientID
}

// OnChange registers a callback fired after ApplyUpdate changes the set of
// known clients; added/updated/removed are clientIDs.
func (a *Awareness) OnChange(fn func(added, updated, removed []uint64)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onChange = append(a.onChange, fn)
}

// SetLocalState replaces this client's own presence payload (JSON-encoded
// by the caller) and returns the AWARENESS update to broadcast.
func (a *Awareness) SetLocalState(state []byte) []byte {
	a.mu.Lock()
	a.clock++
	a.local = state
	entry := wire.AwarenessEntry{ClientID: a.clientID, Clock: a.clock, State: state}
	a.mu.Unlock()
	return wire.EncodeAwareness([]wire.AwarenessEntry{entry})
}

// RemoveLocalState marks the local client offline, returning the AWARENESS
// update announcing it. Sent when a session is closing gracefully.
func (a *Awareness) RemoveLocalState() []byte {
	return a.SetLocalState(nil)
}

// ApplyUpdate merges an AWARENESS frame payload (local or remote) into the
// tracked state. Entries whose clock does not advance the known clock for
// that client are ignored, the same idempotency guarantee Doc.Apply gives
// document updates.
func (a *Awareness) ApplyUpdate(body []byte) error {
	entries, err := wire.DecodeAwareness(body)
	if err != nil {
		return err
	}

	var added, updated, removed []uint64
	a.mu.Lock()
	for _, e := range entries {
		if e.ClientID == a.clientID {
			continue // never let a remote echo clobber local state
		}
		existing, known := a.remote[e.ClientID]
		if known && existing.clock >= e.Clock {
			continue
		}
		wasPresent := known && existing.state != nil
		a.remote[e.ClientID] = &awarenessState{clock: e.Clock, state: e.State}
		switch {
		case e.State == nil && wasPresent:
			removed = append(removed, e.ClientID)
		case e.State != nil && !wasPresent:
			added = append(added, e.ClientID)
		case e.State != nil && wasPresent:
			updated = append(updated, e.ClientID)
		}
	}
	listeners := append([]func([]uint64, []uint64, []uint64){}, a.onChange...)
	a.mu.Unlock()

	if len(added)+len(updated)+len(removed) > 0 {
		for _, fn := range listeners {
			fn(added, updated, removed)
		}
	}
	return nil
}

// EncodeAll returns an AWARENESS frame body listing every known client's
// current state, including the local one. Sent in reply to
// QUERY_AWARENESS and as the initial snapshot on session accept.
func (a *Awareness) EncodeAll() []byte {
	a.mu.RLock()
	defer a.mu.RUnlock()

	entries := make([]wire.AwarenessEntry, 0, len(a.remote)+1)
	if a.clock > 0 {
		entries = append(entries, wire.AwarenessEntry{ClientID: a.clientID, Clock: a.clock, State: a.local})
	}
	for clientID, s := range a.remote {
		entries = append(entries, wire.AwarenessEntry{ClientID: clientID, Clock: s.clock, State: s.state})
	}
	return wire.EncodeAwareness(entries)
}

// States returns a snapshot of every known client's decoded JSON state,
// keyed by clientID, omitting clients currently marked offline.
func (a *Awareness) States() map[uint64]json.RawMessage {
	a.mu.RLock()
	defer a.mu.RUnlock()

	out := make(map[uint64]json.RawMessage)
	if a.local != nil {
		out[a.clientID] = json.RawMessage(a.local)
	}
	for clientID, s := range a.remote {
		if s.state != nil {
			out[clientID] = json.RawMessage(s.state)
		}
	}
	return out
}
