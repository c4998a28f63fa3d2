package workspace

import (
	"encoding/json"
	"sync"

	"github.com/epicenterhq/sync-core/internal/crdtdoc"
	"k8s.io/utils/set"
)

// AwarenessHelper wraps the workspace's raw crdtdoc.Awareness with a
// typed, per-field get/set API over the local client's state (cursor,
// selection, display name, etc. — spec.md §3's "record of per-field
// values"). The raw handle remains reachable via Raw() for the sync
// provider, which only needs SetLocalState/ApplyUpdate/EncodeAll.
type AwarenessHelper struct {
	mu     sync.Mutex
	raw    *crdtdoc.Awareness
	local  map[string]json.RawMessage
	fields set.Set[string]
}

func newAwarenessHelper(raw *crdtdoc.Awareness, fields []string) *AwarenessHelper {
	return &AwarenessHelper{raw: raw, local: make(map[string]json.RawMessage), fields: set.New(fields...)}
}

// Raw returns the underlying crdtdoc.Awareness instance for direct use by
// the sync provider.
func (a *AwarenessHelper) Raw() *crdtdoc.Awareness { return a.raw }

// SetField publishes a value for one declared awareness field on the local
// client, merging it into whatever other fields are already set, and
// returns the AWARENESS frame to send. Setting a field the workspace did
// not declare is still accepted (the field-typed API is a convenience, not
// an enforcement boundary) but callers should prefer declared fields.
func (a *AwarenessHelper) SetField(name string, value any) ([]byte, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}

	a.mu.Lock()
	a.local[name] = raw
	encoded, mErr := json.Marshal(a.local)
	a.mu.Unlock()
	if mErr != nil {
		return nil, mErr
	}
	return a.raw.SetLocalState(encoded), nil
}

// GetField reads one field of the local client's own state into out.
// Returns false if the field has never been set.
func (a *AwarenessHelper) GetField(name string, out any) (bool, error) {
	a.mu.Lock()
	raw, ok := a.local[name]
	a.mu.Unlock()
	if !ok {
		return false, nil
	}
	return true, json.Unmarshal(raw, out)
}

// Fields returns the declared field names, if any were declared at
// construction. An empty slice means the field-typed API is unused for
// this workspace, though Raw() and SetField/GetField remain usable.
func (a *AwarenessHelper) Fields() []string {
	return a.fields.UnsortedList()
}

// States returns every known client's decoded state as a generic map,
// including the local client.
func (a *AwarenessHelper) States() map[uint64]map[string]json.RawMessage {
	raw := a.raw.States()
	out := make(map[uint64]map[string]json.RawMessage, len(raw))
	for clientID, state := range raw {
		var decoded map[string]json.RawMessage
		if err := json.Unmarshal(state, &decoded); err == nil {
			out[clientID] = decoded
		}
	}
	return out
}
