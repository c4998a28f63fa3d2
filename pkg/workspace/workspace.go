// Package workspace hosts a workspace's CRDT document together with its
// table/KV/awareness helpers and an ordered, typed chain of extensions, per
// spec.md §4.4. It is grounded in the teacher's registry-with-cleanup
// pattern (internal/v1/session.Hub's room/client maps, each entry torn down
// on the way out) applied to an extension chain instead of a connection
// registry; each table/KV container in container.go guards its rows with
// its own mutex.
package workspace

import (
	"encoding/json"
	"sync"

	"github.com/epicenterhq/sync-core/internal/crdtdoc"
)

// Workspace owns one CRDT document plus the materialized table/KV
// containers and awareness helper built on top of it. Identified by a
// stable string id used as both the document guid and, server-side, the
// room id it syncs against.
type Workspace struct {
	id        string
	doc       *crdtdoc.Doc
	awareness *AwarenessHelper

	mu         sync.Mutex
	containers map[string]*container
}

// New constructs a Workspace for id, backed by a fresh CRDT document
// seeded with clientID (the document's own replica id, also used as the
// awareness client id) and an awareness instance covering the declared
// field names. awarenessFields may be empty; the raw awareness handle
// remains usable either way.
func New(id string, clientID uint64, awarenessFields ...string) *Workspace {
	doc := crdtdoc.New(clientID)
	raw := crdtdoc.NewAwareness(clientID)
	return &Workspace{
		id:         id,
		doc:        doc,
		awareness:  newAwarenessHelper(raw, awarenessFields),
		containers: make(map[string]*container),
	}
}

// ID returns the workspace id.
func (ws *Workspace) ID() string { return ws.id }

// Doc returns the underlying CRDT document, e.g. to hand to pkg/provider.
func (ws *Workspace) Doc() *crdtdoc.Doc { return ws.doc }

// Awareness returns the workspace's typed awareness helper.
func (ws *Workspace) Awareness() *AwarenessHelper { return ws.awareness }

func (ws *Workspace) containerFor(name string) *container {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	if c, ok := ws.containers[name]; ok {
		return c
	}
	c := newContainer(name, ws.doc)
	ws.containers[name] = c
	return c
}

// NewTable returns the live handle for def, backed by the reserved
// "table:{name}" container (spec.md §6.3). Calling NewTable twice for the
// same name returns handles sharing the same underlying container.
func NewTable[T any](ws *Workspace, def TableDef[T]) *Table[T] {
	return newTable(ws, def)
}

// NewKV returns the live handle for def, backed by the shared "kv"
// container.
func NewKV[T any](ws *Workspace, def KVDef[T]) *KVEntry[T] {
	return newKVEntry(ws, def)
}

// Batch runs fn, collecting every staged Table/KV *In call, then commits
// them as one CRDT transaction. A batch with no staged mutations is a
// no-op — it does not grow the document's update log.
func (ws *Workspace) Batch(fn func(b *Batch)) error {
	b := &Batch{}
	fn(b)
	if len(b.ops) == 0 {
		return nil
	}
	payload, err := json.Marshal(batchPayload{Batch: b.ops})
	if err != nil {
		return err
	}
	ws.doc.Transact(crdtdoc.LocalOrigin, func() []byte { return payload })
	return nil
}
