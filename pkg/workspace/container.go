package workspace

import (
	"encoding/json"
	"sort"
	"sync"

	"github.com/epicenterhq/sync-core/internal/crdtdoc"
)

// rowOp is the payload shape every Table/KV mutation writes through
// Doc.Transact. internal/crdtdoc.Doc has no built-in keyed-map type (unlike
// the Yjs Map the original targets), so spec.md §6.3's reserved container
// keys ("table:{name}", "kv") are realized as a convention over the doc's
// opaque update log instead: every payload self-describes which container
// and row it belongs to, and a container replays the log to materialize a
// local view.
type rowOp struct {
	Container string          `json:"c"`
	RowID     string          `json:"id"`
	Deleted   bool            `json:"del,omitempty"`
	Row       json.RawMessage `json:"row,omitempty"`
}

// container is the materialized, in-memory view of one reserved container
// key. It replays the doc's existing log on construction and keeps itself
// current via Doc.OnUpdate for everything applied afterward (locally or via
// sync). Table[T] and KV wrap a container with typed accessors.
type container struct {
	mu        sync.RWMutex
	name      string
	doc       *crdtdoc.Doc
	rows      map[string]json.RawMessage
	observers []func(origin string)
}

// replayOrigin tags ops applied while newContainer replays the doc's
// existing log. No observer can be registered yet at that point, so the
// value never reaches one — it exists only so applyPayload always has an
// origin to pass.
const replayOrigin = "replay"

func newContainer(name string, doc *crdtdoc.Doc) *container {
	c := &container{name: name, doc: doc, rows: make(map[string]json.RawMessage)}
	for _, encoded := range doc.Snapshot() {
		payload, err := crdtdoc.DecodePayload(encoded)
		if err != nil {
			continue
		}
		c.applyPayload(payload, replayOrigin)
	}
	doc.OnUpdate(func(update []byte, origin string) {
		c.applyPayload(update, origin)
	})
	return c
}

// batchPayload is the payload shape Workspace.Batch writes: several rowOps
// across possibly-different containers applied as one CRDT transaction.
type batchPayload struct {
	Batch []rowOp `json:"batch"`
}

func (c *container) applyPayload(payload []byte, origin string) {
	var bp batchPayload
	if err := json.Unmarshal(payload, &bp); err == nil && bp.Batch != nil {
		var matched []rowOp
		for _, op := range bp.Batch {
			if op.Container == c.name {
				matched = append(matched, op)
			}
		}
		if len(matched) > 0 {
			c.mergeOps(matched, origin)
		}
		return
	}

	var op rowOp
	if err := json.Unmarshal(payload, &op); err != nil || op.Container != c.name {
		return
	}
	c.mergeOps([]rowOp{op}, origin)
}

// mergeOps applies every op in one lock/notify cycle, so a batch spanning
// several rows in this container still produces exactly one observer
// notification, matching the single underlying CRDT transaction. origin is
// the CRDT transaction origin the ops were written under, passed through to
// every observer so it can tell an ordinary local edit apart from a remote
// sync or a distinguished sentinel like docbinding's auto-bump origin.
func (c *container) mergeOps(ops []rowOp, origin string) {
	c.mu.Lock()
	for _, op := range ops {
		if op.Deleted {
			delete(c.rows, op.RowID)
		} else {
			c.rows[op.RowID] = op.Row
		}
	}
	observers := append([]func(string){}, c.observers...)
	c.mu.Unlock()

	for _, fn := range observers {
		if fn != nil {
			fn(origin)
		}
	}
}

// write performs a local mutation: it encodes the op and transacts it
// against the doc under origin, which synchronously re-enters applyPayload
// via the OnUpdate hook registered above.
func (c *container) write(rowID string, row json.RawMessage, deleted bool, origin string) {
	op := rowOp{Container: c.name, RowID: rowID, Deleted: deleted, Row: row}
	encoded, err := json.Marshal(op)
	if err != nil {
		panic("workspace: row payload must be JSON-encodable: " + err.Error())
	}
	c.doc.Transact(origin, func() []byte { return encoded })
}

func (c *container) get(rowID string) (json.RawMessage, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	raw, ok := c.rows[rowID]
	return raw, ok
}

func (c *container) has(rowID string) bool {
	_, ok := c.get(rowID)
	return ok
}

func (c *container) delete(rowID string) {
	c.write(rowID, nil, true, crdtdoc.LocalOrigin)
}

func (c *container) count() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.rows)
}

func (c *container) clear() {
	c.mu.RLock()
	ids := make([]string, 0, len(c.rows))
	for id := range c.rows {
		ids = append(ids, id)
	}
	c.mu.RUnlock()
	sort.Strings(ids) // deterministic transaction order
	for _, id := range ids {
		c.delete(id)
	}
}

// snapshot returns a stable copy of the stored row ids, sorted.
func (c *container) snapshot() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := make([]string, 0, len(c.rows))
	for id := range c.rows {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (c *container) observe(fn func(origin string)) (unsubscribe func()) {
	c.mu.Lock()
	idx := len(c.observers)
	c.observers = append(c.observers, fn)
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if idx < len(c.observers) {
			c.observers[idx] = nil
		}
	}
}
