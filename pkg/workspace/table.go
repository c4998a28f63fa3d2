package workspace

import (
	"encoding/json"

	"github.com/epicenterhq/sync-core/internal/crdtdoc"
)

// ReadStatus discriminates a table or KV read: the stored row migrated and
// validated cleanly, failed to migrate or failed validation, or was absent.
type ReadStatus int

const (
	StatusValid ReadStatus = iota
	StatusInvalid
	StatusNotFound
)

// Result is the outcome of a Table.Get/KV.Get call. Exactly one of these
// combinations holds: NotFound with a zero Value, Invalid with the
// migrated Value that failed validation (or a zero Value when migration
// itself failed), or Valid with the migrated, validated Value.
type Result[T any] struct {
	Status ReadStatus
	Value  T
}

// Migrate turns a raw stored row (whatever version it was written with)
// into the latest shape T. It must be the identity transform when the
// stored row is already the latest version — spec.md §3's migrate-on-read
// invariant.
type Migrate[T any] func(raw json.RawMessage) (T, error)

// Validate reports whether a migrated value satisfies the latest schema.
// A nil Validate always succeeds.
type Validate[T any] func(T) bool

// TableDef describes one named, schema-versioned row collection.
type TableDef[T any] struct {
	Name     string
	Migrate  Migrate[T]
	Validate Validate[T]
}

// Table is the live handle returned by NewTable, bound to one
// TableDef and backed by a container materialized from the workspace doc.
type Table[T any] struct {
	def TableDef[T]
	c   *container
}

func newTable[T any](ws *Workspace, def TableDef[T]) *Table[T] {
	if def.Migrate == nil {
		def.Migrate = func(raw json.RawMessage) (T, error) {
			var v T
			err := json.Unmarshal(raw, &v)
			return v, err
		}
	}
	return &Table[T]{def: def, c: ws.containerFor("table:" + def.Name)}
}

// Set writes row under id, replacing any existing value.
func (t *Table[T]) Set(id string, row T) error {
	return t.SetWithOrigin(id, row, crdtdoc.LocalOrigin)
}

// SetWithOrigin is Set but transacts under origin instead of
// crdtdoc.LocalOrigin, so a Table.Observe callback can tell this write
// apart from an ordinary local edit. pkg/docbinding uses this for its
// updatedAt auto-bump.
func (t *Table[T]) SetWithOrigin(id string, row T, origin string) error {
	raw, err := json.Marshal(row)
	if err != nil {
		return err
	}
	t.c.write(id, raw, false, origin)
	return nil
}

// Get migrates and validates the stored row for id.
func (t *Table[T]) Get(id string) Result[T] {
	raw, ok := t.c.get(id)
	if !ok {
		return Result[T]{Status: StatusNotFound}
	}
	return t.materialize(raw)
}

func (t *Table[T]) materialize(raw json.RawMessage) Result[T] {
	v, err := t.def.Migrate(raw)
	if err != nil {
		var zero T
		return Result[T]{Status: StatusInvalid, Value: zero}
	}
	if t.def.Validate != nil && !t.def.Validate(v) {
		return Result[T]{Status: StatusInvalid, Value: v}
	}
	return Result[T]{Status: StatusValid, Value: v}
}

// Has reports whether id has a stored row, independent of migrate/validate
// outcome.
func (t *Table[T]) Has(id string) bool { return t.c.has(id) }

// Delete removes the row for id. A no-op if absent.
func (t *Table[T]) Delete(id string) { t.c.delete(id) }

// Count returns the number of stored rows (not filtered by validity).
func (t *Table[T]) Count() int { return t.c.count() }

// Clear deletes every row.
func (t *Table[T]) Clear() { t.c.clear() }

// GetAll returns every row's Result, keyed by row id.
func (t *Table[T]) GetAll() map[string]Result[T] {
	out := make(map[string]Result[T])
	for _, id := range t.c.snapshot() {
		out[id] = t.Get(id)
	}
	return out
}

// GetAllValid returns only rows whose Result.Status is StatusValid.
func (t *Table[T]) GetAllValid() map[string]T {
	out := make(map[string]T)
	for id, res := range t.GetAll() {
		if res.Status == StatusValid {
			out[id] = res.Value
		}
	}
	return out
}

// Filter returns the ids and values of every valid row for which pred
// returns true.
func (t *Table[T]) Filter(pred func(id string, row T) bool) map[string]T {
	out := make(map[string]T)
	for id, row := range t.GetAllValid() {
		if pred(id, row) {
			out[id] = row
		}
	}
	return out
}

// Find returns the first valid row (in id order) for which pred returns
// true.
func (t *Table[T]) Find(pred func(id string, row T) bool) (id string, row T, found bool) {
	for _, rowID := range t.c.snapshot() {
		res := t.Get(rowID)
		if res.Status == StatusValid && pred(rowID, res.Value) {
			return rowID, res.Value, true
		}
	}
	var zero T
	return "", zero, false
}

// Update reads the current valid row for id, applies fn, and writes the
// result back. fn's ok is true only for a valid row; when it is false,
// current is the zero value of T for an absent row or one that failed to
// migrate, and the migrated value for a row that failed validation.
func (t *Table[T]) Update(id string, fn func(current T, ok bool) T) error {
	return t.UpdateWithOrigin(id, crdtdoc.LocalOrigin, fn)
}

// UpdateWithOrigin is Update but writes the result under origin instead of
// crdtdoc.LocalOrigin.
func (t *Table[T]) UpdateWithOrigin(id string, origin string, fn func(current T, ok bool) T) error {
	res := t.Get(id)
	updated := fn(res.Value, res.Status == StatusValid)
	return t.SetWithOrigin(id, updated, origin)
}

// Observe registers fn to be called after every mutation to this table
// (local or remote), passing the CRDT transaction origin the mutation was
// written under. Returns an unsubscribe function.
func (t *Table[T]) Observe(fn func(origin string)) func() { return t.c.observe(fn) }
