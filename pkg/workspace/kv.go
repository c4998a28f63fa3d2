package workspace

import (
	"encoding/json"

	"github.com/epicenterhq/sync-core/internal/crdtdoc"
)

// KVDef describes one named, schema-versioned single value, the KV
// analogue of TableDef.
type KVDef[T any] struct {
	Key      string
	Migrate  Migrate[T]
	Validate Validate[T]
}

// KVEntry is the live handle for one KV key. Unlike Table, there is no row
// id: the container's single reserved row id is the key itself.
type KVEntry[T any] struct {
	def KVDef[T]
	c   *container
}

func newKVEntry[T any](ws *Workspace, def KVDef[T]) *KVEntry[T] {
	if def.Migrate == nil {
		def.Migrate = func(raw json.RawMessage) (T, error) {
			var v T
			err := json.Unmarshal(raw, &v)
			return v, err
		}
	}
	return &KVEntry[T]{def: def, c: ws.containerFor("kv")}
}

// Set writes the value for this key.
func (e *KVEntry[T]) Set(value T) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	e.c.write(e.def.Key, raw, false, crdtdoc.LocalOrigin)
	return nil
}

// Get migrates and validates the stored value.
func (e *KVEntry[T]) Get() Result[T] {
	raw, ok := e.c.get(e.def.Key)
	if !ok {
		return Result[T]{Status: StatusNotFound}
	}
	v, err := e.def.Migrate(raw)
	if err != nil {
		var zero T
		return Result[T]{Status: StatusInvalid, Value: zero}
	}
	if e.def.Validate != nil && !e.def.Validate(v) {
		return Result[T]{Status: StatusInvalid, Value: v}
	}
	return Result[T]{Status: StatusValid, Value: v}
}

// Has reports whether this key currently has a stored value.
func (e *KVEntry[T]) Has() bool { return e.c.has(e.def.Key) }

// Delete removes this key's value.
func (e *KVEntry[T]) Delete() { e.c.delete(e.def.Key) }

// Observe registers fn to be called whenever the "kv" container changes,
// passing the CRDT transaction origin the mutation was written under — note
// this fires for any KV key's mutation, not just this entry's, since they
// share one reserved container per spec.md §6.3.
func (e *KVEntry[T]) Observe(fn func(origin string)) func() { return e.c.observe(fn) }
