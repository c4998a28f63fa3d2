package workspace

import "encoding/json"

// Batch accumulates row mutations across one or more tables/KV entries so
// they land in a single CRDT transaction. Use Workspace.Batch to scope one.
type Batch struct {
	ops []rowOp
}

func (b *Batch) add(containerName, rowID string, row json.RawMessage, deleted bool) {
	b.ops = append(b.ops, rowOp{Container: containerName, RowID: rowID, Row: row, Deleted: deleted})
}

// SetIn stages a Set for id within b instead of writing immediately.
func (t *Table[T]) SetIn(b *Batch, id string, row T) error {
	raw, err := json.Marshal(row)
	if err != nil {
		return err
	}
	b.add(t.c.name, id, raw, false)
	return nil
}

// DeleteIn stages a Delete for id within b instead of writing immediately.
func (t *Table[T]) DeleteIn(b *Batch, id string) {
	b.add(t.c.name, id, nil, true)
}

// SetIn stages a Set for this KV entry within b instead of writing
// immediately.
func (e *KVEntry[T]) SetIn(b *Batch, value T) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	b.add(e.c.name, e.def.Key, raw, false)
	return nil
}

// DeleteIn stages a Delete for this KV entry within b instead of writing
// immediately.
func (e *KVEntry[T]) DeleteIn(b *Batch) {
	b.add(e.c.name, e.def.Key, nil, true)
}
