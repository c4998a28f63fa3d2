// Package docbinding implements spec.md §4.4's document bindings: a
// declarative mapping between a row in a table and a secondary CRDT
// document, with open/close/closeAll, tag-filtered document extensions,
// an updatedAt bump on local content edits, and row-deletion cleanup.
//
// Grounded on the teacher's registry-with-cleanup idiom (Hub's room/client
// maps, each torn down on the way out) applied to an open-guid-to-handle
// map instead of a connection registry, and on pkg/workspace's extension
// chain for the per-document extension factories.
package docbinding

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/epicenterhq/sync-core/internal/crdtdoc"
	"github.com/epicenterhq/sync-core/pkg/workspace"
)

// updatedAtBumpOrigin is the transaction origin bumpUpdatedAt writes the
// table row under. Distinct from crdtdoc.LocalOrigin so a Table.Observe
// callback can tell the automatic bump apart from the user row edit that
// triggered it, per spec.md §4.4.
const updatedAtBumpOrigin = "docbinding:updated-at-bump"

// Options configures a Binding over TableDef[T]'s rows.
type Options[T any] struct {
	// GuidOf extracts the secondary document's guid from a row.
	GuidOf func(row T) string

	// BumpUpdatedAt returns a copy of row with its updatedAt column set to
	// ts. Called by the binding, never by extension authors directly.
	BumpUpdatedAt func(row T, ts int64) T

	// Now returns the current bump timestamp; defaults to a monotonically
	// increasing counter when nil (tests can inject a fake clock).
	Now func() int64

	// Tags are this binding's own tags, matched against document
	// extensions' tags at Open time.
	Tags []string

	// OnRowDeleted overrides the default close-on-delete behavior.
	OnRowDeleted func(b *Binding[T], guid string)
}

// DocExtensionContext is handed to a DocExtensionFactory when a guid is
// opened and the extension's tags match the binding's.
type DocExtensionContext[T any] struct {
	WorkspaceID string
	Guid        string
	Row         T
	Doc         *crdtdoc.Doc
	WhenReady   func(ctx context.Context) error
	Extensions  map[string]any
}

// DocExtensionFactory builds one per-document extension instance for a
// freshly opened guid, or declines by returning a nil instance.
type DocExtensionFactory[T any] func(ctx context.Context, dc *DocExtensionContext[T]) (*workspace.ExtensionInstance, error)

type docExtEntry[T any] struct {
	key     string
	tags    []string
	factory DocExtensionFactory[T]
}

// Binding is the live handle returned for one table's document binding.
type Binding[T any] struct {
	ws    *workspace.Workspace
	table *workspace.Table[T]
	opts  Options[T]

	mu            sync.Mutex
	docExtensions []docExtEntry[T]
	open          map[string]*Handle[T]
	nextTick      int64
	unsubscribe   func()
}

// Handle is one open secondary document, plus whatever document extensions
// matched this binding's tags.
type Handle[T any] struct {
	Guid string
	Doc  *crdtdoc.Doc

	binding   *Binding[T]
	installed []installedDocExt[T]
	exports   map[string]any
}

type installedDocExt[T any] struct {
	key      string
	instance *workspace.ExtensionInstance
}

// Exports returns every installed document extension's exports for this
// handle, keyed by registration key.
func (h *Handle[T]) Exports() map[string]any {
	out := make(map[string]any, len(h.exports))
	for k, v := range h.exports {
		out[k] = v
	}
	return out
}

// New constructs a Binding over table, using ws for the owning workspace
// (its id is handed to document extensions; each secondary document's
// clientID is derived from its guid) and opts for guid/updatedAt
// extraction.
func New[T any](ws *workspace.Workspace, table *workspace.Table[T], opts Options[T]) *Binding[T] {
	if opts.Now == nil {
		opts.Now = monotonicClock()
	}
	b := &Binding[T]{ws: ws, table: table, opts: opts, open: make(map[string]*Handle[T])}
	b.unsubscribe = table.Observe(func(string) { b.reconcileDeletions() })
	return b
}

func monotonicClock() func() int64 {
	var n int64
	var mu sync.Mutex
	return func() int64 {
		mu.Lock()
		defer mu.Unlock()
		n++
		return n
	}
}

// WithDocumentExtension registers factory under key, applied to every guid
// opened from now on whose binding/extension tags intersect (or whose
// extension declares no tags at all — a universal extension).
func (b *Binding[T]) WithDocumentExtension(key string, factory DocExtensionFactory[T], tags ...string) *Binding[T] {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.docExtensions = append(b.docExtensions, docExtEntry[T]{key: key, tags: tags, factory: factory})
	return b
}

func tagsIntersectOrUniversal(extensionTags, bindingTags []string) bool {
	if len(extensionTags) == 0 {
		return true
	}
	for _, et := range extensionTags {
		for _, bt := range bindingTags {
			if et == bt {
				return true
			}
		}
	}
	return false
}

// OpenRow resolves row's guid via GuidOf and opens it.
func (b *Binding[T]) OpenRow(ctx context.Context, row T) (*Handle[T], error) {
	return b.Open(ctx, b.opts.GuidOf(row))
}

// Open returns the live Handle for guid, creating and initializing one
// (including running every tag-matching document extension factory in
// registration order) if none is currently open. A second Open for the
// same guid before an intervening Close returns the same Handle.
func (b *Binding[T]) Open(ctx context.Context, guid string) (*Handle[T], error) {
	b.mu.Lock()
	if h, ok := b.open[guid]; ok {
		b.mu.Unlock()
		return h, nil
	}
	extensions := append([]docExtEntry[T]{}, b.docExtensions...)
	bindingTags := b.opts.Tags
	b.mu.Unlock()

	row, ok := b.rowForGuid(guid)
	if !ok {
		return nil, fmt.Errorf("docbinding: no row found for guid %q", guid)
	}

	doc := crdtdoc.New(clientIDFromString(guid))
	h := &Handle[T]{Guid: guid, Doc: doc, exports: make(map[string]any)}
	h.binding = b

	doc.OnUpdate(func(_ []byte, origin string) {
		if origin == crdtdoc.LocalOrigin {
			b.bumpUpdatedAt(guid)
		}
	})

	aggregateReady := func(context.Context) error { return nil }
	for _, entry := range extensions {
		if !tagsIntersectOrUniversal(entry.tags, bindingTags) {
			continue
		}
		entryExports := h.Exports()
		dc := &DocExtensionContext[T]{
			WorkspaceID: b.ws.ID(),
			Guid:        guid,
			Row:         row,
			Doc:         doc,
			WhenReady:   aggregateReady,
			Extensions:  entryExports,
		}
		inst, err := entry.factory(ctx, dc)
		if err != nil {
			destroyErr := destroyDocExtensionsLIFO[T](ctx, h.installed)
			return nil, errors.Join(fmt.Errorf("docbinding: extension %q init for guid %q: %w", entry.key, guid, err), destroyErr)
		}
		if inst == nil {
			continue
		}
		if inst.WhenReady == nil {
			inst.WhenReady = func(context.Context) error { return nil }
		}
		if inst.Destroy == nil {
			inst.Destroy = func(context.Context) error { return nil }
		}
		h.installed = append(h.installed, installedDocExt[T]{key: entry.key, instance: inst})
		h.exports[entry.key] = inst.Exports

		prevReady := aggregateReady
		thisReady := inst.WhenReady
		aggregateReady = func(ctx context.Context) error {
			if err := prevReady(ctx); err != nil {
				return err
			}
			return thisReady(ctx)
		}
	}

	if err := aggregateReady(ctx); err != nil {
		destroyErr := destroyDocExtensionsLIFO[T](ctx, h.installed)
		return nil, errors.Join(fmt.Errorf("docbinding: guid %q extensions not ready: %w", guid, err), destroyErr)
	}

	b.mu.Lock()
	b.open[guid] = h
	b.mu.Unlock()
	return h, nil
}

// Close destroys every document extension installed for guid (LIFO) and
// drops it from the open map. A no-op if guid is not open.
func (b *Binding[T]) Close(ctx context.Context, guid string) error {
	b.mu.Lock()
	h, ok := b.open[guid]
	if ok {
		delete(b.open, guid)
	}
	b.mu.Unlock()
	if !ok {
		return nil
	}
	return destroyDocExtensionsLIFO[T](ctx, h.installed)
}

// CloseAll closes every currently open guid, collecting (not aborting on)
// individual failures.
func (b *Binding[T]) CloseAll(ctx context.Context) error {
	b.mu.Lock()
	guids := make([]string, 0, len(b.open))
	for g := range b.open {
		guids = append(guids, g)
	}
	b.mu.Unlock()

	var errs []error
	for _, g := range guids {
		if err := b.Close(ctx, g); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func destroyDocExtensionsLIFO[T any](ctx context.Context, installed []installedDocExt[T]) error {
	var errs []error
	for i := len(installed) - 1; i >= 0; i-- {
		entry := installed[i]
		if err := entry.instance.Destroy(ctx); err != nil {
			errs = append(errs, fmt.Errorf("document extension %q destroy: %w", entry.key, err))
		}
	}
	return errors.Join(errs...)
}

func (b *Binding[T]) rowForGuid(guid string) (T, bool) {
	for _, row := range b.table.GetAllValid() {
		if b.opts.GuidOf(row) == guid {
			return row, true
		}
	}
	var zero T
	return zero, false
}

func (b *Binding[T]) bumpUpdatedAt(guid string) {
	row, ok := b.rowForGuid(guid)
	if !ok {
		return
	}
	bumped := b.opts.BumpUpdatedAt(row, b.opts.Now())
	_ = b.table.UpdateWithOrigin(b.rowIDForGuid(guid), updatedAtBumpOrigin, func(T, bool) T { return bumped })
}

func (b *Binding[T]) rowIDForGuid(guid string) string {
	for id, row := range b.table.GetAllValid() {
		if b.opts.GuidOf(row) == guid {
			return id
		}
	}
	return ""
}

// reconcileDeletions runs after every table mutation. Any guid currently
// open whose backing row no longer exists is treated as deleted: the
// default behavior closes it; OnRowDeleted overrides that.
func (b *Binding[T]) reconcileDeletions() {
	b.mu.Lock()
	guids := make([]string, 0, len(b.open))
	for g := range b.open {
		guids = append(guids, g)
	}
	b.mu.Unlock()

	for _, g := range guids {
		if _, ok := b.rowForGuid(g); ok {
			continue
		}
		if b.opts.OnRowDeleted != nil {
			b.opts.OnRowDeleted(b, g)
			continue
		}
		_ = b.Close(context.Background(), g)
	}
}

// clientIDFromString derives a stable uint64 from an opaque string seed —
// the same FNV-1a approach internal/room and pkg/provider use to seed a
// Doc clientID from a non-numeric identifier.
func clientIDFromString(s string) uint64 {
	var h uint64 = 1469598103934665603
	for _, c := range []byte(s) {
		h ^= uint64(c)
		h *= 1099511628211
	}
	return h
}
