package workspace

import (
	"context"
	"errors"
	"fmt"

	"github.com/epicenterhq/sync-core/internal/crdtdoc"
)

// ExtensionContext is handed to an ExtensionFactory. WhenReady aggregates
// every prior extension's readiness in registration order; Extensions
// exposes their exports, keyed by the key they were registered under.
type ExtensionContext struct {
	WorkspaceID string
	Doc         *crdtdoc.Doc
	Awareness   *AwarenessHelper
	Batch       func(fn func(b *Batch)) error
	WhenReady   func(ctx context.Context) error
	Extensions  map[string]any
}

// ExtensionInstance is what a factory returns to install itself. Exports
// is published into later factories' Extensions map and into the built
// Client's Extensions(). WhenReady and Destroy may be left nil; normalized
// defaults (already-ready, no-op) are substituted, matching spec.md §3's
// defineExtension normalization.
type ExtensionInstance struct {
	Exports   any
	WhenReady func(ctx context.Context) error
	Destroy   func(ctx context.Context) error
}

// ExtensionFactory builds one extension instance, or returns a nil
// instance (with a nil error) to decline installation entirely.
type ExtensionFactory func(ctx context.Context, ec *ExtensionContext) (*ExtensionInstance, error)

type builderEntry struct {
	key     string
	factory ExtensionFactory
}

// Builder is an immutable, appendable chain of extension registrations.
// WithExtension returns a new Builder; the receiver is left unchanged, so
// branching off one base chain into several variants is safe (spec.md
// §4.4's "the original builder is unchanged" invariant).
type Builder struct {
	ws      *Workspace
	entries []builderEntry
}

// Extend starts a new, empty extension chain for ws.
func (ws *Workspace) Extend() *Builder {
	return &Builder{ws: ws}
}

// WithExtension appends factory under key to a new Builder derived from b.
func (b *Builder) WithExtension(key string, factory ExtensionFactory) *Builder {
	next := make([]builderEntry, len(b.entries), len(b.entries)+1)
	copy(next, b.entries)
	next = append(next, builderEntry{key: key, factory: factory})
	return &Builder{ws: b.ws, entries: next}
}

type installedExtension struct {
	key      string
	instance *ExtensionInstance
}

// Client is the result of Build: the workspace plus every installed
// extension's exports, reachable by key.
type Client struct {
	ws        *Workspace
	installed []installedExtension
	exports   map[string]any
	whenReady func(ctx context.Context) error
}

// Workspace returns the underlying workspace this client was built over.
func (c *Client) Workspace() *Workspace { return c.ws }

// Extensions returns every installed extension's exports, keyed by
// registration key.
func (c *Client) Extensions() map[string]any {
	out := make(map[string]any, len(c.exports))
	for k, v := range c.exports {
		out[k] = v
	}
	return out
}

// Build runs every registered factory in order, synchronously. If any
// factory errors, or the aggregate WhenReady of all installed extensions
// errors, every already-installed extension is destroyed in LIFO order and
// the error is returned — spec.md §4.4/§7's extension-init failure path.
func (b *Builder) Build(ctx context.Context) (*Client, error) {
	ws := b.ws
	exports := make(map[string]any)
	var installed []installedExtension

	aggregateReady := func(context.Context) error { return nil }

	for _, entry := range b.entries {
		entryExports := make(map[string]any, len(exports))
		for k, v := range exports {
			entryExports[k] = v
		}

		ec := &ExtensionContext{
			WorkspaceID: ws.id,
			Doc:         ws.doc,
			Awareness:   ws.awareness,
			Batch:       ws.Batch,
			WhenReady:   aggregateReady,
			Extensions:  entryExports,
		}

		inst, err := entry.factory(ctx, ec)
		if err != nil {
			destroyErr := destroyLIFO(ctx, installed)
			return nil, errors.Join(fmt.Errorf("workspace: extension %q init: %w", entry.key, err), destroyErr)
		}
		if inst == nil {
			continue // factory declined installation
		}
		normalizeInstance(inst)

		installed = append(installed, installedExtension{key: entry.key, instance: inst})
		exports[entry.key] = inst.Exports

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
		destroyErr := destroyLIFO(ctx, installed)
		return nil, errors.Join(fmt.Errorf("workspace: extension chain not ready: %w", err), destroyErr)
	}

	return &Client{ws: ws, installed: installed, exports: exports, whenReady: aggregateReady}, nil
}

func normalizeInstance(inst *ExtensionInstance) {
	if inst.WhenReady == nil {
		inst.WhenReady = func(context.Context) error { return nil }
	}
	if inst.Destroy == nil {
		inst.Destroy = func(context.Context) error { return nil }
	}
}

// WhenReady re-runs the aggregate readiness check. Since Build already
// waits for it once, this is mainly useful for extensions whose readiness
// can be re-checked (e.g. a reconnect gate); most callers can ignore it.
func (c *Client) WhenReady(ctx context.Context) error {
	return c.whenReady(ctx)
}

// Destroy runs every installed extension's Destroy in LIFO order,
// collecting (not aborting on) individual failures, then clears this
// client's own awareness entry. The workspace's CRDT doc itself has no
// separate teardown — it is released when the Workspace is garbage
// collected, since internal/crdtdoc.Doc holds no external resources.
func (c *Client) Destroy(ctx context.Context) error {
	err := destroyLIFO(ctx, c.installed)
	c.ws.awareness.Raw().RemoveLocalState()
	return err
}

func destroyLIFO(ctx context.Context, installed []installedExtension) error {
	var errs []error
	for i := len(installed) - 1; i >= 0; i-- {
		entry := installed[i]
		if err := entry.instance.Destroy(ctx); err != nil {
			errs = append(errs, fmt.Errorf("extension %q destroy: %w", entry.key, err))
		}
	}
	return errors.Join(errs...)
}
