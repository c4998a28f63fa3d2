// Package persistextension is a worked reference implementation of
// spec.md §6.3's persisted layout, wired as a workspace.ExtensionFactory so
// it can be dropped into any extension chain via .WithExtension. It is
// consumed only through the extension ABI, the same arm's-length contract
// the spec gives every other filesystem collaborator outside the core.
package persistextension

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/epicenterhq/sync-core/internal/crdtdoc"
	"github.com/epicenterhq/sync-core/pkg/workspace"
)

// restoreOrigin marks updates replayed from disk on startup, distinct from
// crdtdoc.LocalOrigin so document-binding updatedAt bumps and sync-provider
// dirty tracking don't fire for them.
const restoreOrigin = "restore"

// Definition is the on-disk {appDataDir}/workspaces/{id}/definition.json
// shape.
type Definition struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Icon        string `json:"icon"`
}

// Options configures the persistence extension.
type Options struct {
	// AppDataDir is the root directory; workspaces live under
	// AppDataDir/workspaces/{id}/.
	AppDataDir string

	// Definition is written to definition.json once on install.
	Definition Definition

	// IncludeKV additionally mirrors the workspace's "kv" container to a
	// derived kv.json file on every debounced flush.
	IncludeKV bool

	// DebounceInterval batches rapid-fire updates into one disk write.
	// Defaults to 250ms.
	DebounceInterval time.Duration
}

// Factory returns a workspace.ExtensionFactory installing persistence with
// opts. Register it first in a chain so later extensions observe an
// already-restored document.
func Factory(opts Options) workspace.ExtensionFactory {
	if opts.DebounceInterval <= 0 {
		opts.DebounceInterval = 250 * time.Millisecond
	}

	return func(ctx context.Context, ec *workspace.ExtensionContext) (*workspace.ExtensionInstance, error) {
		dir := filepath.Join(opts.AppDataDir, "workspaces", ec.WorkspaceID)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}

		defBytes, err := json.MarshalIndent(opts.Definition, "", "  ")
		if err != nil {
			return nil, err
		}
		if err := os.WriteFile(filepath.Join(dir, "definition.json"), defBytes, 0o644); err != nil {
			return nil, err
		}

		if data, err := os.ReadFile(filepath.Join(dir, "workspace.yjs")); err == nil {
			if err := ec.Doc.ApplyEncodedUpdateBatch(data, restoreOrigin); err != nil {
				return nil, err
			}
		} else if !os.IsNotExist(err) {
			return nil, err
		}

		p := &persister{
			dir:       dir,
			doc:       ec.Doc,
			includeKV: opts.IncludeKV,
			debounce:  opts.DebounceInterval,
			kvRows:    make(map[string]json.RawMessage),
		}
		for _, encoded := range ec.Doc.Snapshot() {
			if payload, err := crdtdoc.DecodePayload(encoded); err == nil {
				p.observeKV(payload)
			}
		}

		ec.Doc.OnUpdate(func(update []byte, origin string) {
			if origin == restoreOrigin {
				return
			}
			p.observeKV(update)
			p.scheduleFlush()
		})

		return &workspace.ExtensionInstance{
			Exports: p,
			Destroy: func(context.Context) error { return p.flushNow() },
		}, nil
	}
}

// persister owns the debounce timer and does the actual disk writes. It is
// exposed as the extension's Exports so tests (or later extensions in the
// chain) can call Flush synchronously.
type persister struct {
	dir       string
	doc       *crdtdoc.Doc
	includeKV bool
	debounce  time.Duration

	mu    sync.Mutex
	timer *time.Timer

	kvMu   sync.Mutex
	kvRows map[string]json.RawMessage
}

// kvRowOp mirrors pkg/workspace's internal rowOp shape for the reserved
// "kv" container; persistextension has no access to that unexported type,
// so it decodes the same wire shape independently.
type kvRowOp struct {
	Container string          `json:"c"`
	RowID     string          `json:"id"`
	Deleted   bool            `json:"del,omitempty"`
	Row       json.RawMessage `json:"row,omitempty"`
}

type kvBatchOp struct {
	Batch []kvRowOp `json:"batch"`
}

func (p *persister) observeKV(payload []byte) {
	if !p.includeKV {
		return
	}

	var batch kvBatchOp
	if err := json.Unmarshal(payload, &batch); err == nil && batch.Batch != nil {
		for _, op := range batch.Batch {
			p.applyKVOp(op)
		}
		return
	}

	var op kvRowOp
	if err := json.Unmarshal(payload, &op); err == nil && op.Container == "kv" {
		p.applyKVOp(op)
	}
}

func (p *persister) applyKVOp(op kvRowOp) {
	if op.Container != "kv" {
		return
	}
	p.kvMu.Lock()
	defer p.kvMu.Unlock()
	if op.Deleted {
		delete(p.kvRows, op.RowID)
	} else {
		p.kvRows[op.RowID] = op.Row
	}
}

func (p *persister) scheduleFlush() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.timer != nil {
		p.timer.Stop()
	}
	p.timer = time.AfterFunc(p.debounce, func() { _ = p.flushNow() })
}

// Flush forces an immediate write, bypassing the debounce timer. Exported
// via the extension's Exports for callers that need a synchronous
// checkpoint (e.g. before process exit).
func (p *persister) Flush() error { return p.flushNow() }

func (p *persister) flushNow() error {
	p.mu.Lock()
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	p.mu.Unlock()

	snapshot := p.doc.EncodeFullSnapshot()
	if err := os.WriteFile(filepath.Join(p.dir, "workspace.yjs"), snapshot, 0o644); err != nil {
		return err
	}

	if !p.includeKV {
		return nil
	}

	p.kvMu.Lock()
	mirror := make(map[string]json.RawMessage, len(p.kvRows))
	for k, v := range p.kvRows {
		mirror[k] = v
	}
	p.kvMu.Unlock()

	data, err := json.MarshalIndent(mirror, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(p.dir, "kv.json"), data, 0o644)
}
