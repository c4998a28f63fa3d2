package docbinding

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/epicenterhq/sync-core/internal/crdtdoc"
	"github.com/epicenterhq/sync-core/pkg/workspace"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	assertTimeout = time.Second
	assertTick    = 5 * time.Millisecond
)

type doc struct {
	V         int    `json:"_v"`
	Guid      string `json:"guid"`
	UpdatedAt int64  `json:"updatedAt"`
	Title     string `json:"title"`
}

func newDocsTable(ws *workspace.Workspace) *workspace.Table[doc] {
	return workspace.NewTable(ws, workspace.TableDef[doc]{
		Name: "documents",
		Validate: func(d doc) bool {
			return d.Guid != ""
		},
	})
}

func newBinding(ws *workspace.Workspace, table *workspace.Table[doc]) *Binding[doc] {
	return New(ws, table, Options[doc]{
		GuidOf: func(d doc) string { return d.Guid },
		BumpUpdatedAt: func(d doc, ts int64) doc {
			d.UpdatedAt = ts
			return d
		},
	})
}

func TestOpenReturnsSameHandleUntilClose(t *testing.T) {
	ws := workspace.New("ws-1", 1)
	table := newDocsTable(ws)
	require.NoError(t, table.Set("row-1", doc{V: 1, Guid: "g1", Title: "hello"}))

	b := newBinding(ws, table)
	ctx := context.Background()

	h1, err := b.Open(ctx, "g1")
	require.NoError(t, err)
	h2, err := b.Open(ctx, "g1")
	require.NoError(t, err)
	assert.Same(t, h1, h2)

	require.NoError(t, b.Close(ctx, "g1"))
	h3, err := b.Open(ctx, "g1")
	require.NoError(t, err)
	assert.NotSame(t, h1, h3)
}

func TestOpenUnknownGuidErrors(t *testing.T) {
	ws := workspace.New("ws-2", 1)
	table := newDocsTable(ws)
	b := newBinding(ws, table)

	_, err := b.Open(context.Background(), "missing")
	assert.Error(t, err)
}

func TestLocalContentEditBumpsUpdatedAt(t *testing.T) {
	ws := workspace.New("ws-3", 1)
	table := newDocsTable(ws)
	require.NoError(t, table.Set("row-1", doc{V: 1, Guid: "g1", Title: "hello", UpdatedAt: 0}))

	b := newBinding(ws, table)
	h, err := b.Open(context.Background(), "g1")
	require.NoError(t, err)

	h.Doc.Transact(crdtdoc.LocalOrigin, func() []byte { return []byte("edit") })

	res := table.Get("row-1")
	require.Equal(t, workspace.StatusValid, res.Status)
	assert.NotZero(t, res.Value.UpdatedAt)
}

func TestUpdatedAtBumpUsesDistinguishedOrigin(t *testing.T) {
	ws := workspace.New("ws-3b", 1)
	table := newDocsTable(ws)
	require.NoError(t, table.Set("row-1", doc{V: 1, Guid: "g1", Title: "hello"}))

	var mu sync.Mutex
	var origins []string
	unsub := table.Observe(func(origin string) {
		mu.Lock()
		origins = append(origins, origin)
		mu.Unlock()
	})
	defer unsub()

	b := newBinding(ws, table)
	h, err := b.Open(context.Background(), "g1")
	require.NoError(t, err)

	h.Doc.Transact(crdtdoc.LocalOrigin, func() []byte { return []byte("edit") })

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		for _, o := range origins {
			if o == updatedAtBumpOrigin {
				return true
			}
		}
		return false
	}, assertTimeout, assertTick, "table observer must see the bump's distinguished origin, not crdtdoc.LocalOrigin")

	mu.Lock()
	defer mu.Unlock()
	for _, o := range origins {
		assert.NotEqual(t, crdtdoc.LocalOrigin, o, "the table write triggered by a content edit must not look like a direct local row edit")
	}
}

func TestRemoteContentEditDoesNotBumpUpdatedAt(t *testing.T) {
	ws := workspace.New("ws-4", 1)
	table := newDocsTable(ws)
	require.NoError(t, table.Set("row-1", doc{V: 1, Guid: "g1", Title: "hello"}))

	b := newBinding(ws, table)
	h, err := b.Open(context.Background(), "g1")
	require.NoError(t, err)

	other := crdtdoc.New(2)
	update := other.Transact(crdtdoc.LocalOrigin, func() []byte { return []byte("remote edit") })
	require.NoError(t, h.Doc.Apply(update, "remote"))

	res := table.Get("row-1")
	require.Equal(t, workspace.StatusValid, res.Status)
	assert.Zero(t, res.Value.UpdatedAt)
}

func TestRowDeletionClosesOpenBinding(t *testing.T) {
	ws := workspace.New("ws-5", 1)
	table := newDocsTable(ws)
	require.NoError(t, table.Set("row-1", doc{V: 1, Guid: "g1", Title: "hello"}))

	var destroyed bool
	b := New(ws, table, Options[doc]{
		GuidOf: func(d doc) string { return d.Guid },
		BumpUpdatedAt: func(d doc, ts int64) doc {
			d.UpdatedAt = ts
			return d
		},
	}).WithDocumentExtension("tracker", func(ctx context.Context, dc *DocExtensionContext[doc]) (*workspace.ExtensionInstance, error) {
		return &workspace.ExtensionInstance{
			Destroy: func(context.Context) error {
				destroyed = true
				return nil
			},
		}, nil
	})

	_, err := b.Open(context.Background(), "g1")
	require.NoError(t, err)

	table.Delete("row-1")

	assert.Eventually(t, func() bool { return destroyed }, assertTimeout, assertTick)
}

func TestDocumentExtensionTagFiltering(t *testing.T) {
	ws := workspace.New("ws-6", 1)
	table := newDocsTable(ws)
	require.NoError(t, table.Set("row-1", doc{V: 1, Guid: "g1", Title: "hello"}))

	var universalRan, taggedRan, mismatchedRan bool

	b := New(ws, table, Options[doc]{
		GuidOf:        func(d doc) string { return d.Guid },
		BumpUpdatedAt: func(d doc, _ int64) doc { return d },
		Tags:          []string{"markdown"},
	}).
		WithDocumentExtension("universal", func(ctx context.Context, dc *DocExtensionContext[doc]) (*workspace.ExtensionInstance, error) {
			universalRan = true
			return &workspace.ExtensionInstance{}, nil
		}).
		WithDocumentExtension("markdown-only", func(ctx context.Context, dc *DocExtensionContext[doc]) (*workspace.ExtensionInstance, error) {
			taggedRan = true
			return &workspace.ExtensionInstance{}, nil
		}, "markdown").
		WithDocumentExtension("code-only", func(ctx context.Context, dc *DocExtensionContext[doc]) (*workspace.ExtensionInstance, error) {
			mismatchedRan = true
			return &workspace.ExtensionInstance{}, nil
		}, "code")

	_, err := b.Open(context.Background(), "g1")
	require.NoError(t, err)

	assert.True(t, universalRan)
	assert.True(t, taggedRan)
	assert.False(t, mismatchedRan)
}
