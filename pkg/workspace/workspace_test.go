package workspace

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type note struct {
	V    int    `json:"_v"`
	Text string `json:"text"`
}

func noteTableDef() TableDef[note] {
	return TableDef[note]{
		Name: "notes",
		Validate: func(n note) bool {
			return n.Text != ""
		},
	}
}

func TestTableSetGetDelete(t *testing.T) {
	ws := New("ws-1", 1)
	notes := NewTable(ws, noteTableDef())

	require.NoError(t, notes.Set("a", note{V: 1, Text: "hello"}))

	res := notes.Get("a")
	assert.Equal(t, StatusValid, res.Status)
	assert.Equal(t, "hello", res.Value.Text)

	assert.True(t, notes.Has("a"))
	assert.Equal(t, 1, notes.Count())

	notes.Delete("a")
	assert.False(t, notes.Has("a"))
	assert.Equal(t, StatusNotFound, notes.Get("a").Status)
}

func TestTableGetNotFoundVsInvalid(t *testing.T) {
	ws := New("ws-2", 1)
	notes := NewTable(ws, noteTableDef())

	assert.Equal(t, StatusNotFound, notes.Get("missing").Status)

	require.NoError(t, notes.Set("bad", note{V: 1, Text: ""}))
	res := notes.Get("bad")
	assert.Equal(t, StatusInvalid, res.Status)
}

func TestTableFilterFindGetAllValid(t *testing.T) {
	ws := New("ws-3", 1)
	notes := NewTable(ws, noteTableDef())

	require.NoError(t, notes.Set("a", note{V: 1, Text: "alpha"}))
	require.NoError(t, notes.Set("b", note{V: 1, Text: "beta"}))
	require.NoError(t, notes.Set("c", note{V: 1, Text: ""})) // invalid, excluded

	valid := notes.GetAllValid()
	assert.Len(t, valid, 2)

	filtered := notes.Filter(func(_ string, n note) bool { return n.Text == "beta" })
	assert.Len(t, filtered, 1)

	id, row, found := notes.Find(func(_ string, n note) bool { return n.Text == "alpha" })
	assert.True(t, found)
	assert.Equal(t, "a", id)
	assert.Equal(t, "alpha", row.Text)
}

func TestBatchCommitsAsOneTransaction(t *testing.T) {
	ws := New("ws-4", 1)
	notes := NewTable(ws, noteTableDef())
	kv := NewKV(ws, KVDef[string]{Key: "lastEdited"})

	var observed int
	unsub := notes.Observe(func(origin string) { observed++ })
	defer unsub()

	err := ws.Batch(func(b *Batch) {
		_ = notes.SetIn(b, "a", note{V: 1, Text: "alpha"})
		_ = notes.SetIn(b, "b", note{V: 1, Text: "beta"})
		_ = kv.SetIn(b, "batch-write")
	})
	require.NoError(t, err)

	assert.Equal(t, 1, observed, "one batch should fire exactly one observe notification")
	assert.Equal(t, StatusValid, notes.Get("a").Status)
	assert.Equal(t, StatusValid, notes.Get("b").Status)
	assert.Equal(t, "batch-write", kv.Get().Value)
}

func TestKVSetGetDelete(t *testing.T) {
	ws := New("ws-5", 1)
	kv := NewKV(ws, KVDef[int]{Key: "counter"})

	assert.Equal(t, StatusNotFound, kv.Get().Status)
	require.NoError(t, kv.Set(3))
	assert.Equal(t, 3, kv.Get().Value)
	kv.Delete()
	assert.Equal(t, StatusNotFound, kv.Get().Status)
}

func TestAwarenessHelperFieldRoundTrip(t *testing.T) {
	ws := New("ws-6", 1, "cursor", "displayName")
	aw := ws.Awareness()

	assert.ElementsMatch(t, []string{"cursor", "displayName"}, aw.Fields())

	_, err := aw.SetField("displayName", "ada")
	require.NoError(t, err)

	var name string
	ok, err := aw.GetField("displayName", &name)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "ada", name)

	ok, _ = aw.GetField("cursor", &name)
	assert.False(t, ok)
}

func TestExtensionChainWhenReadyAndDestroyOrder(t *testing.T) {
	ws := New("ws-7", 1)

	var destroyOrder []string

	builder := ws.Extend().
		WithExtension("first", func(ctx context.Context, ec *ExtensionContext) (*ExtensionInstance, error) {
			return &ExtensionInstance{
				Exports: "first-exports",
				Destroy: func(context.Context) error {
					destroyOrder = append(destroyOrder, "first")
					return nil
				},
			}, nil
		}).
		WithExtension("second", func(ctx context.Context, ec *ExtensionContext) (*ExtensionInstance, error) {
			require.Equal(t, "first-exports", ec.Extensions["first"])
			return &ExtensionInstance{
				Exports: "second-exports",
				Destroy: func(context.Context) error {
					destroyOrder = append(destroyOrder, "second")
					return nil
				},
			}, nil
		})

	client, err := builder.Build(context.Background())
	require.NoError(t, err)
	require.NoError(t, client.WhenReady(context.Background()))

	exports := client.Extensions()
	assert.Equal(t, "first-exports", exports["first"])
	assert.Equal(t, "second-exports", exports["second"])

	require.NoError(t, client.Destroy(context.Background()))
	assert.Equal(t, []string{"second", "first"}, destroyOrder)
}

func TestExtensionChainFactoryErrorDestroysPriorLIFO(t *testing.T) {
	ws := New("ws-8", 1)

	var destroyOrder []string
	boom := errors.New("boom")

	builder := ws.Extend().
		WithExtension("ok", func(ctx context.Context, ec *ExtensionContext) (*ExtensionInstance, error) {
			return &ExtensionInstance{
				Destroy: func(context.Context) error {
					destroyOrder = append(destroyOrder, "ok")
					return nil
				},
			}, nil
		}).
		WithExtension("fails", func(ctx context.Context, ec *ExtensionContext) (*ExtensionInstance, error) {
			return nil, boom
		})

	client, err := builder.Build(context.Background())
	assert.Nil(t, client)
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, []string{"ok"}, destroyOrder)
}

func TestWithExtensionDoesNotMutateOriginalBuilder(t *testing.T) {
	ws := New("ws-9", 1)
	base := ws.Extend()
	branched := base.WithExtension("only-on-branch", func(ctx context.Context, ec *ExtensionContext) (*ExtensionInstance, error) {
		return &ExtensionInstance{}, nil
	})

	baseClient, err := base.Build(context.Background())
	require.NoError(t, err)
	assert.Empty(t, baseClient.Extensions())

	branchedClient, err := branched.Build(context.Background())
	require.NoError(t, err)
	assert.Len(t, branchedClient.Extensions(), 1)
}
