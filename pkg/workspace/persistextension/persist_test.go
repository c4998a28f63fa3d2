package persistextension

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/epicenterhq/sync-core/pkg/workspace"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFactoryWritesDefinitionAndSnapshotOnFlush(t *testing.T) {
	dir := t.TempDir()
	ws := workspace.New("ws-1", 1)
	kv := workspace.NewKV(ws, workspace.KVDef[string]{Key: "title"})

	client, err := ws.Extend().
		WithExtension("persist", Factory(Options{
			AppDataDir:       dir,
			Definition:       Definition{ID: "ws-1", Name: "My Workspace"},
			IncludeKV:        true,
			DebounceInterval: 10 * time.Millisecond,
		})).
		Build(context.Background())
	require.NoError(t, err)

	require.NoError(t, kv.Set("hello"))

	p := client.Extensions()["persist"].(*persister)
	require.NoError(t, p.Flush())

	defBytes, err := os.ReadFile(filepath.Join(dir, "workspaces", "ws-1", "definition.json"))
	require.NoError(t, err)
	var def Definition
	require.NoError(t, json.Unmarshal(defBytes, &def))
	assert.Equal(t, "My Workspace", def.Name)

	snapshot, err := os.ReadFile(filepath.Join(dir, "workspaces", "ws-1", "workspace.yjs"))
	require.NoError(t, err)
	assert.NotEmpty(t, snapshot)

	kvBytes, err := os.ReadFile(filepath.Join(dir, "workspaces", "ws-1", "kv.json"))
	require.NoError(t, err)
	var mirror map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(kvBytes, &mirror))
	assert.Contains(t, mirror, "title")
}

func TestFactoryRestoresFromExistingSnapshot(t *testing.T) {
	dir := t.TempDir()

	ws1 := workspace.New("ws-2", 1)
	table := workspace.NewTable(ws1, workspace.TableDef[struct {
		V     int    `json:"_v"`
		Value string `json:"value"`
	}]{Name: "items"})
	require.NoError(t, table.Set("a", struct {
		V     int    `json:"_v"`
		Value string `json:"value"`
	}{V: 1, Value: "first"}))

	client1, err := ws1.Extend().
		WithExtension("persist", Factory(Options{AppDataDir: dir, Definition: Definition{ID: "ws-2"}})).
		Build(context.Background())
	require.NoError(t, err)
	p1 := client1.Extensions()["persist"].(*persister)
	require.NoError(t, p1.Flush())
	require.NoError(t, client1.Destroy(context.Background()))

	ws2 := workspace.New("ws-2", 2)
	table2 := workspace.NewTable(ws2, workspace.TableDef[struct {
		V     int    `json:"_v"`
		Value string `json:"value"`
	}]{Name: "items"})

	_, err = ws2.Extend().
		WithExtension("persist", Factory(Options{AppDataDir: dir, Definition: Definition{ID: "ws-2"}})).
		Build(context.Background())
	require.NoError(t, err)

	res := table2.Get("a")
	require.Equal(t, workspace.StatusValid, res.Status)
	assert.Equal(t, "first", res.Value.Value)
}
