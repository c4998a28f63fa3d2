// Command client is a thin reference consumer of pkg/provider and
// pkg/workspace, mirroring how the teacher's cmd/v1/session wires
// together internal/v1/session with nothing more than flags and signal
// handling. It connects one workspace to a room, mirrors a "notes" table
// over the wire, and logs status/local-change transitions until
// interrupted.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/epicenterhq/sync-core/internal/logging"
	"github.com/epicenterhq/sync-core/pkg/provider"
	"github.com/epicenterhq/sync-core/pkg/workspace"
	"go.uber.org/zap"
)

type note struct {
	V    int    `json:"_v"`
	Text string `json:"text"`
}

func main() {
	url := flag.String("url", "ws://localhost:3913/rooms/demo", "sync room URL")
	token := flag.String("token", "", "bearer token for the token= query parameter")
	workspaceID := flag.String("workspace", "demo", "workspace id")
	flag.Parse()

	if err := logging.Initialize(true); err != nil {
		panic(err)
	}
	log := logging.GetLogger()

	ws := workspace.New(*workspaceID, clientSeed(), "cursor")
	notes := workspace.NewTable(ws, workspace.TableDef[note]{
		Name: "notes",
		Validate: func(n note) bool {
			return n.Text != ""
		},
	})
	unsubscribe := notes.Observe(func(origin string) {
		log.Info("notes table changed", zap.String("origin", origin), zap.Int("count", notes.Count()))
	})
	defer unsubscribe()

	p, err := provider.New(provider.Config{
		Doc:   ws.Doc(),
		URL:   *url,
		Token: *token,
		Log:   log,
	})
	if err != nil {
		log.Fatal("failed to construct provider", zap.Error(err))
	}

	p.OnStatusChange(func(s provider.Status) {
		log.Info("provider status changed", zap.String("status", string(s)))
	})
	p.OnLocalChanges(func(dirty bool) {
		log.Info("local changes", zap.Bool("dirty", dirty))
	})

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down client")
	p.Destroy()
	fmt.Fprintln(os.Stderr, "exited")
}

// clientSeed picks a stable-enough client id for this process; a real
// consumer would persist one per device, the way spec.md §4.3 expects.
func clientSeed() uint64 {
	return uint64(os.Getpid())
}
