package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/awnumar/memguard"

	"aim-chat/identity-core/cmd/aim-identity/commands"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

// An interrupt cancels ctx so the command unwinds and the core closes; the
// enclaves are purged on every exit path after that.
func main() {
	os.Exit(run())
}

func run() int {
	defer memguard.Purge()
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := commands.Execute(ctx, commands.BuildInfo{Version: version, Commit: commit, BuildDate: buildDate}); err != nil {
		return 1
	}
	return 0
}
