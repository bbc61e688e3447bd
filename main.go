package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/tphakala/birdnet-sync/cmd"
	"github.com/tphakala/birdnet-sync/internal/buildinfo"
)

// Injected at build time with -ldflags "-X main.version=... -X main.buildDate=..."
var (
	version   string
	buildDate string
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := cmd.Execute(ctx, buildinfo.NewContext(version, buildDate))
	stop()
	os.Exit(code)
}
