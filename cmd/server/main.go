package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/docopt/docopt-go"

	server "gridsync/server"
	"gridsync/server/internal/app"
	"gridsync/server/internal/config"
)

const usage = `Grid occupancy sync server.

Settings are read from GRIDSYNC_* environment variables; flags override them.

Usage:
    gridsync-server [--addr=<addr>] [--log_json=<path>] [--pprof]
    gridsync-server -h | --help
    gridsync-server --version

Options:
    -h --help          Show this screen.
    --version          Show version.
    --addr=<addr>      Listen address, e.g. :8080.
    --log_json=<path>  Append structured events to this file.
    --pprof            Mount /debug/pprof handlers.`

func main() {
	opts, err := docopt.ParseArgs(usage, os.Args[1:], versionString())
	if err != nil {
		log.Fatalf("%v", err)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("%v", err)
	}
	if addr, _ := opts.String("--addr"); addr != "" {
		cfg.Address = addr
	}
	if path, _ := opts.String("--log_json"); path != "" {
		cfg.LogJSONPath = path
	}
	if pprof, _ := opts.Bool("--pprof"); pprof {
		cfg.EnablePprofTrace = true
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.Run(ctx, app.Config{Server: cfg}); err != nil {
		log.Fatalf("%v", err)
	}
}

func versionString() string {
	return fmt.Sprintf("gridsync-server (protocol v%d)", server.ProtocolVersion)
}
