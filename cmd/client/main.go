package main

import (
	"context"
	"fmt"
	"log"
	"math/rand/v2"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"

	"gridsync/server/internal/grid"
	"gridsync/server/internal/net/ws"
	"gridsync/server/internal/remote"
	"gridsync/server/internal/telemetry"
)

const usage = `Headless grid occupancy client.

Connects to a server, keeps a local mirror of the occupancy grid and
optionally wanders around it.

Usage:
    gridsync-client [--url=<url>] [--x=<x> --y=<y>] [--steps=<n>] [--interval=<interval>] [--decline]
    gridsync-client -h | --help

Options:
    -h --help              Show this screen.
    --url=<url>            Websocket endpoint [default: ws://localhost:8080/ws].
    --x=<x>                Requested start column.
    --y=<y>                Requested start row.
    --steps=<n>            Random steps to take before exiting, 0 to idle [default: 0].
    --interval=<interval>  Delay between steps [default: 500ms].
    --decline              Decline lease probes so the server releases the session.`

var Out = log.New(os.Stdout, "", 0)

func main() {
	opts, err := docopt.ParseArgs(usage, os.Args[1:], "")
	if err != nil {
		log.Fatalf("%v", err)
	}
	url, _ := opts.String("--url")
	steps, _ := opts.Int("--steps")
	rawInterval, _ := opts.String("--interval")
	interval, err := time.ParseDuration(rawInterval)
	if err != nil {
		log.Fatalf("invalid --interval: %v", err)
	}
	decline, _ := opts.Bool("--decline")

	cfg := ws.ClientConfig{
		KeepSession: func() bool { return !decline },
		OnLifecycle: func(event remote.LifecycleEvent) {
			Out.Printf("participant %s %s %s", event.Participant, event.Kind, event.Reason)
		},
		Logger: telemetry.WrapLogger(log.Default()),
	}
	if _, ok := opts["--x"].(string); ok {
		x, errX := opts.Int("--x")
		y, errY := opts.Int("--y")
		if errX != nil || errY != nil {
			log.Fatalf("--x and --y must be integers")
		}
		start := grid.Pos(x, y)
		cfg.Start = &start
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	c, err := ws.Dial(dialCtx, url, cfg)
	cancel()
	if err != nil {
		log.Fatalf("%v", err)
	}
	defer c.Close()
	Out.Printf("joined as %s at %s relay=%q", c.Participant(), c.Start(), c.Relay())

	position := c.Start()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	directions := []grid.Position{grid.Pos(1, 0), grid.Pos(-1, 0), grid.Pos(0, 1), grid.Pos(0, -1)}

	for taken := 0; steps == 0 || taken < steps; {
		select {
		case <-ctx.Done():
			printMirror(c)
			return
		case <-c.Done():
			Out.Printf("connection closed: %v", c.Err())
			return
		case <-ticker.C:
		}
		if steps == 0 {
			continue
		}
		step := directions[rand.IntN(len(directions))]
		target := grid.Pos(position.X+step.X, position.Y+step.Y)
		moveCtx, cancel := context.WithTimeout(ctx, interval)
		accepted, err := c.Move(moveCtx, target)
		cancel()
		if err != nil {
			log.Printf("move failed: %v", err)
			continue
		}
		if accepted {
			position = target
		}
		taken++
	}
	time.Sleep(interval)
	printMirror(c)
}

func printMirror(c *ws.Client) {
	syncer := c.Synchronizer()
	mirror := syncer.Grid()
	stats := syncer.Stats()
	Out.Printf("sequence=%d participants=%d applied=%d resyncs=%d", syncer.Applied(), mirror.Sum(), stats.Applied, stats.Resyncs)
	for y := 0; y < mirror.Height(); y++ {
		cells := make([]string, mirror.Width())
		for x := range cells {
			cells[x] = fmt.Sprintf("%d", mirror.At(grid.Pos(x, y)))
		}
		Out.Println(strings.Join(cells, " "))
	}
}
