package config

import (
	"strings"
	"testing"
	"time"

	"gridsync/server"
	"gridsync/server/internal/grid"
	"gridsync/server/logging"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	hub, err := cfg.HubConfig()
	if err != nil {
		t.Fatalf("hub config: %v", err)
	}
	def := server.DefaultHubConfig()
	if hub.Width != def.Width || hub.Height != def.Height || hub.TickRate != def.TickRate {
		t.Fatalf("expected defaults to match the hub defaults, got %+v", hub)
	}
	if hub.Lease != def.Lease || hub.Broadcast != def.Broadcast {
		t.Fatalf("expected lease and broadcast defaults, got %+v %+v", hub.Lease, hub.Broadcast)
	}
	if cfg.Address != ":8080" || cfg.EnablePprofTrace {
		t.Fatalf("unexpected process defaults %+v", cfg)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("GRIDSYNC_GRID_WIDTH", "8")
	t.Setenv("GRIDSYNC_TICK_RATE", "10")
	t.Setenv("GRIDSYNC_LEASE_DURATION", "30s")
	t.Setenv("GRIDSYNC_WALLS", "1,1-1,2; 3,3-4,3")
	t.Setenv("GRIDSYNC_LOG_JSON_PATH", "/tmp/events.jsonl")
	t.Setenv("GRIDSYNC_LOG_MIN_SEVERITY", "warn")
	t.Setenv("GRIDSYNC_LOG_PREFIX", "edge-1 ")
	t.Setenv("GRIDSYNC_LOG_FIELDS", "node:edge-1,region:eu")
	t.Setenv("ENABLE_PPROF_TRACE", "true")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	hub, err := cfg.HubConfig()
	if err != nil {
		t.Fatalf("hub config: %v", err)
	}
	if hub.Width != 8 || hub.TickRate != 10 || hub.Lease.Duration != 30*time.Second {
		t.Fatalf("expected overrides, got %+v", hub)
	}
	want := []server.Wall{
		{A: grid.Pos(1, 1), B: grid.Pos(1, 2)},
		{A: grid.Pos(3, 3), B: grid.Pos(4, 3)},
	}
	if len(hub.Walls) != 2 || hub.Walls[0] != want[0] || hub.Walls[1] != want[1] {
		t.Fatalf("unexpected walls %+v", hub.Walls)
	}

	logCfg := cfg.LoggingConfig()
	if !logCfg.HasSink("console") || !logCfg.HasSink("json") || logCfg.JSON.FilePath != "/tmp/events.jsonl" {
		t.Fatalf("expected json sink to be enabled by its path, got %+v", logCfg)
	}
	if logCfg.MinimumSeverity != logging.SeverityWarn {
		t.Fatalf("expected warn floor, got %v", logCfg.MinimumSeverity)
	}
	if logCfg.Console.Prefix != "edge-1 " || logCfg.BufferSize != 512 {
		t.Fatalf("expected console prefix and default buffer, got %+v", logCfg)
	}
	if logCfg.Fields["node"] != "edge-1" || logCfg.Fields["region"] != "eu" {
		t.Fatalf("expected global log fields, got %+v", logCfg.Fields)
	}
	if !cfg.Observability().EnablePprofTrace {
		t.Fatalf("expected pprof toggle")
	}
}

func TestLoadError(t *testing.T) {
	t.Setenv("GRIDSYNC_TICK_RATE", "fast")
	_, err := Load()
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "parse env:") {
		t.Fatalf("expected parse env prefix, got %v", err)
	}
}

func TestParseWall(t *testing.T) {
	cases := []string{"1,1", "1,1-3,1", "a,1-1,2", "1,1-1"}
	for _, raw := range cases {
		if _, err := ParseWall(raw); err == nil {
			t.Fatalf("expected %q to be rejected", raw)
		}
	}
	wall, err := ParseWall(" 0,0 - 1,0 ")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if wall.A != grid.Pos(0, 0) || wall.B != grid.Pos(1, 0) {
		t.Fatalf("unexpected wall %+v", wall)
	}
}
