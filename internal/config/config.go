// Package config loads process configuration from the environment.
package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"

	"gridsync/server"
	"gridsync/server/internal/broadcast"
	"gridsync/server/internal/grid"
	"gridsync/server/internal/lease"
	"gridsync/server/internal/observability"
	"gridsync/server/logging"
)

// Config is the server process configuration.
type Config struct {
	Address string `env:"GRIDSYNC_ADDRESS" envDefault:":8080"`

	GridWidth  int `env:"GRIDSYNC_GRID_WIDTH" envDefault:"20"`
	GridHeight int `env:"GRIDSYNC_GRID_HEIGHT" envDefault:"20"`
	// Walls lists blocked steps as "x1,y1-x2,y2" separated by semicolons.
	Walls []string `env:"GRIDSYNC_WALLS" envSeparator:";"`

	TickRate       int `env:"GRIDSYNC_TICK_RATE" envDefault:"4"`
	QueueThreshold int `env:"GRIDSYNC_QUEUE_THRESHOLD" envDefault:"1024"`

	LeaseDuration time.Duration `env:"GRIDSYNC_LEASE_DURATION" envDefault:"60s"`
	GraceWindow   time.Duration `env:"GRIDSYNC_GRACE_WINDOW" envDefault:"5s"`

	RelayCapacity   int           `env:"GRIDSYNC_RELAY_CAPACITY" envDefault:"100"`
	DeliveryWorkers int           `env:"GRIDSYNC_DELIVERY_WORKERS" envDefault:"64"`
	DeliveryTimeout time.Duration `env:"GRIDSYNC_DELIVERY_TIMEOUT" envDefault:"2s"`

	LogSinks       []string          `env:"GRIDSYNC_LOG_SINKS" envDefault:"console" envSeparator:","`
	LogJSONPath    string            `env:"GRIDSYNC_LOG_JSON_PATH"`
	LogMinSeverity string            `env:"GRIDSYNC_LOG_MIN_SEVERITY" envDefault:"info"`
	LogPrefix      string            `env:"GRIDSYNC_LOG_PREFIX" envDefault:"gridsync "`
	LogBufferSize  int               `env:"GRIDSYNC_LOG_BUFFER" envDefault:"512"`
	LogFields      map[string]string `env:"GRIDSYNC_LOG_FIELDS" envSeparator:"," envKeyValSeparator:":"`

	EnablePprofTrace bool `env:"ENABLE_PPROF_TRACE"`
}

// ParseEnv loads configuration from environment variables.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// Load parses the process environment into a Config.
func Load() (Config, error) {
	var cfg Config
	if err := ParseEnv(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// HubConfig converts the process configuration into authority settings.
func (c Config) HubConfig() (server.HubConfig, error) {
	walls := make([]server.Wall, 0, len(c.Walls))
	for _, raw := range c.Walls {
		if strings.TrimSpace(raw) == "" {
			continue
		}
		wall, err := ParseWall(raw)
		if err != nil {
			return server.HubConfig{}, err
		}
		walls = append(walls, wall)
	}
	return server.HubConfig{
		Width:          c.GridWidth,
		Height:         c.GridHeight,
		Walls:          walls,
		TickRate:       c.TickRate,
		QueueThreshold: c.QueueThreshold,
		Lease: lease.Config{
			Duration:    c.LeaseDuration,
			GraceWindow: c.GraceWindow,
		},
		Broadcast: broadcast.Config{
			Workers:         c.DeliveryWorkers,
			DeliveryTimeout: c.DeliveryTimeout,
			RelayCapacity:   c.RelayCapacity,
		},
	}, nil
}

// LoggingConfig derives the event router configuration.
func (c Config) LoggingConfig() logging.Config {
	cfg := logging.DefaultConfig()
	if len(c.LogSinks) > 0 {
		cfg.EnabledSinks = append([]string(nil), c.LogSinks...)
	}
	cfg.MinimumSeverity = logging.ParseSeverity(c.LogMinSeverity)
	cfg.Console.Prefix = c.LogPrefix
	if c.LogBufferSize > 0 {
		cfg.BufferSize = c.LogBufferSize
	}
	if len(c.LogFields) > 0 {
		cfg.Fields = make(map[string]any, len(c.LogFields))
		for k, v := range c.LogFields {
			cfg.Fields[k] = v
		}
	}
	cfg.JSON.FilePath = c.LogJSONPath
	if cfg.JSON.FilePath != "" && !cfg.HasSink("json") {
		cfg.EnabledSinks = append(cfg.EnabledSinks, "json")
	}
	return cfg
}

// Observability returns the opt-in debugging toggles.
func (c Config) Observability() observability.Config {
	return observability.Config{EnablePprofTrace: c.EnablePprofTrace}
}

// ParseWall decodes "x1,y1-x2,y2" into a wall between two adjacent cells.
func ParseWall(raw string) (server.Wall, error) {
	left, right, ok := strings.Cut(strings.TrimSpace(raw), "-")
	if !ok {
		return server.Wall{}, fmt.Errorf("wall %q: expected x1,y1-x2,y2", raw)
	}
	a, err := parsePosition(left)
	if err != nil {
		return server.Wall{}, fmt.Errorf("wall %q: %w", raw, err)
	}
	b, err := parsePosition(right)
	if err != nil {
		return server.Wall{}, fmt.Errorf("wall %q: %w", raw, err)
	}
	if a.Manhattan(b) != 1 {
		return server.Wall{}, fmt.Errorf("wall %q: cells are not adjacent", raw)
	}
	return server.Wall{A: a, B: b}, nil
}

func parsePosition(raw string) (grid.Position, error) {
	rawX, rawY, ok := strings.Cut(strings.TrimSpace(raw), ",")
	if !ok {
		return grid.Position{}, fmt.Errorf("position %q: expected x,y", raw)
	}
	x, err := strconv.Atoi(strings.TrimSpace(rawX))
	if err != nil {
		return grid.Position{}, fmt.Errorf("position %q: %w", raw, err)
	}
	y, err := strconv.Atoi(strings.TrimSpace(rawY))
	if err != nil {
		return grid.Position{}, fmt.Errorf("position %q: %w", raw, err)
	}
	return grid.Pos(x, y), nil
}
