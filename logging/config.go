package logging

import "time"

// Config controls the event router and which sinks app wiring builds.
type Config struct {
	EnabledSinks    []string
	BufferSize      int
	MinimumSeverity Severity
	// Fields are attached to every event's Extra unless the event already
	// carries the key.
	Fields           map[string]any
	JSON             JSONConfig
	Console          ConsoleConfig
	DropWarnInterval time.Duration
}

type JSONConfig struct {
	FilePath      string
	FlushInterval time.Duration
}

type ConsoleConfig struct {
	// Prefix is written before every console line.
	Prefix string
}

const (
	defaultBufferSize = 512
	minSinkBuffer     = 32
	maxSinkBuffer     = 1024
)

func DefaultConfig() Config {
	return Config{
		EnabledSinks:     []string{"console"},
		BufferSize:       defaultBufferSize,
		MinimumSeverity:  SeverityInfo,
		DropWarnInterval: 5 * time.Second,
		Console:          ConsoleConfig{Prefix: "gridsync "},
		JSON: JSONConfig{
			FlushInterval: 2 * time.Second,
		},
	}
}

// normalized fills zero values with defaults.
func (c Config) normalized() Config {
	def := DefaultConfig()
	if c.BufferSize <= 0 {
		c.BufferSize = def.BufferSize
	}
	if c.DropWarnInterval <= 0 {
		c.DropWarnInterval = def.DropWarnInterval
	}
	if c.JSON.FlushInterval <= 0 {
		c.JSON.FlushInterval = def.JSON.FlushInterval
	}
	return c
}

// sinkBuffer is the per-sink queue depth derived from the router buffer.
func (c Config) sinkBuffer() int {
	return max(minSinkBuffer, min(c.BufferSize, maxSinkBuffer))
}

func (c Config) HasSink(name string) bool {
	for _, s := range c.EnabledSinks {
		if s == name {
			return true
		}
	}
	return false
}

func (c Config) CloneFields() map[string]any {
	if len(c.Fields) == 0 {
		return nil
	}
	cloned := make(map[string]any, len(c.Fields))
	for k, v := range c.Fields {
		cloned[k] = v
	}
	return cloned
}
