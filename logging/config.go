package logging

import (
	"fmt"
	"maps"
	"slices"
	"time"
)

// Sink names understood by the router builder.
const (
	SinkConsole = "console"
	SinkJSON    = "json"
	SinkZap     = "zap"
	SinkMemory  = "memory"
)

var knownSinks = []string{SinkConsole, SinkJSON, SinkZap, SinkMemory}

// Config selects the sinks a session writes to and how the router buffers
// events on their way there. Durations are set from the process config.
type Config struct {
	EnabledSinks     []string       `toml:"sinks"`
	BufferSize       int            `toml:"buffer_size"`
	MinimumSeverity  Severity       `toml:"-"`
	Fields           map[string]any `toml:"fields"`
	JSON             JSONConfig     `toml:"json"`
	Console          ConsoleConfig  `toml:"console"`
	DropWarnInterval time.Duration  `toml:"-"`
}

type JSONConfig struct {
	// FilePath appends to a file instead of stdout when set.
	FilePath      string        `toml:"file_path"`
	FlushInterval time.Duration `toml:"-"`
}

type ConsoleConfig struct {
	Prefix string `toml:"prefix"`
}

func DefaultConfig() Config {
	return Config{
		EnabledSinks:     []string{SinkConsole},
		BufferSize:       defaultRouterBuffer,
		MinimumSeverity:  SeverityInfo,
		DropWarnInterval: 5 * time.Second,
		JSON:             JSONConfig{FlushInterval: 2 * time.Second},
	}
}

// Validate rejects sink names the builder cannot construct.
func (c Config) Validate() error {
	for _, name := range c.EnabledSinks {
		if !slices.Contains(knownSinks, name) {
			return fmt.Errorf("unknown log sink %q (want one of %v)", name, knownSinks)
		}
	}
	if c.BufferSize < 0 {
		return fmt.Errorf("log buffer size %d is negative", c.BufferSize)
	}
	return nil
}

func (c Config) HasSink(name string) bool {
	return slices.Contains(c.EnabledSinks, name)
}

func (c Config) CloneFields() map[string]any {
	if len(c.Fields) == 0 {
		return nil
	}
	return maps.Clone(c.Fields)
}
