package sinks

import (
	"fmt"
	"io"
	"os"

	"go.uber.org/zap"

	"tabletop/session/logging"
)

const recentEventLimit = 256

// Build instantiates the sinks enabled in cfg. Console output goes to stdout.
func Build(cfg logging.Config, stdout io.Writer) ([]logging.NamedSink, error) {
	var named []logging.NamedSink
	for _, name := range cfg.EnabledSinks {
		switch name {
		case logging.SinkConsole:
			named = append(named, logging.NamedSink{Name: name, Sink: NewConsole(stdout, cfg.Console)})
		case logging.SinkJSON:
			w := stdout
			if cfg.JSON.FilePath != "" {
				file, err := os.OpenFile(cfg.JSON.FilePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
				if err != nil {
					return nil, fmt.Errorf("open json log %s: %w", cfg.JSON.FilePath, err)
				}
				w = file
			}
			named = append(named, logging.NamedSink{Name: name, Sink: NewJSON(w, cfg.JSON.FlushInterval)})
		case logging.SinkZap:
			logger, err := zap.NewProduction()
			if err != nil {
				return nil, fmt.Errorf("build zap logger: %w", err)
			}
			named = append(named, logging.NamedSink{Name: name, Sink: NewZap(logger)})
		case logging.SinkMemory:
			// Keeps the tail of the event stream for the diagnostics page.
			named = append(named, logging.NamedSink{Name: name, Sink: NewBoundedMemory(recentEventLimit)})
		default:
			return nil, fmt.Errorf("unknown log sink %q", name)
		}
	}
	return named, nil
}
