// Package logging builds the root zerolog logger.
package logging

import (
	"io"
	"os"
	"time"

	"github.com/mikepea/flux/pkg/flux/config"
	"github.com/rs/zerolog"
)

// New returns the root logger. Production writes JSON to stdout; every
// other environment writes human-readable lines to stderr.
func New(cfg *config.Config, version string) zerolog.Logger {
	var out io.Writer = os.Stdout
	if !cfg.IsProduction() {
		out = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	}
	return NewWithWriter(out, cfg.LogLevel, version)
}

// NewWithWriter returns a logger writing to out at the named level. Unknown
// levels fall back to info.
func NewWithWriter(out io.Writer, level, version string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}

	logger := zerolog.New(out).Level(lvl).With().Timestamp().Str("service", "flux")
	if version != "" {
		logger = logger.Str("version", version)
	}
	return logger.Logger()
}
