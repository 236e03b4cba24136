// Package logging configures zerolog for Palaver and adapts it for the
// libraries that bring their own logger interfaces.
package logging

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/zulandar/palaver/internal/config"
)

// Setup configures the global logger and returns it. Output goes to w, or
// stderr when w is nil.
func Setup(cfg config.LogConfig, w io.Writer) (zerolog.Logger, error) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		return zerolog.Nop(), fmt.Errorf("logging: level %q: %w", cfg.Level, err)
	}
	if level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	if w == nil {
		w = os.Stderr
	}
	if cfg.Format != "json" {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.Kitchen}
	}

	zerolog.SetGlobalLevel(level)
	logger := zerolog.New(w).With().Timestamp().Logger()
	log.Logger = logger
	return logger, nil
}
