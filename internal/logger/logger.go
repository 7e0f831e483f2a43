// Package logger configures zerolog and hands out per-component loggers.
package logger

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var base = zerolog.New(os.Stdout).With().Timestamp().Logger()

// Config controls the root logger.
type Config struct {
	Level  string `json:"level"`
	Debug  bool   `json:"debug"`
	Output string `json:"output"` // "stdout", "stderr" or "console"
}

// Init configures the root logger. It is called once from main.
func Init(cfg Config) error {
	var out io.Writer = os.Stdout
	switch cfg.Output {
	case "stderr":
		out = os.Stderr
	case "console":
		out = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}

	level := zerolog.InfoLevel
	if cfg.Debug {
		level = zerolog.DebugLevel
	} else if cfg.Level != "" {
		l, err := zerolog.ParseLevel(cfg.Level)
		if err != nil {
			return err
		}
		level = l
	}

	zerolog.TimeFieldFormat = time.RFC3339
	zerolog.SetGlobalLevel(level)
	base = zerolog.New(out).With().Timestamp().Logger()
	log.Logger = base
	return nil
}

// SetLevel changes the level of every logger at runtime.
func SetLevel(level string) error {
	l, err := zerolog.ParseLevel(level)
	if err != nil {
		return err
	}
	zerolog.SetGlobalLevel(l)
	return nil
}

// WithComponent returns a child logger tagged with the component name.
func WithComponent(component string) zerolog.Logger {
	return base.With().Str("component", component).Logger()
}
