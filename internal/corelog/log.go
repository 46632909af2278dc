// Package corelog provides the shared structured logger for the job core.
package corelog

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Level mirrors the subset of zerolog levels this core cares about.
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

// Config configures the base logger.
type Config struct {
	Level      Level
	JSONOutput bool
	Output     io.Writer
}

// Base is the process-wide base logger. Components derive scoped
// children from it rather than logging through it directly.
var Base zerolog.Logger

func init() {
	Init(Config{Level: InfoLevel})
}

// Init (re)configures Base. Embedding applications call this once at
// startup; packages in this module never call it themselves.
func Init(cfg Config) {
	var level zerolog.Level
	switch cfg.Level {
	case DebugLevel:
		level = zerolog.DebugLevel
	case WarnLevel:
		level = zerolog.WarnLevel
	case ErrorLevel:
		level = zerolog.ErrorLevel
	default:
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}

	if cfg.JSONOutput {
		Base = zerolog.New(output).With().Timestamp().Logger()
	} else {
		Base = zerolog.New(zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
		}).With().Timestamp().Logger()
	}
}

// Component derives a child logger tagged with the given component name.
func Component(name string) zerolog.Logger {
	return Base.With().Str("component", name).Logger()
}

// WithJobID derives a child logger tagged with a job id.
func WithJobID(l zerolog.Logger, jobID string) zerolog.Logger {
	return l.With().Str("job_id", jobID).Logger()
}
