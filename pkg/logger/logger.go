package logger

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

var Log = zerolog.New(os.Stdout).With().Timestamp().Logger()

// Init configures the process logger. Valid levels: debug, info, warn, error.
func Init(level string) {
	InitWithWriter(level, os.Stdout)
}

func InitWithWriter(level string, w io.Writer) {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	Log = zerolog.New(w).
		Level(lvl).
		With().
		Timestamp().
		Logger()
}

// Module returns a logger tagged with the component name.
func Module(name string) zerolog.Logger {
	return Log.With().Str("module", name).Logger()
}

func Info(format string, v ...interface{}) {
	Log.Info().Msgf(format, v...)
}

func Error(format string, v ...interface{}) {
	Log.Error().Msgf(format, v...)
}

func Debug(format string, v ...interface{}) {
	Log.Debug().Msgf(format, v...)
}

func Warn(format string, v ...interface{}) {
	Log.Warn().Msgf(format, v...)
}

// Fatal logs and exits the process.
func Fatal(format string, v ...interface{}) {
	Log.Fatal().Msgf(format, v...)
}
