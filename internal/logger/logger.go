package logger

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Config controls how the root logger is built.
type Config struct {
	Level   string `mapstructure:"level"`    // debug, info, warn, error
	Console bool   `mapstructure:"console"`  // human-readable console writer
	FileDir string `mapstructure:"file_dir"` // when set, also log JSON to a daily file
}

// New builds the root logger. Components derive their own loggers via
// Component so every line carries a stable component field.
func New(cfg Config) (zerolog.Logger, error) {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}

	writers := make([]io.Writer, 0, 2)
	if cfg.Console {
		writers = append(writers, zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	} else {
		writers = append(writers, os.Stderr)
	}

	if cfg.FileDir != "" {
		if err := os.MkdirAll(cfg.FileDir, 0o755); err != nil {
			return zerolog.Nop(), err
		}
		name := "gridbot_" + time.Now().Format("2006-01-02") + ".log"
		f, err := os.OpenFile(filepath.Join(cfg.FileDir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return zerolog.Nop(), err
		}
		writers = append(writers, f)
	}

	log := zerolog.New(zerolog.MultiLevelWriter(writers...)).
		Level(level).
		With().
		Timestamp().
		Logger()
	return log, nil
}

// Component returns a child logger tagged with the component name.
func Component(log zerolog.Logger, name string) zerolog.Logger {
	return log.With().Str("component", name).Logger()
}
