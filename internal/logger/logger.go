package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Logger is the process-wide zerolog logger plus the sinks it owns.
type Logger struct {
	zerolog.Logger

	file     io.WriteCloser
	redactor *Redactor
}

// Config selects sinks, level and masking.
type Config struct {
	Level     string // debug, info, warn, error
	File      string // log file path
	Console   bool   // write to stderr
	Pretty    bool   // human-readable console lines
	Redaction bool   // mask secrets and tokens
	MaxSize   int    // MB before rotation, 0 disables rotation
	MaxAge    int    // days to keep rotated files
	Compress  bool   // gzip rotated files

	// Secrets are literal values masked in every line, such as the gateway
	// shared secret.
	Secrets []string
}

// New builds the logger and installs it as the zerolog global. Without a
// console or file sink it logs JSON to stderr.
func New(cfg Config) (*Logger, error) {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}

	l := &Logger{}
	var sinks []io.Writer

	if cfg.Console {
		if cfg.Pretty {
			sinks = append(sinks, zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
		} else {
			sinks = append(sinks, os.Stderr)
		}
	}
	if cfg.File != "" {
		l.file, err = openLogFile(cfg)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, l.file)
	}

	out := fanOut(sinks)

	if cfg.Redaction {
		l.redactor = NewRedactor()
		for _, secret := range cfg.Secrets {
			l.redactor.AddLiteral(secret)
		}
		out = l.redactor.Wrap(out)
	}

	l.Logger = zerolog.New(out).Level(level).With().Timestamp().Str("service", "procd").Logger()
	log.Logger = l.Logger
	return l, nil
}

func fanOut(sinks []io.Writer) io.Writer {
	switch len(sinks) {
	case 0:
		return os.Stderr
	case 1:
		return sinks[0]
	}
	return zerolog.MultiLevelWriter(sinks...)
}

func openLogFile(cfg Config) (io.WriteCloser, error) {
	if cfg.MaxSize > 0 {
		return NewRotatingWriter(cfg.File, cfg.MaxSize, cfg.MaxAge, cfg.Compress)
	}
	if err := os.MkdirAll(filepath.Dir(cfg.File), 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	return f, nil
}

// Close releases the log file, if any.
func (l *Logger) Close() error {
	if l.file == nil {
		return nil
	}
	return l.file.Close()
}

// Component returns a child logger tagged with a component name.
func (l *Logger) Component(name string) zerolog.Logger {
	return l.With().Str("component", name).Logger()
}

// GetZerolog returns a copy of the underlying logger for packages that
// take a zerolog.Logger.
func (l *Logger) GetZerolog() zerolog.Logger {
	return l.Logger
}

// DefaultConfig mirrors the logging section of the default procd config.
func DefaultConfig() Config {
	return Config{
		Level:     "info",
		Console:   true,
		Pretty:    true,
		Redaction: true,
		MaxSize:   100,
		MaxAge:    7,
		Compress:  true,
	}
}
