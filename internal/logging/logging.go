// Package logging configures the process-wide logrus logger.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Options selects level, format and an optional rotating log file.
type Options struct {
	Level      string // trace|debug|info|warn|error
	Format     string // text|json
	File       string // "" or "-" disables file output
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
	// Stdout receives console output. Defaults to os.Stdout.
	Stdout io.Writer
}

// Setup configures logger and returns a closer for the rotating file, if any.
func Setup(logger *logrus.Logger, opts Options) (io.Closer, error) {
	level, err := logrus.ParseLevel(strings.TrimSpace(firstNonEmpty(opts.Level, "info")))
	if err != nil {
		return nil, fmt.Errorf("logging: %w", err)
	}
	logger.SetLevel(level)

	switch strings.ToLower(strings.TrimSpace(opts.Format)) {
	case "", "text":
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{})
	default:
		return nil, fmt.Errorf("logging: unknown format %q", opts.Format)
	}

	stdout := opts.Stdout
	if stdout == nil {
		stdout = os.Stdout
	}
	file := strings.TrimSpace(opts.File)
	if file == "" || file == "-" {
		logger.SetOutput(stdout)
		return nopCloser{}, nil
	}
	if err := os.MkdirAll(filepath.Dir(file), 0o755); err != nil {
		return nil, fmt.Errorf("logging: create log dir: %w", err)
	}
	rotator := NewRotator(file, opts)
	logger.SetOutput(io.MultiWriter(stdout, rotator))
	return rotator, nil
}

// NewRotator returns a size-based rotating file writer.
func NewRotator(file string, opts Options) *lumberjack.Logger {
	maxSize := opts.MaxSizeMB
	if maxSize <= 0 {
		maxSize = 100
	}
	backups := opts.MaxBackups
	if backups <= 0 {
		backups = 5
	}
	age := opts.MaxAgeDays
	if age <= 0 {
		age = 30
	}
	return &lumberjack.Logger{
		Filename:   file,
		MaxSize:    maxSize,
		MaxBackups: backups,
		MaxAge:     age,
		Compress:   opts.Compress,
	}
}

// Component returns a logger tagged with a component field. A nil logger
// falls back to the standard logger.
func Component(logger logrus.FieldLogger, name string) logrus.FieldLogger {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return logger.WithField("component", name)
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
