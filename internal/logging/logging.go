// Package logging builds the process loggers: stderr, plus an optional
// size-rotated log file.
package logging

import (
	"io"
	"log"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Config controls log destinations.
type Config struct {
	// File receives a copy of every log line when set. It is rotated by size.
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int

	// Quiet keeps activity logging off stderr. The file still receives it.
	Quiet bool

	// Stderr overrides os.Stderr (for tests)
	Stderr io.Writer
}

// Logs hands out prefixed loggers that share one destination.
type Logs struct {
	out  io.Writer
	file *lumberjack.Logger
}

// New opens the configured destinations. The log file is created lazily on
// first write.
func New(cfg Config) *Logs {
	stderr := cfg.Stderr
	if stderr == nil {
		stderr = os.Stderr
	}

	var writers []io.Writer
	if !cfg.Quiet {
		writers = append(writers, stderr)
	}

	l := &Logs{}
	if cfg.File != "" {
		l.file = &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
		}
		writers = append(writers, l.file)
	}

	switch len(writers) {
	case 0:
		l.out = io.Discard
	case 1:
		l.out = writers[0]
	default:
		l.out = io.MultiWriter(writers...)
	}
	return l
}

// Logger returns a logger writing with a "[name] " prefix.
func (l *Logs) Logger(name string) *log.Logger {
	return log.New(l.out, "["+name+"] ", log.LstdFlags)
}

// Writer returns the shared destination.
func (l *Logs) Writer() io.Writer {
	return l.out
}

// Rotate closes the current log file and starts a new one.
func (l *Logs) Rotate() error {
	if l.file == nil {
		return nil
	}
	return l.file.Rotate()
}

// Close closes the log file, if any.
func (l *Logs) Close() error {
	if l.file == nil {
		return nil
	}
	return l.file.Close()
}
