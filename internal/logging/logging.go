// Package logging builds the component loggers.
//
// Every component logs through a standard *log.Logger with a "[component] "
// prefix. All of them share one writer: stderr, a size-rotated log file, or
// both.
package logging

import (
	"io"
	"log"
	"os"
	"path/filepath"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Options configures the shared writer.
type Options struct {
	// File is the log file path; empty disables file logging
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int

	// Stderr receives console output (os.Stderr when nil)
	Stderr io.Writer

	// Quiet drops console output; the log file still receives everything
	Quiet bool
}

// Logging owns the shared writer.
type Logging struct {
	out  io.Writer
	file *lumberjack.Logger
}

// New builds the shared writer.
func New(opts Options) (*Logging, error) {
	var writers []io.Writer
	if !opts.Quiet {
		stderr := opts.Stderr
		if stderr == nil {
			stderr = os.Stderr
		}
		writers = append(writers, stderr)
	}

	l := &Logging{}
	if opts.File != "" {
		if err := os.MkdirAll(filepath.Dir(opts.File), 0755); err != nil {
			return nil, err
		}
		l.file = &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    opts.MaxSizeMB,
			MaxBackups: opts.MaxBackups,
			MaxAge:     opts.MaxAgeDays,
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
	return l, nil
}

// Discard returns a Logging that drops everything.
func Discard() *Logging {
	return &Logging{out: io.Discard}
}

// Logger returns a logger for component.
func (l *Logging) Logger(component string) *log.Logger {
	return log.New(l.out, "["+component+"] ", log.LstdFlags)
}

// Writer returns the shared writer.
func (l *Logging) Writer() io.Writer {
	return l.out
}

// Close closes the log file, if any.
func (l *Logging) Close() error {
	if l.file == nil {
		return nil
	}
	return l.file.Close()
}
