// Package logging sets up the rotating log file shared by all components.
package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Options configures the log file.
type Options struct {
	File      string
	MaxSizeMB int
	// Stderr mirrors output to stderr; only for commands without a TUI.
	Stderr bool
}

// Logs hands out prefixed loggers writing to one rotating file.
type Logs struct {
	out    io.Writer
	closer io.Closer
}

// New opens the log file. An empty File discards output.
func New(opts Options) (*Logs, error) {
	if opts.File == "" {
		var out io.Writer = io.Discard
		if opts.Stderr {
			out = os.Stderr
		}
		return &Logs{out: out}, nil
	}
	if err := os.MkdirAll(filepath.Dir(opts.File), 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	if opts.MaxSizeMB <= 0 {
		opts.MaxSizeMB = 5
	}

	rotator := &lumberjack.Logger{
		Filename:   opts.File,
		MaxSize:    opts.MaxSizeMB,
		MaxBackups: 3,
		MaxAge:     28,
		Compress:   true,
	}
	var out io.Writer = rotator
	if opts.Stderr {
		out = io.MultiWriter(rotator, os.Stderr)
	}
	return &Logs{out: out, closer: rotator}, nil
}

// Logger returns a logger tagged with "[component] ".
func (l *Logs) Logger(component string) *log.Logger {
	prefix := ""
	if component != "" {
		prefix = "[" + component + "] "
	}
	return log.New(l.out, prefix, log.LstdFlags)
}

func (l *Logs) Close() error {
	if l.closer == nil {
		return nil
	}
	return l.closer.Close()
}
