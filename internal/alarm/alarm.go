// Package alarm provides the expiry signals the timer engine rings.
package alarm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"
)

// Mode selects an alarm implementation.
type Mode string

const (
	ModeBell    Mode = "bell"
	ModeCommand Mode = "command"
	ModeNone    Mode = "none"
)

// DefaultRepeat is how often a ringing alarm repeats its signal.
const DefaultRepeat = 2 * time.Second

var ErrNoCommand = errors.New("alarm command is empty")

// Options configures New.
type Options struct {
	Mode    Mode
	Command string
	Repeat  time.Duration
	Out     io.Writer // bell output, defaults to stderr
}

// Alarm is the signal the engine starts on expiry and stops on acknowledge.
type Alarm interface {
	Start() error
	Stop()
}

// New builds the alarm for opts.Mode.
func New(opts Options) (Alarm, error) {
	if opts.Repeat <= 0 {
		opts.Repeat = DefaultRepeat
	}
	switch opts.Mode {
	case ModeBell, "":
		out := opts.Out
		if out == nil {
			out = os.Stderr
		}
		return NewBell(out, opts.Repeat), nil
	case ModeCommand:
		if strings.TrimSpace(opts.Command) == "" {
			return nil, ErrNoCommand
		}
		return NewCommand(opts.Command, opts.Repeat), nil
	case ModeNone:
		return None{}, nil
	default:
		return nil, fmt.Errorf("unknown alarm mode %q", opts.Mode)
	}
}

// None is a silent alarm.
type None struct{}

func (None) Start() error { return nil }
func (None) Stop()        {}

// ringer repeats a signal on its own goroutine until stopped.
type ringer struct {
	mu     sync.Mutex
	repeat time.Duration
	cancel context.CancelFunc
	done   chan struct{}
}

func (r *ringer) start(signal func(ctx context.Context) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		return nil
	}

	// The first signal is synchronous so a broken alarm is reported.
	ctx, cancel := context.WithCancel(context.Background())
	if err := signal(ctx); err != nil {
		cancel()
		return err
	}

	done := make(chan struct{})
	r.cancel = cancel
	r.done = done
	go func() {
		defer close(done)
		ticker := time.NewTicker(r.repeat)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				signal(ctx)
			}
		}
	}()
	return nil
}

func (r *ringer) stop() {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.cancel, r.done = nil, nil
	r.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Bell rings the terminal bell.
type Bell struct {
	out io.Writer
	r   ringer
}

func NewBell(out io.Writer, repeat time.Duration) *Bell {
	return &Bell{out: out, r: ringer{repeat: repeat}}
}

func (b *Bell) Start() error {
	return b.r.start(func(context.Context) error {
		if _, err := io.WriteString(b.out, "\a"); err != nil {
			return fmt.Errorf("ring bell: %w", err)
		}
		return nil
	})
}

func (b *Bell) Stop() { b.r.stop() }

// Command runs a shell command, e.g. a sound player, on every repeat.
// Stop kills a command that is still running.
type Command struct {
	command string
	r       ringer
}

func NewCommand(command string, repeat time.Duration) *Command {
	return &Command{command: command, r: ringer{repeat: repeat}}
}

func (c *Command) Start() error {
	first := true
	return c.r.start(func(ctx context.Context) error {
		cmd := exec.CommandContext(ctx, "sh", "-c", c.command)
		if first {
			first = false
			if err := cmd.Start(); err != nil {
				return fmt.Errorf("run alarm command: %w", err)
			}
			go cmd.Wait()
			return nil
		}
		return cmd.Run()
	})
}

func (c *Command) Stop() { c.r.stop() }
