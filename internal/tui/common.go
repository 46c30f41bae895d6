package tui

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/sadopc/doflow/internal/cloudsync"
	"github.com/sadopc/doflow/internal/timer"
)

// viewState represents the currently active view.
type viewState int

const (
	viewDo viewState = iota
	viewTasks
	viewHistory
	viewSettings
)

var viewNames = []string{"Do", "Tasks", "History", "Settings"}

// SyncFunc runs one reconciliation with the remote document.
type SyncFunc func(ctx context.Context) cloudsync.Result

// --- Messages ---

// DataChangedMsg tells the app that stored data changed outside of it, for
// example after a store write or a pull from the remote.
type DataChangedMsg struct{}

type engineEventMsg struct {
	event timer.Event
}

type statusMsg struct {
	text    string
	isError bool
}

type syncRequestMsg struct{}

type syncDoneMsg struct {
	result cloudsync.Result
}

type exportDoneMsg struct {
	path string
}

// waitForEvent blocks on the engine's event channel. The app re-arms it
// after every delivered event.
func waitForEvent(ch <-chan timer.Event) tea.Cmd {
	if ch == nil {
		return nil
	}
	return func() tea.Msg {
		ev, ok := <-ch
		if !ok {
			return nil
		}
		return engineEventMsg{event: ev}
	}
}

func statusCmd(text string, isError bool) tea.Cmd {
	return func() tea.Msg {
		return statusMsg{text: text, isError: isError}
	}
}

func errorCmd(prefix string, err error) tea.Cmd {
	return statusCmd(fmt.Sprintf("%s: %v", prefix, err), true)
}

// --- Helpers ---

func formatDuration(d time.Duration) string {
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}

func formatSeconds(secs int64) string {
	return formatDuration(time.Duration(secs) * time.Second)
}

// formatMinutes renders a task duration compactly: "25m", "1h30m", "45s".
func formatMinutes(secs int) string {
	d := time.Duration(secs) * time.Second
	switch {
	case secs <= 0:
		return "0m"
	case secs%60 != 0:
		return d.String()
	case d >= time.Hour:
		h := int(d.Hours())
		m := int(d.Minutes()) % 60
		if m == 0 {
			return fmt.Sprintf("%dh", h)
		}
		return fmt.Sprintf("%dh%02dm", h, m)
	default:
		return fmt.Sprintf("%dm", secs/60)
	}
}

var errDurationInput = errors.New("enter minutes (25) or a duration (1h30m)")

// parseDurationInput accepts a plain number of minutes or a Go duration
// string and returns whole seconds.
func parseDurationInput(s string) (int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, errDurationInput
	}
	if mins, err := strconv.ParseFloat(s, 64); err == nil {
		secs := int(mins * 60)
		if secs <= 0 {
			return 0, errDurationInput
		}
		return secs, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil || d < time.Second {
		return 0, errDurationInput
	}
	return int(d / time.Second), nil
}
