package tui

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/sadopc/doflow/internal/store"
	"github.com/sadopc/doflow/internal/timer"
)

const upcomingLimit = 5

var stateLabels = map[timer.State]string{
	timer.StateIdle:          "READY",
	timer.StateRunning:       "DOING",
	timer.StatePaused:        "PAUSED",
	timer.StateAlarmRinging:  "TIME'S UP",
	timer.StateExpired:       "TIME'S UP",
	timer.StateTransitioning: "UP NEXT",
}

type doModel struct {
	store  *store.Store
	engine *timer.Engine
	width  int
	height int

	snap       timer.Snapshot
	collection store.Collection
	listName   string
	upcoming   []store.Task
	exhausted  bool
}

func newDoModel(s *store.Store, e *timer.Engine) doModel {
	return doModel{
		store:      s,
		engine:     e,
		snap:       e.Snapshot(),
		collection: e.Collection(),
	}
}

func (d *doModel) setSize(w, h int) {
	d.width = w
	d.height = h
}

type queueDataMsg struct {
	collection store.Collection
	name       string
	tasks      []store.Task
}

// loadQueue reads the incomplete tasks of the session's collection.
func (d doModel) loadQueue() tea.Cmd {
	c := d.engine.Collection()
	return func() tea.Msg {
		ctx := context.Background()
		name := "Daily"
		if !c.IsDaily() {
			if l, err := d.store.GetList(ctx, c.ListID); err == nil {
				name = l.Name
			}
		}
		tasks, err := d.store.ListIncomplete(ctx, c)
		if err != nil {
			return statusMsg{text: fmt.Sprintf("Load queue: %v", err), isError: true}
		}
		return queueDataMsg{collection: c, name: name, tasks: tasks}
	}
}

// begin opens a session over the current collection when none exists.
func (d doModel) begin() tea.Cmd {
	if d.engine.Active() {
		return nil
	}
	return func() tea.Msg {
		ctx := context.Background()
		c, err := d.store.CurrentCollection(ctx)
		if err != nil {
			return statusMsg{text: fmt.Sprintf("Current list: %v", err), isError: true}
		}
		if err := d.engine.Begin(ctx, c); err != nil {
			return statusMsg{text: fmt.Sprintf("Begin: %v", err), isError: true}
		}
		return nil
	}
}

func (d doModel) update(msg tea.Msg) (doModel, tea.Cmd) {
	switch msg := msg.(type) {
	case engineEventMsg:
		prev := d.snap
		d.snap = msg.event.Snapshot
		var cmds []tea.Cmd
		switch msg.event.Type {
		case timer.EventQueueExhausted:
			d.exhausted = true
			cmds = append(cmds, statusCmd("All tasks done", false))
		case timer.EventAlarmStarted:
			if d.snap.Task != nil {
				cmds = append(cmds, statusCmd(fmt.Sprintf("Time's up: %s", d.snap.Task.Title), false))
			}
		case timer.EventError:
			cmds = append(cmds, errorCmd("Timer", msg.event.Err))
		}
		if d.snap.Task != nil {
			d.exhausted = false
		}
		if taskID(prev) != taskID(d.snap) || d.engine.Collection() != d.collection {
			cmds = append(cmds, d.loadQueue())
		}
		return d, tea.Batch(cmds...)

	case queueDataMsg:
		d.collection = msg.collection
		d.listName = msg.name
		d.upcoming = msg.tasks
		return d, nil

	case tea.KeyMsg:
		return d.handleKey(msg)
	}
	return d, nil
}

func (d doModel) handleKey(msg tea.KeyMsg) (doModel, tea.Cmd) {
	ctx := context.Background()
	e := d.engine

	switch {
	case key.Matches(msg, keys.Start):
		switch d.snap.State {
		case timer.StateIdle, timer.StatePaused:
		default:
			return d, nil
		}
		task := d.snap.Task
		if task == nil && !e.Active() {
			c, err := d.store.CurrentCollection(ctx)
			if err != nil {
				return d, errorCmd("Current list", err)
			}
			if err := e.Begin(ctx, c); err != nil {
				return d, errorCmd("Begin", err)
			}
			task = e.Snapshot().Task
		}
		if task == nil {
			return d, statusCmd("Nothing to do in this list", false)
		}
		if err := e.Start(ctx, *task); err != nil {
			return d, errorCmd("Start", err)
		}
	case key.Matches(msg, keys.Pause):
		e.Toggle()
	case key.Matches(msg, keys.Skip):
		e.SkipTransition(ctx)
	case key.Matches(msg, keys.Next):
		e.Next(ctx)
	case key.Matches(msg, keys.StopAlarm):
		e.StopAlarm()
	case key.Matches(msg, keys.Reset):
		e.Reset(ctx)
	case key.Matches(msg, keys.Stop):
		e.Stop()
		return d, statusCmd("Stopped", false)
	}
	return d, nil
}

func taskID(s timer.Snapshot) int64 {
	if s.Task == nil {
		return 0
	}
	return s.Task.ID
}

func (d doModel) view() string {
	w := d.width - 4
	inner := max(w-6, 10)

	name := d.listName
	if name == "" {
		name = "Daily"
	}
	title := titleStyle.Render("Do · " + name)

	snap := d.snap
	if snap.Task == nil {
		msg := "No open tasks. Add some in Tasks (2)."
		switch {
		case d.exhausted:
			msg = "All done. Nice work."
		case !d.engine.Active():
			msg = "Press s to begin."
		}
		content := lipgloss.JoinVertical(lipgloss.Center,
			title, "",
			timerStyle.Width(inner).Render("--:--"),
			mutedStyle.Render(msg),
		)
		return panelStyle.Width(w).Render(content)
	}

	clockStyle := timerStyle
	labelStyle := mutedStyle
	switch snap.State {
	case timer.StateRunning:
		clockStyle = timerRunningStyle
		labelStyle = successStyle.Bold(true)
	case timer.StatePaused:
		clockStyle = timerPausedStyle
		labelStyle = warningStyle.Bold(true)
	case timer.StateAlarmRinging, timer.StateExpired:
		clockStyle = accentStyle.Bold(true).Align(lipgloss.Center)
		labelStyle = accentStyle.Bold(true)
	case timer.StateTransitioning:
		labelStyle = highlightStyle.Bold(true)
	}

	taskLine := titleStyle.Render(snap.Task.Title) +
		mutedStyle.Render("  "+formatMinutes(snap.Task.DurationSeconds))
	clock := clockStyle.Width(inner).Render(snap.Clock())
	label := labelStyle.Render(stateLabels[snap.State])

	rows := []string{title, "", taskLine, "", clock, label, "", renderProgressBar(snap.Progress(), min(inner, 50))}
	if snap.State == timer.StateTransitioning {
		rows = append(rows, "", highlightStyle.Render(
			fmt.Sprintf("Next task in %ds", snap.TransitionRemaining)))
	}

	if up := d.renderUpcoming(); up != "" {
		rows = append(rows, "", up)
	}
	rows = append(rows, "", mutedStyle.Render(controlsFor(snap.State)))

	return panelStyle.Width(w).Render(lipgloss.JoinVertical(lipgloss.Center, rows...))
}

func (d doModel) renderUpcoming() string {
	var items []string
	current := taskID(d.snap)
	for _, t := range d.upcoming {
		if t.ID == current {
			continue
		}
		items = append(items, fmt.Sprintf("  %s %s", mutedStyle.Render("·"), t.Title)+
			mutedStyle.Render("  "+formatMinutes(t.DurationSeconds)))
		if len(items) == upcomingLimit {
			break
		}
	}
	if len(items) == 0 {
		return ""
	}
	return lipgloss.JoinVertical(lipgloss.Left,
		append([]string{mutedStyle.Render("Up next")}, items...)...)
}

func controlsFor(s timer.State) string {
	switch s {
	case timer.StateRunning:
		return "space: pause  n: next  r: reset  x: stop"
	case timer.StatePaused:
		return "space/s: resume  n: next  r: reset  x: stop"
	case timer.StateAlarmRinging:
		return "a: silence  n: next  r: reset"
	case timer.StateExpired:
		return "n: next  r: reset"
	case timer.StateTransitioning:
		return "enter: skip wait  r: restart task  x: stop"
	}
	return "s: start  n: next"
}

func renderProgressBar(p float64, width int) string {
	if width < 4 {
		width = 4
	}
	filled := int(p * float64(width))
	if filled > width {
		filled = width
	}
	bar := successStyle.Render(strings.Repeat("█", filled)) +
		mutedStyle.Render(strings.Repeat("░", width-filled))
	return bar + mutedStyle.Render(fmt.Sprintf(" %3.0f%%", p*100))
}
