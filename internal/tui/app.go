package tui

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/sadopc/doflow/internal/export"
	"github.com/sadopc/doflow/internal/store"
	"github.com/sadopc/doflow/internal/timer"
)

var exportFormats = []string{"csv", "json", "yaml"}

// eventBuffer sizes the engine subscription; the UI only needs recent
// snapshots, older ones are dropped by the engine when it falls behind.
const eventBuffer = 64

// App is the root Bubble Tea model.
type App struct {
	store   *store.Store
	engine  *timer.Engine
	events  <-chan timer.Event
	syncNow SyncFunc
	width   int
	height  int

	activeView    viewState
	showHelp      bool
	exportPicking bool
	exportCursor  int
	exportDir     string

	do       doModel
	tasks    tasksModel
	history  historyModel
	settings settingsModel

	help      help.Model
	status    string
	statusErr bool
}

// NewApp builds the UI over an open store and a timer engine. syncNow may be
// nil when no remote is configured.
func NewApp(s *store.Store, e *timer.Engine, syncNow SyncFunc) App {
	h := help.New()
	h.ShowAll = false

	home, _ := os.UserHomeDir()

	return App{
		store:      s,
		engine:     e,
		events:     e.Subscribe(eventBuffer),
		syncNow:    syncNow,
		activeView: viewDo,
		exportDir:  home,
		do:         newDoModel(s, e),
		tasks:      newTasksModel(s),
		history:    newHistoryModel(s),
		settings:   newSettingsModel(s, syncNow != nil),
		help:       h,
	}
}

func (a App) Init() tea.Cmd {
	return tea.Batch(
		waitForEvent(a.events),
		a.settings.loadTheme(),
		a.do.begin(),
		a.do.loadQueue(),
		a.tasks.refresh(),
	)
}

func (a App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.height = msg.Height
		a.help.Width = msg.Width
		contentHeight := a.height - 4 // header + footer
		a.do.setSize(a.width, contentHeight)
		a.tasks.setSize(a.width, contentHeight)
		a.history.setSize(a.width, contentHeight)
		a.settings.setSize(a.width, contentHeight)
		return a, nil

	case tea.KeyMsg:
		// Export picker
		if a.exportPicking {
			return a.updateExportPicker(msg)
		}

		// If a child view is capturing input (e.g. form), delegate first.
		if a.isFormActive() {
			return a.updateActiveView(msg)
		}

		switch {
		case key.Matches(msg, keys.Export):
			a.exportPicking = true
			a.exportCursor = 0
			return a, nil
		case key.Matches(msg, keys.Quit):
			return a, tea.Quit
		case key.Matches(msg, keys.Help):
			a.showHelp = !a.showHelp
			a.help.ShowAll = a.showHelp
			return a, nil
		case key.Matches(msg, keys.Tab1):
			return a.switchTo(viewDo)
		case key.Matches(msg, keys.Tab2):
			return a.switchTo(viewTasks)
		case key.Matches(msg, keys.Tab3):
			return a.switchTo(viewHistory)
		case key.Matches(msg, keys.Tab4):
			return a.switchTo(viewSettings)
		case key.Matches(msg, keys.Tab):
			return a.switchTo((a.activeView + 1) % viewState(len(viewNames)))
		}

	case engineEventMsg:
		var cmd tea.Cmd
		a.do, cmd = a.do.update(msg)
		return a, tea.Batch(cmd, waitForEvent(a.events))

	case queueDataMsg:
		var cmd tea.Cmd
		a.do, cmd = a.do.update(msg)
		return a, cmd

	case DataChangedMsg:
		return a, tea.Batch(
			a.do.loadQueue(),
			a.tasks.refresh(),
			a.settings.loadTheme(),
			a.refreshCurrentView(),
		)

	case listsDataMsg, collectionTasksMsg:
		var cmd tea.Cmd
		a.tasks, cmd = a.tasks.update(msg)
		return a, cmd

	case historyDataMsg:
		var cmd tea.Cmd
		a.history, cmd = a.history.update(msg)
		return a, cmd

	case settingsDataMsg:
		var cmd tea.Cmd
		a.settings, cmd = a.settings.update(msg)
		return a, cmd

	case themeMsg:
		if msg.dark != darkTheme {
			applyTheme(msg.dark)
			a.history.buildChart()
		}
		return a, nil

	case collectionChosenMsg:
		return a, a.chooseCollection(msg.collection)

	case startTaskMsg:
		return a.startTask(msg)

	case syncRequestMsg:
		if a.syncNow == nil {
			return a, nil
		}
		a.status = "Syncing..."
		a.statusErr = false
		syncNow := a.syncNow
		return a, func() tea.Msg {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			return syncDoneMsg{result: syncNow(ctx)}
		}

	case syncDoneMsg:
		a.status = msg.result.String()
		a.statusErr = !msg.result.OK()
		var cmd tea.Cmd
		a.settings, cmd = a.settings.update(msg)
		return a, cmd

	case statusMsg:
		a.status = msg.text
		a.statusErr = msg.isError
		return a, nil

	case exportDoneMsg:
		a.status = "Exported to " + msg.path
		a.statusErr = false
		a.exportPicking = false
		return a, nil
	}

	return a.updateActiveView(msg)
}

func (a App) switchTo(v viewState) (tea.Model, tea.Cmd) {
	a.activeView = v
	return a, a.refreshCurrentView()
}

// chooseCollection points an idle session at the newly opened collection.
// A countdown in progress keeps its collection.
func (a App) chooseCollection(c store.Collection) tea.Cmd {
	snap := a.engine.Snapshot()
	if a.engine.Active() && snap.State != timer.StateIdle {
		return nil
	}
	if a.engine.Active() && a.engine.Collection() == c {
		return nil
	}
	e := a.engine
	return func() tea.Msg {
		if err := e.Begin(context.Background(), c); err != nil {
			return statusMsg{text: fmt.Sprintf("Begin: %v", err), isError: true}
		}
		return nil
	}
}

func (a App) startTask(msg startTaskMsg) (tea.Model, tea.Cmd) {
	ctx := context.Background()
	if err := a.store.SetCurrentCollection(ctx, msg.collection); err != nil {
		return a, errorCmd("Select list", err)
	}
	if !a.engine.Active() || a.engine.Collection() != msg.collection {
		if err := a.engine.Begin(ctx, msg.collection); err != nil {
			return a, errorCmd("Begin", err)
		}
	}
	if err := a.engine.Start(ctx, msg.task); err != nil {
		return a, errorCmd("Start", err)
	}
	a.activeView = viewDo
	return a, a.do.loadQueue()
}

func (a App) updateActiveView(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd
	switch a.activeView {
	case viewDo:
		a.do, cmd = a.do.update(msg)
	case viewTasks:
		a.tasks, cmd = a.tasks.update(msg)
	case viewHistory:
		a.history, cmd = a.history.update(msg)
	case viewSettings:
		a.settings, cmd = a.settings.update(msg)
	}
	return a, cmd
}

func (a App) isFormActive() bool {
	switch a.activeView {
	case viewTasks:
		return a.tasks.formActive
	case viewSettings:
		return a.settings.formActive
	}
	return false
}

func (a App) refreshCurrentView() tea.Cmd {
	switch a.activeView {
	case viewDo:
		return a.do.loadQueue()
	case viewTasks:
		return a.tasks.refresh()
	case viewHistory:
		return a.history.refresh()
	case viewSettings:
		return a.settings.refresh()
	}
	return nil
}

func (a App) View() string {
	if a.width == 0 {
		return "Loading..."
	}

	header := a.renderHeader()
	footer := a.renderFooter()

	var content string
	switch a.activeView {
	case viewDo:
		content = a.do.view()
	case viewTasks:
		content = a.tasks.view()
	case viewHistory:
		content = a.history.view()
	case viewSettings:
		content = a.settings.view()
	}

	// Calculate available height for content
	headerHeight := lipgloss.Height(header)
	footerHeight := lipgloss.Height(footer)
	contentHeight := a.height - headerHeight - footerHeight
	if contentHeight < 1 {
		contentHeight = 1
	}

	// Show export picker overlay
	if a.exportPicking {
		content = a.renderExportPicker()
	}

	content = lipgloss.NewStyle().
		Width(a.width).
		Height(contentHeight).
		Render(content)

	return lipgloss.JoinVertical(lipgloss.Left, header, content, footer)
}

func (a App) renderHeader() string {
	var tabs []string
	for i, name := range viewNames {
		if viewState(i) == a.activeView {
			tabs = append(tabs, activeTabStyle.Render(name))
		} else {
			tabs = append(tabs, inactiveTabStyle.Render(name))
		}
	}

	tabRow := lipgloss.JoinHorizontal(lipgloss.Bottom, tabs...)

	title := lipgloss.NewStyle().Bold(true).Foreground(colorPrimary).Render("doflow")
	gap := a.width - lipgloss.Width(title) - lipgloss.Width(tabRow) - 4
	if gap < 1 {
		gap = 1
	}
	spacer := lipgloss.NewStyle().Width(gap).Render("")

	return headerStyle.Render(
		lipgloss.JoinHorizontal(lipgloss.Bottom, title, spacer, tabRow),
	)
}

func (a App) renderFooter() string {
	helpView := a.help.View(keys)

	status := ""
	if a.status != "" {
		style := mutedStyle
		if a.statusErr {
			style = errorStyle
		}
		status = style.Render(" " + a.status)
	}

	// Countdown indicator in footer
	timerInfo := ""
	snap := a.do.snap
	if snap.Task != nil && a.activeView != viewDo {
		switch snap.State {
		case timer.StateRunning:
			timerInfo = successStyle.Render(" ● " + snap.Clock())
		case timer.StatePaused:
			timerInfo = warningStyle.Render(" ⏸ " + snap.Clock())
		case timer.StateAlarmRinging, timer.StateExpired:
			timerInfo = accentStyle.Render(" ! " + snap.Task.Title)
		case timer.StateTransitioning:
			timerInfo = highlightStyle.Render(fmt.Sprintf(" → %ds", snap.TransitionRemaining))
		}
	}

	left := footerStyle.Render(helpView)
	right := timerInfo + status

	gap := a.width - lipgloss.Width(left) - lipgloss.Width(right) - 2
	if gap < 1 {
		gap = 1
	}
	spacer := lipgloss.NewStyle().Width(gap).Render("")

	return lipgloss.JoinHorizontal(lipgloss.Bottom, left, spacer, right)
}

func (a App) renderExportPicker() string {
	title := titleStyle.Render("Export Completion Log")
	var rows []string
	rows = append(rows, title)
	rows = append(rows, "")
	for i, f := range exportFormats {
		cursor := "  "
		style := normalItemStyle
		if i == a.exportCursor {
			cursor = "> "
			style = selectedItemStyle
		}
		rows = append(rows, style.Render(cursor+strings.ToUpper(f)))
	}
	rows = append(rows, "")
	rows = append(rows, mutedStyle.Render("  enter: export  esc: cancel"))

	w := a.width - 4
	return activePanelStyle.Width(w).Render(lipgloss.JoinVertical(lipgloss.Left, rows...))
}

func (a App) updateExportPicker(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, keys.Up):
		if a.exportCursor > 0 {
			a.exportCursor--
		}
	case key.Matches(msg, keys.Down):
		if a.exportCursor < len(exportFormats)-1 {
			a.exportCursor++
		}
	case key.Matches(msg, keys.Enter):
		a.exportPicking = false
		return a, a.doExport(exportFormats[a.exportCursor])
	case key.Matches(msg, keys.Back):
		a.exportPicking = false
	}
	return a, nil
}

func (a App) doExport(format string) tea.Cmd {
	dir := a.exportDir
	return func() tea.Msg {
		entries, err := a.store.ListCompletions(context.Background(), "", "")
		if err != nil {
			return statusMsg{text: fmt.Sprintf("Export error: %v", err), isError: true}
		}

		dateStr := time.Now().Format("2006-01-02")
		path := filepath.Join(dir, fmt.Sprintf("doflow-export-%s.%s", dateStr, format))
		if err := export.Write(format, entries, path); err != nil {
			return statusMsg{text: fmt.Sprintf("%s error: %v", strings.ToUpper(format), err), isError: true}
		}
		return exportDoneMsg{path: path}
	}
}
