package tui

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/sadopc/doflow/internal/store"
)

type settingsModel struct {
	store       *store.Store
	width       int
	height      int
	syncEnabled bool

	settings   []store.Setting
	listNames  map[string]string
	lastSync   string
	formActive bool
	form       *huh.Form

	// Form values as pointers (survive value copies)
	theme *string
}

func newSettingsModel(s *store.Store, syncEnabled bool) settingsModel {
	theme := "dark"
	return settingsModel{
		store:       s,
		syncEnabled: syncEnabled,
		theme:       &theme,
	}
}

func (s *settingsModel) setSize(w, h int) {
	s.width = w
	s.height = h
}

type settingsDataMsg struct {
	settings  []store.Setting
	listNames map[string]string
}

// themeMsg carries the stored dark mode flag to the app.
type themeMsg struct {
	dark bool
}

func (s settingsModel) refresh() tea.Cmd {
	return func() tea.Msg {
		ctx := context.Background()
		settings, err := s.store.GetAllSettings(ctx)
		if err != nil {
			return statusMsg{text: fmt.Sprintf("Settings: %v", err), isError: true}
		}
		names := map[string]string{"": "Daily", "0": "Daily"}
		lists, _ := s.store.ListLists(ctx)
		for _, l := range lists {
			names[fmt.Sprint(l.ID)] = l.Name
		}
		return settingsDataMsg{settings: settings, listNames: names}
	}
}

func (s settingsModel) loadTheme() tea.Cmd {
	return func() tea.Msg {
		dark, err := s.store.DarkMode(context.Background())
		if err != nil {
			return statusMsg{text: fmt.Sprintf("Theme: %v", err), isError: true}
		}
		return themeMsg{dark: dark}
	}
}

func (s settingsModel) update(msg tea.Msg) (settingsModel, tea.Cmd) {
	if s.formActive && s.form != nil {
		return s.updateForm(msg)
	}

	switch msg := msg.(type) {
	case settingsDataMsg:
		s.settings = msg.settings
		s.listNames = msg.listNames
		return s, nil

	case syncDoneMsg:
		s.lastSync = time.Now().Format("15:04:05") + "  " + msg.result.String()
		return s, nil

	case tea.KeyMsg:
		switch {
		case key.Matches(msg, keys.Enter):
			return s.showForm()
		case key.Matches(msg, keys.Theme):
			return s, s.setDark(!darkTheme)
		case key.Matches(msg, keys.Sync):
			if !s.syncEnabled {
				return s, statusCmd("Sync is not configured", true)
			}
			return s, func() tea.Msg { return syncRequestMsg{} }
		}
	}
	return s, nil
}

func (s settingsModel) setDark(dark bool) tea.Cmd {
	return func() tea.Msg {
		if err := s.store.SetDarkMode(context.Background(), dark); err != nil {
			return statusMsg{text: fmt.Sprintf("Theme: %v", err), isError: true}
		}
		return themeMsg{dark: dark}
	}
}

func (s settingsModel) showForm() (settingsModel, tea.Cmd) {
	*s.theme = "light"
	if darkTheme {
		*s.theme = "dark"
	}

	s.form = huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[string]().Title("Theme").
				Options(
					huh.NewOption("Dark", "dark"),
					huh.NewOption("Light", "light"),
				).Value(s.theme),
		).Title("Appearance"),
	).WithShowHelp(true).WithShowErrors(true)

	s.formActive = true
	return s, s.form.Init()
}

func (s settingsModel) updateForm(msg tea.Msg) (settingsModel, tea.Cmd) {
	if msg, ok := msg.(tea.KeyMsg); ok {
		if msg.String() == "esc" {
			s.formActive = false
			s.form = nil
			return s, nil
		}
	}

	form, cmd := s.form.Update(msg)
	if f, ok := form.(*huh.Form); ok {
		s.form = f
	}

	if s.form.State == huh.StateCompleted {
		s.formActive = false
		return s, tea.Batch(s.setDark(*s.theme == "dark"), s.refresh())
	}

	return s, cmd
}

func (s settingsModel) view() string {
	w := s.width - 4

	if s.formActive && s.form != nil {
		title := titleStyle.Render("Settings")
		formView := s.form.View()
		return panelStyle.Width(w).Render(
			lipgloss.JoinVertical(lipgloss.Left, title, "", formView),
		)
	}

	title := titleStyle.Render("Settings")

	var rows []string
	rows = append(rows, title)
	rows = append(rows, "")

	for _, setting := range s.settings {
		label := lipgloss.NewStyle().Width(24).Render(setting.Key)
		value := highlightStyle.Render(s.formatSettingValue(setting.Key, setting.Value))
		rows = append(rows, fmt.Sprintf("  %s %s", label, value))
	}

	rows = append(rows, "")
	syncLine := "off"
	if s.syncEnabled {
		syncLine = "on"
		if s.lastSync != "" {
			syncLine += "  (" + s.lastSync + ")"
		}
	}
	rows = append(rows, fmt.Sprintf("  %s %s", lipgloss.NewStyle().Width(24).Render("sync"), highlightStyle.Render(syncLine)))

	rows = append(rows, "")
	hint := "enter: edit  t: toggle theme"
	if s.syncEnabled {
		hint += "  y: sync now"
	}
	rows = append(rows, mutedStyle.Render(hint))

	return panelStyle.Width(w).Render(lipgloss.JoinVertical(lipgloss.Left, rows...))
}

func (s settingsModel) formatSettingValue(k, v string) string {
	switch k {
	case store.SettingCurrentList:
		if name, ok := s.listNames[v]; ok {
			return name
		}
	case store.SettingDarkMode:
		if v == "false" {
			return "light"
		}
		return "dark"
	case store.SettingLastUpdated:
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			return t.Local().Format("2006-01-02 15:04:05") + " (" + humanize.Time(t) + ")"
		}
	}
	return v
}
