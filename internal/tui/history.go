package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/NimbleMarkets/ntcharts/barchart"
	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/sadopc/doflow/internal/store"
)

const (
	historyDays    = 7
	historyMaxRows = 10
)

type historyModel struct {
	store  *store.Store
	width  int
	height int
	now    func() time.Time

	totals  []store.DailyTotal
	entries []store.CompletionEntry
	offset  int // 7-day blocks back from today (0 = current)

	chart barchart.Model
}

func newHistoryModel(s *store.Store) historyModel {
	return historyModel{
		store: s,
		now:   time.Now,
		chart: barchart.New(60, 12),
	}
}

func (r *historyModel) setSize(w, h int) {
	r.width = w
	r.height = h
}

type historyDataMsg struct {
	totals  []store.DailyTotal
	entries []store.CompletionEntry
}

func (r historyModel) refresh() tea.Cmd {
	from, to := r.dateRange()
	return func() tea.Msg {
		ctx := context.Background()
		totals, err := r.store.GetDailyTotals(ctx, from, to)
		if err != nil {
			return statusMsg{text: fmt.Sprintf("History: %v", err), isError: true}
		}
		entries, err := r.store.ListCompletions(ctx, from.Format("2006-01-02"), to.Format("2006-01-02"))
		if err != nil {
			return statusMsg{text: fmt.Sprintf("History: %v", err), isError: true}
		}
		return historyDataMsg{totals: totals, entries: entries}
	}
}

// dateRange returns [from, to) covering historyDays local days.
func (r historyModel) dateRange() (time.Time, time.Time) {
	now := r.now()
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	end := today.AddDate(0, 0, 1-historyDays*r.offset)
	start := end.AddDate(0, 0, -historyDays)
	return start, end
}

func (r historyModel) update(msg tea.Msg) (historyModel, tea.Cmd) {
	switch msg := msg.(type) {
	case historyDataMsg:
		r.totals = msg.totals
		r.entries = msg.entries
		r.buildChart()
		return r, nil

	case tea.KeyMsg:
		switch {
		case key.Matches(msg, keys.Left):
			r.offset++
			return r, r.refresh()
		case key.Matches(msg, keys.Right):
			if r.offset > 0 {
				r.offset--
			}
			return r, r.refresh()
		}
	}
	return r, nil
}

func (r *historyModel) buildChart() {
	chartWidth := r.width - 8
	if chartWidth < 20 {
		chartWidth = 20
	}
	chartHeight := 10
	if r.height > 30 {
		chartHeight = 14
	}

	r.chart = barchart.New(chartWidth, chartHeight)

	byDate := make(map[string]store.DailyTotal, len(r.totals))
	for _, t := range r.totals {
		byDate[t.Date] = t
	}

	from, to := r.dateRange()
	var bars []barchart.BarData
	for d := from; d.Before(to); d = d.AddDate(0, 0, 1) {
		total := byDate[d.Format("2006-01-02")]
		style := lipgloss.NewStyle().Foreground(colorPrimary)
		if total.TotalSeconds == 0 {
			style = lipgloss.NewStyle().Foreground(colorSubtle)
		}
		bars = append(bars, barchart.BarData{
			Label: d.Format("Mon 02"),
			Values: []barchart.BarValue{{
				Name:  "minutes",
				Value: float64(total.TotalSeconds) / 60,
				Style: style,
			}},
		})
	}

	r.chart.PushAll(bars)
	r.chart.Draw()
}

func (r historyModel) view() string {
	w := r.width - 4

	from, to := r.dateRange()
	dateLabel := mutedStyle.Render(fmt.Sprintf("%s to %s",
		from.Format("Jan 02"), to.AddDate(0, 0, -1).Format("Jan 02, 2006")))

	var secs int64
	var count int
	for _, t := range r.totals {
		secs += t.TotalSeconds
		count += t.Count
	}
	summary := highlightStyle.Render(fmt.Sprintf("%d done · %s", count, formatSeconds(secs)))

	header := lipgloss.JoinHorizontal(lipgloss.Bottom,
		titleStyle.Render("History"), "  ", dateLabel, "  ", summary,
	)

	nav := mutedStyle.Render("  ←/→: navigate weeks  e: export")

	return panelStyle.Width(w).Render(
		lipgloss.JoinVertical(lipgloss.Left,
			header, "", r.chart.View(), mutedStyle.Render("  minutes per day"), "", r.renderLog(w), "", nav,
		),
	)
}

func (r historyModel) renderLog(w int) string {
	if len(r.entries) == 0 {
		return mutedStyle.Render("  Nothing completed in this period")
	}

	var rows []string
	rows = append(rows, mutedStyle.Render(fmt.Sprintf("  %-12s %-8s %-32s %10s", "Date", "Time", "Task", "Duration")))
	rows = append(rows, mutedStyle.Render("  "+strings.Repeat("─", min(max(w-6, 0), 66))))

	for i, e := range r.entries {
		if i == historyMaxRows {
			rows = append(rows, mutedStyle.Render(fmt.Sprintf("  … %d more", len(r.entries)-historyMaxRows)))
			break
		}
		title := e.Title
		if len([]rune(title)) > 32 {
			title = string([]rune(title)[:31]) + "…"
		}
		rows = append(rows, fmt.Sprintf("  %-12s %-8s %-32s %10s",
			e.Date, e.CompletedAt.Local().Format("15:04"), title, formatSeconds(int64(e.DurationSeconds)),
		))
	}
	return strings.Join(rows, "\n")
}
