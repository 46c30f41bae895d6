package tui

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"
	"github.com/sadopc/doflow/internal/store"
)

// startTaskMsg asks the app to start a task's countdown and switch to Do.
type startTaskMsg struct {
	collection store.Collection
	task       store.Task
}

// collectionChosenMsg is sent when the user opens a collection.
type collectionChosenMsg struct {
	collection store.Collection
}

type tasksModel struct {
	store  *store.Store
	width  int
	height int

	lists   []store.TaskList
	current store.Collection
	cursor  int // 0 is the daily collection, i is lists[i-1]

	viewingTasks bool
	collection   store.Collection
	tasks        []store.Task
	taskCursor   int

	formActive bool
	form       *huh.Form
	formType   string // "task", "edit_task", "list", "rename_list", "delete_list"

	// Form field pointers (survive value copies)
	formTitle    *string
	formDuration *string
	formConfirm  *bool

	editingID int64
}

func newTasksModel(s *store.Store) tasksModel {
	title, dur, confirm := "", "", false
	return tasksModel{
		store:        s,
		formTitle:    &title,
		formDuration: &dur,
		formConfirm:  &confirm,
	}
}

func (p *tasksModel) setSize(w, h int) {
	p.width = w
	p.height = h
}

type listsDataMsg struct {
	lists   []store.TaskList
	current store.Collection
}

type collectionTasksMsg struct {
	collection store.Collection
	tasks      []store.Task
}

func (p tasksModel) refresh() tea.Cmd {
	cmds := []tea.Cmd{func() tea.Msg {
		ctx := context.Background()
		lists, err := p.store.ListLists(ctx)
		if err != nil {
			return statusMsg{text: fmt.Sprintf("Load lists: %v", err), isError: true}
		}
		current, _ := p.store.CurrentCollection(ctx)
		return listsDataMsg{lists: lists, current: current}
	}}
	if p.viewingTasks {
		cmds = append(cmds, p.refreshTasks())
	}
	return tea.Batch(cmds...)
}

func (p tasksModel) refreshTasks() tea.Cmd {
	c := p.collection
	return func() tea.Msg {
		tasks, err := p.store.ListTasks(context.Background(), c)
		if err != nil {
			return statusMsg{text: fmt.Sprintf("Load tasks: %v", err), isError: true}
		}
		return collectionTasksMsg{collection: c, tasks: tasks}
	}
}

// collectionAt maps a cursor row to its collection.
func (p tasksModel) collectionAt(row int) store.Collection {
	if row <= 0 || row > len(p.lists) {
		return store.Daily
	}
	return store.ListCollection(p.lists[row-1].ID)
}

func (p tasksModel) hasCollection(c store.Collection) bool {
	if c.IsDaily() {
		return true
	}
	for _, l := range p.lists {
		if l.ID == c.ListID {
			return true
		}
	}
	return false
}

func (p tasksModel) collectionName(c store.Collection) string {
	if c.IsDaily() {
		return "Daily"
	}
	for _, l := range p.lists {
		if l.ID == c.ListID {
			return l.Name
		}
	}
	return c.String()
}

func (p tasksModel) update(msg tea.Msg) (tasksModel, tea.Cmd) {
	if p.formActive && p.form != nil {
		return p.updateForm(msg)
	}

	switch msg := msg.(type) {
	case listsDataMsg:
		p.lists = msg.lists
		p.current = msg.current
		if p.cursor > len(p.lists) {
			p.cursor = len(p.lists)
		}
		if p.viewingTasks && !p.hasCollection(p.collection) {
			p.viewingTasks = false
			p.tasks = nil
		}
		return p, nil

	case collectionTasksMsg:
		if msg.collection != p.collection {
			return p, nil
		}
		p.tasks = msg.tasks
		if p.taskCursor >= len(p.tasks) {
			p.taskCursor = max(0, len(p.tasks)-1)
		}
		return p, nil

	case tea.KeyMsg:
		if p.viewingTasks {
			return p.updateTaskView(msg)
		}
		return p.updateCollectionList(msg)
	}
	return p, nil
}

func (p tasksModel) updateCollectionList(msg tea.KeyMsg) (tasksModel, tea.Cmd) {
	ctx := context.Background()
	switch {
	case key.Matches(msg, keys.Up):
		if p.cursor > 0 {
			p.cursor--
		}
	case key.Matches(msg, keys.Down):
		if p.cursor < len(p.lists) {
			p.cursor++
		}
	case key.Matches(msg, keys.Enter):
		c := p.collectionAt(p.cursor)
		if err := p.store.SetCurrentCollection(ctx, c); err != nil {
			return p, errorCmd("Select list", err)
		}
		p.current = c
		p.collection = c
		p.viewingTasks = true
		p.taskCursor = 0
		p.tasks = nil
		return p, tea.Batch(p.refreshTasks(), func() tea.Msg {
			return collectionChosenMsg{collection: c}
		})
	case key.Matches(msg, keys.New):
		return p.showListForm("list", "")
	case key.Matches(msg, keys.Edit):
		if p.cursor > 0 {
			p.editingID = p.lists[p.cursor-1].ID
			return p.showListForm("rename_list", p.lists[p.cursor-1].Name)
		}
	case key.Matches(msg, keys.Delete):
		if p.cursor > 0 {
			return p.showDeleteListForm()
		}
	}
	return p, nil
}

func (p tasksModel) updateTaskView(msg tea.KeyMsg) (tasksModel, tea.Cmd) {
	ctx := context.Background()
	switch {
	case key.Matches(msg, keys.Back):
		p.viewingTasks = false
		return p, nil
	case key.Matches(msg, keys.Up):
		if p.taskCursor > 0 {
			p.taskCursor--
		}
	case key.Matches(msg, keys.Down):
		if p.taskCursor < len(p.tasks)-1 {
			p.taskCursor++
		}
	case key.Matches(msg, keys.New):
		return p.showTaskForm(nil)
	}

	if len(p.tasks) == 0 {
		return p, nil
	}
	task := p.tasks[p.taskCursor]

	switch {
	case key.Matches(msg, keys.Edit):
		return p.showTaskForm(&task)
	case key.Matches(msg, keys.Delete):
		if err := p.store.DeleteTask(ctx, task.ID); err != nil {
			return p, errorCmd("Delete task", err)
		}
		return p, p.refreshTasks()
	case key.Matches(msg, keys.Toggle):
		if err := p.store.SetCompleted(ctx, task.ID, !task.Completed); err != nil {
			return p, errorCmd("Update task", err)
		}
		return p, p.refreshTasks()
	case key.Matches(msg, keys.MoveUp):
		if p.taskCursor > 0 {
			if err := p.store.Reorder(ctx, task.ID, p.taskCursor-1); err != nil {
				return p, errorCmd("Reorder", err)
			}
			p.taskCursor--
			return p, p.refreshTasks()
		}
	case key.Matches(msg, keys.MoveDown):
		if p.taskCursor < len(p.tasks)-1 {
			if err := p.store.Reorder(ctx, task.ID, p.taskCursor+1); err != nil {
				return p, errorCmd("Reorder", err)
			}
			p.taskCursor++
			return p, p.refreshTasks()
		}
	case key.Matches(msg, keys.Start):
		if task.Completed {
			return p, statusCmd("Task is already done", true)
		}
		c := p.collection
		return p, func() tea.Msg {
			return startTaskMsg{collection: c, task: task}
		}
	}
	return p, nil
}

func validateTitle(s string) error {
	return store.ValidateTask(s, 1)
}

func validateDuration(s string) error {
	secs, err := parseDurationInput(s)
	if err != nil {
		return err
	}
	return store.ValidateTask("x", secs)
}

func (p tasksModel) showTaskForm(task *store.Task) (tasksModel, tea.Cmd) {
	*p.formTitle = ""
	*p.formDuration = "25"
	p.formType = "task"
	if task != nil {
		*p.formTitle = task.Title
		*p.formDuration = formatMinutes(task.DurationSeconds)
		p.formType = "edit_task"
		p.editingID = task.ID
	}

	p.form = huh.NewForm(
		huh.NewGroup(
			huh.NewInput().Title("Title").Value(p.formTitle).Validate(validateTitle),
			huh.NewInput().Title("Duration (minutes or 1h30m)").Value(p.formDuration).Validate(validateDuration),
		),
	).WithShowHelp(true).WithShowErrors(true)

	p.formActive = true
	return p, p.form.Init()
}

func (p tasksModel) showListForm(formType, name string) (tasksModel, tea.Cmd) {
	*p.formTitle = name
	p.formType = formType

	p.form = huh.NewForm(
		huh.NewGroup(
			huh.NewInput().Title("List Name").Value(p.formTitle).Validate(validateTitle),
		),
	).WithShowHelp(true).WithShowErrors(true)

	p.formActive = true
	return p, p.form.Init()
}

func (p tasksModel) showDeleteListForm() (tasksModel, tea.Cmd) {
	list := p.lists[p.cursor-1]
	*p.formConfirm = false
	p.formType = "delete_list"
	p.editingID = list.ID

	p.form = huh.NewForm(
		huh.NewGroup(
			huh.NewConfirm().
				Title(fmt.Sprintf("Delete %q and all its tasks?", list.Name)).
				Affirmative("Delete").
				Negative("Keep").
				Value(p.formConfirm),
		),
	).WithShowHelp(true)

	p.formActive = true
	return p, p.form.Init()
}

func (p tasksModel) updateForm(msg tea.Msg) (tasksModel, tea.Cmd) {
	// Check for escape to cancel form
	if msg, ok := msg.(tea.KeyMsg); ok {
		if msg.String() == "esc" {
			p.formActive = false
			p.form = nil
			return p, nil
		}
	}

	form, cmd := p.form.Update(msg)
	if f, ok := form.(*huh.Form); ok {
		p.form = f
	}

	if p.form.State != huh.StateCompleted {
		return p, cmd
	}
	p.formActive = false
	return p.submitForm()
}

func (p tasksModel) submitForm() (tasksModel, tea.Cmd) {
	ctx := context.Background()
	title := strings.TrimSpace(*p.formTitle)

	switch p.formType {
	case "task", "edit_task":
		secs, err := parseDurationInput(*p.formDuration)
		if err != nil {
			return p, errorCmd("Task", err)
		}
		if p.formType == "task" {
			if _, err := p.store.CreateTask(ctx, p.collection, title, secs); err != nil {
				return p, errorCmd("Create task", err)
			}
		} else if err := p.store.UpdateTask(ctx, p.editingID, title, secs); err != nil {
			return p, errorCmd("Update task", err)
		}
		return p, p.refreshTasks()

	case "list":
		if _, err := p.store.CreateList(ctx, title); err != nil {
			return p, errorCmd("Create list", err)
		}
		return p, p.refresh()

	case "rename_list":
		if err := p.store.RenameList(ctx, p.editingID, title); err != nil {
			return p, errorCmd("Rename list", err)
		}
		return p, p.refresh()

	case "delete_list":
		if !*p.formConfirm {
			return p, nil
		}
		if err := p.store.DeleteList(ctx, p.editingID); err != nil {
			return p, errorCmd("Delete list", err)
		}
		if p.cursor > 0 {
			p.cursor--
		}
		return p, tea.Batch(p.refresh(), statusCmd("List deleted", false))
	}
	return p, nil
}

func (p tasksModel) view() string {
	if p.formActive && p.form != nil {
		var title string
		switch p.formType {
		case "task":
			title = "New Task"
		case "edit_task":
			title = "Edit Task"
		case "list":
			title = "New List"
		case "rename_list":
			title = "Rename List"
		case "delete_list":
			title = "Delete List"
		}
		content := lipgloss.JoinVertical(lipgloss.Left, titleStyle.Render(title), "", p.form.View())
		return panelStyle.Width(p.width - 4).Render(content)
	}

	if p.viewingTasks {
		return p.renderTaskView()
	}
	return p.renderCollectionList()
}

func (p tasksModel) renderCollectionList() string {
	w := p.width - 4

	var rows []string
	rows = append(rows, titleStyle.Render("Collections"))
	rows = append(rows, "")

	for i := 0; i <= len(p.lists); i++ {
		c := p.collectionAt(i)
		cursor := "  "
		style := normalItemStyle
		if i == p.cursor {
			cursor = "> "
			style = selectedItemStyle
		}
		marker := " "
		if c == p.current {
			marker = successStyle.Render("●")
		}
		name := p.collectionName(c)
		if c.IsDaily() {
			name += mutedStyle.Render("  (resets at midnight)")
		}
		rows = append(rows, style.Render(cursor)+marker+" "+style.Render(name))
	}

	if len(p.lists) == 0 {
		rows = append(rows, "")
		rows = append(rows, mutedStyle.Render("  No task lists yet. Press n to create one."))
	}

	rows = append(rows, "")
	rows = append(rows, mutedStyle.Render("  enter: open  n: new list  r: rename  d: delete"))

	return panelStyle.Width(w).Render(strings.Join(rows, "\n"))
}

func (p tasksModel) renderTaskView() string {
	w := p.width - 4
	title := titleStyle.Render(p.collectionName(p.collection) + " · Tasks")

	if len(p.tasks) == 0 {
		content := lipgloss.JoinVertical(lipgloss.Left,
			title,
			"",
			mutedStyle.Render("No tasks. Press n to add one."),
		)
		return panelStyle.Width(w).Render(content)
	}

	var rows []string
	rows = append(rows, title)
	rows = append(rows, "")

	var total, left int
	for i, task := range p.tasks {
		cursor := "  "
		style := normalItemStyle
		if task.Completed {
			style = doneItemStyle
		}
		if i == p.taskCursor {
			cursor = "> "
			if !task.Completed {
				style = selectedItemStyle
			}
		}
		check := "[ ]"
		if task.Completed {
			check = successStyle.Render("[x]")
		} else {
			left += task.DurationSeconds
		}
		total += task.DurationSeconds
		dur := mutedStyle.Render(fmt.Sprintf(" %6s", formatMinutes(task.DurationSeconds)))
		rows = append(rows, cursor+check+" "+style.Render(task.Title)+dur)
	}

	rows = append(rows, "")
	rows = append(rows, mutedStyle.Render(fmt.Sprintf("  %s left of %s",
		formatSeconds(int64(left)), formatSeconds(int64(total)))))
	rows = append(rows, mutedStyle.Render("  s: start  n: new  r: edit  d: delete  space: done  K/J: move  esc: back"))

	return panelStyle.Width(w).Render(strings.Join(rows, "\n"))
}
