package store

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

const (
	maxTitleLen        = 200
	maxDurationSeconds = 24 * 60 * 60
)

// Collection identifies the ordered collection a task belongs to: the daily
// tasks (zero value) or one task list.
type Collection struct {
	ListID int64
}

// Daily is the collection of recurring daily tasks.
var Daily = Collection{}

func ListCollection(id int64) Collection {
	return Collection{ListID: id}
}

func (c Collection) IsDaily() bool { return c.ListID == 0 }

func (c Collection) String() string {
	if c.IsDaily() {
		return "daily"
	}
	return fmt.Sprintf("list:%d", c.ListID)
}

// where returns the SQL predicate selecting the collection's tasks.
func (c Collection) where() (string, []any) {
	if c.IsDaily() {
		return "list_id IS NULL", nil
	}
	return "list_id = ?", []any{c.ListID}
}

type TaskList struct {
	ID        int64
	Name      string
	CreatedAt time.Time
}

type Task struct {
	ID              int64
	ListID          *int64 // nil for daily tasks
	Title           string
	DurationSeconds int
	Order           int
	Completed       bool
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

func (t Task) Collection() Collection {
	if t.ListID == nil {
		return Daily
	}
	return ListCollection(*t.ListID)
}

func (t Task) Duration() time.Duration {
	return time.Duration(t.DurationSeconds) * time.Second
}

type CompletionEntry struct {
	ID              int64
	Date            string // YYYY-MM-DD, local time
	Title           string
	DurationSeconds int
	CompletedAt     time.Time
}

// DailyTotal aggregates completion log rows per day.
type DailyTotal struct {
	Date         string
	TotalSeconds int64
	Count        int
}

type Setting struct {
	Key   string
	Value string
}

// ChangeKind tells subscribers what part of the data changed.
type ChangeKind int

const (
	ChangeTasks ChangeKind = iota
	ChangeLists
	ChangeSettings
)

func (k ChangeKind) String() string {
	switch k {
	case ChangeTasks:
		return "tasks"
	case ChangeLists:
		return "lists"
	case ChangeSettings:
		return "settings"
	default:
		return "unknown"
	}
}

type Change struct {
	Kind   ChangeKind
	TaskID int64
	ListID int64
}

// ValidateTask checks user input before it reaches the database.
func ValidateTask(title string, durationSeconds int) error {
	if err := validateName(title); err != nil {
		return err
	}
	if durationSeconds <= 0 {
		return fmt.Errorf("%w: duration must be positive, got %d", ErrInvalidTask, durationSeconds)
	}
	if durationSeconds > maxDurationSeconds {
		return fmt.Errorf("%w: duration exceeds 24h", ErrInvalidTask)
	}
	return nil
}

func validateName(name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("%w: title is blank", ErrInvalidTask)
	}
	if utf8.RuneCountInString(name) > maxTitleLen {
		return fmt.Errorf("%w: title longer than %d characters", ErrInvalidTask, maxTitleLen)
	}
	return nil
}
