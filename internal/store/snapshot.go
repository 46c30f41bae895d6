package store

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"time"
)

// Snapshot is the serialisable form of all synced data.
type Snapshot struct {
	DailyTasks    []SnapshotTask `json:"dailyTasks"`
	TaskLists     []SnapshotList `json:"taskLists"`
	CurrentListID int64          `json:"currentListId"`
	IsDarkMode    bool           `json:"isDarkMode"`
}

type SnapshotTask struct {
	ID              int64  `json:"id"`
	Title           string `json:"title"`
	DurationSeconds int    `json:"durationSeconds"`
	Order           int    `json:"order"`
	Completed       bool   `json:"completed"`
}

type SnapshotList struct {
	ID    int64          `json:"id"`
	Name  string         `json:"name"`
	Tasks []SnapshotTask `json:"tasks"`
}

func snapshotTasks(tasks []Task) []SnapshotTask {
	out := make([]SnapshotTask, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, SnapshotTask{
			ID:              t.ID,
			Title:           t.Title,
			DurationSeconds: t.DurationSeconds,
			Order:           t.Order,
			Completed:       t.Completed,
		})
	}
	return out
}

// ExportSnapshot reads the current data into a Snapshot.
func (s *Store) ExportSnapshot(ctx context.Context) (Snapshot, error) {
	snap := Snapshot{TaskLists: []SnapshotList{}}

	daily, err := s.ListTasks(ctx, Daily)
	if err != nil {
		return snap, err
	}
	snap.DailyTasks = snapshotTasks(daily)

	lists, err := s.ListLists(ctx)
	if err != nil {
		return snap, err
	}
	for _, l := range lists {
		tasks, err := s.ListTasks(ctx, ListCollection(l.ID))
		if err != nil {
			return snap, err
		}
		snap.TaskLists = append(snap.TaskLists, SnapshotList{
			ID:    l.ID,
			Name:  l.Name,
			Tasks: snapshotTasks(tasks),
		})
	}

	current, err := s.CurrentCollection(ctx)
	if err != nil {
		return snap, err
	}
	snap.CurrentListID = current.ListID

	snap.IsDarkMode, err = s.DarkMode(ctx)
	if err != nil {
		return snap, err
	}
	return snap, nil
}

// ReplaceSnapshot overwrites all lists, tasks and synced settings with snap
// in one transaction, preserving ids. Subscribers are not notified: the data
// came from the remote side and must not be pushed back.
func (s *Store) ReplaceSnapshot(ctx context.Context, snap Snapshot) error {
	now := time.Now().UTC().Format(time.RFC3339)
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM tasks`); err != nil {
			return fmt.Errorf("clear tasks: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM task_lists`); err != nil {
			return fmt.Errorf("clear lists: %w", err)
		}

		insertTask := func(listID any, t SnapshotTask) error {
			if err := ValidateTask(t.Title, t.DurationSeconds); err != nil {
				return fmt.Errorf("snapshot task %d: %w", t.ID, err)
			}
			_, err := tx.ExecContext(ctx,
				`INSERT INTO tasks (id, list_id, title, duration_seconds, sort_order, completed, created_at, updated_at)
				 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
				t.ID, listID, t.Title, t.DurationSeconds, t.Order, boolInt(t.Completed), now, now,
			)
			if err != nil {
				return fmt.Errorf("insert snapshot task %d: %w", t.ID, err)
			}
			return nil
		}

		for _, t := range snap.DailyTasks {
			if err := insertTask(nil, t); err != nil {
				return err
			}
		}
		currentFound := snap.CurrentListID == 0
		for _, l := range snap.TaskLists {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO task_lists (id, name, created_at) VALUES (?, ?, ?)`, l.ID, l.Name, now,
			); err != nil {
				return fmt.Errorf("insert snapshot list %d: %w", l.ID, err)
			}
			if l.ID == snap.CurrentListID {
				currentFound = true
			}
			for _, t := range l.Tasks {
				if err := insertTask(l.ID, t); err != nil {
					return err
				}
			}
		}

		current := snap.CurrentListID
		if !currentFound {
			current = 0
		}
		settings := map[string]string{
			SettingCurrentList: strconv.FormatInt(current, 10),
			SettingDarkMode:    strconv.FormatBool(snap.IsDarkMode),
		}
		for k, v := range settings {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO settings (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
				k, v,
			); err != nil {
				return fmt.Errorf("set setting %q: %w", k, err)
			}
		}
		return nil
	})
}
