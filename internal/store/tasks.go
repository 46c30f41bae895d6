package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

const taskColumns = `id, list_id, title, duration_seconds, sort_order, completed, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(r rowScanner) (Task, error) {
	var t Task
	var listID sql.NullInt64
	var completed int
	var createdAt, updatedAt string
	if err := r.Scan(&t.ID, &listID, &t.Title, &t.DurationSeconds, &t.Order, &completed, &createdAt, &updatedAt); err != nil {
		return t, err
	}
	if listID.Valid {
		t.ListID = &listID.Int64
	}
	t.Completed = completed == 1
	t.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	t.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	return t, nil
}

// CreateTask appends a task to the end of collection c.
func (s *Store) CreateTask(ctx context.Context, c Collection, title string, durationSeconds int) (*Task, error) {
	if err := ValidateTask(title, durationSeconds); err != nil {
		return nil, err
	}
	var listID any
	if !c.IsDaily() {
		if _, err := s.GetList(ctx, c.ListID); err != nil {
			return nil, err
		}
		listID = c.ListID
	}

	where, args := c.where()
	var next int
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sort_order) + 1, 0) FROM tasks WHERE `+where, args...,
	).Scan(&next)
	if err != nil {
		return nil, fmt.Errorf("next task order: %w", err)
	}

	now := time.Now().UTC().Format(time.RFC3339)
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO tasks (list_id, title, duration_seconds, sort_order, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
		listID, strings.TrimSpace(title), durationSeconds, next, now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("insert task: %w", err)
	}
	id, _ := res.LastInsertId()
	s.notify(Change{Kind: ChangeTasks, TaskID: id, ListID: c.ListID})
	return s.GetTask(ctx, id)
}

func (s *Store) GetTask(ctx context.Context, id int64) (*Task, error) {
	t, err := scanTask(s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("get task %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get task %d: %w", id, err)
	}
	return &t, nil
}

// ListTasks returns all tasks of c in order.
func (s *Store) ListTasks(ctx context.Context, c Collection) ([]Task, error) {
	return s.queryTasks(ctx, c, false)
}

// ListIncomplete returns the incomplete tasks of c in order.
func (s *Store) ListIncomplete(ctx context.Context, c Collection) ([]Task, error) {
	return s.queryTasks(ctx, c, true)
}

func (s *Store) queryTasks(ctx context.Context, c Collection, incompleteOnly bool) ([]Task, error) {
	where, args := c.where()
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE ` + where
	if incompleteOnly {
		query += ` AND completed = 0`
	}
	query += ` ORDER BY sort_order, id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func (s *Store) UpdateTask(ctx context.Context, id int64, title string, durationSeconds int) error {
	if err := ValidateTask(title, durationSeconds); err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339)
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET title = ?, duration_seconds = ?, updated_at = ? WHERE id = ?`,
		strings.TrimSpace(title), durationSeconds, now, id,
	)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("update task %d: %w", id, ErrNotFound)
	}
	s.notify(Change{Kind: ChangeTasks, TaskID: id})
	return nil
}

func (s *Store) DeleteTask(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("delete task %d: %w", id, ErrNotFound)
	}
	s.notify(Change{Kind: ChangeTasks, TaskID: id})
	return nil
}

// MarkCompleted flags a task as done.
func (s *Store) MarkCompleted(ctx context.Context, id int64) error {
	return s.SetCompleted(ctx, id, true)
}

func (s *Store) SetCompleted(ctx context.Context, id int64, completed bool) error {
	now := time.Now().UTC().Format(time.RFC3339)
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET completed = ?, updated_at = ? WHERE id = ?`,
		boolInt(completed), now, id,
	)
	if err != nil {
		return fmt.Errorf("set task completed: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("set task %d completed: %w", id, ErrNotFound)
	}
	s.notify(Change{Kind: ChangeTasks, TaskID: id})
	return nil
}

// Reorder moves a task to position newOrder (0-based) inside its collection
// and renumbers the collection so orders stay strictly increasing.
func (s *Store) Reorder(ctx context.Context, id int64, newOrder int) error {
	task, err := s.GetTask(ctx, id)
	if err != nil {
		return err
	}
	tasks, err := s.ListTasks(ctx, task.Collection())
	if err != nil {
		return err
	}

	ids := make([]int64, 0, len(tasks))
	for _, t := range tasks {
		if t.ID != id {
			ids = append(ids, t.ID)
		}
	}
	if newOrder < 0 {
		newOrder = 0
	}
	if newOrder > len(ids) {
		newOrder = len(ids)
	}
	ids = append(ids[:newOrder], append([]int64{id}, ids[newOrder:]...)...)

	now := time.Now().UTC().Format(time.RFC3339)
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		for i, tid := range ids {
			if _, err := tx.ExecContext(ctx,
				`UPDATE tasks SET sort_order = ?, updated_at = ? WHERE id = ?`, i, now, tid,
			); err != nil {
				return fmt.Errorf("reorder task %d: %w", tid, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.notify(Change{Kind: ChangeTasks, TaskID: id})
	return nil
}

// ResetDaily clears the completed flag on every daily task. It returns the
// number of tasks that were reset.
func (s *Store) ResetDaily(ctx context.Context) (int, error) {
	now := time.Now().UTC().Format(time.RFC3339)
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET completed = 0, updated_at = ? WHERE list_id IS NULL AND completed = 1`, now,
	)
	if err != nil {
		return 0, fmt.Errorf("reset daily tasks: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.notify(Change{Kind: ChangeTasks})
	}
	return int(n), nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
