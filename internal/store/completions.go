package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const dateLayout = "2006-01-02"

// AppendCompletionLog records a finished task by value.
func (s *Store) AppendCompletionLog(ctx context.Context, date, title string, durationSeconds int) error {
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO completion_log (date, title, duration_seconds, completed_at) VALUES (?, ?, ?, ?)`,
		date, title, durationSeconds, now,
	)
	if err != nil {
		return fmt.Errorf("append completion log: %w", err)
	}
	return nil
}

// CompleteTask marks the task completed and appends a completion log entry
// in one transaction. It returns ErrNotFound if the task no longer exists.
func (s *Store) CompleteTask(ctx context.Context, id int64, at time.Time) error {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var title string
		var duration int
		err := tx.QueryRowContext(ctx,
			`SELECT title, duration_seconds FROM tasks WHERE id = ?`, id,
		).Scan(&title, &duration)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("complete task %d: %w", id, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("complete task %d: %w", id, err)
		}

		stamp := at.UTC().Format(time.RFC3339)
		if _, err := tx.ExecContext(ctx,
			`UPDATE tasks SET completed = 1, updated_at = ? WHERE id = ?`, stamp, id,
		); err != nil {
			return fmt.Errorf("mark task completed: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO completion_log (date, title, duration_seconds, completed_at) VALUES (?, ?, ?, ?)`,
			at.Local().Format(dateLayout), title, duration, stamp,
		); err != nil {
			return fmt.Errorf("append completion log: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.notify(Change{Kind: ChangeTasks, TaskID: id})
	return nil
}

// ListCompletions returns log entries with from <= date < to, newest first.
// Empty bounds are open.
func (s *Store) ListCompletions(ctx context.Context, from, to string) ([]CompletionEntry, error) {
	query := `SELECT id, date, title, duration_seconds, completed_at FROM completion_log WHERE 1=1`
	var args []any
	if from != "" {
		query += ` AND date >= ?`
		args = append(args, from)
	}
	if to != "" {
		query += ` AND date < ?`
		args = append(args, to)
	}
	query += ` ORDER BY completed_at DESC, id DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list completions: %w", err)
	}
	defer rows.Close()

	var entries []CompletionEntry
	for rows.Next() {
		var e CompletionEntry
		var completedAt string
		if err := rows.Scan(&e.ID, &e.Date, &e.Title, &e.DurationSeconds, &completedAt); err != nil {
			return nil, err
		}
		e.CompletedAt, _ = time.Parse(time.RFC3339, completedAt)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// GetDailyTotals sums completed durations per day for from <= date < to.
func (s *Store) GetDailyTotals(ctx context.Context, from, to time.Time) ([]DailyTotal, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT date, COALESCE(SUM(duration_seconds), 0), COUNT(*)
		FROM completion_log
		WHERE date >= ? AND date < ?
		GROUP BY date
		ORDER BY date`,
		from.Format(dateLayout), to.Format(dateLayout),
	)
	if err != nil {
		return nil, fmt.Errorf("daily totals: %w", err)
	}
	defer rows.Close()

	var totals []DailyTotal
	for rows.Next() {
		var d DailyTotal
		if err := rows.Scan(&d.Date, &d.TotalSeconds, &d.Count); err != nil {
			return nil, err
		}
		totals = append(totals, d)
	}
	return totals, rows.Err()
}
