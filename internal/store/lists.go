package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

func (s *Store) CreateList(ctx context.Context, name string) (*TaskList, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}
	now := time.Now().UTC().Format(time.RFC3339)
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO task_lists (name, created_at) VALUES (?, ?)`,
		strings.TrimSpace(name), now,
	)
	if err != nil {
		return nil, fmt.Errorf("insert list: %w", err)
	}
	id, _ := res.LastInsertId()
	s.notify(Change{Kind: ChangeLists, ListID: id})
	return s.GetList(ctx, id)
}

func (s *Store) GetList(ctx context.Context, id int64) (*TaskList, error) {
	l := &TaskList{}
	var createdAt string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, created_at FROM task_lists WHERE id = ?`, id,
	).Scan(&l.ID, &l.Name, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("get list %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get list %d: %w", id, err)
	}
	l.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	return l, nil
}

func (s *Store) ListLists(ctx context.Context) ([]TaskList, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, created_at FROM task_lists ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list lists: %w", err)
	}
	defer rows.Close()

	var lists []TaskList
	for rows.Next() {
		var l TaskList
		var createdAt string
		if err := rows.Scan(&l.ID, &l.Name, &createdAt); err != nil {
			return nil, err
		}
		l.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		lists = append(lists, l)
	}
	return lists, rows.Err()
}

func (s *Store) RenameList(ctx context.Context, id int64, name string) error {
	if err := validateName(name); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE task_lists SET name = ? WHERE id = ?`, strings.TrimSpace(name), id,
	)
	if err != nil {
		return fmt.Errorf("rename list: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("rename list %d: %w", id, ErrNotFound)
	}
	s.notify(Change{Kind: ChangeLists, ListID: id})
	return nil
}

// DeleteList removes a list together with all of its tasks. The completion
// log keeps its rows. If the list was current, the daily collection becomes
// current.
func (s *Store) DeleteList(ctx context.Context, id int64) error {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE list_id = ?`, id); err != nil {
			return fmt.Errorf("delete list tasks: %w", err)
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM task_lists WHERE id = ?`, id)
		if err != nil {
			return fmt.Errorf("delete list: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("delete list %d: %w", id, ErrNotFound)
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE settings SET value = '0' WHERE key = ? AND value = ?`,
			SettingCurrentList, strconv.FormatInt(id, 10),
		)
		return err
	})
	if err != nil {
		return err
	}
	s.notify(Change{Kind: ChangeLists, ListID: id})
	return nil
}
