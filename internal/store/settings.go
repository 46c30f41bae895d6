package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"
)

const (
	SettingDeviceID       = "device_id"
	SettingLastUpdated    = "last_updated"
	SettingCurrentList    = "current_list_id"
	SettingDarkMode       = "dark_mode"
	SettingLastDailyReset = "last_daily_reset"
)

// syncedSettings are part of the synced snapshot; writing them notifies
// subscribers.
var syncedSettings = map[string]bool{
	SettingCurrentList: true,
	SettingDarkMode:    true,
}

// GetSetting returns the stored value, or "" if the key is unset.
func (s *Store) GetSetting(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get setting %q: %w", key, err)
	}
	return value, nil
}

func (s *Store) SetSetting(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO settings (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, value,
	)
	if err != nil {
		return fmt.Errorf("set setting %q: %w", key, err)
	}
	if syncedSettings[key] {
		s.notify(Change{Kind: ChangeSettings})
	}
	return nil
}

func (s *Store) GetAllSettings(ctx context.Context) ([]Setting, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM settings ORDER BY key`)
	if err != nil {
		return nil, fmt.Errorf("list settings: %w", err)
	}
	defer rows.Close()

	var settings []Setting
	for rows.Next() {
		var s Setting
		if err := rows.Scan(&s.Key, &s.Value); err != nil {
			return nil, err
		}
		settings = append(settings, s)
	}
	return settings, rows.Err()
}

func (s *Store) DeviceID(ctx context.Context) (string, error) {
	return s.GetSetting(ctx, SettingDeviceID)
}

// CurrentCollection returns the collection the user last selected.
func (s *Store) CurrentCollection(ctx context.Context) (Collection, error) {
	v, err := s.GetSetting(ctx, SettingCurrentList)
	if err != nil {
		return Daily, err
	}
	id, err := strconv.ParseInt(v, 10, 64)
	if err != nil || id <= 0 {
		return Daily, nil
	}
	return ListCollection(id), nil
}

func (s *Store) SetCurrentCollection(ctx context.Context, c Collection) error {
	return s.SetSetting(ctx, SettingCurrentList, strconv.FormatInt(c.ListID, 10))
}

func (s *Store) DarkMode(ctx context.Context) (bool, error) {
	v, err := s.GetSetting(ctx, SettingDarkMode)
	if err != nil {
		return true, err
	}
	return v != "false", nil
}

func (s *Store) SetDarkMode(ctx context.Context, dark bool) error {
	return s.SetSetting(ctx, SettingDarkMode, strconv.FormatBool(dark))
}

// LastUpdated returns the local sync timestamp, zero if never set.
func (s *Store) LastUpdated(ctx context.Context) (time.Time, error) {
	v, err := s.GetSetting(ctx, SettingLastUpdated)
	if err != nil || v == "" {
		return time.Time{}, err
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse last_updated: %w", err)
	}
	return t, nil
}

func (s *Store) SetLastUpdated(ctx context.Context, t time.Time) error {
	return s.SetSetting(ctx, SettingLastUpdated, t.UTC().Format(time.RFC3339Nano))
}
