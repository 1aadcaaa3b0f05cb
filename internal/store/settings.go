package store

import (
	"context"
	"errors"
)

// GetSetting reads one app setting; ErrNotFound when unset.
func (s *Store) GetSetting(ctx context.Context, key string) (string, error) {
	var value string
	err := s.pool.QueryRow(ctx,
		"SELECT value FROM app_settings WHERE key = $1", key).Scan(&value)
	return value, mapErr(err)
}

// SetSetting upserts one app setting.
func (s *Store) SetSetting(ctx context.Context, key, value string) error {
	_, err := s.pool.Exec(ctx, `INSERT INTO app_settings (key, value)
		VALUES ($1, $2) ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value`,
		key, value)
	return mapErr(err)
}

// GetSettingDefault reads a setting, falling back when unset.
func (s *Store) GetSettingDefault(ctx context.Context, key, fallback string) (string, error) {
	value, err := s.GetSetting(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return fallback, nil
	}
	return value, err
}
