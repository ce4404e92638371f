package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"colldialer/internal/models"
)

// GetFeatureSetting returns a flag by name. Missing flags come back as (nil, nil).
func (db *DB) GetFeatureSetting(ctx context.Context, name string) (*models.FeatureSetting, error) {
	var fs models.FeatureSetting
	var params string
	err := db.QueryRowContext(ctx,
		`SELECT name, is_active, parameters FROM feature_settings WHERE name = ?`, name).
		Scan(&fs.Name, &fs.IsActive, &params)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	fs.Parameters = json.RawMessage(params)
	return &fs, nil
}

// UpsertFeatureSetting creates or replaces a flag.
func (db *DB) UpsertFeatureSetting(ctx context.Context, fs *models.FeatureSetting) error {
	params := string(fs.Parameters)
	if params == "" {
		params = "{}"
	}
	_, err := db.ExecContext(ctx, `
        INSERT INTO feature_settings (name, is_active, parameters) VALUES (?, ?, ?)
        ON CONFLICT(name) DO UPDATE SET is_active = excluded.is_active, parameters = excluded.parameters`,
		fs.Name, fs.IsActive, params)
	return err
}
