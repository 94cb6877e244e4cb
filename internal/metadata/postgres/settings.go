package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/apper-apps/magnavaultdrive/internal/metrics"
	"github.com/apper-apps/magnavaultdrive/internal/models"
)

const settingColumns = `id, name, value, description, setting_type, created_at, modified_at`

func scanSetting(row scanner) (*models.PlatformSetting, error) {
	var p models.PlatformSetting
	if err := row.Scan(&p.ID, &p.Name, &p.Value, &p.Description, &p.SettingType,
		&p.CreatedAt, &p.ModifiedAt); err != nil {
		return nil, err
	}
	return &p, nil
}

// ListSettings returns all platform settings ordered by type and name.
func (s *Store) ListSettings(ctx context.Context) ([]models.PlatformSetting, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("list_settings", time.Since(start)) }()

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+settingColumns+` FROM platform_settings ORDER BY setting_type, name`)
	if err != nil {
		return nil, fmt.Errorf("list settings: %w", err)
	}
	defer rows.Close()

	var out []models.PlatformSetting
	for rows.Next() {
		p, err := scanSetting(rows)
		if err != nil {
			return nil, fmt.Errorf("scan setting: %w", err)
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

// GetSetting returns a platform setting by ID.
func (s *Store) GetSetting(ctx context.Context, id int64) (*models.PlatformSetting, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("get_setting", time.Since(start)) }()

	p, err := scanSetting(s.db.QueryRowContext(ctx,
		`SELECT `+settingColumns+` FROM platform_settings WHERE id = $1`, id))
	if err != nil {
		return nil, mapErr(err)
	}
	return p, nil
}

// GetSettingByName returns a platform setting by name.
func (s *Store) GetSettingByName(ctx context.Context, name string) (*models.PlatformSetting, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("get_setting_by_name", time.Since(start)) }()

	p, err := scanSetting(s.db.QueryRowContext(ctx,
		`SELECT `+settingColumns+` FROM platform_settings WHERE name = $1`, name))
	if err != nil {
		return nil, mapErr(err)
	}
	return p, nil
}

// CreateSetting inserts p and fills in its ID and timestamps.
func (s *Store) CreateSetting(ctx context.Context, p *models.PlatformSetting) error {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("create_setting", time.Since(start)) }()

	if p.SettingType == "" {
		p.SettingType = models.SettingGeneral
	}
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO platform_settings (name, value, description, setting_type)
		 VALUES ($1, $2, $3, $4) RETURNING id, created_at, modified_at`,
		p.Name, p.Value, p.Description, p.SettingType).
		Scan(&p.ID, &p.CreatedAt, &p.ModifiedAt)
	if err != nil {
		return fmt.Errorf("create setting: %w", mapErr(err))
	}
	return nil
}

// UpdateSetting overwrites the editable fields of setting id.
func (s *Store) UpdateSetting(ctx context.Context, id int64, p models.PlatformSetting) (*models.PlatformSetting, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("update_setting", time.Since(start)) }()

	if p.SettingType == "" {
		p.SettingType = models.SettingGeneral
	}
	out, err := scanSetting(s.db.QueryRowContext(ctx,
		`UPDATE platform_settings
		 SET name = $2, value = $3, description = $4, setting_type = $5, modified_at = NOW()
		 WHERE id = $1 RETURNING `+settingColumns,
		id, p.Name, p.Value, p.Description, p.SettingType))
	if err != nil {
		return nil, mapErr(err)
	}
	return out, nil
}

// DeleteSetting removes a platform setting.
func (s *Store) DeleteSetting(ctx context.Context, id int64) error {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("delete_setting", time.Since(start)) }()

	return execOne(ctx, s.db, `DELETE FROM platform_settings WHERE id = $1`, id)
}

// execOne runs a statement that must affect exactly one row.
func execOne(ctx context.Context, db *sql.DB, query string, args ...any) error {
	res, err := db.ExecContext(ctx, query, args...)
	if err != nil {
		return mapErr(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.ErrNotFound
	}
	return nil
}
