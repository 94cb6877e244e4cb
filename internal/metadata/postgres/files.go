package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/apper-apps/magnavaultdrive/internal/logging"
	"github.com/apper-apps/magnavaultdrive/internal/metrics"
	"github.com/apper-apps/magnavaultdrive/internal/models"
)

const fileColumns = `id, name, size, mime_type, encrypted, created_at, modified_at,
	parent_id, storage_location, owner_id, deleted_at, tags`

func scanFile(row scanner) (*models.FileRecord, error) {
	var f models.FileRecord
	var parentID sql.NullString
	var deletedAt sql.NullTime
	var tags pq.StringArray
	if err := row.Scan(&f.ID, &f.Name, &f.Size, &f.MimeType, &f.Encrypted,
		&f.CreatedAt, &f.ModifiedAt, &parentID, &f.StorageLocation, &f.OwnerID,
		&deletedAt, &tags); err != nil {
		return nil, err
	}
	f.ParentID = stringPtr(parentID)
	if deletedAt.Valid {
		t := deletedAt.Time
		f.DeletedAt = &t
	}
	f.Tags = []string(tags)
	return &f, nil
}

func scanFiles(rows *sql.Rows) ([]models.FileRecord, error) {
	defer rows.Close()
	var out []models.FileRecord
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, fmt.Errorf("scan file: %w", err)
		}
		out = append(out, *f)
	}
	return out, rows.Err()
}

// GetFile returns a file record by ID, including trashed records.
func (s *Store) GetFile(ctx context.Context, id string) (*models.FileRecord, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("get_file", time.Since(start)) }()

	f, err := scanFile(s.db.QueryRowContext(ctx,
		`SELECT `+fileColumns+` FROM files WHERE id = $1`, id))
	if err != nil {
		return nil, mapErr(err)
	}
	return f, nil
}

// ListFiles returns the live files matching filter.
func (s *Store) ListFiles(ctx context.Context, filter models.FileFilter) ([]models.FileRecord, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("list_files", time.Since(start)) }()

	where := []string{"owner_id = $1", "deleted_at IS NULL"}
	args := []any{filter.OwnerID}
	if !filter.AnyFolder && filter.Recent == 0 && filter.Query == "" {
		args = append(args, nullString(filter.FolderID))
		where = append(where, fmt.Sprintf("parent_id IS NOT DISTINCT FROM $%d", len(args)))
	}
	if filter.Query != "" {
		args = append(args, "%"+escapeLike(filter.Query)+"%")
		where = append(where, fmt.Sprintf("name ILIKE $%d", len(args)))
	}

	query := `SELECT ` + fileColumns + ` FROM files WHERE ` + strings.Join(where, " AND ")
	if filter.Recent > 0 {
		args = append(args, filter.Recent)
		query += fmt.Sprintf(" ORDER BY modified_at DESC LIMIT $%d", len(args))
	} else {
		query += " ORDER BY lower(name), id"
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list files: %w", err)
	}
	return scanFiles(rows)
}

// CreateFile inserts a new file record.
func (s *Store) CreateFile(ctx context.Context, f *models.FileRecord) error {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("create_file", time.Since(start)) }()

	if f.StorageLocation == "" {
		f.StorageLocation = models.LocationLocal
	}
	tags := f.Tags
	if tags == nil {
		tags = []string{}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO files (id, name, size, mime_type, encrypted, created_at, modified_at,
		                    parent_id, storage_location, owner_id, tags)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		f.ID, f.Name, f.Size, f.MimeType, f.Encrypted, f.CreatedAt, f.ModifiedAt,
		nullString(f.ParentID), f.StorageLocation, f.OwnerID, pq.Array(tags))
	if err != nil {
		return fmt.Errorf("create file: %w", mapErr(err))
	}
	logging.Debug("created file record", zap.String("id", f.ID), zap.String("name", f.Name))
	return nil
}

// UpdateFile applies the set fields of u and returns the updated record.
func (s *Store) UpdateFile(ctx context.Context, id string, u models.FileUpdate) (*models.FileRecord, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("update_file", time.Since(start)) }()

	var sets []string
	args := []any{id}
	set := func(col string, v any) {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf("%s = $%d", col, len(args)))
	}
	if u.Name != nil {
		set("name", *u.Name)
	}
	if u.Size != nil {
		set("size", *u.Size)
	}
	if u.MimeType != nil {
		set("mime_type", *u.MimeType)
	}
	if u.Tags != nil {
		set("tags", pq.Array(u.Tags))
	}
	if u.SetParent {
		set("parent_id", nullString(u.ParentID))
	}
	if u.ModifiedAt != nil {
		set("modified_at", *u.ModifiedAt)
	}
	if len(sets) == 0 {
		return s.GetFile(ctx, id)
	}

	f, err := scanFile(s.db.QueryRowContext(ctx,
		`UPDATE files SET `+strings.Join(sets, ", ")+` WHERE id = $1 RETURNING `+fileColumns,
		args...))
	if err != nil {
		return nil, mapErr(err)
	}
	return f, nil
}

// DeleteFile permanently removes a file record.
func (s *Store) DeleteFile(ctx context.Context, id string) error {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("delete_file", time.Since(start)) }()

	res, err := s.db.ExecContext(ctx, `DELETE FROM files WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete file: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.ErrNotFound
	}
	return nil
}

// SoftDeleteFile moves ownerID's file to the trash.
func (s *Store) SoftDeleteFile(ctx context.Context, id string, ownerID int) error {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("soft_delete_file", time.Since(start)) }()

	res, err := s.db.ExecContext(ctx,
		`UPDATE files SET deleted_at = NOW()
		 WHERE id = $1 AND owner_id = $2 AND deleted_at IS NULL`, id, ownerID)
	if err != nil {
		return fmt.Errorf("soft delete: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.ErrNotFound
	}
	logging.Debug("soft-deleted file", zap.String("id", id), zap.Int("user_id", ownerID))
	return nil
}

// SoftDeleteAllFiles moves every live file of ownerID to the trash.
func (s *Store) SoftDeleteAllFiles(ctx context.Context, ownerID int) (int64, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("soft_delete_all_files", time.Since(start)) }()

	res, err := s.db.ExecContext(ctx,
		`UPDATE files SET deleted_at = NOW() WHERE owner_id = $1 AND deleted_at IS NULL`, ownerID)
	if err != nil {
		return 0, fmt.Errorf("soft delete all: %w", err)
	}
	return res.RowsAffected()
}

// ListTrash returns ownerID's trashed files, most recently deleted first.
func (s *Store) ListTrash(ctx context.Context, ownerID int) ([]models.FileRecord, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("list_trash", time.Since(start)) }()

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+fileColumns+` FROM files
		 WHERE owner_id = $1 AND deleted_at IS NOT NULL
		 ORDER BY deleted_at DESC`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list trash: %w", err)
	}
	return scanFiles(rows)
}

// RestoreFile takes a file out of the trash.
func (s *Store) RestoreFile(ctx context.Context, id string, ownerID int) (*models.FileRecord, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("restore_file", time.Since(start)) }()

	f, err := scanFile(s.db.QueryRowContext(ctx,
		`UPDATE files SET deleted_at = NULL
		 WHERE id = $1 AND owner_id = $2 AND deleted_at IS NOT NULL
		 RETURNING `+fileColumns, id, ownerID))
	if err != nil {
		return nil, mapErr(err)
	}
	logging.Debug("restored file", zap.String("id", id))
	return f, nil
}

// PurgeFile permanently deletes one trashed file and returns it so its bytes
// can be removed.
func (s *Store) PurgeFile(ctx context.Context, id string, ownerID int) (*models.FileRecord, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("purge_file", time.Since(start)) }()

	f, err := scanFile(s.db.QueryRowContext(ctx,
		`DELETE FROM files WHERE id = $1 AND owner_id = $2 AND deleted_at IS NOT NULL
		 RETURNING `+fileColumns, id, ownerID))
	if err != nil {
		return nil, mapErr(err)
	}
	return f, nil
}

// PurgeAllTrash permanently deletes all of ownerID's trashed files.
func (s *Store) PurgeAllTrash(ctx context.Context, ownerID int) ([]models.FileRecord, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("purge_all_trash", time.Since(start)) }()

	rows, err := s.db.QueryContext(ctx,
		`DELETE FROM files WHERE owner_id = $1 AND deleted_at IS NOT NULL
		 RETURNING `+fileColumns, ownerID)
	if err != nil {
		return nil, fmt.Errorf("purge all trash: %w", err)
	}
	return scanFiles(rows)
}

// PurgeExpiredTrash permanently deletes trash items older than maxAge.
func (s *Store) PurgeExpiredTrash(ctx context.Context, maxAge time.Duration) ([]models.FileRecord, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("purge_expired_trash", time.Since(start)) }()

	cutoff := time.Now().Add(-maxAge)
	rows, err := s.db.QueryContext(ctx,
		`DELETE FROM files WHERE deleted_at IS NOT NULL AND deleted_at < $1
		 RETURNING `+fileColumns, cutoff)
	if err != nil {
		return nil, fmt.Errorf("purge expired trash: %w", err)
	}
	return scanFiles(rows)
}

// StorageUsedByUser returns the total size of userID's live files.
func (s *Store) StorageUsedByUser(ctx context.Context, userID int) (int64, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("storage_used_by_user", time.Since(start)) }()

	var used int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(size), 0) FROM files WHERE owner_id = $1 AND deleted_at IS NULL`,
		userID).Scan(&used)
	if err != nil {
		return 0, fmt.Errorf("storage used: %w", err)
	}
	return used, nil
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}
