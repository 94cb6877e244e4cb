package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/apper-apps/magnavaultdrive/internal/logging"
	"github.com/apper-apps/magnavaultdrive/internal/metrics"
	"github.com/apper-apps/magnavaultdrive/internal/models"
	"github.com/apper-apps/magnavaultdrive/internal/pathnorm"
)

const folderColumns = `f.id, f.name, f.parent_id, f.path, f.owner_id, f.created_at,
	(SELECT COUNT(*) FROM folders c WHERE c.parent_id = f.id)
	+ (SELECT COUNT(*) FROM files x WHERE x.parent_id = f.id AND x.deleted_at IS NULL)`

func scanFolder(row scanner) (*models.Folder, error) {
	var f models.Folder
	var parentID sql.NullString
	if err := row.Scan(&f.ID, &f.Name, &parentID, &f.Path, &f.OwnerID, &f.CreatedAt, &f.ChildCount); err != nil {
		return nil, err
	}
	f.ParentID = stringPtr(parentID)
	return &f, nil
}

// folderName validates a folder name. Folder names are single segments.
func folderName(name string) (string, error) {
	clean := pathnorm.Clean(name)
	if clean == "" || strings.Contains(clean, "/") || clean == "." || clean == ".." {
		return "", fmt.Errorf("%w: folder name %q", models.ErrInvalid, name)
	}
	return clean, nil
}

func childPath(parentPath, name string) string {
	return strings.TrimSuffix(parentPath, "/") + "/" + name
}

// GetFolder returns a folder by ID with its child count.
func (s *Store) GetFolder(ctx context.Context, id string) (*models.Folder, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("get_folder", time.Since(start)) }()

	f, err := scanFolder(s.db.QueryRowContext(ctx,
		`SELECT `+folderColumns+` FROM folders f WHERE f.id = $1`, id))
	if err != nil {
		return nil, mapErr(err)
	}
	return f, nil
}

// ListFolders returns ownerID's folders directly under parentID (nil = root).
func (s *Store) ListFolders(ctx context.Context, ownerID int, parentID *string) ([]models.Folder, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("list_folders", time.Since(start)) }()

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+folderColumns+` FROM folders f
		 WHERE f.owner_id = $1 AND f.parent_id IS NOT DISTINCT FROM $2
		 ORDER BY lower(f.name), f.id`, ownerID, nullString(parentID))
	if err != nil {
		return nil, fmt.Errorf("list folders: %w", err)
	}
	defer rows.Close()

	var out []models.Folder
	for rows.Next() {
		f, err := scanFolder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan folder: %w", err)
		}
		out = append(out, *f)
	}
	return out, rows.Err()
}

// FolderPath returns the breadcrumb chain for id, root first.
func (s *Store) FolderPath(ctx context.Context, id string) ([]models.Folder, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("folder_path", time.Since(start)) }()

	rows, err := s.db.QueryContext(ctx,
		`WITH RECURSIVE chain AS (
		     SELECT id, name, parent_id, path, owner_id, created_at, 0 AS depth
		     FROM folders WHERE id = $1
		     UNION ALL
		     SELECT p.id, p.name, p.parent_id, p.path, p.owner_id, p.created_at, c.depth + 1
		     FROM folders p JOIN chain c ON p.id = c.parent_id
		 )
		 SELECT id, name, parent_id, path, owner_id, created_at FROM chain ORDER BY depth DESC`, id)
	if err != nil {
		return nil, fmt.Errorf("folder path: %w", err)
	}
	defer rows.Close()

	var out []models.Folder
	for rows.Next() {
		var f models.Folder
		var parentID sql.NullString
		if err := rows.Scan(&f.ID, &f.Name, &parentID, &f.Path, &f.OwnerID, &f.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan folder: %w", err)
		}
		f.ParentID = stringPtr(parentID)
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, models.ErrNotFound
	}
	return out, nil
}

// CreateFolder inserts f, computing its Path from the parent.
func (s *Store) CreateFolder(ctx context.Context, f *models.Folder) error {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("create_folder", time.Since(start)) }()

	name, err := folderName(f.Name)
	if err != nil {
		return err
	}
	f.Name = name
	f.Path = "/" + name
	if f.ParentID != nil {
		parent, err := s.GetFolder(ctx, *f.ParentID)
		if err != nil {
			return fmt.Errorf("parent folder: %w", err)
		}
		if parent.OwnerID != f.OwnerID {
			return fmt.Errorf("parent folder: %w", models.ErrNotFound)
		}
		f.Path = childPath(parent.Path, name)
	}
	if f.ID == "" {
		f.ID = uuid.NewString()
	}

	err = s.db.QueryRowContext(ctx,
		`INSERT INTO folders (id, name, parent_id, path, owner_id)
		 VALUES ($1, $2, $3, $4, $5) RETURNING created_at`,
		f.ID, f.Name, nullString(f.ParentID), f.Path, f.OwnerID).Scan(&f.CreatedAt)
	if err != nil {
		return fmt.Errorf("create folder: %w", mapErr(err))
	}
	logging.Debug("created folder", zap.String("id", f.ID), zap.String("path", f.Path))
	return nil
}

// UpdateFolder renames and/or moves a folder, rewriting the Path of every
// descendant.
func (s *Store) UpdateFolder(ctx context.Context, id string, u models.FolderUpdate) (*models.Folder, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("update_folder", time.Since(start)) }()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var cur models.Folder
	var curParent sql.NullString
	err = tx.QueryRowContext(ctx,
		`SELECT id, name, parent_id, path, owner_id FROM folders WHERE id = $1 FOR UPDATE`, id).
		Scan(&cur.ID, &cur.Name, &curParent, &cur.Path, &cur.OwnerID)
	if err != nil {
		return nil, mapErr(err)
	}
	cur.ParentID = stringPtr(curParent)

	name := cur.Name
	if u.Name != nil {
		if name, err = folderName(*u.Name); err != nil {
			return nil, err
		}
	}
	parentID := cur.ParentID
	if u.SetParent {
		parentID = u.ParentID
	}

	parentPath := ""
	if parentID != nil {
		var owner int
		err := tx.QueryRowContext(ctx,
			`SELECT path, owner_id FROM folders WHERE id = $1`, *parentID).Scan(&parentPath, &owner)
		if err != nil {
			return nil, fmt.Errorf("parent folder: %w", mapErr(err))
		}
		if owner != cur.OwnerID {
			return nil, fmt.Errorf("parent folder: %w", models.ErrNotFound)
		}
		if *parentID == cur.ID || strings.HasPrefix(parentPath, cur.Path+"/") {
			return nil, fmt.Errorf("%w: folder cannot move into itself", models.ErrInvalid)
		}
	}
	newPath := childPath(parentPath, name)

	if newPath != cur.Path {
		// Remote files are addressed by folder path on the server, so the
		// folder stays put while it holds any.
		var holdsRemote bool
		err = tx.QueryRowContext(ctx,
			`SELECT EXISTS (
			   SELECT 1 FROM files f JOIN folders d ON d.id = f.parent_id
			   WHERE d.owner_id = $1 AND f.storage_location = $2
			     AND (d.id = $3 OR left(d.path, char_length($4::text) + 1) = $4::text || '/'))`,
			cur.OwnerID, models.LocationRemote, cur.ID, cur.Path).Scan(&holdsRemote)
		if err != nil {
			return nil, fmt.Errorf("check remote files: %w", mapErr(err))
		}
		if holdsRemote {
			return nil, models.ErrRemoteFiles
		}

		_, err = tx.ExecContext(ctx,
			`UPDATE folders SET path = $1::text || substr(path, char_length($2::text) + 1)
			 WHERE owner_id = $3 AND left(path, char_length($2::text) + 1) = $2::text || '/'`,
			newPath, cur.Path, cur.OwnerID)
		if err != nil {
			return nil, fmt.Errorf("rewrite descendant paths: %w", mapErr(err))
		}
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE folders SET name = $2, parent_id = $3, path = $4 WHERE id = $1`,
		id, name, nullString(parentID), newPath)
	if err != nil {
		return nil, fmt.Errorf("update folder: %w", mapErr(err))
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return s.GetFolder(ctx, id)
}

// DeleteFolder removes an empty folder.
func (s *Store) DeleteFolder(ctx context.Context, id string) error {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("delete_folder", time.Since(start)) }()

	f, err := s.GetFolder(ctx, id)
	if err != nil {
		return err
	}
	if f.ChildCount > 0 {
		return fmt.Errorf("%w: folder is not empty", models.ErrConflict)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM folders WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete folder: %w", err)
	}
	return nil
}
