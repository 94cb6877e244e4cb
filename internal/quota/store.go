// Package quota provides per-user storage quotas and request rate limiting.
package quota

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	cache "github.com/patrickmn/go-cache"

	"github.com/apper-apps/magnavaultdrive/internal/metrics"
)

// Quota represents a user's quota settings. Zero means unlimited.
type Quota struct {
	UserID             int   `json:"userId"`
	MaxStorageBytes    int64 `json:"maxStorageBytes"`
	MaxUploadSizeBytes int64 `json:"maxUploadSizeBytes"`
	MaxRequestsPerMin  int   `json:"maxRequestsPerMinute"`
}

// Usage is one row of the admin storage table.
type Usage struct {
	UserID          int    `json:"userId"`
	Username        string `json:"username"`
	UsedBytes       int64  `json:"usedBytes"`
	FileCount       int    `json:"fileCount"`
	MaxStorageBytes int64  `json:"maxStorageBytes"`
}

// quota rows are looked up on every rate-limited request
const quotaCacheTTL = time.Minute

// QuotaStore manages user quotas and usage tracking.
type QuotaStore struct {
	db       *sql.DB
	defaults Quota
	cached   *cache.Cache
}

// NewQuotaStore creates a new quota store. defaults apply to users without
// a user_quotas row.
func NewQuotaStore(db *sql.DB, defaults Quota) *QuotaStore {
	return &QuotaStore{
		db:       db,
		defaults: defaults,
		cached:   cache.New(quotaCacheTTL, 10*time.Minute),
	}
}

func cacheKey(userID int) string { return strconv.Itoa(userID) }

// GetQuota returns the quota for a user, falling back to the defaults.
func (s *QuotaStore) GetQuota(ctx context.Context, userID int) (*Quota, error) {
	if x, found := s.cached.Get(cacheKey(userID)); found {
		q := x.(Quota)
		return &q, nil
	}
	q, err := s.loadQuota(ctx, userID)
	if err != nil {
		return nil, err
	}
	s.cached.Set(cacheKey(userID), *q, cache.DefaultExpiration)
	return q, nil
}

func (s *QuotaStore) loadQuota(ctx context.Context, userID int) (*Quota, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("get_quota", time.Since(start)) }()

	q := s.defaults
	q.UserID = userID
	err := s.db.QueryRowContext(ctx,
		`SELECT max_storage_bytes, max_upload_size, requests_per_minute
		 FROM user_quotas WHERE user_id = $1`, userID).
		Scan(&q.MaxStorageBytes, &q.MaxUploadSizeBytes, &q.MaxRequestsPerMin)
	if errors.Is(err, sql.ErrNoRows) {
		return &q, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get quota: %w", err)
	}
	return &q, nil
}

// SetQuota sets or updates the quota for a user.
func (s *QuotaStore) SetQuota(ctx context.Context, q *Quota) error {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("set_quota", time.Since(start)) }()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO user_quotas (user_id, max_storage_bytes, max_upload_size, requests_per_minute, updated_at)
		 VALUES ($1, $2, $3, $4, NOW())
		 ON CONFLICT (user_id) DO UPDATE SET
			max_storage_bytes = EXCLUDED.max_storage_bytes,
			max_upload_size = EXCLUDED.max_upload_size,
			requests_per_minute = EXCLUDED.requests_per_minute,
			updated_at = NOW()`,
		q.UserID, q.MaxStorageBytes, q.MaxUploadSizeBytes, q.MaxRequestsPerMin)
	if err != nil {
		return fmt.Errorf("set quota: %w", err)
	}
	s.cached.Delete(cacheKey(q.UserID))
	return nil
}

// StorageUsed returns the total size of the user's live files.
func (s *QuotaStore) StorageUsed(ctx context.Context, userID int) (int64, error) {
	var used int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(size), 0) FROM files WHERE owner_id = $1 AND deleted_at IS NULL`,
		userID).Scan(&used)
	if err != nil {
		return 0, fmt.Errorf("get storage used: %w", err)
	}
	return used, nil
}

// CheckStorageQuota reports whether userID can store additionalBytes more.
func (s *QuotaStore) CheckStorageQuota(ctx context.Context, userID int, additionalBytes int64) (bool, error) {
	q, err := s.GetQuota(ctx, userID)
	if err != nil {
		return false, err
	}
	if q.MaxUploadSizeBytes > 0 && additionalBytes > q.MaxUploadSizeBytes {
		metrics.RecordQuotaExceeded()
		return false, nil
	}
	if q.MaxStorageBytes == 0 {
		return true, nil
	}

	used, err := s.StorageUsed(ctx, userID)
	if err != nil {
		return false, err
	}
	if used+additionalBytes > q.MaxStorageBytes {
		metrics.RecordQuotaExceeded()
		return false, nil
	}
	return true, nil
}

// ResetUsage moves all of the user's files to the trash and returns how many
// were moved.
func (s *QuotaStore) ResetUsage(ctx context.Context, userID int) (int64, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("reset_usage", time.Since(start)) }()

	res, err := s.db.ExecContext(ctx,
		`UPDATE files SET deleted_at = NOW() WHERE owner_id = $1 AND deleted_at IS NULL`, userID)
	if err != nil {
		return 0, fmt.Errorf("reset usage: %w", err)
	}
	return res.RowsAffected()
}

// ListUsage returns storage usage for every user, largest first.
func (s *QuotaStore) ListUsage(ctx context.Context) ([]Usage, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("list_usage", time.Since(start)) }()

	rows, err := s.db.QueryContext(ctx,
		`SELECT u.id, u.username,
		        COALESCE(SUM(f.size), 0), COUNT(f.id),
		        COALESCE(q.max_storage_bytes, $1)
		 FROM users u
		 LEFT JOIN files f ON f.owner_id = u.id AND f.deleted_at IS NULL
		 LEFT JOIN user_quotas q ON q.user_id = u.id
		 GROUP BY u.id, u.username, q.max_storage_bytes
		 ORDER BY COALESCE(SUM(f.size), 0) DESC, u.username`, s.defaults.MaxStorageBytes)
	if err != nil {
		return nil, fmt.Errorf("list usage: %w", err)
	}
	defer rows.Close()

	var out []Usage
	for rows.Next() {
		var u Usage
		if err := rows.Scan(&u.UserID, &u.Username, &u.UsedBytes, &u.FileCount, &u.MaxStorageBytes); err != nil {
			return nil, fmt.Errorf("scan usage: %w", err)
		}
		out = append(out, u)
	}
	return out, rows.Err()
}
