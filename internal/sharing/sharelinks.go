// Package sharing manages public share links for files.
package sharing

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/apper-apps/magnavaultdrive/internal/metrics"
)

var (
	ErrNotFound         = errors.New("share link not found")
	ErrRevoked          = errors.New("share link has been revoked")
	ErrExpired          = errors.New("share link has expired")
	ErrLimitReached     = errors.New("share link download limit reached")
	ErrPasswordRequired = errors.New("password required")
	ErrInvalidPassword  = errors.New("invalid password")
)

// ShareLink represents a file share link.
type ShareLink struct {
	ID           string     `json:"id"`
	FileID       string     `json:"fileId"`
	FileName     string     `json:"fileName,omitempty"`
	Token        string     `json:"token"`
	URL          string     `json:"url"`
	PasswordHash string     `json:"-"`
	HasPassword  bool       `json:"hasPassword"`
	ExpiresAt    *time.Time `json:"expiresAt,omitempty"`
	MaxDownloads int        `json:"maxDownloads"`
	AccessCount  int        `json:"accessCount"`
	IsActive     bool       `json:"isActive"`
	CreatedBy    int        `json:"createdBy"`
	CreatedAt    time.Time  `json:"createdAt"`
}

// Update carries the editable fields of a link. Nil fields are unchanged.
// An empty Password removes password protection; a zero ExpiresIn clears
// the expiry.
type Update struct {
	Password     *string
	ExpiresIn    *time.Duration
	MaxDownloads *int
	IsActive     *bool
}

// ShareLinkStore manages share links.
type ShareLinkStore struct {
	db      *sql.DB
	baseURL string
}

// NewShareLinkStore creates a new share link store. baseURL prefixes the
// public link URLs.
func NewShareLinkStore(db *sql.DB, baseURL string) *ShareLinkStore {
	return &ShareLinkStore{db: db, baseURL: strings.TrimSuffix(baseURL, "/")}
}

// LinkURL returns the public URL for token.
func (s *ShareLinkStore) LinkURL(token string) string {
	return s.baseURL + "/share/" + token
}

const linkColumns = `sl.id, sl.file_id, COALESCE(f.name, ''), sl.token, sl.password_hash,
	sl.expires_at, sl.max_downloads, sl.access_count, sl.is_active, sl.created_by, sl.created_at`

const linkFrom = ` FROM shared_links sl LEFT JOIN files f ON f.id = sl.file_id`

func (s *ShareLinkStore) scan(row interface{ Scan(...any) error }) (*ShareLink, error) {
	var l ShareLink
	var passwordHash sql.NullString
	var expiresAt sql.NullTime
	if err := row.Scan(&l.ID, &l.FileID, &l.FileName, &l.Token, &passwordHash, &expiresAt,
		&l.MaxDownloads, &l.AccessCount, &l.IsActive, &l.CreatedBy, &l.CreatedAt); err != nil {
		return nil, err
	}
	if passwordHash.Valid {
		l.PasswordHash = passwordHash.String
		l.HasPassword = true
	}
	if expiresAt.Valid {
		t := expiresAt.Time
		l.ExpiresAt = &t
	}
	l.URL = s.LinkURL(l.Token)
	return &l, nil
}

func (s *ShareLinkStore) queryOne(ctx context.Context, where string, args ...any) (*ShareLink, error) {
	l, err := s.scan(s.db.QueryRowContext(ctx, `SELECT `+linkColumns+linkFrom+` WHERE `+where, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query share link: %w", err)
	}
	return l, nil
}

func (s *ShareLinkStore) queryMany(ctx context.Context, where string, args ...any) ([]ShareLink, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+linkColumns+linkFrom+` WHERE `+where+` ORDER BY sl.created_at DESC`, args...)
	if err != nil {
		return nil, fmt.Errorf("list share links: %w", err)
	}
	defer rows.Close()

	var links []ShareLink
	for rows.Next() {
		l, err := s.scan(rows)
		if err != nil {
			return nil, fmt.Errorf("scan share link: %w", err)
		}
		links = append(links, *l)
	}
	return links, rows.Err()
}

// Create creates a new share link for fileID.
func (s *ShareLinkStore) Create(ctx context.Context, fileID string, createdBy int, password string, expiresIn time.Duration, maxDownloads int) (*ShareLink, error) {
	token, err := generateToken()
	if err != nil {
		return nil, fmt.Errorf("generate token: %w", err)
	}
	passwordHash, err := hashPassword(password)
	if err != nil {
		return nil, err
	}

	var expiresAt *time.Time
	if expiresIn > 0 {
		t := time.Now().Add(expiresIn)
		expiresAt = &t
	}
	if maxDownloads < 0 {
		maxDownloads = 0
	}

	id := uuid.NewString()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO shared_links (id, file_id, token, password_hash, expires_at, max_downloads, created_by)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		id, fileID, token, passwordHash, expiresAt, maxDownloads, createdBy)
	if err != nil {
		return nil, fmt.Errorf("insert share link: %w", err)
	}

	s.updateActiveCount(ctx)
	return s.Get(ctx, id)
}

// Get returns a share link by ID without validating it.
func (s *ShareLinkStore) Get(ctx context.Context, id string) (*ShareLink, error) {
	return s.queryOne(ctx, `sl.id = $1`, id)
}

// Validate checks if the link for token may be used and returns it.
// Checks: exists, active, not expired, download limit not reached, password.
func (s *ShareLinkStore) Validate(ctx context.Context, token, password string) (*ShareLink, error) {
	link, err := s.queryOne(ctx, `sl.token = $1`, token)
	if err != nil {
		return nil, err
	}
	if err := check(link, password, time.Now()); err != nil {
		return nil, err
	}
	return link, nil
}

// check applies the usage rules to link.
func check(link *ShareLink, password string, now time.Time) error {
	if !link.IsActive {
		return ErrRevoked
	}
	if link.ExpiresAt != nil && now.After(*link.ExpiresAt) {
		return ErrExpired
	}
	if link.MaxDownloads > 0 && link.AccessCount >= link.MaxDownloads {
		return ErrLimitReached
	}
	if link.PasswordHash != "" {
		if password == "" {
			return ErrPasswordRequired
		}
		if err := bcrypt.CompareHashAndPassword([]byte(link.PasswordHash), []byte(password)); err != nil {
			return ErrInvalidPassword
		}
	}
	return nil
}

// RecordAccess increments the access count of a link.
func (s *ShareLinkStore) RecordAccess(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE shared_links SET access_count = access_count + 1 WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("record access: %w", err)
	}
	return nil
}

// ListByFile returns the links for fileID.
func (s *ShareLinkStore) ListByFile(ctx context.Context, fileID string) ([]ShareLink, error) {
	return s.queryMany(ctx, `sl.file_id = $1`, fileID)
}

// List returns the links created by userID.
func (s *ShareLinkStore) List(ctx context.Context, userID int) ([]ShareLink, error) {
	return s.queryMany(ctx, `sl.created_by = $1`, userID)
}

// Revoke deactivates userID's link id.
func (s *ShareLinkStore) Revoke(ctx context.Context, id string, userID int) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE shared_links SET is_active = FALSE WHERE id = $1 AND created_by = $2`, id, userID)
	if err != nil {
		return fmt.Errorf("revoke share link: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	s.updateActiveCount(ctx)
	return nil
}

// Update applies u to userID's link id.
func (s *ShareLinkStore) Update(ctx context.Context, id string, userID int, u Update) (*ShareLink, error) {
	var sets []string
	args := []any{id, userID}
	set := func(col string, v any) {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf("%s = $%d", col, len(args)))
	}
	if u.Password != nil {
		hash, err := hashPassword(*u.Password)
		if err != nil {
			return nil, err
		}
		set("password_hash", hash)
	}
	if u.ExpiresIn != nil {
		var expiresAt *time.Time
		if *u.ExpiresIn > 0 {
			t := time.Now().Add(*u.ExpiresIn)
			expiresAt = &t
		}
		set("expires_at", expiresAt)
	}
	if u.MaxDownloads != nil {
		set("max_downloads", max(*u.MaxDownloads, 0))
	}
	if u.IsActive != nil {
		set("is_active", *u.IsActive)
	}

	if len(sets) > 0 {
		res, err := s.db.ExecContext(ctx,
			`UPDATE shared_links SET `+strings.Join(sets, ", ")+` WHERE id = $1 AND created_by = $2`,
			args...)
		if err != nil {
			return nil, fmt.Errorf("update share link: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil, ErrNotFound
		}
		s.updateActiveCount(ctx)
	}

	link, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if link.CreatedBy != userID {
		return nil, ErrNotFound
	}
	return link, nil
}

func (s *ShareLinkStore) updateActiveCount(ctx context.Context) {
	var count int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM shared_links WHERE is_active = TRUE`).Scan(&count)
	if err == nil {
		metrics.SetShareLinksActive(count)
	}
}

func hashPassword(password string) (sql.NullString, error) {
	if password == "" {
		return sql.NullString{}, nil
	}
	hashed, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("hash password: %w", err)
	}
	return sql.NullString{String: string(hashed), Valid: true}, nil
}

// generateToken returns 32 hex characters from crypto/rand.
func generateToken() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
