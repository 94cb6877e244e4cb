package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/apper-apps/magnavaultdrive/internal/metrics"
	"github.com/apper-apps/magnavaultdrive/internal/models"
)

const remoteColumns = `id, user_id, name, transport, host, port, server_url, username,
	auth_method, password, private_key, passphrase, root_path, created_at`

func scanRemote(row scanner) (*models.RemoteServerConfig, error) {
	var c models.RemoteServerConfig
	var port sql.NullInt64
	if err := row.Scan(&c.ID, &c.UserID, &c.Name, &c.Transport, &c.Host, &port,
		&c.ServerURL, &c.Username, &c.AuthMethod, &c.Password, &c.PrivateKey,
		&c.Passphrase, &c.RootPath, &c.CreatedAt); err != nil {
		return nil, err
	}
	if port.Valid {
		c.Port = int(port.Int64)
	}
	return &c, nil
}

func nullPort(p int) sql.NullInt64 {
	if p <= 0 {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(p), Valid: true}
}

// ListRemoteServers returns userID's remote server settings.
func (s *Store) ListRemoteServers(ctx context.Context, userID int) ([]models.RemoteServerConfig, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("list_remote_servers", time.Since(start)) }()

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+remoteColumns+` FROM remote_servers WHERE user_id = $1 ORDER BY transport, id`, userID)
	if err != nil {
		return nil, fmt.Errorf("list remote servers: %w", err)
	}
	defer rows.Close()

	var out []models.RemoteServerConfig
	for rows.Next() {
		c, err := scanRemote(rows)
		if err != nil {
			return nil, fmt.Errorf("scan remote server: %w", err)
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// GetRemoteServer returns one remote server setting by ID.
func (s *Store) GetRemoteServer(ctx context.Context, id int64) (*models.RemoteServerConfig, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("get_remote_server", time.Since(start)) }()

	c, err := scanRemote(s.db.QueryRowContext(ctx,
		`SELECT `+remoteColumns+` FROM remote_servers WHERE id = $1`, id))
	if err != nil {
		return nil, mapErr(err)
	}
	return c, nil
}

// RemoteServerFor returns userID's newest setting for transport.
func (s *Store) RemoteServerFor(ctx context.Context, userID int, transport string) (*models.RemoteServerConfig, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("remote_server_for", time.Since(start)) }()

	c, err := scanRemote(s.db.QueryRowContext(ctx,
		`SELECT `+remoteColumns+` FROM remote_servers
		 WHERE user_id = $1 AND transport = $2
		 ORDER BY id DESC LIMIT 1`, userID, transport))
	if err != nil {
		return nil, mapErr(err)
	}
	return c, nil
}

// CreateRemoteServer inserts c and fills in its ID and CreatedAt.
func (s *Store) CreateRemoteServer(ctx context.Context, c *models.RemoteServerConfig) error {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("create_remote_server", time.Since(start)) }()

	if c.AuthMethod == "" {
		c.AuthMethod = models.AuthPassword
	}
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO remote_servers (user_id, name, transport, host, port, server_url, username,
		                             auth_method, password, private_key, passphrase, root_path)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		 RETURNING id, created_at`,
		c.UserID, c.Name, c.Transport, c.Host, nullPort(c.Port), c.ServerURL, c.Username,
		c.AuthMethod, c.Password, c.PrivateKey, c.Passphrase, c.RootPath).
		Scan(&c.ID, &c.CreatedAt)
	if err != nil {
		return fmt.Errorf("create remote server: %w", mapErr(err))
	}
	return nil
}

// UpdateRemoteServer overwrites setting id, which must belong to c.UserID.
func (s *Store) UpdateRemoteServer(ctx context.Context, id int64, c models.RemoteServerConfig) (*models.RemoteServerConfig, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("update_remote_server", time.Since(start)) }()

	if c.AuthMethod == "" {
		c.AuthMethod = models.AuthPassword
	}
	out, err := scanRemote(s.db.QueryRowContext(ctx,
		`UPDATE remote_servers
		 SET name = $3, transport = $4, host = $5, port = $6, server_url = $7, username = $8,
		     auth_method = $9, password = $10, private_key = $11, passphrase = $12, root_path = $13
		 WHERE id = $1 AND user_id = $2
		 RETURNING `+remoteColumns,
		id, c.UserID, c.Name, c.Transport, c.Host, nullPort(c.Port), c.ServerURL, c.Username,
		c.AuthMethod, c.Password, c.PrivateKey, c.Passphrase, c.RootPath))
	if err != nil {
		return nil, mapErr(err)
	}
	return out, nil
}

// DeleteRemoteServer removes userID's setting id.
func (s *Store) DeleteRemoteServer(ctx context.Context, id int64, userID int) error {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("delete_remote_server", time.Since(start)) }()

	return execOne(ctx, s.db, `DELETE FROM remote_servers WHERE id = $1 AND user_id = $2`, id, userID)
}
