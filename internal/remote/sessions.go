package remote

import (
	"context"
	"errors"
	"os"
	"sync"
	"time"

	"github.com/apper-apps/magnavaultdrive/internal/models"
)

// Options configures transport connections.
type Options struct {
	SFTPConnectTimeout time.Duration
	WebDAVTimeout      time.Duration
}

func (o Options) withDefaults() Options {
	if o.SFTPConnectTimeout <= 0 {
		o.SFTPConnectTimeout = 20 * time.Second
	}
	if o.WebDAVTimeout <= 0 {
		o.WebDAVTimeout = 30 * time.Second
	}
	return o
}

// ConfigSource looks up a user's server settings for one transport.
type ConfigSource interface {
	RemoteServerFor(ctx context.Context, userID int, transport string) (*models.RemoteServerConfig, error)
}

// Entry is one item of a remote directory listing.
type Entry struct {
	Name    string    `json:"name"`
	Size    int64     `json:"size"`
	IsDir   bool      `json:"isDir"`
	ModTime time.Time `json:"modTime"`
}

func entriesFromInfos(infos []os.FileInfo) []Entry {
	entries := make([]Entry, 0, len(infos))
	for _, fi := range infos {
		entries = append(entries, Entry{
			Name:    fi.Name(),
			Size:    fi.Size(),
			IsDir:   fi.IsDir(),
			ModTime: fi.ModTime(),
		})
	}
	return entries
}

// session is an open connection to one transport.
type session interface {
	transport() string
	remotePath(logical string) string
	read(ctx context.Context, p string) ([]byte, error)
	write(ctx context.Context, p string, data []byte) error
	remove(ctx context.Context, p string) error
	copy(ctx context.Context, src, dst string) error
	rename(ctx context.Context, src, dst string) error
	list(ctx context.Context, dir string) ([]Entry, error)
	stat(ctx context.Context) error
	close() error
}

// Sessions owns at most one live session per transport for one user. Server
// settings are fetched once and cached for the lifetime of the value.
// Sessions are created lazily and released by Close.
type Sessions struct {
	source ConfigSource
	userID int
	opts   Options

	mu      sync.Mutex
	configs map[string]*models.RemoteServerConfig
	live    map[string]session
	closed  bool
}

// NewSessions returns an empty session set for userID.
func NewSessions(source ConfigSource, userID int, opts Options) *Sessions {
	return &Sessions{
		source:  source,
		userID:  userID,
		opts:    opts.withDefaults(),
		configs: make(map[string]*models.RemoteServerConfig),
		live:    make(map[string]session),
	}
}

// config returns the cached settings for transport, fetching them on first
// use. A missing or incomplete config yields ErrNotConfigured.
func (s *Sessions) config(ctx context.Context, transport string) (*models.RemoteServerConfig, error) {
	cfg, seen := s.configs[transport]
	if !seen {
		var err error
		cfg, err = s.source.RemoteServerFor(ctx, s.userID, transport)
		switch {
		case errors.Is(err, models.ErrNotFound):
			cfg = nil
		case err != nil:
			return nil, err
		}
		if cfg != nil && !configured(cfg, transport) {
			cfg = nil
		}
		s.configs[transport] = cfg
	}
	if cfg == nil {
		return nil, ErrNotConfigured
	}
	return cfg, nil
}

func configured(cfg *models.RemoteServerConfig, transport string) bool {
	switch transport {
	case models.TransportSFTP:
		return cfg.Host != ""
	case models.TransportWebDAV:
		return cfg.ServerURL != ""
	}
	return false
}

// acquire returns the live session for transport, dialing it if needed.
func (s *Sessions) acquire(ctx context.Context, transport string) (session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, errors.New("sessions closed")
	}
	if sess, ok := s.live[transport]; ok {
		return sess, nil
	}

	cfg, err := s.config(ctx, transport)
	if err != nil {
		return nil, err
	}
	sess, err := dial(ctx, cfg, transport, s.opts)
	if err != nil {
		return nil, err
	}
	s.live[transport] = sess
	return sess, nil
}

func dial(ctx context.Context, cfg *models.RemoteServerConfig, transport string, opts Options) (session, error) {
	switch transport {
	case models.TransportSFTP:
		sess, err := dialSFTP(ctx, cfg, opts.SFTPConnectTimeout)
		if err != nil {
			return nil, err
		}
		return sess, nil
	case models.TransportWebDAV:
		return dialWebDAV(cfg, opts.WebDAVTimeout), nil
	}
	return nil, ErrNotConfigured
}

// Close releases every live session.
func (s *Sessions) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	var errs []error
	for t, sess := range s.live {
		if err := sess.close(); err != nil {
			errs = append(errs, err)
		}
		delete(s.live, t)
	}
	return errors.Join(errs...)
}
