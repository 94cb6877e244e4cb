package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/apper-apps/magnavaultdrive/internal/logging"
	"github.com/apper-apps/magnavaultdrive/internal/models"
	"github.com/apper-apps/magnavaultdrive/internal/storage/s3"
)

// ErrNoBackend is returned when a file's storage location has no live backend.
var ErrNoBackend = errors.New("storage backend not available")

// SettingsSource supplies the platform settings that carry the Wasabi keys.
type SettingsSource interface {
	ListSettings(ctx context.Context) ([]models.PlatformSetting, error)
}

type openFunc func(ctx context.Context, cfg s3.BackendConfig) (Backend, error)

func openS3(ctx context.Context, cfg s3.BackendConfig) (Backend, error) {
	return s3.NewBackend(ctx, cfg)
}

// Router resolves which backend holds a file's bytes and where new uploads go.
type Router struct {
	mu        sync.RWMutex
	local     Backend
	s3        Backend
	s3Config  s3.BackendConfig
	preferred string
	settings  SettingsSource
	base      s3.BackendConfig
	open      openFunc
}

// NewRouter creates a Router and loads the S3 settings. preferred is the
// location new uploads go to ("local" or "s3") when both are available.
func NewRouter(ctx context.Context, local Backend, settings SettingsSource, base s3.BackendConfig, preferred string) (*Router, error) {
	return newRouter(ctx, local, settings, base, preferred, openS3)
}

func newRouter(ctx context.Context, local Backend, settings SettingsSource, base s3.BackendConfig, preferred string, open openFunc) (*Router, error) {
	if local == nil {
		return nil, fmt.Errorf("local backend is required")
	}
	r := &Router{
		local:     local,
		preferred: preferred,
		settings:  settings,
		base:      base,
		open:      open,
	}
	if err := r.Reload(ctx); err != nil {
		return nil, fmt.Errorf("initial load: %w", err)
	}
	return r, nil
}

// Reload re-reads the platform settings and rebuilds the S3 backend when its
// configuration changed.
func (r *Router) Reload(ctx context.Context) error {
	var settings []models.PlatformSetting
	if r.settings != nil {
		var err error
		settings, err = r.settings.ListSettings(ctx)
		if err != nil {
			return err
		}
	}
	cfg := s3.ConfigFromSettings(r.base, settings)

	r.mu.RLock()
	existing, existingCfg := r.s3, r.s3Config
	r.mu.RUnlock()

	if existing != nil && existingCfg == cfg {
		return nil
	}

	var backend Backend
	if cfg.Configured() {
		b, err := r.open(ctx, cfg)
		if err != nil {
			logging.Error("failed to initialize s3 backend",
				zap.String("endpoint", cfg.Endpoint),
				zap.String("bucket", cfg.Bucket),
				zap.Error(err))
		} else {
			backend = b
		}
	}

	r.mu.Lock()
	r.s3, r.s3Config = backend, cfg
	r.mu.Unlock()

	if existing != nil {
		existing.Close()
	}

	logging.Info("storage router reloaded",
		zap.Bool("s3", backend != nil),
		zap.String("preferred", r.preferred))
	return nil
}

// ForUpload returns the backend new uploads are written to and its location name.
func (r *Router) ForUpload() (Backend, string) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.preferred == models.LocationS3 && r.s3 != nil {
		return r.s3, models.LocationS3
	}
	return r.local, models.LocationLocal
}

// ForLocation returns the backend that holds files stored at location.
func (r *Router) ForLocation(location string) (Backend, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	switch location {
	case models.LocationLocal, "":
		return r.local, nil
	case models.LocationS3:
		if r.s3 == nil {
			return nil, fmt.Errorf("%s: %w", location, ErrNoBackend)
		}
		return r.s3, nil
	default:
		return nil, fmt.Errorf("%s: %w", location, ErrNoBackend)
	}
}

// Close closes all backend connections.
func (r *Router) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var errs []error
	if r.s3 != nil {
		errs = append(errs, r.s3.Close())
	}
	errs = append(errs, r.local.Close())
	return errors.Join(errs...)
}
