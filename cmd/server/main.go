// VaultDrive Server
//
// Features:
// - Prometheus metrics & structured logging (zap)
// - Encrypted uploads with progress over SSE
// - Primary storage on local disk or Wasabi/S3
// - Remote files over SFTP with WebDAV fallback
// - Share links, trash, quotas & rate limiting
package main

import (
	"context"
	"crypto/tls"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/apper-apps/magnavaultdrive/internal/api"
	"github.com/apper-apps/magnavaultdrive/internal/auth"
	"github.com/apper-apps/magnavaultdrive/internal/config"
	"github.com/apper-apps/magnavaultdrive/internal/events"
	"github.com/apper-apps/magnavaultdrive/internal/logging"
	"github.com/apper-apps/magnavaultdrive/internal/metadata/postgres"
	"github.com/apper-apps/magnavaultdrive/internal/metrics"
	"github.com/apper-apps/magnavaultdrive/internal/quota"
	"github.com/apper-apps/magnavaultdrive/internal/remote"
	"github.com/apper-apps/magnavaultdrive/internal/sharing"
	"github.com/apper-apps/magnavaultdrive/internal/storage"
	"github.com/apper-apps/magnavaultdrive/internal/storage/local"
	s3storage "github.com/apper-apps/magnavaultdrive/internal/storage/s3"
	"github.com/apper-apps/magnavaultdrive/internal/upload"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		// Can't use structured logging yet
		panic("configuration error: " + err.Error())
	}

	// Initialize structured logging
	if err := logging.Init(logging.Config{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
	}); err != nil {
		panic("logging init error: " + err.Error())
	}
	defer logging.Sync()

	logging.Info("VaultDrive server starting...",
		zap.String("listen", cfg.ListenAddr),
		zap.String("metrics", cfg.MetricsAddr))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize PostgreSQL
	logging.Info("connecting to PostgreSQL...")
	metaStore, err := postgres.New(cfg.DatabaseURL)
	if err != nil {
		logging.Fatal("database connection failed", zap.Error(err))
	}
	defer metaStore.Close()

	if dir := findMigrationsDir(); dir != "" {
		logging.Info("running migrations...", zap.String("dir", dir))
		if err := metaStore.Migrate(dir); err != nil {
			logging.Fatal("migration failed", zap.Error(err))
		}
	}

	// Initialize auth
	db := metaStore.DB()
	authHandler := auth.New(db, cfg.JWTSecret)
	if err := authHandler.EnsureDefaultAdmin(ctx); err != nil {
		logging.Error("failed to ensure default admin", zap.Error(err))
	}

	broadcaster := events.NewBroadcaster()

	// Primary storage: local disk, plus Wasabi/S3 when configured
	localBackend, err := local.New(local.Config{
		RootPath:   cfg.LocalStoragePath,
		CreateDirs: true,
	})
	if err != nil {
		logging.Fatal("local storage init failed", zap.Error(err))
	}
	storageRouter, err := storage.NewRouter(ctx, localBackend, metaStore, s3storage.BackendConfig{
		Endpoint:  cfg.S3Endpoint,
		Bucket:    cfg.S3Bucket,
		AccessKey: cfg.S3AccessKey,
		SecretKey: cfg.S3SecretKey,
		Region:    cfg.S3Region,
	}, cfg.StorageBackend)
	if err != nil {
		logging.Fatal("storage router init failed", zap.Error(err))
	}
	defer storageRouter.Close()

	// Upload sealing key
	key := cfg.UploadEncryptionKey
	if key == nil {
		logging.Warn("UPLOAD_ENCRYPTION_KEY not set; using an ephemeral key, uploads will be unreadable after restart")
		if key, err = upload.NewRandomKey(); err != nil {
			logging.Fatal("key generation failed", zap.Error(err))
		}
	}
	sealer, err := upload.NewSealer(key)
	if err != nil {
		logging.Fatal("sealer init failed", zap.Error(err))
	}

	uploads := upload.New(metaStore, storageRouter, broadcaster, sealer, upload.Options{
		EncryptDuration: cfg.UploadEncryptDuration,
		UploadDuration:  cfg.UploadTransferDuration,
	})

	remoteService := remote.NewService(metaStore, remote.Options{
		SFTPConnectTimeout: cfg.SFTPConnectTimeout,
		WebDAVTimeout:      cfg.WebDAVTimeout,
	})

	shareLinkStore := sharing.NewShareLinkStore(db, cfg.PublicBaseURL)
	quotaStore := quota.NewQuotaStore(db, quota.Quota{
		MaxStorageBytes:    cfg.DefaultMaxStorage,
		MaxUploadSizeBytes: cfg.MaxUploadSize,
		MaxRequestsPerMin:  cfg.DefaultRequestsPerMin,
	})
	rateLimiter := quota.NewRateLimiter()
	logging.Info("sharing, quota and rate limiter initialized")

	// Create API server
	srv := api.NewServer(api.Deps{
		Metadata:      metaStore,
		Storage:       storageRouter,
		Auth:          authHandler,
		Remote:        remoteService,
		Uploads:       uploads,
		Sealer:        sealer,
		Broadcaster:   broadcaster,
		ShareLinks:    shareLinkStore,
		Quotas:        quotaStore,
		RateLimiter:   rateLimiter,
		MaxUploadSize: cfg.MaxUploadSize,
	})

	// Start metrics server
	metricsServer := &http.Server{
		Addr:    cfg.MetricsAddr,
		Handler: metrics.Handler(),
	}
	go func() {
		logging.Info("metrics server listening", zap.String("addr", cfg.MetricsAddr))
		if err := metricsServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			logging.Error("metrics server error", zap.Error(err))
		}
	}()

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	useTLS := cfg.TLSCertFile != "" && cfg.TLSKeyFile != ""
	if useTLS {
		httpServer.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS13,
		}
	}

	// Graceful shutdown
	done := make(chan struct{})
	go func() {
		defer close(done)
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		logging.Info("shutting down...")
		cancel()

		shutdownCtx, stop := context.WithTimeout(context.Background(), 30*time.Second)
		defer stop()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logging.Warn("http shutdown", zap.Error(err))
		}
		metricsServer.Close()
		if err := uploads.Shutdown(shutdownCtx); err != nil {
			logging.Warn("uploads still running at shutdown", zap.Error(err))
		}
	}()

	// Periodic cleanup of idle rate limiter buckets
	go func() {
		ticker := time.NewTicker(1 * time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				rateLimiter.Cleanup(24 * time.Hour)
			}
		}
	}()

	// Periodic trash auto-purge
	go func() {
		ticker := time.NewTicker(6 * time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n, err := srv.PurgeExpiredTrash(ctx, cfg.TrashRetention)
				if err != nil {
					logging.Error("trash auto-purge failed", zap.Error(err))
					continue
				}
				if n > 0 {
					logging.Info("trash auto-purge completed", zap.Int("purged", n))
				}
			}
		}
	}()

	if useTLS {
		logging.Info("server listening (TLS 1.3)",
			zap.String("addr", cfg.ListenAddr),
			zap.String("cert", cfg.TLSCertFile))
		err = httpServer.ListenAndServeTLS(cfg.TLSCertFile, cfg.TLSKeyFile)
	} else {
		logging.Info("server listening (HTTP)", zap.String("addr", cfg.ListenAddr))
		err = httpServer.ListenAndServe()
	}
	if !errors.Is(err, http.ErrServerClosed) {
		logging.Fatal("server error", zap.Error(err))
	}
	<-done
}

func findMigrationsDir() string {
	candidates := []string{
		"migrations",
		"../migrations",
		"../../migrations",
	}

	exe, _ := os.Executable()
	if exe != "" {
		candidates = append(candidates, filepath.Join(filepath.Dir(exe), "migrations"))
	}

	for _, dir := range candidates {
		if info, err := os.Stat(dir); err == nil && info.IsDir() {
			return dir
		}
	}
	return ""
}
