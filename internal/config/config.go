// Package config loads configuration from environment variables, optionally
// layered over a YAML file named by CONFIG_FILE.
package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all server configuration.
type Config struct {
	// Server
	ListenAddr    string
	MetricsAddr   string
	PublicBaseURL string

	// Logging
	LogLevel  string
	LogFormat string

	// Database
	DatabaseURL string

	// TLS (optional; if both set, server uses HTTPS)
	TLSCertFile string
	TLSKeyFile  string

	// Auth
	JWTSecret string

	// Primary storage backend ("local" or "s3", default: "local").
	// Wasabi keys stored as platform settings take precedence over the S3 values here.
	StorageBackend   string
	LocalStoragePath string
	S3Endpoint       string
	S3Bucket         string
	S3AccessKey      string
	S3SecretKey      string
	S3Region         string

	// Remote transports
	SFTPConnectTimeout time.Duration
	WebDAVTimeout      time.Duration

	// Uploads
	MaxUploadSize          int64
	UploadEncryptDuration  time.Duration
	UploadTransferDuration time.Duration
	UploadEncryptionKey    []byte

	// Quotas (defaults for new users)
	DefaultMaxStorage     int64
	DefaultRequestsPerMin int

	// Trash
	TrashRetention time.Duration
}

// source resolves a key from the environment first, then the YAML overlay.
type source struct {
	file map[string]string
}

// Load reads configuration from environment variables with defaults.
func Load() (*Config, error) {
	src := source{}
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		m, err := readFile(path)
		if err != nil {
			return nil, err
		}
		src.file = m
	}
	return src.load()
}

func readFile(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file %s: %w", path, err)
	}
	m := make(map[string]string)
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse config file %s: %w", path, err)
	}
	return m, nil
}

func (s source) load() (*Config, error) {
	cfg := &Config{
		ListenAddr:             s.envOr("LISTEN_ADDR", ":8080"),
		MetricsAddr:            s.envOr("METRICS_ADDR", ":9090"),
		PublicBaseURL:          s.envOr("PUBLIC_BASE_URL", "http://localhost:8080"),
		LogLevel:               s.envOr("LOG_LEVEL", "info"),
		LogFormat:              s.envOr("LOG_FORMAT", "json"),
		DatabaseURL:            s.envOr("DATABASE_URL", ""),
		TLSCertFile:            s.envOr("TLS_CERT_FILE", ""),
		TLSKeyFile:             s.envOr("TLS_KEY_FILE", ""),
		JWTSecret:              s.envOr("JWT_SECRET", ""),
		StorageBackend:         s.envOr("STORAGE_BACKEND", "local"),
		LocalStoragePath:       s.envOr("LOCAL_STORAGE_PATH", "/data/storage"),
		S3Endpoint:             s.envOr("S3_ENDPOINT", "https://s3.wasabisys.com"),
		S3Bucket:               s.envOr("S3_BUCKET", "vaultdrive"),
		S3AccessKey:            s.envOr("S3_ACCESS_KEY", ""),
		S3SecretKey:            s.envOr("S3_SECRET_KEY", ""),
		S3Region:               s.envOr("S3_REGION", "us-east-1"),
		SFTPConnectTimeout:     s.envDuration("SFTP_CONNECT_TIMEOUT", 20*time.Second),
		WebDAVTimeout:          s.envDuration("WEBDAV_TIMEOUT", 30*time.Second),
		MaxUploadSize:          s.envInt64("MAX_UPLOAD_SIZE", 100*1024*1024), // 100MB default
		UploadEncryptDuration:  s.envDuration("UPLOAD_ENCRYPT_DURATION", time.Second),
		UploadTransferDuration: s.envDuration("UPLOAD_TRANSFER_DURATION", 2*time.Second),
		DefaultMaxStorage:      s.envInt64("DEFAULT_MAX_STORAGE", 0),        // 0 = unlimited
		DefaultRequestsPerMin:  s.envInt("DEFAULT_REQUESTS_PER_MINUTE", 0), // 0 = unlimited
		TrashRetention:         s.envDuration("TRASH_RETENTION", 30*24*time.Hour),
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET is required")
	}

	if keyHex := s.envOr("UPLOAD_ENCRYPTION_KEY", ""); keyHex != "" {
		key, err := hex.DecodeString(keyHex)
		if err != nil || len(key) != 32 {
			return nil, fmt.Errorf("UPLOAD_ENCRYPTION_KEY must be 64 hex characters")
		}
		cfg.UploadEncryptionKey = key
	}

	return cfg, nil
}

func (s source) lookup(key string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return s.file[key]
}

func (s source) envOr(key, fallback string) string {
	if v := s.lookup(key); v != "" {
		return v
	}
	return fallback
}

func (s source) envInt(key string, fallback int) int {
	v := s.lookup(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return i
}

func (s source) envInt64(key string, fallback int64) int64 {
	v := s.lookup(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback
	}
	return i
}

func (s source) envDuration(key string, fallback time.Duration) time.Duration {
	v := s.lookup(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
