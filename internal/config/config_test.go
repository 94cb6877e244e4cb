package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadRequiresDatabaseURL(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("JWT_SECRET", "secret")
	t.Setenv("CONFIG_FILE", "")

	if _, err := Load(); err == nil {
		t.Fatal("expected error when DATABASE_URL is missing")
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/vault")
	t.Setenv("JWT_SECRET", "secret")
	t.Setenv("CONFIG_FILE", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ListenAddr != ":8080" {
		t.Errorf("ListenAddr = %q, want :8080", cfg.ListenAddr)
	}
	if cfg.SFTPConnectTimeout != 20*time.Second {
		t.Errorf("SFTPConnectTimeout = %v, want 20s", cfg.SFTPConnectTimeout)
	}
	if cfg.UploadEncryptDuration != time.Second || cfg.UploadTransferDuration != 2*time.Second {
		t.Errorf("unexpected upload durations: %v / %v", cfg.UploadEncryptDuration, cfg.UploadTransferDuration)
	}
	if cfg.UploadEncryptionKey != nil {
		t.Error("expected no encryption key by default")
	}
}

func TestLoadFileOverlay(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "vaultdrive.yaml")
	content := "DATABASE_URL: postgres://file/vault\nJWT_SECRET: from-file\nLISTEN_ADDR: \":9999\"\nTRASH_RETENTION: 72h\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	t.Setenv("CONFIG_FILE", path)
	t.Setenv("DATABASE_URL", "")
	t.Setenv("JWT_SECRET", "")
	t.Setenv("LISTEN_ADDR", ":7000")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DatabaseURL != "postgres://file/vault" {
		t.Errorf("DatabaseURL = %q", cfg.DatabaseURL)
	}
	// Environment wins over the file.
	if cfg.ListenAddr != ":7000" {
		t.Errorf("ListenAddr = %q, want :7000", cfg.ListenAddr)
	}
	if cfg.TrashRetention != 72*time.Hour {
		t.Errorf("TrashRetention = %v, want 72h", cfg.TrashRetention)
	}
}

func TestLoadRejectsBadEncryptionKey(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/vault")
	t.Setenv("JWT_SECRET", "secret")
	t.Setenv("CONFIG_FILE", "")
	t.Setenv("UPLOAD_ENCRYPTION_KEY", "abcd")

	if _, err := Load(); err == nil {
		t.Fatal("expected error for short encryption key")
	}
}
