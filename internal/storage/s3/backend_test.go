package s3

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/apper-apps/magnavaultdrive/internal/models"
)

func TestConfigFromSettings(t *testing.T) {
	base := BackendConfig{
		Endpoint: "https://s3.wasabisys.com",
		Bucket:   "vaultdrive",
		Region:   "us-east-1",
	}
	settings := []models.PlatformSetting{
		{Name: models.SettingWasabiAccessKey, Value: "AKIA"},
		{Name: models.SettingWasabiSecretKey, Value: "secret"},
		{Name: models.SettingWasabiBucketName, Value: ""},
		{Name: models.SettingWasabiRegion, Value: "eu-central-1"},
		{Name: "site_name", Value: "ignored"},
	}

	cfg := ConfigFromSettings(base, settings)
	assert.Equal(t, "AKIA", cfg.AccessKey)
	assert.Equal(t, "secret", cfg.SecretKey)
	assert.Equal(t, "vaultdrive", cfg.Bucket, "empty setting keeps base value")
	assert.Equal(t, "eu-central-1", cfg.Region)
	assert.Equal(t, "https://s3.wasabisys.com", cfg.Endpoint)
	assert.True(t, cfg.Configured())
}

func TestConfigured(t *testing.T) {
	assert.False(t, BackendConfig{Bucket: "b"}.Configured())
	assert.False(t, BackendConfig{AccessKey: "a", SecretKey: "s"}.Configured())
	assert.True(t, BackendConfig{Bucket: "b", AccessKey: "a", SecretKey: "s"}.Configured())
}
