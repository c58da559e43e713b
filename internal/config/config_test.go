package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pacs-server/internal/config"
)

func setBaseEnv(t *testing.T) {
	t.Setenv("JWT_SECRET", "secret")
	t.Setenv("STORE", "memory")
	t.Setenv("S3_ENDPOINT", "localhost:9000")
	t.Setenv("S3_ACCESS_KEY", "minio")
	t.Setenv("S3_SECRET_KEY", "minio123")
}

func TestLoad_Defaults(t *testing.T) {
	setBaseEnv(t)

	cfg, err := config.Load("")
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "development", cfg.Environment)
	assert.Equal(t, config.StoreMemory, cfg.Store)
	assert.Equal(t, config.ObjectStoreMinio, cfg.ObjectStore)
	assert.Equal(t, "pacs-masks", cfg.S3Bucket)
	assert.Equal(t, 24*time.Hour, cfg.JWTTTL)
	assert.Equal(t, time.Hour, cfg.UploadURLTTL)
	assert.Equal(t, 24*time.Hour, cfg.UploadURLMaxTTL)
	assert.Equal(t, 30*time.Second, cfg.RequestTimeout)
	assert.False(t, cfg.UploadVerify)
	assert.Empty(t, cfg.AutoJoinProjectIDs)
}

func TestLoad_Environment(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("PORT", "9090")
	t.Setenv("PACS_PORT", "9191")
	t.Setenv("UPLOAD_VERIFY", "true")
	t.Setenv("UPLOAD_URL_TTL", "15m")
	t.Setenv("AUTO_JOIN_PROJECT_IDS", "1, 2,,3")
	t.Setenv("CORS_ORIGINS", "http://localhost:3000,https://viewer.example.com")

	cfg, err := config.Load("")
	require.NoError(t, err)

	assert.Equal(t, "9191", cfg.Port, "prefixed variables win")
	assert.True(t, cfg.UploadVerify)
	assert.Equal(t, 15*time.Minute, cfg.UploadURLTTL)
	assert.Equal(t, []int64{1, 2, 3}, cfg.AutoJoinProjectIDs)
	assert.Equal(t, []string{"http://localhost:3000", "https://viewer.example.com"}, cfg.CORSOrigins)
}

func TestLoad_File(t *testing.T) {
	setBaseEnv(t)
	path := filepath.Join(t.TempDir(), "pacs.yaml")
	require.NoError(t, os.WriteFile(path, []byte("port: \"7000\"\nqido_base_url: http://orthanc:8042/dicom-web\n"), 0o600))

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, "7000", cfg.Port)
	assert.Equal(t, "http://orthanc:8042/dicom-web", cfg.QIDOBaseURL)
}

func TestLoad_Invalid(t *testing.T) {
	for name, env := range map[string]map[string]string{
		"missing secret":       {"JWT_SECRET": ""},
		"postgres without url": {"STORE": "postgres"},
		"unknown store":        {"STORE": "sqlite"},
		"supabase without key": {"OBJECT_STORE": "supabase", "SUPABASE_URL": "https://x.supabase.co"},
		"ttl above max":        {"UPLOAD_URL_TTL": "48h"},
		"bad auto join":        {"AUTO_JOIN_PROJECT_IDS": "1,abc"},
	} {
		t.Run(name, func(t *testing.T) {
			setBaseEnv(t)
			for key, value := range env {
				t.Setenv(key, value)
			}
			_, err := config.Load("")
			assert.Error(t, err)
		})
	}
}
