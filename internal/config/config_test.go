package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// chdirTemp runs the test from an empty directory so no stray config.yaml or
// .env file is picked up.
func chdirTemp(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(wd) })
	return dir
}

func TestLoad_DefaultsWithSecret(t *testing.T) {
	chdirTemp(t)
	t.Setenv("JWT_SECRET", "test-secret")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 1, cfg.Matching.Threshold)
	assert.Equal(t, 30*time.Minute, cfg.Matching.QueueTTL)
	assert.Equal(t, 24*time.Hour, cfg.Session.ExpireAfter)
	assert.Equal(t, 1000, cfg.Session.MaxMessageChars)
	assert.Equal(t, "uid", cfg.Auth.CookieName)
}

func TestLoad_MissingSecret(t *testing.T) {
	chdirTemp(t)
	t.Setenv("JWT_SECRET", "")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "auth.jwt_secret")
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	dir := chdirTemp(t)
	yaml := "matching:\n  threshold: 3\nredis:\n  addr: file-redis:6379\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o600))

	t.Setenv("JWT_SECRET", "test-secret")
	t.Setenv("REDIS_ADDR", "env-redis:6379")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 3, cfg.Matching.Threshold)
	assert.Equal(t, "env-redis:6379", cfg.Redis.Addr)
}

func TestLoad_CORSOriginsFromEnv(t *testing.T) {
	chdirTemp(t)
	t.Setenv("JWT_SECRET", "test-secret")
	t.Setenv("CORS_ORIGINS", "https://a.example, https://b.example")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.Server.CORSOrigins)
}

func TestValidate_RejectsBadValues(t *testing.T) {
	cfg := defaultConfig()
	cfg.Auth.JWTSecret = "x"
	cfg.Matching.Threshold = -1
	cfg.Session.ExpireAfter = 0

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "matching.threshold")
	assert.Contains(t, err.Error(), "session.expire_after")
}

func TestEnvTransformFunc(t *testing.T) {
	assert.Equal(t, "gateway.worker_pool_size", envTransformFunc("WORKER_POOL_SIZE"))
	assert.Equal(t, "", envTransformFunc("HOME"))
}
