package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joss/scribe/internal/testutil"
)

// isolate points the home directory at a temp dir and clears caches.
func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	testutil.SetEnv(t, "SCRIBE_HOME", dir)
	ResetPaths()
	ResetEnv()
	t.Cleanup(func() {
		ResetPaths()
		ResetEnv()
	})
	return dir
}

func TestEnv(t *testing.T) {
	isolate(t)
	testutil.SetEnv(t, "SCRIBE_STORE", "mongo")
	testutil.SetEnv(t, "SCRIBE_MONGO_DB", "docs")
	testutil.SetEnv(t, "SCRIBE_BACKEND_TIMEOUT", "30s")
	testutil.SetEnv(t, "SCRIBE_MAX_RETRIES", "5")

	env, err := Env()
	require.NoError(t, err)

	assert.Equal(t, "mongo", env.Store)
	assert.Equal(t, "docs", env.MongoDB)
	assert.Equal(t, 30*time.Second, env.BackendTimeout)
	assert.Equal(t, 60*time.Second, env.Lease())
	assert.Equal(t, 5, env.MaxRetries)
}

func TestEnvDefaults(t *testing.T) {
	dir := isolate(t)

	env, err := Env()
	require.NoError(t, err)

	assert.Equal(t, ":8080", env.Addr)
	assert.Equal(t, "sqlite", env.Store)
	assert.Equal(t, 3, env.MaxRetries)
	assert.Equal(t, 120*time.Second, env.BackendTimeout)
	assert.Equal(t, 240*time.Second, env.Lease())
	assert.Equal(t, 15*time.Second, env.KeepAlive)
	assert.Equal(t, filepath.Join(dir, "data", "scribe.db"), env.SQLiteFile())
}

func TestEnvFile(t *testing.T) {
	dir := isolate(t)
	testutil.WriteFile(t, dir, ".env", "SCRIBE_MODEL=from-file\nSCRIBE_USER=filer\n")
	testutil.SetEnv(t, "SCRIBE_USER", "process")
	t.Cleanup(func() { os.Unsetenv("SCRIBE_MODEL") })

	env, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "from-file", env.Model)
	assert.Equal(t, "process", env.User, "process environment wins")
}

func TestEnvValidation(t *testing.T) {
	tests := []struct {
		key, value string
	}{
		{"SCRIBE_STORE", "postgres"},
		{"SCRIBE_AUTH", "oauth"},
		{"SCRIBE_MAX_RETRIES", "0"},
		{"SCRIBE_BACKEND_TIMEOUT", "soon"},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			isolate(t)
			testutil.SetEnv(t, tt.key, tt.value)
			_, err := Load()
			assert.Error(t, err)
		})
	}
}

func TestEnvSingleton(t *testing.T) {
	isolate(t)

	env1, err := Env()
	require.NoError(t, err)
	env2, _ := Env()

	// Should return same instance
	assert.Same(t, env1, env2)
}

func TestResetEnv(t *testing.T) {
	isolate(t)
	testutil.SetEnv(t, "SCRIBE_MODEL", "first")
	env1, err := Env()
	require.NoError(t, err)
	assert.Equal(t, "first", env1.Model)

	testutil.SetEnv(t, "SCRIBE_MODEL", "second")
	ResetEnv()

	env2, err := Env()
	require.NoError(t, err)
	assert.Equal(t, "second", env2.Model)
}

func TestPaths(t *testing.T) {
	dir := isolate(t)
	p := GetPaths()
	assert.Equal(t, dir, p.Home)
	assert.Equal(t, filepath.Join(dir, "logs"), p.Logs)
	assert.Equal(t, filepath.Join(dir, "data", "x.db"), Path("data", "x.db"))

	require.NoError(t, EnsureDir(p.Data))
	assert.DirExists(t, p.Data)
}
