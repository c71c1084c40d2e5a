package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	require := require.New(t)
	for _, key := range []string{"STORAGE_DIR", "DATABASE_URL", "PORT", "DEBUG", "AUTOSAVE_INTERVAL", "CHUNK_INTERVAL", "DEVICE_ID", "SESSION_CACHE_SIZE"} {
		t.Setenv(key, "")
	}

	cfg, err := Load()
	require.NoError(err)
	require.Equal(DefaultStorageDir, cfg.StorageDir)
	require.Equal(DefaultPort, cfg.Port)
	require.False(cfg.Debug)
	require.Equal(DefaultAutosaveInterval, cfg.AutosaveInterval)
	require.Equal(DefaultChunkInterval, cfg.ChunkInterval)
	require.Equal(DefaultSessionCacheSize, cfg.SessionCacheSize)
	require.NotEmpty(cfg.DeviceID)
	require.Empty(cfg.DBDialect)
}

func TestLoadFromEnv(t *testing.T) {
	require := require.New(t)
	t.Setenv("STORAGE_DIR", "/var/lib/ledger")
	t.Setenv("DATABASE_URL", "postgresql://ledger:s3cret@db:5432/ledger?sslmode=disable")
	t.Setenv("PORT", "9090")
	t.Setenv("DEBUG", "yes")
	t.Setenv("AUTOSAVE_INTERVAL", "30s")
	t.Setenv("CHUNK_INTERVAL", "250ms")
	t.Setenv("DEVICE_ID", "tablet-7")
	t.Setenv("SESSION_CACHE_SIZE", "4")

	cfg, err := Load()
	require.NoError(err)
	require.Equal("/var/lib/ledger", cfg.StorageDir)
	require.Equal(DatabaseSchemePostgres, cfg.DBDialect)
	require.Equal(9090, cfg.Port)
	require.True(cfg.Debug)
	require.Equal(30*time.Second, cfg.AutosaveInterval)
	require.Equal(250*time.Millisecond, cfg.ChunkInterval)
	require.Equal("tablet-7", cfg.DeviceID)
	require.Equal(4, cfg.SessionCacheSize)

	debug := cfg.DebugString()
	require.NotContains(debug, "s3cret")
	require.Contains(debug, "ledger@db:5432")
}

func TestLoadRejectsUnknownScheme(t *testing.T) {
	t.Setenv("DATABASE_URL", "mysql://root@localhost/ledger")
	_, err := Load()
	require.Error(t, err)
}

func TestFlagsOverrideEnv(t *testing.T) {
	require := require.New(t)
	t.Setenv("PORT", "9090")
	t.Setenv("DATABASE_URL", "")

	cfg, err := Load()
	require.NoError(err)

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	cfg.BindFlags(fs)
	require.NoError(fs.Parse([]string{"--port", "7000", "--chunk-interval", "1s"}))
	require.NoError(cfg.Validate())
	require.Equal(7000, cfg.Port)
	require.Equal(time.Second, cfg.ChunkInterval)
	require.Equal(":7000", cfg.Addr())

	require.NoError(fs.Parse([]string{"--port", "0"}))
	require.Error(cfg.Validate())
}

func TestFlagCorrectsInvalidEnv(t *testing.T) {
	require := require.New(t)
	t.Setenv("PORT", "0")
	t.Setenv("DATABASE_URL", "")

	cfg, err := Load()
	require.NoError(err)
	require.Error(cfg.Validate())

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	cfg.BindFlags(fs)
	require.NoError(fs.Parse([]string{"--port", "7000"}))
	require.NoError(cfg.Validate())
	require.Equal(7000, cfg.Port)
}

func TestLoadDotEnv(t *testing.T) {
	require := require.New(t)
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(LoadDotEnv(path))

	require.NoError(os.WriteFile(path, []byte("SESSION_CACHE_SIZE=9\n"), 0644))
	t.Setenv("SESSION_CACHE_SIZE", "")
	os.Unsetenv("SESSION_CACHE_SIZE")
	require.NoError(LoadDotEnv(path))

	cfg, err := Load()
	require.NoError(err)
	require.Equal(9, cfg.SessionCacheSize)
}

func TestMaskKeyValueDSN(t *testing.T) {
	require.Equal(t, "host=db password=*** dbname=ledger", maskDSN(DatabaseSchemePostgres, "host=db password=hunter2 dbname=ledger"))
}
