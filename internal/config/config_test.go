package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadAppliesDefaultsWithOnlyRequiredEnvVar(t *testing.T) {
	t.Setenv("INGESTOR_DATABASE_DSN", "postgres://localhost/ingestor")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	require.Equal(t, "postgres://localhost/ingestor", cfg.DatabaseDSN)
	require.Equal(t, 4, cfg.CubeWorkers)
	require.Equal(t, 30*time.Second, cfg.CallTimeout)
	require.Equal(t, 2*time.Second, cfg.CubeRateFloor)
}

func TestLoadFileOverridesDefaultsAndEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ingestor.yaml")
	require.NoError(t, os.WriteFile(path, []byte("cube_workers: 8\nraw_file_root: /data\n"), 0o644))

	t.Setenv("INGESTOR_DATABASE_DSN", "postgres://localhost/ingestor")
	t.Setenv("INGESTOR_CUBE_WORKERS", "16")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "/data", cfg.RawFileRoot)
	require.Equal(t, 16, cfg.CubeWorkers)
}

func TestLoadRequiresDatabaseDSN(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestLoadReleaseCutoffFieldsDefaultEmpty(t *testing.T) {
	t.Setenv("INGESTOR_DATABASE_DSN", "postgres://localhost/ingestor")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	require.Equal(t, "", cfg.ReleaseTimezone)
	require.Equal(t, 0, cfg.ReleaseHour)
}

func TestLoadReleaseCutoffFieldsFromEnv(t *testing.T) {
	t.Setenv("INGESTOR_DATABASE_DSN", "postgres://localhost/ingestor")
	t.Setenv("INGESTOR_RELEASE_HOUR", "9")
	t.Setenv("INGESTOR_RELEASE_MINUTE", "15")
	t.Setenv("INGESTOR_RELEASE_TIMEZONE", "America/Winnipeg")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	require.Equal(t, 9, cfg.ReleaseHour)
	require.Equal(t, 15, cfg.ReleaseMinute)
	require.Equal(t, "America/Winnipeg", cfg.ReleaseTimezone)
}
