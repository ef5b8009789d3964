package config

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeConfig writes a YAML config whose paths all live under a temp dir, so
// loading never creates directories in the working tree.
func writeConfig(t *testing.T, extra string) string {
	t.Helper()
	dir := t.TempDir()
	content := fmt.Sprintf(`logging:
  level: info
  output: console
paths:
  data_dir: %[1]s/data
  cache_dir: %[1]s/cache
  database_file: %[1]s/data/srag.db
  export_dir: %[1]s/exports
%s`, dir, extra)

	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, ""))
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, 4, cfg.Pipeline.ValidationWorkers)
	assert.Equal(t, 500, cfg.Pipeline.BatchSize)
	assert.Equal(t, 3, cfg.Pipeline.StageAttempts)
	assert.InDelta(t, 0.2, cfg.Pipeline.MaxRejectedFraction, 1e-9)
	assert.Equal(t, 2, cfg.Pipeline.MaxConcurrentYears)
	assert.Equal(t, 3, cfg.Sources.RetryAttempts)
	assert.Equal(t, 2*time.Second, cfg.Sources.RetryInitialDelay)
	assert.Equal(t, 30*time.Minute, cfg.Sources.DownloadTimeout)
}

func TestLoad_CreatesDirectories(t *testing.T) {
	cfg, err := Load(writeConfig(t, ""))
	require.NoError(t, err)

	for _, dir := range []string{cfg.Paths.DataDir, cfg.Paths.CacheDir, cfg.Paths.ExportDir} {
		info, err := os.Stat(dir)
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	}
}

func TestLoad_FileValues(t *testing.T) {
	cfg, err := Load(writeConfig(t, `pipeline:
  validation_workers: 8
  max_rejected_fraction: 0.05
sources:
  url_overrides:
    2021: http://mirror.example/influd21.csv
`))
	require.NoError(t, err)

	assert.Equal(t, 8, cfg.Pipeline.ValidationWorkers)
	assert.InDelta(t, 0.05, cfg.Pipeline.MaxRejectedFraction, 1e-9)
	assert.Equal(t, "http://mirror.example/influd21.csv", cfg.Sources.URLOverrides[2021])
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	t.Setenv("SRAG_PIPELINE_BATCH_SIZE", "250")
	t.Setenv("SRAG_LOGGING_LEVEL", "debug")

	cfg, err := Load(writeConfig(t, `pipeline:
  batch_size: 100
`))
	require.NoError(t, err)

	assert.Equal(t, 250, cfg.Pipeline.BatchSize)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoad_ValidationRejectsBadValues(t *testing.T) {
	t.Run("unknown log level", func(t *testing.T) {
		t.Setenv("SRAG_LOGGING_LEVEL", "loud")
		_, err := Load(writeConfig(t, ""))
		assert.Error(t, err)
	})

	t.Run("rejected fraction above one", func(t *testing.T) {
		_, err := Load(writeConfig(t, `pipeline:
  max_rejected_fraction: 1.5
`))
		assert.Error(t, err)
	})

	t.Run("too many validation workers", func(t *testing.T) {
		_, err := Load(writeConfig(t, `pipeline:
  validation_workers: 500
`))
		assert.Error(t, err)
	})
}

func TestLoad_MissingFileUsesEnvAndDefaults(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("SRAG_PATHS_DATA_DIR", filepath.Join(dir, "data"))
	t.Setenv("SRAG_PATHS_CACHE_DIR", filepath.Join(dir, "cache"))
	t.Setenv("SRAG_PATHS_DATABASE_FILE", filepath.Join(dir, "data", "srag.db"))
	t.Setenv("SRAG_PATHS_EXPORT_DIR", filepath.Join(dir, "exports"))

	cfg, err := Load(filepath.Join(dir, "does-not-exist.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 500, cfg.Pipeline.BatchSize)
}
