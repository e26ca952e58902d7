package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, DefaultMaxKernels, cfg.MaxKernels)
	assert.Equal(t, DefaultTimeout, cfg.DefaultTimeout)
	assert.Equal(t, DefaultAssetMaxAge, cfg.AssetMaxAge)
	assert.Equal(t, DefaultOrphanRing, cfg.OrphanRing)
	assert.Equal(t, DefaultListenAddr, cfg.ListenAddr)
	assert.NotEmpty(t, cfg.DataDir)

	// Token is generated when absent and must be non-guessable
	assert.Len(t, cfg.SessionToken, 64)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("DATA_DIR", "/tmp/stoker-test")
	t.Setenv("MAX_KERNELS", "3")
	t.Setenv("DEFAULT_TIMEOUT", "5")
	t.Setenv("ORPHAN_RING", "50")
	t.Setenv("SESSION_TOKEN", "secret")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "/tmp/stoker-test", cfg.DataDir)
	assert.Equal(t, 3, cfg.MaxKernels)
	assert.Equal(t, 5*time.Second, cfg.DefaultTimeout)
	assert.Equal(t, 50, cfg.OrphanRing)
	assert.Equal(t, "secret", cfg.SessionToken)
	assert.Equal(t, filepath.Join("/tmp/stoker-test", "stoker.db"), cfg.StorePath())
	assert.Equal(t, filepath.Join("/tmp/stoker-test", "assets"), cfg.AssetsDir())
}

func TestLoadConfigFileFallback(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "stoker.yaml")
	content := "kernel_command: /usr/bin/python3 -u -m custom_kernel\nmax_kernels: 7\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	t.Setenv("STOKER_CONFIG_FILE", path)
	t.Setenv("SESSION_TOKEN", "secret")
	// Env wins over file
	t.Setenv("MAX_KERNELS", "2")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "/usr/bin/python3 -u -m custom_kernel", cfg.KernelCommand)
	assert.Equal(t, 2, cfg.MaxKernels)
}

func TestLoadInvalidIntFallsBack(t *testing.T) {
	t.Setenv("MAX_KERNELS", "not-a-number")
	t.Setenv("SESSION_TOKEN", "secret")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, DefaultMaxKernels, cfg.MaxKernels)
}
