package server

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sweatpool/sweatpool/settlement"
)

func TestReadingNonExistingConfigFile(t *testing.T) {
	cfg := Config{
		ConfigFile: "non-existing-file",
	}
	_, err := ReadConfigFile(&cfg)
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestReadConfigFile(t *testing.T) {
	// Arrange
	dir := t.TempDir()
	cfg := &Config{
		ConfigFile: filepath.Join(dir, "config.ini"),
	}
	content := "datadir = /tmp\n\n[Service]\nzero-winner-policy = retain\nsweep-interval = 30s\n"
	err := os.WriteFile(cfg.ConfigFile, []byte(content), 0o600)
	require.NoError(t, err)

	cfg, err = ReadConfigFile(cfg)
	require.NoError(t, err)
	require.Equal(t, "/tmp", cfg.DataDir)
	require.Equal(t, settlement.Retain, cfg.Service.ZeroWinnerPolicy)
	require.Equal(t, 30*time.Second, cfg.Service.SweepInterval)
}

func TestReadConfigFileInvalidPolicy(t *testing.T) {
	dir := t.TempDir()
	cfg := &Config{
		ConfigFile: filepath.Join(dir, "config.ini"),
	}
	err := os.WriteFile(cfg.ConfigFile, []byte("[Service]\nzero-winner-policy = refund\n"), 0o600)
	require.NoError(t, err)

	_, err = ReadConfigFile(cfg)
	require.Error(t, err)
}

func TestReadConfigFilePathNotSet(t *testing.T) {
	cfg, err := ReadConfigFile(&Config{})
	require.NoError(t, err)
	require.Equal(t, &Config{}, cfg)
}

func TestSetupConfig(t *testing.T) {
	t.Parallel()
	t.Run("directories follow pool dir", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.PoolDir = t.TempDir()

		cfg, err := SetupConfig(cfg)
		require.NoError(t, err)
		require.Equal(t, filepath.Join(cfg.PoolDir, defaultDataDirname), cfg.DataDir)
		require.Equal(t, filepath.Join(cfg.PoolDir, defaultDbDirName), cfg.DbDir)
		require.Equal(t, filepath.Join(cfg.PoolDir, defaultLogDirname), cfg.LogDir)
		require.Equal(t, filepath.Join(cfg.DbDir, defaultVaultFilename), cfg.VaultFile)
	})
	t.Run("explicit directories are kept", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.PoolDir = t.TempDir()
		cfg.DbDir = filepath.Join(t.TempDir(), "elsewhere")
		cfg.VaultFile = filepath.Join(t.TempDir(), "funds.db")

		got, err := SetupConfig(cfg)
		require.NoError(t, err)
		require.Equal(t, cfg.DbDir, got.DbDir)
		require.Equal(t, cfg.VaultFile, got.VaultFile)
	})
	t.Run("rejects unknown policy", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.PoolDir = t.TempDir()
		cfg.Service.ZeroWinnerPolicy = "refund"

		_, err := SetupConfig(cfg)
		require.Error(t, err)
	})
}

func TestCleanAndExpandPath(t *testing.T) {
	t.Setenv("SWEATPOOL_TEST_DIR", "/srv/pool")
	require.Equal(t, "/srv/pool/db", cleanAndExpandPath("$SWEATPOOL_TEST_DIR/./db/"))
	require.Empty(t, cleanAndExpandPath(""))
}
