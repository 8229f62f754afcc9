package migrations

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/sweatpool/sweatpool/logging"
	"github.com/sweatpool/sweatpool/server"
	"github.com/sweatpool/sweatpool/service"
	"github.com/sweatpool/sweatpool/store"
)

const legacyVaultFilename = "vault.db"

// migrateStateDb moves the state database out of the data directory.
func migrateStateDb(ctx context.Context, cfg *server.Config) error {
	path := filepath.Join(cfg.DbDir, service.StateDbName)
	oldPath := filepath.Join(cfg.DataDir, service.StateDbName)
	if err := store.Relocate(ctx, path, oldPath); err != nil {
		return fmt.Errorf("relocating state DB %s -> %s: %w", oldPath, path, err)
	}
	return nil
}

// migrateVault moves a vault file kept in the data directory to the
// configured vault path unless a vault already exists there.
func migrateVault(ctx context.Context, cfg *server.Config) error {
	oldPath := filepath.Join(cfg.DataDir, legacyVaultFilename)
	if oldPath == cfg.VaultFile {
		return nil
	}
	if _, err := os.Stat(oldPath); errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if _, err := os.Stat(cfg.VaultFile); err == nil {
		return fmt.Errorf("both %s and %s exist", oldPath, cfg.VaultFile)
	}

	logging.FromContext(ctx).Info("moving vault", zap.String("from", oldPath), zap.String("to", cfg.VaultFile))
	if err := os.MkdirAll(filepath.Dir(cfg.VaultFile), 0o700); err != nil {
		return err
	}
	if err := os.Rename(oldPath, cfg.VaultFile); err != nil {
		return fmt.Errorf("moving vault: %w", err)
	}
	return nil
}
