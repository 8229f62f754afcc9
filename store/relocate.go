package store

import (
	"context"
	"fmt"
	"os"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"go.uber.org/zap"

	"github.com/sweatpool/sweatpool/logging"
)

// Relocate moves the database at oldPath to path by copying every key in a
// single transaction and removing the old database afterwards.
// It does nothing when oldPath does not hold a database. It refuses to
// overwrite an existing database at path.
func Relocate(ctx context.Context, path, oldPath string) error {
	logger := logging.FromContext(ctx).With(zap.String("from", oldPath), zap.String("to", path))
	if oldPath == path {
		logger.Debug("database already in place")
		return nil
	}

	if _, err := os.Stat(oldPath); os.IsNotExist(err) {
		logger.Debug("no database to relocate")
		return nil
	}
	oldDb, err := leveldb.OpenFile(oldPath, &opt.Options{ErrorIfMissing: true})
	switch {
	case os.IsNotExist(err):
		logger.Debug("no database to relocate")
		return nil
	case err != nil:
		return fmt.Errorf("opening database @ %s: %w", oldPath, err)
	}
	defer oldDb.Close()

	logger.Info("relocating database")
	target, err := leveldb.OpenFile(path, &opt.Options{ErrorIfExist: true})
	if err != nil {
		return fmt.Errorf("opening target database @ %s: %w", path, err)
	}
	defer target.Close()

	tx, err := target.OpenTransaction()
	if err != nil {
		return fmt.Errorf("opening transaction: %w", err)
	}
	iter := oldDb.NewIterator(nil, nil)
	defer iter.Release()
	var copied int
	for iter.Next() {
		if err := tx.Put(iter.Key(), iter.Value(), nil); err != nil {
			tx.Discard()
			return fmt.Errorf("copying key %X: %w", iter.Key(), err)
		}
		copied++
	}
	if err := iter.Error(); err != nil {
		tx.Discard()
		return fmt.Errorf("iterating %s: %w", oldPath, err)
	}
	iter.Release()
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}

	if err := oldDb.Close(); err != nil {
		return fmt.Errorf("closing database @ %s: %w", oldPath, err)
	}
	if err := os.RemoveAll(oldPath); err != nil {
		return fmt.Errorf("removing database @ %s: %w", oldPath, err)
	}
	logger.Info("database relocated", zap.Int("keys", copied))
	return nil
}
