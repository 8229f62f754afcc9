// Package migrations moves data written by older layouts of the pool
// directory to where the current server expects it.
package migrations

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/sweatpool/sweatpool/logging"
	"github.com/sweatpool/sweatpool/server"
)

type migration struct {
	name string
	run  func(context.Context, *server.Config) error
}

// Ordered. Every migration must be a no-op when there is nothing to migrate.
var migrations = []migration{
	{"state db to dbdir", migrateStateDb},
	{"vault to dbdir", migrateVault},
}

// Migrate runs all migrations against cfg. It must be called after
// server.SetupConfig and before the server is created.
func Migrate(ctx context.Context, cfg *server.Config) error {
	ctx = logging.NewContext(ctx, logging.FromContext(ctx).Named("migrations"))
	for _, m := range migrations {
		logging.FromContext(ctx).Debug("running migration", zap.String("name", m.name))
		if err := m.run(ctx, cfg); err != nil {
			return fmt.Errorf("migration %q: %w", m.name, err)
		}
	}
	return nil
}
