// Package di provides dependency injection for repositories.
package di

import (
	"fmt"

	"github.com/cofferhq/coffer/internal/modules/ingest"
	"github.com/cofferhq/coffer/internal/modules/pricehist"
	"github.com/cofferhq/coffer/internal/modules/snapshots"
	"github.com/rs/zerolog"
)

// InitializeRepositories creates all repositories over the open
// database connections. Must run after InitializeDatabases.
func InitializeRepositories(container *Container, log zerolog.Logger) error {
	if container.CacheDB == nil || container.HistoryDB == nil {
		return fmt.Errorf("databases must be initialized before repositories")
	}

	// cache.db repositories
	container.CacheRepo = ingest.NewCacheRepository(container.CacheDB.Conn(), log)
	container.RunRepo = ingest.NewRunRepository(container.CacheDB.Conn(), log)

	// history.db repositories
	container.MarkRepo = pricehist.NewMarkRepository(container.HistoryDB.Conn(), log)
	container.SnapshotRepo = snapshots.NewRepository(container.HistoryDB.Conn(), log)

	log.Debug().Msg("Repositories initialized")

	return nil
}
