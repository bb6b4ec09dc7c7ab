// Package di provides dependency injection for database connections.
package di

import (
	"fmt"

	"github.com/cofferhq/coffer/internal/config"
	"github.com/cofferhq/coffer/internal/database"
	"github.com/rs/zerolog"
)

// InitializeDatabases opens both databases and applies schemas
func InitializeDatabases(cfg *config.Config, log zerolog.Logger) (*Container, error) {
	container := &Container{}

	// 1. cache.db - Durable trade cache (trades, transfers, ingest runs).
	// Ledger profile: this data cannot be refetched once venue retention
	// windows pass, so durability beats speed here.
	cacheDB, err := database.New(database.Config{
		Path:    cfg.DataDir + "/cache.db",
		Profile: database.ProfileLedger,
		Name:    "cache",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize cache database: %w", err)
	}
	container.CacheDB = cacheDB

	// 2. history.db - Derived data (daily price marks, report snapshots)
	historyDB, err := database.New(database.Config{
		Path:    cfg.DataDir + "/history.db",
		Profile: database.ProfileStandard,
		Name:    "history",
	})
	if err != nil {
		cacheDB.Close()
		return nil, fmt.Errorf("failed to initialize history database: %w", err)
	}
	container.HistoryDB = historyDB

	// Apply schemas
	for _, db := range container.Databases() {
		if err := db.Migrate(); err != nil {
			cacheDB.Close()
			historyDB.Close()
			return nil, fmt.Errorf("failed to migrate %s database: %w", db.Name(), err)
		}
	}

	log.Info().
		Str("data_dir", cfg.DataDir).
		Msg("Databases initialized")

	return container, nil
}
