// Package di provides dependency injection type definitions.
//
// This package defines the Container type which holds all application
// dependencies. The Container is the single source of truth for all
// service instances and is handed to the HTTP server and the scheduler.
package di

import (
	"github.com/cofferhq/coffer/internal/database"
	"github.com/cofferhq/coffer/internal/modules/ingest"
	"github.com/cofferhq/coffer/internal/modules/ledger"
	"github.com/cofferhq/coffer/internal/modules/pricehist"
	"github.com/cofferhq/coffer/internal/modules/snapshots"
	"github.com/cofferhq/coffer/internal/reliability"
	"github.com/cofferhq/coffer/internal/resilience"
	"github.com/cofferhq/coffer/internal/scheduler"
	"github.com/cofferhq/coffer/internal/venues/pricefeed"
)

// Container holds all dependencies for the application.
//
// Created by Wire() in dependency order: databases, then repositories,
// then services, then scheduled jobs.
//
// Architecture:
// - Databases: cache.db (durable trade cache, ledger profile) and
//   history.db (price marks and report snapshots, standard profile)
// - Venue access: one resilient client per configured venue-account,
//   sharing a circuit breaker registry
// - Services: ingestion coordinator, FIFO report builder, price mark
//   history, backup and maintenance
type Container struct {
	// Databases
	CacheDB   *database.DB
	HistoryDB *database.DB

	// Repositories
	CacheRepo    *ingest.CacheRepository
	RunRepo      *ingest.RunRepository
	MarkRepo     *pricehist.MarkRepository
	SnapshotRepo *snapshots.Repository

	// Venue access
	Breakers *resilience.Registry
	Clients  []ingest.VenueClient
	Feed     *pricefeed.Feed // nil unless the streaming feed is enabled

	// Services
	Coordinator        *ingest.Coordinator
	ReportService      *ledger.Service
	PriceService       *pricehist.Service
	BackupService      *reliability.BackupService
	MaintenanceService *reliability.MaintenanceService

	// Scheduler (populated by RegisterJobs)
	Scheduler *scheduler.Scheduler
}

// JobInstances holds references to scheduled jobs for manual triggering
// via the API.
type JobInstances struct {
	Sync        *scheduler.SyncJob
	Backup      *scheduler.BackupJob
	Maintenance *scheduler.MaintenanceJob
}

// Databases returns every database the container owns, in close order.
func (c *Container) Databases() []*database.DB {
	return []*database.DB{c.CacheDB, c.HistoryDB}
}

// Close releases all held resources. Safe to call on a partially
// initialized container.
func (c *Container) Close() {
	if c.CacheDB != nil {
		c.CacheDB.Close()
	}
	if c.HistoryDB != nil {
		c.HistoryDB.Close()
	}
}
