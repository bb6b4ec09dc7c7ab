// Package di provides dependency injection for services.
package di

import (
	"fmt"
	"time"

	"github.com/cofferhq/coffer/internal/config"
	"github.com/cofferhq/coffer/internal/domain"
	"github.com/cofferhq/coffer/internal/modules/ingest"
	"github.com/cofferhq/coffer/internal/modules/ledger"
	"github.com/cofferhq/coffer/internal/modules/pricehist"
	"github.com/cofferhq/coffer/internal/reliability"
	"github.com/cofferhq/coffer/internal/resilience"
	"github.com/cofferhq/coffer/internal/venues"
	"github.com/cofferhq/coffer/internal/venues/gateio"
	"github.com/cofferhq/coffer/internal/venues/lbank"
	"github.com/cofferhq/coffer/internal/venues/mock"
	"github.com/cofferhq/coffer/internal/venues/pricefeed"
	"github.com/rs/zerolog"
)

// InitializeServices creates all services and wires them together.
// Must run after InitializeRepositories.
func InitializeServices(container *Container, cfg *config.Config, log zerolog.Logger) error {
	if container.CacheRepo == nil {
		return fmt.Errorf("repositories must be initialized before services")
	}

	callTimeout := time.Duration(cfg.CallTimeoutSecs) * time.Second

	// Circuit breaker registry shared by every venue client. Zero
	// config takes the breaker's built-in thresholds.
	container.Breakers = resilience.NewRegistry(resilience.BreakerConfig{}, log)

	// One resilient client per configured venue-account
	clients, err := buildVenueClients(container.Breakers, cfg, callTimeout, log)
	if err != nil {
		return err
	}
	container.Clients = clients

	// Ingestion coordinator fans out over all venue clients
	container.Coordinator = ingest.NewCoordinator(clients, container.CacheRepo, container.RunRepo, callTimeout, log)

	// Streaming price feed is optional; reports fall back to venue
	// REST prices without it
	if cfg.PriceFeedEnabled {
		container.Feed = pricefeed.New("", []string{cfg.Symbol()}, log)
	}

	// FIFO report builder. The feed is passed through an interface, so
	// a disabled feed must stay an untyped nil.
	var feed ledger.PriceFeed
	if container.Feed != nil {
		feed = container.Feed
	}
	var opening *domain.OpeningInventory
	if cfg.OpeningAmount > 0 {
		opening = &domain.OpeningInventory{
			Symbol:   cfg.Symbol(),
			Amount:   cfg.OpeningAmount,
			AvgPrice: cfg.OpeningAvgPrice,
		}
	}
	container.ReportService = ledger.NewService(
		container.CacheRepo,
		container.RunRepo,
		container.Coordinator,
		feed,
		cfg.BaseAsset,
		cfg.QuoteAsset,
		opening,
		log,
	)

	// Daily price mark history
	container.PriceService = pricehist.NewService(container.MarkRepo, log)

	// Backup service; R2 replication only when credentials are configured
	var r2 *reliability.R2Client
	retentionDays := 30
	if cfg.Backup != nil {
		if cfg.Backup.RetentionDays > 0 {
			retentionDays = cfg.Backup.RetentionDays
		}
		if cfg.Backup.Enabled {
			r2, err = reliability.NewR2Client(
				cfg.Backup.AccountID,
				cfg.Backup.AccessKeyID,
				cfg.Backup.SecretAccessKey,
				cfg.Backup.BucketName,
				log,
			)
			if err != nil {
				return fmt.Errorf("failed to initialize R2 client: %w", err)
			}
		}
	}
	container.BackupService = reliability.NewBackupService(container.Databases(), r2, cfg.DataDir, retentionDays, log)

	// Maintenance pass prunes old marks and snapshots
	container.MaintenanceService = reliability.NewMaintenanceService(
		container.Databases(),
		container.BackupService,
		container.MarkRepo,
		container.SnapshotRepo,
		cfg.DataDir,
		log,
	)

	log.Info().
		Int("venue_accounts", len(clients)).
		Bool("mock_venues", cfg.MockVenues).
		Bool("price_feed", cfg.PriceFeedEnabled).
		Bool("offsite_backup", r2 != nil).
		Msg("Services initialized")

	return nil
}

// buildVenueClients constructs one resilient client per configured
// venue-account. Mock mode swaps every adapter for the deterministic
// in-process fake while keeping the resilience stack in place.
func buildVenueClients(breakers *resilience.Registry, cfg *config.Config, callTimeout time.Duration, log zerolog.Logger) ([]ingest.VenueClient, error) {
	clientCfg := venues.DefaultClientConfig()
	if cfg.FetchPageSize > 0 {
		clientCfg.PageSize = cfg.FetchPageSize
	}
	if cfg.FetchMaxPages > 0 {
		clientCfg.MaxPages = cfg.FetchMaxPages
	}

	var clients []ingest.VenueClient
	for _, cred := range cfg.Venues {
		var adapter venues.Adapter
		if cfg.MockVenues {
			adapter = mock.New(cred.Venue, cred.Account, cfg.Symbol(), log)
		} else {
			switch cred.Venue {
			case "gateio":
				adapter = gateio.New(gateio.Config{
					Account:   cred.Account,
					APIKey:    cred.APIKey,
					APISecret: cred.APISecret,
					Pair:      cfg.Symbol(),
					Timeout:   callTimeout,
				}, log)
			case "lbank":
				adapter = lbank.New(lbank.Config{
					Account:   cred.Account,
					APIKey:    cred.APIKey,
					APISecret: cred.APISecret,
					Pair:      cfg.Symbol(),
					Timeout:   callTimeout,
				}, log)
			default:
				return nil, fmt.Errorf("unknown venue %q in configuration", cred.Venue)
			}
		}

		breaker := breakers.For(cred.Venue + ":" + cred.Account)
		clients = append(clients, venues.NewClient(adapter, breaker, clientCfg, log))
	}

	return clients, nil
}
