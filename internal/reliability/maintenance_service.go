package reliability

import (
	"context"
	"fmt"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/cofferhq/coffer/internal/database"
)

const (
	// Daily price marks older than a year no longer move any report
	markRetentionDays = 365

	// Report snapshots kept after pruning
	snapshotsKept = 60

	diskCriticalGB = 0.5
	diskErrorGB    = 5.0
	diskWarnGB     = 10.0
)

// MarkRepositoryInterface defines the pruning contract for the price mark store
type MarkRepositoryInterface interface {
	PruneBefore(cutoff time.Time) (int64, error)
}

// SnapshotRepositoryInterface defines the pruning contract for the report snapshot store
type SnapshotRepositoryInterface interface {
	Prune(keep int) (int64, error)
}

// MaintenanceService runs the routine housekeeping pass: integrity
// checks, WAL checkpoints, disk space monitoring, retention pruning and
// verification of the newest backup archive. Vacuum rewrites whole
// database files, so it only runs on Sundays.
type MaintenanceService struct {
	databases []*database.DB
	backups   *BackupService              // nil skips backup verification
	marks     MarkRepositoryInterface     // nil skips mark pruning
	snapshots SnapshotRepositoryInterface // nil skips snapshot pruning
	dataDir   string
	log       zerolog.Logger
}

// NewMaintenanceService creates a maintenance service over the given databases
func NewMaintenanceService(
	databases []*database.DB,
	backups *BackupService,
	marks MarkRepositoryInterface,
	snapshots SnapshotRepositoryInterface,
	dataDir string,
	log zerolog.Logger,
) *MaintenanceService {
	return &MaintenanceService{
		databases: databases,
		backups:   backups,
		marks:     marks,
		snapshots: snapshots,
		dataDir:   dataDir,
		log:       log.With().Str("service", "maintenance").Logger(),
	}
}

// Run executes one maintenance pass. Individual steps log their own
// failures and the pass continues, so one sick database cannot block
// checkpoints and pruning for the others. The returned error summarizes
// how many steps failed.
func (s *MaintenanceService) Run(ctx context.Context) error {
	start := time.Now()
	failures := 0

	for _, db := range s.databases {
		if err := db.HealthCheck(ctx); err != nil {
			s.log.Error().Err(err).Str("database", db.Name()).Msg("Database failed integrity check")
			failures++
		}
	}

	s.checkpointAll()

	if err := s.checkDiskSpace(); err != nil {
		s.log.Error().Err(err).Msg("Disk space critically low")
		failures++
	}

	s.pruneRetention()

	if err := s.verifyNewestBackup(ctx); err != nil {
		s.log.Error().Err(err).Msg("Backup verification failed")
		failures++
	}

	if time.Now().UTC().Weekday() == time.Sunday {
		if err := s.VacuumAll(); err != nil {
			failures++
		}
	}

	s.logDatabaseStats()

	if failures > 0 {
		return fmt.Errorf("maintenance completed with %d failure(s)", failures)
	}

	s.log.Info().Dur("duration", time.Since(start)).Msg("Maintenance completed")
	return nil
}

// checkpointAll forces a TRUNCATE checkpoint on every database so WAL
// files shrink back to zero between syncs
func (s *MaintenanceService) checkpointAll() {
	for _, db := range s.databases {
		if err := db.WALCheckpoint("TRUNCATE"); err != nil {
			s.log.Warn().Err(err).Str("database", db.Name()).Msg("WAL checkpoint failed")
			continue
		}
		s.log.Debug().Str("database", db.Name()).Msg("WAL checkpoint completed")
	}
}

// VacuumAll compacts every database and logs the space reclaimed
func (s *MaintenanceService) VacuumAll() error {
	failures := 0

	for _, db := range s.databases {
		before, err := db.GetStats()
		if err != nil {
			s.log.Warn().Err(err).Str("database", db.Name()).Msg("Failed to read stats before vacuum")
		}

		if err := db.Vacuum(); err != nil {
			s.log.Error().Err(err).Str("database", db.Name()).Msg("Vacuum failed")
			failures++
			continue
		}

		after, err := db.GetStats()
		if err == nil && before != nil {
			s.log.Info().
				Str("database", db.Name()).
				Int64("size_before", before.SizeBytes).
				Int64("size_after", after.SizeBytes).
				Int64("reclaimed", before.SizeBytes-after.SizeBytes).
				Msg("Database vacuumed")
		}
	}

	if failures > 0 {
		return fmt.Errorf("vacuum failed for %d database(s)", failures)
	}
	return nil
}

// pruneRetention trims price marks and report snapshots past their
// retention windows. The repositories log what they deleted.
func (s *MaintenanceService) pruneRetention() {
	if s.marks != nil {
		cutoff := time.Now().UTC().AddDate(0, 0, -markRetentionDays)
		if _, err := s.marks.PruneBefore(cutoff); err != nil {
			s.log.Warn().Err(err).Msg("Failed to prune old price marks")
		}
	}

	if s.snapshots != nil {
		if _, err := s.snapshots.Prune(snapshotsKept); err != nil {
			s.log.Warn().Err(err).Msg("Failed to prune old report snapshots")
		}
	}
}

// verifyNewestBackup extracts the most recent local archive and checks
// it against its manifest
func (s *MaintenanceService) verifyNewestBackup(ctx context.Context) error {
	if s.backups == nil {
		return nil
	}

	local, err := s.backups.ListLocalBackups()
	if err != nil {
		return err
	}
	if len(local) == 0 {
		s.log.Debug().Msg("No local backups to verify yet")
		return nil
	}

	newest := local[0]
	return s.backups.VerifyBackup(ctx, filepath.Join(s.backups.BackupDir(), newest.Filename))
}

// checkDiskSpace warns as free space shrinks and errors below half a
// gigabyte, the point where a WAL checkpoint or backup could fail
func (s *MaintenanceService) checkDiskSpace() error {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(s.dataDir, &stat); err != nil {
		return fmt.Errorf("failed to stat data directory: %w", err)
	}

	availableGB := float64(stat.Bavail) * float64(stat.Bsize) / (1024 * 1024 * 1024)

	switch {
	case availableGB < diskCriticalGB:
		return fmt.Errorf("only %.2f GB free on data volume", availableGB)
	case availableGB < diskErrorGB:
		s.log.Error().Float64("available_gb", availableGB).Msg("Disk space very low")
	case availableGB < diskWarnGB:
		s.log.Warn().Float64("available_gb", availableGB).Msg("Disk space getting low")
	default:
		s.log.Debug().Float64("available_gb", availableGB).Msg("Disk space OK")
	}

	return nil
}

func (s *MaintenanceService) logDatabaseStats() {
	for _, db := range s.databases {
		stats, err := db.GetStats()
		if err != nil {
			continue
		}
		s.log.Debug().
			Str("database", db.Name()).
			Int64("size_bytes", stats.SizeBytes).
			Int64("wal_bytes", stats.WALSizeBytes).
			Int64("freelist_pages", stats.FreelistCount).
			Msg("Database stats")
	}
}
