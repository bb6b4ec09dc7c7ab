package reliability

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cofferhq/coffer/internal/database"
	testingpkg "github.com/cofferhq/coffer/internal/testing"
)

type stubMarkPruner struct {
	cutoff time.Time
	calls  int
	pruned int64
}

func (s *stubMarkPruner) PruneBefore(cutoff time.Time) (int64, error) {
	s.cutoff = cutoff
	s.calls++
	return s.pruned, nil
}

type stubSnapshotPruner struct {
	keep  int
	calls int
}

func (s *stubSnapshotPruner) Prune(keep int) (int64, error) {
	s.keep = keep
	s.calls++
	return 0, nil
}

func newTestDatabases(t *testing.T) []*database.DB {
	t.Helper()

	cacheDB, cleanupCache := testingpkg.NewTestDB(t, "cache")
	t.Cleanup(cleanupCache)
	historyDB, cleanupHistory := testingpkg.NewTestDB(t, "history")
	t.Cleanup(cleanupHistory)

	return []*database.DB{cacheDB, historyDB}
}

func TestMaintenanceService_RunHealthy(t *testing.T) {
	databases := newTestDatabases(t)
	svc := NewMaintenanceService(databases, nil, nil, nil, t.TempDir(), zerolog.Nop())

	require.NoError(t, svc.Run(context.Background()))
}

func TestMaintenanceService_RunPrunesRetention(t *testing.T) {
	databases := newTestDatabases(t)
	marks := &stubMarkPruner{}
	snapshots := &stubSnapshotPruner{}
	svc := NewMaintenanceService(databases, nil, marks, snapshots, t.TempDir(), zerolog.Nop())

	require.NoError(t, svc.Run(context.Background()))

	assert.Equal(t, 1, marks.calls)
	expectedCutoff := time.Now().UTC().AddDate(0, 0, -markRetentionDays)
	assert.WithinDuration(t, expectedCutoff, marks.cutoff, time.Minute)

	assert.Equal(t, 1, snapshots.calls)
	assert.Equal(t, snapshotsKept, snapshots.keep)
}

func TestMaintenanceService_VacuumAll(t *testing.T) {
	databases := newTestDatabases(t)
	svc := NewMaintenanceService(databases, nil, nil, nil, t.TempDir(), zerolog.Nop())

	require.NoError(t, svc.VacuumAll())
}

func TestMaintenanceService_RunVerifiesNewestBackup(t *testing.T) {
	databases := newTestDatabases(t)
	dataDir := t.TempDir()
	backups := NewBackupService(databases, nil, dataDir, 30, zerolog.Nop())
	svc := NewMaintenanceService(databases, backups, nil, nil, dataDir, zerolog.Nop())

	// No backups yet: verification is skipped, not failed
	require.NoError(t, svc.Run(context.Background()))

	_, err := backups.CreateBackup(context.Background())
	require.NoError(t, err)
	require.NoError(t, svc.Run(context.Background()))
}

func TestMaintenanceService_RunFlagsCorruptBackup(t *testing.T) {
	databases := newTestDatabases(t)
	dataDir := t.TempDir()
	backups := NewBackupService(databases, nil, dataDir, 30, zerolog.Nop())
	svc := NewMaintenanceService(databases, backups, nil, nil, dataDir, zerolog.Nop())

	archivePath, err := backups.CreateBackup(context.Background())
	require.NoError(t, err)

	// Clobber the newest archive so extraction fails
	require.NoError(t, os.WriteFile(archivePath, []byte("not a gzip stream"), 0644))

	err = svc.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failure")
}

func TestMaintenanceService_RunSurvivesClosedDatabase(t *testing.T) {
	cacheDB, cleanup := testingpkg.NewTestDB(t, "cache")
	t.Cleanup(cleanup)
	historyDB, cleanupHistory := testingpkg.NewTestDB(t, "history")
	t.Cleanup(cleanupHistory)

	// A closed handle fails its health check but must not stop
	// maintenance of the healthy database
	require.NoError(t, historyDB.Close())

	marks := &stubMarkPruner{}
	svc := NewMaintenanceService([]*database.DB{cacheDB, historyDB}, nil, marks, nil, t.TempDir(), zerolog.Nop())

	err := svc.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failure")
	assert.Equal(t, 1, marks.calls, "pruning should still run after a failed health check")
}

func TestBackupArchiveRoundTripPreservesRows(t *testing.T) {
	databases := newTestDatabases(t)
	dataDir := t.TempDir()
	backups := NewBackupService(databases, nil, dataDir, 30, zerolog.Nop())

	// Seed one row directly so the restored file provably carries data
	_, err := databases[0].Exec(
		`INSERT INTO trades (trade_id, venue, account, executed_at, symbol, side, amount, price, fee, fee_currency, cached_at)
		 VALUES ('t-1', 'gateio', 'main', 1714557600, 'XYZ_USDT', 'BUY', 100, 1.1, 0.1, 'XYZ', 1714557600)`,
	)
	require.NoError(t, err)

	archivePath, err := backups.CreateBackup(context.Background())
	require.NoError(t, err)

	scratch := t.TempDir()
	_, err = extractArchive(archivePath, scratch)
	require.NoError(t, err)

	restored, err := database.New(database.Config{
		Path:    filepath.Join(scratch, "cache.db"),
		Profile: database.ProfileStandard,
		Name:    "restored",
	})
	require.NoError(t, err)
	defer restored.Close()

	var count int
	require.NoError(t, restored.QueryRow(`SELECT COUNT(*) FROM trades WHERE trade_id = 't-1'`).Scan(&count))
	assert.Equal(t, 1, count)
}
