// Package reliability provides backup, offsite replication and routine
// maintenance for the trade cache and history stores. Backups are full
// SQLite snapshots taken with VACUUM INTO, bundled into a checksummed
// tar.gz archive, kept locally and replicated to Cloudflare R2 when
// credentials are configured.
package reliability

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/cofferhq/coffer/internal/database"
	"github.com/cofferhq/coffer/internal/version"
)

const (
	backupPrefix     = "coffer-backup-"
	backupTimeLayout = "2006-01-02-150405"
	metadataFilename = "backup-metadata.json"

	// The newest archives survive rotation regardless of age, so a
	// stalled scheduler can never delete its way to zero backups
	minBackupsKept = 3
)

// BackupManifest describes the contents of one backup archive
type BackupManifest struct {
	CreatedAt  time.Time          `json:"created_at"`
	AppVersion string             `json:"app_version"`
	Databases  []DatabaseArtifact `json:"databases"`
}

// DatabaseArtifact records one database file inside an archive
type DatabaseArtifact struct {
	Name      string `json:"name"`
	Filename  string `json:"filename"`
	SizeBytes int64  `json:"size_bytes"`
	Checksum  string `json:"checksum"`
}

// BackupInfo summarizes one stored backup archive
type BackupInfo struct {
	Filename  string    `json:"filename"`
	SizeBytes int64     `json:"size_bytes"`
	CreatedAt time.Time `json:"created_at"`
}

// BackupService snapshots every database into a single compressed
// archive under <dataDir>/backups. When an R2 client is present the
// archive is also uploaded, and rotation applies to both copies.
type BackupService struct {
	databases     []*database.DB
	r2            *R2Client // nil disables offsite replication
	backupDir     string
	retentionDays int
	log           zerolog.Logger
}

// NewBackupService creates a backup service over the given databases.
// r2 may be nil, in which case archives stay local only.
func NewBackupService(databases []*database.DB, r2 *R2Client, dataDir string, retentionDays int, log zerolog.Logger) *BackupService {
	return &BackupService{
		databases:     databases,
		r2:            r2,
		backupDir:     filepath.Join(dataDir, "backups"),
		retentionDays: retentionDays,
		log:           log.With().Str("service", "backup").Logger(),
	}
}

// BackupDir returns the directory where local archives are written
func (s *BackupService) BackupDir() string {
	return s.backupDir
}

// Run performs a full backup cycle: create the archive, replicate it
// offsite when configured, then rotate old archives. Rotation failures
// are logged but do not fail the run since the new backup is already
// safe at that point.
func (s *BackupService) Run(ctx context.Context) error {
	archivePath, err := s.CreateBackup(ctx)
	if err != nil {
		return err
	}

	if s.r2 != nil {
		if err := s.uploadArchive(ctx, archivePath); err != nil {
			return err
		}
	} else {
		s.log.Debug().Msg("Offsite replication not configured, archive kept local only")
	}

	if err := s.RotateBackups(ctx); err != nil {
		s.log.Warn().Err(err).Msg("Backup rotation failed")
	}

	return nil
}

// CreateBackup snapshots every database into a new tar.gz archive and
// returns the archive path. Snapshots are taken with VACUUM INTO so
// readers and writers are never blocked.
func (s *BackupService) CreateBackup(ctx context.Context) (string, error) {
	start := time.Now()

	if err := os.MkdirAll(s.backupDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create backup directory: %w", err)
	}

	staging, err := os.MkdirTemp(s.backupDir, "staging-")
	if err != nil {
		return "", fmt.Errorf("failed to create staging directory: %w", err)
	}
	defer os.RemoveAll(staging)

	manifest := BackupManifest{
		CreatedAt:  start.UTC(),
		AppVersion: version.Version,
	}

	for _, db := range s.databases {
		filename := db.Name() + ".db"
		dest := filepath.Join(staging, filename)

		if err := db.BackupTo(ctx, dest); err != nil {
			return "", fmt.Errorf("failed to back up %s database: %w", db.Name(), err)
		}

		checksum, err := fileChecksum(dest)
		if err != nil {
			return "", fmt.Errorf("failed to checksum %s backup: %w", db.Name(), err)
		}

		info, err := os.Stat(dest)
		if err != nil {
			return "", fmt.Errorf("failed to stat %s backup: %w", db.Name(), err)
		}

		manifest.Databases = append(manifest.Databases, DatabaseArtifact{
			Name:      db.Name(),
			Filename:  filename,
			SizeBytes: info.Size(),
			Checksum:  checksum,
		})

		s.log.Debug().
			Str("database", db.Name()).
			Int64("size_bytes", info.Size()).
			Msg("Database staged for backup")
	}

	if err := writeManifest(filepath.Join(staging, metadataFilename), &manifest); err != nil {
		return "", err
	}

	stamp := start.UTC().Format(backupTimeLayout)
	archivePath := filepath.Join(s.backupDir, backupPrefix+stamp+".tar.gz")

	if err := buildArchive(archivePath, staging); err != nil {
		return "", fmt.Errorf("failed to build backup archive: %w", err)
	}

	archiveInfo, err := os.Stat(archivePath)
	if err != nil {
		return "", fmt.Errorf("failed to stat backup archive: %w", err)
	}

	s.log.Info().
		Str("archive", filepath.Base(archivePath)).
		Int("databases", len(manifest.Databases)).
		Int64("size_bytes", archiveInfo.Size()).
		Dur("duration", time.Since(start)).
		Msg("Backup archive created")

	return archivePath, nil
}

func (s *BackupService) uploadArchive(ctx context.Context, archivePath string) error {
	f, err := os.Open(archivePath)
	if err != nil {
		return fmt.Errorf("failed to open archive for upload: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat archive for upload: %w", err)
	}

	return s.r2.Upload(ctx, filepath.Base(archivePath), f, info.Size())
}

// ListLocalBackups returns the archives in the local backup directory,
// newest first. Files that do not follow the backup naming convention
// are ignored.
func (s *BackupService) ListLocalBackups() ([]BackupInfo, error) {
	entries, err := os.ReadDir(s.backupDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read backup directory: %w", err)
	}

	var backups []BackupInfo
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		createdAt, ok := parseBackupTime(entry.Name())
		if !ok {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		backups = append(backups, BackupInfo{
			Filename:  entry.Name(),
			SizeBytes: info.Size(),
			CreatedAt: createdAt,
		})
	}

	sortNewestFirst(backups)
	return backups, nil
}

// ListRemoteBackups returns the archives stored in R2, newest first.
// Timestamps come from the archive filename, not the object mtime, so
// re-uploads do not reset a backup's age.
func (s *BackupService) ListRemoteBackups(ctx context.Context) ([]BackupInfo, error) {
	if s.r2 == nil {
		return nil, nil
	}

	objects, err := s.r2.List(ctx, backupPrefix)
	if err != nil {
		return nil, err
	}

	var backups []BackupInfo
	for _, obj := range objects {
		if obj.Key == nil {
			continue
		}
		createdAt, ok := parseBackupTime(*obj.Key)
		if !ok {
			continue
		}
		var size int64
		if obj.Size != nil {
			size = *obj.Size
		}
		backups = append(backups, BackupInfo{
			Filename:  *obj.Key,
			SizeBytes: size,
			CreatedAt: createdAt,
		})
	}

	sortNewestFirst(backups)
	return backups, nil
}

// RotateBackups deletes expired archives locally and, when configured,
// in R2. Individual delete failures are logged and skipped so one stuck
// file cannot block the rest of the rotation.
func (s *BackupService) RotateBackups(ctx context.Context) error {
	now := time.Now().UTC()

	local, err := s.ListLocalBackups()
	if err != nil {
		return err
	}
	for _, b := range expiredBackups(local, s.retentionDays, now) {
		if err := os.Remove(filepath.Join(s.backupDir, b.Filename)); err != nil {
			s.log.Warn().Err(err).Str("archive", b.Filename).Msg("Failed to delete expired local backup")
			continue
		}
		s.log.Info().Str("archive", b.Filename).Msg("Deleted expired local backup")
	}

	if s.r2 == nil {
		return nil
	}

	remote, err := s.ListRemoteBackups(ctx)
	if err != nil {
		return err
	}
	for _, b := range expiredBackups(remote, s.retentionDays, now) {
		if err := s.r2.Delete(ctx, b.Filename); err != nil {
			s.log.Warn().Err(err).Str("archive", b.Filename).Msg("Failed to delete expired remote backup")
			continue
		}
		s.log.Info().Str("archive", b.Filename).Msg("Deleted expired remote backup")
	}

	return nil
}

// VerifyBackup extracts an archive to a scratch directory, recomputes
// every checksum against the manifest and runs an integrity check on
// each extracted database.
func (s *BackupService) VerifyBackup(ctx context.Context, archivePath string) error {
	scratch, err := os.MkdirTemp("", "coffer-verify-")
	if err != nil {
		return fmt.Errorf("failed to create verification directory: %w", err)
	}
	defer os.RemoveAll(scratch)

	manifest, err := extractArchive(archivePath, scratch)
	if err != nil {
		return err
	}

	for _, artifact := range manifest.Databases {
		path := filepath.Join(scratch, artifact.Filename)

		checksum, err := fileChecksum(path)
		if err != nil {
			return fmt.Errorf("failed to checksum extracted %s: %w", artifact.Name, err)
		}
		if checksum != artifact.Checksum {
			return fmt.Errorf("checksum mismatch for %s: archive has %s, manifest says %s", artifact.Name, checksum, artifact.Checksum)
		}

		if err := checkExtractedDatabase(ctx, path); err != nil {
			return fmt.Errorf("integrity check failed for %s: %w", artifact.Name, err)
		}
	}

	s.log.Info().
		Str("archive", filepath.Base(archivePath)).
		Int("databases", len(manifest.Databases)).
		Msg("Backup archive verified")

	return nil
}

// expiredBackups returns the archives that should be deleted: anything
// older than retentionDays, except that the newest minBackupsKept
// archives always survive. Retention of zero or less keeps everything.
func expiredBackups(backups []BackupInfo, retentionDays int, now time.Time) []BackupInfo {
	if retentionDays <= 0 || len(backups) <= minBackupsKept {
		return nil
	}

	sorted := make([]BackupInfo, len(backups))
	copy(sorted, backups)
	sortNewestFirst(sorted)

	cutoff := now.AddDate(0, 0, -retentionDays)
	var expired []BackupInfo
	for _, b := range sorted[minBackupsKept:] {
		if b.CreatedAt.Before(cutoff) {
			expired = append(expired, b)
		}
	}
	return expired
}

func sortNewestFirst(backups []BackupInfo) {
	sort.Slice(backups, func(i, j int) bool {
		return backups[i].CreatedAt.After(backups[j].CreatedAt)
	})
}

// parseBackupTime extracts the creation time from an archive filename
// like "coffer-backup-2024-05-01-031000.tar.gz"
func parseBackupTime(filename string) (time.Time, bool) {
	if !strings.HasPrefix(filename, backupPrefix) || !strings.HasSuffix(filename, ".tar.gz") {
		return time.Time{}, false
	}
	stamp := strings.TrimSuffix(strings.TrimPrefix(filename, backupPrefix), ".tar.gz")
	t, err := time.Parse(backupTimeLayout, stamp)
	if err != nil {
		return time.Time{}, false
	}
	return t.UTC(), true
}

func fileChecksum(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return fmt.Sprintf("sha256:%x", h.Sum(nil)), nil
}

func writeManifest(path string, manifest *BackupManifest) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create backup manifest: %w", err)
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(manifest); err != nil {
		return fmt.Errorf("failed to write backup manifest: %w", err)
	}
	return nil
}

// buildArchive packs every regular file in srcDir into a tar.gz archive
func buildArchive(archivePath, srcDir string) error {
	entries, err := os.ReadDir(srcDir)
	if err != nil {
		return err
	}

	out, err := os.Create(archivePath)
	if err != nil {
		return err
	}
	defer out.Close()

	gw := gzip.NewWriter(out)
	tw := tar.NewWriter(gw)

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if err := addFileToArchive(tw, filepath.Join(srcDir, entry.Name()), entry.Name()); err != nil {
			return err
		}
	}

	if err := tw.Close(); err != nil {
		return err
	}
	if err := gw.Close(); err != nil {
		return err
	}
	return out.Sync()
}

func addFileToArchive(tw *tar.Writer, path, name string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}

	header, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return err
	}
	header.Name = name

	if err := tw.WriteHeader(header); err != nil {
		return err
	}
	_, err = io.Copy(tw, f)
	return err
}

// extractArchive unpacks an archive into destDir and returns the parsed
// manifest. Entry names are flattened to their base name so a crafted
// archive cannot write outside destDir.
func extractArchive(archivePath, destDir string) (*BackupManifest, error) {
	f, err := os.Open(archivePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open archive: %w", err)
	}
	defer f.Close()

	gr, err := gzip.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("failed to read archive compression: %w", err)
	}
	defer gr.Close()

	var manifest *BackupManifest

	tr := tar.NewReader(gr)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read archive entry: %w", err)
		}
		if header.Typeflag != tar.TypeReg {
			continue
		}

		name := filepath.Base(header.Name)
		dest := filepath.Join(destDir, name)

		out, err := os.Create(dest)
		if err != nil {
			return nil, fmt.Errorf("failed to extract %s: %w", name, err)
		}
		if _, err := io.Copy(out, tr); err != nil {
			out.Close()
			return nil, fmt.Errorf("failed to extract %s: %w", name, err)
		}
		if err := out.Close(); err != nil {
			return nil, fmt.Errorf("failed to extract %s: %w", name, err)
		}

		if name == metadataFilename {
			var m BackupManifest
			data, err := os.ReadFile(dest)
			if err != nil {
				return nil, fmt.Errorf("failed to read backup manifest: %w", err)
			}
			if err := json.Unmarshal(data, &m); err != nil {
				return nil, fmt.Errorf("failed to parse backup manifest: %w", err)
			}
			manifest = &m
		}
	}

	if manifest == nil {
		return nil, fmt.Errorf("archive %s has no %s", filepath.Base(archivePath), metadataFilename)
	}
	return manifest, nil
}

// checkExtractedDatabase opens a standalone database file and runs
// PRAGMA integrity_check on it
func checkExtractedDatabase(ctx context.Context, path string) error {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return err
	}
	defer conn.Close()

	var result string
	if err := conn.QueryRowContext(ctx, "PRAGMA integrity_check").Scan(&result); err != nil {
		return err
	}
	if result != "ok" {
		return fmt.Errorf("integrity check returned %q", result)
	}
	return nil
}
