package reliability

import (
	"compress/gzip"
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/aristath/marketwatch/internal/database"
	"github.com/rs/zerolog"
)

const (
	backupPrefix     = "marketwatch-backup-"
	backupSuffix     = ".db.gz"
	backupTimeLayout = "2006-01-02-150405"

	// Rotation never deletes below this many backups
	minBackupsToKeep = 3
)

// ObjectInfo describes a stored backup object
type ObjectInfo struct {
	Key       string
	SizeBytes int64
}

// ObjectStore is the offsite storage the backups go to
type ObjectStore interface {
	Upload(ctx context.Context, key string, body io.Reader) error
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)
	Delete(ctx context.Context, key string) error
}

// BackupInfo represents information about a stored backup
type BackupInfo struct {
	Key       string    `json:"key" msgpack:"key"`
	Timestamp time.Time `json:"timestamp" msgpack:"timestamp"`
	SizeBytes int64     `json:"size_bytes" msgpack:"size_bytes"`
}

// BackupService snapshots the database, compresses it and uploads it offsite
type BackupService struct {
	db         *database.DB
	objects    ObjectStore
	stagingDir string
	keyPrefix  string
	keep       int
	now        func() time.Time
	log        zerolog.Logger
}

// NewBackupService creates a new backup service. keep is how many backups rotation
// retains (at least 3). keyPrefix is prepended to every object key, e.g. "backups/".
func NewBackupService(db *database.DB, objects ObjectStore, stagingDir, keyPrefix string, keep int, log zerolog.Logger) *BackupService {
	if keep < minBackupsToKeep {
		keep = minBackupsToKeep
	}
	return &BackupService{
		db:         db,
		objects:    objects,
		stagingDir: stagingDir,
		keyPrefix:  keyPrefix,
		keep:       keep,
		now:        func() time.Time { return time.Now().UTC() },
		log:        log.With().Str("service", "backup").Logger(),
	}
}

// CreateAndUpload snapshots the database with VACUUM INTO, gzips it and uploads it.
// Returns the object key.
func (s *BackupService) CreateAndUpload(ctx context.Context) (string, error) {
	s.log.Info().Msg("Starting backup")
	startTime := time.Now()

	if err := os.MkdirAll(s.stagingDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create staging directory: %w", err)
	}

	timestamp := s.now().Format(backupTimeLayout)
	snapshotPath := filepath.Join(s.stagingDir, "snapshot-"+timestamp+".db")
	archivePath := snapshotPath + ".gz"
	defer os.Remove(snapshotPath)
	defer os.Remove(archivePath)

	if err := s.db.BackupTo(ctx, snapshotPath); err != nil {
		return "", err
	}

	checksum, err := compressFile(snapshotPath, archivePath)
	if err != nil {
		return "", fmt.Errorf("failed to compress snapshot: %w", err)
	}

	archive, err := os.Open(archivePath)
	if err != nil {
		return "", fmt.Errorf("failed to open archive: %w", err)
	}
	defer archive.Close()

	info, err := archive.Stat()
	if err != nil {
		return "", fmt.Errorf("failed to stat archive: %w", err)
	}

	key := s.keyPrefix + backupPrefix + timestamp + backupSuffix
	if err := s.objects.Upload(ctx, key, archive); err != nil {
		return "", fmt.Errorf("failed to upload backup: %w", err)
	}

	s.log.Info().
		Dur("duration_ms", time.Since(startTime)).
		Str("key", key).
		Str("checksum", checksum).
		Int64("size_bytes", info.Size()).
		Msg("Backup completed successfully")
	return key, nil
}

// ListBackups lists stored backups, newest first. Objects whose key does not carry a
// backup timestamp are ignored.
func (s *BackupService) ListBackups(ctx context.Context) ([]BackupInfo, error) {
	objects, err := s.objects.List(ctx, s.keyPrefix+backupPrefix)
	if err != nil {
		return nil, fmt.Errorf("failed to list backups: %w", err)
	}

	backups := make([]BackupInfo, 0, len(objects))
	for _, obj := range objects {
		name := strings.TrimPrefix(obj.Key, s.keyPrefix)
		if !strings.HasPrefix(name, backupPrefix) || !strings.HasSuffix(name, backupSuffix) {
			continue
		}
		stamp := strings.TrimSuffix(strings.TrimPrefix(name, backupPrefix), backupSuffix)
		ts, err := time.Parse(backupTimeLayout, stamp)
		if err != nil {
			s.log.Warn().Str("key", obj.Key).Msg("Failed to parse timestamp from backup key")
			continue
		}
		backups = append(backups, BackupInfo{Key: obj.Key, Timestamp: ts, SizeBytes: obj.SizeBytes})
	}

	sort.Slice(backups, func(i, j int) bool {
		return backups[i].Timestamp.After(backups[j].Timestamp)
	})
	return backups, nil
}

// Rotate deletes all but the newest keep backups and returns how many were deleted.
// Individual delete failures are logged and skipped.
func (s *BackupService) Rotate(ctx context.Context) (int, error) {
	backups, err := s.ListBackups(ctx)
	if err != nil {
		return 0, err
	}
	if len(backups) <= s.keep {
		return 0, nil
	}

	deleted := 0
	for _, backup := range backups[s.keep:] {
		if err := s.objects.Delete(ctx, backup.Key); err != nil {
			s.log.Error().Err(err).Str("key", backup.Key).Msg("Failed to delete old backup")
			continue
		}
		deleted++
	}

	s.log.Info().
		Int("deleted", deleted).
		Int("remaining", len(backups)-deleted).
		Msg("Backup rotation completed")
	return deleted, nil
}

// compressFile gzips src into dst and returns the sha256 of the uncompressed data
func compressFile(src, dst string) (string, error) {
	in, err := os.Open(src)
	if err != nil {
		return "", err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return "", err
	}
	defer out.Close()

	hash := sha256.New()
	gz := gzip.NewWriter(out)
	if _, err := io.Copy(io.MultiWriter(gz, hash), in); err != nil {
		return "", err
	}
	if err := gz.Close(); err != nil {
		return "", err
	}
	if err := out.Sync(); err != nil {
		return "", err
	}
	return fmt.Sprintf("sha256:%x", hash.Sum(nil)), nil
}

// BackupJob uploads a backup and rotates old ones
type BackupJob struct {
	service *BackupService
}

// NewBackupJob creates a new backup job
func NewBackupJob(service *BackupService) *BackupJob {
	return &BackupJob{service: service}
}

// Name returns the job name for scheduler
func (j *BackupJob) Name() string {
	return "offsite_backup"
}

// Run executes the backup job
func (j *BackupJob) Run() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
	defer cancel()

	if _, err := j.service.CreateAndUpload(ctx); err != nil {
		return err
	}
	_, err := j.service.Rotate(ctx)
	return err
}
