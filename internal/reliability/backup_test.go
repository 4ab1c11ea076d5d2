package reliability

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aristath/marketwatch/internal/database"
	testingpkg "github.com/aristath/marketwatch/internal/testing"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memoryStore is an in-memory ObjectStore
type memoryStore struct {
	mu        sync.Mutex
	objects   map[string][]byte
	failKey   string
	uploadErr error
}

func newMemoryStore() *memoryStore {
	return &memoryStore{objects: make(map[string][]byte)}
}

func (m *memoryStore) Upload(ctx context.Context, key string, body io.Reader) error {
	if m.uploadErr != nil {
		return m.uploadErr
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = data
	return nil
}

func (m *memoryStore) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []ObjectInfo
	for key, data := range m.objects {
		if strings.HasPrefix(key, prefix) {
			out = append(out, ObjectInfo{Key: key, SizeBytes: int64(len(data))})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (m *memoryStore) Delete(ctx context.Context, key string) error {
	if key == m.failKey {
		return errors.New("delete refused")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	return nil
}

func (m *memoryStore) keys() []string {
	objs, _ := m.List(context.Background(), "")
	keys := make([]string, len(objs))
	for i, o := range objs {
		keys[i] = o.Key
	}
	return keys
}

func setupBackup(t *testing.T, keep int) (*BackupService, *memoryStore, *database.DB) {
	t.Helper()
	db, cleanup := testingpkg.NewTestDB(t)
	t.Cleanup(cleanup)

	_, err := db.Exec(`INSERT INTO current_state (seller_name, item_name, quantity, status, processing_type, status_changed_at, last_updated)
		VALUES ('Bob', 'Sword', 1, 'CHECKED', 'full', 0, 0)`)
	require.NoError(t, err)

	objects := newMemoryStore()
	svc := NewBackupService(db, objects, t.TempDir(), "backups/", keep, zerolog.Nop())
	return svc, objects, db
}

func TestBackupService_CreateAndUpload(t *testing.T) {
	svc, objects, _ := setupBackup(t, 5)
	svc.now = func() time.Time { return time.Date(2024, 5, 1, 9, 30, 15, 0, time.UTC) }

	key, err := svc.CreateAndUpload(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "backups/marketwatch-backup-2024-05-01-093015.db.gz", key)

	data := objects.objects[key]
	require.NotEmpty(t, data)

	gz, err := gzip.NewReader(bytes.NewReader(data))
	require.NoError(t, err)
	raw, err := io.ReadAll(gz)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(raw, []byte("SQLite format 3\x00")))

	// Staging files are removed afterwards
	entries, err := os.ReadDir(svc.stagingDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestBackupService_UploadError(t *testing.T) {
	svc, objects, _ := setupBackup(t, 5)
	objects.uploadErr = errors.New("bucket unavailable")

	_, err := svc.CreateAndUpload(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bucket unavailable")
}

func TestBackupService_ListBackupsNewestFirst(t *testing.T) {
	svc, objects, _ := setupBackup(t, 5)
	objects.objects["backups/marketwatch-backup-2024-05-01-090000.db.gz"] = []byte("a")
	objects.objects["backups/marketwatch-backup-2024-05-03-090000.db.gz"] = []byte("bb")
	objects.objects["backups/marketwatch-backup-2024-05-02-090000.db.gz"] = []byte("c")
	objects.objects["backups/marketwatch-backup-garbage.db.gz"] = []byte("x")
	objects.objects["backups/other.txt"] = []byte("x")

	backups, err := svc.ListBackups(context.Background())
	require.NoError(t, err)
	require.Len(t, backups, 3)
	assert.Equal(t, "backups/marketwatch-backup-2024-05-03-090000.db.gz", backups[0].Key)
	assert.Equal(t, int64(2), backups[0].SizeBytes)
	assert.Equal(t, "backups/marketwatch-backup-2024-05-01-090000.db.gz", backups[2].Key)
}

func TestBackupService_Rotate(t *testing.T) {
	svc, objects, _ := setupBackup(t, 3)
	for day := 1; day <= 5; day++ {
		ts := time.Date(2024, 5, day, 0, 0, 0, 0, time.UTC).Format(backupTimeLayout)
		objects.objects["backups/"+backupPrefix+ts+backupSuffix] = []byte("x")
	}

	deleted, err := svc.Rotate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, deleted)
	assert.Equal(t, []string{
		"backups/marketwatch-backup-2024-05-03-000000.db.gz",
		"backups/marketwatch-backup-2024-05-04-000000.db.gz",
		"backups/marketwatch-backup-2024-05-05-000000.db.gz",
	}, objects.keys())

	deleted, err = svc.Rotate(context.Background())
	require.NoError(t, err)
	assert.Zero(t, deleted)
}

func TestBackupService_RotateSkipsFailedDeletes(t *testing.T) {
	svc, objects, _ := setupBackup(t, 3)
	for day := 1; day <= 5; day++ {
		ts := time.Date(2024, 5, day, 0, 0, 0, 0, time.UTC).Format(backupTimeLayout)
		objects.objects["backups/"+backupPrefix+ts+backupSuffix] = []byte("x")
	}
	objects.failKey = "backups/marketwatch-backup-2024-05-01-000000.db.gz"

	deleted, err := svc.Rotate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)
	assert.Len(t, objects.keys(), 4)
}

func TestBackupService_KeepHasFloor(t *testing.T) {
	svc, _, _ := setupBackup(t, 1)
	assert.Equal(t, minBackupsToKeep, svc.keep)
}

func TestBackupJob_Run(t *testing.T) {
	svc, objects, _ := setupBackup(t, 3)
	job := NewBackupJob(svc)

	assert.Equal(t, "offsite_backup", job.Name())
	require.NoError(t, job.Run())
	assert.Len(t, objects.keys(), 1)
}
