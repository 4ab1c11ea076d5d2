package reliability

import (
	"errors"
	"testing"

	testingpkg "github.com/aristath/marketwatch/internal/testing"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedUsage(free, total uint64) func(string) (*disk.UsageStat, error) {
	return func(path string) (*disk.UsageStat, error) {
		used := total - free
		return &disk.UsageStat{
			Path:        path,
			Total:       total,
			Free:        free,
			Used:        used,
			UsedPercent: float64(used) / float64(total) * 100,
		}, nil
	}
}

func TestMaintenanceJob_Run(t *testing.T) {
	db, cleanup := testingpkg.NewTestDB(t)
	defer cleanup()

	job := NewMaintenanceJob(db, t.TempDir(), zerolog.Nop())
	job.diskUsage = fixedUsage(50<<30, 100<<30)

	assert.Equal(t, "maintenance", job.Name())
	require.NoError(t, job.Run())
}

func TestMaintenanceJob_LowDiskSpaceWarnsOnly(t *testing.T) {
	db, cleanup := testingpkg.NewTestDB(t)
	defer cleanup()

	job := NewMaintenanceJob(db, t.TempDir(), zerolog.Nop())
	// 1GB free of 100GB: below 10% but above the critical floor
	job.diskUsage = fixedUsage(1<<30, 100<<30)

	assert.NoError(t, job.Run())
}

func TestMaintenanceJob_CriticalDiskSpace(t *testing.T) {
	db, cleanup := testingpkg.NewTestDB(t)
	defer cleanup()

	job := NewMaintenanceJob(db, t.TempDir(), zerolog.Nop())
	job.diskUsage = fixedUsage(10<<20, 100<<30)

	err := job.Run()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bytes free")
}

func TestMaintenanceJob_DiskUsageErrorIgnored(t *testing.T) {
	db, cleanup := testingpkg.NewTestDB(t)
	defer cleanup()

	job := NewMaintenanceJob(db, t.TempDir(), zerolog.Nop())
	job.diskUsage = func(string) (*disk.UsageStat, error) {
		return nil, errors.New("statfs failed")
	}

	assert.NoError(t, job.Run())
}

func TestMaintenanceJob_ClosedDatabase(t *testing.T) {
	db, cleanup := testingpkg.NewTestDB(t)
	defer cleanup()

	job := NewMaintenanceJob(db, "", zerolog.Nop())
	require.NoError(t, db.Close())

	assert.Error(t, job.Run())
}
