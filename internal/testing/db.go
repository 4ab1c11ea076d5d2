// Package testing provides test helpers shared by the marketwatch packages.
package testing

import (
	"os"
	"testing"

	"github.com/aristath/marketwatch/internal/database"
	"github.com/rs/zerolog"
)

// NewTestDB creates a temporary file-backed database with the full schema applied.
// Returns the database instance and a cleanup function that closes and removes it.
func NewTestDB(t *testing.T) (*database.DB, func()) {
	t.Helper()
	return NewTestDBWithPolicy(t, database.RetryPolicy{})
}

// NewTestDBWithPolicy is NewTestDB with an explicit retry policy (zero value = default)
func NewTestDBWithPolicy(t *testing.T, policy database.RetryPolicy) (*database.DB, func()) {
	t.Helper()

	// WAL needs a real file; :memory: would give each pooled connection its own database
	tmpFile, err := os.CreateTemp("", "test_marketwatch_*.db")
	if err != nil {
		t.Fatalf("Failed to create temporary database file: %v", err)
	}
	tmpPath := tmpFile.Name()
	_ = tmpFile.Close()

	db, err := database.New(database.Config{
		Path:    tmpPath,
		Profile: database.ProfileStandard,
		Name:    "test",
		Retry:   policy,
		Log:     zerolog.Nop(),
	})
	if err != nil {
		_ = os.Remove(tmpPath)
		t.Fatalf("Failed to create test database: %v", err)
	}

	if err := db.Migrate(); err != nil {
		_ = db.Close()
		_ = os.Remove(tmpPath)
		t.Fatalf("Failed to migrate test database: %v", err)
	}

	return db, func() {
		if err := db.Close(); err != nil {
			t.Logf("Warning: Failed to close test database: %v", err)
		}
		for _, suffix := range []string{"", "-wal", "-shm"} {
			_ = os.Remove(tmpPath + suffix)
		}
	}
}

// CreateTempDBFile creates a temporary database path for tests that open the file themselves.
func CreateTempDBFile(t *testing.T, name string) (string, func()) {
	t.Helper()

	tmpFile, err := os.CreateTemp("", name+"_*.db")
	if err != nil {
		t.Fatalf("Failed to create temporary database file: %v", err)
	}
	tmpPath := tmpFile.Name()
	_ = tmpFile.Close()

	return tmpPath, func() {
		for _, suffix := range []string{"", "-wal", "-shm"} {
			_ = os.Remove(tmpPath + suffix)
		}
	}
}
