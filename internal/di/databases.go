package di

import (
	"fmt"

	"github.com/aristath/marketwatch/internal/config"
	"github.com/aristath/marketwatch/internal/database"
	"github.com/rs/zerolog"
)

// InitializeDatabase opens the store database and applies the schema
func InitializeDatabase(cfg *config.Config, log zerolog.Logger) (*Container, error) {
	db, err := database.New(database.Config{
		Path:        cfg.DatabasePath(),
		Profile:     database.ProfileStandard,
		Name:        "marketwatch",
		BusyTimeout: cfg.Store.BusyTimeout,
		Retry:       cfg.Store.RetryPolicy(),
		Log:         log,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return &Container{DB: db}, nil
}
