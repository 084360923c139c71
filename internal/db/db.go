package db

import (
	"fmt"

	zlog "github.com/rs/zerolog/log"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"lyra-core/internal/consolidation"
	"lyra-core/internal/personality"
)

// Open connects to Postgres and migrates the relational schema. The returned
// handle is passed down explicitly; there is no package-level instance.
func Open(dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}

	if err := Migrate(db); err != nil {
		return nil, err
	}

	zlog.Info().Str("component", "db").Msg("database connected and migrated")
	return db, nil
}

// Migrate applies the schema. Split out so tests can run it against SQLite.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&personality.State{},
		&personality.Quirk{},
		&personality.Need{},
		&consolidation.MemoryConflict{},
		&consolidation.Run{},
	); err != nil {
		return fmt.Errorf("failed to migrate schema: %w", err)
	}
	return nil
}
