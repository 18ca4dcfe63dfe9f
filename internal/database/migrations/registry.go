package migrations

import (
	"github.com/nvrflow/nvrcore/internal/models"
	"gorm.io/gorm"
)

// AllMigrations returns all registered migrations in order.
func AllMigrations() []Migration {
	return []Migration{
		migration001Schema(),
	}
}

// migration001Schema creates the streams and recordings tables plus their
// indices using GORM AutoMigrate.
func migration001Schema() Migration {
	return Migration{
		Version:     "001",
		Description: "Create streams and recordings tables",
		Up: func(tx *gorm.DB) error {
			return tx.AutoMigrate(
				&models.Stream{},
				&models.Recording{},
			)
		},
		Down: func(tx *gorm.DB) error {
			for _, table := range []string{"recordings", "streams"} {
				if tx.Migrator().HasTable(table) {
					if err := tx.Migrator().DropTable(table); err != nil {
						return err
					}
				}
			}
			return nil
		},
	}
}
