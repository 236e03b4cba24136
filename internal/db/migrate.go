package db

import (
	"fmt"
	"time"

	"github.com/zulandar/palaver/internal/models"
	"gorm.io/gorm"
)

// CurrentSchemaVersion is the schema version this build writes.
const CurrentSchemaVersion = 3

// LegacyConversationIndex is the unique (user_id, conversation_id) index of
// schema version 2. Version 3 drops it: a conversation holds many turns.
const LegacyConversationIndex = "idx_user_conversation_unique"

// AllModels returns every GORM model the store migrates.
func AllModels() []interface{} {
	return []interface{}{
		&models.SchemaVersion{},
		&models.Turn{},
	}
}

// Migrate brings the store up to CurrentSchemaVersion. Migrations are
// additive: existing turns are always preserved.
func Migrate(gormDB *gorm.DB) error {
	if err := gormDB.AutoMigrate(&models.SchemaVersion{}); err != nil {
		return fmt.Errorf("db: migrate schema versions: %w", err)
	}

	current, err := SchemaVersionOf(gormDB)
	if err != nil {
		return err
	}
	if current > CurrentSchemaVersion {
		return fmt.Errorf("db: store schema version %d is newer than supported version %d", current, CurrentSchemaVersion)
	}

	m := gormDB.Migrator()
	if current < 3 && m.HasTable(&models.Turn{}) && m.HasIndex(&models.Turn{}, LegacyConversationIndex) {
		if err := m.DropIndex(&models.Turn{}, LegacyConversationIndex); err != nil {
			return fmt.Errorf("db: drop %s: %w", LegacyConversationIndex, err)
		}
	}

	if err := gormDB.AutoMigrate(&models.Turn{}); err != nil {
		return fmt.Errorf("db: migrate turns: %w", err)
	}

	now := time.Now().UTC()
	for v := current + 1; v <= CurrentSchemaVersion; v++ {
		if err := gormDB.Create(&models.SchemaVersion{Version: v, AppliedAt: now}).Error; err != nil {
			return fmt.Errorf("db: record schema version %d: %w", v, err)
		}
	}
	return nil
}

// SchemaVersionOf returns the highest applied schema version, 0 for a new store.
func SchemaVersionOf(gormDB *gorm.DB) (int, error) {
	var version int
	result := gormDB.Model(&models.SchemaVersion{}).
		Select("COALESCE(MAX(version), 0)").Scan(&version)
	if result.Error != nil {
		return 0, fmt.Errorf("db: schema version: %w", result.Error)
	}
	return version, nil
}
