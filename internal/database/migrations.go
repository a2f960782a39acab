package database

import (
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationBackfillOverlayState = "2026-08-20_backfill_overlay_state"

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationBackfillOverlayState, apply: backfillOverlayState},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := migration.apply(db); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// backfillOverlayState creates revision rows for grades that already carry
// overlay objects from before revision tracking existed. Starting those
// grades at revision 1 forces one regeneration of their cached documents.
func backfillOverlayState(db *gorm.DB) error {
	const insert = `
INSERT INTO grade_overlay_state (grade_id, revision, updated_at_s)
SELECT grade_id, 1, strftime('%s', 'now') FROM (
    SELECT grade_id FROM feedback_comments
    UNION
    SELECT grade_id FROM feedback_annotations
)
WHERE grade_id NOT IN (SELECT grade_id FROM grade_overlay_state);`
	return db.Exec(insert).Error
}
