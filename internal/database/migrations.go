package database

import (
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationNormalizeLinkedProviders = "2026-09-21_normalize_linked_account_providers"

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
		{name: migrationNormalizeLinkedProviders, apply: normalizeLinkedProviders},
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
		err = db.Transaction(func(tx *gorm.DB) error {
			if err := migration.apply(tx); err != nil {
				return err
			}
			appliedAt := time.Now().UTC().Unix()
			return tx.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error
		})
		if err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// normalizeLinkedProviders folds provider names written before lower-casing was enforced.
// When folding would collide with another row of the same user, the most recently updated row wins.
func normalizeLinkedProviders(db *gorm.DB) error {
	const dropShadowed = `
DELETE FROM linked_accounts WHERE id IN (
	SELECT older.id FROM linked_accounts AS older
	JOIN linked_accounts AS newer
		ON older.user_id = newer.user_id
		AND lower(trim(older.provider)) = lower(trim(newer.provider))
		AND older.id <> newer.id
	WHERE older.updated_at < newer.updated_at
		OR (older.updated_at = newer.updated_at AND older.id < newer.id)
)`
	if err := db.Exec(dropShadowed).Error; err != nil {
		return err
	}
	return db.Exec("UPDATE linked_accounts SET provider = lower(trim(provider)) WHERE provider <> lower(trim(provider))").Error
}
