package database

import (
	"errors"
	"fmt"
	"time"

	"github.com/neurotatarlar/gec-annotation-platform/internal/texts"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationDedupeAnnotations = "2025-06-01_dedupe_annotations"

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
		{name: migrationDedupeAnnotations, apply: dedupeAnnotations},
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
		if err := db.Transaction(migration.apply); err != nil {
			return fmt.Errorf("migration %s: %w", migration.name, err)
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

type annotationKey struct {
	textID      int64
	start       int
	end         int
	replacement string
	hasText     bool
	errorTypeID int64
	payload     string
}

// dedupeAnnotations keeps the lowest id of every group of identical rows on a text,
// whoever authored them, and removes the version history of the rows it drops.
func dedupeAnnotations(tx *gorm.DB) error {
	var annotations []texts.Annotation
	if err := tx.Order("id ASC").Find(&annotations).Error; err != nil {
		return err
	}

	seen := make(map[annotationKey]struct{}, len(annotations))
	var duplicates []int64
	for _, annotation := range annotations {
		payload, err := annotation.Payload.MarshalJSON()
		if err != nil {
			return err
		}
		key := annotationKey{
			textID:      annotation.TextID,
			start:       annotation.StartToken,
			end:         annotation.EndToken,
			errorTypeID: annotation.ErrorTypeID,
			payload:     string(payload),
		}
		if annotation.Replacement != nil {
			key.replacement = *annotation.Replacement
			key.hasText = true
		}
		if _, exists := seen[key]; exists {
			duplicates = append(duplicates, annotation.ID)
			continue
		}
		seen[key] = struct{}{}
	}
	if len(duplicates) == 0 {
		return nil
	}

	if err := tx.Where("annotation_id IN ?", duplicates).Delete(&texts.AnnotationVersion{}).Error; err != nil {
		return err
	}
	return tx.Where("id IN ?", duplicates).Delete(&texts.Annotation{}).Error
}
