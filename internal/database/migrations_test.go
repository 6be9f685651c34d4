package database

import (
	"path/filepath"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/neurotatarlar/gec-annotation-platform/internal/edits"
	"github.com/neurotatarlar/gec-annotation-platform/internal/texts"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func TestApplyMigrationsDedupesAnnotations(testContext *testing.T) {
	tempDir := testContext.TempDir()
	databasePath := filepath.Join(tempDir, "migration.db")

	database, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}

	models := append(texts.Models(), &migrationRecord{})
	if err := database.AutoMigrate(models...); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}

	replacement := "hi"
	payload := edits.Payload{Operation: edits.OperationReplace, BeforeTokens: []string{"hello"}}
	newAnnotation := func(author string, start int) texts.Annotation {
		return texts.Annotation{
			TextID:      1,
			AuthorID:    author,
			StartToken:  start,
			EndToken:    start,
			Replacement: &replacement,
			ErrorTypeID: 1,
			Payload:     payload,
			Version:     1,
		}
	}
	rows := []texts.Annotation{
		newAnnotation("user-1", 0),
		newAnnotation("user-1", 0),
		newAnnotation("user-2", 0),
		newAnnotation("user-1", 1),
	}
	if err := database.Create(&rows).Error; err != nil {
		testContext.Fatalf("failed to insert annotations: %v", err)
	}
	for _, row := range rows {
		version := texts.AnnotationVersion{AnnotationID: row.ID, Version: 1, Snapshot: []byte("{}")}
		if err := database.Create(&version).Error; err != nil {
			testContext.Fatalf("failed to insert version: %v", err)
		}
	}

	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to apply migrations: %v", err)
	}

	var remaining []texts.Annotation
	if err := database.Order("id ASC").Find(&remaining).Error; err != nil {
		testContext.Fatalf("failed to reload annotations: %v", err)
	}
	if len(remaining) != 2 || remaining[0].ID != rows[0].ID || remaining[1].ID != rows[3].ID {
		testContext.Fatalf("expected duplicates to be removed keeping the lowest id, got %#v", remaining)
	}
	var orphaned int64
	database.Model(&texts.AnnotationVersion{}).Where("annotation_id IN ?", []int64{rows[1].ID, rows[2].ID}).Count(&orphaned)
	if orphaned != 0 {
		testContext.Fatalf("expected versions of the duplicates to be removed, found %d", orphaned)
	}

	var record migrationRecord
	if err := database.Where("name = ?", migrationDedupeAnnotations).Take(&record).Error; err != nil {
		testContext.Fatalf("expected migration record to be created: %v", err)
	}
	if record.AppliedAtSeconds == 0 {
		testContext.Fatalf("expected migration timestamp to be set")
	}

	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("expected reapplying migrations to be a no-op: %v", err)
	}
}

func TestOpenRejectsUnknownDriver(testContext *testing.T) {
	if _, err := Open("mysql", "dsn", zap.NewNop()); err == nil {
		testContext.Fatalf("expected unknown driver to be rejected")
	}
	if _, err := Open(DriverSQLite, " ", zap.NewNop()); err == nil {
		testContext.Fatalf("expected empty dsn to be rejected")
	}
}

func TestOpenSQLiteCreatesSchema(testContext *testing.T) {
	databasePath := filepath.Join(testContext.TempDir(), "gec.db")
	database, err := Open(DriverSQLite, databasePath, zap.NewNop())
	if err != nil {
		testContext.Fatalf("failed to open database: %v", err)
	}
	for _, model := range texts.Models() {
		if !database.Migrator().HasTable(model) {
			testContext.Fatalf("expected table for %T", model)
		}
	}
}
