package texts

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/neurotatarlar/gec-annotation-platform/internal/edits"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type testClock struct {
	now time.Time
}

func (c *testClock) Now() time.Time {
	return c.now
}

func (c *testClock) Advance(step time.Duration) {
	c.now = c.now.Add(step)
}

type testFixture struct {
	service  *Service
	db       *gorm.DB
	clock    *testClock
	category Category
	spelling ErrorType
	grammar  ErrorType
}

type fixtureOption func(*ServiceConfig)

func withSharedTexts() fixtureOption {
	return func(cfg *ServiceConfig) {
		cfg.SharedTexts = true
	}
}

func withLogger(logger *zap.Logger) fixtureOption {
	return func(cfg *ServiceConfig) {
		cfg.Logger = logger
	}
}

func newTestFixture(t *testing.T, options ...fixtureOption) *testFixture {
	t.Helper()

	dsn := fmt.Sprintf("file:gec_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	if err := db.AutoMigrate(Models()...); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	clock := &testClock{now: time.Unix(1700000000, 0).UTC()}
	cfg := ServiceConfig{Database: db, Clock: clock.Now}
	for _, option := range options {
		option(&cfg)
	}
	service, err := NewService(cfg)
	if err != nil {
		t.Fatalf("failed to construct texts service: %v", err)
	}

	fixture := &testFixture{service: service, db: db, clock: clock}
	fixture.category = Category{Name: "news", CreatedAtSeconds: clock.now.Unix()}
	if err := db.Create(&fixture.category).Error; err != nil {
		t.Fatalf("failed to seed category: %v", err)
	}
	fixture.spelling = ErrorType{ENName: "Spelling", SortOrder: 1, IsActive: true}
	fixture.grammar = ErrorType{ENName: "Grammar", SortOrder: 2, IsActive: true}
	for _, errorType := range []*ErrorType{&fixture.spelling, &fixture.grammar} {
		if err := db.Create(errorType).Error; err != nil {
			t.Fatalf("failed to seed error type: %v", err)
		}
	}
	return fixture
}

func (f *testFixture) addText(t *testing.T, content string, required int) Text {
	t.Helper()
	text := Text{
		CategoryID:          f.category.ID,
		Content:             content,
		RequiredAnnotations: required,
		State:               TextStatePending,
		CreatedAtSeconds:    f.clock.now.Unix(),
	}
	if err := f.db.Create(&text).Error; err != nil {
		t.Fatalf("failed to seed text: %v", err)
	}
	return text
}

func (f *testFixture) reloadText(t *testing.T, id int64) Text {
	t.Helper()
	var text Text
	if err := f.db.Where("id = ?", id).Take(&text).Error; err != nil {
		t.Fatalf("failed to reload text %d: %v", id, err)
	}
	return text
}

func (f *testFixture) annotationsOf(t *testing.T, textID int64) []Annotation {
	t.Helper()
	var annotations []Annotation
	if err := f.db.Where("text_id = ?", textID).Order("id ASC").Find(&annotations).Error; err != nil {
		t.Fatalf("failed to load annotations: %v", err)
	}
	return annotations
}

func (f *testFixture) versionsOf(t *testing.T, annotationID int64) []AnnotationVersion {
	t.Helper()
	var versions []AnnotationVersion
	if err := f.db.Where("annotation_id = ?", annotationID).Order("version ASC").Find(&versions).Error; err != nil {
		t.Fatalf("failed to load versions: %v", err)
	}
	return versions
}

func (f *testFixture) save(t *testing.T, textID int64, author UserID, request SaveRequest) []Annotation {
	t.Helper()
	saved, err := f.service.SaveAnnotations(context.Background(), textID, author, request)
	if err != nil {
		t.Fatalf("unexpected save error: %v", err)
	}
	return saved
}

func mustUserID(t *testing.T, value string) UserID {
	t.Helper()
	id, err := NewUserID(value)
	if err != nil {
		t.Fatalf("unexpected user id error: %v", err)
	}
	return id
}

func replaceItem(start, end int, errorTypeID int64, words ...string) edits.Item {
	fragments := make([]edits.Fragment, 0, len(words))
	for index, word := range words {
		fragments = append(fragments, edits.Fragment{
			ID:     fmt.Sprintf("f%d-%d", start, index),
			Text:   word,
			Origin: edits.OriginInserted,
		})
	}
	return edits.Item{
		StartToken:  start,
		EndToken:    end,
		ErrorTypeID: errorTypeID,
		Payload: edits.Payload{
			Operation:   edits.OperationReplace,
			AfterTokens: fragments,
		},
	}
}

func withID(item edits.Item, id int64) edits.Item {
	item.ID = &id
	return item
}

// interfereBeforeUpdate runs statement inside the caller's transaction right before the
// first update of table whose assignments satisfy match, imitating a competing writer.
func (f *testFixture) interfereBeforeUpdate(t *testing.T, table string, match func(map[string]any) bool, statement string, args ...any) {
	t.Helper()
	name := fmt.Sprintf("test:interfere_%s_%d", table, time.Now().UnixNano())
	fired := false
	err := f.db.Callback().Update().Before("gorm:update").Register(name, func(tx *gorm.DB) {
		if fired || tx.Statement.Table != table {
			return
		}
		assignments, ok := tx.Statement.Dest.(map[string]any)
		if !ok || !match(assignments) {
			return
		}
		fired = true
		if _, err := tx.Statement.ConnPool.ExecContext(tx.Statement.Context, statement, args...); err != nil {
			_ = tx.AddError(err)
		}
	})
	if err != nil {
		t.Fatalf("failed to register update callback: %v", err)
	}
	t.Cleanup(func() { _ = f.db.Callback().Update().Remove(name) })
}

func expectServiceError(t *testing.T, err error, target error, code string) {
	t.Helper()
	if !errors.Is(err, target) {
		t.Fatalf("expected %v, got %v", target, err)
	}
	var serviceErr *ServiceError
	if !errors.As(err, &serviceErr) {
		t.Fatalf("expected service error, got %T", err)
	}
	if code != "" && serviceErr.Code() != code {
		t.Fatalf("expected code %q, got %q", code, serviceErr.Code())
	}
}
