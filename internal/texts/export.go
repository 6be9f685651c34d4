package texts

import (
	"context"
	"time"

	"github.com/neurotatarlar/gec-annotation-platform/internal/edits"
	"github.com/neurotatarlar/gec-annotation-platform/internal/export"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ExportFilter narrows an export to categories and a window on submission time.
// Both bounds are inclusive.
type ExportFilter struct {
	CategoryIDs []int64
	Start       *time.Time
	End         *time.Time
}

// ExportTexts builds one record per submitted text, newest submission first. Each record
// carries the edits of the annotator who submitted last.
func (s *Service) ExportTexts(ctx context.Context, filter ExportFilter) ([]export.Record, error) {
	if s == nil || s.db == nil {
		s.logError(opExport, reasonMissingDatabase, errMissingDatabase)
		return nil, newServiceError(opExport, reasonMissingDatabase, errMissingDatabase)
	}
	db := s.db.WithContext(ctx)
	query := submittedTasks(db)
	if len(filter.CategoryIDs) > 0 {
		query = query.Where("texts.category_id IN ?", filter.CategoryIDs)
	}
	if filter.Start != nil {
		query = query.Where("annotation_tasks.updated_at_s >= ?", filter.Start.UTC().Unix())
	}
	if filter.End != nil {
		query = query.Where("annotation_tasks.updated_at_s <= ?", filter.End.UTC().Unix())
	}
	return s.buildRecords(db, query)
}

// ExportText builds the record of a single text. A text nobody submitted yields no records.
func (s *Service) ExportText(ctx context.Context, textID int64) ([]export.Record, error) {
	if s == nil || s.db == nil {
		s.logError(opExport, reasonMissingDatabase, errMissingDatabase)
		return nil, newServiceError(opExport, reasonMissingDatabase, errMissingDatabase)
	}
	db := s.db.WithContext(ctx)
	if _, err := s.findText(db, opExport, textID); err != nil {
		return nil, err
	}
	return s.buildRecords(db, submittedTasks(db).Where("annotation_tasks.text_id = ?", textID))
}

func submittedTasks(db *gorm.DB) *gorm.DB {
	return db.Model(&AnnotationTask{}).
		Select("annotation_tasks.*").
		Joins("JOIN texts ON texts.id = annotation_tasks.text_id").
		Where("annotation_tasks.status = ?", TaskStatusSubmitted).
		Where("texts.state NOT IN ?", exportExcludedStates)
}

func (s *Service) buildRecords(db *gorm.DB, query *gorm.DB) ([]export.Record, error) {
	var tasks []AnnotationTask
	if err := query.Order("annotation_tasks.updated_at_s DESC").Order("annotation_tasks.id DESC").Find(&tasks).Error; err != nil {
		s.logError(opExport, "task_select_failed", err)
		return nil, newServiceError(opExport, "task_select_failed", err)
	}
	if len(tasks) == 0 {
		return []export.Record{}, nil
	}

	labels, err := s.errorTypeLabels(db)
	if err != nil {
		return nil, err
	}

	records := make([]export.Record, 0, len(tasks))
	seen := make(map[int64]struct{}, len(tasks))
	for _, task := range tasks {
		if _, done := seen[task.TextID]; done {
			continue
		}
		seen[task.TextID] = struct{}{}

		var text Text
		if err := db.Where("id = ?", task.TextID).Take(&text).Error; err != nil {
			s.logError(opExport, "text_select_failed", err, zap.Int64("text_id", task.TextID))
			return nil, newServiceError(opExport, "text_select_failed", err)
		}
		annotations, err := loadAnnotations(db, task.TextID, task.AnnotatorID)
		if err != nil {
			s.logError(opExport, "annotation_select_failed", err, zap.Int64("text_id", task.TextID))
			return nil, newServiceError(opExport, "annotation_select_failed", err)
		}
		items := make([]edits.Item, 0, len(annotations))
		for _, annotation := range annotations {
			items = append(items, annotation.Item())
		}
		records = append(records, export.BuildRecord(text.ID, text.Content, items, labels))
	}
	return records, nil
}

func (s *Service) errorTypeLabels(db *gorm.DB) (export.LabelFunc, error) {
	var types []ErrorType
	if err := db.Find(&types).Error; err != nil {
		s.logError(opExport, "error_type_select_failed", err)
		return nil, newServiceError(opExport, "error_type_select_failed", err)
	}
	names := make(map[int64]string, len(types))
	for _, errorType := range types {
		names[errorType.ID] = errorType.Label()
	}
	return func(errorTypeID int64) string {
		return names[errorTypeID]
	}, nil
}
