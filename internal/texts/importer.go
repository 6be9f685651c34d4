package texts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/neurotatarlar/gec-annotation-platform/internal/edits"
	"github.com/neurotatarlar/gec-annotation-platform/internal/tokens"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const defaultRequiredAnnotations = 2

// ImportEntry is one text to import, given either as a bare string or as an object
// with an optional external id and pre-made annotations.
type ImportEntry struct {
	ExternalID  string       `json:"id,omitempty"`
	Body        string       `json:"text"`
	Annotations []edits.Item `json:"annotations,omitempty"`
}

// UnmarshalJSON accepts a JSON string or an object.
func (e *ImportEntry) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '"' {
		var body string
		if err := json.Unmarshal(trimmed, &body); err != nil {
			return err
		}
		*e = ImportEntry{Body: body}
		return nil
	}
	type plain ImportEntry
	var decoded plain
	if err := json.Unmarshal(trimmed, &decoded); err != nil {
		return err
	}
	*e = ImportEntry(decoded)
	return nil
}

// ImportRequest adds texts to a category.
type ImportRequest struct {
	CategoryID          int64         `json:"category_id"`
	RequiredAnnotations int           `json:"required_annotations"`
	Texts               []ImportEntry `json:"texts"`
}

// ImportResult counts inserted texts and entries skipped as duplicates.
type ImportResult struct {
	Inserted int `json:"inserted"`
	Skipped  int `json:"skipped"`
}

// Import inserts texts into a category. Blank bodies are ignored. Entries whose external
// id (the body hash when absent) already exists in the category or repeats within the
// request are skipped. Annotations that come with an entry are stored as a submitted
// task of the importer, which may complete the text right away.
func (s *Service) Import(ctx context.Context, importer UserID, request ImportRequest) (ImportResult, error) {
	if s == nil || s.db == nil {
		s.logError(opImport, reasonMissingDatabase, errMissingDatabase)
		return ImportResult{}, newServiceError(opImport, reasonMissingDatabase, errMissingDatabase)
	}
	required := request.RequiredAnnotations
	if required <= 0 {
		required = defaultRequiredAnnotations
	}

	entries := make([]ImportEntry, 0, len(request.Texts))
	for _, entry := range request.Texts {
		if strings.TrimSpace(entry.Body) == "" {
			continue
		}
		if entry.ExternalID == "" {
			entry.ExternalID = tokens.HashText(entry.Body)
		}
		entries = append(entries, entry)
	}
	if len(entries) == 0 {
		return ImportResult{}, newServiceError(opImport, "empty_import", fmt.Errorf("%w: no texts provided", ErrInvalidRequest))
	}

	var result ImportResult
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var category Category
		err := tx.Where("id = ?", request.CategoryID).Take(&category).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return newServiceError(opImport, "category_not_found", ErrCategoryNotFound)
		}
		if err != nil {
			s.logError(opImport, "category_lookup_failed", err, zap.Int64("category_id", request.CategoryID))
			return newServiceError(opImport, "category_lookup_failed", err)
		}

		externalIDs := make([]string, 0, len(entries))
		for _, entry := range entries {
			externalIDs = append(externalIDs, entry.ExternalID)
		}
		var existing []string
		if err := tx.Model(&Text{}).
			Where("category_id = ? AND external_id IN ?", category.ID, externalIDs).
			Pluck("external_id", &existing).Error; err != nil {
			s.logError(opImport, "text_select_failed", err, zap.Int64("category_id", category.ID))
			return newServiceError(opImport, "text_select_failed", err)
		}
		seen := make(map[string]struct{}, len(entries))
		for _, externalID := range existing {
			seen[externalID] = struct{}{}
		}

		now := s.now()
		for _, entry := range entries {
			if _, duplicate := seen[entry.ExternalID]; duplicate {
				result.Skipped++
				continue
			}
			seen[entry.ExternalID] = struct{}{}
			if err := s.importEntry(tx, category.ID, required, importer, entry, now); err != nil {
				return err
			}
			result.Inserted++
		}
		return nil
	})
	if txErr != nil {
		return ImportResult{}, txErr
	}
	s.loggerOrDefault().Info("texts imported",
		zap.Int64("category_id", request.CategoryID),
		zap.Int("inserted", result.Inserted),
		zap.Int("skipped", result.Skipped))
	return result, nil
}

func (s *Service) importEntry(tx *gorm.DB, categoryID int64, required int, importer UserID, entry ImportEntry, now int64) error {
	externalID := entry.ExternalID
	text := Text{
		ExternalID:          &externalID,
		CategoryID:          categoryID,
		Content:             entry.Body,
		RequiredAnnotations: required,
		State:               TextStatePending,
		CreatedAtSeconds:    now,
	}
	if err := tx.Create(&text).Error; err != nil {
		s.logError(opImport, "text_insert_failed", err, zap.String("external_id", externalID))
		return newServiceError(opImport, "text_insert_failed", err)
	}
	if len(entry.Annotations) == 0 {
		return nil
	}

	if _, err := s.reconcile(tx, text, importer, SaveRequest{Items: entry.Annotations}); err != nil {
		return err
	}
	task := AnnotationTask{TextID: text.ID, AnnotatorID: importer.String(), Status: TaskStatusSubmitted, UpdatedAtSeconds: now}
	if err := tx.Create(&task).Error; err != nil {
		s.logError(opImport, "task_insert_failed", err, zap.Int64("text_id", text.ID))
		return newServiceError(opImport, "task_insert_failed", err)
	}
	if required > 1 {
		return nil
	}
	if err := s.armCrossValidation(tx, text.ID, now); err != nil {
		return err
	}
	if err := tx.Model(&Text{}).Where("id = ?", text.ID).Update("state", TextStateAwaitingCrossValidation).Error; err != nil {
		s.logError(opImport, "text_update_failed", err, zap.Int64("text_id", text.ID))
		return newServiceError(opImport, "text_update_failed", err)
	}
	return nil
}
