package texts

import (
	"context"
	"errors"

	"github.com/neurotatarlar/gec-annotation-platform/internal/edits"
	"github.com/neurotatarlar/gec-annotation-platform/internal/tokens"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const noopErrorTypeName = "noop"

// SubmitResult reports whether the submission completed the text's annotation pass.
type SubmitResult struct {
	Completed bool
	State     TextState
}

// Submit finishes the annotator's task on a text. An annotator without edits records a
// noop over the whole text. When the submitted count reaches the threshold the text
// moves to cross-validation; otherwise it returns to the pool.
func (s *Service) Submit(ctx context.Context, textID int64, annotator UserID) (SubmitResult, error) {
	if s == nil || s.db == nil {
		s.logError(opSubmit, reasonMissingDatabase, errMissingDatabase)
		return SubmitResult{}, newServiceError(opSubmit, reasonMissingDatabase, errMissingDatabase)
	}

	var result SubmitResult
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		fields := []zap.Field{zap.Int64("text_id", textID), zap.String("user_id", annotator.String())}

		text, err := s.findText(tx.Clauses(clause.Locking{Strength: "UPDATE"}), opSubmit, textID)
		if err != nil {
			return err
		}
		now := s.now()

		task := AnnotationTask{TextID: textID, AnnotatorID: annotator.String(), Status: TaskStatusSubmitted, UpdatedAtSeconds: now}
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "text_id"}, {Name: "annotator_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"status", "updated_at_s"}),
		}).Create(&task).Error; err != nil {
			s.logError(opSubmit, "task_upsert_failed", err, fields...)
			return newServiceError(opSubmit, "task_upsert_failed", err)
		}

		if err := tx.Where("text_id = ? AND annotator_id = ?", textID, annotator.String()).Delete(&TextFlag{}).Error; err != nil {
			s.logError(opSubmit, "flag_delete_failed", err, fields...)
			return newServiceError(opSubmit, "flag_delete_failed", err)
		}

		if err := s.ensureSubmissionRecord(tx, text, annotator, now); err != nil {
			return err
		}

		var submitted int64
		if err := tx.Model(&AnnotationTask{}).Where("text_id = ? AND status = ?", textID, TaskStatusSubmitted).Count(&submitted).Error; err != nil {
			s.logError(opSubmit, "task_count_failed", err, fields...)
			return newServiceError(opSubmit, "task_count_failed", err)
		}

		result.State = TextStatePending
		if submitted >= int64(text.RequiredAnnotations) {
			result.State = TextStateAwaitingCrossValidation
			result.Completed = true
			if err := s.armCrossValidation(tx, textID, now); err != nil {
				return err
			}
		}
		if err := tx.Model(&Text{}).Where("id = ?", textID).Updates(map[string]any{
			"state":        result.State,
			"locked_by_id": nil,
			"locked_at_s":  nil,
		}).Error; err != nil {
			s.logError(opSubmit, "text_update_failed", err, fields...)
			return newServiceError(opSubmit, "text_update_failed", err)
		}
		return nil
	})
	if txErr != nil {
		return SubmitResult{}, txErr
	}
	s.metrics.Submitted(result.Completed)
	return result, nil
}

// ensureSubmissionRecord stores a noop over the whole text for an annotator who submits
// without edits, so that the submission is visible in exports.
func (s *Service) ensureSubmissionRecord(tx *gorm.DB, text Text, annotator UserID, now int64) error {
	fields := []zap.Field{zap.Int64("text_id", text.ID), zap.String("user_id", annotator.String())}

	var count int64
	if err := tx.Model(&Annotation{}).Where("text_id = ? AND author_id = ?", text.ID, annotator.String()).Count(&count).Error; err != nil {
		s.logError(opSubmit, "annotation_count_failed", err, fields...)
		return newServiceError(opSubmit, "annotation_count_failed", err)
	}
	if count > 0 {
		return nil
	}

	errorType, err := s.noopErrorType(tx)
	if err != nil {
		return err
	}
	snapshot, err := s.activeSnapshot(tx, opSubmit, text)
	if err != nil {
		return err
	}
	annotation := Annotation{
		TextID:      text.ID,
		AuthorID:    annotator.String(),
		StartToken:  edits.NoopSentinel,
		EndToken:    edits.NoopSentinel,
		ErrorTypeID: errorType.ID,
		Payload: edits.Payload{
			Operation:        edits.OperationNoop,
			BeforeTokens:     []string{},
			AfterTokens:      []edits.Fragment{},
			TextTokens:       snapshot,
			TextTokensSHA256: tokens.HashTokens(snapshot),
			TextSHA256:       tokens.HashText(text.Content),
			Source:           "manual",
		},
		Version:          1,
		CreatedAtSeconds: now,
		UpdatedAtSeconds: now,
	}
	if err := tx.Create(&annotation).Error; err != nil {
		s.logError(opSubmit, "annotation_insert_failed", err, fields...)
		return newServiceError(opSubmit, "annotation_insert_failed", err)
	}
	version, err := newAnnotationVersion(annotation, now)
	if err != nil {
		s.logError(opSubmit, "version_encode_failed", err, fields...)
		return newServiceError(opSubmit, "version_encode_failed", err)
	}
	if err := tx.Create(&version).Error; err != nil {
		s.logError(opSubmit, "version_insert_failed", err, fields...)
		return newServiceError(opSubmit, "version_insert_failed", err)
	}
	return nil
}

// noopErrorType returns the error type attached to empty submissions, creating it on first use.
func (s *Service) noopErrorType(tx *gorm.DB) (ErrorType, error) {
	var errorType ErrorType
	err := tx.Where("en_name = ?", noopErrorTypeName).Order("id ASC").Take(&errorType).Error
	if err == nil {
		return errorType, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		s.logError(opSubmit, "error_type_lookup_failed", err)
		return ErrorType{}, newServiceError(opSubmit, "error_type_lookup_failed", err)
	}
	errorType = ErrorType{
		Description:  "No correction required",
		CategoryEN:   "Other",
		ENName:       noopErrorTypeName,
		TTName:       noopErrorTypeName,
		DefaultColor: "#94a3b8",
	}
	if err := tx.Create(&errorType).Error; err != nil {
		s.logError(opSubmit, "error_type_insert_failed", err)
		return ErrorType{}, newServiceError(opSubmit, "error_type_insert_failed", err)
	}
	return errorType, nil
}

// armCrossValidation resets the text's cross-validation row to pending with an empty result.
func (s *Service) armCrossValidation(tx *gorm.DB, textID int64, now int64) error {
	row := CrossValidationResult{
		TextID:           textID,
		Status:           CrossValidationPending,
		Result:           datatypes.JSON("{}"),
		UpdatedAtSeconds: now,
	}
	err := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "text_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"status", "result", "updated_at_s"}),
	}).Create(&row).Error
	if err != nil {
		s.logError(opSubmit, "cross_validation_upsert_failed", err, zap.Int64("text_id", textID))
		return newServiceError(opSubmit, "cross_validation_upsert_failed", err)
	}
	return nil
}
