package texts

import (
	"context"
	"errors"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Flag marks a text as skipped or trash for the annotator. The flag replaces any flag of
// the other kind, closes the annotator's task and takes the text out of circulation.
func (s *Service) Flag(ctx context.Context, textID int64, annotator UserID, flagType FlagType, reason *string) error {
	if s == nil || s.db == nil {
		s.logError(opFlag, reasonMissingDatabase, errMissingDatabase)
		return newServiceError(opFlag, reasonMissingDatabase, errMissingDatabase)
	}
	if _, err := ParseFlagType(string(flagType)); err != nil {
		return newServiceError(opFlag, "invalid_flag_type", err)
	}

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		fields := []zap.Field{
			zap.Int64("text_id", textID),
			zap.String("user_id", annotator.String()),
			zap.String("flag_type", string(flagType)),
		}
		if _, err := s.findText(tx.Clauses(clause.Locking{Strength: "UPDATE"}), opFlag, textID); err != nil {
			return err
		}
		now := s.now()

		if err := tx.Where("text_id = ? AND annotator_id = ? AND flag_type <> ?", textID, annotator.String(), flagType).
			Delete(&TextFlag{}).Error; err != nil {
			s.logError(opFlag, "flag_delete_failed", err, fields...)
			return newServiceError(opFlag, "flag_delete_failed", err)
		}
		flag := TextFlag{
			TextID:           textID,
			AnnotatorID:      annotator.String(),
			FlagType:         flagType,
			Reason:           reason,
			CreatedAtSeconds: now,
		}
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "text_id"}, {Name: "annotator_id"}, {Name: "flag_type"}},
			DoUpdates: clause.AssignmentColumns([]string{"reason", "created_at_s"}),
		}).Create(&flag).Error; err != nil {
			s.logError(opFlag, "flag_upsert_failed", err, fields...)
			return newServiceError(opFlag, "flag_upsert_failed", err)
		}

		if err := tx.Model(&AnnotationTask{}).
			Where("text_id = ? AND annotator_id = ?", textID, annotator.String()).
			Updates(map[string]any{"status": TaskStatus(flagType), "updated_at_s": now}).Error; err != nil {
			s.logError(opFlag, "task_update_failed", err, fields...)
			return newServiceError(opFlag, "task_update_failed", err)
		}

		state := TextStateSkipped
		if flagType == FlagTypeTrash {
			state = TextStateTrash
		}
		if err := tx.Model(&Text{}).Where("id = ?", textID).Updates(map[string]any{
			"state":        state,
			"locked_by_id": nil,
			"locked_at_s":  nil,
		}).Error; err != nil {
			s.logError(opFlag, "text_update_failed", err, fields...)
			return newServiceError(opFlag, "text_update_failed", err)
		}
		return nil
	})
	if txErr != nil {
		return txErr
	}
	s.metrics.Flagged(flagType)
	return nil
}

// ClearFlag removes the annotator's flag. Clearing trash returns the text to pending;
// clearing a skip does so only when no other skip remains on the text.
func (s *Service) ClearFlag(ctx context.Context, textID int64, annotator UserID, flagType FlagType) error {
	if s == nil || s.db == nil {
		s.logError(opClearFlag, reasonMissingDatabase, errMissingDatabase)
		return newServiceError(opClearFlag, reasonMissingDatabase, errMissingDatabase)
	}
	if _, err := ParseFlagType(string(flagType)); err != nil {
		return newServiceError(opClearFlag, "invalid_flag_type", err)
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		fields := []zap.Field{
			zap.Int64("text_id", textID),
			zap.String("user_id", annotator.String()),
			zap.String("flag_type", string(flagType)),
		}
		var flag TextFlag
		err := tx.Where("text_id = ? AND annotator_id = ? AND flag_type = ?", textID, annotator.String(), flagType).Take(&flag).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			s.logError(opClearFlag, "flag_select_failed", err, fields...)
			return newServiceError(opClearFlag, "flag_select_failed", err)
		}

		reopen := flagType == FlagTypeTrash
		if flagType == FlagTypeSkip {
			var skips int64
			if err := tx.Model(&TextFlag{}).Where("text_id = ? AND flag_type = ?", textID, FlagTypeSkip).Count(&skips).Error; err != nil {
				s.logError(opClearFlag, "flag_count_failed", err, fields...)
				return newServiceError(opClearFlag, "flag_count_failed", err)
			}
			reopen = skips <= 1
		}
		if reopen {
			if err := tx.Model(&Text{}).Where("id = ?", textID).Update("state", TextStatePending).Error; err != nil {
				s.logError(opClearFlag, "text_update_failed", err, fields...)
				return newServiceError(opClearFlag, "text_update_failed", err)
			}
		}
		if err := tx.Delete(&flag).Error; err != nil {
			s.logError(opClearFlag, "flag_delete_failed", err, fields...)
			return newServiceError(opClearFlag, "flag_delete_failed", err)
		}
		return nil
	})
}
