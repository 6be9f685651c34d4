package texts

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Assignment is a text handed to an annotator together with the annotator's own edits on it.
type Assignment struct {
	Text          Text
	Annotations   []Annotation
	LockExpiresAt time.Time
}

// claimLock skips rows another transaction is claiming. Dialects without row locks drop it
// and rely on serialized writes instead.
var claimLock = clause.Locking{Strength: "UPDATE", Table: clause.Table{Name: "texts"}, Options: "SKIP LOCKED"}

const submittedBelowThreshold = "(SELECT COUNT(*) FROM annotation_tasks AS submitted_tasks" +
	" WHERE submitted_tasks.text_id = texts.id AND submitted_tasks.status = ?) < texts.required_annotations"

// NextText hands the annotator a text from the category. A text the annotator already
// works on is served again; otherwise the lowest-id eligible text is claimed. Expired
// locks are released first.
func (s *Service) NextText(ctx context.Context, categoryID int64, annotator UserID) (Assignment, error) {
	if s == nil || s.db == nil {
		s.logError(opNextText, reasonMissingDatabase, errMissingDatabase)
		return Assignment{}, newServiceError(opNextText, reasonMissingDatabase, errMissingDatabase)
	}

	var assignment Assignment
	outcome := OutcomeAssigned
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		fields := []zap.Field{zap.Int64("category_id", categoryID), zap.String("user_id", annotator.String())}

		var category Category
		err := tx.Where("id = ?", categoryID).Take(&category).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return newServiceError(opNextText, "category_not_found", ErrCategoryNotFound)
		}
		if err != nil {
			s.logError(opNextText, "category_lookup_failed", err, fields...)
			return newServiceError(opNextText, "category_lookup_failed", err)
		}

		now := s.clock().UTC()
		if _, err := s.releaseExpiredLocks(tx, now); err != nil {
			return err
		}

		text, resumed, err := s.pickText(tx, categoryID, annotator)
		if err != nil {
			return err
		}
		if text == nil {
			return newServiceError(opNextText, "no_texts_available", ErrNoTextsAvailable)
		}
		if resumed {
			outcome = OutcomeResumed
		}

		if err := s.claimText(tx, text, annotator, now); err != nil {
			return err
		}
		if err := s.activateTask(tx, text.ID, annotator, now.Unix()); err != nil {
			return err
		}

		annotations, err := loadAnnotations(tx, text.ID, annotator.String())
		if err != nil {
			s.logError(opNextText, "annotation_select_failed", err, fields...)
			return newServiceError(opNextText, "annotation_select_failed", err)
		}
		assignment = Assignment{
			Text:          *text,
			Annotations:   annotations,
			LockExpiresAt: now.Add(s.lockTTL),
		}
		return nil
	})
	if txErr != nil {
		if errors.Is(txErr, ErrNoTextsAvailable) {
			s.metrics.AssignmentServed(OutcomeEmpty)
		}
		return Assignment{}, txErr
	}
	s.metrics.AssignmentServed(outcome)
	return assignment, nil
}

// ReleaseExpiredLocks clears every text lock older than the lock TTL and reports how many were cleared.
func (s *Service) ReleaseExpiredLocks(ctx context.Context) (int64, error) {
	if s == nil || s.db == nil {
		s.logError(opReleaseExpiredLocks, reasonMissingDatabase, errMissingDatabase)
		return 0, newServiceError(opReleaseExpiredLocks, reasonMissingDatabase, errMissingDatabase)
	}
	var released int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		count, err := s.releaseExpiredLocks(tx, s.clock().UTC())
		released = count
		return err
	})
	return released, err
}

func (s *Service) releaseExpiredLocks(tx *gorm.DB, now time.Time) (int64, error) {
	cutoff := now.Add(-s.lockTTL).Unix()
	result := tx.Model(&Text{}).
		Where("locked_at_s IS NOT NULL AND locked_at_s < ?", cutoff).
		Updates(map[string]any{"locked_by_id": nil, "locked_at_s": nil})
	if result.Error != nil {
		s.logError(opReleaseExpiredLocks, "lock_release_failed", result.Error)
		return 0, newServiceError(opReleaseExpiredLocks, "lock_release_failed", result.Error)
	}
	if result.RowsAffected > 0 {
		s.loggerOrDefault().Info("expired text locks released", zap.Int64("count", result.RowsAffected))
		s.metrics.LocksReleased(result.RowsAffected)
	}
	return result.RowsAffected, nil
}

// eligible narrows a text query to texts the annotator may work on in the category.
func (s *Service) eligible(tx *gorm.DB, query *gorm.DB, categoryID int64, annotator UserID) *gorm.DB {
	flagged := tx.Model(&TextFlag{}).Select("text_id").Where("annotator_id = ?", annotator.String())
	query = query.
		Where("texts.category_id = ? AND texts.state IN ?", categoryID, assignableTextStates).
		Where("texts.id NOT IN (?)", flagged).
		Where("(texts.locked_by_id IS NULL OR texts.locked_by_id = ?)", annotator.String())
	if !s.sharedTexts {
		finished := tx.Model(&AnnotationTask{}).Select("text_id").Where("status IN ?", terminalTaskStatuses)
		query = query.Where("texts.id NOT IN (?)", finished)
	}
	return query
}

// pickText selects, under a skip-locked row lock, the text to hand out. resumed reports
// whether the annotator already had an open task on it.
func (s *Service) pickText(tx *gorm.DB, categoryID int64, annotator UserID) (*Text, bool, error) {
	fields := []zap.Field{zap.Int64("category_id", categoryID), zap.String("user_id", annotator.String())}

	var current Text
	err := s.eligible(tx, tx.Model(&Text{}), categoryID, annotator).
		Select("texts.*").
		Joins("JOIN annotation_tasks ON annotation_tasks.text_id = texts.id").
		Where("annotation_tasks.annotator_id = ? AND annotation_tasks.status NOT IN ?", annotator.String(), terminalTaskStatuses).
		Order("annotation_tasks.updated_at_s DESC").
		Order("texts.id DESC").
		Clauses(claimLock).
		Take(&current).Error
	if err == nil {
		return &current, true, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		s.logError(opNextText, "task_select_failed", err, fields...)
		return nil, false, newServiceError(opNextText, "task_select_failed", err)
	}

	var candidate Text
	tasked := tx.Model(&AnnotationTask{}).Select("text_id").Where("annotator_id = ?", annotator.String())
	err = s.eligible(tx, tx.Model(&Text{}), categoryID, annotator).
		Where("texts.id NOT IN (?)", tasked).
		Where(submittedBelowThreshold, TaskStatusSubmitted).
		Order("texts.id ASC").
		Clauses(claimLock).
		Take(&candidate).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		s.logError(opNextText, "text_select_failed", err, fields...)
		return nil, false, newServiceError(opNextText, "text_select_failed", err)
	}
	return &candidate, false, nil
}

// claimText takes the lock with a compare-and-set so that a lock held by someone else
// is never overwritten, even on stores without row locks.
func (s *Service) claimText(tx *gorm.DB, text *Text, annotator UserID, now time.Time) error {
	lockedBy := annotator.String()
	lockedAt := now.Unix()
	result := tx.Model(&Text{}).
		Where("id = ? AND (locked_by_id IS NULL OR locked_by_id = ?)", text.ID, lockedBy).
		Updates(map[string]any{
			"locked_by_id": lockedBy,
			"locked_at_s":  lockedAt,
			"state":        TextStateInAnnotation,
		})
	if result.Error != nil {
		s.logError(opNextText, "text_claim_failed", result.Error, zap.Int64("text_id", text.ID))
		return newServiceError(opNextText, "text_claim_failed", result.Error)
	}
	if result.RowsAffected == 0 {
		return newServiceError(opNextText, "claim_conflict", ErrConcurrentUpdate)
	}
	text.LockedByID = &lockedBy
	text.LockedAtSeconds = &lockedAt
	text.State = TextStateInAnnotation
	return nil
}

func (s *Service) activateTask(tx *gorm.DB, textID int64, annotator UserID, now int64) error {
	task := AnnotationTask{
		TextID:           textID,
		AnnotatorID:      annotator.String(),
		Status:           TaskStatusInProgress,
		UpdatedAtSeconds: now,
	}
	err := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "text_id"}, {Name: "annotator_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"status", "updated_at_s"}),
	}).Create(&task).Error
	if err != nil {
		s.logError(opNextText, "task_upsert_failed", err,
			zap.Int64("text_id", textID),
			zap.String("user_id", annotator.String()))
		return newServiceError(opNextText, "task_upsert_failed", err)
	}
	return nil
}
