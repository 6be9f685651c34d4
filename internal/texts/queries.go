package texts

import (
	"cmp"
	"context"
	"errors"
	"slices"

	"github.com/neurotatarlar/gec-annotation-platform/internal/edits"
	"github.com/neurotatarlar/gec-annotation-platform/internal/render"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// CrossValidationState is the status of the downstream cross-validation of a text.
type CrossValidationState struct {
	TextID           int64
	Status           string
	Result           []byte
	UpdatedAtSeconds int64
}

// loadItems returns the annotations of a text ordered by id. An empty author means any author.
func (s *Service) loadItems(tx *gorm.DB, textID int64, author string) ([]edits.Item, error) {
	annotations, err := loadAnnotations(tx, textID, author)
	if err != nil {
		return nil, err
	}
	items := make([]edits.Item, 0, len(annotations))
	for _, annotation := range annotations {
		items = append(items, annotation.Item())
	}
	return items, nil
}

func loadAnnotations(tx *gorm.DB, textID int64, author string) ([]Annotation, error) {
	query := tx.Where("text_id = ?", textID)
	if author != "" {
		query = query.Where("author_id = ?", author)
	}
	var annotations []Annotation
	if err := query.Order("id ASC").Find(&annotations).Error; err != nil {
		return nil, err
	}
	return annotations, nil
}

// ListAnnotations returns the caller's annotations on a text, or everyone's when allAuthors is set.
func (s *Service) ListAnnotations(ctx context.Context, textID int64, caller UserID, allAuthors bool) ([]Annotation, error) {
	if s == nil || s.db == nil {
		s.logError(opListAnnotations, reasonMissingDatabase, errMissingDatabase)
		return nil, newServiceError(opListAnnotations, reasonMissingDatabase, errMissingDatabase)
	}
	db := s.db.WithContext(ctx)
	if _, err := s.findText(db, opListAnnotations, textID); err != nil {
		return nil, err
	}
	author := caller.String()
	if allAuthors {
		author = ""
	}
	annotations, err := loadAnnotations(db, textID, author)
	if err != nil {
		s.logError(opListAnnotations, "annotation_select_failed", err, zap.Int64("text_id", textID))
		return nil, newServiceError(opListAnnotations, "annotation_select_failed", err)
	}
	slices.SortStableFunc(annotations, func(a, b Annotation) int {
		return cmp.Or(
			cmp.Compare(a.StartToken, b.StartToken),
			cmp.Compare(a.EndToken, b.EndToken),
			cmp.Compare(a.ID, b.ID),
		)
	})
	return annotations, nil
}

// RenderPreview renders the text under unsaved edits. The token snapshot stored with
// existing annotations is used when the edits do not carry one.
func (s *Service) RenderPreview(ctx context.Context, textID int64, items []edits.Item) (string, error) {
	if s == nil || s.db == nil {
		s.logError(opRenderText, reasonMissingDatabase, errMissingDatabase)
		return "", newServiceError(opRenderText, reasonMissingDatabase, errMissingDatabase)
	}
	db := s.db.WithContext(ctx)
	text, err := s.findText(db, opRenderText, textID)
	if err != nil {
		return "", err
	}
	for _, item := range items {
		payload := item.Payload
		payload.Operation = item.Operation()
		if err := payload.Validate(); err != nil {
			return "", newServiceError(opRenderText, "invalid_payload", err)
		}
	}
	if len(render.ActiveSnapshot(items)) == 0 {
		stored, err := s.loadItems(db, textID, "")
		if err != nil {
			s.logError(opRenderText, "annotation_select_failed", err, zap.Int64("text_id", textID))
			return "", newServiceError(opRenderText, "annotation_select_failed", err)
		}
		if snapshot := render.ActiveSnapshot(stored); len(snapshot) > 0 {
			carrier := edits.Item{StartToken: edits.NoopSentinel, EndToken: edits.NoopSentinel}
			carrier.Payload.Operation = edits.OperationNoop
			carrier.Payload.TextTokens = snapshot
			items = append([]edits.Item{carrier}, items...)
		}
	}
	return render.Text(text.Content, items), nil
}

// CrossValidationStatus returns the cross-validation row of a text, reporting
// not_started when the text never reached its threshold.
func (s *Service) CrossValidationStatus(ctx context.Context, textID int64) (CrossValidationState, error) {
	if s == nil || s.db == nil {
		s.logError(opCrossValidation, reasonMissingDatabase, errMissingDatabase)
		return CrossValidationState{}, newServiceError(opCrossValidation, reasonMissingDatabase, errMissingDatabase)
	}
	db := s.db.WithContext(ctx)
	if _, err := s.findText(db, opCrossValidation, textID); err != nil {
		return CrossValidationState{}, err
	}
	var row CrossValidationResult
	err := db.Where("text_id = ?", textID).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return CrossValidationState{TextID: textID, Status: CrossValidationNotStarted, Result: []byte("{}")}, nil
	}
	if err != nil {
		s.logError(opCrossValidation, "cross_validation_select_failed", err, zap.Int64("text_id", textID))
		return CrossValidationState{}, newServiceError(opCrossValidation, "cross_validation_select_failed", err)
	}
	return CrossValidationState{
		TextID:           textID,
		Status:           row.Status,
		Result:           []byte(row.Result),
		UpdatedAtSeconds: row.UpdatedAtSeconds,
	}, nil
}

// ListErrorTypes returns the error taxonomy ordered for display.
func (s *Service) ListErrorTypes(ctx context.Context, activeOnly bool) ([]ErrorType, error) {
	if s == nil || s.db == nil {
		s.logError(opListErrorTypes, reasonMissingDatabase, errMissingDatabase)
		return nil, newServiceError(opListErrorTypes, reasonMissingDatabase, errMissingDatabase)
	}
	query := s.db.WithContext(ctx).Model(&ErrorType{})
	if activeOnly {
		query = query.Where("is_active = ?", true)
	}
	var types []ErrorType
	if err := query.Order("sort_order ASC").Order("id ASC").Find(&types).Error; err != nil {
		s.logError(opListErrorTypes, "error_type_select_failed", err)
		return nil, newServiceError(opListErrorTypes, "error_type_select_failed", err)
	}
	return types, nil
}

// ListCategories returns the visible categories.
func (s *Service) ListCategories(ctx context.Context) ([]Category, error) {
	if s == nil || s.db == nil {
		s.logError(opListCategories, reasonMissingDatabase, errMissingDatabase)
		return nil, newServiceError(opListCategories, reasonMissingDatabase, errMissingDatabase)
	}
	var categories []Category
	if err := s.db.WithContext(ctx).Where("is_hidden = ?", false).Order("id ASC").Find(&categories).Error; err != nil {
		s.logError(opListCategories, "category_select_failed", err)
		return nil, newServiceError(opListCategories, "category_select_failed", err)
	}
	return categories, nil
}
