package texts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"slices"

	"github.com/neurotatarlar/gec-annotation-platform/internal/edits"
	"github.com/neurotatarlar/gec-annotation-platform/internal/tokens"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gorm.io/gorm"
)

const summaryLimit = 5

// SaveRequest is one batch of edits from an annotator.
type SaveRequest struct {
	Items         []edits.Item
	DeletedIDs    []int64
	ClientVersion int64
}

// SaveAnnotations merges a batch of edits into the author's annotations on a text.
// Deletions run first and may target any author. Each remaining item updates the
// author's row with the same id or span, is dropped when another author already holds
// identical content at that span, adopts another author's differing row at that span,
// or is inserted at version 1. Every changed row gets a version snapshot. The whole batch
// rolls back on the first validation or conflict error.
func (s *Service) SaveAnnotations(ctx context.Context, textID int64, author UserID, request SaveRequest) ([]Annotation, error) {
	if s == nil || s.db == nil {
		s.logError(opSaveAnnotations, reasonMissingDatabase, errMissingDatabase)
		return nil, newServiceError(opSaveAnnotations, reasonMissingDatabase, errMissingDatabase)
	}

	var saved []Annotation
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		text, err := s.findText(tx, opSaveAnnotations, textID)
		if err != nil {
			return err
		}
		result, err := s.reconcile(tx, text, author, request)
		if err != nil {
			return err
		}
		saved = result
		return nil
	})
	if txErr != nil {
		if isRejection(txErr) {
			s.loggerOrDefault().Warn("annotation save rejected",
				zap.Int64("text_id", textID),
				zap.String("user_id", author.String()),
				zap.Int64("client_version", request.ClientVersion),
				zap.Int("count", len(request.Items)),
				zap.Array("summary", batchSummary(request.Items)),
				zap.Error(txErr))
			s.metrics.AnnotationsSaved(OutcomeRejected, len(request.Items))
		}
		return nil, txErr
	}
	s.metrics.AnnotationsSaved(OutcomeSaved, len(saved))
	return saved, nil
}

func isRejection(err error) bool {
	return errors.Is(err, ErrStaleClientVersion) ||
		errors.Is(err, ErrStaleTextHash) ||
		errors.Is(err, ErrConcurrentUpdate) ||
		errors.Is(err, edits.ErrInvalidPayload) ||
		errors.Is(err, ErrErrorTypeNotFound)
}

type reconciler struct {
	service   *Service
	tx        *gorm.DB
	text      Text
	author    string
	now       int64
	ownByID   map[int64]*Annotation
	ownBySpan map[spanKey]*Annotation
	other     map[int64]*Annotation
	otherSpan map[spanKey][]*Annotation
	saved     []*Annotation
	versions  []AnnotationVersion
}

func (s *Service) reconcile(tx *gorm.DB, text Text, author UserID, request SaveRequest) ([]Annotation, error) {
	fields := []zap.Field{zap.Int64("text_id", text.ID), zap.String("user_id", author.String())}

	var own []Annotation
	if err := tx.Where("text_id = ? AND author_id = ?", text.ID, author.String()).Order("id ASC").Find(&own).Error; err != nil {
		s.logError(opSaveAnnotations, "annotation_select_failed", err, fields...)
		return nil, newServiceError(opSaveAnnotations, "annotation_select_failed", err)
	}
	var serverVersion int64
	for _, annotation := range own {
		serverVersion = max(serverVersion, annotation.Version)
	}
	if request.ClientVersion != 0 && request.ClientVersion < serverVersion {
		return nil, newServiceError(opSaveAnnotations, "stale_version", ErrStaleClientVersion)
	}

	deleted := make(map[int64]struct{}, len(request.DeletedIDs))
	for _, id := range request.DeletedIDs {
		deleted[id] = struct{}{}
	}

	items, err := s.prepareItems(tx, text, request.Items, deleted)
	if err != nil {
		return nil, err
	}
	if err := s.ensureErrorTypes(tx, items); err != nil {
		return nil, err
	}

	if len(deleted) > 0 {
		ids := make([]int64, 0, len(deleted))
		for id := range deleted {
			ids = append(ids, id)
		}
		slices.Sort(ids)
		scoped := tx.Model(&Annotation{}).Select("id").Where("text_id = ? AND id IN ?", text.ID, ids)
		if err := tx.Where("annotation_id IN (?)", scoped).Delete(&AnnotationVersion{}).Error; err != nil {
			s.logError(opSaveAnnotations, "version_delete_failed", err, fields...)
			return nil, newServiceError(opSaveAnnotations, "version_delete_failed", err)
		}
		if err := tx.Where("text_id = ? AND id IN ?", text.ID, ids).Delete(&Annotation{}).Error; err != nil {
			s.logError(opSaveAnnotations, "annotation_delete_failed", err, fields...)
			return nil, newServiceError(opSaveAnnotations, "annotation_delete_failed", err)
		}
		own = slices.DeleteFunc(own, func(annotation Annotation) bool {
			_, gone := deleted[annotation.ID]
			return gone
		})
	}

	var others []Annotation
	if err := tx.Where("text_id = ? AND author_id <> ?", text.ID, author.String()).Order("id ASC").Find(&others).Error; err != nil {
		s.logError(opSaveAnnotations, "annotation_select_failed", err, fields...)
		return nil, newServiceError(opSaveAnnotations, "annotation_select_failed", err)
	}

	r := &reconciler{
		service:   s,
		tx:        tx,
		text:      text,
		author:    author.String(),
		now:       s.now(),
		ownByID:   make(map[int64]*Annotation, len(own)),
		ownBySpan: make(map[spanKey]*Annotation, len(own)),
		other:     make(map[int64]*Annotation, len(others)),
		otherSpan: make(map[spanKey][]*Annotation),
	}
	for index := range own {
		r.remember(&own[index])
	}
	for index := range others {
		annotation := &others[index]
		r.other[annotation.ID] = annotation
		r.otherSpan[annotation.spanKey()] = append(r.otherSpan[annotation.spanKey()], annotation)
	}

	for _, item := range items {
		if err := r.apply(item); err != nil {
			return nil, err
		}
	}
	if err := r.writeVersions(); err != nil {
		return nil, err
	}

	result := make([]Annotation, 0, len(r.saved))
	for _, annotation := range r.saved {
		result = append(result, *annotation)
	}
	return result, nil
}

// prepareItems validates every item and attaches the text hash, token snapshot and
// derived replacement before anything is written.
func (s *Service) prepareItems(tx *gorm.DB, text Text, items []edits.Item, deleted map[int64]struct{}) ([]edits.Item, error) {
	textHash := tokens.HashText(text.Content)
	var snapshot []string
	prepared := make([]edits.Item, 0, len(items))
	for _, item := range items {
		if item.ID != nil {
			if _, gone := deleted[*item.ID]; gone {
				continue
			}
		}
		if item.Payload.Operation == "" {
			item.Payload.Operation = edits.OperationReplace
		}
		if err := item.Validate(); err != nil {
			return nil, newServiceError(opSaveAnnotations, "invalid_payload", err)
		}
		if item.Payload.TextSHA256 != "" && item.Payload.TextSHA256 != textHash {
			return nil, newServiceError(opSaveAnnotations, "stale_text_hash", ErrStaleTextHash)
		}
		item.Payload.TextSHA256 = textHash

		if len(item.Payload.TextTokens) == 0 {
			if snapshot == nil {
				active, err := s.activeSnapshot(tx, opSaveAnnotations, text)
				if err != nil {
					return nil, err
				}
				snapshot = active
			}
			item.Payload.TextTokens = slices.Clone(snapshot)
			item.Payload.TextTokensSHA256 = tokens.HashTokens(snapshot)
		} else if item.Payload.TextTokensSHA256 == "" {
			item.Payload.TextTokensSHA256 = tokens.HashTokens(item.Payload.TextTokens)
		}

		if item.Payload.Operation == edits.OperationNoop {
			if item.Replacement != nil && *item.Replacement == "" {
				item.Replacement = nil
			}
		} else if item.Replacement == nil {
			item.Replacement = edits.DeriveReplacement(item.Payload)
		}
		prepared = append(prepared, item)
	}
	return prepared, nil
}

// activeSnapshot returns the token snapshot already used by annotations on the text,
// or a fresh tokenization when nobody has annotated it yet.
func (s *Service) activeSnapshot(tx *gorm.DB, operation string, text Text) ([]string, error) {
	existing, err := s.loadItems(tx, text.ID, "")
	if err != nil {
		s.logError(operation, "annotation_select_failed", err, zap.Int64("text_id", text.ID))
		return nil, newServiceError(operation, "annotation_select_failed", err)
	}
	for _, item := range existing {
		if len(item.Payload.TextTokens) > 0 {
			return item.Payload.TextTokens, nil
		}
	}
	return tokens.Texts(tokens.Tokenize(text.Content)), nil
}

func (s *Service) ensureErrorTypes(tx *gorm.DB, items []edits.Item) error {
	ids := make([]int64, 0, len(items))
	for _, item := range items {
		if !slices.Contains(ids, item.ErrorTypeID) {
			ids = append(ids, item.ErrorTypeID)
		}
	}
	if len(ids) == 0 {
		return nil
	}
	var count int64
	if err := tx.Model(&ErrorType{}).Where("id IN ?", ids).Count(&count).Error; err != nil {
		s.logError(opSaveAnnotations, "error_type_lookup_failed", err)
		return newServiceError(opSaveAnnotations, "error_type_lookup_failed", err)
	}
	if count != int64(len(ids)) {
		return newServiceError(opSaveAnnotations, "error_type_not_found", ErrErrorTypeNotFound)
	}
	return nil
}

func (r *reconciler) remember(annotation *Annotation) {
	r.ownByID[annotation.ID] = annotation
	if _, taken := r.ownBySpan[annotation.spanKey()]; !taken {
		r.ownBySpan[annotation.spanKey()] = annotation
	}
}

func (r *reconciler) forget(annotation *Annotation) {
	if r.ownBySpan[annotation.spanKey()] == annotation {
		delete(r.ownBySpan, annotation.spanKey())
	}
}

func (r *reconciler) apply(item edits.Item) error {
	span := spanKey{start: item.StartToken, end: item.EndToken}

	var own *Annotation
	if item.ID != nil {
		own = r.ownByID[*item.ID]
	}
	if own == nil {
		own = r.ownBySpan[span]
	}
	if own != nil {
		if sameStoredFields(*own, item) {
			return r.markSaved(own, false)
		}
		return r.overwrite(own, item)
	}

	var other *Annotation
	if item.ID != nil {
		other = r.other[*item.ID]
	}
	if other == nil {
		candidates := r.otherSpan[span]
		for _, candidate := range candidates {
			if edits.SameContent(candidate.Item(), item) {
				return nil
			}
		}
		if len(candidates) > 0 {
			other = candidates[0]
		}
	}
	if other != nil {
		if edits.SameContent(other.Item(), item) {
			return nil
		}
		r.release(other)
		return r.overwrite(other, item)
	}

	return r.insert(item)
}

// release moves an adopted row out of the other-author indexes.
func (r *reconciler) release(annotation *Annotation) {
	delete(r.other, annotation.ID)
	key := annotation.spanKey()
	r.otherSpan[key] = slices.DeleteFunc(r.otherSpan[key], func(candidate *Annotation) bool {
		return candidate == annotation
	})
}

func (r *reconciler) overwrite(annotation *Annotation, item edits.Item) error {
	fields := []zap.Field{
		zap.Int64("text_id", r.text.ID),
		zap.Int64("annotation_id", annotation.ID),
		zap.String("user_id", r.author),
	}
	result := r.tx.Model(&Annotation{}).
		Where("id = ? AND version = ?", annotation.ID, annotation.Version).
		Updates(map[string]any{
			"author_id":     r.author,
			"start_token":   item.StartToken,
			"end_token":     item.EndToken,
			"replacement":   item.Replacement,
			"error_type_id": item.ErrorTypeID,
			"payload":       item.Payload,
			"version":       annotation.Version + 1,
			"updated_at_s":  r.now,
		})
	if result.Error != nil {
		r.service.logError(opSaveAnnotations, "annotation_update_failed", result.Error, fields...)
		return newServiceError(opSaveAnnotations, "annotation_update_failed", result.Error)
	}
	if result.RowsAffected == 0 {
		return newServiceError(opSaveAnnotations, "concurrent_update", ErrConcurrentUpdate)
	}

	r.forget(annotation)
	annotation.AuthorID = r.author
	annotation.StartToken = item.StartToken
	annotation.EndToken = item.EndToken
	annotation.Replacement = item.Replacement
	annotation.ErrorTypeID = item.ErrorTypeID
	annotation.Payload = item.Payload
	annotation.Version++
	annotation.UpdatedAtSeconds = r.now
	r.remember(annotation)
	return r.markSaved(annotation, true)
}

func (r *reconciler) insert(item edits.Item) error {
	annotation := &Annotation{
		TextID:           r.text.ID,
		AuthorID:         r.author,
		StartToken:       item.StartToken,
		EndToken:         item.EndToken,
		Replacement:      item.Replacement,
		ErrorTypeID:      item.ErrorTypeID,
		Payload:          item.Payload,
		Version:          1,
		CreatedAtSeconds: r.now,
		UpdatedAtSeconds: r.now,
	}
	if err := r.tx.Create(annotation).Error; err != nil {
		r.service.logError(opSaveAnnotations, "annotation_insert_failed", err,
			zap.Int64("text_id", r.text.ID),
			zap.String("user_id", r.author))
		return newServiceError(opSaveAnnotations, "annotation_insert_failed", err)
	}
	r.remember(annotation)
	return r.markSaved(annotation, true)
}

func (r *reconciler) markSaved(annotation *Annotation, changed bool) error {
	if !slices.Contains(r.saved, annotation) {
		r.saved = append(r.saved, annotation)
	}
	if !changed {
		return nil
	}
	version, err := newAnnotationVersion(*annotation, r.now)
	if err != nil {
		r.service.logError(opSaveAnnotations, "version_encode_failed", err, zap.Int64("annotation_id", annotation.ID))
		return newServiceError(opSaveAnnotations, "version_encode_failed", err)
	}
	r.versions = append(r.versions, version)
	return nil
}

func (r *reconciler) writeVersions() error {
	if len(r.versions) == 0 {
		return nil
	}
	if err := r.tx.Create(&r.versions).Error; err != nil {
		r.service.logError(opSaveAnnotations, "version_insert_failed", err, zap.Int64("text_id", r.text.ID))
		return newServiceError(opSaveAnnotations, "version_insert_failed", err)
	}
	return nil
}

// sameStoredFields reports whether writing item over annotation would change nothing.
func sameStoredFields(annotation Annotation, item edits.Item) bool {
	if annotation.StartToken != item.StartToken || annotation.EndToken != item.EndToken {
		return false
	}
	if annotation.ErrorTypeID != item.ErrorTypeID {
		return false
	}
	if (annotation.Replacement == nil) != (item.Replacement == nil) {
		return false
	}
	if annotation.Replacement != nil && *annotation.Replacement != *item.Replacement {
		return false
	}
	stored, err := json.Marshal(annotation.Payload)
	if err != nil {
		return false
	}
	incoming, err := json.Marshal(item.Payload)
	if err != nil {
		return false
	}
	return bytes.Equal(stored, incoming)
}

type batchSummary []edits.Item

func (b batchSummary) MarshalLogArray(encoder zapcore.ArrayEncoder) error {
	for index, item := range b {
		if index == summaryLimit {
			break
		}
		if err := encoder.AppendObject(itemSummary(item)); err != nil {
			return err
		}
	}
	return nil
}

type itemSummary edits.Item

func (i itemSummary) MarshalLogObject(encoder zapcore.ObjectEncoder) error {
	encoder.AddInt("start", i.StartToken)
	encoder.AddInt("end", i.EndToken)
	encoder.AddString("op", string(i.Payload.Operation))
	encoder.AddInt("before_len", len(i.Payload.BeforeTokens))
	encoder.AddInt("after_len", len(i.Payload.AfterTokens))
	encoder.AddString("hash", i.Payload.TextSHA256)
	encoder.AddBool("has_id", i.ID != nil)
	return nil
}
