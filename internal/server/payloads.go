package server

import (
	"encoding/json"
	"time"

	"github.com/neurotatarlar/gec-annotation-platform/internal/edits"
	"github.com/neurotatarlar/gec-annotation-platform/internal/texts"
)

type textPayload struct {
	ID                  int64           `json:"id"`
	CategoryID          int64           `json:"category_id"`
	ExternalID          *string         `json:"external_id"`
	Content             string          `json:"content"`
	RequiredAnnotations int             `json:"required_annotations"`
	State               texts.TextState `json:"state"`
}

func newTextPayload(text texts.Text) textPayload {
	return textPayload{
		ID:                  text.ID,
		CategoryID:          text.CategoryID,
		ExternalID:          text.ExternalID,
		Content:             text.Content,
		RequiredAnnotations: text.RequiredAnnotations,
		State:               text.State,
	}
}

type annotationPayload struct {
	ID          int64         `json:"id"`
	TextID      int64         `json:"text_id"`
	AuthorID    string        `json:"author_id"`
	StartToken  int           `json:"start_token"`
	EndToken    int           `json:"end_token"`
	Replacement *string       `json:"replacement"`
	ErrorTypeID int64         `json:"error_type_id"`
	Payload     edits.Payload `json:"payload"`
	Version     int64         `json:"version"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
}

func newAnnotationPayloads(annotations []texts.Annotation) []annotationPayload {
	result := make([]annotationPayload, 0, len(annotations))
	for _, annotation := range annotations {
		result = append(result, annotationPayload{
			ID:          annotation.ID,
			TextID:      annotation.TextID,
			AuthorID:    annotation.AuthorID,
			StartToken:  annotation.StartToken,
			EndToken:    annotation.EndToken,
			Replacement: annotation.Replacement,
			ErrorTypeID: annotation.ErrorTypeID,
			Payload:     annotation.Payload,
			Version:     annotation.Version,
			CreatedAt:   time.Unix(annotation.CreatedAtSeconds, 0).UTC(),
			UpdatedAt:   time.Unix(annotation.UpdatedAtSeconds, 0).UTC(),
		})
	}
	return result
}

type assignmentPayload struct {
	Text          textPayload         `json:"text"`
	Annotations   []annotationPayload `json:"annotations"`
	LockExpiresAt time.Time           `json:"lock_expires_at"`
}

type saveAnnotationsRequest struct {
	Annotations   []edits.Item `json:"annotations"`
	ClientVersion int64        `json:"client_version" binding:"gte=0"`
	DeletedIDs    []int64      `json:"deleted_ids" binding:"omitempty,dive,gt=0"`
}

type renderRequest struct {
	Annotations []edits.Item `json:"annotations"`
}

type renderResponse struct {
	CorrectedText string `json:"corrected_text"`
}

type submitResponse struct {
	Status    string          `json:"status"`
	Completed bool            `json:"completed"`
	State     texts.TextState `json:"state"`
}

type releaseLocksResponse struct {
	Released int64 `json:"released"`
}

type flagRequest struct {
	Reason *string `json:"reason" binding:"omitempty,max=2000"`
}

type importRequest struct {
	CategoryID          int64               `json:"category_id" binding:"required,gt=0"`
	RequiredAnnotations int                 `json:"required_annotations" binding:"gte=0"`
	Texts               []texts.ImportEntry `json:"texts" binding:"required,min=1"`
}

type crossValidationPayload struct {
	TextID    int64           `json:"text_id"`
	Status    string          `json:"status"`
	Result    json.RawMessage `json:"result"`
	UpdatedAt *time.Time      `json:"updated_at"`
}

func newCrossValidationPayload(state texts.CrossValidationState) crossValidationPayload {
	payload := crossValidationPayload{
		TextID: state.TextID,
		Status: state.Status,
		Result: json.RawMessage(state.Result),
	}
	if len(payload.Result) == 0 {
		payload.Result = json.RawMessage("{}")
	}
	if state.UpdatedAtSeconds > 0 {
		updatedAt := time.Unix(state.UpdatedAtSeconds, 0).UTC()
		payload.UpdatedAt = &updatedAt
	}
	return payload
}

// diffEntryPayload is written as [start_token, end_token, replacement, error_type_id].
type diffEntryPayload [4]any

type diffPairPayload struct {
	Pair      [2]string          `json:"pair"`
	OnlyLeft  []diffEntryPayload `json:"only_left"`
	OnlyRight []diffEntryPayload `json:"only_right"`
}

type textDiffPayload struct {
	TextID int64             `json:"text_id"`
	Pairs  []diffPairPayload `json:"pairs"`
}

func newTextDiffPayload(textID int64, diffs []texts.AuthorDiff) textDiffPayload {
	entries := func(source []texts.DiffEntry) []diffEntryPayload {
		result := make([]diffEntryPayload, 0, len(source))
		for _, entry := range source {
			result = append(result, diffEntryPayload{entry.StartToken, entry.EndToken, entry.Replacement, entry.ErrorTypeID})
		}
		return result
	}
	payload := textDiffPayload{TextID: textID, Pairs: make([]diffPairPayload, 0, len(diffs))}
	for _, diff := range diffs {
		payload.Pairs = append(payload.Pairs, diffPairPayload{
			Pair:      [2]string{diff.Left, diff.Right},
			OnlyLeft:  entries(diff.OnlyLeft),
			OnlyRight: entries(diff.OnlyRight),
		})
	}
	return payload
}

type categoryPayload struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

type errorTypePayload struct {
	ID            int64  `json:"id"`
	Label         string `json:"label"`
	Description   string `json:"description"`
	DefaultColor  string `json:"default_color"`
	DefaultHotkey string `json:"default_hotkey"`
	CategoryEN    string `json:"category_en"`
	CategoryTT    string `json:"category_tt"`
	ENName        string `json:"en_name"`
	TTName        string `json:"tt_name"`
	SortOrder     int    `json:"sort_order"`
	IsActive      bool   `json:"is_active"`
}
