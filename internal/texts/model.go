package texts

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/neurotatarlar/gec-annotation-platform/internal/edits"
	"gorm.io/datatypes"
)

// TextState is the lifecycle state of a text.
type TextState string

const (
	TextStatePending                 TextState = "pending"
	TextStateInAnnotation            TextState = "in_annotation"
	TextStateAwaitingCrossValidation TextState = "awaiting_cross_validation"
	TextStateSkipped                 TextState = "skipped"
	TextStateTrash                   TextState = "trash"
)

// TaskStatus is the state of one annotator's work on one text.
type TaskStatus string

const (
	TaskStatusInProgress TaskStatus = "in_progress"
	TaskStatusSubmitted  TaskStatus = "submitted"
	TaskStatusSkip       TaskStatus = "skip"
	TaskStatusTrash      TaskStatus = "trash"
)

// FlagType is the kind of flag an annotator can put on a text.
type FlagType string

const (
	FlagTypeSkip  FlagType = "skip"
	FlagTypeTrash FlagType = "trash"
)

// CrossValidationStatus values stored on cross-validation rows.
const (
	CrossValidationPending    = "pending"
	CrossValidationNotStarted = "not_started"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidUserID indicates that a user identifier is empty or exceeds storage bounds.
	ErrInvalidUserID = errors.New("texts: invalid user id")
	// ErrInvalidFlagType indicates a flag other than skip or trash.
	ErrInvalidFlagType = errors.New("texts: invalid flag type")
)

var (
	terminalTaskStatuses = []TaskStatus{TaskStatusSubmitted, TaskStatusSkip, TaskStatusTrash}
	assignableTextStates = []TextState{TextStatePending, TextStateInAnnotation}
	exportExcludedStates = []TextState{TextStateTrash, TextStateSkipped}
)

// UserID represents a validated annotator identifier.
type UserID string

// NewUserID validates raw input and returns a UserID.
func NewUserID(rawInput string) (UserID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidUserID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidUserID, maxIdentifierLength)
	}
	return UserID(trimmed), nil
}

// String returns the underlying string identifier.
func (id UserID) String() string {
	return string(id)
}

// ParseFlagType validates a flag name.
func ParseFlagType(raw string) (FlagType, error) {
	switch FlagType(strings.ToLower(strings.TrimSpace(raw))) {
	case FlagTypeSkip:
		return FlagTypeSkip, nil
	case FlagTypeTrash:
		return FlagTypeTrash, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidFlagType, raw)
	}
}

// Category groups texts. Managed outside this service.
type Category struct {
	ID               int64  `gorm:"column:id;primaryKey;autoIncrement"`
	Name             string `gorm:"column:name;size:190;not null;uniqueIndex"`
	Description      string `gorm:"column:description;type:text"`
	IsHidden         bool   `gorm:"column:is_hidden;not null"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
}

func (Category) TableName() string {
	return "categories"
}

// ErrorType is an entry of the error taxonomy. Managed outside this service.
type ErrorType struct {
	ID            int64  `gorm:"column:id;primaryKey;autoIncrement"`
	Description   string `gorm:"column:description;type:text"`
	DefaultColor  string `gorm:"column:default_color;size:32"`
	DefaultHotkey string `gorm:"column:default_hotkey;size:16"`
	CategoryEN    string `gorm:"column:category_en;size:190"`
	CategoryTT    string `gorm:"column:category_tt;size:190"`
	ENName        string `gorm:"column:en_name;size:190;index"`
	TTName        string `gorm:"column:tt_name;size:190"`
	SortOrder     int    `gorm:"column:sort_order;not null"`
	IsActive      bool   `gorm:"column:is_active;not null"`
}

func (ErrorType) TableName() string {
	return "error_types"
}

// Label names the error type in exports.
func (e ErrorType) Label() string {
	for _, candidate := range []string{e.ENName, e.TTName, e.CategoryEN, e.CategoryTT} {
		if candidate != "" {
			return candidate
		}
	}
	return "OTHER"
}

// Text is one sample to annotate. Content never changes after import.
type Text struct {
	ID                  int64     `gorm:"column:id;primaryKey;autoIncrement"`
	ExternalID          *string   `gorm:"column:external_id;size:190;uniqueIndex:idx_texts_category_external,priority:2"`
	CategoryID          int64     `gorm:"column:category_id;not null;index;uniqueIndex:idx_texts_category_external,priority:1"`
	Content             string    `gorm:"column:content;type:text;not null"`
	RequiredAnnotations int       `gorm:"column:required_annotations;not null"`
	State               TextState `gorm:"column:state;size:32;not null;index"`
	LockedByID          *string   `gorm:"column:locked_by_id;size:190"`
	LockedAtSeconds     *int64    `gorm:"column:locked_at_s"`
	CreatedAtSeconds    int64     `gorm:"column:created_at_s;not null"`
}

func (Text) TableName() string {
	return "texts"
}

// AnnotationTask records one annotator's work on one text.
type AnnotationTask struct {
	ID               int64      `gorm:"column:id;primaryKey;autoIncrement"`
	TextID           int64      `gorm:"column:text_id;not null;uniqueIndex:idx_annotation_tasks_text_annotator,priority:1"`
	AnnotatorID      string     `gorm:"column:annotator_id;size:190;not null;uniqueIndex:idx_annotation_tasks_text_annotator,priority:2;index"`
	Status           TaskStatus `gorm:"column:status;size:32;not null;index"`
	UpdatedAtSeconds int64      `gorm:"column:updated_at_s;not null;index"`
}

func (AnnotationTask) TableName() string {
	return "annotation_tasks"
}

// Annotation is one edit owned by an author on a text.
type Annotation struct {
	ID               int64         `gorm:"column:id;primaryKey;autoIncrement"`
	TextID           int64         `gorm:"column:text_id;not null;index:idx_annotations_text_author,priority:1"`
	AuthorID         string        `gorm:"column:author_id;size:190;not null;index:idx_annotations_text_author,priority:2"`
	StartToken       int           `gorm:"column:start_token;not null"`
	EndToken         int           `gorm:"column:end_token;not null"`
	Replacement      *string       `gorm:"column:replacement;type:text"`
	ErrorTypeID      int64         `gorm:"column:error_type_id;not null;index"`
	Payload          edits.Payload `gorm:"column:payload;not null"`
	Version          int64         `gorm:"column:version;not null"`
	CreatedAtSeconds int64         `gorm:"column:created_at_s;not null"`
	UpdatedAtSeconds int64         `gorm:"column:updated_at_s;not null"`
}

func (Annotation) TableName() string {
	return "annotations"
}

// Item returns the annotation as an edit.
func (a Annotation) Item() edits.Item {
	id := a.ID
	return edits.Item{
		ID:          &id,
		StartToken:  a.StartToken,
		EndToken:    a.EndToken,
		Replacement: a.Replacement,
		ErrorTypeID: a.ErrorTypeID,
		Payload:     a.Payload,
	}
}

func (a Annotation) spanKey() spanKey {
	return spanKey{start: a.StartToken, end: a.EndToken}
}

// AnnotationVersion is an append-only snapshot of an annotation at one version.
type AnnotationVersion struct {
	ID               int64          `gorm:"column:id;primaryKey;autoIncrement"`
	AnnotationID     int64          `gorm:"column:annotation_id;not null;index"`
	Version          int64          `gorm:"column:version;not null"`
	Snapshot         datatypes.JSON `gorm:"column:snapshot;not null"`
	CreatedAtSeconds int64          `gorm:"column:created_at_s;not null"`
}

func (AnnotationVersion) TableName() string {
	return "annotation_versions"
}

type annotationSnapshot struct {
	AuthorID    string        `json:"author_id"`
	StartToken  int           `json:"start_token"`
	EndToken    int           `json:"end_token"`
	Replacement *string       `json:"replacement"`
	ErrorTypeID int64         `json:"error_type_id"`
	Payload     edits.Payload `json:"payload"`
}

func newAnnotationVersion(annotation Annotation, createdAt int64) (AnnotationVersion, error) {
	encoded, err := json.Marshal(annotationSnapshot{
		AuthorID:    annotation.AuthorID,
		StartToken:  annotation.StartToken,
		EndToken:    annotation.EndToken,
		Replacement: annotation.Replacement,
		ErrorTypeID: annotation.ErrorTypeID,
		Payload:     annotation.Payload,
	})
	if err != nil {
		return AnnotationVersion{}, err
	}
	return AnnotationVersion{
		AnnotationID:     annotation.ID,
		Version:          annotation.Version,
		Snapshot:         datatypes.JSON(encoded),
		CreatedAtSeconds: createdAt,
	}, nil
}

// CrossValidationResult is the downstream reconciliation state of a text.
type CrossValidationResult struct {
	ID               int64          `gorm:"column:id;primaryKey;autoIncrement"`
	TextID           int64          `gorm:"column:text_id;not null;uniqueIndex"`
	Status           string         `gorm:"column:status;size:32;not null"`
	Result           datatypes.JSON `gorm:"column:result;not null"`
	UpdatedAtSeconds int64          `gorm:"column:updated_at_s;not null"`
}

func (CrossValidationResult) TableName() string {
	return "cross_validation_results"
}

// TextFlag is a skip or trash mark put on a text by an annotator.
type TextFlag struct {
	ID               int64    `gorm:"column:id;primaryKey;autoIncrement"`
	TextID           int64    `gorm:"column:text_id;not null;uniqueIndex:idx_text_flags_unique,priority:1"`
	AnnotatorID      string   `gorm:"column:annotator_id;size:190;not null;uniqueIndex:idx_text_flags_unique,priority:2;index"`
	FlagType         FlagType `gorm:"column:flag_type;size:16;not null;uniqueIndex:idx_text_flags_unique,priority:3"`
	Reason           *string  `gorm:"column:reason;type:text"`
	CreatedAtSeconds int64    `gorm:"column:created_at_s;not null"`
}

func (TextFlag) TableName() string {
	return "text_flags"
}

// Models lists every table owned by this package, in migration order.
func Models() []any {
	return []any{
		&Category{},
		&ErrorType{},
		&Text{},
		&AnnotationTask{},
		&Annotation{},
		&AnnotationVersion{},
		&CrossValidationResult{},
		&TextFlag{},
	}
}

type spanKey struct {
	start int
	end   int
}
