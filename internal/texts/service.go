package texts

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	noOpLogger         = zap.NewNop()
)

var (
	// ErrTextNotFound indicates an unknown text id.
	ErrTextNotFound = errors.New("text not found")
	// ErrCategoryNotFound indicates an unknown category id.
	ErrCategoryNotFound = errors.New("category not found")
	// ErrErrorTypeNotFound indicates an edit referencing an unknown error type.
	ErrErrorTypeNotFound = errors.New("error type not found")
	// ErrNoTextsAvailable indicates that the scheduler has nothing to hand out.
	ErrNoTextsAvailable = errors.New("no texts available")
	// ErrStaleClientVersion indicates a save based on an outdated view of the annotations.
	ErrStaleClientVersion = errors.New("client version is stale, reload annotations before saving")
	// ErrStaleTextHash indicates an edit computed against different text content.
	ErrStaleTextHash = errors.New("client text hash does not match server text, reload the text before saving")
	// ErrConcurrentUpdate indicates a lost update detected while writing an annotation.
	ErrConcurrentUpdate = errors.New("annotations changed on the server, reload and try again")
	// ErrInvalidRequest indicates malformed input that is not an edit payload.
	ErrInvalidRequest = errors.New("invalid request")
)

// DefaultLockTTL is how long an assignment lock stays valid.
const DefaultLockTTL = 30 * time.Minute

// ServiceError carries a stable machine readable code of the form operation.reason.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew           = "texts.service.new"
	opNextText             = "texts.next_text"
	opSaveAnnotations      = "texts.save_annotations"
	opListAnnotations      = "texts.list_annotations"
	opRenderText           = "texts.render"
	opSubmit               = "texts.submit"
	opFlag                 = "texts.flag"
	opClearFlag            = "texts.clear_flag"
	opCrossValidation      = "texts.cross_validation"
	opAnnotationDiffs      = "texts.annotation_diffs"
	opExport               = "texts.export"
	opImport               = "texts.import"
	opListErrorTypes       = "texts.list_error_types"
	opListCategories       = "texts.list_categories"
	opReleaseExpiredLocks  = "texts.release_expired_locks"
	reasonMissingDatabase  = "missing_database"
	reasonTextNotFound     = "text_not_found"
	reasonTextLookupFailed = "text_lookup_failed"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// Outcome labels passed to Recorder.
const (
	OutcomeAssigned = "assigned"
	OutcomeResumed  = "resumed"
	OutcomeEmpty    = "empty"
	OutcomeSaved    = "saved"
	OutcomeRejected = "rejected"
)

// Recorder receives domain counters. The metrics package provides the Prometheus implementation.
type Recorder interface {
	AssignmentServed(outcome string)
	AnnotationsSaved(outcome string, count int)
	Submitted(completed bool)
	LocksReleased(count int64)
	Flagged(flagType FlagType)
}

type nopRecorder struct{}

func (nopRecorder) AssignmentServed(string)      {}
func (nopRecorder) AnnotationsSaved(string, int) {}
func (nopRecorder) Submitted(bool)               {}
func (nopRecorder) LocksReleased(int64)          {}
func (nopRecorder) Flagged(FlagType)             {}

// ServiceConfig wires the dependencies of Service.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
	Metrics  Recorder
	// LockTTL defaults to DefaultLockTTL.
	LockTTL time.Duration
	// SharedTexts lets a text keep circulating after another annotator finished it, as
	// long as the required submission count is not reached.
	SharedTexts bool
}

// Service implements annotation storage, reconciliation and assignment over a relational store.
type Service struct {
	db          *gorm.DB
	clock       func() time.Time
	logger      *zap.Logger
	metrics     Recorder
	lockTTL     time.Duration
	sharedTexts bool
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, reasonMissingDatabase, errMissingDatabase)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	metrics := cfg.Metrics
	if metrics == nil {
		metrics = nopRecorder{}
	}

	lockTTL := cfg.LockTTL
	if lockTTL <= 0 {
		lockTTL = DefaultLockTTL
	}

	return &Service{
		db:          cfg.Database,
		clock:       clock,
		logger:      logger,
		metrics:     metrics,
		lockTTL:     lockTTL,
		sharedTexts: cfg.SharedTexts,
	}, nil
}

func (s *Service) now() int64 {
	return s.clock().UTC().Unix()
}

func (s *Service) loggerOrDefault() *zap.Logger {
	if s == nil || s.logger == nil {
		return noOpLogger
	}
	return s.logger
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Error("texts service error", attrs...)
}

// findText loads a text inside tx, mapping a missing row to ErrTextNotFound.
func (s *Service) findText(tx *gorm.DB, operation string, textID int64) (Text, error) {
	var text Text
	err := tx.Where("id = ?", textID).Take(&text).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Text{}, newServiceError(operation, reasonTextNotFound, ErrTextNotFound)
	}
	if err != nil {
		s.logError(operation, reasonTextLookupFailed, err, zap.Int64("text_id", textID))
		return Text{}, newServiceError(operation, reasonTextLookupFailed, err)
	}
	return text, nil
}
