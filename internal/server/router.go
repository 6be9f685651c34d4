package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/neurotatarlar/gec-annotation-platform/internal/archive"
	"github.com/neurotatarlar/gec-annotation-platform/internal/auth"
	"github.com/neurotatarlar/gec-annotation-platform/internal/export"
	"github.com/neurotatarlar/gec-annotation-platform/internal/texts"
)

var (
	errMissingSessionValidator = errors.New("session validator dependency required")
	errMissingTextsService     = errors.New("texts service dependency required")
)

// SessionValidator authenticates a request and names its caller.
type SessionValidator interface {
	ValidateRequest(r *http.Request) (auth.Principal, error)
}

// ExportArchiver uploads an export snapshot to object storage.
type ExportArchiver interface {
	Archive(ctx context.Context, records []export.Record) (archive.Result, error)
}

// MetricsRecorder exposes scrape output and the render latency instrument.
type MetricsRecorder interface {
	ObserveRender(elapsed time.Duration)
	Handler() http.Handler
}

// Dependencies wires the HTTP surface. Metrics and Archiver are optional.
type Dependencies struct {
	SessionValidator SessionValidator
	TextsService     *texts.Service
	Metrics          MetricsRecorder
	Archiver         ExportArchiver
	AllowedOrigins   []string
	Clock            func() time.Time
	Logger           *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.SessionValidator == nil {
		return nil, errMissingSessionValidator
	}
	if deps.TextsService == nil {
		return nil, errMissingTextsService
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	handler := &httpHandler{
		sessions: deps.SessionValidator,
		texts:    deps.TextsService,
		metrics:  deps.Metrics,
		archiver: deps.Archiver,
		clock:    clock,
		logger:   logger,
	}

	router := gin.New()
	router.Use(handler.recoverPanic)
	router.Use(handler.requestContext)
	router.Use(corsMiddleware(deps.AllowedOrigins...))

	router.GET("/healthz", handleHealth)
	if deps.Metrics != nil {
		router.GET("/metrics", gin.WrapH(deps.Metrics.Handler()))
	}

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.GET("/categories", handler.handleListCategories)
	protected.GET("/error-types", handler.handleListErrorTypes)

	textsGroup := protected.Group("/texts")
	textsGroup.POST("/assignments/next", handler.handleNextText)
	textsGroup.GET("/export", handler.handleExportTexts)
	textsGroup.POST("/export/archive", handler.handleArchiveExport)
	textsGroup.POST("/import", requireRole(auth.RoleAdmin), handler.handleImport)
	textsGroup.POST("/locks/release", requireRole(auth.RoleAdmin), handler.handleReleaseLocks)
	textsGroup.GET("/:id/annotations", handler.handleListAnnotations)
	textsGroup.POST("/:id/annotations", handler.handleSaveAnnotations)
	textsGroup.POST("/:id/render", handler.handleRender)
	textsGroup.POST("/:id/submit", handler.handleSubmit)
	textsGroup.POST("/:id/skip", handler.handleFlag(texts.FlagTypeSkip))
	textsGroup.DELETE("/:id/skip", handler.handleClearFlag(texts.FlagTypeSkip))
	textsGroup.POST("/:id/trash", handler.handleFlag(texts.FlagTypeTrash))
	textsGroup.DELETE("/:id/trash", handler.handleClearFlag(texts.FlagTypeTrash))
	textsGroup.GET("/:id/export", handler.handleExportText)
	textsGroup.GET("/:id/cross-validation", handler.handleCrossValidation)
	textsGroup.GET("/:id/diffs", handler.handleAnnotationDiffs)

	return router, nil
}

type httpHandler struct {
	sessions SessionValidator
	texts    *texts.Service
	metrics  MetricsRecorder
	archiver ExportArchiver
	clock    func() time.Time
	logger   *zap.Logger
}

func handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
