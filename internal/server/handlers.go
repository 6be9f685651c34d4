package server

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/neurotatarlar/gec-annotation-platform/internal/export"
	"github.com/neurotatarlar/gec-annotation-platform/internal/texts"
)

func (h *httpHandler) handleNextText(c *gin.Context) {
	categoryID, err := strconv.ParseInt(strings.TrimSpace(c.Query("category_id")), 10, 64)
	if err != nil || categoryID <= 0 {
		respondInvalid(c, "invalid_category_id", err)
		return
	}

	assignment, err := h.texts.NextText(c.Request.Context(), categoryID, callerID(c))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, assignmentPayload{
		Text:          newTextPayload(assignment.Text),
		Annotations:   newAnnotationPayloads(assignment.Annotations),
		LockExpiresAt: assignment.LockExpiresAt.UTC(),
	})
}

func (h *httpHandler) handleListAnnotations(c *gin.Context) {
	textID, ok := textIDParam(c)
	if !ok {
		return
	}
	allAuthors, _ := strconv.ParseBool(c.DefaultQuery("all_authors", "false"))

	annotations, err := h.texts.ListAnnotations(c.Request.Context(), textID, callerID(c), allAuthors)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, newAnnotationPayloads(annotations))
}

func (h *httpHandler) handleSaveAnnotations(c *gin.Context) {
	textID, ok := textIDParam(c)
	if !ok {
		return
	}
	var request saveAnnotationsRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		respondInvalid(c, "invalid_request", err)
		return
	}

	saved, err := h.texts.SaveAnnotations(c.Request.Context(), textID, callerID(c), texts.SaveRequest{
		Items:         request.Annotations,
		DeletedIDs:    request.DeletedIDs,
		ClientVersion: request.ClientVersion,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, newAnnotationPayloads(saved))
}

func (h *httpHandler) handleRender(c *gin.Context) {
	textID, ok := textIDParam(c)
	if !ok {
		return
	}
	var request renderRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		respondInvalid(c, "invalid_request", err)
		return
	}

	start := time.Now()
	corrected, err := h.texts.RenderPreview(c.Request.Context(), textID, request.Annotations)
	if h.metrics != nil {
		h.metrics.ObserveRender(time.Since(start))
	}
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, renderResponse{CorrectedText: corrected})
}

func (h *httpHandler) handleSubmit(c *gin.Context) {
	textID, ok := textIDParam(c)
	if !ok {
		return
	}
	result, err := h.texts.Submit(c.Request.Context(), textID, callerID(c))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, submitResponse{
		Status:    string(texts.TaskStatusSubmitted),
		Completed: result.Completed,
		State:     result.State,
	})
}

func (h *httpHandler) handleFlag(flagType texts.FlagType) gin.HandlerFunc {
	return func(c *gin.Context) {
		textID, ok := textIDParam(c)
		if !ok {
			return
		}
		var request flagRequest
		if err := c.ShouldBindJSON(&request); err != nil && !errors.Is(err, io.EOF) {
			respondInvalid(c, "invalid_request", err)
			return
		}
		if request.Reason != nil && strings.TrimSpace(*request.Reason) == "" {
			request.Reason = nil
		}
		if err := h.texts.Flag(c.Request.Context(), textID, callerID(c), flagType, request.Reason); err != nil {
			h.respondError(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	}
}

func (h *httpHandler) handleClearFlag(flagType texts.FlagType) gin.HandlerFunc {
	return func(c *gin.Context) {
		textID, ok := textIDParam(c)
		if !ok {
			return
		}
		if err := h.texts.ClearFlag(c.Request.Context(), textID, callerID(c), flagType); err != nil {
			h.respondError(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	}
}

func (h *httpHandler) handleExportTexts(c *gin.Context) {
	format, err := export.ParseFormat(c.Query("format"))
	if err != nil {
		respondInvalid(c, "invalid_format", err)
		return
	}
	filter, err := parseExportFilter(c)
	if err != nil {
		respondInvalid(c, "invalid_filter", err)
		return
	}
	records, err := h.texts.ExportTexts(c.Request.Context(), filter)
	if err != nil {
		h.respondError(c, err)
		return
	}
	h.writeExport(c, format, records)
}

func (h *httpHandler) handleExportText(c *gin.Context) {
	textID, ok := textIDParam(c)
	if !ok {
		return
	}
	format, err := export.ParseFormat(c.Query("format"))
	if err != nil {
		respondInvalid(c, "invalid_format", err)
		return
	}
	records, err := h.texts.ExportText(c.Request.Context(), textID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	h.writeExport(c, format, records)
}

func (h *httpHandler) writeExport(c *gin.Context, format export.Format, records []export.Record) {
	c.Header("Content-Type", format.ContentType())
	c.Header("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, format.Filename(h.clock())))
	c.Status(http.StatusOK)
	if err := export.Write(c.Writer, format, records); err != nil {
		h.logger.Error("export write failed",
			zap.String("request_id", c.GetString(requestIDContextKey)),
			zap.Int("records", len(records)),
			zap.Error(err))
	}
}

func (h *httpHandler) handleArchiveExport(c *gin.Context) {
	if h.archiver == nil {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "archive_disabled", "code": "texts.export.archive_disabled"})
		return
	}
	filter, err := parseExportFilter(c)
	if err != nil {
		respondInvalid(c, "invalid_filter", err)
		return
	}
	records, err := h.texts.ExportTexts(c.Request.Context(), filter)
	if err != nil {
		h.respondError(c, err)
		return
	}
	result, err := h.archiver.Archive(c.Request.Context(), records)
	if err != nil {
		h.logger.Error("export archive failed",
			zap.String("request_id", c.GetString(requestIDContextKey)),
			zap.Error(err))
		c.AbortWithStatusJSON(http.StatusBadGateway, gin.H{"error": "archive_failed", "code": "texts.export.archive_failed"})
		return
	}
	c.JSON(http.StatusCreated, result)
}

func (h *httpHandler) handleImport(c *gin.Context) {
	var request importRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		respondInvalid(c, "invalid_request", err)
		return
	}
	result, err := h.texts.Import(c.Request.Context(), callerID(c), texts.ImportRequest{
		CategoryID:          request.CategoryID,
		RequiredAnnotations: request.RequiredAnnotations,
		Texts:               request.Texts,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, result)
}

func (h *httpHandler) handleReleaseLocks(c *gin.Context) {
	released, err := h.texts.ReleaseExpiredLocks(c.Request.Context())
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, releaseLocksResponse{Released: released})
}

func (h *httpHandler) handleCrossValidation(c *gin.Context) {
	textID, ok := textIDParam(c)
	if !ok {
		return
	}
	state, err := h.texts.CrossValidationStatus(c.Request.Context(), textID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, newCrossValidationPayload(state))
}

func (h *httpHandler) handleAnnotationDiffs(c *gin.Context) {
	textID, ok := textIDParam(c)
	if !ok {
		return
	}
	diffs, err := h.texts.AnnotationDiffs(c.Request.Context(), textID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, newTextDiffPayload(textID, diffs))
}

func (h *httpHandler) handleListCategories(c *gin.Context) {
	categories, err := h.texts.ListCategories(c.Request.Context())
	if err != nil {
		h.respondError(c, err)
		return
	}
	response := make([]categoryPayload, 0, len(categories))
	for _, category := range categories {
		response = append(response, categoryPayload{ID: category.ID, Name: category.Name, Description: category.Description})
	}
	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) handleListErrorTypes(c *gin.Context) {
	activeOnly, _ := strconv.ParseBool(c.DefaultQuery("active_only", "true"))
	errorTypes, err := h.texts.ListErrorTypes(c.Request.Context(), activeOnly)
	if err != nil {
		h.respondError(c, err)
		return
	}
	response := make([]errorTypePayload, 0, len(errorTypes))
	for _, errorType := range errorTypes {
		response = append(response, errorTypePayload{
			ID:            errorType.ID,
			Label:         errorType.Label(),
			Description:   errorType.Description,
			DefaultColor:  errorType.DefaultColor,
			DefaultHotkey: errorType.DefaultHotkey,
			CategoryEN:    errorType.CategoryEN,
			CategoryTT:    errorType.CategoryTT,
			ENName:        errorType.ENName,
			TTName:        errorType.TTName,
			SortOrder:     errorType.SortOrder,
			IsActive:      errorType.IsActive,
		})
	}
	c.JSON(http.StatusOK, response)
}

func textIDParam(c *gin.Context) (int64, bool) {
	textID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || textID <= 0 {
		respondInvalid(c, "invalid_text_id", err)
		return 0, false
	}
	return textID, true
}

func parseExportFilter(c *gin.Context) (texts.ExportFilter, error) {
	var filter texts.ExportFilter
	if raw := strings.TrimSpace(c.Query("category_ids")); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			categoryID, err := strconv.ParseInt(part, 10, 64)
			if err != nil {
				return texts.ExportFilter{}, fmt.Errorf("category_ids: %w", err)
			}
			filter.CategoryIDs = append(filter.CategoryIDs, categoryID)
		}
	}
	for _, bound := range []struct {
		name   string
		target **time.Time
	}{{"start", &filter.Start}, {"end", &filter.End}} {
		raw := strings.TrimSpace(c.Query(bound.name))
		if raw == "" {
			continue
		}
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return texts.ExportFilter{}, fmt.Errorf("%s: %w", bound.name, err)
		}
		*bound.target = &parsed
	}
	return filter, nil
}
