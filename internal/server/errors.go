package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/neurotatarlar/gec-annotation-platform/internal/edits"
	"github.com/neurotatarlar/gec-annotation-platform/internal/texts"
)

type serviceCoder interface {
	Code() string
}

// statusFor maps service sentinels onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, texts.ErrTextNotFound),
		errors.Is(err, texts.ErrCategoryNotFound),
		errors.Is(err, texts.ErrErrorTypeNotFound),
		errors.Is(err, texts.ErrNoTextsAvailable):
		return http.StatusNotFound
	case errors.Is(err, texts.ErrStaleClientVersion),
		errors.Is(err, texts.ErrStaleTextHash),
		errors.Is(err, texts.ErrConcurrentUpdate):
		return http.StatusConflict
	case errors.Is(err, edits.ErrInvalidPayload),
		errors.Is(err, texts.ErrInvalidRequest),
		errors.Is(err, texts.ErrInvalidFlagType),
		errors.Is(err, texts.ErrInvalidUserID):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (h *httpHandler) respondError(c *gin.Context, err error) {
	status := statusFor(err)
	code := ""
	var coder serviceCoder
	if errors.As(err, &coder) {
		code = coder.Code()
	}
	reason := code
	if index := strings.LastIndex(code, "."); index >= 0 {
		reason = code[index+1:]
	}

	body := gin.H{"code": code}
	switch status {
	case http.StatusInternalServerError:
		h.logger.Error("request failed",
			zap.String("request_id", c.GetString(requestIDContextKey)),
			zap.String("code", code),
			zap.Error(err))
		body["error"] = "internal_error"
	case http.StatusBadRequest:
		if reason == "" {
			reason = "invalid_request"
		}
		body["error"] = reason
		body["detail"] = err.Error()
	default:
		if reason == "" {
			reason = strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
		}
		body["error"] = reason
	}
	c.AbortWithStatusJSON(status, body)
}

func respondInvalid(c *gin.Context, reason string, err error) {
	body := gin.H{"error": reason, "code": "request." + reason}
	if err != nil {
		body["detail"] = err.Error()
	}
	c.AbortWithStatusJSON(http.StatusBadRequest, body)
}
