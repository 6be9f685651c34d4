package server

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/neurotatarlar/gec-annotation-platform/internal/auth"
	"github.com/neurotatarlar/gec-annotation-platform/internal/texts"
)

const (
	principalContextKey = "gec_principal"
	requestIDContextKey = "gec_request_id"
	requestIDHeader     = "X-Request-ID"
	maxRequestIDLength  = 128
)

func corsMiddleware(allowedOrigins ...string) gin.HandlerFunc {
	cfg := cors.Config{
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type", requestIDHeader},
		ExposeHeaders:    []string{"Content-Disposition", requestIDHeader},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	origins := make([]string, 0, len(allowedOrigins))
	wildcard := len(allowedOrigins) == 0
	for _, origin := range allowedOrigins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "*" {
			wildcard = true
			continue
		}
		if trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	// Credentialed requests cannot use a literal "*", so the wildcard echoes the caller's origin.
	if wildcard {
		cfg.AllowOriginFunc = func(string) bool { return true }
	} else {
		cfg.AllowOrigins = origins
	}
	return cors.New(cfg)
}

// requestContext tags every request with an id and logs its outcome.
func (h *httpHandler) requestContext(c *gin.Context) {
	requestID := strings.TrimSpace(c.GetHeader(requestIDHeader))
	if requestID == "" || len(requestID) > maxRequestIDLength {
		requestID = uuid.NewString()
	}
	c.Set(requestIDContextKey, requestID)
	c.Header(requestIDHeader, requestID)

	start := time.Now()
	c.Next()

	fields := []zap.Field{
		zap.String("request_id", requestID),
		zap.String("method", c.Request.Method),
		zap.String("path", c.Request.URL.Path),
		zap.Int("status", c.Writer.Status()),
		zap.Duration("duration", time.Since(start)),
		zap.String("client_ip", c.ClientIP()),
	}
	if principal, ok := principalFrom(c); ok {
		fields = append(fields, zap.String("user_id", principal.UserID))
	}
	if c.Writer.Status() >= http.StatusInternalServerError {
		h.logger.Error("http request", fields...)
		return
	}
	h.logger.Info("http request", fields...)
}

func (h *httpHandler) recoverPanic(c *gin.Context) {
	defer func() {
		if recovered := recover(); recovered != nil {
			h.logger.Error("panic recovered",
				zap.String("request_id", c.GetString(requestIDContextKey)),
				zap.Any("error", recovered),
				zap.Stack("stack"))
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		}
	}()
	c.Next()
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	principal, err := h.sessions.ValidateRequest(c.Request)
	if err != nil {
		fields := []zap.Field{zap.String("request_id", c.GetString(requestIDContextKey)), zap.Error(err)}
		if errors.Is(err, auth.ErrExpiredSessionToken) || errors.Is(err, auth.ErrMissingSessionToken) {
			h.logger.Info("session validation failed", fields...)
		} else {
			h.logger.Warn("session validation failed", fields...)
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	if _, err := texts.NewUserID(principal.UserID); err != nil {
		h.logger.Warn("session carries an unusable user id", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(principalContextKey, principal)
	c.Next()
}

func requireRole(role string) gin.HandlerFunc {
	return func(c *gin.Context) {
		principal, ok := principalFrom(c)
		if !ok || !principal.HasRole(role) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
			return
		}
		c.Next()
	}
}

func principalFrom(c *gin.Context) (auth.Principal, bool) {
	value, exists := c.Get(principalContextKey)
	if !exists {
		return auth.Principal{}, false
	}
	principal, ok := value.(auth.Principal)
	return principal, ok
}

// callerID is only reached behind authorizeRequest, which already vetted the id.
func callerID(c *gin.Context) texts.UserID {
	principal, _ := principalFrom(c)
	userID, _ := texts.NewUserID(principal.UserID)
	return userID
}
