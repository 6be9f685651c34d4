package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/glebarez/sqlite"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"gorm.io/gorm"

	"github.com/neurotatarlar/gec-annotation-platform/internal/auth"
	"github.com/neurotatarlar/gec-annotation-platform/internal/database"
	"github.com/neurotatarlar/gec-annotation-platform/internal/texts"
)

const (
	testSigningSecret = "server-test-secret"
	testIssuer        = "tauth"
	testCookieName    = "app_session"
	testAnnotator     = "annotator-1"
	testAdmin         = "admin-1"
)

var testNow = time.Date(2024, 5, 6, 7, 8, 9, 0, time.UTC)

type testEnv struct {
	handler  http.Handler
	db       *gorm.DB
	service  *texts.Service
	category texts.Category
	spelling texts.ErrorType
	logs     *observer.ObservedLogs
}

type envOption func(*Dependencies, *texts.ServiceConfig)

func newTestEnv(t *testing.T, options ...envOption) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dsn := fmt.Sprintf("file:server_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	if err := database.Migrate(db, zap.NewNop()); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	core, logs := observer.New(zapcore.DebugLevel)
	logger := zap.New(core)

	validator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(testSigningSecret),
		Issuer:        testIssuer,
		CookieName:    testCookieName,
	})
	if err != nil {
		t.Fatalf("failed to construct session validator: %v", err)
	}

	serviceConfig := texts.ServiceConfig{
		Database: db,
		Clock:    func() time.Time { return testNow },
		Logger:   logger,
	}
	deps := Dependencies{
		SessionValidator: validator,
		AllowedOrigins:   []string{"*"},
		Clock:            func() time.Time { return testNow },
		Logger:           logger,
	}
	for _, option := range options {
		option(&deps, &serviceConfig)
	}

	service, err := texts.NewService(serviceConfig)
	if err != nil {
		t.Fatalf("failed to construct texts service: %v", err)
	}
	deps.TextsService = service

	handler, err := NewHTTPHandler(deps)
	if err != nil {
		t.Fatalf("failed to build handler: %v", err)
	}

	env := &testEnv{handler: handler, db: db, service: service, logs: logs}
	env.category = texts.Category{Name: "news", CreatedAtSeconds: testNow.Unix()}
	if err := db.Create(&env.category).Error; err != nil {
		t.Fatalf("failed to seed category: %v", err)
	}
	env.spelling = texts.ErrorType{ENName: "Spelling", SortOrder: 1, IsActive: true}
	if err := db.Create(&env.spelling).Error; err != nil {
		t.Fatalf("failed to seed error type: %v", err)
	}
	return env
}

func mustMintSessionToken(t *testing.T, userID string, expiresAt time.Time, roles ...string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, auth.SessionClaims{
		UserID:    userID,
		UserRoles: roles,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    testIssuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(expiresAt.Add(-2 * time.Hour)),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	})
	signed, err := token.SignedString([]byte(testSigningSecret))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return signed
}

func mustSessionToken(t *testing.T, userID string, roles ...string) string {
	t.Helper()
	return mustMintSessionToken(t, userID, time.Now().Add(time.Hour), roles...)
}

func (e *testEnv) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to encode body: %v", err)
		}
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}
	request := httptest.NewRequest(method, path, reader)
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}
	recorder := httptest.NewRecorder()
	e.handler.ServeHTTP(recorder, request)
	return recorder
}

func decodeBody[T any](t *testing.T, recorder *httptest.ResponseRecorder) T {
	t.Helper()
	var value T
	if err := json.Unmarshal(recorder.Body.Bytes(), &value); err != nil {
		t.Fatalf("failed to decode response %q: %v", recorder.Body.String(), err)
	}
	return value
}

func expectStatus(t *testing.T, recorder *httptest.ResponseRecorder, status int) {
	t.Helper()
	if recorder.Code != status {
		t.Fatalf("expected status %d, got %d: %s", status, recorder.Code, recorder.Body.String())
	}
}

// replaceItemBody builds the JSON of a single-word replace edit.
func replaceItemBody(start, end int, errorTypeID int64, word string) map[string]any {
	return map[string]any{
		"start_token":   start,
		"end_token":     end,
		"error_type_id": errorTypeID,
		"payload": map[string]any{
			"operation": "replace",
			"after_tokens": []map[string]any{
				{"id": fmt.Sprintf("f%d", start), "text": word, "origin": "inserted"},
			},
		},
	}
}

func (e *testEnv) importText(t *testing.T, content string, required int) texts.Text {
	t.Helper()
	response := e.do(t, http.MethodPost, "/texts/import", mustSessionToken(t, testAdmin, auth.RoleAdmin), map[string]any{
		"category_id":          e.category.ID,
		"required_annotations": required,
		"texts":                []any{content},
	})
	expectStatus(t, response, http.StatusCreated)
	var text texts.Text
	if err := e.db.Where("content = ?", content).Take(&text).Error; err != nil {
		t.Fatalf("failed to load imported text: %v", err)
	}
	return text
}
