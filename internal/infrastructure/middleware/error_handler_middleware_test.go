package middleware

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"chatnest/internal/core/domain"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap/zaptest"
)

func TestErrorHandlerMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	logger := zaptest.NewLogger(t).Sugar()

	router := gin.New()
	router.Use(RecoveryMiddleware(logger), ErrorHandlerMiddleware(logger))
	router.GET("/taken", func(c *gin.Context) {
		_ = c.Error(fmt.Errorf("register: %w", domain.ErrIdentityTaken))
	})
	router.GET("/panic", func(c *gin.Context) {
		panic("boom")
	})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/taken", nil))
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, w.Body.String(), "IDENTITY_TAKEN")
	assert.NotContains(t, w.Body.String(), "register:")

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/panic", nil))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}
