package middleware

import (
	"net/http"

	"chatnest/pkg/errors"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// ErrorHandlerMiddleware turns errors attached with c.Error into a JSON reply
func ErrorHandlerMiddleware(logger *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 || c.Writer.Written() {
			return
		}

		appErr := errors.Classify(c.Errors.Last().Err)
		status := errors.HTTPStatus(appErr.Code)
		logger.Errorw("request failed",
			"code", appErr.Code,
			"status", status,
			"path", c.Request.URL.Path,
			"method", c.Request.Method,
			"error", appErr.Cause,
		)

		c.JSON(status, gin.H{
			"error":   string(appErr.Code),
			"message": appErr.Message,
		})
	}
}

// RecoveryMiddleware recovers from panics and returns proper error responses
func RecoveryMiddleware(logger *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				logger.Errorw("panic recovered",
					"error", err,
					"path", c.Request.URL.Path,
					"method", c.Request.Method,
				)

				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
					"error":   string(errors.ErrCodeInternal),
					"message": "Internal server error",
				})
			}
		}()

		c.Next()
	}
}
