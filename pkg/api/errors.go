package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/openfroyo/orchestrator/pkg/engine"
)

// statusFor maps an engine error to its HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, engine.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, engine.ErrInvalidTransition), errors.Is(err, engine.ErrAlreadyExists):
		return http.StatusConflict
	case errors.Is(err, engine.ErrLockBusy):
		return http.StatusLocked
	case errors.Is(err, engine.ErrPlanning):
		return http.StatusUnprocessableEntity
	case engine.CodeOf(err) == engine.ErrCodeValidation:
		return http.StatusBadRequest
	case engine.IsThrottled(err):
		return http.StatusTooManyRequests
	case engine.IsConflict(err):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

// errorCode names the error in responses. Transition errors carry no engine
// code of their own.
func errorCode(err error) string {
	if errors.Is(err, engine.ErrInvalidTransition) {
		return engine.ErrCodeInvalidTransition
	}
	if code := engine.CodeOf(err); code != "" {
		return code
	}
	return engine.ErrCodeInternal
}

func respondError(c *gin.Context, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		_ = c.Error(err)
	}
	c.JSON(status, gin.H{
		"error":   strings.ToLower(errorCode(err)),
		"message": err.Error(),
	})
}

func badRequest(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, gin.H{
		"error":   strings.ToLower(engine.ErrCodeValidation),
		"message": message,
	})
}
