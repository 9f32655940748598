package common

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func TestStatusFor(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"not found", NewNotFoundError("email log", "abc"), http.StatusNotFound},
		{"validation", NewValidationError("to is required"), http.StatusBadRequest},
		{"wrapped validation", fmt.Errorf("queueing: %w", NewValidationError("bad")), http.StatusBadRequest},
		{"unauthorized", NewUnauthorizedError(""), http.StatusUnauthorized},
		{"provider", NewProviderError("smtp", "connection refused"), http.StatusBadGateway},
		{"config", NewConfigError("verification failed", errors.New("dial tcp")), http.StatusUnprocessableEntity},
		{"unknown", errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, StatusFor(tt.err))
		})
	}
}

func TestConfigErrorUnwrap(t *testing.T) {
	cause := errors.New("535 authentication failed")
	err := NewConfigError("transport verification failed", cause)

	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "transport verification failed: 535 authentication failed", err.Error())
	assert.Equal(t, "unauthorized", NewUnauthorizedError("").Error())
}

func TestHandleErrorHidesInternalDetails(t *testing.T) {
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)

	HandleError(c, errors.New("redis: connection pool exhausted"))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), "internal server error")
	assert.NotContains(t, w.Body.String(), "redis")
}
