package common

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
)

// APIResponse is the standardized JSON response envelope.
type APIResponse struct {
	Success bool      `json:"success"`
	Data    any       `json:"data,omitempty"`
	Error   *APIError `json:"error,omitempty"`
}

// APIError contains error details in the response.
type APIError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Success sends a successful JSON response with data.
func Success(c *gin.Context, statusCode int, data any) {
	c.JSON(statusCode, APIResponse{
		Success: true,
		Data:    data,
	})
}

// Error sends an error JSON response.
func Error(c *gin.Context, statusCode int, message string) {
	c.JSON(statusCode, APIResponse{
		Success: false,
		Error: &APIError{
			Code:    statusCode,
			Message: message,
		},
	})
}

// StatusFor maps a domain error onto its HTTP status code. Anything that is
// not a domain error is a 500.
func StatusFor(err error) int {
	var se httpStatuser
	if errors.As(err, &se) {
		return se.HTTPStatus()
	}
	return http.StatusInternalServerError
}

// HandleError inspects a domain error and sends the appropriate HTTP response.
// Internal errors are not echoed back to the caller.
func HandleError(c *gin.Context, err error) {
	status := StatusFor(err)
	switch status {
	case http.StatusInternalServerError:
		Error(c, status, "internal server error")
	case http.StatusBadGateway:
		Error(c, status, "notification delivery failed")
	default:
		Error(c, status, err.Error())
	}
}
