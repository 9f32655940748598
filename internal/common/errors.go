package common

import (
	"fmt"
	"net/http"
)

// httpStatuser is implemented by every domain error that maps to a fixed
// HTTP status. StatusFor finds it anywhere in a wrapped chain.
type httpStatuser interface {
	HTTPStatus() int
}

// NotFoundError reports a lookup that matched nothing.
type NotFoundError struct {
	Resource string
	ID       string
}

func NewNotFoundError(resource, id string) *NotFoundError {
	return &NotFoundError{Resource: resource, ID: id}
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s with id '%s' not found", e.Resource, e.ID)
}

func (e *NotFoundError) HTTPStatus() int { return http.StatusNotFound }

// ValidationError rejects a request before any record is written.
// Message is returned to the caller verbatim.
type ValidationError struct {
	Message string
}

func NewValidationError(message string) *ValidationError {
	return &ValidationError{Message: message}
}

func (e *ValidationError) Error() string { return e.Message }

func (e *ValidationError) HTTPStatus() int { return http.StatusBadRequest }

// UnauthorizedError is raised by the API key middleware.
type UnauthorizedError struct {
	Message string
}

func NewUnauthorizedError(message string) *UnauthorizedError {
	return &UnauthorizedError{Message: message}
}

func (e *UnauthorizedError) Error() string {
	if e.Message == "" {
		return "unauthorized"
	}
	return e.Message
}

func (e *UnauthorizedError) HTTPStatus() int { return http.StatusUnauthorized }

// ProviderError wraps a delivery failure reported by the email transport.
// The delivery record already holds the detail; responses only say it failed.
type ProviderError struct {
	Provider string
	Message  string
}

func NewProviderError(provider, message string) *ProviderError {
	return &ProviderError{Provider: provider, Message: message}
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s provider error: %s", e.Provider, e.Message)
}

func (e *ProviderError) HTTPStatus() int { return http.StatusBadGateway }

// ConfigError reports a transport configuration that could not be built or
// verified. The previously active configuration stays in effect.
type ConfigError struct {
	Message string
	Err     error
}

func NewConfigError(message string, err error) *ConfigError {
	return &ConfigError{Message: message, Err: err}
}

func (e *ConfigError) Error() string {
	if e.Err == nil {
		return e.Message
	}
	return fmt.Sprintf("%s: %v", e.Message, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

func (e *ConfigError) HTTPStatus() int { return http.StatusUnprocessableEntity }
