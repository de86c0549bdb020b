// Package apperr defines the service's error taxonomy. Handlers map these
// to HTTP responses; internal detail in Err is logged, never sent to callers.
package apperr

import (
	"fmt"
	"net/http"
)

// AppError is a standardized application error.
type AppError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Err     error  `json:"-"` // internal cause, for logging only
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates an AppError.
func New(code int, message string, err error) *AppError {
	return &AppError{Code: code, Message: message, Err: err}
}

// NotFound creates a 404 error.
func NotFound(message string) *AppError {
	return New(http.StatusNotFound, message, nil)
}

// BadRequest creates a 400 error.
func BadRequest(message string) *AppError {
	return New(http.StatusBadRequest, message, nil)
}

// Unauthorized creates a 401 error.
func Unauthorized(message string) *AppError {
	return New(http.StatusUnauthorized, message, nil)
}

// TooLarge creates a 413 error for uploads over the configured cap.
func TooLarge(message string) *AppError {
	return New(http.StatusRequestEntityTooLarge, message, nil)
}

// Internal creates a 500 error wrapping an internal cause.
func Internal(err error) *AppError {
	return New(http.StatusInternalServerError, "internal error", err)
}
