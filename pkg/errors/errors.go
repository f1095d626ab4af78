// Package errors defines the sentinel errors shared by the SDK and the
// documentation search service, plus an HTTP-aware wrapper.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrNotConnected     = errors.New("device not connected")
	ErrAlreadyConnected = errors.New("device already connected")
	ErrDeviceNotFound   = errors.New("device not found")
	ErrNoData           = errors.New("no data available")
	ErrInvalidFrame     = errors.New("invalid frame")
	ErrChecksum         = errors.New("checksum mismatch")
	ErrShapeMismatch    = errors.New("taxel array shape mismatch")

	ErrInvalidInput    = errors.New("invalid input")
	ErrSymbolNotFound  = errors.New("symbol not found")
	ErrIndexNotLoaded  = errors.New("search index not loaded")
	ErrNotFound        = errors.New("not found")
	ErrCorruptSnapshot = errors.New("corrupt snapshot")
	ErrRateLimited     = errors.New("rate limit exceeded")
	ErrInternal        = errors.New("internal error")
	ErrTimeout         = errors.New("operation timed out")
)

type AppError struct {
	Err        error
	Message    string
	StatusCode int
}

func (e *AppError) Error() string {
	return fmt.Sprintf("%s: %s", e.Err.Error(), e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

func New(sentinel error, statusCode int, message string) *AppError {
	return &AppError{
		Err:        sentinel,
		Message:    message,
		StatusCode: statusCode,
	}
}

func Newf(sentinel error, statusCode int, format string, args ...any) *AppError {
	return &AppError{
		Err:        sentinel,
		Message:    fmt.Sprintf(format, args...),
		StatusCode: statusCode,
	}
}

// Is and As are re-exported so callers need a single errors import.
func Is(err, target error) bool { return errors.Is(err, target) }

func As(err error, target any) bool { return errors.As(err, target) }

func HTTPStatusCode(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.StatusCode
	}

	switch {
	case errors.Is(err, ErrSymbolNotFound), errors.Is(err, ErrNotFound), errors.Is(err, ErrDeviceNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrAlreadyConnected):
		return http.StatusConflict
	case errors.Is(err, ErrInvalidInput), errors.Is(err, ErrInvalidFrame):
		return http.StatusBadRequest
	case errors.Is(err, ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, ErrIndexNotLoaded), errors.Is(err, ErrNotConnected):
		return http.StatusServiceUnavailable
	case errors.Is(err, ErrTimeout):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
