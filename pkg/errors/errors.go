package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode is the category of an error surfaced to a user or a remote party
type ErrorCode string

const (
	// Categories of the session error taxonomy
	ErrCodeTransport         ErrorCode = "TRANSPORT"
	ErrCodeProtocolViolation ErrorCode = "PROTOCOL_VIOLATION"
	ErrCodeNegotiationFailed ErrorCode = "NEGOTIATION_FAILED"
	ErrCodeMediaAcquisition  ErrorCode = "MEDIA_ACQUISITION"

	// Generic codes used by the relay HTTP surface
	ErrCodeInvalidInput       ErrorCode = "INVALID_INPUT"
	ErrCodeConflict           ErrorCode = "CONFLICT"
	ErrCodeRateLimit          ErrorCode = "RATE_LIMIT_EXCEEDED"
	ErrCodeInternal           ErrorCode = "INTERNAL_ERROR"
	ErrCodeServiceUnavailable ErrorCode = "SERVICE_UNAVAILABLE"
)

// AppError is an error with a category code and optional context
type AppError struct {
	Code       ErrorCode
	Message    string
	HTTPStatus int
	Cause      error
	Context    map[string]interface{}
}

// Error implements error interface
func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *AppError) Unwrap() error {
	return e.Cause
}

// WithContext adds context to the error
func (e *AppError) WithContext(key string, value interface{}) *AppError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// NewAppError creates a new application error
func NewAppError(code ErrorCode, message string, httpStatus int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
		Context:    make(map[string]interface{}),
	}
}

// WrapError wraps an existing error with application error
func WrapError(err error, code ErrorCode, message string, httpStatus int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
		Cause:      err,
		Context:    make(map[string]interface{}),
	}
}

func NewTransportError(err error, message string) *AppError {
	return WrapError(err, ErrCodeTransport, message, http.StatusBadGateway)
}

func NewProtocolError(err error, message string) *AppError {
	return WrapError(err, ErrCodeProtocolViolation, message, http.StatusBadRequest)
}

func NewNegotiationError(err error, message string) *AppError {
	return WrapError(err, ErrCodeNegotiationFailed, message, http.StatusInternalServerError)
}

func NewMediaError(err error, message string) *AppError {
	return WrapError(err, ErrCodeMediaAcquisition, message, http.StatusInternalServerError)
}

func NewInvalidInputError(message string) *AppError {
	return NewAppError(ErrCodeInvalidInput, message, http.StatusBadRequest)
}

func NewConflictError(message string) *AppError {
	return NewAppError(ErrCodeConflict, message, http.StatusConflict)
}

func NewRateLimitError() *AppError {
	return NewAppError(ErrCodeRateLimit, "rate limit exceeded", http.StatusTooManyRequests)
}

func NewInternalError(message string) *AppError {
	return NewAppError(ErrCodeInternal, message, http.StatusInternalServerError)
}

func NewServiceUnavailableError(message string) *AppError {
	return NewAppError(ErrCodeServiceUnavailable, message, http.StatusServiceUnavailable)
}

// IsAppError checks if error is an AppError
func IsAppError(err error) bool {
	return GetAppError(err) != nil
}

// GetAppError extracts AppError from error chain
func GetAppError(err error) *AppError {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	return nil
}

// CodeOf returns the code of the first AppError in the chain, or ErrCodeInternal
func CodeOf(err error) ErrorCode {
	if appErr := GetAppError(err); appErr != nil {
		return appErr.Code
	}
	return ErrCodeInternal
}
