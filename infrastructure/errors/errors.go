// Package errors provides unified error handling for the event hub.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode is one of the stable vocabulary tokens returned to callers in the
// `code` field of an error response.
type ErrorCode string

const (
	// Input errors - rejected at the boundary, never retried internally.
	ErrCodeInvalidRequest  ErrorCode = "INVALID_REQUEST"
	ErrCodeInvalidEvent    ErrorCode = "INVALID_EVENT"
	ErrCodeInvalidInput    ErrorCode = "INVALID_INPUT"
	ErrCodeInvalidDate     ErrorCode = "INVALID_DATE"
	ErrCodeInvalidCallback ErrorCode = "INVALID_CALLBACK"

	// Not-found errors.
	ErrCodeTenantNotFound    ErrorCode = "TENANT_NOT_FOUND"
	ErrCodeNamespaceNotFound ErrorCode = "NAMESPACE_NOT_FOUND"
	ErrCodeTopicNotFound     ErrorCode = "TOPIC_NOT_FOUND"
	ErrCodeConsumerNotFound  ErrorCode = "CONSUMER_NOT_FOUND"
	ErrCodeUserNotFound      ErrorCode = "USER_NOT_FOUND"
	ErrCodeAPIKeyNotFound    ErrorCode = "API_KEY_NOT_FOUND"
	ErrCodeSchemaNotFound    ErrorCode = "SCHEMA_NOT_FOUND"

	// Conflict errors.
	ErrCodeTenantExists           ErrorCode = "TENANT_EXISTS"
	ErrCodeTopicAlreadyExists     ErrorCode = "TOPIC_ALREADY_EXISTS"
	ErrCodeNamespaceExists        ErrorCode = "NAMESPACE_EXISTS"
	ErrCodeUserExists             ErrorCode = "USER_EXISTS"
	ErrCodeAPIKeyAlreadyRevoked   ErrorCode = "API_KEY_ALREADY_REVOKED"
	ErrCodeSchemaRemovalNotAllowed ErrorCode = "SCHEMA_REMOVAL_NOT_ALLOWED"
	ErrCodeDuplicateRequest       ErrorCode = "DUPLICATE_REQUEST"

	// Auth errors.
	ErrCodeUnauthorized        ErrorCode = "UNAUTHORIZED"
	ErrCodeInvalidCredentials  ErrorCode = "INVALID_CREDENTIALS"
	ErrCodePermissionDenied    ErrorCode = "PERMISSION_DENIED"

	// Schema errors.
	ErrCodeSchemaValidation ErrorCode = "SCHEMA_VALIDATION"

	// Publish errors.
	ErrCodeEventPublishFailed ErrorCode = "EVENT_PUBLISH_FAILED"

	// Capacity errors - caller may retry after backoff.
	ErrCodePayloadTooLarge ErrorCode = "PAYLOAD_TOO_LARGE"
	ErrCodeRateLimited     ErrorCode = "RATE_LIMITED"

	// Internal errors.
	ErrCodeIOError  ErrorCode = "IO_ERROR"
	ErrCodeInternal ErrorCode = "INTERNAL"
)

// ServiceError represents a structured error with code, message, and HTTP status.
type ServiceError struct {
	Code       ErrorCode              `json:"code"`
	Message    string                 `json:"message"`
	HTTPStatus int                    `json:"-"`
	Details    map[string]interface{} `json:"details,omitempty"`
	Err        error                  `json:"-"`
}

// Error implements the error interface.
func (e *ServiceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *ServiceError) Unwrap() error {
	return e.Err
}

// WithDetails adds additional details to the error.
func (e *ServiceError) WithDetails(key string, value interface{}) *ServiceError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// New creates a new ServiceError.
func New(code ErrorCode, message string, httpStatus int) *ServiceError {
	return &ServiceError{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
	}
}

// Wrap wraps an existing error with a ServiceError.
func Wrap(code ErrorCode, message string, httpStatus int, err error) *ServiceError {
	return &ServiceError{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
		Err:        err,
	}
}

// Input errors

func InvalidRequest(reason string) *ServiceError {
	return New(ErrCodeInvalidRequest, reason, http.StatusBadRequest)
}

func InvalidEvent(reason string) *ServiceError {
	return New(ErrCodeInvalidEvent, reason, http.StatusBadRequest)
}

func InvalidInput(field, reason string) *ServiceError {
	return New(ErrCodeInvalidInput, "invalid input", http.StatusBadRequest).
		WithDetails("field", field).
		WithDetails("reason", reason)
}

func InvalidDate(value string) *ServiceError {
	return New(ErrCodeInvalidDate, "invalid date", http.StatusBadRequest).
		WithDetails("value", value)
}

func InvalidCallback(reason string) *ServiceError {
	return New(ErrCodeInvalidCallback, reason, http.StatusBadRequest)
}

// Not-found errors

func TenantNotFound(name string) *ServiceError {
	return New(ErrCodeTenantNotFound, "tenant not found", http.StatusNotFound).WithDetails("tenant", name)
}

func NamespaceNotFound(name string) *ServiceError {
	return New(ErrCodeNamespaceNotFound, "namespace not found", http.StatusNotFound).WithDetails("namespace", name)
}

func TopicNotFound(name string) *ServiceError {
	return New(ErrCodeTopicNotFound, "topic not found", http.StatusNotFound).WithDetails("topic", name)
}

func ConsumerNotFound(id string) *ServiceError {
	return New(ErrCodeConsumerNotFound, "consumer not found", http.StatusNotFound).WithDetails("id", id)
}

func UserNotFound(id string) *ServiceError {
	return New(ErrCodeUserNotFound, "user not found", http.StatusNotFound).WithDetails("id", id)
}

func APIKeyNotFound(id string) *ServiceError {
	return New(ErrCodeAPIKeyNotFound, "api key not found", http.StatusNotFound).WithDetails("id", id)
}

func SchemaNotFound(eventType string) *ServiceError {
	return New(ErrCodeSchemaNotFound, "schema not found for event type", http.StatusNotFound).
		WithDetails("eventType", eventType)
}

// Conflict errors

func TenantExists(name string) *ServiceError {
	return New(ErrCodeTenantExists, "tenant already exists", http.StatusConflict).WithDetails("tenant", name)
}

func TopicAlreadyExists(name string) *ServiceError {
	return New(ErrCodeTopicAlreadyExists, "topic already exists", http.StatusConflict).WithDetails("topic", name)
}

func NamespaceExists(name string) *ServiceError {
	return New(ErrCodeNamespaceExists, "namespace already exists", http.StatusConflict).WithDetails("namespace", name)
}

func UserExists(email string) *ServiceError {
	return New(ErrCodeUserExists, "user already exists", http.StatusConflict).WithDetails("email", email)
}

func APIKeyAlreadyRevoked(id string) *ServiceError {
	return New(ErrCodeAPIKeyAlreadyRevoked, "api key already revoked", http.StatusConflict).WithDetails("id", id)
}

func DuplicateRequest(key string) *ServiceError {
	return New(ErrCodeDuplicateRequest, "request with this idempotency key was already accepted", http.StatusConflict).
		WithDetails("idempotencyKey", key)
}

func SchemaRemovalNotAllowed(eventType string) *ServiceError {
	return New(ErrCodeSchemaRemovalNotAllowed, "schema evolution is additive-only", http.StatusBadRequest).
		WithDetails("eventType", eventType)
}

// Auth errors

func Unauthorized(message string) *ServiceError {
	if message == "" {
		message = "unauthorized"
	}
	return New(ErrCodeUnauthorized, message, http.StatusUnauthorized)
}

func InvalidCredentials() *ServiceError {
	return New(ErrCodeInvalidCredentials, "invalid credentials", http.StatusUnauthorized)
}

func PermissionDenied(action, resource string) *ServiceError {
	return New(ErrCodePermissionDenied, "permission denied", http.StatusForbidden).
		WithDetails("action", action).
		WithDetails("resource", resource)
}

// Schema errors

func SchemaValidation(eventType string, err error) *ServiceError {
	return Wrap(ErrCodeSchemaValidation, "event payload failed schema validation", http.StatusBadRequest, err).
		WithDetails("eventType", eventType)
}

// EventPublishFailed wraps the first failing outcome of a publish batch, per
// S2's literal response shape: the caller sees one batch-level error even
// when only one event in the batch failed validation or sequencing.
func EventPublishFailed(underlying error) *ServiceError {
	se := GetServiceError(underlying)
	status := http.StatusBadRequest
	if se != nil {
		status = se.HTTPStatus
	}
	wrapped := Wrap(ErrCodeEventPublishFailed, "failed to publish one or more events", status, underlying)
	if se != nil {
		wrapped = wrapped.WithDetails("cause", string(se.Code))
	}
	return wrapped
}

// Capacity errors

func PayloadTooLarge(limitBytes int64) *ServiceError {
	return New(ErrCodePayloadTooLarge, "payload exceeds maximum size", http.StatusRequestEntityTooLarge).
		WithDetails("limitBytes", limitBytes)
}

func RateLimited(limit int, window string) *ServiceError {
	return New(ErrCodeRateLimited, "rate limit exceeded", http.StatusTooManyRequests).
		WithDetails("limit", limit).
		WithDetails("window", window)
}

// Internal errors

func IOError(operation string, err error) *ServiceError {
	return Wrap(ErrCodeIOError, "storage operation failed", http.StatusInternalServerError, err).
		WithDetails("operation", operation)
}

func Internal(message string, err error) *ServiceError {
	return Wrap(ErrCodeInternal, message, http.StatusInternalServerError, err)
}

// Helper functions

// IsServiceError checks if an error is a ServiceError.
func IsServiceError(err error) bool {
	var serviceErr *ServiceError
	return errors.As(err, &serviceErr)
}

// GetServiceError extracts a ServiceError from an error chain.
func GetServiceError(err error) *ServiceError {
	var serviceErr *ServiceError
	if errors.As(err, &serviceErr) {
		return serviceErr
	}
	return nil
}

// GetHTTPStatus returns the HTTP status code for an error.
func GetHTTPStatus(err error) int {
	if serviceErr := GetServiceError(err); serviceErr != nil {
		return serviceErr.HTTPStatus
	}
	return http.StatusInternalServerError
}

// Code extracts the ErrorCode from an error chain, or "" if not a ServiceError.
func Code(err error) ErrorCode {
	if serviceErr := GetServiceError(err); serviceErr != nil {
		return serviceErr.Code
	}
	return ""
}
