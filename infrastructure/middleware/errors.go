// Package middleware provides HTTP middleware for the event hub.
//
// Error construction lives in infrastructure/errors; this file aliases the
// pieces middleware needs so call sites stay terse.
package middleware

import (
	svcerrors "github.com/fluxledger/eventhub/infrastructure/errors"
)

type ErrorCode = svcerrors.ErrorCode

const (
	ErrCodeUnauthorized      = svcerrors.ErrCodeUnauthorized
	ErrCodeForbidden         = svcerrors.ErrCodePermissionDenied
	ErrCodeInvalidFormat     = svcerrors.ErrCodeInvalidInput
	ErrCodeInternal          = svcerrors.ErrCodeInternal
	ErrCodeRateLimitExceeded = svcerrors.ErrCodeRateLimited
)

type ServiceError = svcerrors.ServiceError

func errUnauthorized(message string) *ServiceError {
	return svcerrors.Unauthorized(message)
}

func errForbidden(message string) *ServiceError {
	return svcerrors.PermissionDenied("", message)
}

func errInvalidFormat(field, expected string) *ServiceError {
	return svcerrors.InvalidInput(field, expected)
}

func errInternal(message string, err error) *ServiceError {
	return svcerrors.Internal(message, err)
}

func errRateLimitExceeded(limit int, window string) *ServiceError {
	return svcerrors.RateLimited(limit, window)
}

func getServiceError(err error) *ServiceError {
	return svcerrors.GetServiceError(err)
}
