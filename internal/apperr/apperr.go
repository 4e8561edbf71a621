// Package apperr holds the error categories shared by every component.
// Domain packages wrap these sentinels so callers can match either the
// precise error or its category with errors.Is.
package apperr

import (
	"errors"
	"net/http"
)

var (
	ErrAuthentication = errors.New("authentication error")
	ErrAuthorization  = errors.New("authorization error")
	ErrNotFound       = errors.New("not found")
	ErrStateConflict  = errors.New("state conflict")
	ErrValidation     = errors.New("validation error")
)

// HTTPStatus maps an error to the status code of its category.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrAuthentication):
		return http.StatusUnauthorized
	case errors.Is(err, ErrAuthorization):
		return http.StatusForbidden
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrStateConflict):
		return http.StatusConflict
	case errors.Is(err, ErrValidation):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// Code returns a stable machine-readable name for the error category.
func Code(err error) string {
	switch {
	case errors.Is(err, ErrAuthentication):
		return "authentication_error"
	case errors.Is(err, ErrAuthorization):
		return "authorization_error"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrStateConflict):
		return "state_conflict"
	case errors.Is(err, ErrValidation):
		return "validation_error"
	default:
		return "internal_error"
	}
}

// Expected reports whether err belongs to one of the known categories.
// Anything else is an infrastructure failure whose message must not leak.
func Expected(err error) bool {
	return Code(err) != "internal_error"
}
