// Package apperr holds the error kinds surfaced to API callers.
package apperr

import (
	"context"
	"errors"
	"net/http"

	"github.com/zeebo/errs"
)

var (
	// Unauthorized is a missing or invalid token, or a missing project grant.
	Unauthorized = errs.Class("unauthorized")
	// NotFound is an absent entity or one hidden from the caller.
	NotFound = errs.Class("not found")
	// Conflict is a duplicate key or a state transition that is not allowed.
	Conflict = errs.Class("conflict")
	// Timeout is a downstream dependency exceeding its deadline.
	Timeout = errs.Class("timeout")
	// Validation is a malformed or incomplete request.
	Validation = errs.Class("validation error")
)

// Kind names the taxonomy entry of err. Unclassified errors are "internal_error".
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case IsTimeout(err):
		return "timeout"
	case Unauthorized.Has(err):
		return "unauthorized"
	case NotFound.Has(err):
		return "not_found"
	case Conflict.Has(err):
		return "conflict"
	case Validation.Has(err):
		return "validation_error"
	}
	return "internal_error"
}

// IsTimeout reports whether err is a Timeout or carries a context deadline.
func IsTimeout(err error) bool {
	return Timeout.Has(err) || errors.Is(err, context.DeadlineExceeded)
}

// FromContext converts a context error into the taxonomy.
func FromContext(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return Timeout.Wrap(err)
	}
	return err
}

// HTTPStatus maps err onto the response status reported to API callers.
func HTTPStatus(err error) int {
	switch Kind(err) {
	case "":
		return http.StatusOK
	case "timeout":
		return http.StatusGatewayTimeout
	case "unauthorized":
		return http.StatusUnauthorized
	case "not_found":
		return http.StatusNotFound
	case "conflict":
		return http.StatusConflict
	case "validation_error":
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}
