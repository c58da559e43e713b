package apperr_test

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/zeebo/errs"

	"pacs-server/internal/apperr"
)

func TestKind(t *testing.T) {
	storeErr := errs.Class("store")

	tests := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, ""},
		{"not found", apperr.NotFound.New("mask %d", 7), "not_found"},
		{"wrapped conflict", storeErr.Wrap(apperr.Conflict.New("slice taken")), "conflict"},
		{"unauthorized", apperr.Unauthorized.New("no membership"), "unauthorized"},
		{"validation", apperr.Validation.New("filename required"), "validation_error"},
		{"deadline", fmt.Errorf("query: %w", context.DeadlineExceeded), "timeout"},
		{"timeout class", apperr.Timeout.New("qido"), "timeout"},
		{"plain", errors.New("boom"), "internal_error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, apperr.Kind(tt.err))
		})
	}
}

func TestFromContext(t *testing.T) {
	err := apperr.FromContext(context.DeadlineExceeded)
	assert.True(t, apperr.Timeout.Has(err))

	err = apperr.FromContext(context.Canceled)
	assert.False(t, apperr.Timeout.Has(err))
}

func TestHTTPStatus(t *testing.T) {
	assert.Equal(t, http.StatusUnauthorized, apperr.HTTPStatus(apperr.Unauthorized.New("")))
	assert.Equal(t, http.StatusNotFound, apperr.HTTPStatus(apperr.NotFound.New("")))
	assert.Equal(t, http.StatusConflict, apperr.HTTPStatus(apperr.Conflict.New("")))
	assert.Equal(t, http.StatusGatewayTimeout, apperr.HTTPStatus(context.DeadlineExceeded))
	assert.Equal(t, http.StatusBadRequest, apperr.HTTPStatus(apperr.Validation.New("")))
	assert.Equal(t, http.StatusInternalServerError, apperr.HTTPStatus(errors.New("boom")))
}
