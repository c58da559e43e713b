// Package services implements the annotation server's operations on top of
// the store and the object store. Every operation takes the caller's identity
// snapshot explicitly; nothing here caches grants between requests.
package services

import (
	"github.com/spacemonkeygo/monkit/v3"

	"pacs-server/internal/apperr"
	"pacs-server/internal/models"
)

var mon = monkit.Package()

const (
	DefaultPageLimit = 100
	MaxPageLimit     = 1000
)

// NewPage validates and normalises listing bounds. A zero limit selects the
// default; larger limits are capped.
func NewPage(limit, offset int) (models.Page, error) {
	if limit < 0 {
		return models.Page{}, apperr.Validation.New("limit must not be negative")
	}
	if offset < 0 {
		return models.Page{}, apperr.Validation.New("offset must not be negative")
	}
	if limit == 0 {
		limit = DefaultPageLimit
	}
	if limit > MaxPageLimit {
		limit = MaxPageLimit
	}
	return models.Page{Limit: limit, Offset: offset}, nil
}
