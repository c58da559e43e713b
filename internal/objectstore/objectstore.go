// Package objectstore issues time-limited credentials against the bucket that
// holds mask files. The server never proxies file bytes; clients upload and
// download directly with the presigned URLs handed out here.
package objectstore

import (
	"context"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
)

var (
	mon = monkit.Package()

	// Error is the error class for object store failures.
	Error = errs.Class("object store")
)

// Store issues presigned URLs for object keys and removes objects.
type Store interface {
	PresignUpload(ctx context.Context, key, contentType string, ttl time.Duration) (string, error)
	PresignDownload(ctx context.Context, key string, ttl time.Duration) (string, error)
	// Remove deletes the given keys. Missing keys are not an error.
	Remove(ctx context.Context, keys []string) error
}

// ObjectInfo describes a stored object.
type ObjectInfo struct {
	Size int64
	// SHA256 is the hex digest reported by the backend, empty when unknown.
	SHA256 string
}

// Stater is implemented by backends that can inspect stored objects. A
// missing object is reported as apperr.NotFound.
type Stater interface {
	Stat(ctx context.Context, key string) (*ObjectInfo, error)
}
