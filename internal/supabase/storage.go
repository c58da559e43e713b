package supabase

import (
	"context"
	"path"
	"strings"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	storage "github.com/supabase-community/storage-go"
	"github.com/supabase-community/supabase-go"
	"github.com/zeebo/errs"

	"pacs-server/internal/apperr"
	"pacs-server/internal/objectstore"
)

var (
	mon = monkit.Package()

	// Error is the error class for supabase storage failures.
	Error = errs.Class("supabase storage")
)

// StorageClient hands out signed URLs for a Supabase Storage bucket.
type StorageClient struct {
	client  *storage.Client
	bucket  string
	baseURL string
}

func NewStorageClient(supabaseURL, serviceRoleKey, bucket string) (*StorageClient, error) {
	// Ensure URL doesn't have trailing slash
	baseURL := strings.TrimSuffix(supabaseURL, "/")

	client, err := supabase.NewClient(baseURL, serviceRoleKey, nil)
	if err != nil {
		return nil, Error.New("failed to create supabase client: %v", err)
	}

	return &StorageClient{
		client:  client.Storage,
		bucket:  bucket,
		baseURL: baseURL,
	}, nil
}

// absolute turns the bucket-relative URLs returned by the storage API into
// URLs a client can use directly.
func (s *StorageClient) absolute(signed string) string {
	if strings.HasPrefix(signed, "http://") || strings.HasPrefix(signed, "https://") {
		return signed
	}
	if !strings.HasPrefix(signed, "/") {
		signed = "/" + signed
	}
	return s.baseURL + "/storage/v1" + signed
}

// PresignUpload issues a signed upload URL. Supabase fixes the lifetime of
// upload URLs server side, so ttl is only enforced by the upload session.
func (s *StorageClient) PresignUpload(ctx context.Context, key, contentType string, ttl time.Duration) (_ string, err error) {
	defer mon.Task()(&ctx)(&err)
	if err := ctx.Err(); err != nil {
		return "", apperr.FromContext(err)
	}

	resp, err := s.client.CreateSignedUploadUrl(s.bucket, key)
	if err != nil {
		return "", Error.New("failed to sign upload of %q: %v", key, err)
	}
	return s.absolute(resp.Url), nil
}

func (s *StorageClient) PresignDownload(ctx context.Context, key string, ttl time.Duration) (_ string, err error) {
	defer mon.Task()(&ctx)(&err)
	if err := ctx.Err(); err != nil {
		return "", apperr.FromContext(err)
	}

	resp, err := s.client.CreateSignedUrl(s.bucket, key, int(ttl.Seconds()))
	if err != nil {
		return "", Error.New("failed to sign download of %q: %v", key, err)
	}
	return s.absolute(resp.SignedURL), nil
}

// Stat looks the object up in its folder listing. Supabase does not expose
// content digests, so only the size is reported.
func (s *StorageClient) Stat(ctx context.Context, key string) (_ *objectstore.ObjectInfo, err error) {
	defer mon.Task()(&ctx)(&err)
	if err := ctx.Err(); err != nil {
		return nil, apperr.FromContext(err)
	}

	dir, name := path.Split(key)
	files, err := s.client.ListFiles(s.bucket, strings.TrimSuffix(dir, "/"), storage.FileSearchOptions{
		Limit: 1000,
	})
	if err != nil {
		return nil, Error.New("failed to list files: %v", err)
	}

	for _, file := range files {
		if file.Name != name {
			continue
		}
		info := &objectstore.ObjectInfo{}
		if meta, ok := file.Metadata.(map[string]interface{}); ok {
			if size, ok := meta["size"].(float64); ok {
				info.Size = int64(size)
			}
		}
		return info, nil
	}
	return nil, apperr.NotFound.New("object %q not found", key)
}

func (s *StorageClient) Remove(ctx context.Context, keys []string) (err error) {
	defer mon.Task()(&ctx)(&err)
	if len(keys) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return apperr.FromContext(err)
	}

	if _, err := s.client.RemoveFile(s.bucket, keys); err != nil {
		return Error.New("failed to delete files: %v", err)
	}
	return nil
}

var (
	_ objectstore.Store  = (*StorageClient)(nil)
	_ objectstore.Stater = (*StorageClient)(nil)
)
