package objectstore

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"net/url"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"pacs-server/internal/apperr"
)

// MinioConfig addresses an S3 compatible bucket.
type MinioConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Region    string
	UseSSL    bool
}

// MinioStore is a Store backed by MinIO or any S3 compatible service.
type MinioStore struct {
	log    *zap.Logger
	client *minio.Client
	bucket string
	region string
}

func NewMinioStore(log *zap.Logger, cfg MinioConfig) (*MinioStore, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, Error.New("failed to create minio client: %v", err)
	}

	return &MinioStore{
		log:    log,
		client: client,
		bucket: cfg.Bucket,
		region: cfg.Region,
	}, nil
}

// EnsureBucket creates the bucket when it does not exist yet.
func (s *MinioStore) EnsureBucket(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return Error.Wrap(apperr.FromContext(err))
	}
	if exists {
		return nil
	}

	s.log.Info("creating bucket", zap.String("bucket", s.bucket))
	err = s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{Region: s.region})
	return Error.Wrap(apperr.FromContext(err))
}

func (s *MinioStore) PresignUpload(ctx context.Context, key, contentType string, ttl time.Duration) (_ string, err error) {
	defer mon.Task()(&ctx)(&err)

	u, err := s.client.PresignedPutObject(ctx, s.bucket, key, ttl)
	if err != nil {
		return "", Error.Wrap(apperr.FromContext(err))
	}
	return u.String(), nil
}

func (s *MinioStore) PresignDownload(ctx context.Context, key string, ttl time.Duration) (_ string, err error) {
	defer mon.Task()(&ctx)(&err)

	u, err := s.client.PresignedGetObject(ctx, s.bucket, key, ttl, url.Values{})
	if err != nil {
		return "", Error.Wrap(apperr.FromContext(err))
	}
	return u.String(), nil
}

func (s *MinioStore) Stat(ctx context.Context, key string) (_ *ObjectInfo, err error) {
	defer mon.Task()(&ctx)(&err)

	info, err := s.client.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{Checksum: true})
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, apperr.NotFound.New("object %q not found", key)
		}
		return nil, Error.Wrap(apperr.FromContext(err))
	}

	result := &ObjectInfo{Size: info.Size}
	if info.ChecksumSHA256 != "" {
		if sum, err := base64.StdEncoding.DecodeString(info.ChecksumSHA256); err == nil {
			result.SHA256 = hex.EncodeToString(sum)
		}
	}
	return result, nil
}

func (s *MinioStore) Remove(ctx context.Context, keys []string) (err error) {
	defer mon.Task()(&ctx)(&err)

	var group errs.Group
	for _, key := range keys {
		err := s.client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{})
		if err != nil && minio.ToErrorResponse(err).Code != "NoSuchKey" {
			group.Add(Error.New("remove %q: %v", key, err))
		}
	}
	return group.Err()
}
