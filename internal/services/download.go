package services

import (
	"context"
	"time"

	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"pacs-server/internal/apperr"
	"pacs-server/internal/database"
	"pacs-server/internal/identity"
	"pacs-server/internal/models"
	"pacs-server/internal/objectstore"
)

// DownloadError is the error class for the download broker.
var DownloadError = errs.Class("download broker")

type DownloadConfig struct {
	DefaultTTL time.Duration
	MaxTTL     time.Duration
}

// DownloadTicket is a presigned GET URL for one mask.
type DownloadTicket struct {
	Mask      *models.Mask
	URL       string
	TTL       time.Duration
	ExpiresAt time.Time
}

// DownloadBroker hands out read URLs for stored masks. Every call presigns a
// fresh URL.
type DownloadBroker struct {
	log     *zap.Logger
	store   database.Store
	objects objectstore.Store
	config  DownloadConfig
	now     func() time.Time
}

func NewDownloadBroker(log *zap.Logger, store database.Store, objects objectstore.Store, config DownloadConfig) *DownloadBroker {
	return &DownloadBroker{
		log:     log,
		store:   store,
		objects: objects,
		config:  config,
		now:     time.Now,
	}
}

// RequestDownload presigns a GET URL for a mask. An unresolvable chain is
// NotFound; a caller outside the annotation's project is Unauthorized. Masks
// whose bytes are not known to be stored answer Conflict.
func (b *DownloadBroker) RequestDownload(ctx context.Context, id *identity.Identity, annotationID, groupID, maskID int64, expiresIn *int64) (_ *DownloadTicket, err error) {
	defer mon.Task()(&ctx)(&err)

	annotation, err := b.store.GetAnnotation(ctx, annotationID)
	if err != nil {
		return nil, DownloadError.Wrap(err)
	}
	group, err := b.store.GetMaskGroup(ctx, groupID)
	if err != nil {
		return nil, DownloadError.Wrap(err)
	}
	mask, err := b.store.GetMask(ctx, maskID)
	if err != nil {
		return nil, DownloadError.Wrap(err)
	}
	if group.AnnotationID != annotation.ID || mask.MaskGroupID != group.ID {
		return nil, apperr.NotFound.New("mask %d not found", maskID)
	}

	if !id.IsMember(annotation.ProjectID) {
		return nil, apperr.Unauthorized.New("no read access to project %d", annotation.ProjectID)
	}
	if !canRead(id, annotation) {
		return nil, apperr.NotFound.New("mask %d not found", maskID)
	}

	switch mask.Status {
	case models.MaskPending:
		return nil, apperr.Conflict.New("mask %d has not been uploaded yet", mask.ID)
	case models.MaskFailed:
		return nil, apperr.Conflict.New("upload of mask %d failed", mask.ID)
	}

	ttl, err := lifetime(expiresIn, b.config.DefaultTTL, b.config.MaxTTL)
	if err != nil {
		return nil, err
	}

	url, err := b.objects.PresignDownload(ctx, mask.FilePath, ttl)
	if err != nil {
		return nil, DownloadError.Wrap(err)
	}

	b.log.Debug("download url issued",
		zap.Int64("mask_id", mask.ID),
		zap.Int64("user_id", id.UserID),
		zap.Duration("ttl", ttl))

	return &DownloadTicket{Mask: mask, URL: url, TTL: ttl, ExpiresAt: b.now().Add(ttl)}, nil
}
