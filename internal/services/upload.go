package services

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"pacs-server/internal/apperr"
	"pacs-server/internal/database"
	"pacs-server/internal/identity"
	"pacs-server/internal/models"
	"pacs-server/internal/objectstore"
)

// UploadError is the error class for the upload broker.
var UploadError = errs.Class("upload broker")

const statConcurrency = 8

// UploadConfig bounds the lifetime of upload URLs.
type UploadConfig struct {
	DefaultTTL time.Duration
	MaxTTL     time.Duration
	// Verify stats every confirmed object before its mask is completed. It
	// only takes effect when the object store implements objectstore.Stater.
	Verify bool
}

// UploadTicket is an issued upload URL and the mask it fills.
type UploadTicket struct {
	Mask      *models.Mask
	URL       string
	TTL       time.Duration
	ExpiresAt time.Time
}

// UploadResult is the state of the masks named by a completion call.
type UploadResult struct {
	Masks []models.Mask
	Files []string
}

// UploadBroker runs the request, transfer and complete protocol. It never
// sees file bytes; the client puts them straight into the bucket.
type UploadBroker struct {
	log     *zap.Logger
	store   database.Store
	objects objectstore.Store
	stater  objectstore.Stater
	config  UploadConfig
	tree    hierarchy
	now     func() time.Time
}

func NewUploadBroker(log *zap.Logger, store database.Store, objects objectstore.Store, config UploadConfig) *UploadBroker {
	broker := &UploadBroker{
		log:     log,
		store:   store,
		objects: objects,
		config:  config,
		tree:    hierarchy{store: store},
		now:     time.Now,
	}
	if config.Verify {
		if stater, ok := objects.(objectstore.Stater); ok {
			broker.stater = stater
		} else {
			log.Warn("object store cannot stat objects; declared checksums are trusted")
		}
	}
	return broker
}

// RequestUpload reserves a slice of the group, records a PENDING mask and
// returns a presigned PUT URL for it. A slice that is already taken, or that
// has an upload in flight, is a Conflict.
func (b *UploadBroker) RequestUpload(ctx context.Context, id *identity.Identity, annotationID, groupID int64, req models.UploadURLRequest) (_ *UploadTicket, err error) {
	defer mon.Task()(&ctx)(&err)

	annotation, group, err := b.tree.group(ctx, id, annotationID, groupID)
	if err != nil {
		return nil, UploadError.Wrap(err)
	}
	if err := id.RequireWrite(annotation.ProjectID); err != nil {
		return nil, err
	}

	if req.MaskGroupID != 0 && req.MaskGroupID != group.ID {
		return nil, apperr.Validation.New("mask_group_id %d does not match mask group %d", req.MaskGroupID, group.ID)
	}
	if err := validFilename(req.Filename); err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.MimeType) == "" {
		return nil, apperr.Validation.New("mime_type is required")
	}
	if req.FileSize < 0 {
		return nil, apperr.Validation.New("file_size must not be negative")
	}
	if req.SliceIndex != nil && *req.SliceIndex < 0 {
		return nil, apperr.Validation.New("slice_index must not be negative")
	}
	if _, err := declaredSHA256(req.Checksum); err != nil {
		return nil, err
	}

	requested := req.ExpiresIn
	if requested == nil {
		requested = req.TTLSeconds
	}
	ttl, err := lifetime(requested, b.config.DefaultTTL, b.config.MaxTTL)
	if err != nil {
		return nil, err
	}

	now := b.now()
	mask, session, err := b.store.BeginUpload(ctx, database.BeginUpload{
		Mask: models.Mask{
			MaskGroupID:    group.ID,
			SOPInstanceUID: req.SOPInstanceUID,
			LabelName:      req.LabelName,
			MimeType:       req.MimeType,
			FileSize:       req.FileSize,
			Checksum:       req.Checksum,
		},
		Slice: req.SliceIndex,
		KeyFunc: func(slice int) string {
			return groupPrefix(annotation.ID, group.ID) +
				fmt.Sprintf("slice_%d_%s_%s", slice, uuid.NewString(), req.Filename)
		},
		ExpiresAt: now.Add(ttl),
		Now:       now,
	})
	if err != nil {
		return nil, UploadError.Wrap(err)
	}

	url, err := b.objects.PresignUpload(ctx, mask.FilePath, mask.MimeType, ttl)
	if err != nil {
		// The session must not stay PENDING and block the slice until expiry.
		if uerr := b.store.UpdateUploadSession(context.WithoutCancel(ctx), session.ID, models.UploadFailed); uerr != nil {
			b.log.Error("failed to fail upload session", zap.Stringer("session_id", session.ID), zap.Error(uerr))
		}
		return nil, UploadError.Wrap(err)
	}
	if err := b.store.UpdateUploadSession(ctx, session.ID, models.UploadDelivered); err != nil {
		return nil, UploadError.Wrap(err)
	}

	b.log.Info("upload url issued",
		zap.Int64("mask_group_id", group.ID),
		zap.Int64("mask_id", mask.ID),
		zap.Int("slice_index", mask.SliceIndex),
		zap.String("file_path", mask.FilePath),
		zap.Stringer("session_id", session.ID),
		zap.Duration("ttl", ttl))

	return &UploadTicket{Mask: mask, URL: url, TTL: ttl, ExpiresAt: session.ExpiresAt}, nil
}

// CompleteUpload marks the masks stored under the given keys COMPLETED.
// Repeating a successful call changes nothing. When verification is enabled
// every object is checked against its declared size and checksum first; a
// mismatch fails that mask, leaves the others untouched and the call answers
// Conflict.
func (b *UploadBroker) CompleteUpload(ctx context.Context, id *identity.Identity, annotationID, groupID int64, req models.CompleteUploadRequest) (_ *UploadResult, err error) {
	defer mon.Task()(&ctx)(&err)

	annotation, group, err := b.tree.group(ctx, id, annotationID, groupID)
	if err != nil {
		return nil, UploadError.Wrap(err)
	}
	if err := id.RequireWrite(annotation.ProjectID); err != nil {
		return nil, err
	}
	if req.MaskGroupID != 0 && req.MaskGroupID != group.ID {
		return nil, apperr.Validation.New("mask_group_id %d does not match mask group %d", req.MaskGroupID, group.ID)
	}
	if req.SliceCount < 0 {
		return nil, apperr.Validation.New("slice_count must not be negative")
	}

	outcomes := pairLabels(req.UploadedFiles, req.Labels)
	if len(outcomes) == 0 {
		return nil, apperr.Validation.New("uploaded_files must name at least one file")
	}
	files := make([]string, len(outcomes))
	for i, outcome := range outcomes {
		files[i] = outcome.FilePath
	}

	if b.stater != nil {
		if err := b.verify(ctx, group.ID, outcomes); err != nil {
			return nil, err
		}
	}

	var failed []database.UploadOutcome
	for _, outcome := range outcomes {
		if outcome.Failed {
			failed = append(failed, outcome)
		}
	}
	if len(failed) > 0 {
		// Only the mismatched masks are failed; the rest stay pending so the
		// client can confirm them again.
		if _, err := b.store.FinishUpload(ctx, group.ID, failed, b.now()); err != nil {
			return nil, UploadError.Wrap(err)
		}
		keys := make([]string, len(failed))
		for i, outcome := range failed {
			keys[i] = outcome.FilePath
		}
		b.log.Warn("upload verification failed",
			zap.Int64("mask_group_id", group.ID),
			zap.Strings("files", keys))
		return nil, apperr.Conflict.New("stored objects do not match their declared size or checksum: %s", strings.Join(keys, ", "))
	}

	masks, err := b.store.FinishUpload(ctx, group.ID, outcomes, b.now())
	if err != nil {
		return nil, UploadError.Wrap(err)
	}

	if req.SliceCount > group.SliceCount {
		group.SliceCount = req.SliceCount
		if err := b.store.UpdateMaskGroup(ctx, group); err != nil {
			return nil, UploadError.Wrap(err)
		}
	}

	b.log.Info("upload completed",
		zap.Int64("mask_group_id", group.ID),
		zap.Int("masks", len(masks)))

	return &UploadResult{Masks: masks, Files: files}, nil
}

// verify stats the objects behind outcomes and marks mismatches as failed.
// Masks that are already COMPLETED are not checked again.
func (b *UploadBroker) verify(ctx context.Context, groupID int64, outcomes []database.UploadOutcome) error {
	masks, err := b.store.ListMasks(ctx, groupID)
	if err != nil {
		return UploadError.Wrap(err)
	}
	byKey := make(map[string]models.Mask, len(masks))
	for _, mask := range masks {
		byKey[mask.FilePath] = mask
	}

	group, gctx := errgroup.WithContext(ctx)
	group.SetLimit(statConcurrency)
	for i := range outcomes {
		mask, ok := byKey[outcomes[i].FilePath]
		if !ok || mask.Status == models.MaskCompleted || mask.Status == models.MaskFailed {
			// Left for FinishUpload to accept or reject.
			continue
		}
		group.Go(func() error {
			info, err := b.stater.Stat(gctx, mask.FilePath)
			if err != nil {
				if apperr.NotFound.Has(err) {
					return apperr.Validation.New("%q has not been uploaded", mask.FilePath)
				}
				return UploadError.Wrap(err)
			}
			if !matches(&mask, info) {
				outcomes[i].Failed = true
			}
			return nil
		})
	}
	return group.Wait()
}

// CancelUpload abandons the upload in flight for a mask. The mask and its
// session become FAILED; a slice can then be requested again.
func (b *UploadBroker) CancelUpload(ctx context.Context, id *identity.Identity, annotationID, groupID, maskID int64) (_ *models.Mask, err error) {
	defer mon.Task()(&ctx)(&err)

	annotation, mask, err := b.tree.mask(ctx, id, annotationID, groupID, maskID)
	if err != nil {
		return nil, UploadError.Wrap(err)
	}
	if err := id.RequireWrite(annotation.ProjectID); err != nil {
		return nil, err
	}

	canceled, err := b.store.CancelUpload(ctx, mask.ID)
	if err != nil {
		return nil, UploadError.Wrap(err)
	}

	b.log.Info("upload canceled", zap.Int64("mask_id", mask.ID))
	return canceled, nil
}

// matches compares a stored object with what the client declared. Values
// that were not declared, or that the backend cannot report, are not compared.
func matches(mask *models.Mask, info *objectstore.ObjectInfo) bool {
	if mask.FileSize > 0 && info.Size != mask.FileSize {
		return false
	}
	sum, _ := declaredSHA256(mask.Checksum)
	if sum != "" && info.SHA256 != "" && !strings.EqualFold(sum, info.SHA256) {
		return false
	}
	return true
}

// declaredSHA256 extracts the hex digest from a "sha256:<hex>" checksum.
// Checksums in any other format are kept but never verified.
func declaredSHA256(checksum string) (string, error) {
	sum, ok := strings.CutPrefix(checksum, "sha256:")
	if !ok {
		return "", nil
	}
	if len(sum) != 64 || strings.Trim(strings.ToLower(sum), "0123456789abcdef") != "" {
		return "", apperr.Validation.New("checksum %q is not a sha256 hex digest", checksum)
	}
	return sum, nil
}

func validFilename(name string) error {
	switch {
	case strings.TrimSpace(name) == "":
		return apperr.Validation.New("filename is required")
	case strings.ContainsAny(name, `/\`):
		return apperr.Validation.New("filename must not contain path separators")
	case strings.Contains(name, ".."):
		return apperr.Validation.New("filename must not contain %q", "..")
	}
	return nil
}

// lifetime resolves a requested URL lifetime in seconds. Nil selects def.
func lifetime(seconds *int64, def, limit time.Duration) (time.Duration, error) {
	if seconds == nil {
		return def, nil
	}
	if *seconds <= 0 {
		return 0, apperr.Validation.New("expires_in must be positive")
	}
	ceiling := int64(math.MaxInt64 / time.Second)
	if limit > 0 {
		ceiling = int64(limit / time.Second)
	}
	if *seconds > ceiling {
		return 0, apperr.Validation.New("expires_in must not exceed %d seconds", ceiling)
	}
	return time.Duration(*seconds) * time.Second, nil
}

// pairLabels turns the confirmed keys into outcomes. Labels pair with keys by
// their position in the request; blank and repeated keys are dropped.
func pairLabels(files, labels []string) []database.UploadOutcome {
	seen := make(map[string]struct{}, len(files))
	out := make([]database.UploadOutcome, 0, len(files))
	for i, file := range files {
		file = strings.TrimSpace(file)
		if file == "" {
			continue
		}
		if _, ok := seen[file]; ok {
			continue
		}
		seen[file] = struct{}{}
		outcome := database.UploadOutcome{FilePath: file}
		if i < len(labels) {
			outcome.Label = labels[i]
		}
		out = append(out, outcome)
	}
	return out
}
