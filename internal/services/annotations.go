package services

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"pacs-server/internal/apperr"
	"pacs-server/internal/database"
	"pacs-server/internal/identity"
	"pacs-server/internal/models"
	"pacs-server/internal/objectstore"
)

// AnnotationError is the error class for the annotation hierarchy.
var AnnotationError = errs.Class("annotations")

const defaultMaskType = "segmentation"

// AnnotationService manages annotations, their mask groups and masks.
type AnnotationService struct {
	log     *zap.Logger
	store   database.Store
	objects objectstore.Store
	tree    hierarchy
}

func NewAnnotationService(log *zap.Logger, store database.Store, objects objectstore.Store) *AnnotationService {
	return &AnnotationService{
		log:     log,
		store:   store,
		objects: objects,
		tree:    hierarchy{store: store},
	}
}

// CreateAnnotation records an annotation in a project the caller can write
// to. The study, series and instance UIDs are stored as given.
func (s *AnnotationService) CreateAnnotation(ctx context.Context, id *identity.Identity, req models.CreateAnnotationRequest) (_ *models.Annotation, err error) {
	defer mon.Task()(&ctx)(&err)

	if err := id.RequireWrite(req.ProjectID); err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.StudyInstanceUID) == "" {
		return nil, apperr.Validation.New("study_instance_uid is required")
	}
	if err := validJSON("annotation_data", req.AnnotationData, true); err != nil {
		return nil, err
	}
	if err := validJSON("measurement_values", req.MeasurementValues, false); err != nil {
		return nil, err
	}

	annotation := &models.Annotation{
		ProjectID:         req.ProjectID,
		UserID:            id.UserID,
		StudyInstanceUID:  req.StudyInstanceUID,
		SeriesInstanceUID: req.SeriesInstanceUID,
		SOPInstanceUID:    req.SOPInstanceUID,
		ToolName:          req.ToolName,
		ToolVersion:       req.ToolVersion,
		ViewerSoftware:    req.ViewerSoftware,
		Description:       req.Description,
		Data:              req.AnnotationData,
		MeasurementValues: req.MeasurementValues,
		IsShared:          req.IsShared,
	}
	if err := s.store.CreateAnnotation(ctx, annotation); err != nil {
		return nil, AnnotationError.Wrap(err)
	}

	s.log.Info("annotation created",
		zap.Int64("annotation_id", annotation.ID),
		zap.Int64("project_id", annotation.ProjectID),
		zap.Int64("user_id", id.UserID))
	return annotation, nil
}

func (s *AnnotationService) GetAnnotation(ctx context.Context, id *identity.Identity, annotationID int64) (_ *models.Annotation, err error) {
	defer mon.Task()(&ctx)(&err)

	annotation, err := s.tree.annotation(ctx, id, annotationID)
	return annotation, AnnotationError.Wrap(err)
}

// ListAnnotations lists the annotations of a project the caller can read,
// optionally narrowed to one study.
func (s *AnnotationService) ListAnnotations(ctx context.Context, id *identity.Identity, projectID int64, studyUID string) (_ []models.Annotation, err error) {
	defer mon.Task()(&ctx)(&err)

	if err := id.RequireMember(projectID); err != nil {
		return nil, err
	}

	all, err := s.store.ListAnnotations(ctx, models.AnnotationFilter{ProjectID: projectID, StudyInstanceUID: studyUID})
	if err != nil {
		return nil, AnnotationError.Wrap(err)
	}

	visible := make([]models.Annotation, 0, len(all))
	for i := range all {
		if canRead(id, &all[i]) {
			visible = append(visible, all[i])
		}
	}
	return visible, nil
}

// UpdateAnnotation changes the payload and metadata of an annotation. Its
// study binding never changes.
func (s *AnnotationService) UpdateAnnotation(ctx context.Context, id *identity.Identity, annotationID int64, req models.UpdateAnnotationRequest) (_ *models.Annotation, err error) {
	defer mon.Task()(&ctx)(&err)

	annotation, err := s.tree.annotation(ctx, id, annotationID)
	if err != nil {
		return nil, AnnotationError.Wrap(err)
	}
	if !canModify(id, annotation) {
		return nil, apperr.Unauthorized.New("annotation %d can only be changed by its owner", annotationID)
	}

	if req.AnnotationData != nil {
		if err := validJSON("annotation_data", req.AnnotationData, true); err != nil {
			return nil, err
		}
		annotation.Data = req.AnnotationData
	}
	if req.MeasurementValues != nil {
		if err := validJSON("measurement_values", req.MeasurementValues, false); err != nil {
			return nil, err
		}
		annotation.MeasurementValues = req.MeasurementValues
	}
	setString(&annotation.ToolName, req.ToolName)
	setString(&annotation.ToolVersion, req.ToolVersion)
	setString(&annotation.ViewerSoftware, req.ViewerSoftware)
	setString(&annotation.Description, req.Description)
	if req.IsShared != nil {
		annotation.IsShared = *req.IsShared
	}

	if err := s.store.UpdateAnnotation(ctx, annotation); err != nil {
		return nil, AnnotationError.Wrap(err)
	}
	return annotation, nil
}

// DeleteAnnotation removes an annotation with all its mask groups, masks and
// upload sessions.
func (s *AnnotationService) DeleteAnnotation(ctx context.Context, id *identity.Identity, annotationID int64) (err error) {
	defer mon.Task()(&ctx)(&err)

	annotation, err := s.tree.annotation(ctx, id, annotationID)
	if err != nil {
		return AnnotationError.Wrap(err)
	}
	if !canModify(id, annotation) {
		return apperr.Unauthorized.New("annotation %d can only be deleted by its owner", annotationID)
	}

	return s.deleteSubtree(ctx, database.Node{Kind: database.NodeAnnotation, ID: annotation.ID}, annotationPrefix(annotation.ID))
}

// CreateMaskGroup adds an empty mask group under an annotation. The slice
// count is advisory.
func (s *AnnotationService) CreateMaskGroup(ctx context.Context, id *identity.Identity, annotationID int64, req models.CreateMaskGroupRequest) (_ *models.MaskGroup, err error) {
	defer mon.Task()(&ctx)(&err)

	annotation, err := s.tree.annotation(ctx, id, annotationID)
	if err != nil {
		return nil, AnnotationError.Wrap(err)
	}
	if err := id.RequireWrite(annotation.ProjectID); err != nil {
		return nil, err
	}
	if req.SliceCount < 0 {
		return nil, apperr.Validation.New("slice_count must not be negative")
	}

	group := &models.MaskGroup{
		AnnotationID: annotation.ID,
		GroupName:    req.GroupName,
		ModelName:    req.ModelName,
		Version:      req.Version,
		Modality:     req.Modality,
		SliceCount:   req.SliceCount,
		MaskType:     req.MaskType,
		Description:  req.Description,
		CreatedBy:    id.UserID,
	}
	if group.MaskType == "" {
		group.MaskType = defaultMaskType
	}
	if err := s.store.CreateMaskGroup(ctx, group); err != nil {
		return nil, AnnotationError.Wrap(err)
	}

	s.log.Info("mask group created",
		zap.Int64("mask_group_id", group.ID),
		zap.Int64("annotation_id", annotation.ID))
	return group, nil
}

// GetMaskGroup returns a mask group with its per-status mask counts.
func (s *AnnotationService) GetMaskGroup(ctx context.Context, id *identity.Identity, annotationID, groupID int64) (_ *models.MaskGroup, _ *models.MaskGroupStats, err error) {
	defer mon.Task()(&ctx)(&err)

	_, group, err := s.tree.group(ctx, id, annotationID, groupID)
	if err != nil {
		return nil, nil, AnnotationError.Wrap(err)
	}
	stats, err := s.store.MaskGroupStats(ctx, group.ID)
	if err != nil {
		return nil, nil, AnnotationError.Wrap(err)
	}
	return group, stats, nil
}

func (s *AnnotationService) ListMaskGroups(ctx context.Context, id *identity.Identity, annotationID int64, page models.Page) (_ []models.MaskGroup, total int, err error) {
	defer mon.Task()(&ctx)(&err)

	annotation, err := s.tree.annotation(ctx, id, annotationID)
	if err != nil {
		return nil, 0, AnnotationError.Wrap(err)
	}
	groups, total, err := s.store.ListMaskGroups(ctx, annotation.ID, page)
	if err != nil {
		return nil, 0, AnnotationError.Wrap(err)
	}
	return groups, total, nil
}

func (s *AnnotationService) UpdateMaskGroup(ctx context.Context, id *identity.Identity, annotationID, groupID int64, req models.UpdateMaskGroupRequest) (_ *models.MaskGroup, err error) {
	defer mon.Task()(&ctx)(&err)

	annotation, group, err := s.tree.group(ctx, id, annotationID, groupID)
	if err != nil {
		return nil, AnnotationError.Wrap(err)
	}
	if err := id.RequireWrite(annotation.ProjectID); err != nil {
		return nil, err
	}

	setString(&group.GroupName, req.GroupName)
	setString(&group.ModelName, req.ModelName)
	setString(&group.Version, req.Version)
	setString(&group.Modality, req.Modality)
	setString(&group.MaskType, req.MaskType)
	setString(&group.Description, req.Description)
	if req.SliceCount != nil {
		if *req.SliceCount < 0 {
			return nil, apperr.Validation.New("slice_count must not be negative")
		}
		group.SliceCount = *req.SliceCount
	}

	if err := s.store.UpdateMaskGroup(ctx, group); err != nil {
		return nil, AnnotationError.Wrap(err)
	}
	return group, nil
}

func (s *AnnotationService) DeleteMaskGroup(ctx context.Context, id *identity.Identity, annotationID, groupID int64) (err error) {
	defer mon.Task()(&ctx)(&err)

	annotation, group, err := s.tree.group(ctx, id, annotationID, groupID)
	if err != nil {
		return AnnotationError.Wrap(err)
	}
	if err := id.RequireWrite(annotation.ProjectID); err != nil {
		return err
	}

	return s.deleteSubtree(ctx, database.Node{Kind: database.NodeMaskGroup, ID: group.ID}, groupPrefix(annotation.ID, group.ID))
}

// CreateMask registers a mask whose file already exists in the bucket. The
// mask starts out UPLOADED; a taken slice index is a Conflict.
func (s *AnnotationService) CreateMask(ctx context.Context, id *identity.Identity, annotationID, groupID int64, req models.CreateMaskRequest) (_ *models.Mask, err error) {
	defer mon.Task()(&ctx)(&err)

	annotation, group, err := s.tree.group(ctx, id, annotationID, groupID)
	if err != nil {
		return nil, AnnotationError.Wrap(err)
	}
	if err := id.RequireWrite(annotation.ProjectID); err != nil {
		return nil, err
	}

	if req.MaskGroupID != 0 && req.MaskGroupID != group.ID {
		return nil, apperr.Validation.New("mask_group_id %d does not match mask group %d", req.MaskGroupID, group.ID)
	}
	if req.SliceIndex == nil || *req.SliceIndex < 0 {
		return nil, apperr.Validation.New("slice_index must be a non-negative integer")
	}
	if err := validKey(req.FilePath); err != nil {
		return nil, err
	}
	if strings.HasPrefix(req.FilePath, keyRoot) && !strings.HasPrefix(req.FilePath, groupPrefix(annotation.ID, group.ID)) {
		return nil, apperr.Validation.New("file_path must be under %q", groupPrefix(annotation.ID, group.ID))
	}

	mask := &models.Mask{
		MaskGroupID:    group.ID,
		SliceIndex:     *req.SliceIndex,
		SOPInstanceUID: req.SOPInstanceUID,
		LabelName:      req.LabelName,
		FilePath:       req.FilePath,
		MimeType:       req.MimeType,
		FileSize:       req.FileSize,
		Checksum:       req.Checksum,
		Width:          req.Width,
		Height:         req.Height,
		Status:         models.MaskUploaded,
	}
	if err := s.store.CreateMask(ctx, mask); err != nil {
		return nil, AnnotationError.Wrap(err)
	}
	return mask, nil
}

func (s *AnnotationService) GetMask(ctx context.Context, id *identity.Identity, annotationID, groupID, maskID int64) (_ *models.Mask, err error) {
	defer mon.Task()(&ctx)(&err)

	_, mask, err := s.tree.mask(ctx, id, annotationID, groupID, maskID)
	return mask, AnnotationError.Wrap(err)
}

// ListMasks returns the masks of a group ordered by slice index.
func (s *AnnotationService) ListMasks(ctx context.Context, id *identity.Identity, annotationID, groupID int64) (_ []models.Mask, err error) {
	defer mon.Task()(&ctx)(&err)

	_, group, err := s.tree.group(ctx, id, annotationID, groupID)
	if err != nil {
		return nil, AnnotationError.Wrap(err)
	}
	masks, err := s.store.ListMasks(ctx, group.ID)
	return masks, AnnotationError.Wrap(err)
}

// UpdateMask changes the descriptive fields of a mask. The group, slice
// index and storage key identify the mask and are rejected when changed.
func (s *AnnotationService) UpdateMask(ctx context.Context, id *identity.Identity, annotationID, groupID, maskID int64, req models.UpdateMaskRequest) (_ *models.Mask, err error) {
	defer mon.Task()(&ctx)(&err)

	annotation, mask, err := s.tree.mask(ctx, id, annotationID, groupID, maskID)
	if err != nil {
		return nil, AnnotationError.Wrap(err)
	}
	if err := id.RequireWrite(annotation.ProjectID); err != nil {
		return nil, err
	}

	switch {
	case req.MaskGroupID != nil && *req.MaskGroupID != mask.MaskGroupID:
		return nil, apperr.Validation.New("mask_group_id cannot be changed; delete and recreate the mask")
	case req.SliceIndex != nil && *req.SliceIndex != mask.SliceIndex:
		return nil, apperr.Validation.New("slice_index cannot be changed; delete and recreate the mask")
	case req.FilePath != nil && *req.FilePath != mask.FilePath:
		return nil, apperr.Validation.New("file_path cannot be changed")
	}

	updated, err := s.store.UpdateMask(ctx, mask.ID, models.MaskUpdate{
		SOPInstanceUID: req.SOPInstanceUID,
		LabelName:      req.LabelName,
		MimeType:       req.MimeType,
		FileSize:       req.FileSize,
		Checksum:       req.Checksum,
		Width:          req.Width,
		Height:         req.Height,
	})
	if err != nil {
		return nil, AnnotationError.Wrap(err)
	}
	return updated, nil
}

// DeleteMask removes a mask and cancels any upload still in flight for it.
func (s *AnnotationService) DeleteMask(ctx context.Context, id *identity.Identity, annotationID, groupID, maskID int64) (err error) {
	defer mon.Task()(&ctx)(&err)

	annotation, mask, err := s.tree.mask(ctx, id, annotationID, groupID, maskID)
	if err != nil {
		return AnnotationError.Wrap(err)
	}
	if err := id.RequireWrite(annotation.ProjectID); err != nil {
		return err
	}

	return s.deleteSubtree(ctx, database.Node{Kind: database.NodeMask, ID: mask.ID}, groupPrefix(annotation.ID, mask.MaskGroupID))
}

// deleteSubtree removes node from the store, then those of its objects that
// live under prefix from the bucket. Keys registered from elsewhere are left
// alone. Objects that fail to delete are logged and left behind.
func (s *AnnotationService) deleteSubtree(ctx context.Context, node database.Node, prefix string) error {
	keys, err := s.store.DeleteSubtree(ctx, node)
	if err != nil {
		return AnnotationError.Wrap(err)
	}
	keys = ownedKeys(keys, prefix)

	s.log.Info("deleted subtree",
		zap.Stringer("kind", node.Kind),
		zap.Int64("id", node.ID),
		zap.Int("objects", len(keys)))

	if len(keys) == 0 || s.objects == nil {
		return nil
	}
	if err := s.objects.Remove(ctx, keys); err != nil {
		s.log.Warn("failed to remove objects",
			zap.Stringer("kind", node.Kind),
			zap.Int64("id", node.ID),
			zap.Strings("keys", keys),
			zap.Error(err))
	}
	return nil
}

func validJSON(field string, raw json.RawMessage, required bool) error {
	if len(raw) == 0 {
		if required {
			return apperr.Validation.New("%s is required", field)
		}
		return nil
	}
	if !json.Valid(raw) {
		return apperr.Validation.New("%s is not valid JSON", field)
	}
	return nil
}

// validKey rejects storage keys that are empty or could escape their prefix.
func validKey(key string) error {
	switch {
	case strings.TrimSpace(key) == "":
		return apperr.Validation.New("file_path is required")
	case strings.Contains(key, ".."):
		return apperr.Validation.New("file_path must not contain %q", "..")
	case strings.HasPrefix(key, "/"):
		return apperr.Validation.New("file_path must be relative")
	}
	return nil
}

func setString(dst *string, src *string) {
	if src != nil {
		*dst = *src
	}
}
