package services

import (
	"context"
	"fmt"
	"strings"

	"pacs-server/internal/apperr"
	"pacs-server/internal/database"
	"pacs-server/internal/identity"
	"pacs-server/internal/models"
)

// canRead reports whether the caller may see annotation. Only members of an
// active project read its annotations: owners always, others when shared.
func canRead(id *identity.Identity, annotation *models.Annotation) bool {
	if !id.IsMember(annotation.ProjectID) {
		return false
	}
	return annotation.UserID == id.UserID || annotation.IsShared
}

// canModify reports whether the caller may change or delete annotation itself.
func canModify(id *identity.Identity, annotation *models.Annotation) bool {
	if id.CanManage(annotation.ProjectID) {
		return true
	}
	return annotation.UserID == id.UserID && id.CanWrite(annotation.ProjectID)
}

// hierarchy resolves path ids into the annotation ownership chain. Anything
// that does not resolve, or that the caller may not read, is NotFound.
type hierarchy struct {
	store database.Store
}

func (h hierarchy) annotation(ctx context.Context, id *identity.Identity, annotationID int64) (*models.Annotation, error) {
	annotation, err := h.store.GetAnnotation(ctx, annotationID)
	if err != nil {
		return nil, err
	}
	if !canRead(id, annotation) {
		return nil, apperr.NotFound.New("annotation %d not found", annotationID)
	}
	return annotation, nil
}

func (h hierarchy) group(ctx context.Context, id *identity.Identity, annotationID, groupID int64) (*models.Annotation, *models.MaskGroup, error) {
	annotation, err := h.annotation(ctx, id, annotationID)
	if err != nil {
		return nil, nil, err
	}
	group, err := h.store.GetMaskGroup(ctx, groupID)
	if err != nil {
		return nil, nil, err
	}
	if group.AnnotationID != annotation.ID {
		return nil, nil, apperr.NotFound.New("mask group %d not found in annotation %d", groupID, annotationID)
	}
	return annotation, group, nil
}

func (h hierarchy) mask(ctx context.Context, id *identity.Identity, annotationID, groupID, maskID int64) (*models.Annotation, *models.Mask, error) {
	annotation, group, err := h.group(ctx, id, annotationID, groupID)
	if err != nil {
		return nil, nil, err
	}
	mask, err := h.store.GetMask(ctx, maskID)
	if err != nil {
		return nil, nil, err
	}
	if mask.MaskGroupID != group.ID {
		return nil, nil, apperr.NotFound.New("mask %d not found in mask group %d", maskID, groupID)
	}
	return annotation, mask, nil
}

// Objects the server issues upload URLs for live under keyRoot, one prefix
// per annotation and mask group. Only keys under those prefixes are removed
// when the owning records are deleted.
const keyRoot = "masks/"

func annotationPrefix(annotationID int64) string {
	return fmt.Sprintf("%sannotation_%d/", keyRoot, annotationID)
}

func groupPrefix(annotationID, groupID int64) string {
	return fmt.Sprintf("%sgroup_%d/", annotationPrefix(annotationID), groupID)
}

// ownedKeys keeps the keys that fall under prefix.
func ownedKeys(keys []string, prefix string) []string {
	owned := keys[:0:0]
	for _, key := range keys {
		if strings.HasPrefix(key, prefix) {
			owned = append(owned, key)
		}
	}
	return owned
}
