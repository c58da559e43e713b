// Package database owns persistence for users, projects, the DICOM catalog and
// the annotation/mask hierarchy. Every method takes a context and honours its
// deadline.
package database

import (
	"context"
	"time"

	"github.com/google/uuid"

	"pacs-server/internal/apperr"
	"pacs-server/internal/models"
)

// Store is the persistent store contract. Uniqueness violations surface as
// apperr.Conflict and missing rows as apperr.NotFound.
type Store interface {
	CreateUser(ctx context.Context, user *models.User) error
	GetUser(ctx context.Context, id int64) (*models.User, error)
	GetUserByKeycloakID(ctx context.Context, keycloakID uuid.UUID) (*models.User, error)
	GetUserByUsername(ctx context.Context, username string) (*models.User, error)
	ListUsers(ctx context.Context, username string) ([]models.User, error)

	CreateProject(ctx context.Context, project *models.Project) error
	GetProject(ctx context.Context, id int64) (*models.Project, error)
	GetProjectByName(ctx context.Context, name string) (*models.Project, error)
	ListProjectsForUser(ctx context.Context, userID int64) ([]models.Project, error)
	UpdateProject(ctx context.Context, project *models.Project) error

	AddMember(ctx context.Context, membership *models.Membership) error
	GetMembership(ctx context.Context, projectID, userID int64) (*models.Membership, error)
	ListMemberships(ctx context.Context, userID int64) ([]models.Membership, error)
	ListProjectMembers(ctx context.Context, projectID int64) ([]models.Membership, error)

	// SaveStudy records a study with its series and instances. It fails with
	// Conflict when the study is already scoped to another project.
	SaveStudy(ctx context.Context, study *models.Study, series []models.Series, instances []models.Instance) error
	GetStudy(ctx context.Context, studyUID string) (*models.Study, error)
	GetSeries(ctx context.Context, seriesUID string) (*models.Series, error)
	ListStudies(ctx context.Context, projectID int64, page models.Page) ([]models.Study, int, error)
	ListSeries(ctx context.Context, studyUID string, page models.Page) ([]models.Series, int, error)
	ListInstances(ctx context.Context, seriesUID string, page models.Page) ([]models.Instance, int, error)

	CreateAnnotation(ctx context.Context, annotation *models.Annotation) error
	GetAnnotation(ctx context.Context, id int64) (*models.Annotation, error)
	ListAnnotations(ctx context.Context, filter models.AnnotationFilter) ([]models.Annotation, error)
	UpdateAnnotation(ctx context.Context, annotation *models.Annotation) error

	CreateMaskGroup(ctx context.Context, group *models.MaskGroup) error
	GetMaskGroup(ctx context.Context, id int64) (*models.MaskGroup, error)
	ListMaskGroups(ctx context.Context, annotationID int64, page models.Page) ([]models.MaskGroup, int, error)
	UpdateMaskGroup(ctx context.Context, group *models.MaskGroup) error
	MaskGroupStats(ctx context.Context, groupID int64) (*models.MaskGroupStats, error)

	// CreateMask inserts a mask; a taken (group, slice) pair is a Conflict.
	CreateMask(ctx context.Context, mask *models.Mask) error
	GetMask(ctx context.Context, id int64) (*models.Mask, error)
	ListMasks(ctx context.Context, groupID int64) ([]models.Mask, error)
	UpdateMask(ctx context.Context, id int64, update models.MaskUpdate) (*models.Mask, error)

	// BeginUpload atomically reserves the mask slot for an upload and records
	// the session. When slice is nil the next free slice index is allocated.
	BeginUpload(ctx context.Context, req BeginUpload) (*models.Mask, *models.UploadSession, error)
	// FinishUpload applies the outcomes to the group's masks in one step.
	// Masks already COMPLETED are left as they are. An unknown key, an expired
	// session or a FAILED mask aborts the whole batch.
	FinishUpload(ctx context.Context, groupID int64, outcomes []UploadOutcome, now time.Time) ([]models.Mask, error)
	// CancelUpload fails the active session of a mask and the mask itself.
	CancelUpload(ctx context.Context, maskID int64) (*models.Mask, error)
	UpdateUploadSession(ctx context.Context, id uuid.UUID, state models.UploadState) error
	GetUploadSession(ctx context.Context, maskID int64) (*models.UploadSession, error)

	// DeleteSubtree removes a node and everything it owns, invalidating any
	// upload session below it. It returns the storage keys that were removed.
	DeleteSubtree(ctx context.Context, node Node) ([]string, error)

	// Ping reports whether the store is reachable.
	Ping(ctx context.Context) error
	Close() error
}

// BeginUpload describes a requested upload.
type BeginUpload struct {
	Mask      models.Mask
	Slice     *int
	KeyFunc   func(slice int) string
	ExpiresAt time.Time
	Now       time.Time
}

// UploadOutcome is the client-confirmed result for one storage key.
type UploadOutcome struct {
	FilePath string
	// Label is applied when the mask has no label yet.
	Label  string
	Failed bool
}

// NodeKind names a level of the annotation ownership tree.
type NodeKind int

const (
	NodeAnnotation NodeKind = iota
	NodeMaskGroup
	NodeMask
)

func (k NodeKind) String() string {
	switch k {
	case NodeAnnotation:
		return "annotation"
	case NodeMaskGroup:
		return "mask group"
	case NodeMask:
		return "mask"
	}
	return "unknown"
}

// Node addresses one entity of the ownership tree.
type Node struct {
	Kind NodeKind
	ID   int64
}

// checkFinishable reports whether an outcome may be applied to mask. A
// COMPLETED mask passes and is then left untouched.
func checkFinishable(mask *models.Mask, session *models.UploadSession, now time.Time) error {
	switch mask.Status {
	case models.MaskCompleted:
		return nil
	case models.MaskFailed:
		return apperr.Conflict.New("upload of %q has failed", mask.FilePath)
	}

	if session == nil {
		if mask.Status == models.MaskUploaded {
			return nil
		}
		return apperr.Conflict.New("no upload was requested for %q", mask.FilePath)
	}

	switch session.Current(now) {
	case models.UploadExpired:
		return apperr.Conflict.New("upload session for %q expired", mask.FilePath)
	case models.UploadFailed:
		return apperr.Conflict.New("upload session for %q has failed", mask.FilePath)
	case models.UploadPending:
		return apperr.Conflict.New("upload url for %q was never delivered", mask.FilePath)
	}
	return nil
}

func checkCancelable(mask *models.Mask) error {
	switch mask.Status {
	case models.MaskCompleted, models.MaskUploaded:
		return apperr.Conflict.New("mask %d has no upload in flight", mask.ID)
	}
	return nil
}

var (
	_ Store = (*PostgresStore)(nil)
	_ Store = (*MemoryStore)(nil)
)
