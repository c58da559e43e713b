package services

import (
	"context"

	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"pacs-server/internal/apperr"
	"pacs-server/internal/database"
	"pacs-server/internal/identity"
	"pacs-server/internal/models"
)

// CatalogError is the error class for catalog lookups.
var CatalogError = errs.Class("catalog")

// CatalogService answers hierarchy listings scoped to one project.
type CatalogService struct {
	log   *zap.Logger
	store database.Store
}

func NewCatalogService(log *zap.Logger, store database.Store) *CatalogService {
	return &CatalogService{log: log, store: store}
}

// ListStudies lists the studies of a project in ascending UID order.
func (s *CatalogService) ListStudies(ctx context.Context, id *identity.Identity, projectID int64, page models.Page) (_ []models.Study, total int, err error) {
	defer mon.Task()(&ctx)(&err)

	if err := id.RequireMember(projectID); err != nil {
		return nil, 0, err
	}

	studies, total, err := s.store.ListStudies(ctx, projectID, page)
	if err != nil {
		return nil, 0, CatalogError.Wrap(err)
	}

	visible, err := Filter(id, projectID, studies)
	if err != nil {
		return nil, 0, err
	}
	return visible, total, nil
}

// ListSeries lists the series of a study that belongs to projectID.
func (s *CatalogService) ListSeries(ctx context.Context, id *identity.Identity, projectID int64, studyUID string, page models.Page) (_ []models.Series, total int, err error) {
	defer mon.Task()(&ctx)(&err)

	if err := id.RequireMember(projectID); err != nil {
		return nil, 0, err
	}

	study, err := s.scopedStudy(ctx, projectID, studyUID)
	if err != nil {
		return nil, 0, err
	}

	series, total, err := s.store.ListSeries(ctx, study.StudyInstanceUID, page)
	if err != nil {
		return nil, 0, CatalogError.Wrap(err)
	}

	visible, err := Filter(id, projectID, scope(series, study.ProjectID))
	if err != nil {
		return nil, 0, err
	}
	return unscope(visible), total, nil
}

// ListInstances lists the instances of a series after checking that the
// series belongs to the study and the study to projectID.
func (s *CatalogService) ListInstances(ctx context.Context, id *identity.Identity, projectID int64, studyUID, seriesUID string, page models.Page) (_ []models.Instance, total int, err error) {
	defer mon.Task()(&ctx)(&err)

	if err := id.RequireMember(projectID); err != nil {
		return nil, 0, err
	}

	study, err := s.scopedStudy(ctx, projectID, studyUID)
	if err != nil {
		return nil, 0, err
	}

	series, err := s.store.GetSeries(ctx, seriesUID)
	if err != nil {
		return nil, 0, CatalogError.Wrap(err)
	}
	if series.StudyInstanceUID != study.StudyInstanceUID {
		return nil, 0, apperr.NotFound.New("series %s not found in study %s", seriesUID, studyUID)
	}

	instances, total, err := s.store.ListInstances(ctx, series.SeriesInstanceUID, page)
	if err != nil {
		return nil, 0, CatalogError.Wrap(err)
	}

	visible, err := Filter(id, projectID, scope(instances, study.ProjectID))
	if err != nil {
		return nil, 0, err
	}
	return unscope(visible), total, nil
}

// scopedStudy loads a study and hides it unless it is scoped to projectID.
func (s *CatalogService) scopedStudy(ctx context.Context, projectID int64, studyUID string) (*models.Study, error) {
	study, err := s.store.GetStudy(ctx, studyUID)
	if err != nil {
		return nil, CatalogError.Wrap(err)
	}
	if study.ProjectID == nil || *study.ProjectID != projectID {
		return nil, apperr.NotFound.New("study %s not found", studyUID)
	}
	return study, nil
}

func scope[T any](items []T, projectID *int64) []Scoped[T] {
	scoped := make([]Scoped[T], len(items))
	for i, item := range items {
		scoped[i] = Scoped[T]{Item: item, ProjectID: projectID}
	}
	return scoped
}

func unscope[T any](scoped []Scoped[T]) []T {
	items := make([]T, len(scoped))
	for i, s := range scoped {
		items[i] = s.Item
	}
	return items
}
