package services

import (
	"context"
	"sync"

	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"pacs-server/internal/apperr"
	"pacs-server/internal/database"
	"pacs-server/internal/dicomweb"
	"pacs-server/internal/identity"
	"pacs-server/internal/models"
)

// ImportError is the error class for catalog imports.
var ImportError = errs.Class("import")

const seriesConcurrency = 4

// Archive is the imaging archive studies are imported from.
type Archive interface {
	SearchStudies(ctx context.Context, studyUID string) ([]dicomweb.Dataset, error)
	SearchSeries(ctx context.Context, studyUID string) ([]dicomweb.Dataset, error)
	SearchInstances(ctx context.Context, studyUID, seriesUID string) ([]dicomweb.Dataset, error)
}

// Importer copies study metadata from the archive into the catalog.
type Importer struct {
	log     *zap.Logger
	store   database.Store
	archive Archive
}

func NewImporter(log *zap.Logger, store database.Store, archive Archive) *Importer {
	return &Importer{log: log, store: store, archive: archive}
}

// ImportStudyAs imports a study on behalf of a project owner.
func (i *Importer) ImportStudyAs(ctx context.Context, id *identity.Identity, projectID int64, studyUID string) (*models.Study, error) {
	if err := id.RequireManage(projectID); err != nil {
		return nil, err
	}
	return i.ImportStudy(ctx, projectID, studyUID)
}

// ImportStudy pulls a study with its series and instances and scopes it to
// projectID. A study already scoped to another project is a Conflict;
// importing into the same project again refreshes its metadata.
func (i *Importer) ImportStudy(ctx context.Context, projectID int64, studyUID string) (_ *models.Study, err error) {
	defer mon.Task()(&ctx)(&err)

	if i.archive == nil {
		return nil, ImportError.New("no imaging archive is configured")
	}
	if studyUID == "" {
		return nil, apperr.Validation.New("study_instance_uid is required")
	}
	if _, err := i.store.GetProject(ctx, projectID); err != nil {
		return nil, ImportError.Wrap(err)
	}

	current, err := i.store.GetStudy(ctx, studyUID)
	switch {
	case err == nil:
		if current.ProjectID != nil && *current.ProjectID != projectID {
			return nil, apperr.Conflict.New("study %s is scoped to another project", studyUID)
		}
	case !apperr.NotFound.Has(err):
		return nil, ImportError.Wrap(err)
	}

	studies, err := i.archive.SearchStudies(ctx, studyUID)
	if err != nil {
		return nil, ImportError.Wrap(err)
	}
	var study *models.Study
	for _, d := range studies {
		if s := dicomweb.DecodeStudy(d); s.StudyInstanceUID == studyUID {
			study = &s
			break
		}
	}
	if study == nil {
		return nil, apperr.NotFound.New("study %s not found in the archive", studyUID)
	}

	seriesSets, err := i.archive.SearchSeries(ctx, studyUID)
	if err != nil {
		return nil, ImportError.Wrap(err)
	}
	series := make([]models.Series, 0, len(seriesSets))
	for _, d := range seriesSets {
		s := dicomweb.DecodeSeries(d)
		if s.SeriesInstanceUID == "" {
			continue
		}
		s.StudyInstanceUID = studyUID
		series = append(series, s)
	}

	var (
		mu        sync.Mutex
		instances []models.Instance
	)
	group, gctx := errgroup.WithContext(ctx)
	group.SetLimit(seriesConcurrency)
	for _, s := range series {
		group.Go(func() error {
			sets, err := i.archive.SearchInstances(gctx, studyUID, s.SeriesInstanceUID)
			if err != nil {
				return err
			}
			found := make([]models.Instance, 0, len(sets))
			for _, d := range sets {
				inst := dicomweb.DecodeInstance(d)
				if inst.SOPInstanceUID == "" {
					continue
				}
				inst.SeriesInstanceUID = s.SeriesInstanceUID
				inst.StudyInstanceUID = studyUID
				found = append(found, inst)
			}
			mu.Lock()
			instances = append(instances, found...)
			mu.Unlock()
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, ImportError.Wrap(err)
	}

	study.ProjectID = &projectID
	if err := i.store.SaveStudy(ctx, study, series, instances); err != nil {
		return nil, ImportError.Wrap(err)
	}

	saved, err := i.store.GetStudy(ctx, studyUID)
	if err != nil {
		return nil, ImportError.Wrap(err)
	}

	i.log.Info("study imported",
		zap.Int64("project_id", projectID),
		zap.String("study_uid", studyUID),
		zap.Int("series", len(series)),
		zap.Int("instances", len(instances)))
	return saved, nil
}
