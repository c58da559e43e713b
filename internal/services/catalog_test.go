package services_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pacs-server/internal/apperr"
	"pacs-server/internal/models"
)

func (e *env) seedStudy(uid string, projectID *int64, seriesUIDs ...string) {
	e.t.Helper()
	var series []models.Series
	var instances []models.Instance
	for _, seriesUID := range seriesUIDs {
		series = append(series, models.Series{SeriesInstanceUID: seriesUID, Modality: "CT"})
		instances = append(instances,
			models.Instance{SOPInstanceUID: seriesUID + ".2", SeriesInstanceUID: seriesUID},
			models.Instance{SOPInstanceUID: seriesUID + ".1", SeriesInstanceUID: seriesUID})
	}
	study := &models.Study{StudyInstanceUID: uid, ProjectID: projectID, PatientID: "P-" + uid}
	require.NoError(e.t, e.store.SaveStudy(e.ctx, study, series, instances))
}

func TestCatalog_ScopedToProject(t *testing.T) {
	e := newEnv(t, false)
	viewer := e.member("viewer", models.RoleViewer)
	outsider := e.member("outsider", "")

	other := &models.Project{Name: "brain", IsActive: true}
	require.NoError(t, e.store.CreateProject(e.ctx, other))

	e.seedStudy("1.2", &e.project.ID, "1.2.1", "1.2.0")
	e.seedStudy("1.1", &e.project.ID)
	e.seedStudy("9.9", &other.ID, "9.9.1")
	e.seedStudy("5.5", nil)

	page := models.Page{Limit: 10}
	studies, total, err := e.catalog.ListStudies(e.ctx, viewer, e.project.ID, page)
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	require.Len(t, studies, 2)
	assert.Equal(t, "1.1", studies[0].StudyInstanceUID)
	assert.Equal(t, "1.2", studies[1].StudyInstanceUID)

	series, total, err := e.catalog.ListSeries(e.ctx, viewer, e.project.ID, "1.2", page)
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.Equal(t, "1.2.0", series[0].SeriesInstanceUID)

	instances, total, err := e.catalog.ListInstances(e.ctx, viewer, e.project.ID, "1.2", "1.2.1", page)
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.Equal(t, "1.2.1.1", instances[0].SOPInstanceUID)

	t.Run("non members are rejected", func(t *testing.T) {
		_, _, err := e.catalog.ListStudies(e.ctx, outsider, e.project.ID, page)
		assert.True(t, apperr.Unauthorized.Has(err))
		_, _, err = e.catalog.ListSeries(e.ctx, outsider, e.project.ID, "1.2", page)
		assert.True(t, apperr.Unauthorized.Has(err))
		_, _, err = e.catalog.ListInstances(e.ctx, outsider, e.project.ID, "1.2", "1.2.1", page)
		assert.True(t, apperr.Unauthorized.Has(err))
	})

	t.Run("other projects look absent", func(t *testing.T) {
		_, _, err := e.catalog.ListSeries(e.ctx, viewer, e.project.ID, "9.9", page)
		assert.True(t, apperr.NotFound.Has(err))
		_, _, err = e.catalog.ListSeries(e.ctx, viewer, e.project.ID, "5.5", page)
		assert.True(t, apperr.NotFound.Has(err))
		_, _, err = e.catalog.ListInstances(e.ctx, viewer, e.project.ID, "9.9", "9.9.1", page)
		assert.True(t, apperr.NotFound.Has(err))
	})

	t.Run("series must belong to the study", func(t *testing.T) {
		_, _, err := e.catalog.ListInstances(e.ctx, viewer, e.project.ID, "1.1", "1.2.1", page)
		assert.True(t, apperr.NotFound.Has(err))
		_, _, err = e.catalog.ListInstances(e.ctx, viewer, e.project.ID, "1.2", "missing", page)
		assert.True(t, apperr.NotFound.Has(err))
	})

	t.Run("pagination", func(t *testing.T) {
		studies, total, err := e.catalog.ListStudies(e.ctx, viewer, e.project.ID, models.Page{Limit: 1, Offset: 1})
		require.NoError(t, err)
		assert.Equal(t, 2, total)
		require.Len(t, studies, 1)
		assert.Equal(t, "1.2", studies[0].StudyInstanceUID)
	})
}
