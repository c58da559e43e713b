package services_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"pacs-server/internal/apperr"
	"pacs-server/internal/database"
	"pacs-server/internal/identity"
	"pacs-server/internal/models"
	"pacs-server/internal/objectstore"
	"pacs-server/internal/services"
)

const studyUID = "1.2.3.4.5.6.7.8.9.10"

type env struct {
	t       *testing.T
	ctx     context.Context
	store   *database.MemoryStore
	objects *objectstore.Memory
	project *models.Project

	catalog     *services.CatalogService
	annotations *services.AnnotationService
	uploads     *services.UploadBroker
	downloads   *services.DownloadBroker
	accounts    *services.AccountService
}

func newEnv(t *testing.T, verify bool) *env {
	t.Helper()
	log := zaptest.NewLogger(t)
	ctx := context.Background()
	store := database.NewMemoryStore()
	objects := objectstore.NewMemory("masks")

	project := &models.Project{Name: "liver", IsActive: true}
	require.NoError(t, store.CreateProject(ctx, project))

	return &env{
		t:           t,
		ctx:         ctx,
		store:       store,
		objects:     objects,
		project:     project,
		catalog:     services.NewCatalogService(log, store),
		annotations: services.NewAnnotationService(log, store, objects),
		uploads: services.NewUploadBroker(log, store, objects, services.UploadConfig{
			DefaultTTL: 15 * time.Minute,
			MaxTTL:     time.Hour,
			Verify:     verify,
		}),
		downloads: services.NewDownloadBroker(log, store, objects, services.DownloadConfig{
			DefaultTTL: 5 * time.Minute,
			MaxTTL:     time.Hour,
		}),
		accounts: services.NewAccountService(log, store, identity.NewIssuer("test-secret", time.Hour), nil),
	}
}

// member creates a user with role in the env's project. An empty role
// creates a user without membership.
func (e *env) member(name string, role models.Role) *identity.Identity {
	e.t.Helper()
	user := &models.User{KeycloakID: uuid.New(), Username: name, Email: name + "@example.com"}
	require.NoError(e.t, e.store.CreateUser(e.ctx, user))
	if role != "" {
		require.NoError(e.t, e.store.AddMember(e.ctx, &models.Membership{ProjectID: e.project.ID, UserID: user.ID, Role: role}))
	}
	return e.identity(user.ID)
}

func (e *env) identity(userID int64) *identity.Identity {
	e.t.Helper()
	user, err := e.store.GetUser(e.ctx, userID)
	require.NoError(e.t, err)
	memberships, err := e.store.ListMemberships(e.ctx, userID)
	require.NoError(e.t, err)
	return identity.New(user.ID, user.Username, memberships)
}

func (e *env) annotation(id *identity.Identity, shared bool) *models.Annotation {
	e.t.Helper()
	annotation, err := e.annotations.CreateAnnotation(e.ctx, id, models.CreateAnnotationRequest{
		ProjectID:        e.project.ID,
		StudyInstanceUID: studyUID,
		AnnotationData:   []byte(`{"type":"segmentation"}`),
		ToolName:         "brush",
		IsShared:         shared,
	})
	require.NoError(e.t, err)
	return annotation
}

func (e *env) group(id *identity.Identity, annotation *models.Annotation) *models.MaskGroup {
	e.t.Helper()
	group, err := e.annotations.CreateMaskGroup(e.ctx, id, annotation.ID, models.CreateMaskGroupRequest{
		GroupName:  "Liver_Segmentation",
		ModelName:  "monai_unet",
		SliceCount: 3,
	})
	require.NoError(e.t, err)
	return group
}

func intPtr(v int) *int       { return &v }
func int64Ptr(v int64) *int64 { return &v }
func strPtr(v string) *string { return &v }

func TestNewPage(t *testing.T) {
	page, err := services.NewPage(0, 0)
	require.NoError(t, err)
	assert.Equal(t, models.Page{Limit: services.DefaultPageLimit}, page)

	page, err = services.NewPage(5000, 20)
	require.NoError(t, err)
	assert.Equal(t, models.Page{Limit: services.MaxPageLimit, Offset: 20}, page)

	_, err = services.NewPage(-1, 0)
	assert.True(t, apperr.Validation.Has(err))
	_, err = services.NewPage(10, -1)
	assert.True(t, apperr.Validation.Has(err))
}

func TestFilter(t *testing.T) {
	p1, p2 := int64(1), int64(2)
	id := identity.New(7, "alice", []models.Membership{
		{ProjectID: 1, UserID: 7, Role: models.RoleViewer, ProjectActive: true},
	})

	candidates := []models.Study{
		{StudyInstanceUID: "3", ProjectID: &p1},
		{StudyInstanceUID: "1", ProjectID: &p2},
		{StudyInstanceUID: "2"},
		{StudyInstanceUID: "0", ProjectID: &p1},
	}

	visible, err := services.Filter(id, 1, candidates)
	require.NoError(t, err)
	require.Len(t, visible, 2)
	assert.Equal(t, "3", visible[0].StudyInstanceUID, "input order is kept")
	assert.Equal(t, "0", visible[1].StudyInstanceUID)

	_, err = services.Filter(id, 2, candidates)
	assert.True(t, apperr.Unauthorized.Has(err))

	scoped := []services.Scoped[models.Series]{
		{Item: models.Series{SeriesInstanceUID: "a"}, ProjectID: &p1},
		{Item: models.Series{SeriesInstanceUID: "b"}},
	}
	visibleSeries, err := services.Filter(id, 1, scoped)
	require.NoError(t, err)
	require.Len(t, visibleSeries, 1)
	assert.Equal(t, "a", visibleSeries[0].Item.SeriesInstanceUID)
}
