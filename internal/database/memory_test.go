package database_test

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"pacs-server/internal/apperr"
	"pacs-server/internal/database"
	"pacs-server/internal/models"
)

type fixture struct {
	store      *database.MemoryStore
	user       *models.User
	project    *models.Project
	annotation *models.Annotation
	group      *models.MaskGroup
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	store := database.NewMemoryStore()

	user := &models.User{KeycloakID: uuid.New(), Username: "alice", Email: "alice@example.com"}
	require.NoError(t, store.CreateUser(ctx, user))

	project := &models.Project{Name: "liver", IsActive: true}
	require.NoError(t, store.CreateProject(ctx, project))

	annotation := &models.Annotation{
		ProjectID:        project.ID,
		UserID:           user.ID,
		StudyInstanceUID: "1.2.3",
		ToolName:         "brush",
		Data:             []byte(`{"points":[]}`),
	}
	require.NoError(t, store.CreateAnnotation(ctx, annotation))

	group := &models.MaskGroup{AnnotationID: annotation.ID, GroupName: "liver-seg", CreatedBy: user.ID}
	require.NoError(t, store.CreateMaskGroup(ctx, group))

	return &fixture{store: store, user: user, project: project, annotation: annotation, group: group}
}

func keyFor(groupID int64) func(int) string {
	return func(slice int) string {
		return fmt.Sprintf("masks/group_%d/slice_%d_%s.png", groupID, slice, uuid.NewString())
	}
}

func (f *fixture) begin(t *testing.T, slice *int, now time.Time) (*models.Mask, *models.UploadSession, error) {
	t.Helper()
	return f.store.BeginUpload(context.Background(), database.BeginUpload{
		Mask:      models.Mask{MaskGroupID: f.group.ID, MimeType: "image/png"},
		Slice:     slice,
		KeyFunc:   keyFor(f.group.ID),
		ExpiresAt: now.Add(10 * time.Minute),
		Now:       now,
	})
}

func intPtr(v int) *int { return &v }

func TestMemoryStore_UserUniqueness(t *testing.T) {
	ctx := context.Background()
	store := database.NewMemoryStore()

	first := &models.User{KeycloakID: uuid.New(), Username: "bob"}
	require.NoError(t, store.CreateUser(ctx, first))
	assert.Equal(t, int64(1), first.ID)

	err := store.CreateUser(ctx, &models.User{KeycloakID: first.KeycloakID, Username: "other"})
	assert.True(t, apperr.Conflict.Has(err))

	err = store.CreateUser(ctx, &models.User{KeycloakID: uuid.New(), Username: "bob"})
	assert.True(t, apperr.Conflict.Has(err))

	_, err = store.GetUser(ctx, 42)
	assert.True(t, apperr.NotFound.Has(err))
}

func TestMemoryStore_MembershipFollowsProjectState(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.store.AddMember(ctx, &models.Membership{ProjectID: f.project.ID, UserID: f.user.ID, Role: models.RoleEditor}))
	err := f.store.AddMember(ctx, &models.Membership{ProjectID: f.project.ID, UserID: f.user.ID, Role: models.RoleViewer})
	assert.True(t, apperr.Conflict.Has(err))

	f.project.IsActive = false
	require.NoError(t, f.store.UpdateProject(ctx, f.project))

	memberships, err := f.store.ListMemberships(ctx, f.user.ID)
	require.NoError(t, err)
	require.Len(t, memberships, 1)
	assert.False(t, memberships[0].ProjectActive)
	assert.Equal(t, models.RoleEditor, memberships[0].Role)
}

func TestMemoryStore_CatalogScoping(t *testing.T) {
	ctx := context.Background()
	store := database.NewMemoryStore()
	p1, p2 := int64(1), int64(2)

	study := &models.Study{StudyInstanceUID: "1.2.840.1", ProjectID: &p1, ModalitiesInStudy: []string{"CT"}}
	series := []models.Series{{SeriesInstanceUID: "1.2.840.1.1", Modality: "CT"}}
	instances := []models.Instance{
		{SOPInstanceUID: "1.2.840.1.1.2", SeriesInstanceUID: "1.2.840.1.1"},
		{SOPInstanceUID: "1.2.840.1.1.1", SeriesInstanceUID: "1.2.840.1.1"},
	}
	require.NoError(t, store.SaveStudy(ctx, study, series, instances))

	err := store.SaveStudy(ctx, &models.Study{StudyInstanceUID: "1.2.840.1", ProjectID: &p2}, nil, nil)
	assert.True(t, apperr.Conflict.Has(err))

	got, err := store.GetStudy(ctx, "1.2.840.1")
	require.NoError(t, err)
	assert.Equal(t, 1, got.NumberOfSeries)
	assert.Equal(t, 2, got.NumberOfInstances)

	list, total, err := store.ListInstances(ctx, "1.2.840.1.1", models.Page{Limit: 1})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	require.Len(t, list, 1)
	assert.Equal(t, "1.2.840.1.1.1", list[0].SOPInstanceUID)
	assert.Equal(t, "1.2.840.1", list[0].StudyInstanceUID)

	studies, total, err := store.ListStudies(ctx, p2, models.Page{Limit: 10})
	require.NoError(t, err)
	assert.Zero(t, total)
	assert.Empty(t, studies)
}

func TestMemoryStore_BeginUploadAllocatesSlices(t *testing.T) {
	f := newFixture(t)
	now := time.Now()

	first, session, err := f.begin(t, nil, now)
	require.NoError(t, err)
	assert.Equal(t, 1, first.SliceIndex)
	assert.Equal(t, models.MaskPending, first.Status)
	assert.Equal(t, models.UploadPending, session.State)
	assert.Equal(t, first.FilePath, session.FilePath)

	_, _, err = f.begin(t, intPtr(5), now)
	require.NoError(t, err)

	next, _, err := f.begin(t, nil, now)
	require.NoError(t, err)
	assert.Equal(t, 6, next.SliceIndex)
}

func TestMemoryStore_BeginUploadRejectsTakenSlice(t *testing.T) {
	f := newFixture(t)
	now := time.Now()

	_, _, err := f.begin(t, intPtr(3), now)
	require.NoError(t, err)

	_, _, err = f.begin(t, intPtr(3), now)
	assert.True(t, apperr.Conflict.Has(err), "active session must block the slice")

	direct := &models.Mask{MaskGroupID: f.group.ID, SliceIndex: 4, FilePath: "masks/direct.png", Status: models.MaskUploaded}
	require.NoError(t, f.store.CreateMask(context.Background(), direct))
	_, _, err = f.begin(t, intPtr(4), now)
	assert.True(t, apperr.Conflict.Has(err), "registered mask must block the slice")
}

func TestMemoryStore_CreateMaskRejectsTakenKey(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	pending, _, err := f.begin(t, nil, time.Now())
	require.NoError(t, err)

	err = f.store.CreateMask(ctx, &models.Mask{MaskGroupID: f.group.ID, SliceIndex: 5, FilePath: pending.FilePath})
	assert.True(t, apperr.Conflict.Has(err), "a key issued for an upload cannot be registered again")

	require.NoError(t, f.store.CreateMask(ctx, &models.Mask{MaskGroupID: f.group.ID, SliceIndex: 6, FilePath: "external/shared.png"}))
	err = f.store.CreateMask(ctx, &models.Mask{MaskGroupID: f.group.ID, SliceIndex: 7, FilePath: "external/shared.png"})
	assert.True(t, apperr.Conflict.Has(err))
}

func TestMemoryStore_ConcurrentSliceRequests(t *testing.T) {
	f := newFixture(t)
	now := time.Now()

	var wins, conflicts atomic.Int32
	var group errgroup.Group
	for i := 0; i < 16; i++ {
		group.Go(func() error {
			_, _, err := f.begin(t, intPtr(7), now)
			switch {
			case err == nil:
				wins.Add(1)
			case apperr.Conflict.Has(err):
				conflicts.Add(1)
			default:
				return err
			}
			return nil
		})
	}
	require.NoError(t, group.Wait())

	assert.Equal(t, int32(1), wins.Load())
	assert.Equal(t, int32(15), conflicts.Load())

	masks, err := f.store.ListMasks(context.Background(), f.group.ID)
	require.NoError(t, err)
	assert.Len(t, masks, 1)
}

func TestMemoryStore_ReRequestAfterExpiry(t *testing.T) {
	f := newFixture(t)
	now := time.Now()

	first, session, err := f.begin(t, intPtr(2), now)
	require.NoError(t, err)
	require.NoError(t, f.store.UpdateUploadSession(context.Background(), session.ID, models.UploadDelivered))

	later := now.Add(time.Hour)
	second, fresh, err := f.begin(t, intPtr(2), later)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.NotEqual(t, first.FilePath, second.FilePath)
	assert.NotEqual(t, session.ID, fresh.ID)

	current, err := f.store.GetUploadSession(context.Background(), second.ID)
	require.NoError(t, err)
	assert.Equal(t, fresh.ID, current.ID)
}

func TestMemoryStore_FinishUpload(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	now := time.Now()

	a, sa, err := f.begin(t, nil, now)
	require.NoError(t, err)
	b, sb, err := f.begin(t, nil, now)
	require.NoError(t, err)
	require.NoError(t, f.store.UpdateUploadSession(ctx, sa.ID, models.UploadDelivered))
	require.NoError(t, f.store.UpdateUploadSession(ctx, sb.ID, models.UploadDelivered))

	outcomes := []database.UploadOutcome{
		{FilePath: a.FilePath, Label: "liver"},
		{FilePath: b.FilePath, Label: "spleen"},
	}
	masks, err := f.store.FinishUpload(ctx, f.group.ID, outcomes, now)
	require.NoError(t, err)
	require.Len(t, masks, 2)
	assert.Equal(t, models.MaskCompleted, masks[0].Status)
	assert.Equal(t, "liver", masks[0].LabelName)
	assert.Equal(t, "spleen", masks[1].LabelName)

	// a second confirmation is a no-op
	again, err := f.store.FinishUpload(ctx, f.group.ID, []database.UploadOutcome{{FilePath: a.FilePath, Label: "other"}}, now)
	require.NoError(t, err)
	assert.Equal(t, "liver", again[0].LabelName)

	session, err := f.store.GetUploadSession(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, models.UploadCompleted, session.State)

	stats, err := f.store.MaskGroupStats(ctx, f.group.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.CompletedMasks)
	assert.Equal(t, 2, stats.TotalMasks)
}

func TestMemoryStore_FinishUploadAbortsBatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	now := time.Now()

	good, sg, err := f.begin(t, nil, now)
	require.NoError(t, err)
	stale, ss, err := f.begin(t, nil, now)
	require.NoError(t, err)
	require.NoError(t, f.store.UpdateUploadSession(ctx, sg.ID, models.UploadDelivered))
	require.NoError(t, f.store.UpdateUploadSession(ctx, ss.ID, models.UploadDelivered))

	_, err = f.store.FinishUpload(ctx, f.group.ID, []database.UploadOutcome{
		{FilePath: good.FilePath},
		{FilePath: "masks/unknown.png"},
	}, now)
	assert.True(t, apperr.NotFound.Has(err))

	_, err = f.store.FinishUpload(ctx, f.group.ID, []database.UploadOutcome{
		{FilePath: good.FilePath},
		{FilePath: stale.FilePath},
	}, now.Add(time.Hour))
	assert.True(t, apperr.Conflict.Has(err))

	mask, err := f.store.GetMask(ctx, good.ID)
	require.NoError(t, err)
	assert.Equal(t, models.MaskPending, mask.Status, "aborted batch must not touch any mask")
}

func TestMemoryStore_FinishUploadRecordsFailures(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	now := time.Now()

	mask, session, err := f.begin(t, nil, now)
	require.NoError(t, err)
	require.NoError(t, f.store.UpdateUploadSession(ctx, session.ID, models.UploadDelivered))

	masks, err := f.store.FinishUpload(ctx, f.group.ID, []database.UploadOutcome{{FilePath: mask.FilePath, Failed: true}}, now)
	require.NoError(t, err)
	assert.Equal(t, models.MaskFailed, masks[0].Status)

	_, err = f.store.FinishUpload(ctx, f.group.ID, []database.UploadOutcome{{FilePath: mask.FilePath}}, now)
	assert.True(t, apperr.Conflict.Has(err))

	retry, _, err := f.begin(t, intPtr(mask.SliceIndex), now)
	require.NoError(t, err)
	assert.Equal(t, mask.ID, retry.ID)
	assert.Equal(t, models.MaskPending, retry.Status)
}

func TestMemoryStore_CancelUpload(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	now := time.Now()

	mask, _, err := f.begin(t, nil, now)
	require.NoError(t, err)

	canceled, err := f.store.CancelUpload(ctx, mask.ID)
	require.NoError(t, err)
	assert.Equal(t, models.MaskFailed, canceled.Status)

	session, err := f.store.GetUploadSession(ctx, mask.ID)
	require.NoError(t, err)
	assert.Equal(t, models.UploadFailed, session.State)

	direct := &models.Mask{MaskGroupID: f.group.ID, SliceIndex: 9, FilePath: "masks/direct.png", Status: models.MaskUploaded}
	require.NoError(t, f.store.CreateMask(ctx, direct))
	_, err = f.store.CancelUpload(ctx, direct.ID)
	assert.True(t, apperr.Conflict.Has(err))
}

func TestMemoryStore_DeleteSubtree(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	now := time.Now()

	a, _, err := f.begin(t, nil, now)
	require.NoError(t, err)
	b, _, err := f.begin(t, nil, now)
	require.NoError(t, err)

	keys, err := f.store.DeleteSubtree(ctx, database.Node{Kind: database.NodeAnnotation, ID: f.annotation.ID})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{a.FilePath, b.FilePath}, keys)

	_, err = f.store.GetMaskGroup(ctx, f.group.ID)
	assert.True(t, apperr.NotFound.Has(err))
	_, err = f.store.GetMask(ctx, a.ID)
	assert.True(t, apperr.NotFound.Has(err))
	_, err = f.store.GetUploadSession(ctx, a.ID)
	assert.True(t, apperr.NotFound.Has(err))

	// uploads into the deleted group are gone with it
	_, err = f.store.FinishUpload(ctx, f.group.ID, []database.UploadOutcome{{FilePath: a.FilePath}}, now)
	assert.True(t, apperr.NotFound.Has(err))

	_, err = f.store.DeleteSubtree(ctx, database.Node{Kind: database.NodeAnnotation, ID: f.annotation.ID})
	assert.True(t, apperr.NotFound.Has(err))
}

func TestMemoryStore_HonoursContext(t *testing.T) {
	store := database.NewMemoryStore()
	ctx, cancel := context.WithTimeout(context.Background(), time.Nanosecond)
	defer cancel()
	<-ctx.Done()

	_, err := store.GetUser(ctx, 1)
	assert.True(t, apperr.Timeout.Has(err))
}
