package services_test

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pacs-server/internal/apperr"
	"pacs-server/internal/models"
)

func TestAnnotations_CreateRequiresWrite(t *testing.T) {
	e := newEnv(t, false)
	viewer := e.member("viewer", models.RoleViewer)
	outsider := e.member("outsider", "")

	req := models.CreateAnnotationRequest{
		ProjectID:        e.project.ID,
		StudyInstanceUID: studyUID,
		AnnotationData:   []byte(`{}`),
	}
	_, err := e.annotations.CreateAnnotation(e.ctx, viewer, req)
	assert.True(t, apperr.Unauthorized.Has(err))
	_, err = e.annotations.CreateAnnotation(e.ctx, outsider, req)
	assert.True(t, apperr.Unauthorized.Has(err))

	editor := e.member("editor", models.RoleEditor)
	req.AnnotationData = []byte(`{broken`)
	_, err = e.annotations.CreateAnnotation(e.ctx, editor, req)
	assert.True(t, apperr.Validation.Has(err))

	req.AnnotationData = nil
	_, err = e.annotations.CreateAnnotation(e.ctx, editor, req)
	assert.True(t, apperr.Validation.Has(err))
}

func TestAnnotations_Visibility(t *testing.T) {
	e := newEnv(t, false)
	alice := e.member("alice", models.RoleEditor)
	bob := e.member("bob", models.RoleEditor)

	private := e.annotation(alice, false)
	shared := e.annotation(alice, true)

	_, err := e.annotations.GetAnnotation(e.ctx, bob, private.ID)
	assert.True(t, apperr.NotFound.Has(err), "unshared annotations are hidden from other members")

	got, err := e.annotations.GetAnnotation(e.ctx, bob, shared.ID)
	require.NoError(t, err)
	assert.Equal(t, studyUID, got.StudyInstanceUID)

	list, err := e.annotations.ListAnnotations(e.ctx, bob, e.project.ID, "")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, shared.ID, list[0].ID)

	list, err = e.annotations.ListAnnotations(e.ctx, alice, e.project.ID, studyUID)
	require.NoError(t, err)
	assert.Len(t, list, 2)

	_, err = e.annotations.CreateMaskGroup(e.ctx, bob, private.ID, models.CreateMaskGroupRequest{GroupName: "x"})
	assert.True(t, apperr.NotFound.Has(err))
	_, err = e.annotations.CreateMaskGroup(e.ctx, bob, 9999, models.CreateMaskGroupRequest{GroupName: "x"})
	assert.True(t, apperr.NotFound.Has(err))

	_, err = e.annotations.UpdateAnnotation(e.ctx, bob, shared.ID, models.UpdateAnnotationRequest{Description: strPtr("mine now")})
	assert.True(t, apperr.Unauthorized.Has(err), "only the owner changes an annotation")
	assert.True(t, apperr.Unauthorized.Has(e.annotations.DeleteAnnotation(e.ctx, bob, shared.ID)))
}

func TestAnnotations_Update(t *testing.T) {
	e := newEnv(t, false)
	alice := e.member("alice", models.RoleEditor)
	annotation := e.annotation(alice, false)

	updated, err := e.annotations.UpdateAnnotation(e.ctx, alice, annotation.ID, models.UpdateAnnotationRequest{
		AnnotationData: []byte(`{"points":[1,2]}`),
		Description:    strPtr("outlined"),
		IsShared:       boolPtr(true),
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"points":[1,2]}`, string(updated.Data))
	assert.Equal(t, "outlined", updated.Description)
	assert.True(t, updated.IsShared)
	assert.Equal(t, "brush", updated.ToolName)
	assert.Equal(t, studyUID, updated.StudyInstanceUID)

	owner := e.member("owner", models.RoleOwner)
	_, err = e.annotations.UpdateAnnotation(e.ctx, owner, annotation.ID, models.UpdateAnnotationRequest{ToolName: strPtr("lasso")})
	require.NoError(t, err, "project owners may change shared annotations")
}

func TestMaskGroups(t *testing.T) {
	e := newEnv(t, false)
	alice := e.member("alice", models.RoleEditor)
	annotation := e.annotation(alice, false)

	first := e.group(alice, annotation)
	second := e.group(alice, annotation)
	assert.NotEqual(t, first.ID, second.ID, "group names are not unique")
	assert.Equal(t, "segmentation", first.MaskType)

	groups, total, err := e.annotations.ListMaskGroups(e.ctx, alice, annotation.ID, models.Page{Limit: 10})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.Len(t, groups, 2)

	updated, err := e.annotations.UpdateMaskGroup(e.ctx, alice, annotation.ID, first.ID, models.UpdateMaskGroupRequest{
		SliceCount: intPtr(120),
		Version:    strPtr("v2"),
	})
	require.NoError(t, err)
	assert.Equal(t, 120, updated.SliceCount)
	assert.Equal(t, "v2", updated.Version)
	assert.Equal(t, "monai_unet", updated.ModelName)

	other := e.annotation(alice, false)
	_, _, err = e.annotations.GetMaskGroup(e.ctx, alice, other.ID, first.ID)
	assert.True(t, apperr.NotFound.Has(err), "group must belong to the annotation in the path")

	_, stats, err := e.annotations.GetMaskGroup(e.ctx, alice, annotation.ID, first.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.TotalMasks)
}

func TestMasks_CreateAndUpdate(t *testing.T) {
	e := newEnv(t, false)
	alice := e.member("alice", models.RoleEditor)
	annotation := e.annotation(alice, false)
	group := e.group(alice, annotation)

	req := models.CreateMaskRequest{
		SliceIndex: intPtr(4),
		LabelName:  "liver",
		FilePath:   "external/liver_0004.png",
		MimeType:   "image/png",
		FileSize:   2048,
		Checksum:   "sha256:abc",
		Width:      512,
		Height:     512,
	}
	created, err := e.annotations.CreateMask(e.ctx, alice, annotation.ID, group.ID, req)
	require.NoError(t, err)
	assert.Equal(t, models.MaskUploaded, created.Status)

	got, err := e.annotations.GetMask(e.ctx, alice, annotation.ID, group.ID, created.ID)
	require.NoError(t, err)
	assert.Equal(t, "liver", got.LabelName)
	assert.Equal(t, 512, got.Width)
	assert.Equal(t, 512, got.Height)
	assert.Equal(t, "sha256:abc", got.Checksum)

	_, err = e.annotations.CreateMask(e.ctx, alice, annotation.ID, group.ID, req)
	assert.True(t, apperr.Conflict.Has(err), "slice index is unique within a group")

	bad := req
	bad.SliceIndex = intPtr(5)
	bad.FilePath = "../escape.png"
	_, err = e.annotations.CreateMask(e.ctx, alice, annotation.ID, group.ID, bad)
	assert.True(t, apperr.Validation.Has(err))

	_, err = e.annotations.UpdateMask(e.ctx, alice, annotation.ID, group.ID, created.ID, models.UpdateMaskRequest{SliceIndex: intPtr(9)})
	assert.True(t, apperr.Validation.Has(err))
	_, err = e.annotations.UpdateMask(e.ctx, alice, annotation.ID, group.ID, created.ID, models.UpdateMaskRequest{MaskGroupID: int64Ptr(group.ID + 1)})
	assert.True(t, apperr.Validation.Has(err))

	updated, err := e.annotations.UpdateMask(e.ctx, alice, annotation.ID, group.ID, created.ID, models.UpdateMaskRequest{
		SliceIndex: intPtr(4),
		LabelName:  strPtr("tumor"),
		Width:      intPtr(256),
	})
	require.NoError(t, err)
	assert.Equal(t, "tumor", updated.LabelName)
	assert.Equal(t, 256, updated.Width)
	assert.Equal(t, 512, updated.Height)
	assert.Equal(t, 4, updated.SliceIndex)
}

func TestAnnotations_CascadingDelete(t *testing.T) {
	e := newEnv(t, false)
	alice := e.member("alice", models.RoleEditor)
	annotation := e.annotation(alice, false)
	group := e.group(alice, annotation)

	mask, err := e.annotations.CreateMask(e.ctx, alice, annotation.ID, group.ID, models.CreateMaskRequest{
		SliceIndex: intPtr(0),
		FilePath:   fmt.Sprintf("masks/annotation_%d/group_%d/0.png", annotation.ID, group.ID),
	})
	require.NoError(t, err)
	e.objects.Put(mask.FilePath, []byte("png"))
	external, err := e.annotations.CreateMask(e.ctx, alice, annotation.ID, group.ID, models.CreateMaskRequest{
		SliceIndex: intPtr(2),
		FilePath:   "external/0.png",
	})
	require.NoError(t, err)
	e.objects.Put(external.FilePath, []byte("png"))

	ticket, err := e.uploads.RequestUpload(e.ctx, alice, annotation.ID, group.ID, models.UploadURLRequest{
		Filename: "1.png",
		MimeType: "image/png",
	})
	require.NoError(t, err)

	require.NoError(t, e.annotations.DeleteAnnotation(e.ctx, alice, annotation.ID))

	_, err = e.annotations.GetAnnotation(e.ctx, alice, annotation.ID)
	assert.True(t, apperr.NotFound.Has(err))
	_, _, err = e.annotations.GetMaskGroup(e.ctx, alice, annotation.ID, group.ID)
	assert.True(t, apperr.NotFound.Has(err))
	_, err = e.store.GetMaskGroup(e.ctx, group.ID)
	assert.True(t, apperr.NotFound.Has(err))
	_, err = e.store.GetMask(e.ctx, mask.ID)
	assert.True(t, apperr.NotFound.Has(err))
	_, err = e.store.GetUploadSession(e.ctx, ticket.Mask.ID)
	assert.True(t, apperr.NotFound.Has(err), "outstanding sessions are invalidated")
	assert.False(t, e.objects.Has(mask.FilePath), "stored objects are removed")
	assert.True(t, e.objects.Has(external.FilePath), "keys outside the annotation's prefix are kept")
}

func TestMasks_KeysBelongToOneGroup(t *testing.T) {
	e := newEnv(t, false)
	bob := e.member("bob", models.RoleEditor)
	annotation := e.annotation(bob, false)
	group := e.group(bob, annotation)

	ticket, err := e.uploads.RequestUpload(e.ctx, bob, annotation.ID, group.ID, models.UploadURLRequest{
		Filename: "liver.png",
		MimeType: "image/png",
	})
	require.NoError(t, err)
	e.objects.Put(ticket.Mask.FilePath, []byte("bob"))
	external, err := e.annotations.CreateMask(e.ctx, bob, annotation.ID, group.ID, models.CreateMaskRequest{
		SliceIndex: intPtr(7),
		FilePath:   "external/bob.png",
	})
	require.NoError(t, err)
	e.objects.Put(external.FilePath, []byte("bob"))

	other := &models.Project{Name: "kidney", IsActive: true}
	require.NoError(t, e.store.CreateProject(e.ctx, other))
	mallory := e.member("mallory", "")
	require.NoError(t, e.store.AddMember(e.ctx, &models.Membership{ProjectID: other.ID, UserID: mallory.UserID, Role: models.RoleEditor}))
	mallory = e.identity(mallory.UserID)

	theirs, err := e.annotations.CreateAnnotation(e.ctx, mallory, models.CreateAnnotationRequest{
		ProjectID:        other.ID,
		StudyInstanceUID: studyUID,
		AnnotationData:   []byte(`{}`),
	})
	require.NoError(t, err)
	theirGroup := e.group(mallory, theirs)

	_, err = e.annotations.CreateMask(e.ctx, mallory, theirs.ID, theirGroup.ID, models.CreateMaskRequest{
		SliceIndex: intPtr(0),
		FilePath:   ticket.Mask.FilePath,
	})
	assert.True(t, apperr.Validation.Has(err), "keys under another group's prefix are refused")

	_, err = e.annotations.CreateMask(e.ctx, mallory, theirs.ID, theirGroup.ID, models.CreateMaskRequest{
		SliceIndex: intPtr(1),
		FilePath:   external.FilePath,
	})
	assert.True(t, apperr.Conflict.Has(err), "a key registered by another mask is refused")

	require.NoError(t, e.annotations.DeleteAnnotation(e.ctx, mallory, theirs.ID))
	assert.True(t, e.objects.Has(ticket.Mask.FilePath))
	assert.True(t, e.objects.Has(external.FilePath))

	require.NoError(t, e.annotations.DeleteMask(e.ctx, bob, annotation.ID, group.ID, external.ID))
	assert.True(t, e.objects.Has(external.FilePath), "registered keys outside the group's prefix are never removed")
	require.NoError(t, e.annotations.DeleteMaskGroup(e.ctx, bob, annotation.ID, group.ID))
	assert.False(t, e.objects.Has(ticket.Mask.FilePath))
}

func TestMasks_DeleteCancelsUpload(t *testing.T) {
	e := newEnv(t, false)
	alice := e.member("alice", models.RoleEditor)
	annotation := e.annotation(alice, false)
	group := e.group(alice, annotation)

	ticket, err := e.uploads.RequestUpload(e.ctx, alice, annotation.ID, group.ID, models.UploadURLRequest{
		Filename:   "slice.png",
		MimeType:   "image/png",
		SliceIndex: intPtr(1),
	})
	require.NoError(t, err)

	require.NoError(t, e.annotations.DeleteMask(e.ctx, alice, annotation.ID, group.ID, ticket.Mask.ID))

	_, err = e.store.GetUploadSession(e.ctx, ticket.Mask.ID)
	assert.True(t, apperr.NotFound.Has(err))

	_, err = e.uploads.CompleteUpload(e.ctx, alice, annotation.ID, group.ID, models.CompleteUploadRequest{
		UploadedFiles: []string{ticket.Mask.FilePath},
	})
	assert.True(t, apperr.NotFound.Has(err), "completion never resurrects a deleted mask")

	again, err := e.uploads.RequestUpload(e.ctx, alice, annotation.ID, group.ID, models.UploadURLRequest{
		Filename:   "slice.png",
		MimeType:   "image/png",
		SliceIndex: intPtr(1),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, again.Mask.SliceIndex)
}

func boolPtr(v bool) *bool { return &v }
