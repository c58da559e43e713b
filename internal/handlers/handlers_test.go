package handlers_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"pacs-server/internal/database"
	"pacs-server/internal/handlers"
	"pacs-server/internal/identity"
	"pacs-server/internal/models"
	"pacs-server/internal/objectstore"
	"pacs-server/internal/services"
)

const studyUID = "1.2.3.4.5.6.7.8.9.10"

type server struct {
	t       *testing.T
	router  *gin.Engine
	store   *database.MemoryStore
	objects *objectstore.Memory
}

func newServer(t *testing.T) *server {
	t.Helper()
	gin.SetMode(gin.TestMode)

	log := zaptest.NewLogger(t)
	store := database.NewMemoryStore()
	objects := objectstore.NewMemory("masks")
	issuer := identity.NewIssuer("test-secret-key-for-jwt-signing-must-be-long-enough", time.Hour)

	router := handlers.NewRouter(log, handlers.RouterConfig{RequestTimeout: 5 * time.Second}, handlers.Dependencies{
		Store:       store,
		Verifier:    issuer,
		Resolver:    identity.NewResolver(store),
		Accounts:    services.NewAccountService(log, store, issuer, nil),
		Catalog:     services.NewCatalogService(log, store),
		Annotations: services.NewAnnotationService(log, store, objects),
		Uploads: services.NewUploadBroker(log, store, objects, services.UploadConfig{
			DefaultTTL: time.Hour,
			MaxTTL:     24 * time.Hour,
		}),
		Downloads: services.NewDownloadBroker(log, store, objects, services.DownloadConfig{
			DefaultTTL: time.Hour,
			MaxTTL:     24 * time.Hour,
		}),
		Importer: services.NewImporter(log, store, nil),
	})

	return &server{t: t, router: router, store: store, objects: objects}
}

// do sends a JSON request and returns the recorded response.
func (s *server) do(method, path, token string, body any) *httptest.ResponseRecorder {
	s.t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(s.t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

// login signs a user in and returns its token and id.
func (s *server) login(username string) (string, int64) {
	s.t.Helper()
	w := s.do(http.MethodPost, "/api/auth/login", "", models.LoginRequest{
		KeycloakID: uuid.NewString(),
		Username:   username,
		Email:      username + "@example.com",
	})
	require.Equal(s.t, http.StatusOK, w.Code, w.Body.String())
	resp := decode[models.LoginResponse](s.t, w)
	require.NotEmpty(s.t, resp.Token)
	return resp.Token, resp.User.ID
}

func (s *server) seedStudy(projectID int64) {
	s.t.Helper()
	study := &models.Study{StudyInstanceUID: studyUID, ProjectID: &projectID, PatientID: "P-1"}
	series := []models.Series{{SeriesInstanceUID: studyUID + ".1", Modality: "CT"}}
	instances := []models.Instance{{SOPInstanceUID: studyUID + ".1.1", SeriesInstanceUID: studyUID + ".1"}}
	require.NoError(s.t, s.store.SaveStudy(context.Background(), study, series, instances))
}

func TestHealth(t *testing.T) {
	s := newServer(t)

	w := s.do(http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "ok")
	assert.NotEmpty(t, w.Header().Get("X-Request-Id"))
}

type downPinger struct{}

func (downPinger) Ping(ctx context.Context) error { return fmt.Errorf("connection refused") }

func TestHealth_Unavailable(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET("/health", handlers.NewHealthHandler(zaptest.NewLogger(t), downPinger{}).Health)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "unavailable")
}

func TestAuth_Required(t *testing.T) {
	s := newServer(t)

	for _, token := range []string{"", "not-a-token"} {
		w := s.do(http.MethodGet, "/api/annotations?project_id=1", token, nil)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
		resp := decode[models.ErrorResponse](t, w)
		assert.Equal(t, "unauthorized", resp.Error)
	}

	w := s.do(http.MethodPost, "/api/auth/login", "", map[string]string{"username": "x"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAnnotationWorkflow(t *testing.T) {
	s := newServer(t)
	ownerToken, _ := s.login("owner")
	editorToken, editorID := s.login("editor")
	outsiderToken, _ := s.login("outsider")

	// Project setup is idempotent.
	w := s.do(http.MethodPost, "/api/projects", ownerToken, models.CreateProjectRequest{Name: "liver"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	project := decode[models.ProjectResponse](t, w)
	w = s.do(http.MethodPost, "/api/projects", ownerToken, models.CreateProjectRequest{Name: "liver"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, project.ID, decode[models.ProjectResponse](t, w).ID)

	projectPath := "/api/projects/" + strconv.FormatInt(project.ID, 10)
	w = s.do(http.MethodPost, projectPath+"/members", ownerToken, models.AddMemberRequest{UserID: editorID, Role: "editor"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	w = s.do(http.MethodPost, projectPath+"/members", ownerToken, models.AddMemberRequest{UserID: editorID})
	require.Equal(t, http.StatusOK, w.Code)
	w = s.do(http.MethodPost, projectPath+"/members", editorToken, models.AddMemberRequest{UserID: editorID})
	require.Equal(t, http.StatusUnauthorized, w.Code, "editors cannot manage members")

	s.seedStudy(project.ID)

	// Catalog.
	w = s.do(http.MethodGet, fmt.Sprintf("/api/dicom/studies?project_id=%d&limit=10", project.ID), editorToken, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "1", w.Header().Get(handlers.TotalCountHeader))
	studies := decode[[]map[string]struct {
		Value []any `json:"Value"`
	}](t, w)
	require.Len(t, studies, 1)
	assert.Equal(t, []any{studyUID}, studies[0]["0020000D"].Value)

	w = s.do(http.MethodGet, fmt.Sprintf("/api/dicom/studies/%s/series?project_id=%d", studyUID, project.ID), editorToken, nil)
	require.Equal(t, http.StatusOK, w.Code)
	w = s.do(http.MethodGet, fmt.Sprintf("/api/dicom/studies/%s/series/%s.1/instances?project_id=%d", studyUID, studyUID, project.ID), editorToken, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "1", w.Header().Get(handlers.TotalCountHeader))

	w = s.do(http.MethodGet, fmt.Sprintf("/api/dicom/studies?project_id=%d", project.ID), outsiderToken, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	// Annotation and mask group.
	w = s.do(http.MethodPost, "/api/annotations", editorToken, models.CreateAnnotationRequest{
		ProjectID:        project.ID,
		StudyInstanceUID: studyUID,
		AnnotationData:   json.RawMessage(`{"type":"segmentation"}`),
		ToolName:         "brush",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	annotation := decode[models.AnnotationResponse](t, w)
	require.NotZero(t, annotation.ID)

	annotationPath := "/api/annotations/" + strconv.FormatInt(annotation.ID, 10)
	w = s.do(http.MethodGet, annotationPath, outsiderToken, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	w = s.do(http.MethodGet, annotationPath, ownerToken, nil)
	assert.Equal(t, http.StatusNotFound, w.Code, "unshared annotations are hidden from other members")

	w = s.do(http.MethodPost, annotationPath+"/mask-groups", editorToken, models.CreateMaskGroupRequest{GroupName: "liver", SliceCount: 2})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	group := decode[models.MaskGroupResponse](t, w)
	assert.Equal(t, "segmentation", group.MaskType)

	w = s.do(http.MethodGet, annotationPath+"/mask-groups", editorToken, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, decode[models.MaskGroupListResponse](t, w).TotalCount)

	groupPath := fmt.Sprintf("%s/mask-groups/%d", annotationPath, group.ID)

	// Upload protocol.
	slice := 0
	w = s.do(http.MethodPost, groupPath+"/upload-url", editorToken, models.UploadURLRequest{
		Filename:   "0000.png",
		MimeType:   "image/png",
		FileSize:   4,
		SliceIndex: &slice,
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	ticket := decode[models.UploadURLResponse](t, w)
	assert.NotEmpty(t, ticket.UploadURL)
	assert.Contains(t, ticket.FilePath, fmt.Sprintf("masks/annotation_%d/group_%d/slice_0_", annotation.ID, group.ID))
	assert.True(t, ticket.ExpiresAt.After(time.Now()))

	w = s.do(http.MethodPost, groupPath+"/upload-url", editorToken, models.UploadURLRequest{
		Filename:   "0000b.png",
		MimeType:   "image/png",
		SliceIndex: &slice,
	})
	assert.Equal(t, http.StatusConflict, w.Code, "slice has an upload in flight")

	s.objects.Put(ticket.FilePath, []byte("mask"))
	complete := models.CompleteUploadRequest{UploadedFiles: []string{ticket.FilePath}, Labels: []string{"liver"}}
	for i := 0; i < 2; i++ {
		w = s.do(http.MethodPost, groupPath+"/complete-upload", editorToken, complete)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		done := decode[models.CompleteUploadResponse](t, w)
		assert.True(t, done.Success)
		assert.Equal(t, "COMPLETED", done.Status)
		assert.Equal(t, 1, done.ProcessedMasks)
	}

	maskPath := fmt.Sprintf("%s/masks/%d", groupPath, ticket.MaskID)
	w = s.do(http.MethodGet, maskPath, editorToken, nil)
	require.Equal(t, http.StatusOK, w.Code)
	mask := decode[models.MaskResponse](t, w)
	assert.Equal(t, "COMPLETED", mask.Status)
	assert.Equal(t, "liver", mask.LabelName)

	// Masks registered directly.
	one := 1
	w = s.do(http.MethodPost, groupPath+"/masks", editorToken, models.CreateMaskRequest{
		SliceIndex: &one,
		FilePath:   fmt.Sprintf("masks/annotation_%d/group_%d/manual_1.png", annotation.ID, group.ID),
		MimeType:   "image/png",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	manual := decode[models.MaskResponse](t, w)

	w = s.do(http.MethodPost, groupPath+"/masks", editorToken, models.CreateMaskRequest{
		SliceIndex: &slice,
		FilePath:   fmt.Sprintf("masks/annotation_%d/group_%d/duplicate.png", annotation.ID, group.ID),
	})
	assert.Equal(t, http.StatusConflict, w.Code)

	label := "tumor"
	w = s.do(http.MethodPut, fmt.Sprintf("%s/masks/%d", groupPath, manual.ID), editorToken, models.UpdateMaskRequest{LabelName: &label})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "tumor", decode[models.MaskResponse](t, w).LabelName)

	w = s.do(http.MethodGet, groupPath+"/masks", editorToken, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 2, decode[models.MaskListResponse](t, w).TotalCount)

	w = s.do(http.MethodGet, groupPath, editorToken, nil)
	require.Equal(t, http.StatusOK, w.Code)
	detail := decode[models.MaskGroupDetailResponse](t, w)
	assert.Equal(t, 2, detail.Stats.TotalMasks)
	assert.Equal(t, 1, detail.Stats.CompletedMasks)

	// Download.
	w = s.do(http.MethodPost, maskPath+"/download-url", editorToken, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	download := decode[models.DownloadURLResponse](t, w)
	assert.NotEmpty(t, download.DownloadURL)
	assert.Equal(t, ticket.FilePath, download.FilePath)

	w = s.do(http.MethodPost, maskPath+"/download-url", outsiderToken, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	// Deletes cascade.
	w = s.do(http.MethodDelete, fmt.Sprintf("%s/masks/%d", groupPath, manual.ID), editorToken, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	w = s.do(http.MethodGet, fmt.Sprintf("%s/masks/%d", groupPath, manual.ID), editorToken, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = s.do(http.MethodDelete, annotationPath, editorToken, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	for _, path := range []string{annotationPath, groupPath, maskPath} {
		w = s.do(http.MethodGet, path, editorToken, nil)
		assert.Equal(t, http.StatusNotFound, w.Code, path)
	}
	assert.False(t, s.objects.Has(ticket.FilePath))
}

func TestUsersAndProjects(t *testing.T) {
	s := newServer(t)
	token, userID := s.login("alice")

	keycloakID := uuid.NewString()
	w := s.do(http.MethodPost, "/api/users", token, models.CreateUserRequest{KeycloakID: keycloakID, Username: "bob", Email: "bob@example.com"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	w = s.do(http.MethodPost, "/api/users", token, models.CreateUserRequest{KeycloakID: keycloakID, Username: "bob", Email: "bob@example.com"})
	require.Equal(t, http.StatusOK, w.Code)

	w = s.do(http.MethodGet, "/api/users?username=bob", token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[[]models.UserResponse](t, w), 1)

	w = s.do(http.MethodPost, "/api/projects", token, models.CreateProjectRequest{Name: "brain", Description: "MR"})
	require.Equal(t, http.StatusCreated, w.Code)
	project := decode[models.ProjectResponse](t, w)

	w = s.do(http.MethodGet, "/api/users/me", token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	me := decode[models.MeResponse](t, w)
	assert.Equal(t, userID, me.ID)
	require.Len(t, me.Memberships, 1)
	assert.Equal(t, "OWNER", me.Memberships[0].Role)

	inactive := false
	w = s.do(http.MethodPut, fmt.Sprintf("/api/projects/%d", project.ID), token, models.UpdateProjectRequest{IsActive: &inactive})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.False(t, decode[models.ProjectResponse](t, w).IsActive)

	w = s.do(http.MethodGet, "/api/projects/abc", token, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(http.MethodPost, fmt.Sprintf("/api/projects/%d/studies", project.ID), token, models.ImportStudyRequest{StudyInstanceUID: studyUID})
	assert.Equal(t, http.StatusUnauthorized, w.Code, "inactive projects grant nothing")
}
