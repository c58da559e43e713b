package database

import (
	"context"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"pacs-server/internal/apperr"
	"pacs-server/internal/models"
)

type memberKey struct {
	projectID int64
	userID    int64
}

// MemoryStore is an in-process Store. It backs tests and single-node
// development runs; all state is lost on exit.
type MemoryStore struct {
	mu  sync.Mutex
	now func() time.Time

	lastUserID       int64
	lastProjectID    int64
	lastAnnotationID int64
	lastGroupID      int64
	lastMaskID       int64

	users       map[int64]models.User
	projects    map[int64]models.Project
	members     map[memberKey]models.Membership
	studies     map[string]models.Study
	series      map[string]models.Series
	instances   map[string]models.Instance
	annotations map[int64]models.Annotation
	groups      map[int64]models.MaskGroup
	masks       map[int64]models.Mask
	sessions    map[uuid.UUID]models.UploadSession
	// latest maps a mask to its newest upload session.
	latest map[int64]uuid.UUID
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		now:         time.Now,
		users:       map[int64]models.User{},
		projects:    map[int64]models.Project{},
		members:     map[memberKey]models.Membership{},
		studies:     map[string]models.Study{},
		series:      map[string]models.Series{},
		instances:   map[string]models.Instance{},
		annotations: map[int64]models.Annotation{},
		groups:      map[int64]models.MaskGroup{},
		masks:       map[int64]models.Mask{},
		sessions:    map[uuid.UUID]models.UploadSession{},
		latest:      map[int64]uuid.UUID{},
	}
}

func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) Ping(ctx context.Context) error { return s.check(ctx) }

func (s *MemoryStore) check(ctx context.Context) error {
	return apperr.FromContext(ctx.Err())
}

func paginate[T any](items []T, page models.Page) []T {
	if page.Offset >= len(items) {
		return nil
	}
	items = items[page.Offset:]
	if page.Limit > 0 && page.Limit < len(items) {
		items = items[:page.Limit]
	}
	return items
}

// Users

func (s *MemoryStore) CreateUser(ctx context.Context, user *models.User) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, u := range s.users {
		if u.KeycloakID == user.KeycloakID {
			return apperr.Conflict.New("user with keycloak id %s already exists", user.KeycloakID)
		}
		if u.Username == user.Username {
			return apperr.Conflict.New("username %q is taken", user.Username)
		}
	}

	s.lastUserID++
	now := s.now()
	user.ID = s.lastUserID
	user.CreatedAt, user.UpdatedAt = now, now
	s.users[user.ID] = *user
	return nil
}

func (s *MemoryStore) GetUser(ctx context.Context, id int64) (*models.User, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[id]
	if !ok {
		return nil, apperr.NotFound.New("user %d not found", id)
	}
	return &u, nil
}

func (s *MemoryStore) GetUserByKeycloakID(ctx context.Context, keycloakID uuid.UUID) (*models.User, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, u := range s.users {
		if u.KeycloakID == keycloakID {
			return &u, nil
		}
	}
	return nil, apperr.NotFound.New("user with keycloak id %s not found", keycloakID)
}

func (s *MemoryStore) GetUserByUsername(ctx context.Context, username string) (*models.User, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, u := range s.users {
		if u.Username == username {
			return &u, nil
		}
	}
	return nil, apperr.NotFound.New("user %q not found", username)
}

func (s *MemoryStore) ListUsers(ctx context.Context, username string) ([]models.User, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var users []models.User
	for _, u := range s.users {
		if username == "" || u.Username == username {
			users = append(users, u)
		}
	}
	sort.Slice(users, func(i, j int) bool { return users[i].ID < users[j].ID })
	return users, nil
}

// Projects

func (s *MemoryStore) CreateProject(ctx context.Context, project *models.Project) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, p := range s.projects {
		if p.Name == project.Name {
			return apperr.Conflict.New("project %q already exists", project.Name)
		}
	}

	s.lastProjectID++
	now := s.now()
	project.ID = s.lastProjectID
	project.CreatedAt, project.UpdatedAt = now, now
	s.projects[project.ID] = *project
	return nil
}

func (s *MemoryStore) GetProject(ctx context.Context, id int64) (*models.Project, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.projects[id]
	if !ok {
		return nil, apperr.NotFound.New("project %d not found", id)
	}
	return &p, nil
}

func (s *MemoryStore) GetProjectByName(ctx context.Context, name string) (*models.Project, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, p := range s.projects {
		if p.Name == name {
			return &p, nil
		}
	}
	return nil, apperr.NotFound.New("project %q not found", name)
}

func (s *MemoryStore) ListProjectsForUser(ctx context.Context, userID int64) ([]models.Project, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var projects []models.Project
	for key := range s.members {
		if key.userID == userID {
			projects = append(projects, s.projects[key.projectID])
		}
	}
	sort.Slice(projects, func(i, j int) bool { return projects[i].ID < projects[j].ID })
	return projects, nil
}

func (s *MemoryStore) UpdateProject(ctx context.Context, project *models.Project) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.projects[project.ID]
	if !ok {
		return apperr.NotFound.New("project %d not found", project.ID)
	}
	for _, p := range s.projects {
		if p.ID != project.ID && p.Name == project.Name {
			return apperr.Conflict.New("project %q already exists", project.Name)
		}
	}

	project.CreatedAt = current.CreatedAt
	project.UpdatedAt = s.now()
	s.projects[project.ID] = *project
	return nil
}

// Memberships

func (s *MemoryStore) AddMember(ctx context.Context, membership *models.Membership) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	project, ok := s.projects[membership.ProjectID]
	if !ok {
		return apperr.NotFound.New("project %d not found", membership.ProjectID)
	}
	if _, ok := s.users[membership.UserID]; !ok {
		return apperr.NotFound.New("user %d not found", membership.UserID)
	}
	key := memberKey{membership.ProjectID, membership.UserID}
	if _, ok := s.members[key]; ok {
		return apperr.Conflict.New("user %d is already a member of project %d", membership.UserID, membership.ProjectID)
	}

	membership.CreatedAt = s.now()
	membership.ProjectActive = project.IsActive
	s.members[key] = *membership
	return nil
}

// withProject refreshes the denormalised project flag of a membership.
func (s *MemoryStore) withProject(m models.Membership) models.Membership {
	m.ProjectActive = s.projects[m.ProjectID].IsActive
	return m
}

func (s *MemoryStore) GetMembership(ctx context.Context, projectID, userID int64) (*models.Membership, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.members[memberKey{projectID, userID}]
	if !ok {
		return nil, apperr.NotFound.New("user %d is not a member of project %d", userID, projectID)
	}
	m = s.withProject(m)
	return &m, nil
}

func (s *MemoryStore) ListMemberships(ctx context.Context, userID int64) ([]models.Membership, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var memberships []models.Membership
	for key, m := range s.members {
		if key.userID == userID {
			memberships = append(memberships, s.withProject(m))
		}
	}
	sort.Slice(memberships, func(i, j int) bool { return memberships[i].ProjectID < memberships[j].ProjectID })
	return memberships, nil
}

func (s *MemoryStore) ListProjectMembers(ctx context.Context, projectID int64) ([]models.Membership, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var memberships []models.Membership
	for key, m := range s.members {
		if key.projectID == projectID {
			memberships = append(memberships, s.withProject(m))
		}
	}
	sort.Slice(memberships, func(i, j int) bool { return memberships[i].UserID < memberships[j].UserID })
	return memberships, nil
}

// DICOM catalog

func (s *MemoryStore) SaveStudy(ctx context.Context, study *models.Study, series []models.Series, instances []models.Instance) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if current, ok := s.studies[study.StudyInstanceUID]; ok && current.ProjectID != nil {
		if study.ProjectID == nil || *current.ProjectID != *study.ProjectID {
			return apperr.Conflict.New("study %s is scoped to another project", study.StudyInstanceUID)
		}
	}
	for _, se := range series {
		if current, ok := s.series[se.SeriesInstanceUID]; ok && current.StudyInstanceUID != study.StudyInstanceUID {
			return apperr.Conflict.New("series %s belongs to another study", se.SeriesInstanceUID)
		}
	}
	for _, inst := range instances {
		if current, ok := s.instances[inst.SOPInstanceUID]; ok && current.SeriesInstanceUID != inst.SeriesInstanceUID {
			return apperr.Conflict.New("instance %s belongs to another series", inst.SOPInstanceUID)
		}
	}

	saved := *study
	saved.ModalitiesInStudy = slices.Clone(study.ModalitiesInStudy)
	s.studies[study.StudyInstanceUID] = saved
	for _, se := range series {
		se.StudyInstanceUID = study.StudyInstanceUID
		s.series[se.SeriesInstanceUID] = se
	}
	for _, inst := range instances {
		inst.StudyInstanceUID = study.StudyInstanceUID
		s.instances[inst.SOPInstanceUID] = inst
	}
	return nil
}

func (s *MemoryStore) countedStudy(study models.Study) models.Study {
	study.ModalitiesInStudy = slices.Clone(study.ModalitiesInStudy)
	study.NumberOfSeries, study.NumberOfInstances = 0, 0
	for _, se := range s.series {
		if se.StudyInstanceUID == study.StudyInstanceUID {
			study.NumberOfSeries++
		}
	}
	for _, inst := range s.instances {
		if se, ok := s.series[inst.SeriesInstanceUID]; ok && se.StudyInstanceUID == study.StudyInstanceUID {
			study.NumberOfInstances++
		}
	}
	return study
}

func (s *MemoryStore) countedSeries(series models.Series) models.Series {
	series.NumberOfInstances = 0
	for _, inst := range s.instances {
		if inst.SeriesInstanceUID == series.SeriesInstanceUID {
			series.NumberOfInstances++
		}
	}
	return series
}

func (s *MemoryStore) GetStudy(ctx context.Context, studyUID string) (*models.Study, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	study, ok := s.studies[studyUID]
	if !ok {
		return nil, apperr.NotFound.New("study %s not found", studyUID)
	}
	study = s.countedStudy(study)
	return &study, nil
}

func (s *MemoryStore) GetSeries(ctx context.Context, seriesUID string) (*models.Series, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	series, ok := s.series[seriesUID]
	if !ok {
		return nil, apperr.NotFound.New("series %s not found", seriesUID)
	}
	series = s.countedSeries(series)
	return &series, nil
}

func (s *MemoryStore) ListStudies(ctx context.Context, projectID int64, page models.Page) ([]models.Study, int, error) {
	if err := s.check(ctx); err != nil {
		return nil, 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var studies []models.Study
	for _, study := range s.studies {
		if study.ProjectID != nil && *study.ProjectID == projectID {
			studies = append(studies, s.countedStudy(study))
		}
	}
	sort.Slice(studies, func(i, j int) bool {
		return strings.Compare(studies[i].StudyInstanceUID, studies[j].StudyInstanceUID) < 0
	})
	return paginate(studies, page), len(studies), nil
}

func (s *MemoryStore) ListSeries(ctx context.Context, studyUID string, page models.Page) ([]models.Series, int, error) {
	if err := s.check(ctx); err != nil {
		return nil, 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var list []models.Series
	for _, se := range s.series {
		if se.StudyInstanceUID == studyUID {
			list = append(list, s.countedSeries(se))
		}
	}
	sort.Slice(list, func(i, j int) bool { return list[i].SeriesInstanceUID < list[j].SeriesInstanceUID })
	return paginate(list, page), len(list), nil
}

func (s *MemoryStore) ListInstances(ctx context.Context, seriesUID string, page models.Page) ([]models.Instance, int, error) {
	if err := s.check(ctx); err != nil {
		return nil, 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var list []models.Instance
	for _, inst := range s.instances {
		if inst.SeriesInstanceUID == seriesUID {
			list = append(list, inst)
		}
	}
	sort.Slice(list, func(i, j int) bool { return list[i].SOPInstanceUID < list[j].SOPInstanceUID })
	return paginate(list, page), len(list), nil
}

// Annotations

func cloneAnnotation(a models.Annotation) models.Annotation {
	a.Data = slices.Clone(a.Data)
	a.MeasurementValues = slices.Clone(a.MeasurementValues)
	return a
}

func (s *MemoryStore) CreateAnnotation(ctx context.Context, a *models.Annotation) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.projects[a.ProjectID]; !ok {
		return apperr.NotFound.New("project %d not found", a.ProjectID)
	}
	if _, ok := s.users[a.UserID]; !ok {
		return apperr.NotFound.New("user %d not found", a.UserID)
	}

	s.lastAnnotationID++
	now := s.now()
	a.ID = s.lastAnnotationID
	a.CreatedAt, a.UpdatedAt = now, now
	s.annotations[a.ID] = cloneAnnotation(*a)
	return nil
}

func (s *MemoryStore) GetAnnotation(ctx context.Context, id int64) (*models.Annotation, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.annotations[id]
	if !ok {
		return nil, apperr.NotFound.New("annotation %d not found", id)
	}
	a = cloneAnnotation(a)
	return &a, nil
}

func (s *MemoryStore) ListAnnotations(ctx context.Context, filter models.AnnotationFilter) ([]models.Annotation, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var list []models.Annotation
	for _, a := range s.annotations {
		if a.ProjectID != filter.ProjectID {
			continue
		}
		if filter.StudyInstanceUID != "" && a.StudyInstanceUID != filter.StudyInstanceUID {
			continue
		}
		list = append(list, cloneAnnotation(a))
	}
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
	return list, nil
}

func (s *MemoryStore) UpdateAnnotation(ctx context.Context, a *models.Annotation) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.annotations[a.ID]
	if !ok {
		return apperr.NotFound.New("annotation %d not found", a.ID)
	}
	current.ToolName = a.ToolName
	current.ToolVersion = a.ToolVersion
	current.ViewerSoftware = a.ViewerSoftware
	current.Description = a.Description
	current.Data = slices.Clone(a.Data)
	current.MeasurementValues = slices.Clone(a.MeasurementValues)
	current.IsShared = a.IsShared
	current.UpdatedAt = s.now()
	s.annotations[a.ID] = current
	a.UpdatedAt = current.UpdatedAt
	return nil
}

// Mask groups

func (s *MemoryStore) CreateMaskGroup(ctx context.Context, g *models.MaskGroup) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.annotations[g.AnnotationID]; !ok {
		return apperr.NotFound.New("annotation %d not found", g.AnnotationID)
	}

	s.lastGroupID++
	now := s.now()
	g.ID = s.lastGroupID
	g.CreatedAt, g.UpdatedAt = now, now
	s.groups[g.ID] = *g
	return nil
}

func (s *MemoryStore) GetMaskGroup(ctx context.Context, id int64) (*models.MaskGroup, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.groups[id]
	if !ok {
		return nil, apperr.NotFound.New("mask group %d not found", id)
	}
	return &g, nil
}

func (s *MemoryStore) ListMaskGroups(ctx context.Context, annotationID int64, page models.Page) ([]models.MaskGroup, int, error) {
	if err := s.check(ctx); err != nil {
		return nil, 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var list []models.MaskGroup
	for _, g := range s.groups {
		if g.AnnotationID == annotationID {
			list = append(list, g)
		}
	}
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
	return paginate(list, page), len(list), nil
}

func (s *MemoryStore) UpdateMaskGroup(ctx context.Context, g *models.MaskGroup) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.groups[g.ID]
	if !ok {
		return apperr.NotFound.New("mask group %d not found", g.ID)
	}
	current.GroupName = g.GroupName
	current.ModelName = g.ModelName
	current.Version = g.Version
	current.Modality = g.Modality
	current.SliceCount = g.SliceCount
	current.MaskType = g.MaskType
	current.Description = g.Description
	current.UpdatedAt = s.now()
	s.groups[g.ID] = current
	g.UpdatedAt = current.UpdatedAt
	return nil
}

func (s *MemoryStore) MaskGroupStats(ctx context.Context, groupID int64) (*models.MaskGroupStats, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var stats models.MaskGroupStats
	for _, m := range s.masks {
		if m.MaskGroupID != groupID {
			continue
		}
		stats.TotalMasks++
		stats.TotalSizeBytes += m.FileSize
		switch m.Status {
		case models.MaskPending:
			stats.PendingMasks++
		case models.MaskUploaded:
			stats.UploadedMasks++
		case models.MaskCompleted:
			stats.CompletedMasks++
		case models.MaskFailed:
			stats.FailedMasks++
		}
	}
	return &stats, nil
}

// Masks

func (s *MemoryStore) maskAt(groupID int64, slice int) (models.Mask, bool) {
	for _, m := range s.masks {
		if m.MaskGroupID == groupID && m.SliceIndex == slice {
			return m, true
		}
	}
	return models.Mask{}, false
}

func (s *MemoryStore) insertMask(m *models.Mask) error {
	if _, ok := s.groups[m.MaskGroupID]; !ok {
		return apperr.NotFound.New("mask group %d not found", m.MaskGroupID)
	}
	if _, taken := s.maskAt(m.MaskGroupID, m.SliceIndex); taken {
		return apperr.Conflict.New("slice %d already exists in mask group %d", m.SliceIndex, m.MaskGroupID)
	}
	for _, other := range s.masks {
		if other.FilePath == m.FilePath {
			return apperr.Conflict.New("file_path %q is already registered by mask %d", m.FilePath, other.ID)
		}
	}

	s.lastMaskID++
	now := s.now()
	m.ID = s.lastMaskID
	m.CreatedAt, m.UpdatedAt = now, now
	s.masks[m.ID] = *m
	return nil
}

func (s *MemoryStore) CreateMask(ctx context.Context, m *models.Mask) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.insertMask(m)
}

func (s *MemoryStore) GetMask(ctx context.Context, id int64) (*models.Mask, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.masks[id]
	if !ok {
		return nil, apperr.NotFound.New("mask %d not found", id)
	}
	return &m, nil
}

func (s *MemoryStore) ListMasks(ctx context.Context, groupID int64) ([]models.Mask, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var list []models.Mask
	for _, m := range s.masks {
		if m.MaskGroupID == groupID {
			list = append(list, m)
		}
	}
	sort.Slice(list, func(i, j int) bool { return list[i].SliceIndex < list[j].SliceIndex })
	return list, nil
}

func (s *MemoryStore) UpdateMask(ctx context.Context, id int64, u models.MaskUpdate) (*models.Mask, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.masks[id]
	if !ok {
		return nil, apperr.NotFound.New("mask %d not found", id)
	}
	if u.SOPInstanceUID != nil {
		m.SOPInstanceUID = *u.SOPInstanceUID
	}
	if u.LabelName != nil {
		m.LabelName = *u.LabelName
	}
	if u.MimeType != nil {
		m.MimeType = *u.MimeType
	}
	if u.FileSize != nil {
		m.FileSize = *u.FileSize
	}
	if u.Checksum != nil {
		m.Checksum = *u.Checksum
	}
	if u.Width != nil {
		m.Width = *u.Width
	}
	if u.Height != nil {
		m.Height = *u.Height
	}
	m.UpdatedAt = s.now()
	s.masks[id] = m
	return &m, nil
}

// Upload sessions

func (s *MemoryStore) latestSession(maskID int64) *models.UploadSession {
	id, ok := s.latest[maskID]
	if !ok {
		return nil
	}
	us := s.sessions[id]
	return &us
}

func (s *MemoryStore) setSessionState(id uuid.UUID, state models.UploadState) {
	us := s.sessions[id]
	us.State = state
	us.UpdatedAt = s.now()
	s.sessions[id] = us
}

func (s *MemoryStore) BeginUpload(ctx context.Context, req BeginUpload) (*models.Mask, *models.UploadSession, error) {
	if err := s.check(ctx); err != nil {
		return nil, nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	groupID := req.Mask.MaskGroupID
	if _, ok := s.groups[groupID]; !ok {
		return nil, nil, apperr.NotFound.New("mask group %d not found", groupID)
	}

	var slice int
	if req.Slice != nil {
		slice = *req.Slice
	} else {
		for _, m := range s.masks {
			if m.MaskGroupID == groupID && m.SliceIndex > slice {
				slice = m.SliceIndex
			}
		}
		slice++
	}

	mask := req.Mask
	mask.SliceIndex = slice
	mask.FilePath = req.KeyFunc(slice)
	mask.Status = models.MaskPending

	if existing, ok := s.maskAt(groupID, slice); ok {
		if existing.Status != models.MaskPending && existing.Status != models.MaskFailed {
			return nil, nil, apperr.Conflict.New("slice %d already exists in mask group %d", slice, groupID)
		}
		if prev := s.latestSession(existing.ID); prev != nil {
			if prev.Active(req.Now) {
				return nil, nil, apperr.Conflict.New("slice %d of mask group %d has an active upload session", slice, groupID)
			}
			if cur := prev.Current(req.Now); cur != prev.State {
				s.setSessionState(prev.ID, cur)
			}
		}
		existing.SOPInstanceUID = mask.SOPInstanceUID
		existing.LabelName = mask.LabelName
		existing.FilePath = mask.FilePath
		existing.MimeType = mask.MimeType
		existing.FileSize = mask.FileSize
		existing.Checksum = mask.Checksum
		existing.Status = models.MaskPending
		existing.UpdatedAt = s.now()
		s.masks[existing.ID] = existing
		mask = existing
	} else if err := s.insertMask(&mask); err != nil {
		return nil, nil, err
	}

	now := s.now()
	session := models.UploadSession{
		ID:          uuid.New(),
		MaskID:      mask.ID,
		MaskGroupID: groupID,
		SliceIndex:  slice,
		FilePath:    mask.FilePath,
		State:       models.UploadPending,
		ExpiresAt:   req.ExpiresAt,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	s.sessions[session.ID] = session
	s.latest[mask.ID] = session.ID
	return &mask, &session, nil
}

func (s *MemoryStore) UpdateUploadSession(ctx context.Context, id uuid.UUID, state models.UploadState) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[id]; !ok {
		return apperr.NotFound.New("upload session %s not found", id)
	}
	s.setSessionState(id, state)
	return nil
}

func (s *MemoryStore) GetUploadSession(ctx context.Context, maskID int64) (*models.UploadSession, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	us := s.latestSession(maskID)
	if us == nil {
		return nil, apperr.NotFound.New("mask %d has no upload session", maskID)
	}
	return us, nil
}

func (s *MemoryStore) FinishUpload(ctx context.Context, groupID int64, outcomes []UploadOutcome, now time.Time) ([]models.Mask, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.groups[groupID]; !ok {
		return nil, apperr.NotFound.New("mask group %d not found", groupID)
	}

	steps := make([]finishStep, 0, len(outcomes))
	for _, outcome := range outcomes {
		var mask *models.Mask
		for _, m := range s.masks {
			if m.MaskGroupID == groupID && m.FilePath == outcome.FilePath {
				m := m
				mask = &m
				break
			}
		}
		if mask == nil {
			return nil, apperr.NotFound.New("no mask stored under %q in mask group %d", outcome.FilePath, groupID)
		}
		session := s.latestSession(mask.ID)
		if err := checkFinishable(mask, session, now); err != nil {
			return nil, err
		}
		steps = append(steps, finishStep{mask: mask, session: session, outcome: outcome})
	}

	result := make([]models.Mask, 0, len(steps))
	for _, step := range steps {
		m := *step.mask
		if m.Status == models.MaskCompleted {
			result = append(result, m)
			continue
		}

		maskStatus, sessionState := models.MaskCompleted, models.UploadCompleted
		if step.outcome.Failed {
			maskStatus, sessionState = models.MaskFailed, models.UploadFailed
		}
		m.Status = maskStatus
		if m.LabelName == "" {
			m.LabelName = step.outcome.Label
		}
		m.UpdatedAt = s.now()
		s.masks[m.ID] = m
		if step.session != nil {
			s.setSessionState(step.session.ID, sessionState)
		}
		result = append(result, m)
	}
	return result, nil
}

func (s *MemoryStore) CancelUpload(ctx context.Context, maskID int64) (*models.Mask, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.masks[maskID]
	if !ok {
		return nil, apperr.NotFound.New("mask %d not found", maskID)
	}
	if err := checkCancelable(&m); err != nil {
		return nil, err
	}
	if m.Status == models.MaskFailed {
		return &m, nil
	}

	if us := s.latestSession(maskID); us != nil && (us.State == models.UploadPending || us.State == models.UploadDelivered) {
		s.setSessionState(us.ID, models.UploadFailed)
	}
	m.Status = models.MaskFailed
	m.UpdatedAt = s.now()
	s.masks[maskID] = m
	return &m, nil
}

func (s *MemoryStore) DeleteSubtree(ctx context.Context, node Node) ([]string, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var keys []string
	switch node.Kind {
	case NodeAnnotation:
		if _, ok := s.annotations[node.ID]; !ok {
			return nil, apperr.NotFound.New("annotation %d not found", node.ID)
		}
		for id, g := range s.groups {
			if g.AnnotationID == node.ID {
				keys = append(keys, s.deleteGroup(id)...)
			}
		}
		delete(s.annotations, node.ID)
	case NodeMaskGroup:
		if _, ok := s.groups[node.ID]; !ok {
			return nil, apperr.NotFound.New("mask group %d not found", node.ID)
		}
		keys = s.deleteGroup(node.ID)
	case NodeMask:
		m, ok := s.masks[node.ID]
		if !ok {
			return nil, apperr.NotFound.New("mask %d not found", node.ID)
		}
		s.deleteMask(node.ID)
		keys = []string{m.FilePath}
	default:
		return nil, Error.New("unknown node kind %d", node.Kind)
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *MemoryStore) deleteGroup(groupID int64) []string {
	var keys []string
	for id, m := range s.masks {
		if m.MaskGroupID == groupID {
			keys = append(keys, m.FilePath)
			s.deleteMask(id)
		}
	}
	delete(s.groups, groupID)
	return keys
}

func (s *MemoryStore) deleteMask(maskID int64) {
	for id, us := range s.sessions {
		if us.MaskID == maskID {
			delete(s.sessions, id)
		}
	}
	delete(s.latest, maskID)
	delete(s.masks, maskID)
}
