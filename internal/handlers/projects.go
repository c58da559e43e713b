package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"pacs-server/internal/models"
	"pacs-server/internal/services"
)

type ProjectsHandler struct {
	log      *zap.Logger
	accounts *services.AccountService
	importer *services.Importer
}

func NewProjectsHandler(log *zap.Logger, accounts *services.AccountService, importer *services.Importer) *ProjectsHandler {
	return &ProjectsHandler{
		log:      log,
		accounts: accounts,
		importer: importer,
	}
}

// CreateProject godoc
// @Summary     Create a project
// @Description Creates a project owned by the caller. An existing project with the same name is returned with 200.
// @Tags        projects
// @Accept      json
// @Produce     json
// @Security    Bearer
// @Param       request body models.CreateProjectRequest true "Project"
// @Success     201 {object} models.ProjectResponse
// @Success     200 {object} models.ProjectResponse
// @Failure     400 {object} models.ErrorResponse
// @Failure     401 {object} models.ErrorResponse
// @Failure     500 {object} models.ErrorResponse
// @Router      /projects [post]
func (h *ProjectsHandler) CreateProject(c *gin.Context) {
	id, ok := caller(c, h.log)
	if !ok {
		return
	}

	var req models.CreateProjectRequest
	if !bindJSON(c, h.log, &req, false) {
		return
	}

	project, created, err := h.accounts.CreateProject(c.Request.Context(), id, req)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(createdStatus(created), projectResponse(project))
}

// ListProjects godoc
// @Summary     List the caller's projects
// @Tags        projects
// @Produce     json
// @Security    Bearer
// @Success     200 {array} models.ProjectResponse
// @Failure     401 {object} models.ErrorResponse
// @Router      /projects [get]
func (h *ProjectsHandler) ListProjects(c *gin.Context) {
	id, ok := caller(c, h.log)
	if !ok {
		return
	}

	projects, err := h.accounts.ListProjects(c.Request.Context(), id)
	if err != nil {
		respondError(c, h.log, err)
		return
	}

	resp := make([]models.ProjectResponse, len(projects))
	for i := range projects {
		resp[i] = projectResponse(&projects[i])
	}
	c.JSON(http.StatusOK, resp)
}

// GetProject godoc
// @Summary     Get a project
// @Tags        projects
// @Produce     json
// @Security    Bearer
// @Param       project_id path int true "Project ID"
// @Success     200 {object} models.ProjectResponse
// @Failure     401 {object} models.ErrorResponse
// @Failure     404 {object} models.ErrorResponse
// @Router      /projects/{project_id} [get]
func (h *ProjectsHandler) GetProject(c *gin.Context) {
	id, ok := caller(c, h.log)
	if !ok {
		return
	}
	projectID, ok := pathID(c, h.log, "project_id")
	if !ok {
		return
	}

	project, err := h.accounts.GetProject(c.Request.Context(), id, projectID)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, projectResponse(project))
}

// UpdateProject godoc
// @Summary     Update a project
// @Description Owners only. Setting is_active to false suspends every membership grant.
// @Tags        projects
// @Accept      json
// @Produce     json
// @Security    Bearer
// @Param       project_id path int true "Project ID"
// @Param       request body models.UpdateProjectRequest true "Changes"
// @Success     200 {object} models.ProjectResponse
// @Failure     400 {object} models.ErrorResponse
// @Failure     401 {object} models.ErrorResponse
// @Failure     409 {object} models.ErrorResponse
// @Router      /projects/{project_id} [put]
func (h *ProjectsHandler) UpdateProject(c *gin.Context) {
	id, ok := caller(c, h.log)
	if !ok {
		return
	}
	projectID, ok := pathID(c, h.log, "project_id")
	if !ok {
		return
	}

	var req models.UpdateProjectRequest
	if !bindJSON(c, h.log, &req, false) {
		return
	}

	project, err := h.accounts.UpdateProject(c.Request.Context(), id, projectID, req)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, projectResponse(project))
}

// AddMember godoc
// @Summary     Add a project member
// @Description Owners only. role is VIEWER, EDITOR (default) or OWNER. An existing membership is returned with 200.
// @Tags        projects
// @Accept      json
// @Produce     json
// @Security    Bearer
// @Param       project_id path int true "Project ID"
// @Param       request body models.AddMemberRequest true "Membership"
// @Success     201 {object} models.MembershipResponse
// @Success     200 {object} models.MembershipResponse
// @Failure     400 {object} models.ErrorResponse
// @Failure     401 {object} models.ErrorResponse
// @Failure     404 {object} models.ErrorResponse
// @Router      /projects/{project_id}/members [post]
func (h *ProjectsHandler) AddMember(c *gin.Context) {
	id, ok := caller(c, h.log)
	if !ok {
		return
	}
	projectID, ok := pathID(c, h.log, "project_id")
	if !ok {
		return
	}

	var req models.AddMemberRequest
	if !bindJSON(c, h.log, &req, false) {
		return
	}

	membership, created, err := h.accounts.AddMember(c.Request.Context(), id, projectID, req)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(createdStatus(created), membershipResponse(membership))
}

// ListMembers godoc
// @Summary     List project members
// @Tags        projects
// @Produce     json
// @Security    Bearer
// @Param       project_id path int true "Project ID"
// @Success     200 {array} models.MembershipResponse
// @Router      /projects/{project_id}/members [get]
func (h *ProjectsHandler) ListMembers(c *gin.Context) {
	id, ok := caller(c, h.log)
	if !ok {
		return
	}
	projectID, ok := pathID(c, h.log, "project_id")
	if !ok {
		return
	}

	members, err := h.accounts.ListMembers(c.Request.Context(), id, projectID)
	if err != nil {
		respondError(c, h.log, err)
		return
	}

	resp := make([]models.MembershipResponse, len(members))
	for i := range members {
		resp[i] = membershipResponse(&members[i])
	}
	c.JSON(http.StatusOK, resp)
}

// ImportStudy godoc
// @Summary     Import a study from the imaging archive
// @Description Owners only. Pulls the study, its series and instances over QIDO-RS and scopes them to the project.
// @Description A study already scoped to another project answers 409.
// @Tags        projects
// @Accept      json
// @Produce     json
// @Security    Bearer
// @Param       project_id path int true "Project ID"
// @Param       request body models.ImportStudyRequest true "Study"
// @Success     200 {object} models.ImportStudyResponse
// @Failure     401 {object} models.ErrorResponse
// @Failure     404 {object} models.ErrorResponse
// @Failure     409 {object} models.ErrorResponse
// @Failure     504 {object} models.ErrorResponse
// @Router      /projects/{project_id}/studies [post]
func (h *ProjectsHandler) ImportStudy(c *gin.Context) {
	id, ok := caller(c, h.log)
	if !ok {
		return
	}
	projectID, ok := pathID(c, h.log, "project_id")
	if !ok {
		return
	}

	var req models.ImportStudyRequest
	if !bindJSON(c, h.log, &req, false) {
		return
	}

	study, err := h.importer.ImportStudyAs(c.Request.Context(), id, projectID, req.StudyInstanceUID)
	if err != nil {
		respondError(c, h.log, err)
		return
	}

	c.JSON(http.StatusOK, models.ImportStudyResponse{
		ProjectID:         projectID,
		StudyInstanceUID:  study.StudyInstanceUID,
		NumberOfSeries:    study.NumberOfSeries,
		NumberOfInstances: study.NumberOfInstances,
	})
}
