package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"pacs-server/internal/dicomweb"
	"pacs-server/internal/services"
)

// DicomHandler serves the project-scoped catalog in DICOM JSON.
type DicomHandler struct {
	log     *zap.Logger
	catalog *services.CatalogService
}

func NewDicomHandler(log *zap.Logger, catalog *services.CatalogService) *DicomHandler {
	return &DicomHandler{log: log, catalog: catalog}
}

// ListStudies godoc
// @Summary     List studies of a project
// @Description Studies are ordered by StudyInstanceUID. The unpaginated total is returned in X-Total-Count.
// @Tags        dicom
// @Produce     json
// @Security    Bearer
// @Param       project_id query int true "Project ID"
// @Param       limit query int false "Page size (default 100, max 1000)"
// @Param       offset query int false "Offset"
// @Success     200 {array} dicomweb.Dataset
// @Failure     400 {object} models.ErrorResponse
// @Failure     401 {object} models.ErrorResponse
// @Router      /dicom/studies [get]
func (h *DicomHandler) ListStudies(c *gin.Context) {
	id, ok := caller(c, h.log)
	if !ok {
		return
	}
	projectID, ok := queryID(c, h.log, "project_id")
	if !ok {
		return
	}
	p, ok := page(c, h.log)
	if !ok {
		return
	}

	studies, total, err := h.catalog.ListStudies(c.Request.Context(), id, projectID, p)
	if err != nil {
		respondError(c, h.log, err)
		return
	}

	resp := make([]dicomweb.Dataset, len(studies))
	for i, study := range studies {
		resp[i] = dicomweb.EncodeStudy(study)
	}
	c.Header(TotalCountHeader, strconv.Itoa(total))
	c.JSON(http.StatusOK, resp)
}

// ListSeries godoc
// @Summary     List series of a study
// @Tags        dicom
// @Produce     json
// @Security    Bearer
// @Param       study_uid path string true "StudyInstanceUID"
// @Param       project_id query int true "Project ID"
// @Param       limit query int false "Page size"
// @Param       offset query int false "Offset"
// @Success     200 {array} dicomweb.Dataset
// @Failure     404 {object} models.ErrorResponse
// @Router      /dicom/studies/{study_uid}/series [get]
func (h *DicomHandler) ListSeries(c *gin.Context) {
	id, ok := caller(c, h.log)
	if !ok {
		return
	}
	projectID, ok := queryID(c, h.log, "project_id")
	if !ok {
		return
	}
	p, ok := page(c, h.log)
	if !ok {
		return
	}

	series, total, err := h.catalog.ListSeries(c.Request.Context(), id, projectID, c.Param("study_uid"), p)
	if err != nil {
		respondError(c, h.log, err)
		return
	}

	resp := make([]dicomweb.Dataset, len(series))
	for i, s := range series {
		resp[i] = dicomweb.EncodeSeries(s)
	}
	c.Header(TotalCountHeader, strconv.Itoa(total))
	c.JSON(http.StatusOK, resp)
}

// ListInstances godoc
// @Summary     List instances of a series
// @Tags        dicom
// @Produce     json
// @Security    Bearer
// @Param       study_uid path string true "StudyInstanceUID"
// @Param       series_uid path string true "SeriesInstanceUID"
// @Param       project_id query int true "Project ID"
// @Success     200 {array} dicomweb.Dataset
// @Failure     404 {object} models.ErrorResponse
// @Router      /dicom/studies/{study_uid}/series/{series_uid}/instances [get]
func (h *DicomHandler) ListInstances(c *gin.Context) {
	id, ok := caller(c, h.log)
	if !ok {
		return
	}
	projectID, ok := queryID(c, h.log, "project_id")
	if !ok {
		return
	}
	p, ok := page(c, h.log)
	if !ok {
		return
	}

	instances, total, err := h.catalog.ListInstances(c.Request.Context(), id, projectID, c.Param("study_uid"), c.Param("series_uid"), p)
	if err != nil {
		respondError(c, h.log, err)
		return
	}

	resp := make([]dicomweb.Dataset, len(instances))
	for i, inst := range instances {
		resp[i] = dicomweb.EncodeInstance(inst)
	}
	c.Header(TotalCountHeader, strconv.Itoa(total))
	c.JSON(http.StatusOK, resp)
}
