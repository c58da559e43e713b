package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"pacs-server/internal/models"
	"pacs-server/internal/services"
)

type AnnotationsHandler struct {
	log         *zap.Logger
	annotations *services.AnnotationService
}

func NewAnnotationsHandler(log *zap.Logger, annotations *services.AnnotationService) *AnnotationsHandler {
	return &AnnotationsHandler{log: log, annotations: annotations}
}

// CreateAnnotation godoc
// @Summary     Create an annotation
// @Description Requires EDITOR or OWNER in the project. Study, series and instance UIDs are stored as given.
// @Tags        annotations
// @Accept      json
// @Produce     json
// @Security    Bearer
// @Param       request body models.CreateAnnotationRequest true "Annotation"
// @Success     201 {object} models.AnnotationResponse
// @Failure     400 {object} models.ErrorResponse
// @Failure     401 {object} models.ErrorResponse
// @Router      /annotations [post]
func (h *AnnotationsHandler) CreateAnnotation(c *gin.Context) {
	id, ok := caller(c, h.log)
	if !ok {
		return
	}

	var req models.CreateAnnotationRequest
	if !bindJSON(c, h.log, &req, false) {
		return
	}

	annotation, err := h.annotations.CreateAnnotation(c.Request.Context(), id, req)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusCreated, annotationResponse(annotation))
}

// ListAnnotations godoc
// @Summary     List annotations
// @Description Lists the caller's annotations and those shared with the project.
// @Tags        annotations
// @Produce     json
// @Security    Bearer
// @Param       project_id query int true "Project ID"
// @Param       study_instance_uid query string false "Narrow to one study"
// @Success     200 {object} models.AnnotationListResponse
// @Failure     401 {object} models.ErrorResponse
// @Router      /annotations [get]
func (h *AnnotationsHandler) ListAnnotations(c *gin.Context) {
	id, ok := caller(c, h.log)
	if !ok {
		return
	}
	projectID, ok := queryID(c, h.log, "project_id")
	if !ok {
		return
	}

	annotations, err := h.annotations.ListAnnotations(c.Request.Context(), id, projectID, c.Query("study_instance_uid"))
	if err != nil {
		respondError(c, h.log, err)
		return
	}

	resp := models.AnnotationListResponse{
		Annotations: make([]models.AnnotationResponse, len(annotations)),
		TotalCount:  len(annotations),
	}
	for i := range annotations {
		resp.Annotations[i] = annotationResponse(&annotations[i])
	}
	c.JSON(http.StatusOK, resp)
}

// GetAnnotation godoc
// @Summary     Get an annotation
// @Tags        annotations
// @Produce     json
// @Security    Bearer
// @Param       annotation_id path int true "Annotation ID"
// @Success     200 {object} models.AnnotationResponse
// @Failure     404 {object} models.ErrorResponse
// @Router      /annotations/{annotation_id} [get]
func (h *AnnotationsHandler) GetAnnotation(c *gin.Context) {
	id, ok := caller(c, h.log)
	if !ok {
		return
	}
	annotationID, ok := pathID(c, h.log, "annotation_id")
	if !ok {
		return
	}

	annotation, err := h.annotations.GetAnnotation(c.Request.Context(), id, annotationID)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, annotationResponse(annotation))
}

// UpdateAnnotation godoc
// @Summary     Update an annotation
// @Description Only the owner, or a project OWNER, may change an annotation.
// @Tags        annotations
// @Accept      json
// @Produce     json
// @Security    Bearer
// @Param       annotation_id path int true "Annotation ID"
// @Param       request body models.UpdateAnnotationRequest true "Changes"
// @Success     200 {object} models.AnnotationResponse
// @Failure     401 {object} models.ErrorResponse
// @Failure     404 {object} models.ErrorResponse
// @Router      /annotations/{annotation_id} [put]
func (h *AnnotationsHandler) UpdateAnnotation(c *gin.Context) {
	id, ok := caller(c, h.log)
	if !ok {
		return
	}
	annotationID, ok := pathID(c, h.log, "annotation_id")
	if !ok {
		return
	}

	var req models.UpdateAnnotationRequest
	if !bindJSON(c, h.log, &req, false) {
		return
	}

	annotation, err := h.annotations.UpdateAnnotation(c.Request.Context(), id, annotationID, req)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, annotationResponse(annotation))
}

// DeleteAnnotation godoc
// @Summary     Delete an annotation
// @Description Removes the annotation with its mask groups, masks and stored files.
// @Tags        annotations
// @Security    Bearer
// @Param       annotation_id path int true "Annotation ID"
// @Success     204
// @Failure     401 {object} models.ErrorResponse
// @Failure     404 {object} models.ErrorResponse
// @Router      /annotations/{annotation_id} [delete]
func (h *AnnotationsHandler) DeleteAnnotation(c *gin.Context) {
	id, ok := caller(c, h.log)
	if !ok {
		return
	}
	annotationID, ok := pathID(c, h.log, "annotation_id")
	if !ok {
		return
	}

	if err := h.annotations.DeleteAnnotation(c.Request.Context(), id, annotationID); err != nil {
		respondError(c, h.log, err)
		return
	}
	c.Status(http.StatusNoContent)
}
