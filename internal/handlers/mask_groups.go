package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"pacs-server/internal/models"
	"pacs-server/internal/services"
)

type MaskGroupsHandler struct {
	log         *zap.Logger
	annotations *services.AnnotationService
}

func NewMaskGroupsHandler(log *zap.Logger, annotations *services.AnnotationService) *MaskGroupsHandler {
	return &MaskGroupsHandler{log: log, annotations: annotations}
}

// groupPath reads the annotation and mask group ids of the route.
func groupPath(c *gin.Context, log *zap.Logger) (annotationID, groupID int64, ok bool) {
	if annotationID, ok = pathID(c, log, "annotation_id"); !ok {
		return 0, 0, false
	}
	if groupID, ok = pathID(c, log, "group_id"); !ok {
		return 0, 0, false
	}
	return annotationID, groupID, true
}

// CreateMaskGroup godoc
// @Summary     Create a mask group
// @Description Group names need not be unique. slice_count is advisory.
// @Tags        mask-groups
// @Accept      json
// @Produce     json
// @Security    Bearer
// @Param       annotation_id path int true "Annotation ID"
// @Param       request body models.CreateMaskGroupRequest true "Mask group"
// @Success     201 {object} models.MaskGroupResponse
// @Failure     400 {object} models.ErrorResponse
// @Failure     404 {object} models.ErrorResponse
// @Router      /annotations/{annotation_id}/mask-groups [post]
func (h *MaskGroupsHandler) CreateMaskGroup(c *gin.Context) {
	id, ok := caller(c, h.log)
	if !ok {
		return
	}
	annotationID, ok := pathID(c, h.log, "annotation_id")
	if !ok {
		return
	}

	var req models.CreateMaskGroupRequest
	if !bindJSON(c, h.log, &req, true) {
		return
	}

	group, err := h.annotations.CreateMaskGroup(c.Request.Context(), id, annotationID, req)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusCreated, maskGroupResponse(group))
}

// ListMaskGroups godoc
// @Summary     List mask groups of an annotation
// @Tags        mask-groups
// @Produce     json
// @Security    Bearer
// @Param       annotation_id path int true "Annotation ID"
// @Param       limit query int false "Page size"
// @Param       offset query int false "Offset"
// @Success     200 {object} models.MaskGroupListResponse
// @Router      /annotations/{annotation_id}/mask-groups [get]
func (h *MaskGroupsHandler) ListMaskGroups(c *gin.Context) {
	id, ok := caller(c, h.log)
	if !ok {
		return
	}
	annotationID, ok := pathID(c, h.log, "annotation_id")
	if !ok {
		return
	}
	p, ok := page(c, h.log)
	if !ok {
		return
	}

	groups, total, err := h.annotations.ListMaskGroups(c.Request.Context(), id, annotationID, p)
	if err != nil {
		respondError(c, h.log, err)
		return
	}

	resp := models.MaskGroupListResponse{
		MaskGroups: make([]models.MaskGroupResponse, len(groups)),
		TotalCount: total,
		Offset:     p.Offset,
		Limit:      p.Limit,
	}
	for i := range groups {
		resp.MaskGroups[i] = maskGroupResponse(&groups[i])
	}
	c.JSON(http.StatusOK, resp)
}

// GetMaskGroup godoc
// @Summary     Get a mask group with its statistics
// @Tags        mask-groups
// @Produce     json
// @Security    Bearer
// @Param       annotation_id path int true "Annotation ID"
// @Param       group_id path int true "Mask group ID"
// @Success     200 {object} models.MaskGroupDetailResponse
// @Failure     404 {object} models.ErrorResponse
// @Router      /annotations/{annotation_id}/mask-groups/{group_id} [get]
func (h *MaskGroupsHandler) GetMaskGroup(c *gin.Context) {
	id, ok := caller(c, h.log)
	if !ok {
		return
	}
	annotationID, groupID, ok := groupPath(c, h.log)
	if !ok {
		return
	}

	group, stats, err := h.annotations.GetMaskGroup(c.Request.Context(), id, annotationID, groupID)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, models.MaskGroupDetailResponse{
		MaskGroupResponse: maskGroupResponse(group),
		Stats:             statsResponse(stats),
	})
}

// UpdateMaskGroup godoc
// @Summary     Update a mask group
// @Tags        mask-groups
// @Accept      json
// @Produce     json
// @Security    Bearer
// @Param       annotation_id path int true "Annotation ID"
// @Param       group_id path int true "Mask group ID"
// @Param       request body models.UpdateMaskGroupRequest true "Changes"
// @Success     200 {object} models.MaskGroupResponse
// @Router      /annotations/{annotation_id}/mask-groups/{group_id} [put]
func (h *MaskGroupsHandler) UpdateMaskGroup(c *gin.Context) {
	id, ok := caller(c, h.log)
	if !ok {
		return
	}
	annotationID, groupID, ok := groupPath(c, h.log)
	if !ok {
		return
	}

	var req models.UpdateMaskGroupRequest
	if !bindJSON(c, h.log, &req, false) {
		return
	}

	group, err := h.annotations.UpdateMaskGroup(c.Request.Context(), id, annotationID, groupID, req)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, maskGroupResponse(group))
}

// DeleteMaskGroup godoc
// @Summary     Delete a mask group
// @Tags        mask-groups
// @Security    Bearer
// @Param       annotation_id path int true "Annotation ID"
// @Param       group_id path int true "Mask group ID"
// @Success     204
// @Router      /annotations/{annotation_id}/mask-groups/{group_id} [delete]
func (h *MaskGroupsHandler) DeleteMaskGroup(c *gin.Context) {
	id, ok := caller(c, h.log)
	if !ok {
		return
	}
	annotationID, groupID, ok := groupPath(c, h.log)
	if !ok {
		return
	}

	if err := h.annotations.DeleteMaskGroup(c.Request.Context(), id, annotationID, groupID); err != nil {
		respondError(c, h.log, err)
		return
	}
	c.Status(http.StatusNoContent)
}
