package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"pacs-server/internal/models"
	"pacs-server/internal/services"
)

type MasksHandler struct {
	log         *zap.Logger
	annotations *services.AnnotationService
}

func NewMasksHandler(log *zap.Logger, annotations *services.AnnotationService) *MasksHandler {
	return &MasksHandler{log: log, annotations: annotations}
}

func maskPath(c *gin.Context, log *zap.Logger) (annotationID, groupID, maskID int64, ok bool) {
	if annotationID, groupID, ok = groupPath(c, log); !ok {
		return 0, 0, 0, false
	}
	if maskID, ok = pathID(c, log, "mask_id"); !ok {
		return 0, 0, 0, false
	}
	return annotationID, groupID, maskID, true
}

// CreateMask godoc
// @Summary     Register a mask
// @Description Registers a mask whose file is already stored; it starts out UPLOADED.
// @Description A taken slice_index answers 409.
// @Tags        masks
// @Accept      json
// @Produce     json
// @Security    Bearer
// @Param       annotation_id path int true "Annotation ID"
// @Param       group_id path int true "Mask group ID"
// @Param       request body models.CreateMaskRequest true "Mask"
// @Success     201 {object} models.MaskResponse
// @Failure     400 {object} models.ErrorResponse
// @Failure     404 {object} models.ErrorResponse
// @Failure     409 {object} models.ErrorResponse
// @Router      /annotations/{annotation_id}/mask-groups/{group_id}/masks [post]
func (h *MasksHandler) CreateMask(c *gin.Context) {
	id, ok := caller(c, h.log)
	if !ok {
		return
	}
	annotationID, groupID, ok := groupPath(c, h.log)
	if !ok {
		return
	}

	var req models.CreateMaskRequest
	if !bindJSON(c, h.log, &req, false) {
		return
	}

	mask, err := h.annotations.CreateMask(c.Request.Context(), id, annotationID, groupID, req)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusCreated, maskResponse(mask))
}

// ListMasks godoc
// @Summary     List masks of a group
// @Tags        masks
// @Produce     json
// @Security    Bearer
// @Param       annotation_id path int true "Annotation ID"
// @Param       group_id path int true "Mask group ID"
// @Success     200 {object} models.MaskListResponse
// @Router      /annotations/{annotation_id}/mask-groups/{group_id}/masks [get]
func (h *MasksHandler) ListMasks(c *gin.Context) {
	id, ok := caller(c, h.log)
	if !ok {
		return
	}
	annotationID, groupID, ok := groupPath(c, h.log)
	if !ok {
		return
	}

	masks, err := h.annotations.ListMasks(c.Request.Context(), id, annotationID, groupID)
	if err != nil {
		respondError(c, h.log, err)
		return
	}

	resp := models.MaskListResponse{
		Masks:      make([]models.MaskResponse, len(masks)),
		TotalCount: len(masks),
	}
	for i := range masks {
		resp.Masks[i] = maskResponse(&masks[i])
	}
	c.JSON(http.StatusOK, resp)
}

// GetMask godoc
// @Summary     Get a mask
// @Tags        masks
// @Produce     json
// @Security    Bearer
// @Param       annotation_id path int true "Annotation ID"
// @Param       group_id path int true "Mask group ID"
// @Param       mask_id path int true "Mask ID"
// @Success     200 {object} models.MaskResponse
// @Failure     404 {object} models.ErrorResponse
// @Router      /annotations/{annotation_id}/mask-groups/{group_id}/masks/{mask_id} [get]
func (h *MasksHandler) GetMask(c *gin.Context) {
	id, ok := caller(c, h.log)
	if !ok {
		return
	}
	annotationID, groupID, maskID, ok := maskPath(c, h.log)
	if !ok {
		return
	}

	mask, err := h.annotations.GetMask(c.Request.Context(), id, annotationID, groupID, maskID)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, maskResponse(mask))
}

// UpdateMask godoc
// @Summary     Update a mask
// @Description mask_group_id, slice_index and file_path cannot change; delete and recreate the mask instead.
// @Tags        masks
// @Accept      json
// @Produce     json
// @Security    Bearer
// @Param       annotation_id path int true "Annotation ID"
// @Param       group_id path int true "Mask group ID"
// @Param       mask_id path int true "Mask ID"
// @Param       request body models.UpdateMaskRequest true "Changes"
// @Success     200 {object} models.MaskResponse
// @Failure     400 {object} models.ErrorResponse
// @Router      /annotations/{annotation_id}/mask-groups/{group_id}/masks/{mask_id} [put]
func (h *MasksHandler) UpdateMask(c *gin.Context) {
	id, ok := caller(c, h.log)
	if !ok {
		return
	}
	annotationID, groupID, maskID, ok := maskPath(c, h.log)
	if !ok {
		return
	}

	var req models.UpdateMaskRequest
	if !bindJSON(c, h.log, &req, false) {
		return
	}

	mask, err := h.annotations.UpdateMask(c.Request.Context(), id, annotationID, groupID, maskID, req)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, maskResponse(mask))
}

// DeleteMask godoc
// @Summary     Delete a mask
// @Description Cancels any upload in flight for the mask and removes its file.
// @Tags        masks
// @Security    Bearer
// @Param       annotation_id path int true "Annotation ID"
// @Param       group_id path int true "Mask group ID"
// @Param       mask_id path int true "Mask ID"
// @Success     204
// @Router      /annotations/{annotation_id}/mask-groups/{group_id}/masks/{mask_id} [delete]
func (h *MasksHandler) DeleteMask(c *gin.Context) {
	id, ok := caller(c, h.log)
	if !ok {
		return
	}
	annotationID, groupID, maskID, ok := maskPath(c, h.log)
	if !ok {
		return
	}

	if err := h.annotations.DeleteMask(c.Request.Context(), id, annotationID, groupID, maskID); err != nil {
		respondError(c, h.log, err)
		return
	}
	c.Status(http.StatusNoContent)
}
