package handlers

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"pacs-server/internal/models"
	"pacs-server/internal/services"
)

type UploadHandler struct {
	log     *zap.Logger
	uploads *services.UploadBroker
}

func NewUploadHandler(log *zap.Logger, uploads *services.UploadBroker) *UploadHandler {
	return &UploadHandler{log: log, uploads: uploads}
}

// RequestUpload godoc
// @Summary     Request an upload URL for one mask slice
// @Description Reserves a slice of the mask group and returns a presigned PUT URL.
// @Description
// @Description **Workflow:**
// @Description 1. POST upload-url → PUT the file bytes to upload_url
// @Description 2. POST complete-upload with the returned file_path values
// @Description
// @Description When slice_index is omitted the next free slice is allocated.
// @Description A slice that is taken or has an upload in flight answers 409.
// @Tags        upload
// @Accept      json
// @Produce     json
// @Security    Bearer
// @Param       annotation_id path int true "Annotation ID"
// @Param       group_id path int true "Mask group ID"
// @Param       request body models.UploadURLRequest true "File to upload"
// @Success     200 {object} models.UploadURLResponse
// @Failure     400 {object} models.ErrorResponse
// @Failure     401 {object} models.ErrorResponse
// @Failure     404 {object} models.ErrorResponse
// @Failure     409 {object} models.ErrorResponse
// @Failure     504 {object} models.ErrorResponse
// @Router      /annotations/{annotation_id}/mask-groups/{group_id}/upload-url [post]
func (h *UploadHandler) RequestUpload(c *gin.Context) {
	id, ok := caller(c, h.log)
	if !ok {
		return
	}
	annotationID, groupID, ok := groupPath(c, h.log)
	if !ok {
		return
	}

	var req models.UploadURLRequest
	if !bindJSON(c, h.log, &req, false) {
		return
	}

	ticket, err := h.uploads.RequestUpload(c.Request.Context(), id, annotationID, groupID, req)
	if err != nil {
		respondError(c, h.log, err)
		return
	}

	c.JSON(http.StatusOK, models.UploadURLResponse{
		UploadURL: ticket.URL,
		MaskID:    ticket.Mask.ID,
		FilePath:  ticket.Mask.FilePath,
		ExpiresIn: int64(ticket.TTL.Seconds()),
		ExpiresAt: ticket.ExpiresAt,
	})
}

// CompleteUpload godoc
// @Summary     Confirm uploaded mask files
// @Description Marks the masks stored under uploaded_files COMPLETED. Repeating the call is a no-op.
// @Description An unknown file answers 404; an expired, cancelled or mismatching upload answers 409.
// @Tags        upload
// @Accept      json
// @Produce     json
// @Security    Bearer
// @Param       annotation_id path int true "Annotation ID"
// @Param       group_id path int true "Mask group ID"
// @Param       request body models.CompleteUploadRequest true "Uploaded files"
// @Success     200 {object} models.CompleteUploadResponse
// @Failure     400 {object} models.ErrorResponse
// @Failure     404 {object} models.ErrorResponse
// @Failure     409 {object} models.ErrorResponse
// @Router      /annotations/{annotation_id}/mask-groups/{group_id}/complete-upload [post]
func (h *UploadHandler) CompleteUpload(c *gin.Context) {
	id, ok := caller(c, h.log)
	if !ok {
		return
	}
	annotationID, groupID, ok := groupPath(c, h.log)
	if !ok {
		return
	}

	var req models.CompleteUploadRequest
	if !bindJSON(c, h.log, &req, false) {
		return
	}

	result, err := h.uploads.CompleteUpload(c.Request.Context(), id, annotationID, groupID, req)
	if err != nil {
		respondError(c, h.log, err)
		return
	}

	c.JSON(http.StatusOK, models.CompleteUploadResponse{
		Success:        true,
		Status:         string(models.MaskCompleted),
		ProcessedMasks: len(result.Masks),
		UploadedFiles:  result.Files,
		Message:        fmt.Sprintf("%d masks completed", len(result.Masks)),
	})
}

// CancelUpload godoc
// @Summary     Cancel an upload in flight
// @Description The mask and its upload session become FAILED; the slice can be requested again.
// @Tags        upload
// @Produce     json
// @Security    Bearer
// @Param       annotation_id path int true "Annotation ID"
// @Param       group_id path int true "Mask group ID"
// @Param       mask_id path int true "Mask ID"
// @Success     200 {object} models.MaskResponse
// @Failure     409 {object} models.ErrorResponse
// @Router      /annotations/{annotation_id}/mask-groups/{group_id}/masks/{mask_id}/cancel-upload [post]
func (h *UploadHandler) CancelUpload(c *gin.Context) {
	id, ok := caller(c, h.log)
	if !ok {
		return
	}
	annotationID, groupID, maskID, ok := maskPath(c, h.log)
	if !ok {
		return
	}

	mask, err := h.uploads.CancelUpload(c.Request.Context(), id, annotationID, groupID, maskID)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, maskResponse(mask))
}
