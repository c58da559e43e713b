package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"pacs-server/internal/models"
	"pacs-server/internal/services"
)

type FilesHandler struct {
	log       *zap.Logger
	downloads *services.DownloadBroker
}

func NewFilesHandler(log *zap.Logger, downloads *services.DownloadBroker) *FilesHandler {
	return &FilesHandler{log: log, downloads: downloads}
}

// RequestDownload godoc
// @Summary     Request a download URL for a mask
// @Description Every call presigns a fresh URL. Masks without stored bytes answer 409.
// @Tags        files
// @Accept      json
// @Produce     json
// @Security    Bearer
// @Param       annotation_id path int true "Annotation ID"
// @Param       group_id path int true "Mask group ID"
// @Param       mask_id path int true "Mask ID"
// @Param       request body models.DownloadURLRequest false "URL lifetime"
// @Success     200 {object} models.DownloadURLResponse
// @Failure     401 {object} models.ErrorResponse
// @Failure     404 {object} models.ErrorResponse
// @Failure     409 {object} models.ErrorResponse
// @Router      /annotations/{annotation_id}/mask-groups/{group_id}/masks/{mask_id}/download-url [post]
func (h *FilesHandler) RequestDownload(c *gin.Context) {
	id, ok := caller(c, h.log)
	if !ok {
		return
	}
	annotationID, groupID, maskID, ok := maskPath(c, h.log)
	if !ok {
		return
	}

	var req models.DownloadURLRequest
	if !bindJSON(c, h.log, &req, true) {
		return
	}

	ticket, err := h.downloads.RequestDownload(c.Request.Context(), id, annotationID, groupID, maskID, req.ExpiresIn)
	if err != nil {
		respondError(c, h.log, err)
		return
	}

	c.JSON(http.StatusOK, models.DownloadURLResponse{
		DownloadURL: ticket.URL,
		FilePath:    ticket.Mask.FilePath,
		ExpiresIn:   int64(ticket.TTL.Seconds()),
		ExpiresAt:   ticket.ExpiresAt,
	})
}
