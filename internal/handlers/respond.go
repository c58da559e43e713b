package handlers

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"pacs-server/internal/apperr"
	"pacs-server/internal/identity"
	"pacs-server/internal/middleware"
	"pacs-server/internal/models"
	"pacs-server/internal/services"
)

// TotalCountHeader carries the unpaginated size of list responses whose body
// is a bare array.
const TotalCountHeader = "X-Total-Count"

// respondError writes err as a models.ErrorResponse with the status of its
// kind. Internal errors are logged and their message withheld.
func respondError(c *gin.Context, log *zap.Logger, err error) {
	status := apperr.HTTPStatus(err)
	resp := models.ErrorResponse{Error: apperr.Kind(err), Message: err.Error()}
	if status == http.StatusInternalServerError {
		log.Error("request failed",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.String("request_id", c.GetString(middleware.RequestIDKey)),
			zap.Error(err))
		resp.Message = "internal server error"
	}
	c.AbortWithStatusJSON(status, resp)
}

// caller returns the identity set by the auth middleware.
func caller(c *gin.Context, log *zap.Logger) (*identity.Identity, bool) {
	id, ok := middleware.GetIdentity(c)
	if !ok {
		respondError(c, log, apperr.Unauthorized.New("identity not found"))
		return nil, false
	}
	return id, true
}

// bindJSON decodes the request body into req. An empty body is accepted
// when optional is set.
func bindJSON(c *gin.Context, log *zap.Logger, req any, optional bool) bool {
	if optional && c.Request.ContentLength == 0 {
		return true
	}
	if err := c.ShouldBindJSON(req); err != nil {
		if optional && errors.Is(err, io.EOF) {
			return true
		}
		respondError(c, log, apperr.Validation.New("invalid request body: %v", err))
		return false
	}
	return true
}

// pathID parses a positive integer path parameter.
func pathID(c *gin.Context, log *zap.Logger, name string) (int64, bool) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || id <= 0 {
		respondError(c, log, apperr.Validation.New("invalid %s %q", name, c.Param(name)))
		return 0, false
	}
	return id, true
}

// queryID parses a required positive integer query parameter.
func queryID(c *gin.Context, log *zap.Logger, name string) (int64, bool) {
	raw := c.Query(name)
	if raw == "" {
		respondError(c, log, apperr.Validation.New("%s is required", name))
		return 0, false
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		respondError(c, log, apperr.Validation.New("invalid %s %q", name, raw))
		return 0, false
	}
	return id, true
}

// page reads limit and offset query parameters.
func page(c *gin.Context, log *zap.Logger) (models.Page, bool) {
	var limit, offset int
	var err error
	if raw := c.Query("limit"); raw != "" {
		if limit, err = strconv.Atoi(raw); err != nil {
			respondError(c, log, apperr.Validation.New("invalid limit %q", raw))
			return models.Page{}, false
		}
	}
	if raw := c.Query("offset"); raw != "" {
		if offset, err = strconv.Atoi(raw); err != nil {
			respondError(c, log, apperr.Validation.New("invalid offset %q", raw))
			return models.Page{}, false
		}
	}
	p, err := services.NewPage(limit, offset)
	if err != nil {
		respondError(c, log, err)
		return models.Page{}, false
	}
	return p, true
}

// createdStatus is 201 for a new entity and 200 when an existing one was
// returned by an idempotent create.
func createdStatus(created bool) int {
	if created {
		return http.StatusCreated
	}
	return http.StatusOK
}
