package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"pacs-server/internal/models"
	"pacs-server/internal/services"
)

type UsersHandler struct {
	log      *zap.Logger
	accounts *services.AccountService
}

func NewUsersHandler(log *zap.Logger, accounts *services.AccountService) *UsersHandler {
	return &UsersHandler{log: log, accounts: accounts}
}

// CreateUser godoc
// @Summary     Register a user
// @Description Answers 200 with the existing user when the Keycloak id or username is taken.
// @Tags        users
// @Accept      json
// @Produce     json
// @Security    Bearer
// @Param       request body models.CreateUserRequest true "User"
// @Success     201 {object} models.UserResponse
// @Success     200 {object} models.UserResponse
// @Failure     400 {object} models.ErrorResponse
// @Failure     401 {object} models.ErrorResponse
// @Router      /users [post]
func (h *UsersHandler) CreateUser(c *gin.Context) {
	var req models.CreateUserRequest
	if !bindJSON(c, h.log, &req, false) {
		return
	}

	user, created, err := h.accounts.CreateUser(c.Request.Context(), req)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(createdStatus(created), userResponse(user))
}

// ListUsers godoc
// @Summary     List users
// @Tags        users
// @Produce     json
// @Security    Bearer
// @Param       username query string false "Exact username"
// @Success     200 {array} models.UserResponse
// @Router      /users [get]
func (h *UsersHandler) ListUsers(c *gin.Context) {
	users, err := h.accounts.ListUsers(c.Request.Context(), c.Query("username"))
	if err != nil {
		respondError(c, h.log, err)
		return
	}

	resp := make([]models.UserResponse, len(users))
	for i := range users {
		resp[i] = userResponse(&users[i])
	}
	c.JSON(http.StatusOK, resp)
}

// Me godoc
// @Summary     Current user
// @Tags        users
// @Produce     json
// @Security    Bearer
// @Success     200 {object} models.MeResponse
// @Router      /users/me [get]
func (h *UsersHandler) Me(c *gin.Context) {
	id, ok := caller(c, h.log)
	if !ok {
		return
	}

	user, memberships, err := h.accounts.Me(c.Request.Context(), id)
	if err != nil {
		respondError(c, h.log, err)
		return
	}

	resp := models.MeResponse{
		UserResponse: userResponse(user),
		Memberships:  make([]models.MembershipResponse, len(memberships)),
	}
	for i := range memberships {
		resp.Memberships[i] = membershipResponse(&memberships[i])
	}
	c.JSON(http.StatusOK, resp)
}
