package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"pacs-server/internal/models"
	"pacs-server/internal/services"
)

type AuthHandler struct {
	log      *zap.Logger
	accounts *services.AccountService
}

func NewAuthHandler(log *zap.Logger, accounts *services.AccountService) *AuthHandler {
	return &AuthHandler{log: log, accounts: accounts}
}

// Login godoc
// @Summary     Log in with an external identity
// @Description Finds or creates the user for a Keycloak identity and issues a bearer token.
// @Description First logins join the configured default projects as editors.
// @Tags        auth
// @Accept      json
// @Produce     json
// @Param       request body models.LoginRequest true "External identity"
// @Success     200 {object} models.LoginResponse
// @Failure     400 {object} models.ErrorResponse
// @Failure     409 {object} models.ErrorResponse
// @Failure     500 {object} models.ErrorResponse
// @Router      /auth/login [post]
func (h *AuthHandler) Login(c *gin.Context) {
	var req models.LoginRequest
	if !bindJSON(c, h.log, &req, false) {
		return
	}

	session, err := h.accounts.Login(c.Request.Context(), req)
	if err != nil {
		respondError(c, h.log, err)
		return
	}

	c.JSON(http.StatusOK, models.LoginResponse{
		Token:     session.Token,
		TokenType: "Bearer",
		ExpiresIn: int64(session.ExpiresIn.Seconds()),
		User:      userResponse(session.User),
	})
}
