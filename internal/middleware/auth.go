package middleware

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"pacs-server/internal/apperr"
	"pacs-server/internal/identity"
	"pacs-server/internal/models"
)

const IdentityKey = "identity"

// TokenVerifier validates a bearer token.
type TokenVerifier interface {
	Verify(token string) (*identity.Claims, error)
}

// IdentityResolver snapshots the grants of a verified caller.
type IdentityResolver interface {
	Resolve(ctx context.Context, claims *identity.Claims) (*identity.Identity, error)
}

// AuthMiddleware verifies the bearer token and stores the caller's identity
// in the context.
func AuthMiddleware(log *zap.Logger, verifier TokenVerifier, resolver IdentityResolver) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			abortWithError(c, log, apperr.Unauthorized.New("missing authorization header"))
			return
		}

		// Extract token from "Bearer <token>"
		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			abortWithError(c, log, apperr.Unauthorized.New("invalid authorization header format"))
			return
		}

		tokenString := strings.TrimSpace(parts[1])
		if tokenString == "" {
			abortWithError(c, log, apperr.Unauthorized.New("empty token"))
			return
		}

		// Try URL decoding in case the token was URL-encoded
		decodedToken, err := url.QueryUnescape(tokenString)
		if err == nil && decodedToken != tokenString {
			tokenString = decodedToken
		}

		claims, err := verifier.Verify(tokenString)
		if err != nil {
			abortWithError(c, log, err)
			return
		}

		id, err := resolver.Resolve(c.Request.Context(), claims)
		if err != nil {
			abortWithError(c, log, err)
			return
		}

		c.Set(IdentityKey, id)
		c.Next()
	}
}

// GetIdentity returns the identity stored by AuthMiddleware.
func GetIdentity(c *gin.Context) (*identity.Identity, bool) {
	value, ok := c.Get(IdentityKey)
	if !ok {
		return nil, false
	}
	id, ok := value.(*identity.Identity)
	return id, ok
}

func abortWithError(c *gin.Context, log *zap.Logger, err error) {
	status := apperr.HTTPStatus(err)
	resp := models.ErrorResponse{Error: apperr.Kind(err), Message: err.Error()}
	if status == http.StatusInternalServerError {
		log.Error("request failed", zap.String("path", c.Request.URL.Path), zap.Error(err))
		resp.Message = "internal server error"
	}
	c.AbortWithStatusJSON(status, resp)
}
