package identity

import (
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"pacs-server/internal/apperr"
	"pacs-server/internal/models"
)

// Claims are the registered claims plus the user's external identity.
type Claims struct {
	KeycloakID string `json:"keycloak_id"`
	Username   string `json:"username"`
	Email      string `json:"email"`
	jwt.RegisteredClaims
}

// UserID parses the subject as a user id.
func (c *Claims) UserID() (int64, error) {
	id, err := strconv.ParseInt(c.Subject, 10, 64)
	if err != nil || id <= 0 {
		return 0, apperr.Unauthorized.New("invalid subject %q", c.Subject)
	}
	return id, nil
}

// Issuer signs and verifies HS256 tokens.
type Issuer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewIssuer(secret string, ttl time.Duration) *Issuer {
	return &Issuer{secret: []byte(secret), ttl: ttl, now: time.Now}
}

// TTL is the lifetime of issued tokens.
func (i *Issuer) TTL() time.Duration { return i.ttl }

// Issue returns a signed token for user.
func (i *Issuer) Issue(user *models.User) (string, error) {
	now := i.now()
	claims := Claims{
		KeycloakID: user.KeycloakID.String(),
		Username:   user.Username,
		Email:      user.Email,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatInt(user.ID, 10),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
		},
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", Error.New("failed to sign token: %v", err)
	}
	return token, nil
}

// Verify checks the signature and expiry of token.
func (i *Issuer) Verify(token string) (*Claims, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if len(i.secret) == 0 {
			return nil, jwt.ErrSignatureInvalid
		}
		return i.secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}), jwt.WithTimeFunc(i.now), jwt.WithExpirationRequired())
	if err != nil {
		return nil, apperr.Unauthorized.New("invalid token: %v", err)
	}
	if !parsed.Valid {
		return nil, apperr.Unauthorized.New("invalid token")
	}
	return claims, nil
}
