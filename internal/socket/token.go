package socket

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/google/uuid"

	"propchat/internal/models"
)

// DefaultTokenTTL is the socket token lifetime used when none is configured.
const DefaultTokenTTL = 24 * time.Hour

// ErrMissingSecret indicates the deployment has no signing secret
// configured. This is a server fault, never an authorization failure.
var ErrMissingSecret = errors.New("socket token signing secret not configured")

// ErrInvalidToken covers malformed, tampered, or expired tokens presented
// to the realtime gateway.
var ErrInvalidToken = errors.New("invalid socket token")

// Claims is the payload embedded in a socket token. Subject and UserID both
// carry the identity id; UserID is kept for consumers that predate the
// registered-claims form.
type Claims struct {
	jwt.RegisteredClaims

	UserID int64       `json:"userId"`
	Name   string      `json:"name"`
	Email  string      `json:"email"`
	Role   models.Role `json:"role"`
}

// Issuer mints signed, expiring socket tokens for the realtime transport.
// Issuance is stateless: every call produces an independently valid bearer
// token and nothing is recorded server-side.
type Issuer struct {
	secret []byte
	ttl    time.Duration
}

// NewIssuer builds an issuer. An empty secret is allowed here so the server
// can start; Issue rejects it per call.
func NewIssuer(secret string, ttl time.Duration) *Issuer {
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	return &Issuer{secret: []byte(secret), ttl: ttl}
}

// Issue signs a token embedding the identity snapshot, valid from now for
// the configured TTL. Tokens are not renewable in place; callers re-issue
// through the bridge while their session is still valid.
func (i *Issuer) Issue(ident *models.Identity, now time.Time) (string, error) {
	if len(i.secret) == 0 {
		return "", ErrMissingSecret
	}
	if ident == nil || ident.ID <= 0 {
		return "", errors.New("identity required")
	}
	role := ident.Role
	if !role.Valid() {
		role = models.RoleUser
	}
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   strconv.FormatInt(ident.ID, 10),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
		},
		UserID: ident.ID,
		Name:   ident.Name,
		Email:  ident.Email,
		Role:   role,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("sign socket token: %w", err)
	}
	return signed, nil
}

// Verify parses and validates a presented token, returning the identity it
// carries. The token is a bearer credential: whoever holds it before expiry
// is treated as this identity.
func (i *Issuer) Verify(tokenString string) (*models.Identity, error) {
	if len(i.secret) == 0 {
		return nil, ErrMissingSecret
	}
	var claims Claims
	token, err := jwt.ParseWithClaims(tokenString, &claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return i.secret, nil
	})
	if err != nil || !token.Valid {
		return nil, ErrInvalidToken
	}
	userID := claims.UserID
	if userID == 0 && claims.Subject != "" {
		userID, _ = strconv.ParseInt(claims.Subject, 10, 64)
	}
	if userID <= 0 {
		return nil, ErrInvalidToken
	}
	role := claims.Role
	if !role.Valid() {
		role = models.RoleUser
	}
	return &models.Identity{ID: userID, Name: claims.Name, Email: claims.Email, Role: role}, nil
}

// TTL reports the configured token lifetime.
func (i *Issuer) TTL() time.Duration {
	return i.ttl
}
