// Package auth issues and verifies the bearer tokens that callers of the
// profile REST API present.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Roles carried in service tokens.
const (
	RoleService = "service"
	RoleAdmin   = "admin"
)

const ctxClaims = "auth_claims"

// ErrWeakSecret is returned for signing secrets shorter than 32 bytes.
var ErrWeakSecret = errors.New("token secret must be at least 32 bytes")

// Claims are the JWT claims of a service token.
type Claims struct {
	jwt.RegisteredClaims
	Role string `json:"role"`
}

// Issuer signs and verifies HS256 service tokens.
type Issuer struct {
	secret []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

// NewIssuer creates an Issuer. ttl defaults to 24 hours.
func NewIssuer(secret []byte, issuer string, ttl time.Duration) (*Issuer, error) {
	if len(secret) < 32 {
		return nil, ErrWeakSecret
	}
	if ttl == 0 {
		ttl = 24 * time.Hour
	}
	return &Issuer{secret: secret, issuer: issuer, ttl: ttl, now: time.Now}, nil
}

// Issue creates a signed token for subject with role.
func (i *Issuer) Issue(subject, role string) (string, error) {
	if role != RoleService && role != RoleAdmin {
		return "", fmt.Errorf("unknown role %q", role)
	}
	now := i.now().UTC()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.issuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
			ID:        uuid.New().String(),
		},
		Role: role,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("sign service token: %w", err)
	}
	return signed, nil
}

// Verify parses and validates a token, returning its claims.
func (i *Issuer) Verify(tokenStr string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(
		tokenStr,
		&Claims{},
		func(tok *jwt.Token) (any, error) {
			if _, ok := tok.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", tok.Header["alg"])
			}
			return i.secret, nil
		},
		jwt.WithIssuer(i.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(i.now),
	)
	if err != nil {
		return nil, fmt.Errorf("verify service token: %w", err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid service token claims")
	}
	return claims, nil
}

// RequireToken returns a Gin middleware that enforces a valid bearer token.
func RequireToken(i *Issuer) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "bearer token required"})
			return
		}
		claims, err := i.Verify(strings.TrimPrefix(header, "Bearer "))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token: " + err.Error()})
			return
		}
		c.Set(ctxClaims, claims)
		c.Next()
	}
}

// RequireAdmin must run after RequireToken.
func RequireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		if claims := ClaimsFromCtx(c); claims == nil || claims.Role != RoleAdmin {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "admin role required"})
			return
		}
		c.Next()
	}
}

// ClaimsFromCtx returns the claims injected by RequireToken, or nil.
func ClaimsFromCtx(c *gin.Context) *Claims {
	v, _ := c.Get(ctxClaims)
	claims, _ := v.(*Claims)
	return claims
}
