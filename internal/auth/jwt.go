package auth

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/parleyhq/parley/internal/fault"
)

// Claims is the token payload the gateway accepts: the registered set
// plus a display name and the group list used for app access checks.
type Claims struct {
	Name   string   `json:"name,omitempty"`
	Groups []string `json:"groups,omitempty"`
	jwt.RegisteredClaims
}

// JWTAuthenticator validates HS256 bearer tokens signed with a shared
// secret. Tokens signed with any other algorithm family are rejected
// before signature verification.
type JWTAuthenticator struct {
	secret []byte
}

// NewJWT builds a JWT authenticator over the shared secret.
func NewJWT(secret string) *JWTAuthenticator {
	return &JWTAuthenticator{secret: []byte(secret)}
}

func (a *JWTAuthenticator) Mode() string { return "jwt" }

// Authenticate validates the bearer token and maps its claims onto an
// Identity.
func (a *JWTAuthenticator) Authenticate(r *http.Request) (Identity, error) {
	token := bearerToken(r)
	if token == "" {
		return Identity{}, fault.Authorization("missing bearer token")
	}

	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil {
		return Identity{}, fault.Authorization("invalid token").WithCause(err)
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return Identity{}, fault.Authorization("invalid token")
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return Identity{}, fault.Authorization("token has no subject")
	}

	return Identity{
		Subject: claims.Subject,
		Name:    strings.TrimSpace(claims.Name),
		Groups:  claims.Groups,
	}, nil
}

// Sign issues a token for the given identity. Tests and the check
// command use it; the gateway itself never mints tokens.
func (a *JWTAuthenticator) Sign(identity Identity) (string, error) {
	claims := Claims{
		Name:   identity.Name,
		Groups: identity.Groups,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject: identity.Subject,
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}
