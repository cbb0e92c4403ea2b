// Package auth resolves the caller identity for every API request. The
// gateway picks one of three modes at startup: none (every caller is
// anonymous), jwt (HS256 bearer tokens carrying subject and groups), or
// proxy (identity headers stamped by a trusted reverse proxy). The rest
// of the gateway consumes the resolved Identity opaquely; group checks
// against app access lists happen during turn preparation.
package auth

import (
	"net/http"
	"strings"

	"github.com/parleyhq/parley/internal/config"
	"github.com/parleyhq/parley/internal/fault"
)

// Identity is the resolved caller of one request.
type Identity struct {
	// Subject is the stable user id; "anonymous" in mode none.
	Subject string

	// Name is the display name, when the credential carried one.
	Name string

	// Groups drive app access checks against AppSpec allowed groups.
	Groups []string
}

// Anonymous is the identity every request resolves to in mode none.
var Anonymous = Identity{Subject: "anonymous"}

// MemberOfAny reports whether the identity belongs to at least one of
// the given groups. An empty group list never matches.
func (i Identity) MemberOfAny(groups []string) bool {
	for _, want := range groups {
		for _, have := range i.Groups {
			if have == want {
				return true
			}
		}
	}
	return false
}

// Authenticator resolves the caller of one HTTP request.
type Authenticator interface {
	// Authenticate returns the caller identity, or an authorization
	// fault when the request carries no acceptable credential.
	Authenticate(r *http.Request) (Identity, error)

	// Mode names the configured mode for logs and the check command.
	Mode() string
}

// New builds the authenticator for the configured mode.
func New(cfg config.AuthConfig) (Authenticator, error) {
	switch cfg.Mode {
	case "", "none":
		return anonymousAuth{}, nil
	case "jwt":
		if cfg.JWTSecret == "" {
			return nil, fault.New(fault.CodeConfiguration, "auth.mode jwt requires a secret")
		}
		return &JWTAuthenticator{secret: []byte(cfg.JWTSecret)}, nil
	case "proxy":
		return &ProxyAuthenticator{
			userHeader:   cfg.ProxyUserHeader,
			groupsHeader: cfg.ProxyGroupsHeader,
		}, nil
	}
	return nil, fault.New(fault.CodeConfiguration, "unknown auth.mode %q", cfg.Mode)
}

type anonymousAuth struct{}

func (anonymousAuth) Authenticate(*http.Request) (Identity, error) { return Anonymous, nil }
func (anonymousAuth) Mode() string                                 { return "none" }

// bearerToken extracts the token from an Authorization: Bearer header.
func bearerToken(r *http.Request) string {
	value := r.Header.Get("Authorization")
	if value == "" {
		return ""
	}
	if !strings.HasPrefix(strings.ToLower(value), "bearer ") {
		return ""
	}
	return strings.TrimSpace(value[len("bearer "):])
}
