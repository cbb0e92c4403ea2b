package auth

import (
	"net/http"
	"strings"

	"github.com/parleyhq/parley/internal/fault"
)

// ProxyAuthenticator trusts identity headers stamped by the reverse
// proxy in front of the gateway. It must only be enabled when that proxy
// strips the same headers from client traffic.
type ProxyAuthenticator struct {
	userHeader   string
	groupsHeader string
}

// NewProxy builds a proxy authenticator reading the given headers.
func NewProxy(userHeader, groupsHeader string) *ProxyAuthenticator {
	return &ProxyAuthenticator{userHeader: userHeader, groupsHeader: groupsHeader}
}

func (a *ProxyAuthenticator) Mode() string { return "proxy" }

// Authenticate reads the user and group headers. The groups header is a
// comma-separated list; empty entries are dropped.
func (a *ProxyAuthenticator) Authenticate(r *http.Request) (Identity, error) {
	subject := strings.TrimSpace(r.Header.Get(a.userHeader))
	if subject == "" {
		return Identity{}, fault.Authorization("missing %s header", a.userHeader)
	}

	var groups []string
	if raw := r.Header.Get(a.groupsHeader); raw != "" {
		for _, g := range strings.Split(raw, ",") {
			if g = strings.TrimSpace(g); g != "" {
				groups = append(groups, g)
			}
		}
	}

	return Identity{Subject: subject, Groups: groups}, nil
}
