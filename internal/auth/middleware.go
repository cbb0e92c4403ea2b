package auth

import (
	"encoding/json"
	"net/http"

	"github.com/parleyhq/parley/internal/fault"
	"github.com/parleyhq/parley/internal/observability"
)

// Middleware authenticates every request and stores the identity in the
// request context. Failures answer with the fault's HTTP status and a
// JSON error body; handlers behind the middleware can rely on an
// identity always being present.
func Middleware(a Authenticator, log *observability.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity, err := a.Authenticate(r)
			if err != nil {
				if log != nil {
					log.Warn(r.Context(), "authentication failed", "mode", a.Mode(), "error", err)
				}
				status := http.StatusForbidden
				code := fault.CodeAuthorization
				if fe, ok := fault.As(err); ok {
					status = fe.HTTPStatus()
					code = fe.Code
				}
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(status)
				_ = json.NewEncoder(w).Encode(map[string]string{
					"error": "authentication failed",
					"code":  string(code),
				})
				return
			}

			ctx := WithIdentity(r.Context(), identity)
			ctx = observability.WithUserID(ctx, identity.Subject)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
