package auth

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/parleyhq/parley/internal/observability"
)

func TestMiddlewareStoresIdentity(t *testing.T) {
	a := NewJWT("s3cret")
	token, err := a.Sign(Identity{Subject: "u1", Groups: []string{"eng"}})
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	var seen Identity
	handler := Middleware(a, testLogger())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = IdentityFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	r := httptest.NewRequest("GET", "/api/models", nil)
	r.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, r)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if seen.Subject != "u1" {
		t.Errorf("handler saw identity %+v", seen)
	}
}

func TestMiddlewareRejectsBadCredentials(t *testing.T) {
	handler := Middleware(NewJWT("s3cret"), testLogger())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Error("handler ran despite failed authentication")
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest("GET", "/api/models", nil))

	if w.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("content type = %q", ct)
	}
}

func testLogger() *observability.Logger {
	return observability.NewLogger(observability.LogConfig{Level: "error", Output: io.Discard})
}
