package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/parleyhq/parley/internal/fault"
	"github.com/parleyhq/parley/internal/locale"
)

// errorBody is the JSON error envelope every non-2xx response carries.
type errorBody struct {
	Error      string `json:"error"`
	Code       string `json:"code"`
	RetryAfter int64  `json:"retryAfter,omitempty"`
}

func (s *Server) writeJSON(ctx context.Context, w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Warn(ctx, "response write failed", "error", err)
	}
}

// writeError maps a fault to its HTTP status and localizes the message
// with the request's Accept-Language, falling back to the platform
// default.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	fe, ok := fault.As(err)
	if !ok {
		fe = fault.Internal(err)
	}

	snap := s.catalog.Snapshot()
	bundle := locale.NewBundle(snap.Locales, snap.Platform.DefaultLanguage)
	body := errorBody{
		Error: bundle.Message(r.Header.Get("Accept-Language"), fe.Code),
		Code:  string(fe.Code),
	}
	if fe.RetryAfter > 0 {
		body.RetryAfter = int64(fe.RetryAfter.Seconds())
		w.Header().Set("Retry-After", strconv.FormatInt(body.RetryAfter, 10))
	}

	status := fe.HTTPStatus()
	if status >= http.StatusInternalServerError {
		if s.metrics != nil {
			s.metrics.RecordError("gateway", string(fe.Code))
		}
		s.log.Error(r.Context(), "request failed", "code", fe.Code, "error", err)
	} else {
		s.log.Debug(r.Context(), "request rejected", "code", fe.Code, "error", err)
	}
	s.writeJSON(r.Context(), w, status, body)
}

// decodeStrict parses a JSON request body, rejecting unknown fields and
// trailing data.
func decodeStrict(w http.ResponseWriter, r *http.Request, maxBytes int64, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fault.Validation("malformed request body: %v", err)
	}
	if dec.More() {
		return fault.Validation("malformed request body: trailing data")
	}
	return nil
}
