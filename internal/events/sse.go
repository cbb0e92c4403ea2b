package events

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/parleyhq/parley/internal/fault"
	"github.com/parleyhq/parley/internal/observability"
)

// DefaultPingInterval keeps intermediaries from timing out quiet streams.
const DefaultPingInterval = 15 * time.Second

// SSEWriter streams session events to one HTTP response using the
// framing the web client consumes: a type line, a data line, and a blank
// separator. Comment pings keep the connection warm between events.
type SSEWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
	ping    time.Duration
	log     *observability.Logger
}

// NewSSEWriter prepares the response for streaming. It fails when the
// ResponseWriter cannot flush.
func NewSSEWriter(w http.ResponseWriter, ping time.Duration, log *observability.Logger) (*SSEWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fault.New(fault.CodeInternal, "response writer does not support streaming")
	}
	if ping <= 0 {
		ping = DefaultPingInterval
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	return &SSEWriter{w: w, flusher: flusher, ping: ping, log: log}, nil
}

// Serve pumps events from ch to the client until ctx ends, ch closes, or
// a write fails. A nil return means the channel closed normally.
func (s *SSEWriter) Serve(ctx context.Context, ch <-chan Event) error {
	ticker := time.NewTicker(s.ping)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case e, ok := <-ch:
			if !ok {
				return nil
			}
			if err := s.Write(ctx, e); err != nil {
				return err
			}
		case <-ticker.C:
			if err := s.Ping(); err != nil {
				return err
			}
		}
	}
}

// Write sends one frame and flushes it. A payload that fails to marshal
// is logged and skipped rather than breaking the stream.
func (s *SSEWriter) Write(ctx context.Context, e Event) error {
	data, err := json.Marshal(e.Data)
	if err != nil {
		if s.log != nil {
			s.log.Error(ctx, "dropping unmarshalable event", "kind", string(e.Type), "error", err)
		}
		return nil
	}
	if _, err := fmt.Fprintf(s.w, "type: %s\ndata: %s\n\n", e.Type, data); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// Ping writes a comment frame clients ignore.
func (s *SSEWriter) Ping() error {
	if _, err := io.WriteString(s.w, ": ping\n\n"); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}
