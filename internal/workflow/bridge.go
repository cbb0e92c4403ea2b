package workflow

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/parleyhq/parley/internal/catalog"
	"github.com/parleyhq/parley/internal/events"
	"github.com/parleyhq/parley/internal/fault"
	"github.com/parleyhq/parley/internal/observability"
)

// errorBodyLimit caps how much of a failed engine response is kept for
// the fault message.
const errorBodyLimit = 8 << 10

// Bridge runs workflows over HTTP: one POST per turn, answered with an
// SSE stream of `type:`/`data:` frames that are forwarded verbatim.
type Bridge struct {
	client *http.Client
	log    *observability.Logger
}

// NewBridge builds the HTTP runner. The client must not carry a request
// timeout; workflow streams are long-lived and are bounded by the turn
// context instead.
func NewBridge(client *http.Client, log *observability.Logger) *Bridge {
	if client == nil {
		client = &http.Client{}
	}
	if log == nil {
		log = observability.NewLogger(observability.LogConfig{Level: "info"})
	}
	return &Bridge{client: client, log: log}
}

// Run posts the conversation to the workflow endpoint and relays its
// stream. It returns when the stream ends or the context is canceled.
func (b *Bridge) Run(ctx context.Context, t *events.Tracker, wf catalog.WorkflowSpec, req *Request) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fault.Internal(err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, wf.URL, bytes.NewReader(body))
	if err != nil {
		return fault.Internal(err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")

	start := time.Now()
	resp, err := b.client.Do(httpReq)
	if err != nil {
		return fault.Network("workflow", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodyLimit))
		return fault.Upstream("workflow", wf.Name, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	err = b.relay(ctx, t, resp.Body)
	b.log.Debug(ctx, "workflow stream ended",
		"workflow", wf.Name, "elapsed_ms", time.Since(start).Milliseconds())
	return err
}

// relay forwards the engine's frames. A frame is a `type:` line and a
// `data:` line closed by a blank line; comment lines are swallowed and
// frames missing either half are dropped.
func (b *Bridge) relay(ctx context.Context, t *events.Tracker, body io.Reader) error {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var kind, data string
	flush := func() {
		if kind != "" && data != "" {
			t.Emit(ctx, events.Event{Type: events.Kind(kind), Data: json.RawMessage(data)})
		} else if kind != "" || data != "" {
			b.log.Debug(ctx, "dropping incomplete workflow frame", "type", kind)
		}
		kind, data = "", ""
	}

	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		switch {
		case line == "":
			flush()
		case strings.HasPrefix(line, ":"):
			// keep-alive
		case strings.HasPrefix(line, "type:"):
			kind = strings.TrimSpace(strings.TrimPrefix(line, "type:"))
		case strings.HasPrefix(line, "data:"):
			data = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		}
	}
	flush()

	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fault.Streaming("workflow", "stream read failed: %v", err)
	}
	return nil
}
