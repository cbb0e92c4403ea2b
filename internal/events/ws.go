package events

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/parleyhq/parley/internal/observability"
)

const (
	wsWriteWait      = 10 * time.Second
	wsPongWait       = 60 * time.Second
	wsMaxControlRead = 512
)

// WSMirror forwards a session's event stream over a WebSocket for
// clients that cannot hold an SSE connection open. Each frame carries
// the same kind and payload as the SSE channel, wrapped in one JSON
// envelope.
type WSMirror struct {
	upgrader websocket.Upgrader
	ping     time.Duration
	log      *observability.Logger
}

// NewWSMirror builds a mirror with the given keep-alive interval.
func NewWSMirror(ping time.Duration, log *observability.Logger) *WSMirror {
	if ping <= 0 {
		ping = DefaultPingInterval
	}
	return &WSMirror{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		ping: ping,
		log:  log,
	}
}

// Serve upgrades the request and pumps events until ctx ends, ch closes,
// the peer goes away, or a write fails. A nil return means the channel
// closed normally or the peer disconnected first.
func (m *WSMirror) Serve(ctx context.Context, w http.ResponseWriter, r *http.Request, ch <-chan Event) error {
	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	// The mirror never accepts client frames; the read loop only
	// services control frames and surfaces peer disconnects.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		conn.SetReadLimit(wsMaxControlRead)
		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(wsPongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(m.ping)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-gone:
			return nil
		case e, ok := <-ch:
			if !ok {
				return nil
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(e); err != nil {
				return err
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return err
			}
		}
	}
}
