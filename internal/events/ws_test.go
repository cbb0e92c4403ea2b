package events

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/parleyhq/parley/pkg/models"
)

func TestEventEnvelopeJSON(t *testing.T) {
	data, err := json.Marshal(Event{Type: KindDone, Data: DonePayload{FinishReason: models.FinishStop}})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	want := `{"type":"done","data":{"finishReason":"stop"}}`
	if string(data) != want {
		t.Errorf("envelope = %s, want %s", data, want)
	}
}

func TestWSMirrorForwardsEvents(t *testing.T) {
	ch := make(chan Event, 2)
	mirror := NewWSMirror(time.Minute, testLogger())

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = mirror.Serve(r.Context(), w, r, ch)
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	ch <- Event{Type: KindDelta, Data: DeltaPayload{Text: "hi"}}
	ch <- Event{Type: KindDone, Data: DonePayload{FinishReason: models.FinishStop}}
	close(ch)

	var first struct {
		Type string `json:"type"`
		Data struct {
			Text string `json:"text"`
		} `json:"data"`
	}
	if err := conn.ReadJSON(&first); err != nil {
		t.Fatalf("read first frame: %v", err)
	}
	if first.Type != "delta" || first.Data.Text != "hi" {
		t.Errorf("first frame = %+v", first)
	}

	var second struct {
		Type string `json:"type"`
		Data struct {
			FinishReason string `json:"finishReason"`
		} `json:"data"`
	}
	if err := conn.ReadJSON(&second); err != nil {
		t.Fatalf("read second frame: %v", err)
	}
	if second.Type != "done" || second.Data.FinishReason != "stop" {
		t.Errorf("second frame = %+v", second)
	}
}

func TestWSMirrorClosesWhenChannelCloses(t *testing.T) {
	ch := make(chan Event)
	mirror := NewWSMirror(time.Minute, testLogger())

	served := make(chan error, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		served <- mirror.Serve(r.Context(), w, r, ch)
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	close(ch)

	if err := <-served; err != nil {
		t.Errorf("Serve returned %v, want nil", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Error("expected the connection to be closed")
	}
}
