package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/parleyhq/parley/internal/events"
	"github.com/parleyhq/parley/internal/provider"
	"github.com/parleyhq/parley/pkg/models"
)

func TestSubmitTurnCompletesWithoutSession(t *testing.T) {
	fx := newGateway(t)

	resp := fx.post("/api/apps/assistant/chat/chat-1", turnBody("hi"))
	wantStatus(t, resp, http.StatusOK)

	var out models.Response
	readJSON(t, resp, &out)
	if got := out.First(); got == nil || got.Message.Content != "canned reply" {
		t.Fatalf("unexpected response: %+v", out)
	}
	if out.Usage == nil || out.Usage.InputTokens != 3 {
		t.Fatalf("usage = %+v", out.Usage)
	}
}

func TestSubmitTurnRejectsUnknownFields(t *testing.T) {
	fx := newGateway(t)

	resp := fx.post("/api/apps/assistant/chat/chat-2",
		`{"messages": [{"role": "user", "content": "hi"}], "bogus": true}`)
	wantStatus(t, resp, http.StatusBadRequest)

	var body errorBody
	readJSON(t, resp, &body)
	if body.Code != "VALIDATION_ERROR" {
		t.Fatalf("code = %q", body.Code)
	}
	if body.Error != "The request is invalid." {
		t.Fatalf("message not localized: %q", body.Error)
	}
}

func TestSubmitTurnUnknownApp(t *testing.T) {
	fx := newGateway(t)

	resp := fx.post("/api/apps/nope/chat/chat-3", turnBody("hi"))
	wantStatus(t, resp, http.StatusNotFound)

	var body errorBody
	readJSON(t, resp, &body)
	if body.Code != "NOT_FOUND" || body.Error != "Resource not found." {
		t.Fatalf("body = %+v", body)
	}
}

func TestStreamLifecycle(t *testing.T) {
	fx := newGateway(t)

	stream := openStream(fx, "/api/apps/assistant/chat/chat-42")
	connected := stream.expect("connected")
	var hello events.ConnectedPayload
	if err := json.Unmarshal(connected.data, &hello); err != nil || hello.ChatID != "chat-42" {
		t.Fatalf("connected payload = %s (err %v)", connected.data, err)
	}

	resp := fx.post("/api/apps/assistant/chat/chat-42", turnBody("hi"))
	wantStatus(t, resp, http.StatusOK)
	var submitted streamingBody
	readJSON(t, resp, &submitted)
	if submitted.Status != "streaming" || submitted.ChatID != "chat-42" {
		t.Fatalf("submit body = %+v", submitted)
	}

	stream.expect("prepared")
	for _, want := range []string{"canned ", "reply"} {
		f := stream.expect("delta")
		var delta events.DeltaPayload
		if err := json.Unmarshal(f.data, &delta); err != nil {
			t.Fatalf("delta payload: %v", err)
		}
		if delta.Text != want {
			t.Fatalf("delta = %q, want %q", delta.Text, want)
		}
	}
	stream.expect("usage")
	done := stream.expect("done")
	var fin events.DonePayload
	if err := json.Unmarshal(done.data, &fin); err != nil || fin.FinishReason != models.FinishStop {
		t.Fatalf("done payload = %s (err %v)", done.data, err)
	}

	resp = fx.post("/api/apps/assistant/chat/chat-42/stop", "")
	wantStatus(t, resp, http.StatusOK)
	resp.Body.Close()

	parting := stream.expect("disconnected")
	var bye events.DisconnectedPayload
	if err := json.Unmarshal(parting.data, &bye); err != nil || bye.Reason != "closed" {
		t.Fatalf("disconnected payload = %s (err %v)", parting.data, err)
	}
	stream.expectEOF()

	if _, ok := fx.sessions.Get("chat-42"); ok {
		t.Fatal("session still open after stop")
	}
}

func TestStreamRejectsDuplicateChat(t *testing.T) {
	fx := newGateway(t)

	stream := openStream(fx, "/api/apps/assistant/chat/chat-dup")
	stream.expect("connected")

	resp := fx.get("/api/apps/assistant/chat/chat-dup")
	wantStatus(t, resp, http.StatusConflict)

	var body errorBody
	readJSON(t, resp, &body)
	if body.Code != "BUSY" {
		t.Fatalf("code = %q", body.Code)
	}
}

func TestStreamUnknownApp(t *testing.T) {
	fx := newGateway(t)

	resp := fx.get("/api/apps/nope/chat/chat-5")
	wantStatus(t, resp, http.StatusNotFound)
	resp.Body.Close()
}

func TestSubmitTurnBusySession(t *testing.T) {
	fx := newGateway(t)

	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	fx.provider.streamFn = func(ctx context.Context, _ *provider.ChatRequest) (<-chan *models.ResponseChunk, error) {
		entered <- struct{}{}
		select {
		case <-release:
		case <-ctx.Done():
		}
		ch := make(chan *models.ResponseChunk, 1)
		ch <- finishChunk(models.FinishStop, 1, 1)
		close(ch)
		return ch, nil
	}

	stream := openStream(fx, "/api/apps/assistant/chat/chat-busy")
	stream.expect("connected")

	resp := fx.post("/api/apps/assistant/chat/chat-busy", turnBody("first"))
	wantStatus(t, resp, http.StatusOK)
	resp.Body.Close()

	select {
	case <-entered:
	case <-time.After(5 * time.Second):
		t.Fatal("first turn never reached the provider")
	}

	resp = fx.post("/api/apps/assistant/chat/chat-busy", turnBody("second"))
	wantStatus(t, resp, http.StatusConflict)
	var body errorBody
	readJSON(t, resp, &body)
	if body.Code != "BUSY" {
		t.Fatalf("code = %q", body.Code)
	}

	close(release)
	stream.expect("prepared")
	stream.expect("usage")
	stream.expect("done")
}

func TestWorkflowRouting(t *testing.T) {
	fx := newGateway(t)
	fx.runner.frames = []events.Event{
		{Type: events.Kind("workflow.step"), Data: json.RawMessage(`{"step":"fetch"}`)},
		{Type: events.KindDone, Data: events.DonePayload{FinishReason: models.FinishStop}},
	}

	stream := openStream(fx, "/api/apps/assistant/chat/chat-wf")
	stream.expect("connected")

	resp := fx.post("/api/apps/assistant/chat/chat-wf", turnBody("@summarize the design doc"))
	wantStatus(t, resp, http.StatusOK)
	var submitted streamingBody
	readJSON(t, resp, &submitted)
	if submitted.Workflow != "summarize" {
		t.Fatalf("submit body = %+v", submitted)
	}

	step := stream.expect("workflow.step")
	if string(step.data) != `{"step":"fetch"}` {
		t.Fatalf("step payload = %s", step.data)
	}
	stream.expect("done")

	wreq := fx.runner.request(t, 0)
	if wreq.ChatID != "chat-wf" || wreq.AppID != "assistant" || wreq.Workflow != "summarize" {
		t.Fatalf("workflow request = %+v", wreq)
	}
	if wreq.User != "anonymous" || len(wreq.Messages) != 1 {
		t.Fatalf("workflow request = %+v", wreq)
	}
	if fx.provider.callCount() != 0 {
		t.Fatalf("provider called %d times for a workflow turn", fx.provider.callCount())
	}
}

func TestWorkflowRequiresOpenStream(t *testing.T) {
	fx := newGateway(t)

	resp := fx.post("/api/apps/assistant/chat/chat-6", turnBody("@summarize this"))
	wantStatus(t, resp, http.StatusBadRequest)

	var body errorBody
	readJSON(t, resp, &body)
	if body.Code != "VALIDATION_ERROR" {
		t.Fatalf("code = %q", body.Code)
	}
}

func TestStopWithoutSession(t *testing.T) {
	fx := newGateway(t)

	resp := fx.post("/api/apps/assistant/chat/chat-7/stop", "")
	wantStatus(t, resp, http.StatusNotFound)
	resp.Body.Close()
}

func TestStatusLifecycle(t *testing.T) {
	fx := newGateway(t)

	resp := fx.get("/api/apps/assistant/chat/chat-8/status")
	wantStatus(t, resp, http.StatusOK)
	var idle statusBody
	readJSON(t, resp, &idle)
	if idle.Active {
		t.Fatalf("status = %+v, want inactive", idle)
	}

	stream := openStream(fx, "/api/apps/assistant/chat/chat-8")
	stream.expect("connected")

	resp = fx.get("/api/apps/assistant/chat/chat-8/status")
	wantStatus(t, resp, http.StatusOK)
	var active statusBody
	readJSON(t, resp, &active)
	if !active.Active {
		t.Fatalf("status = %+v, want active", active)
	}
	if _, err := time.Parse(time.RFC3339, active.LastActivity); err != nil {
		t.Fatalf("lastActivity %q: %v", active.LastActivity, err)
	}
}

func TestFeedback(t *testing.T) {
	fx := newGateway(t)

	resp := fx.post("/api/apps/assistant/chat/chat-9/feedback", `{"rating": "sideways"}`)
	wantStatus(t, resp, http.StatusBadRequest)
	resp.Body.Close()

	resp = fx.post("/api/apps/assistant/chat/chat-9/feedback", `{"rating": "up", "comment": "nice"}`)
	wantStatus(t, resp, http.StatusOK)
	resp.Body.Close()

	records := fx.recorder.feedbackRecords()
	if len(records) != 1 {
		t.Fatalf("feedback records = %d, want 1", len(records))
	}
	rec := records[0]
	if rec.ChatID != "chat-9" || rec.AppID != "assistant" || rec.UserID != "anonymous" {
		t.Fatalf("feedback record = %+v", rec)
	}
	if rec.Rating != "up" || rec.Comment != "nice" {
		t.Fatalf("feedback record = %+v", rec)
	}
}

func TestTestModelEndpoint(t *testing.T) {
	fx := newGateway(t)
	raw := `{"upstream": "verbatim"}`
	fx.provider.chatFn = func(_ int, req *provider.ChatRequest) (*models.Response, error) {
		return &models.Response{
			Model:    req.Model.ID,
			Provider: "fake",
			Choices: []models.ResponseChoice{{
				Message:      models.NewAssistantMessage("Hello!"),
				FinishReason: models.FinishStop,
			}},
			Raw: json.RawMessage(raw),
		}, nil
	}

	resp := fx.get("/api/models/chat-model/chat/test")
	wantStatus(t, resp, http.StatusOK)
	if got := readBody(t, resp); got != raw {
		t.Fatalf("body = %q, want upstream passthrough", got)
	}

	resp = fx.get("/api/models/nope/chat/test")
	wantStatus(t, resp, http.StatusNotFound)
	resp.Body.Close()
}
