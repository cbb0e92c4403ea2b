package gateway

import (
	"context"
	"net/http"
	"time"

	"github.com/parleyhq/parley/internal/auth"
	"github.com/parleyhq/parley/internal/catalog"
	"github.com/parleyhq/parley/internal/chat"
	"github.com/parleyhq/parley/internal/events"
	"github.com/parleyhq/parley/internal/fault"
	"github.com/parleyhq/parley/internal/locale"
	"github.com/parleyhq/parley/internal/observability"
	"github.com/parleyhq/parley/internal/record"
	"github.com/parleyhq/parley/internal/session"
	"github.com/parleyhq/parley/internal/workflow"
)

const (
	// eventBuffer sizes the per-chat event channel. Deltas beyond it
	// drop; terminal frames wait for room.
	eventBuffer = 64

	// maxTurnBody bounds a turn POST. Image parts ride base64 in
	// messages, so the cap is generous.
	maxTurnBody = 16 << 20

	maxFeedbackBody = 64 << 10
)

// modelSummary is the public view of a model. Upstream URLs and
// credentials never leave the server.
type modelSummary struct {
	ID                string           `json:"id"`
	Provider          string           `json:"provider"`
	MaxTokens         int              `json:"maxTokens,omitempty"`
	ContextLength     int              `json:"contextLength"`
	SupportsTools     bool             `json:"supportsTools"`
	SupportsStreaming bool             `json:"supportsStreaming"`
	Pricing           *catalog.Pricing `json:"pricing,omitempty"`
}

type streamingBody struct {
	Status   string `json:"status"`
	ChatID   string `json:"chatId"`
	Workflow string `json:"workflow,omitempty"`
}

type statusBody struct {
	Active       bool   `json:"active"`
	LastActivity string `json:"lastActivity,omitempty"`
	Processing   bool   `json:"processing,omitempty"`
}

func (s *Server) handleListModels(w http.ResponseWriter, r *http.Request) {
	snap := s.catalog.Snapshot()
	list := snap.ModelList()
	out := make([]modelSummary, 0, len(list))
	for _, m := range list {
		out = append(out, modelSummary{
			ID:                m.ID,
			Provider:          m.Provider,
			MaxTokens:         m.MaxTokens,
			ContextLength:     m.ContextLength,
			SupportsTools:     m.ToolsSupported(),
			SupportsStreaming: m.StreamingSupported(),
			Pricing:           m.Pricing,
		})
	}
	s.writeJSON(r.Context(), w, http.StatusOK, map[string]any{"models": out})
}

// handleTestModel sends the fixed probe prompt to one model. When the
// adapter kept the upstream's raw body it is returned verbatim so
// operators see exactly what the provider said.
func (s *Server) handleTestModel(w http.ResponseWriter, r *http.Request) {
	resp, err := s.orch.TestModel(r.Context(), r.PathValue("modelId"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if len(resp.Raw) > 0 {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(resp.Raw)
		return
	}
	s.writeJSON(r.Context(), w, http.StatusOK, resp)
}

// handleOpenStream opens the chat's SSE stream. The session stays open
// until the client disconnects, /stop is called, or the idle sweeper
// reaps it.
func (s *Server) handleOpenStream(w http.ResponseWriter, r *http.Request) {
	appID := r.PathValue("appId")
	chatID := r.PathValue("chatId")

	snap := s.catalog.Snapshot()
	if _, ok := snap.App(appID); !ok {
		s.writeError(w, r, fault.NotFound("app", appID))
		return
	}

	ch := make(chan events.Event, eventBuffer)
	sess, err := s.sessions.Open(chatID, appID, ch)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	sse, err := events.NewSSEWriter(w, s.cfg.Chat.PingInterval, s.log)
	if err != nil {
		s.sessions.Close(chatID)
		s.writeError(w, r, err)
		return
	}

	ctx := observability.WithChatID(r.Context(), chatID)
	s.log.Info(ctx, "chat stream opened", "app", appID, "transport", "sse")

	sess.Tracker().Connected(ctx, time.Now())

	// End the pump when either side goes away: the HTTP client or the
	// session itself (stop, idle sweep, shutdown).
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stopWatch := context.AfterFunc(sess.Context(), cancel)
	defer stopWatch()

	serveErr := sse.Serve(ctx, ch)

	// Terminal frames queued during teardown still belong to the client.
	drainRemaining(r.Context(), sse, ch)

	if sess.Context().Err() == nil {
		// Transport ended first; tear the session down.
		s.sessions.Abort(chatID, "disconnected")
		s.sessions.Close(chatID)
	}
	if serveErr != nil && r.Context().Err() == nil && sess.Context().Err() == nil {
		s.log.Warn(ctx, "chat stream write failed", "error", serveErr)
	}
	s.log.Info(ctx, "chat stream closed", "app", appID)
}

// handleOpenWS mirrors the event stream over a WebSocket for clients
// that cannot hold an SSE response open. Frames are identical.
func (s *Server) handleOpenWS(w http.ResponseWriter, r *http.Request) {
	appID := r.PathValue("appId")
	chatID := r.PathValue("chatId")

	snap := s.catalog.Snapshot()
	if _, ok := snap.App(appID); !ok {
		s.writeError(w, r, fault.NotFound("app", appID))
		return
	}

	ch := make(chan events.Event, eventBuffer)
	sess, err := s.sessions.Open(chatID, appID, ch)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	ctx := observability.WithChatID(r.Context(), chatID)
	s.log.Info(ctx, "chat stream opened", "app", appID, "transport", "ws")

	sess.Tracker().Connected(ctx, time.Now())

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stopWatch := context.AfterFunc(sess.Context(), cancel)
	defer stopWatch()

	serveErr := s.mirror.Serve(ctx, w, r, ch)

	if sess.Context().Err() == nil {
		s.sessions.Abort(chatID, "disconnected")
		s.sessions.Close(chatID)
	}
	if serveErr != nil && ctx.Err() == nil {
		s.log.Warn(ctx, "websocket stream failed", "error", serveErr)
	}
	s.log.Info(ctx, "chat stream closed", "app", appID)
}

// handleSubmitTurn accepts one turn. With an open session the turn runs
// on the session worker and answers over the event stream; without one
// it completes synchronously. A leading @workflow token in the last user
// message routes the turn to the bound workflow engine instead.
func (s *Server) handleSubmitTurn(w http.ResponseWriter, r *http.Request) {
	appID := r.PathValue("appId")
	chatID := r.PathValue("chatId")

	var req chat.TurnRequest
	if err := decodeStrict(w, r, maxTurnBody, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	snap := s.catalog.Snapshot()
	app, ok := snap.App(appID)
	if !ok {
		s.writeError(w, r, fault.NotFound("app", appID))
		return
	}

	ctx := observability.WithChatID(r.Context(), chatID)
	r = r.WithContext(ctx)
	identity := auth.IdentityFromContext(ctx)

	if wf, ok := workflow.Detect(req.LastUserText(), app, snap.Platform); ok {
		s.submitWorkflow(w, r, sessionTurn{
			appID:    appID,
			chatID:   chatID,
			identity: identity,
			req:      &req,
		}, wf)
		return
	}

	turn := &chat.Turn{AppID: appID, ChatID: chatID, Identity: identity, Request: &req}

	if sess, ok := s.sessions.Get(chatID); ok {
		err := sess.Submit(ctx, func(runCtx context.Context) {
			s.orch.StreamTurn(runCtx, sess, turn)
		})
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		s.writeJSON(ctx, w, http.StatusOK, streamingBody{Status: "streaming", ChatID: chatID})
		return
	}

	resp, err := s.orch.Complete(ctx, turn)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(ctx, w, http.StatusOK, resp)
}

// sessionTurn carries a decoded turn through the workflow path.
type sessionTurn struct {
	appID    string
	chatID   string
	identity auth.Identity
	req      *chat.TurnRequest
}

// submitWorkflow queues a workflow run on the session worker. Workflows
// stream their progress, so they require an open event stream.
func (s *Server) submitWorkflow(w http.ResponseWriter, r *http.Request, t sessionTurn, wf catalog.WorkflowSpec) {
	sess, ok := s.sessions.Get(t.chatID)
	if !ok {
		s.writeError(w, r, fault.Validation("workflow %s requires an open event stream", wf.Name))
		return
	}

	wreq := &workflow.Request{
		ChatID:   t.chatID,
		AppID:    t.appID,
		Workflow: wf.Name,
		User:     t.identity.Subject,
		Messages: t.req.Messages,
	}
	lang := t.req.Language
	err := sess.Submit(r.Context(), func(runCtx context.Context) {
		s.runWorkflow(runCtx, sess, wf, wreq, lang)
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(r.Context(), w, http.StatusOK, streamingBody{
		Status:   "streaming",
		ChatID:   t.chatID,
		Workflow: wf.Name,
	})
}

// runWorkflow executes one workflow round on the session worker and
// translates failures into stream events.
func (s *Server) runWorkflow(ctx context.Context, sess *session.Session, wf catalog.WorkflowSpec, wreq *workflow.Request, lang string) {
	err := s.workflows.Run(ctx, sess.Tracker(), wf, wreq)
	if err == nil {
		return
	}
	if ctx.Err() != nil || fault.IsCanceled(err) {
		reason := sess.AbortReason()
		if reason == "" {
			reason = "canceled"
		}
		sess.Tracker().Disconnected(ctx, reason)
		return
	}
	code := fault.CodeOf(err)
	snap := s.catalog.Snapshot()
	msg := locale.NewBundle(snap.Locales, snap.Platform.DefaultLanguage).Message(lang, code)
	sess.Tracker().Error(ctx, string(code), msg, "")
	if s.metrics != nil {
		s.metrics.RecordError("workflow", string(code))
	}
	s.log.Error(ctx, "workflow run failed", "workflow", wf.Name, "error", err)
}

// handleStop aborts the running turn, if any, and closes the session.
// The abort lands first so the turn sees its reason before the session
// context ends.
func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	chatID := r.PathValue("chatId")

	aborted := s.sessions.Abort(chatID, "stop")
	closed := s.sessions.Close(chatID)
	if !aborted && !closed {
		s.writeError(w, r, fault.NotFound("chat", chatID))
		return
	}

	ctx := observability.WithChatID(r.Context(), chatID)
	s.log.Info(ctx, "chat stopped", "aborted", aborted)
	s.writeJSON(ctx, w, http.StatusOK, map[string]string{"status": "stopped", "chatId": chatID})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	chatID := r.PathValue("chatId")

	sess, ok := s.sessions.Get(chatID)
	if !ok {
		s.writeJSON(r.Context(), w, http.StatusOK, statusBody{Active: false})
		return
	}
	lastActivity, processing := sess.Status()
	s.writeJSON(r.Context(), w, http.StatusOK, statusBody{
		Active:       true,
		LastActivity: lastActivity.UTC().Format(time.RFC3339),
		Processing:   processing,
	})
}

type feedbackRequest struct {
	Rating  string `json:"rating"`
	Comment string `json:"comment,omitempty"`
}

func (s *Server) handleFeedback(w http.ResponseWriter, r *http.Request) {
	appID := r.PathValue("appId")
	chatID := r.PathValue("chatId")

	var req feedbackRequest
	if err := decodeStrict(w, r, maxFeedbackBody, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.Rating != "up" && req.Rating != "down" {
		s.writeError(w, r, fault.Validation("rating must be \"up\" or \"down\""))
		return
	}

	identity := auth.IdentityFromContext(r.Context())
	if s.recorder != nil {
		s.recorder.RecordFeedback(record.FeedbackRecord{
			ChatID:  chatID,
			AppID:   appID,
			UserID:  identity.Subject,
			Rating:  req.Rating,
			Comment: req.Comment,
		})
	}
	s.writeJSON(r.Context(), w, http.StatusOK, map[string]string{"status": "recorded"})
}

// drainRemaining forwards frames that were queued before teardown, best
// effort without blocking.
func drainRemaining(ctx context.Context, sse *events.SSEWriter, ch <-chan events.Event) {
	for {
		select {
		case e := <-ch:
			if sse.Write(ctx, e) != nil {
				return
			}
		default:
			return
		}
	}
}
