// Package chat drives turns: it resolves the app and model, assembles
// the system prompt, dispatches rounds to the provider adapter, runs the
// tool loop, and emits the event stream the client consumes. One turn is
// a sequence of rounds; a round is one upstream call plus the tool
// executions it triggers. The loop ends when a round finishes without
// tool calls or the round bound is hit.
package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/parleyhq/parley/internal/catalog"
	"github.com/parleyhq/parley/internal/config"
	"github.com/parleyhq/parley/internal/events"
	"github.com/parleyhq/parley/internal/fault"
	"github.com/parleyhq/parley/internal/locale"
	"github.com/parleyhq/parley/internal/observability"
	"github.com/parleyhq/parley/internal/prompt"
	"github.com/parleyhq/parley/internal/provider"
	"github.com/parleyhq/parley/internal/record"
	"github.com/parleyhq/parley/internal/session"
	"github.com/parleyhq/parley/internal/skill"
	"github.com/parleyhq/parley/internal/tool"
	"github.com/parleyhq/parley/pkg/models"
)

// testPrompt is what the model test endpoint sends.
const testPrompt = "Say hello!"

// Options wires the orchestrator's collaborators.
type Options struct {
	Config    config.ChatConfig
	Catalog   *catalog.Catalog
	Providers *provider.Registry
	Tools     *tool.Registry
	Runner    *tool.Runner
	Recorder  record.Recorder
	Logger    *observability.Logger
	Metrics   *observability.Metrics
	Tracer    *observability.Tracer
}

// Orchestrator runs turns against provider adapters. It is stateless
// across turns; per-chat state lives in the session.
type Orchestrator struct {
	cfg       config.ChatConfig
	catalog   *catalog.Catalog
	providers *provider.Registry
	tools     *tool.Registry
	runner    *tool.Runner
	recorder  record.Recorder
	prompts   *prompt.Builder
	log       *observability.Logger
	metrics   *observability.Metrics
	tracer    *observability.Tracer
}

// New builds an orchestrator. Recorder and Metrics may be nil; an absent
// Tracer falls back to the global no-op provider.
func New(opts Options) *Orchestrator {
	log := opts.Logger
	if log == nil {
		log = observability.NewLogger(observability.LogConfig{Level: "info"})
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer, _, _ = observability.NewTracer(observability.TraceConfig{})
	}
	return &Orchestrator{
		cfg:       opts.Config,
		catalog:   opts.Catalog,
		providers: opts.Providers,
		tools:     opts.Tools,
		runner:    opts.Runner,
		recorder:  opts.Recorder,
		prompts:   prompt.NewBuilder(),
		log:       log,
		metrics:   opts.Metrics,
		tracer:    tracer,
	}
}

// prepared is the resolved state of one turn after PREP.
type prepared struct {
	app       catalog.AppSpec
	model     catalog.ModelSpec
	adapter   provider.Provider
	system    string
	tools     []models.ToolDefinition
	toolNames []string
	skill     *catalog.SkillDescriptor
	lang      string
	req       *TurnRequest
	messages  []models.Message
}

// request builds the canonical adapter request over the given
// conversation state.
func (p *prepared) request(conv []models.Message) *provider.ChatRequest {
	req := &provider.ChatRequest{
		Model:           p.model,
		System:          p.system,
		Messages:        conv,
		Tools:           p.tools,
		Temperature:     p.req.Temperature,
		ResponseFormat:  p.req.ResponseFormat,
		ThinkingEnabled: p.req.ThinkingEnabled,
		ThinkingBudget:  p.req.ThinkingBudget,
	}
	if p.req.UseMaxTokens {
		req.MaxTokens = p.model.MaxTokens
	}
	return req
}

// prepare resolves the app, model, skill, prompt, and tool set for one
// turn and validates the first request against the adapter.
func (o *Orchestrator) prepare(turn *Turn) (*prepared, error) {
	req := turn.Request
	if req == nil {
		return nil, fault.Validation("request body is required")
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}

	snap := o.catalog.Snapshot()
	app, ok := snap.App(turn.AppID)
	if !ok {
		return nil, fault.NotFound("app", turn.AppID)
	}
	if len(app.AllowedGroups) > 0 && !turn.Identity.MemberOfAny(app.AllowedGroups) {
		return nil, fault.Authorization("user %s may not use app %s", turn.Identity.Subject, app.ID)
	}

	modelID := req.ModelID
	if modelID == "" {
		modelID = app.DefaultModel
	}
	if modelID == "" {
		return nil, fault.Validation("no model requested and app %s has no default model", app.ID)
	}
	model, ok := snap.Model(modelID)
	if !ok {
		return nil, fault.NotFound("model", modelID)
	}
	if !app.AllowsModel(modelID) {
		return nil, fault.Authorization("app %s does not allow model %s", app.ID, modelID)
	}

	adapter, err := o.providers.Get(model.Provider)
	if err != nil {
		return nil, err
	}

	resolvedSkill, err := skill.Resolve(app, snap.Platform, req.RequestedSkill)
	if err != nil {
		return nil, err
	}

	lang := req.Language
	if lang == "" {
		lang = snap.Platform.DefaultLanguage
	}

	system, err := o.prompts.System(prompt.Inputs{
		App:             app,
		Platform:        snap.Platform,
		Language:        lang,
		Style:           req.Style,
		OutputFormat:    req.OutputFormat,
		Skill:           resolvedSkill,
		BypassAppPrompt: req.BypassAppPrompts,
	})
	if err != nil {
		return nil, fault.New(fault.CodeConfiguration, "app %s prompt assembly failed: %v", app.ID, err)
	}

	p := &prepared{
		app:      app,
		model:    model,
		adapter:  adapter,
		system:   system,
		skill:    resolvedSkill,
		lang:     lang,
		req:      req,
		messages: req.Messages,
	}

	if model.ToolsSupported() && !snap.Platform.Admin.DisableTools {
		names := app.Tools
		if req.EnabledTools != nil {
			names = intersect(app.Tools, req.EnabledTools)
		}
		p.tools = o.tools.Definitions(names)
		p.toolNames = make([]string, 0, len(p.tools))
		for _, def := range p.tools {
			p.toolNames = append(p.toolNames, def.Name)
		}
	}

	if err := adapter.ValidateRequest(p.request(p.messages)); err != nil {
		return nil, err
	}
	return p, nil
}

// StreamTurn runs one turn inside a session worker, emitting progress
// through the session's tracker. It never returns an error: every
// outcome, including failure, is reported as a terminal event.
func (o *Orchestrator) StreamTurn(ctx context.Context, sess *session.Session, turn *Turn) {
	t := sess.Tracker()

	p, err := o.prepare(turn)
	if err != nil {
		o.emitFault(ctx, t, turn.Language(), err)
		return
	}

	if p.skill != nil {
		t.SkillActivation(ctx, skill.DisplayName(*p.skill), p.skill.Description)
	}
	t.Prepared(ctx, p.model.ID, p.toolNames)

	conv := append([]models.Message(nil), p.messages...)
	var total models.Usage
	finish := models.FinishStop
	rounds := 0

	for round := 0; ; round++ {
		if round >= o.cfg.MaxToolRounds {
			t.ToolLimitExceeded(ctx, o.cfg.MaxToolRounds)
			finish = models.FinishStop
			break
		}

		out, err := o.streamRound(ctx, sess, t, p, conv)
		rounds++
		if out.usage != nil {
			total.Add(out.usage)
		}
		o.recordRoundMetrics(p, out, err)
		if err != nil {
			outcome := o.finishInterrupted(ctx, sess, t, p, out, err)
			o.recordTurn(turn, p, total, rounds, outcome)
			return
		}

		if len(out.calls) == 0 {
			finish = out.finish
			if finish == models.FinishNone {
				finish = models.FinishStop
			}
			break
		}

		conv = append(conv, models.NewAssistantMessage(out.text, out.calls...))
		for _, exec := range o.runTools(ctx, t, out.calls) {
			conv = append(conv, models.NewToolMessage(exec.Result))
		}

		if ctx.Err() != nil {
			o.disconnect(ctx, sess, t)
			o.recordTurn(turn, p, total, rounds, "canceled")
			return
		}
	}

	t.Usage(ctx, total)
	t.Done(ctx, finish)
	o.recordTurn(turn, p, total, rounds, string(finish))
	o.log.Debug(ctx, "turn complete",
		"model", p.model.ID,
		"rounds", rounds,
		"finish_reason", string(finish),
		"input_tokens", total.InputTokens,
		"output_tokens", total.OutputTokens,
	)
}

// roundOutcome collects what one upstream round produced.
type roundOutcome struct {
	text    string
	calls   []models.ToolCall
	usage   *models.Usage
	finish  models.FinishReason
	elapsed time.Duration
}

// streamRound runs one upstream round under the round deadline, forwards
// text deltas, and buffers tool calls until the stream ends. The round's
// cancel function doubles as the session abort handle while the round is
// in flight.
func (o *Orchestrator) streamRound(ctx context.Context, sess *session.Session, t *events.Tracker, p *prepared, conv []models.Message) (roundOutcome, error) {
	roundCtx, cancel := context.WithTimeout(ctx, o.cfg.RoundTimeout)
	defer cancel()
	sess.AttachAbort(cancel)
	defer sess.ClearAbort()

	roundCtx, span := o.tracer.Start(roundCtx, "chat.round",
		attribute.String("llm.provider", p.model.Provider),
		attribute.String("llm.model", p.model.ID))
	defer span.End()

	out, err := o.runRound(roundCtx, t, p, conv)
	o.tracer.RecordError(span, err)
	return out, err
}

// runRound performs the upstream call and forwards stream deltas.
func (o *Orchestrator) runRound(ctx context.Context, t *events.Tracker, p *prepared, conv []models.Message) (roundOutcome, error) {
	start := time.Now()
	out := roundOutcome{}
	req := p.request(conv)

	if !p.model.StreamingSupported() {
		resp, err := p.adapter.Chat(ctx, req)
		out.elapsed = time.Since(start)
		if err != nil {
			return out, err
		}
		out.usage = resp.Usage
		if choice := resp.First(); choice != nil {
			out.text = choice.Message.Text()
			out.calls = choice.Message.ToolCalls
			out.finish = choice.FinishReason
			if out.text != "" {
				t.TextDelta(ctx, out.text)
			}
		}
		return out, nil
	}

	ch, err := p.adapter.Stream(ctx, req)
	if err != nil {
		out.elapsed = time.Since(start)
		return out, err
	}

	var text strings.Builder
	for chunk := range ch {
		if chunk.Err != nil {
			out.text = text.String()
			out.elapsed = time.Since(start)
			return out, chunk.Err
		}
		if s := chunk.Text(); s != "" {
			text.WriteString(s)
			t.TextDelta(ctx, s)
		}
		if calls := chunk.ToolCallDeltas(); len(calls) > 0 {
			out.calls = append(out.calls, calls...)
		}
		if chunk.Usage != nil {
			if out.usage == nil {
				out.usage = &models.Usage{}
			}
			out.usage.Add(chunk.Usage)
		}
		if f := chunk.Finish(); f != models.FinishNone {
			out.finish = f
		}
	}
	out.text = text.String()
	out.elapsed = time.Since(start)
	return out, nil
}

// runTools executes one round's calls and reports each invocation and
// outcome on the stream. Failed results are returned like successful
// ones; the model sees the error text on the next round.
func (o *Orchestrator) runTools(ctx context.Context, t *events.Tracker, calls []models.ToolCall) []tool.Execution {
	ctx, span := o.tracer.Start(ctx, "chat.tools", attribute.Int("tool.calls", len(calls)))
	defer span.End()

	for _, call := range calls {
		t.ToolInvoked(ctx, call)
	}
	execs := o.runner.RunAll(ctx, calls)
	for _, exec := range execs {
		kind := ""
		if exec.Result.Error != nil {
			kind = string(exec.Result.Error.Kind)
		}
		t.ToolResult(ctx, exec.Result.ToolCallID, exec.Result.OK, exec.Duration, kind)
	}
	return execs
}

// finishInterrupted closes a turn whose round failed, distinguishing an
// external abort (disconnected) from an expired round (timeout) from an
// upstream failure (error). Returns the outcome label for the usage
// record.
func (o *Orchestrator) finishInterrupted(ctx context.Context, sess *session.Session, t *events.Tracker, p *prepared, out roundOutcome, err error) string {
	reason := sess.AbortReason()
	switch {
	case reason != "" || ctx.Err() != nil || fault.IsCanceled(err):
		if reason == "" {
			reason = "canceled"
		}
		t.Disconnected(ctx, reason)
		o.log.Info(ctx, "turn aborted", "reason", reason)
		return "canceled"
	case isDeadline(err):
		t.Timeout(ctx, out.elapsed)
		o.log.Warn(ctx, "round timed out", "model", p.model.ID, "elapsed_ms", out.elapsed.Milliseconds())
		return "timeout"
	default:
		o.emitFault(ctx, t, p.lang, err)
		return "error"
	}
}

// disconnect reports an abort that landed between rounds.
func (o *Orchestrator) disconnect(ctx context.Context, sess *session.Session, t *events.Tracker) {
	reason := sess.AbortReason()
	if reason == "" {
		reason = "canceled"
	}
	t.Disconnected(ctx, reason)
}

// emitFault reports a terminal failure with a message localized for the
// requested language.
func (o *Orchestrator) emitFault(ctx context.Context, t *events.Tracker, lang string, err error) {
	code := fault.CodeOf(err)
	snap := o.catalog.Snapshot()
	message := locale.NewBundle(snap.Locales, snap.Platform.DefaultLanguage).Message(lang, code)

	recommendation := ""
	if fe, ok := fault.As(err); ok && fe.RetryAfter > 0 {
		recommendation = fmt.Sprintf("retry after %s", fe.RetryAfter)
	}

	t.Error(ctx, string(code), message, recommendation)
	if o.metrics != nil {
		o.metrics.RecordError("chat", string(code))
	}
	o.log.Error(ctx, "turn failed", "code", string(code), "error", err)
}

// Complete runs one turn synchronously for callers without an open
// stream. Tool rounds still run; the returned response is the final
// round's, carrying the summed usage.
func (o *Orchestrator) Complete(ctx context.Context, turn *Turn) (*models.Response, error) {
	p, err := o.prepare(turn)
	if err != nil {
		return nil, err
	}

	conv := append([]models.Message(nil), p.messages...)
	var total models.Usage
	var last *models.Response
	rounds := 0

	for round := 0; ; round++ {
		if round >= o.cfg.MaxToolRounds {
			// Same bound as the streaming loop: return what the model
			// said so far, closed out as a stop.
			if choice := last.First(); choice != nil {
				choice.FinishReason = models.FinishStop
			}
			usage := total
			last.Usage = &usage
			o.recordTurn(turn, p, total, rounds, "tool_limit_exceeded")
			return last, nil
		}

		roundCtx, cancel := context.WithTimeout(ctx, o.cfg.RoundTimeout)
		roundCtx, span := o.tracer.Start(roundCtx, "chat.round",
			attribute.String("llm.provider", p.model.Provider),
			attribute.String("llm.model", p.model.ID))
		start := time.Now()
		resp, err := p.adapter.Chat(roundCtx, p.request(conv))
		o.tracer.RecordError(span, err)
		span.End()
		cancel()
		rounds++
		if err != nil {
			if o.metrics != nil {
				o.metrics.RecordLLMRequest(p.model.Provider, p.model.ID, "error", time.Since(start).Seconds(), 0, 0)
			}
			o.recordTurn(turn, p, total, rounds, "error")
			return nil, o.asFault(p, err)
		}
		total.Add(resp.Usage)
		if o.metrics != nil {
			var in, outTok int64
			if resp.Usage != nil {
				in, outTok = resp.Usage.InputTokens, resp.Usage.OutputTokens
			}
			o.metrics.RecordLLMRequest(p.model.Provider, p.model.ID, "ok", time.Since(start).Seconds(), in, outTok)
		}
		last = resp

		choice := resp.First()
		if choice == nil {
			return nil, fault.Provider(p.model.Provider, p.model.ID, errors.New("response has no choices"))
		}
		if len(choice.Message.ToolCalls) == 0 {
			usage := total
			resp.Usage = &usage
			o.recordTurn(turn, p, total, rounds, string(choice.FinishReason))
			return resp, nil
		}

		conv = append(conv, choice.Message)
		for _, exec := range o.runner.RunAll(ctx, choice.Message.ToolCalls) {
			conv = append(conv, models.NewToolMessage(exec.Result))
		}
	}
}

// TestModel sends the fixed test prompt to one model and returns the
// adapter's response, including the verbatim upstream body.
func (o *Orchestrator) TestModel(ctx context.Context, modelID string) (*models.Response, error) {
	snap := o.catalog.Snapshot()
	model, ok := snap.Model(modelID)
	if !ok {
		return nil, fault.NotFound("model", modelID)
	}
	adapter, err := o.providers.Get(model.Provider)
	if err != nil {
		return nil, err
	}

	callCtx, cancel := context.WithTimeout(ctx, o.cfg.RoundTimeout)
	defer cancel()
	callCtx, span := o.tracer.Start(callCtx, "chat.test",
		attribute.String("llm.provider", model.Provider),
		attribute.String("llm.model", model.ID))
	defer span.End()

	start := time.Now()
	resp, err := adapter.Chat(callCtx, &provider.ChatRequest{
		Model:    model,
		Messages: []models.Message{models.NewUserMessage(testPrompt)},
	})
	o.tracer.RecordError(span, err)
	if err != nil {
		if o.metrics != nil {
			o.metrics.RecordLLMRequest(model.Provider, model.ID, "error", time.Since(start).Seconds(), 0, 0)
		}
		return nil, o.asFaultFor(model, err)
	}
	if o.metrics != nil {
		var in, outTok int64
		if resp.Usage != nil {
			in, outTok = resp.Usage.InputTokens, resp.Usage.OutputTokens
		}
		o.metrics.RecordLLMRequest(model.Provider, model.ID, "ok", time.Since(start).Seconds(), in, outTok)
	}
	return resp, nil
}

// recordRoundMetrics reports one round's latency and tokens.
func (o *Orchestrator) recordRoundMetrics(p *prepared, out roundOutcome, err error) {
	if o.metrics == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
		if fault.IsCanceled(err) {
			status = "canceled"
		} else if isDeadline(err) {
			status = "timeout"
		}
	}
	var in, outTok int64
	if out.usage != nil {
		in, outTok = out.usage.InputTokens, out.usage.OutputTokens
	}
	o.metrics.RecordLLMRequest(p.model.Provider, p.model.ID, status, out.elapsed.Seconds(), in, outTok)
}

// recordTurn enqueues the turn's usage row.
func (o *Orchestrator) recordTurn(turn *Turn, p *prepared, usage models.Usage, rounds int, outcome string) {
	if o.recorder == nil {
		return
	}
	o.recorder.RecordUsage(record.UsageRecord{
		ChatID:       turn.ChatID,
		AppID:        turn.AppID,
		ModelID:      p.model.ID,
		Provider:     p.model.Provider,
		UserID:       turn.Identity.Subject,
		InputTokens:  usage.InputTokens,
		OutputTokens: usage.OutputTokens,
		Rounds:       rounds,
		FinishReason: outcome,
	})
}

// asFault normalizes errors that escaped adapter classification.
func (o *Orchestrator) asFault(p *prepared, err error) error {
	return o.asFaultFor(p.model, err)
}

func (o *Orchestrator) asFaultFor(model catalog.ModelSpec, err error) error {
	if _, ok := fault.As(err); ok {
		return err
	}
	if isDeadline(err) {
		return fault.Network(model.Provider, err)
	}
	return fault.Internal(err)
}

func isDeadline(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	fe, ok := fault.As(err)
	return ok && fe.Timeout
}

// intersect keeps the entries of base that also appear in allowed,
// preserving base order.
func intersect(base, allowed []string) []string {
	keep := make(map[string]bool, len(allowed))
	for _, name := range allowed {
		keep[name] = true
	}
	out := make([]string, 0, len(base))
	for _, name := range base {
		if keep[name] {
			out = append(out, name)
		}
	}
	return out
}
