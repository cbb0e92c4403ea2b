package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/parleyhq/parley/internal/catalog"
	"github.com/parleyhq/parley/internal/fault"
	"github.com/parleyhq/parley/internal/observability"
	"github.com/parleyhq/parley/pkg/models"
)

// upstreamBodyLimit caps how much of an error body is kept for the
// fault message.
const upstreamBodyLimit = 8 << 10

// wireClient speaks the OpenAI-compatible chat-completions dialect over
// plain HTTP. Mistral and vLLM both serve it; only their structured
// output handling differs, which the owning adapter decides before the
// request reaches this client.
type wireClient struct {
	vendor  string
	baseURL string
	apiKey  string
	base    *http.Client
	log     *observability.Logger

	mu      sync.Mutex
	clients map[string]*http.Client
}

func newWireClient(vendor, baseURL, apiKey string, base *http.Client, log *observability.Logger) *wireClient {
	if base == nil {
		base = http.DefaultClient
	}
	return &wireClient{
		vendor:  vendor,
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		base:    base,
		log:     log,
		clients: make(map[string]*http.Client),
	}
}

// httpClientFor returns the client for a model, wrapping the base client
// with OAuth2 client credentials when the model declares them.
func (w *wireClient) httpClientFor(model catalog.ModelSpec) *http.Client {
	if model.Auth == nil {
		return w.base
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if c, ok := w.clients[model.ID]; ok {
		return c
	}

	cc := clientcredentials.Config{
		ClientID:     model.Auth.ClientID,
		ClientSecret: model.Auth.ClientSecret,
		TokenURL:     model.Auth.TokenURL,
		Scopes:       model.Auth.Scopes,
	}
	ctx := context.WithValue(context.Background(), oauth2.HTTPClient, w.base)
	c := cc.Client(ctx)
	w.clients[model.ID] = c
	return c
}

func (w *wireClient) endpoint(model catalog.ModelSpec) string {
	base := strings.TrimRight(model.URL, "/")
	if base == "" {
		base = w.baseURL
	}
	return base + "/chat/completions"
}

func (w *wireClient) do(ctx context.Context, model catalog.ModelSpec, payload *wireRequest, stream bool) (*http.Response, error) {
	payload.Stream = stream
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fault.Internal(fmt.Errorf("marshal %s request: %w", w.vendor, err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, w.endpoint(model), bytes.NewReader(body))
	if err != nil {
		return nil, fault.Internal(err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if w.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+w.apiKey)
	}
	if stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}

	resp, err := w.httpClientFor(model).Do(httpReq)
	if err != nil {
		return nil, fault.Network(w.vendor, err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		defer resp.Body.Close()
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, upstreamBodyLimit))
		fe := fault.Upstream(w.vendor, model.ID, resp.StatusCode, strings.TrimSpace(string(errBody)))
		if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && secs > 0 {
			fe = fe.WithRetryAfter(time.Duration(secs) * time.Second)
		}
		return nil, fe
	}
	return resp, nil
}

// chat runs one non-streaming round and keeps the verbatim body.
func (w *wireClient) chat(ctx context.Context, model catalog.ModelSpec, payload *wireRequest) (*models.Response, error) {
	resp, err := w.do(ctx, model, payload, false)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fault.Network(w.vendor, err)
	}

	var decoded wireResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, fault.Provider(w.vendor, model.ID, fmt.Errorf("decode response: %w", err))
	}
	if decoded.Error != nil {
		return nil, fault.Upstream(w.vendor, model.ID, resp.StatusCode, decoded.Error.Message)
	}

	out := &models.Response{
		ID:       decoded.ID,
		Model:    model.ID,
		Provider: w.vendor,
		Raw:      json.RawMessage(raw),
	}
	if decoded.Usage != nil {
		out.Usage = &models.Usage{
			InputTokens:  decoded.Usage.PromptTokens,
			OutputTokens: decoded.Usage.CompletionTokens,
			TotalTokens:  decoded.Usage.TotalTokens,
		}
	}
	for _, choice := range decoded.Choices {
		msg := models.Message{Role: models.RoleAssistant}
		if choice.Message != nil {
			msg.Content = choice.Message.Content
			for i, tc := range choice.Message.ToolCalls {
				msg.ToolCalls = append(msg.ToolCalls, finalizeWireCall(tc, i))
			}
		}
		out.Choices = append(out.Choices, models.ResponseChoice{
			Index:        choice.Index,
			Message:      msg,
			FinishReason: models.NormalizeFinishReason(choice.FinishReason),
		})
	}
	return out, nil
}

// stream runs one streaming round. The returned channel closes after the
// final done chunk.
func (w *wireClient) stream(ctx context.Context, model catalog.ModelSpec, payload *wireRequest) (<-chan *models.ResponseChunk, error) {
	payload.StreamOptions = &wireStreamOptions{IncludeUsage: true}
	resp, err := w.do(ctx, model, payload, true)
	if err != nil {
		return nil, err
	}

	chunks := make(chan *models.ResponseChunk)
	go w.pump(ctx, resp.Body, model, chunks)
	return chunks, nil
}

// toolCallState accumulates one tool call across delta frames. Vendors
// key fragments by index; id and name arrive on the first frame, the
// arguments trickle in as partial JSON.
type toolCallState struct {
	id   string
	name string
	args strings.Builder
}

// pump reads the SSE stream and yields canonical chunks. A chunk is
// emitted only for text, finalized tool calls, or a finish reason;
// keep-alive frames are swallowed. Exactly one done chunk ends the
// stream.
func (w *wireClient) pump(ctx context.Context, body io.ReadCloser, model catalog.ModelSpec, out chan<- *models.ResponseChunk) {
	defer close(out)
	defer body.Close()

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	pending := make(map[int]*toolCallState)
	var usage *models.Usage
	var messageID string
	finished := false

	emitDone := func() {
		out <- &models.ResponseChunk{
			ID:       messageID,
			Model:    model.ID,
			Provider: w.vendor,
			Usage:    usage,
			Done:     true,
		}
	}

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			out <- &models.ResponseChunk{Model: model.ID, Provider: w.vendor, Err: ctx.Err(), Done: true}
			return
		default:
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, ":") {
			continue
		}
		data, ok := strings.CutPrefix(line, "data:")
		if !ok {
			continue
		}
		data = strings.TrimSpace(data)
		if data == "[DONE]" {
			if calls := drainCalls(pending); len(calls) > 0 && !finished {
				out <- w.toolCallChunk(messageID, model.ID, calls, models.FinishToolCalls)
			}
			emitDone()
			return
		}

		var frame wireResponse
		if err := json.Unmarshal([]byte(data), &frame); err != nil {
			out <- &models.ResponseChunk{
				Model:    model.ID,
				Provider: w.vendor,
				Err:      fault.Streaming(w.vendor, "malformed stream frame: %v", err),
				Done:     true,
			}
			return
		}
		if frame.ID != "" {
			messageID = frame.ID
		}
		if frame.Usage != nil {
			usage = &models.Usage{
				InputTokens:  frame.Usage.PromptTokens,
				OutputTokens: frame.Usage.CompletionTokens,
				TotalTokens:  frame.Usage.TotalTokens,
			}
		}
		if len(frame.Choices) == 0 {
			continue
		}

		choice := frame.Choices[0]
		if choice.Delta != nil {
			if choice.Delta.Content != "" {
				out <- &models.ResponseChunk{
					ID:       messageID,
					Model:    model.ID,
					Provider: w.vendor,
					Choices: []models.ChunkChoice{{
						Delta: models.Delta{Role: models.RoleAssistant, Content: choice.Delta.Content},
					}},
				}
			}
			for _, tc := range choice.Delta.ToolCalls {
				idx := 0
				if tc.Index != nil {
					idx = *tc.Index
				}
				state := pending[idx]
				if state == nil {
					state = &toolCallState{}
					pending[idx] = state
				}
				if tc.ID != "" {
					state.id = tc.ID
				}
				if tc.Function.Name != "" {
					state.name = tc.Function.Name
				}
				if tc.Function.Arguments != "" {
					state.args.WriteString(tc.Function.Arguments)
				}
			}
		}

		if choice.FinishReason != "" {
			finish := models.NormalizeFinishReason(choice.FinishReason)
			calls := drainCalls(pending)
			if finish == models.FinishToolCalls || len(calls) > 0 {
				out <- w.toolCallChunk(messageID, model.ID, calls, finish)
			} else {
				out <- &models.ResponseChunk{
					ID:       messageID,
					Model:    model.ID,
					Provider: w.vendor,
					Choices:  []models.ChunkChoice{{FinishReason: finish}},
				}
			}
			finished = true
		}
	}

	if err := scanner.Err(); err != nil {
		out <- &models.ResponseChunk{
			Model:    model.ID,
			Provider: w.vendor,
			Err:      fault.Streaming(w.vendor, "stream read failed: %v", err),
			Done:     true,
		}
		return
	}

	// Stream ended without [DONE]; flush whatever is pending.
	if calls := drainCalls(pending); len(calls) > 0 && !finished {
		out <- w.toolCallChunk(messageID, model.ID, calls, models.FinishToolCalls)
	}
	emitDone()
}

func (w *wireClient) toolCallChunk(id, model string, calls []models.ToolCall, finish models.FinishReason) *models.ResponseChunk {
	return &models.ResponseChunk{
		ID:       id,
		Model:    model,
		Provider: w.vendor,
		Choices: []models.ChunkChoice{{
			Delta:        models.Delta{Role: models.RoleAssistant, ToolCalls: calls},
			FinishReason: finish,
		}},
	}
}

// drainCalls finalizes the accumulated tool calls in index order and
// resets the state map. Argument buffers that fail to parse become
// partial calls rather than stream errors.
func drainCalls(pending map[int]*toolCallState) []models.ToolCall {
	if len(pending) == 0 {
		return nil
	}
	indexes := make([]int, 0, len(pending))
	for idx := range pending {
		indexes = append(indexes, idx)
	}
	sort.Ints(indexes)

	calls := make([]models.ToolCall, 0, len(indexes))
	for _, idx := range indexes {
		state := pending[idx]
		if state.id == "" && state.name == "" {
			continue
		}
		id := state.id
		if id == "" {
			id = synthesizeCallID(idx)
		}
		calls = append(calls, finalizeCall(id, state.name, state.args.String()))
		delete(pending, idx)
	}
	return calls
}

// finalizeCall parses the accumulated argument buffer, falling back to a
// partial payload when the JSON never completed.
func finalizeCall(id, name, args string) models.ToolCall {
	args = strings.TrimSpace(args)
	if args == "" {
		args = "{}"
	}
	call := models.ToolCall{ID: id, Name: name}
	if json.Valid([]byte(args)) {
		call.Arguments = json.RawMessage(args)
	} else {
		call.Arguments = models.PartialArguments(args)
	}
	return call
}

func finalizeWireCall(tc wireToolCall, position int) models.ToolCall {
	id := tc.ID
	if id == "" {
		id = synthesizeCallID(position)
	}
	return finalizeCall(id, tc.Function.Name, tc.Function.Arguments)
}

// synthesizeCallID mints an id for vendors that omit one.
func synthesizeCallID(index int) string {
	return fmt.Sprintf("call_%d_%d", time.Now().UnixMilli(), index)
}

// Wire types for the OpenAI-compatible dialect.

type wireRequest struct {
	Model          string             `json:"model"`
	Messages       []wireMessage      `json:"messages"`
	Tools          []wireTool         `json:"tools,omitempty"`
	Temperature    *float64           `json:"temperature,omitempty"`
	MaxTokens      int                `json:"max_tokens,omitempty"`
	Stop           []string           `json:"stop,omitempty"`
	Stream         bool               `json:"stream"`
	StreamOptions  *wireStreamOptions `json:"stream_options,omitempty"`
	ResponseFormat *wireRespFormat    `json:"response_format,omitempty"`

	// GuidedJSON is the vLLM guided-decoding extension; other vendors
	// never see it set.
	GuidedJSON json.RawMessage `json:"guided_json,omitempty"`
}

type wireStreamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type wireMessage struct {
	Role       string         `json:"role"`
	Content    any            `json:"content,omitempty"`
	ToolCalls  []wireToolCall `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
	Name       string         `json:"name,omitempty"`
}

type wireContentPart struct {
	Type     string        `json:"type"`
	Text     string        `json:"text,omitempty"`
	ImageURL *wireImageURL `json:"image_url,omitempty"`
}

type wireImageURL struct {
	URL string `json:"url"`
}

type wireTool struct {
	Type     string       `json:"type"`
	Function wireFunction `json:"function"`
}

type wireFunction struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type wireToolCall struct {
	Index    *int             `json:"index,omitempty"`
	ID       string           `json:"id,omitempty"`
	Type     string           `json:"type,omitempty"`
	Function wireFunctionCall `json:"function"`
}

type wireFunctionCall struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

type wireRespFormat struct {
	Type       string          `json:"type"`
	JSONSchema *wireJSONSchema `json:"json_schema,omitempty"`
}

type wireJSONSchema struct {
	Name   string          `json:"name"`
	Strict bool            `json:"strict,omitempty"`
	Schema json.RawMessage `json:"schema"`
}

type wireResponse struct {
	ID      string            `json:"id"`
	Model   string            `json:"model"`
	Choices []wireChoiceEntry `json:"choices"`
	Usage   *wireUsage        `json:"usage"`
	Error   *wireError        `json:"error,omitempty"`
}

type wireChoiceEntry struct {
	Index        int                  `json:"index"`
	Message      *wireResponseMessage `json:"message,omitempty"`
	Delta        *wireDelta           `json:"delta,omitempty"`
	FinishReason string               `json:"finish_reason,omitempty"`
}

type wireResponseMessage struct {
	Role      string         `json:"role"`
	Content   string         `json:"content"`
	ToolCalls []wireToolCall `json:"tool_calls,omitempty"`
}

type wireDelta struct {
	Role      string         `json:"role,omitempty"`
	Content   string         `json:"content,omitempty"`
	ToolCalls []wireToolCall `json:"tool_calls,omitempty"`
}

type wireUsage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
}

type wireError struct {
	Message string `json:"message"`
	Type    string `json:"type,omitempty"`
	Code    any    `json:"code,omitempty"`
}

// buildWireMessages converts the canonical conversation to the dialect.
// The system prompt rides inside the message list.
func buildWireMessages(system string, msgs []models.Message) []wireMessage {
	out := make([]wireMessage, 0, len(msgs)+1)
	if system != "" {
		out = append(out, wireMessage{Role: "system", Content: system})
	}

	for _, msg := range msgs {
		switch msg.Role {
		case models.RoleSystem:
			out = append(out, wireMessage{Role: "system", Content: msg.Text()})

		case models.RoleAssistant:
			wm := wireMessage{Role: "assistant"}
			if text := msg.Text(); text != "" {
				wm.Content = text
			}
			for _, tc := range msg.ToolCalls {
				args := string(tc.Arguments)
				if args == "" {
					args = "{}"
				}
				wm.ToolCalls = append(wm.ToolCalls, wireToolCall{
					ID:   tc.ID,
					Type: "function",
					Function: wireFunctionCall{
						Name:      tc.Name,
						Arguments: args,
					},
				})
			}
			out = append(out, wm)

		case models.RoleTool:
			out = append(out, wireMessage{
				Role:       "tool",
				Content:    msg.Content,
				ToolCallID: msg.ToolCallID,
				Name:       msg.ToolName,
			})

		default: // user
			if images := msg.Images(); len(images) > 0 {
				parts := make([]wireContentPart, 0, len(msg.Parts))
				for _, p := range msg.Parts {
					switch p.Type {
					case models.PartText:
						parts = append(parts, wireContentPart{Type: "text", Text: p.Text})
					case models.PartImage:
						parts = append(parts, wireContentPart{Type: "image_url", ImageURL: &wireImageURL{URL: imageDataURL(p)}})
					}
				}
				out = append(out, wireMessage{Role: "user", Content: parts})
			} else {
				out = append(out, wireMessage{Role: "user", Content: msg.Text()})
			}
		}
	}
	return out
}

// imageDataURL renders an image part in the OpenAI dialect: plain URLs
// pass through, raw base64 gains a data-URL prefix.
func imageDataURL(p models.ContentPart) string {
	if p.URL != "" {
		return p.URL
	}
	mime := p.MimeType
	if mime == "" {
		mime = "image/jpeg"
	}
	return "data:" + mime + ";base64," + p.Base64
}

// buildWireTools converts tool definitions to the dialect.
func buildWireTools(tools []models.ToolDefinition) []wireTool {
	out := make([]wireTool, len(tools))
	for i, tool := range tools {
		out[i] = wireTool{
			Type: "function",
			Function: wireFunction{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  tool.Schema,
			},
		}
	}
	return out
}
