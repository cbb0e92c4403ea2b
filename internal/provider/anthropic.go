package provider

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/parleyhq/parley/internal/catalog"
	"github.com/parleyhq/parley/internal/config"
	"github.com/parleyhq/parley/internal/fault"
	"github.com/parleyhq/parley/internal/observability"
	"github.com/parleyhq/parley/pkg/models"
)

const (
	anthropicDefaultMaxTokens = 4096

	// jsonResponseTool is the synthetic tool used to emulate structured
	// output: the API has no response_format, so the schema is presented
	// as a forced tool and the tool-use arguments become the assistant's
	// JSON content.
	jsonResponseTool = "json_response"

	anthropicMinThinkingBudget     = 1024
	anthropicDefaultThinkingBudget = 10000
)

// Anthropic adapts Claude models through the Messages API. Content
// arrives as typed blocks; tool inputs stream as partial JSON that is
// reassembled per block.
type Anthropic struct {
	apiKey  string
	baseURL string
	base    *http.Client
	log     *observability.Logger

	mu      sync.Mutex
	clients map[string]anthropic.Client
}

func NewAnthropic(cfg config.ProviderConfig, base *http.Client, log *observability.Logger) *Anthropic {
	if base == nil {
		base = http.DefaultClient
	}
	return &Anthropic{
		apiKey:  cfg.APIKey,
		baseURL: cfg.BaseURL,
		base:    base,
		log:     log,
		clients: make(map[string]anthropic.Client),
	}
}

func (p *Anthropic) Name() string { return "anthropic" }

func (p *Anthropic) Capabilities(m catalog.ModelSpec) Capabilities {
	return Capabilities{
		Tools:            m.ToolsSupported(),
		Images:           true,
		StructuredOutput: true,
		Streaming:        m.StreamingSupported(),
		MaxOutputTokens:  maxOutputTokens(m, anthropicDefaultMaxTokens),
		ContextLength:    m.ContextLength,
	}
}

func (p *Anthropic) ValidateConfig() error {
	if p.apiKey == "" {
		return fault.Configuration("anthropic", "api key is not configured")
	}
	if !strings.HasPrefix(p.apiKey, "sk-ant-") {
		return fault.Configuration("anthropic", "api key does not look like an Anthropic key")
	}
	return nil
}

func (p *Anthropic) ValidateRequest(req *ChatRequest) error {
	return validateRequest(p.Capabilities(req.Model), req)
}

func (p *Anthropic) clientFor(model catalog.ModelSpec) anthropic.Client {
	baseURL := model.URL
	if baseURL == "" {
		baseURL = p.baseURL
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.clients[baseURL]; ok {
		return c
	}

	opts := []option.RequestOption{
		option.WithAPIKey(p.apiKey),
		option.WithHTTPClient(p.base),
		option.WithMaxRetries(0),
	}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	c := anthropic.NewClient(opts...)
	p.clients[baseURL] = c
	return c
}

func (p *Anthropic) Chat(ctx context.Context, req *ChatRequest) (*models.Response, error) {
	params, emulated, err := p.buildParams(req)
	if err != nil {
		return nil, err
	}

	client := p.clientFor(req.Model)
	message, err := client.Messages.New(ctx, params)
	if err != nil {
		return nil, classifyAnthropicError(req.Model.ID, err)
	}

	msg := models.Message{Role: models.RoleAssistant}
	var text strings.Builder
	for _, block := range message.Content {
		switch block.Type {
		case "text":
			text.WriteString(block.Text)
		case "tool_use":
			if emulated && block.Name == jsonResponseTool {
				text.WriteString(string(block.Input))
				continue
			}
			msg.ToolCalls = append(msg.ToolCalls, finalizeCall(block.ID, block.Name, string(block.Input)))
		}
	}
	msg.Content = text.String()

	finish := models.NormalizeFinishReason(string(message.StopReason))
	if emulated && finish == models.FinishToolCalls && len(msg.ToolCalls) == 0 {
		finish = models.FinishStop
	}

	return &models.Response{
		ID:       message.ID,
		Model:    req.Model.ID,
		Provider: p.Name(),
		Raw:      json.RawMessage(message.RawJSON()),
		Usage: &models.Usage{
			InputTokens:  message.Usage.InputTokens,
			OutputTokens: message.Usage.OutputTokens,
			TotalTokens:  message.Usage.InputTokens + message.Usage.OutputTokens,
		},
		Choices: []models.ResponseChoice{{
			Message:      msg,
			FinishReason: finish,
		}},
	}, nil
}

func (p *Anthropic) Stream(ctx context.Context, req *ChatRequest) (<-chan *models.ResponseChunk, error) {
	params, emulated, err := p.buildParams(req)
	if err != nil {
		return nil, err
	}

	client := p.clientFor(req.Model)
	stream := client.Messages.NewStreaming(ctx, params)

	chunks := make(chan *models.ResponseChunk)
	go p.processStream(stream, req.Model.ID, emulated, chunks)
	return chunks, nil
}

// processStream converts Messages API events into canonical chunks.
// Tool inputs accumulate per content block and finalize on block stop;
// thinking blocks are consumed without being surfaced.
func (p *Anthropic) processStream(stream *ssestream.Stream[anthropic.MessageStreamEventUnion], model string, emulated bool, out chan<- *models.ResponseChunk) {
	defer close(out)
	defer stream.Close()

	var messageID string
	var usage models.Usage
	var finish models.FinishReason
	var current *toolCallState
	sawRealCall := false

	emit := func(chunk *models.ResponseChunk) {
		chunk.ID = messageID
		chunk.Model = model
		chunk.Provider = p.Name()
		out <- chunk
	}

	for stream.Next() {
		event := stream.Current()

		switch event.Type {
		case "message_start":
			start := event.AsMessageStart()
			messageID = start.Message.ID
			usage.InputTokens = start.Message.Usage.InputTokens

		case "content_block_start":
			block := event.AsContentBlockStart().ContentBlock
			if block.Type == "tool_use" {
				current = &toolCallState{id: block.ID, name: block.Name}
			}

		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			switch delta.Type {
			case "text_delta":
				if delta.Text != "" {
					emit(&models.ResponseChunk{Choices: []models.ChunkChoice{{
						Delta: models.Delta{Role: models.RoleAssistant, Content: delta.Text},
					}}})
				}
			case "input_json_delta":
				if current != nil {
					current.args.WriteString(delta.PartialJSON)
				}
			}

		case "content_block_stop":
			if current == nil {
				continue
			}
			call := finalizeCall(current.id, current.name, current.args.String())
			current = nil
			if emulated && call.Name == jsonResponseTool {
				// Structured output rides inside a forced tool call;
				// surface the arguments as the assistant's text.
				emit(&models.ResponseChunk{Choices: []models.ChunkChoice{{
					Delta: models.Delta{Role: models.RoleAssistant, Content: string(call.Arguments)},
				}}})
				continue
			}
			sawRealCall = true
			emit(&models.ResponseChunk{Choices: []models.ChunkChoice{{
				Delta: models.Delta{Role: models.RoleAssistant, ToolCalls: []models.ToolCall{call}},
			}}})

		case "message_delta":
			delta := event.AsMessageDelta()
			usage.OutputTokens = delta.Usage.OutputTokens
			finish = models.NormalizeFinishReason(string(delta.Delta.StopReason))

		case "message_stop":
			if emulated && finish == models.FinishToolCalls && !sawRealCall {
				finish = models.FinishStop
			}
			if finish != models.FinishNone {
				emit(&models.ResponseChunk{Choices: []models.ChunkChoice{{FinishReason: finish}}})
			}
			usage.TotalTokens = usage.InputTokens + usage.OutputTokens
			u := usage
			emit(&models.ResponseChunk{Usage: &u, Done: true})
			return

		case "error":
			emit(&models.ResponseChunk{
				Err:  fault.Streaming(p.Name(), "upstream stream error"),
				Done: true,
			})
			return
		}
	}

	if err := stream.Err(); err != nil {
		emit(&models.ResponseChunk{Err: classifyAnthropicError(model, err), Done: true})
		return
	}
	usage.TotalTokens = usage.InputTokens + usage.OutputTokens
	u := usage
	emit(&models.ResponseChunk{Usage: &u, Done: true})
}

func (p *Anthropic) buildParams(req *ChatRequest) (anthropic.MessageNewParams, bool, error) {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model.ID),
		MaxTokens: int64(effectiveMaxTokens(req, anthropicDefaultMaxTokens)),
	}

	if system := collectSystem(req.System, req.Messages); system != "" {
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: system}}
	}

	messages, err := convertAnthropicMessages(req.Messages)
	if err != nil {
		return params, false, err
	}
	params.Messages = messages

	if req.Temperature != nil {
		params.Temperature = anthropic.Float(*req.Temperature)
	}
	if len(req.Stop) > 0 {
		params.StopSequences = req.Stop
	}
	if req.ThinkingEnabled {
		budget := int64(req.ThinkingBudget)
		if budget < anthropicMinThinkingBudget {
			budget = anthropicDefaultThinkingBudget
		}
		params.Thinking = anthropic.ThinkingConfigParamOfEnabled(budget)
	}

	if len(req.Tools) > 0 {
		tools, err := convertAnthropicTools(req.Tools)
		if err != nil {
			return params, false, err
		}
		params.Tools = tools
	}

	emulated := false
	if rf := req.ResponseFormat; rf != nil && rf.Type != models.ResponseFormatText {
		schema := rf.Schema
		if len(schema) == 0 {
			schema = json.RawMessage(`{"type":"object"}`)
		}
		var inputSchema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(schema, &inputSchema); err != nil {
			return params, false, fault.Validation("invalid response schema: %v", err)
		}
		tool := anthropic.ToolUnionParamOfTool(inputSchema, jsonResponseTool)
		tool.OfTool.Description = anthropic.String("Return the answer as a JSON document matching the schema.")
		params.Tools = append(params.Tools, tool)
		params.ToolChoice = anthropic.ToolChoiceUnionParam{
			OfTool: &anthropic.ToolChoiceToolParam{Name: jsonResponseTool},
		}
		emulated = true
	}

	return params, emulated, nil
}

// collectSystem merges the assembled prompt with any system messages from
// the history, blank-line separated. The Messages API takes them outside
// the message list.
func collectSystem(system string, msgs []models.Message) string {
	parts := make([]string, 0, 2)
	if system != "" {
		parts = append(parts, system)
	}
	for i := range msgs {
		if msgs[i].Role == models.RoleSystem {
			if text := msgs[i].Text(); text != "" {
				parts = append(parts, text)
			}
		}
	}
	return strings.Join(parts, "\n\n")
}

func convertAnthropicMessages(msgs []models.Message) ([]anthropic.MessageParam, error) {
	var result []anthropic.MessageParam

	for _, msg := range msgs {
		if msg.Role == models.RoleSystem {
			continue
		}

		var content []anthropic.ContentBlockParamUnion

		if msg.Role == models.RoleTool {
			content = append(content, anthropic.NewToolResultBlock(msg.ToolCallID, msg.Content, msg.IsError))
			result = append(result, anthropic.NewUserMessage(content...))
			continue
		}

		if len(msg.Parts) > 0 {
			for _, part := range msg.Parts {
				switch part.Type {
				case models.PartText:
					if part.Text != "" {
						content = append(content, anthropic.NewTextBlock(part.Text))
					}
				case models.PartImage:
					block, err := anthropicImageBlock(part)
					if err != nil {
						return nil, err
					}
					content = append(content, block)
				}
			}
		} else if msg.Content != "" {
			content = append(content, anthropic.NewTextBlock(msg.Content))
		}

		for _, tc := range msg.ToolCalls {
			var input map[string]any
			if err := json.Unmarshal(tc.Arguments, &input); err != nil {
				return nil, fault.Validation("tool call %s has invalid arguments: %v", tc.ID, err)
			}
			content = append(content, anthropic.NewToolUseBlock(tc.ID, input, tc.Name))
		}

		if len(content) == 0 {
			continue
		}
		if msg.Role == models.RoleAssistant {
			result = append(result, anthropic.NewAssistantMessage(content...))
		} else {
			result = append(result, anthropic.NewUserMessage(content...))
		}
	}

	return result, nil
}

// anthropicImageBlock renders an image part. The API wants bare base64
// with a separate media type, so data-URL prefixes are stripped.
func anthropicImageBlock(part models.ContentPart) (anthropic.ContentBlockParamUnion, error) {
	if part.URL != "" {
		if mediaType, data, ok := splitDataURL(part.URL); ok {
			return anthropic.NewImageBlockBase64(mediaType, data), nil
		}
		return anthropic.ContentBlockParamUnion{
			OfImage: &anthropic.ImageBlockParam{
				Source: anthropic.ImageBlockParamSourceUnion{
					OfURL: &anthropic.URLImageSourceParam{URL: part.URL},
				},
			},
		}, nil
	}
	if part.Base64 == "" {
		return anthropic.ContentBlockParamUnion{}, fault.Validation("image part has neither url nor base64 data")
	}
	mime := part.MimeType
	if mime == "" {
		mime = "image/jpeg"
	}
	return anthropic.NewImageBlockBase64(mime, part.Base64), nil
}

// splitDataURL breaks a data:<mime>;base64,<data> URL into its parts.
func splitDataURL(raw string) (string, string, bool) {
	if !strings.HasPrefix(raw, "data:") {
		return "", "", false
	}
	meta, data, ok := strings.Cut(raw, ",")
	if !ok {
		return "", "", false
	}
	meta = strings.TrimPrefix(meta, "data:")
	mediaType, found := strings.CutSuffix(meta, ";base64")
	if !found || mediaType == "" {
		return "", "", false
	}
	return mediaType, data, true
}

func convertAnthropicTools(tools []models.ToolDefinition) ([]anthropic.ToolUnionParam, error) {
	result := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, tool := range tools {
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(tool.Schema, &schema); err != nil {
			return nil, fault.Validation("tool %s has an invalid schema: %v", tool.Name, err)
		}
		param := anthropic.ToolUnionParamOfTool(schema, tool.Name)
		if param.OfTool == nil {
			return nil, fault.Validation("tool %s could not be converted", tool.Name)
		}
		param.OfTool.Description = anthropic.String(tool.Description)
		result = append(result, param)
	}
	return result, nil
}

type anthropicErrorBody struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// classifyAnthropicError maps SDK errors onto the fault taxonomy.
func classifyAnthropicError(model string, err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		message := apiErr.Error()
		if raw := apiErr.RawJSON(); raw != "" {
			var body anthropicErrorBody
			if json.Unmarshal([]byte(raw), &body) == nil && body.Error.Message != "" {
				message = body.Error.Message
			}
		}
		return fault.Upstream("anthropic", model, apiErr.StatusCode, message)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fault.Network("anthropic", err)
}
