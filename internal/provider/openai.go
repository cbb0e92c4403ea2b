package provider

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"

	openai "github.com/sashabaranov/go-openai"

	"github.com/parleyhq/parley/internal/catalog"
	"github.com/parleyhq/parley/internal/config"
	"github.com/parleyhq/parley/internal/fault"
	"github.com/parleyhq/parley/internal/observability"
	"github.com/parleyhq/parley/pkg/models"
)

const openaiDefaultMaxTokens = 4096

// OpenAI adapts GPT models through the official chat-completions API.
// Tool calls stream incrementally and are accumulated per index until
// the finish reason closes them out.
type OpenAI struct {
	apiKey  string
	baseURL string
	base    *http.Client
	log     *observability.Logger

	mu      sync.Mutex
	clients map[string]*openai.Client
}

func NewOpenAI(cfg config.ProviderConfig, base *http.Client, log *observability.Logger) *OpenAI {
	if base == nil {
		base = http.DefaultClient
	}
	return &OpenAI{
		apiKey:  cfg.APIKey,
		baseURL: cfg.BaseURL,
		base:    base,
		log:     log,
		clients: make(map[string]*openai.Client),
	}
}

func (p *OpenAI) Name() string { return "openai" }

func (p *OpenAI) Capabilities(m catalog.ModelSpec) Capabilities {
	return Capabilities{
		Tools:            m.ToolsSupported(),
		Images:           true,
		StructuredOutput: true,
		Streaming:        m.StreamingSupported(),
		MaxOutputTokens:  maxOutputTokens(m, openaiDefaultMaxTokens),
		ContextLength:    m.ContextLength,
	}
}

func (p *OpenAI) ValidateConfig() error {
	if p.apiKey == "" {
		return fault.Configuration("openai", "api key is not configured")
	}
	if !strings.HasPrefix(p.apiKey, "sk-") {
		return fault.Configuration("openai", "api key does not look like an OpenAI key")
	}
	return nil
}

func (p *OpenAI) ValidateRequest(req *ChatRequest) error {
	return validateRequest(p.Capabilities(req.Model), req)
}

// clientFor returns a client bound to the model's base URL. Models
// pointing at Azure or proxy deployments get their own client.
func (p *OpenAI) clientFor(model catalog.ModelSpec) *openai.Client {
	baseURL := model.URL
	if baseURL == "" {
		baseURL = p.baseURL
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.clients[baseURL]; ok {
		return c
	}

	cfg := openai.DefaultConfig(p.apiKey)
	if baseURL != "" {
		cfg.BaseURL = strings.TrimRight(baseURL, "/")
	}
	cfg.HTTPClient = p.base
	c := openai.NewClientWithConfig(cfg)
	p.clients[baseURL] = c
	return c
}

func (p *OpenAI) Chat(ctx context.Context, req *ChatRequest) (*models.Response, error) {
	chatReq, err := p.buildRequest(req)
	if err != nil {
		return nil, err
	}

	resp, err := p.clientFor(req.Model).CreateChatCompletion(ctx, chatReq)
	if err != nil {
		return nil, classifyOpenAIError(req.Model.ID, err)
	}

	raw, _ := json.Marshal(resp)
	out := &models.Response{
		ID:       resp.ID,
		Model:    req.Model.ID,
		Provider: p.Name(),
		Raw:      raw,
		Usage: &models.Usage{
			InputTokens:  int64(resp.Usage.PromptTokens),
			OutputTokens: int64(resp.Usage.CompletionTokens),
			TotalTokens:  int64(resp.Usage.TotalTokens),
		},
	}
	for _, choice := range resp.Choices {
		msg := models.Message{Role: models.RoleAssistant, Content: choice.Message.Content}
		for i, tc := range choice.Message.ToolCalls {
			id := tc.ID
			if id == "" {
				id = synthesizeCallID(i)
			}
			msg.ToolCalls = append(msg.ToolCalls, finalizeCall(id, tc.Function.Name, tc.Function.Arguments))
		}
		out.Choices = append(out.Choices, models.ResponseChoice{
			Index:        choice.Index,
			Message:      msg,
			FinishReason: models.NormalizeFinishReason(string(choice.FinishReason)),
		})
	}
	return out, nil
}

func (p *OpenAI) Stream(ctx context.Context, req *ChatRequest) (<-chan *models.ResponseChunk, error) {
	chatReq, err := p.buildRequest(req)
	if err != nil {
		return nil, err
	}
	chatReq.StreamOptions = &openai.StreamOptions{IncludeUsage: true}

	stream, err := p.clientFor(req.Model).CreateChatCompletionStream(ctx, chatReq)
	if err != nil {
		return nil, classifyOpenAIError(req.Model.ID, err)
	}

	chunks := make(chan *models.ResponseChunk)
	go p.processStream(ctx, stream, req.Model.ID, chunks)
	return chunks, nil
}

func (p *OpenAI) processStream(ctx context.Context, stream *openai.ChatCompletionStream, model string, out chan<- *models.ResponseChunk) {
	defer close(out)
	defer stream.Close()

	pending := make(map[int]*toolCallState)
	var usage *models.Usage
	var messageID string
	finished := false

	for {
		select {
		case <-ctx.Done():
			out <- &models.ResponseChunk{Model: model, Provider: p.Name(), Err: ctx.Err(), Done: true}
			return
		default:
		}

		resp, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				if calls := drainCalls(pending); len(calls) > 0 && !finished {
					out <- p.toolCallChunk(messageID, model, calls, models.FinishToolCalls)
				}
				out <- &models.ResponseChunk{
					ID:       messageID,
					Model:    model,
					Provider: p.Name(),
					Usage:    usage,
					Done:     true,
				}
				return
			}
			out <- &models.ResponseChunk{
				Model:    model,
				Provider: p.Name(),
				Err:      classifyOpenAIError(model, err),
				Done:     true,
			}
			return
		}

		if resp.ID != "" {
			messageID = resp.ID
		}
		if resp.Usage != nil {
			usage = &models.Usage{
				InputTokens:  int64(resp.Usage.PromptTokens),
				OutputTokens: int64(resp.Usage.CompletionTokens),
				TotalTokens:  int64(resp.Usage.TotalTokens),
			}
		}
		if len(resp.Choices) == 0 {
			continue
		}

		choice := resp.Choices[0]
		if choice.Delta.Content != "" {
			out <- &models.ResponseChunk{
				ID:       messageID,
				Model:    model,
				Provider: p.Name(),
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

		if choice.FinishReason != "" {
			finish := models.NormalizeFinishReason(string(choice.FinishReason))
			calls := drainCalls(pending)
			if finish == models.FinishToolCalls || len(calls) > 0 {
				out <- p.toolCallChunk(messageID, model, calls, finish)
			} else {
				out <- &models.ResponseChunk{
					ID:       messageID,
					Model:    model,
					Provider: p.Name(),
					Choices:  []models.ChunkChoice{{FinishReason: finish}},
				}
			}
			finished = true
		}
	}
}

func (p *OpenAI) toolCallChunk(id, model string, calls []models.ToolCall, finish models.FinishReason) *models.ResponseChunk {
	return &models.ResponseChunk{
		ID:       id,
		Model:    model,
		Provider: p.Name(),
		Choices: []models.ChunkChoice{{
			Delta:        models.Delta{Role: models.RoleAssistant, ToolCalls: calls},
			FinishReason: finish,
		}},
	}
}

func (p *OpenAI) buildRequest(req *ChatRequest) (openai.ChatCompletionRequest, error) {
	chatReq := openai.ChatCompletionRequest{
		Model:     req.Model.ID,
		Messages:  convertOpenAIMessages(req.System, req.Messages),
		MaxTokens: effectiveMaxTokens(req, openaiDefaultMaxTokens),
		Stop:      req.Stop,
	}
	if req.Temperature != nil {
		chatReq.Temperature = float32(*req.Temperature)
	}

	if len(req.Tools) > 0 {
		chatReq.Tools = make([]openai.Tool, len(req.Tools))
		for i, tool := range req.Tools {
			chatReq.Tools[i] = openai.Tool{
				Type: openai.ToolTypeFunction,
				Function: &openai.FunctionDefinition{
					Name:        tool.Name,
					Description: tool.Description,
					Parameters:  tool.Schema,
				},
			}
		}
	}

	if rf := req.ResponseFormat; rf != nil {
		switch rf.Type {
		case models.ResponseFormatJSONObject:
			chatReq.ResponseFormat = &openai.ChatCompletionResponseFormat{
				Type: openai.ChatCompletionResponseFormatTypeJSONObject,
			}
		case models.ResponseFormatJSONSchema:
			// Strict mode rejects any object node that leaves
			// additionalProperties open.
			closed, err := EnforceClosedObjects(rf.Schema)
			if err != nil {
				return chatReq, err
			}
			name := rf.SchemaName
			if name == "" {
				name = "response"
			}
			chatReq.ResponseFormat = &openai.ChatCompletionResponseFormat{
				Type: openai.ChatCompletionResponseFormatTypeJSONSchema,
				JSONSchema: &openai.ChatCompletionResponseFormatJSONSchema{
					Name:   name,
					Schema: closed,
					Strict: true,
				},
			}
		}
	}
	return chatReq, nil
}

// convertOpenAIMessages maps the canonical conversation onto the SDK
// types. The assembled system prompt leads the list; tool results are
// already one message per call.
func convertOpenAIMessages(system string, msgs []models.Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(msgs)+1)
	if system != "" {
		out = append(out, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: system,
		})
	}

	for _, msg := range msgs {
		switch msg.Role {
		case models.RoleSystem:
			out = append(out, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleSystem,
				Content: msg.Text(),
			})

		case models.RoleAssistant:
			om := openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleAssistant,
				Content: msg.Text(),
			}
			for _, tc := range msg.ToolCalls {
				args := string(tc.Arguments)
				if args == "" {
					args = "{}"
				}
				om.ToolCalls = append(om.ToolCalls, openai.ToolCall{
					ID:   tc.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      tc.Name,
						Arguments: args,
					},
				})
			}
			out = append(out, om)

		case models.RoleTool:
			out = append(out, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    msg.Content,
				ToolCallID: msg.ToolCallID,
			})

		default: // user
			if images := msg.Images(); len(images) > 0 {
				parts := make([]openai.ChatMessagePart, 0, len(msg.Parts))
				for _, part := range msg.Parts {
					switch part.Type {
					case models.PartText:
						parts = append(parts, openai.ChatMessagePart{
							Type: openai.ChatMessagePartTypeText,
							Text: part.Text,
						})
					case models.PartImage:
						parts = append(parts, openai.ChatMessagePart{
							Type: openai.ChatMessagePartTypeImageURL,
							ImageURL: &openai.ChatMessageImageURL{
								URL:    imageDataURL(part),
								Detail: openai.ImageURLDetailAuto,
							},
						})
					}
				}
				out = append(out, openai.ChatCompletionMessage{
					Role:         openai.ChatMessageRoleUser,
					MultiContent: parts,
				})
			} else {
				out = append(out, openai.ChatCompletionMessage{
					Role:    openai.ChatMessageRoleUser,
					Content: msg.Text(),
				})
			}
		}
	}
	return out
}

// classifyOpenAIError maps SDK errors onto the gateway's fault taxonomy.
func classifyOpenAIError(model string, err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return fault.Upstream("openai", model, apiErr.HTTPStatusCode, apiErr.Message)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return fault.Upstream("openai", model, reqErr.HTTPStatusCode, reqErr.Error())
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fault.Network("openai", err)
}
