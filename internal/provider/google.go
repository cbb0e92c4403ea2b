package provider

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strings"
	"sync"

	"google.golang.org/genai"

	"github.com/parleyhq/parley/internal/catalog"
	"github.com/parleyhq/parley/internal/config"
	"github.com/parleyhq/parley/internal/fault"
	"github.com/parleyhq/parley/internal/observability"
	"github.com/parleyhq/parley/pkg/models"
)

const googleDefaultMaxTokens = 8192

// Google adapts Gemini models through the Gen AI SDK. Gemini has no
// stable tool-call ids, so the adapter mints them per round; results
// are routed back by function name instead.
type Google struct {
	apiKey  string
	baseURL string
	base    *http.Client
	log     *observability.Logger

	mu      sync.Mutex
	clients map[string]*genai.Client
}

func NewGoogle(cfg config.ProviderConfig, base *http.Client, log *observability.Logger) *Google {
	if base == nil {
		base = http.DefaultClient
	}
	return &Google{
		apiKey:  cfg.APIKey,
		baseURL: cfg.BaseURL,
		base:    base,
		log:     log,
		clients: make(map[string]*genai.Client),
	}
}

func (p *Google) Name() string { return "google" }

func (p *Google) Capabilities(m catalog.ModelSpec) Capabilities {
	return Capabilities{
		Tools:            m.ToolsSupported(),
		Images:           true,
		StructuredOutput: true,
		Streaming:        m.StreamingSupported(),
		MaxOutputTokens:  maxOutputTokens(m, googleDefaultMaxTokens),
		ContextLength:    m.ContextLength,
	}
}

func (p *Google) ValidateConfig() error {
	if p.apiKey == "" {
		return fault.Configuration("google", "api key is not configured")
	}
	return nil
}

func (p *Google) ValidateRequest(req *ChatRequest) error {
	return validateRequest(p.Capabilities(req.Model), req)
}

func (p *Google) clientFor(ctx context.Context, model catalog.ModelSpec) (*genai.Client, error) {
	baseURL := model.URL
	if baseURL == "" {
		baseURL = p.baseURL
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.clients[baseURL]; ok {
		return c, nil
	}

	cfg := &genai.ClientConfig{
		APIKey:     p.apiKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: p.base,
	}
	if baseURL != "" {
		cfg.HTTPOptions.BaseURL = baseURL
	}
	c, err := genai.NewClient(ctx, cfg)
	if err != nil {
		return nil, fault.Configuration("google", "client init failed: %v", err)
	}
	p.clients[baseURL] = c
	return c, nil
}

func (p *Google) Chat(ctx context.Context, req *ChatRequest) (*models.Response, error) {
	client, err := p.clientFor(ctx, req.Model)
	if err != nil {
		return nil, err
	}
	contents, err := convertGoogleMessages(req.Messages)
	if err != nil {
		return nil, err
	}
	cfg := p.buildConfig(req)

	resp, err := client.Models.GenerateContent(ctx, req.Model.ID, contents, cfg)
	if err != nil {
		return nil, classifyGoogleError(req.Model.ID, err)
	}

	raw, _ := json.Marshal(resp)
	out := &models.Response{
		Model:    req.Model.ID,
		Provider: p.Name(),
		Raw:      raw,
	}
	if resp.UsageMetadata != nil {
		out.Usage = &models.Usage{
			InputTokens:  int64(resp.UsageMetadata.PromptTokenCount),
			OutputTokens: int64(resp.UsageMetadata.CandidatesTokenCount),
			TotalTokens:  int64(resp.UsageMetadata.TotalTokenCount),
		}
	}

	for i, candidate := range resp.Candidates {
		if candidate == nil || candidate.Content == nil {
			continue
		}
		msg := models.Message{Role: models.RoleAssistant}
		var text strings.Builder
		callIndex := 0
		for _, part := range candidate.Content.Parts {
			if part == nil {
				continue
			}
			if part.Text != "" {
				text.WriteString(part.Text)
			}
			if part.FunctionCall != nil {
				args, jerr := json.Marshal(part.FunctionCall.Args)
				if jerr != nil {
					args = []byte("{}")
				}
				msg.ToolCalls = append(msg.ToolCalls, models.ToolCall{
					ID:        synthesizeCallID(callIndex),
					Name:      part.FunctionCall.Name,
					Arguments: args,
				})
				callIndex++
			}
		}
		msg.Content = text.String()

		finish := models.NormalizeFinishReason(string(candidate.FinishReason))
		if len(msg.ToolCalls) > 0 {
			finish = models.FinishToolCalls
		}
		out.Choices = append(out.Choices, models.ResponseChoice{
			Index:        i,
			Message:      msg,
			FinishReason: finish,
		})
	}
	return out, nil
}

func (p *Google) Stream(ctx context.Context, req *ChatRequest) (<-chan *models.ResponseChunk, error) {
	client, err := p.clientFor(ctx, req.Model)
	if err != nil {
		return nil, err
	}
	contents, err := convertGoogleMessages(req.Messages)
	if err != nil {
		return nil, err
	}
	cfg := p.buildConfig(req)

	chunks := make(chan *models.ResponseChunk)
	go func() {
		defer close(chunks)

		model := req.Model.ID
		var usage *models.Usage
		var finish models.FinishReason
		callIndex := 0

		for resp, err := range client.Models.GenerateContentStream(ctx, model, contents, cfg) {
			select {
			case <-ctx.Done():
				chunks <- &models.ResponseChunk{Model: model, Provider: p.Name(), Err: ctx.Err(), Done: true}
				return
			default:
			}
			if err != nil {
				chunks <- &models.ResponseChunk{
					Model:    model,
					Provider: p.Name(),
					Err:      classifyGoogleError(model, err),
					Done:     true,
				}
				return
			}
			if resp == nil {
				continue
			}

			if resp.UsageMetadata != nil {
				usage = &models.Usage{
					InputTokens:  int64(resp.UsageMetadata.PromptTokenCount),
					OutputTokens: int64(resp.UsageMetadata.CandidatesTokenCount),
					TotalTokens:  int64(resp.UsageMetadata.TotalTokenCount),
				}
			}

			for _, candidate := range resp.Candidates {
				if candidate == nil {
					continue
				}
				if candidate.Content != nil {
					for _, part := range candidate.Content.Parts {
						if part == nil {
							continue
						}
						if part.Text != "" {
							chunks <- &models.ResponseChunk{
								Model:    model,
								Provider: p.Name(),
								Choices: []models.ChunkChoice{{
									Delta: models.Delta{Role: models.RoleAssistant, Content: part.Text},
								}},
							}
						}
						if part.FunctionCall != nil {
							args, jerr := json.Marshal(part.FunctionCall.Args)
							if jerr != nil {
								args = []byte("{}")
							}
							call := models.ToolCall{
								ID:        synthesizeCallID(callIndex),
								Name:      part.FunctionCall.Name,
								Arguments: args,
							}
							callIndex++
							chunks <- &models.ResponseChunk{
								Model:    model,
								Provider: p.Name(),
								Choices: []models.ChunkChoice{{
									Delta: models.Delta{Role: models.RoleAssistant, ToolCalls: []models.ToolCall{call}},
								}},
							}
						}
					}
				}
				if candidate.FinishReason != "" {
					finish = models.NormalizeFinishReason(string(candidate.FinishReason))
				}
			}
		}

		if callIndex > 0 {
			finish = models.FinishToolCalls
		}
		if finish != models.FinishNone {
			chunks <- &models.ResponseChunk{
				Model:    model,
				Provider: p.Name(),
				Choices:  []models.ChunkChoice{{FinishReason: finish}},
			}
		}
		chunks <- &models.ResponseChunk{Model: model, Provider: p.Name(), Usage: usage, Done: true}
	}()
	return chunks, nil
}

func (p *Google) buildConfig(req *ChatRequest) *genai.GenerateContentConfig {
	cfg := &genai.GenerateContentConfig{}

	if system := collectSystem(req.System, req.Messages); system != "" {
		cfg.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: system}},
		}
	}

	tokens := effectiveMaxTokens(req, googleDefaultMaxTokens)
	if tokens > math.MaxInt32 {
		tokens = math.MaxInt32
	}
	cfg.MaxOutputTokens = int32(tokens)

	if req.Temperature != nil {
		cfg.Temperature = genai.Ptr(float32(*req.Temperature))
	}
	if len(req.Stop) > 0 {
		cfg.StopSequences = req.Stop
	}
	if req.ThinkingEnabled {
		budget := int32(req.ThinkingBudget)
		cfg.ThinkingConfig = &genai.ThinkingConfig{ThinkingBudget: genai.Ptr(budget)}
	}
	if len(req.Tools) > 0 {
		cfg.Tools = convertGoogleTools(req.Tools)
	}
	if rf := req.ResponseFormat; rf != nil && rf.Type != models.ResponseFormatText {
		cfg.ResponseMIMEType = "application/json"
		if len(rf.Schema) > 0 {
			var schemaMap map[string]any
			if json.Unmarshal(rf.Schema, &schemaMap) == nil {
				cfg.ResponseSchema = googleSchema(schemaMap)
			}
		}
	}
	return cfg
}

// convertGoogleMessages maps the canonical conversation onto Gemini
// contents. Tool results return as functionResponse parts on the user
// side, addressed by tool name.
func convertGoogleMessages(msgs []models.Message) ([]*genai.Content, error) {
	var result []*genai.Content

	for _, msg := range msgs {
		if msg.Role == models.RoleSystem {
			continue
		}

		content := &genai.Content{Role: genai.RoleUser}
		if msg.Role == models.RoleAssistant {
			content.Role = genai.RoleModel
		}

		switch msg.Role {
		case models.RoleTool:
			name := msg.ToolName
			if name == "" {
				name = toolNameForCall(msg.ToolCallID, msgs)
			}
			var response map[string]any
			if err := json.Unmarshal([]byte(msg.Content), &response); err != nil || response == nil {
				response = map[string]any{"result": msg.Content, "error": msg.IsError}
			}
			content.Parts = append(content.Parts, &genai.Part{
				FunctionResponse: &genai.FunctionResponse{
					Name:     name,
					Response: response,
				},
			})

		default:
			if len(msg.Parts) > 0 {
				for _, part := range msg.Parts {
					switch part.Type {
					case models.PartText:
						if part.Text != "" {
							content.Parts = append(content.Parts, &genai.Part{Text: part.Text})
						}
					case models.PartImage:
						gp, err := googleImagePart(part)
						if err != nil {
							return nil, err
						}
						content.Parts = append(content.Parts, gp)
					}
				}
			} else if msg.Content != "" {
				content.Parts = append(content.Parts, &genai.Part{Text: msg.Content})
			}

			for _, tc := range msg.ToolCalls {
				var args map[string]any
				if err := json.Unmarshal(tc.Arguments, &args); err != nil {
					args = map[string]any{}
				}
				content.Parts = append(content.Parts, &genai.Part{
					FunctionCall: &genai.FunctionCall{Name: tc.Name, Args: args},
				})
			}
		}

		if len(content.Parts) > 0 {
			result = append(result, content)
		}
	}
	return result, nil
}

// toolNameForCall recovers the function name for a result whose message
// lost it, by scanning the history for the originating call.
func toolNameForCall(callID string, msgs []models.Message) string {
	for i := range msgs {
		for _, tc := range msgs[i].ToolCalls {
			if tc.ID == callID {
				return tc.Name
			}
		}
	}
	return ""
}

// googleImagePart renders an image: inline bytes for base64 payloads,
// fileData for plain URIs.
func googleImagePart(part models.ContentPart) (*genai.Part, error) {
	encoded := part.Base64
	mime := part.MimeType

	if part.URL != "" {
		if dataMime, data, ok := splitDataURL(part.URL); ok {
			encoded, mime = data, dataMime
		} else {
			if mime == "" {
				mime = "image/jpeg"
			}
			return &genai.Part{
				FileData: &genai.FileData{FileURI: part.URL, MIMEType: mime},
			}, nil
		}
	}

	if encoded == "" {
		return nil, fault.Validation("image part has neither url nor base64 data")
	}
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fault.Validation("image part has invalid base64 data: %v", err)
	}
	if mime == "" {
		mime = "image/jpeg"
	}
	return &genai.Part{
		InlineData: &genai.Blob{Data: data, MIMEType: mime},
	}, nil
}

func convertGoogleTools(tools []models.ToolDefinition) []*genai.Tool {
	declarations := make([]*genai.FunctionDeclaration, 0, len(tools))
	for _, tool := range tools {
		var schemaMap map[string]any
		if err := json.Unmarshal(tool.Schema, &schemaMap); err != nil {
			continue
		}
		declarations = append(declarations, &genai.FunctionDeclaration{
			Name:        tool.Name,
			Description: tool.Description,
			Parameters:  googleSchema(schemaMap),
		})
	}
	if len(declarations) == 0 {
		return nil
	}
	return []*genai.Tool{{FunctionDeclarations: declarations}}
}

// googleSchema converts a JSON Schema map to the SDK's typed schema.
// Gemini understands a narrow subset; anything else is dropped.
func googleSchema(schemaMap map[string]any) *genai.Schema {
	if schemaMap == nil {
		return nil
	}

	schema := &genai.Schema{}
	if t, ok := schemaMap["type"].(string); ok {
		schema.Type = genai.Type(strings.ToUpper(t))
	}
	if desc, ok := schemaMap["description"].(string); ok {
		schema.Description = desc
	}
	if enum, ok := schemaMap["enum"].([]any); ok {
		for _, e := range enum {
			if s, ok := e.(string); ok {
				schema.Enum = append(schema.Enum, s)
			}
		}
	}
	if props, ok := schemaMap["properties"].(map[string]any); ok {
		schema.Properties = make(map[string]*genai.Schema, len(props))
		for name, prop := range props {
			if propMap, ok := prop.(map[string]any); ok {
				schema.Properties[name] = googleSchema(propMap)
			}
		}
	}
	if required, ok := schemaMap["required"].([]any); ok {
		for _, r := range required {
			if s, ok := r.(string); ok {
				schema.Required = append(schema.Required, s)
			}
		}
	}
	if items, ok := schemaMap["items"].(map[string]any); ok {
		schema.Items = googleSchema(items)
	}
	return schema
}

// classifyGoogleError maps SDK errors onto the fault taxonomy.
func classifyGoogleError(model string, err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return fault.Upstream("google", model, apiErr.Code, apiErr.Message)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fault.Network("google", err)
}
