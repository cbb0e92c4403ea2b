package provider

import (
	"context"
	"net/http"

	"github.com/parleyhq/parley/internal/catalog"
	"github.com/parleyhq/parley/internal/config"
	"github.com/parleyhq/parley/internal/fault"
	"github.com/parleyhq/parley/internal/observability"
	"github.com/parleyhq/parley/pkg/models"
)

const (
	mistralDefaultBaseURL   = "https://api.mistral.ai/v1"
	mistralDefaultMaxTokens = 4096
)

// Mistral talks to api.mistral.ai, which serves the OpenAI-compatible
// dialect. Structured output is downgraded to json_object because the
// La Plateforme endpoint rejects strict json_schema payloads.
type Mistral struct {
	wire *wireClient
}

func NewMistral(cfg config.ProviderConfig, base *http.Client, log *observability.Logger) *Mistral {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = mistralDefaultBaseURL
	}
	return &Mistral{
		wire: newWireClient("mistral", baseURL, cfg.APIKey, base, log),
	}
}

func (p *Mistral) Name() string { return "mistral" }

func (p *Mistral) Capabilities(m catalog.ModelSpec) Capabilities {
	return Capabilities{
		Tools:            m.ToolsSupported(),
		Images:           true,
		StructuredOutput: true,
		Streaming:        m.StreamingSupported(),
		MaxOutputTokens:  maxOutputTokens(m, mistralDefaultMaxTokens),
		ContextLength:    m.ContextLength,
	}
}

func (p *Mistral) ValidateConfig() error {
	if p.wire.apiKey == "" {
		return fault.Configuration("mistral", "api key is not configured")
	}
	return nil
}

func (p *Mistral) ValidateRequest(req *ChatRequest) error {
	return validateRequest(p.Capabilities(req.Model), req)
}

func (p *Mistral) Chat(ctx context.Context, req *ChatRequest) (*models.Response, error) {
	return p.wire.chat(ctx, req.Model, p.buildRequest(req))
}

func (p *Mistral) Stream(ctx context.Context, req *ChatRequest) (<-chan *models.ResponseChunk, error) {
	return p.wire.stream(ctx, req.Model, p.buildRequest(req))
}

func (p *Mistral) buildRequest(req *ChatRequest) *wireRequest {
	wr := &wireRequest{
		Model:       req.Model.ID,
		Messages:    buildWireMessages(req.System, req.Messages),
		Temperature: req.Temperature,
		MaxTokens:   effectiveMaxTokens(req, mistralDefaultMaxTokens),
		Stop:        req.Stop,
	}
	if len(req.Tools) > 0 {
		wr.Tools = buildWireTools(req.Tools)
	}
	if rf := req.ResponseFormat; rf != nil && rf.Type != models.ResponseFormatText {
		wr.ResponseFormat = &wireRespFormat{Type: "json_object"}
	}
	return wr
}
