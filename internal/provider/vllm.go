package provider

import (
	"context"
	"net/http"

	"github.com/parleyhq/parley/internal/catalog"
	"github.com/parleyhq/parley/internal/config"
	"github.com/parleyhq/parley/internal/observability"
	"github.com/parleyhq/parley/pkg/models"
)

const vllmDefaultMaxTokens = 4096

// VLLM talks to self-hosted vLLM servers over the OpenAI-compatible
// dialect. Every schema that leaves this adapter is sanitized first:
// vLLM's guided decoding chokes on composition keywords and $ref, so
// they are stripped from tool parameters and response schemas alike.
type VLLM struct {
	wire *wireClient
}

func NewVLLM(cfg config.ProviderConfig, base *http.Client, log *observability.Logger) *VLLM {
	return &VLLM{
		wire: newWireClient("vllm", cfg.BaseURL, cfg.APIKey, base, log),
	}
}

func (p *VLLM) Name() string { return "vllm" }

func (p *VLLM) Capabilities(m catalog.ModelSpec) Capabilities {
	return Capabilities{
		Tools:            m.ToolsSupported(),
		Images:           true,
		StructuredOutput: true,
		Streaming:        m.StreamingSupported(),
		MaxOutputTokens:  maxOutputTokens(m, vllmDefaultMaxTokens),
		ContextLength:    m.ContextLength,
	}
}

// ValidateConfig accepts any configuration: vLLM deployments are reached
// through per-model URLs and usually run without keys.
func (p *VLLM) ValidateConfig() error { return nil }

func (p *VLLM) ValidateRequest(req *ChatRequest) error {
	if err := validateRequest(p.Capabilities(req.Model), req); err != nil {
		return err
	}
	// Surface unsalvageable schemas at validation time instead of
	// mid-dispatch.
	for _, tool := range req.Tools {
		if _, err := SanitizeForVLLM(tool.Schema); err != nil {
			return err
		}
	}
	if rf := req.ResponseFormat; rf != nil && len(rf.Schema) > 0 {
		if _, err := SanitizeForVLLM(rf.Schema); err != nil {
			return err
		}
	}
	return nil
}

func (p *VLLM) Chat(ctx context.Context, req *ChatRequest) (*models.Response, error) {
	wr, err := p.buildRequest(req)
	if err != nil {
		return nil, err
	}
	return p.wire.chat(ctx, req.Model, wr)
}

func (p *VLLM) Stream(ctx context.Context, req *ChatRequest) (<-chan *models.ResponseChunk, error) {
	wr, err := p.buildRequest(req)
	if err != nil {
		return nil, err
	}
	return p.wire.stream(ctx, req.Model, wr)
}

func (p *VLLM) buildRequest(req *ChatRequest) (*wireRequest, error) {
	wr := &wireRequest{
		Model:       req.Model.ID,
		Messages:    buildWireMessages(req.System, req.Messages),
		Temperature: req.Temperature,
		MaxTokens:   effectiveMaxTokens(req, vllmDefaultMaxTokens),
		Stop:        req.Stop,
	}

	if len(req.Tools) > 0 {
		wr.Tools = make([]wireTool, len(req.Tools))
		for i, tool := range req.Tools {
			clean, err := SanitizeForVLLM(tool.Schema)
			if err != nil {
				return nil, err
			}
			wr.Tools[i] = wireTool{
				Type: "function",
				Function: wireFunction{
					Name:        tool.Name,
					Description: tool.Description,
					Parameters:  clean,
				},
			}
		}
	}

	if rf := req.ResponseFormat; rf != nil && rf.Type != models.ResponseFormatText {
		wr.ResponseFormat = &wireRespFormat{Type: "json_object"}
		if rf.Type == models.ResponseFormatJSONSchema {
			clean, err := SanitizeForVLLM(rf.Schema)
			if err != nil {
				return nil, err
			}
			wr.GuidedJSON = clean
		}
	}
	return wr, nil
}
