package provider

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/parleyhq/parley/internal/catalog"
	"github.com/parleyhq/parley/internal/fault"
	"github.com/parleyhq/parley/pkg/models"
)

func boolPtr(b bool) *bool { return &b }

// stubProvider satisfies Provider for registry tests.
type stubProvider struct {
	name string
}

func (s *stubProvider) Name() string                                   { return s.name }
func (s *stubProvider) Capabilities(catalog.ModelSpec) Capabilities    { return Capabilities{} }
func (s *stubProvider) ValidateConfig() error                          { return nil }
func (s *stubProvider) ValidateRequest(*ChatRequest) error             { return nil }
func (s *stubProvider) Chat(context.Context, *ChatRequest) (*models.Response, error) {
	return nil, nil
}
func (s *stubProvider) Stream(context.Context, *ChatRequest) (<-chan *models.ResponseChunk, error) {
	return nil, nil
}

func TestRegistry(t *testing.T) {
	reg := NewRegistry()
	reg.Register(&stubProvider{name: "openai"})
	reg.Register(&stubProvider{name: "anthropic"})

	p, err := reg.Get("openai")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if p.Name() != "openai" {
		t.Errorf("Name() = %q, want openai", p.Name())
	}

	names := reg.Names()
	if len(names) != 2 || names[0] != "anthropic" || names[1] != "openai" {
		t.Errorf("Names() = %v, want sorted [anthropic openai]", names)
	}
}

func TestRegistryUnknownProvider(t *testing.T) {
	reg := NewRegistry()
	_, err := reg.Get("nope")
	if err == nil {
		t.Fatal("expected an error for an unknown provider")
	}
	fe, ok := fault.As(err)
	if !ok || fe.Code != fault.CodeConfiguration {
		t.Errorf("error = %v, want CONFIGURATION_ERROR", err)
	}
}

func TestRegistryReplace(t *testing.T) {
	reg := NewRegistry()
	first := &stubProvider{name: "vllm"}
	second := &stubProvider{name: "vllm"}
	reg.Register(first)
	reg.Register(second)

	p, err := reg.Get("vllm")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if p != second {
		t.Error("Register should replace the previous adapter")
	}
}

func TestValidateRequest(t *testing.T) {
	fullCaps := Capabilities{Tools: true, Images: true, StructuredOutput: true, Streaming: true}
	model := catalog.ModelSpec{ID: "m"}

	userMsg := []models.Message{models.NewUserMessage("hi")}
	imageMsg := []models.Message{{
		Role:  models.RoleUser,
		Parts: []models.ContentPart{{Type: models.PartImage, URL: "https://x/y.png"}},
	}}
	tool := models.ToolDefinition{Name: "lookup", Schema: json.RawMessage(`{"type":"object"}`)}

	tests := []struct {
		name    string
		caps    Capabilities
		req     *ChatRequest
		wantErr bool
	}{
		{
			name:    "plain request passes",
			caps:    fullCaps,
			req:     &ChatRequest{Model: model, Messages: userMsg},
			wantErr: false,
		},
		{
			name:    "no messages",
			caps:    fullCaps,
			req:     &ChatRequest{Model: model},
			wantErr: true,
		},
		{
			name:    "tools on a model without tool support",
			caps:    Capabilities{Images: true},
			req:     &ChatRequest{Model: model, Messages: userMsg, Tools: []models.ToolDefinition{tool}},
			wantErr: true,
		},
		{
			name:    "images on a model without image support",
			caps:    Capabilities{Tools: true},
			req:     &ChatRequest{Model: model, Messages: imageMsg},
			wantErr: true,
		},
		{
			name:    "images allowed",
			caps:    fullCaps,
			req:     &ChatRequest{Model: model, Messages: imageMsg},
			wantErr: false,
		},
		{
			name: "tool without a name",
			caps: fullCaps,
			req: &ChatRequest{Model: model, Messages: userMsg,
				Tools: []models.ToolDefinition{{Schema: json.RawMessage(`{}`)}}},
			wantErr: true,
		},
		{
			name: "tool without a schema",
			caps: fullCaps,
			req: &ChatRequest{Model: model, Messages: userMsg,
				Tools: []models.ToolDefinition{{Name: "lookup"}}},
			wantErr: true,
		},
		{
			name: "json_schema without a schema",
			caps: fullCaps,
			req: &ChatRequest{Model: model, Messages: userMsg,
				ResponseFormat: &models.ResponseFormat{Type: models.ResponseFormatJSONSchema}},
			wantErr: true,
		},
		{
			name: "json_schema on a model without structured output",
			caps: Capabilities{Tools: true, Images: true},
			req: &ChatRequest{Model: model, Messages: userMsg,
				ResponseFormat: &models.ResponseFormat{
					Type:   models.ResponseFormatJSONSchema,
					Schema: json.RawMessage(`{"type":"object"}`),
				}},
			wantErr: true,
		},
		{
			name: "json_object needs no schema",
			caps: Capabilities{},
			req: &ChatRequest{Model: model, Messages: userMsg,
				ResponseFormat: &models.ResponseFormat{Type: models.ResponseFormatJSONObject}},
			wantErr: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateRequest(tt.caps, tt.req)
			if (err != nil) != tt.wantErr {
				t.Fatalf("validateRequest() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				fe, ok := fault.As(err)
				if !ok || fe.Code != fault.CodeValidation {
					t.Errorf("error = %v, want VALIDATION_ERROR", err)
				}
			}
		})
	}
}

func TestMaxTokenResolution(t *testing.T) {
	withCap := catalog.ModelSpec{ID: "m", MaxTokens: 2000}
	noCap := catalog.ModelSpec{ID: "m"}

	if got := maxOutputTokens(withCap, 4096); got != 2000 {
		t.Errorf("maxOutputTokens(withCap) = %d, want 2000", got)
	}
	if got := maxOutputTokens(noCap, 4096); got != 4096 {
		t.Errorf("maxOutputTokens(noCap) = %d, want the vendor default", got)
	}

	req := &ChatRequest{Model: withCap, MaxTokens: 300}
	if got := effectiveMaxTokens(req, 4096); got != 300 {
		t.Errorf("effectiveMaxTokens(request override) = %d, want 300", got)
	}
	req.MaxTokens = 0
	if got := effectiveMaxTokens(req, 4096); got != 2000 {
		t.Errorf("effectiveMaxTokens(model cap) = %d, want 2000", got)
	}
}
