package provider

import (
	"encoding/json"
	"testing"

	"github.com/parleyhq/parley/internal/catalog"
	"github.com/parleyhq/parley/internal/config"
	"github.com/parleyhq/parley/internal/fault"
	"github.com/parleyhq/parley/pkg/models"
)

func TestVLLMValidateConfig(t *testing.T) {
	// Self-hosted deployments commonly run without keys or a shared base
	// URL, so an empty config is valid.
	p := NewVLLM(config.ProviderConfig{}, nil, testLogger())
	if err := p.ValidateConfig(); err != nil {
		t.Errorf("ValidateConfig() = %v, want nil", err)
	}
}

func TestVLLMBuildRequestSanitizesSchemas(t *testing.T) {
	p := NewVLLM(config.ProviderConfig{}, nil, testLogger())
	req := &ChatRequest{
		Model:    catalog.ModelSpec{ID: "qwen-72b", SupportsTools: boolPtr(true)},
		Messages: []models.Message{models.NewUserMessage("hi")},
		Tools: []models.ToolDefinition{{
			Name: "lookup",
			Schema: json.RawMessage(`{
				"type": "object",
				"additionalProperties": false,
				"properties": {
					"q": {"type": "string", "format": "uri"},
					"ref": {"$ref": "#/$defs/thing"}
				}
			}`),
		}},
		ResponseFormat: &models.ResponseFormat{
			Type: models.ResponseFormatJSONSchema,
			Schema: json.RawMessage(`{
				"type": "object",
				"properties": {"answer": {"anyOf": [{"type": "string"}, {"type": "number"}]}},
				"allOf": [{"required": ["answer"]}]
			}`),
		},
	}

	wr, err := p.buildRequest(req)
	if err != nil {
		t.Fatalf("buildRequest() error = %v", err)
	}

	if wr.ResponseFormat == nil || wr.ResponseFormat.Type != "json_object" {
		t.Fatalf("response format = %+v, want json_object", wr.ResponseFormat)
	}
	if len(wr.GuidedJSON) == 0 {
		t.Fatal("guided_json not set for a schema request")
	}

	assertNoBannedKeywords := func(t *testing.T, raw json.RawMessage) {
		t.Helper()
		var node map[string]any
		if err := json.Unmarshal(raw, &node); err != nil {
			t.Fatalf("schema is not valid JSON: %v", err)
		}
		walkSchema(node, func(n map[string]any) {
			for _, key := range vllmUnsupported {
				if _, present := n[key]; present {
					t.Errorf("banned keyword %q reached the request: %v", key, n)
				}
			}
		})
	}
	assertNoBannedKeywords(t, wr.GuidedJSON)
	if len(wr.Tools) != 1 {
		t.Fatalf("tools = %d, want 1", len(wr.Tools))
	}
	assertNoBannedKeywords(t, wr.Tools[0].Function.Parameters)
}

func TestVLLMBuildRequestJSONObject(t *testing.T) {
	p := NewVLLM(config.ProviderConfig{}, nil, testLogger())
	req := &ChatRequest{
		Model:          catalog.ModelSpec{ID: "qwen-72b"},
		Messages:       []models.Message{models.NewUserMessage("hi")},
		ResponseFormat: &models.ResponseFormat{Type: models.ResponseFormatJSONObject},
	}

	wr, err := p.buildRequest(req)
	if err != nil {
		t.Fatalf("buildRequest() error = %v", err)
	}
	if wr.ResponseFormat == nil || wr.ResponseFormat.Type != "json_object" {
		t.Fatalf("response format = %+v", wr.ResponseFormat)
	}
	if wr.GuidedJSON != nil {
		t.Error("guided_json should only be set for json_schema requests")
	}
}

func TestVLLMValidateRequestRejectsBadSchema(t *testing.T) {
	p := NewVLLM(config.ProviderConfig{}, nil, testLogger())
	req := &ChatRequest{
		Model:    catalog.ModelSpec{ID: "qwen-72b", SupportsTools: boolPtr(true)},
		Messages: []models.Message{models.NewUserMessage("hi")},
		Tools: []models.ToolDefinition{{
			Name:   "broken",
			Schema: json.RawMessage(`{"type":`),
		}},
	}

	err := p.ValidateRequest(req)
	if err == nil {
		t.Fatal("expected an error for a malformed tool schema")
	}
	fe, ok := fault.As(err)
	if !ok || fe.Code != fault.CodeValidation {
		t.Errorf("error = %v, want VALIDATION_ERROR", err)
	}
}

func TestVLLMValidateRequestAcceptsCleanSchemas(t *testing.T) {
	p := NewVLLM(config.ProviderConfig{}, nil, testLogger())
	req := &ChatRequest{
		Model:    catalog.ModelSpec{ID: "qwen-72b", SupportsTools: boolPtr(true)},
		Messages: []models.Message{models.NewUserMessage("hi")},
		Tools: []models.ToolDefinition{{
			Name:   "lookup",
			Schema: json.RawMessage(`{"type":"object","properties":{"q":{"type":"string"}}}`),
		}},
		ResponseFormat: &models.ResponseFormat{
			Type:   models.ResponseFormatJSONSchema,
			Schema: json.RawMessage(`{"type":"object"}`),
		},
	}
	if err := p.ValidateRequest(req); err != nil {
		t.Errorf("ValidateRequest() = %v, want nil", err)
	}
}
