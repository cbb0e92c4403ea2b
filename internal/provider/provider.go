// Package provider adapts the canonical chat model to the vendor APIs.
// Each adapter owns the full translation for one vendor: message
// partitioning, tool and image encoding, structured-output handling, and
// the reassembly of streamed tool-call fragments. Nothing outside this
// package sees a provider-native shape.
package provider

import (
	"context"
	"sort"
	"sync"

	"github.com/parleyhq/parley/internal/catalog"
	"github.com/parleyhq/parley/internal/fault"
	"github.com/parleyhq/parley/pkg/models"
)

// Capabilities describes what one model can do through its adapter.
type Capabilities struct {
	Tools            bool
	Images           bool
	StructuredOutput bool
	Streaming        bool
	MaxOutputTokens  int
	ContextLength    int
}

// ChatRequest is the canonical request handed to an adapter. Adapters
// read it; they never mutate it.
type ChatRequest struct {
	Model    catalog.ModelSpec
	System   string
	Messages []models.Message
	Tools    []models.ToolDefinition

	Temperature    *float64
	MaxTokens      int
	Stop           []string
	ResponseFormat *models.ResponseFormat

	// ThinkingEnabled and ThinkingBudget are honored by adapters whose
	// vendor has an extended-thinking mode; others ignore them.
	ThinkingEnabled bool
	ThinkingBudget  int
}

// Provider is one vendor adapter.
type Provider interface {
	// Name is the stable lowercase vendor id used for routing, metrics,
	// and the throttle key.
	Name() string

	Capabilities(model catalog.ModelSpec) Capabilities

	// ValidateConfig fails with a ConfigurationError when the adapter
	// cannot possibly reach its vendor.
	ValidateConfig() error

	// ValidateRequest fails with a ValidationError for requests the
	// model cannot serve.
	ValidateRequest(req *ChatRequest) error

	// Chat runs one non-streaming round.
	Chat(ctx context.Context, req *ChatRequest) (*models.Response, error)

	// Stream runs one streaming round. The channel closes after the
	// final chunk; mid-stream failures arrive as a chunk with Err set.
	Stream(ctx context.Context, req *ChatRequest) (<-chan *models.ResponseChunk, error)
}

// Registry maps vendor names to adapters.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]Provider)}
}

// Register adds or replaces an adapter under its name.
func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Name()] = p
}

// Get returns the adapter for a vendor name.
func (r *Registry) Get(name string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[name]
	if !ok {
		return nil, fault.Configuration(name, "no adapter registered for provider %q", name)
	}
	return p, nil
}

// Names returns the registered vendor names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// validateRequest applies the vendor-independent request checks.
func validateRequest(caps Capabilities, req *ChatRequest) error {
	if len(req.Messages) == 0 {
		return fault.Validation("chat request has no messages")
	}
	if len(req.Tools) > 0 && !caps.Tools {
		return fault.Validation("model %s does not support tools", req.Model.ID)
	}
	if !caps.Images {
		for i := range req.Messages {
			if len(req.Messages[i].Images()) > 0 {
				return fault.Validation("model %s does not support image input", req.Model.ID)
			}
		}
	}
	for _, tool := range req.Tools {
		if tool.Name == "" {
			return fault.Validation("tool definition without a name")
		}
		if len(tool.Schema) == 0 {
			return fault.Validation("tool %s has no schema", tool.Name)
		}
	}
	if rf := req.ResponseFormat; rf != nil {
		if rf.Type == models.ResponseFormatJSONSchema && len(rf.Schema) == 0 {
			return fault.Validation("json_schema response format requires a schema")
		}
		if rf.Type == models.ResponseFormatJSONSchema && !caps.StructuredOutput {
			return fault.Validation("model %s does not support structured output", req.Model.ID)
		}
	}
	return nil
}

// maxOutputTokens picks the model's configured cap or the vendor default.
func maxOutputTokens(m catalog.ModelSpec, vendorDefault int) int {
	if m.MaxTokens > 0 {
		return m.MaxTokens
	}
	return vendorDefault
}

// effectiveMaxTokens resolves the per-request output budget.
func effectiveMaxTokens(req *ChatRequest, vendorDefault int) int {
	if req.MaxTokens > 0 {
		return req.MaxTokens
	}
	return maxOutputTokens(req.Model, vendorDefault)
}
