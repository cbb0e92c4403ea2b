package chat

import (
	"github.com/parleyhq/parley/internal/auth"
	"github.com/parleyhq/parley/internal/fault"
	"github.com/parleyhq/parley/pkg/models"
)

// TurnRequest is the POST body submitting one turn. The gateway decodes
// it strictly: unknown fields are rejected.
type TurnRequest struct {
	Messages []models.Message `json:"messages"`
	ModelID  string           `json:"modelId,omitempty"`

	Temperature  *float64 `json:"temperature,omitempty"`
	Style        string   `json:"style,omitempty"`
	OutputFormat string   `json:"outputFormat,omitempty"`
	Language     string   `json:"language,omitempty"`

	// UseMaxTokens requests the model's full configured output budget.
	UseMaxTokens bool `json:"useMaxTokens,omitempty"`

	// BypassAppPrompts drops the app-authored system prompt while
	// keeping the request's own modifiers.
	BypassAppPrompts bool `json:"bypassAppPrompts,omitempty"`

	ThinkingEnabled bool `json:"thinkingEnabled,omitempty"`
	ThinkingBudget  int  `json:"thinkingBudget,omitempty"`

	// EnabledTools narrows the app's tool set. Absent means all app
	// tools; an empty list disables tools for the turn.
	EnabledTools []string `json:"enabledTools,omitempty"`

	ImageAspectRatio string `json:"imageAspectRatio,omitempty"`
	ImageQuality     string `json:"imageQuality,omitempty"`

	RequestedSkill string `json:"requestedSkill,omitempty"`

	ResponseFormat *models.ResponseFormat `json:"responseFormat,omitempty"`
}

// Validate applies the request checks that need no catalog access.
func (r *TurnRequest) Validate() error {
	if len(r.Messages) == 0 {
		return fault.Validation("messages must not be empty")
	}
	for i := range r.Messages {
		if err := r.Messages[i].Validate(); err != nil {
			return fault.Validation("messages[%d]: %v", i, err)
		}
	}
	if r.Temperature != nil && (*r.Temperature < 0 || *r.Temperature > 2) {
		return fault.Validation("temperature %v out of range [0, 2]", *r.Temperature)
	}
	if r.ThinkingBudget < 0 {
		return fault.Validation("thinkingBudget must not be negative")
	}
	return nil
}

// LastUserText returns the text of the most recent user message. The
// workflow detector scans it for @ tokens.
func (r *TurnRequest) LastUserText() string {
	for i := len(r.Messages) - 1; i >= 0; i-- {
		if r.Messages[i].Role == models.RoleUser {
			return r.Messages[i].Text()
		}
	}
	return ""
}

// Turn binds one request to its chat, app, and caller.
type Turn struct {
	AppID    string
	ChatID   string
	Identity auth.Identity
	Request  *TurnRequest
}

// Language returns the requested response language, if any.
func (t *Turn) Language() string {
	if t.Request == nil {
		return ""
	}
	return t.Request.Language
}
