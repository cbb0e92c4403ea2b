package models

import "encoding/json"

// Response is the canonical non-streaming completion result. Raw preserves
// the verbatim upstream body where the caller asked for it (the model test
// endpoint returns it unchanged).
type Response struct {
	ID       string           `json:"id"`
	Model    string           `json:"model"`
	Provider string           `json:"provider"`
	Choices  []ResponseChoice `json:"choices"`
	Usage    *Usage           `json:"usage,omitempty"`
	Raw      json.RawMessage  `json:"raw,omitempty"`
}

// ResponseChoice is one completion alternative.
type ResponseChoice struct {
	Index        int          `json:"index"`
	Message      Message      `json:"message"`
	FinishReason FinishReason `json:"finishReason,omitempty"`
}

// First returns the first choice, or nil when the response is empty.
func (r *Response) First() *ResponseChoice {
	if r == nil || len(r.Choices) == 0 {
		return nil
	}
	return &r.Choices[0]
}

// ResponseChunk is one streaming delta. Done is set exactly once per
// upstream round, on the final chunk. Err carries mid-stream failures to
// the consumer and never crosses the wire.
type ResponseChunk struct {
	ID       string        `json:"id"`
	Model    string        `json:"model"`
	Provider string        `json:"provider"`
	Choices  []ChunkChoice `json:"choices,omitempty"`
	Usage    *Usage        `json:"usage,omitempty"`
	Done     bool          `json:"done"`
	Err      error         `json:"-"`
}

// ChunkChoice is the per-choice slice of a streaming delta.
type ChunkChoice struct {
	Index        int          `json:"index"`
	Delta        Delta        `json:"delta"`
	FinishReason FinishReason `json:"finishReason,omitempty"`
}

// Delta carries the incremental payload of one chunk.
type Delta struct {
	Role      Role       `json:"role,omitempty"`
	Content   string     `json:"content,omitempty"`
	ToolCalls []ToolCall `json:"toolCalls,omitempty"`
}

// Text returns the chunk's text delta for the first choice.
func (c *ResponseChunk) Text() string {
	if c == nil || len(c.Choices) == 0 {
		return ""
	}
	return c.Choices[0].Delta.Content
}

// ToolCallDeltas returns the finalized tool calls carried by the chunk.
func (c *ResponseChunk) ToolCallDeltas() []ToolCall {
	if c == nil || len(c.Choices) == 0 {
		return nil
	}
	return c.Choices[0].Delta.ToolCalls
}

// Finish returns the chunk's finish reason, if any.
func (c *ResponseChunk) Finish() FinishReason {
	if c == nil || len(c.Choices) == 0 {
		return FinishNone
	}
	return c.Choices[0].FinishReason
}

// ResponseFormatType selects the structured-output mode of a request.
type ResponseFormatType string

const (
	ResponseFormatText       ResponseFormatType = "text"
	ResponseFormatJSONObject ResponseFormatType = "json_object"
	ResponseFormatJSONSchema ResponseFormatType = "json_schema"
)

// ResponseFormat requests structured output. Schema is required for
// json_schema; SchemaName defaults to "response" when empty.
type ResponseFormat struct {
	Type       ResponseFormatType `json:"type"`
	SchemaName string             `json:"schemaName,omitempty"`
	Schema     json.RawMessage    `json:"schema,omitempty"`
}

// ToolDefinition describes a callable tool as presented to the model.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Schema      json.RawMessage `json:"schema"`
}
