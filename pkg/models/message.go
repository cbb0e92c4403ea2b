// Package models defines the canonical conversation types shared by the
// gateway, the orchestrator, and every provider adapter. Adapters translate
// between these types and vendor wire formats; nothing vendor-shaped is
// allowed to escape an adapter.
package models

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Role indicates the message author type.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// PartType discriminates the variants of a ContentPart.
type PartType string

const (
	PartText       PartType = "text"
	PartImage      PartType = "image"
	PartToolUse    PartType = "tool_use"
	PartToolResult PartType = "tool_result"
)

// ContentPart is one element of a multi-part message body.
type ContentPart struct {
	Type PartType `json:"type"`

	// Text is set for PartText.
	Text string `json:"text,omitempty"`

	// Image fields. Exactly one of URL or Base64 is set; Base64 carries
	// raw base64 data without a data-URL prefix. Adapters add or strip
	// the prefix as their vendor requires.
	URL      string `json:"url,omitempty"`
	Base64   string `json:"base64,omitempty"`
	MimeType string `json:"mimeType,omitempty"`

	// Tool fields, set for PartToolUse and PartToolResult.
	ToolCallID string          `json:"toolCallId,omitempty"`
	ToolName   string          `json:"toolName,omitempty"`
	Arguments  json.RawMessage `json:"arguments,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
}

// Message is the canonical unit of conversation. Content carries the
// plain-string form; Parts carries the multi-part form. At most one of the
// two is populated. Messages are treated as immutable once appended to a
// conversation.
type Message struct {
	Role      Role          `json:"role"`
	Content   string        `json:"-"`
	Parts     []ContentPart `json:"-"`
	ToolCalls []ToolCall    `json:"toolCalls,omitempty"`

	// ToolCallID and ToolName identify the call a role=tool message
	// answers. IsError marks a tool result carrying an error payload.
	ToolCallID string `json:"toolCallId,omitempty"`
	ToolName   string `json:"toolName,omitempty"`
	IsError    bool   `json:"isError,omitempty"`
}

// NewSystemMessage builds a plain system message.
func NewSystemMessage(text string) Message {
	return Message{Role: RoleSystem, Content: text}
}

// NewUserMessage builds a plain user message.
func NewUserMessage(text string) Message {
	return Message{Role: RoleUser, Content: text}
}

// NewAssistantMessage builds an assistant message with optional tool calls.
func NewAssistantMessage(text string, calls ...ToolCall) Message {
	return Message{Role: RoleAssistant, Content: text, ToolCalls: calls}
}

// NewToolMessage builds the role=tool message answering one tool call.
func NewToolMessage(result ToolResult) Message {
	return Message{
		Role:       RoleTool,
		Content:    result.Content(),
		ToolCallID: result.ToolCallID,
		ToolName:   result.ToolName,
		IsError:    !result.OK,
	}
}

// Text flattens the message body to plain text. For multi-part messages the
// text parts are concatenated in order.
func (m *Message) Text() string {
	if len(m.Parts) == 0 {
		return m.Content
	}
	var buf bytes.Buffer
	for _, p := range m.Parts {
		if p.Type == PartText {
			buf.WriteString(p.Text)
		}
	}
	return buf.String()
}

// Images returns the image parts of the message, in order.
func (m *Message) Images() []ContentPart {
	var out []ContentPart
	for _, p := range m.Parts {
		if p.Type == PartImage {
			out = append(out, p)
		}
	}
	return out
}

// Validate checks the structural invariants of a single message.
func (m *Message) Validate() error {
	switch m.Role {
	case RoleSystem, RoleUser, RoleAssistant, RoleTool:
	default:
		return fmt.Errorf("invalid role %q", m.Role)
	}
	if m.Role == RoleTool && m.ToolCallID == "" {
		return fmt.Errorf("tool message missing toolCallId")
	}
	if m.Role != RoleAssistant && len(m.ToolCalls) > 0 {
		return fmt.Errorf("toolCalls only allowed on assistant messages")
	}
	if m.Role != RoleUser {
		for _, p := range m.Parts {
			if p.Type == PartImage {
				return fmt.Errorf("image parts only allowed on user messages")
			}
		}
	}
	return nil
}

// messageWire is the JSON shape of Message. Content is a string or an
// ordered array of parts on the wire; both forms are accepted and the
// original form is preserved when marshalling back.
type messageWire struct {
	Role       Role            `json:"role"`
	Content    json.RawMessage `json:"content,omitempty"`
	ToolCalls  []ToolCall      `json:"toolCalls,omitempty"`
	ToolCallID string          `json:"toolCallId,omitempty"`
	ToolName   string          `json:"toolName,omitempty"`
	IsError    bool            `json:"isError,omitempty"`
}

// MarshalJSON emits content as a plain string unless parts are present.
func (m Message) MarshalJSON() ([]byte, error) {
	w := messageWire{
		Role:       m.Role,
		ToolCalls:  m.ToolCalls,
		ToolCallID: m.ToolCallID,
		ToolName:   m.ToolName,
		IsError:    m.IsError,
	}
	var err error
	if len(m.Parts) > 0 {
		w.Content, err = json.Marshal(m.Parts)
	} else {
		w.Content, err = json.Marshal(m.Content)
	}
	if err != nil {
		return nil, err
	}
	return json.Marshal(w)
}

// UnmarshalJSON accepts content as either a string or an array of parts.
func (m *Message) UnmarshalJSON(data []byte) error {
	var w messageWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	m.Role = w.Role
	m.ToolCalls = w.ToolCalls
	m.ToolCallID = w.ToolCallID
	m.ToolName = w.ToolName
	m.IsError = w.IsError
	m.Content = ""
	m.Parts = nil

	raw := bytes.TrimSpace(w.Content)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil
	}
	switch raw[0] {
	case '"':
		return json.Unmarshal(raw, &m.Content)
	case '[':
		return json.Unmarshal(raw, &m.Parts)
	default:
		return fmt.Errorf("message content must be a string or an array of parts")
	}
}
