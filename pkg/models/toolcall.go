package models

import (
	"encoding/json"
	"strings"
)

// PartialArgumentsKey marks tool-call arguments that could not be parsed as
// JSON when the upstream stream ended. The raw accumulated fragment is kept
// under this key so callers can decide how to handle it.
const PartialArgumentsKey = "_partial"

// ToolCall is a structured request from the model to invoke a registered
// tool. ID is provider-assigned, or synthesized by adapters for vendors
// that do not supply one. Arguments holds the parsed JSON object after
// streaming reassembly, or a {"_partial": "<raw>"} object when reassembly
// failed.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// ArgumentsMap decodes the arguments into a generic map.
func (t *ToolCall) ArgumentsMap() (map[string]any, error) {
	out := map[string]any{}
	if len(t.Arguments) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(t.Arguments, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Partial reports whether the arguments are an unparsed fragment, returning
// the raw fragment when they are.
func (t *ToolCall) Partial() (string, bool) {
	args, err := t.ArgumentsMap()
	if err != nil || len(args) != 1 {
		return "", false
	}
	raw, ok := args[PartialArgumentsKey].(string)
	return raw, ok
}

// PartialArguments wraps a raw argument fragment in the provisional
// partial form.
func PartialArguments(fragment string) json.RawMessage {
	b, _ := json.Marshal(map[string]string{PartialArgumentsKey: fragment})
	return b
}

// ToolErrorKind classifies tool execution failures.
type ToolErrorKind string

const (
	ToolErrorValidation ToolErrorKind = "VALIDATION"
	ToolErrorTimeout    ToolErrorKind = "TIMEOUT"
	ToolErrorNotFound   ToolErrorKind = "NOT_FOUND"
	ToolErrorExecution  ToolErrorKind = "EXECUTION"
)

// ToolError carries the normalized failure of one tool execution.
type ToolError struct {
	Kind    ToolErrorKind `json:"kind"`
	Message string        `json:"message"`
}

// ToolResult is the normalized outcome of one tool call. Exactly one of
// Value or Error is meaningful, selected by OK.
type ToolResult struct {
	ToolCallID string          `json:"toolCallId"`
	ToolName   string          `json:"toolName"`
	OK         bool            `json:"ok"`
	Value      json.RawMessage `json:"value,omitempty"`
	Error      *ToolError      `json:"error,omitempty"`
}

// ErrorResult builds a failed ToolResult for the given call.
func ErrorResult(callID, toolName string, kind ToolErrorKind, message string) ToolResult {
	return ToolResult{
		ToolCallID: callID,
		ToolName:   toolName,
		OK:         false,
		Error:      &ToolError{Kind: kind, Message: message},
	}
}

// Content renders the result as the text the model sees on the next round.
// Successful results render their value; failures render the error message
// prefixed with its kind.
func (r *ToolResult) Content() string {
	if r.OK {
		if len(r.Value) == 0 {
			return ""
		}
		// A bare JSON string is unquoted for readability.
		var s string
		if err := json.Unmarshal(r.Value, &s); err == nil {
			return s
		}
		return string(r.Value)
	}
	if r.Error == nil {
		return "tool execution failed"
	}
	var b strings.Builder
	b.WriteString(string(r.Error.Kind))
	b.WriteString(": ")
	b.WriteString(r.Error.Message)
	return b.String()
}
