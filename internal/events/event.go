// Package events defines the typed stream a chat session emits while a
// turn runs, and the fabrics that deliver it: an SSE writer for the
// primary channel and a WebSocket mirror. Producers never touch the
// wire. They post through a Tracker bound to the session's channel, and
// the session's writer goroutine owns delivery.
package events

import (
	"encoding/json"

	"github.com/parleyhq/parley/pkg/models"
)

// Kind identifies an event on the session stream. The set is part of the
// client contract; renaming a kind is a breaking change.
type Kind string

const (
	// KindConnected opens the stream once the SSE channel is bound.
	KindConnected Kind = "connected"

	// KindPrepared reports the resolved model and tool set for a turn.
	KindPrepared Kind = "prepared"

	// KindDelta carries incremental assistant text or a tool-call
	// argument fragment.
	KindDelta Kind = "delta"

	// KindSkillActivation reports that a requested skill was applied.
	KindSkillActivation Kind = "skill.activation"

	// KindToolInvoked marks the start of one tool execution.
	KindToolInvoked Kind = "tool.invoked"

	// KindToolResult reports the outcome of one tool execution.
	KindToolResult Kind = "tool.result"

	// KindUsage reports accumulated token usage for the turn.
	KindUsage Kind = "usage"

	// KindDone closes a turn with its finish reason.
	KindDone Kind = "done"

	// KindError reports a terminal failure.
	KindError Kind = "error"

	// KindDisconnected announces that the stream is closing.
	KindDisconnected Kind = "disconnected"

	// KindToolLimitExceeded marks a turn cut off at the round bound.
	KindToolLimitExceeded Kind = "tool_limit_exceeded"

	// KindTimeout marks a round that exceeded its wall clock.
	KindTimeout Kind = "timeout"
)

// Event is one frame on the session stream: a kind and its payload.
type Event struct {
	Type Kind `json:"type"`
	Data any  `json:"data"`
}

// ConnectedPayload greets the client after the channel is bound.
type ConnectedPayload struct {
	ChatID string `json:"chatId"`
	TS     int64  `json:"ts"`
}

// PreparedPayload reports what a turn will run with.
type PreparedPayload struct {
	Model        string   `json:"model"`
	ToolsEnabled []string `json:"toolsEnabled"`
}

// DeltaPayload carries incremental output. Exactly one field is set.
type DeltaPayload struct {
	Text             string `json:"text,omitempty"`
	ToolCallFragment string `json:"toolCallFragment,omitempty"`
}

// SkillPayload reports an activated skill.
type SkillPayload struct {
	SkillName   string `json:"skillName"`
	Description string `json:"description,omitempty"`
}

// ToolInvokedPayload marks the start of one tool call.
type ToolInvokedPayload struct {
	ToolCallID string          `json:"toolCallId"`
	Name       string          `json:"name"`
	Args       json.RawMessage `json:"args,omitempty"`
}

// ToolResultPayload reports one tool call's outcome and latency.
type ToolResultPayload struct {
	ToolCallID string `json:"toolCallId"`
	OK         bool   `json:"ok"`
	MS         int64  `json:"ms"`
	ErrorKind  string `json:"errorKind,omitempty"`
}

// DonePayload ends a turn.
type DonePayload struct {
	FinishReason models.FinishReason `json:"finishReason"`
}

// ErrorPayload reports a terminal failure in client terms.
type ErrorPayload struct {
	Code           string `json:"code"`
	Message        string `json:"message"`
	Recommendation string `json:"recommendation,omitempty"`
}

// DisconnectedPayload announces stream closure.
type DisconnectedPayload struct {
	Reason string `json:"reason"`
}

// LimitPayload reports the round bound that ended the turn.
type LimitPayload struct {
	MaxRounds int `json:"maxRounds"`
}

// TimeoutPayload reports how long the round ran before expiring.
type TimeoutPayload struct {
	AfterMS int64 `json:"afterMs"`
}
