package models

import "strings"

// FinishReason is the normalized termination cause of an upstream round.
type FinishReason string

const (
	FinishNone          FinishReason = ""
	FinishStop          FinishReason = "stop"
	FinishLength        FinishReason = "length"
	FinishToolCalls     FinishReason = "tool_calls"
	FinishContentFilter FinishReason = "content_filter"
)

// NormalizeFinishReason maps vendor finish values onto the canonical set.
// Unknown values pass through lowercased so callers can still log and
// propagate them.
func NormalizeFinishReason(raw string) FinishReason {
	switch raw {
	case "":
		return FinishNone
	case "stop", "end_turn", "stop_sequence", "STOP":
		return FinishStop
	case "length", "max_tokens", "MAX_TOKENS":
		return FinishLength
	case "tool_calls", "tool_use":
		return FinishToolCalls
	case "content_filter", "content_filtered", "SAFETY", "RECITATION":
		return FinishContentFilter
	}
	return FinishReason(strings.ToLower(raw))
}

// Terminal reports whether the reason ends the tool loop without another
// round.
func (f FinishReason) Terminal() bool {
	switch f {
	case FinishStop, FinishLength, FinishContentFilter:
		return true
	}
	return false
}
