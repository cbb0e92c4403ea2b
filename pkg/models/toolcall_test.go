package models

import (
	"encoding/json"
	"testing"
)

func TestToolCallPartial(t *testing.T) {
	tc := ToolCall{ID: "call_1", Name: "search", Arguments: PartialArguments(`{"query":"unterminat`)}

	raw, ok := tc.Partial()
	if !ok {
		t.Fatal("expected partial arguments")
	}
	if raw != `{"query":"unterminat` {
		t.Errorf("fragment = %q", raw)
	}

	whole := ToolCall{ID: "call_2", Name: "search", Arguments: json.RawMessage(`{"query":"go"}`)}
	if _, ok := whole.Partial(); ok {
		t.Error("complete arguments misreported as partial")
	}
}

func TestToolCallArgumentsMap(t *testing.T) {
	tc := ToolCall{Arguments: json.RawMessage(`{"city":"Paris","days":3}`)}
	args, err := tc.ArgumentsMap()
	if err != nil {
		t.Fatalf("ArgumentsMap: %v", err)
	}
	if args["city"] != "Paris" {
		t.Errorf("city = %v", args["city"])
	}

	empty := ToolCall{}
	args, err = empty.ArgumentsMap()
	if err != nil || len(args) != 0 {
		t.Errorf("empty arguments: %v %v", args, err)
	}
}

func TestToolResultContent(t *testing.T) {
	tests := []struct {
		name   string
		result ToolResult
		want   string
	}{
		{
			"object value",
			ToolResult{OK: true, Value: json.RawMessage(`{"a":1}`)},
			`{"a":1}`,
		},
		{
			"string value unquoted",
			ToolResult{OK: true, Value: json.RawMessage(`"plain text"`)},
			"plain text",
		},
		{"empty value", ToolResult{OK: true}, ""},
		{
			"error",
			ErrorResult("c", "t", ToolErrorValidation, "missing field city"),
			"VALIDATION: missing field city",
		},
		{"error without detail", ToolResult{OK: false}, "tool execution failed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.result.Content(); got != tt.want {
				t.Errorf("Content() = %q, want %q", got, tt.want)
			}
		})
	}
}
