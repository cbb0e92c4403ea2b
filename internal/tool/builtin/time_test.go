package builtin

import (
	"context"
	"encoding/json"
	"testing"
	"time"
)

func TestCurrentTime(t *testing.T) {
	fixed := time.Date(2025, 3, 14, 15, 9, 26, 0, time.UTC)
	tool := NewCurrentTime(WithClock(func() time.Time { return fixed }))

	tests := []struct {
		name     string
		args     string
		wantTime string
	}{
		{name: "defaults", args: `{}`, wantTime: "2025-03-14T15:09:26Z"},
		{name: "unix format", args: `{"format":"unix"}`, wantTime: "1741964966"},
		{name: "custom layout", args: `{"format":"2006-01-02"}`, wantTime: "2025-03-14"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw, err := tool.Invoke(context.Background(), json.RawMessage(tt.args))
			if err != nil {
				t.Fatalf("Invoke() error = %v", err)
			}
			var payload struct {
				Time        string `json:"time"`
				Timezone    string `json:"timezone"`
				UnixSeconds int64  `json:"unixSeconds"`
			}
			if err := json.Unmarshal(raw, &payload); err != nil {
				t.Fatalf("unmarshal result: %v", err)
			}
			if payload.Time != tt.wantTime {
				t.Errorf("time = %q, want %q", payload.Time, tt.wantTime)
			}
			if payload.Timezone != "UTC" || payload.UnixSeconds != fixed.Unix() {
				t.Errorf("payload = %+v", payload)
			}
		})
	}
}

func TestCurrentTimeUnknownZone(t *testing.T) {
	tool := NewCurrentTime()
	if _, err := tool.Invoke(context.Background(), json.RawMessage(`{"timezone":"Nowhere/Nope"}`)); err == nil {
		t.Error("expected an error for an unknown zone")
	}
}

func TestCurrentTimeSchema(t *testing.T) {
	tool := NewCurrentTime()
	var schema map[string]any
	if err := json.Unmarshal(tool.Schema(), &schema); err != nil {
		t.Fatalf("schema is not valid JSON: %v", err)
	}
	if schema["type"] != "object" {
		t.Errorf("type = %v", schema["type"])
	}
	props, _ := schema["properties"].(map[string]any)
	if _, ok := props["timezone"]; !ok {
		t.Error("schema is missing the timezone property")
	}
	if _, ok := props["format"]; !ok {
		t.Error("schema is missing the format property")
	}
	if schema["additionalProperties"] != false {
		t.Errorf("additionalProperties = %v, want false", schema["additionalProperties"])
	}
}
