package provider

import (
	"encoding/json"
	"testing"

	"github.com/parleyhq/parley/internal/fault"
)

func TestEnforceClosedObjects(t *testing.T) {
	tests := []struct {
		name   string
		schema string
	}{
		{
			name:   "flat object",
			schema: `{"type":"object","properties":{"name":{"type":"string"}}}`,
		},
		{
			name: "nested objects",
			schema: `{
				"type": "object",
				"properties": {
					"address": {
						"type": "object",
						"properties": {"city": {"type": "string"}}
					}
				}
			}`,
		},
		{
			name: "object inside array items",
			schema: `{
				"type": "array",
				"items": {"type": "object", "properties": {"id": {"type": "integer"}}}
			}`,
		},
		{
			name: "object inside defs",
			schema: `{
				"type": "object",
				"properties": {"pet": {"$ref": "#/$defs/pet"}},
				"$defs": {"pet": {"type": "object", "properties": {"name": {"type": "string"}}}}
			}`,
		},
		{
			name: "object inside anyOf",
			schema: `{
				"anyOf": [
					{"type": "object", "properties": {"a": {"type": "string"}}},
					{"type": "string"}
				]
			}`,
		},
		{
			name:   "implicit object via properties",
			schema: `{"properties":{"x":{"type":"number"}}}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := EnforceClosedObjects(json.RawMessage(tt.schema))
			if err != nil {
				t.Fatalf("EnforceClosedObjects() error = %v", err)
			}

			var node map[string]any
			if err := json.Unmarshal(got, &node); err != nil {
				t.Fatalf("result is not valid JSON: %v", err)
			}
			walkSchema(node, func(n map[string]any) {
				if !isObjectSchema(n) {
					return
				}
				ap, set := n["additionalProperties"]
				if !set {
					t.Errorf("object node missing additionalProperties: %v", n)
					return
				}
				if ap != false {
					t.Errorf("additionalProperties = %v, want false", ap)
				}
			})
		})
	}
}

func TestEnforceClosedObjectsPreservesExplicitValue(t *testing.T) {
	schema := json.RawMessage(`{"type":"object","additionalProperties":true,"properties":{"a":{"type":"string"}}}`)

	got, err := EnforceClosedObjects(schema)
	if err != nil {
		t.Fatalf("EnforceClosedObjects() error = %v", err)
	}

	var node map[string]any
	if err := json.Unmarshal(got, &node); err != nil {
		t.Fatalf("result is not valid JSON: %v", err)
	}
	if node["additionalProperties"] != true {
		t.Errorf("additionalProperties = %v, want the original true", node["additionalProperties"])
	}
}

func TestEnforceClosedObjectsKeepsContent(t *testing.T) {
	schema := json.RawMessage(`{
		"type": "object",
		"properties": {
			"name": {"type": "string", "description": "the name"},
			"count": {"type": "integer"}
		},
		"required": ["name"]
	}`)

	got, err := EnforceClosedObjects(schema)
	if err != nil {
		t.Fatalf("EnforceClosedObjects() error = %v", err)
	}

	var node struct {
		Properties map[string]map[string]any `json:"properties"`
		Required   []string                  `json:"required"`
	}
	if err := json.Unmarshal(got, &node); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if len(node.Properties) != 2 {
		t.Errorf("properties count = %d, want 2", len(node.Properties))
	}
	if node.Properties["name"]["description"] != "the name" {
		t.Errorf("description lost: %v", node.Properties["name"])
	}
	if len(node.Required) != 1 || node.Required[0] != "name" {
		t.Errorf("required = %v, want [name]", node.Required)
	}
}

func TestEnforceClosedObjectsMalformed(t *testing.T) {
	_, err := EnforceClosedObjects(json.RawMessage(`{not json`))
	if err == nil {
		t.Fatal("expected error for malformed schema")
	}
	if got := faultCode(t, err); got != "VALIDATION_ERROR" {
		t.Errorf("code = %s, want VALIDATION_ERROR", got)
	}
}

func TestSanitizeForVLLM(t *testing.T) {
	tests := []struct {
		name   string
		schema string
	}{
		{
			name: "top level keywords",
			schema: `{
				"type": "object",
				"additionalProperties": false,
				"properties": {"a": {"type": "string"}},
				"allOf": [{"required": ["a"]}]
			}`,
		},
		{
			name: "nested in properties",
			schema: `{
				"type": "object",
				"properties": {
					"email": {"type": "string", "format": "email"},
					"link": {"$ref": "#/$defs/link"}
				}
			}`,
		},
		{
			name: "nested in items",
			schema: `{
				"type": "array",
				"items": {
					"type": "object",
					"patternProperties": {"^x-": {"type": "string"}},
					"properties": {"id": {"type": "string", "format": "uuid"}}
				}
			}`,
		},
		{
			name: "composition keywords",
			schema: `{
				"type": "object",
				"properties": {
					"value": {"anyOf": [{"type": "string"}, {"type": "number"}]},
					"other": {"oneOf": [{"type": "boolean"}]},
					"negated": {"not": {"type": "null"}}
				},
				"dependencies": {"value": ["other"]}
			}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := SanitizeForVLLM(json.RawMessage(tt.schema))
			if err != nil {
				t.Fatalf("SanitizeForVLLM() error = %v", err)
			}

			var node map[string]any
			if err := json.Unmarshal(got, &node); err != nil {
				t.Fatalf("result is not valid JSON: %v", err)
			}
			walkSchema(node, func(n map[string]any) {
				for _, key := range vllmUnsupported {
					if _, present := n[key]; present {
						t.Errorf("banned keyword %q survived in %v", key, n)
					}
				}
			})
		})
	}
}

func TestSanitizeForVLLMKeepsSupportedKeywords(t *testing.T) {
	schema := json.RawMessage(`{
		"type": "object",
		"properties": {
			"kind": {"type": "string", "enum": ["a", "b"]},
			"count": {"type": "integer", "minimum": 0}
		},
		"required": ["kind"],
		"format": "ignored"
	}`)

	got, err := SanitizeForVLLM(schema)
	if err != nil {
		t.Fatalf("SanitizeForVLLM() error = %v", err)
	}

	var node map[string]any
	if err := json.Unmarshal(got, &node); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	props, ok := node["properties"].(map[string]any)
	if !ok || len(props) != 2 {
		t.Fatalf("properties = %v, want both kept", node["properties"])
	}
	kind := props["kind"].(map[string]any)
	if enum, ok := kind["enum"].([]any); !ok || len(enum) != 2 {
		t.Errorf("enum lost: %v", kind)
	}
	count := props["count"].(map[string]any)
	if count["minimum"] != float64(0) {
		t.Errorf("minimum lost: %v", count)
	}
	if _, present := node["format"]; present {
		t.Error("top level format should be removed")
	}
}

func TestSanitizeForVLLMMalformed(t *testing.T) {
	_, err := SanitizeForVLLM(json.RawMessage(`[1,2`))
	if err == nil {
		t.Fatal("expected error for malformed schema")
	}
}

func TestWalkSchemaSkipsPropertyNames(t *testing.T) {
	// A property literally named "type" must not be treated as a schema
	// keyword of the containing node.
	schema := json.RawMessage(`{
		"type": "object",
		"properties": {
			"type": {"type": "string"},
			"format": {"type": "string", "format": "email"}
		}
	}`)

	got, err := SanitizeForVLLM(schema)
	if err != nil {
		t.Fatalf("SanitizeForVLLM() error = %v", err)
	}

	var node map[string]any
	if err := json.Unmarshal(got, &node); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	props := node["properties"].(map[string]any)
	if _, ok := props["type"]; !ok {
		t.Error("property named type was dropped")
	}
	formatProp, ok := props["format"].(map[string]any)
	if !ok {
		t.Fatal("property named format was dropped")
	}
	if _, present := formatProp["format"]; present {
		t.Error("format keyword inside the property should be removed")
	}
}

// faultCode extracts the fault code from a classified error.
func faultCode(t *testing.T, err error) string {
	t.Helper()
	fe, ok := fault.As(err)
	if !ok {
		t.Fatalf("expected a classified error, got %T: %v", err, err)
	}
	return string(fe.Code)
}
