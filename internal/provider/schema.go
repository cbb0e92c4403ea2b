package provider

import (
	"encoding/json"

	"github.com/parleyhq/parley/internal/fault"
)

// subschemaKeys are the keywords whose value is a single schema.
var subschemaKeys = []string{
	"items", "additionalItems", "contains", "propertyNames",
	"if", "then", "else", "not", "additionalProperties",
}

// subschemaListKeys are the keywords whose value is a list of schemas.
var subschemaListKeys = []string{"allOf", "anyOf", "oneOf", "prefixItems"}

// subschemaMapKeys are the keywords whose value maps names to schemas.
var subschemaMapKeys = []string{"properties", "patternProperties", "$defs", "definitions"}

// walkSchema visits node and every subschema in a known schema position.
// Property names are containers, not schemas, so they are never visited
// themselves.
func walkSchema(node map[string]any, visit func(map[string]any)) {
	visit(node)

	for _, key := range subschemaKeys {
		if sub, ok := node[key].(map[string]any); ok {
			walkSchema(sub, visit)
		}
	}
	for _, key := range subschemaListKeys {
		list, ok := node[key].([]any)
		if !ok {
			continue
		}
		for _, item := range list {
			if sub, ok := item.(map[string]any); ok {
				walkSchema(sub, visit)
			}
		}
	}
	// items may also be a list of schemas (draft-07 tuple form).
	if list, ok := node["items"].([]any); ok {
		for _, item := range list {
			if sub, ok := item.(map[string]any); ok {
				walkSchema(sub, visit)
			}
		}
	}
	for _, key := range subschemaMapKeys {
		m, ok := node[key].(map[string]any)
		if !ok {
			continue
		}
		for _, item := range m {
			if sub, ok := item.(map[string]any); ok {
				walkSchema(sub, visit)
			}
		}
	}
}

func decodeSchema(schema json.RawMessage) (map[string]any, error) {
	var node map[string]any
	if err := json.Unmarshal(schema, &node); err != nil {
		return nil, fault.Validation("malformed JSON schema: %v", err)
	}
	return node, nil
}

// EnforceClosedObjects returns a copy of the schema with
// additionalProperties:false on every object node. OpenAI's strict
// structured-output mode rejects schemas with open objects anywhere.
func EnforceClosedObjects(schema json.RawMessage) (json.RawMessage, error) {
	node, err := decodeSchema(schema)
	if err != nil {
		return nil, err
	}

	walkSchema(node, func(n map[string]any) {
		if !isObjectSchema(n) {
			return
		}
		if _, set := n["additionalProperties"]; !set {
			n["additionalProperties"] = false
		}
	})

	return json.Marshal(node)
}

func isObjectSchema(n map[string]any) bool {
	if t, ok := n["type"].(string); ok {
		return t == "object"
	}
	_, hasProps := n["properties"]
	return hasProps
}

// vllmUnsupported lists the schema keywords vLLM's guided decoding cannot
// handle. They are dropped wholesale, subtrees included.
var vllmUnsupported = []string{
	"additionalProperties", "patternProperties", "dependencies",
	"allOf", "anyOf", "oneOf", "not", "$ref", "format",
}

// SanitizeForVLLM returns a copy of the schema with the keywords vLLM
// rejects removed from every node.
func SanitizeForVLLM(schema json.RawMessage) (json.RawMessage, error) {
	node, err := decodeSchema(schema)
	if err != nil {
		return nil, err
	}

	walkSchema(node, func(n map[string]any) {
		for _, key := range vllmUnsupported {
			delete(n, key)
		}
	})

	return json.Marshal(node)
}
