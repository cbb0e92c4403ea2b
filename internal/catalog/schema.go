package catalog

import (
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// schemaValidator is satisfied by *jsonschema.Schema.
type schemaValidator interface {
	Validate(v any) error
}

var modelsSchema = sync.OnceValue(func() *jsonschema.Schema {
	return jsonschema.MustCompileString(modelsFile, modelsSchemaJSON)
})

var appsSchema = sync.OnceValue(func() *jsonschema.Schema {
	return jsonschema.MustCompileString(appsFile, appsSchemaJSON)
})

var platformSchema = sync.OnceValue(func() *jsonschema.Schema {
	return jsonschema.MustCompileString(platformFile, platformSchemaJSON)
})

const modelsSchemaJSON = `{
  "type": "object",
  "required": ["models"],
  "properties": {
    "models": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["id", "provider", "url", "contextLength"],
        "properties": {
          "id": {"type": "string", "minLength": 1},
          "provider": {"type": "string", "minLength": 1},
          "url": {"type": "string", "minLength": 1},
          "maxTokens": {"type": "integer", "minimum": 1},
          "supportsTools": {"type": "boolean"},
          "supportsStreaming": {"type": "boolean"},
          "contextLength": {"type": "integer", "minimum": 1},
          "pricing": {
            "type": "object",
            "properties": {
              "input": {"type": "number", "minimum": 0},
              "output": {"type": "number", "minimum": 0},
              "unit": {"type": "string"}
            }
          },
          "auth": {
            "type": "object",
            "required": ["tokenUrl", "clientId", "clientSecret"],
            "properties": {
              "tokenUrl": {"type": "string", "minLength": 1},
              "clientId": {"type": "string", "minLength": 1},
              "clientSecret": {"type": "string", "minLength": 1},
              "scopes": {"type": "array", "items": {"type": "string"}}
            }
          }
        }
      }
    }
  }
}`

const appsSchemaJSON = `{
  "type": "object",
  "required": ["apps"],
  "properties": {
    "apps": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["id"],
        "properties": {
          "id": {"type": "string", "minLength": 1},
          "extends": {"type": "string"},
          "systemPrompt": {
            "type": "object",
            "additionalProperties": {"type": "string"}
          },
          "tokenLimit": {"type": "integer", "minimum": 1},
          "tools": {"type": "array", "items": {"type": "string"}},
          "defaultModel": {"type": "string"},
          "compatibleModels": {"type": "array", "items": {"type": "string"}},
          "variables": {
            "type": "object",
            "additionalProperties": {"type": "string"}
          },
          "allowedGroups": {"type": "array", "items": {"type": "string"}},
          "workflows": {
            "type": "array",
            "items": {
              "type": "object",
              "required": ["name", "url"],
              "properties": {
                "name": {"type": "string", "minLength": 1},
                "url": {"type": "string", "minLength": 1}
              }
            }
          },
          "skills": {
            "type": "array",
            "items": {
              "type": "object",
              "required": ["id"],
              "properties": {
                "id": {"type": "string", "minLength": 1},
                "name": {"type": "string"},
                "description": {"type": "string"},
                "instructions": {"type": "string"}
              }
            }
          }
        }
      }
    }
  }
}`

const platformSchemaJSON = `{
  "type": "object",
  "properties": {
    "defaultLanguage": {"type": "string"},
    "admin": {
      "type": "object",
      "properties": {
        "disableTools": {"type": "boolean"},
        "disableWorkflows": {"type": "boolean"},
        "disableSkills": {"type": "boolean"}
      }
    },
    "styles": {
      "type": "object",
      "additionalProperties": {"type": "string"}
    },
    "outputFormats": {
      "type": "object",
      "additionalProperties": {"type": "string"}
    }
  }
}`
