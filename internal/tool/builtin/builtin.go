// Package builtin provides the bundled demo tools. They are registered
// behind the tools.enable_builtins config flag and exercise the registry
// exactly as consumer-supplied tools do.
package builtin

import (
	"encoding/json"
	"net/http"

	"github.com/invopop/jsonschema"

	"github.com/parleyhq/parley/internal/config"
	"github.com/parleyhq/parley/internal/tool"
)

// Register adds the enabled builtin tools to the registry. The client is
// used by http_fetch; nil falls back to http.DefaultClient.
func Register(reg *tool.Registry, cfg config.ToolsConfig, client *http.Client) {
	if !cfg.EnableBuiltins {
		return
	}
	reg.Register(NewCurrentTime())

	var opts []HTTPFetchOption
	if client != nil {
		opts = append(opts, WithHTTPClient(client))
	}
	reg.Register(NewHTTPFetch(cfg.FetchMaxBytes, opts...))
}

// reflectSchema derives a self-contained JSON Schema from an argument
// struct. Fields without omitempty become required; objects are closed.
func reflectSchema(v any) json.RawMessage {
	r := &jsonschema.Reflector{
		DoNotReference: true,
		ExpandedStruct: true,
	}
	data, err := json.Marshal(r.Reflect(v))
	if err != nil {
		return json.RawMessage(`{"type":"object"}`)
	}
	return data
}
