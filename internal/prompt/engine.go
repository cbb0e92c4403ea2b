// Package prompt assembles the per-turn system prompt from the app
// definition, the platform modifier text, and the request's style,
// output-format, and language choices.
package prompt

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// VariableEngine expands {{.name}} references in prompt text.
type VariableEngine struct {
	funcs template.FuncMap
}

// NewVariableEngine returns an engine with the standard prompt functions.
func NewVariableEngine() *VariableEngine {
	return &VariableEngine{funcs: promptFuncMap()}
}

// Process expands the template with the given variables. Unknown
// variables render as empty strings rather than failing the turn.
func (e *VariableEngine) Process(tmplStr string, vars map[string]string) (string, error) {
	if tmplStr == "" {
		return "", nil
	}

	parsed, err := template.New("prompt").Funcs(e.funcs).Option("missingkey=zero").Parse(tmplStr)
	if err != nil {
		return "", fmt.Errorf("parse prompt template: %w", err)
	}

	var buf bytes.Buffer
	if err := parsed.Execute(&buf, vars); err != nil {
		return "", fmt.Errorf("execute prompt template: %w", err)
	}
	return buf.String(), nil
}

func promptFuncMap() template.FuncMap {
	titleCase := cases.Title(language.Und)
	return template.FuncMap{
		"upper": strings.ToUpper,
		"lower": strings.ToLower,
		"title": titleCase.String,
		"trim":  strings.TrimSpace,
		"default": func(def, value any) any {
			if value == nil {
				return def
			}
			if s, ok := value.(string); ok && s == "" {
				return def
			}
			return value
		},
		"join": strings.Join,
		"now": func() string {
			return time.Now().UTC().Format(time.RFC3339)
		},
	}
}
