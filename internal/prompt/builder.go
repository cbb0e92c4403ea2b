package prompt

import (
	"sort"
	"strings"
	"time"

	"golang.org/x/text/language"
	"golang.org/x/text/language/display"

	"github.com/parleyhq/parley/internal/catalog"
)

// Inputs carries everything one turn contributes to the system prompt.
type Inputs struct {
	App      catalog.AppSpec
	Platform catalog.PlatformSpec

	// Language is the resolved locale key for this turn.
	Language string

	// Style and OutputFormat are request-level keys into the platform
	// modifier maps. Unknown keys are ignored.
	Style        string
	OutputFormat string

	// Skill is the resolved requested skill, if any. Its instruction
	// block leads the prompt.
	Skill *catalog.SkillDescriptor

	// BypassAppPrompt drops the app-authored prompt while keeping the
	// request's own modifiers.
	BypassAppPrompt bool

	// Now is the clock for the {{.date}} and {{.time}} variables. Zero
	// means time.Now.
	Now time.Time
}

// Builder assembles system prompts.
type Builder struct {
	engine *VariableEngine
}

func NewBuilder() *Builder {
	return &Builder{engine: NewVariableEngine()}
}

// System returns the assembled system prompt for the turn, or "" when
// nothing contributes one.
func (b *Builder) System(in Inputs) (string, error) {
	var blocks []string

	if in.Skill != nil && in.Skill.Instructions != "" {
		blocks = append(blocks, in.Skill.Instructions)
	}

	if !in.BypassAppPrompt {
		if appPrompt := localizedPrompt(in.App, in.Language, in.Platform.DefaultLanguage); appPrompt != "" {
			blocks = append(blocks, appPrompt)
		}
	}

	if in.Style != "" {
		if text := in.Platform.Styles[in.Style]; text != "" {
			blocks = append(blocks, text)
		}
	}
	if in.OutputFormat != "" {
		if text := in.Platform.OutputFormats[in.OutputFormat]; text != "" {
			blocks = append(blocks, text)
		}
	}
	if mod := languageModifier(in.Language, in.Platform.DefaultLanguage); mod != "" {
		blocks = append(blocks, mod)
	}

	assembled := strings.Join(blocks, "\n\n")
	if assembled == "" {
		return "", nil
	}
	return b.engine.Process(assembled, b.variables(in))
}

// variables merges the app-defined variables with the built-ins. App
// variables cannot shadow the built-ins.
func (b *Builder) variables(in Inputs) map[string]string {
	now := in.Now
	if now.IsZero() {
		now = time.Now()
	}

	vars := make(map[string]string, len(in.App.Variables)+4)
	for k, v := range in.App.Variables {
		vars[k] = v
	}
	vars["date"] = now.Format("2006-01-02")
	vars["time"] = now.Format("15:04")
	vars["language"] = in.Language
	vars["app"] = in.App.ID
	return vars
}

// localizedPrompt picks the app prompt for the resolved language, then
// the platform default, then English, then any language deterministically.
func localizedPrompt(app catalog.AppSpec, lang, defaultLang string) string {
	if len(app.SystemPrompt) == 0 {
		return ""
	}
	if p, ok := app.SystemPrompt[lang]; ok && p != "" {
		return p
	}
	if defaultLang != "" {
		if p, ok := app.SystemPrompt[defaultLang]; ok && p != "" {
			return p
		}
	}
	if p, ok := app.SystemPrompt["en"]; ok && p != "" {
		return p
	}
	keys := make([]string, 0, len(app.SystemPrompt))
	for k := range app.SystemPrompt {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if app.SystemPrompt[k] != "" {
			return app.SystemPrompt[k]
		}
	}
	return ""
}

// languageModifier instructs the model to answer in the requested
// language when it differs from the platform default.
func languageModifier(lang, defaultLang string) string {
	if lang == "" || lang == defaultLang {
		return ""
	}
	tag, err := language.Parse(lang)
	if err != nil {
		return ""
	}
	name := display.English.Tags().Name(tag)
	if name == "" {
		return ""
	}
	return "Respond in " + name + "."
}
