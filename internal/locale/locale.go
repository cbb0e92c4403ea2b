// Package locale resolves user-facing error messages by fault code and
// requested language. Lookup order: best-matching loaded locale, the
// platform default language, the built-in English text, and finally the
// code itself.
package locale

import (
	"sort"

	"golang.org/x/text/language"

	"github.com/parleyhq/parley/internal/fault"
)

// builtin is the last-resort English text per fault code.
var builtin = map[fault.Code]string{
	fault.CodeConfiguration: "The gateway is misconfigured. Please contact an administrator.",
	fault.CodeValidation:    "The request was invalid.",
	fault.CodeAuthorization: "You are not allowed to use this app or model.",
	fault.CodeNotFound:      "The requested resource was not found.",
	fault.CodeRateLimit:     "The model provider is rate limiting requests. Please try again shortly.",
	fault.CodeProvider:      "The model provider returned an error.",
	fault.CodeNetwork:       "The model provider could not be reached.",
	fault.CodeToolExecution: "A tool failed while handling your request.",
	fault.CodeStreaming:     "The response stream was interrupted.",
	fault.CodeBusy:          "This chat is already processing a request.",
	fault.CodeInternal:      "An internal error occurred.",
}

// Bundle holds the loaded locale maps and a language matcher over them.
type Bundle struct {
	defaultLang string
	messages    map[string]map[string]string
	keys        []string
	matcher     language.Matcher
}

// NewBundle builds a bundle from the catalog's locale maps. defaultLang
// is the platform default; empty means "en". Locale keys that do not
// parse as BCP 47 tags are skipped.
func NewBundle(messages map[string]map[string]string, defaultLang string) *Bundle {
	if defaultLang == "" {
		defaultLang = "en"
	}

	keys := make([]string, 0, len(messages))
	if _, ok := messages[defaultLang]; ok {
		keys = append(keys, defaultLang)
	}
	rest := make([]string, 0, len(messages))
	for lang := range messages {
		if lang != defaultLang {
			rest = append(rest, lang)
		}
	}
	sort.Strings(rest)
	keys = append(keys, rest...)

	tags := make([]language.Tag, 0, len(keys))
	parsed := make([]string, 0, len(keys))
	for _, key := range keys {
		tag, err := language.Parse(key)
		if err != nil {
			continue
		}
		tags = append(tags, tag)
		parsed = append(parsed, key)
	}

	b := &Bundle{
		defaultLang: defaultLang,
		messages:    messages,
		keys:        parsed,
	}
	if len(tags) > 0 {
		b.matcher = language.NewMatcher(tags)
	}
	return b
}

// Resolve maps a requested language to the loaded locale key that best
// matches it, falling back to the default language.
func (b *Bundle) Resolve(lang string) string {
	if lang == "" || b.matcher == nil {
		return b.defaultLang
	}
	tag, err := language.Parse(lang)
	if err != nil {
		return b.defaultLang
	}
	_, idx, conf := b.matcher.Match(tag)
	if conf == language.No || idx >= len(b.keys) {
		return b.defaultLang
	}
	return b.keys[idx]
}

// Message returns the localized text for a fault code.
func (b *Bundle) Message(lang string, code fault.Code) string {
	key := string(code)

	if msgs, ok := b.messages[b.Resolve(lang)]; ok {
		if msg, ok := msgs[key]; ok && msg != "" {
			return msg
		}
	}
	if msgs, ok := b.messages[b.defaultLang]; ok {
		if msg, ok := msgs[key]; ok && msg != "" {
			return msg
		}
	}
	if msg, ok := builtin[code]; ok {
		return msg
	}
	return key
}

// MessageFor localizes the code carried by err, or CodeInternal when err
// is not a fault.
func (b *Bundle) MessageFor(lang string, err error) string {
	return b.Message(lang, fault.CodeOf(err))
}
