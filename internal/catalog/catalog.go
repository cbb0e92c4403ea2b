// Package catalog loads the model, app, platform, and locale definitions
// from the contents directory and serves them as immutable snapshots.
// Files are JSON with JSON5 extensions tolerated (comments, trailing
// commas). Readers always see a complete, validated snapshot; a failed
// reload keeps the previous one.
package catalog

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/parleyhq/parley/internal/observability"
)

// ModelSpec describes one upstream model endpoint.
type ModelSpec struct {
	ID                string     `json:"id"`
	Provider          string     `json:"provider"`
	URL               string     `json:"url"`
	MaxTokens         int        `json:"maxTokens,omitempty"`
	SupportsTools     *bool      `json:"supportsTools,omitempty"`
	SupportsStreaming *bool      `json:"supportsStreaming,omitempty"`
	ContextLength     int        `json:"contextLength"`
	Pricing           *Pricing   `json:"pricing,omitempty"`
	Auth              *ModelAuth `json:"auth,omitempty"`
}

// ToolsSupported reports whether the model accepts tool definitions.
// Absent means no.
func (m ModelSpec) ToolsSupported() bool {
	return m.SupportsTools != nil && *m.SupportsTools
}

// StreamingSupported reports whether the model can stream. Absent means
// yes.
func (m ModelSpec) StreamingSupported() bool {
	return m.SupportsStreaming == nil || *m.SupportsStreaming
}

// Pricing is informational, surfaced through the model listing.
type Pricing struct {
	Input  float64 `json:"input"`
	Output float64 `json:"output"`
	Unit   string  `json:"unit,omitempty"`
}

// ModelAuth configures OAuth2 client credentials for protected
// self-hosted upstreams.
type ModelAuth struct {
	TokenURL     string   `json:"tokenUrl"`
	ClientID     string   `json:"clientId"`
	ClientSecret string   `json:"clientSecret"`
	Scopes       []string `json:"scopes,omitempty"`
}

// AppSpec is one application definition after inheritance resolution.
type AppSpec struct {
	ID               string            `json:"id"`
	Extends          string            `json:"extends,omitempty"`
	SystemPrompt     map[string]string `json:"systemPrompt,omitempty"`
	TokenLimit       int               `json:"tokenLimit,omitempty"`
	Tools            []string          `json:"tools,omitempty"`
	DefaultModel     string            `json:"defaultModel,omitempty"`
	CompatibleModels []string          `json:"compatibleModels,omitempty"`
	Variables        map[string]string `json:"variables,omitempty"`
	AllowedGroups    []string          `json:"allowedGroups,omitempty"`
	Workflows        []WorkflowSpec    `json:"workflows,omitempty"`
	Skills           []SkillDescriptor `json:"skills,omitempty"`
}

// AllowsModel reports whether the app may run on the given model. Apps
// without an explicit compatibility list accept only their default model.
func (a AppSpec) AllowsModel(modelID string) bool {
	if modelID == "" {
		return false
	}
	if len(a.CompatibleModels) == 0 {
		return modelID == a.DefaultModel
	}
	for _, id := range a.CompatibleModels {
		if id == modelID {
			return true
		}
	}
	return modelID == a.DefaultModel
}

// Workflow returns the named workflow binding.
func (a AppSpec) Workflow(name string) (WorkflowSpec, bool) {
	for _, w := range a.Workflows {
		if w.Name == name {
			return w, true
		}
	}
	return WorkflowSpec{}, false
}

// Skill returns the skill descriptor with the given id.
func (a AppSpec) Skill(id string) (SkillDescriptor, bool) {
	for _, s := range a.Skills {
		if s.ID == id {
			return s, true
		}
	}
	return SkillDescriptor{}, false
}

// WorkflowSpec binds a workflow name to the HTTP endpoint that runs it.
type WorkflowSpec struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

// SkillDescriptor is an app-scoped instruction block a client can request
// by id.
type SkillDescriptor struct {
	ID           string `json:"id"`
	Name         string `json:"name,omitempty"`
	Description  string `json:"description,omitempty"`
	Instructions string `json:"instructions,omitempty"`
}

// PlatformSpec carries platform-wide settings and modifier text.
type PlatformSpec struct {
	DefaultLanguage string            `json:"defaultLanguage,omitempty"`
	Admin           AdminToggles      `json:"admin,omitempty"`
	Styles          map[string]string `json:"styles,omitempty"`
	OutputFormats   map[string]string `json:"outputFormats,omitempty"`
}

// AdminToggles disable feature groups platform-wide. The zero value
// leaves everything enabled.
type AdminToggles struct {
	DisableTools     bool `json:"disableTools,omitempty"`
	DisableWorkflows bool `json:"disableWorkflows,omitempty"`
	DisableSkills    bool `json:"disableSkills,omitempty"`
}

// Snapshot is one immutable view of the catalog.
type Snapshot struct {
	Models   map[string]ModelSpec
	Apps     map[string]AppSpec
	Platform PlatformSpec
	Locales  map[string]map[string]string
	LoadedAt time.Time
}

// Model looks up a model by id.
func (s *Snapshot) Model(id string) (ModelSpec, bool) {
	m, ok := s.Models[id]
	return m, ok
}

// App looks up an app by id.
func (s *Snapshot) App(id string) (AppSpec, bool) {
	a, ok := s.Apps[id]
	return a, ok
}

// ModelList returns all models sorted by id.
func (s *Snapshot) ModelList() []ModelSpec {
	out := make([]ModelSpec, 0, len(s.Models))
	for _, m := range s.Models {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Options configures a Catalog.
type Options struct {
	// Dir is the directory holding models.json, apps.json, platform.json
	// and the locales/ subdirectory.
	Dir string

	Logger *observability.Logger

	// ReloadDebounce coalesces file events before reloading.
	ReloadDebounce time.Duration
}

// Catalog owns the current snapshot and the optional file watcher.
type Catalog struct {
	dir      string
	log      *observability.Logger
	debounce time.Duration

	snap atomic.Pointer[Snapshot]

	watchMu     sync.Mutex
	watcher     *fsnotify.Watcher
	watchCancel context.CancelFunc
	watchWg     sync.WaitGroup
}

// New loads the catalog once and returns it. The initial load must
// succeed.
func New(opts Options) (*Catalog, error) {
	log := opts.Logger
	if log == nil {
		log = observability.NewLogger(observability.LogConfig{Level: "info"})
	}
	debounce := opts.ReloadDebounce
	if debounce <= 0 {
		debounce = 500 * time.Millisecond
	}

	c := &Catalog{dir: opts.Dir, log: log, debounce: debounce}
	snap, err := loadSnapshot(opts.Dir)
	if err != nil {
		return nil, err
	}
	c.snap.Store(snap)
	return c, nil
}

// Snapshot returns the current immutable view. Callers must not mutate
// it.
func (c *Catalog) Snapshot() *Snapshot {
	return c.snap.Load()
}

// Reload re-reads the contents directory. On failure the previous
// snapshot stays in place.
func (c *Catalog) Reload() error {
	snap, err := loadSnapshot(c.dir)
	if err != nil {
		return err
	}
	c.snap.Store(snap)
	c.log.Info(context.Background(), "catalog reloaded",
		"models", len(snap.Models), "apps", len(snap.Apps), "locales", len(snap.Locales))
	return nil
}
