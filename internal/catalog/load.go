package catalog

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	json5 "github.com/yosuke-furukawa/json5/encoding/json5"
)

const (
	modelsFile   = "models.json"
	appsFile     = "apps.json"
	platformFile = "platform.json"
	localesDir   = "locales"
)

type modelsDoc struct {
	Models []ModelSpec `json:"models"`
}

type appsDoc struct {
	Apps []AppSpec `json:"apps"`
}

func loadSnapshot(dir string) (*Snapshot, error) {
	var mdoc modelsDoc
	if err := decodeFile(filepath.Join(dir, modelsFile), modelsSchema(), &mdoc); err != nil {
		return nil, err
	}
	var adoc appsDoc
	if err := decodeFile(filepath.Join(dir, appsFile), appsSchema(), &adoc); err != nil {
		return nil, err
	}

	var platform PlatformSpec
	platformPath := filepath.Join(dir, platformFile)
	if _, err := os.Stat(platformPath); err == nil {
		if err := decodeFile(platformPath, platformSchema(), &platform); err != nil {
			return nil, err
		}
	}

	models := make(map[string]ModelSpec, len(mdoc.Models))
	for _, m := range mdoc.Models {
		if _, dup := models[m.ID]; dup {
			return nil, fmt.Errorf("%s: duplicate model id %q", modelsFile, m.ID)
		}
		models[m.ID] = m
	}

	apps, err := resolveApps(adoc.Apps)
	if err != nil {
		return nil, err
	}
	for id, app := range apps {
		if app.DefaultModel != "" {
			if _, ok := models[app.DefaultModel]; !ok {
				return nil, fmt.Errorf("%s: app %q default model %q not in %s", appsFile, id, app.DefaultModel, modelsFile)
			}
		}
		for _, mid := range app.CompatibleModels {
			if _, ok := models[mid]; !ok {
				return nil, fmt.Errorf("%s: app %q references unknown model %q", appsFile, id, mid)
			}
		}
	}

	locales, err := loadLocales(filepath.Join(dir, localesDir))
	if err != nil {
		return nil, err
	}

	return &Snapshot{
		Models:   models,
		Apps:     apps,
		Platform: platform,
		Locales:  locales,
		LoadedAt: time.Now(),
	}, nil
}

// decodeFile reads a JSON5 file, validates it against the schema, then
// decodes it into out.
func decodeFile(path string, schema schemaValidator, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", filepath.Base(path), err)
	}

	var raw any
	if err := json5.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	if err := schema.Validate(raw); err != nil {
		return fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	if err := json5.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	return nil
}

// loadLocales reads every <lang>.json under dir into a code → message
// map. A missing directory yields an empty map.
func loadLocales(dir string) (map[string]map[string]string, error) {
	locales := map[string]map[string]string{}

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return locales, nil
		}
		return nil, fmt.Errorf("failed to read locales: %w", err)
	}

	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		lang := strings.TrimSuffix(name, ".json")
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("failed to read locale %s: %w", name, err)
		}
		var messages map[string]string
		if err := json5.Unmarshal(data, &messages); err != nil {
			return nil, fmt.Errorf("locale %s: %w", name, err)
		}
		locales[lang] = messages
	}
	return locales, nil
}

// resolveApps turns the raw app list into a map with single-parent
// inheritance applied. Cycles and unknown parents are errors.
func resolveApps(raw []AppSpec) (map[string]AppSpec, error) {
	byID := make(map[string]AppSpec, len(raw))
	for _, app := range raw {
		if _, dup := byID[app.ID]; dup {
			return nil, fmt.Errorf("%s: duplicate app id %q", appsFile, app.ID)
		}
		byID[app.ID] = app
	}

	resolved := make(map[string]AppSpec, len(raw))

	var resolve func(id string, trail map[string]bool) (AppSpec, error)
	resolve = func(id string, trail map[string]bool) (AppSpec, error) {
		if app, done := resolved[id]; done {
			return app, nil
		}
		if trail[id] {
			return AppSpec{}, fmt.Errorf("%s: inheritance cycle at app %q", appsFile, id)
		}
		trail[id] = true

		app := byID[id]
		if app.Extends != "" {
			if _, ok := byID[app.Extends]; !ok {
				return AppSpec{}, fmt.Errorf("%s: app %q extends unknown app %q", appsFile, id, app.Extends)
			}
			parent, err := resolve(app.Extends, trail)
			if err != nil {
				return AppSpec{}, err
			}
			app = mergeApp(parent, app)
		}
		resolved[id] = app
		return app, nil
	}

	for id := range byID {
		if _, err := resolve(id, map[string]bool{}); err != nil {
			return nil, err
		}
	}
	return resolved, nil
}

// mergeApp overlays the child on the parent. Maps merge key-wise with the
// child winning; scalar and list fields are inherited only when the child
// leaves them empty.
func mergeApp(parent, child AppSpec) AppSpec {
	out := child

	out.SystemPrompt = mergeStringMap(parent.SystemPrompt, child.SystemPrompt)
	out.Variables = mergeStringMap(parent.Variables, child.Variables)

	if out.TokenLimit == 0 {
		out.TokenLimit = parent.TokenLimit
	}
	if len(out.Tools) == 0 {
		out.Tools = parent.Tools
	}
	if out.DefaultModel == "" {
		out.DefaultModel = parent.DefaultModel
	}
	if len(out.CompatibleModels) == 0 {
		out.CompatibleModels = parent.CompatibleModels
	}
	if len(out.AllowedGroups) == 0 {
		out.AllowedGroups = parent.AllowedGroups
	}
	if len(out.Workflows) == 0 {
		out.Workflows = parent.Workflows
	}
	if len(out.Skills) == 0 {
		out.Skills = parent.Skills
	}
	return out
}

func mergeStringMap(parent, child map[string]string) map[string]string {
	if len(parent) == 0 {
		return child
	}
	out := make(map[string]string, len(parent)+len(child))
	for k, v := range parent {
		out[k] = v
	}
	for k, v := range child {
		out[k] = v
	}
	return out
}
