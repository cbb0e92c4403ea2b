package catalog

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const testModels = `{
  // JSON5: comments and trailing commas are fine.
  "models": [
    {
      "id": "gpt-test",
      "provider": "openai",
      "url": "https://api.openai.com/v1",
      "maxTokens": 4096,
      "supportsTools": true,
      "contextLength": 128000,
    },
    {
      "id": "claude-test",
      "provider": "anthropic",
      "url": "https://api.anthropic.com",
      "supportsTools": true,
      "supportsStreaming": true,
      "contextLength": 200000,
    },
  ],
}`

const testApps = `{
  "apps": [
    {
      "id": "base",
      "systemPrompt": {"en": "You are a helpful assistant.", "de": "Du bist ein hilfreicher Assistent."},
      "tokenLimit": 2048,
      "tools": ["current_time"],
      "defaultModel": "gpt-test",
      "compatibleModels": ["gpt-test", "claude-test"],
      "variables": {"company": "Acme"},
    },
    {
      "id": "support",
      "extends": "base",
      "systemPrompt": {"en": "You are a support agent."},
      "variables": {"team": "Support"},
      "allowedGroups": ["support-staff"],
    },
  ],
}`

const testPlatform = `{
  "defaultLanguage": "en",
  "styles": {"concise": "Keep answers short."},
  "outputFormats": {"markdown": "Answer in Markdown."},
}`

func writeContents(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, content := range files {
		path := filepath.Join(dir, name)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	return dir
}

func defaultContents(t *testing.T) string {
	t.Helper()
	return writeContents(t, map[string]string{
		"models.json":     testModels,
		"apps.json":       testApps,
		"platform.json":   testPlatform,
		"locales/en.json": `{"PROVIDER_ERROR": "The model provider returned an error."}`,
		"locales/de.json": `{"PROVIDER_ERROR": "Der Modellanbieter hat einen Fehler gemeldet."}`,
	})
}

func TestLoadCatalog(t *testing.T) {
	c, err := New(Options{Dir: defaultContents(t)})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	snap := c.Snapshot()

	model, ok := snap.Model("gpt-test")
	if !ok {
		t.Fatal("gpt-test not loaded")
	}
	if !model.ToolsSupported() {
		t.Error("gpt-test should support tools")
	}
	if !model.StreamingSupported() {
		t.Error("streaming should default to supported")
	}
	if model.ContextLength != 128000 {
		t.Errorf("contextLength = %d, want 128000", model.ContextLength)
	}

	if _, ok := snap.App("base"); !ok {
		t.Fatal("base app not loaded")
	}
	if snap.Platform.DefaultLanguage != "en" {
		t.Errorf("defaultLanguage = %q, want en", snap.Platform.DefaultLanguage)
	}
	if snap.Locales["de"]["PROVIDER_ERROR"] == "" {
		t.Error("german locale not loaded")
	}

	list := snap.ModelList()
	if len(list) != 2 || list[0].ID != "claude-test" {
		t.Errorf("ModelList() = %v, want sorted [claude-test gpt-test]", list)
	}
}

func TestInheritance(t *testing.T) {
	c, err := New(Options{Dir: defaultContents(t)})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	app, ok := c.Snapshot().App("support")
	if !ok {
		t.Fatal("support app not loaded")
	}

	if app.SystemPrompt["en"] != "You are a support agent." {
		t.Errorf("child prompt should win, got %q", app.SystemPrompt["en"])
	}
	if app.SystemPrompt["de"] != "Du bist ein hilfreicher Assistent." {
		t.Errorf("parent prompt for other languages should survive, got %q", app.SystemPrompt["de"])
	}
	if app.TokenLimit != 2048 {
		t.Errorf("tokenLimit = %d, want inherited 2048", app.TokenLimit)
	}
	if app.DefaultModel != "gpt-test" {
		t.Errorf("defaultModel = %q, want inherited gpt-test", app.DefaultModel)
	}
	if app.Variables["company"] != "Acme" || app.Variables["team"] != "Support" {
		t.Errorf("variables should merge, got %v", app.Variables)
	}
	if len(app.AllowedGroups) != 1 || app.AllowedGroups[0] != "support-staff" {
		t.Errorf("allowedGroups = %v", app.AllowedGroups)
	}
}

func TestInheritanceCycle(t *testing.T) {
	dir := writeContents(t, map[string]string{
		"models.json": `{"models": []}`,
		"apps.json": `{"apps": [
			{"id": "a", "extends": "b"},
			{"id": "b", "extends": "a"}
		]}`,
	})
	if _, err := New(Options{Dir: dir}); err == nil || !strings.Contains(err.Error(), "cycle") {
		t.Fatalf("expected cycle error, got %v", err)
	}
}

func TestUnknownParent(t *testing.T) {
	dir := writeContents(t, map[string]string{
		"models.json": `{"models": []}`,
		"apps.json":   `{"apps": [{"id": "a", "extends": "ghost"}]}`,
	})
	if _, err := New(Options{Dir: dir}); err == nil || !strings.Contains(err.Error(), "unknown app") {
		t.Fatalf("expected unknown parent error, got %v", err)
	}
}

func TestSchemaRejectsMissingProvider(t *testing.T) {
	dir := writeContents(t, map[string]string{
		"models.json": `{"models": [{"id": "m", "url": "http://x", "contextLength": 100}]}`,
		"apps.json":   `{"apps": []}`,
	})
	if _, err := New(Options{Dir: dir}); err == nil {
		t.Fatal("expected schema violation for missing provider")
	}
}

func TestUnknownModelReference(t *testing.T) {
	dir := writeContents(t, map[string]string{
		"models.json": `{"models": []}`,
		"apps.json":   `{"apps": [{"id": "a", "defaultModel": "ghost"}]}`,
	})
	if _, err := New(Options{Dir: dir}); err == nil || !strings.Contains(err.Error(), "ghost") {
		t.Fatalf("expected unknown model error, got %v", err)
	}
}

func TestDuplicateIDs(t *testing.T) {
	dir := writeContents(t, map[string]string{
		"models.json": `{"models": [
			{"id": "m", "provider": "openai", "url": "http://x", "contextLength": 1},
			{"id": "m", "provider": "openai", "url": "http://y", "contextLength": 1}
		]}`,
		"apps.json": `{"apps": []}`,
	})
	if _, err := New(Options{Dir: dir}); err == nil || !strings.Contains(err.Error(), "duplicate") {
		t.Fatalf("expected duplicate id error, got %v", err)
	}
}

func TestReloadKeepsOldSnapshotOnFailure(t *testing.T) {
	dir := defaultContents(t)
	c, err := New(Options{Dir: dir})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	before := c.Snapshot()

	if err := os.WriteFile(filepath.Join(dir, "models.json"), []byte(`{broken`), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := c.Reload(); err == nil {
		t.Fatal("expected reload error")
	}
	if c.Snapshot() != before {
		t.Error("failed reload must keep the previous snapshot")
	}
}

func TestAllowsModel(t *testing.T) {
	tests := []struct {
		name    string
		app     AppSpec
		modelID string
		want    bool
	}{
		{"listed", AppSpec{CompatibleModels: []string{"a", "b"}}, "b", true},
		{"unlisted", AppSpec{CompatibleModels: []string{"a"}}, "b", false},
		{"default without list", AppSpec{DefaultModel: "a"}, "a", true},
		{"other without list", AppSpec{DefaultModel: "a"}, "b", false},
		{"default beside list", AppSpec{DefaultModel: "d", CompatibleModels: []string{"a"}}, "d", true},
		{"empty id", AppSpec{DefaultModel: "a"}, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.app.AllowsModel(tt.modelID); got != tt.want {
				t.Errorf("AllowsModel(%q) = %v, want %v", tt.modelID, got, tt.want)
			}
		})
	}
}

func TestWorkflowAndSkillLookup(t *testing.T) {
	app := AppSpec{
		Workflows: []WorkflowSpec{{Name: "research", URL: "http://wf/run"}},
		Skills:    []SkillDescriptor{{ID: "summarize", Instructions: "Summarize the thread."}},
	}
	if _, ok := app.Workflow("research"); !ok {
		t.Error("workflow research should resolve")
	}
	if _, ok := app.Workflow("ghost"); ok {
		t.Error("unknown workflow should not resolve")
	}
	if s, ok := app.Skill("summarize"); !ok || s.Instructions == "" {
		t.Error("skill summarize should resolve with instructions")
	}
}
