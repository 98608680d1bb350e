package agent

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/clawdbot/clawdbot/pkg/clawdbot/config"
)

func writeSkill(t *testing.T, dir, name, frontmatter, body string) {
	t.Helper()
	os.MkdirAll(dir, 0o755)
	content := "---\n" + frontmatter + "---\n" + body
	if err := os.WriteFile(filepath.Join(dir, name+".md"), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestDiscoverSkillsLaterDirsOverride(t *testing.T) {
	base := t.TempDir()
	a := filepath.Join(base, "a")
	b := filepath.Join(base, "b")
	writeSkill(t, a, "weather", "name: weather\ndescription: v1\n", "first\n")
	writeSkill(t, b, "weather", "name: weather\ndescription: v2\n", "second\n")

	skills := DiscoverSkills([]string{a, b})
	if len(skills) != 1 {
		t.Fatalf("skills = %d", len(skills))
	}
	if skills[0].Description != "v2" {
		t.Errorf("later dir should win, got %q", skills[0].Description)
	}
}

func TestDiscoverSkillBundleDir(t *testing.T) {
	base := t.TempDir()
	bundle := filepath.Join(base, "camera")
	os.MkdirAll(bundle, 0o755)
	os.WriteFile(filepath.Join(bundle, "SKILL.md"),
		[]byte("---\ndescription: snap\n---\nUse the camera.\n"), 0o644)

	skills := DiscoverSkills([]string{base})
	if len(skills) != 1 || skills[0].Name != "camera" {
		t.Fatalf("skills = %+v", skills)
	}
}

func TestFilterSkillsOSAndRequirements(t *testing.T) {
	dir := t.TempDir()
	writeSkill(t, dir, "everywhere", "clawd:\n  always: true\n", "x")
	writeSkill(t, dir, "mac-only", "clawd:\n  always: true\n  os: [darwin]\n", "x")
	writeSkill(t, dir, "needs-bin", "clawd:\n  requires:\n    bins: [ffprobe]\n", "x")
	writeSkill(t, dir, "needs-env", "clawd:\n  requires:\n    env: [WEATHER_KEY]\n", "x")

	cfg := config.Default()
	env := SkillEnvironment{
		Platform: "linux",
		LookPath: func(bin string) (string, error) {
			return "", fmt.Errorf("%s not found", bin)
		},
		Getenv: func(string) string { return "" },
	}

	names := skillNames(FilterSkills(DiscoverSkills([]string{dir}), cfg, env))
	if !names["everywhere"] {
		t.Error("always-skill must survive")
	}
	if names["mac-only"] {
		t.Error("os mismatch must filter")
	}
	if names["needs-bin"] {
		t.Error("missing binary must filter")
	}
	if names["needs-env"] {
		t.Error("missing env must filter")
	}
}

func TestFilterSkillsEnvSatisfiableFromConfig(t *testing.T) {
	dir := t.TempDir()
	writeSkill(t, dir, "weather",
		"clawd:\n  primaryEnv: WEATHER_KEY\n  requires:\n    env: [WEATHER_KEY]\n", "x")

	cfg := config.Default()
	cfg.Skills.Entries = map[string]config.SkillEntry{
		"weather": {APIKey: "k123"},
	}
	env := SkillEnvironment{
		Platform: "linux",
		LookPath: func(string) (string, error) { return "", nil },
		Getenv:   func(string) string { return "" },
	}

	names := skillNames(FilterSkills(DiscoverSkills([]string{dir}), cfg, env))
	if !names["weather"] {
		t.Error("apiKey bound to primaryEnv satisfies the env requirement")
	}
}

func TestFilterSkillsDisabledByConfig(t *testing.T) {
	dir := t.TempDir()
	writeSkill(t, dir, "noisy", "clawd:\n  always: true\n", "x")

	off := false
	cfg := config.Default()
	cfg.Skills.Entries = map[string]config.SkillEntry{
		"noisy": {Enabled: &off},
	}

	names := skillNames(FilterSkills(DiscoverSkills([]string{dir}), cfg, DefaultSkillEnvironment()))
	if names["noisy"] {
		t.Error("disabled skill must be filtered")
	}
}

func TestApplySkillEnvUndo(t *testing.T) {
	const name = "CLAWDBOT_TEST_PUSHED"
	os.Unsetenv(name)

	skill := Skill{Name: "s", Meta: SkillMeta{PrimaryEnv: name}}
	cfg := config.Default()
	cfg.Skills.Entries = map[string]config.SkillEntry{"s": {APIKey: "v"}}

	undo := ApplySkillEnv([]Skill{skill}, cfg)
	if os.Getenv(name) != "v" {
		t.Errorf("env not pushed: %q", os.Getenv(name))
	}
	undo()
	if _, exists := os.LookupEnv(name); exists {
		t.Error("env not restored")
	}
	undo() // idempotent
}

func TestApplySkillEnvDoesNotOverrideExisting(t *testing.T) {
	const name = "CLAWDBOT_TEST_EXISTING"
	os.Setenv(name, "original")
	defer os.Unsetenv(name)

	skill := Skill{Name: "s", Meta: SkillMeta{PrimaryEnv: name}}
	cfg := config.Default()
	cfg.Skills.Entries = map[string]config.SkillEntry{"s": {APIKey: "override"}}

	undo := ApplySkillEnv([]Skill{skill}, cfg)
	if os.Getenv(name) != "original" {
		t.Errorf("existing env overridden: %q", os.Getenv(name))
	}
	undo()
	if os.Getenv(name) != "original" {
		t.Errorf("existing env lost after undo: %q", os.Getenv(name))
	}
}

func TestSkillsPrompt(t *testing.T) {
	skills := []Skill{
		{Name: "weather", Description: "Forecasts.", Content: "Call the API."},
	}
	prompt := SkillsPrompt(skills)
	for _, want := range []string{"# Skills", "## weather", "Forecasts.", "Call the API."} {
		if !strings.Contains(prompt, want) {
			t.Errorf("prompt missing %q:\n%s", want, prompt)
		}
	}
	if SkillsPrompt(nil) != "" {
		t.Error("no skills → empty prompt")
	}
}

func skillNames(skills []Skill) map[string]bool {
	out := make(map[string]bool, len(skills))
	for _, s := range skills {
		out[s.Name] = true
	}
	return out
}
