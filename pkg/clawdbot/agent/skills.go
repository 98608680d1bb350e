package agent

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/clawdbot/clawdbot/pkg/clawdbot/config"
)

// Skill is a filesystem-resident capability descriptor: a markdown file
// with YAML frontmatter contributing a prompt fragment.
type Skill struct {
	Name        string
	Description string
	Content     string
	Path        string
	Meta        SkillMeta
}

// SkillMeta is the optional `clawd` frontmatter block.
type SkillMeta struct {
	Always     bool          `yaml:"always"`
	SkillKey   string        `yaml:"skillKey"`
	PrimaryEnv string        `yaml:"primaryEnv"`
	Requires   SkillRequires `yaml:"requires"`
	OS         []string      `yaml:"os"`
}

// SkillRequires lists binaries and env vars a skill needs.
type SkillRequires struct {
	Bins []string `yaml:"bins"`
	Env  []string `yaml:"env"`
}

// skillFrontmatter is the full frontmatter shape.
type skillFrontmatter struct {
	Name        string    `yaml:"name"`
	Description string    `yaml:"description"`
	Clawd       SkillMeta `yaml:"clawd"`
}

// ConfigKey returns the key used in skills.entries for this skill.
func (s Skill) ConfigKey() string {
	if s.Meta.SkillKey != "" {
		return s.Meta.SkillKey
	}
	return s.Name
}

// DiscoverSkills scans dirs in order for *.md skill files (and
// <skill>/SKILL.md bundles). Later dirs override earlier ones by name.
func DiscoverSkills(dirs []string) []Skill {
	byName := make(map[string]Skill)
	var order []string

	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, entry := range entries {
			var path string
			switch {
			case entry.IsDir():
				path = filepath.Join(dir, entry.Name(), "SKILL.md")
				if _, err := os.Stat(path); err != nil {
					continue
				}
			case strings.HasSuffix(entry.Name(), ".md"):
				path = filepath.Join(dir, entry.Name())
			default:
				continue
			}

			skill, err := parseSkillFile(path)
			if err != nil {
				continue
			}
			if _, exists := byName[skill.Name]; !exists {
				order = append(order, skill.Name)
			}
			byName[skill.Name] = skill
		}
	}

	out := make([]Skill, 0, len(order))
	for _, name := range order {
		out = append(out, byName[name])
	}
	return out
}

// parseSkillFile reads one skill markdown file, splitting frontmatter
// from body.
func parseSkillFile(path string) (Skill, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Skill{}, err
	}

	content := string(data)
	var fm skillFrontmatter

	if strings.HasPrefix(content, "---\n") {
		rest := content[4:]
		if end := strings.Index(rest, "\n---"); end >= 0 {
			if err := yaml.Unmarshal([]byte(rest[:end]), &fm); err != nil {
				return Skill{}, fmt.Errorf("parsing frontmatter of %s: %w", path, err)
			}
			content = strings.TrimLeft(rest[end+4:], "\n")
		}
	}

	name := fm.Name
	if name == "" {
		base := filepath.Base(path)
		if base == "SKILL.md" {
			name = filepath.Base(filepath.Dir(path))
		} else {
			name = strings.TrimSuffix(base, ".md")
		}
	}

	return Skill{
		Name:        name,
		Description: fm.Description,
		Content:     content,
		Path:        path,
		Meta:        fm.Clawd,
	}, nil
}

// SkillEnvironment abstracts the host checks for skill eligibility,
// injectable for tests.
type SkillEnvironment struct {
	Platform string
	LookPath func(string) (string, error)
	Getenv   func(string) string
}

// DefaultSkillEnvironment probes the real host.
func DefaultSkillEnvironment() SkillEnvironment {
	return SkillEnvironment{
		Platform: runtime.GOOS,
		LookPath: exec.LookPath,
		Getenv:   os.Getenv,
	}
}

// FilterSkills keeps a skill iff it is not disabled in config, its os
// constraint matches, and either always=true or every required binary is
// on PATH and every required env var is present or satisfiable from the
// skill's config entry.
func FilterSkills(skills []Skill, cfg *config.Config, env SkillEnvironment) []Skill {
	var out []Skill
	for _, s := range skills {
		entry := cfg.Skills.Entries[s.ConfigKey()]
		if !entry.IsEnabled() {
			continue
		}
		if len(s.Meta.OS) > 0 && !containsFold(s.Meta.OS, env.Platform) {
			continue
		}
		if s.Meta.Always {
			out = append(out, s)
			continue
		}

		ok := true
		for _, bin := range s.Meta.Requires.Bins {
			if _, err := env.LookPath(bin); err != nil {
				ok = false
				break
			}
		}
		if ok {
			for _, name := range s.Meta.Requires.Env {
				if env.Getenv(name) != "" {
					continue
				}
				if !envSatisfiableFromConfig(name, s, entry) {
					ok = false
					break
				}
			}
		}
		if ok {
			out = append(out, s)
		}
	}
	return out
}

// envSatisfiableFromConfig reports whether the skill's config entry can
// supply the env var (explicit env map, or apiKey bound to primaryEnv).
func envSatisfiableFromConfig(name string, s Skill, entry config.SkillEntry) bool {
	if entry.Env[name] != "" {
		return true
	}
	return entry.APIKey != "" && s.Meta.PrimaryEnv == name
}

// envMu serializes process-environment mutation around agent runs. The
// environment is process-global; overlapping push/undo from concurrent
// sessions would interleave otherwise. The lock is held from ApplySkillEnv
// until its undo runs, which the runner defers to the end of the turn, so
// turns never overlap within one process, even for distinct session keys.
var envMu sync.Mutex

// ApplySkillEnv pushes env overrides from skill config: each entry's env
// map (only names not already set) and, when apiKey is provided and the
// skill declares primaryEnv, that binding. The returned undo closure
// restores the exact prior environment and MUST run on every exit path.
func ApplySkillEnv(skills []Skill, cfg *config.Config) (undo func()) {
	envMu.Lock()

	type saved struct {
		name    string
		value   string
		existed bool
	}
	var stack []saved

	push := func(name, value string) {
		if name == "" || value == "" {
			return
		}
		if _, exists := os.LookupEnv(name); exists {
			return
		}
		prev, existed := os.LookupEnv(name)
		stack = append(stack, saved{name: name, value: prev, existed: existed})
		os.Setenv(name, value)
	}

	for _, s := range skills {
		entry := cfg.Skills.Entries[s.ConfigKey()]
		names := make([]string, 0, len(entry.Env))
		for name := range entry.Env {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			push(name, entry.Env[name])
		}
		if entry.APIKey != "" && s.Meta.PrimaryEnv != "" {
			push(s.Meta.PrimaryEnv, entry.APIKey)
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			for i := len(stack) - 1; i >= 0; i-- {
				sv := stack[i]
				if sv.existed {
					os.Setenv(sv.name, sv.value)
				} else {
					os.Unsetenv(sv.name)
				}
			}
			envMu.Unlock()
		})
	}
}

// SkillsPrompt assembles the prompt fragment for the active skills.
func SkillsPrompt(skills []Skill) string {
	if len(skills) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("# Skills\n")
	for _, s := range skills {
		b.WriteString("\n## " + s.Name + "\n")
		if s.Description != "" {
			b.WriteString(s.Description + "\n")
		}
		if s.Content != "" {
			b.WriteString("\n" + strings.TrimSpace(s.Content) + "\n")
		}
	}
	return b.String()
}

func containsFold(list []string, v string) bool {
	for _, s := range list {
		if strings.EqualFold(s, v) {
			return true
		}
	}
	return false
}
