package agent

import (
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/clawdbot/clawdbot/pkg/clawdbot/config"
)

func toolFilter(allow, deny []string) config.ToolFilterConfig {
	return config.ToolFilterConfig{Allow: allow, Deny: deny}
}

func TestOrderTools(t *testing.T) {
	got := OrderTools([]string{"zeta", "bash", "read", "alpha", "ls"})
	want := []string{"read", "ls", "bash", "alpha", "zeta"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("OrderTools = %v, want %v", got, want)
	}
}

func TestBuildSystemPromptSuffix(t *testing.T) {
	suffix := BuildSystemPromptSuffix(PromptInfo{
		Tools:         []string{"bash", "read"},
		DeniedTools:   []string{"process"},
		Workspace:     "/home/u/clawd",
		Now:           time.Date(2026, 8, 5, 9, 30, 0, 0, time.UTC),
		ThinkingLevel: "medium",
	})

	for _, want := range []string{
		"Available tools: read, bash",
		"Denied tools (do not call): process",
		"Workspace: /home/u/clawd",
		"2026-08-05 09:30:00",
		"Default thinking level: medium",
	} {
		if !strings.Contains(suffix, want) {
			t.Errorf("suffix missing %q:\n%s", want, suffix)
		}
	}
}

func TestFilterTools(t *testing.T) {
	tools, denied := filterTools(defaultTools, toolFilter(nil, []string{"bash", "process"}))
	if containsStr(tools, "bash") || !containsStr(denied, "bash") {
		t.Errorf("deny filter broken: tools=%v denied=%v", tools, denied)
	}

	tools, denied = filterTools(defaultTools, toolFilter([]string{"read", "ls"}, nil))
	if len(tools) != 2 {
		t.Errorf("allow filter broken: %v", tools)
	}
	if !containsStr(denied, "bash") {
		t.Errorf("allow filter should deny the rest: %v", denied)
	}
}

func containsStr(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
