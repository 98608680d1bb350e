package agent

import (
	"fmt"
	"os"
	"runtime"
	"sort"
	"strings"
	"time"
)

// canonicalToolOrder fixes the listing order of the core tools; extra
// tools are appended alphabetically.
var canonicalToolOrder = []string{
	"read", "write", "edit", "grep", "find", "ls", "bash", "process",
}

// OrderTools returns tools in canonical order (core first, extras
// alphabetical after).
func OrderTools(tools []string) []string {
	present := make(map[string]bool, len(tools))
	for _, t := range tools {
		present[t] = true
	}

	var out []string
	for _, t := range canonicalToolOrder {
		if present[t] {
			out = append(out, t)
			delete(present, t)
		}
	}
	var extras []string
	for t := range present {
		extras = append(extras, t)
	}
	sort.Strings(extras)
	return append(out, extras...)
}

// PromptInfo carries the environment facts rendered into the system
// prompt suffix.
type PromptInfo struct {
	Tools         []string
	DeniedTools   []string
	Workspace     string
	Now           time.Time
	ThinkingLevel string
}

// BuildSystemPromptSuffix renders the per-turn system prompt tail: tool
// availability, workspace, clock, and host facts.
func BuildSystemPromptSuffix(info PromptInfo) string {
	var b strings.Builder

	b.WriteString("## Environment\n\n")
	b.WriteString("Available tools: " + strings.Join(OrderTools(info.Tools), ", ") + "\n")
	if len(info.DeniedTools) > 0 {
		denied := append([]string{}, info.DeniedTools...)
		sort.Strings(denied)
		b.WriteString("Denied tools (do not call): " + strings.Join(denied, ", ") + "\n")
	}
	b.WriteString("Workspace: " + info.Workspace + "\n")

	zone, _ := info.Now.Zone()
	b.WriteString(fmt.Sprintf("Time: %s (%s)\n",
		info.Now.Format("2006-01-02 15:04:05"), zone))

	host, _ := os.Hostname()
	b.WriteString(fmt.Sprintf("Host: %s | %s/%s | go %s\n",
		host, runtime.GOOS, runtime.GOARCH, strings.TrimPrefix(runtime.Version(), "go")))

	if info.ThinkingLevel != "" {
		b.WriteString("Default thinking level: " + info.ThinkingLevel + "\n")
	}
	return b.String()
}
