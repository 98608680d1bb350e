package agent

import (
	"fmt"
	"os"
	"path/filepath"
)

// bootstrapFiles are materialized in the workspace on first use, in this
// order. BOOTSTRAP.md is written only when the workspace is brand new,
// i.e. none of these existed before.
var bootstrapFiles = []string{
	"AGENTS.md",
	"IDENTITY.md",
	"USER.md",
	"SOUL.md",
	"TOOLS.md",
	"HEARTBEAT.md",
}

// bootstrapSeeds holds the initial content per bootstrap file.
var bootstrapSeeds = map[string]string{
	"AGENTS.md":    "# Agents\n\nOperating notes for this workspace.\n",
	"IDENTITY.md":  "# Identity\n\nWho this assistant is.\n",
	"USER.md":      "# User\n\nWhat the assistant knows about its user.\n",
	"SOUL.md":      "# Soul\n\nVoice and temperament.\n",
	"TOOLS.md":     "# Tools\n\nLocal tool notes (cameras, SSH hosts, aliases).\n",
	"HEARTBEAT.md": "# Heartbeat\n\nChecklist for periodic heartbeat turns.\n",
	"BOOTSTRAP.md": "# Bootstrap\n\nFirst run: introduce yourself and ask the user how they want to work together.\n",
}

// EnsureWorkspace creates dir and materializes the bootstrap files.
// Returns the context files loaded from the workspace.
func EnsureWorkspace(dir string) ([]ContextFile, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating workspace: %w", err)
	}

	// Brand new means none of the six core files existed before.
	brandNew := true
	for _, name := range bootstrapFiles {
		if _, err := os.Stat(filepath.Join(dir, name)); err == nil {
			brandNew = false
			break
		}
	}

	names := bootstrapFiles
	if brandNew {
		names = append(append([]string{}, bootstrapFiles...), "BOOTSTRAP.md")
	}

	for _, name := range names {
		path := filepath.Join(dir, name)
		if _, err := os.Stat(path); err == nil {
			continue
		}
		if err := os.WriteFile(path, []byte(bootstrapSeeds[name]), 0o644); err != nil {
			return nil, fmt.Errorf("writing %s: %w", name, err)
		}
	}

	var files []ContextFile
	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			continue
		}
		if len(data) == 0 {
			continue
		}
		files = append(files, ContextFile{Name: name, Content: string(data)})
	}
	return files, nil
}
