package agent

import (
	"os"
	"path/filepath"
	"strings"
	"time"
)

// LoadDailyMemory reads the daily memory logs memory/YYYY-MM-DD.md for
// today and yesterday (local clock) and assembles one combined context
// file. Returns nil when both are empty or missing.
func LoadDailyMemory(workspace string, now time.Time) *ContextFile {
	var parts []string
	for _, day := range []time.Time{now, now.AddDate(0, 0, -1)} {
		name := day.Format("2006-01-02") + ".md"
		data, err := os.ReadFile(filepath.Join(workspace, "memory", name))
		if err != nil || len(strings.TrimSpace(string(data))) == 0 {
			continue
		}
		parts = append(parts, "## "+day.Format("2006-01-02")+"\n\n"+strings.TrimSpace(string(data)))
	}
	if len(parts) == 0 {
		return nil
	}
	return &ContextFile{
		Name:    "Daily Memory",
		Content: strings.Join(parts, "\n\n"),
	}
}
