package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/tidwall/jsonc"
)

// FileNames are the config file names probed in order.
var FileNames = []string{"clawdbot.json", "clawd.json"}

// Load reads and decodes the config file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	cfg := Default()
	// jsonc.ToJSON returns a copy with comments and trailing commas blanked
	// out at the same length, keeping byte offsets stable for decode errors.
	if err := json.Unmarshal(jsonc.ToJSON(data), cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", filepath.Base(path), err)
	}
	return cfg, nil
}

// Find locates the config file. Resolution order: explicit path argument,
// $CLAWD_CONFIG_PATH, the current directory, then the state directory.
// Returns "" when no file exists.
func Find(explicit, stateDir string) string {
	if explicit != "" {
		return explicit
	}
	if env := os.Getenv("CLAWD_CONFIG_PATH"); env != "" {
		return env
	}
	for _, name := range FileNames {
		if _, err := os.Stat(name); err == nil {
			return name
		}
	}
	for _, name := range FileNames {
		p := filepath.Join(stateDir, name)
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// LoadOrDefault loads the resolved config file, or returns defaults when
// none exists.
func LoadOrDefault(explicit, stateDir string) (*Config, string, error) {
	path := Find(explicit, stateDir)
	if path == "" {
		return Default(), "", nil
	}
	cfg, err := Load(path)
	if err != nil {
		return nil, path, err
	}
	return cfg, path, nil
}
