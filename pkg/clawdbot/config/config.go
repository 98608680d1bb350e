// Package config defines the Clawdbot configuration tree and its loader.
// The config file (clawdbot.json or clawd.json) is JSON5-permissive:
// comments and trailing commas are stripped with tidwall/jsonc before
// decoding.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// DefaultModel is the model used when agent.model is not configured.
const DefaultModel = "anthropic/claude-sonnet-4-20250514"

// Config is the root configuration object.
type Config struct {
	Agent     AgentConfig     `json:"agent"`
	Session   SessionConfig   `json:"session"`
	Cron      CronConfig      `json:"cron"`
	Skills    SkillsConfig    `json:"skills"`
	Plugins   PluginsConfig   `json:"plugins"`
	Tools     ToolsConfig     `json:"tools"`
	Bridge    BridgeConfig    `json:"bridge"`
	Discovery DiscoveryConfig `json:"discovery"`
	Heartbeat HeartbeatConfig `json:"heartbeat"`
	Replies   RepliesConfig   `json:"replies"`
	Logging   LoggingConfig   `json:"logging"`
}

// AgentConfig configures the agent runner.
type AgentConfig struct {
	// Workspace is the agent workspace path. "~" expands to the user home.
	// Empty means $HOME/clawd (or $HOME/clawd-<profile>).
	Workspace string `json:"workspace"`

	// Model selects the primary model and fallback chain.
	Model ModelChainConfig `json:"model"`

	// Thinking is the default reasoning effort level.
	Thinking string `json:"thinking"`

	// Bash configures the bash tool.
	Bash BashConfig `json:"bash"`

	// Tools filters the tool set offered to the model.
	Tools ToolFilterConfig `json:"tools"`

	// Models maps short keys to provider/model aliases. When non-empty it
	// also acts as the allow-list for fallback models.
	Models map[string]ModelEntry `json:"models"`

	// HeartbeatPrompt overrides the prompt sent on heartbeat ticks.
	HeartbeatPrompt string `json:"heartbeatPrompt"`

	// Backend runs the model backend as an external command. The
	// request is passed as JSON on stdin; stdout is the response.
	Backend BackendCommandConfig `json:"backend"`
}

// BackendCommandConfig configures the external model-runner command.
// "{{Model}}" in Args is replaced with the resolved model reference.
type BackendCommandConfig struct {
	Args           []string `json:"args"`
	TimeoutSeconds int      `json:"timeoutSeconds"`
}

// ModelChainConfig selects the primary model and its fallbacks.
type ModelChainConfig struct {
	Provider  string   `json:"provider"`
	Model     string   `json:"model"`
	Fallbacks []string `json:"fallbacks"`
}

// Primary returns the "provider/model" reference, or DefaultModel when unset.
func (m ModelChainConfig) Primary() string {
	if m.Provider != "" && m.Model != "" {
		return m.Provider + "/" + m.Model
	}
	if m.Model != "" {
		return m.Model
	}
	return DefaultModel
}

// ModelEntry is one entry in the agent.models alias index.
type ModelEntry struct {
	Alias string `json:"alias"`
}

// BashConfig configures the bash tool runtime limits.
type BashConfig struct {
	BackgroundMs int `json:"backgroundMs"`
	TimeoutSec   int `json:"timeoutSec"`
}

// ToolFilterConfig allows or denies tools by name.
type ToolFilterConfig struct {
	Allow []string `json:"allow"`
	Deny  []string `json:"deny"`
}

// SessionConfig configures session scoping and storage.
type SessionConfig struct {
	// Scope is "per-sender" or "global".
	Scope string `json:"scope"`

	// MainKey overrides the scope key of the main session.
	MainKey string `json:"mainKey"`

	// Store selects the history backend: "json" (default) or "sqlite".
	Store string `json:"store"`

	// IdleMinutes is the idle window after which a session is considered
	// stale for display purposes. Sessions are never deleted by admission.
	IdleMinutes int `json:"idleMinutes"`
}

// Effective fills defaults.
func (c SessionConfig) Effective() SessionConfig {
	out := c
	if out.Scope == "" {
		out.Scope = "per-sender"
	}
	if out.Store == "" {
		out.Store = "json"
	}
	return out
}

// CronConfig toggles the scheduler.
type CronConfig struct {
	Enabled           *bool  `json:"enabled"`
	Store             string `json:"store"`
	MaxConcurrentRuns int    `json:"maxConcurrentRuns"`
}

// IsEnabled returns true unless explicitly disabled.
func (c CronConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// SkillsConfig configures per-skill activation and credentials.
type SkillsConfig struct {
	// Entries keys skill names to their activation config.
	Entries map[string]SkillEntry `json:"entries"`

	// ExtraDirs are additional skill directories scanned after the
	// bundled directory.
	ExtraDirs []string `json:"extraDirs"`
}

// SkillEntry activates one skill and supplies its credentials.
type SkillEntry struct {
	Enabled *bool             `json:"enabled"`
	APIKey  string            `json:"apiKey"`
	Env     map[string]string `json:"env"`
}

// IsEnabled returns true unless explicitly disabled.
func (e SkillEntry) IsEnabled() bool {
	return e.Enabled == nil || *e.Enabled
}

// PluginsConfig gates plugin loading.
type PluginsConfig struct {
	Load    PluginLoadConfig       `json:"load"`
	Allow   []string               `json:"allow"`
	Deny    []string               `json:"deny"`
	Entries map[string]PluginEntry `json:"entries"`
}

// PluginLoadConfig lists explicit plugin paths.
type PluginLoadConfig struct {
	Paths []string `json:"paths"`
}

// PluginEntry enables one plugin and carries its raw config.
type PluginEntry struct {
	Enabled *bool `json:"enabled"`
	Config  any   `json:"config"`
}

// ToolsConfig configures external tool integrations.
type ToolsConfig struct {
	Audio AudioToolsConfig `json:"audio"`
}

// AudioToolsConfig configures the external transcriber for inbound voice.
type AudioToolsConfig struct {
	Transcription TranscriptionConfig `json:"transcription"`
}

// TranscriptionConfig runs an external transcriber command. {{MediaPath}}
// in Args is replaced with the downloaded media path.
type TranscriptionConfig struct {
	Args           []string `json:"args"`
	TimeoutSeconds int      `json:"timeoutSeconds"`
}

// BridgeConfig configures the node bridge listener.
type BridgeConfig struct {
	// Bind is the listen address: an IP, "0.0.0.0", or "tailnet".
	Bind string `json:"bind"`
	Port int    `json:"port"`

	// Token is the gateway/dashboard bearer token. Resolution order is
	// env, keyring, then this field.
	Token string `json:"token"`
}

// Effective fills defaults (bind 0.0.0.0, port 18790).
func (c BridgeConfig) Effective() BridgeConfig {
	out := c
	if out.Bind == "" {
		out.Bind = "0.0.0.0"
	}
	if out.Port == 0 {
		out.Port = 18790
	}
	return out
}

// DiscoveryConfig configures mDNS / DNS-SD publishing.
type DiscoveryConfig struct {
	WideArea WideAreaConfig `json:"wideArea"`
}

// WideAreaConfig enables wide-area DNS-SD under clawdbot.internal.
type WideAreaConfig struct {
	Enabled bool `json:"enabled"`
}

// HeartbeatConfig configures the heartbeat driver.
type HeartbeatConfig struct {
	// Interval is a duration string ("30m", "1h", "60s"). Default 30m.
	Interval string `json:"interval"`

	// AckMaxChars is the max narration length around the heartbeat token
	// for a reply to still count as a silent ack. Default 30.
	AckMaxChars int `json:"ackMaxChars"`
}

// EffectiveInterval parses the interval with a 30 minute default.
func (c HeartbeatConfig) EffectiveInterval() time.Duration {
	if c.Interval == "" {
		return 30 * time.Minute
	}
	d, err := time.ParseDuration(c.Interval)
	if err != nil || d <= 0 {
		return 30 * time.Minute
	}
	return d
}

// EffectiveAckMaxChars returns the ack narration budget.
func (c HeartbeatConfig) EffectiveAckMaxChars() int {
	if c.AckMaxChars <= 0 {
		return 30
	}
	return c.AckMaxChars
}

// RepliesConfig configures outbound reply shaping.
type RepliesConfig struct {
	// ResponsePrefix is prepended to the first outbound text of a
	// dispatcher when it does not already carry it.
	ResponsePrefix string `json:"responsePrefix"`

	// HumanDelay paces block replies.
	HumanDelay HumanDelayConfig `json:"humanDelay"`
}

// HumanDelayConfig selects the pacing mode for block replies.
type HumanDelayConfig struct {
	// Mode is "off", "natural", or "custom".
	Mode  string `json:"mode"`
	MinMs int    `json:"minMs"`
	MaxMs int    `json:"maxMs"`
}

// LoggingConfig selects log level and format.
type LoggingConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"`
}

// Default returns a Config with all defaults applied.
func Default() *Config {
	return &Config{}
}

// WorkspacePath resolves the agent workspace: expand "~", fall back to
// $HOME/clawd (or $HOME/clawd-<profile> when a profile is active).
func (c *Config) WorkspacePath(profile string) string {
	ws := c.Agent.Workspace
	if ws == "" {
		name := "clawd"
		if profile != "" {
			name += "-" + profile
		}
		return filepath.Join(homeDir(), name)
	}
	return ExpandHome(ws)
}

// ExpandHome expands a leading "~" or "~/" in path.
func ExpandHome(path string) string {
	if path == "~" {
		return homeDir()
	}
	if strings.HasPrefix(path, "~/") {
		return filepath.Join(homeDir(), path[2:])
	}
	return path
}

func homeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return home
}

// ResolveModelRef resolves a model key through the agent.models alias index.
// Unknown keys pass through unchanged.
func (c *Config) ResolveModelRef(key string) string {
	if entry, ok := c.Agent.Models[key]; ok && entry.Alias != "" {
		return entry.Alias
	}
	return key
}

// ValidateFallback reports whether key may be used as a fallback model.
// When agent.models is non-empty, fallbacks must be keys in it; the primary
// model is exempt from this allow-list.
func (c *Config) ValidateFallback(key string) error {
	if len(c.Agent.Models) == 0 {
		return nil
	}
	if _, ok := c.Agent.Models[key]; !ok {
		return fmt.Errorf("fallback model %q is not in agent.models", key)
	}
	return nil
}
