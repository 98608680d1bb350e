// Package runtime carries the process-wide context that every Clawdbot
// subsystem receives explicitly: state directory, active profile, config
// path, clock, and logger. Nothing in the gateway reads these from package
// globals; tests inject stubbed runtimes.
package runtime

import (
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// Env var names honored by the runtime resolver.
const (
	EnvStateDir   = "CLAWD_STATE_DIR"
	EnvConfigPath = "CLAWD_CONFIG_PATH"
	EnvProfile    = "CLAWD_PROFILE"
	EnvSkipCron   = "CLAWD_SKIP_CRON"
)

// Runtime is the explicit process context passed to subsystem constructors.
type Runtime struct {
	// StateDir is the root directory for persisted state
	// (sessions, cron jobs, pairing, managed skills).
	StateDir string

	// ConfigPath is the resolved config file path ("" if none was found).
	ConfigPath string

	// Profile is the active profile name ("" for the default profile).
	Profile string

	// Now is the wall clock. Tests replace it with a fake.
	Now func() time.Time

	Logger *slog.Logger
}

// Resolve builds a Runtime from the environment. The state directory
// defaults to ~/.clawdbot (or ~/.clawdbot-<profile>).
func Resolve(logger *slog.Logger) *Runtime {
	if logger == nil {
		logger = slog.Default()
	}

	profile := os.Getenv(EnvProfile)

	stateDir := os.Getenv(EnvStateDir)
	if stateDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			home = "."
		}
		name := ".clawdbot"
		if profile != "" {
			name += "-" + profile
		}
		stateDir = filepath.Join(home, name)
	}

	return &Runtime{
		StateDir:   stateDir,
		ConfigPath: os.Getenv(EnvConfigPath),
		Profile:    profile,
		Now:        time.Now,
		Logger:     logger,
	}
}

// AgentDir returns the per-agent state directory.
func (r *Runtime) AgentDir(agentID string) string {
	return filepath.Join(r.StateDir, "agents", agentID)
}

// SessionsDir returns the directory holding sessions.json and transcripts.
func (r *Runtime) SessionsDir(agentID string) string {
	return filepath.Join(r.AgentDir(agentID), "sessions")
}

// CronDir returns the directory holding the cron jobs file.
func (r *Runtime) CronDir() string {
	return filepath.Join(r.StateDir, "cron")
}

// PairingPath returns the pairing store file path.
func (r *Runtime) PairingPath() string {
	return filepath.Join(r.StateDir, "pairing.json")
}

// ManagedSkillsDir returns the directory for skills installed by the agent.
func (r *Runtime) ManagedSkillsDir() string {
	return filepath.Join(r.StateDir, "skills")
}

// SkipCron reports whether the cron scheduler is disabled via environment.
func (r *Runtime) SkipCron() bool {
	return os.Getenv(EnvSkipCron) == "1"
}
