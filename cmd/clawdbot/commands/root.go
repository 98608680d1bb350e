// Package commands implements the clawdbot CLI using cobra.
package commands

import (
	"log/slog"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/clawdbot/clawdbot/pkg/clawdbot/agent"
	"github.com/clawdbot/clawdbot/pkg/clawdbot/config"
	"github.com/clawdbot/clawdbot/pkg/clawdbot/pairing"
	"github.com/clawdbot/clawdbot/pkg/clawdbot/runtime"
	"github.com/clawdbot/clawdbot/pkg/clawdbot/session"
)

// NewRootCmd creates the root command with all subcommands registered.
func NewRootCmd(version string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "clawdbot",
		Short: "Clawdbot - personal assistant gateway",
		Long: `Clawdbot is a personal-assistant gateway between chat surfaces
(WhatsApp, Telegram, Discord, ...) and a long-running LLM agent.

Examples:
  clawdbot init
  clawdbot chat
  clawdbot agent -m "what's on my calendar?"
  clawdbot serve`,
		Version: version,
		PersistentPreRun: func(_ *cobra.Command, _ []string) {
			// Best effort: a missing .env is the normal case.
			_ = godotenv.Load()
		},
	}

	rootCmd.AddCommand(
		newInitCmd(),
		newChatCmd(),
		newAgentCmd(),
		newSessionsCmd(),
		newResetCmd(),
		newCronCmd(),
		newPairingCmd(),
		newServeCmd(),
	)

	rootCmd.PersistentFlags().StringP("config", "c", "", "path to the config file")
	rootCmd.PersistentFlags().Bool("verbose", false, "enable debug logging")

	return rootCmd
}

// cliContext bundles everything a subcommand needs.
type cliContext struct {
	rt      *runtime.Runtime
	cfg     *config.Config
	logger  *slog.Logger
	store   *session.Store
	runner  *agent.Runner
	pairing *pairing.Store
}

// buildContext resolves runtime, config, and core stores for a command.
func buildContext(cmd *cobra.Command) (*cliContext, error) {
	verbose, _ := cmd.Root().PersistentFlags().GetBool("verbose")
	configPath, _ := cmd.Root().PersistentFlags().GetString("config")

	logger := newLogger(verbose, nil)
	rt := runtime.Resolve(logger)

	cfg, path, err := config.LoadOrDefault(configPath, rt.StateDir)
	if err != nil {
		return nil, err
	}
	rt.ConfigPath = path
	if verbose || cfg.Logging.Level == "debug" {
		logger = newLogger(true, cfg)
	} else {
		logger = newLogger(false, cfg)
	}
	rt.Logger = logger

	store := session.NewStore(rt.SessionsDir("clawd"), logger)
	backend := &agent.ExecBackend{
		Args:           cfg.Agent.Backend.Args,
		TimeoutSeconds: cfg.Agent.Backend.TimeoutSeconds,
	}

	var history session.HistoryStore
	if cfg.Session.Effective().Store == "sqlite" {
		h, err := session.OpenSQLiteHistory(
			filepath.Join(rt.AgentDir("clawd"), "clawdbot.db"), logger)
		if err != nil {
			logger.Warn("sqlite history unavailable, continuing without", "error", err)
		} else {
			history = h
		}
	}

	runner := agent.NewRunner(cfg, backend, store, agent.Options{
		Profile:          rt.Profile,
		ManagedSkillsDir: rt.ManagedSkillsDir(),
		History:          history,
		Logger:           logger,
	})

	ps, err := pairing.NewStore(rt.PairingPath(), logger)
	if err != nil {
		return nil, err
	}

	return &cliContext{
		rt:      rt,
		cfg:     cfg,
		logger:  logger,
		store:   store,
		runner:  runner,
		pairing: ps,
	}, nil
}

// newLogger builds the slog logger per config (text or JSON handler).
func newLogger(verbose bool, cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	var handler slog.Handler
	if cfg != nil && cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	}
	return slog.New(handler)
}

// workspaceDir resolves the agent workspace for display.
func (c *cliContext) workspaceDir() string {
	return c.cfg.WorkspacePath(c.rt.Profile)
}
