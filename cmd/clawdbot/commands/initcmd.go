package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/clawdbot/clawdbot/pkg/clawdbot/agent"
	"github.com/clawdbot/clawdbot/pkg/clawdbot/config"
)

// newInitCmd creates `clawdbot init`: materialize the workspace and its
// bootstrap files.
func newInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Materialize the agent workspace and bootstrap files",
		RunE:  runInit,
	}
	cmd.Flags().StringP("dir", "d", "", "workspace directory (default from config)")
	return cmd
}

func runInit(cmd *cobra.Command, _ []string) error {
	ctx, err := buildContext(cmd)
	if err != nil {
		return err
	}

	dir, _ := cmd.Flags().GetString("dir")
	if dir == "" {
		dir = ctx.workspaceDir()
	} else {
		dir = config.ExpandHome(dir)
	}

	files, err := agent.EnsureWorkspace(dir)
	if err != nil {
		return err
	}

	fmt.Printf("Workspace ready at %s (%d context files)\n", dir, len(files))
	return nil
}
