package commands

import (
	"fmt"
	"os"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/clawdbot/clawdbot/pkg/clawdbot/session"
)

// newSessionsCmd creates `clawdbot sessions`: list known sessions.
func newSessionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sessions",
		Short: "List sessions",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cli, err := buildContext(cmd)
			if err != nil {
				return err
			}

			entries := cli.store.List()
			if len(entries) == 0 {
				fmt.Println("No sessions yet.")
				return nil
			}
			for _, e := range entries {
				updated := time.UnixMilli(e.Session.UpdatedAt).Format("2006-01-02 15:04")
				model := e.Session.LastModel.String()
				if model == "" {
					model = "-"
				}
				fmt.Printf("%-40s  %s  %-32s  %6d tokens\n",
					e.Key, updated, model, e.Session.Usage.Total)
			}
			return nil
		},
	}
}

// newResetCmd creates `clawdbot reset`: reset one session.
func newResetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Reset a session (new id, zeroed counters)",
		RunE:  runReset,
	}
	cmd.Flags().StringP("session", "s", "", "session key (default: main)")
	cmd.Flags().BoolP("yes", "y", false, "skip the confirmation prompt")
	return cmd
}

func runReset(cmd *cobra.Command, _ []string) error {
	cli, err := buildContext(cmd)
	if err != nil {
		return err
	}

	sessionFlag, _ := cmd.Flags().GetString("session")
	skipConfirm, _ := cmd.Flags().GetBool("yes")

	key := cli.runner.MainKey()
	if sessionFlag != "" {
		key = session.Key(sessionFlag)
	}

	if !skipConfirm && term.IsTerminal(int(os.Stdin.Fd())) {
		confirmed := false
		form := huh.NewForm(huh.NewGroup(
			huh.NewConfirm().
				Title(fmt.Sprintf("Reset session %s?", key)).
				Description("The conversation id changes and token counters reset.").
				Value(&confirmed),
		))
		if err := form.Run(); err != nil {
			return err
		}
		if !confirmed {
			fmt.Println("Aborted.")
			return nil
		}
	}

	sess := cli.store.Reset(key)
	fmt.Printf("Session %s reset (%s).\n", key, sess.ID[:8])
	return nil
}
