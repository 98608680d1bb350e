package commands

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"

	"github.com/clawdbot/clawdbot/pkg/clawdbot/agent"
	"github.com/clawdbot/clawdbot/pkg/clawdbot/session"
)

// newChatCmd creates `clawdbot chat`: an interactive REPL against the
// agent. /quit, /new and /reset are handled locally.
func newChatCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Interactive conversation with the agent",
		RunE:  runChatRepl,
	}
	cmd.Flags().StringP("session", "s", "", "session key (default: main)")
	cmd.Flags().StringP("thinking", "t", "", "thinking level for this chat")
	return cmd
}

func runChatRepl(cmd *cobra.Command, _ []string) error {
	cli, err := buildContext(cmd)
	if err != nil {
		return err
	}

	sessionFlag, _ := cmd.Flags().GetString("session")
	thinking, _ := cmd.Flags().GetString("thinking")

	key := cli.runner.MainKey()
	if sessionFlag != "" {
		key = session.Key(sessionFlag)
	}

	rl, err := readline.New("you> ")
	if err != nil {
		return fmt.Errorf("starting readline: %w", err)
	}
	defer rl.Close()

	fmt.Println("Connected. /quit to leave, /new or /reset for a fresh session.")

	for {
		line, err := rl.Readline()
		if err == readline.ErrInterrupt {
			continue
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}

		text := strings.TrimSpace(line)
		switch strings.ToLower(text) {
		case "":
			continue
		case "/quit", "/exit":
			return nil
		case "/new", "/reset":
			sess := cli.store.Reset(key)
			fmt.Printf("Fresh session (%s).\n", sess.ID[:8])
			continue
		}

		res, err := cli.runner.Run(context.Background(), agent.RunParams{
			Message:          text,
			SessionKey:       key,
			ThinkingOverride: thinking,
		})
		if err != nil {
			fmt.Printf("error: %v\n", err)
			continue
		}
		fmt.Println(res.Response)
	}
}
