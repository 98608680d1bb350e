package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/clawdbot/clawdbot/pkg/clawdbot/agent"
	"github.com/clawdbot/clawdbot/pkg/clawdbot/session"
)

// newAgentCmd creates `clawdbot agent`: a oneshot turn. Exits 1 on
// error.
func newAgentCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Run a single agent turn",
		RunE:  runAgentOneshot,
	}
	cmd.Flags().StringP("message", "m", "", "message text (required)")
	cmd.Flags().StringP("session", "s", "", "session key (default: main)")
	cmd.Flags().StringP("thinking", "t", "", "thinking level for this turn")
	cmd.Flags().Bool("json", false, "emit the result as JSON")
	cmd.MarkFlagRequired("message")
	return cmd
}

func runAgentOneshot(cmd *cobra.Command, _ []string) error {
	cli, err := buildContext(cmd)
	if err != nil {
		return err
	}

	message, _ := cmd.Flags().GetString("message")
	sessionFlag, _ := cmd.Flags().GetString("session")
	thinking, _ := cmd.Flags().GetString("thinking")
	asJSON, _ := cmd.Flags().GetBool("json")

	key := cli.runner.MainKey()
	if sessionFlag != "" {
		key = session.Key(sessionFlag)
	}

	res, err := cli.runner.Run(context.Background(), agent.RunParams{
		Message:          message,
		SessionKey:       key,
		ThinkingOverride: thinking,
	})
	if err != nil {
		return err
	}

	if asJSON {
		out := map[string]any{
			"response":   res.Response,
			"sessionId":  res.SessionID,
			"sessionKey": string(res.SessionKey),
			"model":      res.Model,
		}
		if res.Usage != nil {
			out["usage"] = map[string]int64{
				"input":  res.Usage.Input,
				"output": res.Usage.Output,
				"total":  res.Usage.Total(),
			}
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	}

	fmt.Println(res.Response)
	return nil
}
