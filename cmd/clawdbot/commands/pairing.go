package commands

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

// newPairingCmd creates `clawdbot pairing` with approve/list/revoke.
func newPairingCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pairing",
		Short: "Manage paired principals and pending codes",
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "approve <provider> <code>",
			Short: "Approve a pending pairing code",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				cli, err := buildContext(cmd)
				if err != nil {
					return err
				}
				principal, err := cli.pairing.Approve(args[0], args[1], "cli")
				if err != nil {
					return err
				}
				fmt.Printf("Approved %s on %s.\n", principal, args[0])
				return nil
			},
		},
		&cobra.Command{
			Use:   "list",
			Short: "Show the allow-list and pending codes",
			RunE: func(cmd *cobra.Command, _ []string) error {
				cli, err := buildContext(cmd)
				if err != nil {
					return err
				}
				pending := cli.pairing.Pending()
				if len(pending) > 0 {
					fmt.Println("Pending:")
					for _, c := range pending {
						expires := time.UnixMilli(c.ExpiresAtMs).Format("15:04:05")
						fmt.Printf("  %-10s %-24s code %s (expires %s)\n",
							c.Provider, c.Principal, c.Code, expires)
					}
				}
				for _, provider := range []string{"whatsapp", "telegram", "discord", "slack", "signal", "imessage", "teams", "bridge"} {
					allowed := cli.pairing.Allowed(provider)
					if len(allowed) > 0 {
						fmt.Printf("%s: %s\n", provider, strings.Join(allowed, ", "))
					}
				}
				return nil
			},
		},
		&cobra.Command{
			Use:   "revoke <provider> <principal>",
			Short: "Remove a principal from the allow-list",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				cli, err := buildContext(cmd)
				if err != nil {
					return err
				}
				if err := cli.pairing.Revoke(args[0], args[1]); err != nil {
					return err
				}
				fmt.Printf("Revoked %s on %s.\n", args[1], args[0])
				return nil
			},
		},
	)
	return cmd
}
