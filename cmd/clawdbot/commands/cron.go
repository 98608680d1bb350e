package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/clawdbot/clawdbot/pkg/clawdbot/channels"
	"github.com/clawdbot/clawdbot/pkg/clawdbot/cron"
	"github.com/clawdbot/clawdbot/pkg/clawdbot/gateway"
)

// newCronCmd creates `clawdbot cron` with the scheduler's mutating API:
// status, list, add, update, remove, run.
func newCronCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cron",
		Short: "Manage scheduled jobs",
	}

	var includeDisabled bool
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withScheduler(cmd, func(s *cron.Scheduler) error {
				jobs := s.List(includeDisabled)
				if len(jobs) == 0 {
					fmt.Println("No jobs.")
					return nil
				}
				for _, j := range jobs {
					next := "-"
					if j.State.NextRunAtMs != nil {
						next = time.UnixMilli(*j.State.NextRunAtMs).Format("2006-01-02 15:04:05")
					}
					status := string(j.State.LastStatus)
					if status == "" {
						status = "never-ran"
					}
					fmt.Printf("%-36s  %-20s  enabled=%-5t  next=%s  last=%s\n",
						j.ID, j.Name, j.Enabled, next, status)
				}
				return nil
			})
		},
	}
	listCmd.Flags().BoolVar(&includeDisabled, "include-disabled", false, "also show disabled jobs")

	var jobJSON string
	addCmd := &cobra.Command{
		Use:   "add",
		Short: "Add a job from JSON",
		Long: `Add a job. The job is normalized: schedule/payload kinds are
inferred (atMs => at, everyMs => every, expr => cron; text => systemEvent,
message => agentTurn) and defaults applied.

Example:
  clawdbot cron add --job '{"name":"digest","enabled":true,
    "schedule":{"expr":"0 9 * * *","tz":"UTC"},
    "payload":{"message":"summarize my inbox"}}'`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withScheduler(cmd, func(s *cron.Scheduler) error {
				var job cron.Job
				if err := json.Unmarshal([]byte(jobJSON), &job); err != nil {
					return fmt.Errorf("parsing --job: %w", err)
				}
				added, err := s.Add(job)
				if err != nil {
					return err
				}
				fmt.Printf("Added job %s (%s)\n", added.ID, added.Name)
				return nil
			})
		},
	}
	addCmd.Flags().StringVar(&jobJSON, "job", "", "job definition as JSON (required)")
	addCmd.MarkFlagRequired("job")

	var patchJSON string
	updateCmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Patch a job from JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withScheduler(cmd, func(s *cron.Scheduler) error {
				var raw struct {
					Name        *string             `json:"name"`
					Description *string             `json:"description"`
					Enabled     *bool               `json:"enabled"`
					Schedule    *cron.Schedule      `json:"schedule"`
					Target      *cron.SessionTarget `json:"sessionTarget"`
					Wake        *cron.WakeMode      `json:"wakeMode"`
					Payload     *cron.Payload       `json:"payload"`
					Isolation   *cron.Isolation     `json:"isolation"`
				}
				if err := json.Unmarshal([]byte(patchJSON), &raw); err != nil {
					return fmt.Errorf("parsing --patch: %w", err)
				}
				updated, err := s.Update(args[0], cron.Patch{
					Name:        raw.Name,
					Description: raw.Description,
					Enabled:     raw.Enabled,
					Schedule:    raw.Schedule,
					Target:      raw.Target,
					Wake:        raw.Wake,
					Payload:     raw.Payload,
					Isolation:   raw.Isolation,
				})
				if err != nil {
					return err
				}
				fmt.Printf("Updated job %s\n", updated.ID)
				return nil
			})
		},
	}
	updateCmd.Flags().StringVar(&patchJSON, "patch", "", "partial job as JSON (required)")
	updateCmd.MarkFlagRequired("patch")

	cmd.AddCommand(
		&cobra.Command{
			Use:   "status",
			Short: "Show scheduler status",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return withScheduler(cmd, func(s *cron.Scheduler) error {
					st := s.Summary()
					next := "-"
					if st.NextRunAtMs != nil {
						next = time.UnixMilli(*st.NextRunAtMs).Format(time.RFC3339)
					}
					fmt.Printf("jobs=%d enabled=%d running=%d next=%s\n",
						st.Jobs, st.Enabled, st.Running, next)
					return nil
				})
			},
		},
		listCmd,
		addCmd,
		updateCmd,
		&cobra.Command{
			Use:   "remove <id>",
			Short: "Remove a job",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withScheduler(cmd, func(s *cron.Scheduler) error {
					if err := s.Remove(args[0]); err != nil {
						return err
					}
					fmt.Printf("Removed job %s\n", args[0])
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "run <id>",
			Short: "Force-run a job now (respects single-flight)",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withScheduler(cmd, func(s *cron.Scheduler) error {
					status, reason, err := s.RunForce(args[0])
					if err != nil {
						return err
					}
					if status == cron.StatusSkipped {
						fmt.Printf("Skipped: %s\n", reason)
						return nil
					}
					// Wait for the inline run to finish.
					for {
						job, ok := s.Get(args[0])
						if !ok || job.State.RunningAtMs == nil {
							if ok {
								fmt.Printf("Run finished: %s\n", job.State.LastStatus)
								if job.State.LastError != "" {
									fmt.Println("  " + job.State.LastError)
								}
							}
							return nil
						}
						time.Sleep(100 * time.Millisecond)
					}
				})
			},
		},
	)
	return cmd
}

// withScheduler builds the gateway-backed scheduler, runs fn, and shuts
// it down.
func withScheduler(cmd *cobra.Command, fn func(*cron.Scheduler) error) error {
	cli, err := buildContext(cmd)
	if err != nil {
		return err
	}

	gw := gateway.New(gateway.Options{
		Config:     cli.cfg,
		Runner:     cli.runner,
		Pairing:    cli.pairing,
		ChannelMgr: channels.NewManager(cli.logger),
		Logger:     cli.logger,
	})

	storePath := cli.cfg.Cron.Store
	if storePath == "" {
		storePath = filepath.Join(cli.rt.CronDir(), "jobs.json")
	}
	// Passive: the daemon owns job timing; the CLI only mutates the
	// store and force-runs.
	scheduler := cron.New(cron.NewStore(storePath, cli.logger), cron.Options{
		Runner:  gw,
		Wake:    gw.Wake,
		Passive: true,
		Logger:  cli.logger,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := scheduler.Start(ctx); err != nil {
		return err
	}
	defer scheduler.Stop()

	if err := fn(scheduler); err != nil {
		return err
	}
	_ = os.Stdout.Sync()
	return nil
}
