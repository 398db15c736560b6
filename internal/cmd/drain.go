package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/xcawolfe-amzn/mergequeue/internal/config"
	"github.com/xcawolfe-amzn/mergequeue/internal/drain"
	"github.com/xcawolfe-amzn/mergequeue/internal/style"
)

var (
	drainApprovalTimeout  time.Duration
	drainReminderInterval time.Duration
	drainApprovalPoll     time.Duration
	drainCIRunTimeout     time.Duration
	drainCIStartupTimeout time.Duration
	drainCIStartupPoll    time.Duration
	drainCheckInterval    time.Duration
	drainSettleDelay      time.Duration
	drainNoAdmin          bool
	drainSince            string
	drainRequester        string
)

var drainCmd = &cobra.Command{
	Use:     "drain <issue>",
	GroupID: GroupQueue,
	Short:   "Run the merge queue for a request issue",
	Long: `Run the full merge queue for the request recorded in an issue.

Steps:
  1. Parse the PR list from the issue body
  2. Acquire the tracking lock for the request
  3. Ask the approver team and wait for approval
  4. Merge the release PR, if one is named
  5. Validate every PR against the target branch
  6. Sync, test and squash-merge mergeable PRs in ascending order
  7. Notify authors of failures and re-sync failed branches
  8. Post a summary and release the lock

Without --since, the latest comment matching activation_phrase marks the
trigger: earlier approval responses are ignored and its author is
credited as the requester. A request without one is refused.

Every timing setting in the config file can be overridden by a flag.

Examples:
  mq drain 42
  mq drain 42 --approval-timeout 30m --since 2024-06-01T09:00:00Z`,
	Args: cobra.ExactArgs(1),
	RunE: runDrain,
}

func init() {
	f := drainCmd.Flags()
	f.DurationVar(&drainApprovalTimeout, "approval-timeout", 0, "How long to wait for approval")
	f.DurationVar(&drainReminderInterval, "reminder-interval", 0, "How often to remind approvers")
	f.DurationVar(&drainApprovalPoll, "approval-poll-interval", 0, "How often to check for an approval response")
	f.DurationVar(&drainCIRunTimeout, "ci-run-timeout", 0, "Maximum CI run duration per PR")
	f.DurationVar(&drainCIStartupTimeout, "ci-startup-timeout", 0, "How long to wait for CI to acknowledge the trigger")
	f.DurationVar(&drainCIStartupPoll, "ci-startup-poll-interval", 0, "Initial poll interval while waiting for CI to start")
	f.DurationVar(&drainCheckInterval, "check-interval", 0, "Poll interval while CI runs")
	f.DurationVar(&drainSettleDelay, "settle-delay", 0, "Pause after each merge before the next PR")
	f.BoolVar(&drainNoAdmin, "no-admin", false, "Merge without admin override")
	f.StringVar(&drainSince, "since", "", "Ignore approval responses before this RFC 3339 time (default: the latest activation comment)")
	f.StringVar(&drainRequester, "requester", "", "Credit this login as the requester")

	rootCmd.AddCommand(drainCmd)
}

// applyDrainOverrides copies the flags the user set onto cfg.
func applyDrainOverrides(cmd *cobra.Command, cfg *config.Config) {
	durations := []struct {
		flag string
		src  time.Duration
		dst  *config.Duration
	}{
		{"approval-timeout", drainApprovalTimeout, &cfg.ApprovalTimeout},
		{"reminder-interval", drainReminderInterval, &cfg.ReminderInterval},
		{"approval-poll-interval", drainApprovalPoll, &cfg.ApprovalPollInterval},
		{"ci-run-timeout", drainCIRunTimeout, &cfg.CIRunTimeout},
		{"ci-startup-timeout", drainCIStartupTimeout, &cfg.CIStartupTimeout},
		{"ci-startup-poll-interval", drainCIStartupPoll, &cfg.CIStartupPollInterval},
		{"check-interval", drainCheckInterval, &cfg.CheckInterval},
		{"settle-delay", drainSettleDelay, &cfg.SettleDelay},
	}
	for _, d := range durations {
		if cmd.Flags().Changed(d.flag) {
			d.dst.Duration = d.src
		}
	}
	if drainNoAdmin {
		cfg.MergeAdmin = false
	}
}

func runDrain(cmd *cobra.Command, args []string) error {
	requestID, err := strconv.Atoi(args[0])
	if err != nil || requestID <= 0 {
		return fmt.Errorf("invalid issue number %q", args[0])
	}

	var opts drain.Options
	if drainSince != "" {
		opts.TriggeredAt, err = time.Parse(time.RFC3339, drainSince)
		if err != nil {
			return fmt.Errorf("invalid --since: %w", err)
		}
	}
	opts.Requester = drainRequester

	cfg, err := loadConfig(true)
	if err != nil {
		return err
	}
	applyDrainOverrides(cmd, cfg)
	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client, err := newClient(cmd, cfg)
	if err != nil {
		return err
	}
	store, err := trackingStore(cfg, client)
	if err != nil {
		return err
	}
	if cfg.Tracking.Dir != "" {
		if err := os.MkdirAll(cfg.Tracking.Dir, 0755); err != nil {
			return fmt.Errorf("creating tracking dir: %w", err)
		}
	}

	runner, err := drain.New(client, store, cfg, log)
	if err != nil {
		return err
	}
	runner.SetOutput(cmd.OutOrStdout())

	res, runErr := runner.Run(ctx, requestID, opts)
	if res != nil && res.Summary != nil {
		_, _ = fmt.Fprintln(cmd.OutOrStdout())
		_, _ = fmt.Fprint(cmd.OutOrStdout(), res.Summary.Table())
	}
	if runErr != nil {
		return runErr
	}

	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "\n%s Drain %s finished\n", style.Success.Render(style.IconOK), res.RunID)
	return nil
}
