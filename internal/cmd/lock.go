package cmd

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/xcawolfe-amzn/mergequeue/internal/config"
	"github.com/xcawolfe-amzn/mergequeue/internal/drain"
	"github.com/xcawolfe-amzn/mergequeue/internal/github"
	"github.com/xcawolfe-amzn/mergequeue/internal/request"
	"github.com/xcawolfe-amzn/mergequeue/internal/style"
	"github.com/xcawolfe-amzn/mergequeue/internal/tracking"
	"github.com/xcawolfe-amzn/mergequeue/internal/tui/locks"
)

var (
	lockStatusAll  bool
	lockReleaseAs  string
	lockReason     string
	lockWatchEvery time.Duration
)

var lockCmd = &cobra.Command{
	Use:     "lock",
	GroupID: GroupQueue,
	Short:   "Inspect and recover merge queue locks",
	RunE:    requireSubcommand,
	Long: `Inspect and recover the tracking records that serve as merge queue locks.

A drain that dies on a fatal platform error leaves its record ACTIVE so
nobody re-runs the request by accident. Once the cause is understood,
release it with 'mq lock release'.

Commands:
  mq lock status [request]     List tracking records
  mq lock release <request>    Force-release an active lock
  mq lock watch                Live view of tracking records`,
}

var lockStatusCmd = &cobra.Command{
	Use:   "status [request]",
	Short: "List tracking records",
	Long: `List open tracking records, or every record with --all.

With a request number, show only the active lock for that request.

Examples:
  mq lock status
  mq lock status --all
  mq lock status 42`,
	Args: cobra.MaximumNArgs(1),
	RunE: runLockStatus,
}

var lockReleaseCmd = &cobra.Command{
	Use:   "release <request>",
	Short: "Force-release the active lock of a request",
	Long: `Close the active tracking record of a request with a completion comment.

Use this to recover an orphaned lock after a drain died. The record is
closed with status "aborted" unless --status says otherwise.

Examples:
  mq lock release 42
  mq lock release 42 --status failed --reason "runner lost network"`,
	Args: cobra.ExactArgs(1),
	RunE: runLockRelease,
}

var lockWatchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Watch tracking records live",
	Long: `Open an interactive view of tracking records that refreshes itself.

Keys: j/k move, a toggles open/all records, r refreshes, ? shows help,
q quits.`,
	Args: cobra.NoArgs,
	RunE: runLockWatch,
}

func init() {
	lockStatusCmd.Flags().BoolVarP(&lockStatusAll, "all", "a", false, "Include released records")
	lockReleaseCmd.Flags().StringVar(&lockReleaseAs, "status", string(tracking.StatusAborted), "Completion status (completed, rejected, timeout, failed, aborted)")
	lockReleaseCmd.Flags().StringVar(&lockReason, "reason", "Released manually with mq lock release", "Detail for the completion comment")
	lockWatchCmd.Flags().DurationVar(&lockWatchEvery, "refresh", 10*time.Second, "Refresh interval")

	lockCmd.AddCommand(lockStatusCmd)
	lockCmd.AddCommand(lockReleaseCmd)
	lockCmd.AddCommand(lockWatchCmd)
	rootCmd.AddCommand(lockCmd)
}

// newLockManager builds a manager over the configured tracking backend.
// The file backend works without gh.
func newLockManager(cmd *cobra.Command) (*tracking.Manager, error) {
	cfg, err := loadConfig(false)
	if err != nil {
		return nil, err
	}

	var client *github.Client
	if cfg.Tracking.Backend == config.BackendGitHub {
		if cfg.Repository == "" {
			return nil, fmt.Errorf("%w: repository is required for the github tracking backend", config.ErrInvalidConfig)
		}
		if client, err = newClient(cmd, cfg); err != nil {
			return nil, err
		}
	}
	store, err := trackingStore(cfg, client)
	if err != nil {
		return nil, err
	}

	m := tracking.NewManager(store, log)
	m.SetOutput(cmd.OutOrStdout())
	if cfg.Tracking.Dir != "" {
		if err := os.MkdirAll(cfg.Tracking.Dir, 0755); err != nil {
			return nil, fmt.Errorf("creating tracking dir: %w", err)
		}
		m.SetHostLock(filepath.Join(cfg.Tracking.Dir, drain.HostLockFile))
	}
	return m, nil
}

func parseRequestArg(arg string) (int, error) {
	n, err := strconv.Atoi(strings.TrimPrefix(arg, "#"))
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid request number %q", arg)
	}
	return n, nil
}

func runLockStatus(cmd *cobra.Command, args []string) error {
	m, err := newLockManager(cmd)
	if err != nil {
		return err
	}

	var list []*tracking.Lock
	if len(args) == 1 {
		id, err := parseRequestArg(args[0])
		if err != nil {
			return err
		}
		l, err := m.Find(cmd.Context(), id)
		if err != nil {
			return err
		}
		if l == nil {
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s No active lock for request #%d\n", style.Dim.Render("○"), id)
			return nil
		}
		list = []*tracking.Lock{l}
	} else {
		state := "open"
		if lockStatusAll {
			state = "all"
		}
		if list, err = m.List(cmd.Context(), state); err != nil {
			return err
		}
	}

	printLocks(cmd.OutOrStdout(), list)
	return nil
}

func printLocks(w io.Writer, list []*tracking.Lock) {
	if len(list) == 0 {
		_, _ = fmt.Fprintln(w, style.Dim.Render("No tracking records."))
		return
	}

	t := style.NewTable(
		style.Column{Name: "REQUEST", Width: 8},
		style.Column{Name: "RECORD", Width: 8},
		style.Column{Name: "STATE", Width: 10},
		style.Column{Name: "STARTED", Width: 20},
		style.Column{Name: "PRS", Width: 30},
		style.Column{Name: "HOLDER", Width: 36},
	)
	active := 0
	for _, l := range list {
		state := style.Dim.Render(string(l.State))
		if l.Active() {
			active++
			state = style.Warning.Render(string(l.State))
		}
		started := "-"
		if !l.CreatedAt.IsZero() {
			started = l.CreatedAt.Local().Format("2006-01-02 15:04")
		}
		prs := request.FormatPRs(l.PRs)
		if l.ReleasePR > 0 {
			prs += fmt.Sprintf(" (+#%d)", l.ReleasePR)
		}
		t.AddRow(
			"#"+strconv.Itoa(l.RequestID),
			"#"+strconv.Itoa(l.RecordID),
			state,
			started,
			prs,
			l.Holder,
		)
	}
	_, _ = fmt.Fprint(w, t.Render())
	_, _ = fmt.Fprintf(w, "\n%d record(s), %d active\n", len(list), active)
	if active > 0 {
		_, _ = fmt.Fprintf(w, "%s an ACTIVE record whose drain is no longer running is orphaned; release it with 'mq lock release <request>'\n",
			style.Dim.Render("hint:"))
	}
}

func parseStatus(s string) (tracking.Status, error) {
	switch st := tracking.Status(strings.ToLower(s)); st {
	case tracking.StatusCompleted, tracking.StatusRejected, tracking.StatusTimeout, tracking.StatusFailed, tracking.StatusAborted:
		return st, nil
	}
	return "", fmt.Errorf("invalid --status %q", s)
}

func runLockRelease(cmd *cobra.Command, args []string) error {
	id, err := parseRequestArg(args[0])
	if err != nil {
		return err
	}
	status, err := parseStatus(lockReleaseAs)
	if err != nil {
		return err
	}

	m, err := newLockManager(cmd)
	if err != nil {
		return err
	}
	l, err := m.Find(cmd.Context(), id)
	if err != nil {
		return err
	}
	if l == nil {
		return fmt.Errorf("no active lock for request #%d", id)
	}

	if err := m.Release(cmd.Context(), l, status, lockReason); err != nil {
		return err
	}
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s Released tracking record #%d for request #%d\n",
		style.Success.Render(style.IconOK), l.RecordID, id)
	return nil
}

func runLockWatch(cmd *cobra.Command, args []string) error {
	if !style.IsTerminal(os.Stdout) || !style.IsTerminal(os.Stdin) {
		return errors.New("lock watch needs an interactive terminal; use 'mq lock status' instead")
	}

	m, err := newLockManager(cmd)
	if err != nil {
		return err
	}
	m.SetOutput(io.Discard)

	p := tea.NewProgram(locks.New(m, lockWatchEvery), tea.WithAltScreen(), tea.WithContext(cmd.Context()))
	if _, err := p.Run(); err != nil {
		return fmt.Errorf("running lock watcher: %w", err)
	}
	return nil
}
