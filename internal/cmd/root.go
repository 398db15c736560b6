// Package cmd provides CLI commands for the mq tool.
package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/xcawolfe-amzn/mergequeue/internal/config"
	"github.com/xcawolfe-amzn/mergequeue/internal/github"
	"github.com/xcawolfe-amzn/mergequeue/internal/logging"
	"github.com/xcawolfe-amzn/mergequeue/internal/style"
	"github.com/xcawolfe-amzn/mergequeue/internal/tracking"
)

// Command groups.
const (
	GroupQueue = "queue"
	GroupDiag  = "diag"
	GroupSetup = "setup"
)

// Exit codes.
const (
	exitOK    = 0
	exitError = 1
	exitFatal = 2
)

var (
	configPath string
	repoFlag   string
	verbose    bool
	logFile    string
	noColor    bool

	// set by PersistentPreRunE
	log      *logrus.Logger
	closeLog = func() {}
)

var rootCmd = &cobra.Command{
	Use:   "mq",
	Short: "Drain batches of pull requests through CI and merge them",
	Long: `mq drains a batch of pull requests named in a request issue.

A drain takes a distributed lock for the request, waits for a member of
the approver team to approve, validates every PR against the target
branch, then syncs, tests and squash-merges the mergeable PRs one at a
time. Failures are reported on each PR and a summary is posted to the
request.

Configuration is read from .mergequeue.toml in the working directory,
or from --config.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: setup,
}

func init() {
	rootCmd.AddGroup(
		&cobra.Group{ID: GroupQueue, Title: "Queue Commands:"},
		&cobra.Group{ID: GroupDiag, Title: "Diagnostics:"},
		&cobra.Group{ID: GroupSetup, Title: "Setup:"},
	)

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default "+config.DefaultFileName+")")
	rootCmd.PersistentFlags().StringVar(&repoFlag, "repo", "", "Repository as owner/name (overrides config)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", "", "Write diagnostic logs to this file instead of stderr")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "Disable colored output")
}

// Execute runs the root command and returns the process exit code.
func Execute() int {
	defer func() { closeLog() }()

	if err := rootCmd.Execute(); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "%s %v\n", style.Error.Render(style.IconFail), err)
		if github.IsFatal(err) {
			return exitFatal
		}
		return exitError
	}
	return exitOK
}

func setup(cmd *cobra.Command, args []string) error {
	if noColor || !style.IsTerminal(os.Stdout) {
		style.DisableColor()
	}

	level := "info"
	if verbose {
		level = "debug"
	}
	l, closeFn, err := logging.NewFile(level, logFile)
	if err != nil {
		return err
	}
	log, closeLog = l, closeFn
	return nil
}

// loadConfig reads the config file and applies --repo. When needRepo is
// set, an empty repository is an error.
func loadConfig(needRepo bool) (*config.Config, error) {
	cfg, err := config.Load(configPath, configPath != "")
	if err != nil {
		return nil, err
	}
	if repoFlag != "" {
		cfg.Repository = repoFlag
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if needRepo && cfg.Repository == "" {
		return nil, fmt.Errorf("%w: repository is required (set it in %s or pass --repo)", config.ErrInvalidConfig, config.DefaultFileName)
	}
	return cfg, nil
}

// newClient builds the gh-backed platform client and checks authentication.
func newClient(cmd *cobra.Command, cfg *config.Config) (*github.Client, error) {
	client := github.NewClient(cfg.Repository, nil, log)
	if err := client.CheckAuth(cmd.Context()); err != nil {
		return nil, fmt.Errorf("gh is not authenticated (run 'gh auth login'): %w", err)
	}
	return client, nil
}

// trackingStore returns where tracking records live for cfg.
func trackingStore(cfg *config.Config, client *github.Client) (tracking.Store, error) {
	switch cfg.Tracking.Backend {
	case config.BackendFile:
		if err := os.MkdirAll(cfg.Tracking.Dir, 0755); err != nil {
			return nil, fmt.Errorf("creating tracking dir: %w", err)
		}
		return tracking.NewFileStore(cfg.Tracking.Dir), nil
	case config.BackendGitHub:
		if client == nil {
			return nil, errors.New("github tracking backend needs a client")
		}
		return client, nil
	}
	return nil, fmt.Errorf("%w: unknown tracking backend %q", config.ErrInvalidConfig, cfg.Tracking.Backend)
}

// requireSubcommand is the RunE of parent commands that do nothing alone.
func requireSubcommand(cmd *cobra.Command, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("requires a subcommand\n\nRun '%s --help' for usage", cmd.CommandPath())
	}
	return fmt.Errorf("unknown command %q for %q\n\nRun '%s --help' for usage", args[0], cmd.CommandPath(), cmd.CommandPath())
}
