package cmd

import (
	"bytes"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/xcawolfe-amzn/mergequeue/internal/config"
	"github.com/xcawolfe-amzn/mergequeue/internal/style"
)

var (
	configInitForce bool
	configInitRepo  string
)

var configCmd = &cobra.Command{
	Use:     "config",
	GroupID: GroupSetup,
	Short:   "Show or create the mq configuration",
	RunE:    requireSubcommand,
	Long: `Show or create the mq configuration.

Settings are read from .mergequeue.toml in the working directory, or
from --config. Keys absent from the file keep their defaults.

Commands:
  mq config show    Print the effective configuration as TOML
  mq config init    Write a config file with the defaults`,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Long: `Print the configuration a command would run with: defaults, overlaid
by the config file, overlaid by --repo.`,
	Args: cobra.NoArgs,
	RunE: runConfigShow,
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a config file with the defaults",
	Long: `Write the default configuration to .mergequeue.toml, or to --config.

Examples:
  mq config init --repository acme/widgets
  mq --config ci/mq.toml config init --force`,
	Args: cobra.NoArgs,
	RunE: runConfigInit,
}

func init() {
	configInitCmd.Flags().BoolVar(&configInitForce, "force", false, "Overwrite an existing file")
	configInitCmd.Flags().StringVar(&configInitRepo, "repository", "", "Repository as owner/name")

	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configInitCmd)
	rootCmd.AddCommand(configCmd)
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(false)
	if err != nil {
		return err
	}
	return cfg.Write(cmd.OutOrStdout())
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	path := configPath
	if path == "" {
		path = config.DefaultFileName
	}
	if _, err := os.Stat(path); err == nil && !configInitForce {
		return fmt.Errorf("%s already exists (use --force to overwrite)", path)
	}

	cfg := config.Default()
	cfg.Repository = configInitRepo
	if cfg.Repository == "" {
		cfg.Repository = repoFlag
	}

	var buf bytes.Buffer
	if err := cfg.Write(&buf); err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0644); err != nil { //nolint:gosec // G306: config is not secret
		return fmt.Errorf("writing config: %w", err)
	}

	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s Wrote %s\n", style.Success.Render(style.IconOK), path)
	if cfg.Repository == "" {
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "  %s set repository before running 'mq drain'\n", style.Warning.Render(style.IconWarn))
	}
	return nil
}
