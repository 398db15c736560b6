package cmd

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/xcawolfe-amzn/mergequeue/internal/request"
	"github.com/xcawolfe-amzn/mergequeue/internal/style"
)

var (
	parseIssue int
	parseID    int
)

var parseCmd = &cobra.Command{
	Use:     "parse [file|-]",
	GroupID: GroupDiag,
	Short:   "Parse a request body and print what a drain would use",
	Long: `Parse a merge request body the way 'mq drain' does and print the result.

The body is read from a file, from stdin ("-" or no argument), or from an
issue with --issue.

Examples:
  mq parse request.md
  gh issue view 42 --json body -q .body | mq parse
  mq parse --issue 42`,
	Args: cobra.MaximumNArgs(1),
	RunE: runParse,
}

func init() {
	parseCmd.Flags().IntVar(&parseIssue, "issue", 0, "Read the body of this issue")
	parseCmd.Flags().IntVar(&parseID, "id", 1, "Request number to use for a body read from a file")

	rootCmd.AddCommand(parseCmd)
}

func runParse(cmd *cobra.Command, args []string) error {
	id := parseID
	var body string

	switch {
	case parseIssue > 0:
		if len(args) > 0 {
			return fmt.Errorf("--issue cannot be combined with a file argument")
		}
		cfg, err := loadConfig(true)
		if err != nil {
			return err
		}
		client, err := newClient(cmd, cfg)
		if err != nil {
			return err
		}
		issue, err := client.GetIssue(cmd.Context(), parseIssue)
		if err != nil {
			return err
		}
		id, body = issue.Number, issue.Body

	case len(args) == 0 || args[0] == "-":
		data, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return fmt.Errorf("reading stdin: %w", err)
		}
		body = string(data)

	default:
		data, err := os.ReadFile(args[0]) //nolint:gosec // G304: user-supplied path
		if err != nil {
			return fmt.Errorf("reading request: %w", err)
		}
		body = string(data)
	}

	req, err := request.Parse(id, body)
	if err != nil {
		return fmt.Errorf("parsing request #%d: %w", id, err)
	}
	printRequest(cmd.OutOrStdout(), req)
	return nil
}

func printRequest(w io.Writer, req *request.Request) {
	_, _ = fmt.Fprintf(w, "%s %s\n", style.Success.Render(style.IconOK), style.Bold.Render(fmt.Sprintf("Request #%d", req.ID)))
	_, _ = fmt.Fprintf(w, "  PRs:            %s\n", request.FormatPRs(req.PRs))
	_, _ = fmt.Fprintf(w, "  Merge order:    %s\n", request.FormatPRs(req.Sorted()))
	if req.HasRelease() {
		_, _ = fmt.Fprintf(w, "  Release PR:     #%d\n", req.ReleasePR)
	} else {
		_, _ = fmt.Fprintf(w, "  Release PR:     %s\n", style.Dim.Render("none"))
	}
	if req.RequiredApprovals > 0 {
		_, _ = fmt.Fprintf(w, "  Approvals:      %d (override)\n", req.RequiredApprovals)
	} else {
		_, _ = fmt.Fprintf(w, "  Approvals:      %s\n", style.Dim.Render("from branch protection"))
	}
	if req.Summary != "" {
		_, _ = fmt.Fprintf(w, "  Summary:        %s\n", req.Summary)
	}
}
