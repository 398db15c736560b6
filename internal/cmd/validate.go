package cmd

import (
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/xcawolfe-amzn/mergequeue/internal/style"
	"github.com/xcawolfe-amzn/mergequeue/internal/validate"
)

var (
	validateApprovals int
	validateBranch    string
)

var validateCmd = &cobra.Command{
	Use:     "validate <pr>...",
	GroupID: GroupDiag,
	Short:   "Check PRs against the target branch without merging",
	Long: `Run the validator a drain would run and print one row per PR.

Nothing is changed on the platform. The command fails when any PR is
unmergeable.

Examples:
  mq validate 101 102 103
  mq validate 101 --approvals 2 --branch release/3.1`,
	Args: cobra.MinimumNArgs(1),
	RunE: runValidate,
}

func init() {
	validateCmd.Flags().IntVar(&validateApprovals, "approvals", 0, "Required approvals (default: from branch protection)")
	validateCmd.Flags().StringVar(&validateBranch, "branch", "", "Target branch (default: default_branch from config)")

	rootCmd.AddCommand(validateCmd)
}

func runValidate(cmd *cobra.Command, args []string) error {
	prs := make([]int, 0, len(args))
	seen := make(map[int]bool, len(args))
	for _, a := range args {
		n, err := strconv.Atoi(strings.TrimPrefix(a, "#"))
		if err != nil || n <= 0 {
			return fmt.Errorf("invalid PR number %q", a)
		}
		if seen[n] {
			return fmt.Errorf("duplicate PR number #%d", n)
		}
		seen[n] = true
		prs = append(prs, n)
	}
	if validateApprovals < 0 {
		return fmt.Errorf("--approvals must be positive")
	}

	cfg, err := loadConfig(true)
	if err != nil {
		return err
	}
	if validateBranch != "" {
		cfg.DefaultBranch = validateBranch
	}

	client, err := newClient(cmd, cfg)
	if err != nil {
		return err
	}

	v := validate.New(client, validate.Config{
		TargetBranch: cfg.DefaultBranch,
		MinApprovals: cfg.MinApprovals,
	}, log)
	v.SetOutput(io.Discard)

	result, err := v.Validate(cmd.Context(), prs, validateApprovals)
	if err != nil {
		return err
	}

	printValidation(cmd.OutOrStdout(), cfg.DefaultBranch, result)
	if n := len(result.Unmergeable); n > 0 {
		return fmt.Errorf("%w: %d of %d PRs", validate.ErrValidationFailure, n, len(prs))
	}
	return nil
}

func printValidation(w io.Writer, branch string, result *validate.Result) {
	required := strconv.Itoa(result.RequiredApprovals)
	if result.ProtectionErr != nil {
		required = "unknown"
	}
	_, _ = fmt.Fprintf(w, "%s %s\n\n",
		style.Bold.Render("Target "+branch),
		style.Dim.Render("(required approvals: "+required+")"))

	t := style.NewTable(
		style.Column{Name: "PR", Width: 7, Align: style.AlignRight},
		style.Column{Name: "RESULT", Width: 13},
		style.Column{Name: "APPROVALS", Width: 9, Align: style.AlignRight},
		style.Column{Name: "AUTHOR", Width: 16},
		style.Column{Name: "REASONS", Width: 70},
	).SetIndent("  ")

	prs := append(append([]int(nil), result.Mergeable...), result.Unmergeable...)
	sort.Ints(prs)
	for _, n := range prs {
		v := result.Verdict(n)
		status := style.Success.Render(style.IconOK + " mergeable")
		if !v.Mergeable() {
			status = style.Error.Render(style.IconFail + " blocked")
		}
		t.AddRow(
			"#"+strconv.Itoa(n),
			status,
			fmt.Sprintf("%d/%d", v.Approvals, v.Required),
			v.Author,
			strings.Join(v.Reasons(), "; "),
		)
	}
	_, _ = fmt.Fprint(w, t.Render())
	_, _ = fmt.Fprintf(w, "\n%d mergeable, %d blocked\n", len(result.Mergeable), len(result.Unmergeable))
}
