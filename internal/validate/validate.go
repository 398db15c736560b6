// Package validate classifies PRs as mergeable or not before a drain.
package validate

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/xcawolfe-amzn/mergequeue/internal/github"
	"github.com/xcawolfe-amzn/mergequeue/internal/logging"
)

// ErrValidationFailure marks a PR that failed one or more predicates.
var ErrValidationFailure = errors.New("PR failed validation")

// Predicate names a validation criterion.
type Predicate string

const (
	PredicateOpen      Predicate = "open"
	PredicateTarget    Predicate = "target-branch"
	PredicateApprovals Predicate = "approvals"
	PredicateConflicts Predicate = "conflicts"
	PredicateChecks    Predicate = "status-checks"
	PredicateLookup    Predicate = "lookup"
)

// Failure is one failed predicate and a human-readable reason.
type Failure struct {
	Predicate Predicate
	Reason    string
}

// Verdict is the classification of one PR.
type Verdict struct {
	PR            int
	Title         string
	Author        string
	Target        string
	Branch        string
	State         string
	Approvals     int
	Required      int
	FailingChecks []string
	Failures      []Failure
}

// Mergeable reports whether every predicate passed.
func (v *Verdict) Mergeable() bool {
	return len(v.Failures) == 0
}

// Failed reports whether predicate p failed.
func (v *Verdict) Failed(p Predicate) bool {
	for _, f := range v.Failures {
		if f.Predicate == p {
			return true
		}
	}
	return false
}

// Reasons returns the failure reasons in predicate order.
func (v *Verdict) Reasons() []string {
	reasons := make([]string, len(v.Failures))
	for i, f := range v.Failures {
		reasons[i] = f.Reason
	}
	return reasons
}

// Err returns nil for a mergeable PR, otherwise an error wrapping ErrValidationFailure.
func (v *Verdict) Err() error {
	if v.Mergeable() {
		return nil
	}
	return fmt.Errorf("%w: #%d: %s", ErrValidationFailure, v.PR, strings.Join(v.Reasons(), "; "))
}

func (v *Verdict) fail(p Predicate, format string, args ...any) {
	v.Failures = append(v.Failures, Failure{Predicate: p, Reason: fmt.Sprintf(format, args...)})
}

// Result partitions a PR set. Every input PR appears in exactly one list.
type Result struct {
	Mergeable         []int
	Unmergeable       []int
	Verdicts          map[int]*Verdict
	RequiredApprovals int

	// ProtectionErr is set when required approvals could not be determined.
	ProtectionErr error
}

// Verdict returns the verdict for PR n, or nil.
func (r *Result) Verdict(n int) *Verdict {
	return r.Verdicts[n]
}

// Source reads PR and branch state.
type Source interface {
	GetPR(ctx context.Context, number int) (*github.PullRequest, error)
	BranchProtection(ctx context.Context, branch string) (*github.Protection, error)
}

// Config controls validation.
type Config struct {
	TargetBranch string
	MinApprovals int // floor for protected branches, and the count for unprotected ones
}

// Validator checks PRs against the target branch's rules.
type Validator struct {
	src    Source
	config Config
	output io.Writer
	log    logrus.FieldLogger
}

// New creates a validator.
func New(src Source, config Config, log logrus.FieldLogger) *Validator {
	if config.MinApprovals <= 0 {
		config.MinApprovals = 1
	}
	return &Validator{
		src:    src,
		config: config,
		output: os.Stdout,
		log:    logging.Component(log, "validate"),
	}
}

// SetOutput sets the progress writer.
func (v *Validator) SetOutput(w io.Writer) {
	v.output = w
}

// RequiredApprovals returns override when positive, otherwise the count
// required by the target branch's protection.
func (v *Validator) RequiredApprovals(ctx context.Context, override int) (int, error) {
	if override > 0 {
		return override, nil
	}
	p, err := v.src.BranchProtection(ctx, v.config.TargetBranch)
	if err != nil {
		return 0, err
	}
	if !p.Protected {
		return v.config.MinApprovals, nil
	}
	return max(p.RequiredApprovals, v.config.MinApprovals), nil
}

// Validate classifies prs. A failed protection lookup fails every PR's
// approvals predicate. Only fatal platform errors are returned.
func (v *Validator) Validate(ctx context.Context, prs []int, override int) (*Result, error) {
	result := &Result{Verdicts: make(map[int]*Verdict, len(prs))}

	required, err := v.RequiredApprovals(ctx, override)
	if err != nil {
		if github.IsFatal(err) {
			return nil, err
		}
		v.log.WithError(err).WithField("branch", v.config.TargetBranch).Warn("branch protection lookup failed; failing closed")
		_, _ = fmt.Fprintf(v.output, "[Validator] Could not read protection of %s: %v\n", v.config.TargetBranch, err)
		result.ProtectionErr = err
	}
	result.RequiredApprovals = required

	ordered := append([]int(nil), prs...)
	sort.Ints(ordered)
	for _, n := range ordered {
		verdict, err := v.Check(ctx, n, required, result.ProtectionErr)
		if err != nil {
			return nil, err
		}
		result.Verdicts[n] = verdict
		if verdict.Mergeable() {
			result.Mergeable = append(result.Mergeable, n)
			_, _ = fmt.Fprintf(v.output, "[Validator] #%d mergeable\n", n)
		} else {
			result.Unmergeable = append(result.Unmergeable, n)
			_, _ = fmt.Fprintf(v.output, "[Validator] #%d unmergeable: %s\n", n, strings.Join(verdict.Reasons(), "; "))
		}
	}
	return result, nil
}

// Check evaluates every predicate for one PR. protectionErr, when set,
// fails the approvals predicate.
func (v *Validator) Check(ctx context.Context, number, required int, protectionErr error) (*Verdict, error) {
	verdict := &Verdict{PR: number, Required: required}

	pr, err := v.src.GetPR(ctx, number)
	if err != nil {
		if github.IsFatal(err) || ctx.Err() != nil {
			return nil, err
		}
		verdict.fail(PredicateLookup, "Failed to retrieve PR information: %v", err)
		return verdict, nil
	}
	verdict.Title = pr.Title
	verdict.Author = pr.Author
	verdict.Target = pr.BaseRefName
	verdict.Branch = pr.HeadRefName
	verdict.State = pr.State
	verdict.Approvals = pr.Approvals
	verdict.FailingChecks = pr.FailingChecks()

	// A closed or merged PR is reported on that alone.
	if pr.State != github.StateOpen {
		verdict.fail(PredicateOpen, "PR is not open (state: %s)", pr.State)
		return verdict, nil
	}

	if pr.BaseRefName != v.config.TargetBranch {
		verdict.fail(PredicateTarget, "Does not target '%s' (targets '%s')", v.config.TargetBranch, pr.BaseRefName)
	}

	switch pr.Mergeable {
	case github.Conflicting:
		verdict.fail(PredicateConflicts, "Has merge conflicts (state=%s)", pr.Mergeable)
	case github.Unknown:
		v.log.WithField("pr", number).Debug("mergeability unknown; proceeding")
	}

	switch {
	case protectionErr != nil:
		verdict.fail(PredicateApprovals, "Required approvals unknown: branch protection lookup failed")
	case pr.Approvals < required:
		verdict.fail(PredicateApprovals, "Has %d approvals, but %d are required", pr.Approvals, required)
	}

	if len(verdict.FailingChecks) > 0 {
		verdict.fail(PredicateChecks, "Has failing/missing checks: %s", strings.Join(verdict.FailingChecks, ", "))
	}

	return verdict, nil
}
