// Package refinery drives approved PRs into the target branch one at a time.
package refinery

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/xcawolfe-amzn/mergequeue/internal/github"
	"github.com/xcawolfe-amzn/mergequeue/internal/logging"
)

// maxStartupBackoff caps the doubling poll interval while waiting for CI to start.
const maxStartupBackoff = 30 * time.Second

var runIDPattern = regexp.MustCompile(`actions/runs/(\d+)`)

// Host is the slice of the hosting platform the engineer needs.
type Host interface {
	GetPR(ctx context.Context, number int) (*github.PullRequest, error)
	UpdateBranch(ctx context.Context, number int) error
	CommentPR(ctx context.Context, number int, body string) (*github.Comment, error)
	ListPRComments(ctx context.Context, number int) ([]github.Comment, error)
	RunStatus(ctx context.Context, runID string) (*github.Run, error)
	Merge(ctx context.Context, number int, opts github.MergeOptions) error
	BranchProtection(ctx context.Context, branch string) (*github.Protection, error)
	DeleteBranch(ctx context.Context, branch string) error
}

// Config holds the merge engine timings and policy.
type Config struct {
	TargetBranch string

	// TriggerPhrase is posted on a PR to start CI.
	TriggerPhrase string
	// StartedMarker identifies the CI acknowledgment comment.
	StartedMarker string

	StartupTimeout      time.Duration
	StartupPollInterval time.Duration
	RunTimeout          time.Duration
	CheckInterval       time.Duration
	SettleDelay         time.Duration

	// Admin merges batch PRs with elevated privilege. The release PR is
	// always merged with it.
	Admin bool

	// ProtectedPatterns are used only when the protection query fails.
	ProtectedPatterns []string
}

// DefaultConfig returns the stock timings.
func DefaultConfig() Config {
	return Config{
		TargetBranch:        "main",
		TriggerPhrase:       "Ok to test",
		StartedMarker:       "CI job started",
		StartupTimeout:      5 * time.Minute,
		StartupPollInterval: 5 * time.Second,
		RunTimeout:          45 * time.Minute,
		CheckInterval:       30 * time.Second,
		SettleDelay:         10 * time.Second,
		Admin:               true,
		ProtectedPatterns:   []string{"main", "master", "develop", "release/*", "release-*", "hotfix/*"},
	}
}

// Engineer runs the sequential merge state machine.
type Engineer struct {
	host   Host
	config Config
	output io.Writer
	log    logrus.FieldLogger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewEngineer creates an engineer against host.
func NewEngineer(host Host, config Config, log logrus.FieldLogger) *Engineer {
	return &Engineer{
		host:   host,
		config: config,
		output: os.Stdout,
		log:    logging.Component(log, "refinery"),
		now:    time.Now,
		sleep:  sleepContext,
	}
}

// SetOutput sets the progress writer.
func (e *Engineer) SetOutput(w io.Writer) {
	e.output = w
}

// SetClock replaces the time source and the sleep used between polls.
func (e *Engineer) SetClock(now func() time.Time, sleep func(ctx context.Context, d time.Duration) error) {
	e.now = now
	e.sleep = sleep
}

// Config returns the engineer's configuration.
func (e *Engineer) Config() Config {
	return e.config
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Drain processes prs strictly one at a time in ascending order. Per-PR
// failures are recorded in the returned outcomes. An error is returned only
// for fatal platform conditions and cancellation, together with the outcomes
// gathered so far; the in-flight PR is left in the phase it reached.
func (e *Engineer) Drain(ctx context.Context, prs []int) ([]*Outcome, error) {
	ordered := append([]int(nil), prs...)
	sort.Ints(ordered)

	outcomes := make([]*Outcome, 0, len(ordered))
	for i, n := range ordered {
		_, _ = fmt.Fprintf(e.output, "[Engineer] Processing #%d (%d/%d)\n", n, i+1, len(ordered))
		out, err := e.Process(ctx, n)
		if out != nil {
			outcomes = append(outcomes, out)
		}
		if err != nil {
			return outcomes, err
		}
		if out.Merged() && i < len(ordered)-1 {
			// Let the target branch settle before syncing the next PR against it.
			if err := e.sleep(ctx, e.config.SettleDelay); err != nil {
				return outcomes, err
			}
		}
	}
	return outcomes, nil
}

// Process drives one PR from VALIDATED to a terminal phase.
func (e *Engineer) Process(ctx context.Context, number int) (*Outcome, error) {
	out := newOutcome(number, e.now())
	err := e.process(ctx, out)
	out.FinishedAt = e.now()
	if err != nil {
		return out, err
	}
	if out.Merged() {
		_, _ = fmt.Fprintf(e.output, "[Engineer] ✓ #%d merged\n", number)
	} else {
		_, _ = fmt.Fprintf(e.output, "[Engineer] ✗ #%d %s: %s\n", number, out.Phase, out.Reason)
	}
	return out, nil
}

func (e *Engineer) process(ctx context.Context, out *Outcome) error {
	number := out.PR

	pr, err := e.host.GetPR(ctx, number)
	if err != nil {
		if abort(ctx, err) {
			return err
		}
		return out.fail(PhaseUpdateFailed, "could not read PR: %v", err)
	}
	out.Title, out.Author, out.Branch = pr.Title, pr.Author, pr.HeadRefName

	// Step 1: sync the branch with the target
	_, _ = fmt.Fprintf(e.output, "[Engineer] Updating #%d (%s) with %s\n", number, out.Branch, e.config.TargetBranch)
	if err := e.host.UpdateBranch(ctx, number); err != nil {
		if abort(ctx, err) {
			return err
		}
		return out.fail(PhaseUpdateFailed, "branch update failed: %v", err)
	}
	if err := out.advance(PhaseBranchSynced); err != nil {
		return err
	}

	// Step 2: trigger CI
	trigger, err := e.host.CommentPR(ctx, number, e.config.TriggerPhrase)
	if err != nil {
		if abort(ctx, err) {
			return err
		}
		return out.fail(PhaseUpdateFailed, "could not trigger CI: %v", err)
	}
	if err := out.advance(PhaseCITriggered); err != nil {
		return err
	}

	// Step 3: wait for the CI acknowledgment
	runID, err := e.waitForStart(ctx, number, trigger)
	if err != nil {
		if errors.Is(err, ErrCIStartupTimeout) {
			return out.fail(PhaseCIStartTimeout, "no CI acknowledgment within %s", e.config.StartupTimeout)
		}
		return err
	}
	out.RunID = runID
	if err := out.advance(PhaseCIRunning); err != nil {
		return err
	}
	_, _ = fmt.Fprintf(e.output, "[Engineer] CI run %s started for #%d\n", runID, number)

	// Step 4: wait for the run to finish
	run, err := e.waitForRun(ctx, runID)
	if err != nil {
		if errors.Is(err, ErrCIRunTimeout) {
			return out.fail(PhaseCIRunTimeout, "run %s still running after %s", runID, e.config.RunTimeout)
		}
		return err
	}
	if !run.Succeeded() {
		return out.fail(PhaseCIFailed, "run %s concluded %s", runID, run.Conclusion)
	}
	if err := out.advance(PhaseCIPassed); err != nil {
		return err
	}

	// Step 5: merge
	if err := e.merge(ctx, out); err != nil {
		return err
	}
	if !out.Merged() {
		return nil
	}

	// Step 6: clean up the source branch
	e.cleanup(ctx, out)
	return nil
}

// abort reports whether err must stop the whole drain.
func abort(ctx context.Context, err error) bool {
	return github.IsFatal(err) || ctx.Err() != nil
}

// waitForStart polls the PR's comments for the CI acknowledgment posted after
// trigger, backing off from StartupPollInterval up to maxStartupBackoff.
func (e *Engineer) waitForStart(ctx context.Context, number int, trigger *github.Comment) (string, error) {
	deadline := e.now().Add(e.config.StartupTimeout)
	backoff := max(e.config.StartupPollInterval, time.Second)

	for {
		comments, err := e.host.ListPRComments(ctx, number)
		switch {
		case err == nil:
			if id := findRunID(comments, trigger, e.config.StartedMarker); id != "" {
				return id, nil
			}
		case abort(ctx, err):
			return "", err
		default:
			e.log.WithError(err).WithField("pr", number).Warn("listing comments while waiting for CI")
		}

		now := e.now()
		if !now.Before(deadline) {
			return "", ErrCIStartupTimeout
		}
		if err := e.sleep(ctx, min(backoff, deadline.Sub(now))); err != nil {
			return "", err
		}
		backoff = min(backoff*2, maxStartupBackoff)
	}
}

// findRunID returns the run ID from the first acknowledgment after trigger.
func findRunID(comments []github.Comment, trigger *github.Comment, marker string) string {
	for _, c := range comments {
		if c.ID == trigger.ID || c.CreatedAt.Before(trigger.CreatedAt) {
			continue
		}
		if !strings.Contains(c.Body, marker) {
			continue
		}
		if m := runIDPattern.FindStringSubmatch(c.Body); m != nil {
			return m[1]
		}
	}
	return ""
}

// waitForRun polls the run every CheckInterval until it completes or RunTimeout passes.
func (e *Engineer) waitForRun(ctx context.Context, runID string) (*github.Run, error) {
	deadline := e.now().Add(e.config.RunTimeout)

	for {
		run, err := e.host.RunStatus(ctx, runID)
		switch {
		case err == nil:
			if run.Completed() {
				return run, nil
			}
			e.log.WithFields(logrus.Fields{"run": runID, "status": run.Status}).Debug("run not finished")
		case abort(ctx, err):
			return nil, err
		default:
			e.log.WithError(err).WithField("run", runID).Warn("reading run status")
		}

		now := e.now()
		if !now.Before(deadline) {
			return nil, ErrCIRunTimeout
		}
		if err := e.sleep(ctx, min(e.config.CheckInterval, deadline.Sub(now))); err != nil {
			return nil, err
		}
	}
}

// MergeSubject is the squash commit subject for a queued PR.
func MergeSubject(number int, title, branch string) string {
	return fmt.Sprintf("[Merge Queue] #%d-%s-%s", number, title, branch)
}

// merge re-reads the PR, squash-merges it and checks it landed.
func (e *Engineer) merge(ctx context.Context, out *Outcome) error {
	number := out.PR

	pr, err := e.host.GetPR(ctx, number)
	if err != nil {
		if abort(ctx, err) {
			return err
		}
		return out.fail(PhaseMergeFailed, "could not re-read PR before merge: %v", err)
	}
	if pr.State != github.StateOpen {
		return out.fail(PhaseMergeFailed, "PR is %s", pr.State)
	}
	if pr.Mergeable == github.Conflicting {
		if _, err := e.host.CommentPR(ctx, number, conflictMessage(pr.Author, e.config.TargetBranch)); err != nil {
			e.log.WithError(err).WithField("pr", number).Warn("posting conflict comment")
		}
		return out.fail(PhaseMergeFailed, "merge conflicts with %s", e.config.TargetBranch)
	}

	opts := github.MergeOptions{
		Method:  github.MergeSquash,
		Subject: MergeSubject(number, pr.Title, pr.HeadRefName),
		Admin:   e.config.Admin,
	}
	if err := e.host.Merge(ctx, number, opts); err != nil {
		if abort(ctx, err) {
			return err
		}
		return out.fail(PhaseMergeFailed, "merge command failed: %v", err)
	}

	after, err := e.host.GetPR(ctx, number)
	switch {
	case err == nil && after.State != github.StateMerged:
		return out.fail(PhaseMergeFailed, "PR reads %s after merge", after.State)
	case err != nil && abort(ctx, err):
		return err
	case err != nil:
		e.log.WithError(err).WithField("pr", number).Warn("could not verify merge; assuming success")
	}
	return out.advance(PhaseMerged)
}

func conflictMessage(author, target string) string {
	return fmt.Sprintf("@%s ⚠️ **Merge Conflicts Detected**\n\n"+
		"This PR has merge conflicts with `%s` and cannot be merged automatically.\n\n"+
		"Please resolve the conflicts and request another merge queue run.", author, target)
}

// cleanup deletes the merged PR's branch when it is safe to.
func (e *Engineer) cleanup(ctx context.Context, out *Outcome) {
	if !e.deletable(ctx, out.Branch) {
		_, _ = fmt.Fprintf(e.output, "[Engineer] Keeping protected branch %s\n", out.Branch)
		return
	}
	if err := e.host.DeleteBranch(ctx, out.Branch); err != nil {
		e.log.WithError(err).WithField("branch", out.Branch).Warn("deleting merged branch")
		return
	}
	out.BranchDeleted = true
	_, _ = fmt.Fprintf(e.output, "[Engineer] Deleted branch %s\n", out.Branch)
}

// deletable asks the protection API; name patterns are used only when it fails.
func (e *Engineer) deletable(ctx context.Context, branch string) bool {
	if branch == "" || branch == e.config.TargetBranch {
		return false
	}
	p, err := e.host.BranchProtection(ctx, branch)
	if err == nil {
		return !p.Protected
	}
	e.log.WithError(err).WithField("branch", branch).Warn("protection lookup failed; using name patterns")
	return !matchesAny(branch, e.config.ProtectedPatterns)
}

func matchesAny(branch string, patterns []string) bool {
	for _, p := range patterns {
		if ok, _ := path.Match(p, branch); ok {
			return true
		}
	}
	return false
}

// MergeRelease merges the release PR ahead of the batch with a merge commit.
// Any failure wraps ErrReleaseFailed.
func (e *Engineer) MergeRelease(ctx context.Context, number int) error {
	_, _ = fmt.Fprintf(e.output, "[Engineer] Merging release PR #%d\n", number)

	pr, err := e.host.GetPR(ctx, number)
	if err != nil {
		return fmt.Errorf("%w: reading #%d: %w", ErrReleaseFailed, number, err)
	}
	if pr.State != github.StateOpen {
		return fmt.Errorf("%w: #%d is %s", ErrReleaseFailed, number, pr.State)
	}
	if pr.Mergeable == github.Conflicting {
		return fmt.Errorf("%w: #%d has merge conflicts", ErrReleaseFailed, number)
	}

	opts := github.MergeOptions{
		Method:  github.MergeCommit,
		Subject: "[Merge Queue] " + pr.Title,
		Admin:   true,
	}
	if err := e.host.Merge(ctx, number, opts); err != nil {
		return fmt.Errorf("%w: merging #%d: %w", ErrReleaseFailed, number, err)
	}

	after, err := e.host.GetPR(ctx, number)
	if err != nil {
		return fmt.Errorf("%w: verifying #%d: %w", ErrReleaseFailed, number, err)
	}
	if after.State != github.StateMerged {
		return fmt.Errorf("%w: #%d reads %s after merge", ErrReleaseFailed, number, after.State)
	}
	_, _ = fmt.Fprintf(e.output, "[Engineer] ✓ Release PR #%d merged\n", number)
	return nil
}
