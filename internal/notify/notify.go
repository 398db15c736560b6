// Package notify classifies drain failures and tells each PR what to do next.
package notify

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/xcawolfe-amzn/mergequeue/internal/github"
	"github.com/xcawolfe-amzn/mergequeue/internal/logging"
	"github.com/xcawolfe-amzn/mergequeue/internal/refinery"
	"github.com/xcawolfe-amzn/mergequeue/internal/templates"
	"github.com/xcawolfe-amzn/mergequeue/internal/validate"
)

// Kind is a failure bucket. Each kind has its own notice template.
type Kind string

const (
	KindUnmergeable    Kind = "unmergeable"
	KindUpdateFailed   Kind = "update-failed"
	KindCIFailed       Kind = "ci-failed"
	KindCIStartTimeout Kind = "ci-start-timeout"
	KindCIRunTimeout   Kind = "ci-run-timeout"
	KindMergeFailed    Kind = "merge-failed"
	KindReleaseFailed  Kind = "release-failed"
)

var phaseKinds = map[refinery.Phase]Kind{
	refinery.PhaseUpdateFailed:   KindUpdateFailed,
	refinery.PhaseCIFailed:       KindCIFailed,
	refinery.PhaseCIStartTimeout: KindCIStartTimeout,
	refinery.PhaseCIRunTimeout:   KindCIRunTimeout,
	refinery.PhaseMergeFailed:    KindMergeFailed,
}

// KindOf maps a failure phase onto its bucket.
func KindOf(p refinery.Phase) (Kind, bool) {
	k, ok := phaseKinds[p]
	return k, ok
}

// Resyncs reports whether PRs of kind k get their branch updated after the notice.
// Update failures would fail again and validation failures need the author first.
func (k Kind) Resyncs() bool {
	switch k {
	case KindCIFailed, KindCIStartTimeout, KindCIRunTimeout, KindMergeFailed:
		return true
	}
	return false
}

// Host is what the notifier writes to.
type Host interface {
	CommentPR(ctx context.Context, number int, body string) (*github.Comment, error)
	CommentIssue(ctx context.Context, number int, body string) (*github.Comment, error)
	UpdateBranch(ctx context.Context, number int) error
}

// Config controls notice content.
type Config struct {
	Repository       string
	TargetBranch     string
	ActivationPhrase string
	StartupTimeout   time.Duration
	RunTimeout       time.Duration
}

// Report records what the notifier did.
type Report struct {
	Notified     map[int]Kind
	Resynced     []int
	ResyncFailed []int
}

// Notifier posts cause-specific guidance.
type Notifier struct {
	host   Host
	config Config
	tmpl   *templates.Templates
	output io.Writer
	log    logrus.FieldLogger
}

// New creates a notifier.
func New(host Host, config Config, log logrus.FieldLogger) (*Notifier, error) {
	tmpl, err := templates.New()
	if err != nil {
		return nil, err
	}
	return &Notifier{
		host:   host,
		config: config,
		tmpl:   tmpl,
		output: os.Stdout,
		log:    logging.Component(log, "notify"),
	}, nil
}

// SetOutput sets the progress writer.
func (n *Notifier) SetOutput(w io.Writer) {
	n.output = w
}

// Notify posts one notice per unmergeable verdict and failed outcome, tagging
// the author and approver, then re-syncs the PRs whose kind calls for it.
// Comment failures are logged; only fatal platform errors are returned.
func (n *Notifier) Notify(ctx context.Context, approver string, verdicts []*validate.Verdict, outcomes []*refinery.Outcome) (*Report, error) {
	report := &Report{Notified: make(map[int]Kind)}

	for _, v := range verdicts {
		if v == nil || v.Mergeable() {
			continue
		}
		data := n.data(v.PR, v.Author, approver)
		data.Title, data.Branch = v.Title, v.Branch
		for _, f := range v.Failures {
			data.Reasons = append(data.Reasons, f.Reason)
			data.Guidance = append(data.Guidance, guidance(f, v, n.config.TargetBranch))
		}
		if err := n.post(ctx, v.PR, KindUnmergeable, data); err != nil {
			return report, err
		}
		report.Notified[v.PR] = KindUnmergeable
	}

	var resync []int
	for _, o := range outcomes {
		kind, ok := KindOf(o.Phase)
		if !ok {
			continue
		}
		data := n.data(o.PR, o.Author, approver)
		data.Title, data.Branch, data.Reason = o.Title, o.Branch, o.Reason
		data.RunID, data.RunURL = o.RunID, n.runURL(o.RunID)
		data.Resync = kind.Resyncs()
		switch kind {
		case KindCIStartTimeout:
			data.Timeout = n.config.StartupTimeout.String()
		case KindCIRunTimeout:
			data.Timeout = n.config.RunTimeout.String()
		}
		if err := n.post(ctx, o.PR, kind, data); err != nil {
			return report, err
		}
		report.Notified[o.PR] = kind
		if kind.Resyncs() {
			resync = append(resync, o.PR)
		}
	}

	for _, pr := range resync {
		if err := n.host.UpdateBranch(ctx, pr); err != nil {
			if github.IsFatal(err) || ctx.Err() != nil {
				return report, err
			}
			n.log.WithError(err).WithField("pr", pr).Warn("re-syncing failed PR")
			report.ResyncFailed = append(report.ResyncFailed, pr)
			continue
		}
		report.Resynced = append(report.Resynced, pr)
		_, _ = fmt.Fprintf(n.output, "[Notifier] Re-synced #%d with %s\n", pr, n.config.TargetBranch)
	}
	return report, nil
}

// NotifyRelease tells the release PR why the drain was aborted.
func (n *Notifier) NotifyRelease(ctx context.Context, pr int, author, approver string, cause error) error {
	data := n.data(pr, author, approver)
	if cause != nil {
		data.Reason = cause.Error()
	}
	return n.post(ctx, pr, KindReleaseFailed, data)
}

// NotifyDuplicate tells a request that another drain already holds its lock.
func (n *Notifier) NotifyDuplicate(ctx context.Context, requestID, trackingID int) error {
	return n.postIssue(ctx, requestID, "duplicate", templates.NoticeData{
		RequestID:        requestID,
		TrackingID:       trackingID,
		TrackingURL:      n.issueURL(trackingID),
		ActivationPhrase: n.config.ActivationPhrase,
	})
}

// NotifyParseError tells a request why its body was rejected.
func (n *Notifier) NotifyParseError(ctx context.Context, requestID int, cause error) error {
	return n.postIssue(ctx, requestID, "parse-error", templates.NoticeData{
		RequestID:        requestID,
		Reason:           cause.Error(),
		ActivationPhrase: n.config.ActivationPhrase,
	})
}

func (n *Notifier) data(pr int, author, approver string) templates.NoticeData {
	return templates.NoticeData{
		Mentions:         Mentions(author, approver),
		PR:               pr,
		Target:           n.config.TargetBranch,
		ActivationPhrase: n.config.ActivationPhrase,
	}
}

func (n *Notifier) post(ctx context.Context, pr int, kind Kind, data templates.NoticeData) error {
	body, err := n.tmpl.RenderMessage(string(kind), data)
	if err != nil {
		return err
	}
	if _, err := n.host.CommentPR(ctx, pr, body); err != nil {
		if github.IsFatal(err) || ctx.Err() != nil {
			return err
		}
		n.log.WithError(err).WithFields(logrus.Fields{"pr": pr, "kind": kind}).Warn("posting notice")
		return nil
	}
	_, _ = fmt.Fprintf(n.output, "[Notifier] #%d: %s\n", pr, kind)
	return nil
}

func (n *Notifier) postIssue(ctx context.Context, issue int, name string, data templates.NoticeData) error {
	body, err := n.tmpl.RenderMessage(name, data)
	if err != nil {
		return err
	}
	if _, err := n.host.CommentIssue(ctx, issue, body); err != nil {
		return fmt.Errorf("posting %s notice on #%d: %w", name, issue, err)
	}
	return nil
}

func (n *Notifier) runURL(runID string) string {
	if runID == "" || n.config.Repository == "" {
		return ""
	}
	return fmt.Sprintf("https://github.com/%s/actions/runs/%s", n.config.Repository, runID)
}

func (n *Notifier) issueURL(number int) string {
	if number == 0 || n.config.Repository == "" {
		return ""
	}
	return fmt.Sprintf("https://github.com/%s/issues/%d", n.config.Repository, number)
}

// Mentions tags author and approver once each, skipping empty logins.
func Mentions(logins ...string) string {
	seen := make(map[string]bool, len(logins))
	var tags []string
	for _, l := range logins {
		l = strings.TrimPrefix(strings.TrimSpace(l), "@")
		if l == "" || seen[l] {
			continue
		}
		seen[l] = true
		tags = append(tags, "@"+l)
	}
	return strings.Join(tags, " ")
}

// guidance is the remediation step for one failed predicate.
func guidance(f validate.Failure, v *validate.Verdict, target string) string {
	switch f.Predicate {
	case validate.PredicateOpen:
		return "Reopen the PR, or drop it from the request if it was closed on purpose"
	case validate.PredicateTarget:
		return fmt.Sprintf("Change the base branch to `%s`", target)
	case validate.PredicateConflicts:
		return fmt.Sprintf("Merge `%s` into your branch and resolve the conflicts", target)
	case validate.PredicateApprovals:
		return fmt.Sprintf("Get at least %d approval(s) (currently %d)", v.Required, v.Approvals)
	case validate.PredicateChecks:
		return "Fix the failing status checks: " + strings.Join(v.FailingChecks, ", ")
	case validate.PredicateLookup:
		return "Check that the PR number is correct and the PR exists"
	}
	return f.Reason
}
