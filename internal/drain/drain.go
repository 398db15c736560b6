// Package drain wires the merge queue together: parse, lock, approve,
// validate, merge, notify and report.
package drain

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/xcawolfe-amzn/mergequeue/internal/approval"
	"github.com/xcawolfe-amzn/mergequeue/internal/config"
	"github.com/xcawolfe-amzn/mergequeue/internal/github"
	"github.com/xcawolfe-amzn/mergequeue/internal/logging"
	"github.com/xcawolfe-amzn/mergequeue/internal/notify"
	"github.com/xcawolfe-amzn/mergequeue/internal/refinery"
	"github.com/xcawolfe-amzn/mergequeue/internal/request"
	"github.com/xcawolfe-amzn/mergequeue/internal/summary"
	"github.com/xcawolfe-amzn/mergequeue/internal/tracking"
	"github.com/xcawolfe-amzn/mergequeue/internal/validate"
)

// HostLockFile is the flock, under tracking.dir, that serializes lock
// acquisition between drains on one host.
const HostLockFile = "acquire.lock"

// ErrNotActivated means the request issue carries no activation comment.
var ErrNotActivated = errors.New("request has not been activated")

// Platform is everything a drain needs from the hosting platform.
// *github.Client and *ghtest.Hub implement it.
type Platform interface {
	refinery.Host
	approval.Conversation
	approval.Directory
	GetIssue(ctx context.Context, number int) (*github.Issue, error)
	CloseIssue(ctx context.Context, number int, comment string) error
}

// Options are per-invocation inputs.
type Options struct {
	// TriggeredAt is when the activation comment was posted; approval
	// responses before it are ignored. Zero means the latest activation
	// comment on the request is looked up.
	TriggeredAt time.Time

	// Requester overrides the activation author as the person credited.
	Requester string
}

// Result is everything a drain produced, filled in as far as it got.
type Result struct {
	RunID      string
	Request    *request.Request
	Lock       *tracking.Lock
	Decision   *approval.Decision
	Release    *summary.Release
	Validation *validate.Result
	Outcomes   []*refinery.Outcome
	Notices    *notify.Report
	Summary    *summary.Summary
}

// Runner executes drains.
type Runner struct {
	platform  Platform
	locks     *tracking.Manager
	gate      *approval.Gate
	validator *validate.Validator
	engineer  *refinery.Engineer
	notifier  *notify.Notifier
	publisher *summary.Publisher

	activation string
	bot        string

	output io.Writer
	log    logrus.FieldLogger
	newID  func() string
}

// New builds a runner from cfg. Tracking records go to store, which is
// usually the platform itself.
func New(platform Platform, store tracking.Store, cfg *config.Config, log logrus.FieldLogger) (*Runner, error) {
	locks := tracking.NewManager(store, log)
	if cfg.Tracking.Dir != "" {
		locks.SetHostLock(filepath.Join(cfg.Tracking.Dir, HostLockFile))
	}

	notifier, err := notify.New(platform, notify.Config{
		Repository:       cfg.Repository,
		TargetBranch:     cfg.DefaultBranch,
		ActivationPhrase: cfg.ActivationPhrase,
		StartupTimeout:   cfg.CIStartupTimeout.Duration,
		RunTimeout:       cfg.CIRunTimeout.Duration,
	}, log)
	if err != nil {
		return nil, err
	}

	r := &Runner{
		platform: platform,
		locks:    locks,
		gate: approval.NewGate(platform, platform, approval.Config{
			Team:             cfg.ApproverTeam,
			Org:              cfg.Org(),
			Repository:       cfg.Repository,
			BotLogin:         cfg.BotLogin,
			ActivationPhrase: cfg.ActivationPhrase,
			Timeout:          cfg.ApprovalTimeout.Duration,
			ReminderInterval: cfg.ReminderInterval.Duration,
			PollInterval:     cfg.ApprovalPollInterval.Duration,
		}, log),
		validator: validate.New(platform, validate.Config{
			TargetBranch: cfg.DefaultBranch,
			MinApprovals: cfg.MinApprovals,
		}, log),
		engineer:   refinery.NewEngineer(platform, EngineerConfig(cfg), log),
		notifier:   notifier,
		publisher:  summary.NewPublisher(platform, locks, log),
		activation: cfg.ActivationPhrase,
		bot:        cfg.BotLogin,
		output:     os.Stdout,
		log:        logging.Component(log, "drain"),
		newID:      uuid.NewString,
	}
	return r, nil
}

// EngineerConfig maps the file config onto the merge engine's.
func EngineerConfig(cfg *config.Config) refinery.Config {
	return refinery.Config{
		TargetBranch:        cfg.DefaultBranch,
		TriggerPhrase:       cfg.CITriggerPhrase,
		StartedMarker:       cfg.CIStartedMarker,
		StartupTimeout:      cfg.CIStartupTimeout.Duration,
		StartupPollInterval: cfg.CIStartupPollInterval.Duration,
		RunTimeout:          cfg.CIRunTimeout.Duration,
		CheckInterval:       cfg.CheckInterval.Duration,
		SettleDelay:         cfg.SettleDelay.Duration,
		Admin:               cfg.MergeAdmin,
		ProtectedPatterns:   cfg.ProtectedBranchPatterns,
	}
}

// SetOutput sets the progress writer of every component.
func (r *Runner) SetOutput(w io.Writer) {
	r.output = w
	r.locks.SetOutput(w)
	r.gate.SetOutput(w)
	r.validator.SetOutput(w)
	r.engineer.SetOutput(w)
	r.notifier.SetOutput(w)
	r.publisher.SetOutput(w)
}

// SetClock replaces the time source and sleep of every polling component.
func (r *Runner) SetClock(now func() time.Time, sleep func(ctx context.Context, d time.Duration) error) {
	r.locks.SetClock(now)
	r.gate.SetClock(now, sleep)
	r.engineer.SetClock(now, sleep)
}

// Run drains the request recorded in issue requestID.
//
// Per-PR failures are reported in the Result, not returned. Errors are
// returned for parse failures, a request nobody activated, lock conflicts,
// rejected or expired approval, a failed release PR, fatal platform
// conditions and cancellation. A fatal platform error leaves the lock ACTIVE; every other
// exit releases it.
func (r *Runner) Run(ctx context.Context, requestID int, opts Options) (*Result, error) {
	res := &Result{RunID: r.newID()}
	log := r.log.WithFields(logrus.Fields{"run": res.RunID, "request": requestID})
	_, _ = fmt.Fprintf(r.output, "[Drain] Run %s for request #%d\n", res.RunID, requestID)

	// Step 1: parse
	issue, err := r.platform.GetIssue(ctx, requestID)
	if err != nil {
		return res, fmt.Errorf("reading request #%d: %w", requestID, err)
	}
	req, err := request.Parse(requestID, issue.Body)
	if err != nil {
		if nerr := r.notifier.NotifyParseError(ctx, requestID, err); nerr != nil {
			log.WithError(nerr).Warn("posting parse error")
		}
		return res, fmt.Errorf("parsing request #%d: %w", requestID, err)
	}
	req.Requester = issue.Author
	req.TriggeredAt = opts.TriggeredAt
	if req.TriggeredAt.IsZero() {
		trigger, err := r.findActivation(ctx, requestID)
		if err != nil {
			return res, err
		}
		req.TriggeredAt = trigger.CreatedAt
		req.Requester = trigger.Author
	}
	if opts.Requester != "" {
		req.Requester = opts.Requester
	}
	res.Request = req
	log.WithField("prs", req.PRs).Info("request parsed")

	// Step 2: lock
	lock, err := r.locks.Acquire(ctx, req)
	if err != nil {
		var conflict *tracking.ConflictError
		if errors.As(err, &conflict) {
			if nerr := r.notifier.NotifyDuplicate(ctx, requestID, conflict.Existing.RecordID); nerr != nil {
				log.WithError(nerr).Warn("posting duplicate notice")
			}
		}
		return res, err
	}
	res.Lock = lock

	// Step 3: approval
	decision, err := r.gate.Request(ctx, req)
	if err != nil {
		return res, r.abort(ctx, lock, err)
	}
	res.Decision = decision
	if decision.State != approval.Approved {
		status := tracking.StatusRejected
		if decision.State == approval.TimedOut {
			status = tracking.StatusTimeout
		}
		if rerr := r.locks.Release(ctx, lock, status, decision.Err().Error()); rerr != nil {
			log.WithError(rerr).Error("releasing lock")
		}
		return res, decision.Err()
	}

	// Step 4: release PR ahead of the batch
	if req.HasRelease() {
		res.Release = &summary.Release{PR: req.ReleasePR}
		if err := r.mergeRelease(ctx, req, decision.Approver); err != nil {
			if abortsRun(ctx, err) {
				return res, r.abort(ctx, lock, err)
			}
			res.Release.Err = err.Error()
			res.Summary = summary.Build(req, nil, nil, res.Release)
			if perr := r.publisher.Publish(ctx, res.Summary, lock, tracking.StatusFailed); perr != nil {
				log.WithError(perr).Error("publishing summary")
			}
			return res, err
		}
		res.Release.Merged = true
	}

	// Step 5: validate
	vres, err := r.validator.Validate(ctx, req.PRs, req.RequiredApprovals)
	if err != nil {
		return res, r.abort(ctx, lock, err)
	}
	res.Validation = vres
	verdicts := orderedVerdicts(vres)

	// Step 6: merge
	outcomes, err := r.engineer.Drain(ctx, vres.Mergeable)
	res.Outcomes = outcomes
	if err != nil {
		return res, r.abort(ctx, lock, err)
	}

	// Step 7: notify
	notices, err := r.notifier.Notify(ctx, decision.Approver, verdicts, outcomes)
	res.Notices = notices
	if err != nil {
		return res, r.abort(ctx, lock, err)
	}

	// Step 8: report
	res.Summary = summary.Build(req, verdicts, outcomes, res.Release)
	if err := r.publisher.Publish(ctx, res.Summary, lock, tracking.StatusCompleted); err != nil {
		if github.IsFatal(err) {
			return res, err
		}
		log.WithError(err).Error("publishing summary")
	}
	_, _ = fmt.Fprintf(r.output, "[Drain] Request #%d done: %d merged, %d failed\n",
		requestID, res.Summary.Count(summary.BucketMerged), res.Summary.Failed())
	return res, nil
}

// findActivation returns the latest comment on the request that asks to
// start a drain.
func (r *Runner) findActivation(ctx context.Context, requestID int) (*github.Comment, error) {
	comments, err := r.platform.ListIssueResponses(ctx, requestID)
	if err != nil {
		return nil, fmt.Errorf("reading activation of request #%d: %w", requestID, err)
	}
	var latest *github.Comment
	for i := range comments {
		c := &comments[i]
		if c.Author == r.bot || !request.IsActivation(c.Body, r.activation) {
			continue
		}
		if latest == nil || !c.CreatedAt.Before(latest.CreatedAt) {
			latest = c
		}
	}
	if latest == nil {
		return nil, fmt.Errorf("%w: no %q comment on #%d", ErrNotActivated, r.activation, requestID)
	}
	return latest, nil
}

// mergeRelease validates the release PR for the log, then merges it. A
// failed merge is announced on the PR.
func (r *Runner) mergeRelease(ctx context.Context, req *request.Request, approver string) error {
	author := ""
	required, perr := r.validator.RequiredApprovals(ctx, req.RequiredApprovals)
	verdict, err := r.validator.Check(ctx, req.ReleasePR, required, perr)
	switch {
	case err != nil && abortsRun(ctx, err):
		return err
	case err != nil:
		r.log.WithError(err).Warn("checking release PR")
	default:
		author = verdict.Author
		for _, f := range verdict.Failures {
			r.log.WithFields(logrus.Fields{"pr": req.ReleasePR, "predicate": f.Predicate}).Warn(f.Reason)
			_, _ = fmt.Fprintf(r.output, "[Drain] Warning: release PR #%d: %s\n", req.ReleasePR, f.Reason)
		}
	}

	err = r.engineer.MergeRelease(ctx, req.ReleasePR)
	if err == nil || abortsRun(ctx, err) {
		return err
	}
	if nerr := r.notifier.NotifyRelease(ctx, req.ReleasePR, author, approver, err); nerr != nil {
		if abortsRun(ctx, nerr) {
			return nerr
		}
		r.log.WithError(nerr).Warn("posting release failure")
	}
	return err
}

// abortsRun reports whether err ends the run without the normal report.
func abortsRun(ctx context.Context, err error) bool {
	return github.IsFatal(err) || ctx.Err() != nil
}

// abort handles an error that ends the run early. Fatal platform errors
// leave the lock ACTIVE for manual recovery; anything else releases it.
func (r *Runner) abort(ctx context.Context, lock *tracking.Lock, err error) error {
	if github.IsFatal(err) {
		r.log.WithError(err).WithField("record", lock.RecordID).Error("fatal platform error; leaving lock active")
		_, _ = fmt.Fprintf(r.output, "[Drain] Fatal: %v (lock #%d left active; release with `mq lock release %d`)\n",
			err, lock.RecordID, lock.RequestID)
		return err
	}

	status := tracking.StatusFailed
	if ctx.Err() != nil {
		status = tracking.StatusAborted
	}
	if rerr := r.locks.Release(context.WithoutCancel(ctx), lock, status, err.Error()); rerr != nil {
		r.log.WithError(rerr).Error("releasing lock")
	}
	return err
}

// orderedVerdicts flattens a validation result in PR order.
func orderedVerdicts(res *validate.Result) []*validate.Verdict {
	prs := make([]int, 0, len(res.Verdicts))
	for n := range res.Verdicts {
		prs = append(prs, n)
	}
	sort.Ints(prs)
	out := make([]*validate.Verdict, len(prs))
	for i, n := range prs {
		out[i] = res.Verdicts[n]
	}
	return out
}
