// Package approval solicits and waits for a human go-ahead before a drain.
package approval

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/text/cases"

	"github.com/xcawolfe-amzn/mergequeue/internal/github"
	"github.com/xcawolfe-amzn/mergequeue/internal/logging"
	"github.com/xcawolfe-amzn/mergequeue/internal/request"
)

var (
	// ErrRejected means an authorized approver rejected the request.
	ErrRejected = errors.New("approval rejected")

	// ErrTimedOut means no authorized response arrived in time.
	ErrTimedOut = errors.New("approval timed out")
)

// State of an approval.
type State string

const (
	Pending  State = "PENDING"
	Approved State = "APPROVED"
	Rejected State = "REJECTED"
	TimedOut State = "TIMED_OUT"
)

var (
	approveKeywords = []string{"approved", "👍"}
	rejectKeywords  = []string{"rejected", "👎"}
)

// Conversation is the request thread the gate talks on.
type Conversation interface {
	CommentIssue(ctx context.Context, number int, body string) (*github.Comment, error)
	// ListIssueResponses lists comments and reactions on the thread, plus
	// reactions on the comments named by reactionsOn.
	ListIssueResponses(ctx context.Context, number int, reactionsOn ...string) ([]github.Comment, error)
}

// Directory resolves who may approve.
type Directory interface {
	TeamMembers(ctx context.Context, team string) ([]string, error)
	IsTeamMember(ctx context.Context, team, login string) (bool, error)
}

// Config controls the gate.
type Config struct {
	Team             string
	Org              string
	Repository       string
	BotLogin         string // responses from this login are ignored
	ActivationPhrase string

	Timeout          time.Duration
	ReminderInterval time.Duration
	PollInterval     time.Duration
}

// Decision is the terminal result of a gate.
type Decision struct {
	State     State
	Approver  string // who approved or rejected
	Reminders int
	Approvers []string // resolved members; empty when the collective fallback was used
}

// Err maps a non-approved decision onto its sentinel.
func (d *Decision) Err() error {
	switch d.State {
	case Approved:
		return nil
	case Rejected:
		return fmt.Errorf("%w by @%s", ErrRejected, d.Approver)
	case TimedOut:
		return ErrTimedOut
	}
	return fmt.Errorf("approval still %s", d.State)
}

// approvers is the resolved set, or the collective fallback.
type approvers struct {
	members    map[string]bool
	ordered    []string
	collective string // "@org/team" when members could not be listed
}

func (a *approvers) tags() string {
	if a.collective != "" {
		return a.collective
	}
	tags := make([]string, len(a.ordered))
	for i, m := range a.ordered {
		tags[i] = "@" + m
	}
	return strings.Join(tags, " ")
}

func (a *approvers) names() string {
	if a.collective != "" {
		return strings.TrimPrefix(a.collective, "@")
	}
	return strings.Join(a.ordered, ", ")
}

// Gate runs one approval round per request.
type Gate struct {
	conv   Conversation
	dir    Directory
	config Config
	output io.Writer
	log    logrus.FieldLogger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewGate creates a gate.
func NewGate(conv Conversation, dir Directory, config Config, log logrus.FieldLogger) *Gate {
	if config.PollInterval <= 0 {
		config.PollInterval = time.Minute
	}
	return &Gate{
		conv:   conv,
		dir:    dir,
		config: config,
		output: os.Stdout,
		log:    logging.Component(log, "approval"),
		now:    time.Now,
		sleep:  sleepContext,
	}
}

// SetOutput sets the progress writer.
func (g *Gate) SetOutput(w io.Writer) {
	g.output = w
}

// SetClock replaces the time source and the sleep used between polls.
func (g *Gate) SetClock(now func() time.Time, sleep func(ctx context.Context, d time.Duration) error) {
	g.now = now
	g.sleep = sleep
}

func sleepContext(ctx context.Context, d time.Duration) error {
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Request solicits approval for req and waits for a terminal decision.
// Reminders go out every ReminderInterval without extending the timeout.
// Errors are returned only for platform failures and cancellation.
func (g *Gate) Request(ctx context.Context, req *request.Request) (*Decision, error) {
	// Step 1: resolve approvers once
	set := g.resolve(ctx)

	// Step 2: solicit
	posted := newPostedSet()
	solicitation, err := g.conv.CommentIssue(ctx, req.ID, solicitationMessage(set.tags(), req, g.config))
	if err != nil {
		return nil, fmt.Errorf("posting approval request: %w", err)
	}
	posted.add(solicitation.ID, true)

	since := req.TriggeredAt
	if since.IsZero() {
		since = solicitation.CreatedAt
	}
	start := g.now()
	deadline := start.Add(g.config.Timeout)
	nextReminder := start.Add(g.config.ReminderInterval)
	_, _ = fmt.Fprintf(g.output, "[Gate] Waiting up to %s for approval of request #%d from %s\n", g.config.Timeout, req.ID, set.tags())

	decision := &Decision{State: Pending, Approvers: set.ordered}
	echoed := make(map[string]bool)

	// Step 3: poll
	for {
		state, who, err := g.check(ctx, req.ID, since, set, posted, echoed)
		if err != nil {
			if github.IsFatal(err) || ctx.Err() != nil {
				return nil, err
			}
			g.log.WithError(err).Warn("checking approval responses")
		}
		if state != Pending {
			decision.State, decision.Approver = state, who
			g.confirm(ctx, req.ID, decision)
			return decision, nil
		}

		now := g.now()
		if !now.Before(deadline) {
			decision.State = TimedOut
			g.say(ctx, req.ID, timeoutMessage(g.config))
			_, _ = fmt.Fprintf(g.output, "[Gate] Request #%d timed out after %d reminder(s)\n", req.ID, decision.Reminders)
			return decision, nil
		}

		if g.config.ReminderInterval > 0 && !now.Before(nextReminder) {
			if c := g.say(ctx, req.ID, reminderMessage(set.tags(), deadline.Sub(now))); c != nil {
				posted.add(c.ID, true)
			}
			decision.Reminders++
			nextReminder = nextReminder.Add(g.config.ReminderInterval)
			_, _ = fmt.Fprintf(g.output, "[Gate] Reminder %d sent for request #%d\n", decision.Reminders, req.ID)
		}

		if err := g.sleep(ctx, min(g.config.PollInterval, deadline.Sub(now))); err != nil {
			return nil, err
		}
	}
}

// resolve lists the approver team, falling back to one collective mention.
func (g *Gate) resolve(ctx context.Context) *approvers {
	members, err := g.dir.TeamMembers(ctx, g.config.Team)
	if err != nil || len(members) == 0 {
		g.log.WithError(err).WithField("team", g.config.Team).Warn("listing approvers; falling back to team mention")
		return &approvers{collective: fmt.Sprintf("@%s/%s", g.config.Org, g.config.Team)}
	}
	set := &approvers{members: make(map[string]bool, len(members)), ordered: members}
	for _, m := range members {
		set.members[m] = true
	}
	return set
}

// authorized checks one responder against the set.
func (g *Gate) authorized(ctx context.Context, set *approvers, login string) (bool, error) {
	if set.collective == "" {
		return set.members[login], nil
	}
	return g.dir.IsTeamMember(ctx, g.config.Team, login)
}

// check scans responses since the trigger for the first authorized decision.
func (g *Gate) check(ctx context.Context, number int, since time.Time, set *approvers, posted *postedSet, echoed map[string]bool) (State, string, error) {
	responses, err := g.conv.ListIssueResponses(ctx, number, posted.prompts...)
	if err != nil {
		return Pending, "", err
	}

	fold := cases.Fold()
	for _, r := range responses {
		if r.CreatedAt.Before(since) || posted.ids[r.ID] || r.Author == g.config.BotLogin {
			continue
		}
		action := classify(fold.String(r.Body))
		if action == Pending {
			continue
		}

		ok, err := g.authorized(ctx, set, r.Author)
		if err != nil {
			if github.IsFatal(err) {
				return Pending, "", err
			}
			g.log.WithError(err).WithField("login", r.Author).Warn("checking membership")
			continue
		}
		if ok {
			return action, r.Author, nil
		}

		if !echoed[r.ID] {
			echoed[r.ID] = true
			if c := g.say(ctx, number, unauthorizedMessage(r.Author, action, set.names(), g.config)); c != nil {
				posted.add(c.ID, false)
			}
			_, _ = fmt.Fprintf(g.output, "[Gate] Ignored %s from @%s: not an approver\n", strings.ToLower(string(action)), r.Author)
		}
	}
	return Pending, "", nil
}

// postedSet tracks the gate's own comments. Prompts are the solicitation and
// reminders, whose reactions count as responses.
type postedSet struct {
	ids     map[string]bool
	prompts []string
}

func newPostedSet() *postedSet {
	return &postedSet{ids: make(map[string]bool)}
}

func (p *postedSet) add(id string, prompt bool) {
	p.ids[id] = true
	if prompt {
		p.prompts = append(p.prompts, id)
	}
}

// classify reads a folded response body as approve, reject or neither.
func classify(body string) State {
	for _, k := range approveKeywords {
		if strings.Contains(body, k) {
			return Approved
		}
	}
	for _, k := range rejectKeywords {
		if strings.Contains(body, k) {
			return Rejected
		}
	}
	return Pending
}

func (g *Gate) confirm(ctx context.Context, number int, d *Decision) {
	switch d.State {
	case Approved:
		g.say(ctx, number, approvedMessage(d.Approver, g.config))
		_, _ = fmt.Fprintf(g.output, "[Gate] Request #%d approved by @%s\n", number, d.Approver)
	case Rejected:
		g.say(ctx, number, rejectedMessage(d.Approver, g.config))
		_, _ = fmt.Fprintf(g.output, "[Gate] Request #%d rejected by @%s\n", number, d.Approver)
	}
}

// say posts a best-effort comment.
func (g *Gate) say(ctx context.Context, number int, body string) *github.Comment {
	c, err := g.conv.CommentIssue(ctx, number, body)
	if err != nil {
		g.log.WithError(err).WithField("issue", number).Warn("posting comment")
		return nil
	}
	return c
}
