// Package ghtest provides an in-memory hosting platform for tests.
//
// Hub implements the same methods as github.Client, so it satisfies every
// collaborator interface the merge queue declares. Time is virtual: Sleep
// advances the clock instead of blocking, and comments scheduled for the
// future become visible once the clock reaches them.
package ghtest

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/xcawolfe-amzn/mergequeue/internal/github"
)

// Epoch is where every Hub clock starts.
var Epoch = time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)

// CIBot is the login that posts CI acknowledgments.
const CIBot = "github-actions[bot]"

// CIScript describes how the fake CI reacts to a trigger comment on a PR.
type CIScript struct {
	AckDelay   time.Duration // time from trigger to the "started" comment
	NeverAck   bool          // never post the "started" comment
	Duration   time.Duration // run length after the ack; negative never completes
	Conclusion string        // defaults to "success"
}

type thread struct {
	comments []github.Comment
	// reactions on comments of this thread, matched by body substring
	reactions []commentReaction
}

type commentReaction struct {
	match  string
	author string
	glyph  string
	at     time.Time
}

type run struct {
	id         string
	pr         int
	startedAt  time.Time
	duration   time.Duration
	conclusion string
}

// Hub is a mutex-guarded fake of the hosting platform and its CI.
type Hub struct {
	mu sync.Mutex

	// TriggerPhrase is the comment body that starts CI. Defaults to "Ok to test".
	TriggerPhrase string
	// Login is the author recorded on comments the queue posts.
	Login string

	now        time.Time
	nextID     int64
	nextRun    int64
	prs        map[int]*github.PullRequest
	issues     map[int]*github.Issue
	threads    map[int]*thread
	protection map[string]*github.Protection
	teams      map[string][]string
	ci         map[int]CIScript
	runs       map[string]*run
	failures   map[string]error
	deleted    []string
	merges     map[int]github.MergeOptions
	calls      []string
}

// NewHub returns an empty platform at Epoch.
func NewHub() *Hub {
	return &Hub{
		TriggerPhrase: "Ok to test",
		Login:         "mq-bot",
		now:           Epoch,
		nextID:        100,
		nextRun:       5000,
		prs:           make(map[int]*github.PullRequest),
		issues:        make(map[int]*github.Issue),
		threads:       make(map[int]*thread),
		protection:    make(map[string]*github.Protection),
		teams:         make(map[string][]string),
		ci:            make(map[int]CIScript),
		runs:          make(map[string]*run),
		failures:      make(map[string]error),
		merges:        make(map[int]github.MergeOptions),
	}
}

// Now returns the virtual time.
func (h *Hub) Now() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.now
}

// Sleep advances the virtual clock by d.
func (h *Hub) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	h.Advance(d)
	return nil
}

// Advance moves the clock forward.
func (h *Hub) Advance(d time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if d > 0 {
		h.now = h.now.Add(d)
	}
}

// Fail makes the operation named by key return err until cleared.
// Keys look like "UpdateBranch #10", "Merge #99", "TeamMembers merge-approvals",
// "BranchProtection main", "CreateIssue" or "ListIssues".
func (h *Hub) Fail(key string, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failures[key] = err
}

// Clear removes an injected failure.
func (h *Hub) Clear(key string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.failures, key)
}

// Calls returns the log of operations performed, in order.
func (h *Hub) Calls() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.calls...)
}

// record logs key and returns the injected failure for it. Caller holds mu.
func (h *Hub) record(key string) error {
	h.calls = append(h.calls, key)
	return h.failures[key]
}

// AddPR registers a pull request. Zero fields get open/mergeable defaults.
func (h *Hub) AddPR(pr github.PullRequest) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if pr.State == "" {
		pr.State = github.StateOpen
	}
	if pr.Mergeable == "" {
		pr.Mergeable = github.Mergeable
	}
	if pr.BaseRefName == "" {
		pr.BaseRefName = "main"
	}
	if pr.HeadRefName == "" {
		pr.HeadRefName = fmt.Sprintf("feature/pr-%d", pr.Number)
	}
	if pr.Title == "" {
		pr.Title = fmt.Sprintf("Change %d", pr.Number)
	}
	if pr.URL == "" {
		pr.URL = fmt.Sprintf("https://github.com/acme/widgets/pull/%d", pr.Number)
	}
	h.prs[pr.Number] = &pr
}

// UpdatePR mutates a registered PR in place.
func (h *Hub) UpdatePR(number int, fn func(pr *github.PullRequest)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if pr, ok := h.prs[number]; ok {
		fn(pr)
	}
}

// PR returns a copy of a registered PR, or nil.
func (h *Hub) PR(number int) *github.PullRequest {
	h.mu.Lock()
	defer h.mu.Unlock()
	return copyPR(h.prs[number])
}

// AddIssue registers an issue. An empty state means open.
func (h *Hub) AddIssue(issue github.Issue) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if issue.State == "" {
		issue.State = github.IssueOpen
	}
	if issue.CreatedAt.IsZero() {
		issue.CreatedAt = h.now
	}
	h.issues[issue.Number] = &issue
}

// Issue returns a copy of an issue, or nil.
func (h *Hub) Issue(number int) *github.Issue {
	h.mu.Lock()
	defer h.mu.Unlock()
	return copyIssue(h.issues[number])
}

// SetProtection sets branch protection. Unknown branches are unprotected.
func (h *Hub) SetProtection(branch string, p github.Protection) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.protection[branch] = &p
}

// SetTeam sets the members of a team.
func (h *Hub) SetTeam(team string, members ...string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.teams[team] = append([]string(nil), members...)
}

// ScriptCI sets how CI responds to a trigger on PR number.
func (h *Hub) ScriptCI(number int, script CIScript) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if script.Conclusion == "" {
		script.Conclusion = github.RunSuccess
	}
	h.ci[number] = script
}

// Say schedules a comment by author on thread number, visible after delay.
func (h *Hub) Say(number int, author, body string, delay time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.addComment(number, author, body, h.now.Add(delay))
}

// React schedules a reaction, rendered as a comment whose body is the glyph.
func (h *Hub) React(number int, author, glyph string, delay time.Duration) {
	h.Say(number, author, glyph, delay)
}

// ReactTo schedules a reaction on the first comment of thread number whose
// body contains match. It is only listed when that comment's ID is passed to
// ListIssueResponses.
func (h *Hub) ReactTo(number int, match, author, glyph string, delay time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	t := h.threads[number]
	if t == nil {
		t = &thread{}
		h.threads[number] = t
	}
	t.reactions = append(t.reactions, commentReaction{match: match, author: author, glyph: glyph, at: h.now.Add(delay)})
}

// Comments returns every comment on a thread, including scheduled ones.
func (h *Hub) Comments(number int) []github.Comment {
	h.mu.Lock()
	defer h.mu.Unlock()
	t := h.threads[number]
	if t == nil {
		return nil
	}
	return append([]github.Comment(nil), t.comments...)
}

// CommentsContaining returns the bodies on a thread that contain substr.
func (h *Hub) CommentsContaining(number int, substr string) []string {
	var out []string
	for _, c := range h.Comments(number) {
		if strings.Contains(c.Body, substr) {
			out = append(out, c.Body)
		}
	}
	return out
}

// Deleted returns the branches deleted so far.
func (h *Hub) Deleted() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.deleted...)
}

// MergedWith returns the options a PR was merged with.
func (h *Hub) MergedWith(number int) (github.MergeOptions, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	opts, ok := h.merges[number]
	return opts, ok
}

// addComment appends to a thread. Caller holds mu.
func (h *Hub) addComment(number int, author, body string, at time.Time) github.Comment {
	t := h.threads[number]
	if t == nil {
		t = &thread{}
		h.threads[number] = t
	}
	h.nextID++
	c := github.Comment{
		ID:        fmt.Sprintf("%d", h.nextID),
		Author:    author,
		Body:      body,
		URL:       fmt.Sprintf("https://github.com/acme/widgets/issues/%d#issuecomment-%d", number, h.nextID),
		CreatedAt: at,
	}
	t.comments = append(t.comments, c)
	return c
}

// visible returns comments whose time has come, oldest first. Caller holds mu.
func (h *Hub) visible(number int) []github.Comment {
	t := h.threads[number]
	if t == nil {
		return nil
	}
	var out []github.Comment
	for _, c := range t.comments {
		if !c.CreatedAt.After(h.now) {
			out = append(out, c)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// GetPR implements the PR source.
func (h *Hub) GetPR(_ context.Context, number int) (*github.PullRequest, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.record(fmt.Sprintf("GetPR #%d", number)); err != nil {
		return nil, err
	}
	pr, ok := h.prs[number]
	if !ok {
		return nil, fmt.Errorf("PR #%d: %w", number, github.ErrNotFound)
	}
	return copyPR(pr), nil
}

// CommentPR posts a comment and, for the trigger phrase, starts scripted CI.
func (h *Hub) CommentPR(_ context.Context, number int, body string) (*github.Comment, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.record(fmt.Sprintf("CommentPR #%d", number)); err != nil {
		return nil, err
	}
	c := h.addComment(number, h.Login, body, h.now)
	if strings.TrimSpace(body) == h.TriggerPhrase {
		h.startCI(number)
	}
	return &c, nil
}

// startCI schedules the ack comment and run for a trigger. Caller holds mu.
func (h *Hub) startCI(number int) {
	script, ok := h.ci[number]
	if !ok || script.NeverAck {
		return
	}
	h.nextRun++
	id := fmt.Sprintf("%d", h.nextRun)
	ackAt := h.now.Add(script.AckDelay)
	h.runs[id] = &run{
		id:         id,
		pr:         number,
		startedAt:  ackAt,
		duration:   script.Duration,
		conclusion: script.Conclusion,
	}
	body := fmt.Sprintf("✅ CI job started: [View Workflow Run](https://github.com/acme/widgets/actions/runs/%s)", id)
	h.addComment(number, CIBot, body, ackAt)
}

// CommentIssue posts a comment on an issue.
func (h *Hub) CommentIssue(_ context.Context, number int, body string) (*github.Comment, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.record(fmt.Sprintf("CommentIssue #%d", number)); err != nil {
		return nil, err
	}
	c := h.addComment(number, h.Login, body, h.now)
	return &c, nil
}

// ListPRComments returns visible comments on a PR.
func (h *Hub) ListPRComments(_ context.Context, number int) ([]github.Comment, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.record(fmt.Sprintf("ListPRComments #%d", number)); err != nil {
		return nil, err
	}
	return h.visible(number), nil
}

// ListIssueResponses returns visible comments and reactions on an issue,
// including reactions on the comments named by reactionsOn.
func (h *Hub) ListIssueResponses(_ context.Context, number int, reactionsOn ...string) ([]github.Comment, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.record(fmt.Sprintf("ListIssueResponses #%d", number)); err != nil {
		return nil, err
	}
	out := h.visible(number)
	t := h.threads[number]
	if t == nil || len(reactionsOn) == 0 {
		return out, nil
	}

	wanted := make(map[string]bool, len(reactionsOn))
	for _, id := range reactionsOn {
		wanted[id] = true
	}
	for i, r := range t.reactions {
		if r.at.After(h.now) {
			continue
		}
		for _, c := range t.comments {
			if strings.Contains(c.Body, r.match) {
				if wanted[c.ID] {
					out = append(out, github.Comment{
						ID:        fmt.Sprintf("reaction-%d-%d", number, i),
						Author:    r.author,
						Body:      r.glyph,
						CreatedAt: r.at,
					})
				}
				break
			}
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// UpdateBranch syncs a PR with its base.
func (h *Hub) UpdateBranch(_ context.Context, number int) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.record(fmt.Sprintf("UpdateBranch #%d", number)); err != nil {
		return err
	}
	pr, ok := h.prs[number]
	if !ok {
		return fmt.Errorf("PR #%d: %w", number, github.ErrNotFound)
	}
	if pr.Mergeable == github.Conflicting {
		return fmt.Errorf("PR #%d: merge conflict between base and head", number)
	}
	return nil
}

// Merge lands an open, non-conflicting PR.
func (h *Hub) Merge(_ context.Context, number int, opts github.MergeOptions) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.record(fmt.Sprintf("Merge #%d", number)); err != nil {
		return err
	}
	pr, ok := h.prs[number]
	if !ok {
		return fmt.Errorf("PR #%d: %w", number, github.ErrNotFound)
	}
	if pr.State != github.StateOpen {
		return fmt.Errorf("PR #%d is %s", number, pr.State)
	}
	if pr.Mergeable == github.Conflicting {
		return fmt.Errorf("PR #%d is not mergeable", number)
	}
	pr.State = github.StateMerged
	h.merges[number] = opts
	return nil
}

// DeleteBranch records a branch deletion.
func (h *Hub) DeleteBranch(_ context.Context, branch string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.record("DeleteBranch " + branch); err != nil {
		return err
	}
	h.deleted = append(h.deleted, branch)
	return nil
}

// BranchProtection returns configured protection; unknown branches are unprotected.
func (h *Hub) BranchProtection(_ context.Context, branch string) (*github.Protection, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.record("BranchProtection " + branch); err != nil {
		return nil, err
	}
	if p, ok := h.protection[branch]; ok {
		cp := *p
		return &cp, nil
	}
	return &github.Protection{}, nil
}

// RunStatus reports a scripted run relative to the virtual clock.
func (h *Hub) RunStatus(_ context.Context, runID string) (*github.Run, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.record("RunStatus " + runID); err != nil {
		return nil, err
	}
	r, ok := h.runs[runID]
	if !ok {
		return nil, fmt.Errorf("run %s: %w", runID, github.ErrNotFound)
	}
	out := &github.Run{ID: r.id, WorkflowName: "CI"}
	switch {
	case h.now.Before(r.startedAt):
		out.Status = github.RunQueued
	case r.duration < 0 || h.now.Before(r.startedAt.Add(r.duration)):
		out.Status = github.RunInProgress
	default:
		out.Status = github.RunCompleted
		out.Conclusion = r.conclusion
	}
	return out, nil
}

// TeamMembers lists a team.
func (h *Hub) TeamMembers(_ context.Context, team string) ([]string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.record("TeamMembers " + team); err != nil {
		return nil, err
	}
	members, ok := h.teams[team]
	if !ok {
		return nil, fmt.Errorf("team %s: %w", team, github.ErrNotFound)
	}
	out := append([]string(nil), members...)
	sort.Strings(out)
	return out, nil
}

// IsTeamMember checks one login against a team.
func (h *Hub) IsTeamMember(_ context.Context, team, login string) (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.record("IsTeamMember " + login); err != nil {
		return false, err
	}
	for _, m := range h.teams[team] {
		if m == login {
			return true, nil
		}
	}
	return false, nil
}

// ListIssues returns issues with label in state ("open", "closed", "all"), oldest first.
func (h *Hub) ListIssues(_ context.Context, label, state string) ([]*github.Issue, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.record("ListIssues"); err != nil {
		return nil, err
	}
	var out []*github.Issue
	for _, issue := range h.issues {
		if !issue.HasLabel(label) {
			continue
		}
		if state != "all" && issue.State != state {
			continue
		}
		out = append(out, copyIssue(issue))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Number < out[j].Number })
	return out, nil
}

// CreateIssue opens an issue numbered after every existing PR and issue.
func (h *Hub) CreateIssue(_ context.Context, title, body string, labels []string) (*github.Issue, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.record("CreateIssue"); err != nil {
		return nil, err
	}
	next := 1
	for n := range h.issues {
		next = max(next, n+1)
	}
	for n := range h.prs {
		next = max(next, n+1)
	}
	issue := &github.Issue{
		Number:    next,
		Title:     title,
		Body:      body,
		State:     github.IssueOpen,
		Author:    h.Login,
		Labels:    append([]string(nil), labels...),
		CreatedAt: h.now,
	}
	h.issues[next] = issue
	return copyIssue(issue), nil
}

// GetIssue fetches an issue.
func (h *Hub) GetIssue(_ context.Context, number int) (*github.Issue, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.record(fmt.Sprintf("GetIssue #%d", number)); err != nil {
		return nil, err
	}
	issue, ok := h.issues[number]
	if !ok {
		return nil, fmt.Errorf("issue #%d: %w", number, github.ErrNotFound)
	}
	return copyIssue(issue), nil
}

// CloseIssue closes an issue, first posting comment when non-empty.
func (h *Hub) CloseIssue(_ context.Context, number int, comment string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.record(fmt.Sprintf("CloseIssue #%d", number)); err != nil {
		return err
	}
	issue, ok := h.issues[number]
	if !ok {
		return fmt.Errorf("issue #%d: %w", number, github.ErrNotFound)
	}
	if comment != "" {
		h.addComment(number, h.Login, comment, h.now)
	}
	issue.State = github.IssueClosed
	return nil
}

func copyPR(pr *github.PullRequest) *github.PullRequest {
	if pr == nil {
		return nil
	}
	cp := *pr
	cp.Checks = append([]github.Check(nil), pr.Checks...)
	return &cp
}

func copyIssue(issue *github.Issue) *github.Issue {
	if issue == nil {
		return nil
	}
	cp := *issue
	cp.Labels = append([]string(nil), issue.Labels...)
	return &cp
}
