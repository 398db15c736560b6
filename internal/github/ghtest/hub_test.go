package ghtest

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/xcawolfe-amzn/mergequeue/internal/github"
)

func TestHub_ScriptedCI(t *testing.T) {
	ctx := context.Background()
	h := NewHub()
	h.AddPR(github.PullRequest{Number: 4})
	h.ScriptCI(4, CIScript{AckDelay: 2 * time.Minute, Duration: 10 * time.Minute, Conclusion: "failure"})

	if _, err := h.CommentPR(ctx, 4, "Ok to test"); err != nil {
		t.Fatalf("CommentPR: %v", err)
	}

	comments, _ := h.ListPRComments(ctx, 4)
	if len(comments) != 1 {
		t.Fatalf("ack should not be visible yet, got %d comments", len(comments))
	}

	_ = h.Sleep(ctx, 2*time.Minute)
	comments, _ = h.ListPRComments(ctx, 4)
	if len(comments) != 2 || !strings.Contains(comments[1].Body, "CI job started") {
		t.Fatalf("expected ack comment, got %+v", comments)
	}

	id := comments[1].Body[strings.LastIndex(comments[1].Body, "/")+1 : len(comments[1].Body)-1]
	r, err := h.RunStatus(ctx, id)
	if err != nil {
		t.Fatalf("RunStatus: %v", err)
	}
	if r.Status != github.RunInProgress {
		t.Errorf("Status = %q, want in_progress", r.Status)
	}

	h.Advance(10 * time.Minute)
	r, _ = h.RunStatus(ctx, id)
	if !r.Completed() || r.Succeeded() {
		t.Errorf("expected completed failure, got %+v", r)
	}
}

func TestHub_FailureInjection(t *testing.T) {
	ctx := context.Background()
	h := NewHub()
	h.AddPR(github.PullRequest{Number: 10})

	boom := errors.New("boom")
	h.Fail("UpdateBranch #10", boom)
	if err := h.UpdateBranch(ctx, 10); !errors.Is(err, boom) {
		t.Fatalf("expected injected failure, got %v", err)
	}
	h.Clear("UpdateBranch #10")
	if err := h.UpdateBranch(ctx, 10); err != nil {
		t.Fatalf("expected success after Clear, got %v", err)
	}

	calls := h.Calls()
	if len(calls) != 2 || calls[0] != "UpdateBranch #10" {
		t.Errorf("unexpected calls %v", calls)
	}
}

func TestHub_IssuesAndMerge(t *testing.T) {
	ctx := context.Background()
	h := NewHub()
	h.AddPR(github.PullRequest{Number: 7})

	issue, err := h.CreateIssue(ctx, "tracking", "body", []string{"lock"})
	if err != nil {
		t.Fatalf("CreateIssue: %v", err)
	}
	if issue.Number != 8 {
		t.Errorf("issue number = %d, want 8", issue.Number)
	}

	open, _ := h.ListIssues(ctx, "lock", github.IssueOpen)
	if len(open) != 1 {
		t.Fatalf("expected 1 open issue, got %d", len(open))
	}
	if err := h.CloseIssue(ctx, 8, "done"); err != nil {
		t.Fatalf("CloseIssue: %v", err)
	}
	open, _ = h.ListIssues(ctx, "lock", github.IssueOpen)
	if len(open) != 0 {
		t.Errorf("expected no open issues, got %d", len(open))
	}

	if err := h.Merge(ctx, 7, github.MergeOptions{Method: github.MergeSquash}); err != nil {
		t.Fatalf("Merge: %v", err)
	}
	if got := h.PR(7).State; got != github.StateMerged {
		t.Errorf("State = %q, want MERGED", got)
	}
	if err := h.Merge(ctx, 7, github.MergeOptions{}); err == nil {
		t.Error("expected merging a merged PR to fail")
	}
}

func TestHub_ReactToComment(t *testing.T) {
	ctx := context.Background()
	h := NewHub()
	c, _ := h.CommentIssue(ctx, 3, "Approval required")
	h.ReactTo(3, "Approval required", "alice", "👍", time.Minute)

	_ = h.Sleep(ctx, time.Minute)
	got, _ := h.ListIssueResponses(ctx, 3)
	if len(got) != 1 {
		t.Fatalf("reaction listed without its comment ID: %+v", got)
	}
	got, _ = h.ListIssueResponses(ctx, 3, c.ID)
	if len(got) != 2 || got[1].Author != "alice" || got[1].Body != "👍" {
		t.Fatalf("expected reaction from alice, got %+v", got)
	}
}
