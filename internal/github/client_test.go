package github

import (
	"context"
	"errors"
	"os/exec"
	"strings"
	"testing"
)

// fakeRunner answers gh invocations by the prefix of their joined arguments.
type fakeRunner struct {
	responses map[string]string
	failures  map[string]*CommandError
	calls     []string
	stdin     []string
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{
		responses: make(map[string]string),
		failures:  make(map[string]*CommandError),
	}
}

func (f *fakeRunner) Run(_ context.Context, stdin []byte, args ...string) ([]byte, error) {
	joined := strings.Join(args, " ")
	f.calls = append(f.calls, joined)
	f.stdin = append(f.stdin, string(stdin))
	for prefix, err := range f.failures {
		if strings.HasPrefix(joined, prefix) {
			return nil, err
		}
	}
	for prefix, out := range f.responses {
		if strings.HasPrefix(joined, prefix) {
			return []byte(out), nil
		}
	}
	return nil, &CommandError{Args: args, Stderr: "no fake response for " + joined}
}

func newTestClient(r *fakeRunner) *Client {
	return NewClient("acme/widgets", r, nil)
}

func TestGetPR_NormalizesReviewsAndChecks(t *testing.T) {
	r := newFakeRunner()
	r.responses["pr view 42"] = `{
		"number": 42, "title": "Add widget", "url": "https://github.com/acme/widgets/pull/42",
		"state": "OPEN", "baseRefName": "main", "headRefName": "feature/widget",
		"author": {"login": "alice"}, "mergeable": "MERGEABLE",
		"reviews": [
			{"author": {"login": "bob"}, "state": "APPROVED", "submittedAt": "2024-01-01T10:00:00Z"},
			{"author": {"login": "bob"}, "state": "CHANGES_REQUESTED", "submittedAt": "2024-01-01T11:00:00Z"},
			{"author": {"login": "carol"}, "state": "APPROVED", "submittedAt": "2024-01-01T10:30:00Z"},
			{"author": {"login": "carol"}, "state": "COMMENTED", "submittedAt": "2024-01-01T12:00:00Z"},
			{"author": {"login": "dave"}, "state": "APPROVED", "submittedAt": "2024-01-01T09:00:00Z"}
		],
		"statusCheckRollup": [
			{"__typename": "CheckRun", "name": "test", "status": "COMPLETED", "conclusion": "SUCCESS"},
			{"__typename": "CheckRun", "name": "lint", "status": "IN_PROGRESS", "conclusion": ""},
			{"__typename": "StatusContext", "context": "ci/legacy", "state": "FAILURE"},
			{"__typename": "CheckRun", "name": "docs", "status": "COMPLETED", "conclusion": "SKIPPED"}
		]
	}`

	pr, err := newTestClient(r).GetPR(context.Background(), 42)
	if err != nil {
		t.Fatalf("GetPR: %v", err)
	}
	if pr.Author != "alice" || pr.BaseRefName != "main" || pr.HeadRefName != "feature/widget" {
		t.Errorf("unexpected PR fields: %+v", pr)
	}
	// bob's latest review is CHANGES_REQUESTED; carol's COMMENTED does not override.
	if pr.Approvals != 2 {
		t.Errorf("Approvals = %d, want 2", pr.Approvals)
	}
	failing := pr.FailingChecks()
	want := []string{"ci/legacy:FAILURE", "lint:IN_PROGRESS"}
	if strings.Join(failing, ",") != strings.Join(want, ",") {
		t.Errorf("FailingChecks = %v, want %v", failing, want)
	}
	if !strings.Contains(r.calls[0], "--repo acme/widgets") {
		t.Errorf("expected --repo flag, got %q", r.calls[0])
	}
}

func TestCommentPR_PostsBodyAsJSON(t *testing.T) {
	r := newFakeRunner()
	r.responses["api -X POST repos/acme/widgets/issues/7/comments"] = `{
		"id": 991, "user": {"login": "mq-bot"}, "body": "Ok to test",
		"html_url": "https://github.com/acme/widgets/pull/7#issuecomment-991",
		"created_at": "2024-03-01T08:00:00Z"
	}`

	c, err := newTestClient(r).CommentPR(context.Background(), 7, "Ok to test")
	if err != nil {
		t.Fatalf("CommentPR: %v", err)
	}
	if c.ID != "991" || c.Author != "mq-bot" {
		t.Errorf("unexpected comment %+v", c)
	}
	if c.CreatedAt.IsZero() {
		t.Error("expected CreatedAt to be parsed")
	}
	if r.stdin[0] != `{"body":"Ok to test"}` {
		t.Errorf("unexpected stdin %q", r.stdin[0])
	}
}

func TestListIssueResponses_MergesReactions(t *testing.T) {
	r := newFakeRunner()
	r.responses["api --paginate repos/acme/widgets/issues/3/comments"] = `[
		{"id": 1, "user": {"login": "alice"}, "body": "looks fine", "created_at": "2024-01-01T10:00:00Z"}
	][
		{"id": 2, "user": {"login": "bob"}, "body": "approved", "created_at": "2024-01-01T10:05:00Z"}
	]`
	r.responses["api --paginate repos/acme/widgets/issues/3/reactions"] = `[
		{"id": 10, "user": {"login": "carol"}, "content": "+1", "created_at": "2024-01-01T10:02:00Z"},
		{"id": 11, "user": {"login": "dave"}, "content": "heart", "created_at": "2024-01-01T10:03:00Z"}
	]`

	got, err := newTestClient(r).ListIssueResponses(context.Background(), 3)
	if err != nil {
		t.Fatalf("ListIssueResponses: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 responses, got %d: %+v", len(got), got)
	}
	order := []string{got[0].Author, got[1].Author, got[2].Author}
	if strings.Join(order, ",") != "alice,carol,bob" {
		t.Errorf("responses not time ordered: %v", order)
	}
	if got[1].Body != "👍" || got[1].ID != "reaction-10" {
		t.Errorf("unexpected reaction comment %+v", got[1])
	}
}

func TestListIssueResponses_ReactionsOnComments(t *testing.T) {
	r := newFakeRunner()
	r.responses["api --paginate repos/acme/widgets/issues/3/comments"] = `[
		{"id": 500, "user": {"login": "github-actions[bot]"}, "body": "Approval required", "created_at": "2024-01-01T10:00:00Z"}
	]`
	r.responses["api --paginate repos/acme/widgets/issues/3/reactions"] = `[]`
	r.responses["api --paginate repos/acme/widgets/issues/comments/500/reactions"] = `[
		{"id": 77, "user": {"login": "alice"}, "content": "+1", "created_at": "2024-01-01T10:04:00Z"},
		{"id": 78, "user": {"login": "bob"}, "content": "rocket", "created_at": "2024-01-01T10:05:00Z"}
	]`

	got, err := newTestClient(r).ListIssueResponses(context.Background(), 3, "500")
	if err != nil {
		t.Fatalf("ListIssueResponses: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 responses, got %d: %+v", len(got), got)
	}
	if got[1].Author != "alice" || got[1].Body != "👍" || got[1].ID != "reaction-77" {
		t.Errorf("reaction on comment not returned: %+v", got[1])
	}

	fetched := false
	for _, c := range r.calls {
		if strings.Contains(c, "issues/comments/500/reactions") {
			fetched = true
		}
	}
	if !fetched {
		t.Errorf("comment reactions not fetched; calls %v", r.calls)
	}
}

func TestBranchProtection(t *testing.T) {
	t.Run("protected", func(t *testing.T) {
		r := newFakeRunner()
		r.responses["api repos/acme/widgets/branches/main/protection"] =
			`{"required_pull_request_reviews": {"required_approving_review_count": 2}}`
		p, err := newTestClient(r).BranchProtection(context.Background(), "main")
		if err != nil {
			t.Fatalf("BranchProtection: %v", err)
		}
		if !p.Protected || p.RequiredApprovals != 2 {
			t.Errorf("unexpected protection %+v", p)
		}
	})

	t.Run("not protected", func(t *testing.T) {
		r := newFakeRunner()
		r.failures["api repos/acme/widgets/branches/feature/x/protection"] = &CommandError{
			Args:   []string{"api"},
			Stderr: "gh: Branch not protected (HTTP 404)",
			Kind:   classify(errors.New("exit 1"), "gh: Branch not protected (HTTP 404)"),
		}
		p, err := newTestClient(r).BranchProtection(context.Background(), "feature/x")
		if err != nil {
			t.Fatalf("BranchProtection: %v", err)
		}
		if p.Protected {
			t.Error("expected unprotected branch")
		}
	})

	t.Run("lookup failure", func(t *testing.T) {
		r := newFakeRunner()
		r.failures["api repos/acme/widgets/branches/main/protection"] = &CommandError{
			Args:   []string{"api"},
			Stderr: "gh: Resource not accessible by integration (HTTP 403)",
			Kind:   ErrForbidden,
		}
		_, err := newTestClient(r).BranchProtection(context.Background(), "main")
		if !errors.Is(err, ErrForbidden) {
			t.Errorf("expected ErrForbidden, got %v", err)
		}
	})
}

func TestMerge_Flags(t *testing.T) {
	r := newFakeRunner()
	r.responses["pr merge"] = ""
	c := newTestClient(r)

	if err := c.Merge(context.Background(), 5, MergeOptions{Subject: "[Merge Queue] #5-Fix-fix/x", Admin: true}); err != nil {
		t.Fatalf("Merge: %v", err)
	}
	if err := c.Merge(context.Background(), 99, MergeOptions{Method: MergeCommit, Admin: true}); err != nil {
		t.Fatalf("Merge: %v", err)
	}

	if !strings.Contains(r.calls[0], "--squash --subject [Merge Queue] #5-Fix-fix/x --admin") {
		t.Errorf("unexpected squash invocation %q", r.calls[0])
	}
	if !strings.Contains(r.calls[1], "--merge --admin") {
		t.Errorf("unexpected merge invocation %q", r.calls[1])
	}
}

func TestIsTeamMember(t *testing.T) {
	r := newFakeRunner()
	r.responses["api orgs/acme/teams/merge-approvals/memberships/bob"] = `{"state": "active"}`
	r.failures["api orgs/acme/teams/merge-approvals/memberships/eve"] = &CommandError{
		Args: []string{"api"}, Stderr: "HTTP 404", Kind: ErrNotFound,
	}
	c := newTestClient(r)

	ok, err := c.IsTeamMember(context.Background(), "merge-approvals", "bob")
	if err != nil || !ok {
		t.Errorf("bob: got %v, %v", ok, err)
	}
	ok, err = c.IsTeamMember(context.Background(), "merge-approvals", "eve")
	if err != nil || ok {
		t.Errorf("eve: got %v, %v", ok, err)
	}
}

func TestListIssues_SkipsPullRequests(t *testing.T) {
	r := newFakeRunner()
	r.responses["api --paginate repos/acme/widgets/issues?"] = `[
		{"number": 1, "title": "[MERGE QUEUE TRACKING] Issue #9", "state": "open", "labels": [{"name": "merge-queue-lock"}]},
		{"number": 2, "title": "a PR", "state": "open", "pull_request": {"url": "x"}}
	]`

	issues, err := newTestClient(r).ListIssues(context.Background(), "merge-queue-lock", IssueOpen)
	if err != nil {
		t.Fatalf("ListIssues: %v", err)
	}
	if len(issues) != 1 || issues[0].Number != 1 {
		t.Fatalf("unexpected issues %+v", issues)
	}
	if !issues[0].HasLabel("merge-queue-lock") {
		t.Error("expected label to be decoded")
	}
	if !strings.Contains(r.calls[0], "labels=merge-queue-lock") || !strings.Contains(r.calls[0], "state=open") {
		t.Errorf("unexpected query %q", r.calls[0])
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		stderr string
		want   error
	}{
		{"missing binary", exec.ErrNotFound, "", ErrUnavailable},
		{"auth", errors.New("exit 4"), "To get started with GitHub CLI, please run:  gh auth login", ErrUnauthorized},
		{"401", errors.New("exit 1"), "HTTP 401: Bad credentials", ErrUnauthorized},
		{"403", errors.New("exit 1"), "HTTP 403: Forbidden", ErrForbidden},
		{"404", errors.New("exit 1"), "HTTP 404: Not Found", ErrNotFound},
		{"dns", errors.New("exit 1"), "dial tcp: lookup api.github.com: no such host", ErrUnavailable},
		{"other", errors.New("exit 1"), "Pull request is not mergeable", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := classify(tt.err, tt.stderr); got != tt.want {
				t.Errorf("classify = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestIsFatal(t *testing.T) {
	err := &CommandError{Args: []string{"pr", "view"}, Kind: ErrUnauthorized, Err: errors.New("exit 4")}
	if !IsFatal(err) {
		t.Error("expected auth failure to be fatal")
	}
	if IsFatal(&CommandError{Args: []string{"pr"}, Kind: ErrNotFound}) {
		t.Error("not found should not be fatal")
	}
	if !strings.HasPrefix(err.Error(), "gh pr view:") {
		t.Errorf("unexpected message %q", err.Error())
	}
}
