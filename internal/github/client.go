package github

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os/exec"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/xcawolfe-amzn/mergequeue/internal/logging"
)

// Runner executes one gh invocation and returns its stdout.
// Failures are returned as *CommandError.
type Runner interface {
	Run(ctx context.Context, stdin []byte, args ...string) ([]byte, error)
}

// ExecRunner runs the gh binary.
type ExecRunner struct {
	Binary string // defaults to "gh"
}

// Run implements Runner.
func (r ExecRunner) Run(ctx context.Context, stdin []byte, args ...string) ([]byte, error) {
	bin := r.Binary
	if bin == "" {
		bin = "gh"
	}
	cmd := exec.CommandContext(ctx, bin, args...)
	if stdin != nil {
		cmd.Stdin = bytes.NewReader(stdin)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &CommandError{
			Args:   args,
			Stderr: stderr.String(),
			Kind:   classify(err, stderr.String()),
			Err:    err,
		}
	}
	return stdout.Bytes(), nil
}

// Client reads and writes platform state for one repository.
type Client struct {
	Repo string // owner/name

	runner Runner
	log    logrus.FieldLogger
}

// NewClient creates a client for repo. A nil runner uses the gh binary.
func NewClient(repo string, runner Runner, log logrus.FieldLogger) *Client {
	if runner == nil {
		runner = ExecRunner{}
	}
	return &Client{
		Repo:   repo,
		runner: runner,
		log:    logging.Component(log, "github"),
	}
}

// Org returns the owner half of the repository name.
func (c *Client) Org() string {
	org, _, _ := strings.Cut(c.Repo, "/")
	return org
}

func (c *Client) gh(ctx context.Context, stdin []byte, args ...string) ([]byte, error) {
	c.log.WithField("args", strings.Join(args, " ")).Debug("gh")
	start := time.Now()
	out, err := c.runner.Run(ctx, stdin, args...)
	if err != nil {
		c.log.WithError(err).WithField("elapsed", time.Since(start).Round(time.Millisecond)).Debug("gh failed")
	}
	return out, err
}

// api calls the REST API. body, when non-nil, is sent as JSON.
func (c *Client) api(ctx context.Context, method, path string, body any) ([]byte, error) {
	args := []string{"api"}
	if method != "" && method != "GET" {
		args = append(args, "-X", method)
	}
	args = append(args, path)

	var stdin []byte
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encoding request body: %w", err)
		}
		stdin = data
		args = append(args, "--input", "-")
	}
	return c.gh(ctx, stdin, args...)
}

// paginate fetches every page of a list endpoint and decodes each element into T.
func paginate[T any](ctx context.Context, c *Client, path string) ([]T, error) {
	out, err := c.gh(ctx, nil, "api", "--paginate", path)
	if err != nil {
		return nil, err
	}
	// --paginate emits one JSON array per page back to back.
	var all []T
	dec := json.NewDecoder(bytes.NewReader(out))
	for {
		var page []T
		if err := dec.Decode(&page); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
		all = append(all, page...)
	}
	return all, nil
}

// CheckAuth verifies gh is installed and authenticated.
func (c *Client) CheckAuth(ctx context.Context) error {
	if _, err := c.gh(ctx, nil, "auth", "status"); err != nil {
		var cmdErr *CommandError
		if errors.As(err, &cmdErr) && cmdErr.Kind == nil {
			cmdErr.Kind = ErrUnauthorized
		}
		return err
	}
	return nil
}

type ghLogin struct {
	Login string `json:"login"`
}

type ghPR struct {
	Number      int     `json:"number"`
	Title       string  `json:"title"`
	URL         string  `json:"url"`
	State       string  `json:"state"`
	BaseRefName string  `json:"baseRefName"`
	HeadRefName string  `json:"headRefName"`
	Author      ghLogin `json:"author"`
	Mergeable   string  `json:"mergeable"`
	Reviews     []struct {
		Author      ghLogin   `json:"author"`
		State       string    `json:"state"`
		SubmittedAt time.Time `json:"submittedAt"`
	} `json:"reviews"`
	StatusCheckRollup []struct {
		TypeName   string `json:"__typename"`
		Name       string `json:"name"`
		Context    string `json:"context"`
		Status     string `json:"status"`
		Conclusion string `json:"conclusion"`
		State      string `json:"state"`
	} `json:"statusCheckRollup"`
}

const prFields = "number,title,url,state,baseRefName,headRefName,author,mergeable,reviews,statusCheckRollup"

// GetPR fetches a fresh snapshot of a pull request.
func (c *Client) GetPR(ctx context.Context, number int) (*PullRequest, error) {
	out, err := c.gh(ctx, nil, "pr", "view", strconv.Itoa(number), "--repo", c.Repo, "--json", prFields)
	if err != nil {
		return nil, fmt.Errorf("fetching PR #%d: %w", number, err)
	}
	var raw ghPR
	if err := json.Unmarshal(out, &raw); err != nil {
		return nil, fmt.Errorf("parsing PR #%d: %w", number, err)
	}
	return raw.toPullRequest(), nil
}

func (raw *ghPR) toPullRequest() *PullRequest {
	pr := &PullRequest{
		Number:      raw.Number,
		Title:       raw.Title,
		URL:         raw.URL,
		State:       strings.ToUpper(raw.State),
		BaseRefName: raw.BaseRefName,
		HeadRefName: raw.HeadRefName,
		Author:      raw.Author.Login,
		Mergeable:   strings.ToUpper(raw.Mergeable),
	}

	// Only a reviewer's latest review counts.
	type review struct {
		state string
		at    time.Time
	}
	latest := make(map[string]review)
	for _, r := range raw.Reviews {
		if r.State == "COMMENTED" || r.State == "PENDING" {
			continue
		}
		if prev, ok := latest[r.Author.Login]; !ok || !r.SubmittedAt.Before(prev.at) {
			latest[r.Author.Login] = review{state: r.State, at: r.SubmittedAt}
		}
	}
	for _, r := range latest {
		if r.state == "APPROVED" {
			pr.Approvals++
		}
	}

	for _, rc := range raw.StatusCheckRollup {
		check := Check{Name: rc.Name, State: rc.Conclusion}
		if rc.TypeName == "StatusContext" {
			check = Check{Name: rc.Context, State: rc.State}
		} else if rc.Status != "" && !strings.EqualFold(rc.Status, "COMPLETED") {
			check.State = strings.ToUpper(rc.Status)
		}
		check.State = strings.ToUpper(check.State)
		pr.Checks = append(pr.Checks, check)
	}
	sort.SliceStable(pr.Checks, func(i, j int) bool { return pr.Checks[i].Name < pr.Checks[j].Name })
	return pr
}

type ghComment struct {
	ID        int64     `json:"id"`
	User      ghLogin   `json:"user"`
	Body      string    `json:"body"`
	HTMLURL   string    `json:"html_url"`
	CreatedAt time.Time `json:"created_at"`
}

func (gc ghComment) toComment() Comment {
	return Comment{
		ID:        strconv.FormatInt(gc.ID, 10),
		Author:    gc.User.Login,
		Body:      gc.Body,
		URL:       gc.HTMLURL,
		CreatedAt: gc.CreatedAt,
	}
}

// comment posts to the shared issue/PR comment thread.
func (c *Client) comment(ctx context.Context, number int, body string) (*Comment, error) {
	path := fmt.Sprintf("repos/%s/issues/%d/comments", c.Repo, number)
	out, err := c.api(ctx, "POST", path, map[string]string{"body": body})
	if err != nil {
		return nil, fmt.Errorf("commenting on #%d: %w", number, err)
	}
	var gc ghComment
	if err := json.Unmarshal(out, &gc); err != nil {
		return nil, fmt.Errorf("parsing comment on #%d: %w", number, err)
	}
	cm := gc.toComment()
	return &cm, nil
}

// CommentPR posts a comment on a pull request.
func (c *Client) CommentPR(ctx context.Context, number int, body string) (*Comment, error) {
	return c.comment(ctx, number, body)
}

// CommentIssue posts a comment on an issue.
func (c *Client) CommentIssue(ctx context.Context, number int, body string) (*Comment, error) {
	return c.comment(ctx, number, body)
}

func (c *Client) listComments(ctx context.Context, number int) ([]Comment, error) {
	path := fmt.Sprintf("repos/%s/issues/%d/comments?per_page=100", c.Repo, number)
	raw, err := paginate[ghComment](ctx, c, path)
	if err != nil {
		return nil, fmt.Errorf("listing comments on #%d: %w", number, err)
	}
	comments := make([]Comment, 0, len(raw))
	for _, gc := range raw {
		comments = append(comments, gc.toComment())
	}
	return comments, nil
}

// ListPRComments returns a PR's comments in creation order.
func (c *Client) ListPRComments(ctx context.Context, number int) ([]Comment, error) {
	return c.listComments(ctx, number)
}

var reactionGlyphs = map[string]string{
	"+1": "👍",
	"-1": "👎",
}

type ghReaction struct {
	ID        int64     `json:"id"`
	User      ghLogin   `json:"user"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// reactions lists 👍/👎 reactions at path as comments whose body is the glyph.
func (c *Client) reactions(ctx context.Context, path string) ([]Comment, error) {
	raw, err := paginate[ghReaction](ctx, c, path)
	if err != nil {
		return nil, err
	}
	var out []Comment
	for _, r := range raw {
		glyph, ok := reactionGlyphs[r.Content]
		if !ok {
			continue
		}
		out = append(out, Comment{
			ID:        "reaction-" + strconv.FormatInt(r.ID, 10),
			Author:    r.User.Login,
			Body:      glyph,
			CreatedAt: r.CreatedAt,
		})
	}
	return out, nil
}

// ListIssueResponses returns an issue's comments plus the 👍/👎 reactions on
// the issue and on each comment in reactionsOn. Reactions are rendered as
// comments whose body is the glyph. Sorted by time.
func (c *Client) ListIssueResponses(ctx context.Context, number int, reactionsOn ...string) ([]Comment, error) {
	comments, err := c.listComments(ctx, number)
	if err != nil {
		return nil, err
	}

	onIssue, err := c.reactions(ctx, fmt.Sprintf("repos/%s/issues/%d/reactions?per_page=100", c.Repo, number))
	if err != nil {
		return nil, fmt.Errorf("listing reactions on #%d: %w", number, err)
	}
	comments = append(comments, onIssue...)

	for _, id := range reactionsOn {
		onComment, err := c.reactions(ctx, fmt.Sprintf("repos/%s/issues/comments/%s/reactions?per_page=100", c.Repo, id))
		if err != nil {
			return nil, fmt.Errorf("listing reactions on comment %s of #%d: %w", id, number, err)
		}
		comments = append(comments, onComment...)
	}

	sort.SliceStable(comments, func(i, j int) bool {
		return comments[i].CreatedAt.Before(comments[j].CreatedAt)
	})
	return comments, nil
}

// UpdateBranch merges the base branch into the PR's head branch.
func (c *Client) UpdateBranch(ctx context.Context, number int) error {
	path := fmt.Sprintf("repos/%s/pulls/%d/update-branch", c.Repo, number)
	if _, err := c.api(ctx, "PUT", path, nil); err != nil {
		return fmt.Errorf("updating branch of #%d: %w", number, err)
	}
	return nil
}

// Merge lands a PR.
func (c *Client) Merge(ctx context.Context, number int, opts MergeOptions) error {
	args := []string{"pr", "merge", strconv.Itoa(number), "--repo", c.Repo}
	switch opts.Method {
	case MergeCommit:
		args = append(args, "--merge")
	default:
		args = append(args, "--squash")
	}
	if opts.Subject != "" {
		args = append(args, "--subject", opts.Subject)
	}
	if opts.Admin {
		args = append(args, "--admin")
	}
	if _, err := c.gh(ctx, nil, args...); err != nil {
		return fmt.Errorf("merging #%d: %w", number, err)
	}
	return nil
}

// DeleteBranch removes a branch ref.
func (c *Client) DeleteBranch(ctx context.Context, branch string) error {
	path := fmt.Sprintf("repos/%s/git/refs/heads/%s", c.Repo, escapeRef(branch))
	if _, err := c.api(ctx, "DELETE", path, nil); err != nil {
		return fmt.Errorf("deleting branch %s: %w", branch, err)
	}
	return nil
}

// BranchProtection returns the protection rules of branch. A branch without
// rules reads as unprotected, not as an error.
func (c *Client) BranchProtection(ctx context.Context, branch string) (*Protection, error) {
	path := fmt.Sprintf("repos/%s/branches/%s/protection", c.Repo, escapeRef(branch))
	out, err := c.api(ctx, "GET", path, nil)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return &Protection{}, nil
		}
		return nil, fmt.Errorf("reading protection of %s: %w", branch, err)
	}
	var raw struct {
		RequiredPullRequestReviews *struct {
			RequiredApprovingReviewCount int `json:"required_approving_review_count"`
		} `json:"required_pull_request_reviews"`
	}
	if err := json.Unmarshal(out, &raw); err != nil {
		return nil, fmt.Errorf("parsing protection of %s: %w", branch, err)
	}
	p := &Protection{Protected: true}
	if raw.RequiredPullRequestReviews != nil {
		p.RequiredApprovals = raw.RequiredPullRequestReviews.RequiredApprovingReviewCount
	}
	return p, nil
}

// RunStatus reads a workflow run.
func (c *Client) RunStatus(ctx context.Context, runID string) (*Run, error) {
	out, err := c.gh(ctx, nil, "run", "view", runID, "--repo", c.Repo, "--json", "databaseId,status,conclusion,workflowName")
	if err != nil {
		return nil, fmt.Errorf("reading run %s: %w", runID, err)
	}
	var raw struct {
		DatabaseID   int64  `json:"databaseId"`
		Status       string `json:"status"`
		Conclusion   string `json:"conclusion"`
		WorkflowName string `json:"workflowName"`
	}
	if err := json.Unmarshal(out, &raw); err != nil {
		return nil, fmt.Errorf("parsing run %s: %w", runID, err)
	}
	return &Run{
		ID:           strconv.FormatInt(raw.DatabaseID, 10),
		Status:       strings.ToLower(raw.Status),
		Conclusion:   strings.ToLower(raw.Conclusion),
		WorkflowName: raw.WorkflowName,
	}, nil
}

// TeamMembers lists the logins of an organization team in the repo's org.
func (c *Client) TeamMembers(ctx context.Context, team string) ([]string, error) {
	path := fmt.Sprintf("orgs/%s/teams/%s/members?per_page=100", c.Org(), team)
	raw, err := paginate[ghLogin](ctx, c, path)
	if err != nil {
		return nil, fmt.Errorf("listing members of %s: %w", team, err)
	}
	members := make([]string, 0, len(raw))
	for _, m := range raw {
		members = append(members, m.Login)
	}
	sort.Strings(members)
	return members, nil
}

// IsTeamMember reports whether login is an active member of team.
func (c *Client) IsTeamMember(ctx context.Context, team, login string) (bool, error) {
	path := fmt.Sprintf("orgs/%s/teams/%s/memberships/%s", c.Org(), team, login)
	out, err := c.api(ctx, "GET", path, nil)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("checking %s membership of %s: %w", login, team, err)
	}
	var raw struct {
		State string `json:"state"`
	}
	if err := json.Unmarshal(out, &raw); err != nil {
		return false, fmt.Errorf("parsing membership of %s: %w", login, err)
	}
	return raw.State == "active", nil
}

type ghIssue struct {
	Number    int       `json:"number"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	State     string    `json:"state"`
	User      ghLogin   `json:"user"`
	CreatedAt time.Time `json:"created_at"`
	Labels    []struct {
		Name string `json:"name"`
	} `json:"labels"`
	PullRequest *json.RawMessage `json:"pull_request"`
}

func (gi *ghIssue) toIssue() *Issue {
	issue := &Issue{
		Number:    gi.Number,
		Title:     gi.Title,
		Body:      gi.Body,
		State:     strings.ToLower(gi.State),
		Author:    gi.User.Login,
		CreatedAt: gi.CreatedAt,
	}
	for _, l := range gi.Labels {
		issue.Labels = append(issue.Labels, l.Name)
	}
	return issue
}

// ListIssues returns issues carrying label in the given state
// ("open", "closed" or "all"), oldest first.
func (c *Client) ListIssues(ctx context.Context, label, state string) ([]*Issue, error) {
	q := url.Values{}
	q.Set("labels", label)
	q.Set("state", state)
	q.Set("sort", "created")
	q.Set("direction", "asc")
	q.Set("per_page", "100")
	raw, err := paginate[ghIssue](ctx, c, fmt.Sprintf("repos/%s/issues?%s", c.Repo, q.Encode()))
	if err != nil {
		return nil, fmt.Errorf("listing %s issues: %w", label, err)
	}
	issues := make([]*Issue, 0, len(raw))
	for i := range raw {
		if raw[i].PullRequest != nil {
			continue
		}
		issues = append(issues, raw[i].toIssue())
	}
	return issues, nil
}

// CreateIssue opens an issue.
func (c *Client) CreateIssue(ctx context.Context, title, body string, labels []string) (*Issue, error) {
	req := map[string]any{"title": title, "body": body}
	if len(labels) > 0 {
		req["labels"] = labels
	}
	out, err := c.api(ctx, "POST", fmt.Sprintf("repos/%s/issues", c.Repo), req)
	if err != nil {
		return nil, fmt.Errorf("creating issue: %w", err)
	}
	var gi ghIssue
	if err := json.Unmarshal(out, &gi); err != nil {
		return nil, fmt.Errorf("parsing created issue: %w", err)
	}
	return gi.toIssue(), nil
}

// GetIssue fetches an issue.
func (c *Client) GetIssue(ctx context.Context, number int) (*Issue, error) {
	out, err := c.api(ctx, "GET", fmt.Sprintf("repos/%s/issues/%d", c.Repo, number), nil)
	if err != nil {
		return nil, fmt.Errorf("fetching issue #%d: %w", number, err)
	}
	var gi ghIssue
	if err := json.Unmarshal(out, &gi); err != nil {
		return nil, fmt.Errorf("parsing issue #%d: %w", number, err)
	}
	return gi.toIssue(), nil
}

// CloseIssue closes an issue, first posting comment when it is non-empty.
func (c *Client) CloseIssue(ctx context.Context, number int, comment string) error {
	if comment != "" {
		if _, err := c.comment(ctx, number, comment); err != nil {
			return err
		}
	}
	path := fmt.Sprintf("repos/%s/issues/%d", c.Repo, number)
	if _, err := c.api(ctx, "PATCH", path, map[string]string{"state": IssueClosed}); err != nil {
		return fmt.Errorf("closing issue #%d: %w", number, err)
	}
	return nil
}

// escapeRef escapes each path segment of a ref name.
func escapeRef(ref string) string {
	parts := strings.Split(ref, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return strings.Join(parts, "/")
}
