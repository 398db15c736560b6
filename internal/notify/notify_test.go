package notify

import (
	"context"
	"errors"
	"io"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/xcawolfe-amzn/mergequeue/internal/github"
	"github.com/xcawolfe-amzn/mergequeue/internal/github/ghtest"
	"github.com/xcawolfe-amzn/mergequeue/internal/refinery"
	"github.com/xcawolfe-amzn/mergequeue/internal/validate"
)

func newTestNotifier(t *testing.T, hub *ghtest.Hub) *Notifier {
	t.Helper()
	n, err := New(hub, Config{
		Repository:       "acme/widgets",
		TargetBranch:     "main",
		ActivationPhrase: "begin-merge",
		StartupTimeout:   5 * time.Minute,
		RunTimeout:       45 * time.Minute,
	}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	n.SetOutput(io.Discard)
	return n
}

func TestNotify_TemplatesAndResync(t *testing.T) {
	hub := ghtest.NewHub()
	for _, n := range []int{3, 10, 11, 12, 13, 14} {
		hub.AddPR(github.PullRequest{Number: n})
	}

	verdicts := []*validate.Verdict{
		{PR: 3, Author: "eve", Required: 2, Approvals: 1, Failures: []validate.Failure{
			{Predicate: validate.PredicateApprovals, Reason: "Has 1 approvals, but 2 are required"},
		}},
		{PR: 11, Author: "ann"},
	}
	outcomes := []*refinery.Outcome{
		{PR: 10, Author: "ann", Phase: refinery.PhaseCIFailed, RunID: "5001"},
		{PR: 11, Author: "ann", Phase: refinery.PhaseMerged},
		{PR: 12, Author: "bob", Phase: refinery.PhaseUpdateFailed, Reason: "conflict"},
		{PR: 13, Author: "cal", Phase: refinery.PhaseCIRunTimeout},
		{PR: 14, Author: "dee", Phase: refinery.PhaseMergeFailed},
	}

	report, err := newTestNotifier(t, hub).Notify(context.Background(), "carol", verdicts, outcomes)
	if err != nil {
		t.Fatalf("Notify: %v", err)
	}

	want := map[int]Kind{3: KindUnmergeable, 10: KindCIFailed, 12: KindUpdateFailed, 13: KindCIRunTimeout, 14: KindMergeFailed}
	if !reflect.DeepEqual(report.Notified, want) {
		t.Errorf("Notified = %v", report.Notified)
	}
	if !reflect.DeepEqual(report.Resynced, []int{10, 13, 14}) {
		t.Errorf("Resynced = %v, want [10 13 14]", report.Resynced)
	}

	unmergeable := hub.CommentsContaining(3, "Validation Failed")
	if len(unmergeable) != 1 {
		t.Fatalf("expected one validation notice, got %d", len(unmergeable))
	}
	for _, s := range []string{"@eve @carol", "2 are required", "Get at least 2 approval(s) (currently 1)"} {
		if !strings.Contains(unmergeable[0], s) {
			t.Errorf("validation notice missing %q:\n%s", s, unmergeable[0])
		}
	}

	ci := hub.CommentsContaining(10, "CI Failed")
	if len(ci) != 1 || !strings.Contains(ci[0], "https://github.com/acme/widgets/actions/runs/5001") {
		t.Errorf("CI notice = %v", ci)
	}
	if len(hub.CommentsContaining(13, "45m0s")) != 1 {
		t.Error("run timeout notice should state the timeout")
	}
	if len(hub.Comments(11)) != 0 {
		t.Error("merged PR should get no notice")
	}

	for _, c := range hub.Calls() {
		if c == "UpdateBranch #3" || c == "UpdateBranch #12" {
			t.Errorf("unexpected re-sync: %s", c)
		}
	}
}

func TestNotify_ResyncFailureIsRecorded(t *testing.T) {
	hub := ghtest.NewHub()
	hub.AddPR(github.PullRequest{Number: 10, Mergeable: github.Conflicting})

	report, err := newTestNotifier(t, hub).Notify(context.Background(), "", nil, []*refinery.Outcome{
		{PR: 10, Author: "ann", Phase: refinery.PhaseMergeFailed},
	})
	if err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if !reflect.DeepEqual(report.ResyncFailed, []int{10}) || len(report.Resynced) != 0 {
		t.Errorf("report = %+v", report)
	}
}

func TestNotify_FatalErrorPropagates(t *testing.T) {
	hub := ghtest.NewHub()
	hub.AddPR(github.PullRequest{Number: 10})
	hub.Fail("CommentPR #10", &github.CommandError{Args: []string{"api"}, Kind: github.ErrUnauthorized})

	_, err := newTestNotifier(t, hub).Notify(context.Background(), "carol", nil, []*refinery.Outcome{
		{PR: 10, Phase: refinery.PhaseCIFailed},
	})
	if !errors.Is(err, github.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestNotifyRelease(t *testing.T) {
	hub := ghtest.NewHub()
	n := newTestNotifier(t, hub)

	if err := n.NotifyRelease(context.Background(), 99, "rel", "carol", errors.New("checks missing")); err != nil {
		t.Fatalf("NotifyRelease: %v", err)
	}
	got := hub.CommentsContaining(99, "Release PR Merge Failed")
	if len(got) != 1 {
		t.Fatalf("expected one release notice, got %d", len(got))
	}
	for _, s := range []string{"@rel @carol", "checks missing", "begin-merge"} {
		if !strings.Contains(got[0], s) {
			t.Errorf("release notice missing %q:\n%s", s, got[0])
		}
	}
}

func TestNotifyDuplicateAndParseError(t *testing.T) {
	hub := ghtest.NewHub()
	n := newTestNotifier(t, hub)

	if err := n.NotifyDuplicate(context.Background(), 1, 12); err != nil {
		t.Fatalf("NotifyDuplicate: %v", err)
	}
	dup := hub.CommentsContaining(1, "Already Running")
	if len(dup) != 1 || !strings.Contains(dup[0], "tracking issue #12") || !strings.Contains(dup[0], "mq lock release 1") {
		t.Errorf("duplicate notice = %v", dup)
	}

	if err := n.NotifyParseError(context.Background(), 1, errors.New("duplicate PR number #4")); err != nil {
		t.Fatalf("NotifyParseError: %v", err)
	}
	parse := hub.CommentsContaining(1, "Could Not Be Parsed")
	if len(parse) != 1 || !strings.Contains(parse[0], "duplicate PR number #4") || !strings.Contains(parse[0], "Common issues") {
		t.Errorf("parse notice = %v", parse)
	}
}

func TestMentions(t *testing.T) {
	tests := []struct {
		in   []string
		want string
	}{
		{[]string{"ann", "bob"}, "@ann @bob"},
		{[]string{"ann", "ann"}, "@ann"},
		{[]string{"", "@bob"}, "@bob"},
		{nil, ""},
	}
	for _, tt := range tests {
		if got := Mentions(tt.in...); got != tt.want {
			t.Errorf("Mentions(%v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestKind(t *testing.T) {
	if k, ok := KindOf(refinery.PhaseMerged); ok {
		t.Errorf("MERGED maps to %s", k)
	}
	if k, _ := KindOf(refinery.PhaseCIStartTimeout); k != KindCIStartTimeout || !k.Resyncs() {
		t.Errorf("start timeout kind = %s", k)
	}
	if KindUpdateFailed.Resyncs() || KindUnmergeable.Resyncs() {
		t.Error("update failures and validation failures are not re-synced")
	}
}
