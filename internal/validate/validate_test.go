package validate

import (
	"context"
	"errors"
	"io"
	"reflect"
	"testing"

	"github.com/xcawolfe-amzn/mergequeue/internal/github"
	"github.com/xcawolfe-amzn/mergequeue/internal/github/ghtest"
)

func newTestValidator(hub *ghtest.Hub) *Validator {
	v := New(hub, Config{TargetBranch: "main", MinApprovals: 1}, nil)
	v.SetOutput(io.Discard)
	return v
}

func green() []github.Check {
	return []github.Check{{Name: "test", State: "SUCCESS"}, {Name: "docs", State: "SKIPPED"}}
}

func seed(hub *ghtest.Hub) {
	hub.SetProtection("main", github.Protection{Protected: true, RequiredApprovals: 2})
	hub.AddPR(github.PullRequest{Number: 9, Author: "ann", Approvals: 2, Checks: green()})
	hub.AddPR(github.PullRequest{Number: 2, Author: "ben", Approvals: 3, Checks: green(), Mergeable: github.Unknown})
	hub.AddPR(github.PullRequest{Number: 5, Author: "cal", Approvals: 1, Checks: green()})
	hub.AddPR(github.PullRequest{Number: 7, Author: "dee", Approvals: 2, BaseRefName: "develop", Mergeable: github.Conflicting,
		Checks: []github.Check{{Name: "test", State: "FAILURE"}, {Name: "lint", State: ""}}})
	hub.AddPR(github.PullRequest{Number: 3, Author: "eli", State: github.StateMerged, Approvals: 2})
}

func TestValidate_Partitions(t *testing.T) {
	hub := ghtest.NewHub()
	seed(hub)

	result, err := newTestValidator(hub).Validate(context.Background(), []int{9, 2, 5, 7, 3, 404}, 0)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if result.RequiredApprovals != 2 {
		t.Errorf("RequiredApprovals = %d, want 2", result.RequiredApprovals)
	}
	if !reflect.DeepEqual(result.Mergeable, []int{2, 9}) {
		t.Errorf("Mergeable = %v, want [2 9]", result.Mergeable)
	}
	if !reflect.DeepEqual(result.Unmergeable, []int{3, 5, 7, 404}) {
		t.Errorf("Unmergeable = %v, want [3 5 7 404]", result.Unmergeable)
	}
	if len(result.Mergeable)+len(result.Unmergeable) != 6 {
		t.Error("every PR must land in exactly one list")
	}

	v5 := result.Verdict(5)
	if !v5.Failed(PredicateApprovals) || len(v5.Failures) != 1 {
		t.Errorf("#5 failures = %+v", v5.Failures)
	}

	v7 := result.Verdict(7)
	for _, p := range []Predicate{PredicateTarget, PredicateConflicts, PredicateChecks} {
		if !v7.Failed(p) {
			t.Errorf("#7 should fail %s", p)
		}
	}
	if v7.Failed(PredicateApprovals) {
		t.Error("#7 has enough approvals")
	}
	if !reflect.DeepEqual(v7.FailingChecks, []string{"test:FAILURE", "lint:PENDING"}) {
		t.Errorf("#7 failing checks = %v", v7.FailingChecks)
	}
	if !errors.Is(v7.Err(), ErrValidationFailure) {
		t.Errorf("Err() = %v", v7.Err())
	}

	v3 := result.Verdict(3)
	if !v3.Failed(PredicateOpen) || len(v3.Failures) != 1 {
		t.Errorf("#3 failures = %+v", v3.Failures)
	}
	if !result.Verdict(404).Failed(PredicateLookup) {
		t.Error("#404 should fail lookup")
	}
	if result.Verdict(2).Err() != nil {
		t.Error("#2 with UNKNOWN mergeability should proceed")
	}
}

func TestValidate_Deterministic(t *testing.T) {
	hub := ghtest.NewHub()
	seed(hub)
	v := newTestValidator(hub)

	first, err := v.Validate(context.Background(), []int{9, 2, 5, 7, 3}, 0)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	for i := 0; i < 3; i++ {
		again, err := v.Validate(context.Background(), []int{7, 3, 9, 5, 2}, 0)
		if err != nil {
			t.Fatalf("Validate: %v", err)
		}
		if !reflect.DeepEqual(first.Mergeable, again.Mergeable) || !reflect.DeepEqual(first.Unmergeable, again.Unmergeable) {
			t.Fatalf("run %d differs: %v/%v vs %v/%v", i, again.Mergeable, again.Unmergeable, first.Mergeable, first.Unmergeable)
		}
		for n, verdict := range first.Verdicts {
			if !reflect.DeepEqual(verdict.Failures, again.Verdicts[n].Failures) {
				t.Errorf("run %d: #%d failures differ", i, n)
			}
		}
	}
}

func TestValidate_OverrideWins(t *testing.T) {
	hub := ghtest.NewHub()
	seed(hub)

	result, err := newTestValidator(hub).Validate(context.Background(), []int{5, 9}, 1)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if !reflect.DeepEqual(result.Mergeable, []int{5, 9}) {
		t.Errorf("Mergeable = %v, want [5 9]", result.Mergeable)
	}
	for _, c := range hub.Calls() {
		if c == "BranchProtection main" {
			t.Error("protection should not be read when overridden")
		}
	}
}

func TestValidate_ProtectionLookupFailsClosed(t *testing.T) {
	hub := ghtest.NewHub()
	seed(hub)
	hub.Fail("BranchProtection main", errors.New("HTTP 500"))

	result, err := newTestValidator(hub).Validate(context.Background(), []int{2, 9}, 0)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if len(result.Mergeable) != 0 {
		t.Errorf("Mergeable = %v, want none", result.Mergeable)
	}
	if result.ProtectionErr == nil {
		t.Error("ProtectionErr should be recorded")
	}
	for _, n := range []int{2, 9} {
		if !result.Verdict(n).Failed(PredicateApprovals) {
			t.Errorf("#%d should fail approvals", n)
		}
	}
}

func TestValidate_UnprotectedUsesMinimum(t *testing.T) {
	hub := ghtest.NewHub()
	hub.AddPR(github.PullRequest{Number: 1, Approvals: 1})
	hub.AddPR(github.PullRequest{Number: 2, Approvals: 0})

	result, err := newTestValidator(hub).Validate(context.Background(), []int{1, 2}, 0)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if result.RequiredApprovals != 1 {
		t.Errorf("RequiredApprovals = %d, want 1", result.RequiredApprovals)
	}
	if !reflect.DeepEqual(result.Mergeable, []int{1}) || !reflect.DeepEqual(result.Unmergeable, []int{2}) {
		t.Errorf("partition = %v / %v", result.Mergeable, result.Unmergeable)
	}
}

func TestValidate_ProtectedFloor(t *testing.T) {
	hub := ghtest.NewHub()
	hub.SetProtection("main", github.Protection{Protected: true, RequiredApprovals: 0})
	v := New(hub, Config{TargetBranch: "main", MinApprovals: 2}, nil)

	got, err := v.RequiredApprovals(context.Background(), 0)
	if err != nil {
		t.Fatalf("RequiredApprovals: %v", err)
	}
	if got != 2 {
		t.Errorf("RequiredApprovals = %d, want floor of 2", got)
	}
}

func TestValidate_FatalErrorPropagates(t *testing.T) {
	hub := ghtest.NewHub()
	seed(hub)
	hub.Fail("GetPR #9", &github.CommandError{Args: []string{"pr", "view"}, Kind: github.ErrUnavailable})

	_, err := newTestValidator(hub).Validate(context.Background(), []int{2, 9}, 0)
	if !errors.Is(err, github.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}
