package request

import (
	"errors"
	"reflect"
	"testing"
)

const formBody = `### PR Numbers

12, 15, #18

### Release PR (Optional)

` + "`99`" + `

### Required Approvals Override (Optional)

_No response_

### Summary

Weekly batch.
Includes the logging fixes.
`

func TestParse_IssueForm(t *testing.T) {
	req, err := Parse(7, formBody)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if req.ID != 7 {
		t.Errorf("ID = %d, want 7", req.ID)
	}
	if !reflect.DeepEqual(req.PRs, []int{12, 15, 18}) {
		t.Errorf("PRs = %v", req.PRs)
	}
	if req.ReleasePR != 99 || !req.HasRelease() {
		t.Errorf("ReleasePR = %d, want 99", req.ReleasePR)
	}
	if req.RequiredApprovals != 0 {
		t.Errorf("RequiredApprovals = %d, want no override", req.RequiredApprovals)
	}
	if req.Summary != "Weekly batch.\nIncludes the logging fixes." {
		t.Errorf("Summary = %q", req.Summary)
	}
}

func TestParse_Legacy(t *testing.T) {
	body := "Please merge these.\nPR Numbers: 5, 2, 9\nRelease PR: none\nRequired Approvals Override: 2\n"
	req, err := Parse(3, body)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if !reflect.DeepEqual(req.PRs, []int{5, 2, 9}) {
		t.Errorf("PRs = %v, want listed order", req.PRs)
	}
	if !reflect.DeepEqual(req.Sorted(), []int{2, 5, 9}) {
		t.Errorf("Sorted = %v", req.Sorted())
	}
	if req.HasRelease() {
		t.Errorf("expected no release PR, got %d", req.ReleasePR)
	}
	if req.RequiredApprovals != 2 {
		t.Errorf("RequiredApprovals = %d, want 2", req.RequiredApprovals)
	}
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name string
		id   int
		body string
		want error
	}{
		{"empty body", 1, "", ErrNoPRs},
		{"placeholder only", 1, "### PR Numbers\n\n_No response_\n", ErrNoPRs},
		{"letters", 1, "PR Numbers: 12, abc", ErrMalformedPRList},
		{"duplicate", 1, "PR Numbers: 12, 15, #12", ErrDuplicatePR},
		{"zero", 1, "PR Numbers: 0, 4", ErrNonPositive},
		{"bad release", 1, "PR Numbers: 4\nRelease PR: soon", ErrInvalidReleasePR},
		{"release in batch", 1, "PR Numbers: 4, 5\nRelease PR: 5", ErrReleasePRInBatch},
		{"zero approvals", 1, "PR Numbers: 4\nRequired Approvals Override: 0", ErrInvalidApprovals},
		{"negative approvals", 1, "PR Numbers: 4\nRequired Approvals Override: -1", ErrInvalidApprovals},
		{"no identifier", 0, "PR Numbers: 4", ErrMissingIdentifier},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.id, tt.body)
			if !errors.Is(err, tt.want) {
				t.Errorf("Parse error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestParse_StripsMarkdown(t *testing.T) {
	req, err := Parse(1, "### PR Numbers\n**`101`**,  `102`\n")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if !reflect.DeepEqual(req.PRs, []int{101, 102}) {
		t.Errorf("PRs = %v", req.PRs)
	}
}

func TestFormatPRs(t *testing.T) {
	if got := FormatPRs([]int{1, 2}); got != "#1, #2" {
		t.Errorf("FormatPRs = %q", got)
	}
	if got := FormatPRs(nil); got != "" {
		t.Errorf("FormatPRs(nil) = %q", got)
	}
}

func TestIsActivation(t *testing.T) {
	if !IsActivation("  Begin-Merge \n", "begin-merge") {
		t.Error("expected case-insensitive match")
	}
	if IsActivation("please begin-merge now", "begin-merge") {
		t.Error("phrase must be the whole comment")
	}
}
