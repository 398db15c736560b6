// Package github talks to the hosting platform through the gh CLI.
package github

import (
	"strings"
	"time"
)

// PR states as reported by gh.
const (
	StateOpen   = "OPEN"
	StateClosed = "CLOSED"
	StateMerged = "MERGED"
)

// Mergeability values as reported by gh.
const (
	Mergeable   = "MERGEABLE"
	Conflicting = "CONFLICTING"
	Unknown     = "UNKNOWN"
)

// Workflow run status values.
const (
	RunQueued     = "queued"
	RunInProgress = "in_progress"
	RunCompleted  = "completed"
	RunSuccess    = "success"
)

// Issue states.
const (
	IssueOpen   = "open"
	IssueClosed = "closed"
)

// Check is one entry of a PR's status-check rollup, normalized so State
// holds the conclusion for check runs and the state for commit statuses.
type Check struct {
	Name  string
	State string
}

// Passing reports whether the check counts as green.
func (c Check) Passing() bool {
	switch strings.ToUpper(c.State) {
	case "SUCCESS", "NEUTRAL", "SKIPPED":
		return true
	}
	return false
}

// PullRequest is a snapshot of a PR. Fetch a fresh one before each decision.
type PullRequest struct {
	Number      int
	Title       string
	URL         string
	State       string
	BaseRefName string
	HeadRefName string
	Author      string
	Mergeable   string
	Approvals   int
	Checks      []Check
}

// FailingChecks returns "name:STATE" for every check that is not passing.
func (pr *PullRequest) FailingChecks() []string {
	var failing []string
	for _, c := range pr.Checks {
		if !c.Passing() {
			state := c.State
			if state == "" {
				state = "PENDING"
			}
			failing = append(failing, c.Name+":"+state)
		}
	}
	return failing
}

// Comment is an issue/PR comment or a reaction rendered as one.
type Comment struct {
	ID        string
	Author    string
	Body      string
	URL       string
	CreatedAt time.Time
}

// Issue is an issue record, used both for drain requests and tracking records.
type Issue struct {
	Number    int
	Title     string
	Body      string
	State     string
	Author    string
	Labels    []string
	CreatedAt time.Time
}

// HasLabel reports whether the issue carries label.
func (i *Issue) HasLabel(label string) bool {
	for _, l := range i.Labels {
		if l == label {
			return true
		}
	}
	return false
}

// Protection summarizes a branch's protection rules.
type Protection struct {
	Protected         bool
	RequiredApprovals int
}

// Run is a CI workflow run.
type Run struct {
	ID           string
	Status       string
	Conclusion   string
	WorkflowName string
}

// Completed reports whether the run reached a terminal status.
func (r *Run) Completed() bool {
	return r.Status == RunCompleted
}

// Succeeded reports whether the run completed successfully.
func (r *Run) Succeeded() bool {
	return r.Completed() && r.Conclusion == RunSuccess
}

// MergeMethod selects how a PR lands.
type MergeMethod string

const (
	MergeSquash MergeMethod = "squash"
	MergeCommit MergeMethod = "merge"
)

// MergeOptions controls a merge.
type MergeOptions struct {
	Method  MergeMethod
	Subject string
	Admin   bool
}
