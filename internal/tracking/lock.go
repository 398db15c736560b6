// Package tracking implements the drain lock: one tracking record per request.
package tracking

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/xcawolfe-amzn/mergequeue/internal/github"
	"github.com/xcawolfe-amzn/mergequeue/internal/request"
)

// Labels carried by every tracking record.
const (
	LockLabel       = "distributed-lock"
	AutomationLabel = "automation"
)

// TitlePrefix starts every tracking record title.
const TitlePrefix = "[MERGE QUEUE TRACKING] Issue #"

// ErrLockConflict means another drain already holds the lock for the request.
var ErrLockConflict = errors.New("merge queue already running for this request")

// State of a tracking record.
type State string

const (
	StateActive   State = "ACTIVE"
	StateReleased State = "RELEASED"
)

// Status explains why a lock was released.
type Status string

const (
	StatusCompleted Status = "completed"
	StatusRejected  Status = "rejected"
	StatusTimeout   Status = "timeout"
	StatusFailed    Status = "failed"
	StatusAborted   Status = "aborted"
)

// Emoji returns the glyph shown next to a status.
func (s Status) Emoji() string {
	switch s {
	case StatusCompleted:
		return "✅"
	case StatusRejected:
		return "❌"
	case StatusTimeout:
		return "⏰"
	case StatusFailed:
		return "💥"
	}
	return "🔄"
}

// Lock is a tracking record seen as a lock.
type Lock struct {
	RequestID int
	RecordID  int
	Title     string
	Holder    string
	State     State
	CreatedAt time.Time
	PRs       []int
	ReleasePR int
}

// Active reports whether the lock is still held.
func (l *Lock) Active() bool {
	return l != nil && l.State == StateActive
}

// ConflictError reports the record that already holds a request's lock.
type ConflictError struct {
	Existing *Lock
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%v: tracking record #%d", ErrLockConflict, e.Existing.RecordID)
}

// Is makes errors.Is(err, ErrLockConflict) match.
func (e *ConflictError) Is(target error) bool {
	return target == ErrLockConflict
}

// Title returns the tracking record title for a request.
func Title(requestID int) string {
	return fmt.Sprintf("%s%d - Auto Merge In Progress", TitlePrefix, requestID)
}

// MatchesRequest reports whether a record title belongs to requestID.
// "#1" must not match "#12", so the number has to end at a space or the end.
func MatchesRequest(title string, requestID int) bool {
	prefix := TitlePrefix + strconv.Itoa(requestID)
	if !strings.HasPrefix(title, prefix) {
		return false
	}
	rest := title[len(prefix):]
	return rest == "" || rest[0] == ' '
}

// FormatBody renders the record body. Metadata lines use "Key: value" so
// ParseBody can read them back.
func FormatBody(req *request.Request, holder string, startedAt time.Time) string {
	var lines []string
	lines = append(lines, "🚀 **Merge Queue Tracking Record**")
	lines = append(lines, "")
	lines = append(lines, "This record holds the merge queue lock for its request. Do not close it by hand while a drain is running.")
	lines = append(lines, "")
	lines = append(lines, fmt.Sprintf("Original Issue: #%d", req.ID))
	lines = append(lines, fmt.Sprintf("PR Numbers: %s", request.FormatPRs(req.PRs)))
	if req.HasRelease() {
		lines = append(lines, fmt.Sprintf("Release PR: #%d", req.ReleasePR))
	}
	lines = append(lines, fmt.Sprintf("Holder: %s", holder))
	lines = append(lines, fmt.Sprintf("Started: %s", startedAt.UTC().Format(time.RFC3339)))
	lines = append(lines, "Status: 🔄 In Progress")
	return strings.Join(lines, "\n")
}

// FromIssue reads a tracking record back into a Lock.
func FromIssue(issue *github.Issue) *Lock {
	l := &Lock{
		RecordID:  issue.Number,
		Title:     issue.Title,
		State:     StateActive,
		CreatedAt: issue.CreatedAt,
	}
	if issue.State == github.IssueClosed {
		l.State = StateReleased
	}
	if strings.HasPrefix(issue.Title, TitlePrefix) {
		rest := issue.Title[len(TitlePrefix):]
		if i := strings.IndexByte(rest, ' '); i >= 0 {
			rest = rest[:i]
		}
		l.RequestID, _ = strconv.Atoi(rest)
	}

	for _, line := range strings.Split(issue.Body, "\n") {
		key, value, ok := strings.Cut(strings.TrimSpace(line), ":")
		if !ok {
			continue
		}
		value = strings.TrimSpace(value)
		switch strings.ToLower(strings.TrimSpace(key)) {
		case "pr numbers":
			for _, part := range strings.Split(value, ",") {
				if n, err := strconv.Atoi(strings.TrimPrefix(strings.TrimSpace(part), "#")); err == nil {
					l.PRs = append(l.PRs, n)
				}
			}
		case "release pr":
			l.ReleasePR, _ = strconv.Atoi(strings.TrimPrefix(value, "#"))
		case "holder":
			l.Holder = value
		case "started":
			if t, err := time.Parse(time.RFC3339, value); err == nil {
				l.CreatedAt = t
			}
		}
	}
	return l
}

// completionComment is posted on the record when it is released.
func completionComment(status Status, detail string) string {
	var sb strings.Builder
	title := strings.ToUpper(string(status[:1])) + string(status[1:])
	fmt.Fprintf(&sb, "%s **Merge Queue Process %s**\n\n", status.Emoji(), title)
	fmt.Fprintf(&sb, "The merge queue process ended with status `%s`.\n\n", status)
	if detail != "" {
		sb.WriteString(detail)
		sb.WriteString("\n\n")
	}
	sb.WriteString("This tracking record is now being closed automatically.")
	return sb.String()
}
