// Package summary aggregates a drain into one report and publishes it.
package summary

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/xcawolfe-amzn/mergequeue/internal/refinery"
	"github.com/xcawolfe-amzn/mergequeue/internal/request"
	"github.com/xcawolfe-amzn/mergequeue/internal/style"
	"github.com/xcawolfe-amzn/mergequeue/internal/validate"
)

// Bucket is a terminal outcome category.
type Bucket string

const (
	BucketMerged       Bucket = "merged"
	BucketUnmergeable  Bucket = "unmergeable"
	BucketUpdateFailed Bucket = "update_failed"
	BucketCIFailed     Bucket = "ci_failed"
	BucketCITimeout    Bucket = "ci_timeout"
	BucketMergeFailed  Bucket = "merge_failed"
)

// failureBuckets in report order, with their headings.
var failureBuckets = []struct {
	bucket  Bucket
	heading string
}{
	{BucketUnmergeable, "Validation Failed"},
	{BucketUpdateFailed, "Branch Update Failed"},
	{BucketCIFailed, "CI Failed"},
	{BucketCITimeout, "CI Timeout"},
	{BucketMergeFailed, "Merge Failed"},
}

// BucketOf maps a terminal phase onto its bucket.
func BucketOf(p refinery.Phase) Bucket {
	switch p {
	case refinery.PhaseMerged:
		return BucketMerged
	case refinery.PhaseUpdateFailed:
		return BucketUpdateFailed
	case refinery.PhaseCIFailed:
		return BucketCIFailed
	case refinery.PhaseCIStartTimeout, refinery.PhaseCIRunTimeout:
		return BucketCITimeout
	}
	return BucketMergeFailed
}

// Entry is one PR in a bucket.
type Entry struct {
	PR     int
	Title  string
	Author string
	Detail string
}

// Release is what happened to the release PR, if any.
type Release struct {
	PR     int
	Merged bool
	Err    string
}

// Summary is an immutable snapshot of a finished drain.
type Summary struct {
	RequestID      int
	TotalRequested int
	Processed      int
	Release        *Release

	Buckets map[Bucket][]Entry
}

// Build aggregates the drain. It does no I/O and the same input always
// produces the same Summary.
func Build(req *request.Request, verdicts []*validate.Verdict, outcomes []*refinery.Outcome, release *Release) *Summary {
	s := &Summary{
		RequestID:      req.ID,
		TotalRequested: len(req.PRs),
		Processed:      len(outcomes),
		Release:        release,
		Buckets:        make(map[Bucket][]Entry),
	}

	for _, v := range verdicts {
		if v == nil || v.Mergeable() {
			continue
		}
		s.Buckets[BucketUnmergeable] = append(s.Buckets[BucketUnmergeable], Entry{
			PR:     v.PR,
			Title:  v.Title,
			Author: v.Author,
			Detail: strings.Join(v.Reasons(), "; "),
		})
	}
	for _, o := range outcomes {
		if !o.Phase.Terminal() {
			continue
		}
		b := BucketOf(o.Phase)
		e := Entry{PR: o.PR, Title: o.Title, Author: o.Author, Detail: o.Reason}
		if b == BucketCITimeout {
			e.Detail = strings.TrimSpace(string(o.Phase) + " " + o.Reason)
		}
		s.Buckets[b] = append(s.Buckets[b], e)
	}
	for b := range s.Buckets {
		entries := s.Buckets[b]
		sort.Slice(entries, func(i, j int) bool { return entries[i].PR < entries[j].PR })
	}
	return s
}

// Count returns the size of bucket b.
func (s *Summary) Count(b Bucket) int {
	return len(s.Buckets[b])
}

// PRs returns the PR numbers in bucket b.
func (s *Summary) PRs(b Bucket) []int {
	out := make([]int, 0, len(s.Buckets[b]))
	for _, e := range s.Buckets[b] {
		out = append(out, e.PR)
	}
	return out
}

// Failed counts every non-merged PR, validation failures included.
func (s *Summary) Failed() int {
	n := 0
	for _, fb := range failureBuckets {
		n += s.Count(fb.bucket)
	}
	return n
}

// ShouldClose reports whether the originating request is closed after
// publishing: only when PRs were requested and at least one was processed.
func (s *Summary) ShouldClose() bool {
	return s.TotalRequested > 0 && s.Processed > 0
}

// Markdown renders the report posted to the originating request.
func (s *Summary) Markdown() string {
	var sb strings.Builder

	sb.WriteString("## 📊 Merge Queue Summary\n\n")
	sb.WriteString("### Overview\n\n")
	fmt.Fprintf(&sb, "- **Total PRs requested:** %d\n", s.TotalRequested)
	fmt.Fprintf(&sb, "- **Processed:** %d\n", s.Processed)
	fmt.Fprintf(&sb, "- **Successfully merged:** %d\n", s.Count(BucketMerged))
	fmt.Fprintf(&sb, "- **Failed:** %d\n", s.Failed())
	if r := s.Release; r != nil {
		if r.Merged {
			fmt.Fprintf(&sb, "- **Release PR:** #%d merged\n", r.PR)
		} else {
			fmt.Fprintf(&sb, "- **Release PR:** #%d failed: %s\n", r.PR, r.Err)
		}
	}

	if merged := s.Buckets[BucketMerged]; len(merged) > 0 {
		sb.WriteString("\n### ✅ Successfully Merged\n\n")
		for _, e := range merged {
			fmt.Fprintf(&sb, "- #%d %s%s\n", e.PR, e.Title, byAuthor(e.Author))
		}
	}

	if s.Failed() > 0 {
		sb.WriteString("\n### ❌ Failed by Category\n")
		for _, fb := range failureBuckets {
			entries := s.Buckets[fb.bucket]
			if len(entries) == 0 {
				continue
			}
			fmt.Fprintf(&sb, "\n**%s (%d)**\n", fb.heading, len(entries))
			for _, e := range entries {
				fmt.Fprintf(&sb, "- #%d%s", e.PR, byAuthor(e.Author))
				if e.Detail != "" {
					fmt.Fprintf(&sb, ": %s", e.Detail)
				}
				sb.WriteString("\n")
			}
		}
	}

	sb.WriteString("\n---\n")
	if s.ShouldClose() {
		sb.WriteString("_This request will now be closed._\n")
	} else {
		sb.WriteString("_This request stays open because no PRs were processed._\n")
	}
	return sb.String()
}

func byAuthor(author string) string {
	if author == "" {
		return ""
	}
	return " (@" + author + ")"
}

// Table renders the report for a terminal.
func (s *Summary) Table() string {
	t := style.NewTable(
		style.Column{Name: "PR", Width: 7, Align: style.AlignRight},
		style.Column{Name: "RESULT", Width: 16},
		style.Column{Name: "AUTHOR", Width: 16},
		style.Column{Name: "DETAIL", Width: 60},
	)

	type row struct {
		bucket Bucket
		entry  Entry
	}
	var rows []row
	for b, entries := range s.Buckets {
		for _, e := range entries {
			rows = append(rows, row{b, e})
		}
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].entry.PR < rows[j].entry.PR })

	for _, r := range rows {
		var result string
		if r.bucket == BucketMerged {
			result = style.Success.Render(style.IconOK + " merged")
		} else {
			result = style.Error.Render(style.IconFail + " " + string(r.bucket))
		}
		t.AddRow("#"+strconv.Itoa(r.entry.PR), result, r.entry.Author, r.entry.Detail)
	}

	header := fmt.Sprintf("%s %d/%d merged, %d failed\n\n",
		style.Bold.Render(fmt.Sprintf("Request #%d:", s.RequestID)),
		s.Count(BucketMerged), s.TotalRequested, s.Failed())
	return header + t.Render()
}
