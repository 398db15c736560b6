// Package request parses drain requests out of issue bodies.
//
// Two layouts are accepted. Issue-form bodies put each field under a
// "### <Field>" header:
//
//	### PR Numbers
//	12, 15, #18
//
//	### Release PR (Optional)
//	_No response_
//
// Legacy bodies use one "Field: value" line per field:
//
//	PR Numbers: 12,15,18
//	Release PR: 99
package request

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
)

var (
	ErrNoPRs             = errors.New("could not extract PR numbers")
	ErrMalformedPRList   = errors.New("PR numbers must be comma-separated digits")
	ErrDuplicatePR       = errors.New("duplicate PR number")
	ErrNonPositive       = errors.New("PR numbers must be positive")
	ErrInvalidReleasePR  = errors.New("invalid release PR")
	ErrInvalidApprovals  = errors.New("required approvals override must be a positive integer")
	ErrReleasePRInBatch  = errors.New("release PR is also listed as a PR to merge")
	ErrMissingIdentifier = errors.New("request identifier must be positive")
)

// Field names, matched case-insensitively as header or line prefixes.
const (
	fieldPRNumbers = "pr numbers"
	fieldReleasePR = "release pr"
	fieldApprovals = "required approvals override"
	fieldSummary   = "summary"
)

// noResponse is the placeholder issue forms put under empty optional fields.
const noResponse = "_no response_"

// Request is an accepted drain request. It is not modified after Parse.
type Request struct {
	// ID is the number of the originating issue.
	ID int

	// PRs in the order they were listed.
	PRs []int

	// ReleasePR is merged before the batch; zero means none.
	ReleasePR int

	// RequiredApprovals overrides the branch-protection count; zero means no override.
	RequiredApprovals int

	Summary     string
	Requester   string
	TriggeredAt time.Time
}

// HasRelease reports whether the request names a release PR.
func (r *Request) HasRelease() bool {
	return r.ReleasePR > 0
}

// Sorted returns the PR numbers in ascending order.
func (r *Request) Sorted() []int {
	out := append([]int(nil), r.PRs...)
	sort.Ints(out)
	return out
}

// FormatPRs renders numbers as "#1, #2".
func FormatPRs(numbers []int) string {
	parts := make([]string, len(numbers))
	for i, n := range numbers {
		parts[i] = "#" + strconv.Itoa(n)
	}
	return strings.Join(parts, ", ")
}

// Parse extracts a Request from an issue body.
func Parse(id int, body string) (*Request, error) {
	if id <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrMissingIdentifier, id)
	}

	raw := extractFields(body)

	prField := clean(raw[fieldPRNumbers])
	if prField == "" {
		return nil, ErrNoPRs
	}
	prs, err := parseNumberList(prField)
	if err != nil {
		return nil, err
	}

	req := &Request{
		ID:      id,
		PRs:     prs,
		Summary: raw[fieldSummary],
	}

	if v := clean(raw[fieldReleasePR]); v != "" {
		n, err := parseNumber(v)
		if err != nil {
			return nil, fmt.Errorf("%w: %q", ErrInvalidReleasePR, v)
		}
		for _, pr := range prs {
			if pr == n {
				return nil, fmt.Errorf("%w: #%d", ErrReleasePRInBatch, n)
			}
		}
		req.ReleasePR = n
	}

	if v := clean(raw[fieldApprovals]); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("%w: %q", ErrInvalidApprovals, v)
		}
		req.RequiredApprovals = n
	}

	return req, nil
}

// extractFields maps each known field to its raw value. Header sections take
// the first non-empty line under the header; legacy lines take the text after
// the colon. The summary keeps every line of its section.
func extractFields(body string) map[string]string {
	fields := make(map[string]string)
	var section string
	var summary []string

	for _, line := range strings.Split(strings.ReplaceAll(body, "\r\n", "\n"), "\n") {
		trimmed := strings.TrimSpace(line)

		if strings.HasPrefix(trimmed, "###") {
			section = matchField(strings.TrimSpace(strings.TrimLeft(trimmed, "#")))
			continue
		}

		if key, value, ok := strings.Cut(trimmed, ":"); ok && section != fieldSummary {
			if name := matchField(key); name != "" && name == strings.ToLower(strings.TrimSpace(key)) {
				if _, seen := fields[name]; !seen && !isEmptyValue(value) {
					fields[name] = strings.TrimSpace(value)
				}
				continue
			}
		}

		if section == "" || isEmptyValue(trimmed) {
			continue
		}
		if section == fieldSummary {
			summary = append(summary, trimmed)
			continue
		}
		if _, seen := fields[section]; !seen {
			fields[section] = trimmed
		}
	}

	if len(summary) > 0 {
		fields[fieldSummary] = strings.Join(summary, "\n")
	}
	return fields
}

// matchField returns the field a header or key names, or "".
func matchField(header string) string {
	h := strings.ToLower(header)
	for _, name := range []string{fieldApprovals, fieldPRNumbers, fieldReleasePR, fieldSummary} {
		if strings.HasPrefix(h, name) {
			return name
		}
	}
	return ""
}

func isEmptyValue(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "", noResponse, "none", "n/a", "tbd":
		return true
	}
	return false
}

var markdown = strings.NewReplacer("`", "", "*", "", "_", "")

// clean strips markdown emphasis and surrounding space.
func clean(v string) string {
	return strings.TrimSpace(markdown.Replace(v))
}

var numberList = regexp.MustCompile(`^[\d,#\s]+$`)

// parseNumberList parses "12, #15,18" rejecting duplicates and non-positive values.
func parseNumberList(v string) ([]int, error) {
	if !numberList.MatchString(v) {
		return nil, fmt.Errorf("%w: %q", ErrMalformedPRList, v)
	}

	seen := make(map[int]bool)
	var out []int
	for _, part := range strings.Split(v, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		n, err := parseNumber(part)
		if err != nil {
			return nil, err
		}
		if seen[n] {
			return nil, fmt.Errorf("%w: #%d", ErrDuplicatePR, n)
		}
		seen[n] = true
		out = append(out, n)
	}
	if len(out) == 0 {
		return nil, ErrNoPRs
	}
	return out, nil
}

// parseNumber parses "12" or "#12".
func parseNumber(v string) (int, error) {
	v = strings.TrimPrefix(strings.TrimSpace(v), "#")
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrMalformedPRList, v)
	}
	if n <= 0 {
		return 0, fmt.Errorf("%w: %d", ErrNonPositive, n)
	}
	return n, nil
}

// IsActivation reports whether a comment body asks to start a drain.
func IsActivation(body, phrase string) bool {
	return strings.EqualFold(strings.TrimSpace(body), strings.TrimSpace(phrase))
}
