package github

import (
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

var (
	// ErrUnavailable means the platform or the gh binary could not be reached.
	ErrUnavailable = errors.New("platform unavailable")

	// ErrUnauthorized means gh is not authenticated.
	ErrUnauthorized = errors.New("platform authentication failed")

	// ErrForbidden means the credentials lack permission for the call.
	ErrForbidden = errors.New("permission denied")

	// ErrNotFound means the requested object does not exist.
	ErrNotFound = errors.New("not found")
)

// IsFatal reports whether err means the platform cannot be used at all.
// Drains stop on fatal errors and leave their lock in place.
func IsFatal(err error) bool {
	return errors.Is(err, ErrUnavailable) || errors.Is(err, ErrUnauthorized)
}

// CommandError is a failed gh invocation.
type CommandError struct {
	Args   []string
	Stderr string
	Kind   error // one of the sentinels above, or nil
	Err    error
}

func (e *CommandError) Error() string {
	verb := strings.Join(e.Args[:min(2, len(e.Args))], " ")
	msg := strings.TrimSpace(e.Stderr)
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	return fmt.Sprintf("gh %s: %s", verb, msg)
}

func (e *CommandError) Unwrap() []error {
	var errs []error
	if e.Kind != nil {
		errs = append(errs, e.Kind)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

// classify maps gh stderr onto a sentinel.
func classify(err error, stderr string) error {
	if errors.Is(err, exec.ErrNotFound) {
		return ErrUnavailable
	}
	s := strings.ToLower(stderr)
	switch {
	case strings.Contains(s, "http 401"),
		strings.Contains(s, "gh auth login"),
		strings.Contains(s, "bad credentials"):
		return ErrUnauthorized
	case strings.Contains(s, "http 403"):
		return ErrForbidden
	case strings.Contains(s, "http 404"),
		strings.Contains(s, "not found"),
		strings.Contains(s, "could not resolve to"):
		return ErrNotFound
	case strings.Contains(s, "could not resolve host"),
		strings.Contains(s, "connection refused"),
		strings.Contains(s, "no such host"),
		strings.Contains(s, "i/o timeout"):
		return ErrUnavailable
	}
	return nil
}
