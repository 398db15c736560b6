package refinery

import (
	"errors"
	"fmt"
	"time"
)

// Per-PR failure kinds. Outcomes carry these as values; Drain never returns them.
var (
	ErrBranchSync       = errors.New("branch sync failed")
	ErrCIFailed         = errors.New("CI failed")
	ErrCIStartupTimeout = errors.New("CI did not start in time")
	ErrCIRunTimeout     = errors.New("CI did not finish in time")
	ErrMergeFailed      = errors.New("merge failed")

	// ErrReleaseFailed aborts the whole drain.
	ErrReleaseFailed = errors.New("release PR merge failed")

	errIllegalTransition = errors.New("illegal phase transition")
)

// Phase is where a PR is in the merge state machine.
type Phase string

const (
	PhaseValidated    Phase = "VALIDATED"
	PhaseBranchSynced Phase = "BRANCH_SYNCED"
	PhaseCITriggered  Phase = "CI_TRIGGERED"
	PhaseCIRunning    Phase = "CI_RUNNING"
	PhaseCIPassed     Phase = "CI_PASSED"
	PhaseMerged       Phase = "MERGED"

	PhaseUpdateFailed   Phase = "UPDATE_FAILED"
	PhaseCIFailed       Phase = "CI_FAILED"
	PhaseCIStartTimeout Phase = "CI_START_TIMEOUT"
	PhaseCIRunTimeout   Phase = "CI_RUN_TIMEOUT"
	PhaseMergeFailed    Phase = "MERGE_FAILED"
)

// happyPath is the success chain in order.
var happyPath = []Phase{
	PhaseValidated,
	PhaseBranchSynced,
	PhaseCITriggered,
	PhaseCIRunning,
	PhaseCIPassed,
	PhaseMerged,
}

var failureErrs = map[Phase]error{
	PhaseUpdateFailed:   ErrBranchSync,
	PhaseCIFailed:       ErrCIFailed,
	PhaseCIStartTimeout: ErrCIStartupTimeout,
	PhaseCIRunTimeout:   ErrCIRunTimeout,
	PhaseMergeFailed:    ErrMergeFailed,
}

// Failed reports whether p is one of the failure exits.
func (p Phase) Failed() bool {
	_, ok := failureErrs[p]
	return ok
}

// Terminal reports whether no further transition is possible.
func (p Phase) Terminal() bool {
	return p == PhaseMerged || p.Failed()
}

func (p Phase) next() Phase {
	for i, h := range happyPath[:len(happyPath)-1] {
		if h == p {
			return happyPath[i+1]
		}
	}
	return ""
}

// Outcome is the result of driving one PR through the state machine.
type Outcome struct {
	PR     int
	Title  string
	Author string
	Branch string

	Phase   Phase
	History []Phase

	RunID         string
	Reason        string
	BranchDeleted bool

	StartedAt  time.Time
	FinishedAt time.Time
}

func newOutcome(pr int, at time.Time) *Outcome {
	return &Outcome{
		PR:        pr,
		Phase:     PhaseValidated,
		History:   []Phase{PhaseValidated},
		StartedAt: at,
	}
}

// advance moves to p. Success phases must follow the chain; failure exits are
// allowed from any non-terminal phase. No phase is entered twice.
func (o *Outcome) advance(p Phase) error {
	if o.Phase.Terminal() {
		return fmt.Errorf("%w: #%d is already %s", errIllegalTransition, o.PR, o.Phase)
	}
	for _, h := range o.History {
		if h == p {
			return fmt.Errorf("%w: #%d re-entering %s", errIllegalTransition, o.PR, p)
		}
	}
	if !p.Failed() && o.Phase.next() != p {
		return fmt.Errorf("%w: #%d %s -> %s", errIllegalTransition, o.PR, o.Phase, p)
	}
	o.Phase = p
	o.History = append(o.History, p)
	return nil
}

// fail moves to a failure exit with a reason.
func (o *Outcome) fail(p Phase, format string, args ...any) error {
	o.Reason = fmt.Sprintf(format, args...)
	return o.advance(p)
}

// Merged reports whether the PR landed.
func (o *Outcome) Merged() bool {
	return o.Phase == PhaseMerged
}

// Err maps a failure exit onto its sentinel, wrapped with the reason.
func (o *Outcome) Err() error {
	sentinel, ok := failureErrs[o.Phase]
	if !ok {
		return nil
	}
	if o.Reason == "" {
		return fmt.Errorf("#%d: %w", o.PR, sentinel)
	}
	return fmt.Errorf("#%d: %w: %s", o.PR, sentinel, o.Reason)
}
