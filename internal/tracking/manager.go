package tracking

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/xcawolfe-amzn/mergequeue/internal/github"
	"github.com/xcawolfe-amzn/mergequeue/internal/lock"
	"github.com/xcawolfe-amzn/mergequeue/internal/logging"
	"github.com/xcawolfe-amzn/mergequeue/internal/request"
)

// Store persists tracking records. *github.Client and *FileStore implement it.
type Store interface {
	ListIssues(ctx context.Context, label, state string) ([]*github.Issue, error)
	CreateIssue(ctx context.Context, title, body string, labels []string) (*github.Issue, error)
	GetIssue(ctx context.Context, number int) (*github.Issue, error)
	CommentIssue(ctx context.Context, number int, body string) (*github.Comment, error)
	CloseIssue(ctx context.Context, number int, comment string) error
}

// Manager acquires and releases drain locks.
//
// Acquire is read-then-create-then-verify. Two drains on different hosts can
// both pass the read and both create a record; the verify step then keeps the
// lowest-numbered record and the loser closes its own. Between create and
// verify both drains briefly believe they hold the lock, but neither touches
// a PR until Acquire returns. Drains on one host are fully serialized by a
// file lock when SetHostLock is used.
type Manager struct {
	store    Store
	output   io.Writer
	log      logrus.FieldLogger
	hostLock string

	// Injectable for tests.
	newHolder func() string
	now       func() time.Time
}

// NewManager creates a lock manager over store.
func NewManager(store Store, log logrus.FieldLogger) *Manager {
	return &Manager{
		store:     store,
		output:    os.Stdout,
		log:       logging.Component(log, "lock"),
		newHolder: func() string { return uuid.NewString() },
		now:       time.Now,
	}
}

// SetOutput sets the progress writer.
func (m *Manager) SetOutput(w io.Writer) {
	m.output = w
}

// SetHostLock serializes Acquire across processes on this host through a
// lock file at path.
func (m *Manager) SetHostLock(path string) {
	m.hostLock = path
}

// SetClock replaces the time source.
func (m *Manager) SetClock(now func() time.Time) {
	m.now = now
}

// Acquire takes the lock for req, returning a *ConflictError when another
// active record already holds it.
func (m *Manager) Acquire(ctx context.Context, req *request.Request) (*Lock, error) {
	if m.hostLock != "" {
		var acquired *Lock
		err := lock.With(ctx, m.hostLock, func() error {
			var err error
			acquired, err = m.acquire(ctx, req)
			return err
		})
		return acquired, err
	}
	return m.acquire(ctx, req)
}

func (m *Manager) acquire(ctx context.Context, req *request.Request) (*Lock, error) {
	// Step 1: read
	existing, err := m.active(ctx, req.ID)
	if err != nil {
		return nil, err
	}
	if len(existing) > 0 {
		_, _ = fmt.Fprintf(m.output, "[Lock] Request #%d already locked by record #%d\n", req.ID, existing[0].RecordID)
		return nil, &ConflictError{Existing: existing[0]}
	}

	// Step 2: create
	holder := m.newHolder()
	startedAt := m.now()
	issue, err := m.store.CreateIssue(ctx, Title(req.ID), FormatBody(req, holder, startedAt), []string{LockLabel, AutomationLabel})
	if err != nil {
		return nil, fmt.Errorf("creating tracking record: %w", err)
	}
	mine := FromIssue(issue)
	mine.Holder = holder
	m.log.WithFields(logrus.Fields{"request": req.ID, "record": mine.RecordID, "holder": holder}).Debug("created tracking record")

	// Step 3: verify. The lowest-numbered active record wins.
	all, err := m.active(ctx, req.ID)
	if err != nil {
		m.discard(ctx, mine, fmt.Sprintf("Lock acquisition aborted: could not verify ownership (%v).", err))
		return nil, err
	}
	winner := mine
	for _, l := range all {
		if l.RecordID < winner.RecordID {
			winner = l
		}
	}
	if winner.RecordID != mine.RecordID {
		m.discard(ctx, mine, fmt.Sprintf("Superseded by tracking record #%d, which acquired the lock first.", winner.RecordID))
		_, _ = fmt.Fprintf(m.output, "[Lock] Lost race for request #%d to record #%d\n", req.ID, winner.RecordID)
		return nil, &ConflictError{Existing: winner}
	}

	_, _ = fmt.Fprintf(m.output, "[Lock] Acquired lock for request #%d (record #%d)\n", req.ID, mine.RecordID)
	return mine, nil
}

// discard closes a record this manager created but does not hold, so it
// cannot block later attempts for the same request.
func (m *Manager) discard(ctx context.Context, l *Lock, comment string) {
	if err := m.store.CloseIssue(context.WithoutCancel(ctx), l.RecordID, comment); err != nil {
		m.log.WithError(err).WithField("record", l.RecordID).Warn("closing unheld tracking record")
		return
	}
	l.State = StateReleased
}

// active returns the open records for requestID, lowest number first.
func (m *Manager) active(ctx context.Context, requestID int) ([]*Lock, error) {
	issues, err := m.store.ListIssues(ctx, LockLabel, github.IssueOpen)
	if err != nil {
		return nil, fmt.Errorf("listing tracking records: %w", err)
	}
	var locks []*Lock
	for _, issue := range issues {
		if issue.State != github.IssueOpen || !MatchesRequest(issue.Title, requestID) {
			continue
		}
		locks = append(locks, FromIssue(issue))
	}
	sort.Slice(locks, func(i, j int) bool { return locks[i].RecordID < locks[j].RecordID })
	return locks, nil
}

// Release closes the lock's record with a completion comment. Releasing a nil
// lock or one whose record is already closed does nothing.
func (m *Manager) Release(ctx context.Context, l *Lock, status Status, detail string) error {
	if l == nil {
		return nil
	}
	if status == "" {
		status = StatusCompleted
	}

	issue, err := m.store.GetIssue(ctx, l.RecordID)
	if err != nil {
		return fmt.Errorf("reading tracking record #%d: %w", l.RecordID, err)
	}
	if issue.State == github.IssueClosed {
		l.State = StateReleased
		m.log.WithField("record", l.RecordID).Debug("tracking record already closed")
		return nil
	}

	if err := m.store.CloseIssue(ctx, l.RecordID, completionComment(status, detail)); err != nil {
		return fmt.Errorf("closing tracking record #%d: %w", l.RecordID, err)
	}
	l.State = StateReleased
	_, _ = fmt.Fprintf(m.output, "[Lock] Released lock for request #%d (%s)\n", l.RequestID, status)
	return nil
}

// Find returns the active lock for requestID, or nil.
func (m *Manager) Find(ctx context.Context, requestID int) (*Lock, error) {
	locks, err := m.active(ctx, requestID)
	if err != nil || len(locks) == 0 {
		return nil, err
	}
	return locks[0], nil
}

// List returns tracking records in state ("open", "closed" or "all").
func (m *Manager) List(ctx context.Context, state string) ([]*Lock, error) {
	issues, err := m.store.ListIssues(ctx, LockLabel, state)
	if err != nil {
		return nil, fmt.Errorf("listing tracking records: %w", err)
	}
	locks := make([]*Lock, 0, len(issues))
	for _, issue := range issues {
		locks = append(locks, FromIssue(issue))
	}
	return locks, nil
}
