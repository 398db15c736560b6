package summary

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/xcawolfe-amzn/mergequeue/internal/github"
	"github.com/xcawolfe-amzn/mergequeue/internal/logging"
	"github.com/xcawolfe-amzn/mergequeue/internal/tracking"
)

// Thread is the originating request record.
type Thread interface {
	CommentIssue(ctx context.Context, number int, body string) (*github.Comment, error)
	CloseIssue(ctx context.Context, number int, comment string) error
}

// Locks releases the drain lock.
type Locks interface {
	Release(ctx context.Context, l *tracking.Lock, status tracking.Status, detail string) error
}

// Publisher runs the final steps of a drain.
type Publisher struct {
	thread Thread
	locks  Locks
	output io.Writer
	log    logrus.FieldLogger
}

// NewPublisher creates a publisher.
func NewPublisher(thread Thread, locks Locks, log logrus.FieldLogger) *Publisher {
	return &Publisher{
		thread: thread,
		locks:  locks,
		output: os.Stdout,
		log:    logging.Component(log, "summary"),
	}
}

// SetOutput sets the progress writer.
func (p *Publisher) SetOutput(w io.Writer) {
	p.output = w
}

// Publish posts the report, releases the lock and, when the summary says so,
// closes the request. The lock is released even if posting fails.
func (p *Publisher) Publish(ctx context.Context, s *Summary, lock *tracking.Lock, status tracking.Status) error {
	var errs []error

	if _, err := p.thread.CommentIssue(ctx, s.RequestID, s.Markdown()); err != nil {
		errs = append(errs, fmt.Errorf("posting summary: %w", err))
	} else {
		_, _ = fmt.Fprintf(p.output, "[Summary] Posted report to #%d\n", s.RequestID)
	}

	detail := fmt.Sprintf("%d of %d PR(s) merged.", s.Count(BucketMerged), s.TotalRequested)
	if err := p.locks.Release(ctx, lock, status, detail); err != nil {
		errs = append(errs, fmt.Errorf("releasing lock: %w", err))
	}

	if s.ShouldClose() {
		if err := p.thread.CloseIssue(ctx, s.RequestID, ""); err != nil {
			errs = append(errs, fmt.Errorf("closing request #%d: %w", s.RequestID, err))
		} else {
			_, _ = fmt.Fprintf(p.output, "[Summary] Closed request #%d\n", s.RequestID)
		}
	} else {
		p.log.WithField("request", s.RequestID).Info("nothing processed; leaving request open")
	}

	return errors.Join(errs...)
}
