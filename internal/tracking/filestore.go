package tracking

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/xcawolfe-amzn/mergequeue/internal/github"
	"github.com/xcawolfe-amzn/mergequeue/internal/lock"
)

// FileStore keeps tracking records in a TOML file guarded by a lock file,
// for hosts that drain without writing tracking issues to the platform.
type FileStore struct {
	dir string
	now func() time.Time
}

type fileComment struct {
	ID        int       `toml:"id"`
	Body      string    `toml:"body"`
	CreatedAt time.Time `toml:"created_at"`
}

type fileRecord struct {
	Number    int           `toml:"number"`
	Title     string        `toml:"title"`
	Body      string        `toml:"body"`
	State     string        `toml:"state"`
	Labels    []string      `toml:"labels"`
	CreatedAt time.Time     `toml:"created_at"`
	Comments  []fileComment `toml:"comment"`
}

type fileState struct {
	NextNumber int          `toml:"next_number"`
	NextID     int          `toml:"next_comment_id"`
	Records    []fileRecord `toml:"record"`
}

// NewFileStore creates a store rooted at dir.
func NewFileStore(dir string) *FileStore {
	return &FileStore{dir: dir, now: time.Now}
}

func (s *FileStore) statePath() string {
	return filepath.Join(s.dir, "tracking.toml")
}

func (s *FileStore) lockPath() string {
	return filepath.Join(s.dir, "tracking.lock")
}

// load reads the state file. A missing file is an empty store.
func (s *FileStore) load() (*fileState, error) {
	state := &fileState{NextNumber: 1, NextID: 1}
	data, err := os.ReadFile(s.statePath())
	if errors.Is(err, os.ErrNotExist) {
		return state, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading tracking state: %w", err)
	}
	if _, err := toml.Decode(string(data), state); err != nil {
		return nil, fmt.Errorf("parsing tracking state: %w", err)
	}
	return state, nil
}

// save writes the state atomically.
func (s *FileStore) save(state *fileState) error {
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(state); err != nil {
		return fmt.Errorf("encoding tracking state: %w", err)
	}
	tmp := s.statePath() + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("writing tracking state: %w", err)
	}
	if err := os.Rename(tmp, s.statePath()); err != nil {
		return fmt.Errorf("replacing tracking state: %w", err)
	}
	return nil
}

// update runs fn on the loaded state under the file lock, saving when fn
// returns nil and dirty is set.
func (s *FileStore) update(ctx context.Context, fn func(state *fileState) (dirty bool, err error)) error {
	return lock.With(ctx, s.lockPath(), func() error {
		state, err := s.load()
		if err != nil {
			return err
		}
		dirty, err := fn(state)
		if err != nil || !dirty {
			return err
		}
		return s.save(state)
	})
}

func (s *FileStore) find(state *fileState, number int) (*fileRecord, error) {
	for i := range state.Records {
		if state.Records[i].Number == number {
			return &state.Records[i], nil
		}
	}
	return nil, fmt.Errorf("tracking record #%d: %w", number, github.ErrNotFound)
}

func (r *fileRecord) toIssue() *github.Issue {
	return &github.Issue{
		Number:    r.Number,
		Title:     r.Title,
		Body:      r.Body,
		State:     r.State,
		Labels:    append([]string(nil), r.Labels...),
		CreatedAt: r.CreatedAt,
	}
}

// ListIssues implements Store.
func (s *FileStore) ListIssues(ctx context.Context, label, state string) ([]*github.Issue, error) {
	var out []*github.Issue
	err := s.update(ctx, func(fs *fileState) (bool, error) {
		for i := range fs.Records {
			issue := fs.Records[i].toIssue()
			if !issue.HasLabel(label) || (state != "all" && issue.State != state) {
				continue
			}
			out = append(out, issue)
		}
		return false, nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Number < out[j].Number })
	return out, err
}

// CreateIssue implements Store.
func (s *FileStore) CreateIssue(ctx context.Context, title, body string, labels []string) (*github.Issue, error) {
	var created *github.Issue
	err := s.update(ctx, func(fs *fileState) (bool, error) {
		rec := fileRecord{
			Number:    fs.NextNumber,
			Title:     title,
			Body:      body,
			State:     github.IssueOpen,
			Labels:    append([]string(nil), labels...),
			CreatedAt: s.now().UTC(),
		}
		fs.NextNumber++
		fs.Records = append(fs.Records, rec)
		created = rec.toIssue()
		return true, nil
	})
	return created, err
}

// GetIssue implements Store.
func (s *FileStore) GetIssue(ctx context.Context, number int) (*github.Issue, error) {
	var issue *github.Issue
	err := s.update(ctx, func(fs *fileState) (bool, error) {
		rec, err := s.find(fs, number)
		if err != nil {
			return false, err
		}
		issue = rec.toIssue()
		return false, nil
	})
	return issue, err
}

// CommentIssue implements Store.
func (s *FileStore) CommentIssue(ctx context.Context, number int, body string) (*github.Comment, error) {
	var comment *github.Comment
	err := s.update(ctx, func(fs *fileState) (bool, error) {
		rec, err := s.find(fs, number)
		if err != nil {
			return false, err
		}
		c := fileComment{ID: fs.NextID, Body: body, CreatedAt: s.now().UTC()}
		fs.NextID++
		rec.Comments = append(rec.Comments, c)
		comment = &github.Comment{ID: strconv.Itoa(c.ID), Body: c.Body, CreatedAt: c.CreatedAt}
		return true, nil
	})
	return comment, err
}

// CloseIssue implements Store.
func (s *FileStore) CloseIssue(ctx context.Context, number int, comment string) error {
	return s.update(ctx, func(fs *fileState) (bool, error) {
		rec, err := s.find(fs, number)
		if err != nil {
			return false, err
		}
		if comment != "" {
			rec.Comments = append(rec.Comments, fileComment{ID: fs.NextID, Body: comment, CreatedAt: s.now().UTC()})
			fs.NextID++
		}
		rec.State = github.IssueClosed
		return true, nil
	})
}

// Comments returns the comments on a record, oldest first.
func (s *FileStore) Comments(ctx context.Context, number int) ([]github.Comment, error) {
	var out []github.Comment
	err := s.update(ctx, func(fs *fileState) (bool, error) {
		rec, err := s.find(fs, number)
		if err != nil {
			return false, err
		}
		for _, c := range rec.Comments {
			out = append(out, github.Comment{ID: strconv.Itoa(c.ID), Body: c.Body, CreatedAt: c.CreatedAt})
		}
		return false, nil
	})
	return out, err
}
