// Package locks is the interactive view behind `mq lock watch`.
package locks

import (
	"context"
	"sync"
	"time"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/xcawolfe-amzn/mergequeue/internal/tracking"
)

// fetchTimeout bounds one listing of tracking records.
const fetchTimeout = 30 * time.Second

// Lister lists tracking records in a state ("open" or "all").
type Lister interface {
	List(ctx context.Context, state string) ([]*tracking.Lock, error)
}

// Model is the bubbletea model for the lock watcher.
type Model struct {
	lister  Lister
	refresh time.Duration
	now     func() time.Time

	locks   []*tracking.Lock
	showAll bool
	cursor  int
	err     error
	updated time.Time

	// UI state
	keys     KeyMap
	help     help.Model
	showHelp bool
	width    int
	height   int

	// mu protects every field View reads. Update holds the write lock while
	// mutating; View holds the read lock while rendering.
	mu sync.RWMutex
}

// New creates a watcher that re-lists records every refresh.
func New(lister Lister, refresh time.Duration) *Model {
	if refresh <= 0 {
		refresh = 10 * time.Second
	}
	return &Model{
		lister:  lister,
		refresh: refresh,
		now:     time.Now,
		keys:    DefaultKeyMap(),
		help:    help.New(),
	}
}

// Init starts the first fetch and the refresh timer.
func (m *Model) Init() tea.Cmd {
	return tea.Batch(m.fetch(), m.tick())
}

// fetchLocksMsg is the result of listing records.
type fetchLocksMsg struct {
	locks []*tracking.Lock
	err   error
	at    time.Time
}

// tickMsg triggers a periodic refresh.
type tickMsg time.Time

func (m *Model) tick() tea.Cmd {
	return tea.Tick(m.refresh, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// fetch lists records in the background.
func (m *Model) fetch() tea.Cmd {
	m.mu.RLock()
	state := "open"
	if m.showAll {
		state = "all"
	}
	m.mu.RUnlock()

	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), fetchTimeout)
		defer cancel()
		locks, err := m.lister.List(ctx, state)
		return fetchLocksMsg{locks: locks, err: err, at: m.now()}
	}
}

// Update handles messages.
func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.mu.Lock()
		m.width = msg.Width
		m.height = msg.Height
		m.help.Width = msg.Width
		m.mu.Unlock()
		return m, nil

	case fetchLocksMsg:
		m.mu.Lock()
		m.err = msg.err
		if msg.err == nil {
			m.locks = msg.locks
			m.updated = msg.at
		}
		m.cursor = min(m.cursor, m.maxCursorLocked())
		m.mu.Unlock()
		return m, nil

	case tickMsg:
		return m, tea.Batch(m.fetch(), m.tick())

	case tea.KeyMsg:
		switch {
		case key.Matches(msg, m.keys.Quit):
			return m, tea.Quit

		case key.Matches(msg, m.keys.Help):
			m.mu.Lock()
			m.showHelp = !m.showHelp
			m.help.ShowAll = m.showHelp
			m.mu.Unlock()
			return m, nil

		case key.Matches(msg, m.keys.Up):
			m.mu.Lock()
			if m.cursor > 0 {
				m.cursor--
			}
			m.mu.Unlock()
			return m, nil

		case key.Matches(msg, m.keys.Down):
			m.mu.Lock()
			if m.cursor < m.maxCursorLocked() {
				m.cursor++
			}
			m.mu.Unlock()
			return m, nil

		case key.Matches(msg, m.keys.Top):
			m.mu.Lock()
			m.cursor = 0
			m.mu.Unlock()
			return m, nil

		case key.Matches(msg, m.keys.Bottom):
			m.mu.Lock()
			m.cursor = m.maxCursorLocked()
			m.mu.Unlock()
			return m, nil

		case key.Matches(msg, m.keys.All):
			m.mu.Lock()
			m.showAll = !m.showAll
			m.mu.Unlock()
			return m, m.fetch()

		case key.Matches(msg, m.keys.Refresh):
			return m, m.fetch()
		}
	}

	return m, nil
}

// maxCursorLocked returns the last valid cursor position.
// Caller must hold m.mu.
func (m *Model) maxCursorLocked() int {
	if len(m.locks) == 0 {
		return 0
	}
	return len(m.locks) - 1
}

// Selected returns the lock under the cursor, or nil.
func (m *Model) Selected() *tracking.Lock {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.cursor < 0 || m.cursor >= len(m.locks) {
		return nil
	}
	return m.locks[m.cursor]
}

// View renders the model.
func (m *Model) View() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.renderView()
}
