package locks

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/xcawolfe-amzn/mergequeue/internal/style"
	"github.com/xcawolfe-amzn/mergequeue/internal/tracking"
)

func init() {
	style.DisableColor()
}

type fakeLister struct {
	mu     sync.Mutex
	states []string
	locks  []*tracking.Lock
	err    error
}

func (f *fakeLister) List(_ context.Context, state string) ([]*tracking.Lock, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states = append(f.states, state)
	return f.locks, f.err
}

var t0 = time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)

func sampleLocks() []*tracking.Lock {
	return []*tracking.Lock{
		{RequestID: 1, RecordID: 12, State: tracking.StateActive, CreatedAt: t0.Add(-5 * time.Minute), PRs: []int{10, 11}, ReleasePR: 99, Holder: "0f8fad5b-d9cb-469f"},
		{RequestID: 4, RecordID: 13, State: tracking.StateReleased, CreatedAt: t0.Add(-3 * time.Hour), PRs: []int{7}},
	}
}

func newTestModel(l *fakeLister) *Model {
	m := New(l, time.Second)
	m.now = func() time.Time { return t0 }
	return m
}

func TestFetchAndView(t *testing.T) {
	l := &fakeLister{locks: sampleLocks()}
	m := newTestModel(l)

	msg := m.fetch()()
	m.Update(msg)

	view := m.View()
	for _, want := range []string{"1 active, showing open", "#12", "ACTIVE", "#10, #11 (+#99)", "5m", "3h", "0f8fad5b"} {
		if !strings.Contains(view, want) {
			t.Errorf("view missing %q:\n%s", want, view)
		}
	}
	if strings.Contains(view, "0f8fad5b-d9cb") {
		t.Error("holder should be shortened")
	}
	if l.states[0] != "open" {
		t.Errorf("first fetch state = %q, want open", l.states[0])
	}
}

func TestFetchErrorKeepsLastList(t *testing.T) {
	l := &fakeLister{locks: sampleLocks()}
	m := newTestModel(l)
	m.Update(m.fetch()())

	m.Update(fetchLocksMsg{err: errors.New("HTTP 502")})
	view := m.View()
	if !strings.Contains(view, "HTTP 502") || !strings.Contains(view, "#12") {
		t.Errorf("view should show error and keep records:\n%s", view)
	}
}

func TestCursorMovement(t *testing.T) {
	m := newTestModel(&fakeLister{})
	m.Update(fetchLocksMsg{locks: sampleLocks(), at: t0})

	down := tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("j")}
	up := tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("k")}

	m.Update(down)
	m.Update(down)
	if got := m.Selected(); got == nil || got.RecordID != 13 {
		t.Fatalf("Selected() = %+v, want record 13", got)
	}
	m.Update(up)
	m.Update(up)
	if got := m.Selected(); got == nil || got.RecordID != 12 {
		t.Fatalf("Selected() = %+v, want record 12", got)
	}

	// Shrinking the list clamps the cursor.
	m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("G")})
	m.Update(fetchLocksMsg{locks: sampleLocks()[:1], at: t0})
	if got := m.Selected(); got == nil || got.RecordID != 12 {
		t.Errorf("cursor not clamped: %+v", got)
	}
}

func TestToggleAllRefetches(t *testing.T) {
	l := &fakeLister{}
	m := newTestModel(l)

	_, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("a")})
	if cmd == nil {
		t.Fatal("toggle should fetch")
	}
	cmd()
	if len(l.states) != 1 || l.states[0] != "all" {
		t.Errorf("states = %v, want [all]", l.states)
	}
	if !strings.Contains(m.View(), "showing all") {
		t.Error("header should reflect scope")
	}
}

func TestQuit(t *testing.T) {
	m := newTestModel(&fakeLister{})
	_, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")})
	if cmd == nil {
		t.Fatal("q should quit")
	}
	if _, ok := cmd().(tea.QuitMsg); !ok {
		t.Error("expected tea.QuitMsg")
	}
}

// TestUpdateConcurrentWithView verifies record updates do not race with rendering.
func TestUpdateConcurrentWithView(t *testing.T) {
	m := newTestModel(&fakeLister{})
	m.Update(tea.WindowSizeMsg{Width: 100, Height: 40})

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 100; i++ {
			m.Update(fetchLocksMsg{locks: sampleLocks(), at: t0})
			m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("j")})
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 100; i++ {
			_ = m.View()
		}
	}()
	wg.Wait()
}
