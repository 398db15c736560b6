// Package style provides consistent terminal styling using Lipgloss.
package style

import (
	"os"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"
)

var (
	Bold    = lipgloss.NewStyle().Bold(true)
	Dim     = lipgloss.NewStyle().Faint(true)
	Success = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	Warning = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	Error   = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true)
	Info    = lipgloss.NewStyle().Foreground(lipgloss.Color("12"))
)

// Status glyphs.
const (
	IconOK   = "✓"
	IconFail = "✗"
	IconWarn = "⚠"
	IconWait = "⏳"
)

// DisableColor replaces every style with a plain one.
func DisableColor() {
	plain := lipgloss.NewStyle()
	Bold, Dim, Success, Warning, Error, Info = plain, plain, plain, plain, plain, plain
}

// IsTerminal reports whether f is attached to a terminal.
func IsTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}

// Width returns the terminal width of f, or fallback when it cannot be read.
func Width(f *os.File, fallback int) int {
	w, _, err := term.GetSize(int(f.Fd()))
	if err != nil || w <= 0 {
		return fallback
	}
	return w
}
