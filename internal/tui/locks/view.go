package locks

import (
	"fmt"
	"strings"
	"time"

	"github.com/xcawolfe-amzn/mergequeue/internal/request"
	"github.com/xcawolfe-amzn/mergequeue/internal/style"
	"github.com/xcawolfe-amzn/mergequeue/internal/tracking"
)

// renderView draws the watcher. Caller must hold m.mu.
func (m *Model) renderView() string {
	var sb strings.Builder

	active := 0
	for _, l := range m.locks {
		if l.Active() {
			active++
		}
	}
	scope := "open"
	if m.showAll {
		scope = "all"
	}
	sb.WriteString(style.Bold.Render(fmt.Sprintf("Merge Queue Locks (%d active, showing %s)", active, scope)))
	sb.WriteString("\n")
	if !m.updated.IsZero() {
		sb.WriteString(style.Dim.Render("updated " + m.updated.Format("15:04:05")))
		sb.WriteString("\n")
	}
	sb.WriteString("\n")

	if m.err != nil {
		sb.WriteString(style.Error.Render(style.IconFail + " " + m.err.Error()))
		sb.WriteString("\n\n")
	}

	if len(m.locks) == 0 {
		sb.WriteString(style.Dim.Render("  No tracking records."))
		sb.WriteString("\n")
	} else {
		table := style.NewTable(
			style.Column{Name: "", Width: 1},
			style.Column{Name: "REQUEST", Width: 8},
			style.Column{Name: "RECORD", Width: 8},
			style.Column{Name: "STATE", Width: 10},
			style.Column{Name: "AGE", Width: 8, Align: style.AlignRight},
			style.Column{Name: "PRS", Width: 30},
			style.Column{Name: "HOLDER", Width: 12},
		).SetIndent(" ")
		for i, l := range m.locks {
			marker := ""
			if i == m.cursor {
				marker = ">"
			}
			table.AddRow(
				marker,
				fmt.Sprintf("#%d", l.RequestID),
				fmt.Sprintf("#%d", l.RecordID),
				stateLabel(l),
				age(m.now(), l.CreatedAt),
				prList(l),
				shortHolder(l.Holder),
			)
		}
		sb.WriteString(table.Render())
	}

	sb.WriteString("\n")
	sb.WriteString(m.help.View(m.keys))
	return sb.String()
}

func stateLabel(l *tracking.Lock) string {
	if l.Active() {
		return style.Warning.Render(string(l.State))
	}
	return style.Dim.Render(string(l.State))
}

func prList(l *tracking.Lock) string {
	s := request.FormatPRs(l.PRs)
	if l.ReleasePR > 0 {
		s += fmt.Sprintf(" (+#%d)", l.ReleasePR)
	}
	return s
}

// age renders how long ago t was, coarsely.
func age(now, t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	d := now.Sub(t)
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 48*time.Hour:
		return fmt.Sprintf("%dh", int(d.Hours()))
	}
	return fmt.Sprintf("%dd", int(d.Hours()/24))
}

func shortHolder(h string) string {
	if len(h) > 8 {
		return h[:8]
	}
	return h
}
