package style

import (
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// Column defines a table column.
type Column struct {
	Name  string
	Width int
	Align Alignment

	// Style, when set, renders every cell in the column.
	Style *lipgloss.Style
}

// Alignment specifies column text alignment.
type Alignment int

const (
	AlignLeft Alignment = iota
	AlignRight
)

// Table renders fixed-width rows under a bold header.
type Table struct {
	columns []Column
	rows    [][]string
	indent  string
}

// NewTable creates a table with the given columns.
func NewTable(columns ...Column) *Table {
	return &Table{columns: columns, indent: "  "}
}

// SetIndent sets the left indent.
func (t *Table) SetIndent(indent string) *Table {
	t.indent = indent
	return t
}

// AddRow appends a row, padding missing cells.
func (t *Table) AddRow(values ...string) *Table {
	for len(values) < len(t.columns) {
		values = append(values, "")
	}
	t.rows = append(t.rows, values)
	return t
}

// Len is the number of rows.
func (t *Table) Len() int {
	return len(t.rows)
}

// Render returns the formatted table.
func (t *Table) Render() string {
	if len(t.columns) == 0 {
		return ""
	}

	var sb strings.Builder
	total := 0

	sb.WriteString(t.indent)
	for i, col := range t.columns {
		sb.WriteString(cell(Bold.Render(col.Name), col.Width, col.Align))
		total += col.Width
		if i < len(t.columns)-1 {
			sb.WriteString(" ")
			total++
		}
	}
	sb.WriteString("\n")
	sb.WriteString(t.indent)
	sb.WriteString(Dim.Render(strings.Repeat("─", total)))
	sb.WriteString("\n")

	for _, row := range t.rows {
		sb.WriteString(t.indent)
		for i, col := range t.columns {
			val := truncate(row[i], col.Width)
			if col.Style != nil {
				val = col.Style.Render(val)
			}
			sb.WriteString(cell(val, col.Width, col.Align))
			if i < len(t.columns)-1 {
				sb.WriteString(" ")
			}
		}
		sb.WriteString("\n")
	}

	return sb.String()
}

// cell pads text to width using its display width, ignoring ANSI sequences.
func cell(text string, width int, align Alignment) string {
	w := lipgloss.Width(text)
	if w >= width {
		return text
	}
	pad := strings.Repeat(" ", width-w)
	if align == AlignRight {
		return pad + text
	}
	return text + pad
}

// truncate shortens plain text to width display cells with an ellipsis.
func truncate(text string, width int) string {
	if lipgloss.Width(text) <= width || width < 2 {
		return text
	}
	runes := []rune(text)
	for len(runes) > 0 && lipgloss.Width(string(runes))+1 > width {
		runes = runes[:len(runes)-1]
	}
	return string(runes) + "…"
}
