// Package templates provides the embedded Markdown templates for queue notices.
package templates

import (
	"bytes"
	"embed"
	"fmt"
	"strings"
	"text/template"
)

// CmdName is the CLI command name used in notices.
const CmdName = "mq"

// templateFuncs provides custom functions for templates.
var templateFuncs = template.FuncMap{
	"cmd":  func() string { return CmdName },
	"join": strings.Join,
	"pr":   func(n int) string { return fmt.Sprintf("#%d", n) },
}

//go:embed messages/*.md.tmpl
var templateFS embed.FS

// Templates holds the parsed notice templates.
type Templates struct {
	messageTemplates *template.Template
}

// NoticeData is what every notice template renders from. Fields a template
// does not use are left zero.
type NoticeData struct {
	Mentions string // "@author @approver"

	PR     int
	Title  string
	Branch string
	Target string

	Reason   string
	Reasons  []string // failed validation predicates
	Guidance []string // remediation steps matching Reasons

	RunID   string
	RunURL  string
	Timeout string

	Resync bool // the branch is re-synced with Target after the notice

	RequestID        int
	TrackingURL      string
	TrackingID       int
	ActivationPhrase string
}

// New parses the embedded templates.
func New() (*Templates, error) {
	msgTempl, err := template.New("").Funcs(templateFuncs).ParseFS(templateFS, "messages/*.md.tmpl")
	if err != nil {
		return nil, fmt.Errorf("parsing message templates: %w", err)
	}
	return &Templates{messageTemplates: msgTempl}, nil
}

// RenderMessage renders the named message template.
func (t *Templates) RenderMessage(name string, data any) (string, error) {
	templateName := name + ".md.tmpl"

	var buf bytes.Buffer
	if err := t.messageTemplates.ExecuteTemplate(&buf, templateName, data); err != nil {
		return "", fmt.Errorf("rendering message template %s: %w", templateName, err)
	}

	return strings.TrimSpace(buf.String()), nil
}

// MessageNames returns the list of available message templates.
func (t *Templates) MessageNames() []string {
	return []string{
		"unmergeable",
		"update-failed",
		"ci-failed",
		"ci-start-timeout",
		"ci-run-timeout",
		"merge-failed",
		"release-failed",
		"duplicate",
		"parse-error",
	}
}
