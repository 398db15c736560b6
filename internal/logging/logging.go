// Package logging builds the diagnostic logger shared by merge queue components.
//
// Progress a human should read goes to each component's output writer.
// This logger carries the rest: gh command tracing, poll decisions, retries.
package logging

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"
)

// Formatter renders "15:04:05 LEVEL [component] message {k=v, ...}" with sorted fields.
type Formatter struct {
	TimestampFormat string
}

// Format implements logrus.Formatter.
func (f *Formatter) Format(entry *logrus.Entry) ([]byte, error) {
	tsFormat := f.TimestampFormat
	if tsFormat == "" {
		tsFormat = "15:04:05"
	}

	var sb strings.Builder
	sb.WriteString(entry.Time.Format(tsFormat))
	sb.WriteString(" ")
	sb.WriteString(strings.ToUpper(entry.Level.String()))
	sb.WriteString(" ")

	if component, ok := entry.Data["component"]; ok {
		fmt.Fprintf(&sb, "[%v] ", component)
	}
	sb.WriteString(entry.Message)

	keys := make([]string, 0, len(entry.Data))
	for k := range entry.Data {
		if k == "component" {
			continue
		}
		keys = append(keys, k)
	}
	if len(keys) > 0 {
		sort.Strings(keys)
		sb.WriteString(" {")
		for i, k := range keys {
			if i > 0 {
				sb.WriteString(", ")
			}
			fmt.Fprintf(&sb, "%s=%v", k, entry.Data[k])
		}
		sb.WriteString("}")
	}
	sb.WriteString("\n")
	return []byte(sb.String()), nil
}

// New creates a logger at the given level writing to w.
func New(level string, w io.Writer) (*logrus.Logger, error) {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("parsing log level %q: %w", level, err)
	}
	log := logrus.New()
	log.SetLevel(lvl)
	log.SetOutput(w)
	log.SetFormatter(&Formatter{})
	return log, nil
}

// NewFile creates a logger appending to path, falling back to stderr when path is empty.
// The returned close func is always non-nil.
func NewFile(level, path string) (*logrus.Logger, func(), error) {
	if path == "" {
		log, err := New(level, os.Stderr)
		return log, func() {}, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644) //nolint:gosec // G304: operator-supplied log path
	if err != nil {
		return nil, func() {}, fmt.Errorf("opening log file: %w", err)
	}
	log, err := New(level, f)
	if err != nil {
		_ = f.Close()
		return nil, func() {}, err
	}
	return log, func() { _ = f.Close() }, nil
}

// Discard returns a logger that drops everything.
func Discard() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	log.SetLevel(logrus.PanicLevel)
	return log
}

// Component tags every entry with the component name.
func Component(log logrus.FieldLogger, name string) logrus.FieldLogger {
	if log == nil {
		log = Discard()
	}
	return log.WithField("component", name)
}
