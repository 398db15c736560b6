package logging

import (
	"bytes"
	"strings"
	"testing"
)

func TestNew_FormatsComponentAndSortedFields(t *testing.T) {
	var buf bytes.Buffer
	log, err := New("debug", &buf)
	if err != nil {
		t.Fatal(err)
	}

	Component(log, "engineer").WithField("pr", 12).WithField("branch", "feat/x").Debug("syncing")

	line := buf.String()
	if !strings.Contains(line, "DEBUG [engineer] syncing {branch=feat/x, pr=12}") {
		t.Errorf("unexpected log line: %q", line)
	}
}

func TestNew_RespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	log, err := New("warn", &buf)
	if err != nil {
		t.Fatal(err)
	}

	log.Info("hidden")
	log.Warn("shown")

	if strings.Contains(buf.String(), "hidden") {
		t.Error("info line should be filtered at warn level")
	}
	if !strings.Contains(buf.String(), "shown") {
		t.Error("warn line missing")
	}
}

func TestNew_BadLevel(t *testing.T) {
	if _, err := New("chatty", &bytes.Buffer{}); err == nil {
		t.Error("expected error for unknown level")
	}
}

func TestComponent_NilLogger(t *testing.T) {
	// Must not panic.
	Component(nil, "gate").Info("dropped")
}
