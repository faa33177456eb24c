package shared

import (
	"bytes"
	"strings"
	"testing"
)

func TestGenerateID(t *testing.T) {
	a := GenerateID()
	b := GenerateID()

	if a == "" || b == "" {
		t.Fatal("expected non-empty ids")
	}
	if a == b {
		t.Error("expected unique ids")
	}
	if len(strings.Split(a, "-")) != 5 {
		t.Errorf("expected a uuid shape, got %s", a)
	}
}

func TestComponentLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf)

	child := ComponentLogger(logger, "worker", "pass", 1)
	child.Info("hello")

	out := buf.String()
	if !strings.Contains(out, "component") || !strings.Contains(out, "worker") {
		t.Errorf("expected component tag in output, got %s", out)
	}
	if !strings.Contains(out, "pass") {
		t.Errorf("expected extra key in output, got %s", out)
	}
}
