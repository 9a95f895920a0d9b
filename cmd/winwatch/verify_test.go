package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/winwatch/winwatch/internal/audit"
)

func writeTrail(t *testing.T, events ...string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "events.trail")
	tr, err := audit.Open(path)
	if err != nil {
		t.Fatalf("audit.Open: %v", err)
	}
	for _, e := range events {
		if _, err := tr.Append(json.RawMessage(e)); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	if err := tr.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	return path
}

func TestVerifyTrail_Intact(t *testing.T) {
	path := writeTrail(t, `{"monitor":"docs"}`, `{"monitor":"procs"}`)

	var out bytes.Buffer
	if err := verifyTrail(&out, path, true); err != nil {
		t.Fatalf("verifyTrail: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("output lines = %d, want 3:\n%s", len(lines), out.String())
	}
	if lines[0] != `{"monitor":"docs"}` {
		t.Errorf("first dump line = %s", lines[0])
	}
	if !strings.Contains(lines[2], "2 records, chain intact") {
		t.Errorf("summary = %q", lines[2])
	}
}

func TestVerifyTrail_Tampered(t *testing.T) {
	path := writeTrail(t, `{"monitor":"docs"}`)
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, bytes.Replace(raw, []byte("docs"), []byte("d0cs"), 1), 0o600); err != nil {
		t.Fatal(err)
	}

	var out bytes.Buffer
	if err := verifyTrail(&out, path, false); err == nil {
		t.Fatal("verifyTrail of a tampered trail returned nil error")
	}
	if out.Len() != 0 {
		t.Errorf("unexpected output %q", out.String())
	}
}
