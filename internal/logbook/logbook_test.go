package logbook

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestTailReturnsRecentLinesAndTotal(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "logs", "release.log")
	book, err := New(path)
	if err != nil {
		t.Fatalf("new logbook: %v", err)
	}
	for i := 0; i < 5; i++ {
		book.Info("entry-%d", i)
	}
	lines, total := book.Tail(3)
	if total != 5 {
		t.Fatalf("total lines = %d, want 5", total)
	}
	if len(lines) != 3 {
		t.Fatalf("len(lines) = %d, want 3", len(lines))
	}
	for idx, want := range []string{"entry-2", "entry-3", "entry-4"} {
		if !strings.Contains(lines[idx], want) {
			t.Fatalf("line %d = %q, missing %s", idx, lines[idx], want)
		}
	}
}

func TestWithTagsEntriesAndSharesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "release.log")
	fixed := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)
	book, err := New(path, WithClock(func() time.Time { return fixed }))
	if err != nil {
		t.Fatalf("new logbook: %v", err)
	}
	book.With("release 1234").With("publish").Warn("retrying %s", "core")
	book.Error("boom")

	lines, total := book.Tail(10)
	if total != 2 {
		t.Fatalf("total = %d, want 2", total)
	}
	want := "2026-03-04T05:06:07Z WARN  [release 1234 publish] retrying core"
	if lines[0] != want {
		t.Fatalf("line = %q, want %q", lines[0], want)
	}
	if !strings.HasSuffix(lines[1], "ERROR boom") {
		t.Fatalf("unexpected line %q", lines[1])
	}
}

func TestEchoRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	book, err := New(filepath.Join(t.TempDir(), "release.log"), WithEcho(&buf, LevelWarn))
	if err != nil {
		t.Fatalf("new logbook: %v", err)
	}
	book.Debug("hidden")
	book.Info("hidden too")
	book.Warn("shown")
	if out := buf.String(); strings.Contains(out, "hidden") || !strings.Contains(out, "shown") {
		t.Fatalf("echo output = %q", out)
	}
}

func TestNilLogbookIsSafe(t *testing.T) {
	var book *Logbook
	book.Info("ignored")
	if lines, total := book.Tail(5); lines != nil || total != 0 {
		t.Fatalf("nil tail = %v, %d", lines, total)
	}
	if book.With("x") != nil {
		t.Fatalf("With on nil should stay nil")
	}
	if book.Path() != "" {
		t.Fatalf("nil path should be empty")
	}
}
