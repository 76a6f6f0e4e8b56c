package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func countLogs(t *testing.T, dir, prefix string) int {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir() error = %v", err)
	}
	n := 0
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), prefix) && strings.HasSuffix(e.Name(), ".log") {
			n++
		}
	}
	return n
}

func TestRotationBySize(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	w, err := NewRotatingWriter(filepath.Join(dir, "size.log"), RotationConfig{MaxSize: 200})
	if err != nil {
		t.Fatalf("NewRotatingWriter() error = %v", err)
	}

	line := []byte(strings.Repeat("x", 49) + "\n")
	for i := 0; i < 10; i++ {
		if _, err := w.Write(line); err != nil {
			t.Fatalf("Write() error = %v", err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	// 4 lines fit per file: 10 lines need 2 rotations.
	if got := w.Rotations(); got != 2 {
		t.Errorf("Rotations() = %d, want 2", got)
	}
	if got := countLogs(t, dir, "size"); got != 3 {
		t.Errorf("log files = %d, want 3", got)
	}
}

func TestRotationMaxBackups(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	w, err := NewRotatingWriter(filepath.Join(dir, "keep.log"), RotationConfig{MaxSize: 50, MaxBackups: 2})
	if err != nil {
		t.Fatalf("NewRotatingWriter() error = %v", err)
	}
	line := []byte(strings.Repeat("y", 39) + "\n")
	for i := 0; i < 8; i++ {
		if _, err := w.Write(line); err != nil {
			t.Fatalf("Write() error = %v", err)
		}
	}
	_ = w.Close()

	if got := countLogs(t, dir, "keep"); got != 3 {
		t.Errorf("log files = %d, want current plus 2 backups", got)
	}
}

func TestRotationDaily(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	now := time.Date(2024, 3, 1, 23, 59, 0, 0, time.Local)
	clock := func() time.Time { return now }

	w, err := newRotatingWriter(filepath.Join(dir, "daily.log"), RotationConfig{Daily: true}, clock)
	if err != nil {
		t.Fatalf("newRotatingWriter() error = %v", err)
	}
	defer w.Close()

	if _, err := w.Write([]byte("before midnight\n")); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if _, err := w.Write([]byte("same day\n")); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if got := w.Rotations(); got != 0 {
		t.Fatalf("Rotations() = %d before midnight, want 0", got)
	}

	now = now.Add(2 * time.Minute)
	if _, err := w.Write([]byte("after midnight\n")); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if got := w.Rotations(); got != 1 {
		t.Errorf("Rotations() = %d after midnight, want 1", got)
	}
	if _, err := os.Stat(filepath.Join(dir, "daily.20240302-000100.log")); err != nil {
		t.Errorf("rotated file missing: %v", err)
	}
}

func TestWriteAfterClose(t *testing.T) {
	t.Parallel()

	w, err := NewRotatingWriter(filepath.Join(t.TempDir(), "closed.log"), RotationConfig{})
	if err != nil {
		t.Fatalf("NewRotatingWriter() error = %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := w.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
	if _, err := w.Write([]byte("x")); err == nil {
		t.Error("Write() after Close() succeeded, want error")
	}
}

func TestRing(t *testing.T) {
	t.Parallel()

	r := NewRing(3)
	if got := r.Last(5); len(got) != 0 {
		t.Errorf("Last() on empty ring = %v", got)
	}

	for _, msg := range []string{"a", "b", "c", "d"} {
		r.Add(Entry{Message: msg})
	}

	if r.Len() != 3 {
		t.Errorf("Len() = %d, want 3", r.Len())
	}
	var got []string
	for _, e := range r.Last(-1) {
		got = append(got, e.Message)
	}
	if strings.Join(got, "") != "bcd" {
		t.Errorf("Last(-1) = %v, want [b c d]", got)
	}
	last := r.Last(2)
	if last[0].Message != "c" || last[1].Message != "d" {
		t.Errorf("Last(2) = %v, want [c d]", last)
	}
}
