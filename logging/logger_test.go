package logging

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func readAllInDir(t *testing.T, dir string) string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	var out bytes.Buffer
	for _, e := range entries {
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			t.Fatalf("ReadFile %s: %v", e.Name(), err)
		}
		out.Write(data)
	}
	return out.String()
}

func TestAsyncLoggerFlushesSmallWrites(t *testing.T) {
	dir := t.TempDir()
	lf, err := NewLogFile(dir, "test", 10*1024*1024, false, time.Hour, 1024)
	if err != nil {
		t.Fatalf("NewLogFile: %v", err)
	}
	a := NewAsyncLogger(lf, 30*time.Millisecond)
	a.Start()

	for i := 0; i < 5; i++ {
		a.Write([]byte("line\n"))
	}
	a.Stop()

	data := readAllInDir(t, dir)
	if strings.Count(data, "line\n") != 5 {
		t.Fatalf("expected 5 lines written, got content: %q", data)
	}
}

// Once more than dropThreshold buffers have piled up waiting for the
// writer, the excess must be discarded and replaced with a single
// diagnostic line, keeping only the oldest keepOnDrop buffers.
func TestAsyncLoggerDropsExcessBuffers(t *testing.T) {
	dir := t.TempDir()
	lf, err := NewLogFile(dir, "test", 10*1024*1024, false, time.Hour, 1024)
	if err != nil {
		t.Fatalf("NewLogFile: %v", err)
	}
	a := NewAsyncLogger(lf, time.Hour) // writer only triggered by Stop below

	// Queue more than dropThreshold distinct full buffers before the
	// writer goroutine ever runs, so the first drain sees them all at
	// once and must apply the drop policy.
	a.mu.Lock()
	for i := 0; i < dropThreshold+3; i++ {
		b := newLogBuffer()
		b.append(bytes.Repeat([]byte{'x'}, 10))
		a.full = append(a.full, b)
	}
	a.mu.Unlock()

	a.Start()
	a.Stop()

	data := readAllInDir(t, dir)
	if !strings.Contains(data, "Dropped log messages") {
		t.Fatalf("expected a drop diagnostic line, got: %q", data)
	}
}

func TestLogFileRollsOnSize(t *testing.T) {
	dir := t.TempDir()
	lf, err := NewLogFile(dir, "roll", 16, false, time.Hour, 1024)
	if err != nil {
		t.Fatalf("NewLogFile: %v", err)
	}
	defer lf.Close()

	// File names have one-second resolution; move past the second the
	// first file was named for so the roll gets a distinct name.
	time.Sleep(1100 * time.Millisecond)

	if err := lf.Append(bytes.Repeat([]byte{'a'}, 20)); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := lf.Append([]byte("x")); err != nil {
		t.Fatalf("Append: %v", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) < 2 {
		t.Fatalf("expected a roll to produce at least 2 files, got %d", len(entries))
	}
}
