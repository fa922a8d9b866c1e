package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestRotatingWriter_RotatesPastLimit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "daemon.log")

	w, err := NewRotatingWriter(path, 64)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	defer w.Close()

	line := strings.Repeat("a", 40) + "\n"
	for i := 0; i < 2; i++ {
		if _, err := w.Write([]byte(line)); err != nil {
			t.Fatalf("write failed: %v", err)
		}
	}

	backup, err := os.ReadFile(path + ".1")
	if err != nil {
		t.Fatalf("expected backup file: %v", err)
	}
	if len(backup) != 2*len(line) {
		t.Fatalf("expected backup of %d bytes, got %d", 2*len(line), len(backup))
	}

	if _, err := w.Write([]byte("b\n")); err != nil {
		t.Fatalf("write after rotate failed: %v", err)
	}
	current, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read current: %v", err)
	}
	if string(current) != "b\n" {
		t.Fatalf("expected fresh log after rotate, got %q", current)
	}
}

func TestNewRotatingWriter_TruncatesOversizedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "daemon.log")
	if err := os.WriteFile(path, []byte(strings.Repeat("x", 100)), 0644); err != nil {
		t.Fatalf("seed: %v", err)
	}

	w, err := NewRotatingWriter(path, 50)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	defer w.Close()

	if w.size != 0 {
		t.Fatalf("expected truncated file, size %d", w.size)
	}
}
