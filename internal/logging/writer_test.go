package logging

import (
	"log"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNewWriterWritesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "chatd.log")
	w, err := NewWriter(path, Options{})
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	logger := log.New(w, "[chatd] ", 0)
	logger.Printf("hello %s", "world")
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if !strings.Contains(string(data), "[chatd] hello world") {
		t.Fatalf("unexpected log contents %q", data)
	}
}

func TestNewWriterDisabled(t *testing.T) {
	w, err := NewWriter("-", Options{})
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	if _, err := w.Write([]byte("dropped")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}
