package uploads

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	logx "wablast/pkg/logx"
)

func TestSaveKeepsExtension(t *testing.T) {
	t.Parallel()
	s, err := New(t.TempDir(), time.Hour, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	path, err := s.Save(strings.NewReader("jpeg-bytes"), "Photo.JPG")
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if filepath.Ext(path) != ".jpg" {
		t.Fatalf("ext = %q", filepath.Ext(path))
	}
	b, err := os.ReadFile(path)
	if err != nil || string(b) != "jpeg-bytes" {
		t.Fatalf("content = %q, err %v", b, err)
	}
}

func TestSweepRemovesOnlyExpired(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	s, err := New(dir, time.Hour, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}

	fresh, err := s.Save(strings.NewReader("fresh"), "a.png")
	if err != nil {
		t.Fatal(err)
	}
	stale, err := s.Save(strings.NewReader("stale"), "b.png")
	if err != nil {
		t.Fatal(err)
	}
	old := time.Now().Add(-2 * time.Hour)
	if err := os.Chtimes(stale, old, old); err != nil {
		t.Fatal(err)
	}

	if removed := s.Sweep(time.Now()); removed != 1 {
		t.Fatalf("removed = %d, want 1", removed)
	}
	if _, err := os.Stat(fresh); err != nil {
		t.Fatalf("fresh file gone: %v", err)
	}
	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Fatalf("stale file still there: %v", err)
	}
}
