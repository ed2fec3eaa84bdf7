package play

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/audiolibrelab/screencap/internal/config"
)

func writeFile(t *testing.T, path string, mod time.Time) {
	t.Helper()
	if err := os.WriteFile(path, []byte("data"), 0644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	if err := os.Chtimes(path, mod, mod); err != nil {
		t.Fatalf("chtimes %s: %v", path, err)
	}
}

func testPlayer(dir string) *Player {
	cfg := &config.Config{}
	cfg.Output.Directory = dir
	return New(cfg)
}

func TestListRecordings(t *testing.T) {
	dir := t.TempDir()
	now := time.Now()
	writeFile(t, filepath.Join(dir, "recording-1.webm"), now.Add(-time.Hour))
	writeFile(t, filepath.Join(dir, "recording-2.mp4"), now)
	writeFile(t, filepath.Join(dir, "notes.txt"), now)

	recordings, err := ListRecordings(dir)
	if err != nil {
		t.Fatalf("ListRecordings failed: %v", err)
	}
	if len(recordings) != 2 {
		t.Fatalf("Expected 2 recordings, got %d", len(recordings))
	}
	if recordings[0].Name != "recording-2.mp4" {
		t.Errorf("Expected newest recording first, got %s", recordings[0].Name)
	}

	missing, err := ListRecordings(filepath.Join(dir, "missing"))
	if err != nil || missing != nil {
		t.Errorf("Expected no recordings and no error for missing directory, got %v, %v", missing, err)
	}
}

func TestResolve(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "recording-1.webm"), time.Now())
	p := testPlayer(dir)

	path, err := p.Resolve("")
	if err != nil {
		t.Fatalf("Resolve latest failed: %v", err)
	}
	if path != filepath.Join(dir, "recording-1.webm") {
		t.Errorf("Unexpected latest path %s", path)
	}

	if _, err := p.Resolve("recording-9.webm"); err == nil {
		t.Error("Expected error for missing recording")
	}

	if _, err := testPlayer(t.TempDir()).Resolve(""); err == nil {
		t.Error("Expected error for empty directory")
	}
}

func TestPlay_FakePlayer(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "recording-1.webm"), time.Now())

	bin := t.TempDir()
	marker := filepath.Join(bin, "played")
	script := "#!/bin/sh\necho \"$@\" > " + marker + "\n"
	if err := os.WriteFile(filepath.Join(bin, "ffplay"), []byte(script), 0755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	t.Setenv("PATH", bin)

	if err := testPlayer(dir).Play(context.Background(), ""); err != nil {
		t.Fatalf("Play failed: %v", err)
	}
	data, err := os.ReadFile(marker)
	if err != nil {
		t.Fatalf("player was not invoked: %v", err)
	}
	if want := "-autoexit -loglevel error " + filepath.Join(dir, "recording-1.webm") + "\n"; string(data) != want {
		t.Errorf("Unexpected player args %q, want %q", data, want)
	}
}

func TestPlay_NoPlayer(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "recording-1.webm"), time.Now())
	t.Setenv("PATH", t.TempDir())

	if err := testPlayer(dir).Play(context.Background(), ""); err == nil {
		t.Error("Expected error when no player is installed")
	}
}
