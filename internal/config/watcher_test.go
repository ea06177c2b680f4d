package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
)

func TestWatcherReloadsOnChange(t *testing.T) {
	clearEnv(t)

	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(path, []byte("provider: anthropic\n"), 0644); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	reloaded := make(chan *Config, 1)
	w, err := NewWatcher(path, func(cfg *Config) {
		select {
		case reloaded <- cfg:
		default:
		}
	})
	if err != nil {
		t.Fatalf("NewWatcher failed: %v", err)
	}

	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer w.Stop()

	// Let the watch settle before editing
	time.Sleep(100 * time.Millisecond)

	if err := os.WriteFile(path, []byte("provider: gemini\ngemini:\n  api_key: hot\n"), 0644); err != nil {
		t.Fatalf("rewrite failed: %v", err)
	}

	select {
	case cfg := <-reloaded:
		if cfg.Provider != "gemini" {
			t.Errorf("expected reloaded Provider=gemini, got %s", cfg.Provider)
		}
		if cfg.Gemini.APIKey != "hot" {
			t.Errorf("expected reloaded APIKey=hot, got %s", cfg.Gemini.APIKey)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for reload")
	}
}

func TestWatcherIgnoresOtherFiles(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.yaml")

	w, err := NewWatcher(path, nil)
	if err != nil {
		t.Fatalf("NewWatcher failed: %v", err)
	}

	w.handleEvent(fsnotify.Event{Name: filepath.Join(tmpDir, "other.txt"), Op: fsnotify.Write})
	if !w.pendingAt.IsZero() {
		t.Error("expected event for unrelated file to be ignored")
	}

	w.handleEvent(fsnotify.Event{Name: path, Op: fsnotify.Chmod})
	if !w.pendingAt.IsZero() {
		t.Error("expected chmod event to be ignored")
	}

	w.handleEvent(fsnotify.Event{Name: path, Op: fsnotify.Write})
	if w.pendingAt.IsZero() {
		t.Error("expected write event to be recorded")
	}

	w.watcher.Close()
}

func TestWatcherStopIdempotent(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.yaml")

	w, err := NewWatcher(path, nil)
	if err != nil {
		t.Fatalf("NewWatcher failed: %v", err)
	}

	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if !w.IsWatching() {
		t.Error("expected watcher to be running")
	}

	w.Stop()
	if w.IsWatching() {
		t.Error("expected watcher to be stopped")
	}
	w.Stop()
}
