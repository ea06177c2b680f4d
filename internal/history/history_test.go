package history

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestNewStoreCreatesSchema(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir)
	if err != nil {
		t.Fatalf("Failed to create history store: %v", err)
	}
	defer store.Close()

	if store.db == nil {
		t.Error("Database connection is nil")
	}

	if _, err := os.Stat(filepath.Join(dir, ".meshnerd", "history.db")); err != nil {
		t.Errorf("Database file not created: %v", err)
	}

	count, err := store.Count()
	if err != nil {
		t.Fatalf("Failed to count generations: %v", err)
	}
	if count != 0 {
		t.Errorf("expected empty store, got %d rows", count)
	}
}

func TestRecordFillsDefaults(t *testing.T) {
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("Failed to create history store: %v", err)
	}
	defer store.Close()

	gen := &Generation{
		Provider:   "anthropic",
		Model:      "claude-3-7-sonnet-20250219",
		ImageCount: 3,
	}
	if err := store.Record(gen); err != nil {
		t.Fatalf("Failed to record generation: %v", err)
	}

	if gen.ID == "" {
		t.Error("expected a generated ID")
	}
	if gen.CreatedAt.IsZero() {
		t.Error("expected CreatedAt to be stamped")
	}
	if gen.Status != StatusOK {
		t.Errorf("expected status %q, got %q", StatusOK, gen.Status)
	}
}

func TestRecordAndGet(t *testing.T) {
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("Failed to create history store: %v", err)
	}
	defer store.Close()

	created := time.Date(2026, 8, 22, 9, 30, 0, 0, time.UTC)
	gen := &Generation{
		ID:         "gen-1",
		CreatedAt:  created,
		Provider:   "gemini",
		Model:      "gemini-2.0-flash",
		ImageCount: 3,
		ScriptPath: "/tmp/out/model.scad",
		MeshPath:   "/tmp/out/model.stl",
		Dimensions: map[string]float64{"width": 10.5, "height": 20},
		Status:     StatusOK,
	}
	if err := store.Record(gen); err != nil {
		t.Fatalf("Failed to record generation: %v", err)
	}

	got, err := store.Get("gen-1")
	if err != nil {
		t.Fatalf("Failed to get generation: %v", err)
	}
	if got.Provider != "gemini" || got.Model != "gemini-2.0-flash" {
		t.Errorf("unexpected provider/model: %s/%s", got.Provider, got.Model)
	}
	if got.ImageCount != 3 {
		t.Errorf("expected image count 3, got %d", got.ImageCount)
	}
	if got.ScriptPath != "/tmp/out/model.scad" || got.MeshPath != "/tmp/out/model.stl" {
		t.Errorf("unexpected artifact paths: %s, %s", got.ScriptPath, got.MeshPath)
	}
	if !got.CreatedAt.Equal(created) {
		t.Errorf("expected created_at %v, got %v", created, got.CreatedAt)
	}
	if got.Dimensions["width"] != 10.5 || got.Dimensions["height"] != 20 {
		t.Errorf("unexpected dimensions: %v", got.Dimensions)
	}
	if got.Error != "" {
		t.Errorf("expected empty error, got %q", got.Error)
	}
}

func TestGetMissing(t *testing.T) {
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("Failed to create history store: %v", err)
	}
	defer store.Close()

	_, err = store.Get("nope")
	if err == nil {
		t.Fatal("expected error for missing generation")
	}
	if !strings.Contains(err.Error(), "not found") {
		t.Errorf("expected not found error, got %v", err)
	}
}

func TestListNewestFirst(t *testing.T) {
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("Failed to create history store: %v", err)
	}
	defer store.Close()

	base := time.Date(2026, 8, 22, 10, 0, 0, 0, time.UTC)
	for i, id := range []string{"a", "b", "c"} {
		gen := &Generation{
			ID:        id,
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
			Provider:  "anthropic",
			Model:     "claude-3-7-sonnet-20250219",
			Status:    StatusOK,
		}
		if err := store.Record(gen); err != nil {
			t.Fatalf("Failed to record generation %s: %v", id, err)
		}
	}

	gens, err := store.List(10)
	if err != nil {
		t.Fatalf("Failed to list generations: %v", err)
	}
	if len(gens) != 3 {
		t.Fatalf("expected 3 generations, got %d", len(gens))
	}
	if gens[0].ID != "c" || gens[1].ID != "b" || gens[2].ID != "a" {
		t.Errorf("expected newest-first order c,b,a, got %s,%s,%s", gens[0].ID, gens[1].ID, gens[2].ID)
	}

	gens, err = store.List(2)
	if err != nil {
		t.Fatalf("Failed to list generations: %v", err)
	}
	if len(gens) != 2 {
		t.Fatalf("expected 2 generations, got %d", len(gens))
	}
	if gens[0].ID != "c" {
		t.Errorf("expected newest generation first, got %s", gens[0].ID)
	}
}

func TestRecordDegradedAndFailed(t *testing.T) {
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("Failed to create history store: %v", err)
	}
	defer store.Close()

	degraded := &Generation{
		ID:       "gen-degraded",
		Provider: "anthropic",
		Model:    "claude-3-7-sonnet-20250219",
		Status:   StatusDegraded,
		Error:    "no object found in reply",
	}
	if err := store.Record(degraded); err != nil {
		t.Fatalf("Failed to record degraded generation: %v", err)
	}

	failed := &Generation{
		ID:       "gen-failed",
		Provider: "gemini",
		Model:    "gemini-2.0-flash",
		Status:   StatusFailed,
		Error:    "rate limit exceeded (429)",
	}
	if err := store.Record(failed); err != nil {
		t.Fatalf("Failed to record failed generation: %v", err)
	}

	got, err := store.Get("gen-degraded")
	if err != nil {
		t.Fatalf("Failed to get degraded generation: %v", err)
	}
	if got.Status != StatusDegraded {
		t.Errorf("expected status %q, got %q", StatusDegraded, got.Status)
	}
	if got.Error != "no object found in reply" {
		t.Errorf("unexpected error text: %q", got.Error)
	}

	got, err = store.Get("gen-failed")
	if err != nil {
		t.Fatalf("Failed to get failed generation: %v", err)
	}
	if got.Status != StatusFailed {
		t.Errorf("expected status %q, got %q", StatusFailed, got.Status)
	}
}

func TestStoreReopenPersists(t *testing.T) {
	dir := t.TempDir()

	store, err := NewStore(dir)
	if err != nil {
		t.Fatalf("Failed to create history store: %v", err)
	}
	gen := &Generation{Provider: "anthropic", Model: "claude-3-7-sonnet-20250219"}
	if err := store.Record(gen); err != nil {
		t.Fatalf("Failed to record generation: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Failed to close store: %v", err)
	}

	reopened, err := NewStore(dir)
	if err != nil {
		t.Fatalf("Failed to reopen history store: %v", err)
	}
	defer reopened.Close()

	count, err := reopened.Count()
	if err != nil {
		t.Fatalf("Failed to count generations: %v", err)
	}
	if count != 1 {
		t.Errorf("expected 1 generation after reopen, got %d", count)
	}

	got, err := reopened.Get(gen.ID)
	if err != nil {
		t.Fatalf("Failed to get generation after reopen: %v", err)
	}
	if got.Provider != "anthropic" {
		t.Errorf("unexpected provider after reopen: %s", got.Provider)
	}
}
