package actor

import (
	"os"
	"path/filepath"
	"testing"
)

// === Watchlist Tests ===

func TestNewWatchlist_NonexistentFile(t *testing.T) {
	w, err := NewWatchlist(filepath.Join(t.TempDir(), "watchlist.yaml"))
	if err != nil {
		t.Fatalf("NewWatchlist with nonexistent file should not error: %v", err)
	}
	if w.IsWatched("anyone") {
		t.Error("no actors should be watched initially")
	}
}

func TestNewWatchlist_LoadExisting(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "watchlist.yaml")
	data := []byte("- actor: mallory\n  added_at: \"2026-01-01T00:00:00Z\"\n  reason: \"test\"\n  added_by: \"admin\"\n")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}

	w, err := NewWatchlist(path)
	if err != nil {
		t.Fatal(err)
	}

	if !w.IsWatched("mallory") {
		t.Error("mallory should be watched after loading")
	}
	if w.IsWatched("alice") {
		t.Error("alice should not be watched")
	}
}

func TestWatchlist_Add(t *testing.T) {
	w, _ := NewWatchlist(filepath.Join(t.TempDir(), "watchlist.yaml"))

	if err := w.Add("mallory", "repeated failures", "admin"); err != nil {
		t.Fatal(err)
	}

	if !w.IsWatched("mallory") {
		t.Error("mallory should be watched after Add()")
	}
	if w.IsWatched("alice") {
		t.Error("alice should not be watched")
	}
}

func TestWatchlist_AddIdempotent(t *testing.T) {
	w, _ := NewWatchlist(filepath.Join(t.TempDir(), "watchlist.yaml"))

	_ = w.Add("mallory", "reason1", "admin")
	err := w.Add("mallory", "reason2", "admin")
	if err != nil {
		t.Errorf("adding an already-watched actor should not error: %v", err)
	}

	entries := w.List()
	if len(entries) != 1 {
		t.Errorf("expected 1 entry, got %d", len(entries))
	}
	if entries[0].Reason != "reason1" {
		t.Errorf("original entry should be kept, got reason %q", entries[0].Reason)
	}
}

func TestWatchlist_Remove(t *testing.T) {
	w, _ := NewWatchlist(filepath.Join(t.TempDir(), "watchlist.yaml"))

	_ = w.Add("mallory", "reason", "admin")
	if !w.IsWatched("mallory") {
		t.Fatal("mallory should be watched")
	}

	if err := w.Remove("mallory"); err != nil {
		t.Fatal(err)
	}
	if w.IsWatched("mallory") {
		t.Error("mallory should not be watched after Remove()")
	}
}

func TestWatchlist_RemoveNotWatched(t *testing.T) {
	w, _ := NewWatchlist(filepath.Join(t.TempDir(), "watchlist.yaml"))

	err := w.Remove("never-watched")
	if err != nil {
		t.Errorf("removing a non-watched actor should not error: %v", err)
	}
}

func TestWatchlist_PersistsToFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "watchlist.yaml")

	w, _ := NewWatchlist(path)
	_ = w.Add("mallory", "reason", "admin")

	// Read the file and verify it contains the actor.
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(data) == 0 {
		t.Error("watchlist.yaml should not be empty after Add()")
	}

	// Load into a new Watchlist.
	w2, err := NewWatchlist(path)
	if err != nil {
		t.Fatal(err)
	}
	if !w2.IsWatched("mallory") {
		t.Error("persisted watch should be loaded by new Watchlist")
	}
}

func TestWatchlist_RemovePersists(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "watchlist.yaml")

	w, _ := NewWatchlist(path)
	_ = w.Add("mallory", "reason", "admin")
	_ = w.Remove("mallory")

	// Load into a new Watchlist.
	w2, _ := NewWatchlist(path)
	if w2.IsWatched("mallory") {
		t.Error("removed actor should not be watched after reload")
	}
}

func TestWatchlist_Reload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "watchlist.yaml")

	w, _ := NewWatchlist(path)

	// Externally write a watched actor.
	data := []byte("- actor: external\n  added_at: \"2026-01-01T00:00:00Z\"\n  reason: \"external\"\n  added_by: \"script\"\n")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}

	if err := w.Reload(); err != nil {
		t.Fatal(err)
	}
	if !w.IsWatched("external") {
		t.Error("external actor should be watched after Reload()")
	}
}

// === Registry Tests ===

func TestNewRegistry_NonexistentFile(t *testing.T) {
	r, err := NewRegistry(filepath.Join(t.TempDir(), "actors.yaml"))
	if err != nil {
		t.Fatalf("NewRegistry with nonexistent file should not error: %v", err)
	}
	actors := r.List()
	if len(actors) != 0 {
		t.Errorf("expected 0 actors, got %d", len(actors))
	}
}

func TestRegistry_Touch_AutoRegisters(t *testing.T) {
	r, _ := NewRegistry(filepath.Join(t.TempDir(), "actors.yaml"))

	r.Touch("alice", "analyst", false)

	a, err := r.Get("alice")
	if err != nil {
		t.Fatal(err)
	}

	if a.Name != "alice" {
		t.Errorf("Name: expected alice, got %q", a.Name)
	}
	if a.Status != StatusActive {
		t.Errorf("Status: expected active, got %q", a.Status)
	}
	if a.Role != "analyst" {
		t.Errorf("Role: expected analyst, got %q", a.Role)
	}
	if a.Stats.TotalEvents != 1 {
		t.Errorf("TotalEvents: expected 1, got %d", a.Stats.TotalEvents)
	}
	if a.FirstSeen.IsZero() || a.LastSeen.IsZero() {
		t.Error("FirstSeen and LastSeen should be set")
	}
}

func TestRegistry_Touch_UpdatesExisting(t *testing.T) {
	r, _ := NewRegistry(filepath.Join(t.TempDir(), "actors.yaml"))

	r.Touch("alice", "analyst", false)
	r.Touch("alice", "admin", true)

	a, _ := r.Get("alice")
	if a.Stats.TotalEvents != 2 {
		t.Errorf("TotalEvents: expected 2, got %d", a.Stats.TotalEvents)
	}
	if a.Stats.FailedEvents != 1 {
		t.Errorf("FailedEvents: expected 1, got %d", a.Stats.FailedEvents)
	}
	if a.Role != "admin" {
		t.Errorf("Role should be updated to admin, got %q", a.Role)
	}
}

func TestRegistry_Get_NotFound(t *testing.T) {
	r, _ := NewRegistry(filepath.Join(t.TempDir(), "actors.yaml"))

	_, err := r.Get("nonexistent")
	if err == nil {
		t.Error("expected error for nonexistent actor")
	}
}

func TestRegistry_List_Sorted(t *testing.T) {
	r, _ := NewRegistry(filepath.Join(t.TempDir(), "actors.yaml"))

	r.Touch("zoe", "analyst", false)
	r.Touch("alice", "admin", false)
	r.Touch("bob", "responder", false)

	actors := r.List()
	if len(actors) != 3 {
		t.Fatalf("expected 3 actors, got %d", len(actors))
	}
	if actors[0].Name != "alice" || actors[1].Name != "bob" || actors[2].Name != "zoe" {
		t.Errorf("actors should be sorted by name, got %q %q %q",
			actors[0].Name, actors[1].Name, actors[2].Name)
	}
}

func TestRegistry_SetStatus(t *testing.T) {
	r, _ := NewRegistry(filepath.Join(t.TempDir(), "actors.yaml"))

	r.Touch("alice", "analyst", false)
	r.SetStatus("alice", StatusWatched)

	a, _ := r.Get("alice")
	if a.Status != StatusWatched {
		t.Errorf("Status: expected watched, got %q", a.Status)
	}
}

func TestRegistry_SaveAndReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "actors.yaml")

	r, _ := NewRegistry(path)
	r.Touch("alice", "analyst", false)
	r.Touch("alice", "analyst", true)

	if err := r.Save(); err != nil {
		t.Fatal(err)
	}

	// Reload.
	r2, err := NewRegistry(path)
	if err != nil {
		t.Fatal(err)
	}

	a, err := r2.Get("alice")
	if err != nil {
		t.Fatal(err)
	}
	if a.Role != "analyst" {
		t.Errorf("reloaded Role: expected analyst, got %q", a.Role)
	}
	if a.Stats.TotalEvents != 2 {
		t.Errorf("reloaded TotalEvents: expected 2, got %d", a.Stats.TotalEvents)
	}
	if a.Stats.FailedEvents != 1 {
		t.Errorf("reloaded FailedEvents: expected 1, got %d", a.Stats.FailedEvents)
	}
}
