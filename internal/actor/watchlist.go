package actor

import (
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// WatchEntry is a single watchlist record in watchlist.yaml.
// Each entry records who placed the actor under watch, when, and why.
type WatchEntry struct {
	Actor   string    `yaml:"actor" json:"actor"`
	AddedAt time.Time `yaml:"added_at" json:"added_at"`
	Reason  string    `yaml:"reason" json:"reason"`
	AddedBy string    `yaml:"added_by" json:"added_by"`
}

// Watchlist manages the set of actors under investigation. It persists
// state to watchlist.yaml and maintains an in-memory set for fast lookups.
//
// Thread-safe: IsWatched() is called on every append from concurrent
// goroutines, while Add/Remove/Reload modify the state.
//
// The daemon file-watches watchlist.yaml and calls Reload() when it changes,
// so `chainlog watch` takes effect immediately without restarting.
type Watchlist struct {
	mu      sync.RWMutex
	watched map[string]WatchEntry // In-memory set for O(1) lookups.
	entries []WatchEntry          // Ordered list for YAML serialization.
	path    string                // Path to watchlist.yaml.
}

// NewWatchlist loads the watchlist state from the given YAML file.
// If the file doesn't exist, returns an empty watchlist (no actors watched).
func NewWatchlist(path string) (*Watchlist, error) {
	w := &Watchlist{
		watched: make(map[string]WatchEntry),
		path:    path,
	}

	if err := w.loadFromFile(); err != nil {
		return nil, err
	}

	return w, nil
}

// IsWatched checks whether the given actor is currently on the watchlist.
//
// This is called on every append, so it must be fast. O(1) map lookup
// under a read lock.
func (w *Watchlist) IsWatched(actor string) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	_, watched := w.watched[actor]
	return watched
}

// List returns the current watchlist entries in insertion order.
func (w *Watchlist) List() []WatchEntry {
	w.mu.RLock()
	defer w.mu.RUnlock()

	out := make([]WatchEntry, len(w.entries))
	copy(out, w.entries)
	return out
}

// Add places an actor on the watchlist and persists to watchlist.yaml.
// If the actor is already watched, this is a no-op (not an error).
//
// Parameters:
//   - actor:  Actor name (the actor field of audit records)
//   - reason: Human-readable reason for the watch
//   - by:     Who placed the watch ("admin", "system", etc.)
func (w *Watchlist) Add(actor, reason, by string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	// Skip if already watched.
	if _, exists := w.watched[actor]; exists {
		return nil
	}

	entry := WatchEntry{
		Actor:   actor,
		AddedAt: time.Now().UTC(),
		Reason:  reason,
		AddedBy: by,
	}

	w.watched[actor] = entry
	w.entries = append(w.entries, entry)

	slog.Warn("actor placed on watchlist", "actor", actor, "reason", reason, "by", by)
	return w.saveToFile()
}

// Remove takes an actor off the watchlist and persists to watchlist.yaml.
// If the actor is not watched, this is a no-op (not an error).
func (w *Watchlist) Remove(actor string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, exists := w.watched[actor]; !exists {
		return nil
	}

	delete(w.watched, actor)

	// Rebuild the entries slice without the removed actor.
	filtered := make([]WatchEntry, 0, len(w.entries))
	for _, e := range w.entries {
		if e.Actor != actor {
			filtered = append(filtered, e)
		}
	}
	w.entries = filtered

	slog.Info("actor removed from watchlist", "actor", actor)
	return w.saveToFile()
}

// Reload re-reads watchlist.yaml from disk and updates the in-memory state.
// Called by the file watcher when watchlist.yaml changes on disk (e.g. when
// another process like `chainlog watch` modifies it).
func (w *Watchlist) Reload() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	// Reset state and reload from file.
	w.watched = make(map[string]WatchEntry)
	w.entries = nil

	if err := w.loadFromFile(); err != nil {
		return err
	}

	slog.Info("watchlist reloaded", "watched_actors", len(w.watched))
	return nil
}

// loadFromFile reads watchlist.yaml and populates the in-memory state.
// NOT thread-safe, caller must hold the mutex.
func (w *Watchlist) loadFromFile() error {
	data, err := os.ReadFile(w.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading watchlist %s: %w", w.path, err)
	}

	// Handle empty file gracefully.
	if len(data) == 0 {
		return nil
	}

	var entries []WatchEntry
	if err := yaml.Unmarshal(data, &entries); err != nil {
		return fmt.Errorf("parsing watchlist %s: %w", w.path, err)
	}

	w.entries = entries
	for _, e := range entries {
		w.watched[e.Actor] = e
	}

	return nil
}

// saveToFile writes the current watchlist to watchlist.yaml.
// NOT thread-safe, caller must hold the mutex.
func (w *Watchlist) saveToFile() error {
	// If the watchlist is empty, write an empty file rather than "[]".
	if len(w.entries) == 0 {
		return os.WriteFile(w.path, []byte(""), 0o644)
	}

	data, err := yaml.Marshal(w.entries)
	if err != nil {
		return fmt.Errorf("marshaling watchlist: %w", err)
	}

	return os.WriteFile(w.path, data, 0o644)
}
