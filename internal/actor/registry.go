// Package actor tracks the principals that appear in the audit stream.
//
// Actors are auto-discovered: the first record appended for a given actor
// registers it. The registry persists to ~/.chainlog/actors.yaml and keeps
// per-actor activity stats (total events, failed events, last role, first
// and last seen timestamps) so operators can answer "who has been doing
// what" without scanning the log.
//
// The watchlist is the companion state: actors under active investigation.
// Appends attributed to a watched actor are flagged by the alert engine.
package actor

import (
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// Actor statuses as stored in the registry.
const (
	StatusActive  = "active"
	StatusWatched = "watched"
)

// Actor is a tracked principal. Actors are identified by name (the actor
// field of audit records) and accumulate stats over their lifetime.
type Actor struct {
	Name      string     `yaml:"-" json:"name"`
	FirstSeen time.Time  `yaml:"first_seen" json:"first_seen"`
	LastSeen  time.Time  `yaml:"last_seen" json:"last_seen"`
	Status    string     `yaml:"status" json:"status"`
	Role      string     `yaml:"role" json:"role"`
	Stats     ActorStats `yaml:"stats" json:"stats"`
}

// ActorStats holds cumulative counters for an actor's activity.
type ActorStats struct {
	TotalEvents  uint64 `yaml:"total_events" json:"total_events"`
	FailedEvents uint64 `yaml:"failed_events" json:"failed_events"`
}

// Registry manages the set of known actors and their stats.
// Thread-safe: the daemon calls Touch() from the append path while HTTP
// handlers call List() and Get() concurrently.
type Registry struct {
	mu     sync.RWMutex
	actors map[string]*Actor
	path   string // Path to actors.yaml for persistence.
}

// registryFile is the YAML envelope for actors.yaml.
// Top-level key "actors" maps actor names to their data.
type registryFile struct {
	Actors map[string]*Actor `yaml:"actors"`
}

// NewRegistry loads the actor registry from the given YAML file path.
// If the file doesn't exist, returns an empty registry (not an error).
func NewRegistry(path string) (*Registry, error) {
	r := &Registry{
		actors: make(map[string]*Actor),
		path:   path,
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return r, nil
		}
		return nil, fmt.Errorf("reading actor registry %s: %w", path, err)
	}

	// Handle empty file gracefully.
	if len(data) == 0 {
		return r, nil
	}

	var file registryFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parsing actor registry %s: %w", path, err)
	}

	// Populate the Name field from the map key (it's not stored in the YAML value).
	for name, a := range file.Actors {
		if a == nil {
			continue
		}
		a.Name = name
		r.actors[name] = a
	}

	slog.Info("actor registry loaded", "actors", len(r.actors), "path", path)
	return r, nil
}

// List returns all registered actors, sorted alphabetically by name.
func (r *Registry) List() []Actor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	actors := make([]Actor, 0, len(r.actors))
	for _, a := range r.actors {
		actors = append(actors, *a)
	}
	sort.Slice(actors, func(i, j int) bool {
		return actors[i].Name < actors[j].Name
	})
	return actors
}

// Get returns the actor with the given name, or an error if not found.
func (r *Registry) Get(name string) (Actor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.actors[name]
	if !ok {
		return Actor{}, fmt.Errorf("actor %q not found", name)
	}
	return *a, nil
}

// Touch updates the actor's last seen timestamp and role and increments the
// event counters. If the actor doesn't exist, it's auto-registered (first
// seen on its first audit record). If failed is true, FailedEvents is also
// incremented.
//
// Called by the daemon after every successful append.
func (r *Registry) Touch(name, role string, failed bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now().UTC()
	a, ok := r.actors[name]
	if !ok {
		a = &Actor{
			Name:      name,
			FirstSeen: now,
			Status:    StatusActive,
		}
		r.actors[name] = a
		slog.Info("new actor registered", "actor", name, "role", role)
	}

	a.LastSeen = now
	a.Role = role
	a.Stats.TotalEvents++
	if failed {
		a.Stats.FailedEvents++
	}
}

// SetStatus updates an actor's status (StatusActive or StatusWatched).
// Used by the watchlist to reflect the watched state in the registry.
func (r *Registry) SetStatus(name, status string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if a, ok := r.actors[name]; ok {
		a.Status = status
	}
}

// Save persists the current registry state to actors.yaml.
// Called on graceful shutdown to avoid losing in-memory stats.
func (r *Registry) Save() error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	file := registryFile{Actors: r.actors}
	data, err := yaml.Marshal(&file)
	if err != nil {
		return fmt.Errorf("marshaling actor registry: %w", err)
	}

	if err := os.WriteFile(r.path, data, 0o644); err != nil {
		return fmt.Errorf("writing actor registry %s: %w", r.path, err)
	}

	return nil
}
