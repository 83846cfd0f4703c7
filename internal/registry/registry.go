// Package registry keeps the set of discoverable model descriptors. A
// descriptor is immutable once registered; rescanning replaces the set with
// what is currently on disk.
package registry

import (
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"lifecycled/internal/common/fsutil"
	"lifecycled/pkg/types"
)

// DuplicateError is returned by Register when the id is already taken.
type DuplicateError struct{ ID string }

func (e *DuplicateError) Error() string { return fmt.Sprintf("model %q already registered", e.ID) }

// Registry is safe for concurrent use.
type Registry struct {
	mu   sync.RWMutex
	dir  string
	byID map[string]types.ModelDescriptor
	log  zerolog.Logger
}

// New returns an empty registry rooted at dir. dir may be empty when models
// are only registered explicitly.
func New(dir string, log zerolog.Logger) *Registry {
	return &Registry{dir: dir, byID: map[string]types.ModelDescriptor{}, log: log.With().Str("component", "registry").Logger()}
}

// Dir returns the scanned models directory.
func (r *Registry) Dir() string { return r.dir }

// Register adds d. IDs are unique.
func (r *Registry) Register(d types.ModelDescriptor) error {
	if d.ID == "" {
		return fmt.Errorf("descriptor id is empty")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byID[d.ID]; ok {
		return &DuplicateError{ID: d.ID}
	}
	r.byID[d.ID] = d
	return nil
}

// Get looks up a descriptor by id.
func (r *Registry) Get(id string) (types.ModelDescriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.byID[id]
	return d, ok
}

// Remove drops id and reports whether it was present.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.byID[id]
	delete(r.byID, id)
	return ok
}

// List returns all descriptors sorted by id.
func (r *Registry) List() []types.ModelDescriptor {
	r.mu.RLock()
	out := make([]types.ModelDescriptor, 0, len(r.byID))
	for _, d := range r.byID {
		out = append(out, d)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of registered descriptors.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

// Rescan re-reads the models directory and replaces the descriptor set.
// Explicitly registered descriptors whose path still exists are kept.
// It returns the ids that appeared and the ids that vanished.
func (r *Registry) Rescan() (added, removed []string, err error) {
	if r.dir == "" {
		return nil, nil, nil
	}
	found, err := Scan(r.dir, r.log)
	if err != nil {
		return nil, nil, err
	}
	next := make(map[string]types.ModelDescriptor, len(found))
	for _, d := range found {
		next[d.ID] = d
	}
	r.mu.Lock()
	for id, d := range r.byID {
		if _, ok := next[id]; ok {
			continue
		}
		if !fsutil.Within(r.dir, d.Path) && fsutil.PathExists(d.Path) {
			next[id] = d
			continue
		}
		removed = append(removed, id)
	}
	for id := range next {
		if _, ok := r.byID[id]; !ok {
			added = append(added, id)
		}
	}
	r.byID = next
	r.mu.Unlock()
	sort.Strings(added)
	sort.Strings(removed)
	if len(added) > 0 || len(removed) > 0 {
		r.log.Info().Str("event", "rescan").Strs("added", added).Strs("removed", removed).Msg("registry")
	}
	return added, removed, nil
}
