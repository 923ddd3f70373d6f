package app

import (
	"sort"
	"sync"
	"sync/atomic"

	"aptsync/internal/core"
	"aptsync/internal/types"
)

type registryEntry struct {
	repo     types.Repository
	state    types.SyncState
	progress types.Progress
	archs    []types.Architecture
	loaded   bool
	catalog  atomic.Pointer[core.Catalog]
}

// Registry owns the configured repositories and their catalogs. Catalogs
// are immutable snapshots swapped per entry, so readers never observe a
// refresh in progress.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*registryEntry
}

func NewRegistry() *Registry {
	return &Registry{entries: map[string]*registryEntry{}}
}

// Add reports false when a repository with the same key already exists.
func (r *Registry) Add(repo types.Repository) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := repo.Key()
	if _, ok := r.entries[key]; ok {
		return false
	}
	entry := &registryEntry{repo: repo, state: types.SyncStateIdle}
	entry.catalog.Store(core.EmptyCatalog())
	r.entries[key] = entry
	return true
}

func (r *Registry) Remove(key string) (types.Repository, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.entries[key]
	if !ok {
		return types.Repository{}, false
	}
	delete(r.entries, key)
	return entry.repo, true
}

func (r *Registry) Get(key string) (types.Repository, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.entries[key]
	if !ok {
		return types.Repository{}, false
	}
	return entry.repo, true
}

// Find resolves either a full key or the short ID.
func (r *Registry) Find(keyOrID string) (types.Repository, bool) {
	if repo, ok := r.Get(keyOrID); ok {
		return repo, true
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, entry := range r.entries {
		if entry.repo.ID() == keyOrID {
			return entry.repo, true
		}
	}
	return types.Repository{}, false
}

// List returns repositories sorted by URL, then key.
func (r *Registry) List() []types.Repository {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]types.Repository, 0, len(r.entries))
	for _, entry := range r.entries {
		out = append(out, entry.repo)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].URL() != out[j].URL() {
			return out[i].URL() < out[j].URL()
		}
		return out[i].Key() < out[j].Key()
	})
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

func (r *Registry) Update(key string, fn func(*types.Repository)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.entries[key]
	if !ok {
		return false
	}
	fn(&entry.repo)
	return true
}

// Catalog returns the current snapshot, or an empty catalog for unknown
// keys.
func (r *Registry) Catalog(key string) *core.Catalog {
	r.mu.RLock()
	entry, ok := r.entries[key]
	r.mu.RUnlock()
	if !ok {
		return core.EmptyCatalog()
	}
	return entry.catalog.Load()
}

// Loaded reports whether the catalog reflects a parsed Packages file.
func (r *Registry) Loaded(key string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.entries[key]
	return ok && entry.loaded
}

// SetCatalog swaps in a new snapshot and records which architectures it
// was built from.
func (r *Registry) SetCatalog(key string, catalog *core.Catalog, archs []types.Architecture) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.entries[key]
	if !ok {
		return false
	}
	entry.catalog.Store(catalog)
	entry.loaded = true
	entry.archs = mergeArchitectures(entry.archs, archs)
	return true
}

func (r *Registry) Architectures(key string) []types.Architecture {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.entries[key]
	if !ok {
		return nil
	}
	return append([]types.Architecture(nil), entry.archs...)
}

func (r *Registry) State(key string) types.SyncState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.entries[key]
	if !ok {
		return types.SyncStateIdle
	}
	return entry.state
}

func (r *Registry) SetState(key string, state types.SyncState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if entry, ok := r.entries[key]; ok {
		entry.state = state
	}
}

func (r *Registry) Progress(key string) (types.Progress, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.entries[key]
	if !ok {
		return types.Progress{}, false
	}
	return entry.progress, true
}

func (r *Registry) UpdateProgress(key string, fn func(*types.Progress)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if entry, ok := r.entries[key]; ok {
		fn(&entry.progress)
	}
}

func mergeArchitectures(current []types.Architecture, added []types.Architecture) []types.Architecture {
	seen := map[types.Architecture]struct{}{}
	var out []types.Architecture
	for _, arch := range append(append([]types.Architecture(nil), current...), added...) {
		if _, ok := seen[arch]; ok || !arch.Known() {
			continue
		}
		seen[arch] = struct{}{}
		out = append(out, arch)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
