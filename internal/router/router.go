package router

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/pgdog-go/pgdog/internal/cluster"
)

// registrySnapshot is an immutable point-in-time view of the routing
// table, mirroring the teacher's routerSnapshot — swapped wholesale
// under atomic.Value so Resolve stays lock-free on the hot path.
type registrySnapshot struct {
	clusters map[string]*cluster.Cluster
	paused   map[string]bool
}

// Registry resolves a client's database name to its Cluster. Mutations
// (Reload, Pause/Resume) serialize on a write mutex and swap in a new
// snapshot; reads never block on it.
type Registry struct {
	snap atomic.Value // holds *registrySnapshot
	wmu  sync.Mutex
}

// NewRegistry builds a Registry from an already-constructed set of
// clusters, keyed by database name.
func NewRegistry(clusters map[string]*cluster.Cluster) *Registry {
	snap := &registrySnapshot{
		clusters: make(map[string]*cluster.Cluster, len(clusters)),
		paused:   make(map[string]bool),
	}
	for name, c := range clusters {
		snap.clusters[name] = c
	}
	r := &Registry{}
	r.snap.Store(snap)
	return r
}

func (r *Registry) load() *registrySnapshot {
	return r.snap.Load().(*registrySnapshot)
}

func (r *Registry) cloneSnap() *registrySnapshot {
	cur := r.load()
	clusters := make(map[string]*cluster.Cluster, len(cur.clusters))
	for k, v := range cur.clusters {
		clusters[k] = v
	}
	paused := make(map[string]bool, len(cur.paused))
	for k, v := range cur.paused {
		paused[k] = v
	}
	return &registrySnapshot{clusters: clusters, paused: paused}
}

// Resolve returns the Cluster serving database, erroring if unknown or
// paused.
func (r *Registry) Resolve(database string) (*cluster.Cluster, error) {
	snap := r.load()
	c, ok := snap.clusters[database]
	if !ok {
		return nil, fmt.Errorf("router: unknown database %q", database)
	}
	if snap.paused[database] {
		return nil, fmt.Errorf("router: database %q is paused", database)
	}
	return c, nil
}

// Reload replaces the entire registry, preserving paused state for
// clusters that still exist under the new configuration.
func (r *Registry) Reload(clusters map[string]*cluster.Cluster) {
	r.wmu.Lock()
	defer r.wmu.Unlock()

	cur := r.load()
	newClusters := make(map[string]*cluster.Cluster, len(clusters))
	for k, v := range clusters {
		newClusters[k] = v
	}
	newPaused := make(map[string]bool)
	for k, v := range cur.paused {
		if _, exists := newClusters[k]; exists {
			newPaused[k] = v
		}
	}
	r.snap.Store(&registrySnapshot{clusters: newClusters, paused: newPaused})
}

// Pause marks database as refusing new routes. Returns false if unknown.
func (r *Registry) Pause(database string) bool {
	r.wmu.Lock()
	defer r.wmu.Unlock()
	cur := r.load()
	if _, ok := cur.clusters[database]; !ok {
		return false
	}
	s := r.cloneSnap()
	s.paused[database] = true
	r.snap.Store(s)
	return true
}

// Resume un-pauses database. Returns false if unknown.
func (r *Registry) Resume(database string) bool {
	r.wmu.Lock()
	defer r.wmu.Unlock()
	cur := r.load()
	if _, ok := cur.clusters[database]; !ok {
		return false
	}
	s := r.cloneSnap()
	delete(s.paused, database)
	r.snap.Store(s)
	return true
}

// IsPaused reports whether database is currently paused. Lock-free.
func (r *Registry) IsPaused(database string) bool {
	return r.load().paused[database]
}

// List returns every registered database name and its Cluster.
func (r *Registry) List() map[string]*cluster.Cluster {
	snap := r.load()
	out := make(map[string]*cluster.Cluster, len(snap.clusters))
	for k, v := range snap.clusters {
		out[k] = v
	}
	return out
}
