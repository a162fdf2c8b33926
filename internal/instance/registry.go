package instance

import (
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/graphmesh/graphmesh/internal/graph"
	"github.com/graphmesh/graphmesh/internal/metrics"
	"github.com/graphmesh/graphmesh/pkg/proto"
)

// ErrInvalidPath is returned when a path cannot name an instance: empty,
// containing empty segments, or shadowing the reserved root path.
var ErrInvalidPath = errors.New("invalid instance path")

// StoreFactory builds the store for a new ephemeral instance.
type StoreFactory func() *graph.Store

// Registry owns the path → instance mapping. All creation and eviction
// decisions pass through one mutex, so no two evictions can race and the
// capacity bound holds under concurrent resolution.
type Registry struct {
	mu        sync.Mutex
	rootPath  string
	root      *Instance
	ephemeral map[string]*Instance
	capacity  int
	factory   StoreFactory
	metrics   *metrics.NodeMetrics
}

// NewRegistry creates a registry with the persistent instance already
// installed under rootPath.
func NewRegistry(rootPath string, rootStore *graph.Store, capacity int, factory StoreFactory, m *metrics.NodeMetrics) *Registry {
	r := &Registry{
		rootPath:  rootPath,
		root:      newInstance(rootPath, Persistent, rootStore),
		ephemeral: make(map[string]*Instance),
		capacity:  capacity,
		factory:   factory,
		metrics:   m,
	}
	if m != nil {
		m.EphemeralCapacity.Set(float64(capacity))
	}
	return r
}

// RootPath returns the reserved path of the persistent instance.
func (r *Registry) RootPath() string { return r.rootPath }

// Root returns the persistent instance.
func (r *Registry) Root() *Instance { return r.root }

// Capacity returns the configured ephemeral instance cap.
func (r *Registry) Capacity() int { return r.capacity }

// normalizePath validates and canonicalizes an instance path.
func (r *Registry) normalizePath(path string) (string, error) {
	clean := strings.Trim(path, "/")
	if clean == "" {
		return "", ErrInvalidPath
	}
	segments := strings.Split(clean, "/")
	for _, seg := range segments {
		if seg == "" || strings.ContainsAny(seg, " \t\n") {
			return "", ErrInvalidPath
		}
	}
	// A multi-segment path under the reserved root would shadow the
	// persistent instance's namespace.
	if segments[0] == r.rootPath && len(segments) > 1 {
		return "", ErrInvalidPath
	}
	return clean, nil
}

// Resolve returns the instance for path, creating an ephemeral instance on
// first reference. Resolving the reserved root path always yields the
// persistent instance. When at capacity, the least-recently-accessed
// ephemeral instance is evicted before the new one is created; its
// connections are closed before Resolve returns.
func (r *Registry) Resolve(path string) (*Instance, error) {
	clean, err := r.normalizePath(path)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if clean == r.rootPath {
		r.root.lastAccess = time.Now()
		return r.root, nil
	}

	if inst, ok := r.ephemeral[clean]; ok {
		inst.lastAccess = time.Now()
		return inst, nil
	}

	if len(r.ephemeral) >= r.capacity {
		r.evictLRULocked()
	}

	inst := newInstance(clean, Ephemeral, r.factory())
	r.ephemeral[clean] = inst
	if r.metrics != nil {
		r.metrics.EphemeralInstances.Set(float64(len(r.ephemeral)))
	}

	log.Debug().Str("path", clean).Int("active", len(r.ephemeral)).Msg("ephemeral instance created")
	return inst, nil
}

// evictLRULocked removes the least-recently-accessed ephemeral instance,
// closing its connections and discarding its store. Ephemeral stores are
// non-durable, so there is nothing to flush. Caller holds r.mu.
func (r *Registry) evictLRULocked() {
	var victim *Instance
	for _, inst := range r.ephemeral {
		if victim == nil || inst.lastAccess.Before(victim.lastAccess) {
			victim = inst
		}
	}
	if victim == nil {
		return
	}

	victim.closeConns()
	if err := victim.store.Close(); err != nil {
		log.Debug().Err(err).Str("path", victim.path).Msg("closing evicted store")
	}
	delete(r.ephemeral, victim.path)

	if r.metrics != nil {
		r.metrics.EphemeralInstances.Set(float64(len(r.ephemeral)))
		r.metrics.InstanceEvictions.Inc()
	}

	log.Info().
		Str("path", victim.path).
		Dur("idle", time.Since(victim.lastAccess)).
		Msg("evicted ephemeral instance")
}

// EphemeralCount returns the number of live ephemeral instances.
func (r *Registry) EphemeralCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.ephemeral)
}

// ListActive returns a snapshot of the live ephemeral instances ordered by
// recency, most recently accessed first.
func (r *Registry) ListActive() []proto.InstanceInfo {
	r.mu.Lock()
	type snap struct {
		info proto.InstanceInfo
		at   time.Time
	}
	snaps := make([]snap, 0, len(r.ephemeral))
	now := time.Now()
	for _, inst := range r.ephemeral {
		snaps = append(snaps, snap{
			info: proto.InstanceInfo{
				Path:      inst.path,
				CreatedAt: inst.createdAt,
				IdleSecs:  now.Sub(inst.lastAccess).Seconds(),
			},
			at: inst.lastAccess,
		})
	}
	r.mu.Unlock()

	sort.Slice(snaps, func(i, j int) bool { return snaps[i].at.After(snaps[j].at) })

	infos := make([]proto.InstanceInfo, len(snaps))
	for i, s := range snaps {
		infos[i] = s.info
	}
	return infos
}

// Shutdown destroys every ephemeral instance and closes all connections
// bound to the persistent instance. The persistent store itself is left to
// its owner.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	eph := make([]*Instance, 0, len(r.ephemeral))
	for _, inst := range r.ephemeral {
		eph = append(eph, inst)
	}
	r.ephemeral = make(map[string]*Instance)
	if r.metrics != nil {
		r.metrics.EphemeralInstances.Set(0)
	}
	r.mu.Unlock()

	for _, inst := range eph {
		inst.closeConns()
		_ = inst.store.Close()
	}
	r.root.closeConns()
}
