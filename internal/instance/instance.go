// Package instance manages graph instance lifecycles: the single
// persistent, peer-synchronized instance and the pool of ephemeral,
// memory-only instances addressed by path.
package instance

import (
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/graphmesh/graphmesh/internal/graph"
)

// Mode distinguishes the persistent instance from ephemeral ones.
type Mode int

const (
	// Persistent is the single long-lived, network-synchronized instance.
	Persistent Mode = iota
	// Ephemeral instances are isolated, memory-only and LRU-evicted.
	Ephemeral
)

func (m Mode) String() string {
	if m == Persistent {
		return "persistent"
	}
	return "ephemeral"
}

// Instance is one logical graph namespace with its own store and bound
// wire connections.
type Instance struct {
	path      string
	mode      Mode
	store     *graph.Store
	createdAt time.Time

	// lastAccess is guarded by the owning registry's mutex.
	lastAccess time.Time

	mu    sync.Mutex
	conns map[io.Closer]struct{}
}

func newInstance(path string, mode Mode, store *graph.Store) *Instance {
	now := time.Now()
	return &Instance{
		path:       path,
		mode:       mode,
		store:      store,
		createdAt:  now,
		lastAccess: now,
		conns:      make(map[io.Closer]struct{}),
	}
}

// Path returns the instance's route path.
func (i *Instance) Path() string { return i.path }

// Mode returns whether the instance is persistent or ephemeral.
func (i *Instance) Mode() Mode { return i.mode }

// Store returns the instance's graph store.
func (i *Instance) Store() *graph.Store { return i.store }

// CreatedAt returns the instance creation time.
func (i *Instance) CreatedAt() time.Time { return i.createdAt }

// Bind attaches a wire connection to this instance. Bound connections are
// force-closed when the instance is evicted or the node shuts down.
func (i *Instance) Bind(c io.Closer) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.conns[c] = struct{}{}
}

// Unbind detaches a connection, normally on client disconnect.
func (i *Instance) Unbind(c io.Closer) {
	i.mu.Lock()
	defer i.mu.Unlock()
	delete(i.conns, c)
}

// ConnCount returns the number of bound connections.
func (i *Instance) ConnCount() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return len(i.conns)
}

// closeConns force-closes every bound connection synchronously.
func (i *Instance) closeConns() {
	i.mu.Lock()
	conns := make([]io.Closer, 0, len(i.conns))
	for c := range i.conns {
		conns = append(conns, c)
	}
	i.conns = make(map[io.Closer]struct{})
	i.mu.Unlock()

	for _, c := range conns {
		if err := c.Close(); err != nil {
			log.Debug().Err(err).Str("path", i.path).Msg("closing bound connection")
		}
	}
}
