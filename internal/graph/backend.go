package graph

import (
	"fmt"

	"github.com/ipfs/go-datastore"
	dssync "github.com/ipfs/go-datastore/sync"
	levelds "github.com/ipfs/go-ds-leveldb"
)

// NewMemoryBackend returns a volatile in-memory backend. Used by ephemeral
// instances; contents are lost on eviction or shutdown.
func NewMemoryBackend() datastore.Batching {
	return dssync.MutexWrap(datastore.NewMapDatastore())
}

// NewDurableBackend returns a leveldb-backed datastore rooted at dir. Used
// by the persistent instance.
func NewDurableBackend(dir string) (datastore.Batching, error) {
	ds, err := levelds.NewDatastore(dir, nil)
	if err != nil {
		return nil, fmt.Errorf("open leveldb datastore: %w", err)
	}
	return ds, nil
}
