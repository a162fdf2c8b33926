// Package replication fulfills pin requests published on the shared
// graph: a bounded worker pool pins requested content locally and
// reports outcomes back into the response log.
package replication

import (
	"context"
	"fmt"

	"github.com/ipfs/go-cid"
	"github.com/klauspost/compress/zstd"

	"github.com/graphmesh/graphmesh/internal/graph"
)

// Pinner stores a copy of the content behind a CID so this node can serve
// it to the network.
type Pinner interface {
	Pin(ctx context.Context, c cid.Cid) error
}

// FetchFunc retrieves the raw content behind a CID from the network.
type FetchFunc func(ctx context.Context, c cid.Cid) ([]byte, error)

// pinnedBlock is the stored form of locally pinned content.
type pinnedBlock struct {
	CID        string `json:"cid"`
	Compressed []byte `json:"compressed"`
	RawSize    int    `json:"raw_size"`
}

// StorePinner fetches content and writes it, zstd-compressed, into the
// persistent instance under the pin namespace.
type StorePinner struct {
	store *graph.Store
	fetch FetchFunc
	enc   *zstd.Encoder
}

// PinKey returns the storage key for a pinned CID.
func PinKey(c cid.Cid) string {
	return "/pins/" + c.String()
}

// NewStorePinner creates a pinner backed by the given store and fetcher.
func NewStorePinner(store *graph.Store, fetch FetchFunc) (*StorePinner, error) {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	return &StorePinner{store: store, fetch: fetch, enc: enc}, nil
}

// Pin fetches, compresses and stores the content behind c.
func (p *StorePinner) Pin(ctx context.Context, c cid.Cid) error {
	raw, err := p.fetch(ctx, c)
	if err != nil {
		return fmt.Errorf("fetch %s: %w", c, err)
	}
	block := pinnedBlock{
		CID:        c.String(),
		Compressed: p.enc.EncodeAll(raw, nil),
		RawSize:    len(raw),
	}
	if err := p.store.Put(ctx, PinKey(c), block); err != nil {
		return fmt.Errorf("store pin %s: %w", c, err)
	}
	return nil
}

// Retrieve returns the decompressed content of a previously pinned CID.
func (p *StorePinner) Retrieve(ctx context.Context, c cid.Cid) ([]byte, error) {
	var block pinnedBlock
	if err := p.store.Get(ctx, PinKey(c), &block); err != nil {
		return nil, err
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	defer dec.Close()
	raw, err := dec.DecodeAll(block.Compressed, nil)
	if err != nil {
		return nil, fmt.Errorf("decompress pin %s: %w", c, err)
	}
	return raw, nil
}
