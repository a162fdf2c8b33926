// Package deals keeps an off-chain mirror of this node's storage deals
// and reconciles it against the contract, with the chain as the source
// of truth.
package deals

import (
	"context"
	"fmt"
	"sort"
	"strconv"

	"github.com/graphmesh/graphmesh/internal/graph"
	"github.com/graphmesh/graphmesh/pkg/proto"
)

// Mirror is the datastore-backed deal copy. Deals are stored by ID with
// secondary indexes by CID and client address.
type Mirror struct {
	store *graph.Store
}

// NewMirror creates a mirror over the given store.
func NewMirror(store *graph.Store) *Mirror {
	return &Mirror{store: store}
}

func dealKey(id uint64) string {
	return graph.DealPrefix + "/byid/" + strconv.FormatUint(id, 10)
}

func cidIndexKey(c string, id uint64) string {
	return graph.DealPrefix + "/bycid/" + c + "/" + strconv.FormatUint(id, 10)
}

func clientIndexKey(addr string, id uint64) string {
	return graph.DealPrefix + "/byclient/" + addr + "/" + strconv.FormatUint(id, 10)
}

// Get returns the mirrored deal with the given ID.
func (m *Mirror) Get(ctx context.Context, id uint64) (proto.Deal, error) {
	var d proto.Deal
	if err := m.store.Get(ctx, dealKey(id), &d); err != nil {
		return proto.Deal{}, err
	}
	return d, nil
}

// Put writes a deal and its indexes. The primary record is written last
// so an interrupted write never leaves an index pointing at nothing the
// next pass cannot repair.
func (m *Mirror) Put(ctx context.Context, d proto.Deal) error {
	ref := dealRef{DealID: d.DealID}
	if err := m.store.Put(ctx, cidIndexKey(d.CID, d.DealID), ref); err != nil {
		return fmt.Errorf("write cid index: %w", err)
	}
	if err := m.store.Put(ctx, clientIndexKey(d.ClientAddress, d.DealID), ref); err != nil {
		return fmt.Errorf("write client index: %w", err)
	}
	if err := m.store.Put(ctx, dealKey(d.DealID), d); err != nil {
		return fmt.Errorf("write deal %d: %w", d.DealID, err)
	}
	return nil
}

// dealRef is the index record pointing back at a primary deal entry.
type dealRef struct {
	DealID uint64 `json:"deal_id"`
}

// List returns all mirrored deals sorted by ID.
func (m *Mirror) List(ctx context.Context) ([]proto.Deal, error) {
	entries, err := m.store.List(ctx, graph.DealPrefix+"/byid")
	if err != nil {
		return nil, err
	}
	out := make([]proto.Deal, 0, len(entries))
	for _, e := range entries {
		var d proto.Deal
		if err := m.store.Get(ctx, e.Key, &d); err != nil {
			continue
		}
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DealID < out[j].DealID })
	return out, nil
}

// ByCID returns mirrored deals covering the given CID.
func (m *Mirror) ByCID(ctx context.Context, c string) ([]proto.Deal, error) {
	return m.byIndex(ctx, graph.DealPrefix+"/bycid/"+c)
}

// ByClient returns mirrored deals for the given client address.
func (m *Mirror) ByClient(ctx context.Context, addr string) ([]proto.Deal, error) {
	return m.byIndex(ctx, graph.DealPrefix+"/byclient/"+addr)
}

func (m *Mirror) byIndex(ctx context.Context, prefix string) ([]proto.Deal, error) {
	entries, err := m.store.List(ctx, prefix)
	if err != nil {
		return nil, err
	}
	out := make([]proto.Deal, 0, len(entries))
	for _, e := range entries {
		var ref dealRef
		if err := m.store.Get(ctx, e.Key, &ref); err != nil {
			continue
		}
		d, err := m.Get(ctx, ref.DealID)
		if err != nil {
			continue
		}
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DealID < out[j].DealID })
	return out, nil
}
