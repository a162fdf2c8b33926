package deals

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/graphmesh/graphmesh/pkg/proto"
)

type fakeChain struct {
	mu    sync.Mutex
	deals []proto.Deal
	err   error
}

func (f *fakeChain) FetchDeals(ctx context.Context) ([]proto.Deal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return append([]proto.Deal(nil), f.deals...), nil
}

func (f *fakeChain) set(deals []proto.Deal, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deals = deals
	f.err = err
}

type fakeBroadcaster struct {
	mu   sync.Mutex
	cids []string
	err  error
}

func (f *fakeBroadcaster) BroadcastPinRequest(ctx context.Context, cid string) (proto.PinRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return proto.PinRequest{}, f.err
	}
	f.cids = append(f.cids, cid)
	return proto.PinRequest{RequestID: "req", CID: cid}, nil
}

func (f *fakeBroadcaster) broadcasts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.cids...)
}

func TestReconcileAddsChainDeals(t *testing.T) {
	mirror := newTestMirror(t)
	chain := &fakeChain{deals: []proto.Deal{
		{DealID: 1, CID: "c1", ClientAddress: "0xa", Status: proto.DealCreated},
		{DealID: 2, CID: "c2", ClientAddress: "0xb", Status: proto.DealActive},
	}}
	r := NewReconciler(chain, mirror, nil, nil)

	res, err := r.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, proto.ReconcileResult{Added: 2}, res)

	all, err := mirror.List(context.Background())
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestReconcileIdempotent(t *testing.T) {
	mirror := newTestMirror(t)
	chain := &fakeChain{deals: []proto.Deal{
		{DealID: 1, CID: "c1", ClientAddress: "0xa", Status: proto.DealActive},
	}}
	r := NewReconciler(chain, mirror, nil, nil)
	ctx := context.Background()

	_, err := r.Reconcile(ctx)
	require.NoError(t, err)
	res, err := r.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, proto.ReconcileResult{Unchanged: 1}, res)
}

func TestReconcileIsAdditive(t *testing.T) {
	mirror := newTestMirror(t)
	ctx := context.Background()

	local := proto.Deal{DealID: 99, CID: "local", ClientAddress: "0xl", Status: proto.DealExpired}
	require.NoError(t, mirror.Put(ctx, local))

	chain := &fakeChain{deals: []proto.Deal{
		{DealID: 1, CID: "c1", ClientAddress: "0xa", Status: proto.DealCreated},
	}}
	r := NewReconciler(chain, mirror, nil, nil)
	_, err := r.Reconcile(ctx)
	require.NoError(t, err)

	// The chain response omitting a mirrored deal must not remove it.
	got, err := mirror.Get(ctx, 99)
	require.NoError(t, err)
	assert.Equal(t, local, got)
}

func TestReconcileUpdatesChangedDeals(t *testing.T) {
	mirror := newTestMirror(t)
	ctx := context.Background()
	require.NoError(t, mirror.Put(ctx, proto.Deal{DealID: 1, CID: "c1", ClientAddress: "0xa", Status: proto.DealCreated}))

	chain := &fakeChain{deals: []proto.Deal{
		{DealID: 1, CID: "c1", ClientAddress: "0xa", Status: proto.DealActive},
	}}
	r := NewReconciler(chain, mirror, nil, nil)

	res, err := r.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, proto.ReconcileResult{Updated: 1}, res)

	got, err := mirror.Get(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, proto.DealActive, got.Status)
}

func TestReconcileChainErrorAbortsPass(t *testing.T) {
	mirror := newTestMirror(t)
	chain := &fakeChain{err: errors.New("rpc unreachable")}
	r := NewReconciler(chain, mirror, nil, nil)

	_, err := r.Reconcile(context.Background())
	require.ErrorIs(t, err, ErrChainRead)

	_, _, lastErr, ok := r.Last()
	require.True(t, ok)
	assert.ErrorIs(t, lastErr, ErrChainRead)
}

func TestReconcileRecoversAfterChainError(t *testing.T) {
	mirror := newTestMirror(t)
	chain := &fakeChain{err: errors.New("rpc unreachable")}
	r := NewReconciler(chain, mirror, nil, nil)
	ctx := context.Background()

	_, err := r.Reconcile(ctx)
	require.Error(t, err)

	chain.set([]proto.Deal{{DealID: 1, CID: "c1", ClientAddress: "0xa", Status: proto.DealCreated}}, nil)
	res, err := r.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Added)
}

func TestReconcileBroadcastsNewlyActiveDeals(t *testing.T) {
	mirror := newTestMirror(t)
	ctx := context.Background()
	require.NoError(t, mirror.Put(ctx, proto.Deal{DealID: 2, CID: "c2", ClientAddress: "0xb", Status: proto.DealCreated}))

	chain := &fakeChain{deals: []proto.Deal{
		{DealID: 1, CID: "c1", ClientAddress: "0xa", Status: proto.DealActive},  // new and active
		{DealID: 2, CID: "c2", ClientAddress: "0xb", Status: proto.DealActive},  // transitions to active
		{DealID: 3, CID: "c3", ClientAddress: "0xc", Status: proto.DealCreated}, // new, not active
	}}
	bc := &fakeBroadcaster{}
	r := NewReconciler(chain, mirror, bc, nil)

	_, err := r.Reconcile(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"c1", "c2"}, bc.broadcasts())

	// A second pass sees everything active already and stays quiet.
	_, err = r.Reconcile(ctx)
	require.NoError(t, err)
	assert.Len(t, bc.broadcasts(), 2)
}

func TestReconcileBroadcastFailureDoesNotFailPass(t *testing.T) {
	mirror := newTestMirror(t)
	chain := &fakeChain{deals: []proto.Deal{
		{DealID: 1, CID: "c1", ClientAddress: "0xa", Status: proto.DealActive},
	}}
	bc := &fakeBroadcaster{err: errors.New("log write failed")}
	r := NewReconciler(chain, mirror, bc, nil)

	res, err := r.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Added)
}

func TestLastBeforeAnyPass(t *testing.T) {
	r := NewReconciler(&fakeChain{}, newTestMirror(t), nil, nil)
	_, _, _, ok := r.Last()
	assert.False(t, ok)
}
