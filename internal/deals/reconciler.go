package deals

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/graphmesh/graphmesh/internal/metrics"
	"github.com/graphmesh/graphmesh/pkg/proto"
)

// ErrChainRead indicates the authoritative chain state could not be read.
var ErrChainRead = errors.New("chain read failed")

// PinBroadcaster publishes a pin request for a CID. Satisfied by the
// replication coordinator.
type PinBroadcaster interface {
	BroadcastPinRequest(ctx context.Context, cid string) (proto.PinRequest, error)
}

// Reconciler converges the local mirror toward on-chain state. Passes are
// serialized: a manual trigger during a pass waits for it to finish.
type Reconciler struct {
	chain     ChainReader
	mirror    *Mirror
	broadcast PinBroadcaster
	nm        *metrics.NodeMetrics

	runMu sync.Mutex // serializes passes

	mu         sync.Mutex // guards the fields below
	lastResult *proto.ReconcileResult
	lastRun    time.Time
	lastErr    error
}

// NewReconciler creates a reconciler. The broadcaster may be nil, in
// which case newly active deals are mirrored without a pin broadcast.
func NewReconciler(chain ChainReader, mirror *Mirror, broadcast PinBroadcaster, nm *metrics.NodeMetrics) *Reconciler {
	return &Reconciler{chain: chain, mirror: mirror, broadcast: broadcast, nm: nm}
}

// Reconcile runs one pass: fetch chain state, then add or update mirror
// records. Mirror records absent from the chain response are left alone,
// so a pass only ever adds information. Each deal is committed on its
// own; one bad record does not roll back the rest of the pass.
func (r *Reconciler) Reconcile(ctx context.Context) (proto.ReconcileResult, error) {
	r.runMu.Lock()
	defer r.runMu.Unlock()

	chainDeals, err := r.chain.FetchDeals(ctx)
	if err != nil {
		wrapped := fmt.Errorf("%w: %v", ErrChainRead, err)
		r.record(proto.ReconcileResult{}, wrapped)
		if r.nm != nil {
			r.nm.ReconcileErrors.Inc()
		}
		return proto.ReconcileResult{}, wrapped
	}

	var res proto.ReconcileResult
	var firstErr error
	for _, d := range chainDeals {
		existing, err := r.mirror.Get(ctx, d.DealID)
		switch {
		case err == nil && existing == d:
			res.Unchanged++
			continue
		case err == nil:
			if err := r.mirror.Put(ctx, d); err != nil {
				log.Warn().Err(err).Uint64("deal", d.DealID).Msg("failed to update mirrored deal")
				if firstErr == nil {
					firstErr = err
				}
				continue
			}
			res.Updated++
			r.maybeBroadcast(ctx, existing, d)
		default:
			if err := r.mirror.Put(ctx, d); err != nil {
				log.Warn().Err(err).Uint64("deal", d.DealID).Msg("failed to mirror new deal")
				if firstErr == nil {
					firstErr = err
				}
				continue
			}
			res.Added++
			if r.nm != nil {
				r.nm.DealsMirrored.Inc()
			}
			r.maybeBroadcast(ctx, proto.Deal{}, d)
		}
	}

	if r.nm != nil {
		r.nm.ReconcileRuns.Inc()
	}
	r.record(res, firstErr)
	log.Info().Int("added", res.Added).Int("updated", res.Updated).
		Int("unchanged", res.Unchanged).Msg("deal reconciliation pass complete")
	return res, firstErr
}

// maybeBroadcast publishes a pin request when a deal becomes active.
func (r *Reconciler) maybeBroadcast(ctx context.Context, before, after proto.Deal) {
	if r.broadcast == nil || after.Status != proto.DealActive || before.Status == proto.DealActive {
		return
	}
	if _, err := r.broadcast.BroadcastPinRequest(ctx, after.CID); err != nil {
		log.Warn().Err(err).Uint64("deal", after.DealID).Str("cid", after.CID).
			Msg("failed to broadcast pin for active deal")
	}
}

func (r *Reconciler) record(res proto.ReconcileResult, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastResult = &res
	r.lastRun = time.Now()
	r.lastErr = err
}

// Last returns the most recent pass result, its completion time and its
// error, or ok=false if no pass has run yet.
func (r *Reconciler) Last() (res proto.ReconcileResult, at time.Time, err error, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.lastResult == nil {
		return proto.ReconcileResult{}, time.Time{}, nil, false
	}
	return *r.lastResult, r.lastRun, r.lastErr, true
}

// Run reconciles once at startup and then on a fixed interval until the
// context is cancelled.
func (r *Reconciler) Run(ctx context.Context, interval time.Duration) {
	if _, err := r.Reconcile(ctx); err != nil {
		log.Warn().Err(err).Msg("initial deal reconciliation failed")
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.Reconcile(ctx); err != nil {
				log.Warn().Err(err).Msg("deal reconciliation failed")
			}
		}
	}
}
