package replication

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ipfs/go-cid"
	"github.com/rs/zerolog/log"

	"github.com/graphmesh/graphmesh/internal/graph"
	"github.com/graphmesh/graphmesh/internal/metrics"
	"github.com/graphmesh/graphmesh/internal/reputation"
	"github.com/graphmesh/graphmesh/pkg/proto"
)

var (
	// ErrQueueFull indicates the replication queue rejected a request.
	ErrQueueFull = errors.New("replication queue full")
	// ErrPinTimeout indicates a pin attempt exceeded its deadline.
	ErrPinTimeout = errors.New("pin attempt timed out")
)

// Coordinator consumes the pin request log with a bounded worker pool and
// publishes this node's outcomes into the response log. It also observes
// other nodes' responses to feed the reputation tracker.
type Coordinator struct {
	self       string
	store      *graph.Store
	pinner     Pinner
	tracker    *reputation.Tracker
	nm         *metrics.NodeMetrics
	pinTimeout time.Duration

	concurrency int
	queue       chan proto.PinRequest

	mu        sync.Mutex
	processed map[string]struct{}
}

// NewCoordinator creates a coordinator with the given pool size and queue
// depth. The tracker may be nil when reputation feedback is not wanted.
func NewCoordinator(self string, store *graph.Store, pinner Pinner, tracker *reputation.Tracker, nm *metrics.NodeMetrics, concurrency, queueDepth int, pinTimeout time.Duration) *Coordinator {
	if concurrency < 1 {
		concurrency = 1
	}
	if queueDepth < 1 {
		queueDepth = 1
	}
	return &Coordinator{
		self:        self,
		store:       store,
		pinner:      pinner,
		tracker:     tracker,
		nm:          nm,
		pinTimeout:  pinTimeout,
		concurrency: concurrency,
		queue:       make(chan proto.PinRequest, queueDepth),
		processed:   make(map[string]struct{}),
	}
}

// Run starts the worker pool and the request and response observers, and
// blocks until the context is cancelled.
func (c *Coordinator) Run(ctx context.Context) {
	reqCh, cancelReq := c.store.Subscribe(graph.PinRequestPrefix)
	defer cancelReq()
	respCh, cancelResp := c.store.Subscribe(graph.PinResponsePrefix)
	defer cancelResp()

	var wg sync.WaitGroup
	for i := 0; i < c.concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.worker(ctx)
		}()
	}

	log.Info().Int("workers", c.concurrency).Int("queue", cap(c.queue)).
		Msg("replication coordinator started")

	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			return
		case e, ok := <-reqCh:
			if !ok {
				wg.Wait()
				return
			}
			c.observeRequest(ctx, e)
		case e, ok := <-respCh:
			if !ok {
				wg.Wait()
				return
			}
			c.observeResponse(e)
		}
	}
}

func (c *Coordinator) observeRequest(ctx context.Context, e proto.Entry) {
	var req proto.PinRequest
	if err := json.Unmarshal(e.Value, &req); err != nil {
		log.Debug().Err(err).Str("key", e.Key).Msg("skipping malformed pin request")
		return
	}
	if req.Requester == c.self {
		return
	}

	c.mu.Lock()
	if _, seen := c.processed[req.RequestID]; seen {
		c.mu.Unlock()
		return
	}
	c.processed[req.RequestID] = struct{}{}
	c.mu.Unlock()

	if c.nm != nil {
		c.nm.PinRequestsObserved.Inc()
	}

	select {
	case c.queue <- req:
		if c.nm != nil {
			c.nm.PinQueueDepth.Set(float64(len(c.queue)))
		}
	default:
		// An overflowed request counts as a local failure so reputation
		// accounting reflects the refusal.
		if c.nm != nil {
			c.nm.PinQueueDropped.Inc()
			c.nm.PinsFailed.Inc()
		}
		if c.tracker != nil {
			c.tracker.RecordPinFulfillment(c.self, false)
		}
		log.Warn().Str("request", req.RequestID).Msg("replication queue full, reporting failure")
		c.publishResponse(ctx, req.RequestID, proto.PinRespFailed)
	}
}

func (c *Coordinator) observeResponse(e proto.Entry) {
	if c.tracker == nil {
		return
	}
	var resp proto.PinResponse
	if err := json.Unmarshal(e.Value, &resp); err != nil {
		log.Debug().Err(err).Str("key", e.Key).Msg("skipping malformed pin response")
		return
	}
	if resp.Responder == "" || resp.Responder == c.self {
		return
	}
	c.tracker.RecordPinFulfillment(resp.Responder, resp.Status == proto.PinRespCompleted)
}

func (c *Coordinator) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-c.queue:
			if c.nm != nil {
				c.nm.PinQueueDepth.Set(float64(len(c.queue)))
			}
			c.handle(ctx, req)
		}
	}
}

func (c *Coordinator) handle(ctx context.Context, req proto.PinRequest) {
	parsed, err := cid.Decode(req.CID)
	if err != nil {
		log.Warn().Err(err).Str("request", req.RequestID).Str("cid", req.CID).
			Msg("pin request carries invalid cid")
		c.finish(ctx, req, fmt.Errorf("decode cid: %w", err))
		// No responder can ever act on an undecodable CID, so the
		// request itself is settled as failed.
		c.settleRequest(ctx, req, proto.PinFailed)
		return
	}

	attemptCtx, cancel := context.WithTimeoutCause(ctx, c.pinTimeout, ErrPinTimeout)
	defer cancel()

	start := time.Now()
	err = c.pinner.Pin(attemptCtx, parsed)
	if err != nil && context.Cause(attemptCtx) == ErrPinTimeout {
		err = ErrPinTimeout
	}
	if err == nil && c.tracker != nil {
		c.tracker.RecordResponseTime(c.self, time.Since(start))
	}
	c.finish(ctx, req, err)
}

// finish publishes the outcome once the attempt has concluded. No
// response is written while an attempt is still in flight.
func (c *Coordinator) finish(ctx context.Context, req proto.PinRequest, attemptErr error) {
	status := proto.PinRespCompleted
	if attemptErr != nil {
		status = proto.PinRespFailed
		if c.nm != nil {
			c.nm.PinsFailed.Inc()
		}
		log.Warn().Err(attemptErr).Str("request", req.RequestID).Str("cid", req.CID).
			Msg("pin attempt failed")
	} else {
		if c.nm != nil {
			c.nm.PinsFulfilled.Inc()
		}
		log.Info().Str("request", req.RequestID).Str("cid", req.CID).Msg("pin fulfilled")
	}
	if c.tracker != nil {
		c.tracker.RecordPinFulfillment(c.self, attemptErr == nil)
	}
	c.publishResponse(ctx, req.RequestID, status)
	if attemptErr == nil {
		c.settleRequest(ctx, req, proto.PinFulfilled)
	}
}

// settleRequest rewrites the request log entry with its terminal status.
// A locally failed attempt does not settle the request; another node may
// still fulfill it.
func (c *Coordinator) settleRequest(ctx context.Context, req proto.PinRequest, status string) {
	req.Status = status
	if err := c.store.Put(ctx, graph.PinRequestKey(req.RequestID), req); err != nil {
		log.Debug().Err(err).Str("request", req.RequestID).Msg("failed to settle pin request")
	}
}

func (c *Coordinator) publishResponse(ctx context.Context, requestID, status string) {
	resp := proto.PinResponse{
		RequestID: requestID,
		Responder: c.self,
		Status:    status,
		Timestamp: time.Now().UTC(),
	}
	if err := c.store.Put(ctx, graph.PinResponseKey(requestID, c.self), resp); err != nil {
		log.Warn().Err(err).Str("request", requestID).Msg("failed to publish pin response")
	}
}

// BroadcastPinRequest publishes a pin request for the given CID into the
// append-only request log and returns it.
func (c *Coordinator) BroadcastPinRequest(ctx context.Context, cidStr string) (proto.PinRequest, error) {
	if _, err := cid.Decode(cidStr); err != nil {
		return proto.PinRequest{}, fmt.Errorf("invalid cid %q: %w", cidStr, err)
	}
	req := proto.PinRequest{
		RequestID: newRequestID(),
		CID:       cidStr,
		Requester: c.self,
		Status:    proto.PinPending,
		Timestamp: time.Now().UTC(),
	}
	if err := c.store.Put(ctx, graph.PinRequestKey(req.RequestID), req); err != nil {
		return proto.PinRequest{}, fmt.Errorf("publish pin request: %w", err)
	}
	log.Info().Str("request", req.RequestID).Str("cid", cidStr).Msg("broadcast pin request")
	return req, nil
}

// newRequestID builds a sortable unique identifier: millisecond timestamp
// plus a short random suffix.
func newRequestID() string {
	suffix := strings.Split(uuid.NewString(), "-")[0]
	return fmt.Sprintf("%d-%s", time.Now().UnixMilli(), suffix)
}

// ListenForResponses collects responses for a request, replaying any
// already in the log and then watching for new ones until the window
// closes. At most one response per responder is returned.
func (c *Coordinator) ListenForResponses(ctx context.Context, requestID string, window time.Duration) ([]proto.PinResponse, error) {
	ch, cancel := c.store.Subscribe(graph.PinResponsePrefix + "/" + requestID)
	defer cancel()

	seen := make(map[string]struct{})
	var out []proto.PinResponse
	collect := func(raw []byte) {
		var resp proto.PinResponse
		if err := json.Unmarshal(raw, &resp); err != nil || resp.Responder == "" {
			return
		}
		if _, dup := seen[resp.Responder]; dup {
			return
		}
		seen[resp.Responder] = struct{}{}
		out = append(out, resp)
	}

	existing, err := c.store.List(ctx, graph.PinResponsePrefix+"/"+requestID)
	if err != nil {
		return nil, fmt.Errorf("list pin responses: %w", err)
	}
	for _, e := range existing {
		collect(e.Value)
	}

	deadline := time.NewTimer(window)
	defer deadline.Stop()
	for {
		select {
		case <-ctx.Done():
			return out, ctx.Err()
		case <-deadline.C:
			return out, nil
		case e, ok := <-ch:
			if !ok {
				return out, nil
			}
			collect(e.Value)
		}
	}
}
