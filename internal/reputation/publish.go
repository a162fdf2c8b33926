package reputation

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/graphmesh/graphmesh/internal/graph"
	"github.com/graphmesh/graphmesh/pkg/proto"
)

// PublishSelf writes this node's own reputation record into the shared
// graph so peers can ingest it.
func (t *Tracker) PublishSelf(ctx context.Context) error {
	rec := t.host(t.self)
	m := rec.snapshot()
	pub := proto.ReputationRecord{
		Host:        t.self,
		Metrics:     m,
		StoredScore: Score(m, rec.lastPulse(), time.Now(), t.params),
		FirstSeen:   rec.firstSeen,
		LastPulse:   rec.lastPulse(),
	}
	return t.store.Put(ctx, graph.ReputationKey(t.self), pub)
}

// RunPulse records this node's own liveness pulse on a fixed interval
// until the context is cancelled.
func (t *Tracker) RunPulse(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	t.RecordPulse(t.self)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.RecordPulse(t.self)
		}
	}
}

// RunPublisher publishes this node's record on a fixed interval and
// refreshes the per-host score gauge alongside. Publish failures are
// logged and retried on the next tick.
func (t *Tracker) RunPublisher(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := t.PublishSelf(ctx); err != nil {
				log.Warn().Err(err).Msg("failed to publish reputation record")
			}
			t.ExportScores()
		}
	}
}

// RunIngest watches the reputation namespace and merges peer-published
// records into the local view. Records published by this node are skipped.
func (t *Tracker) RunIngest(ctx context.Context) {
	ch, cancel := t.store.Subscribe(graph.ReputationPrefix)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			var pub proto.ReputationRecord
			if err := json.Unmarshal(e.Value, &pub); err != nil {
				log.Debug().Err(err).Str("key", e.Key).Msg("skipping malformed reputation record")
				continue
			}
			if pub.Host == t.self {
				continue
			}
			t.Ingest(pub)
			log.Debug().Str("host", pub.Host).Msg("ingested peer reputation record")
		}
	}
}
