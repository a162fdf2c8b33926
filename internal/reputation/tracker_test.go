package reputation

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/graphmesh/graphmesh/internal/graph"
	"github.com/graphmesh/graphmesh/internal/metrics"
	"github.com/graphmesh/graphmesh/pkg/proto"
)

func newTestTracker(t *testing.T) (*Tracker, *graph.Store) {
	t.Helper()
	store := graph.NewStore(graph.NewMemoryBackend(), nil)
	t.Cleanup(func() { store.Close() })
	return NewTracker("node-a", store, DefaultScoreParams(), nil), store
}

func TestTrackerRecordsSignals(t *testing.T) {
	tr, _ := newTestTracker(t)

	tr.RecordPulse("node-b")
	tr.RecordPinFulfillment("node-b", true)
	tr.RecordPinFulfillment("node-b", false)
	tr.RecordStorageProof("node-b", true)
	tr.RecordResponseTime("node-b", 40*time.Millisecond)
	tr.RecordResponseTime("node-b", 80*time.Millisecond)

	m := tr.Metrics("node-b")
	assert.Equal(t, uint64(1), m.PulseCount)
	assert.Equal(t, uint64(1), m.PinRequestsFulfilled)
	assert.Equal(t, uint64(1), m.PinRequestsFailed)
	assert.Equal(t, uint64(1), m.StorageProofsOk)
	assert.InDelta(t, 60.0, m.AvgResponseMillis, 0.001)
}

func TestTrackerScoreImprovesWithFulfillments(t *testing.T) {
	tr, _ := newTestTracker(t)

	tr.RecordPulse("node-b")
	before := tr.ComputeScore("node-b")
	for i := 0; i < 10; i++ {
		tr.RecordPinFulfillment("node-b", true)
	}
	after := tr.ComputeScore("node-b")
	assert.Greater(t, after, before)
}

func TestTrackerIngestMergesMonotonically(t *testing.T) {
	tr, _ := newTestTracker(t)

	tr.RecordPinFulfillment("node-b", true)
	tr.RecordPinFulfillment("node-b", true)
	tr.RecordPinFulfillment("node-b", true)

	// A replayed older record must not roll counters back.
	tr.Ingest(proto.ReputationRecord{
		Host:        "node-b",
		Metrics:     proto.ReputationMetrics{PinRequestsFulfilled: 1, PulseCount: 7},
		StoredScore: 0.9,
	})

	m := tr.Metrics("node-b")
	assert.Equal(t, uint64(3), m.PinRequestsFulfilled)
	assert.Equal(t, uint64(7), m.PulseCount)

	sum, ok := tr.Summary("node-b")
	require.True(t, ok)
	assert.Equal(t, 0.9, sum.StoredScore)
	assert.NotEqual(t, sum.StoredScore, sum.CalculatedScore)
}

func TestTrackerIngestIgnoresEmptyHost(t *testing.T) {
	tr, _ := newTestTracker(t)
	tr.Ingest(proto.ReputationRecord{})
	assert.Equal(t, 0, tr.KnownHosts())
}

func TestTrackerSummariesSorted(t *testing.T) {
	tr, _ := newTestTracker(t)
	tr.RecordPulse("node-c")
	tr.RecordPulse("node-a")
	tr.RecordPulse("node-b")

	sums := tr.Summaries()
	require.Len(t, sums, 3)
	assert.Equal(t, "node-a", sums[0].Host)
	assert.Equal(t, "node-b", sums[1].Host)
	assert.Equal(t, "node-c", sums[2].Host)
}

func TestTrackerConcurrentSignals(t *testing.T) {
	tr, _ := newTestTracker(t)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				tr.RecordPulse("node-b")
				tr.RecordPinFulfillment("node-b", j%2 == 0)
			}
		}()
	}
	wg.Wait()

	m := tr.Metrics("node-b")
	assert.Equal(t, uint64(1600), m.PulseCount)
	assert.Equal(t, uint64(800), m.PinRequestsFulfilled)
	assert.Equal(t, uint64(800), m.PinRequestsFailed)
}

func TestTrackerExportScores(t *testing.T) {
	nm := metrics.InitMetrics("test-node")
	tr := NewTracker("node-a", nil, DefaultScoreParams(), nm)

	tr.RecordPulse("node-b")
	tr.RecordPinFulfillment("node-b", true)
	tr.ExportScores()

	families, err := metrics.Registry.Gather()
	require.NoError(t, err)

	var got float64
	var found bool
	for _, f := range families {
		if f.GetName() != "graphmesh_peer_score" {
			continue
		}
		for _, m := range f.GetMetric() {
			for _, l := range m.GetLabel() {
				if l.GetName() == "host" && l.GetValue() == "node-b" {
					got = m.GetGauge().GetValue()
					found = true
				}
			}
		}
	}
	require.True(t, found, "peer score gauge not exported for node-b")
	assert.InDelta(t, tr.ComputeScore("node-b"), got, 0.05)
}

func TestPublishSelfRoundTrip(t *testing.T) {
	tr, store := newTestTracker(t)
	ctx := context.Background()

	tr.RecordPulse(tr.Self())
	tr.RecordPinFulfillment(tr.Self(), true)
	require.NoError(t, tr.PublishSelf(ctx))

	var pub proto.ReputationRecord
	require.NoError(t, store.Get(ctx, graph.ReputationKey("node-a"), &pub))
	assert.Equal(t, "node-a", pub.Host)
	assert.Equal(t, uint64(1), pub.Metrics.PulseCount)
	assert.Greater(t, pub.StoredScore, 0.0)
}

func TestRunIngestSkipsSelf(t *testing.T) {
	tr, store := newTestTracker(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		tr.RunIngest(ctx)
		close(done)
	}()
	time.Sleep(20 * time.Millisecond)

	require.NoError(t, store.Put(ctx, graph.ReputationKey("node-b"), proto.ReputationRecord{
		Host:    "node-b",
		Metrics: proto.ReputationMetrics{PulseCount: 4},
	}))
	require.NoError(t, store.Put(ctx, graph.ReputationKey("node-a"), proto.ReputationRecord{
		Host:    "node-a",
		Metrics: proto.ReputationMetrics{PulseCount: 999},
	}))

	assert.Eventually(t, func() bool {
		return tr.Metrics("node-b").PulseCount == 4
	}, time.Second, 10*time.Millisecond)

	// Own record published by a stale replica must not inflate local counters.
	assert.Equal(t, uint64(0), tr.Metrics("node-a").PulseCount)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("ingest loop did not stop")
	}
}
