// Package reputation tracks peer trustworthiness from gossip signals:
// liveness pulses, pin-fulfillment history and storage-proof outcomes.
package reputation

import (
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/graphmesh/graphmesh/internal/graph"
	"github.com/graphmesh/graphmesh/internal/metrics"
	"github.com/graphmesh/graphmesh/pkg/proto"
)

// record holds one host's counters. Counters are atomic so concurrent
// tasks can record signals without going through the tracker mutex.
type record struct {
	firstSeen time.Time

	lastPulseMillis atomic.Int64
	pulses          atomic.Uint64
	pinFulfilled    atomic.Uint64
	pinFailed       atomic.Uint64
	proofsOK        atomic.Uint64
	proofsFailed    atomic.Uint64

	respTotalMicros atomic.Int64
	respSamples     atomic.Uint64

	storedScoreBits atomic.Uint64 // peer-published cached score
}

func (r *record) snapshot() proto.ReputationMetrics {
	m := proto.ReputationMetrics{
		PulseCount:           r.pulses.Load(),
		PinRequestsFulfilled: r.pinFulfilled.Load(),
		PinRequestsFailed:    r.pinFailed.Load(),
		StorageProofsOk:      r.proofsOK.Load(),
		StorageProofsFailed:  r.proofsFailed.Load(),
	}
	if n := r.respSamples.Load(); n > 0 {
		m.AvgResponseMillis = float64(r.respTotalMicros.Load()) / 1000.0 / float64(n)
	}
	return m
}

func (r *record) lastPulse() time.Time {
	ms := r.lastPulseMillis.Load()
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

// Tracker maintains this node's own reputation record and the view of all
// observed peers. Records are created on first signal and never deleted.
type Tracker struct {
	self   string
	store  *graph.Store // persistent instance store, nil in isolated tests
	params ScoreParams
	nm     *metrics.NodeMetrics

	mu    sync.RWMutex
	hosts map[string]*record
}

// NewTracker creates a tracker publishing into the given store.
func NewTracker(self string, store *graph.Store, params ScoreParams, nm *metrics.NodeMetrics) *Tracker {
	return &Tracker{
		self:   self,
		store:  store,
		params: params,
		nm:     nm,
		hosts:  make(map[string]*record),
	}
}

// Self returns this node's host identity.
func (t *Tracker) Self() string { return t.self }

func (t *Tracker) host(h string) *record {
	t.mu.RLock()
	rec, ok := t.hosts[h]
	t.mu.RUnlock()
	if ok {
		return rec
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if rec, ok := t.hosts[h]; ok {
		return rec
	}
	rec = &record{firstSeen: time.Now()}
	t.hosts[h] = rec
	return rec
}

// RecordPulse registers a liveness pulse for host.
func (t *Tracker) RecordPulse(host string) {
	rec := t.host(host)
	rec.pulses.Add(1)
	rec.lastPulseMillis.Store(time.Now().UnixMilli())
	if t.nm != nil {
		t.nm.PulsesRecorded.Inc()
	}
}

// RecordPinFulfillment registers a pin request outcome for host.
func (t *Tracker) RecordPinFulfillment(host string, success bool) {
	rec := t.host(host)
	if success {
		rec.pinFulfilled.Add(1)
	} else {
		rec.pinFailed.Add(1)
	}
}

// RecordStorageProof registers a storage proof outcome for host.
func (t *Tracker) RecordStorageProof(host string, success bool) {
	rec := t.host(host)
	if success {
		rec.proofsOK.Add(1)
	} else {
		rec.proofsFailed.Add(1)
	}
}

// RecordResponseTime folds a response time sample into host's running average.
func (t *Tracker) RecordResponseTime(host string, d time.Duration) {
	rec := t.host(host)
	rec.respTotalMicros.Add(d.Microseconds())
	rec.respSamples.Add(1)
}

// ComputeScore recomputes host's trust score from its metrics and the
// elapsed time since its last pulse. Never derived from a peer-published
// cached score.
func (t *Tracker) ComputeScore(host string) float64 {
	rec := t.host(host)
	return Score(rec.snapshot(), rec.lastPulse(), time.Now(), t.params)
}

// Metrics returns the raw counter snapshot for host.
func (t *Tracker) Metrics(host string) proto.ReputationMetrics {
	return t.host(host).snapshot()
}

// Ingest merges a peer-published record into the local view. Counters are
// merged monotonically (max per counter) so replayed or out-of-order
// records cannot roll history back. The peer's cached score is kept for
// reporting but never used in local computation.
func (t *Tracker) Ingest(pub proto.ReputationRecord) {
	if pub.Host == "" {
		return
	}
	rec := t.host(pub.Host)

	maxUint(&rec.pulses, pub.Metrics.PulseCount)
	maxUint(&rec.pinFulfilled, pub.Metrics.PinRequestsFulfilled)
	maxUint(&rec.pinFailed, pub.Metrics.PinRequestsFailed)
	maxUint(&rec.proofsOK, pub.Metrics.StorageProofsOk)
	maxUint(&rec.proofsFailed, pub.Metrics.StorageProofsFailed)

	if ms := pub.LastPulse.UnixMilli(); !pub.LastPulse.IsZero() {
		maxInt(&rec.lastPulseMillis, ms)
	}
	rec.storedScoreBits.Store(math.Float64bits(pub.StoredScore))
}

func maxUint(a *atomic.Uint64, v uint64) {
	for {
		cur := a.Load()
		if v <= cur || a.CompareAndSwap(cur, v) {
			return
		}
	}
}

func maxInt(a *atomic.Int64, v int64) {
	for {
		cur := a.Load()
		if v <= cur || a.CompareAndSwap(cur, v) {
			return
		}
	}
}

// Summary returns the introspection view for one host.
func (t *Tracker) Summary(host string) (proto.ReputationSummary, bool) {
	t.mu.RLock()
	rec, ok := t.hosts[host]
	t.mu.RUnlock()
	if !ok {
		return proto.ReputationSummary{}, false
	}
	return t.summarize(host, rec), true
}

// Summaries returns the introspection view for all known hosts, sorted by
// host identity.
func (t *Tracker) Summaries() []proto.ReputationSummary {
	t.mu.RLock()
	hosts := make([]string, 0, len(t.hosts))
	recs := make(map[string]*record, len(t.hosts))
	for h, rec := range t.hosts {
		hosts = append(hosts, h)
		recs[h] = rec
	}
	t.mu.RUnlock()

	sort.Strings(hosts)
	out := make([]proto.ReputationSummary, 0, len(hosts))
	for _, h := range hosts {
		out = append(out, t.summarize(h, recs[h]))
	}
	return out
}

func (t *Tracker) summarize(host string, rec *record) proto.ReputationSummary {
	m := rec.snapshot()
	return proto.ReputationSummary{
		Host:            host,
		Metrics:         m,
		CalculatedScore: Score(m, rec.lastPulse(), time.Now(), t.params),
		StoredScore:     math.Float64frombits(rec.storedScoreBits.Load()),
		FirstSeen:       rec.firstSeen,
		LastPulse:       rec.lastPulse(),
	}
}

// ExportScores sets the per-host score gauge from freshly computed scores.
func (t *Tracker) ExportScores() {
	if t.nm == nil {
		return
	}
	for _, s := range t.Summaries() {
		t.nm.PeerScore.WithLabelValues(s.Host).Set(s.CalculatedScore)
	}
}

// KnownHosts returns the number of hosts with a record.
func (t *Tracker) KnownHosts() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.hosts)
}
