package reputation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/graphmesh/graphmesh/pkg/proto"
)

func TestScoreMonotonicFulfillment(t *testing.T) {
	p := DefaultScoreParams()
	now := time.Now()
	pulse := now.Add(-10 * time.Second)

	m := proto.ReputationMetrics{
		PulseCount:           20,
		PinRequestsFulfilled: 5,
		PinRequestsFailed:    3,
		StorageProofsOk:      4,
		StorageProofsFailed:  1,
	}
	base := Score(m, pulse, now, p)

	m.PinRequestsFulfilled++
	better := Score(m, pulse, now, p)
	assert.GreaterOrEqual(t, better, base)

	m.StorageProofsOk++
	best := Score(m, pulse, now, p)
	assert.GreaterOrEqual(t, best, better)
}

func TestScoreLowSampleRegression(t *testing.T) {
	p := DefaultScoreParams()
	now := time.Now()
	pulse := now.Add(-time.Second)

	// One perfect fulfillment should not score near 1.0: the prior pulls
	// small samples toward the midpoint.
	small := Score(proto.ReputationMetrics{
		PulseCount:           1,
		PinRequestsFulfilled: 1,
	}, pulse, now, p)

	large := Score(proto.ReputationMetrics{
		PulseCount:           100,
		PinRequestsFulfilled: 100,
	}, pulse, now, p)

	assert.Greater(t, large, small)
	assert.Less(t, small, 0.95)
}

func TestScoreStalenessDecay(t *testing.T) {
	p := DefaultScoreParams()
	now := time.Now()
	m := proto.ReputationMetrics{
		PulseCount:           50,
		PinRequestsFulfilled: 50,
		StorageProofsOk:      50,
	}

	fresh := Score(m, now.Add(-time.Second), now, p)
	within := Score(m, now.Add(-p.StalenessThreshold+time.Second), now, p)
	assert.Equal(t, fresh, within)

	stale := Score(m, now.Add(-p.StalenessThreshold-p.DecayHalfLife), now, p)
	staler := Score(m, now.Add(-p.StalenessThreshold-3*p.DecayHalfLife), now, p)
	assert.Less(t, stale, fresh)
	assert.Less(t, staler, stale)
}

func TestScoreNeverPulsed(t *testing.T) {
	p := DefaultScoreParams()
	s := Score(proto.ReputationMetrics{PinRequestsFulfilled: 10}, time.Time{}, time.Now(), p)
	assert.GreaterOrEqual(t, s, 0.0)
	assert.LessOrEqual(t, s, 1.0)
}

func TestScoreBounded(t *testing.T) {
	p := DefaultScoreParams()
	now := time.Now()
	for _, m := range []proto.ReputationMetrics{
		{},
		{PulseCount: 1 << 40, PinRequestsFulfilled: 1 << 40, StorageProofsOk: 1 << 40},
		{PinRequestsFailed: 1000, StorageProofsFailed: 1000},
	} {
		s := Score(m, now, now, p)
		assert.GreaterOrEqual(t, s, 0.0)
		assert.LessOrEqual(t, s, 1.0)
	}
}
