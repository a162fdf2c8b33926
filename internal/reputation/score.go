package reputation

import (
	"math"
	"time"

	"github.com/graphmesh/graphmesh/internal/config"
	"github.com/graphmesh/graphmesh/pkg/proto"
)

// ScoreParams is the scoring policy: decay curve and weighting constants.
// The exact values are operational policy, so they come from configuration
// rather than being fixed here.
type ScoreParams struct {
	StalenessThreshold time.Duration // pulse age before recency starts decaying
	DecayHalfLife      time.Duration // half-life of the recency component past the threshold
	PulseWeight        float64
	FulfillmentWeight  float64
	ProofWeight        float64
	VolumePrior        float64 // pseudo-count pulling low-sample ratios toward 0.5
}

// DefaultScoreParams returns the default policy.
func DefaultScoreParams() ScoreParams {
	return ScoreParams{
		StalenessThreshold: 5 * time.Minute,
		DecayHalfLife:      10 * time.Minute,
		PulseWeight:        0.3,
		FulfillmentWeight:  0.4,
		ProofWeight:        0.3,
		VolumePrior:        5,
	}
}

// ParamsFromConfig builds score parameters from node configuration.
func ParamsFromConfig(cfg config.ReputationConfig) ScoreParams {
	def := DefaultScoreParams()
	return ScoreParams{
		StalenessThreshold: config.Duration(cfg.StalenessThreshold, def.StalenessThreshold),
		DecayHalfLife:      config.Duration(cfg.DecayHalfLife, def.DecayHalfLife),
		PulseWeight:        cfg.PulseWeight,
		FulfillmentWeight:  cfg.FulfillmentWeight,
		ProofWeight:        cfg.ProofWeight,
		VolumePrior:        cfg.VolumePrior,
	}
}

// Score computes the composite trust score for a metrics snapshot at a
// given moment. It is a pure function: recency of the last pulse, the
// pin-fulfillment ratio and the storage-proof ratio, each ratio regressed
// toward 0.5 under low sample volume. All else equal, an extra success or
// a fresher pulse never lowers the result.
func Score(m proto.ReputationMetrics, lastPulse, now time.Time, p ScoreParams) float64 {
	recency := 0.0
	if !lastPulse.IsZero() && m.PulseCount > 0 {
		age := now.Sub(lastPulse)
		switch {
		case age <= p.StalenessThreshold:
			recency = 1.0
		case p.DecayHalfLife > 0:
			over := age - p.StalenessThreshold
			recency = math.Exp2(-float64(over) / float64(p.DecayHalfLife))
		}
	}

	fulfillment := weightedRatio(m.PinRequestsFulfilled, m.PinRequestsFailed, p.VolumePrior)
	proofs := weightedRatio(m.StorageProofsOk, m.StorageProofsFailed, p.VolumePrior)

	total := p.PulseWeight + p.FulfillmentWeight + p.ProofWeight
	if total == 0 {
		return 0
	}
	return (p.PulseWeight*recency + p.FulfillmentWeight*fulfillment + p.ProofWeight*proofs) / total
}

// weightedRatio regresses ok/(ok+failed) toward 0.5 with prior
// pseudo-observations, so a host with one lucky success does not outrank
// one with a long clean history.
func weightedRatio(ok, failed uint64, prior float64) float64 {
	n := float64(ok + failed)
	return (float64(ok) + prior*0.5) / (n + prior)
}
