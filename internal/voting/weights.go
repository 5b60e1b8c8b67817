package voting

import (
	"github.com/neurastack/ensemble/internal/role"
	"github.com/neurastack/ensemble/internal/textmath"
)

// Hybrid weight blend factors.
const (
	blendTraditional = 0.30
	blendDiversity   = 0.20
	blendHistorical  = 0.25
	blendSemantic    = 0.15
	blendReliability = 0.10

	// weightFloor keeps every fulfilled role in play before
	// normalization.
	weightFloor = 0.01
)

// Weights carries every per-role weight the pipeline computes, so callers
// can explain the decision.
type Weights struct {
	Traditional float64 `json:"traditional"`
	Diversity   float64 `json:"diversity"`
	Historical  float64 `json:"historical"`
	Semantic    float64 `json:"semantic"`
	Reliability float64 `json:"reliability"`
	Hybrid      float64 `json:"hybrid"`
}

// traditionalWeights computes confidence-based weights adjusted for latency
// and content length, normalized to sum 1.
func traditionalWeights(results []role.Result) map[string]float64 {
	weights := make(map[string]float64, len(results))
	total := 0.0
	for _, r := range results {
		w := r.Confidence
		if w <= 0 {
			w = 0.5
		}
		switch {
		case r.LatencyMs < 3000:
			w *= 1.1
		case r.LatencyMs > 15000:
			w *= 0.9
		}
		length := len(r.Content)
		switch {
		case length >= 50 && length < 2000:
			w *= 1.05
		case length < 20:
			w *= 0.8
		}
		weights[r.Role] = w
		total += w
	}
	if total > 0 {
		for k := range weights {
			weights[k] /= total
		}
	}
	return weights
}

// diversityWeights computes 1 + mean pairwise cosine distance to the other
// responses. A role that disagrees with the pack carries more diversity.
func diversityWeights(results []role.Result) map[string]float64 {
	weights := make(map[string]float64, len(results))
	if len(results) == 1 {
		weights[results[0].Role] = 1.0
		return weights
	}
	vectors := make([]map[string]int, len(results))
	for i, r := range results {
		vectors[i] = textmath.Vectorize(r.Content)
	}
	for i, r := range results {
		sum := 0.0
		for j := range results {
			if i == j {
				continue
			}
			sum += 1 - textmath.Cosine(vectors[i], vectors[j])
		}
		weights[r.Role] = 1 + sum/float64(len(results)-1)
	}
	return weights
}

// historicalWeights looks up per-model accuracy factors, defaulting to 1.0.
func historicalWeights(results []role.Result, supplier HistorySupplier) map[string]float64 {
	weights := make(map[string]float64, len(results))
	for _, r := range results {
		factor := 1.0
		if supplier != nil {
			factor = supplier(r.Model)
		}
		weights[r.Role] = factor
	}
	return weights
}

// semanticConfidences fills per-role semantic scores, defaulting to 0.5.
func semanticConfidences(results []role.Result, provided map[string]float64) map[string]float64 {
	weights := make(map[string]float64, len(results))
	for _, r := range results {
		score, ok := provided[r.Role]
		if !ok {
			score = 0.5
		}
		weights[r.Role] = score
	}
	return weights
}

// reliabilityScore derives a heuristic reliability from the role itself.
func reliabilityScore(r role.Result) float64 {
	score := 0.5
	if r.LatencyMs < 10000 {
		score += 0.2
	}
	if len(r.Content) > 100 {
		score += 0.1
	}
	if r.Confidence > 0.7 {
		score += 0.2
	}
	return min(1.0, score)
}

// hybridWeights blends the sub-weights, floors, and normalizes to sum 1.
func hybridWeights(results []role.Result, traditional, diversity, historical, semantic map[string]float64) map[string]float64 {
	weights := make(map[string]float64, len(results))
	total := 0.0
	for _, r := range results {
		w := blendTraditional*traditional[r.Role] +
			blendDiversity*(diversity[r.Role]-1) +
			blendHistorical*(historical[r.Role]-1) +
			blendSemantic*semantic[r.Role] +
			blendReliability*reliabilityScore(r)
		if w < weightFloor {
			w = weightFloor
		}
		weights[r.Role] = w
		total += w
	}
	for k := range weights {
		weights[k] /= total
	}
	return weights
}

// Consensus labels the strength of agreement behind the winner.
type Consensus string

const (
	ConsensusVeryStrong Consensus = "very-strong"
	ConsensusStrong     Consensus = "strong"
	ConsensusModerate   Consensus = "moderate"
	ConsensusWeak       Consensus = "weak"
	ConsensusVeryWeak   Consensus = "very-weak"
	ConsensusNone       Consensus = "none"
)

func consensusLabel(top, margin float64) Consensus {
	switch {
	case top > 0.7 && margin > 0.3:
		return ConsensusVeryStrong
	case top > 0.6 && margin > 0.2:
		return ConsensusStrong
	case top > 0.45:
		return ConsensusModerate
	case top > 0.35:
		return ConsensusWeak
	default:
		return ConsensusVeryWeak
	}
}

// topTwo returns the roles with the highest and second-highest weight.
// Ordering ties break deterministically by role name so repeated votes over
// the same set are stable.
func topTwo(weights map[string]float64) (first, second string, firstW, secondW float64) {
	for role, w := range weights {
		switch {
		case w > firstW || (w == firstW && (first == "" || role < first)):
			second, secondW = first, firstW
			first, firstW = role, w
		case w > secondW || (w == secondW && (second == "" || role < second)):
			second, secondW = role, w
		}
	}
	return first, second, firstW, secondW
}
