package discover

import "math"

// fairnessEpsilon avoids a divide-by-zero when every NFT in a loop is valued
// at zero.
const fairnessEpsilon = 1e-9

// Weights are the composite-score weights. They must sum to 1.
type Weights struct {
	Efficiency  float64
	Fairness    float64
	Reliability float64
}

// DefaultWeights are the documented defaults.
var DefaultWeights = Weights{Efficiency: 0.40, Fairness: 0.30, Reliability: 0.30}

// Sum returns the total of the three weights.
func (w Weights) Sum() float64 {
	return w.Efficiency + w.Fairness + w.Reliability
}

// scoreEfficiency prefers shorter loops: a 2-party swap scores 1.0 and a
// maxDepth-party loop approaches 0.
func scoreEfficiency(participants, maxDepth int) float64 {
	if maxDepth <= 2 {
		if participants <= 2 {
			return 1
		}
		return 0
	}
	return clamp01(1 - float64(participants-2)/float64(maxDepth-1))
}

// scoreFairness measures the spread of valuations across a loop's steps
// relative to their mean. Equal values score 1.0.
func scoreFairness(values []float64) float64 {
	if len(values) == 0 {
		return 1
	}
	min, max, sum := values[0], values[0], 0.0
	for _, v := range values {
		if v < min {
			min = v
		}
		if v > max {
			max = v
		}
		sum += v
	}
	mean := sum / float64(len(values))
	return clamp01(1 - (max-min)/math.Max(mean, fairnessEpsilon))
}

// compositeScore combines the three components with the configured weights.
func compositeScore(efficiency, fairness, reliability float64, w Weights) float64 {
	return w.Efficiency*efficiency + w.Fairness*fairness + w.Reliability*reliability
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
