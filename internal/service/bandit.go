package service

// Beta-Bernoulli bandit math for experiment traffic allocation. Pure
// functions over posterior snapshots; no store access.

// epsilon keeps a variant with zero observed successes from being locked out
// of traffic entirely.
const epsilon = 1e-6

// Posterior is one variant's belief state for the experiment's target metric.
type Posterior struct {
	VariantID   string
	Impressions int64
	Successes   int64
	Alpha       float64
	Beta        float64
}

// Mean returns the posterior mean conversion rate.
func (p Posterior) Mean() float64 {
	return p.Alpha / (p.Alpha + p.Beta)
}

// RecommendAllocations splits traffic across variants in proportion to their
// posterior means, flooring every share at minShare and renormalizing so the
// result sums to 1. Floored variants keep exactly minShare; the
// renormalization compresses only the stronger variants' shares, so the
// floor holds whenever numVariants*minShare <= 1. Past that point the floor
// is oversubscribed and everything is scaled down proportionally instead.
func RecommendAllocations(posteriors []Posterior, minShare float64) map[string]float64 {
	n := len(posteriors)
	if n == 0 {
		return map[string]float64{}
	}

	weights := make([]float64, n)
	var total float64
	for i, p := range posteriors {
		w := p.Mean()
		if w < epsilon {
			w = epsilon
		}
		weights[i] = w
		total += w
	}
	shares := make([]float64, n)
	for i := range weights {
		shares[i] = weights[i] / total
	}

	if float64(n)*minShare > 1 {
		// The floor cannot be honored for everyone; apply it, then scale
		// the whole allocation back to sum 1.
		var sum float64
		for i := range shares {
			if shares[i] < minShare {
				shares[i] = minShare
			}
			sum += shares[i]
		}
		for i := range shares {
			shares[i] /= sum
		}
	} else {
		// Pin weak variants at the floor and redistribute what remains
		// over the rest, repeating in case the redistribution drags
		// another variant under the floor.
		floored := make([]bool, n)
		for {
			changed := false
			for i := range shares {
				if !floored[i] && shares[i] < minShare {
					floored[i] = true
					changed = true
				}
			}
			if !changed {
				break
			}
			remaining := 1.0
			var freeWeight float64
			for i := range shares {
				if floored[i] {
					remaining -= minShare
				} else {
					freeWeight += weights[i]
				}
			}
			for i := range shares {
				if floored[i] {
					shares[i] = minShare
				} else {
					shares[i] = weights[i] / freeWeight * remaining
				}
			}
		}
	}

	out := make(map[string]float64, n)
	for i, p := range posteriors {
		out[p.VariantID] = shares[i]
	}
	return out
}

// ShouldPromote picks the highest-mean variant as winner once the experiment
// has seen enough impressions and has run long enough. The runtime gate is an
// externally supplied signal; callers derive it from the experiment's
// creation time.
func ShouldPromote(posteriors []Posterior, minImpressions int64, runtimeOK bool) (winnerID string, mean float64, ok bool) {
	if len(posteriors) == 0 || !runtimeOK {
		return "", 0, false
	}
	var total int64
	for _, p := range posteriors {
		total += p.Impressions
	}
	if total < minImpressions {
		return "", 0, false
	}
	winner := posteriors[0]
	for _, p := range posteriors[1:] {
		if p.Mean() > winner.Mean() {
			winner = p
		}
	}
	return winner.VariantID, winner.Mean(), true
}
