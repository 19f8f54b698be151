package ml

import (
	"math"
	"sort"
)

// RankedClass is one entry of a top-K ranking. Probability is the raw model
// output in [0,1]; use Percent for presentation.
type RankedClass struct {
	ClassID     int
	Probability float64
}

// Rank returns the k most probable classes, highest first. Equal
// probabilities keep ascending class id order.
func Rank(distribution []float64, k int) []RankedClass {
	ranked := make([]RankedClass, len(distribution))
	for id, p := range distribution {
		ranked[id] = RankedClass{ClassID: id, Probability: p}
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].Probability > ranked[j].Probability
	})
	if k < 0 {
		k = 0
	}
	if k < len(ranked) {
		ranked = ranked[:k]
	}
	return ranked
}

// Percent converts a probability to a percentage rounded to 2 decimals.
func Percent(p float64) float64 {
	return math.Round(p*100*100) / 100
}
