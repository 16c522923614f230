package runner

import (
	"math"
	"math/rand"

	"github.com/aipo-project/aipo/pkg/models"
)

// Sample draws a stratified subset of cases: within each category stratum it
// selects ceil(rate*|stratum|) cases uniformly without replacement. The same
// seed always yields the same subset, and selected cases keep their input
// order. Rates of 0 or 1 return the cases unchanged.
func Sample(cases []models.TestCase, rate float64, seed int64) []models.TestCase {
	if rate <= 0 || rate >= 1 || len(cases) == 0 {
		return cases
	}

	// Strata in first-appearance order so the draw sequence is stable.
	var order []string
	strata := make(map[string][]int)
	for i, tc := range cases {
		key := tc.Category
		if _, seen := strata[key]; !seen {
			order = append(order, key)
		}
		strata[key] = append(strata[key], i)
	}

	rng := rand.New(rand.NewSource(seed))
	selected := make([]bool, len(cases))
	for _, key := range order {
		indices := strata[key]
		k := int(math.Ceil(rate * float64(len(indices))))
		for _, pos := range rng.Perm(len(indices))[:k] {
			selected[indices[pos]] = true
		}
	}

	out := make([]models.TestCase, 0, len(cases))
	for i, tc := range cases {
		if selected[i] {
			out = append(out, tc)
		}
	}
	return out
}
