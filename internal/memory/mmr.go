package memory

import (
	"math"
	"time"
)

// Scores closer than this are treated as ties and broken by recency.
const mmrEpsilon = 1e-9

// Candidate is one MMR input: an embedding, its precomputed relevance and
// the creation time used for tie-breaking.
type Candidate struct {
	Vector    []float32
	Relevance float64
	CreatedAt time.Time
}

// RankMMR selects up to k candidates balancing relevance against
// diversity and returns their indices in selection order. The first pick
// is the highest-relevance candidate; each later pick maximizes
//
//	lambda*relevance(d) - (1-lambda)*max_{s in S} sim(d, s)
//
// over the unselected candidates d. Ties prefer the more recently created
// candidate. lambda=1 reduces to pure relevance order, lambda=0 to pure
// diversity after the first pick. Exact, O(k*N).
func RankMMR(candidates []Candidate, k int, lambda float64) []int {
	n := len(candidates)
	if k <= 0 || n == 0 {
		return nil
	}
	if k > n {
		k = n
	}

	picked := make([]bool, n)
	selected := make([]int, 0, k)

	best := -1
	for i := 0; i < n; i++ {
		if best == -1 || beats(candidates[i].Relevance, candidates[best].Relevance, candidates[i].CreatedAt, candidates[best].CreatedAt) {
			best = i
		}
	}
	picked[best] = true
	selected = append(selected, best)

	// maxSim[i] is candidate i's highest similarity to the selected set,
	// updated incrementally after each pick.
	maxSim := make([]float64, n)
	for i := 0; i < n; i++ {
		if !picked[i] {
			maxSim[i] = CosineSimilarity(candidates[i].Vector, candidates[best].Vector)
		}
	}

	for len(selected) < k {
		best = -1
		bestScore := math.Inf(-1)
		for i := 0; i < n; i++ {
			if picked[i] {
				continue
			}
			score := lambda*candidates[i].Relevance - (1-lambda)*maxSim[i]
			if best == -1 || beats(score, bestScore, candidates[i].CreatedAt, candidates[best].CreatedAt) {
				best = i
				bestScore = score
			}
		}
		if best == -1 {
			break
		}
		picked[best] = true
		selected = append(selected, best)

		for i := 0; i < n; i++ {
			if picked[i] {
				continue
			}
			if sim := CosineSimilarity(candidates[i].Vector, candidates[best].Vector); sim > maxSim[i] {
				maxSim[i] = sim
			}
		}
	}

	return selected
}

// beats reports whether score a displaces score b, preferring the more
// recently created candidate on a tie.
func beats(a, b float64, aCreated, bCreated time.Time) bool {
	if math.Abs(a-b) <= mmrEpsilon {
		return aCreated.After(bCreated)
	}
	return a > b
}

// CosineSimilarity returns the cosine of the angle between a and b, or 0
// when either vector has zero magnitude or the lengths differ.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}

	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}

	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
