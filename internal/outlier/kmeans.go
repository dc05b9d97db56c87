package outlier

import (
	"math"
	"math/rand"
)

// KMeans is the auxiliary partition clustering fit alongside the isolation
// forest. It contributes diagnostic context (cluster id, centroid distance)
// to predictions and never gates the anomaly decision.
type KMeans struct {
	Centroids [][]float64 `json:"centroids"`
}

const kmeansMaxIterations = 100

// FitKMeans runs Lloyd's algorithm with deterministic seeding. Centroids are
// seeded from coordinate-distinct rows; a corpus with fewer distinct rows
// than k yields correspondingly fewer clusters.
func FitKMeans(x [][]float64, k int, seed int64) *KMeans {
	if len(x) == 0 {
		return &KMeans{}
	}
	if k <= 0 {
		k = 3
	}
	if k > len(x) {
		k = len(x)
	}

	// Seed from distinct points. One-hot feature rows repeat heavily, and two
	// centroids starting on the same point would leave one cluster permanently
	// empty while two real clusters share a centroid.
	rng := rand.New(rand.NewSource(seed))
	var centroids [][]float64
	for _, idx := range rng.Perm(len(x)) {
		if containsRow(centroids, x[idx]) {
			continue
		}
		centroids = append(centroids, append([]float64(nil), x[idx]...))
		if len(centroids) == k {
			break
		}
	}
	k = len(centroids)

	assign := make([]int, len(x))
	for iter := 0; iter < kmeansMaxIterations; iter++ {
		changed := false
		for i, row := range x {
			best, _ := nearest(row, centroids)
			if assign[i] != best {
				assign[i] = best
				changed = true
			}
		}
		if !changed && iter > 0 {
			break
		}

		sums := make([][]float64, k)
		counts := make([]int, k)
		for i := range sums {
			sums[i] = make([]float64, len(x[0]))
		}
		for i, row := range x {
			c := assign[i]
			counts[c]++
			for j, v := range row {
				sums[c][j] += v
			}
		}
		for c := 0; c < k; c++ {
			if counts[c] == 0 {
				// Empty cluster keeps its previous centroid.
				continue
			}
			for j := range sums[c] {
				centroids[c][j] = sums[c][j] / float64(counts[c])
			}
		}
	}

	return &KMeans{Centroids: centroids}
}

// Assign returns the nearest cluster and the distance to its centroid.
func (m *KMeans) Assign(v []float64) (int, float64) {
	if len(m.Centroids) == 0 {
		return -1, 0
	}
	return nearest(v, m.Centroids)
}

func containsRow(rows [][]float64, v []float64) bool {
	for _, row := range rows {
		if len(row) != len(v) {
			continue
		}
		equal := true
		for j := range row {
			if row[j] != v[j] {
				equal = false
				break
			}
		}
		if equal {
			return true
		}
	}
	return false
}

func nearest(v []float64, centroids [][]float64) (int, float64) {
	best := 0
	bestDist := math.Inf(1)
	for i, c := range centroids {
		var d float64
		for j := range v {
			if j < len(c) {
				diff := v[j] - c[j]
				d += diff * diff
			}
		}
		if d < bestDist {
			bestDist = d
			best = i
		}
	}
	return best, math.Sqrt(bestDist)
}
