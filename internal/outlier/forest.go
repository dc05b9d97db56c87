package outlier

import (
	"math"
	"math/rand"
	"sort"
)

// IsolationForest is an ensemble of randomized isolation trees. Points that
// isolate in fewer splits than typical training points score as outliers.
type IsolationForest struct {
	Trees         []*isoNode `json:"trees"`
	SampleSize    int        `json:"sample_size"`
	Contamination float64    `json:"contamination"`
	// Offset is the decision boundary: the contamination quantile of the
	// training scores. DecisionFunction values below zero are anomalous.
	Offset float64 `json:"offset"`
}

// isoNode is a node in an isolation tree. External nodes have nil children
// and carry the number of training points that reached them.
type isoNode struct {
	SplitCol int      `json:"c"`
	SplitVal float64  `json:"v"`
	Left     *isoNode `json:"l,omitempty"`
	Right    *isoNode `json:"r,omitempty"`
	Size     int      `json:"n"`
}

// FitForest trains an isolation forest on the scaled feature matrix.
// Deterministic for a fixed seed.
func FitForest(x [][]float64, trees, sampleSize int, contamination float64, seed int64) *IsolationForest {
	if trees <= 0 {
		trees = 100
	}
	if sampleSize <= 0 || sampleSize > len(x) {
		sampleSize = len(x)
	}
	if contamination <= 0 || contamination >= 0.5 {
		contamination = 0.1
	}

	rng := rand.New(rand.NewSource(seed))
	f := &IsolationForest{
		Trees:         make([]*isoNode, 0, trees),
		SampleSize:    sampleSize,
		Contamination: contamination,
	}

	heightLimit := int(math.Ceil(math.Log2(float64(sampleSize))))
	if heightLimit < 1 {
		heightLimit = 1
	}

	for t := 0; t < trees; t++ {
		perm := rng.Perm(len(x))[:sampleSize]
		sample := make([][]float64, sampleSize)
		for i, idx := range perm {
			sample[i] = x[idx]
		}
		f.Trees = append(f.Trees, buildIsoTree(sample, 0, heightLimit, rng))
	}

	// Fix the decision boundary at the contamination quantile of the
	// training scores, so roughly that fraction of the corpus sits below it.
	scores := make([]float64, len(x))
	for i, row := range x {
		scores[i] = f.scoreSample(row)
	}
	sort.Float64s(scores)
	idx := int(contamination * float64(len(scores)))
	if idx >= len(scores) {
		idx = len(scores) - 1
	}
	f.Offset = scores[idx]

	return f
}

func buildIsoTree(x [][]float64, depth, limit int, rng *rand.Rand) *isoNode {
	if depth >= limit || len(x) <= 1 {
		return &isoNode{Size: len(x)}
	}

	cols := len(x[0])
	// Columns with spread are split candidates.
	candidates := make([]int, 0, cols)
	mins := make([]float64, cols)
	maxs := make([]float64, cols)
	for j := 0; j < cols; j++ {
		mins[j], maxs[j] = x[0][j], x[0][j]
	}
	for _, row := range x {
		for j, v := range row {
			if v < mins[j] {
				mins[j] = v
			}
			if v > maxs[j] {
				maxs[j] = v
			}
		}
	}
	for j := 0; j < cols; j++ {
		if maxs[j] > mins[j] {
			candidates = append(candidates, j)
		}
	}
	if len(candidates) == 0 {
		return &isoNode{Size: len(x)}
	}

	col := candidates[rng.Intn(len(candidates))]
	val := mins[col] + rng.Float64()*(maxs[col]-mins[col])

	var left, right [][]float64
	for _, row := range x {
		if row[col] < val {
			left = append(left, row)
		} else {
			right = append(right, row)
		}
	}

	return &isoNode{
		SplitCol: col,
		SplitVal: val,
		Left:     buildIsoTree(left, depth+1, limit, rng),
		Right:    buildIsoTree(right, depth+1, limit, rng),
		Size:     len(x),
	}
}

func pathLength(v []float64, node *isoNode, depth float64) float64 {
	if node.Left == nil {
		return depth + avgPathLength(node.Size)
	}
	if v[node.SplitCol] < node.SplitVal {
		return pathLength(v, node.Left, depth+1)
	}
	return pathLength(v, node.Right, depth+1)
}

// avgPathLength is the expected path length of an unsuccessful BST search
// over n points, the standard isolation-forest normalizer.
func avgPathLength(n int) float64 {
	switch {
	case n <= 1:
		return 0
	case n == 2:
		return 1
	default:
		fn := float64(n)
		return 2*(math.Log(fn-1)+0.5772156649) - 2*(fn-1)/fn
	}
}

// scoreSample returns the negated anomaly score in (-1, 0);
// more negative means more anomalous.
func (f *IsolationForest) scoreSample(v []float64) float64 {
	var total float64
	for _, tree := range f.Trees {
		total += pathLength(v, tree, 0)
	}
	avg := total / float64(len(f.Trees))
	return -math.Pow(2, -avg/avgPathLength(f.SampleSize))
}

// DecisionFunction returns the signed distance from the fitted decision
// boundary. Negative values are outside the boundary (anomalous); more
// negative means more anomalous.
func (f *IsolationForest) DecisionFunction(v []float64) float64 {
	return f.scoreSample(v) - f.Offset
}

// Predict reports whether the vector falls outside the fitted boundary.
func (f *IsolationForest) Predict(v []float64) bool {
	return f.DecisionFunction(v) < 0
}
