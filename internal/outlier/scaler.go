package outlier

import "math"

// StandardScaler normalizes feature columns to zero mean and unit variance.
// Statistics are fit once on the training corpus and reused unmodified at
// inference.
type StandardScaler struct {
	Mean []float64 `json:"mean"`
	Std  []float64 `json:"std"`
}

// FitScaler computes per-column statistics from the training matrix.
// Zero-variance columns scale by 1 so constant features pass through.
func FitScaler(x [][]float64) *StandardScaler {
	if len(x) == 0 {
		return &StandardScaler{}
	}
	cols := len(x[0])
	mean := make([]float64, cols)
	std := make([]float64, cols)

	for _, row := range x {
		for j, v := range row {
			mean[j] += v
		}
	}
	n := float64(len(x))
	for j := range mean {
		mean[j] /= n
	}

	for _, row := range x {
		for j, v := range row {
			d := v - mean[j]
			std[j] += d * d
		}
	}
	for j := range std {
		std[j] = math.Sqrt(std[j] / n)
		if std[j] == 0 {
			std[j] = 1
		}
	}

	return &StandardScaler{Mean: mean, Std: std}
}

// Transform scales a single vector with the fitted statistics.
func (s *StandardScaler) Transform(v []float64) []float64 {
	out := make([]float64, len(v))
	for j, x := range v {
		if j < len(s.Mean) {
			out[j] = (x - s.Mean[j]) / s.Std[j]
		} else {
			out[j] = x
		}
	}
	return out
}

// TransformAll scales a matrix row by row.
func (s *StandardScaler) TransformAll(x [][]float64) [][]float64 {
	out := make([][]float64, len(x))
	for i, row := range x {
		out[i] = s.Transform(row)
	}
	return out
}
