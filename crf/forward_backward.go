package crf

import (
	"math"

	"gonum.org/v1/gonum/floats"
)

// ForwardBackwardResult holds the results of the forward-backward algorithm.
type ForwardBackwardResult struct {
	LogZ      float64     // log partition function
	Marginals [][]float64 // [n][L] marginal probabilities P(y_t=j|x)
	Alpha     [][]float64 // [n][L] log forward variables
	Beta      [][]float64 // [n][L] log backward variables
}

// LogPartition runs the forward algorithm in log space over the first length
// rows of emissions. Rows at or past length leave the forward variables
// untouched, so padding does not change the result.
func LogPartition(emissions [][]float64, length int, tr Transitions) float64 {
	if length == 0 {
		return tr.At(tr.Start(), tr.End())
	}
	L := tr.NumLabels
	alpha := make([]float64, L)
	next := make([]float64, L)
	buf := make([]float64, L)
	for y := range L {
		alpha[y] = tr.At(tr.Start(), y) + emissions[0][y]
	}
	for t := 1; t < len(emissions); t++ {
		if t >= length {
			continue
		}
		for y := range L {
			for yp := range L {
				buf[yp] = alpha[yp] + tr.At(yp, y)
			}
			next[y] = floats.LogSumExp(buf) + emissions[t][y]
		}
		alpha, next = next, alpha
	}
	for y := range L {
		buf[y] = alpha[y] + tr.At(y, tr.End())
	}
	return floats.LogSumExp(buf)
}

// ForwardBackward computes log forward and backward variables and the unary
// marginals over the first length positions.
func ForwardBackward(emissions [][]float64, length int, tr Transitions) ForwardBackwardResult {
	if length == 0 {
		return ForwardBackwardResult{LogZ: tr.At(tr.Start(), tr.End())}
	}
	L := tr.NumLabels
	n := length
	buf := make([]float64, L)

	alpha := make([][]float64, n)
	alpha[0] = make([]float64, L)
	for y := range L {
		alpha[0][y] = tr.At(tr.Start(), y) + emissions[0][y]
	}
	for t := 1; t < n; t++ {
		alpha[t] = make([]float64, L)
		for y := range L {
			for yp := range L {
				buf[yp] = alpha[t-1][yp] + tr.At(yp, y)
			}
			alpha[t][y] = floats.LogSumExp(buf) + emissions[t][y]
		}
	}

	beta := make([][]float64, n)
	beta[n-1] = make([]float64, L)
	for y := range L {
		beta[n-1][y] = tr.At(y, tr.End())
	}
	for t := n - 2; t >= 0; t-- {
		beta[t] = make([]float64, L)
		for y := range L {
			for yn := range L {
				buf[yn] = tr.At(y, yn) + emissions[t+1][yn] + beta[t+1][yn]
			}
			beta[t][y] = floats.LogSumExp(buf)
		}
	}

	for y := range L {
		buf[y] = alpha[n-1][y] + beta[n-1][y]
	}
	logZ := floats.LogSumExp(buf)

	marginals := make([][]float64, n)
	for t := range n {
		marginals[t] = make([]float64, L)
		for y := range L {
			marginals[t][y] = math.Exp(alpha[t][y] + beta[t][y] - logZ)
		}
	}

	return ForwardBackwardResult{
		LogZ:      logZ,
		Marginals: marginals,
		Alpha:     alpha,
		Beta:      beta,
	}
}

// TransitionMarginals computes P(y_{t-1}=i, y_t=j | x) for t = 1..n-1.
// Returns [n-1][L][L] tensor.
func TransitionMarginals(fb ForwardBackwardResult, emissions [][]float64, tr Transitions) [][][]float64 {
	n := len(fb.Alpha)
	if n <= 1 {
		return nil
	}
	L := tr.NumLabels
	result := make([][][]float64, n-1)
	for t := range n - 1 {
		result[t] = make([][]float64, L)
		for i := range L {
			result[t][i] = make([]float64, L)
			for j := range L {
				result[t][i][j] = math.Exp(fb.Alpha[t][i] + tr.At(i, j) + emissions[t+1][j] + fb.Beta[t+1][j] - fb.LogZ)
			}
		}
	}
	return result
}

// BatchLogPartition runs LogPartition for every sequence of a padded batch.
func BatchLogPartition(emissions [][][]float64, lengths []int, tr Transitions) []float64 {
	out := make([]float64, len(lengths))
	for i, n := range lengths {
		out[i] = LogPartition(emissions[i], n, tr)
	}
	return out
}
