package crf

import "math"

// Viterbi finds the best label sequence for the first length rows of
// emissions (log-domain). Padded rows carry the best scores forward with
// identity backpointers, so they never change the decoded prefix. Ties go to
// the lowest label index.
func Viterbi(emissions [][]float64, length int, tr Transitions) ([]int, float64) {
	if length == 0 {
		return []int{}, tr.At(tr.Start(), tr.End())
	}
	T := max(len(emissions), length)
	L := tr.NumLabels

	// delta[t][y] = best score ending at time t with label y
	delta := make([][]float64, T)
	// psi[t][y] = best previous label for backtracking
	psi := make([][]int, T)

	delta[0] = make([]float64, L)
	psi[0] = make([]int, L)
	for y := range L {
		delta[0][y] = tr.At(tr.Start(), y) + emissions[0][y]
	}

	for t := 1; t < T; t++ {
		delta[t] = make([]float64, L)
		psi[t] = make([]int, L)
		if t >= length {
			copy(delta[t], delta[t-1])
			for y := range L {
				psi[t][y] = y
			}
			continue
		}
		for y := range L {
			bestScore := math.Inf(-1)
			bestPrev := 0
			for yp := range L {
				score := delta[t-1][yp] + tr.At(yp, y)
				if score > bestScore {
					bestScore = score
					bestPrev = yp
				}
			}
			delta[t][y] = bestScore + emissions[t][y]
			psi[t][y] = bestPrev
		}
	}

	// Find best final label
	bestScore := math.Inf(-1)
	bestLabel := 0
	for y := range L {
		if s := delta[T-1][y] + tr.At(y, tr.End()); s > bestScore {
			bestScore = s
			bestLabel = y
		}
	}

	// Backtrack
	path := make([]int, T)
	path[T-1] = bestLabel
	for t := T - 2; t >= 0; t-- {
		path[t] = psi[t+1][path[t+1]]
	}

	return path[:length], bestScore
}

// BatchViterbi decodes every sequence of a padded batch.
func BatchViterbi(emissions [][][]float64, lengths []int, tr Transitions) [][]int {
	out := make([][]int, len(lengths))
	for i, n := range lengths {
		out[i], _ = Viterbi(emissions[i], n, tr)
	}
	return out
}
