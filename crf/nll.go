package crf

// NLL returns the negative log-likelihood of labels[:length] together with its
// gradient with respect to the emissions and the flat transition scores.
//
// The gradient is model expectation minus empirical count: unary marginals
// for emissions and START/END transitions, pairwise marginals for label to
// label transitions. dEmissions has len(emissions) rows; padded rows are zero.
func NLL(emissions [][]float64, labels []int, length int, tr Transitions) (nll float64, dEmissions [][]float64, dTrans []float64) {
	L := tr.NumLabels
	dEmissions = make([][]float64, len(emissions))
	for t := range dEmissions {
		dEmissions[t] = make([]float64, L)
	}
	dTrans = make([]float64, len(tr.Scores))
	if length == 0 {
		return 0, dEmissions, dTrans
	}

	fb := ForwardBackward(emissions, length, tr)
	nll = fb.LogZ - SequenceScore(emissions, labels, length, tr)

	for t := range length {
		for y := range L {
			dEmissions[t][y] = fb.Marginals[t][y]
		}
		dEmissions[t][labels[t]]--
	}

	start, end := tr.Start(), tr.End()
	for y := range L {
		dTrans[tr.Index(start, y)] += fb.Marginals[0][y]
		dTrans[tr.Index(y, end)] += fb.Marginals[length-1][y]
	}
	dTrans[tr.Index(start, labels[0])]--
	dTrans[tr.Index(labels[length-1], end)]--

	pair := TransitionMarginals(fb, emissions, tr)
	for t := range pair {
		for i := range L {
			for j := range L {
				dTrans[tr.Index(i, j)] += pair[t][i][j]
			}
		}
		dTrans[tr.Index(labels[t], labels[t+1])]--
	}
	return nll, dEmissions, dTrans
}
