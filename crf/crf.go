// Package crf implements a linear-chain Conditional Random Field over dense
// emission scores, with learned transitions out of a virtual START state and
// into a virtual END state.
//
// Emission matrices are [T][L] and may be padded past the true sequence
// length; every function takes the true length and ignores padded rows.
package crf

import "fmt"

// Transitions is a view over a row-major (L+2) x (L+2) transition score
// matrix. Rows are the previous label, columns the next. Index L is START
// and L+1 is END.
type Transitions struct {
	NumLabels int
	Scores    []float64
}

// NewTransitions allocates a zero transition matrix for numLabels labels.
func NewTransitions(numLabels int) Transitions {
	n := numLabels + 2
	return Transitions{NumLabels: numLabels, Scores: make([]float64, n*n)}
}

// View wraps existing storage. It panics if scores has the wrong length.
func View(numLabels int, scores []float64) Transitions {
	n := numLabels + 2
	if len(scores) != n*n {
		panic(fmt.Sprintf("crf: %d transition scores for %d labels, want %d", len(scores), numLabels, n*n))
	}
	return Transitions{NumLabels: numLabels, Scores: scores}
}

// Size returns L+2.
func (tr Transitions) Size() int { return tr.NumLabels + 2 }

// Start returns the index of the virtual START state.
func (tr Transitions) Start() int { return tr.NumLabels }

// End returns the index of the virtual END state.
func (tr Transitions) End() int { return tr.NumLabels + 1 }

// Index returns the flat offset of transition from -> to.
func (tr Transitions) Index(from, to int) int { return from*tr.Size() + to }

// At returns the score of transition from -> to.
func (tr Transitions) At(from, to int) float64 { return tr.Scores[tr.Index(from, to)] }

// Set assigns the score of transition from -> to.
func (tr Transitions) Set(from, to int, v float64) { tr.Scores[tr.Index(from, to)] = v }

// SequenceScore returns the unnormalized score of labels[:length]:
// T[START,y0] + Σ e[t,y_t] + Σ T[y_{t-1},y_t] + T[y_{n-1},END].
func SequenceScore(emissions [][]float64, labels []int, length int, tr Transitions) float64 {
	prev := tr.Start()
	var s float64
	for t := range length {
		y := labels[t]
		s += tr.At(prev, y) + emissions[t][y]
		prev = y
	}
	return s + tr.At(prev, tr.End())
}
